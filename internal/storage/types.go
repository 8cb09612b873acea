package storage

import (
	"context"
	"errors"
	"time"

	"errbot/internal/pipeline"
)

var ErrClosed = errors.New("storage closed")

type Config struct {
	// Driver is "file", "sqlite", or "none"/"" for disabled.
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only

	// MaxDeliveries bounds the sqlite audit table; 0 uses the default.
	MaxDeliveries int
}

const defaultMaxDeliveries = 50000

// DeliveryRow is one persisted delivery attempt.
type DeliveryRow struct {
	ID string `json:"id"`
	pipeline.Delivery
}

// Store implements pipeline.Store plus read access for ops endpoints.
type Store interface {
	pipeline.Store
	RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRow, error)
	Close() error
}

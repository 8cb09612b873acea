package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"errbot/internal/pipeline"
	logx "errbot/pkg/logx"
)

// fileStore keeps the record snapshot in one JSON file replaced atomically
// and appends deliveries as JSON Lines.
type fileStore struct {
	log logx.Logger

	mu             sync.Mutex
	snapshotPath   string
	deliveriesPath string
	deliveries     *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	dp := prefix + ".deliveries.jsonl"
	df, err := os.OpenFile(dp, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:            log,
		snapshotPath:   prefix + ".records.json",
		deliveriesPath: dp,
		deliveries:     df,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return nil
	}
	err := s.deliveries.Close()
	s.deliveries = nil
	return err
}

// SaveRecords writes the snapshot via temp file and rename.
func (s *fileStore) SaveRecords(ctx context.Context, recs []pipeline.ErrorRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if recs == nil {
		recs = []pipeline.ErrorRecord{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(recs); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

// LoadRecords returns nil when no snapshot exists yet.
func (s *fileStore) LoadRecords(ctx context.Context) ([]pipeline.ErrorRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var recs []pipeline.ErrorRecord
	if err := json.NewDecoder(f).Decode(&recs); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return recs, nil
}

func (s *fileStore) AppendDelivery(ctx context.Context, d pipeline.Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveries == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.deliveries).Encode(DeliveryRow{ID: uuid.NewString(), Delivery: d})
}

// RecentDeliveries scans the journal and keeps the newest limit rows, newest first.
func (s *fileStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.deliveriesPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]DeliveryRow, 0, limit)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var row DeliveryRow
		if err := json.Unmarshal(sc.Bytes(), &row); err != nil {
			s.log.Debug("skipping corrupt delivery line", logx.Err(err))
			continue
		}
		if len(ring) == limit {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, row)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(ring)-1; i < j; i, j = i+1, j-1 {
		ring[i], ring[j] = ring[j], ring[i]
	}
	return ring, nil
}

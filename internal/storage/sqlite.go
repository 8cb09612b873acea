package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"errbot/internal/pipeline"
	logx "errbot/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	maxDeliveries int
	inserts       atomic.Uint64
}

const pruneEvery = 500

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &sqliteStore{db: db, log: log, maxDeliveries: cfg.MaxDeliveries}, nil
}

func (s *sqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveRecords replaces the stored snapshot in one transaction.
func (s *sqliteStore) SaveRecords(ctx context.Context, recs []pipeline.ErrorRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records(signature, category, tier, count, first_seen, last_seen, samples, kind, source_file)
		 VALUES(?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range recs {
		samples, err := json.Marshal(r.Samples)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx,
			r.Signature, string(r.Category), int(r.Tier), r.Count,
			r.FirstSeen.UTC().Format(time.RFC3339Nano), r.LastSeen.UTC().Format(time.RFC3339Nano),
			string(samples), r.Kind, nullStr(r.SourceFile),
		); err != nil {
			return fmt.Errorf("insert record %s: %w", r.Signature, err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadRecords(ctx context.Context) ([]pipeline.ErrorRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT signature, category, tier, count, first_seen, last_seen, samples, kind, source_file
		 FROM records ORDER BY first_seen, signature`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []pipeline.ErrorRecord
	for rows.Next() {
		var (
			r                     pipeline.ErrorRecord
			category, first, last string
			samples               string
			tier                  int
			source                sql.NullString
		)
		if err := rows.Scan(&r.Signature, &category, &tier, &r.Count, &first, &last, &samples, &r.Kind, &source); err != nil {
			return nil, err
		}
		r.Category = pipeline.Category(category)
		r.Tier = pipeline.Tier(tier)
		r.SourceFile = source.String
		if r.FirstSeen, err = time.Parse(time.RFC3339Nano, first); err != nil {
			return nil, err
		}
		if r.LastSeen, err = time.Parse(time.RFC3339Nano, last); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(samples), &r.Samples); err != nil {
			return nil, fmt.Errorf("record %s samples: %w", r.Signature, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) AppendDelivery(ctx context.Context, d pipeline.Delivery) error {
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(id, at, signature, category, tier, count, result, reason, err, escalated)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), d.At.UTC().Format(time.RFC3339Nano), d.Signature, string(d.Category), int(d.Tier),
		d.Count, d.Result, nullStr(d.Reason), nullStr(d.Error), d.Escalated,
	)
	if err == nil && s.inserts.Add(1)%pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("delivery prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

// prune keeps only the newest maxDeliveries rows.
func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE seq <= (SELECT MAX(seq) FROM deliveries) - ?`, s.maxDeliveries)
	return err
}

func (s *sqliteStore) RecentDeliveries(ctx context.Context, limit int) ([]DeliveryRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, at, signature, category, tier, count, result, reason, err, escalated
		 FROM deliveries ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeliveryRow
	for rows.Next() {
		var (
			row          DeliveryRow
			at, category string
			tier         int
			reason, errs sql.NullString
		)
		if err := rows.Scan(&row.ID, &at, &row.Signature, &category, &tier, &row.Count, &row.Result, &reason, &errs, &row.Escalated); err != nil {
			return nil, err
		}
		row.Category = pipeline.Category(category)
		row.Tier = pipeline.Tier(tier)
		row.Reason = reason.String
		row.Error = errs.String
		if row.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

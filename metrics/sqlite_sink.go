package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSink appends snapshots to the platform_process_data table.
type SQLiteSink struct {
	db *sql.DB
}

// OpenSQLiteSink opens (and creates if needed) the database at path.
func OpenSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.ExecContext(pctx, `CREATE TABLE IF NOT EXISTS platform_process_data (
  reported_at   TEXT    NOT NULL,
  call_key      TEXT    NOT NULL,
  succeeded     INTEGER NOT NULL,
  failed        INTEGER NOT NULL,
  request_flow  INTEGER NOT NULL,
  min_time_ns   INTEGER NOT NULL,
  max_time_ns   INTEGER NOT NULL,
  total_time_ns INTEGER NOT NULL
);`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap platform_process_data: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, at time.Time, snapshots []Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO platform_process_data
  (reported_at, call_key, succeeded, failed, request_flow, min_time_ns, max_time_ns, total_time_ns)
  VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	ts := at.UTC().Format(time.RFC3339Nano)
	for _, sn := range snapshots {
		if _, err := stmt.ExecContext(ctx, ts, sn.Key, sn.Succeeded, sn.Failed, sn.RequestFlow,
			int64(sn.MinTime), int64(sn.MaxTime), int64(sn.TotalTime)); err != nil {
			return fmt.Errorf("insert %s: %w", sn.Key, err)
		}
	}
	return tx.Commit()
}

// Latest returns the most recent row stored for key.
func (s *SQLiteSink) Latest(ctx context.Context, key string) (Snapshot, error) {
	sn := Snapshot{Key: key}
	var minNS, maxNS, totalNS int64
	err := s.db.QueryRowContext(ctx, `SELECT succeeded, failed, request_flow, min_time_ns, max_time_ns, total_time_ns
  FROM platform_process_data WHERE call_key = ? ORDER BY rowid DESC LIMIT 1`, key).
		Scan(&sn.Succeeded, &sn.Failed, &sn.RequestFlow, &minNS, &maxNS, &totalNS)
	if err != nil {
		return sn, err
	}
	sn.MinTime, sn.MaxTime, sn.TotalTime = time.Duration(minNS), time.Duration(maxNS), time.Duration(totalNS)
	return sn, nil
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

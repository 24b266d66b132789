package report

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS flood_runs(
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	node TEXT NOT NULL,
	flavor TEXT,
	transport TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	exchanged_bytes INTEGER,
	successful_rounds INTEGER,
	failed_rounds INTEGER,
	resets INTEGER,
	distinct_received INTEGER,
	distinct_relayed INTEGER,
	restarts INTEGER,
	rate REAL
);
CREATE INDEX IF NOT EXISTS idx_flood_runs_node ON flood_runs(node);`

type SQLiteSink struct {
	db *sql.DB
}

func OpenSQLite(ctx context.Context, path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1)
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Record(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO flood_runs(node, flavor, transport, started_at, ended_at,
		exchanged_bytes, successful_rounds, failed_rounds, resets, distinct_received, distinct_relayed, restarts, rate)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.Node, r.Flavor, r.Transport, r.StartedAt.UnixMilli(), r.EndedAt.UnixMilli(),
		int64(r.ExchangedBytes), int64(r.SuccessfulRounds), int64(r.FailedRounds), int64(r.Resets),
		int64(r.DistinctReceived), int64(r.DistinctRelayed), int64(r.Restarts), r.RateBytesPerSec)
	if err != nil {
		return fmt.Errorf("sqlite insert: %w", err)
	}
	return nil
}

func (s *SQLiteSink) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, node, flavor, transport, started_at, ended_at,
		exchanged_bytes, successful_rounds, failed_rounds, resets, distinct_received, distinct_relayed, restarts, rate
		FROM flood_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var r Run
		var started, ended int64
		var exchanged, rounds, failed, resets, received, relayed, restarts int64
		if err := rows.Scan(&r.ID, &r.Node, &r.Flavor, &r.Transport, &started, &ended,
			&exchanged, &rounds, &failed, &resets, &received, &relayed, &restarts, &r.RateBytesPerSec); err != nil {
			return nil, fmt.Errorf("sqlite scan: %w", err)
		}
		r.StartedAt = time.UnixMilli(started)
		r.EndedAt = time.UnixMilli(ended)
		r.ExchangedBytes = uint64(exchanged)
		r.SuccessfulRounds = uint64(rounds)
		r.FailedRounds = uint64(failed)
		r.Resets = uint64(resets)
		r.DistinctReceived = uint64(received)
		r.DistinctRelayed = uint64(relayed)
		r.Restarts = uint64(restarts)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

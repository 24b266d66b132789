// Package report records the final metrics of a timed run.
package report

import (
	"context"
	"fmt"
	"strings"
	"time"

	"floodnet/internal/metrics"
)

// Run is one finished run as stored by a sink.
type Run struct {
	ID               int64  `gorm:"primaryKey;autoIncrement"`
	Node             string `gorm:"size:128;index"`
	Flavor           string `gorm:"size:16"`
	Transport        string `gorm:"size:8"`
	StartedAt        time.Time
	EndedAt          time.Time
	ExchangedBytes   uint64
	SuccessfulRounds uint64
	FailedRounds     uint64
	Resets           uint64
	DistinctReceived uint64
	DistinctRelayed  uint64
	Restarts         uint64
	RateBytesPerSec  float64
}

func (Run) TableName() string { return "flood_runs" }

func FromSnapshot(node, flavor, transport string, s metrics.Snapshot) Run {
	return Run{
		Node:             node,
		Flavor:           flavor,
		Transport:        transport,
		StartedAt:        s.StartedAt,
		EndedAt:          s.GeneratedAt,
		ExchangedBytes:   s.ExchangedBytes,
		SuccessfulRounds: s.SuccessfulRounds,
		FailedRounds:     s.FailedRounds,
		Resets:           s.Resets,
		DistinctReceived: s.DistinctReceived,
		DistinctRelayed:  s.DistinctRelayed,
		Restarts:         s.Restarts,
		RateBytesPerSec:  s.RateBytesPerSec,
	}
}

type Sink interface {
	Record(ctx context.Context, r Run) error
	Close() error
}

// Lister is implemented by sinks that can read runs back, newest first.
type Lister interface {
	List(ctx context.Context, limit int) ([]Run, error)
}

// Open picks a sink from a DSN of the form sqlite:<path>, mysql:<dsn> or
// jsonl:<path>.
func Open(ctx context.Context, dsn string) (Sink, error) {
	scheme, rest, ok := strings.Cut(dsn, ":")
	if !ok || rest == "" {
		return nil, fmt.Errorf("report dsn %q: want sqlite:<path>, mysql:<dsn> or jsonl:<path>", dsn)
	}
	var (
		sink Sink
		err  error
	)
	switch scheme {
	case "sqlite":
		sink, err = OpenSQLite(ctx, rest)
	case "mysql":
		sink, err = OpenMySQL(rest)
	case "jsonl":
		sink, err = OpenJSONL(rest)
	default:
		return nil, fmt.Errorf("report dsn %q: unknown scheme %q", dsn, scheme)
	}
	if err != nil {
		return nil, err
	}
	return sink, nil
}

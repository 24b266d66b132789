package metrics

import (
	"context"
	"fmt"
	"io"
	"time"
)

const DefaultReportInterval = 500 * time.Millisecond

// Reporter renders snapshots on a fixed interval. It only reads atomics, so
// rendering never contends with the hot path.
type Reporter struct {
	Metrics      *Metrics
	Out          io.Writer
	Interval     time.Duration
	SnapshotPath string
	SnapshotEach int
}

func (r *Reporter) Run(ctx context.Context) {
	if r == nil || r.Metrics == nil {
		return
	}
	interval := r.Interval
	if interval <= 0 {
		interval = DefaultReportInterval
	}
	every := r.SnapshotEach
	if every <= 0 {
		every = 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			snap := r.Metrics.snapshotAt(now)
			if r.Out != nil {
				fmt.Fprintln(r.Out, FormatLine(snap))
			}
			ticks++
			if r.SnapshotPath != "" && ticks%every == 0 {
				_ = r.Metrics.WriteSnapshot(r.SnapshotPath)
			}
		}
	}
}

func FormatLine(s Snapshot) string {
	return fmt.Sprintf("stats elapsed=%.1fs exchanged=%dB rate=%.1fB/s rounds=%d failed=%d resets=%d received=%d relayed=%d restarts=%d",
		s.ElapsedSeconds, s.ExchangedBytes, s.RateBytesPerSec, s.SuccessfulRounds, s.FailedRounds,
		s.Resets, s.DistinctReceived, s.DistinctRelayed, s.Restarts)
}

// WriteFinal prints the end-of-run dump.
func WriteFinal(w io.Writer, s Snapshot) {
	fmt.Fprintln(w, "Exchanged bytes:", s.ExchangedBytes)
	fmt.Fprintln(w, "Successful relays:", s.SuccessfulRounds)
	fmt.Fprintln(w, "Resets:", s.Resets)
	fmt.Fprintln(w, "Messages received:", s.DistinctReceived)
	fmt.Fprintln(w, "Messages relayed:", s.DistinctRelayed)
	fmt.Fprintf(w, "Throughput: %.1f B/s over %.1fs\n", s.RateBytesPerSec, s.ElapsedSeconds)
}

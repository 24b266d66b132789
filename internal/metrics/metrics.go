package metrics

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt      time.Time `json:"generated_at"`
	StartedAt        time.Time `json:"started_at"`
	ElapsedSeconds   float64   `json:"elapsed_seconds"`
	ExchangedBytes   uint64    `json:"exchanged_bytes"`
	RateBytesPerSec  float64   `json:"rate_bytes_per_sec"`
	SuccessfulRounds uint64    `json:"successful_rounds"`
	FailedRounds     uint64    `json:"failed_rounds"`
	Resets           uint64    `json:"resets"`
	DistinctReceived uint64    `json:"distinct_received"`
	DistinctRelayed  uint64    `json:"distinct_relayed"`
	Restarts         uint64    `json:"restarts"`
	InboundStreams   uint64    `json:"inbound_streams"`
	DecodeErrors     uint64    `json:"decode_errors"`
	LastPingMillis   int64     `json:"last_ping_ms"`
}

// Metrics counters only grow; LastPingMillis is the single gauge.
type Metrics struct {
	startedAt        time.Time
	exchangedBytes   atomic.Uint64
	successfulRounds atomic.Uint64
	failedRounds     atomic.Uint64
	resets           atomic.Uint64
	distinctReceived atomic.Uint64
	distinctRelayed  atomic.Uint64
	restarts         atomic.Uint64
	inboundStreams   atomic.Uint64
	decodeErrors     atomic.Uint64
	lastPing         atomic.Int64
}

func New() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) StartedAt() time.Time {
	return m.startedAt
}

func (m *Metrics) AddExchangedBytes(n int) {
	if n > 0 {
		m.exchangedBytes.Add(uint64(n))
	}
}

func (m *Metrics) IncSuccessfulRounds() {
	m.successfulRounds.Add(1)
}

func (m *Metrics) IncFailedRounds() {
	m.failedRounds.Add(1)
}

func (m *Metrics) IncResets() {
	m.resets.Add(1)
}

func (m *Metrics) IncDistinctReceived() {
	m.distinctReceived.Add(1)
}

func (m *Metrics) IncDistinctRelayed() {
	m.distinctRelayed.Add(1)
}

func (m *Metrics) IncRestarts() {
	m.restarts.Add(1)
}

func (m *Metrics) IncInboundStreams() {
	m.inboundStreams.Add(1)
}

func (m *Metrics) IncDecodeErrors() {
	m.decodeErrors.Add(1)
}

func (m *Metrics) SetLastPing(d time.Duration) {
	m.lastPing.Store(d.Milliseconds())
}

func (m *Metrics) Snapshot() Snapshot {
	return m.snapshotAt(time.Now())
}

func (m *Metrics) snapshotAt(now time.Time) Snapshot {
	elapsed := now.Sub(m.startedAt).Seconds()
	exchanged := m.exchangedBytes.Load()
	rate := 0.0
	if elapsed > 0 {
		rate = float64(exchanged) / elapsed
	}
	return Snapshot{
		GeneratedAt:      now.UTC(),
		StartedAt:        m.startedAt.UTC(),
		ElapsedSeconds:   elapsed,
		ExchangedBytes:   exchanged,
		RateBytesPerSec:  rate,
		SuccessfulRounds: m.successfulRounds.Load(),
		FailedRounds:     m.failedRounds.Load(),
		Resets:           m.resets.Load(),
		DistinctReceived: m.distinctReceived.Load(),
		DistinctRelayed:  m.distinctRelayed.Load(),
		Restarts:         m.restarts.Load(),
		InboundStreams:   m.inboundStreams.Load(),
		DecodeErrors:     m.decodeErrors.Load(),
		LastPingMillis:   m.lastPing.Load(),
	}
}

func (m *Metrics) WriteSnapshot(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

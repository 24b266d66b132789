// Package relay fans one message out to a snapshot of peers, one short-lived
// stream per peer.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"floodnet/internal/debuglog"
	"floodnet/internal/metrics"
	"floodnet/internal/network"
	"floodnet/internal/proto"
)

const (
	Protocol           = "/floodnet/relay/1.0.0"
	DefaultOpenTimeout = 5 * time.Second
)

// Dialer is the slice of a transport the engine needs.
type Dialer interface {
	OpenStream(ctx context.Context, addr, protocol string) (network.Stream, error)
	Disconnect(addr string)
}

type Engine struct {
	Dialer  Dialer
	Metrics *metrics.Metrics
	// Protocol defaults to the broadcast protocol id.
	Protocol    string
	OpenTimeout time.Duration
	// AbortAfter resets each stream this long after the write, whether or
	// not the remote finished reading. Zero leaves the stream closed but
	// not reset.
	AbortAfter    time.Duration
	DropOnFailure bool
}

type Outcome struct {
	Addr string
	Err  error
}

// Verdict is the result of one round. AllDelivered holds iff every outcome
// succeeded; an empty round is delivered.
type Verdict struct {
	AllDelivered bool
	Outcomes     []Outcome
}

func (v Verdict) Failures() int {
	n := 0
	for _, o := range v.Outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

// Relay sends msg to every peer concurrently and returns once each open and
// write has finished. Aborts fire later on their own timers.
func (e *Engine) Relay(ctx context.Context, msg []byte, peers []string) Verdict {
	v := Verdict{AllDelivered: true, Outcomes: make([]Outcome, len(peers))}
	if len(peers) == 0 {
		return v
	}
	var wg sync.WaitGroup
	for i, addr := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Outcomes[i] = Outcome{Addr: addr, Err: e.send(ctx, addr, msg)}
		}()
	}
	wg.Wait()
	for _, o := range v.Outcomes {
		if o.Err == nil {
			continue
		}
		v.AllDelivered = false
		if ctx.Err() != nil {
			// shutting down; not a peer failure
			continue
		}
		if e.Metrics != nil {
			e.Metrics.IncResets()
		}
		if e.DropOnFailure {
			e.Dialer.Disconnect(o.Addr)
		}
		debuglog.Debugf("relay failed peer=%s err=%v", o.Addr, o.Err)
	}
	return v
}

func (e *Engine) send(ctx context.Context, addr string, msg []byte) error {
	timeout := e.OpenTimeout
	if timeout <= 0 {
		timeout = DefaultOpenTimeout
	}
	protocol := e.Protocol
	if protocol == "" {
		protocol = Protocol
	}
	octx, cancel := context.WithTimeout(ctx, timeout)
	s, err := e.Dialer.OpenStream(octx, addr, protocol)
	cancel()
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	if err := proto.WriteFrame(s, msg); err != nil {
		s.Abort()
		return fmt.Errorf("write: %w", err)
	}
	_ = s.Close()
	if e.AbortAfter > 0 {
		time.AfterFunc(e.AbortAfter, s.Abort)
	}
	return nil
}

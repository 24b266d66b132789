// Package daemon drives a node's lifecycle: it builds a session (transport,
// listen addresses, inbound handler), runs the self-test broadcast loop and
// restarts the session when relays keep failing.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"floodnet/internal/config"
	"floodnet/internal/debuglog"
	"floodnet/internal/dedup"
	"floodnet/internal/identity"
	"floodnet/internal/message"
	"floodnet/internal/metrics"
	"floodnet/internal/network"
)

type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var ErrAlreadyStarted = errors.New("session already starting or started")

// Directory is the node's view of the registry.
type Directory interface {
	Peers(ctx context.Context) []string
	Publish(ctx context.Context, addrs []string) error
}

// TransportFactory builds a fresh, not yet listening transport. id is nil
// when no identity path is configured.
type TransportFactory func(id *identity.Identity) (network.Transport, error)

type Options struct {
	Config     config.Config
	Directory  Directory
	Transports TransportFactory
	Metrics    *metrics.Metrics
	Dedup      *dedup.Store
	Generator  *message.Generator
	// Display receives inbound messages when Config.Display is set.
	Display io.Writer
}

type Controller struct {
	cfg        config.Config
	dir        Directory
	transports TransportFactory
	metrics    *metrics.Metrics
	dedup      *dedup.Store
	gen        *message.Generator
	display    io.Writer

	state       atomic.Int32
	consecutive atomic.Int64
	restartCh   chan struct{}

	mu       sync.Mutex
	starting bool
	started  bool
	session  *Session
}

func New(opts Options) (*Controller, error) {
	if opts.Directory == nil {
		return nil, fmt.Errorf("missing directory")
	}
	if opts.Transports == nil {
		return nil, fmt.Errorf("missing transport factory")
	}
	cfg := opts.Config
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	d := opts.Dedup
	if d == nil {
		d = dedup.New(dedup.Options{Cap: cfg.DedupCap, TTL: cfg.DedupTTL})
	}
	gen := opts.Generator
	if gen == nil {
		gen = &message.Generator{Tag: cfg.Name, SizeMin: cfg.SizeMin, SizeMax: cfg.SizeMax}
	}
	return &Controller{
		cfg:        cfg,
		dir:        opts.Directory,
		transports: opts.Transports,
		metrics:    m,
		dedup:      d,
		gen:        gen,
		display:    opts.Display,
		restartCh:  make(chan struct{}, 1),
	}, nil
}

func (c *Controller) State() State {
	return State(c.state.Load())
}

func (c *Controller) setState(s State) {
	prev := State(c.state.Swap(int32(s)))
	if prev != s {
		debuglog.Debugf("node state %s -> %s", prev, s)
	}
}

func (c *Controller) ConsecutiveFailures() int {
	return int(c.consecutive.Load())
}

func (c *Controller) Metrics() *metrics.Metrics {
	return c.metrics
}

// ListenAddrs returns the addresses of the running session, if any.
func (c *Controller) ListenAddrs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return append([]string(nil), c.session.Addrs...)
}

// Run starts the node after a random jitter and keeps it running until ctx
// is done or Config.Duration elapses. It returns once the session is torn
// down and the transport closed.
func (c *Controller) Run(ctx context.Context) error {
	if c.cfg.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Duration)
		defer cancel()
	}
	defer c.setState(StateStopped)
	if c.cfg.StartJitter > 0 {
		if !sleepCtx(ctx, mrand.N(c.cfg.StartJitter)) {
			c.stopSession()
			return nil
		}
	}
	for {
		c.setState(StateStarting)
		if err := c.startSession(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			debuglog.Logf("startup failed: %v", err)
			c.setState(StateIdle)
			if c.cfg.StartupPolicy != config.StartupRetry {
				<-ctx.Done()
				return nil
			}
			if !sleepCtx(ctx, c.cfg.StartupRetryDelay) {
				return nil
			}
			continue
		}
		c.setState(StateRunning)
		select {
		case <-ctx.Done():
			c.stopSession()
			return nil
		case <-c.restartCh:
			c.setState(StateRestarting)
			c.metrics.IncRestarts()
			debuglog.Logf("restarting after %d consecutive failed rounds", c.ConsecutiveFailures())
			c.stopSession()
		}
	}
}

// startSession is guarded so that overlapping starts are rejected.
func (c *Controller) startSession(ctx context.Context) error {
	c.mu.Lock()
	if c.starting || c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.starting = true
	c.mu.Unlock()

	s, err := c.newSession(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.starting = false
	if err != nil {
		return err
	}
	c.started = true
	c.session = s
	return nil
}

func (c *Controller) stopSession() {
	c.mu.Lock()
	s := c.session
	c.session = nil
	c.started = false
	c.mu.Unlock()
	if s != nil {
		s.stop()
	}
}

func (c *Controller) requestRestart() {
	select {
	case c.restartCh <- struct{}{}:
	default:
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

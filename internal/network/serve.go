package network

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"floodnet/internal/debuglog"
	"floodnet/internal/proto"
)

const eventQueueSize = 256

// Handlers maps protocol ids to stream handlers; ping is always supported.
type Handlers struct {
	mu       sync.RWMutex
	handlers map[string]StreamHandler
}

func NewHandlers() *Handlers {
	return &Handlers{handlers: make(map[string]StreamHandler)}
}

func (h *Handlers) Set(protocol string, fn StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if fn == nil {
		delete(h.handlers, protocol)
		return
	}
	h.handlers[protocol] = fn
}

func (h *Handlers) Get(protocol string) StreamHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[protocol]
}

func (h *Handlers) Supports(protocol string) bool {
	return protocol == proto.PingProtocol || h.Get(protocol) != nil
}

// ServeInbound negotiates the protocol on a freshly accepted stream and runs
// the matching handler. The stream is closed when the handler returns.
func ServeInbound(ctx context.Context, hs *Handlers, s Stream) {
	defer s.Close()
	id, err := proto.AcceptProtocol(s, hs.Supports)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			debuglog.Debugf("inbound negotiate remote=%s protocol=%q err=%v", s.RemoteAddr(), id, err)
		}
		return
	}
	if id == proto.PingProtocol {
		echoPing(s)
		return
	}
	if h := hs.Get(id); h != nil {
		h(ctx, s)
	}
}

func echoPing(s Stream) {
	buf := make([]byte, proto.PingSize)
	for {
		if _, err := io.ReadFull(s, buf); err != nil {
			return
		}
		if _, err := s.Write(buf); err != nil {
			return
		}
	}
}

// PingStream sends one random payload over a negotiated ping stream and
// returns the round-trip time.
func PingStream(ctx context.Context, s Stream) (time.Duration, error) {
	defer s.Close()
	payload := make([]byte, proto.PingSize)
	if _, err := rand.Read(payload); err != nil {
		return 0, err
	}
	type result struct {
		rtt time.Duration
		err error
	}
	done := make(chan result, 1)
	go func() {
		start := time.Now()
		if _, err := s.Write(payload); err != nil {
			done <- result{err: fmt.Errorf("ping write: %w", err)}
			return
		}
		echo := make([]byte, proto.PingSize)
		if _, err := io.ReadFull(s, echo); err != nil {
			done <- result{err: fmt.Errorf("ping read: %w", err)}
			return
		}
		if !bytes.Equal(payload, echo) {
			done <- result{err: errors.New("ping: echo mismatch")}
			return
		}
		done <- result{rtt: time.Since(start)}
	}()
	select {
	case r := <-done:
		return r.rtt, r.err
	case <-ctx.Done():
		s.Abort()
		return 0, ctx.Err()
	}
}

// EventQueue is the bounded, ordered connection event channel. Emits never
// block; an event is dropped when the consumer falls behind.
type EventQueue struct {
	mu     sync.Mutex
	ch     chan ConnEvent
	closed bool
}

func NewEventQueue() *EventQueue {
	return &EventQueue{ch: make(chan ConnEvent, eventQueueSize)}
}

func (q *EventQueue) Emit(kind ConnEventKind, addr string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.ch <- ConnEvent{Kind: kind, Addr: addr, At: time.Now()}:
	default:
		debuglog.RateLimitedf("conn-events-full", 5*time.Second, "connection events dropped: consumer behind")
	}
}

func (q *EventQueue) C() <-chan ConnEvent {
	return q.ch
}

func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.ch)
}

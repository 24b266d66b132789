// Package memnet is an in-process network.Transport for tests. Addresses are
// opaque strings; streams are synchronous pipes.
package memnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"floodnet/internal/network"
	"floodnet/internal/proto"
)

var ErrAddrInUse = errors.New("memnet: address in use")

// Network is the shared switchboard transports listen on.
type Network struct {
	mu        sync.Mutex
	listeners map[string]*Transport
}

func NewNetwork() *Network {
	return &Network{listeners: make(map[string]*Transport)}
}

func (n *Network) lookup(addr string) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.listeners[addr]
}

type Transport struct {
	net      *Network
	handlers *network.Handlers
	events   *network.EventQueue
	ctx      context.Context
	cancel   context.CancelFunc

	mu        sync.Mutex
	addrs     []string
	connected map[string]bool
	streams   map[string]map[*pipeStream]struct{}
	opens     int
	closed    bool
}

func (n *Network) NewTransport() *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		net:       n,
		handlers:  network.NewHandlers(),
		events:    network.NewEventQueue(),
		ctx:       ctx,
		cancel:    cancel,
		connected: make(map[string]bool),
		streams:   make(map[string]map[*pipeStream]struct{}),
	}
}

func (t *Transport) Handle(protocol string, h network.StreamHandler) {
	t.handlers.Set(protocol, h)
}

func (t *Transport) Events() <-chan network.ConnEvent {
	return t.events.C()
}

func (t *Transport) Listen(_ context.Context, addr string) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, network.ErrClosed
	}
	t.net.mu.Lock()
	defer t.net.mu.Unlock()
	if _, taken := t.net.listeners[addr]; taken {
		return nil, fmt.Errorf("%w: %s", ErrAddrInUse, addr)
	}
	t.net.listeners[addr] = t
	t.addrs = append(t.addrs, addr)
	return []string{addr}, nil
}

// Opens reports how many streams were successfully opened from t.
func (t *Transport) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

func (t *Transport) localAddr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.addrs) == 0 {
		return "memnet"
	}
	return t.addrs[0]
}

func (t *Transport) OpenStream(ctx context.Context, addr, protocol string) (network.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.ctx.Err() != nil {
		return nil, network.ErrClosed
	}
	target := t.net.lookup(addr)
	if target == nil || target.ctx.Err() != nil {
		t.markDisconnected(addr)
		return nil, fmt.Errorf("%w: %s", network.ErrNoListener, addr)
	}
	a, b := net.Pipe()
	local := &pipeStream{conn: a, remote: addr}
	local.onDone = func() { t.untrack(addr, local) }
	remote := &pipeStream{conn: b, remote: t.localAddr()}
	go network.ServeInbound(target.ctx, target.handlers, remote)

	if deadline, ok := ctx.Deadline(); ok {
		_ = a.SetDeadline(deadline)
	}
	if err := proto.SelectProtocol(local, protocol); err != nil {
		local.Abort()
		if errors.Is(err, proto.ErrProtocolRejected) {
			return nil, fmt.Errorf("%w: %s at %s", network.ErrProtocolNotSupported, protocol, addr)
		}
		return nil, fmt.Errorf("negotiate %s: %w", addr, err)
	}
	_ = a.SetDeadline(time.Time{})
	t.track(addr, local)
	return local, nil
}

func (t *Transport) track(addr string, s *pipeStream) {
	t.mu.Lock()
	t.opens++
	set := t.streams[addr]
	if set == nil {
		set = make(map[*pipeStream]struct{})
		t.streams[addr] = set
	}
	set[s] = struct{}{}
	first := !t.connected[addr]
	t.connected[addr] = true
	t.mu.Unlock()
	if first {
		t.events.Emit(network.Connected, addr)
	}
}

func (t *Transport) untrack(addr string, s *pipeStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set := t.streams[addr]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(t.streams, addr)
		}
	}
}

func (t *Transport) markDisconnected(addr string) {
	t.mu.Lock()
	was := t.connected[addr]
	delete(t.connected, addr)
	t.mu.Unlock()
	if was {
		t.events.Emit(network.Disconnected, addr)
	}
}

func (t *Transport) Disconnect(addr string) {
	t.mu.Lock()
	streams := make([]*pipeStream, 0, len(t.streams[addr]))
	for s := range t.streams[addr] {
		streams = append(streams, s)
	}
	t.mu.Unlock()
	for _, s := range streams {
		s.Abort()
	}
	t.markDisconnected(addr)
}

func (t *Transport) Ping(ctx context.Context, addr string) (time.Duration, error) {
	s, err := t.OpenStream(ctx, addr, proto.PingProtocol)
	if err != nil {
		return 0, err
	}
	return network.PingStream(ctx, s)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	addrs := t.addrs
	t.addrs = nil
	var streams []*pipeStream
	for _, set := range t.streams {
		for s := range set {
			streams = append(streams, s)
		}
	}
	t.mu.Unlock()
	t.net.mu.Lock()
	for _, a := range addrs {
		if t.net.listeners[a] == t {
			delete(t.net.listeners, a)
		}
	}
	t.net.mu.Unlock()
	t.cancel()
	for _, s := range streams {
		s.Abort()
	}
	t.events.Close()
	return nil
}

type pipeStream struct {
	conn   net.Conn
	remote string
	onDone func()
	once   sync.Once
}

func (p *pipeStream) Read(b []byte) (int, error)  { return p.conn.Read(b) }
func (p *pipeStream) Write(b []byte) (int, error) { return p.conn.Write(b) }
func (p *pipeStream) RemoteAddr() string          { return p.remote }

// Close ends the pipe; net.Pipe has no half-close so the remote reads EOF.
func (p *pipeStream) Close() error {
	p.release()
	return nil
}

func (p *pipeStream) Abort() {
	p.release()
}

func (p *pipeStream) release() {
	p.once.Do(func() {
		_ = p.conn.Close()
		if p.onDone != nil {
			p.onDone()
		}
	})
}

var _ network.Transport = (*Transport)(nil)

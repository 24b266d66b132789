package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"floodnet/internal/debuglog"
	"floodnet/internal/peer"
	"floodnet/internal/proto"
)

const (
	wsPath         = "/floodnet"
	wsCloseTimeout = 5 * time.Second
)

type WSOptions struct {
	PeerID            string
	MaxInboundStreams int
	HandshakeTimeout  time.Duration
}

// WSTransport carries each stream over its own WebSocket connection using
// binary messages. Connection events track dial reachability per address.
type WSTransport struct {
	opts     WSOptions
	handlers *Handlers
	limiter  *ipLimiter
	events   *EventQueue
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	mu      sync.Mutex
	servers []*http.Server
	known   map[string]bool
	active  map[string]map[*wsStream]struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
}

func NewWS(opts WSOptions) *WSTransport {
	hs := opts.HandshakeTimeout
	if hs <= 0 {
		hs = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &WSTransport{
		opts:     opts,
		handlers: NewHandlers(),
		limiter:  newIPLimiter(0, opts.MaxInboundStreams),
		events:   NewEventQueue(),
		dialer: &websocket.Dialer{
			HandshakeTimeout: hs,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: hs,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		known:  make(map[string]bool),
		active: make(map[string]map[*wsStream]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *WSTransport) Handle(protocol string, h StreamHandler) {
	t.handlers.Set(protocol, h)
}

func (t *WSTransport) Events() <-chan ConnEvent {
	return t.events.C()
}

// Listen binds a TCP host:port and serves WebSocket upgrades on it.
func (t *WSTransport) Listen(ctx context.Context, addr string) ([]string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ws listen %s: %w", addr, err)
	}
	addrs, err := reachableAddrs(peer.TransportWS, ln.Addr(), t.opts.PeerID)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, t.serveHTTP)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	t.mu.Lock()
	t.servers = append(t.servers, srv)
	t.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			debuglog.Debugf("ws serve error: %v", err)
		}
	}()
	debuglog.Debugf("ws listen ready addr=%s", ln.Addr())
	return addrs, nil
}

func (t *WSTransport) serveHTTP(w http.ResponseWriter, r *http.Request) {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	if !t.limiter.acquireStream(ip) {
		debuglog.RateLimitedf("ws-stream-cap:"+ip, 5*time.Second, "inbound stream cap reached remote=%s", ip)
		http.Error(w, "stream cap reached", http.StatusServiceUnavailable)
		return
	}
	defer t.limiter.releaseStream(ip)
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		debuglog.Debugf("ws upgrade remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	remote := r.RemoteAddr
	if ta, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		if s, err := peer.FormatAddr(peer.TransportWS, ta.IP, ta.Port, ""); err == nil {
			remote = s
		}
	}
	ServeInbound(t.ctx, t.handlers, newWSStream(conn, remote, nil))
}

func (t *WSTransport) OpenStream(ctx context.Context, addr, protocol string) (Stream, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	hostport, err := dialTarget(addr, peer.TransportWS)
	if err != nil {
		return nil, err
	}
	conn, _, err := t.dialer.DialContext(ctx, "ws://"+hostport+wsPath, nil)
	if err != nil {
		t.markUnreachable(addr)
		if errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrNoListener, addr)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	var s *wsStream
	s = newWSStream(conn, addr, func() { t.untrack(addr, s) })
	t.trackStream(addr, s)
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
		_ = conn.SetWriteDeadline(deadline)
	}
	if err := proto.SelectProtocol(s, protocol); err != nil {
		s.Abort()
		if errors.Is(err, proto.ErrProtocolRejected) {
			return nil, fmt.Errorf("%w: %s at %s", ErrProtocolNotSupported, protocol, addr)
		}
		return nil, fmt.Errorf("negotiate %s: %w", addr, err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return s, nil
}

func (t *WSTransport) trackStream(addr string, s *wsStream) {
	t.mu.Lock()
	set := t.active[addr]
	if set == nil {
		set = make(map[*wsStream]struct{})
		t.active[addr] = set
	}
	set[s] = struct{}{}
	first := !t.known[addr]
	t.known[addr] = true
	t.mu.Unlock()
	if first {
		t.events.Emit(Connected, addr)
	}
}

func (t *WSTransport) untrack(addr string, s *wsStream) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if set := t.active[addr]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(t.active, addr)
		}
	}
}

func (t *WSTransport) markUnreachable(addr string) {
	t.mu.Lock()
	was := t.known[addr]
	delete(t.known, addr)
	t.mu.Unlock()
	if was {
		t.events.Emit(Disconnected, addr)
	}
}

// Disconnect resets every open stream to addr.
func (t *WSTransport) Disconnect(addr string) {
	t.mu.Lock()
	streams := make([]*wsStream, 0, len(t.active[addr]))
	for s := range t.active[addr] {
		streams = append(streams, s)
	}
	t.mu.Unlock()
	for _, s := range streams {
		s.Abort()
	}
	t.markUnreachable(addr)
}

func (t *WSTransport) Ping(ctx context.Context, addr string) (time.Duration, error) {
	s, err := t.OpenStream(ctx, addr, proto.PingProtocol)
	if err != nil {
		return 0, err
	}
	return PingStream(ctx, s)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	servers := t.servers
	t.servers = nil
	var streams []*wsStream
	for _, set := range t.active {
		for s := range set {
			streams = append(streams, s)
		}
	}
	t.mu.Unlock()
	t.cancel()
	var firstErr error
	for _, srv := range servers {
		if err := srv.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, s := range streams {
		s.Abort()
	}
	t.events.Close()
	return firstErr
}

type wsStream struct {
	conn   *websocket.Conn
	remote string
	onDone func()

	wmu       sync.Mutex
	r         io.Reader
	closeOnce sync.Once
	doneOnce  sync.Once
}

func newWSStream(conn *websocket.Conn, remote string, onDone func()) *wsStream {
	return &wsStream{conn: conn, remote: remote, onDone: onDone}
}

func (s *wsStream) RemoteAddr() string { return s.remote }

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal close frame and releases the connection once the
// remote acknowledges it. The caller must not read concurrently.
func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.shutdown() })
	return err
}

func (s *wsStream) shutdown() error {
	s.wmu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(wsCloseTimeout))
	s.wmu.Unlock()
	go func() {
		_ = s.conn.SetReadDeadline(time.Now().Add(wsCloseTimeout))
		for {
			if _, _, err := s.conn.NextReader(); err != nil {
				break
			}
		}
		s.release()
	}()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

func (s *wsStream) Abort() {
	s.release()
}

func (s *wsStream) release() {
	s.doneOnce.Do(func() {
		_ = s.conn.Close()
		if s.onDone != nil {
			s.onDone()
		}
	})
}

var _ Transport = (*WSTransport)(nil)

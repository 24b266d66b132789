package network

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"floodnet/internal/debuglog"
	"floodnet/internal/peer"
	"floodnet/internal/proto"
)

const (
	alpnProtocol     = "floodnet-quic"
	defaultKeepAlive = 10 * time.Second
	defaultIdle      = 30 * time.Second

	errCodeStreamRefused quic.StreamErrorCode = 1
	errCodeStreamAbort   quic.StreamErrorCode = 2
)

type QUICOptions struct {
	// PrivateKey signs the self-signed TLS certificate; a throwaway key is
	// generated when nil.
	PrivateKey ed25519.PrivateKey
	PeerID     string
	// MaxInboundStreams caps concurrent inbound streams per remote IP; zero
	// disables the cap.
	MaxInboundStreams int
	MaxConnsPerIP     int
	IdleTimeout       time.Duration
}

type QUICTransport struct {
	opts      QUICOptions
	tlsServer *tls.Config
	tlsClient *tls.Config
	quicConf  *quic.Config
	handlers  *Handlers
	pool      *connPool
	limiter   *ipLimiter
	events    *EventQueue

	mu        sync.Mutex
	listeners []*quic.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	closed    bool
}

func NewQUIC(opts QUICOptions) (*QUICTransport, error) {
	cert, err := selfSignedCert(opts.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("tls cert: %w", err)
	}
	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdle
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &QUICTransport{
		opts: opts,
		tlsServer: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		tlsClient: &tls.Config{
			// Peers are addressed by registry entry, not by certificate chain.
			InsecureSkipVerify: true,
			Certificates:       []tls.Certificate{cert},
			NextProtos:         []string{alpnProtocol},
		},
		quicConf: &quic.Config{
			MaxIdleTimeout:  idle,
			KeepAlivePeriod: defaultKeepAlive,
		},
		handlers: NewHandlers(),
		pool:     newConnPool(idle),
		limiter:  newIPLimiter(opts.MaxConnsPerIP, opts.MaxInboundStreams),
		events:   NewEventQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

func selfSignedCert(priv ed25519.PrivateKey) (tls.Certificate, error) {
	if priv == nil {
		_, k, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return tls.Certificate{}, err
		}
		priv = k
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return tls.Certificate{}, err
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, priv.Public(), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}, nil
}

func (t *QUICTransport) Handle(protocol string, h StreamHandler) {
	t.handlers.Set(protocol, h)
}

func (t *QUICTransport) Events() <-chan ConnEvent {
	return t.events.C()
}

// Listen binds a UDP host:port (":0" picks a free port).
func (t *QUICTransport) Listen(ctx context.Context, addr string) ([]string, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	ln, err := quic.ListenAddr(addr, t.tlsServer, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	addrs, err := reachableAddrs(peer.TransportQUIC, ln.Addr(), t.opts.PeerID)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	t.mu.Lock()
	t.listeners = append(t.listeners, ln)
	t.mu.Unlock()
	debuglog.Debugf("quic listen ready addr=%s", ln.Addr())
	go t.acceptLoop(ln)
	return addrs, nil
}

func (t *QUICTransport) acceptLoop(ln *quic.Listener) {
	for {
		conn, err := ln.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				debuglog.Debugf("quic accept error: %v", err)
			}
			return
		}
		ip := remoteIP(conn.RemoteAddr())
		if !t.limiter.acquireConn(ip) {
			debuglog.RateLimitedf("quic-conn-cap:"+ip, 5*time.Second, "inbound conn cap reached remote=%s", ip)
			_ = conn.CloseWithError(0, "conn cap")
			continue
		}
		go func() {
			<-conn.Context().Done()
			t.limiter.releaseConn(ip)
		}()
		hostport := conn.RemoteAddr().String()
		if pooled := t.pool.put(hostport, conn); pooled != conn {
			_ = conn.CloseWithError(0, "duplicate")
			continue
		}
		t.track(hostport, conn)
	}
}

// track emits the connection's events and serves streams the remote opens
// on it, for dialed and accepted connections alike.
func (t *QUICTransport) track(hostport string, conn *quic.Conn) {
	addr := multiaddrFor(conn.RemoteAddr(), hostport)
	t.events.Emit(Connected, addr)
	go func() {
		<-conn.Context().Done()
		t.pool.forget(hostport, conn)
		t.events.Emit(Disconnected, addr)
	}()
	go t.streamLoop(conn, addr)
}

func multiaddrFor(a net.Addr, fallback string) string {
	if u, ok := a.(*net.UDPAddr); ok {
		if s, err := peer.FormatAddr(peer.TransportQUIC, u.IP, u.Port, ""); err == nil {
			return s
		}
	}
	return fallback
}

func (t *QUICTransport) streamLoop(conn *quic.Conn, addr string) {
	ip := remoteIP(conn.RemoteAddr())
	for {
		s, err := conn.AcceptStream(t.ctx)
		if err != nil {
			return
		}
		if !t.limiter.acquireStream(ip) {
			debuglog.RateLimitedf("quic-stream-cap:"+ip, 5*time.Second, "inbound stream cap reached remote=%s", ip)
			s.CancelRead(errCodeStreamRefused)
			s.CancelWrite(errCodeStreamRefused)
			continue
		}
		go func() {
			defer t.limiter.releaseStream(ip)
			ServeInbound(t.ctx, t.handlers, &quicStream{s: s, remote: addr})
		}()
	}
}

func remoteIP(a net.Addr) string {
	if u, ok := a.(*net.UDPAddr); ok {
		return u.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func (t *QUICTransport) OpenStream(ctx context.Context, addr, protocol string) (Stream, error) {
	if t.ctx.Err() != nil {
		return nil, ErrClosed
	}
	hostport, err := dialTarget(addr, peer.TransportQUIC)
	if err != nil {
		return nil, err
	}
	conn, fresh, err := t.pool.get(ctx, hostport, t.tlsClient, t.quicConf)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if fresh {
		t.track(hostport, conn)
	}
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.pool.drop(hostport, "open stream failed")
		return nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	t.pool.touch(hostport, conn)
	qs := &quicStream{s: s, remote: addr}
	if deadline, ok := ctx.Deadline(); ok {
		_ = s.SetDeadline(deadline)
	}
	if err := proto.SelectProtocol(qs, protocol); err != nil {
		qs.Abort()
		if errors.Is(err, proto.ErrProtocolRejected) {
			return nil, fmt.Errorf("%w: %s at %s", ErrProtocolNotSupported, protocol, addr)
		}
		return nil, fmt.Errorf("negotiate %s: %w", addr, err)
	}
	_ = s.SetDeadline(time.Time{})
	return qs, nil
}

func (t *QUICTransport) Disconnect(addr string) {
	hostport, err := dialTarget(addr, peer.TransportQUIC)
	if err != nil {
		return
	}
	t.pool.drop(hostport, "disconnect")
}

func (t *QUICTransport) Ping(ctx context.Context, addr string) (time.Duration, error) {
	s, err := t.OpenStream(ctx, addr, proto.PingProtocol)
	if err != nil {
		return 0, err
	}
	return PingStream(ctx, s)
}

func (t *QUICTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	listeners := t.listeners
	t.listeners = nil
	t.mu.Unlock()
	t.cancel()
	var firstErr error
	for _, ln := range listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	t.pool.closeAll("shutdown")
	t.events.Close()
	return firstErr
}

type quicStream struct {
	s      *quic.Stream
	remote string
}

func (q *quicStream) Read(p []byte) (int, error)  { return q.s.Read(p) }
func (q *quicStream) Write(p []byte) (int, error) { return q.s.Write(p) }
func (q *quicStream) Close() error                { return q.s.Close() }
func (q *quicStream) RemoteAddr() string          { return q.remote }

func (q *quicStream) Abort() {
	q.s.CancelWrite(errCodeStreamAbort)
	q.s.CancelRead(errCodeStreamAbort)
}

var _ Transport = (*QUICTransport)(nil)

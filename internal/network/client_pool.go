package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"floodnet/internal/debuglog"
)

const (
	connIdle = 30 * time.Second

	dialBackoffBase = 100 * time.Millisecond
	dialBackoffMax  = time.Second
)

var errDialBackoff = errors.New("dial backoff")

type pooledConn struct {
	conn     *quic.Conn
	lastUsed time.Time
}

type addrFailure struct {
	count int
	last  time.Time
}

// connPool holds at most one live QUIC connection per remote host:port,
// whether dialed by us or accepted from the remote.
type connPool struct {
	mu        sync.Mutex
	conns     map[string]*pooledConn
	failures  map[string]*addrFailure
	idleAfter time.Duration
}

func newConnPool(idleAfter time.Duration) *connPool {
	if idleAfter <= 0 {
		idleAfter = connIdle
	}
	return &connPool{
		conns:     make(map[string]*pooledConn),
		failures:  make(map[string]*addrFailure),
		idleAfter: idleAfter,
	}
}

// get returns a pooled connection or dials a new one; fresh reports a dial.
func (p *connPool) get(ctx context.Context, hostport string, tlsConf *tls.Config, quicConf *quic.Config) (conn *quic.Conn, fresh bool, err error) {
	if hostport == "" {
		return nil, false, errors.New("missing addr")
	}
	now := time.Now()
	p.mu.Lock()
	if ent, ok := p.conns[hostport]; ok {
		if ent.conn.Context().Err() == nil && now.Sub(ent.lastUsed) <= p.idleAfter {
			ent.lastUsed = now
			conn := ent.conn
			p.mu.Unlock()
			return conn, false, nil
		}
		delete(p.conns, hostport)
		stale := ent.conn
		p.mu.Unlock()
		_ = stale.CloseWithError(0, "stale")
	} else {
		p.mu.Unlock()
	}
	if wait := p.backoffLeft(hostport, now); wait > 0 {
		return nil, false, fmt.Errorf("%w: %s retry in %s", errDialBackoff, hostport, wait.Round(time.Millisecond))
	}
	debuglog.Debugf("quic dial addr=%s", hostport)
	conn, err = quic.DialAddr(ctx, hostport, tlsConf, quicConf)
	if err != nil {
		n := p.recordFailure(hostport)
		debuglog.Debugf("quic dial failed addr=%s failures=%d err=%v", hostport, n, err)
		return nil, false, err
	}
	if existing := p.put(hostport, conn); existing != conn {
		// lost a race with a concurrent dial or an inbound accept
		_ = conn.CloseWithError(0, "duplicate")
		return existing, false, nil
	}
	return conn, true, nil
}

// put registers conn unless a live connection for hostport is already
// pooled; it returns the connection that ends up pooled.
func (p *connPool) put(hostport string, conn *quic.Conn) *quic.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ent, ok := p.conns[hostport]; ok && ent.conn.Context().Err() == nil {
		return ent.conn
	}
	p.conns[hostport] = &pooledConn{conn: conn, lastUsed: time.Now()}
	delete(p.failures, hostport)
	return conn
}

func (p *connPool) touch(hostport string, conn *quic.Conn) {
	p.mu.Lock()
	if ent, ok := p.conns[hostport]; ok && ent.conn == conn {
		ent.lastUsed = time.Now()
	}
	p.mu.Unlock()
}

func (p *connPool) drop(hostport, reason string) {
	p.mu.Lock()
	ent, ok := p.conns[hostport]
	if ok {
		delete(p.conns, hostport)
	}
	p.mu.Unlock()
	if ok {
		_ = ent.conn.CloseWithError(0, reason)
	}
}

func (p *connPool) forget(hostport string, conn *quic.Conn) {
	p.mu.Lock()
	if ent, ok := p.conns[hostport]; ok && ent.conn == conn {
		delete(p.conns, hostport)
	}
	p.mu.Unlock()
}

func (p *connPool) closeAll(reason string) {
	p.mu.Lock()
	conns := p.conns
	p.conns = make(map[string]*pooledConn)
	p.mu.Unlock()
	for _, ent := range conns {
		_ = ent.conn.CloseWithError(0, reason)
	}
}

func (p *connPool) recordFailure(hostport string) int {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[hostport]
	if ent == nil {
		ent = &addrFailure{}
		p.failures[hostport] = ent
	}
	ent.count++
	ent.last = now
	return ent.count
}

// backoffLeft is how long dials to hostport stay suppressed after its
// recent failures; the window doubles per failure up to dialBackoffMax.
func (p *connPool) backoffLeft(hostport string, now time.Time) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	ent := p.failures[hostport]
	if ent == nil {
		return 0
	}
	shift := min(ent.count-1, 4)
	wait := min(dialBackoffBase<<shift, dialBackoffMax)
	if left := ent.last.Add(wait).Sub(now); left > 0 {
		return left
	}
	return 0
}

package network

import "sync"

// ipCap counts holders per remote IP against a ceiling; zero means no cap.
type ipCap struct {
	max    int
	counts map[string]int
}

func (c *ipCap) acquire(ip string) bool {
	if c.max <= 0 {
		return true
	}
	if c.counts[ip] >= c.max {
		return false
	}
	c.counts[ip]++
	return true
}

func (c *ipCap) release(ip string) {
	if c.max <= 0 {
		return
	}
	if c.counts[ip] <= 1 {
		delete(c.counts, ip)
		return
	}
	c.counts[ip]--
}

// ipLimiter bounds inbound connections and streams per remote IP.
type ipLimiter struct {
	mu      sync.Mutex
	conns   ipCap
	streams ipCap
}

func newIPLimiter(maxConns, maxStreams int) *ipLimiter {
	return &ipLimiter{
		conns:   ipCap{max: maxConns, counts: make(map[string]int)},
		streams: ipCap{max: maxStreams, counts: make(map[string]int)},
	}
}

func (l *ipLimiter) acquireConn(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conns.acquire(ip)
}

func (l *ipLimiter) releaseConn(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conns.release(ip)
}

func (l *ipLimiter) acquireStream(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.acquire(ip)
}

func (l *ipLimiter) releaseStream(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.streams.release(ip)
}

func (l *ipLimiter) streamsInUse(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.streams.counts[ip]
}

// Package debuglog is the process-wide line logger. Lines always go to the
// configured writer; with FLOOD_DEBUG=1 they are queued and written by a
// background goroutine so hot relay paths never block on stderr.
package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type sink struct {
	mu    sync.Mutex
	w     io.Writer
	once  sync.Once
	queue chan string
}

func (s *sink) write(line string) {
	s.mu.Lock()
	_, _ = io.WriteString(s.w, line)
	s.mu.Unlock()
}

func (s *sink) enqueue(line string) {
	s.once.Do(func() {
		s.queue = make(chan string, queueSize)
		go func() {
			for l := range s.queue {
				s.write(l)
			}
		}()
	})
	select {
	case s.queue <- line:
	default:
	}
}

type gate struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	swept time.Time
}

// allow reports whether key may log now, pruning stale keys as it goes.
func (g *gate) allow(key string, every time.Duration, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.seen == nil {
		g.seen = make(map[string]time.Time)
		g.swept = now
	}
	if prev, ok := g.seen[key]; ok && now.Sub(prev) < every {
		return false
	}
	g.seen[key] = now
	if now.Sub(g.swept) > 2*every {
		for k, at := range g.seen {
			if now.Sub(at) > 4*every {
				delete(g.seen, k)
			}
		}
		g.swept = now
	}
	return true
}

var (
	out   = &sink{w: os.Stderr}
	rates gate
)

func Enabled() bool {
	return os.Getenv("FLOOD_DEBUG") == "1"
}

// SetOutput redirects log lines and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	if w == nil {
		w = io.Discard
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	prev := out.w
	out.w = w
	return prev
}

func Logf(format string, args ...any) {
	line := time.Now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...) + "\n"
	if Enabled() {
		out.enqueue(line)
		return
	}
	out.write(line)
}

func Debugf(format string, args ...any) {
	if Enabled() {
		Logf(format, args...)
	}
}

// RateLimitedf logs at most once per interval for the given key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" || !rates.allow(key, interval, time.Now()) {
		return
	}
	Logf(format, args...)
}

// Package pprofutil serves profiling endpoints and a live metrics snapshot
// on a debug HTTP listener.
package pprofutil

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/pprof"
	"strings"
	"time"

	"floodnet/internal/metrics"
)

// Start listens on addr and serves /debug/pprof/ and /metrics until ctx is
// done. Non-loopback binds are refused unless allowPublic is set. It
// returns the bound address.
func Start(ctx context.Context, addr string, allowPublic bool, m *metrics.Metrics, logw io.Writer) (string, error) {
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("pprof addr must be loopback unless FLOOD_PPROF_ALLOW_PUBLIC=1: %s", addr)
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Handler:           newMux(m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	return actual, nil
}

func newMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(m.Snapshot())
	})
	return mux
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	host = strings.TrimSpace(host)
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

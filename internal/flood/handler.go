// Package flood handles inbound broadcast streams: every novel message is
// counted, optionally displayed, and relayed once to the current peer set.
package flood

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"floodnet/internal/debuglog"
	"floodnet/internal/dedup"
	"floodnet/internal/metrics"
	"floodnet/internal/network"
	"floodnet/internal/proto"
	"floodnet/internal/relay"
)

// Relayer is satisfied by *relay.Engine.
type Relayer interface {
	Relay(ctx context.Context, msg []byte, peers []string) relay.Verdict
}

// PeerSource yields a fresh directory snapshot per call.
type PeerSource interface {
	Peers(ctx context.Context) []string
}

type Handler struct {
	Dedup   *dedup.Store
	Metrics *metrics.Metrics
	Engine  Relayer
	Peers   PeerSource
	// Display, when set, receives "> <msg>" for every novel message.
	Display io.Writer

	displayMu sync.Mutex
	mu        sync.Mutex
	stopped   bool
	wg        sync.WaitGroup
}

// HandleStream reads frames until the stream ends. A malformed frame ends
// this stream only.
func (h *Handler) HandleStream(ctx context.Context, s network.Stream) {
	if h.Metrics != nil {
		h.Metrics.IncInboundStreams()
	}
	for {
		msg, err := proto.ReadFrame(s)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			if errors.Is(err, proto.ErrFrameSize) || errors.Is(err, io.ErrUnexpectedEOF) {
				if h.Metrics != nil {
					h.Metrics.IncDecodeErrors()
				}
				debuglog.Debugf("inbound decode error remote=%s err=%v", s.RemoteAddr(), err)
				s.Abort()
				return
			}
			debuglog.Debugf("inbound stream ended remote=%s err=%v", s.RemoteAddr(), err)
			return
		}
		h.Deliver(ctx, msg)
	}
}

// Deliver applies the flood rule to one message. Messages arriving after
// ctx is done or the handler is stopped are left unobserved so a later
// session can still relay them.
func (h *Handler) Deliver(ctx context.Context, msg []byte) {
	if !h.enter(ctx) {
		return
	}
	defer h.wg.Done()
	novel, relayNow := h.Dedup.Observe(msg)
	if !novel {
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncDistinctReceived()
	}
	h.display(msg)
	if !relayNow {
		return
	}
	if h.Metrics != nil {
		h.Metrics.IncDistinctRelayed()
	}
	if h.Engine == nil {
		return
	}
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		var peers []string
		if h.Peers != nil {
			peers = h.Peers.Peers(ctx)
		}
		v := h.Engine.Relay(ctx, msg, peers)
		if !v.AllDelivered {
			debuglog.Debugf("relay incomplete peers=%d failed=%d", len(peers), v.Failures())
		}
	}()
}

func (h *Handler) enter(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stopped || ctx.Err() != nil {
		return false
	}
	h.wg.Add(1)
	return true
}

func (h *Handler) display(msg []byte) {
	if h.Display == nil {
		return
	}
	h.displayMu.Lock()
	defer h.displayMu.Unlock()
	_, _ = fmt.Fprintf(h.Display, "> %s\n", msg)
}

// Wait blocks until every relay started by this handler has returned.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// Stop refuses further deliveries and waits for the ones in flight.
func (h *Handler) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.wg.Wait()
}

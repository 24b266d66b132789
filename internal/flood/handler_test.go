package flood

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"floodnet/internal/dedup"
	"floodnet/internal/message"
	"floodnet/internal/metrics"
	"floodnet/internal/network"
	"floodnet/internal/network/memnet"
	"floodnet/internal/proto"
	"floodnet/internal/relay"
	"floodnet/internal/testutil"
)

type recordingRelayer struct {
	mu    sync.Mutex
	calls [][]string
	msgs  []string
}

func (r *recordingRelayer) Relay(_ context.Context, msg []byte, peers []string) relay.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, peers)
	r.msgs = append(r.msgs, string(msg))
	return relay.Verdict{AllDelivered: true}
}

func (r *recordingRelayer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type staticPeers []string

func (p staticPeers) Peers(context.Context) []string { return p }

func newHandler(r Relayer) (*Handler, *metrics.Metrics) {
	m := metrics.New()
	return &Handler{
		Dedup:   dedup.New(dedup.Options{}),
		Metrics: m,
		Engine:  r,
		Peers:   staticPeers{"/ip4/127.0.0.1/udp/7002/quic-v1"},
	}, m
}

func TestDeliverIsIdempotent(t *testing.T) {
	r := &recordingRelayer{}
	h, m := newHandler(r)
	for i := 0; i < 3; i++ {
		h.Deliver(context.Background(), []byte("same"))
	}
	h.Wait()
	s := m.Snapshot()
	if s.DistinctReceived != 1 || s.DistinctRelayed != 1 {
		t.Fatalf("expected one receive and one relay, got %+v", s)
	}
	if r.count() != 1 || len(r.calls[0]) != 1 {
		t.Fatalf("expected single relay to one peer, got %v", r.calls)
	}
}

func TestLocallyMarkedMessageNotRelayed(t *testing.T) {
	r := &recordingRelayer{}
	h, m := newHandler(r)
	h.Dedup.MarkLocal([]byte("mine"))
	h.Deliver(context.Background(), []byte("mine"))
	h.Wait()
	if r.count() != 0 {
		t.Fatalf("echo of local message was relayed")
	}
	if m.Snapshot().DistinctReceived != 0 {
		t.Fatalf("echo counted as received")
	}
}

func TestSeenBeforeRelay(t *testing.T) {
	var h *Handler
	seenAtRelay := make(chan bool, 1)
	h, _ = newHandler(relayFunc(func(msg []byte) {
		seenAtRelay <- h.Dedup.HasSeen(msg) && h.Dedup.HasRelayed(msg)
	}))
	h.Deliver(context.Background(), []byte("ordered"))
	h.Wait()
	if !<-seenAtRelay {
		t.Fatalf("message not marked before relay")
	}
}

type relayFunc func(msg []byte)

func (f relayFunc) Relay(_ context.Context, msg []byte, _ []string) relay.Verdict {
	f(msg)
	return relay.Verdict{AllDelivered: true}
}

func TestConcurrentDeliverRelaysOnce(t *testing.T) {
	r := &recordingRelayer{}
	h, m := newHandler(r)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.Deliver(context.Background(), []byte("race"))
		}()
	}
	wg.Wait()
	h.Wait()
	if r.count() != 1 || m.Snapshot().DistinctRelayed != 1 {
		t.Fatalf("expected exactly one relay, got %d", r.count())
	}
}

func TestDisplayNovelMessages(t *testing.T) {
	var out bytes.Buffer
	h, _ := newHandler(&recordingRelayer{})
	h.Display = &out
	h.Deliver(context.Background(), []byte("[1] [A] ff"))
	h.Deliver(context.Background(), []byte("[1] [A] ff"))
	h.Wait()
	if got := out.String(); got != "> [1] [A] ff\n" {
		t.Fatalf("unexpected display output %q", got)
	}
}

const (
	addrA = "/ip4/127.0.0.1/udp/7001/quic-v1"
	addrB = "/ip4/127.0.0.1/udp/7002/quic-v1"
)

func TestDecodeErrorEndsOnlyThatStream(t *testing.T) {
	n := memnet.NewNetwork()
	server := n.NewTransport()
	defer server.Close()
	r := &recordingRelayer{}
	h, m := newHandler(r)
	server.Handle(relay.Protocol, h.HandleStream)
	if _, err := server.Listen(context.Background(), addrB); err != nil {
		t.Fatalf("listen: %v", err)
	}
	client := n.NewTransport()
	defer client.Close()

	bad, err := client.OpenStream(context.Background(), addrB, relay.Protocol)
	if err != nil {
		t.Fatalf("open bad: %v", err)
	}
	// zero-length frame is invalid
	if _, err := bad.Write([]byte{0, 0, 0, 0}); err != nil {
		t.Fatalf("write bad: %v", err)
	}
	testutil.Eventually(t, time.Second, func() bool { return m.Snapshot().DecodeErrors == 1 }, "decode error not counted")

	good, err := client.OpenStream(context.Background(), addrB, relay.Protocol)
	if err != nil {
		t.Fatalf("open good: %v", err)
	}
	if err := proto.WriteFrame(good, []byte("fine")); err != nil {
		t.Fatalf("write good: %v", err)
	}
	_ = good.Close()
	testutil.Eventually(t, time.Second, func() bool { return m.Snapshot().DistinctReceived == 1 }, "valid stream not processed")
	h.Wait()
	if r.count() != 1 || r.msgs[0] != "fine" {
		t.Fatalf("unexpected relays %v", r.msgs)
	}
}

func TestRelayThroughEngine(t *testing.T) {
	n := memnet.NewNetwork()
	got := make(chan string, 4)
	sinkT := n.NewTransport()
	defer sinkT.Close()
	sinkT.Handle(relay.Protocol, func(ctx context.Context, s network.Stream) {
		msg, err := proto.ReadFrame(s)
		if err == nil {
			got <- string(msg)
		}
	})
	if _, err := sinkT.Listen(context.Background(), addrA); err != nil {
		t.Fatalf("listen: %v", err)
	}
	self := n.NewTransport()
	defer self.Close()
	m := metrics.New()
	h := &Handler{
		Dedup:   dedup.New(dedup.Options{}),
		Metrics: m,
		Engine:  &relay.Engine{Dialer: self, Metrics: m},
		Peers:   staticPeers{addrA},
	}
	h.Deliver(context.Background(), []byte("forward me"))
	h.Wait()
	select {
	case msg := <-got:
		if !strings.HasPrefix(msg, "forward") {
			t.Fatalf("unexpected forwarded message %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatalf("message not forwarded")
	}
}

func TestDeliverAfterCancelLeavesMessageForNextSession(t *testing.T) {
	store := dedup.New(dedup.Options{})
	dead := &recordingRelayer{}
	m := metrics.New()
	old := &Handler{Dedup: store, Metrics: m, Engine: dead, Peers: staticPeers{addrB}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	old.Deliver(ctx, []byte("late"))
	old.Wait()
	if store.HasSeen([]byte("late")) || store.HasRelayed([]byte("late")) {
		t.Fatalf("message observed on a cancelled session")
	}
	if s := m.Snapshot(); s.DistinctReceived != 0 || s.DistinctRelayed != 0 {
		t.Fatalf("cancelled delivery counted: %+v", s)
	}

	live := &recordingRelayer{}
	next := &Handler{Dedup: store, Metrics: m, Engine: live, Peers: staticPeers{addrB}}
	next.Deliver(context.Background(), []byte("late"))
	next.Wait()
	if live.count() != 1 || dead.count() != 0 {
		t.Fatalf("expected one relay in the next session, got %d (old %d)", live.count(), dead.count())
	}
	if s := m.Snapshot(); s.DistinctReceived != 1 || s.DistinctRelayed != 1 {
		t.Fatalf("unexpected counters %+v", s)
	}
}

func TestStopRefusesDeliveries(t *testing.T) {
	r := &recordingRelayer{}
	h, m := newHandler(r)
	h.Deliver(context.Background(), []byte("before"))
	h.Stop()
	h.Deliver(context.Background(), []byte("after"))
	h.Wait()
	if r.count() != 1 || r.msgs[0] != "before" {
		t.Fatalf("unexpected relays %v", r.msgs)
	}
	if h.Dedup.HasSeen([]byte("after")) || m.Snapshot().DistinctReceived != 1 {
		t.Fatalf("delivery after stop was observed")
	}
}

type floodNode struct {
	tr      *memnet.Transport
	m       *metrics.Metrics
	h       *Handler
	engine  *relay.Engine
	streams chan struct{}
}

func newFloodNode(t *testing.T, n *memnet.Network, self, peerAddr string) *floodNode {
	t.Helper()
	tr := n.NewTransport()
	t.Cleanup(func() { _ = tr.Close() })
	m := metrics.New()
	engine := &relay.Engine{Dialer: tr, Metrics: m}
	nd := &floodNode{
		tr:      tr,
		m:       m,
		engine:  engine,
		streams: make(chan struct{}, 4),
		h: &Handler{
			Dedup:   dedup.New(dedup.Options{}),
			Metrics: m,
			Engine:  engine,
			Peers:   staticPeers{peerAddr},
		},
	}
	tr.Handle(relay.Protocol, func(ctx context.Context, s network.Stream) {
		nd.h.HandleStream(ctx, s)
		nd.streams <- struct{}{}
	})
	if _, err := tr.Listen(context.Background(), self); err != nil {
		t.Fatalf("listen %s: %v", self, err)
	}
	return nd
}

func waitStream(t *testing.T, nd *floodNode, name string) {
	t.Helper()
	select {
	case <-nd.streams:
	case <-time.After(2 * time.Second):
		t.Fatalf("no inbound stream handled at %s", name)
	}
}

// A originates M1 and sends it to B; B relays it once back to A, where it is
// already known and goes no further.
func TestTwoNodeFloodScenario(t *testing.T) {
	n := memnet.NewNetwork()
	a := newFloodNode(t, n, addrA, addrB)
	b := newFloodNode(t, n, addrB, addrA)

	m1, err := message.Generate(nil, 64, "A", time.Now())
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	seen, relayed := a.h.Dedup.MarkLocal(m1)
	if !seen || !relayed {
		t.Fatalf("fresh message not novel at origin")
	}
	a.m.IncDistinctReceived()
	a.m.IncDistinctRelayed()

	if v := a.engine.Relay(context.Background(), m1, []string{addrB}); !v.AllDelivered {
		t.Fatalf("relay to B failed: %v", v.Outcomes)
	}
	waitStream(t, b, "B")
	b.h.Wait()
	waitStream(t, a, "A")
	a.h.Wait()

	sa, sb := a.m.Snapshot(), b.m.Snapshot()
	if sa.DistinctReceived != 1 || sa.DistinctRelayed != 1 {
		t.Fatalf("unexpected counters at A: %+v", sa)
	}
	if sb.DistinctReceived != 1 || sb.DistinctRelayed != 1 {
		t.Fatalf("unexpected counters at B: %+v", sb)
	}
	if sa.InboundStreams != 1 || sb.InboundStreams != 1 {
		t.Fatalf("expected one inbound stream per node, got A=%d B=%d", sa.InboundStreams, sb.InboundStreams)
	}
	if a.tr.Opens() != 1 || b.tr.Opens() != 1 {
		t.Fatalf("expected one broadcast per node, got A=%d B=%d", a.tr.Opens(), b.tr.Opens())
	}
	if sa.Resets != 0 || sb.Resets != 0 {
		t.Fatalf("unexpected resets A=%d B=%d", sa.Resets, sb.Resets)
	}
	if !b.h.Dedup.HasRelayed(m1) {
		t.Fatalf("B did not record M1 as relayed")
	}
}

package network

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"floodnet/internal/proto"
)

const testProtocol = "/floodnet/test/1.0.0"

func newLoopbackQUIC(t *testing.T, opts QUICOptions) (*QUICTransport, string) {
	t.Helper()
	tr, err := NewQUIC(opts)
	if err != nil {
		t.Fatalf("new quic: %v", err)
	}
	t.Cleanup(func() { _ = tr.Close() })
	addrs, err := tr.Listen(context.Background(), "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if len(addrs) != 1 || !strings.HasPrefix(addrs[0], "/ip4/127.0.0.1/udp/") || !strings.HasSuffix(addrs[0], "/quic-v1") {
		t.Fatalf("unexpected listen addrs %v", addrs)
	}
	return tr, addrs[0]
}

func TestQUICFrameRoundTrip(t *testing.T) {
	server, addr := newLoopbackQUIC(t, QUICOptions{})
	client, err := NewQUIC(QUICOptions{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()

	got := make(chan string, 1)
	server.Handle(testProtocol, func(ctx context.Context, s Stream) {
		msg, err := proto.ReadFrame(s)
		if err != nil {
			t.Errorf("read frame: %v", err)
			return
		}
		got <- string(msg)
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := client.OpenStream(ctx, addr, testProtocol)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := proto.WriteFrame(s, []byte("over quic")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = s.Close()
	select {
	case msg := <-got:
		if msg != "over quic" {
			t.Fatalf("unexpected message %q", msg)
		}
	case <-ctx.Done():
		t.Fatalf("message not delivered")
	}
	select {
	case ev := <-client.Events():
		if ev.Kind != Connected {
			t.Fatalf("expected connected event, got %v", ev.Kind)
		}
	case <-time.After(time.Second):
		t.Fatalf("no connection event")
	}
}

func TestQUICPingAndRejectedProtocol(t *testing.T) {
	_, addr := newLoopbackQUIC(t, QUICOptions{})
	client, err := NewQUIC(QUICOptions{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx, addr); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := client.OpenStream(ctx, addr, testProtocol); !errors.Is(err, ErrProtocolNotSupported) {
		t.Fatalf("expected ErrProtocolNotSupported, got %v", err)
	}
}

func TestQUICRejectsWSAddr(t *testing.T) {
	client, err := NewQUIC(QUICOptions{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	defer client.Close()
	if _, err := client.OpenStream(context.Background(), "/ip4/127.0.0.1/tcp/1/ws", testProtocol); err == nil {
		t.Fatalf("expected error for ws address")
	}
}

func TestQUICClosed(t *testing.T) {
	client, err := NewQUIC(QUICOptions{})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_ = client.Close()
	if _, err := client.Listen(context.Background(), "127.0.0.1:0"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

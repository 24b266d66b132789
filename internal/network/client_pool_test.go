package network

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"testing"
	"time"

	quic "github.com/quic-go/quic-go"
)

func TestConnPoolBacksOffFailingAddr(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	target := pc.LocalAddr().String()
	_ = pc.Close()

	p := newConnPool(0)
	tlsConf := &tls.Config{InsecureSkipVerify: true, NextProtos: []string{alpnProtocol}}
	quicConf := &quic.Config{HandshakeIdleTimeout: 200 * time.Millisecond}
	dial := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		defer cancel()
		_, _, err := p.get(ctx, target, tlsConf, quicConf)
		return err
	}
	if err := dial(); err == nil || errors.Is(err, errDialBackoff) {
		t.Fatalf("expected a real dial failure, got %v", err)
	}
	if err := dial(); !errors.Is(err, errDialBackoff) {
		t.Fatalf("expected immediate redial to back off, got %v", err)
	}
	if left := p.backoffLeft(target, time.Now()); left <= 0 || left > dialBackoffBase {
		t.Fatalf("unexpected first backoff %s", left)
	}
	time.Sleep(dialBackoffBase + 20*time.Millisecond)
	if err := dial(); err == nil || errors.Is(err, errDialBackoff) {
		t.Fatalf("expected a second real dial after backoff, got %v", err)
	}
	if left := p.backoffLeft(target, time.Now()); left <= dialBackoffBase || left > 2*dialBackoffBase {
		t.Fatalf("expected doubled backoff, got %s", left)
	}
}

func TestBackoffCapped(t *testing.T) {
	p := newConnPool(0)
	for i := 0; i < 20; i++ {
		p.recordFailure("127.0.0.1:9")
	}
	if left := p.backoffLeft("127.0.0.1:9", time.Now()); left <= 0 || left > dialBackoffMax {
		t.Fatalf("backoff %s above cap", left)
	}
}

func TestConnPoolMissingAddr(t *testing.T) {
	p := newConnPool(time.Second)
	if _, _, err := p.get(context.Background(), "", nil, nil); err == nil {
		t.Fatalf("expected error for empty addr")
	}
	p.drop("127.0.0.1:1", "noop")
	p.closeAll("noop")
}

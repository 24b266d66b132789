// Package network carries framed streams between nodes. Transports
// negotiate a protocol id per stream and dispatch inbound streams to the
// handler registered for it.
package network

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrProtocolNotSupported = errors.New("protocol not supported")
	ErrNoListener           = errors.New("no listener at address")
	ErrClosed               = errors.New("transport closed")
)

// Stream is one bidirectional exchange with a remote node. Close finishes the
// write side; Abort resets the stream in both directions.
type Stream interface {
	io.Reader
	io.Writer
	Close() error
	Abort()
	RemoteAddr() string
}

type StreamHandler func(ctx context.Context, s Stream)

type ConnEventKind int

const (
	Connected ConnEventKind = iota + 1
	Disconnected
)

func (k ConnEventKind) String() string {
	switch k {
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ConnEvent struct {
	Kind ConnEventKind
	Addr string
	At   time.Time
}

type Transport interface {
	// Listen starts accepting streams and returns the reachable addresses.
	Listen(ctx context.Context, addr string) ([]string, error)
	// Handle registers h for protocol; a nil h unregisters it.
	Handle(protocol string, h StreamHandler)
	OpenStream(ctx context.Context, addr, protocol string) (Stream, error)
	Disconnect(addr string)
	Ping(ctx context.Context, addr string) (time.Duration, error)
	Events() <-chan ConnEvent
	Close() error
}

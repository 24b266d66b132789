package proto

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	PingProtocol = "/floodnet/ping/1.0.0"
	PingSize     = 32

	notAvailable   = "na"
	maxProtocolLen = 256
)

var ErrProtocolRejected = errors.New("protocol not supported by remote")

// SelectProtocol runs the opener side of the stream handshake: send the
// protocol id, expect the same id echoed back.
func SelectProtocol(rw io.ReadWriter, protocol string) error {
	if err := validProtocol(protocol); err != nil {
		return err
	}
	if err := WriteFrame(rw, []byte(protocol)); err != nil {
		return fmt.Errorf("write protocol: %w", err)
	}
	resp, err := ReadFrame(rw)
	if err != nil {
		return fmt.Errorf("read protocol ack: %w", err)
	}
	if string(resp) != protocol {
		return fmt.Errorf("%w: %s", ErrProtocolRejected, protocol)
	}
	return nil
}

// AcceptProtocol runs the listener side. supported reports whether a handler
// exists; the id is echoed on success and "na" is sent otherwise.
func AcceptProtocol(rw io.ReadWriter, supported func(string) bool) (string, error) {
	raw, err := ReadFrame(rw)
	if err != nil {
		return "", err
	}
	protocol := string(raw)
	if validProtocol(protocol) != nil || supported == nil || !supported(protocol) {
		_ = WriteFrame(rw, []byte(notAvailable))
		return protocol, fmt.Errorf("%w: %q", ErrProtocolRejected, protocol)
	}
	if err := WriteFrame(rw, raw); err != nil {
		return protocol, err
	}
	return protocol, nil
}

func validProtocol(p string) error {
	if p == "" || len(p) > maxProtocolLen || !strings.HasPrefix(p, "/") {
		return fmt.Errorf("invalid protocol id %q", p)
	}
	return nil
}

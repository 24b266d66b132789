package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
	lenPrefix    = 4
)

var ErrFrameSize = errors.New("invalid frame size")

func EncodeFrame(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("payload too large: %d", len(payload))
	}
	out := make([]byte, lenPrefix+len(payload))
	binary.BigEndian.PutUint32(out[:lenPrefix], uint32(len(payload)))
	copy(out[lenPrefix:], payload)
	return out, nil
}

// ReadFrame returns io.EOF only when the stream ends cleanly on a frame
// boundary; a stream cut inside a frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var lenBuf [lenPrefix]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > MaxFrameSize {
		return nil, fmt.Errorf("%w: %d", ErrFrameSize, n)
	}
	payload := make([]byte, int(n))
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := EncodeFrame(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("short write")
		}
		total += n
	}
	return nil
}

// FrameLen is the on-wire size of a payload of n bytes.
func FrameLen(n int) int {
	return lenPrefix + n
}

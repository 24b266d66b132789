// Package message builds the synthetic payloads used by the self-test loop.
package message

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	mrand "math/rand/v2"
	"strconv"
	"time"
)

// Message content is its identity; nothing inside it is parsed by the relay.
type Message []byte

func (m Message) String() string {
	return string(m)
}

// Generate reads size bytes from r and renders them as
// "[<unixMillis>] [<tag>] <hex>".
func Generate(r io.Reader, size int, tag string, now time.Time) (Message, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid message size %d", size)
	}
	if r == nil {
		r = rand.Reader
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	out := make([]byte, 0, 2*size+len(tag)+24)
	out = append(out, '[')
	out = strconv.AppendInt(out, now.UnixMilli(), 10)
	out = append(out, "] ["...)
	out = append(out, tag...)
	out = append(out, "] "...)
	out = hex.AppendEncode(out, buf)
	return Message(out), nil
}

type Generator struct {
	Tag     string
	SizeMin int
	SizeMax int
	Source  io.Reader
	Now     func() time.Time
}

// Next samples a size uniformly from [SizeMin, SizeMax] and generates a
// message of that many random bytes. The sampled size is returned for byte
// accounting.
func (g *Generator) Next() (Message, int, error) {
	size := g.sampleSize()
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}
	msg, err := Generate(g.Source, size, g.Tag, now())
	if err != nil {
		return nil, 0, err
	}
	return msg, size, nil
}

func (g *Generator) sampleSize() int {
	lo, hi := g.SizeMin, g.SizeMax
	if lo <= 0 {
		lo = 1
	}
	if hi < lo {
		hi = lo
	}
	if hi == lo {
		return lo
	}
	return lo + mrand.IntN(hi-lo+1)
}

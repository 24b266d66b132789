package debuglog

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestLogfWritesLine(t *testing.T) {
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	Logf("relay round ok peers=%d", 3)
	if !strings.Contains(buf.String(), "relay round ok peers=3\n") {
		t.Fatalf("unexpected log output: %q", buf.String())
	}
}

func TestDebugfSilentByDefault(t *testing.T) {
	t.Setenv("FLOOD_DEBUG", "")
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	Debugf("hidden")
	if buf.Len() != 0 {
		t.Fatalf("expected no debug output, got %q", buf.String())
	}
}

func TestRateLimitedfSuppressesRepeats(t *testing.T) {
	t.Setenv("FLOOD_DEBUG", "")
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	defer SetOutput(prev)
	for i := 0; i < 5; i++ {
		RateLimitedf("stream-failed", time.Minute, "stream failed n=%d", i)
	}
	if got := strings.Count(buf.String(), "stream failed"); got != 1 {
		t.Fatalf("expected one line, got %d: %q", got, buf.String())
	}
}

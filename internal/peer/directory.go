package peer

import (
	"context"
	"strings"
	"time"

	"floodnet/internal/debuglog"
)

// Directory is a read-through view of the registry as seen by one node. It
// keeps no state between reads: membership may change between rounds.
type Directory struct {
	Registry    Registry
	Self        string
	RequireIPv4 bool
}

// Peers returns every address advertised by other nodes. Unreadable entries
// and malformed addresses are skipped; a registry failure yields no peers.
func (d *Directory) Peers(ctx context.Context) []string {
	if d == nil || d.Registry == nil {
		return nil
	}
	entries, err := d.Registry.List(ctx)
	if err != nil {
		debuglog.RateLimitedf("registry-list", 5*time.Second, "registry list failed: %v", err)
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.Name == d.Self {
			continue
		}
		for _, line := range strings.Split(e.Raw, "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			a, err := ParseAddr(line)
			if err != nil {
				debuglog.Debugf("registry skip addr entry=%s addr=%q err=%v", e.Name, line, err)
				continue
			}
			if d.RequireIPv4 && !a.IPv4 {
				continue
			}
			out = append(out, line)
		}
	}
	return out
}

// Publish overwrites this node's entry with addrs.
func (d *Directory) Publish(ctx context.Context, addrs []string) error {
	return d.Registry.Publish(ctx, d.Self, addrs)
}

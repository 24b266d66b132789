package daemon

import (
	"context"
	"sync"
	"time"

	"floodnet/internal/debuglog"
	"floodnet/internal/network"
)

const pingTimeout = 5 * time.Second

// consumeEvents drains connection events in order and pings every newly
// connected peer.
func (c *Controller) consumeEvents(ctx context.Context, tr network.Transport) {
	var pings sync.WaitGroup
	defer pings.Wait()
	events := tr.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case network.Connected:
				pings.Add(1)
				go func() {
					defer pings.Done()
					c.ping(ctx, tr, ev.Addr)
				}()
			case network.Disconnected:
				debuglog.Debugf("peer disconnected addr=%s", ev.Addr)
			}
		}
	}
}

func (c *Controller) ping(ctx context.Context, tr network.Transport, addr string) {
	pctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	rtt, err := tr.Ping(pctx, addr)
	if err != nil {
		debuglog.Debugf("ping failed addr=%s err=%v", addr, err)
		return
	}
	c.metrics.SetLastPing(rtt)
	debuglog.Logf("Pinged %s in %dms", addr, rtt.Milliseconds())
}

package daemon

import (
	"context"
	"time"

	"floodnet/internal/config"
	"floodnet/internal/debuglog"
	"floodnet/internal/relay"
)

// selfTest generates a message, marks it local, and relays it to the
// current peer set until every peer accepts it. A failed round retries the
// same message; under the restart policy enough consecutive failures end
// the loop and ask the controller for a new session.
func (c *Controller) selfTest(ctx context.Context, engine *relay.Engine) {
	for ctx.Err() == nil {
		msg, size, err := c.gen.Next()
		if err != nil {
			debuglog.RateLimitedf("selftest-generate", 5*time.Second, "message generation failed: %v", err)
			if !sleepCtx(ctx, c.cfg.Throttle) {
				return
			}
			continue
		}
		novelSeen, novelRelayed := c.dedup.MarkLocal(msg)
		if novelSeen {
			c.metrics.IncDistinctReceived()
		}
		if novelRelayed {
			c.metrics.IncDistinctRelayed()
		}
		if !c.relayUntilDelivered(ctx, engine, msg, size) {
			return
		}
		if !sleepCtx(ctx, c.cfg.Throttle) {
			return
		}
	}
}

// relayUntilDelivered reports false when the loop must end, either on
// shutdown or after requesting a restart.
func (c *Controller) relayUntilDelivered(ctx context.Context, engine *relay.Engine, msg []byte, size int) bool {
	for {
		peers := c.dir.Peers(ctx)
		v := engine.Relay(ctx, msg, peers)
		if ctx.Err() != nil {
			return false
		}
		if v.AllDelivered {
			c.metrics.AddExchangedBytes(size)
			c.metrics.IncSuccessfulRounds()
			c.consecutive.Store(0)
			return true
		}
		c.metrics.IncFailedRounds()
		n := c.consecutive.Add(1)
		debuglog.Debugf("round failed peers=%d failed=%d consecutive=%d", len(peers), v.Failures(), n)
		if c.cfg.FailurePolicy == config.PolicyRestart && c.cfg.FailureThreshold > 0 && n >= int64(c.cfg.FailureThreshold) {
			c.requestRestart()
			return false
		}
		if !sleepCtx(ctx, c.cfg.RetryDelay) {
			return false
		}
	}
}

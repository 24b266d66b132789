package daemon

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"floodnet/internal/config"
	"floodnet/internal/debuglog"
	"floodnet/internal/flood"
	"floodnet/internal/identity"
	"floodnet/internal/network"
	"floodnet/internal/relay"
)

// Session is everything that lives between one start and the matching
// teardown. It is never reused across restarts.
type Session struct {
	Transport network.Transport
	Addrs     []string

	handler *flood.Handler
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func (c *Controller) newSession(parent context.Context) (*Session, error) {
	var id *identity.Identity
	if c.cfg.IdentityPath != "" {
		var err error
		id, err = identity.LoadOrCreate(c.cfg.IdentityPath)
		if err != nil {
			return nil, fmt.Errorf("identity: %w", err)
		}
	}
	tr, err := c.transports(id)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	ctx, cancel := context.WithCancel(parent)
	engine := &relay.Engine{
		Dialer:        tr,
		Metrics:       c.metrics,
		OpenTimeout:   c.cfg.OpenTimeout,
		AbortAfter:    c.cfg.AbortAfter,
		DropOnFailure: c.cfg.DropOnFailure,
	}
	h := &flood.Handler{
		Dedup:   c.dedup,
		Metrics: c.metrics,
		Engine:  engine,
		Peers:   c.dir,
	}
	if c.cfg.Display {
		h.Display = c.display
	}
	tr.Handle(relay.Protocol, func(_ context.Context, st network.Stream) {
		h.HandleStream(ctx, st)
	})
	fail := func(err error) (*Session, error) {
		cancel()
		_ = tr.Close()
		return nil, err
	}
	addrs, err := tr.Listen(ctx, c.cfg.ListenAddr)
	if err != nil {
		return fail(fmt.Errorf("listen: %w", err))
	}
	if err := c.dir.Publish(ctx, addrs); err != nil {
		return fail(fmt.Errorf("publish addrs: %w", err))
	}
	debuglog.Logf("node %s listening on %s", c.cfg.Name, strings.Join(addrs, " "))

	s := &Session{Transport: tr, Addrs: addrs, handler: h, cancel: cancel}
	c.consecutive.Store(0)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.selfTest(ctx, engine)
	}()
	go func() {
		defer s.wg.Done()
		c.consumeEvents(ctx, tr)
	}()
	return s, nil
}

// stop cancels the loops, stops taking inbound broadcast streams, waits for
// in-flight relays, then closes the transport.
func (s *Session) stop() {
	s.cancel()
	s.Transport.Handle(relay.Protocol, nil)
	s.wg.Wait()
	s.handler.Stop()
	_ = s.Transport.Close()
}

// NewTransport returns the factory for the configured transport kind.
func NewTransport(cfg config.Config) TransportFactory {
	return func(id *identity.Identity) (network.Transport, error) {
		var peerID string
		if id != nil {
			peerID = id.ID.String()
		}
		switch cfg.Transport {
		case config.TransportWS:
			return network.NewWS(network.WSOptions{
				PeerID:            peerID,
				MaxInboundStreams: cfg.MaxInboundStreams,
			}), nil
		case config.TransportQUIC, "":
			opts := network.QUICOptions{
				PeerID:            peerID,
				MaxInboundStreams: cfg.MaxInboundStreams,
				MaxConnsPerIP:     cfg.MaxConnsPerIP,
			}
			if id != nil {
				key, err := id.Ed25519()
				if err != nil {
					return nil, err
				}
				opts.PrivateKey = key
			}
			return network.NewQUIC(opts)
		default:
			return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
		}
	}
}

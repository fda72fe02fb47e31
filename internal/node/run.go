package node

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"souma/node/internal/signalbus"
)

// Run starts the node loops and blocks until the context is canceled or a
// loop fails hard. Directory hiccups are logged and retried on the next
// tick; only local failures bring the node down.
func (n *Node) Run(ctx context.Context) error {
	n.bus.Subscribe("node-log", func(ev signalbus.ObjectEvent) {
		n.log.Debug("object event",
			"kind", string(ev.Kind), "object_type", ev.ObjectType, "object_id", ev.ObjectID)
	})
	defer n.bus.Unsubscribe("node-log")

	if err := n.glia.RegisterNode(ctx, n.cfg.Node.Host, n.cfg.Node.Port); err != nil {
		n.log.Warn("node registration failed, continuing", "error", err)
	}
	for _, ident := range n.ring.Controlled() {
		if err := n.glia.Login(ctx, ident.ID); err != nil {
			n.log.Warn("persona login failed", "persona_id", ident.ID, "error", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return n.api.Run(ctx) })
	g.Go(func() error { return n.pollLoop(ctx) })
	g.Go(func() error { return n.keepAliveLoop(ctx) })
	g.Go(func() error { return n.retryLoop(ctx) })

	n.log.Info("node running", "souma_id", n.identity.ID)
	return g.Wait()
}

func (n *Node) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(n.cfg.Glia.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			raws, err := n.glia.PollInbox(ctx)
			if err != nil {
				n.log.Warn("inbox poll failed", "error", err)
				continue
			}
			for _, raw := range raws {
				if err := n.engine.Handle(ctx, raw); err != nil {
					n.log.Warn("envelope handling failed", "error", err)
				}
			}
		}
	}
}

func (n *Node) keepAliveLoop(ctx context.Context) error {
	interval := n.cfg.Glia.KeepAliveWindow / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.glia.KeepAlive(ctx, n.cfg.Glia.KeepAliveWindow); err != nil {
				n.log.Warn("session keepalive failed", "error", err)
			}
		}
	}
}

// retryLoop periodically replays envelopes parked for key material.
func (n *Node) retryLoop(ctx context.Context) error {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := n.engine.RetryPending(ctx); err != nil {
				n.log.Warn("pending envelope retry failed", "error", err)
			}
		}
	}
}

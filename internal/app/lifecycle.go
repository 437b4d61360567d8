package app

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

func (a *App) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.runOpsServer(gctx)
	})
	g.Go(func() error {
		return a.runHealthLoop(gctx)
	})
	g.Go(func() error {
		return a.runRenderLoop(gctx)
	})
	if a.cfg.ProbeListenAddr != "" {
		g.Go(func() error {
			return a.runProbeListener(gctx)
		})
	}

	if a.cfg.AutoStart {
		// a failed first connect is visible in status; the operator reconnects
		if err := a.client.Start(gctx, a.cfg.Endpoint()); err != nil {
			a.logger.Warn("initial connect failed", "endpoint", a.cfg.Endpoint(), "error", err)
		}
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (a *App) runHealthLoop(ctx context.Context) error {
	updates, cancel := a.client.Subscribe()
	defer cancel()
	a.health.Observe(a.client.Snapshot())

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			a.health.Observe(snap)
			a.logger.Log(ctx, slog.LevelDebug, "client health", "status", snap.Status.String(), "snapshot", a.health.Snapshot())
		}
	}
}

func (a *App) shutdown(ctx context.Context) {
	if err := a.client.Stop(ctx); err != nil {
		a.logger.Warn("stream client stop failed", "error", err)
	}
	a.health.Observe(a.client.Snapshot())
}

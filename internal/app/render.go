package app

import (
	"context"
	"time"

	"glimpse-dash/internal/model"
	"glimpse-dash/internal/store"
)

// runRenderLoop is the console view of the dashboard: it reports status
// changes as they happen and summarises the series every RenderInterval.
func (a *App) runRenderLoop(ctx context.Context) error {
	updates, cancel := a.client.Subscribe()
	defer cancel()

	t := time.NewTicker(a.cfg.RenderInterval)
	defer t.Stop()

	last := a.client.Snapshot()
	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			if snap.Status != last.Status {
				a.renderStatus(snap)
			}
			last = snap
		case <-t.C:
			a.renderSeries(last)
		}
	}
}

func (a *App) renderStatus(snap store.Snapshot) {
	args := []any{"status", snap.Status.String(), "connected", snap.Connected()}
	if snap.Err != nil {
		args = append(args, "error_cause", snap.Err.Cause, "error", snap.Err.Message)
	}
	if !snap.Connected() {
		args = append(args, "hint", "POST /api/v1/reconnect to retry")
	}
	a.logger.Info("dashboard status", args...)
}

func (a *App) renderSeries(snap store.Snapshot) {
	if len(snap.Series) == 0 {
		a.logger.Debug("dashboard series empty", "status", snap.Status.String())
		return
	}
	latest := latestBySource(snap.Series)
	a.logger.Info("dashboard series", "samples", len(snap.Series), "sources", len(latest), "version", snap.Version)
	for _, s := range latest {
		a.logger.Debug("dashboard sample", "source", s.Source, "value", s.Value, "timestamp", s.Timestamp)
	}
}

// latestBySource keeps the last sample per source, in first-seen order.
func latestBySource(series model.Series) []model.Sample {
	idx := make(map[string]int, len(series))
	out := make([]model.Sample, 0, len(series))
	for _, s := range series {
		if i, ok := idx[s.Source]; ok {
			out[i] = s
			continue
		}
		idx[s.Source] = len(out)
		out = append(out, s)
	}
	return out
}

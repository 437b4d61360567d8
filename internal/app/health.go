package app

import (
	"sync/atomic"
	"time"

	"glimpse-dash/internal/store"
)

type HealthStatus struct {
	streamConnected atomic.Bool
	lastVersion     atomic.Uint64
	lastUpdateAt    atomic.Int64
	lastSeriesLen   atomic.Int64
	lastSampleAt    atomic.Int64
}

func NewHealthStatus() *HealthStatus {
	h := &HealthStatus{}
	h.streamConnected.Store(false)
	return h
}

func (h *HealthStatus) Observe(snap store.Snapshot) {
	h.streamConnected.Store(snap.Connected())
	if snap.Version == h.lastVersion.Swap(snap.Version) {
		return
	}
	h.lastUpdateAt.Store(time.Now().UTC().UnixNano())
	h.lastSeriesLen.Store(int64(len(snap.Series)))
	var newest int64
	for _, s := range snap.Series {
		if s.Timestamp > newest {
			newest = s.Timestamp
		}
	}
	if newest > 0 {
		h.lastSampleAt.Store(newest)
	}
}

func (h *HealthStatus) StreamConnected() bool {
	return h.streamConnected.Load()
}

func (h *HealthStatus) Snapshot() map[string]any {
	out := map[string]any{
		"stream_connected": h.streamConnected.Load(),
		"series_length":    h.lastSeriesLen.Load(),
	}
	if v := h.lastUpdateAt.Load(); v > 0 {
		out["last_update_at"] = time.Unix(0, v).UTC()
	}
	if v := h.lastSampleAt.Load(); v > 0 {
		out["last_sample_at"] = time.Unix(v, 0).UTC()
	}
	return out
}

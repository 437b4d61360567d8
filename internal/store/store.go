package store

import (
	"sync"

	"glimpse-dash/internal/model"
)

type Mode int

const (
	// ModeReplace treats every batch as the full current snapshot.
	ModeReplace Mode = iota
	// ModeAppend appends batches and keeps at most Limit samples.
	ModeAppend
)

// Snapshot is a read-only copy of the store at one version.
type Snapshot struct {
	Version uint64
	Series  model.Series
	Status  model.Status
	Err     *model.ErrorRecord
}

func (s Snapshot) Connected() bool {
	return s.Status.Connected()
}

// Store holds the current series, connection status and last error. It is
// written by the session machine only; everyone else reads snapshots.
type Store struct {
	mu      sync.RWMutex
	mode    Mode
	limit   int
	version uint64
	series  model.Series
	status  model.Status
	err     *model.ErrorRecord
	subs    map[uint64]chan Snapshot
	nextSub uint64
}

func New(mode Mode, limit int) *Store {
	return &Store{
		mode:   mode,
		limit:  limit,
		series: model.Series{},
		status: model.Idle(),
		subs:   make(map[uint64]chan Snapshot),
	}
}

func (s *Store) Update(series model.Series) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSeriesLocked(series)
	s.publishLocked()
}

// Apply stores a decoded batch and drops an error record with the given
// cause, publishing both as one version.
func (s *Store) Apply(series model.Series, cause model.Cause) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setSeriesLocked(series)
	if s.err != nil && s.err.Cause == cause {
		s.err = nil
	}
	s.publishLocked()
}

func (s *Store) setSeriesLocked(series model.Series) {
	switch s.mode {
	case ModeAppend:
		next := append(s.series.Clone(), series...)
		if s.limit > 0 && len(next) > s.limit {
			next = next[len(next)-s.limit:]
		}
		s.series = next
	default:
		s.series = series.Clone()
	}
}

func (s *Store) SetStatus(status model.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.publishLocked()
}

func (s *Store) SetError(rec *model.ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec != nil {
		cp := *rec
		rec = &cp
	}
	s.err = rec
	s.publishLocked()
}

// Transition sets status and error in one step so subscribers never see a
// status paired with a stale error.
func (s *Store) Transition(status model.Status, rec *model.ErrorRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec != nil {
		cp := *rec
		rec = &cp
	}
	s.status = status
	s.err = rec
	s.publishLocked()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *Store) Series() model.Series {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.series.Clone()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.series)
}

func (s *Store) Status() model.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Store) Err() *model.ErrorRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.err == nil {
		return nil
	}
	cp := *s.err
	return &cp
}

// Subscribe returns a channel that always holds the newest snapshot after a
// change. Older undelivered snapshots are replaced, never queued.
func (s *Store) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan Snapshot, 1)
	s.subs[id] = ch
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (s *Store) snapshotLocked() Snapshot {
	snap := Snapshot{
		Version: s.version,
		Series:  s.series.Clone(),
		Status:  s.status,
	}
	if s.err != nil {
		cp := *s.err
		snap.Err = &cp
	}
	return snap
}

func (s *Store) publishLocked() {
	s.version++
	if len(s.subs) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}

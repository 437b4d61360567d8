package model

import (
	"fmt"
	"math"
)

// Sample is one measurement of a source at a point in time.
type Sample struct {
	Source    string  `json:"source"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
}

func (s Sample) Validate() error {
	if s.Timestamp < 0 {
		return fmt.Errorf("sample %q: negative timestamp %d", s.Source, s.Timestamp)
	}
	if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
		return fmt.Errorf("sample %q: non-finite value", s.Source)
	}
	return nil
}

// Series keeps samples in arrival order.
type Series []Sample

func (s Series) Clone() Series {
	if s == nil {
		return Series{}
	}
	out := make(Series, len(s))
	copy(out, s)
	return out
}

package stream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"glimpse-dash/internal/model"
)

// DecodeError reports a payload that could not be turned into a series.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "decode metrics payload: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Decode parses a full metrics snapshot. Keys match exactly, and any
// malformed sample rejects the whole batch.
func Decode(payload []byte) (model.Series, error) {
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, &DecodeError{Err: err}
	}
	var items []json.RawMessage
	if err := field(frame, "metrics", &items); err != nil {
		return nil, &DecodeError{Err: err}
	}
	out := make(model.Series, 0, len(items))
	for i, item := range items {
		s, err := decodeSample(item)
		if err != nil {
			return nil, &DecodeError{Err: fmt.Errorf("metrics[%d]: %w", i, err)}
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeSample(raw json.RawMessage) (model.Sample, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return model.Sample{}, err
	}
	var s model.Sample
	if err := field(fields, "source", &s.Source); err != nil {
		return model.Sample{}, err
	}
	if err := field(fields, "value", &s.Value); err != nil {
		return model.Sample{}, err
	}
	if err := field(fields, "timestamp", &s.Timestamp); err != nil {
		return model.Sample{}, err
	}
	if err := s.Validate(); err != nil {
		return model.Sample{}, err
	}
	return s, nil
}

// field decodes obj[key] into dst. The key must match exactly; a null value
// counts as absent.
func field(obj map[string]json.RawMessage, key string, dst any) error {
	raw, ok := obj[key]
	if !ok {
		if key == "metrics" {
			return errors.New(`missing "metrics" field`)
		}
		return fmt.Errorf("missing %q", key)
	}
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return fmt.Errorf("%q is null", key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%q: %w", key, err)
	}
	return nil
}

// Encode renders a series in the wire shape accepted by Decode.
func Encode(series model.Series) ([]byte, error) {
	if series == nil {
		series = model.Series{}
	}
	return json.Marshal(struct {
		Metrics model.Series `json:"metrics"`
	}{Metrics: series})
}

package session

import (
	"errors"
	"fmt"

	"glimpse-dash/internal/model"
)

var (
	// ErrStreamClosed wraps the transport error when a connected stream ends
	// without the caller asking for it.
	ErrStreamClosed = errors.New("stream closed unexpectedly")
	// ErrSuperseded is returned to a connect attempt that a later action
	// overtook before the dial finished.
	ErrSuperseded = errors.New("connection attempt superseded")
	ErrNoEndpoint = errors.New("no endpoint to connect to")
)

// ConnectError is a failed dial. Cause tells a first connect apart from a
// reconnect.
type ConnectError struct {
	Endpoint string
	Cause    model.Cause
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Cause, e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) IsReconnect() bool {
	return e.Cause == model.CauseReconnect
}

// BusyError rejects a connect while an attempt is in flight or established.
type BusyError struct {
	State model.State
}

func (e *BusyError) Error() string {
	return "connect rejected: stream is " + e.State.String()
}

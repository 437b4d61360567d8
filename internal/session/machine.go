package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"glimpse-dash/internal/model"
	"glimpse-dash/internal/store"
	"glimpse-dash/internal/stream"
	"glimpse-dash/internal/telemetry"
)

// Machine owns the single underlying stream and the connection lifecycle.
// Transitions run under mu; dialing runs outside it, and every attempt
// carries a generation so results from an overtaken attempt are dropped.
type Machine struct {
	mu sync.Mutex

	logger   *slog.Logger
	dialer   stream.Dialer
	store    *store.Store
	recorder telemetry.Recorder
	decode   func([]byte) (model.Series, error)

	status   model.Status
	endpoint string
	gen      uint64
	conn     stream.Conn
	pumpDone chan struct{}
	abort    context.CancelFunc
}

func New(dialer stream.Dialer, st *store.Store, recorder telemetry.Recorder, logger *slog.Logger) *Machine {
	if recorder == nil {
		recorder = (*telemetry.Metrics)(nil)
	}
	st.SetStatus(model.Idle())
	return &Machine{
		logger:   logger,
		dialer:   dialer,
		store:    st,
		recorder: recorder,
		decode:   stream.Decode,
		status:   model.Idle(),
	}
}

func (m *Machine) Status() model.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Endpoint is the endpoint of the most recent connect attempt.
func (m *Machine) Endpoint() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

func (m *Machine) Connect(ctx context.Context, endpoint string) error {
	return m.connect(ctx, endpoint, model.CauseConnect)
}

// Disconnect tears down the stream or abandons an in-flight dial and waits
// for the delivery goroutine to exit. Calling it while disconnected is a no-op.
func (m *Machine) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.status.State == model.StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	if m.abort != nil {
		m.abort()
		m.abort = nil
	}
	conn, done := m.conn, m.pumpDone
	m.conn, m.pumpDone = nil, nil
	prev := m.status
	m.status = model.Disconnected()
	m.store.Transition(m.status, nil)
	m.recorder.SetConnected(false)
	m.mu.Unlock()

	m.logger.Info("stream disconnected", "endpoint", m.Endpoint(), "from", prev.String())
	if conn == nil {
		return nil
	}
	// Close may wait on a close handshake; ctx bounds how long we wait for it.
	go func() {
		if err := conn.Close(); err != nil {
			m.logger.Debug("stream close failed", "error", err)
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for stream teardown: %w", ctx.Err())
	}
}

// Reconnect disconnects (best effort) and connects again to the last endpoint.
func (m *Machine) Reconnect(ctx context.Context) error {
	endpoint := m.Endpoint()
	if endpoint == "" {
		return ErrNoEndpoint
	}
	if err := m.Disconnect(ctx); err != nil {
		m.logger.Warn("disconnect before reconnect failed", "endpoint", endpoint, "error", err)
	}
	return m.connect(ctx, endpoint, model.CauseReconnect)
}

func (m *Machine) connect(ctx context.Context, endpoint string, cause model.Cause) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrNoEndpoint
	}

	m.mu.Lock()
	if m.status.Busy() {
		state := m.status.State
		m.mu.Unlock()
		return &BusyError{State: state}
	}
	m.gen++
	gen := m.gen
	m.endpoint = endpoint
	dialCtx, abort := context.WithCancel(ctx)
	m.abort = abort
	m.status = model.Connecting()
	m.store.SetStatus(m.status)
	m.mu.Unlock()

	m.recorder.ConnectAttempt(string(cause))
	m.logger.Info("stream connecting", "endpoint", endpoint, "attempt", gen, "cause", cause)
	conn, dialErr := m.dialer.Dial(dialCtx, endpoint)
	abort()

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		m.logger.Debug("discarding stale connection attempt", "endpoint", endpoint, "attempt", gen)
		return ErrSuperseded
	}
	m.abort = nil

	if dialErr != nil {
		err := &ConnectError{Endpoint: endpoint, Cause: cause, Err: dialErr}
		m.status = model.Failed(dialErr.Error())
		m.store.Transition(m.status, model.NewErrorRecord(cause, err))
		m.recorder.ConnectFailed(string(cause))
		m.recorder.SetConnected(false)
		m.mu.Unlock()
		m.logger.Warn("stream connect failed", "endpoint", endpoint, "attempt", gen, "cause", cause, "error", dialErr)
		return err
	}

	done := make(chan struct{})
	m.conn = conn
	m.pumpDone = done
	m.status = model.Connected()
	m.store.Transition(m.status, nil)
	m.recorder.SetConnected(true)
	go m.pump(gen, conn, done)
	m.mu.Unlock()

	m.logger.Info("stream connected", "endpoint", endpoint, "attempt", gen)
	return nil
}

func (m *Machine) pump(gen uint64, conn stream.Conn, done chan struct{}) {
	defer close(done)
	for payload := range conn.Messages() {
		m.handlePayload(gen, payload)
	}
	m.handleClosed(gen, conn)
}

func (m *Machine) handlePayload(gen uint64, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || !m.status.Connected() {
		return
	}
	m.recorder.PayloadReceived()
	series, err := m.decode(payload)
	if err != nil {
		m.recorder.DecodeFailed()
		m.store.SetError(model.NewErrorRecord(model.CauseDecode, err))
		m.logger.Warn("dropping malformed metrics payload", "bytes", len(payload), "error", err)
		return
	}
	m.store.Apply(series, model.CauseDecode)
	m.recorder.SetSeriesLength(m.store.Len())
}

func (m *Machine) handleClosed(gen uint64, conn stream.Conn) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	cause := conn.Err()
	if cause == nil {
		cause = errors.New("closed without error")
	}
	err := fmt.Errorf("%w: %w", ErrStreamClosed, cause)
	m.conn, m.pumpDone = nil, nil
	m.status = model.Failed(err.Error())
	m.store.Transition(m.status, model.NewErrorRecord(model.CauseConnect, err))
	m.recorder.StreamFailed()
	m.recorder.SetConnected(false)
	endpoint := m.endpoint
	m.mu.Unlock()

	if cerr := conn.Close(); cerr != nil {
		m.logger.Debug("stream close after failure failed", "error", cerr)
	}
	m.logger.Warn("stream closed unexpectedly", "endpoint", endpoint, "attempt", gen, "error", cause)
}

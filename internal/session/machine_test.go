package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glimpse-dash/internal/model"
	"glimpse-dash/internal/store"
	"glimpse-dash/internal/stream"
	"glimpse-dash/internal/stream/streamtest"
	"glimpse-dash/internal/telemetry"
)

const (
	endpoint   = "ws://host/ws"
	cpuPayload = `{"metrics":[{"source":"cpu","value":0.42,"timestamp":1700000000}]}`
)

type fixture struct {
	dialer  *streamtest.Dialer
	store   *store.Store
	metrics *telemetry.Metrics
	machine *Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		dialer:  streamtest.NewDialer(),
		store:   store.New(store.ModeReplace, 0),
		metrics: telemetry.New(),
	}
	f.machine = New(f.dialer, f.store, f.metrics, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() {
		_ = f.machine.Disconnect(context.Background())
	})
	return f
}

func (f *fixture) connect(t *testing.T) *streamtest.Conn {
	t.Helper()
	require.NoError(t, f.machine.Connect(context.Background(), endpoint))
	conn := f.dialer.Last()
	require.NotNil(t, conn)
	return conn
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestMachine_ConnectPassesThroughConnecting(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, model.Idle(), f.machine.Status())
	assert.Equal(t, model.Idle(), f.store.Status())

	var during model.Status
	f.dialer.OnDial = func(string) {
		during = f.store.Status()
	}
	f.connect(t)

	assert.Equal(t, model.Connecting(), during)
	assert.Equal(t, model.Connected(), f.machine.Status())
	assert.True(t, f.store.Status().Connected())
	assert.Equal(t, endpoint, f.machine.Endpoint())
	assert.Equal(t, []string{endpoint}, f.dialer.Endpoints())
	assert.Nil(t, f.store.Err())
}

func TestMachine_PayloadUpdatesSeries(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	require.True(t, conn.Send(cpuPayload))
	eventually(t, func() bool { return f.store.Len() == 1 }, "series never updated")

	assert.Equal(t, model.Series{{Source: "cpu", Value: 0.42, Timestamp: 1700000000}}, f.store.Series())
	assert.Nil(t, f.store.Err())
	assert.True(t, f.machine.Status().Connected())
}

func TestMachine_MalformedPayloadKeepsSeries(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	require.True(t, conn.Send(cpuPayload))
	eventually(t, func() bool { return f.store.Len() == 1 }, "series never updated")

	require.True(t, conn.Send(`{"bad":true}`))
	eventually(t, func() bool { return f.store.Err() != nil }, "decode error never recorded")

	rec := f.store.Err()
	assert.Equal(t, model.CauseDecode, rec.Cause)
	assert.Contains(t, rec.Message, `missing "metrics"`)
	assert.Equal(t, model.Connected(), f.machine.Status())
	assert.Equal(t, model.Series{{Source: "cpu", Value: 0.42, Timestamp: 1700000000}}, f.store.Series())

	require.True(t, conn.Send(`{"metrics":[{"source":"mem","value":3,"timestamp":2}]}`))
	eventually(t, func() bool { return f.store.Err() == nil }, "decode error never cleared")
	assert.Equal(t, "mem", f.store.Series()[0].Source)
}

func TestMachine_PayloadsAppliedInOrder(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	updates, cancel := f.store.Subscribe()
	defer cancel()

	for i := 1; i <= 5; i++ {
		require.True(t, conn.Send(`{"metrics":[{"source":"cpu","value":`+string(rune('0'+i))+`,"timestamp":1}]}`))
	}
	eventually(t, func() bool {
		s := f.store.Series()
		return len(s) == 1 && s[0].Value == 5
	}, "last payload never applied")

	last := -1.0
	for {
		select {
		case snap := <-updates:
			if len(snap.Series) == 1 {
				assert.GreaterOrEqual(t, snap.Series[0].Value, last)
				last = snap.Series[0].Value
			}
			continue
		default:
		}
		break
	}
}

func TestMachine_RemoteFailureThenReconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	conn.Fail(errors.New("connection reset"))
	eventually(t, func() bool { return f.machine.Status().State == model.StateFailed }, "never failed")

	st := f.machine.Status()
	assert.Contains(t, st.Reason, "connection reset")
	rec := f.store.Err()
	require.NotNil(t, rec)
	assert.Equal(t, model.CauseConnect, rec.Cause)
	assert.Equal(t, 0, f.dialer.Live())

	require.NoError(t, f.machine.Reconnect(context.Background()))
	assert.Equal(t, model.Connected(), f.machine.Status())
	assert.Nil(t, f.store.Err())
	assert.Equal(t, 2, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestMachine_ConnectWhileConnectingIsRejected(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dialer.SetGate(gate)

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.machine.Connect(context.Background(), endpoint)
	}()
	eventually(t, func() bool { return f.machine.Status().State == model.StateConnecting }, "never connecting")

	err := f.machine.Connect(context.Background(), "ws://other/ws")
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, model.StateConnecting, busy.State)
	assert.Equal(t, model.Connecting(), f.machine.Status())

	close(gate)
	require.NoError(t, <-errCh)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, endpoint, f.machine.Endpoint())
}

func TestMachine_ConnectWhileConnectedIsRejected(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	err := f.machine.Connect(context.Background(), endpoint)
	var busy *BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, model.StateConnected, busy.State)
	assert.Equal(t, 1, f.dialer.Dials())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestMachine_RepeatedReconnectKeepsOneStream(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.machine.Reconnect(context.Background()))
		assert.Equal(t, 1, f.dialer.Live())
	}
	assert.Equal(t, 11, f.dialer.Dials())
	conns := f.dialer.Conns()
	for _, c := range conns[:len(conns)-1] {
		assert.Equal(t, "local", c.ClosedBy())
	}
	assert.False(t, conns[len(conns)-1].Closed())
}

func TestMachine_ConcurrentReconnectsKeepOneStream(t *testing.T) {
	f := newFixture(t)
	f.connect(t)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.machine.Reconnect(context.Background())
		}()
	}
	wg.Wait()

	if f.machine.Status().Connected() {
		assert.Equal(t, 1, f.dialer.Live())
	} else {
		assert.Equal(t, 0, f.dialer.Live())
	}
}

func TestMachine_DisconnectIsIdempotent(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	require.NoError(t, f.machine.Disconnect(context.Background()))
	v := f.store.Snapshot().Version
	require.NoError(t, f.machine.Disconnect(context.Background()))

	assert.Equal(t, model.Disconnected(), f.machine.Status())
	assert.Equal(t, v, f.store.Snapshot().Version)
	assert.Equal(t, "local", conn.ClosedBy())
	assert.NoError(t, conn.Err())
	assert.Equal(t, 0, f.dialer.Live())
	assert.Nil(t, f.store.Err())
}

func TestMachine_DisconnectFromIdle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.machine.Disconnect(context.Background()))
	assert.Equal(t, model.Disconnected(), f.machine.Status())
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestMachine_NoPayloadsAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)
	require.True(t, conn.Send(cpuPayload))
	eventually(t, func() bool { return f.store.Len() == 1 }, "series never updated")

	require.NoError(t, f.machine.Disconnect(context.Background()))
	v := f.store.Snapshot().Version
	assert.False(t, conn.Send(`{"metrics":[]}`))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, v, f.store.Snapshot().Version)
	assert.Equal(t, 1, f.store.Len())
}

func TestMachine_DisconnectDuringDial(t *testing.T) {
	f := newFixture(t)
	f.dialer.SetGate(make(chan struct{}))

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.machine.Connect(context.Background(), endpoint)
	}()
	eventually(t, func() bool { return f.machine.Status().State == model.StateConnecting }, "never connecting")

	require.NoError(t, f.machine.Disconnect(context.Background()))
	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	assert.Equal(t, model.Disconnected(), f.machine.Status())
	assert.Equal(t, 0, f.dialer.Live())
}

func TestMachine_StaleDialResultIsClosed(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.dialer.SetGate(gate)
	f.dialer.IgnoreCtx = true

	errCh := make(chan error, 1)
	go func() {
		errCh <- f.machine.Connect(context.Background(), endpoint)
	}()
	eventually(t, func() bool { return f.machine.Status().State == model.StateConnecting }, "never connecting")

	require.NoError(t, f.machine.Disconnect(context.Background()))
	close(gate)

	assert.ErrorIs(t, <-errCh, ErrSuperseded)
	stale := f.dialer.Last()
	require.NotNil(t, stale)
	assert.Equal(t, "local", stale.ClosedBy())
	assert.Equal(t, 0, f.dialer.Live())
	assert.Equal(t, model.Disconnected(), f.machine.Status())
}

func TestMachine_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	f.dialer.SetErr(errors.New("connection refused"))

	err := f.machine.Connect(context.Background(), endpoint)
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.False(t, connErr.IsReconnect())
	assert.Equal(t, endpoint, connErr.Endpoint)

	assert.Equal(t, model.Failed("connection refused"), f.machine.Status())
	rec := f.store.Err()
	require.NotNil(t, rec)
	assert.Equal(t, model.CauseConnect, rec.Cause)
	assert.Contains(t, rec.Message, "connection refused")
	assert.Equal(t, 0, f.dialer.Live())
}

func TestMachine_ReconnectFailureCarriesCause(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	f.dialer.SetErr(errors.New("no route to host"))

	err := f.machine.Reconnect(context.Background())
	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.True(t, connErr.IsReconnect())

	rec := f.store.Err()
	require.NotNil(t, rec)
	assert.Equal(t, model.CauseReconnect, rec.Cause)
	assert.Equal(t, model.StateFailed, f.machine.Status().State)
	assert.Equal(t, 0, f.dialer.Live())

	f.dialer.SetErr(nil)
	require.NoError(t, f.machine.Reconnect(context.Background()))
	assert.Nil(t, f.store.Err())
}

func TestMachine_ReconnectWithoutEndpoint(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.machine.Reconnect(context.Background()), ErrNoEndpoint)
	assert.ErrorIs(t, f.machine.Connect(context.Background(), "  "), ErrNoEndpoint)
	assert.Equal(t, 0, f.dialer.Dials())
}

func TestMachine_ConnectAfterDisconnect(t *testing.T) {
	f := newFixture(t)
	f.connect(t)
	require.NoError(t, f.machine.Disconnect(context.Background()))
	require.NoError(t, f.machine.Connect(context.Background(), "ws://second/ws"))

	assert.Equal(t, "ws://second/ws", f.machine.Endpoint())
	assert.Equal(t, 1, f.dialer.Live())
}

func TestMachine_RecordsTelemetry(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t)

	require.True(t, conn.Send(cpuPayload))
	require.True(t, conn.Send(`nope`))
	eventually(t, func() bool { return f.store.Err() != nil }, "decode error never recorded")

	f.dialer.SetErr(errors.New("refused"))
	_ = f.machine.Reconnect(context.Background())
	f.dialer.SetErr(nil)
	require.NoError(t, f.machine.Reconnect(context.Background()))

	f.dialer.Last().Fail(nil)
	eventually(t, func() bool { return f.machine.Status().State == model.StateFailed }, "never failed")

	expected := `
# HELP glimpse_client_payloads_total Inbound payloads received while connected
# TYPE glimpse_client_payloads_total counter
glimpse_client_payloads_total 2
# HELP glimpse_client_decode_failures_total Inbound payloads rejected by the decoder
# TYPE glimpse_client_decode_failures_total counter
glimpse_client_decode_failures_total 1
# HELP glimpse_client_connect_attempts_total Connection attempts by cause
# TYPE glimpse_client_connect_attempts_total counter
glimpse_client_connect_attempts_total{cause="connect"} 1
glimpse_client_connect_attempts_total{cause="reconnect"} 2
# HELP glimpse_client_connect_failures_total Failed connection attempts by cause
# TYPE glimpse_client_connect_failures_total counter
glimpse_client_connect_failures_total{cause="reconnect"} 1
# HELP glimpse_client_stream_failures_total Streams that closed without a caller asking
# TYPE glimpse_client_stream_failures_total counter
glimpse_client_stream_failures_total 1
# HELP glimpse_client_connected 1 while the stream is connected
# TYPE glimpse_client_connected gauge
glimpse_client_connected 0
`
	require.NoError(t, testutil.GatherAndCompare(f.metrics.Registry(), strings.NewReader(expected),
		"glimpse_client_payloads_total",
		"glimpse_client_decode_failures_total",
		"glimpse_client_connect_attempts_total",
		"glimpse_client_connect_failures_total",
		"glimpse_client_stream_failures_total",
		"glimpse_client_connected",
	))
}

func TestMachine_NilRecorder(t *testing.T) {
	st := store.New(store.ModeReplace, 0)
	d := streamtest.NewDialer()
	m := New(d, st, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	require.NoError(t, m.Connect(context.Background(), endpoint))
	require.True(t, d.Last().Send(cpuPayload))
	require.Eventually(t, func() bool { return st.Len() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, m.Disconnect(context.Background()))
}

// stuckConn never finishes closing until released.
type stuckConn struct {
	msgs    chan []byte
	release chan struct{}
}

func (c *stuckConn) Messages() <-chan []byte { return c.msgs }
func (c *stuckConn) Err() error              { return nil }
func (c *stuckConn) Close() error {
	<-c.release
	return nil
}

func TestMachine_DisconnectHonoursContext(t *testing.T) {
	conn := &stuckConn{msgs: make(chan []byte), release: make(chan struct{})}
	t.Cleanup(func() {
		close(conn.release)
		close(conn.msgs)
	})
	dialer := stream.DialerFunc(func(context.Context, string) (stream.Conn, error) {
		return conn, nil
	})
	m := New(dialer, store.New(store.ModeReplace, 0), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, m.Connect(context.Background(), endpoint))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := m.Disconnect(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.Disconnected(), m.Status())
}

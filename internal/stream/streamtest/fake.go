// Package streamtest provides in-memory stream.Dialer and stream.Conn
// doubles for tests of code that sits on top of a metrics stream.
package streamtest

import (
	"context"
	"errors"
	"sync"

	"glimpse-dash/internal/stream"
)

// Conn is a controllable stream.Conn. Payloads pushed with Send are
// delivered in order; Fail ends the stream as if the source went away.
type Conn struct {
	msgs    chan []byte
	onClose func()

	mu       sync.Mutex
	err      error
	closed   bool
	closedBy string
	once     sync.Once
}

func NewConn(buffer int, onClose func()) *Conn {
	if onClose == nil {
		onClose = func() {}
	}
	return &Conn{msgs: make(chan []byte, buffer), onClose: onClose}
}

func (c *Conn) Messages() <-chan []byte {
	return c.msgs
}

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.end(nil, "local")
	return nil
}

// Send queues a payload. It returns false once the conn has ended.
func (c *Conn) Send(payload string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.msgs <- []byte(payload)
	return true
}

// Fail ends the stream from the remote side with err.
func (c *Conn) Fail(err error) {
	if err == nil {
		err = errors.New("remote closed")
	}
	c.end(err, "remote")
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ClosedBy is "local", "remote" or "" while the conn is live.
func (c *Conn) ClosedBy() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closedBy
}

func (c *Conn) end(err error, by string) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = true
		c.closedBy = by
		c.mu.Unlock()
		// bookkeeping lands before readers see the channel close
		c.onClose()
		close(c.msgs)
	})
}

// Dialer hands out Conns and counts how many are live. Set Err to make
// dials fail, Gate to hold dials until it is closed or receives.
type Dialer struct {
	mu        sync.Mutex
	conns     []*Conn
	endpoints []string
	live      int
	dials     int

	Err error
	// Gate, when set, blocks Dial until it yields or ctx ends.
	Gate chan struct{}
	// IgnoreCtx makes a gated Dial wait for Gate even after ctx ends.
	IgnoreCtx bool
	// OnDial runs at the start of every Dial.
	OnDial func(endpoint string)
	Buffer int
}

var _ stream.Dialer = (*Dialer)(nil)

func NewDialer() *Dialer {
	return &Dialer{Buffer: 16}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (stream.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.endpoints = append(d.endpoints, endpoint)
	gate, dialErr, ignoreCtx, onDial := d.Gate, d.Err, d.IgnoreCtx, d.OnDial
	d.mu.Unlock()

	if onDial != nil {
		onDial(endpoint)
	}
	if gate != nil {
		if ignoreCtx {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	if dialErr != nil {
		return nil, dialErr
	}

	c := NewConn(d.Buffer, func() {
		d.mu.Lock()
		d.live--
		d.mu.Unlock()
	})
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.live++
	d.mu.Unlock()
	return c, nil
}

func (d *Dialer) SetErr(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Err = err
}

func (d *Dialer) SetGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Gate = gate
}

func (d *Dialer) Live() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *Dialer) Endpoints() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.endpoints...)
}

// Last returns the most recently dialed Conn, or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func (d *Dialer) Conns() []*Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Conn(nil), d.conns...)
}

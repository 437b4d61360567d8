// Package client is the surface the presentation layer talks to. It wires
// the session machine to the metrics store and hands out read-only
// snapshots; it never panics on connection failures, which show up in
// Status and Err instead.
package client

import (
	"context"
	"log/slog"

	"glimpse-dash/internal/model"
	"glimpse-dash/internal/session"
	"glimpse-dash/internal/store"
	"glimpse-dash/internal/stream"
	"glimpse-dash/internal/telemetry"
)

type Client struct {
	logger  *slog.Logger
	store   *store.Store
	machine *session.Machine
}

func New(dialer stream.Dialer, mode store.Mode, limit int, recorder telemetry.Recorder, logger *slog.Logger) *Client {
	st := store.New(mode, limit)
	return &Client{
		logger:  logger,
		store:   st,
		machine: session.New(dialer, st, recorder, logger),
	}
}

// Start connects to endpoint. A failure is also recorded in Status and Err.
func (c *Client) Start(ctx context.Context, endpoint string) error {
	return c.machine.Connect(ctx, endpoint)
}

func (c *Client) Reconnect(ctx context.Context) error {
	return c.machine.Reconnect(ctx)
}

// Stop releases the stream. It is safe to call repeatedly; only an expired
// ctx while waiting for teardown yields an error.
func (c *Client) Stop(ctx context.Context) error {
	return c.machine.Disconnect(ctx)
}

func (c *Client) Endpoint() string {
	return c.machine.Endpoint()
}

func (c *Client) Series() model.Series {
	return c.store.Series()
}

func (c *Client) Status() model.Status {
	return c.store.Status()
}

func (c *Client) Connected() bool {
	return c.store.Status().Connected()
}

func (c *Client) Err() *model.ErrorRecord {
	return c.store.Err()
}

func (c *Client) Snapshot() store.Snapshot {
	return c.store.Snapshot()
}

// Subscribe delivers the newest snapshot after each change. Call the
// returned func to stop.
func (c *Client) Subscribe() (<-chan store.Snapshot, func()) {
	return c.store.Subscribe()
}

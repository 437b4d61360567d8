package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httplog/v3"

	"glimpse-dash/internal/model"
	"glimpse-dash/internal/session"
	"glimpse-dash/internal/store"
	"glimpse-dash/internal/stream"
)

type snapshotResponse struct {
	Status    string             `json:"status"`
	State     model.State        `json:"state"`
	Connected bool               `json:"connected"`
	Error     *model.ErrorRecord `json:"error"`
	Version   uint64             `json:"version"`
	Data      json.RawMessage    `json:"data"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (a *App) runOpsServer(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.OpsListenAddr)
	if addr == "" {
		return fmt.Errorf("empty ops listen address")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen ops endpoint %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	a.logger.Info("ops endpoint listening", "addr", ln.Addr().String())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve ops endpoint %s: %w", addr, err)
	}
	return nil
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httplog.RequestLogger(a.logger, &httplog.Options{
		Level:  slog.LevelDebug,
		Schema: httplog.SchemaECS.Concise(true),
	}))

	r.Get("/healthz", a.handleHealth)
	r.Get("/version", a.handleVersion)
	r.Handle("/metrics", a.metrics.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/snapshot", a.handleSnapshot)
		r.Post("/start", a.handleStart)
		r.Post("/stop", a.handleStop)
		r.Post("/reconnect", a.handleReconnect)
	})
	return r
}

func (a *App) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := a.client.Status()
	if !status.Connected() {
		http.Error(w, status.String(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok\n"))
}

func (a *App) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, versionInfo(a.cfg, a.boundProbeAddr()))
}

func (a *App) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	a.writeSnapshot(w, http.StatusOK)
}

func (a *App) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	a.respondAction(w, a.client.Start(ctx, a.cfg.Endpoint()))
}

func (a *App) handleReconnect(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	a.respondAction(w, a.client.Reconnect(ctx))
}

func (a *App) handleStop(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), a.cfg.ShutdownTimeout)
	defer cancel()
	a.respondAction(w, a.client.Stop(ctx))
}

func (a *App) respondAction(w http.ResponseWriter, err error) {
	if err == nil {
		a.writeSnapshot(w, http.StatusOK)
		return
	}
	var busy *session.BusyError
	var connErr *session.ConnectError
	switch {
	case errors.As(err, &busy):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrNoEndpoint):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	case errors.Is(err, session.ErrSuperseded):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.As(err, &connErr):
		a.writeSnapshot(w, http.StatusBadGateway)
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}

func (a *App) writeSnapshot(w http.ResponseWriter, code int) {
	resp, err := newSnapshotResponse(a.client.Snapshot())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, code, resp)
}

func newSnapshotResponse(snap store.Snapshot) (snapshotResponse, error) {
	data, err := stream.Encode(snap.Series)
	if err != nil {
		return snapshotResponse{}, fmt.Errorf("encode series: %w", err)
	}
	return snapshotResponse{
		Status:    snap.Status.String(),
		State:     snap.Status.State,
		Connected: snap.Connected(),
		Error:     snap.Err,
		Version:   snap.Version,
		Data:      data,
	}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

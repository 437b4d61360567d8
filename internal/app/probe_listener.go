package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// runProbeListener answers every TCP connection with one status line, for
// load balancers and supervisors that only speak TCP.
func (a *App) runProbeListener(ctx context.Context) error {
	addr := strings.TrimSpace(a.cfg.ProbeListenAddr)
	if addr == "" {
		return fmt.Errorf("empty probe listen address")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen probe endpoint %s: %w", addr, err)
	}
	defer func() { _ = ln.Close() }()

	a.logger.Info("probe endpoint listening", "addr", ln.Addr().String())
	a.probeAddr.Store(ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, acceptErr := ln.Accept()
		if acceptErr != nil {
			if ctx.Err() != nil || errors.Is(acceptErr, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept probe endpoint %s: %w", addr, acceptErr)
		}

		_ = conn.SetDeadline(time.Now().Add(2 * time.Second))
		_, _ = conn.Write([]byte(probeLine(a.health.StreamConnected(), a.client.Status().String())))
		_ = conn.Close()
	}
}

func probeLine(connected bool, status string) string {
	if connected {
		return "glimpse:ok\n"
	}
	return "glimpse:" + status + "\n"
}

func (a *App) boundProbeAddr() string {
	addr, _ := a.probeAddr.Load().(string)
	return addr
}

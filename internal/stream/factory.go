package stream

import (
	"crypto/tls"
	"fmt"
	"log/slog"

	"glimpse-dash/internal/config"
)

func NewDialerFromConfig(cfg config.Config, tlsCfg *tls.Config, logger *slog.Logger) (Dialer, error) {
	switch cfg.StreamMode {
	case config.StreamModeWebSocket:
		return NewWebSocketDialer(
			cfg.Token,
			tlsCfg,
			cfg.DialTimeout,
			cfg.WebSocketPingInterval,
			cfg.WebSocketReadLimit,
			cfg.StreamBufferSize,
			logger,
		), nil
	case config.StreamModeGRPC:
		return NewGRPCDialer(
			tlsCfg,
			cfg.Token,
			cfg.GRPCMethod,
			cfg.ClientID,
			cfg.DialTimeout,
			cfg.StreamBufferSize,
			logger,
		), nil
	default:
		return nil, fmt.Errorf("unsupported stream mode %q", cfg.StreamMode)
	}
}

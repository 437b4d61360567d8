package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

type StreamMode string

const (
	StreamModeGRPC      StreamMode = "grpc"
	StreamModeWebSocket StreamMode = "websocket"
	HardcodedVersion    string     = "V0.1"
)

type SeriesMode string

const (
	SeriesModeReplace SeriesMode = "replace"
	SeriesModeAppend  SeriesMode = "append"
)

type Config struct {
	ClientID              string
	StreamMode            StreamMode
	WSEndpoint            string
	GRPCAddr              string
	GRPCMethod            string
	Token                 string
	Version               string
	DialTimeout           time.Duration
	WebSocketPingInterval time.Duration
	WebSocketReadLimit    int64
	StreamBufferSize      int
	SeriesMode            SeriesMode
	SeriesLimit           int
	OpsListenAddr         string
	ProbeListenAddr       string
	AutoStart             bool
	ShutdownTimeout       time.Duration
	RenderInterval        time.Duration
	TLSEnabled            bool
	TLSSkipVerify         bool
	TLSCAPath             string
	TLSCertPath           string
	TLSKeyPath            string
	LogJSON               bool
	LogLevel              string
}

// Load reads an optional .env file (GLIMPSE_ENV_FILE, default ".env") and
// then the process environment, which wins over the file.
func Load() (Config, error) {
	envFile := env("GLIMPSE_ENV_FILE", ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	cfg := Config{
		ClientID:              env("GLIMPSE_CLIENT_ID", uuid.NewString()),
		StreamMode:            StreamMode(strings.ToLower(env("GLIMPSE_STREAM_MODE", string(StreamModeWebSocket)))),
		WSEndpoint:            env("GLIMPSE_ENDPOINT", "ws://127.0.0.1:8099/ws"),
		GRPCAddr:              env("GLIMPSE_GRPC_ADDR", "127.0.0.1:8098"),
		GRPCMethod:            env("GLIMPSE_GRPC_METHOD", "/glimpse.metrics.v1.MetricsService/Subscribe"),
		Token:                 env("GLIMPSE_TOKEN", ""),
		Version:               HardcodedVersion,
		DialTimeout:           envDuration("GLIMPSE_DIAL_TIMEOUT", 8*time.Second),
		WebSocketPingInterval: envDuration("GLIMPSE_WS_PING_INTERVAL", 10*time.Second),
		WebSocketReadLimit:    int64(envInt("GLIMPSE_WS_READ_LIMIT", 1<<20)),
		StreamBufferSize:      envInt("GLIMPSE_STREAM_BUFFER_SIZE", 64),
		SeriesMode:            SeriesMode(strings.ToLower(env("GLIMPSE_SERIES_MODE", string(SeriesModeReplace)))),
		SeriesLimit:           envInt("GLIMPSE_SERIES_LIMIT", 1024),
		OpsListenAddr:         env("GLIMPSE_OPS_ADDR", "127.0.0.1:9924"),
		ProbeListenAddr:       env("GLIMPSE_PROBE_ADDR", ""),
		AutoStart:             envBool("GLIMPSE_AUTOSTART", true),
		ShutdownTimeout:       envDuration("GLIMPSE_SHUTDOWN_TIMEOUT", 10*time.Second),
		RenderInterval:        envDuration("GLIMPSE_RENDER_INTERVAL", 5*time.Second),
		TLSEnabled:            envBool("GLIMPSE_TLS_ENABLED", false),
		TLSSkipVerify:         envBool("GLIMPSE_TLS_SKIP_VERIFY", false),
		TLSCAPath:             env("GLIMPSE_TLS_CA_PATH", ""),
		TLSCertPath:           env("GLIMPSE_TLS_CERT_PATH", ""),
		TLSKeyPath:            env("GLIMPSE_TLS_KEY_PATH", ""),
		LogJSON:               envBool("GLIMPSE_LOG_JSON", false),
		LogLevel:              strings.ToLower(env("GLIMPSE_LOG_LEVEL", "info")),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("GLIMPSE_CLIENT_ID must not be empty")
	}
	switch c.StreamMode {
	case StreamModeGRPC, StreamModeWebSocket:
	default:
		return fmt.Errorf("unsupported stream mode %q", c.StreamMode)
	}
	if c.StreamMode == StreamModeWebSocket {
		if c.WSEndpoint == "" {
			return errors.New("GLIMPSE_ENDPOINT is required for websocket mode")
		}
		if !strings.HasPrefix(c.WSEndpoint, "ws://") && !strings.HasPrefix(c.WSEndpoint, "wss://") {
			return fmt.Errorf("GLIMPSE_ENDPOINT must be a ws:// or wss:// url, got %q", c.WSEndpoint)
		}
	}
	if c.StreamMode == StreamModeGRPC {
		if c.GRPCAddr == "" {
			return errors.New("GLIMPSE_GRPC_ADDR is required for grpc mode")
		}
		if !strings.HasPrefix(c.GRPCMethod, "/") {
			return errors.New("GLIMPSE_GRPC_METHOD must be a full method name")
		}
	}
	switch c.SeriesMode {
	case SeriesModeReplace, SeriesModeAppend:
	default:
		return fmt.Errorf("unsupported series mode %q", c.SeriesMode)
	}
	if c.SeriesMode == SeriesModeAppend && c.SeriesLimit <= 0 {
		return errors.New("GLIMPSE_SERIES_LIMIT must be > 0 in append mode")
	}
	if c.DialTimeout <= 0 {
		return errors.New("GLIMPSE_DIAL_TIMEOUT must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("GLIMPSE_SHUTDOWN_TIMEOUT must be > 0")
	}
	if c.RenderInterval <= 0 {
		return errors.New("GLIMPSE_RENDER_INTERVAL must be > 0")
	}
	if strings.TrimSpace(c.OpsListenAddr) == "" {
		return errors.New("GLIMPSE_OPS_ADDR is required")
	}
	return nil
}

// Endpoint is the address handed to the stream dialer for the configured mode.
func (c Config) Endpoint() string {
	if c.StreamMode == StreamModeGRPC {
		return c.GRPCAddr
	}
	return c.WSEndpoint
}

func (c Config) TLSConfig() (*tls.Config, error) {
	if !c.TLSEnabled {
		return nil, nil
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: c.TLSSkipVerify}
	if c.TLSCAPath != "" {
		caBytes, err := os.ReadFile(c.TLSCAPath)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errors.New("append CA cert failed")
		}
		tlsCfg.RootCAs = pool
	}
	if c.TLSCertPath != "" || c.TLSKeyPath != "" {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			return nil, errors.New("both TLS cert and key are required")
		}
		crt, err := tls.LoadX509KeyPair(c.TLSCertPath, c.TLSKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load mTLS cert/key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{crt}
	}
	return tlsCfg, nil
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

package app

import (
	"time"

	"glimpse-dash/internal/config"
)

type VersionResponse struct {
	ClientID        string `json:"client_id"`
	Version         string `json:"version"`
	StreamMode      string `json:"stream_mode"`
	Endpoint        string `json:"endpoint"`
	ProbeListenAddr string `json:"probe_listen_addr,omitempty"`
	CheckedAtUnix   int64  `json:"checked_at_unix"`
}

func versionInfo(cfg config.Config, probeAddr string) VersionResponse {
	if probeAddr == "" {
		probeAddr = cfg.ProbeListenAddr
	}
	return VersionResponse{
		ClientID:        cfg.ClientID,
		Version:         cfg.Version,
		StreamMode:      string(cfg.StreamMode),
		Endpoint:        cfg.Endpoint(),
		ProbeListenAddr: probeAddr,
		CheckedAtUnix:   time.Now().UTC().Unix(),
	}
}

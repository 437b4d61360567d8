package main

import (
	"context"
	"log"

	"glimpse-dash/internal/app"
	"glimpse-dash/internal/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := app.BuildLogger(cfg)
	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("glimpse initialization failed", "error", err)
		return
	}

	if err := a.Run(context.Background()); err != nil {
		logger.Error("glimpse runtime failed", "error", err)
	}
}

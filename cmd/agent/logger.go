package main

import (
	"github.com/raniswara/vitalsync-agent/internal/config"
	"github.com/raniswara/vitalsync-agent/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}

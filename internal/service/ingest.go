// Package service connects the capture source to the offline pipeline.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/logging"
	"github.com/raniswara/vitalsync-agent/internal/metricstore"
	"github.com/raniswara/vitalsync-agent/internal/validator"
)

// IngestService turns raw device payloads into stored metrics.
type IngestService struct {
	validator *validator.Validator
	store     *metricstore.Store
	logger    *zap.Logger
}

// NewIngestService creates a new ingest service
func NewIngestService(v *validator.Validator, store *metricstore.Store, logger *zap.Logger) *IngestService {
	return &IngestService{
		validator: v,
		store:     store,
		logger:    logger,
	}
}

// ProcessReading handles one raw payload from the capture source. A payload
// that decodes to nothing reportable is acknowledged without storing; only a
// malformed payload is an error (and ends up in the DLQ).
func (s *IngestService) ProcessReading(ctx context.Context, body []byte) error {
	reading, format, err := validator.DecodeDeviceReading(body)
	if err != nil {
		return fmt.Errorf("failed to decode device payload: %w", err)
	}

	devLogger := logging.WithDevice(s.logger, reading.DeviceID)

	records := s.validator.DeviceReadingsToRecords(reading)
	if len(records) == 0 {
		devLogger.Info("reading carried no reportable metrics",
			zap.String("format", string(format)))
		return nil
	}

	s.store.SetIdentity(reading.DeviceID, "")

	ids, err := s.store.StoreMetrics(ctx, records)
	if err != nil {
		devLogger.Error("failed to store metrics", zap.Error(err))
		return fmt.Errorf("failed to store metrics: %w", err)
	}

	devLogger.Info("reading stored",
		zap.String("format", string(format)),
		zap.Int("metrics", len(ids)),
		zap.Bool("online", s.store.IsOnline()))

	return nil
}

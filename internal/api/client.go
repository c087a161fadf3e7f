// Package api holds the REST boundary toward the remote metrics service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/metric"
)

// SubmissionClient delivers metric batches to the remote service.
type SubmissionClient interface {
	SubmitBatch(ctx context.Context, records []metric.Record) error
}

// SubmissionError distinguishes transient delivery failures (network, 5xx)
// from permanent ones (4xx). Only transient failures are worth retrying.
type SubmissionError struct {
	StatusCode int
	Transient  bool
	Message    string
}

func (e *SubmissionError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s submission failure (status %d): %s", kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s submission failure: %s", kind, e.Message)
}

// IsTransient reports whether err represents a retryable delivery failure.
// Unknown errors count as transient; dropping data on an unclassified error
// is worse than an extra retry.
func IsTransient(err error) bool {
	var se *SubmissionError
	if errors.As(err, &se) {
		return se.Transient
	}
	return true
}

// Config holds submission endpoint settings.
type Config struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

// HTTPClient submits batches to the remote REST endpoint.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// NewHTTPClient creates a new submission client
func NewHTTPClient(cfg Config, logger *zap.Logger) *HTTPClient {
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

type batchRequest struct {
	Metrics []metric.Record `json:"metrics"`
}

// SubmitBatch posts a batch of records. Network errors and 5xx responses are
// transient; 4xx responses are permanent validation failures.
func (c *HTTPClient) SubmitBatch(ctx context.Context, records []metric.Record) error {
	body, err := json.Marshal(batchRequest{Metrics: records})
	if err != nil {
		return &SubmissionError{Transient: false, Message: fmt.Sprintf("failed to encode batch: %v", err)}
	}

	url := c.cfg.BaseURL + "/v1/metrics/batch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &SubmissionError{Transient: false, Message: fmt.Sprintf("failed to build request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return &SubmissionError{Transient: true, Message: fmt.Sprintf("request failed: %v", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		c.logger.Debug("batch submitted",
			zap.Int("metrics", len(records)),
			zap.Int("status", resp.StatusCode))
		return nil
	}

	// Keep the response body short in the error; server messages can be large.
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &SubmissionError{
		StatusCode: resp.StatusCode,
		Transient:  resp.StatusCode >= http.StatusInternalServerError,
		Message:    string(msg),
	}
}

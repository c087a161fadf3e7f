package validator

import (
	"fmt"
	"time"

	"github.com/raniswara/vitalsync-agent/internal/metric"
	"go.uber.org/zap"
)

// Result holds the validation outcome for a single record
type Result struct {
	Valid  bool
	Reason string
}

// BatchResult holds the validation outcome for a batch of records
type BatchResult struct {
	Valid  bool
	Errors []string
}

// Validator validates raw health readings before they enter the store and queue
type Validator struct {
	maxBatchSize       int
	defaultSensorModel string
	logger             *zap.Logger
}

// NewValidator creates a new validator
func NewValidator(maxBatchSize int, defaultSensorModel string, logger *zap.Logger) *Validator {
	return &Validator{
		maxBatchSize:       maxBatchSize,
		defaultSensorModel: defaultSensorModel,
		logger:             logger,
	}
}

// Validate checks a single metric record.
// A nil value is valid (optional metric omitted). A value of exactly zero is
// the sensor-unavailable sentinel and is never range-checked.
func (v *Validator) Validate(record metric.Record) Result {
	if record.Type == "" {
		return Result{Valid: false, Reason: "missing metric type"}
	}
	if record.Timestamp == "" {
		return Result{Valid: false, Reason: "missing timestamp"}
	}
	if record.Value == nil {
		return Result{Valid: true}
	}

	value := *record.Value
	if value == 0 {
		return Result{Valid: true}
	}

	r, ok := metric.ValidRanges[record.Type]
	if !ok {
		return Result{Valid: true}
	}

	if value < r.Min || value > r.Max {
		return Result{
			Valid: false,
			Reason: fmt.Sprintf("value %.2f outside valid range [%.1f, %.1f] for %s",
				value, r.Min, r.Max, record.Type),
		}
	}

	return Result{Valid: true}
}

// ValidateBatch checks every record in a batch, accumulating one indexed error
// per invalid element. It never short-circuits: every invalid element is
// reported, not just the first.
func (v *Validator) ValidateBatch(records []metric.Record) BatchResult {
	if len(records) == 0 {
		return BatchResult{Valid: false, Errors: []string{"batch is empty"}}
	}
	if len(records) > v.maxBatchSize {
		return BatchResult{
			Valid:  false,
			Errors: []string{fmt.Sprintf("batch size %d exceeds limit of %d", len(records), v.maxBatchSize)},
		}
	}

	var errs []string
	for i, record := range records {
		result := v.Validate(record)
		if !result.Valid {
			value := "nil"
			if record.Value != nil {
				value = fmt.Sprintf("%.2f", *record.Value)
			}
			errs = append(errs, fmt.Sprintf("record %d (type=%s, value=%s): %s",
				i, record.Type, value, result.Reason))
		}
	}

	return BatchResult{Valid: len(errs) == 0, Errors: errs}
}

// DeviceReadingsToRecords maps a raw device snapshot into submission-ready
// records, one per present field. A field is included only if it is non-zero
// and within its type's valid range. Zero fields mean the sensor did not
// report; out-of-range fields are garbage readings. Both are dropped, and only
// the logs tell them apart.
func (v *Validator) DeviceReadingsToRecords(reading metric.DeviceReading) []metric.Record {
	timestamp := reading.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}
	sensorModel := reading.SensorModel
	if sensorModel == "" {
		sensorModel = v.defaultSensorModel
	}

	fields := []struct {
		value float64
		typ   metric.Type
	}{
		{reading.HeartRate, metric.TypeHeartRate},
		{reading.OxygenLevel, metric.TypeSpO2},
		{reading.Temperature, metric.TypeSkinTemp},
		{reading.Steps, metric.TypeSteps},
		{reading.SleepHours, metric.TypeSleep},
	}

	records := make([]metric.Record, 0, len(fields))
	for _, f := range fields {
		if f.value == 0 {
			v.logger.Debug("sensor field not reported",
				zap.String("device_id", reading.DeviceID),
				zap.String("type", string(f.typ)))
			continue
		}
		if r, ok := metric.ValidRanges[f.typ]; ok && (f.value < r.Min || f.value > r.Max) {
			v.logger.Warn("dropping out-of-range device reading",
				zap.String("device_id", reading.DeviceID),
				zap.String("type", string(f.typ)),
				zap.Float64("value", f.value),
				zap.Float64("min", r.Min),
				zap.Float64("max", r.Max))
			continue
		}
		records = append(records, metric.Record{
			Type:        f.typ,
			Value:       metric.Float(f.value),
			Unit:        metric.UnitFor(f.typ),
			SensorModel: sensorModel,
			Timestamp:   timestamp.Format(time.RFC3339),
		})
	}

	return records
}

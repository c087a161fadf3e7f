package validator_test

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/raniswara/vitalsync-agent/internal/metric"
	"github.com/raniswara/vitalsync-agent/internal/validator"
)

const (
	testMaxBatchSize  = 1000
	testDefaultSensor = "test-wearable"
)

func newTestValidator() *validator.Validator {
	return validator.NewValidator(testMaxBatchSize, testDefaultSensor, zap.NewNop())
}

func record(t metric.Type, value *float64) metric.Record {
	return metric.Record{
		Type:        t,
		Value:       value,
		Unit:        metric.UnitFor(t),
		SensorModel: testDefaultSensor,
		Timestamp:   time.Now().Format(time.RFC3339),
	}
}

func TestValidate_ZeroValueAlwaysValid(t *testing.T) {
	v := newTestValidator()

	types := []metric.Type{
		metric.TypeHeartRate, metric.TypeSpO2, metric.TypeSkinTemp,
		metric.TypeAmbientTemp, metric.TypeSteps, metric.TypeSleep,
	}
	for _, typ := range types {
		result := v.Validate(record(typ, metric.Float(0)))
		if !result.Valid {
			t.Errorf("%s: zero value must be valid (sensor unavailable), got: %s", typ, result.Reason)
		}
	}
}

func TestValidate_NilValueValid(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(record(metric.TypeHeartRate, nil))
	if !result.Valid {
		t.Errorf("nil value must be valid, got: %s", result.Reason)
	}
}

func TestValidate_MissingTypeOrTimestamp(t *testing.T) {
	v := newTestValidator()

	r := record(metric.TypeHeartRate, metric.Float(70))
	r.Type = ""
	if result := v.Validate(r); result.Valid {
		t.Error("record without type must be invalid")
	}

	r = record(metric.TypeHeartRate, metric.Float(70))
	r.Timestamp = ""
	if result := v.Validate(r); result.Valid {
		t.Error("record without timestamp must be invalid")
	}
}

func TestValidate_HeartRateRange(t *testing.T) {
	v := newTestValidator()

	for _, value := range []float64{30, 70, 220} {
		result := v.Validate(record(metric.TypeHeartRate, metric.Float(value)))
		if !result.Valid {
			t.Errorf("heart rate %.0f should be valid, got: %s", value, result.Reason)
		}
	}

	for _, value := range []float64{29.9, 220.1, 500, -5} {
		result := v.Validate(record(metric.TypeHeartRate, metric.Float(value)))
		if result.Valid {
			t.Errorf("heart rate %.1f should be invalid", value)
			continue
		}
		if !strings.Contains(result.Reason, "30") || !strings.Contains(result.Reason, "220") {
			t.Errorf("error should name the accepted range, got: %s", result.Reason)
		}
	}
}

func TestValidate_UnrangedTypeAcceptsAnyValue(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(record(metric.TypeSteps, metric.Float(150000)))
	if !result.Valid {
		t.Errorf("steps has no defined range, got: %s", result.Reason)
	}
}

func TestValidateBatch_RejectsEmpty(t *testing.T) {
	v := newTestValidator()

	result := v.ValidateBatch(nil)
	if result.Valid {
		t.Fatal("empty batch must be invalid")
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0], "empty") {
		t.Errorf("expected error mentioning empty batch, got %v", result.Errors)
	}
}

func TestValidateBatch_RejectsOversized(t *testing.T) {
	v := newTestValidator()

	records := make([]metric.Record, testMaxBatchSize+1)
	for i := range records {
		records[i] = record(metric.TypeHeartRate, metric.Float(70))
	}

	result := v.ValidateBatch(records)
	if result.Valid {
		t.Fatal("oversized batch must be invalid")
	}
	if !strings.Contains(result.Errors[0], "1000") {
		t.Errorf("expected error mentioning the 1000 limit, got %v", result.Errors)
	}
}

func TestValidateBatch_ReportsEveryInvalidElement(t *testing.T) {
	v := newTestValidator()

	records := []metric.Record{
		record(metric.TypeHeartRate, metric.Float(70)),   // valid
		record(metric.TypeHeartRate, metric.Float(300)),  // invalid
		record(metric.TypeSpO2, metric.Float(98)),        // valid
		record(metric.TypeSpO2, metric.Float(50)),        // invalid
	}

	result := v.ValidateBatch(records)
	if result.Valid {
		t.Fatal("batch with invalid elements must be invalid")
	}
	if len(result.Errors) != 2 {
		t.Fatalf("expected 2 errors (no short-circuit), got %d: %v", len(result.Errors), result.Errors)
	}
	if !strings.Contains(result.Errors[0], "record 1") {
		t.Errorf("first error should reference index 1, got: %s", result.Errors[0])
	}
	if !strings.Contains(result.Errors[1], "record 3") {
		t.Errorf("second error should reference index 3, got: %s", result.Errors[1])
	}
}

func TestDeviceReadingsToRecords_AllFieldsAbsent(t *testing.T) {
	v := newTestValidator()

	records := v.DeviceReadingsToRecords(metric.DeviceReading{DeviceID: "band-1"})
	if len(records) != 0 {
		t.Errorf("expected empty slice for empty reading, got %d records", len(records))
	}
}

func TestDeviceReadingsToRecords_ZeroFieldExcluded(t *testing.T) {
	v := newTestValidator()

	records := v.DeviceReadingsToRecords(metric.DeviceReading{
		DeviceID:    "band-1",
		HeartRate:   72,
		OxygenLevel: 0, // sensor did not report
		Temperature: 36.5,
	})

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Type == metric.TypeSpO2 {
			t.Error("zero oxygen level must be excluded")
		}
	}
}

func TestDeviceReadingsToRecords_OutOfRangeFieldExcluded(t *testing.T) {
	v := newTestValidator()

	records := v.DeviceReadingsToRecords(metric.DeviceReading{
		DeviceID:    "band-1",
		HeartRate:   500, // garbage
		OxygenLevel: 98,
		Steps:       4200,
	})

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	for _, r := range records {
		if r.Type == metric.TypeHeartRate {
			t.Error("out-of-range heart rate must be excluded")
		}
	}
}

func TestDeviceReadingsToRecords_UnitsAndDefaults(t *testing.T) {
	v := newTestValidator()

	records := v.DeviceReadingsToRecords(metric.DeviceReading{
		DeviceID:   "band-1",
		HeartRate:  72,
		Steps:      4200,
		SleepHours: 7.5,
	})

	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	units := map[metric.Type]string{
		metric.TypeHeartRate: "bpm",
		metric.TypeSteps:     "steps",
		metric.TypeSleep:     "hours",
	}
	for _, r := range records {
		if r.Unit != units[r.Type] {
			t.Errorf("%s: expected unit %q, got %q", r.Type, units[r.Type], r.Unit)
		}
		if r.SensorModel != testDefaultSensor {
			t.Errorf("expected default sensor model, got %q", r.SensorModel)
		}
		if r.Timestamp == "" {
			t.Error("expected timestamp default")
		}
		if _, err := time.Parse(time.RFC3339, r.Timestamp); err != nil {
			t.Errorf("timestamp not RFC3339: %v", err)
		}
	}
}

func TestDeviceReadingsToRecords_KeepsSuppliedSensorModel(t *testing.T) {
	v := newTestValidator()

	records := v.DeviceReadingsToRecords(metric.DeviceReading{
		DeviceID:    "band-1",
		HeartRate:   72,
		SensorModel: "pulseband-3",
	})
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].SensorModel != "pulseband-3" {
		t.Errorf("expected supplied sensor model, got %q", records[0].SensorModel)
	}
}

package validator

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/raniswara/vitalsync-agent/internal/metric"
	"github.com/raniswara/vitalsync-agent/tools/timeparser"
)

// PayloadFormat tags which wire format a device payload decoded as.
type PayloadFormat string

const (
	FormatJSON PayloadFormat = "json"
	FormatCSV  PayloadFormat = "csv"
)

// csv column order: device_id,heart_rate,oxygen_level,temperature,steps,sleep_hours,timestamp
const csvFieldCount = 7

// DecodeDeviceReading decodes a raw device payload into a normalized reading.
// JSON is tried first, then CSV; anything else is rejected with the reason
// from the last attempt.
func DecodeDeviceReading(payload []byte) (metric.DeviceReading, PayloadFormat, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return metric.DeviceReading{}, "", fmt.Errorf("empty payload")
	}

	if trimmed[0] == '{' {
		var reading metric.DeviceReading
		if err := json.Unmarshal(trimmed, &reading); err != nil {
			return metric.DeviceReading{}, "", fmt.Errorf("malformed json payload: %w", err)
		}
		return reading, FormatJSON, nil
	}

	reading, err := decodeCSVReading(trimmed)
	if err != nil {
		return metric.DeviceReading{}, "", fmt.Errorf("malformed payload (not json, csv failed): %w", err)
	}
	return reading, FormatCSV, nil
}

func decodeCSVReading(payload []byte) (metric.DeviceReading, error) {
	r := csv.NewReader(bytes.NewReader(payload))
	record, err := r.Read()
	if err != nil {
		return metric.DeviceReading{}, err
	}
	if len(record) != csvFieldCount {
		return metric.DeviceReading{}, fmt.Errorf("expected %d csv fields, got %d", csvFieldCount, len(record))
	}

	reading := metric.DeviceReading{DeviceID: strings.TrimSpace(record[0])}

	numeric := []struct {
		raw  string
		dest *float64
		name string
	}{
		{record[1], &reading.HeartRate, "heart_rate"},
		{record[2], &reading.OxygenLevel, "oxygen_level"},
		{record[3], &reading.Temperature, "temperature"},
		{record[4], &reading.Steps, "steps"},
		{record[5], &reading.SleepHours, "sleep_hours"},
	}
	for _, f := range numeric {
		raw := strings.TrimSpace(f.raw)
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return metric.DeviceReading{}, fmt.Errorf("invalid %s value '%s': %w", f.name, raw, err)
		}
		*f.dest = value
	}

	if ts := strings.TrimSpace(record[6]); ts != "" {
		parsed, err := timeparser.ParseDeviceTimestamp(ts)
		if err != nil {
			return metric.DeviceReading{}, err
		}
		reading.Timestamp = parsed
	}

	return reading, nil
}

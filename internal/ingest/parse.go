package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"sensorhub/telemetry-broker/internal/model"
)

// ErrMalformed is matched by every validation failure of the gate.
var ErrMalformed = errors.New("malformed payload")

// MalformedError describes why a payload was rejected.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed payload: %s: %v", e.Reason, e.Err)
	}
	return "malformed payload: " + e.Reason
}

// Is makes errors.Is(err, ErrMalformed) hold.
func (e *MalformedError) Is(target error) bool { return target == ErrMalformed }

func (e *MalformedError) Unwrap() error { return e.Err }

func malformed(reason string, err error) error {
	return &MalformedError{Reason: reason, Err: err}
}

// Upstream reporters do not agree on field names; each is mapped to the
// wire name during validation.
var (
	deviceIDKeys   = []string{"device_id", "deviceId", "device"}
	recordedAtKeys = []string{"recorded_at", "recordedAt", "timestamp"}
	readingsKeys   = []string{"sensor_readings", "sensorReadings", "readings"}
	sensorIDKeys   = []string{"sensor_id", "sensorId", "sensor"}
	valueKeys      = []string{"value"}
)

type object map[string]json.RawMessage

func (o object) pick(keys []string) (json.RawMessage, bool) {
	for _, k := range keys {
		if v, ok := o[k]; ok && !isNull(v) {
			return v, true
		}
	}
	return nil, false
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// parseEnvelope validates raw and builds an envelope. hint is a device id
// taken from the transport (0 when unknown); now fills a missing timestamp.
func parseEnvelope(raw []byte, hint int64, now time.Time, maxReadings int) (*model.Envelope, error) {
	var top object
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, malformed("payload is not a JSON object", err)
	}

	deviceID := hint
	if v, ok := top.pick(deviceIDKeys); ok {
		id, err := parseInt(v)
		if err != nil {
			return nil, malformed("device_id", err)
		}
		if hint != 0 && id != hint {
			return nil, malformed(fmt.Sprintf("device_id %d does not match transport device %d", id, hint), nil)
		}
		deviceID = id
	}
	if deviceID == 0 {
		return nil, malformed("device_id is required", nil)
	}

	recordedAt := now
	if v, ok := top.pick(recordedAtKeys); ok {
		ts, err := parseTimestamp(v)
		if err != nil {
			return nil, malformed("recorded_at", err)
		}
		recordedAt = ts
	}

	rawReadings, ok := top.pick(readingsKeys)
	if !ok {
		return nil, malformed("sensor_readings is required", nil)
	}
	var items []object
	if err := json.Unmarshal(rawReadings, &items); err != nil {
		return nil, malformed("sensor_readings must be an array of objects", err)
	}
	if maxReadings > 0 && len(items) > maxReadings {
		return nil, malformed(fmt.Sprintf("batch of %d readings exceeds limit %d", len(items), maxReadings), nil)
	}

	readings := make([]model.SensorReading, 0, len(items))
	for i, item := range items {
		r, err := parseReading(item)
		if err != nil {
			return nil, malformed(fmt.Sprintf("sensor_readings[%d]", i), err)
		}
		readings = append(readings, r)
	}

	env, err := model.NewEnvelope(deviceID, recordedAt, readings)
	if err != nil {
		return nil, malformed("envelope", err)
	}
	return env, nil
}

func parseReading(item object) (model.SensorReading, error) {
	rawID, ok := item.pick(sensorIDKeys)
	if !ok {
		return model.SensorReading{}, errors.New("sensor_id is required")
	}
	id, err := parseInt(rawID)
	if err != nil {
		return model.SensorReading{}, fmt.Errorf("sensor_id: %w", err)
	}

	rawValue, ok := item.pick(valueKeys)
	if !ok {
		return model.SensorReading{}, errors.New("value is required")
	}
	value, err := parseFloat(rawValue)
	if err != nil {
		return model.SensorReading{}, fmt.Errorf("value: %w", err)
	}
	return model.SensorReading{SensorID: id, Value: value}, nil
}

// parseInt accepts a JSON integer or a string holding one.
func parseInt(raw json.RawMessage) (int64, error) {
	var n int64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("expected integer, got %s", truncate(string(raw), 32))
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("expected integer, got %q", s)
	}
	return n, nil
}

// parseFloat accepts a JSON number or a numeric string. Strings such as
// "NaN" parse and are rejected later by the envelope invariants.
func parseFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("expected number, got %s", truncate(string(raw), 32))
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("expected number, got %q", s)
	}
	return f, nil
}

// parseTimestamp accepts RFC 3339 strings and integer unix seconds.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
		if err != nil {
			return time.Time{}, fmt.Errorf("expected ISO-8601 timestamp, got %q", s)
		}
		return ts, nil
	}
	var secs int64
	if err := json.Unmarshal(raw, &secs); err != nil {
		return time.Time{}, fmt.Errorf("expected timestamp, got %s", truncate(string(raw), 32))
	}
	if secs <= 0 {
		return time.Time{}, fmt.Errorf("unix timestamp must be positive, got %d", secs)
	}
	return time.Unix(secs, 0).UTC(), nil
}

// truncate cuts s to at most max bytes without splitting a rune.
func truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

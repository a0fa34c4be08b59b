package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EventReadingReceived is the event tag delivered alongside every envelope.
const EventReadingReceived = "reading.received"

// RecordedAtLayout is the ISO-8601 profile used for recorded_at on the wire.
const RecordedAtLayout = "2006-01-02T15:04:05Z07:00"

const channelPrefix = "devices."

// ErrInvalidEnvelope is returned when an envelope violates its invariants.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// SensorReading is a single sensor value inside an envelope.
type SensorReading struct {
	SensorID int64   `json:"sensor_id"`
	Value    float64 `json:"value"`
}

// WireEnvelope is the stable serialized shape pushed to subscribers.
type WireEnvelope struct {
	DeviceID       int64           `json:"device_id"`
	RecordedAt     string          `json:"recorded_at"`
	SensorReadings []SensorReading `json:"sensor_readings"`
}

// Envelope is one batch of sensor readings from one device at one timestamp.
// It is immutable once constructed and safe to share between goroutines.
type Envelope struct {
	deviceID   int64
	recordedAt time.Time
	readings   []SensorReading
}

// NewEnvelope validates its input and builds an Envelope.
func NewEnvelope(deviceID int64, recordedAt time.Time, readings []SensorReading) (*Envelope, error) {
	if deviceID <= 0 {
		return nil, fmt.Errorf("%w: device id must be positive, got %d", ErrInvalidEnvelope, deviceID)
	}
	if recordedAt.IsZero() {
		return nil, fmt.Errorf("%w: recorded_at is required", ErrInvalidEnvelope)
	}
	if len(readings) == 0 {
		return nil, fmt.Errorf("%w: sensor_readings must not be empty", ErrInvalidEnvelope)
	}
	for i, r := range readings {
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			return nil, fmt.Errorf("%w: reading %d (sensor %d) has non-finite value", ErrInvalidEnvelope, i, r.SensorID)
		}
	}

	owned := make([]SensorReading, len(readings))
	copy(owned, readings)

	return &Envelope{
		deviceID:   deviceID,
		recordedAt: recordedAt.UTC().Truncate(time.Second),
		readings:   owned,
	}, nil
}

// DeviceID returns the reporting device.
func (e *Envelope) DeviceID() int64 { return e.deviceID }

// RecordedAt returns when the batch was sampled.
func (e *Envelope) RecordedAt() time.Time { return e.recordedAt }

// RecordedAtString returns RecordedAt in the wire profile.
func (e *Envelope) RecordedAtString() string { return e.recordedAt.Format(RecordedAtLayout) }

// Readings returns a copy of the sensor readings in submission order.
func (e *Envelope) Readings() []SensorReading {
	out := make([]SensorReading, len(e.readings))
	copy(out, e.readings)
	return out
}

// Channel returns the channel name the envelope is broadcast on.
func (e *Envelope) Channel() string { return ChannelName(e.deviceID) }

// Wire returns the canonical wire representation.
func (e *Envelope) Wire() WireEnvelope {
	return WireEnvelope{
		DeviceID:       e.deviceID,
		RecordedAt:     e.RecordedAtString(),
		SensorReadings: e.Readings(),
	}
}

// MarshalJSON encodes the wire representation.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

// LatestBySensor collapses duplicate sensor ids, the last value winning.
// The result keeps the order in which each sensor first appeared.
func (e *Envelope) LatestBySensor() []SensorReading {
	index := make(map[int64]int, len(e.readings))
	out := make([]SensorReading, 0, len(e.readings))
	for _, r := range e.readings {
		if i, ok := index[r.SensorID]; ok {
			out[i].Value = r.Value
			continue
		}
		index[r.SensorID] = len(out)
		out = append(out, r)
	}
	return out
}

// ParseWire decodes a wire payload produced by MarshalJSON.
func ParseWire(data []byte) (WireEnvelope, error) {
	var w WireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return WireEnvelope{}, fmt.Errorf("decode wire envelope: %w", err)
	}
	return w, nil
}

// Envelope rebuilds a validated Envelope from its wire form.
func (w WireEnvelope) Envelope() (*Envelope, error) {
	ts, err := time.Parse(time.RFC3339, w.RecordedAt)
	if err != nil {
		return nil, fmt.Errorf("%w: recorded_at: %v", ErrInvalidEnvelope, err)
	}
	return NewEnvelope(w.DeviceID, ts, w.SensorReadings)
}

// ChannelName returns the subscription address for a device.
func ChannelName(deviceID int64) string {
	return channelPrefix + strconv.FormatInt(deviceID, 10)
}

// ParseChannelName extracts the device id from a channel name.
func ParseChannelName(channel string) (int64, error) {
	raw, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return 0, fmt.Errorf("channel %q does not start with %q", channel, channelPrefix)
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("channel %q has invalid device id", channel)
	}
	return id, nil
}

package model

import "time"

// StoredEnvelope is a persisted envelope together with its receipt time.
type StoredEnvelope struct {
	WireEnvelope
	ReceivedAt time.Time `json:"received_at"`
}

// LatestReading is the display value of one sensor on a device.
type LatestReading struct {
	SensorID   int64     `json:"sensor_id"`
	Value      float64   `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// IngestionError captures a payload that failed validation.
type IngestionError struct {
	DeviceID int64  `json:"device_id,omitempty"`
	Source   string `json:"source"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}

// DeadLetter records a delivery that was abandoned after exhausting retries.
type DeadLetter struct {
	DeviceID    int64     `json:"device_id"`
	Subscriber  string    `json:"subscriber"`
	Transport   string    `json:"transport"`
	Attempts    int       `json:"attempts"`
	Payload     string    `json:"payload"`
	Error       string    `json:"error"`
	AbandonedAt time.Time `json:"abandoned_at"`
}

// AppConfigEntry represents a persisted configuration key/value pair.
type AppConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

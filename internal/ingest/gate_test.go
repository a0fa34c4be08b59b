package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/telemetry-broker/internal/model"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	envs []*model.Envelope
}

func (r *recordingDispatcher) Dispatch(env *model.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	return 1
}

type memoryStore struct {
	mu     sync.Mutex
	envs   []*model.Envelope
	errors []model.IngestionError
}

func (m *memoryStore) InsertEnvelope(_ context.Context, env *model.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.envs = append(m.envs, env)
	return nil
}

func (m *memoryStore) InsertIngestionError(_ context.Context, e model.IngestionError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, e)
	return nil
}

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestGate() (*Gate, *recordingDispatcher, *memoryStore) {
	d := &recordingDispatcher{}
	store := &memoryStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(d, logger,
		WithSink(store),
		WithRecorder(store),
		WithMaxReadings(3),
		WithClock(func() time.Time { return fixedNow }),
	)
	return g, d, store
}

func TestIngestDispatchesValidPayload(t *testing.T) {
	g, d, store := newTestGate()

	env, err := g.Ingest(context.Background(), "http", []byte(`{
		"device_id": 42,
		"recorded_at": "2024-01-01T00:00:00Z",
		"sensor_readings": [{"sensor_id": 1, "value": 23.5}]
	}`))
	require.NoError(t, err)

	require.Len(t, d.envs, 1)
	assert.Same(t, env, d.envs[0])
	assert.Equal(t, int64(42), env.DeviceID())
	assert.Equal(t, "2024-01-01T00:00:00Z", env.RecordedAtString())
	assert.Equal(t, []model.SensorReading{{SensorID: 1, Value: 23.5}}, env.Readings())
	assert.Len(t, store.envs, 1)
	assert.Empty(t, store.errors)
}

func TestIngestMapsBoundaryFieldNames(t *testing.T) {
	g, d, _ := newTestGate()

	_, err := g.Ingest(context.Background(), "serial", []byte(`{
		"deviceId": "7",
		"timestamp": 1704067200,
		"readings": [{"sensor": 3, "value": "1.25"}, {"sensorId": 4, "value": -2}]
	}`))
	require.NoError(t, err)

	require.Len(t, d.envs, 1)
	env := d.envs[0]
	assert.Equal(t, int64(7), env.DeviceID())
	assert.Equal(t, "2024-01-01T00:00:00Z", env.RecordedAtString())
	assert.Equal(t, []model.SensorReading{{SensorID: 3, Value: 1.25}, {SensorID: 4, Value: -2}}, env.Readings())
}

func TestIngestFillsMissingTimestamp(t *testing.T) {
	g, d, _ := newTestGate()

	_, err := g.Ingest(context.Background(), "http", []byte(`{"device_id":1,"sensor_readings":[{"sensor_id":1,"value":1}]}`))
	require.NoError(t, err)
	assert.Equal(t, fixedNow, d.envs[0].RecordedAt())
}

func TestIngestRejectsMalformedPayloads(t *testing.T) {
	tests := map[string]string{
		"not json":           `{"device_id":`,
		"not an object":      `[1,2,3]`,
		"missing device":     `{"sensor_readings":[{"sensor_id":1,"value":1}]}`,
		"negative device":    `{"device_id":-4,"sensor_readings":[{"sensor_id":1,"value":1}]}`,
		"empty readings":     `{"device_id":42,"sensor_readings":[]}`,
		"missing readings":   `{"device_id":42}`,
		"nan value":          `{"device_id":42,"sensor_readings":[{"sensor_id":1,"value":"NaN"}]}`,
		"infinite value":     `{"device_id":42,"sensor_readings":[{"sensor_id":1,"value":"+Inf"}]}`,
		"missing value":      `{"device_id":42,"sensor_readings":[{"sensor_id":1}]}`,
		"bad sensor id":      `{"device_id":42,"sensor_readings":[{"sensor_id":"x","value":1}]}`,
		"bad timestamp":      `{"device_id":42,"recorded_at":"yesterday","sensor_readings":[{"sensor_id":1,"value":1}]}`,
		"readings not array": `{"device_id":42,"sensor_readings":{"sensor_id":1,"value":1}}`,
		"too many readings":  `{"device_id":42,"sensor_readings":[{"sensor_id":1,"value":1},{"sensor_id":2,"value":1},{"sensor_id":3,"value":1},{"sensor_id":4,"value":1}]}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			g, d, store := newTestGate()

			_, err := g.Ingest(context.Background(), "http", []byte(payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformed))

			var me *MalformedError
			assert.True(t, errors.As(err, &me))
			assert.Empty(t, d.envs)
			assert.Empty(t, store.envs)
			require.Len(t, store.errors, 1)
			assert.Equal(t, "http", store.errors[0].Source)
			assert.Equal(t, payload, store.errors[0].Payload)
		})
	}
}

func TestIngestForDeviceChecksTransportHint(t *testing.T) {
	g, d, _ := newTestGate()

	_, err := g.IngestForDevice(context.Background(), "mqtt", 9, []byte(`{"sensor_readings":[{"sensor_id":1,"value":1}]}`))
	require.NoError(t, err)
	assert.Equal(t, int64(9), d.envs[0].DeviceID())

	_, err = g.IngestForDevice(context.Background(), "mqtt", 9, []byte(`{"device_id":10,"sensor_readings":[{"sensor_id":1,"value":1}]}`))
	assert.ErrorIs(t, err, ErrMalformed)
	assert.Len(t, d.envs, 1)
}

func TestIngestReadingsRejectsNaN(t *testing.T) {
	g, d, store := newTestGate()

	_, err := g.IngestReadings(context.Background(), "test", 42, fixedNow, []model.SensorReading{{SensorID: 1, Value: math.NaN()}})
	assert.ErrorIs(t, err, ErrMalformed)
	assert.ErrorIs(t, err, model.ErrInvalidEnvelope)

	_, err = g.IngestReadings(context.Background(), "test", 42, fixedNow, nil)
	assert.ErrorIs(t, err, ErrMalformed)

	assert.Empty(t, d.envs)
	assert.Len(t, store.errors, 2)
}

func TestIngestDispatchesOncePerCall(t *testing.T) {
	g, d, store := newTestGate()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			_, err := g.IngestReadings(context.Background(), "test", id, fixedNow, []model.SensorReading{{SensorID: 1, Value: 1}})
			assert.NoError(t, err)
		}(int64(i))
	}
	wg.Wait()

	assert.Len(t, d.envs, 20)
	assert.Len(t, store.envs, 20)
}

func TestTruncateRespectsByteBudget(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab", truncate("abcdef", 2))

	// "é" is two bytes; a cut inside it backs off to the previous boundary.
	got := truncate("aéé", 4)
	assert.Equal(t, "aé", got)
	assert.LessOrEqual(t, len(got), 4)

	long := strings.Repeat("温度", maxRecordedPayload)
	got = truncate(long, maxRecordedPayload)
	assert.LessOrEqual(t, len(got), maxRecordedPayload)
	assert.True(t, utf8.ValidString(got))
}

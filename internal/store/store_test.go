package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/telemetry-broker/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "nested", "sensorhub.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func mustEnvelope(t *testing.T, deviceID int64, at time.Time, readings ...model.SensorReading) *model.Envelope {
	t.Helper()
	env, err := model.NewEnvelope(deviceID, at, readings)
	require.NoError(t, err)
	return env
}

func TestInsertEnvelopeAndRecent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 42, base,
		model.SensorReading{SensorID: 1, Value: 20.5},
		model.SensorReading{SensorID: 2, Value: 40},
	)))
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 7, base.Add(time.Minute),
		model.SensorReading{SensorID: 9, Value: -1},
	)))
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 42, base.Add(2*time.Minute),
		model.SensorReading{SensorID: 1, Value: 21},
	)))

	all, err := s.RecentEnvelopes(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(42), all[0].DeviceID)
	assert.Equal(t, "2024-03-01T12:02:00Z", all[0].RecordedAt)
	assert.Equal(t, int64(7), all[1].DeviceID)
	assert.False(t, all[2].ReceivedAt.IsZero())

	device, err := s.RecentEnvelopes(ctx, 42, 10, nil)
	require.NoError(t, err)
	require.Len(t, device, 2)
	assert.Equal(t, []model.SensorReading{
		{SensorID: 1, Value: 20.5},
		{SensorID: 2, Value: 40},
	}, device[1].SensorReadings)

	limited, err := s.RecentEnvelopes(ctx, 0, 1, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestRecentEnvelopesSince(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 1, clock, model.SensorReading{SensorID: 1, Value: 1})))
	clock = clock.Add(1500 * time.Millisecond)
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 1, clock, model.SensorReading{SensorID: 1, Value: 2})))

	since := time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC)
	got, err := s.RecentEnvelopes(ctx, 1, 10, &since)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2.0, got[0].SensorReadings[0].Value)
	assert.Equal(t, clock, got[0].ReceivedAt)
}

func TestLatestReadingsLastValueWins(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 5, base,
		model.SensorReading{SensorID: 1, Value: 10},
		model.SensorReading{SensorID: 2, Value: 20},
	)))
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 5, base.Add(time.Minute),
		model.SensorReading{SensorID: 1, Value: 11},
		model.SensorReading{SensorID: 1, Value: 12},
	)))
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 6, base.Add(time.Hour),
		model.SensorReading{SensorID: 1, Value: 99},
	)))

	latest, err := s.LatestReadings(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, []model.LatestReading{
		{SensorID: 1, Value: 12, RecordedAt: base.Add(time.Minute)},
		{SensorID: 2, Value: 20, RecordedAt: base},
	}, latest)

	none, err := s.LatestReadings(ctx, 404)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestIngestionErrorsAndDeadLetters(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{Source: "http", Payload: "{", Error: "malformed json"}))
	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{DeviceID: 3, Source: "mqtt", Payload: "{}", Error: "no readings"}))

	errs, err := s.RecentIngestionErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 2)
	assert.Equal(t, int64(3), errs[0].DeviceID)
	assert.Equal(t, int64(0), errs[1].DeviceID)
	assert.Equal(t, "malformed json", errs[1].Error)

	abandoned := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.InsertDeadLetter(ctx, model.DeadLetter{
		DeviceID:    42,
		Subscriber:  "ws-1",
		Transport:   "websocket",
		Attempts:    3,
		Payload:     `{"device_id":42}`,
		Error:       "write: broken pipe",
		AbandonedAt: abandoned,
	}))

	letters, err := s.RecentDeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, "ws-1", letters[0].Subscriber)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.Equal(t, abandoned, letters[0].AbandonedAt)
}

func TestAppConfigAndWipe(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertAppConfig(ctx, "retention_days", "7"))
	require.NoError(t, s.UpsertAppConfig(ctx, "retention_days", "30"))
	require.NoError(t, s.InsertEnvelope(ctx, mustEnvelope(t, 1, time.Now(), model.SensorReading{SensorID: 1, Value: 1})))
	require.NoError(t, s.InsertIngestionError(ctx, model.IngestionError{Source: "http", Error: "bad"}))

	require.NoError(t, s.WipeData(ctx))

	envelopes, err := s.RecentEnvelopes(ctx, 0, 10, nil)
	require.NoError(t, err)
	assert.Empty(t, envelopes)

	errs, err := s.RecentIngestionErrors(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, errs)

	cfg, err := s.AppConfig(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"retention_days": "30"}, cfg)
}

func TestUninitializedStore(t *testing.T) {
	var s Store
	assert.Error(t, s.InsertEnvelope(context.Background(), nil))
	assert.NoError(t, s.Close())
}

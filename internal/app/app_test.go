package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorhub/telemetry-broker/internal/assignment"
	"sensorhub/telemetry-broker/internal/config"
	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/mqttbroker"
	"sensorhub/telemetry-broker/internal/redisqueue"
	"sensorhub/telemetry-broker/internal/registry"
)

const report42 = `{"device_id":42,"recorded_at":"2024-01-01T00:00:00Z","sensor_readings":[{"sensor_id":1,"value":23.5}]}`

func newTestApp(t *testing.T, hooks ...func(*App)) (*App, string) {
	t.Helper()

	cfg := config.Default()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "sensorhub.db")
	cfg.MaxAttempts = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = time.Millisecond

	a := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, a.setup(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = a.dispatcher.Close(ctx)
		a.teardown()
	})
	a.ready.Store(true)
	for _, hook := range hooks {
		hook(a)
	}

	srv := httptest.NewServer(a.routes())
	t.Cleanup(srv.Close)
	return a, srv.URL
}

func doJSON(t *testing.T, method, url, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var out map[string]any
	if len(bytes.TrimSpace(raw)) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp, out
}

func TestHealthAndReadiness(t *testing.T) {
	a, url := newTestApp(t)

	resp, body := doJSON(t, http.MethodGet, url+"/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])

	resp, _ = doJSON(t, http.MethodGet, url+"/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	a.ready.Store(false)
	resp, body = doJSON(t, http.MethodGet, url+"/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "starting", body["status"])
}

func TestIngestPersistsEnvelope(t *testing.T) {
	_, url := newTestApp(t)

	resp, body := doJSON(t, http.MethodPost, url+"/api/readings", report42)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "devices.42", body["channel"])

	resp, _ = doJSON(t, http.MethodPost, url+"/api/readings",
		`{"deviceId":42,"timestamp":1704067260,"readings":[{"sensorId":1,"value":24},{"sensorId":2,"value":-3}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, url+"/api/readings?device_id=42&limit=10", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	envelopes := body["envelopes"].([]any)
	require.Len(t, envelopes, 2)
	newest := envelopes[0].(map[string]any)
	assert.Equal(t, "2024-01-01T00:01:00Z", newest["recorded_at"])

	resp, body = doJSON(t, http.MethodGet, url+"/api/devices/42/latest", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sensors := body["sensors"].([]any)
	require.Len(t, sensors, 2)
	assert.Equal(t, 24.0, sensors[0].(map[string]any)["value"])
}

func TestIngestRejectsMalformed(t *testing.T) {
	_, url := newTestApp(t)

	for _, payload := range []string{
		`{"device_id":42,"sensor_readings":[]}`,
		`{"device_id":42,"sensor_readings":[{"sensor_id":1,"value":"NaN"}]}`,
		`not json`,
	} {
		resp, body := doJSON(t, http.MethodPost, url+"/api/readings", payload)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, payload)
		assert.Contains(t, body["error"], "malformed payload")
	}

	resp, body := doJSON(t, http.MethodGet, url+"/api/ingestion-errors", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["errors"], 3)

	resp, body = doJSON(t, http.MethodGet, url+"/api/readings", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["envelopes"])
}

func TestWebSocketSubscriberReceivesReading(t *testing.T) {
	_, url := newTestApp(t)

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	require.NoError(t, ws.WriteJSON(map[string]string{"event": "subscribe", "channel": "devices.42"}))
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))

	var ack struct {
		Event   string `json:"event"`
		Channel string `json:"channel"`
	}
	require.NoError(t, ws.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Event)

	resp, _ := doJSON(t, http.MethodGet, url+"/api/channels/42/subscribers", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/readings", report42)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var frame struct {
		Event   string             `json:"event"`
		Channel string             `json:"channel"`
		Data    model.WireEnvelope `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&frame))
	assert.Equal(t, model.EventReadingReceived, frame.Event)
	assert.Equal(t, "devices.42", frame.Channel)
	assert.Equal(t, model.WireEnvelope{
		DeviceID:       42,
		RecordedAt:     "2024-01-01T00:00:00Z",
		SensorReadings: []model.SensorReading{{SensorID: 1, Value: 23.5}},
	}, frame.Data)
}

type memoryQueues struct {
	mu     sync.Mutex
	frames map[string][]string
}

func (m *memoryQueues) Append(_ context.Context, key string, frame []byte, _ int64, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.frames == nil {
		m.frames = make(map[string][]string)
	}
	m.frames[key] = append(m.frames[key], string(frame))
	return nil
}

func (m *memoryQueues) Notify(context.Context, string, string) error { return nil }

func (m *memoryQueues) count(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames[key])
}

func TestQueueSubscriptionLifecycle(t *testing.T) {
	queues := &memoryQueues{}
	_, url := newTestApp(t, func(a *App) {
		a.queues = redisqueue.New(queues, a.logger)
		a.mux.Register(redisqueue.Transport, a.queues)
	})

	resp, body := doJSON(t, http.MethodPost, url+"/api/subscriptions", `{"queue":"dashboard","channel":"devices.7"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	token, _ := body["token"].(string)
	require.NotEmpty(t, token)
	assert.Equal(t, redisqueue.QueueKey("dashboard"), body["queue_key"])

	resp, body = doJSON(t, http.MethodGet, url+"/api/channels", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	channels := body["channels"].([]any)
	require.Len(t, channels, 1)
	assert.Equal(t, "devices.7", channels[0].(map[string]any)["name"])

	resp, _ = doJSON(t, http.MethodPost, url+"/api/readings",
		`{"device_id":7,"recorded_at":"2024-01-01T00:00:00Z","sensor_readings":[{"sensor_id":1,"value":1}]}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool { return queues.count(redisqueue.QueueKey("dashboard")) == 1 },
		3*time.Second, 10*time.Millisecond)

	resp, _ = doJSON(t, http.MethodDelete, url+"/api/subscriptions/"+token, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodDelete, url+"/api/subscriptions/"+token, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/subscriptions", `{"queue":"bad name","device_id":7}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueSubscriptionsDisabledWithoutRedis(t *testing.T) {
	_, url := newTestApp(t)

	resp, _ := doJSON(t, http.MethodPost, url+"/api/subscriptions", `{"queue":"q","device_id":1}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

type flakyHandle struct{}

func (flakyHandle) ID() string        { return "flaky-1" }
func (flakyHandle) Transport() string { return "flaky" }

func TestAbandonedDeliveryBecomesDeadLetter(t *testing.T) {
	a, url := newTestApp(t)

	a.mux.Register("flaky", delivery.BackendFunc(func(context.Context, registry.Handle, delivery.Message) error {
		return errors.New("consumer unavailable")
	}))
	a.dispatcher.Subscribe(42, flakyHandle{})

	resp, _ := doJSON(t, http.MethodPost, url+"/api/readings", report42)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		letters, err := a.store.RecentDeadLetters(context.Background(), 10)
		return err == nil && len(letters) == 1
	}, 3*time.Second, 20*time.Millisecond)

	resp, body := doJSON(t, http.MethodGet, url+"/api/deliveries/abandoned", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	letters := body["deliveries"].([]any)
	require.Len(t, letters, 1)
	letter := letters[0].(map[string]any)
	assert.Equal(t, "flaky-1", letter["subscriber"])
	assert.Equal(t, 2.0, letter["attempts"])
	assert.Equal(t, "consumer unavailable", letter["error"])
}

type stubDirectory struct {
	devices map[int64]assignment.Device
	areas   map[int64]assignment.Area
}

func (d stubDirectory) Device(_ context.Context, id int64) (assignment.Device, error) {
	if dev, ok := d.devices[id]; ok {
		return dev, nil
	}
	return assignment.Device{}, assignment.ErrNotFound
}

func (d stubDirectory) Area(_ context.Context, id int64) (assignment.Area, error) {
	if area, ok := d.areas[id]; ok {
		return area, nil
	}
	return assignment.Area{}, assignment.ErrNotFound
}

type stubPolicy map[int64]bool

func (p stubPolicy) CanAssign(_ context.Context, userID int64, _ assignment.Area) (bool, error) {
	return p[userID], nil
}

func TestAreaAssignmentDisabledWithoutPostgres(t *testing.T) {
	_, url := newTestApp(t)

	resp, _ := doJSON(t, http.MethodPost, url+"/api/devices/1/area-assignment", `{"area_id":10}`, userIDHeader, "5")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAreaAssignment(t *testing.T) {
	company := int64(1)
	other := int64(2)
	validator := assignment.NewValidator(stubDirectory{
		devices: map[int64]assignment.Device{
			1: {ID: 1, Code: "TH-001", CompanyID: &company},
			2: {ID: 2, Code: "TH-002"},
			3: {ID: 3, Code: "TH-003", CompanyID: &other},
		},
		areas: map[int64]assignment.Area{10: {ID: 10, Name: "Cold Room", CompanyID: company}},
	}, stubPolicy{5: true})
	_, url := newTestApp(t, func(a *App) { a.validator = validator })

	tests := []struct {
		name     string
		device   string
		user     string
		status   int
		kind     string
		message  string
		areaBody string
	}{
		{name: "allowed", device: "1", user: "5", status: http.StatusNoContent},
		{name: "no company", device: "2", user: "6", status: http.StatusUnprocessableEntity,
			kind: "requires_company", message: "Device must be assigned to a company before assigning to an area."},
		{name: "mismatch", device: "3", user: "5", status: http.StatusUnprocessableEntity,
			kind: "area_mismatch", message: "Device TH-003 cannot be assigned to area Cold Room - area belongs to a different company."},
		{name: "unauthorized", device: "1", user: "6", status: http.StatusUnprocessableEntity,
			kind: "unauthorized_area_access", message: "You do not have access to assign devices to area: Cold Room"},
		{name: "unknown device", device: "9", user: "5", status: http.StatusNotFound},
		{name: "no user", device: "1", status: http.StatusUnauthorized},
		{name: "no area", device: "1", user: "5", status: http.StatusBadRequest, areaBody: `{}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := `{"area_id":10}`
			if tt.areaBody != "" {
				payload = tt.areaBody
			}
			var headers []string
			if tt.user != "" {
				headers = []string{userIDHeader, tt.user}
			}
			resp, body := doJSON(t, http.MethodPost, url+"/api/devices/"+tt.device+"/area-assignment", payload, headers...)
			require.Equal(t, tt.status, resp.StatusCode)
			if tt.kind != "" {
				assert.Equal(t, tt.kind, body["error"])
				assert.Equal(t, tt.message, body["message"])
			}
		})
	}
}

func TestConfigRoundTripAndOverrides(t *testing.T) {
	a, url := newTestApp(t)

	resp, body := doJSON(t, http.MethodPost, url+"/api/config", `{"queue_limit":16,"attempt_timeout":"2s"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["requires_restart"])

	resp, _ = doJSON(t, http.MethodPost, url+"/api/config", `{"max_attempts":0}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = doJSON(t, http.MethodPost, url+"/api/config", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = doJSON(t, http.MethodGet, url+"/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"queue_limit": "16", "attempt_timeout": "2s"}, body["persisted"])

	persisted, err := a.store.AppConfig(context.Background())
	require.NoError(t, err)
	cfg := applyOverrides(config.Default(), persisted, a.logger)
	assert.Equal(t, 16, cfg.QueueLimit)
	assert.Equal(t, 2*time.Second, cfg.AttemptTimeout)
	assert.Equal(t, config.Default().MaxAttempts, cfg.MaxAttempts)
}

func TestWipeRequiresConfirmation(t *testing.T) {
	_, url := newTestApp(t)

	resp, _ := doJSON(t, http.MethodPost, url+"/api/readings", report42)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/admin/wipe", `{"confirm":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, url+"/api/admin/wipe", `{"confirm":"WIPE"}`)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	_, body := doJSON(t, http.MethodGet, url+"/api/readings", "")
	assert.Empty(t, body["envelopes"])
}

func TestMQTTPublishRouting(t *testing.T) {
	a, _ := newTestApp(t)
	ctx := context.Background()

	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   model.ReadingsTopic(3),
		Payload: []byte(`{"sensor_readings":[{"sensor_id":1,"value":2}]}`),
	})
	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   gatewayTopic,
		Payload: []byte(`{"device_id":4,"sensor_readings":[{"sensor_id":1,"value":2}]}`),
	})
	a.handleMQTTPublish(ctx, mqttbroker.PublishMessage{
		Topic:   "chat/room",
		Payload: []byte(`{"device_id":5,"sensor_readings":[{"sensor_id":1,"value":2}]}`),
	})

	envelopes, err := a.store.RecentEnvelopes(ctx, 0, 10, nil)
	require.NoError(t, err)
	require.Len(t, envelopes, 2)
	assert.Equal(t, int64(4), envelopes[0].DeviceID)
	assert.Equal(t, int64(3), envelopes[1].DeviceID)
}

func TestMDNSLabels(t *testing.T) {
	assert.Equal(t, "SensorHub Broker (edge 01)", mdnsInstance("SensorHub Broker (edge.01)"))
	assert.Equal(t, "edge-box-1", mdnsHost(" Edge Box_1 "))
	assert.Len(t, []rune(mdnsHost(strings.Repeat("a", 80))), mdnsMaxLabel)
	assert.Contains(t, mdnsTXT(1883, 8080, "edge"), "host=edge.local")
}

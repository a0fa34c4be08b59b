package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sensorhub/telemetry-broker/internal/assignment"
	"sensorhub/telemetry-broker/internal/ingest"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/redisqueue"
	"sensorhub/telemetry-broker/internal/registry"
)

const (
	httpSource      = "http"
	maxReportBytes  = 1 << 20
	userIDHeader    = "X-User-ID"
	defaultPageSize = 25
	maxPageSize     = 250
)

func (a *App) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealthz)
	mux.HandleFunc("GET /readyz", a.handleReadyz)

	mux.HandleFunc("POST /api/readings", a.handleIngest)
	mux.HandleFunc("GET /api/readings", a.handleRecentReadings)
	mux.HandleFunc("GET /api/devices/{id}/latest", a.handleLatestReadings)
	mux.HandleFunc("POST /api/devices/{id}/area-assignment", a.handleAreaAssignment)

	mux.HandleFunc("GET /api/channels", a.handleChannels)
	mux.HandleFunc("GET /api/channels/{id}/subscribers", a.handleChannelSubscribers)
	mux.HandleFunc("POST /api/subscriptions", a.handleCreateSubscription)
	mux.HandleFunc("DELETE /api/subscriptions/{token}", a.handleDeleteSubscription)

	mux.HandleFunc("GET /api/deliveries/abandoned", a.handleDeadLetters)
	mux.HandleFunc("GET /api/ingestion-errors", a.handleIngestionErrors)

	mux.HandleFunc("GET /api/config", a.serveConfig)
	mux.HandleFunc("POST /api/config", a.updateConfig)
	mux.HandleFunc("POST /api/admin/wipe", a.handleWipeDatabase)

	mux.Handle("GET /ws", a.ws)

	return mux
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *App) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

func pageSize(r *http.Request) int {
	limit := defaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= maxPageSize {
			limit = parsed
		}
	}
	return limit
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready.Load() || a.store == nil {
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.store.Ping(ctx); err != nil {
		a.logger.Warn("readiness check failed", "error", err)
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "store unavailable"})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxReportBytes))
	if err != nil {
		a.writeError(w, http.StatusRequestEntityTooLarge, "report too large")
		return
	}

	env, err := a.gate.Ingest(r.Context(), httpSource, body)
	if err != nil {
		if errors.Is(err, ingest.ErrMalformed) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.logger.Error("ingest failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	a.writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"device_id": env.DeviceID(),
		"channel":   env.Channel(),
	})
}

func (a *App) handleRecentReadings(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var deviceID int64
	if v := query.Get("device_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			a.writeError(w, http.StatusBadRequest, "invalid device_id")
			return
		}
		deviceID = id
	}

	var sinceOpt *time.Time
	if since := query.Get("since"); since != "" {
		ts, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "since must be an RFC 3339 timestamp")
			return
		}
		sinceOpt = &ts
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	envelopes, err := a.store.RecentEnvelopes(ctx, deviceID, pageSize(r), sinceOpt)
	if err != nil {
		a.logger.Error("failed to load recent readings", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}
	if envelopes == nil {
		envelopes = []model.StoredEnvelope{}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Envelopes []model.StoredEnvelope `json:"envelopes"`
	}{Envelopes: envelopes})
}

func (a *App) handleLatestReadings(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	latest, err := a.store.LatestReadings(ctx, deviceID)
	if err != nil {
		a.logger.Error("failed to load latest readings", "device", deviceID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load readings")
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		DeviceID int64                 `json:"device_id"`
		Channel  string                `json:"channel"`
		Sensors  []model.LatestReading `json:"sensors"`
	}{DeviceID: deviceID, Channel: model.ChannelName(deviceID), Sensors: latest})
}

func (a *App) handleAreaAssignment(w http.ResponseWriter, r *http.Request) {
	if a.validator == nil {
		a.writeError(w, http.StatusServiceUnavailable, "area assignment is not configured")
		return
	}

	deviceID, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}
	userID, err := strconv.ParseInt(r.Header.Get(userIDHeader), 10, 64)
	if err != nil || userID <= 0 {
		a.writeError(w, http.StatusUnauthorized, "missing "+userIDHeader)
		return
	}

	var req struct {
		AreaID int64 `json:"area_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AreaID <= 0 {
		a.writeError(w, http.StatusBadRequest, "area_id required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	err = a.validator.Validate(ctx, userID, deviceID, req.AreaID)
	switch kind := assignment.KindOf(err); {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case kind != assignment.KindNone:
		a.writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error":   kind.String(),
			"message": err.Error(),
		})
	case errors.Is(err, assignment.ErrNotFound):
		a.writeError(w, http.StatusNotFound, err.Error())
	default:
		a.logger.Error("area assignment validation failed", "device", deviceID, "area", req.AreaID, "error", err)
		a.writeError(w, http.StatusInternalServerError, "validation failed")
	}
}

func (a *App) handleChannels(w http.ResponseWriter, r *http.Request) {
	type channel struct {
		Name string `json:"name"`
		registry.ChannelInfo
	}

	infos := a.dispatcher.Registry().Channels()
	channels := make([]channel, 0, len(infos))
	for _, info := range infos {
		channels = append(channels, channel{Name: model.ChannelName(info.DeviceID), ChannelInfo: info})
	}

	a.writeJSON(w, http.StatusOK, struct {
		Channels []channel `json:"channels"`
	}{Channels: channels})
}

func (a *App) handleChannelSubscribers(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid device id")
		return
	}

	type subscriber struct {
		ID        string `json:"id"`
		Transport string `json:"transport"`
		Queued    int    `json:"queued"`
	}

	handles := a.dispatcher.Registry().SubscribersOf(deviceID)
	subs := make([]subscriber, 0, len(handles))
	for _, h := range handles {
		subs = append(subs, subscriber{
			ID:        h.ID(),
			Transport: h.Transport(),
			Queued:    a.dispatcher.QueueLen(h.ID()),
		})
	}

	a.writeJSON(w, http.StatusOK, struct {
		Channel     string       `json:"channel"`
		Subscribers []subscriber `json:"subscribers"`
	}{Channel: model.ChannelName(deviceID), Subscribers: subs})
}

func (a *App) handleCreateSubscription(w http.ResponseWriter, r *http.Request) {
	if a.queues == nil {
		a.writeError(w, http.StatusServiceUnavailable, "queue subscriptions are not configured")
		return
	}

	var req struct {
		Queue    string `json:"queue"`
		DeviceID int64  `json:"device_id"`
		Channel  string `json:"channel"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	deviceID := req.DeviceID
	if req.Channel != "" {
		id, err := model.ParseChannelName(req.Channel)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		deviceID = id
	}
	if deviceID <= 0 {
		a.writeError(w, http.StatusBadRequest, "device_id or channel required")
		return
	}

	h, err := a.queues.Handle(strings.TrimSpace(req.Queue), deviceID)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	token := a.dispatcher.Subscribe(deviceID, h)
	a.logger.Info("queue subscribed", "queue", h.Name(), "device", deviceID)

	a.writeJSON(w, http.StatusCreated, map[string]any{
		"token":          token,
		"channel":        model.ChannelName(deviceID),
		"queue_key":      redisqueue.QueueKey(h.Name()),
		"notify_channel": redisqueue.NotifyChannel(h.Name()),
	})
}

func (a *App) handleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	token := registry.Token(r.PathValue("token"))
	if !a.dispatcher.Unsubscribe(token) {
		a.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	letters, err := a.store.RecentDeadLetters(ctx, pageSize(r))
	if err != nil {
		a.logger.Error("failed to load dead letters", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load deliveries")
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Deliveries []model.DeadLetter `json:"deliveries"`
	}{Deliveries: letters})
}

func (a *App) handleIngestionErrors(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	errs, err := a.store.RecentIngestionErrors(ctx, pageSize(r))
	if err != nil {
		a.logger.Error("failed to load ingestion errors", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load ingestion errors")
		return
	}

	a.writeJSON(w, http.StatusOK, struct {
		Errors []model.IngestionError `json:"errors"`
	}{Errors: errs})
}

func (a *App) serveConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		a.logger.Error("failed to load app config", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to load config")
		return
	}

	active := map[string]any{
		"http_port":       a.cfg.HTTPPort,
		"mqtt_bind":       a.cfg.MQTTBindAddress,
		"metrics_port":    a.cfg.MetricsPort,
		"database_path":   a.cfg.DatabasePath,
		"log_level":       a.cfg.LogLevel,
		"max_attempts":    a.cfg.MaxAttempts,
		"queue_limit":     a.cfg.QueueLimit,
		"attempt_timeout": a.cfg.AttemptTimeout.String(),
		"max_readings":    a.cfg.MaxReadings,
		"redis_enabled":   a.queues != nil,
		"transports":      a.mux.Transports(),
	}

	a.writeJSON(w, http.StatusOK, struct {
		Active    map[string]any    `json:"active"`
		Persisted map[string]string `json:"persisted"`
	}{Active: active, Persisted: persisted})
}

func (a *App) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxAttempts    *int    `json:"max_attempts"`
		QueueLimit     *int    `json:"queue_limit"`
		MaxReadings    *int    `json:"max_readings"`
		AttemptTimeout *string `json:"attempt_timeout"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	type updateResult struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	}
	var updates []updateResult

	for _, field := range []struct {
		key   string
		value *int
	}{
		{configMaxAttempts, req.MaxAttempts},
		{configQueueLimit, req.QueueLimit},
		{configMaxReadings, req.MaxReadings},
	} {
		if field.value == nil {
			continue
		}
		if *field.value <= 0 {
			a.writeError(w, http.StatusBadRequest, field.key+" must be positive")
			return
		}
		updates = append(updates, updateResult{Key: field.key, Value: strconv.Itoa(*field.value)})
	}
	if req.AttemptTimeout != nil {
		d, err := time.ParseDuration(*req.AttemptTimeout)
		if err != nil || d <= 0 {
			a.writeError(w, http.StatusBadRequest, "attempt_timeout must be a positive duration")
			return
		}
		updates = append(updates, updateResult{Key: configAttemptTimeout, Value: d.String()})
	}

	if len(updates) == 0 {
		a.writeError(w, http.StatusBadRequest, "no supported fields provided")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, u := range updates {
		if err := a.store.UpsertAppConfig(ctx, u.Key, u.Value); err != nil {
			a.logger.Error("failed to update config", "key", u.Key, "error", err)
			a.writeError(w, http.StatusInternalServerError, "failed to persist config")
			return
		}
	}

	a.writeJSON(w, http.StatusOK, struct {
		Updates         []updateResult `json:"updates"`
		RequiresRestart bool           `json:"requires_restart"`
	}{Updates: updates, RequiresRestart: true})
}

func (a *App) handleWipeDatabase(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Confirm string `json:"confirm"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if strings.ToLower(strings.TrimSpace(body.Confirm)) != "wipe" {
		a.writeError(w, http.StatusBadRequest, "confirmation required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.store.WipeData(ctx); err != nil {
		a.logger.Error("wipe: failed", "error", err)
		a.writeError(w, http.StatusInternalServerError, "failed to wipe data")
		return
	}

	a.logger.Warn("wipe: telemetry history cleared")
	w.WriteHeader(http.StatusNoContent)
}

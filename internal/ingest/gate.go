// Package ingest validates upstream device reports and hands accepted
// envelopes to the dispatcher.
package ingest

import (
	"context"
	"log/slog"
	"time"

	"sensorhub/telemetry-broker/internal/metrics"
	"sensorhub/telemetry-broker/internal/model"
)

// DefaultMaxReadings caps the readings accepted in one report.
const DefaultMaxReadings = 500

const maxRecordedPayload = 4096

// Dispatcher receives accepted envelopes. Dispatch must not block on delivery.
type Dispatcher interface {
	Dispatch(env *model.Envelope) int
}

// Sink persists accepted envelopes.
type Sink interface {
	InsertEnvelope(ctx context.Context, env *model.Envelope) error
}

// Recorder keeps rejected payloads for later inspection.
type Recorder interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// Gate is the single entry point for device reports.
type Gate struct {
	dispatcher  Dispatcher
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sink        Sink
	recorder    Recorder
	maxReadings int
	now         func() time.Time
}

// Option customizes a Gate.
type Option func(*Gate)

// WithSink persists every accepted envelope.
func WithSink(s Sink) Option { return func(g *Gate) { g.sink = s } }

// WithRecorder records rejected payloads.
func WithRecorder(r Recorder) Option { return func(g *Gate) { g.recorder = r } }

// WithMetrics counts accepted and rejected payloads.
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gate) { g.metrics = m } }

// WithMaxReadings overrides DefaultMaxReadings.
func WithMaxReadings(n int) Option { return func(g *Gate) { g.maxReadings = n } }

// WithClock overrides the receipt clock used for missing timestamps.
func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

// New returns a Gate forwarding to d.
func New(d Dispatcher, logger *slog.Logger, opts ...Option) *Gate {
	g := &Gate{
		dispatcher:  d,
		logger:      logger,
		maxReadings: DefaultMaxReadings,
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Ingest validates a raw report and dispatches it. source labels the
// transport the report arrived on. Malformed reports return an error
// matching ErrMalformed and are never dispatched.
func (g *Gate) Ingest(ctx context.Context, source string, raw []byte) (*model.Envelope, error) {
	return g.IngestForDevice(ctx, source, 0, raw)
}

// IngestForDevice is Ingest with a device id taken from the transport, such
// as the topic devices/42/readings. A payload naming another device is
// rejected.
func (g *Gate) IngestForDevice(ctx context.Context, source string, deviceID int64, raw []byte) (*model.Envelope, error) {
	env, err := parseEnvelope(raw, deviceID, g.now(), g.maxReadings)
	if err != nil {
		g.reject(ctx, source, deviceID, raw, err)
		return nil, err
	}
	g.accept(ctx, source, env)
	return env, nil
}

// IngestReadings ingests an already decoded report.
func (g *Gate) IngestReadings(ctx context.Context, source string, deviceID int64, recordedAt time.Time, readings []model.SensorReading) (*model.Envelope, error) {
	if recordedAt.IsZero() {
		recordedAt = g.now()
	}
	if g.maxReadings > 0 && len(readings) > g.maxReadings {
		err := malformed("batch exceeds reading limit", nil)
		g.reject(ctx, source, deviceID, nil, err)
		return nil, err
	}
	env, err := model.NewEnvelope(deviceID, recordedAt, readings)
	if err != nil {
		err = malformed("envelope", err)
		g.reject(ctx, source, deviceID, nil, err)
		return nil, err
	}
	g.accept(ctx, source, env)
	return env, nil
}

func (g *Gate) accept(ctx context.Context, source string, env *model.Envelope) {
	g.metrics.Ingested()

	if g.sink != nil {
		storeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := g.sink.InsertEnvelope(storeCtx, env); err != nil {
			g.logger.Error("failed to persist envelope", "device", env.DeviceID(), "error", err)
		}
		cancel()
	}

	n := g.dispatcher.Dispatch(env)
	g.logger.Debug("ingested envelope",
		"source", source,
		"device", env.DeviceID(),
		"readings", len(env.Readings()),
		"subscribers", n)
}

func (g *Gate) reject(ctx context.Context, source string, deviceID int64, raw []byte, cause error) {
	g.metrics.Rejected(source)
	g.logger.Warn("payload validation failed", "source", source, "device", deviceID, "error", cause)

	if g.recorder == nil {
		return
	}
	recCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	entry := model.IngestionError{
		DeviceID: deviceID,
		Source:   source,
		Payload:  truncate(string(raw), maxRecordedPayload),
		Error:    cause.Error(),
	}
	if err := g.recorder.InsertIngestionError(recCtx, entry); err != nil {
		g.logger.Error("failed to persist ingestion error", "error", err)
	}
}

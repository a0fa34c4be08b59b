package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"sensorhub/telemetry-broker/internal/assignment"
	"sensorhub/telemetry-broker/internal/config"
	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/dispatch"
	"sensorhub/telemetry-broker/internal/ingest"
	"sensorhub/telemetry-broker/internal/metrics"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/mqttbridge"
	"sensorhub/telemetry-broker/internal/mqttbroker"
	"sensorhub/telemetry-broker/internal/redisqueue"
	"sensorhub/telemetry-broker/internal/registry"
	"sensorhub/telemetry-broker/internal/serialsource"
	"sensorhub/telemetry-broker/internal/store"
	"sensorhub/telemetry-broker/internal/wspush"
)

// gatewayTopic carries reports that name their device in the body.
const gatewayTopic = "sensorhub/readings"

type assignmentValidator interface {
	Validate(ctx context.Context, userID, deviceID, areaID int64) error
}

// App wires together the broker services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	metrics    *metrics.Metrics
	store      *store.Store
	mux        *delivery.Mux
	dispatcher *dispatch.Dispatcher
	gate       *ingest.Gate
	broker     *mqttbroker.Broker
	ws         *wspush.Server
	queues     *redisqueue.Backend
	validator  assignmentValidator

	mdns    *zeroconf.Server
	closers []func()
	ready   atomic.Bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// setup builds every component without opening listeners.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	a.closers = append(a.closers, func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	})

	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	persisted, err := a.store.AppConfig(ctx)
	if err != nil {
		return err
	}
	a.cfg = applyOverrides(a.cfg, persisted, a.logger)

	a.metrics = metrics.New()
	a.mux = delivery.NewMux()

	a.broker = mqttbroker.New(a.logger, mqttbroker.WithWriteTimeout(a.cfg.AttemptTimeout))
	a.ws = wspush.NewServer(a.logger)
	a.mux.Register(mqttbroker.Transport, a.broker)
	a.mux.Register(wspush.Transport, a.ws)

	if a.cfg.RedisAddr != "" {
		client, err := redisqueue.Dial(ctx, a.cfg.RedisAddr)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = client.Close() })
		a.queues = redisqueue.New(
			redisqueue.NewRedisStore(client),
			a.logger,
			redisqueue.WithCapacity(int64(a.cfg.RedisQueueCap)),
			redisqueue.WithTTL(a.cfg.RedisQueueTTL),
		)
		a.mux.Register(redisqueue.Transport, a.queues)
		a.logger.Info("redis queue backend enabled", "addr", a.cfg.RedisAddr)
	}

	reg := registry.New()
	a.dispatcher = dispatch.New(
		dispatchConfig(a.cfg),
		reg,
		a.mux,
		a.logger,
		dispatch.WithMetrics(a.metrics),
		dispatch.WithObserver(dispatch.ObserverFunc(a.observeOutcome)),
	)
	a.metrics.RegisterSubscriberGauge(reg.Len)

	a.broker.SetSubscriptions(a.dispatcher)
	a.broker.SetPublishHandler(a.handleMQTTPublish)
	a.ws.SetSubscriptions(a.dispatcher)

	a.gate = ingest.New(
		a.dispatcher,
		a.logger,
		ingest.WithSink(a.store),
		ingest.WithRecorder(a.store),
		ingest.WithMetrics(a.metrics),
		ingest.WithMaxReadings(a.cfg.MaxReadings),
	)

	if a.cfg.PostgresURL != "" {
		pool, err := pgxpool.New(ctx, a.cfg.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		a.validator = assignment.NewValidator(
			assignment.NewPostgresDirectory(pool),
			assignment.NewPostgresPolicy(pool),
		)
		a.logger.Info("area assignment validation enabled")
	}

	return nil
}

func (a *App) teardown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Run starts all configured services and blocks until the context is cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	defer a.teardown()
	if err := a.setup(ctx); err != nil {
		return err
	}

	framing, err := serialsource.ParseFraming(a.cfg.SerialFraming)
	if err != nil {
		return err
	}

	brokerErrCh, err := a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
		Handler:           a.metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return listen(a.logger, "http", httpServer) })
	g.Go(func() error { return listen(a.logger, "metrics", metricsServer) })
	g.Go(func() error {
		for err := range brokerErrCh {
			if err != nil {
				return err
			}
		}
		return nil
	})

	if a.cfg.UpstreamBroker != "" {
		bridge := mqttbridge.New(mqttbridge.Config{
			Broker:   a.cfg.UpstreamBroker,
			Topic:    a.cfg.UpstreamTopic,
			ClientID: a.cfg.UpstreamClientID,
		}, a.gate, a.logger)
		g.Go(func() error { return bridge.Run(gctx) })
	}

	if a.cfg.SerialPort != "" {
		src := serialsource.New(serialsource.Config{
			Port:    a.cfg.SerialPort,
			Baud:    a.cfg.SerialBaud,
			Framing: framing,
		}, a.gate, a.logger)
		g.Go(func() error { return src.Run(gctx) })
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(mqttPort(a.broker.Addr())); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	a.ready.Store(true)

	g.Go(func() error {
		<-gctx.Done()
		a.ready.Store(false)
		a.stopMDNS()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http server shutdown: %w", err))
		}
		a.logger.Info("http server stopped")
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}

		a.ws.CloseAll()
		if err := a.broker.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.logger.Info("mqtt broker stopped")

		if err := a.dispatcher.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher close: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

func listen(logger *slog.Logger, name string, srv *http.Server) error {
	logger.Info(name+" server started", "addr", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}

func mqttPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func dispatchConfig(cfg config.Config) dispatch.Config {
	return dispatch.Config{
		AttemptTimeout: cfg.AttemptTimeout,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffBase:    cfg.BackoffBase,
		BackoffMax:     cfg.BackoffMax,
		Jitter:         cfg.BackoffJitter,
		QueueLimit:     cfg.QueueLimit,
		MaxInFlight:    int64(cfg.MaxInFlight),
	}
}

// Keys accepted by POST /api/config. Values take effect on the next start.
const (
	configMaxAttempts    = "max_attempts"
	configQueueLimit     = "queue_limit"
	configAttemptTimeout = "attempt_timeout"
	configMaxReadings    = "max_readings"
)

func applyOverrides(cfg config.Config, persisted map[string]string, logger *slog.Logger) config.Config {
	for key, value := range persisted {
		switch key {
		case configMaxAttempts, configQueueLimit, configMaxReadings:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				logger.Warn("ignoring persisted config", "key", key, "value", value)
				continue
			}
			switch key {
			case configMaxAttempts:
				cfg.MaxAttempts = n
			case configQueueLimit:
				cfg.QueueLimit = n
			case configMaxReadings:
				cfg.MaxReadings = n
			}
		case configAttemptTimeout:
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				logger.Warn("ignoring persisted config", "key", key, "value", value)
				continue
			}
			cfg.AttemptTimeout = d
		}
	}
	return cfg
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	var err error
	switch deviceID, ok := model.DeviceFromTopic(msg.Topic); {
	case ok:
		_, err = a.gate.IngestForDevice(ctx, mqttbroker.Transport, deviceID, msg.Payload)
	case msg.Topic == gatewayTopic:
		_, err = a.gate.Ingest(ctx, mqttbroker.Transport, msg.Payload)
	default:
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Debug("mqtt report rejected", "topic", msg.Topic, "client", msg.ClientID, "error", err)
	}
}

// observeOutcome persists abandoned deliveries as dead letters.
func (a *App) observeOutcome(o dispatch.Outcome) {
	if o.State != dispatch.StateAbandoned || a.store == nil {
		return
	}

	payload, err := o.Envelope.MarshalJSON()
	if err != nil {
		a.logger.Error("encode dead letter", "error", err)
		return
	}
	reason := "unknown"
	if o.Err != nil {
		reason = o.Err.Error()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = a.store.InsertDeadLetter(ctx, model.DeadLetter{
		DeviceID:   o.Envelope.DeviceID(),
		Subscriber: o.Handle.ID(),
		Transport:  o.Handle.Transport(),
		Attempts:   o.Attempts,
		Payload:    string(payload),
		Error:      reason,
	})
	if err != nil {
		a.logger.Error("failed to persist dead letter", "subscriber", o.Handle.ID(), "error", err)
	}
}

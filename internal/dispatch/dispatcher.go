// Package dispatch fans envelopes out to channel subscribers with
// per-subscriber ordering, retries and bounded queues.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/metrics"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/registry"
)

// Config tunes retries and backpressure.
type Config struct {
	// AttemptTimeout bounds a single Deliver call.
	AttemptTimeout time.Duration
	// MaxAttempts counts every attempt, the first one included.
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// Jitter is the backoff randomization factor in [0, 1).
	Jitter float64
	// QueueLimit bounds un-started deliveries per subscriber.
	QueueLimit int
	// MaxInFlight bounds concurrent Deliver calls across all subscribers.
	MaxInFlight int64
}

// DefaultConfig returns the recommended defaults.
func DefaultConfig() Config {
	return Config{
		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    5,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		Jitter:         0.2,
		QueueLimit:     64,
		MaxInFlight:    256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = def.AttemptTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		c.Jitter = def.Jitter
	}
	if c.QueueLimit <= 0 {
		c.QueueLimit = def.QueueLimit
	}
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = def.MaxInFlight
	}
	return c
}

func (c Config) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.BackoffBase
	b.Multiplier = 2
	b.RandomizationFactor = c.Jitter
	b.MaxInterval = c.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.MaxAttempts-1))
}

// Outcome describes how a job for one subscriber ended.
type Outcome struct {
	Envelope *model.Envelope
	Handle   registry.Handle
	State    State
	Path     []State
	Attempts int
	Err      error
}

// Observer receives every terminal outcome. It is called from lane
// goroutines and must not block for long.
type Observer interface {
	Observe(Outcome)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Outcome)

// Observe calls f.
func (f ObserverFunc) Observe(o Outcome) { f(o) }

type job struct {
	env *model.Envelope
	msg delivery.Message
}

type lane struct {
	handle registry.Handle
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	queue   []*job
	running bool
}

// Dispatcher delivers envelopes to the subscribers of their device channel.
type Dispatcher struct {
	cfg      Config
	registry *registry.Registry
	backend  delivery.Backend
	observer Observer
	logger   *slog.Logger
	metrics  *metrics.Metrics
	inFlight *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	lanes  map[string]*lane
	closed bool
}

// Option customizes a Dispatcher.
type Option func(*Dispatcher)

// WithObserver installs an outcome observer.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithMetrics records delivery metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New builds a Dispatcher over reg and backend.
func New(cfg Config, reg *registry.Registry, backend delivery.Backend, logger *slog.Logger, opts ...Option) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	cfg = cfg.withDefaults()
	d := &Dispatcher{
		cfg:      cfg,
		registry: reg,
		backend:  backend,
		observer: ObserverFunc(func(Outcome) {}),
		logger:   logger,
		inFlight: semaphore.NewWeighted(cfg.MaxInFlight),
		ctx:      ctx,
		cancel:   cancel,
		lanes:    make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the channel registry the dispatcher reads from.
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }

// Subscribe registers h on the device channel. Moving a handle to another
// channel cancels what was pending for the old one.
func (d *Dispatcher) Subscribe(deviceID int64, h registry.Handle) registry.Token {
	if prev, ok := d.registry.DeviceOf(h.ID()); ok && prev != deviceID {
		d.closeLane(h.ID())
	}
	return d.registry.Subscribe(deviceID, h)
}

// Unsubscribe removes a subscription and cancels its pending deliveries.
func (d *Dispatcher) Unsubscribe(token registry.Token) bool {
	_, h, ok := d.registry.Lookup(token)
	if !ok {
		return false
	}
	removed := d.registry.Unsubscribe(token)
	if removed {
		d.closeLane(h.ID())
	}
	return removed
}

// Detach drops a handle whose consumer disconnected. It is safe to call
// more than once.
func (d *Dispatcher) Detach(h registry.Handle) {
	if d.registry.UnsubscribeHandle(h.ID()) {
		d.logger.Debug("subscriber detached", "subscriber", h.ID(), "transport", h.Transport())
	}
	d.closeLane(h.ID())
}

// Dispatch enqueues env for every current subscriber of its device and
// returns the number of subscribers targeted. It never waits for delivery.
func (d *Dispatcher) Dispatch(env *model.Envelope) int {
	subs := d.registry.SubscribersOf(env.DeviceID())
	if len(subs) == 0 {
		return 0
	}

	payload, err := env.MarshalJSON()
	if err != nil {
		d.logger.Error("encode envelope", "device", env.DeviceID(), "error", err)
		return 0
	}
	j := &job{
		env: env,
		msg: delivery.Message{
			Event:   model.EventReadingReceived,
			Channel: env.Channel(),
			Payload: payload,
		},
	}

	n := 0
	for _, h := range subs {
		if d.enqueue(h, j) {
			n++
		}
	}
	return n
}

// QueueLen returns the un-started deliveries waiting for a subscriber.
func (d *Dispatcher) QueueLen(handleID string) int {
	d.mu.RLock()
	l, ok := d.lanes[handleID]
	d.mu.RUnlock()
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close cancels all lanes and waits for their workers to exit.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) laneFor(h registry.Handle) *lane {
	d.mu.RLock()
	l, ok := d.lanes[h.ID()]
	d.mu.RUnlock()
	if ok {
		return l
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	if l, ok = d.lanes[h.ID()]; ok {
		return l
	}
	ctx, cancel := context.WithCancel(d.ctx)
	l = &lane{handle: h, ctx: ctx, cancel: cancel}
	d.lanes[h.ID()] = l
	return l
}

func (d *Dispatcher) enqueue(h registry.Handle, j *job) bool {
	l := d.laneFor(h)
	if l == nil {
		return false
	}

	accepted, dropped, start := d.push(l, j)
	if !accepted {
		return false
	}

	if dropped != nil {
		d.logger.Warn("dropped delivery",
			"device", dropped.env.DeviceID(),
			"subscriber", h.ID(),
			"recorded_at", dropped.env.RecordedAtString(),
			"queue_limit", d.cfg.QueueLimit)
		d.metrics.Dropped()
		d.finish(l, dropped, path{StatePending, StateDropped}, 0, nil)
	} else {
		d.metrics.QueueDelta(1)
	}

	if start {
		go d.runLane(l)
	}
	return true
}

// push appends j to the lane, evicting the oldest un-started job when the
// queue is over its limit. The in-flight job is never in the queue.
func (d *Dispatcher) push(l *lane, j *job) (accepted bool, dropped *job, start bool) {
	// The read lock keeps wg.Add ordered before Close starts waiting.
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false, nil, false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, j)
	if len(l.queue) > d.cfg.QueueLimit {
		dropped = l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
	}
	if !l.running {
		l.running = true
		start = true
		d.wg.Add(1)
	}
	return true, dropped, start
}

func (d *Dispatcher) runLane(l *lane) {
	defer d.wg.Done()

	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			d.pruneLane(l)
			return
		}
		j := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		d.metrics.QueueDelta(-1)
		d.process(l, j)
	}
}

// process drives one job to a terminal state. Jobs on a lane run one at a
// time, so a subscriber never sees a later envelope before an earlier one
// completes or is abandoned.
func (d *Dispatcher) process(l *lane, j *job) {
	p := path{StatePending}
	attempts := 0

	if l.ctx.Err() != nil || !d.wants(l.handle, j.env) {
		p.to(StateCancelled)
		d.finish(l, j, p, attempts, context.Canceled)
		return
	}

	bo := d.cfg.newBackOff()
	var lastErr error

	for {
		if err := d.inFlight.Acquire(l.ctx, 1); err != nil {
			p.to(StateCancelled)
			d.finish(l, j, p, attempts, err)
			return
		}

		p.to(StateDelivering)
		attempts++
		started := time.Now()
		actx, cancel := context.WithTimeout(l.ctx, d.cfg.AttemptTimeout)
		err := d.backend.Deliver(actx, l.handle, j.msg)
		cancel()
		d.inFlight.Release(1)
		d.metrics.Attempt(time.Since(started))

		if err == nil {
			p.to(StateDelivered)
			d.finish(l, j, p, attempts, nil)
			return
		}
		if l.ctx.Err() != nil {
			p.to(StateCancelled)
			d.finish(l, j, p, attempts, err)
			return
		}

		lastErr = err
		p.to(StateFailed)
		d.logger.Debug("delivery attempt failed",
			"device", j.env.DeviceID(),
			"subscriber", l.handle.ID(),
			"attempt", attempts,
			"error", err)

		if errors.Is(err, delivery.ErrSubscriberGone) {
			p.to(StateCancelled)
			d.finish(l, j, p, attempts, err)
			d.Detach(l.handle)
			return
		}
		if delivery.Permanent(err) {
			p.to(StateAbandoned)
			d.finish(l, j, p, attempts, err)
			return
		}

		p.to(StateRetrying)
		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			p.to(StateAbandoned)
			d.finish(l, j, p, attempts, lastErr)
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.ctx.Done():
			timer.Stop()
			p.to(StateCancelled)
			d.finish(l, j, p, attempts, lastErr)
			return
		case <-timer.C:
		}

		if !d.wants(l.handle, j.env) {
			p.to(StateCancelled)
			d.finish(l, j, p, attempts, lastErr)
			return
		}
	}
}

// wants reports whether h is still subscribed to the channel env was
// dispatched on.
func (d *Dispatcher) wants(h registry.Handle, env *model.Envelope) bool {
	deviceID, ok := d.registry.DeviceOf(h.ID())
	return ok && deviceID == env.DeviceID()
}

func (d *Dispatcher) finish(l *lane, j *job, p path, attempts int, err error) {
	state := p.current()
	switch state {
	case StateDelivered:
		d.metrics.Outcome(metrics.OutcomeDelivered)
		d.logger.Debug("delivered",
			"device", j.env.DeviceID(),
			"subscriber", l.handle.ID(),
			"attempts", attempts)
	case StateAbandoned:
		d.metrics.Outcome(metrics.OutcomeAbandoned)
		d.logger.Warn("delivery abandoned",
			"device", j.env.DeviceID(),
			"subscriber", l.handle.ID(),
			"transport", l.handle.Transport(),
			"attempts", attempts,
			"error", err)
	case StateCancelled:
		d.metrics.Outcome(metrics.OutcomeCancelled)
	}

	d.observer.Observe(Outcome{
		Envelope: j.env,
		Handle:   l.handle,
		State:    state,
		Path:     []State(p),
		Attempts: attempts,
		Err:      err,
	})
}

func (d *Dispatcher) closeLane(handleID string) {
	d.mu.Lock()
	l, ok := d.lanes[handleID]
	if ok {
		delete(d.lanes, handleID)
	}
	d.mu.Unlock()

	if ok {
		l.cancel()
	}
}

// pruneLane forgets an idle lane whose handle is no longer subscribed.
func (d *Dispatcher) pruneLane(l *lane) {
	if d.registry.HandleSubscribed(l.handle.ID()) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.lanes[l.handle.ID()]; !ok || cur != l {
		return
	}
	l.mu.Lock()
	idle := !l.running && len(l.queue) == 0
	l.mu.Unlock()
	if idle {
		delete(d.lanes, l.handle.ID())
		l.cancel()
	}
}

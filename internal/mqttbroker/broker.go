// Package mqttbroker is a minimal MQTT 3.1.1 broker (QoS 0 only). Devices
// publish reports to it and consumers subscribe to device channels through it.
package mqttbroker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/registry"
)

// Transport is the registry transport name of MQTT subscription handles.
const Transport = "mqtt"

const defaultWriteTimeout = 5 * time.Second

// PublishMessage represents a QoS 0 publish received from a client.
type PublishMessage struct {
	ClientID string
	Topic    string
	Payload  []byte
}

// Handler is invoked for each received publish message.
type Handler func(context.Context, PublishMessage)

// Subscriptions receives the channel subscriptions made by MQTT clients.
// *dispatch.Dispatcher satisfies it.
type Subscriptions interface {
	Subscribe(deviceID int64, h registry.Handle) registry.Token
	Detach(h registry.Handle)
}

// Handle is one client's subscription to one device channel.
type Handle struct {
	id      string
	channel string
	s       *session
}

func (h *Handle) ID() string        { return h.id }
func (h *Handle) Transport() string { return Transport }
func (h *Handle) Channel() string   { return h.channel }
func (h *Handle) ClientID() string  { return h.s.clientID }

var errDisconnect = errors.New("client disconnected")

type session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	closed    atomic.Bool
	connected bool
	clientID  string

	mu     sync.Mutex
	topics map[string]*Handle // nil for topics that are not device channels
}

func newSession(conn net.Conn) *session {
	return &session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		topics: make(map[string]*Handle),
	}
}

// write sends one packet, honoring the ctx deadline. A partially written
// packet breaks framing, so the connection is closed in that case.
func (s *session) write(ctx context.Context, packet []byte) error {
	if s.closed.Load() {
		return net.ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
		defer s.conn.SetWriteDeadline(time.Time{})
	}
	n, err := s.conn.Write(packet)
	if err != nil && n > 0 {
		s.abort()
	}
	return err
}

// abort closes the connection without waiting for the peer.
func (s *session) abort() {
	s.closed.Store(true)
	_ = s.conn.Close()
}

func (s *session) subscribed(topic string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.topics[topic]
	return h, ok
}

// matches reports whether a plain-topic subscription covers topic.
func (s *session) matches(topic string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for filter, h := range s.topics {
		if h == nil && topicMatches(filter, topic) {
			return true
		}
	}
	return false
}

func (s *session) holds(h *Handle) bool {
	cur, ok := s.subscribed(h.channel)
	return ok && cur == h
}

func (s *session) drain() []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var handles []*Handle
	for topic, h := range s.topics {
		if h != nil {
			handles = append(handles, h)
		}
		delete(s.topics, topic)
	}
	return handles
}

// Broker accepts MQTT clients. Publishes on devices/<id>/readings are handed
// to the publish handler; subscriptions to devices.<id> become dispatcher
// handles delivered through Deliver.
type Broker struct {
	logger       *slog.Logger
	writeTimeout time.Duration
	handler      atomic.Value // stores Handler
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shuttingDown atomic.Bool

	mu       sync.Mutex
	listener net.Listener
	subs     Subscriptions

	clientsMu sync.RWMutex
	clients   map[*session]struct{}
}

// Option customises a Broker.
type Option func(*Broker)

// WithWriteTimeout bounds every packet the broker writes on its own behalf:
// acknowledgements and relayed publishes.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Broker) {
		if d > 0 {
			b.writeTimeout = d
		}
	}
}

// New constructs a broker with the supplied logger.
func New(logger *slog.Logger, opts ...Option) *Broker {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Broker{
		logger:       logger,
		writeTimeout: defaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		clients:      make(map[*session]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.handler.Store(Handler(func(context.Context, PublishMessage) {}))
	return b
}

// reply writes a broker-originated packet with the write timeout applied.
func (b *Broker) reply(s *session, packet []byte) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.writeTimeout)
	defer cancel()
	return s.write(ctx, packet)
}

// SetPublishHandler installs the function invoked for each received publish.
func (b *Broker) SetPublishHandler(h Handler) {
	if h == nil {
		h = func(context.Context, PublishMessage) {}
	}
	b.handler.Store(h)
}

// SetSubscriptions installs the sink for channel subscriptions. Without one,
// device channel subscriptions are acknowledged but never served.
func (b *Broker) SetSubscriptions(s Subscriptions) {
	b.mu.Lock()
	b.subs = s
	b.mu.Unlock()
}

func (b *Broker) subscriptions() Subscriptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.subs
}

// Start begins listening for MQTT clients on the provided bind address.
// The returned channel is closed once the accept loop terminates; fatal errors are sent on it.
func (b *Broker) Start(bind string) (<-chan error, error) {
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return nil, fmt.Errorf("mqtt listen: %w", err)
	}

	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()

	errCh := make(chan error, 1)
	b.logger.Info("mqtt broker listening", "addr", ln.Addr().String())

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer close(errCh)
		for {
			conn, err := ln.Accept()
			if err != nil {
				if b.shuttingDown.Load() {
					return
				}
				var ne net.Error
				if errors.As(err, &ne) && ne.Timeout() {
					b.logger.Warn("temporary accept error", "error", err)
					time.Sleep(50 * time.Millisecond)
					continue
				}
				errCh <- fmt.Errorf("mqtt accept: %w", err)
				return
			}

			s := newSession(conn)
			b.clientsMu.Lock()
			b.clients[s] = struct{}{}
			b.clientsMu.Unlock()
			if b.shuttingDown.Load() {
				s.abort()
			}

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.serve(s)
			}()
		}
	}()

	return errCh, nil
}

// Addr returns the listening address, or nil before Start.
func (b *Broker) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listener == nil {
		return nil
	}
	return b.listener.Addr()
}

// Stop closes the listener and every client connection, then waits for the
// connection goroutines to finish.
func (b *Broker) Stop() error {
	if !b.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	b.cancel()

	b.mu.Lock()
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	b.clientsMu.RLock()
	for s := range b.clients {
		s.abort()
	}
	b.clientsMu.RUnlock()

	b.wg.Wait()
	return nil
}

// Deliver publishes msg on the handle's channel topic.
func (b *Broker) Deliver(ctx context.Context, h registry.Handle, msg delivery.Message) error {
	mh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("%w: %T is not an mqtt handle", delivery.ErrUnknownTransport, h)
	}
	if mh.s.closed.Load() || !mh.s.holds(mh) {
		return delivery.ErrSubscriberGone
	}

	frame, err := msg.Frame()
	if err != nil {
		return err
	}
	packet, err := encodePublish(mh.channel, frame)
	if err != nil {
		return err
	}
	if err := mh.s.write(ctx, packet); err != nil {
		if mh.s.closed.Load() {
			return fmt.Errorf("%w: %v", delivery.ErrSubscriberGone, err)
		}
		return fmt.Errorf("write publish: %w", err)
	}
	return nil
}

func (b *Broker) serve(s *session) {
	defer b.disconnect(s)

	for {
		header, payload, err := readPacket(s.reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !s.closed.Load() {
				b.logger.Debug("read packet error", "client", s.clientID, "error", err)
			}
			return
		}
		if err := b.handlePacket(s, header, payload); err != nil {
			if !errors.Is(err, errDisconnect) {
				b.logger.Debug("closing mqtt client", "client", s.clientID, "error", err)
			}
			return
		}
	}
}

func (b *Broker) handlePacket(s *session, header byte, payload []byte) error {
	kind := header >> 4
	if !s.connected && kind != packetConnect {
		return fmt.Errorf("packet type %d before CONNECT", kind)
	}

	switch kind {
	case packetConnect:
		if s.connected {
			return errors.New("duplicate CONNECT")
		}
		req, err := parseConnect(payload)
		if err != nil {
			return err
		}
		s.clientID = req.clientID
		if s.clientID == "" {
			s.clientID = "anon-" + uuid.NewString()
		}
		s.connected = true
		return b.reply(s, connAck)
	case packetPublish:
		msg, err := parsePublish(header, payload)
		if err != nil {
			return err
		}
		msg.ClientID = s.clientID
		if h, ok := b.handler.Load().(Handler); ok {
			safeInvoke(h, b.ctx, msg, b.logger)
		}
		b.forward(msg, s)
		return nil
	case packetSubscribe:
		return b.handleSubscribe(s, payload)
	case packetUnsubscribe:
		return b.handleUnsubscribe(s, payload)
	case packetPingReq:
		return b.reply(s, pingResp)
	case packetDisconnect:
		return errDisconnect
	default:
		return fmt.Errorf("unsupported packet type %d", kind)
	}
}

func (b *Broker) handleSubscribe(s *session, payload []byte) error {
	id, topics, err := parseSubscribe(payload)
	if err != nil {
		return err
	}

	subs := b.subscriptions()
	for _, topic := range topics {
		deviceID, err := model.ParseChannelName(topic)
		if err != nil {
			s.mu.Lock()
			if _, ok := s.topics[topic]; !ok {
				s.topics[topic] = nil
			}
			s.mu.Unlock()
			continue
		}

		s.mu.Lock()
		h, ok := s.topics[topic]
		if !ok {
			h = &Handle{id: uuid.NewString(), channel: topic, s: s}
			s.topics[topic] = h
		}
		s.mu.Unlock()

		if subs != nil {
			subs.Subscribe(deviceID, h)
		}
		b.logger.Debug("mqtt channel subscription", "client", s.clientID, "channel", topic, "subscriber", h.id)
	}

	return b.reply(s, encodeSubAck(id, len(topics)))
}

func (b *Broker) handleUnsubscribe(s *session, payload []byte) error {
	id, topics, err := parseUnsubscribe(payload)
	if err != nil {
		return err
	}

	subs := b.subscriptions()
	for _, topic := range topics {
		s.mu.Lock()
		h := s.topics[topic]
		delete(s.topics, topic)
		s.mu.Unlock()

		if h != nil && subs != nil {
			subs.Detach(h)
		}
	}
	return b.reply(s, encodeUnsubAck(id))
}

func (b *Broker) disconnect(s *session) {
	s.abort()

	b.clientsMu.Lock()
	delete(b.clients, s)
	b.clientsMu.Unlock()

	handles := s.drain()
	if subs := b.subscriptions(); subs != nil {
		for _, h := range handles {
			subs.Detach(h)
		}
	}
	if s.connected {
		b.logger.Debug("mqtt client disconnected", "client", s.clientID, "channels", len(handles))
	}
}

// forward relays a raw publish to other clients whose topic filters match.
// Device channels are only served by the dispatcher. A relay subscriber that
// cannot take a packet within the write timeout is disconnected.
func (b *Broker) forward(msg PublishMessage, from *session) {
	if _, err := model.ParseChannelName(msg.Topic); err == nil {
		return
	}
	packet, err := encodePublish(msg.Topic, msg.Payload)
	if err != nil {
		return
	}

	b.clientsMu.RLock()
	targets := make([]*session, 0, len(b.clients))
	for s := range b.clients {
		if s != from && s.matches(msg.Topic) {
			targets = append(targets, s)
		}
	}
	b.clientsMu.RUnlock()

	for _, s := range targets {
		if err := b.reply(s, packet); err != nil {
			s.abort()
			b.logger.Debug("forward publish failed, dropping client", "client", s.clientID, "error", err)
		}
	}
}

// topicMatches applies MQTT filter wildcards: + matches one level, a trailing
// # matches any remainder.
func topicMatches(filter, topic string) bool {
	fl := strings.Split(filter, "/")
	tl := strings.Split(topic, "/")
	for i, f := range fl {
		if f == "#" {
			return i == len(fl)-1
		}
		if i >= len(tl) {
			return false
		}
		if f != "+" && f != tl[i] {
			return false
		}
	}
	return len(fl) == len(tl)
}

func safeInvoke(h Handler, ctx context.Context, msg PublishMessage, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("publish handler panic", "topic", msg.Topic, "panic", r)
		}
	}()
	h(ctx, msg)
}

// Package wspush pushes device channels to WebSocket clients.
//
// Clients send {"event":"subscribe","channel":"devices.42"} and
// {"event":"unsubscribe","channel":"devices.42"}; the server answers with
// "subscribed", "unsubscribed" or "error" frames and pushes every reading as
// {"event":"reading.received","channel":"devices.42","data":{...}}.
package wspush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"sensorhub/telemetry-broker/internal/delivery"
	"sensorhub/telemetry-broker/internal/model"
	"sensorhub/telemetry-broker/internal/registry"
)

// Transport is the registry transport name of WebSocket handles.
const Transport = "websocket"

const (
	defaultPingInterval = 30 * time.Second
	controlWriteWait    = 5 * time.Second
	maxClientFrame      = 4096
)

// Subscriptions receives the channel subscriptions made by clients.
type Subscriptions interface {
	Subscribe(deviceID int64, h registry.Handle) registry.Token
	Detach(h registry.Handle)
}

// Handle is one connection's subscription to one channel.
type Handle struct {
	id      string
	channel string
	c       *conn
}

func (h *Handle) ID() string        { return h.id }
func (h *Handle) Transport() string { return Transport }
func (h *Handle) Channel() string   { return h.channel }

type clientFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
}

type serverFrame struct {
	Event   string `json:"event"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
}

type conn struct {
	id      string
	ws      *websocket.Conn
	writeMu sync.Mutex
	closed  atomic.Bool

	mu       sync.Mutex
	channels map[string]*Handle
}

func (c *conn) writeFrame(ctx context.Context, data []byte) error {
	if c.closed.Load() {
		return websocket.ErrCloseSent
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(controlWriteWait)
	}
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) reply(f serverFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return c.writeFrame(context.Background(), data)
}

func (c *conn) holds(h *Handle) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[h.channel] == h
}

// Server is an http.Handler upgrading requests to WebSocket connections and
// a delivery backend for the handles those connections create.
type Server struct {
	logger       *slog.Logger
	upgrader     websocket.Upgrader
	pingInterval time.Duration

	mu    sync.Mutex
	subs  Subscriptions
	conns map[*conn]struct{}
}

// Option customizes a Server.
type Option func(*Server)

// WithPingInterval sets the keepalive ping period. Clients missing two pongs
// in a row are disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// WithCheckOrigin overrides the origin policy of the upgrader.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// NewServer constructs a websocket push server.
func NewServer(logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		logger:       logger,
		pingInterval: defaultPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		conns: make(map[*conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetSubscriptions installs the sink for channel subscriptions.
func (s *Server) SetSubscriptions(subs Subscriptions) {
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()
}

func (s *Server) subscriptions() Subscriptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs
}

// Connections returns the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ServeHTTP upgrades the request and serves subscribe and unsubscribe
// frames until the client goes away.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws, channels: make(map[string]*Handle)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	s.logger.Debug("websocket connected", "conn", c.id, "remote", r.RemoteAddr)

	done := make(chan struct{})
	go s.keepalive(c, done)

	s.readLoop(c)
	close(done)
	s.release(c)
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(maxClientFrame)
	pongWait := 2 * s.pingInterval
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f clientFrame
		if err := c.ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
				if err := c.reply(serverFrame{Event: "error", Message: "invalid frame"}); err != nil {
					return
				}
				continue
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		if err := s.handleFrame(c, f); err != nil {
			s.logger.Debug("websocket reply failed", "conn", c.id, "error", err)
			return
		}
	}
}

func (s *Server) handleFrame(c *conn, f clientFrame) error {
	switch f.Event {
	case "subscribe":
		deviceID, err := model.ParseChannelName(f.Channel)
		if err != nil {
			return c.reply(serverFrame{Event: "error", Channel: f.Channel, Message: err.Error()})
		}
		c.mu.Lock()
		h, ok := c.channels[f.Channel]
		if !ok {
			h = &Handle{id: uuid.NewString(), channel: f.Channel, c: c}
			c.channels[f.Channel] = h
		}
		c.mu.Unlock()
		if subs := s.subscriptions(); subs != nil {
			subs.Subscribe(deviceID, h)
		}
		return c.reply(serverFrame{Event: "subscribed", Channel: f.Channel})
	case "unsubscribe":
		c.mu.Lock()
		h := c.channels[f.Channel]
		delete(c.channels, f.Channel)
		c.mu.Unlock()
		if h != nil {
			if subs := s.subscriptions(); subs != nil {
				subs.Detach(h)
			}
		}
		return c.reply(serverFrame{Event: "unsubscribed", Channel: f.Channel})
	case "ping":
		return c.reply(serverFrame{Event: "pong"})
	default:
		return c.reply(serverFrame{Event: "error", Message: fmt.Sprintf("unknown event %q", f.Event)})
	}
}

func (s *Server) keepalive(c *conn, done <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(controlWriteWait)); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}

func (s *Server) release(c *conn) {
	c.closed.Store(true)
	_ = c.ws.Close()

	s.mu.Lock()
	delete(s.conns, c)
	subs := s.subs
	s.mu.Unlock()

	c.mu.Lock()
	handles := make([]*Handle, 0, len(c.channels))
	for _, h := range c.channels {
		handles = append(handles, h)
	}
	c.channels = make(map[string]*Handle)
	c.mu.Unlock()

	if subs != nil {
		for _, h := range handles {
			subs.Detach(h)
		}
	}
	s.logger.Debug("websocket disconnected", "conn", c.id, "channels", len(handles))
}

// Deliver pushes msg to the connection behind h.
func (s *Server) Deliver(ctx context.Context, h registry.Handle, msg delivery.Message) error {
	wh, ok := h.(*Handle)
	if !ok {
		return fmt.Errorf("%w: %T is not a websocket handle", delivery.ErrUnknownTransport, h)
	}
	if wh.c.closed.Load() || !wh.c.holds(wh) {
		return delivery.ErrSubscriberGone
	}
	data, err := msg.Frame()
	if err != nil {
		return err
	}
	if err := wh.c.writeFrame(ctx, data); err != nil {
		if wh.c.closed.Load() || errors.Is(err, websocket.ErrCloseSent) {
			return fmt.Errorf("%w: %v", delivery.ErrSubscriberGone, err)
		}
		// a failed write leaves the connection unusable
		_ = wh.c.ws.Close()
		return fmt.Errorf("write websocket frame: %w", err)
	}
	return nil
}

// CloseAll sends a going-away close frame to every client.
func (s *Server) CloseAll() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.ws.Close()
	}
}

// Package delivery defines the transport contract used by the dispatcher.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"sensorhub/telemetry-broker/internal/registry"
)

var (
	// ErrSubscriberGone reports that the consumer behind a handle disconnected.
	// The dispatcher treats it as an implicit unsubscribe.
	ErrSubscriberGone = errors.New("subscriber gone")

	// ErrUnknownTransport is returned by Mux for handles it cannot route.
	ErrUnknownTransport = errors.New("unknown transport")
)

// Message is one event pushed to one subscriber.
type Message struct {
	Event   string
	Channel string
	Payload json.RawMessage
}

type frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Frame encodes the message in the transport-neutral push format.
func (m Message) Frame() ([]byte, error) {
	b, err := json.Marshal(frame{Event: m.Event, Channel: m.Channel, Data: m.Payload})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return b, nil
}

// Backend delivers a message to a single subscriber. Implementations must
// return exactly one outcome per call and honor ctx cancellation.
type Backend interface {
	Deliver(ctx context.Context, h registry.Handle, msg Message) error
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, h registry.Handle, msg Message) error

// Deliver calls f.
func (f BackendFunc) Deliver(ctx context.Context, h registry.Handle, msg Message) error {
	return f(ctx, h, msg)
}

// DetachFunc is called by a transport when the consumer behind a handle
// disconnects.
type DetachFunc func(h registry.Handle)

// Mux routes deliveries to the backend registered for a handle's transport.
type Mux struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewMux returns an empty Mux.
func NewMux() *Mux {
	return &Mux{backends: make(map[string]Backend)}
}

// Register installs b for transport, replacing any previous backend.
func (m *Mux) Register(transport string, b Backend) {
	m.mu.Lock()
	m.backends[transport] = b
	m.mu.Unlock()
}

// Transports lists the registered transport names.
func (m *Mux) Transports() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.backends))
	for name := range m.backends {
		out = append(out, name)
	}
	return out
}

// Deliver implements Backend.
func (m *Mux) Deliver(ctx context.Context, h registry.Handle, msg Message) error {
	m.mu.RLock()
	b, ok := m.backends[h.Transport()]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTransport, h.Transport())
	}
	return b.Deliver(ctx, h, msg)
}

// Permanent reports whether err should not be retried.
func Permanent(err error) bool {
	return errors.Is(err, ErrSubscriberGone) || errors.Is(err, ErrUnknownTransport)
}

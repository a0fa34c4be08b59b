// Package registry maps device channels to their current subscribers.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Handle is an opaque capability to deliver to one consumer.
type Handle interface {
	// ID is unique across all transports.
	ID() string
	// Transport names the delivery backend able to reach the handle.
	Transport() string
}

// Token identifies one subscription.
type Token string

// ChannelInfo summarizes a live channel.
type ChannelInfo struct {
	DeviceID    int64 `json:"device_id"`
	Subscribers int   `json:"subscribers"`
}

type entry struct {
	token    Token
	deviceID int64
	handle   Handle
}

// Registry is safe for concurrent use; callers never lock.
type Registry struct {
	mu       sync.RWMutex
	channels map[int64]map[string]*entry
	byHandle map[string]*entry
	byToken  map[Token]*entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		channels: make(map[int64]map[string]*entry),
		byHandle: make(map[string]*entry),
		byToken:  make(map[Token]*entry),
	}
}

// Subscribe registers handle on the channel of deviceID. Subscribing a handle
// that is already on that channel returns its existing token. A handle
// subscribed elsewhere is moved, since it belongs to one channel at a time.
func (r *Registry) Subscribe(deviceID int64, h Handle) Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.byHandle[h.ID()]; ok {
		if existing.deviceID == deviceID {
			return existing.token
		}
		r.removeLocked(existing)
	}

	e := &entry{
		token:    Token(uuid.NewString()),
		deviceID: deviceID,
		handle:   h,
	}

	subs, ok := r.channels[deviceID]
	if !ok {
		subs = make(map[string]*entry)
		r.channels[deviceID] = subs
	}
	subs[h.ID()] = e
	r.byHandle[h.ID()] = e
	r.byToken[e.token] = e
	return e.token
}

// Unsubscribe removes the subscription behind token. It reports whether
// anything was removed; unknown or already removed tokens are a no-op.
func (r *Registry) Unsubscribe(token Token) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byToken[token]
	if !ok {
		return false
	}
	r.removeLocked(e)
	return true
}

// UnsubscribeHandle removes a handle regardless of its token.
func (r *Registry) UnsubscribeHandle(handleID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byHandle[handleID]
	if !ok {
		return false
	}
	r.removeLocked(e)
	return true
}

func (r *Registry) removeLocked(e *entry) {
	delete(r.byToken, e.token)
	delete(r.byHandle, e.handle.ID())
	if subs, ok := r.channels[e.deviceID]; ok {
		delete(subs, e.handle.ID())
		if len(subs) == 0 {
			delete(r.channels, e.deviceID)
		}
	}
}

// SubscribersOf returns a snapshot of the handles on a device channel.
// Later registry mutations do not affect the returned slice.
func (r *Registry) SubscribersOf(deviceID int64) []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.channels[deviceID]
	out := make([]Handle, 0, len(subs))
	for _, e := range subs {
		out = append(out, e.handle)
	}
	return out
}

// Subscribed reports whether token is still registered.
func (r *Registry) Subscribed(token Token) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byToken[token]
	return ok
}

// HandleSubscribed reports whether the handle is on any channel.
func (r *Registry) HandleSubscribed(handleID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byHandle[handleID]
	return ok
}

// DeviceOf returns the device channel a handle is currently on.
func (r *Registry) DeviceOf(handleID string) (int64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byHandle[handleID]
	if !ok {
		return 0, false
	}
	return e.deviceID, true
}

// Lookup returns the device and handle behind a token.
func (r *Registry) Lookup(token Token) (int64, Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byToken[token]
	if !ok {
		return 0, nil, false
	}
	return e.deviceID, e.handle, true
}

// Channels lists live channels ordered by device id.
func (r *Registry) Channels() []ChannelInfo {
	r.mu.RLock()
	out := make([]ChannelInfo, 0, len(r.channels))
	for id, subs := range r.channels {
		out = append(out, ChannelInfo{DeviceID: id, Subscribers: len(subs)})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Len returns the total number of subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

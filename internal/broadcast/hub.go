// Package broadcast pushes periodic metrics snapshots to real-time
// subscribers. The subscriber set changes independently of the tick; a
// subscriber that fails is dropped without affecting the others.
package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/KDT-PWA-Class-One-Group/kdt-pwa-healthcheck-application/internal/log"
)

var (
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrSubscriberSlow   = errors.New("subscriber send queue full")
)

// Subscriber receives broadcast messages. Send must not block.
type Subscriber interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

// Stats receives hub and tick observations. *metrics.Registry satisfies it.
type Stats interface {
	SetSubscribers(n int)
	AddMessagesDelivered(n int)
	IncTick()
	IncTickFailure(stage string)
}

type nopStats struct{}

func (nopStats) SetSubscribers(int)       {}
func (nopStats) AddMessagesDelivered(int) {}
func (nopStats) IncTick()                 {}
func (nopStats) IncTickFailure(string)    {}

type Hub struct {
	mu       sync.RWMutex
	subs     map[string]Subscriber
	last     []byte
	logger   log.Logger
	stats    Stats
	upgrader websocket.Upgrader
	queue    int
}

type HubOption func(*Hub)

func WithHubLogger(l log.Logger) HubOption { return func(h *Hub) { h.logger = l } }
func WithStats(s Stats) HubOption          { return func(h *Hub) { h.stats = s } }

// WithQueueSize bounds each websocket subscriber's pending messages.
// Values below 1 keep the default.
func WithQueueSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.queue = n
		}
	}
}

// NewHub returns an empty hub. Browser origins in allowedOrigins, plus any
// localhost origin, may open the real-time channel; requests without an
// Origin header are non-browser clients and are accepted.
func NewHub(allowedOrigins []string, opts ...HubOption) *Hub {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	h := &Hub{
		subs:   make(map[string]Subscriber),
		logger: log.Nop(),
		stats:  nopStats{},
		queue:  16,
	}
	for _, o := range opts {
		o(h)
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowed[origin] {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			host := u.Hostname()
			return host == "localhost" || host == "127.0.0.1" || host == "::1"
		},
	}
	return h
}

func newID() string { return uuid.NewString() }

// Register adds s and, if a broadcast already happened, sends it the most
// recent message so new dashboards do not wait a full tick.
func (h *Hub) Register(s Subscriber) {
	h.mu.Lock()
	h.subs[s.ID()] = s
	n := len(h.subs)
	last := h.last
	h.mu.Unlock()

	h.stats.SetSubscribers(n)
	h.logger.Debug(context.Background(), "subscriber registered", "subscriber", s.ID(), "subscribers", n)
	if last != nil {
		if err := s.Send(last); err != nil {
			h.drop(context.Background(), s, err)
		}
	}
}

// Unregister removes and closes the subscriber with id, if present.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	s, ok := h.subs[id]
	delete(h.subs, id)
	n := len(h.subs)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = s.Close()
	h.stats.SetSubscribers(n)
	h.logger.Debug(context.Background(), "subscriber unregistered", "subscriber", id, "subscribers", n)
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Broadcast sends msg to every current subscriber and returns how many
// accepted it. Subscribers that fail are removed.
func (h *Hub) Broadcast(ctx context.Context, msg []byte) int {
	h.mu.Lock()
	h.last = msg
	targets := make([]Subscriber, 0, len(h.subs))
	for _, s := range h.subs {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	delivered := 0
	for _, s := range targets {
		if err := safeSend(s, msg); err != nil {
			h.drop(ctx, s, err)
			continue
		}
		delivered++
	}
	h.stats.AddMessagesDelivered(delivered)
	return delivered
}

func safeSend(s Subscriber, msg []byte) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("subscriber send panicked: %v", rec)
		}
	}()
	return s.Send(msg)
}

func (h *Hub) drop(ctx context.Context, s Subscriber, cause error) {
	h.logger.Warn(ctx, "dropping subscriber", "subscriber", s.ID(), "reason", cause.Error())
	h.stats.IncTickFailure("send")
	h.Unregister(s.ID())
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]Subscriber)
	h.mu.Unlock()
	for _, s := range subs {
		_ = s.Close()
	}
	h.stats.SetSubscribers(0)
}

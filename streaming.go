package trialscope

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// StreamConfig configures the WebSocket findings stream.
type StreamConfig struct {
	// Enabled turns on WebSocket streaming
	Enabled bool
	// BufferSize is the channel buffer size per subscription
	BufferSize int
	// WriteTimeout for WebSocket writes
	WriteTimeout time.Duration
}

// DefaultStreamConfig returns default streaming configuration.
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		Enabled:      true,
		BufferSize:   256,
		WriteTimeout: 10 * time.Second,
	}
}

// StreamEventType identifies what a stream event carries.
type StreamEventType string

const (
	// EventTierTransition is emitted when a subject or site changes risk tier.
	EventTierTransition StreamEventType = "tier_transition"
	// EventSystemicCause is emitted when a root cause is flagged systemic.
	EventSystemicCause StreamEventType = "systemic_cause"
)

// StreamEvent is one message on the findings stream.
type StreamEvent struct {
	Type       StreamEventType `json:"type"`
	StudyID    string          `json:"study_id"`
	Transition *TierTransition `json:"transition,omitempty"`
	Finding    *CauseFinding   `json:"finding,omitempty"`
	EmittedAt  time.Time       `json:"emitted_at"`
}

// StreamSubscription is an active findings stream subscription.
type StreamSubscription struct {
	ID      string
	StudyID string // empty subscribes to all studies
	ch      chan StreamEvent
	done    chan struct{}
	closed  bool
	mu      sync.Mutex
	created time.Time
}

// C returns the channel for receiving events.
func (s *StreamSubscription) C() <-chan StreamEvent {
	return s.ch
}

// Close closes the subscription.
func (s *StreamSubscription) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// StreamHub fans findings events out to WebSocket clients and in-process
// subscribers. Slow subscribers drop events rather than block recomputation.
type StreamHub struct {
	config StreamConfig
	mu     sync.RWMutex
	subs   map[string]*StreamSubscription
	nextID int

	dropped int64
	sent    int64
}

// NewStreamHub creates a new stream hub.
func NewStreamHub(config StreamConfig) *StreamHub {
	return &StreamHub{
		config: config,
		subs:   make(map[string]*StreamSubscription),
	}
}

// Subscribe registers a subscriber. studyID filters events to one study;
// empty receives everything.
func (h *StreamHub) Subscribe(studyID string) *StreamSubscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	sub := &StreamSubscription{
		ID:      fmt.Sprintf("sub-%d", h.nextID),
		StudyID: studyID,
		ch:      make(chan StreamEvent, h.config.BufferSize),
		done:    make(chan struct{}),
		created: time.Now(),
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *StreamHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()
	if ok {
		sub.Close()
	}
}

// Publish delivers an event to matching subscribers.
func (h *StreamHub) Publish(ev StreamEvent) {
	if !h.config.Enabled {
		return
	}
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if sub.StudyID != "" && sub.StudyID != ev.StudyID {
			continue
		}
		select {
		case sub.ch <- ev:
			h.sent++
		default:
			h.dropped++
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *StreamHub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns the count of events dropped on full subscriber buffers.
func (h *StreamHub) Dropped() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeWS upgrades an HTTP request and forwards stream events until the
// client disconnects.
func (h *StreamHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.config.Enabled {
		http.Error(w, "streaming disabled", http.StatusNotFound)
		return
	}

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sub := h.Subscribe(r.URL.Query().Get("study"))
	defer h.Unsubscribe(sub.ID)

	// Reader goroutine: detect client close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				sub.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.ch:
			msg, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

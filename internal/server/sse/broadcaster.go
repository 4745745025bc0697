// Package sse streams coordinator lifecycle events to clients over
// Server-Sent Events.
package sse

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

// writeTimeout bounds a single write so one stale connection cannot stall
// a broadcast.
const writeTimeout = 2 * time.Second

// Event is one coordinator lifecycle notification.
type Event struct {
	Type      string    `json:"type"`
	Directory string    `json:"directory,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	At        time.Time `json:"at"`
}

// Event types published by the coordinator.
const (
	EventProjectSwitched = "project.switched"
	EventProjectClosed   = "project.closed"
	EventProjectEvicted  = "project.evicted"
	EventSessionCreated  = "session.created"
	EventSessionDeleted  = "session.deleted"
	EventSessionSwitched = "session.switched"
	EventChatCompleted   = "chat.completed"
)

type subscriber struct {
	id      int
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
}

// Broadcaster fans coordinator events out to every connected subscriber.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]*subscriber)}
}

// SubscriberCount returns the number of connected subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish sends the event to every subscriber. Writes that fail or exceed
// writeTimeout drop the subscriber.
func (b *Broadcaster) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		log.Error().Err(err).Str("type", ev.Type).Msg("Event marshal failed")
		return
	}
	frame := fmt.Sprintf("data: %s\n\n", payload)

	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if !b.write(s, frame) {
			b.drop(s.id)
		}
	}
}

func (b *Broadcaster) write(s *subscriber, frame string) bool {
	select {
	case <-s.done:
		return true
	default:
	}

	result := make(chan bool, 1)
	go func() {
		if _, err := s.writer.Write([]byte(frame)); err != nil {
			result <- false
			return
		}
		s.flusher.Flush()
		result <- true
	}()

	select {
	case ok := <-result:
		return ok
	case <-time.After(writeTimeout):
		log.Warn().Int("subscriber", s.id).Msg("Event write timed out")
		return false
	case <-s.done:
		return true
	}
}

func (b *Broadcaster) drop(id int) {
	b.mu.Lock()
	s, ok := b.subs[id]
	if ok {
		delete(b.subs, id)
	}
	b.mu.Unlock()

	if ok {
		select {
		case <-s.done:
		default:
			close(s.done)
		}
		log.Debug().Int("subscriber", id).Msg("Event subscriber dropped")
	}
}

// ServeHTTP subscribes the caller to the event stream and blocks until the
// connection closes.
func (b *Broadcaster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	b.mu.Lock()
	b.nextID++
	s := &subscriber{
		id:      b.nextID,
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	log.Debug().Int("subscriber", s.id).Msg("Event subscriber connected")

	fmt.Fprintf(w, "data: {\"type\":\"connected\"}\n\n")
	flusher.Flush()

	select {
	case <-r.Context().Done():
	case <-s.done:
	}
	b.drop(s.id)
}

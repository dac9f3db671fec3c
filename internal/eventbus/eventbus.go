// Package eventbus is a topic-based in-process publish/subscribe bus used
// by the status writer and the lifecycle manager to broadcast change events
// to external subscribers (spec.md §4.10). Delivery is best-effort and
// fire-and-forget: an event for a subscriber whose buffer is full is
// dropped for that subscriber, which is never blocked on, and the
// bus must never panic or error back into a publishing write.
//
// Grounded on the teacher's internal/sse.Hub (per-subscriber buffered
// channel, drop-when-full), generalized from a single "channel" concept to
// named topics so the status writer and lifecycle manager can both publish
// without depending on an HTTP/SSE layer.
package eventbus

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pipeforge/pipeforge/internal/pipelog"
)

// Event is anything published on a topic. Concrete shapes are defined by
// callers (spec.md §6): StateChange, TaskUpdated, LifecycleBlock, SeedUploaded.
type Event any

const subscriberBuffer = 32

// Subscription is a handle returned by Subscribe; call Unsubscribe to stop
// receiving and release the channel.
type Subscription struct {
	ID   uuid.UUID
	C    <-chan Event
	bus  *Bus
	topic string
}

// Unsubscribe removes this subscription from its topic and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s.topic, s.ID)
}

// Bus is a topic-keyed multi-subscriber fan-out.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]map[uuid.UUID]chan Event
	log  *pipelog.Logger
}

// New constructs an empty Bus. log may be nil, in which case drops are silent.
func New(log *pipelog.Logger) *Bus {
	if log != nil {
		log = log.With("component", "eventbus")
	}
	return &Bus{
		subs: make(map[string]map[uuid.UUID]chan Event),
		log:  log,
	}
}

// Subscribe registers a new listener on topic and returns a Subscription
// whose channel receives every event Published on that topic from this
// point forward, in publication order.
func (b *Bus) Subscribe(topic string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.New()
	ch := make(chan Event, subscriberBuffer)
	m, ok := b.subs[topic]
	if !ok {
		m = make(map[uuid.UUID]chan Event)
		b.subs[topic] = m
	}
	m[id] = ch
	return &Subscription{ID: id, C: ch, bus: b, topic: topic}
}

func (b *Bus) unsubscribe(topic string, id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.subs[topic]
	if !ok {
		return
	}
	if ch, ok := m[id]; ok {
		delete(m, id)
		close(ch)
	}
	if len(m) == 0 {
		delete(b.subs, topic)
	}
}

// Publish fans ev out to every subscriber of topic. A subscriber whose
// buffer is full is skipped rather than blocked on — this method must
// never stall or panic back into the caller's write path.
func (b *Bus) Publish(topic string, ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs[topic] {
		select {
		case ch <- ev:
		default:
			if b.log != nil {
				b.log.Warn("dropping event; subscriber buffer full", "topic", topic, "subscriber", id)
			}
		}
	}
}

// Topic names used by the core (spec.md §6).
const (
	TopicStateChange    = "state:change"
	TopicTaskUpdated    = "task:updated"
	TopicLifecycleBlock = "lifecycle_block"
	TopicSeedUploaded   = "seed:uploaded"
)

// StateChange is published after every successful status-document commit.
type StateChange struct {
	JobID     string `json:"jobId"`
	Path      string `json:"path"`
	Timestamp string `json:"timestamp"`
}

// TaskUpdated is published whenever a task record is created or updated.
type TaskUpdated struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
	Task   any    `json:"task"`
}

// LifecycleBlock is published when a lifecycle policy decision rejects a
// requested transition.
type LifecycleBlock struct {
	JobID  string `json:"jobId"`
	TaskID string `json:"taskId"`
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

// SeedUploaded is published when a new seed is promoted out of pending.
type SeedUploaded struct {
	Name string `json:"name"`
}

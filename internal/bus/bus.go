// Package bus implements the per-project broadcast channel that fans
// out normalized events and message updates to live subscribers.
package bus

import (
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/codedeck/agentd/internal/event"
	"github.com/codedeck/agentd/internal/store"
)

type UpdateType string

const (
	UpdateEvent   UpdateType = "event"
	UpdateMessage UpdateType = "message"
)

// Update is what subscribers receive: either a canonical event or a
// message snapshot. Final is false for streaming snapshots of a buffer
// that is still open.
type Update struct {
	Type    UpdateType     `json:"type"`
	Event   *event.Event   `json:"event,omitempty"`
	Message *store.Message `json:"message,omitempty"`
	Final   bool           `json:"final"`
}

// Subscriber holds one live channel watching a project. It carries no
// state beyond routing; reconnecting clients replay history from the
// message store, not from here.
type Subscriber struct {
	id        string
	projectID string
	ch        chan Update
	bus       *Bus
	closeOnce sync.Once
}

func (s *Subscriber) Updates() <-chan Update {
	return s.ch
}

func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		// Removing and closing under the bus write lock means no
		// Publish (which sends under the read lock) can race the close.
		s.bus.mu.Lock()
		s.bus.removeLocked(s)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	queueSize int
	dropped   func() // optional hooks, used for metrics
	published func()
}

func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		subs:      make(map[string]map[*Subscriber]struct{}),
		queueSize: queueSize,
	}
}

// SetDropHook registers a callback invoked each time an update is
// dropped because a subscriber queue was full.
func (b *Bus) SetDropHook(hook func()) {
	b.dropped = hook
}

// SetPublishHook registers a callback invoked on every Publish.
func (b *Bus) SetPublishHook(hook func()) {
	b.published = hook
}

func (b *Bus) Subscribe(projectID string) *Subscriber {
	sub := &Subscriber{
		id:        uuid.New().String(),
		projectID: projectID,
		ch:        make(chan Update, b.queueSize),
		bus:       b,
	}
	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[*Subscriber]struct{})
	}
	b.subs[projectID][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

func (b *Bus) removeLocked(sub *Subscriber) {
	if set, ok := b.subs[sub.projectID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.projectID)
		}
	}
}

// Publish fans out an update to every subscriber of the project. It
// never blocks on a slow subscriber: when a queue is full the oldest
// queued update is dropped to make room, so the agent process is never
// stalled by a stuck reader.
func (b *Bus) Publish(projectID string, update Update) {
	if b.published != nil {
		b.published()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subs[projectID] {
		select {
		case sub.ch <- update:
			continue
		default:
		}
		// Queue full: drop the oldest entry, then retry once.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- update:
		default:
		}
		if b.dropped != nil {
			b.dropped()
		}
		log.Printf("[bus] subscriber %s queue full for project %s, dropped oldest", sub.id, projectID)
	}
}

// SubscriberCount reports the number of live subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[projectID])
}

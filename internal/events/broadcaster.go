package events

import (
	"log"
	"sync"
	"time"
)

// Event types pushed to viewers
const (
	TypeVPNStatus         = "vpn_status"
	TypeDownloadQueued    = "download_queued"
	TypeDownloadStarted   = "download_started"
	TypeDownloadProgress  = "download_progress"
	TypeDownloadCompleted = "download_completed"
	TypeDownloadFailed    = "download_failed"
	TypeDownloadCancelled = "download_cancelled"
	TypeDownloadDeleted   = "download_deleted"
)

const DefaultBuffer = 256

type Event struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
	Time time.Time   `json:"time"`
}

// Publisher is implemented by anything that accepts events for fan-out
type Publisher interface {
	Publish(e Event)
}

// Subscriber is one connected viewer
type Subscriber struct {
	id uint64
	ch chan Event
}

// Events is closed when the subscriber is removed, either by Unsubscribe
// or because it fell too far behind.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// Broadcaster fans events out to every current subscriber.
// Publish never blocks: a subscriber whose buffer is full is dropped.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscriber
	nextID uint64
	buffer int
}

func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Broadcaster{
		subs:   make(map[uint64]*Subscriber),
		buffer: buffer,
	}
}

// Subscribe registers a viewer. Only events published afterwards are delivered.
func (b *Broadcaster) Subscribe() *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscriber{id: b.nextID, ch: make(chan Event, b.buffer)}
	b.subs[s.id] = s
	return s
}

// Unsubscribe is safe to call more than once
func (b *Broadcaster) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		close(s.ch)
	}
}

func (b *Broadcaster) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			delete(b.subs, id)
			close(s.ch)
			log.Printf("[Events] Dropped slow subscriber %d", id)
		}
	}
}

// Count returns the number of live subscribers
func (b *Broadcaster) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

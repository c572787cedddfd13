// Package events is a process-local publish/subscribe bus for the typed
// progress and completion events the sync engine, analysis coordinator,
// batch orchestrator and AI collaborator emit. Delivery is at-most-once,
// fire-and-forget; a slow subscriber drops its oldest queued event rather
// than blocking a publisher.
package events

import (
	"sync"
	"time"
)

// Topic names one of the eight typed events the core emits.
type Topic string

const (
	SyncUpdate         Topic = "sync_update"
	SyncCompleted      Topic = "sync_completed"
	AnalysisUpdate     Topic = "analysis_update"
	AnalysisCompleted  Topic = "analysis_completed"
	BatchUpdate        Topic = "batch_update"
	BatchCompleted     Topic = "batch_completed"
	AiJobUpdate        Topic = "ai_job_update"
	AiJobCompleted     Topic = "ai_job_completed"
)

// DefaultQueueSize bounds how many undelivered events a single subscriber
// holds before the oldest is dropped.
const DefaultQueueSize = 1000

// Event is one published message. Seq is monotonically increasing per topic,
// independent of OperationID, so a subscriber can detect gaps caused by a
// dropped event.
type Event struct {
	Topic       Topic
	OperationID string
	Seq         uint64
	Payload     any
	PublishedAt time.Time
}

// Bus is a process-local pub/sub hub. The zero value is not usable; use New.
type Bus struct {
	mu          sync.Mutex
	seqByTopic  map[Topic]uint64
	subscribers map[*Subscription]struct{}
	now         func() time.Time
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		seqByTopic:  make(map[Topic]uint64),
		subscribers: make(map[*Subscription]struct{}),
		now:         time.Now,
	}
}

// Subscription is a single subscriber's bounded inbox. Callers read from C
// and must call Close when done to stop receiving and release the slot in
// the Bus's subscriber set.
type Subscription struct {
	C  <-chan Event
	c  chan Event
	bus *Bus

	mu         sync.Mutex
	operationID string // empty means no filter, receive everything on topics
	closed     bool
}

// Subscribe registers a new Subscription. If operationID is non-empty, only
// events carrying that OperationID are delivered; otherwise all events on
// every topic are delivered.
func (b *Bus) Subscribe(operationID string) *Subscription {
	ch := make(chan Event, DefaultQueueSize)
	sub := &Subscription{C: ch, c: ch, bus: b, operationID: operationID}

	b.mu.Lock()
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.bus.mu.Lock()
	delete(s.bus.subscribers, s)
	s.bus.mu.Unlock()
}

// deliver enqueues evt onto the subscription's channel, dropping the oldest
// queued event first if the channel is full.
func (s *Subscription) deliver(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.operationID != "" && evt.OperationID != s.operationID {
		return
	}
	for {
		select {
		case s.c <- evt:
			return
		default:
			select {
			case <-s.c:
			default:
			}
		}
	}
}

// Publish emits an event on topic, stamping it with the next sequence number
// for that topic and fanning it out to every matching subscriber. Publish
// never blocks on a slow subscriber.
func (b *Bus) Publish(topic Topic, operationID string, payload any) Event {
	b.mu.Lock()
	b.seqByTopic[topic]++
	evt := Event{
		Topic:       topic,
		OperationID: operationID,
		Seq:         b.seqByTopic[topic],
		Payload:     payload,
		PublishedAt: b.now(),
	}
	subs := make([]*Subscription, 0, len(b.subscribers))
	for s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(evt)
	}
	return evt
}

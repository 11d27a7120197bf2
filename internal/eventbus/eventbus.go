// Package eventbus is a session-scoped, priority-aware fan-out of
// progress events from producers to observers.
//
// Delivery within a session is strict seq order (the order events were
// published in). Priority only decides which events survive when a
// session's bounded queue is under pressure: an urgent event published
// after four queued lows is delivered after the surviving lows, not
// before them, because priority governs eviction, not dequeue order.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/swarmguard/taskforge/internal/domain"
	"github.com/swarmguard/taskforge/internal/ids"
	"go.opentelemetry.io/otel/metric"
)

// ErrBackpressureDropped is returned by Publish when a low-priority event
// is dropped because its session's queue is full.
type ErrBackpressureDropped struct {
	Session ids.SessionId
}

func (e *ErrBackpressureDropped) Error() string {
	return "event dropped: session " + string(e.Session) + " queue at capacity"
}

// Broadcaster is the optional durable fan-out path (NATS), kept behind
// the same publish/subscribe shape so the in-process bus remains the
// default and the only path exercised when no broker is configured.
type Broadcaster interface {
	Publish(subject string, payload []byte) error
}

// Bus is the in-process Event Bus. One Bus instance serves every session
// in the process; sessions are created lazily on first publish/subscribe.
type Bus struct {
	mu           sync.Mutex
	sessions     map[ids.SessionId]*sessionQueue
	capacity     int
	broadcaster  Broadcaster
	opsCounter   metric.Int64Counter
	evictCounter metric.Int64Counter
}

// New returns a Bus whose sessions each hold up to capacityPerSession
// events. broadcaster may be nil to disable the durable fan-out path.
func New(capacityPerSession int, broadcaster Broadcaster, ops, evict metric.Int64Counter) *Bus {
	return &Bus{
		sessions:     make(map[ids.SessionId]*sessionQueue),
		capacity:     capacityPerSession,
		broadcaster:  broadcaster,
		opsCounter:   ops,
		evictCounter: evict,
	}
}

type subscriber struct {
	ch     chan domain.Event
	cancel func()
}

type sessionQueue struct {
	mu          sync.Mutex
	events      []domain.Event
	nextSeq     uint64
	subscribers map[int]*subscriber
	nextSubID   int
}

func (b *Bus) session(id ids.SessionId) *sessionQueue {
	b.mu.Lock()
	defer b.mu.Unlock()
	sq, ok := b.sessions[id]
	if !ok {
		sq = &sessionQueue{subscribers: make(map[int]*subscriber)}
		b.sessions[id] = sq
	}
	return sq
}

// Publish enqueues event on session's queue, applying the priority
// eviction rules when the queue is full, and fans it out to every live
// subscriber.
func (b *Bus) Publish(ctx context.Context, session ids.SessionId, event domain.Event) error {
	sq := b.session(session)
	sq.mu.Lock()

	event.Session = session
	event.Seq = sq.nextSeq
	sq.nextSeq++

	if len(sq.events) >= b.capacity && !b.makeRoom(sq, event.Priority) {
		if event.Priority == domain.PriorityLow {
			sq.mu.Unlock()
			b.count(ctx, b.evictCounter)
			return &ErrBackpressureDropped{Session: session}
		}
		// No victim available (queue is saturated with equal-or-higher
		// priority entries, including possibly all-urgent): grow the
		// queue by one rather than drop a non-low event or an urgent
		// victim, per "urgent is never dropped".
	}

	sq.events = append(sq.events, event)
	subs := make([]*subscriber, 0, len(sq.subscribers))
	for _, s := range sq.subscribers {
		subs = append(subs, s)
	}
	sq.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- event:
		default:
			// A full subscriber buffer mirrors the queue's eviction rule:
			// a normal-or-above event displaces the subscriber's oldest
			// undelivered event, a low event is simply not delivered (the
			// subscriber catches up by re-subscribing from its watermark).
			if event.Priority > domain.PriorityLow {
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- event:
				default:
				}
			}
		}
	}

	// Observers outside this process see the event on the session's NATS
	// subject; the in-process queue above stays authoritative for
	// ordering and eviction.
	if b.broadcaster != nil {
		if data, err := json.Marshal(event); err == nil {
			if err := b.broadcaster.Publish("events."+string(session), data); err != nil {
				slog.Warn("durable publish failed", "session", session, "error", err)
			}
		}
	}

	b.count(ctx, b.opsCounter)
	return nil
}

// makeRoom evicts one victim to make space for an incoming event of the
// given priority, following the class order low < normal < high < urgent.
// It never evicts an urgent event, and never evicts on behalf of an
// incoming low (a full queue drops the new low instead, so an old low is
// never displaced by a newer one). It returns false if no victim could
// be found: incoming is low; incoming is normal or high and the queue
// holds no entry of a lower class or of incoming's own class; or incoming
// is urgent and the queue holds only urgent entries.
func (b *Bus) makeRoom(sq *sessionQueue, incoming domain.EventPriority) bool {
	if incoming == domain.PriorityLow {
		return false
	}
	// Search classes strictly below incoming first (oldest within class).
	for class := domain.PriorityLow; class < incoming; class++ {
		if idx := oldestOfClass(sq.events, class); idx >= 0 {
			sq.events = append(sq.events[:idx], sq.events[idx+1:]...)
			return true
		}
	}
	// Fall back to evicting the oldest entry of the incoming's own class,
	// as long as that class is not urgent.
	if incoming != domain.PriorityUrgent {
		if idx := oldestOfClass(sq.events, incoming); idx >= 0 {
			sq.events = append(sq.events[:idx], sq.events[idx+1:]...)
			return true
		}
	}
	return false
}

func oldestOfClass(events []domain.Event, class domain.EventPriority) int {
	for i, e := range events {
		if e.Priority == class {
			return i
		}
	}
	return -1
}

// Subscribe returns a channel of events for session starting from
// watermark (inclusive of any event with seq >= watermark already queued),
// plus a cancel func. Disconnecting (calling cancel) never affects other
// subscribers or the publisher.
func (b *Bus) Subscribe(ctx context.Context, session ids.SessionId, watermark uint64) (<-chan domain.Event, func()) {
	sq := b.session(session)
	sq.mu.Lock()
	ch := make(chan domain.Event, b.capacity)
	for _, e := range sq.events {
		if e.Seq >= watermark {
			select {
			case ch <- e:
			default:
			}
		}
	}
	id := sq.nextSubID
	sq.nextSubID++
	sub := &subscriber{ch: ch}
	sq.subscribers[id] = sub
	sq.mu.Unlock()

	cancel := func() {
		sq.mu.Lock()
		delete(sq.subscribers, id)
		sq.mu.Unlock()
	}
	sub.cancel = cancel
	return ch, cancel
}

// Broadcast sends event to every subscriber of every session, regardless
// of the event's own Session field, for system-wide notices.
func (b *Bus) Broadcast(ctx context.Context, event domain.Event) {
	b.mu.Lock()
	sessions := make([]*sessionQueue, 0, len(b.sessions))
	for _, sq := range b.sessions {
		sessions = append(sessions, sq)
	}
	b.mu.Unlock()

	for _, sq := range sessions {
		sq.mu.Lock()
		subs := make([]*subscriber, 0, len(sq.subscribers))
		for _, s := range sq.subscribers {
			subs = append(subs, s)
		}
		sq.mu.Unlock()
		for _, s := range subs {
			select {
			case s.ch <- event:
			default:
			}
		}
	}

	if b.broadcaster != nil {
		if data, err := json.Marshal(event); err == nil {
			if err := b.broadcaster.Publish("events.broadcast", data); err != nil {
				slog.Warn("broadcast durable publish failed", "error", err)
			}
		}
	}
}

func (b *Bus) count(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

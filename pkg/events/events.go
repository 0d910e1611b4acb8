// Package events implements the Event Bus: a thin live-fanout over the
// State Store's changelog, with replay from a caller-supplied sequence
// number. Grounded on the teacher's Broker shape (subscriber channel map,
// buffered per-subscriber channel, drop-when-full fanout).
package events

import (
	"sync"

	"github.com/rng-ops/infrasim/pkg/types"
)

// Filter narrows a subscription to a set of resource kinds. A nil or empty
// Kinds matches everything.
type Filter struct {
	Kinds []types.ResourceKind
}

func (f Filter) matches(e *types.Event) bool {
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// Subscriber is a channel that receives live events matching a Filter.
type Subscriber chan *types.Event

// ChangeSource provides replay from the durable changelog; *storage.BoltStore
// satisfies this via its ChangesSince/LatestSeq methods.
type ChangeSource interface {
	ChangesSince(since uint64) ([]*types.ChangeRecord, error)
	LatestSeq() (uint64, error)
}

const subscriberBuffer = 64

// Bus distributes change records as live events and can replay the
// changelog from a given sequence number on subscribe.
type Bus struct {
	source ChangeSource

	mu          sync.RWMutex
	subscribers map[Subscriber]Filter

	publishCh chan *types.Event
	stopCh    chan struct{}
}

// NewBus builds an event bus backed by source for replay.
func NewBus(source ChangeSource) *Bus {
	return &Bus{
		source:      source,
		subscribers: make(map[Subscriber]Filter),
		publishCh:   make(chan *types.Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus's live-fanout loop.
func (b *Bus) Start() {
	go b.run()
}

// Stop halts the fanout loop and closes all subscriber channels.
func (b *Bus) Stop() {
	close(b.stopCh)

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
	}
	b.subscribers = make(map[Subscriber]Filter)
}

// Publish enqueues event for live fanout. Non-blocking against a stopped
// bus. Live callers (reconciler, command service) construct events without a
// seq; Publish fills it in from the changelog's current tail so subscribers
// see a real, comparable seq instead of always 0.
func (b *Bus) Publish(event *types.Event) {
	if event.Seq == 0 && b.source != nil {
		if seq, err := b.source.LatestSeq(); err == nil {
			event.Seq = seq
		}
	}
	select {
	case b.publishCh <- event:
	case <-b.stopCh:
	}
}

// Subscribe registers a new live subscription matching filter. The returned
// channel is first fed every changelog-derived event with seq > sinceSeq
// (the whole changelog when sinceSeq is zero), replayed synchronously
// before Subscribe returns, so callers never miss the gap between their last-seen seq and
// the start of live delivery. The channel is sized to hold the full replay
// plus subscriberBuffer of live headroom, so a backlog larger than
// subscriberBuffer cannot deadlock Subscribe against a reader that hasn't
// attached yet.
func (b *Bus) Subscribe(filter Filter, sinceSeq uint64) (Subscriber, error) {
	changes, err := b.source.ChangesSince(sinceSeq)
	if err != nil {
		return nil, err
	}

	matched := make([]*types.Event, 0, len(changes))
	for _, c := range changes {
		e := changeToEvent(c)
		if filter.matches(e) {
			matched = append(matched, e)
		}
	}

	sub := make(Subscriber, len(matched)+subscriberBuffer)
	for _, e := range matched {
		sub <- e
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = filter
	return sub, nil
}

// Unsubscribe removes sub and closes its channel.
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// SubscriberCount reports the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.publishCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event *types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub, filter := range b.subscribers {
		if !filter.matches(event) {
			continue
		}
		select {
		case sub <- event:
		default:
			// subscriber buffer full; drop. It must reconnect with since_seq
			// to resume from the durable changelog.
		}
	}
}

func changeToEvent(c *types.ChangeRecord) *types.Event {
	return &types.Event{
		Seq:        c.Seq,
		Ts:         c.Ts,
		Kind:       c.Kind,
		Op:         c.Op,
		ResourceID: c.ID,
		Message:    messageFor(c),
	}
}

func messageFor(c *types.ChangeRecord) string {
	return string(c.Kind) + " " + string(c.Op) + " " + c.ID
}

package subs

import (
	"sync"

	"mt5flow/logger"
)

// State is the wire lifecycle of a subscription entry.
type State int

const (
	StatePendingSubscribe State = iota
	StateConfirmed
	StatePendingUnsubscribe
)

func (s State) String() string {
	switch s {
	case StatePendingSubscribe:
		return "pending_subscribe"
	case StateConfirmed:
		return "confirmed"
	case StatePendingUnsubscribe:
		return "pending_unsubscribe"
	}
	return "unknown"
}

// AddResult tells the caller whether a wire subscribe is needed.
type AddResult int

const (
	FirstSubscriber AddResult = iota
	AlreadySubscribed
)

// RemoveResult tells the caller whether a wire unsubscribe is needed.
type RemoveResult int

const (
	LastSubscriber RemoveResult = iota
	StillReferenced
	NotFound
)

type entry struct {
	refs  int
	state State
}

// Registry tracks per-topic reference counts and lifecycle state. Multiple
// logical subscribers share one wire subscription; acks arriving in any
// order never corrupt the view. The session actor drives lifecycle
// transitions; the façade triggers intent changes through AddReference and
// RemoveReference only.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *logger.Log
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logger.GetLogger(),
	}
}

// AddReference registers a logical subscriber. Only the FirstSubscriber
// result prompts a wire-level subscribe. Re-adding a topic whose
// unsubscribe is still in flight legally overlaps: the entry moves back to
// PendingSubscribe and the caller must issue a fresh wire subscribe.
func (r *Registry) AddReference(topic string) AddResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok {
		r.entries[topic] = &entry{refs: 1, state: StatePendingSubscribe}
		return FirstSubscriber
	}
	e.refs++
	if e.state == StatePendingUnsubscribe {
		// User resubscribed before the unsubscribe ack arrived.
		e.state = StatePendingSubscribe
		return FirstSubscriber
	}
	return AlreadySubscribed
}

// RemoveReference drops a logical subscriber. When the count reaches zero
// the entry is marked PendingUnsubscribe and the caller must issue the wire
// unsubscribe.
func (r *Registry) RemoveReference(topic string) RemoveResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok || e.refs == 0 {
		return NotFound
	}
	e.refs--
	if e.refs > 0 {
		return StillReferenced
	}
	e.state = StatePendingUnsubscribe
	return LastSubscriber
}

// MarkSubscribe forces the entry into PendingSubscribe, creating it if
// needed. Used when recovering from a venue-rejected unsubscribe.
func (r *Registry) MarkSubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[topic]
	if !ok {
		r.entries[topic] = &entry{state: StatePendingSubscribe}
		return
	}
	e.state = StatePendingSubscribe
}

// MarkUnsubscribe forces the entry into PendingUnsubscribe.
func (r *Registry) MarkUnsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok {
		e.state = StatePendingUnsubscribe
	}
}

// ConfirmSubscribe moves PendingSubscribe to Confirmed. Duplicate confirms
// are no-ops, and a late ack for a topic the user has since unsubscribed
// never resurrects it.
func (r *Registry) ConfirmSubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok && e.state == StatePendingSubscribe {
		e.state = StateConfirmed
	}
}

// ConfirmUnsubscribe removes the entry if it is still awaiting the
// unsubscribe ack. If the user resubscribed in the meantime the entry has
// returned to PendingSubscribe and is left alone.
func (r *Registry) ConfirmUnsubscribe(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok && e.state == StatePendingUnsubscribe {
		delete(r.entries, topic)
	}
}

// MarkFailure returns a topic to PendingSubscribe so the next reconnect
// replays it. The entry is kept.
func (r *Registry) MarkFailure(topic string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok && e.state == StateConfirmed {
		e.state = StatePendingSubscribe
	}
}

// MarkAllFailed downgrades every Confirmed topic for reconnect replay.
func (r *Registry) MarkAllFailed() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, e := range r.entries {
		if e.state == StateConfirmed {
			e.state = StatePendingSubscribe
		}
	}
}

// AllTopics returns every topic whose final intent is subscribed, i.e.
// Confirmed or PendingSubscribe. Topics awaiting an unsubscribe ack are
// excluded. Used to seed re-subscription on reconnect.
func (r *Registry) AllTopics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.entries))
	for t, e := range r.entries {
		if e.state == StatePendingUnsubscribe {
			continue
		}
		out = append(out, t)
	}
	return out
}

// Refs reports the current reference count for a topic.
func (r *Registry) Refs(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok {
		return e.refs
	}
	return 0
}

// StateOf reports the lifecycle state for a topic.
func (r *Registry) StateOf(topic string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[topic]; ok {
		return e.state, true
	}
	return 0, false
}

// Len reports the number of tracked topics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

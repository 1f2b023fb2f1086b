package dispatcher

import (
	"context"
	"sync"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/pkg/logger"
)

// Event change types.
const (
	EventAdded   = "ADDED"
	EventChanged = "CHANGED"
	EventRemoved = "REMOVED"
)

// Event is one bus notification on a named collection.
type Event struct {
	Collection string         `json:"collection"`
	Type       string         `json:"type"`
	ID         any            `json:"id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// BusSubscription is one attachment to the bus. Delivery is synchronous with
// Emit; the handler must hand off to its own queue quickly.
type BusSubscription struct {
	pattern string
	deliver func(Event)
	closed  bool
}

// Bus fans events out to pattern subscriptions. "*" subscribes to every
// collection; otherwise patterns are exact collection names.
type Bus struct {
	reg *registry.Registry
	log *logger.Logger

	mu   sync.Mutex
	subs []*BusSubscription
}

// NewBus builds a bus over the registry's declared event types.
func NewBus(reg *registry.Registry, log *logger.Logger) *Bus {
	if log == nil {
		log = logger.NewDefault("bus")
	}
	return &Bus{reg: reg, log: log}
}

// SubscribeOptions controls a bus subscription.
type SubscribeOptions struct {
	// Replay primes the subscription with synthetic ADDED events for the
	// collection's current contents before any live update.
	Replay bool
}

// Subscribe authorizes the credential against the event type and attaches a
// delivery function. With replay, the snapshot and the attachment happen
// under the bus lock, so the subscriber sees no duplicates and no gaps.
func (b *Bus) Subscribe(ctx context.Context, cred auth.Credential, pattern string, opts SubscribeOptions, deliver func(Event)) (*BusSubscription, error) {
	var replaySource func(context.Context) ([]registry.ReplayItem, error)

	if pattern == "*" {
		// Wildcard requires visibility over every declared stream.
		for _, ev := range b.reg.ListEventTypes() {
			if err := authorizeEvent(cred, ev); err != nil {
				return nil, err
			}
		}
	} else {
		ev, ok := b.reg.GetEventType(pattern)
		if !ok {
			return nil, errors.NotFound("event " + pattern)
		}
		if err := authorizeEvent(cred, ev); err != nil {
			return nil, err
		}
		replaySource = ev.Replay
	}

	sub := &BusSubscription{pattern: pattern, deliver: deliver}

	b.mu.Lock()
	defer b.mu.Unlock()
	if opts.Replay && replaySource != nil {
		items, err := replaySource(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			deliver(Event{Collection: pattern, Type: EventAdded, ID: item.ID, Fields: item.Fields})
		}
	}
	b.subs = append(b.subs, sub)
	return sub, nil
}

func authorizeEvent(cred auth.Credential, ev registry.EventType) error {
	if ev.NoAuth {
		return nil
	}
	if cred == nil {
		return errors.AuthFailed()
	}
	// A stream without declared roles is visible to any authenticated
	// session; methods are stricter, event streams default open.
	if len(ev.Roles) == 0 {
		return nil
	}
	return auth.Authorize(cred, "subscribe "+ev.Name, ev.Roles)
}

// Unsubscribe detaches a subscription. Safe to call twice.
func (b *Bus) Unsubscribe(sub *BusSubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub.closed = true
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Emit delivers the event to every matching subscription, synchronously and
// in attachment order.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	matched := make([]*BusSubscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.pattern == "*" || s.pattern == ev.Collection {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()
	for _, s := range matched {
		s.deliver(ev)
	}
}

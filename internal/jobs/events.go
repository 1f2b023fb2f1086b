package jobs

import (
	"sync"

	"github.com/naslab/middled/internal/domain/job"
)

// EventKind discriminates job event payloads.
type EventKind string

const (
	// EventChanged carries a state or progress change.
	EventChanged EventKind = "CHANGED"
	// EventLog carries one appended log line.
	EventLog EventKind = "LOG"
	// EventDropped is the synthetic marker a slow subscriber receives after
	// the manager had to discard events for it.
	EventDropped EventKind = "DROPPED"
)

// Event is one job notification.
type Event struct {
	Kind    EventKind
	Job     job.Record
	LogLine string
}

// Subscription is a buffered job event feed. When the subscriber falls
// behind, the oldest buffered events are discarded and one DROPPED marker is
// injected; the subscription itself survives.
type Subscription struct {
	m      *Manager
	filter func(job.Record) bool

	mu       sync.Mutex
	ch       chan Event
	closed   bool
	lossOpen bool // a DROPPED marker is queued and not yet followed by a clean delivery
}

// Events returns the receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan Event { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.m.unsubscribe(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *Subscription) deliver(ev Event) {
	if s.filter != nil && ev.Kind != EventDropped && !s.filter(ev.Job) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if len(s.ch) == cap(s.ch) {
		// Full: make room for the event, plus a marker unless one is
		// already pending. The mutex makes us the only sender, so the
		// sends below cannot block once room exists.
		need := 1
		if !s.lossOpen {
			need = 2
		}
		for len(s.ch) > cap(s.ch)-need {
			<-s.ch
		}
		if !s.lossOpen {
			s.ch <- Event{Kind: EventDropped}
			s.lossOpen = true
		}
	} else {
		s.lossOpen = false
	}
	s.ch <- ev
}

// Subscribe attaches a job event feed. A nil filter receives every job;
// buffer bounds how far the subscriber may fall behind before losing events.
func (m *Manager) Subscribe(buffer int, filter func(job.Record) bool) *Subscription {
	if buffer < 2 {
		buffer = 2
	}
	s := &Subscription{m: m, filter: filter, ch: make(chan Event, buffer)}
	m.mu.Lock()
	m.subs = append(m.subs, s)
	m.mu.Unlock()
	return s
}

func (m *Manager) unsubscribe(s *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, sub := range m.subs {
		if sub == s {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

func (m *Manager) emit(ev Event) {
	m.mu.Lock()
	subs := append([]*Subscription(nil), m.subs...)
	m.mu.Unlock()
	for _, s := range subs {
		s.deliver(ev)
	}
}

package dispatcher

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/registry"
)

// Reply is the ordered response to one call.
type Reply struct {
	CallID string
	Result any
	Err    *errors.Error
}

// Sink is the transport side of a session: it receives ordered replies and
// event notifications. Implementations must not block for long; slow peers
// are the transport's problem.
type Sink interface {
	SendReply(Reply)
	SendEvent(Event)
}

// Session is one authenticated (or not yet authenticated) transport
// connection. Calls on a session run concurrently; replies are delivered in
// request order.
type Session struct {
	d         *Dispatcher
	id        string
	origin    *auth.Origin
	sink      Sink
	createdAt time.Time
	limiter   *rate.Limiter

	mu       sync.Mutex
	cred     auth.Credential
	subs     map[string]*BusSubscription
	inflight map[uint64]context.CancelFunc
	closed   bool

	replies replyOrderer
}

var _ registry.Session = (*Session)(nil)

func (s *Session) ID() string           { return s.id }
func (s *Session) Origin() *auth.Origin { return s.origin }
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Dispatcher returns the owning dispatcher. Built-in plugins reach session
// and job facilities through this.
func (s *Session) Dispatcher() *Dispatcher { return s.d }

// Credential returns the session's credential, nil before login.
func (s *Session) Credential() auth.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// SetCredential installs the credential produced by a successful login.
func (s *Session) SetCredential(cred auth.Credential) {
	s.mu.Lock()
	s.cred = cred
	s.mu.Unlock()
}

// ClearCredential logs the session out and drops its subscriptions; the
// connection itself stays open.
func (s *Session) ClearCredential() {
	s.mu.Lock()
	s.cred = nil
	subs := s.subs
	s.subs = make(map[string]*BusSubscription)
	s.mu.Unlock()
	for _, sub := range subs {
		s.d.bus.Unsubscribe(sub)
	}
}

// CallAsync runs one call concurrently with the session's other calls. The
// reply reaches the sink in request order regardless of completion order.
func (s *Session) CallAsync(ctx context.Context, callID, method string, params any) {
	seq := s.replies.assign()

	if !s.limiter.Allow() {
		s.replies.complete(seq, Reply{CallID: callID, Err: errors.Busy("rate limit exceeded").WithDetails("method", method)})
		return
	}

	cctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		return
	}
	s.inflight[seq] = cancel
	s.mu.Unlock()

	go func() {
		defer func() {
			cancel()
			s.mu.Lock()
			delete(s.inflight, seq)
			s.mu.Unlock()
		}()
		result, err := s.d.call(cctx, s, method, params)
		rep := Reply{CallID: callID, Result: result}
		if err != nil {
			rep.Result = nil
			rep.Err = errors.AsError(err)
		}
		s.replies.complete(seq, rep)
	}()
}

// CallSync runs one call and returns its outcome directly. Used by the REST
// transport, which has no frame ordering to preserve.
func (s *Session) CallSync(ctx context.Context, method string, params any) (any, error) {
	if !s.limiter.Allow() {
		return nil, errors.Busy("rate limit exceeded").WithDetails("method", method)
	}
	return s.d.call(ctx, s, method, params)
}

// Subscribe attaches the session to an event pattern. Duplicate patterns are
// a no-op.
func (s *Session) Subscribe(ctx context.Context, pattern string, opts SubscribeOptions) error {
	s.mu.Lock()
	if _, dup := s.subs[pattern]; dup {
		s.mu.Unlock()
		return nil
	}
	cred := s.cred
	s.mu.Unlock()

	sub, err := s.d.bus.Subscribe(ctx, cred, pattern, opts, func(ev Event) {
		s.sink.SendEvent(ev)
	})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.d.bus.Unsubscribe(sub)
		return errors.AuthFailed()
	}
	s.subs[pattern] = sub
	return nil
}

// Unsubscribe detaches one pattern.
func (s *Session) Unsubscribe(pattern string) error {
	s.mu.Lock()
	sub, ok := s.subs[pattern]
	delete(s.subs, pattern)
	s.mu.Unlock()
	if !ok {
		return errors.NotFound("subscription " + pattern)
	}
	s.d.bus.Unsubscribe(sub)
	return nil
}

// Close tears the session down: in-flight synchronous calls are cancelled,
// subscriptions detached, and tokens rooted in the session destroyed. Jobs
// the session started keep running.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancels := make([]context.CancelFunc, 0, len(s.inflight))
	for _, c := range s.inflight {
		cancels = append(cancels, c)
	}
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	for _, sub := range subs {
		s.d.bus.Unsubscribe(sub)
	}
	s.d.dropSession(s)
}

// replyOrderer delivers completed replies in the order their calls arrived.
type replyOrderer struct {
	mu      sync.Mutex
	next    uint64 // next sequence to hand out
	emit    uint64 // next sequence to deliver
	pending map[uint64]Reply
	sink    func(Reply)
}

func (r *replyOrderer) assign() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.next
	r.next++
	return seq
}

func (r *replyOrderer) complete(seq uint64, rep Reply) {
	// The sink runs under the mutex: releasing it between draining and
	// sending would let a racing completion overtake the drained replies.
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending == nil {
		r.pending = make(map[uint64]Reply)
	}
	r.pending[seq] = rep
	for {
		next, ok := r.pending[r.emit]
		if !ok {
			return
		}
		delete(r.pending, r.emit)
		r.emit++
		r.sink(next)
	}
}

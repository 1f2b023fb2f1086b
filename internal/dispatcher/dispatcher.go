// Package dispatcher routes calls from transport sessions through the
// authorization, validation and audit pipeline to registered methods, and
// fans events out to subscribers.
package dispatcher

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/domain/audit"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/jobs"
	"github.com/naslab/middled/internal/metrics"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage"
	"github.com/naslab/middled/pkg/logger"
)

// JobsCollection is the event stream carrying job state and progress.
const JobsCollection = "core.get_jobs"

// Options tune per-session behavior.
type Options struct {
	// RatePerSecond caps calls per session; zero disables limiting.
	RatePerSecond float64
	RateBurst     int
}

// Dispatcher wires the registry, job manager, authenticator and bus into the
// call pipeline that transports drive.
type Dispatcher struct {
	reg   *registry.Registry
	jobs  *jobs.Manager
	auth  *auth.Authenticator
	bus   *Bus
	audit *auditWriter
	log   *logger.Logger
	met   *metrics.Metrics
	opts  Options

	mu       sync.Mutex
	sessions map[string]*Session

	jobSub    *jobs.Subscription
	startedAt time.Time
}

// New assembles a dispatcher. met may be nil.
func New(reg *registry.Registry, jm *jobs.Manager, authr *auth.Authenticator, auditStore storage.AuditStore, met *metrics.Metrics, log *logger.Logger, opts Options) *Dispatcher {
	if log == nil {
		log = logger.NewDefault("dispatcher")
	}
	bus := NewBus(reg, log.Named("bus"))
	d := &Dispatcher{
		reg:       reg,
		jobs:      jm,
		auth:      authr,
		bus:       bus,
		audit:     &auditWriter{store: auditStore, bus: bus, log: log.Named("audit")},
		log:       log,
		met:       met,
		opts:      opts,
		sessions:  make(map[string]*Session),
		startedAt: time.Now(),
	}

	// Job events become bus events on the jobs collection.
	d.jobSub = jm.Subscribe(256, nil)
	go func() {
		for ev := range d.jobSub.Events() {
			if ev.Kind == jobs.EventDropped {
				continue
			}
			fields := jobFields(ev.Job)
			if ev.Kind == jobs.EventLog {
				fields["log_line"] = ev.LogLine
			}
			d.bus.Emit(Event{Collection: JobsCollection, Type: EventChanged, ID: ev.Job.ID, Fields: fields})
			if met != nil {
				met.EventsEmitted.Inc()
			}
		}
	}()
	return d
}

// Bus exposes the event bus for plugins that emit their own events.
func (d *Dispatcher) Bus() *Bus { return d.bus }

// Auth exposes the authenticator to the auth plugin.
func (d *Dispatcher) Auth() *auth.Authenticator { return d.auth }

// Jobs exposes the job manager to the core plugin.
func (d *Dispatcher) Jobs() *jobs.Manager { return d.jobs }

// Registry exposes the method table to the core plugin.
func (d *Dispatcher) Registry() *registry.Registry { return d.reg }

// StartedAt is the daemon start time, used by system.uptime.
func (d *Dispatcher) StartedAt() time.Time { return d.startedAt }

// Stop detaches the dispatcher from the job stream.
func (d *Dispatcher) Stop() {
	d.jobSub.Close()
}

// NewSession registers a transport connection.
func (d *Dispatcher) NewSession(origin *auth.Origin, sink Sink) *Session {
	limit := rate.Inf
	burst := 1
	if d.opts.RatePerSecond > 0 {
		limit = rate.Limit(d.opts.RatePerSecond)
		burst = d.opts.RateBurst
		if burst <= 0 {
			burst = int(d.opts.RatePerSecond)
			if burst < 1 {
				burst = 1
			}
		}
	}
	s := &Session{
		d:         d,
		id:        uuid.NewString(),
		origin:    origin,
		sink:      sink,
		createdAt: time.Now(),
		limiter:   rate.NewLimiter(limit, burst),
		subs:      make(map[string]*BusSubscription),
		inflight:  make(map[uint64]context.CancelFunc),
	}
	s.replies.sink = sink.SendReply
	d.mu.Lock()
	d.sessions[s.id] = s
	d.mu.Unlock()
	if d.met != nil {
		d.met.Sessions.Inc()
	}
	return s
}

func (d *Dispatcher) dropSession(s *Session) {
	d.mu.Lock()
	_, present := d.sessions[s.id]
	delete(d.sessions, s.id)
	d.mu.Unlock()
	if !present {
		return
	}
	d.auth.DropSessionState(s.id)
	if d.met != nil {
		d.met.Sessions.Dec()
	}
}

// SessionInfo is the externally visible description of a session.
type SessionInfo struct {
	ID              string    `json:"id"`
	Origin          string    `json:"origin"`
	Principal       string    `json:"principal,omitempty"`
	CredentialKind  string    `json:"credential_kind,omitempty"`
	Authenticated   bool      `json:"authenticated"`
	CreatedAt       time.Time `json:"created_at"`
}

// Sessions lists open sessions sorted by creation time.
func (d *Dispatcher) Sessions() []SessionInfo {
	d.mu.Lock()
	out := make([]SessionInfo, 0, len(d.sessions))
	for _, s := range d.sessions {
		info := SessionInfo{ID: s.id, Origin: s.origin.String(), CreatedAt: s.createdAt}
		if cred := s.Credential(); cred != nil {
			info.Authenticated = true
			info.Principal = cred.Principal()
			info.CredentialKind = cred.Kind()
		}
		out = append(out, info)
	}
	d.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TerminateSession closes another session by id.
func (d *Dispatcher) TerminateSession(id string) error {
	d.mu.Lock()
	s, ok := d.sessions[id]
	d.mu.Unlock()
	if !ok {
		return errors.NotFound("session " + id)
	}
	s.Close()
	return nil
}

// call is the per-method pipeline: resolve, auth state, authorize, validate,
// audit, dispatch, audit finalize. Replies are the caller's concern.
func (d *Dispatcher) call(ctx context.Context, s *Session, methodName string, params any) (result any, err error) {
	start := time.Now()
	m, err := d.reg.GetMethod(methodName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			e := errors.AsError(err)
			if e.Code == errors.CodeInternal && e.CorrelationID != "" {
				cause := e.Unwrap()
				if cause == nil {
					cause = e
				}
				d.log.WithField("correlation_id", e.CorrelationID).WithError(cause).Errorf("unhandled error in %s", m.Name)
			}
			// Returning the converted form keeps the correlation id stable
			// through the transports' own AsError calls.
			err = e
		}
		d.observe(m.Name, start, err)
	}()

	cred := s.Credential()
	if !m.NoAuth {
		if cred == nil {
			return nil, errors.AuthFailed()
		}
		if aerr := auth.Authorize(cred, m.Name, m.Roles); aerr != nil {
			if m.Audit != "" {
				d.auditRecord(ctx, s, m, nil, start, audit.OutcomeDenied, errors.AsError(aerr))
			}
			return nil, aerr
		}
		if mr, ok := auth.RootOf(cred).(auth.MethodRestricted); ok && !mr.AllowedMethod(m.Name) {
			aerr := errors.Access(m.Name, nil).WithDetails("reason", "method not in credential allowlist")
			if m.Audit != "" {
				d.auditRecord(ctx, s, m, nil, start, audit.OutcomeDenied, aerr)
			}
			return nil, aerr
		}
	}

	args := params
	if m.Args != nil {
		if params == nil {
			params = map[string]any{}
		}
		args, err = schema.Validate(m.Args, params)
		if err != nil {
			return nil, err
		}
	}

	if m.IsJob {
		id, jerr := d.jobs.Submit(ctx, m, args, cred)
		if m.Audit != "" {
			d.auditFinalize(ctx, s, m, args, start, jerr)
		}
		if jerr != nil {
			return nil, jerr
		}
		return id, nil
	}

	cctx := ctx
	if m.Timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, m.Timeout)
		defer cancel()
	}

	call := &registry.Call{Args: args, Session: s}
	if m.PassCredential {
		call.Credential = cred
	}
	if m.PassThreadLocal {
		result, err = d.jobs.RunInThread(cctx, func(tls *registry.ThreadLocal) (any, error) {
			call.ThreadLocal = tls
			return m.Func(cctx, call)
		})
	} else {
		result, err = m.Func(cctx, call)
	}
	if cctx.Err() == context.DeadlineExceeded {
		result, err = nil, errors.Timeout(m.Name)
	}

	if m.Audit != "" {
		d.auditFinalize(ctx, s, m, args, start, err)
	}
	return result, err
}

func (d *Dispatcher) auditFinalize(ctx context.Context, s *Session, m *registry.Method, args any, start time.Time, err error) {
	outcome := audit.OutcomeSuccess
	var e *errors.Error
	if err != nil {
		e = errors.AsError(err)
		outcome = audit.OutcomeError
		if e.Code == errors.CodeAccess {
			outcome = audit.OutcomeDenied
		}
	}
	d.auditRecord(ctx, s, m, args, start, outcome, e)
}

func (d *Dispatcher) auditRecord(ctx context.Context, s *Session, m *registry.Method, args any, start time.Time, outcome audit.Outcome, e *errors.Error) {
	var red map[string]any
	if args != nil && m.Args != nil {
		red, _ = schema.Redact(m.Args, args).(map[string]any)
	}
	entry := audit.Entry{
		SessionID:   s.id,
		Origin:      s.origin.String(),
		Method:      m.Name,
		Description: registry.RenderTemplate(m.Audit, red),
		Args:        red,
		Outcome:     outcome,
		Duration:    time.Since(start),
	}
	if cred := s.Credential(); cred != nil {
		entry.Principal = auth.RootOf(cred).Principal()
	}
	if e != nil {
		entry.ErrorCode = string(e.Code)
	}
	d.audit.append(ctx, entry)
}

func (d *Dispatcher) observe(method string, start time.Time, err error) {
	if d.met == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = string(errors.AsError(err).Code)
	}
	d.met.CallsTotal.WithLabelValues(method, outcome).Inc()
	d.met.CallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}

func jobFields(rec job.Record) map[string]any {
	fields := map[string]any{
		"method":    rec.Method,
		"state":     string(rec.State),
		"percent":   rec.Progress.Percent,
		"progress":  rec.Progress.Description,
		"queued_at": rec.QueuedAt,
	}
	if rec.Result != nil {
		fields["result"] = rec.Result
	}
	if rec.Error != nil {
		fields["error"] = rec.Error
	}
	return fields
}

// Package jobs runs long operations on a worker pool with persistent ids,
// FIFO lock serialization, cancellation and progress events.
package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/metrics"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage"
	"github.com/naslab/middled/pkg/logger"
)

// AbortGrace is how long an aborted RUNNING job gets to honor its context
// before it is marked ABORTED regardless.
const AbortGrace = 10 * time.Second

// Options tune the manager.
type Options struct {
	Workers     int
	HistorySize int
	AbortGrace  time.Duration

	// Metrics, when set, keeps the per-state job gauge current.
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.HistorySize <= 0 {
		o.HistorySize = 1000
	}
	if o.AbortGrace <= 0 {
		o.AbortGrace = AbortGrace
	}
	return o
}

// Job is the in-memory runtime state of one submitted job.
type Job struct {
	m *Manager

	mu        sync.Mutex
	rec       job.Record
	method    *registry.Method
	cred      auth.Credential
	rawArgs   any
	lockKey   string
	holdsLock bool
	cancel    context.CancelFunc
	aborting  bool
	logLines  []string

	done chan struct{}
}

// Record returns a snapshot of the job's externally visible state.
func (j *Job) Record() job.Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec
}

// SetProgress implements registry.JobControl. Percent regressions are
// clamped so reported progress never moves backwards.
func (j *Job) SetProgress(percent float64, description string) {
	j.mu.Lock()
	if j.rec.State != job.StateRunning {
		j.mu.Unlock()
		return
	}
	if percent < j.rec.Progress.Percent {
		percent = j.rec.Progress.Percent
	}
	if percent > 100 {
		percent = 100
	}
	j.rec.Progress.Percent = percent
	if description != "" {
		j.rec.Progress.Description = description
	}
	snapshot := j.rec
	j.mu.Unlock()
	j.m.emit(Event{Kind: EventChanged, Job: snapshot})
}

// Logf implements registry.JobControl.
func (j *Job) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	j.mu.Lock()
	if j.rec.State.Terminal() {
		j.mu.Unlock()
		return
	}
	j.logLines = append(j.logLines, line)
	snapshot := j.rec
	j.mu.Unlock()
	j.m.emit(Event{Kind: EventLog, Job: snapshot, LogLine: line})
}

// LogOutput returns the accumulated log lines.
func (j *Job) LogOutput() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.logLines...)
}

var _ registry.JobControl = (*Job)(nil)

type task func(tls *registry.ThreadLocal)

// Manager owns the worker pool, the live job table and the lock queues.
type Manager struct {
	store storage.JobStore
	log   *logger.Logger
	opts  Options

	mu      sync.Mutex
	live    map[int64]*Job
	history map[int64]job.Record // terminal records, loaded + accumulated
	locks   map[string]*lockQueue
	subs    []*Subscription

	runq    chan task
	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	nowFn   func() time.Time
}

type lockQueue struct {
	busy    bool
	waiting []*Job
}

// NewManager starts the worker pool. Previously persisted terminal jobs are
// loaded so their outcomes remain queryable across restarts.
func NewManager(ctx context.Context, store storage.JobStore, log *logger.Logger, opts Options) (*Manager, error) {
	if log == nil {
		log = logger.NewDefault("jobs")
	}
	opts = opts.withDefaults()

	baseCtx, stop := context.WithCancel(ctx)
	m := &Manager{
		store:   store,
		log:     log,
		opts:    opts,
		live:    make(map[int64]*Job),
		history: make(map[int64]job.Record),
		locks:   make(map[string]*lockQueue),
		runq:    make(chan task),
		baseCtx: baseCtx,
		stop:    stop,
		nowFn:   time.Now,
	}

	records, err := store.ListJobs(ctx, opts.HistorySize)
	if err != nil {
		stop()
		return nil, fmt.Errorf("load job history: %w", err)
	}
	for _, rec := range records {
		m.history[rec.ID] = rec
	}

	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go m.worker()
	}
	return m, nil
}

// trackState moves one job between the per-state gauge buckets. An empty from
// state is a birth, an empty to state a pruned record.
func (m *Manager) trackState(from, to job.State) {
	met := m.opts.Metrics
	if met == nil {
		return
	}
	if from != "" {
		met.JobsByState.WithLabelValues(string(from)).Dec()
	}
	if to != "" {
		met.JobsByState.WithLabelValues(string(to)).Inc()
	}
}

// Stop cancels every running job and waits for the workers to drain.
func (m *Manager) Stop() {
	m.stop()
	m.wg.Wait()
}

func (m *Manager) worker() {
	defer m.wg.Done()
	tls := &registry.ThreadLocal{}
	for {
		select {
		case t := <-m.runq:
			t(tls)
		case <-m.baseCtx.Done():
			return
		}
	}
}

// Submit queues a job. Arguments are validated before any state is created;
// a validation failure yields a job that is born FAILED and never runs.
func (m *Manager) Submit(ctx context.Context, method *registry.Method, args any, cred auth.Credential) (int64, error) {
	id, err := m.store.NextJobID(ctx)
	if err != nil {
		return 0, fmt.Errorf("allocate job id: %w", err)
	}

	validated := args
	var verr error
	if method.Args != nil {
		validated, verr = schema.Validate(method.Args, args)
	}

	j := &Job{
		m:      m,
		method: method,
		cred:   cred,
		done:   make(chan struct{}),
		rec: job.Record{
			ID:       id,
			Method:   method.Name,
			Args:     redactedArgs(method, validated),
			State:    job.StateWaiting,
			QueuedAt: m.nowFn(),
		},
	}
	if cred != nil {
		j.rec.Credential = auth.RootOf(cred).Principal()
	}

	if verr != nil {
		m.mu.Lock()
		m.live[id] = j
		m.mu.Unlock()
		m.trackState("", job.StateWaiting)
		m.finish(j, nil, verr)
		return id, verr
	}
	j.rawArgs = validated
	if method.LockKey != "" {
		j.lockKey = method.Name + ":" + registry.RenderTemplate(method.LockKey, validated)
	}

	m.mu.Lock()
	m.live[id] = j
	m.mu.Unlock()
	m.trackState("", job.StateWaiting)
	m.emit(Event{Kind: EventChanged, Job: j.Record()})

	m.schedule(j)
	return id, nil
}

// schedule either dispatches the job to the pool or parks it behind its lock
// key. Lock waiters run FIFO.
func (m *Manager) schedule(j *Job) {
	if j.lockKey != "" {
		m.mu.Lock()
		lq := m.locks[j.lockKey]
		if lq == nil {
			lq = &lockQueue{}
			m.locks[j.lockKey] = lq
		}
		if lq.busy {
			lq.waiting = append(lq.waiting, j)
			m.mu.Unlock()
			return
		}
		lq.busy = true
		j.mu.Lock()
		j.holdsLock = true
		j.mu.Unlock()
		m.mu.Unlock()
	}
	m.dispatch(j)
}

func (m *Manager) dispatch(j *Job) {
	go func() {
		select {
		case m.runq <- func(tls *registry.ThreadLocal) { m.run(j, tls) }:
		case <-m.baseCtx.Done():
			m.finish(j, nil, errors.Aborted("daemon shutting down"))
		case <-j.done:
			// Aborted while queued for a worker.
		}
	}()
}

func (m *Manager) run(j *Job, tls *registry.ThreadLocal) {
	j.mu.Lock()
	if j.rec.State.Terminal() {
		j.mu.Unlock()
		return
	}
	now := m.nowFn()
	prev := j.rec.State
	j.rec.State = job.StateRunning
	j.rec.StartedAt = &now
	ctx, cancel := context.WithCancel(m.baseCtx)
	j.cancel = cancel
	snapshot := j.rec
	j.mu.Unlock()
	defer cancel()

	m.trackState(prev, job.StateRunning)
	m.emit(Event{Kind: EventChanged, Job: snapshot})

	result, err := m.invoke(ctx, j, tls)
	if ctx.Err() != nil {
		err = errors.Aborted(fmt.Sprintf("job %d aborted", j.rec.ID))
	}
	m.finish(j, result, err)
}

// invoke runs the handler, converting a panic into a failure so a crashing
// job never takes its worker down.
func (m *Manager) invoke(ctx context.Context, j *Job, tls *registry.ThreadLocal) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.WithField("job_id", j.rec.ID).Errorf("job panic: %v", r)
			err = errors.AsError(fmt.Errorf("job handler crashed: %v", r))
		}
	}()
	call := &registry.Call{Args: j.rawArgs, Job: j}
	if j.method.PassCredential {
		call.Credential = j.cred
	}
	if j.method.PassThreadLocal {
		call.ThreadLocal = tls
	}
	return j.method.Func(ctx, call)
}

// finish applies the single terminal transition. Later calls are no-ops, so
// a natural completion racing an abort grace timer is harmless.
func (m *Manager) finish(j *Job, result any, err error) {
	j.mu.Lock()
	if j.rec.State.Terminal() {
		j.mu.Unlock()
		return
	}
	now := m.nowFn()
	prev := j.rec.State
	j.rec.FinishedAt = &now
	switch {
	case err == nil:
		j.rec.State = job.StateSuccess
		j.rec.Progress.Percent = 100
		j.rec.Result = result
	case errors.Is(err, errors.CodeInterrupted):
		j.rec.State = job.StateAborted
		j.rec.Error = recordError(err)
	default:
		e := errors.AsError(err)
		if e.Code == errors.CodeInternal && e.CorrelationID != "" {
			cause := e.Unwrap()
			if cause == nil {
				cause = e
			}
			m.log.WithField("job_id", j.rec.ID).WithField("correlation_id", e.CorrelationID).WithError(cause).Error("job failed with unhandled error")
		}
		j.rec.State = job.StateFailed
		j.rec.Error = recordError(e)
	}
	snapshot := j.rec
	lockKey := ""
	if j.holdsLock {
		lockKey = j.lockKey
	}
	j.mu.Unlock()
	close(j.done)

	m.mu.Lock()
	m.history[snapshot.ID] = snapshot
	delete(m.live, snapshot.ID)
	m.mu.Unlock()

	m.trackState(prev, snapshot.State)
	m.emit(Event{Kind: EventChanged, Job: snapshot})

	if !j.method.Transient && m.store != nil {
		if serr := m.store.SaveJob(context.Background(), snapshot); serr != nil {
			m.log.WithError(serr).WithField("job_id", snapshot.ID).Warn("persist job record")
		}
	}

	if lockKey != "" {
		m.releaseLock(lockKey)
	}
}

func (m *Manager) releaseLock(key string) {
	m.mu.Lock()
	lq := m.locks[key]
	var next *Job
	if lq != nil {
		for len(lq.waiting) > 0 {
			candidate := lq.waiting[0]
			lq.waiting = lq.waiting[1:]
			if !candidate.Record().State.Terminal() {
				next = candidate
				break
			}
		}
		if next == nil {
			delete(m.locks, key)
		}
	}
	m.mu.Unlock()
	if next != nil {
		next.mu.Lock()
		next.holdsLock = true
		next.mu.Unlock()
		m.dispatch(next)
	}
}

func recordError(err error) *job.Error {
	e := errors.AsError(err)
	return &job.Error{Code: string(e.Code), Message: e.Message, Errno: e.Errno}
}

func redactedArgs(method *registry.Method, args any) map[string]any {
	if method.Args == nil {
		if m, ok := args.(map[string]any); ok {
			return m
		}
		return nil
	}
	red := schema.Redact(method.Args, args)
	if m, ok := red.(map[string]any); ok {
		return m
	}
	return nil
}

// Get returns the live job or its terminal record.
func (m *Manager) Get(id int64) (job.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if j, ok := m.live[id]; ok {
		return j.Record(), nil
	}
	if rec, ok := m.history[id]; ok {
		return rec, nil
	}
	return job.Record{}, errors.NotFound(fmt.Sprintf("job %d", id))
}

// List returns every known job sorted by id.
func (m *Manager) List() []job.Record {
	m.mu.Lock()
	out := make([]job.Record, 0, len(m.live)+len(m.history))
	for _, j := range m.live {
		out = append(out, j.Record())
	}
	for _, rec := range m.history {
		out = append(out, rec)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

// Wait blocks until the job reaches a terminal state, then returns its
// outcome. Already-terminal jobs return immediately.
func (m *Manager) Wait(ctx context.Context, id int64) (any, error) {
	m.mu.Lock()
	j, running := m.live[id]
	rec, stored := m.history[id]
	m.mu.Unlock()

	if running {
		select {
		case <-j.done:
			rec = j.Record()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else if !stored {
		return nil, errors.NotFound(fmt.Sprintf("job %d", id))
	}

	switch rec.State {
	case job.StateSuccess:
		return rec.Result, nil
	case job.StateAborted:
		return nil, errors.Aborted(fmt.Sprintf("job %d aborted", id))
	default:
		if rec.Error != nil {
			return nil, &errors.Error{Code: errors.Code(rec.Error.Code), Errno: rec.Error.Errno, Message: rec.Error.Message}
		}
		return nil, errors.AsError(fmt.Errorf("job %d failed", id))
	}
}

// Abort requests termination. A WAITING job goes straight to ABORTED; a
// RUNNING job has its context cancelled and is forcibly marked ABORTED after
// the grace period if the handler ignores cancellation.
func (m *Manager) Abort(id int64) error {
	m.mu.Lock()
	j, ok := m.live[id]
	m.mu.Unlock()
	if !ok {
		rec, err := m.Get(id)
		if err != nil {
			return err
		}
		if rec.State.Terminal() {
			return nil
		}
		return errors.NotFound(fmt.Sprintf("job %d", id))
	}

	j.mu.Lock()
	switch j.rec.State {
	case job.StateWaiting:
		j.mu.Unlock()
		m.finish(j, nil, errors.Aborted(fmt.Sprintf("job %d aborted", id)))
		return nil
	case job.StateRunning:
		if j.aborting {
			j.mu.Unlock()
			return nil
		}
		j.aborting = true
		cancel := j.cancel
		j.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		time.AfterFunc(m.opts.AbortGrace, func() {
			m.finish(j, nil, errors.Aborted(fmt.Sprintf("job %d aborted (handler did not stop in time)", id)))
		})
		return nil
	default:
		j.mu.Unlock()
		return nil
	}
}

// RunInThread executes fn on a pool worker, giving synchronous callers
// access to a thread-local slot without submitting a job.
func (m *Manager) RunInThread(ctx context.Context, fn func(tls *registry.ThreadLocal) (any, error)) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	ch := make(chan outcome, 1)
	t := func(tls *registry.ThreadLocal) {
		result, err := fn(tls)
		ch <- outcome{result, err}
	}
	select {
	case m.runq <- t:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Prune drops terminal records beyond the history size, in memory and in the
// store. Run periodically by the maintenance scheduler.
func (m *Manager) Prune(ctx context.Context) error {
	var pruned []job.State
	m.mu.Lock()
	if len(m.history) > m.opts.HistorySize {
		ids := make([]int64, 0, len(m.history))
		for id := range m.history {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, k int) bool { return ids[i] > ids[k] })
		for _, id := range ids[m.opts.HistorySize:] {
			pruned = append(pruned, m.history[id].State)
			delete(m.history, id)
		}
	}
	m.mu.Unlock()
	for _, state := range pruned {
		m.trackState(state, "")
	}
	if m.store == nil {
		return nil
	}
	return m.store.PruneJobs(ctx, m.opts.HistorySize)
}

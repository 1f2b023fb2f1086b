package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/metrics"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
	"github.com/naslab/middled/internal/storage/memory"
	"github.com/naslab/middled/pkg/logger"
)

func newTestManager(t *testing.T, opts Options) (*Manager, *memory.Store) {
	t.Helper()
	store := memory.New()
	m, err := NewManager(context.Background(), store, logger.NewNop(), opts)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(m.Stop)
	return m, store
}

func waitState(t *testing.T, m *Manager, id int64, want job.State) job.Record {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		rec, err := m.Get(id)
		require.NoError(t, err)
		if rec.State == want {
			return rec
		}
		select {
		case <-deadline:
			t.Fatalf("job %d stuck in %s, want %s", id, rec.State, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJobLifecycleSuccess(t *testing.T) {
	m, store := newTestManager(t, Options{Workers: 2})

	method := &registry.Method{
		Name: "pool.scrub",
		Args: schema.Object(schema.F("pool", schema.String()).Req()),
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			call.Job.SetProgress(50, "halfway")
			call.Job.SetProgress(100, "done")
			return "scrubbed " + call.ArgsMap()["pool"].(string), nil
		},
	}

	sub := m.Subscribe(64, nil)
	defer sub.Close()

	id, err := m.Submit(context.Background(), method, map[string]any{"pool": "tank"}, nil)
	require.NoError(t, err)

	result, err := m.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "scrubbed tank", result)

	rec, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, job.StateSuccess, rec.State)
	require.Equal(t, float64(100), rec.Progress.Percent)
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)

	// Progress in the event stream never moves backwards.
	last := -1.0
	states := []job.State{}
	for done := false; !done; {
		select {
		case ev := <-sub.Events():
			if ev.Job.ID != id {
				continue
			}
			require.GreaterOrEqual(t, ev.Job.Progress.Percent, last)
			last = ev.Job.Progress.Percent
			if len(states) == 0 || states[len(states)-1] != ev.Job.State {
				states = append(states, ev.Job.State)
			}
			done = ev.Job.State.Terminal()
		case <-time.After(time.Second):
			t.Fatal("missing terminal event")
		}
	}
	require.Equal(t, []job.State{job.StateWaiting, job.StateRunning, job.StateSuccess}, states)

	// The terminal record was persisted.
	saved, err := store.ListJobs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, saved, 1)
	require.Equal(t, job.StateSuccess, saved[0].State)
}

func TestSubmitValidationFailureNeverRuns(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	ran := false
	method := &registry.Method{
		Name: "pool.scrub",
		Args: schema.Object(schema.F("pool", schema.String()).Req()),
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			ran = true
			return nil, nil
		},
	}

	id, err := m.Submit(context.Background(), method, map[string]any{}, nil)
	require.True(t, errors.Is(err, errors.CodeValidation))

	rec, gerr := m.Get(id)
	require.NoError(t, gerr)
	require.Equal(t, job.StateFailed, rec.State)
	require.Nil(t, rec.StartedAt)
	require.False(t, ran)

	_, werr := m.Wait(context.Background(), id)
	require.True(t, errors.Is(werr, errors.CodeValidation))
}

func TestSecretsRedactedInRecord(t *testing.T) {
	m, _ := newTestManager(t, Options{})

	method := &registry.Method{
		Name: "account.set_password",
		Args: schema.Object(
			schema.F("username", schema.String()).Req(),
			schema.F("password", schema.Secret()).Req(),
		),
		Func: func(ctx context.Context, call *registry.Call) (any, error) { return nil, nil },
	}

	id, err := m.Submit(context.Background(), method, map[string]any{
		"username": "root",
		"password": "hunter2",
	}, nil)
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), id)
	require.NoError(t, err)

	rec, err := m.Get(id)
	require.NoError(t, err)
	require.Equal(t, "root", rec.Args["username"])
	require.Equal(t, schema.RedactedPlaceholder, rec.Args["password"])
}

func TestAbortWaitingAndRunning(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 1, AbortGrace: 50 * time.Millisecond})

	started := make(chan struct{})
	release := make(chan struct{})
	cooperative := &registry.Method{
		Name:    "pool.export",
		LockKey: "{pool}",
		Args:    schema.Object(schema.F("pool", schema.String()).Req()),
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			close(started)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-release:
				return "exported", nil
			}
		},
	}

	args := map[string]any{"pool": "tank"}
	first, err := m.Submit(context.Background(), cooperative, args, nil)
	require.NoError(t, err)
	<-started

	// Same lock key: the second job queues behind the first and stays WAITING.
	second, err := m.Submit(context.Background(), cooperative, args, nil)
	require.NoError(t, err)
	rec, _ := m.Get(second)
	require.Equal(t, job.StateWaiting, rec.State)

	// Aborting the waiter terminates it without ever running.
	require.NoError(t, m.Abort(second))
	rec = waitState(t, m, second, job.StateAborted)
	require.Nil(t, rec.StartedAt)

	// Aborting the runner cancels its context.
	require.NoError(t, m.Abort(first))
	_, err = m.Wait(context.Background(), first)
	require.True(t, errors.Is(err, errors.CodeInterrupted))
}

func TestAbortGraceForcesTermination(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 1, AbortGrace: 30 * time.Millisecond})

	started := make(chan struct{})
	stubborn := &registry.Method{
		Name:      "pool.stuck",
		Transient: true,
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			close(started)
			// Ignores cancellation entirely.
			time.Sleep(300 * time.Millisecond)
			return "late", nil
		},
	}

	id, err := m.Submit(context.Background(), stubborn, nil, nil)
	require.NoError(t, err)
	<-started
	require.NoError(t, m.Abort(id))

	_, err = m.Wait(context.Background(), id)
	require.True(t, errors.Is(err, errors.CodeInterrupted))
	rec, _ := m.Get(id)
	require.Equal(t, job.StateAborted, rec.State)
}

func TestLockSerializationFIFO(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 4})

	var mu sync.Mutex
	var runOrder []int64
	release := make(chan struct{})
	method := &registry.Method{
		Name:      "pool.replicate",
		Transient: true,
		LockKey:   "{target}",
		Args:      schema.Object(schema.F("target", schema.String()).Req()),
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			mu.Lock()
			runOrder = append(runOrder, call.Job.(*Job).Record().ID)
			mu.Unlock()
			<-release
			return nil, nil
		},
	}

	args := map[string]any{"target": "backup1"}
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := m.Submit(context.Background(), method, args, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// The lock admits one runner; the rest stay WAITING.
	waitState(t, m, ids[0], job.StateRunning)
	for _, id := range ids[1:] {
		rec, err := m.Get(id)
		require.NoError(t, err)
		require.Equal(t, job.StateWaiting, rec.State)
	}

	close(release)
	for _, id := range ids {
		_, err := m.Wait(context.Background(), id)
		require.NoError(t, err)
	}

	// FIFO per lock key: run order matches submission order.
	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, ids, runOrder)
}

func TestPanicBecomesFailure(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 1, HistorySize: 10})

	bomb := &registry.Method{
		Name:      "pool.bomb",
		Transient: true,
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			panic("kaboom")
		},
	}
	id, err := m.Submit(context.Background(), bomb, nil, nil)
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), id)
	require.Error(t, err)

	rec, _ := m.Get(id)
	require.Equal(t, job.StateFailed, rec.State)

	// The worker survived and runs the next job.
	ok := &registry.Method{
		Name:      "pool.ok",
		Transient: true,
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			return "fine", nil
		},
	}
	id, err = m.Submit(context.Background(), ok, nil, nil)
	require.NoError(t, err)
	result, err := m.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "fine", result)
}

func TestThreadLocalPersistsPerWorker(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 1})

	method := &registry.Method{
		Name:            "dataset.encrypt",
		Transient:       true,
		PassThreadLocal: true,
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			n := 0
			if v, ok := call.ThreadLocal.Get("counter"); ok {
				n = v.(int)
			}
			n++
			call.ThreadLocal.Set("counter", n)
			return n, nil
		},
	}

	for want := 1; want <= 3; want++ {
		id, err := m.Submit(context.Background(), method, nil, nil)
		require.NoError(t, err)
		got, err := m.Wait(context.Background(), id)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestSlowSubscriberGetsDroppedMarker(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 1})
	sub := m.Subscribe(2, nil)
	defer sub.Close()

	chatty := &registry.Method{
		Name:      "pool.chatty",
		Transient: true,
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			for i := 1; i <= 20; i++ {
				call.Job.SetProgress(float64(i*5), "step")
			}
			return nil, nil
		},
	}
	id, err := m.Submit(context.Background(), chatty, nil, nil)
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), id)
	require.NoError(t, err)

	sawDropped := false
	for {
		select {
		case ev := <-sub.Events():
			if ev.Kind == EventDropped {
				sawDropped = true
			}
		case <-time.After(100 * time.Millisecond):
			require.True(t, sawDropped, "expected a DROPPED marker for the slow subscriber")
			// The subscription survived: a new job still produces events.
			id, err := m.Submit(context.Background(), chatty, nil, nil)
			require.NoError(t, err)
			_, err = m.Wait(context.Background(), id)
			require.NoError(t, err)
			select {
			case <-sub.Events():
			case <-time.After(time.Second):
				t.Fatal("subscription dead after overflow")
			}
			return
		}
	}
}

func TestRunInThread(t *testing.T) {
	m, _ := newTestManager(t, Options{Workers: 2})

	got, err := m.RunInThread(context.Background(), func(tls *registry.ThreadLocal) (any, error) {
		tls.Set("seen", true)
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, got)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.RunInThread(ctx, func(tls *registry.ThreadLocal) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	require.ErrorIs(t, err, context.Canceled)
}

func TestHistoryReloadAndWaitStoredOutcome(t *testing.T) {
	store := memory.New()
	m, err := NewManager(context.Background(), store, logger.NewNop(), Options{Workers: 1})
	require.NoError(t, err)

	method := &registry.Method{
		Name: "pool.snapshot",
		Func: func(ctx context.Context, call *registry.Call) (any, error) {
			return "snap-1", nil
		},
	}
	id, err := m.Submit(context.Background(), method, nil, nil)
	require.NoError(t, err)
	_, err = m.Wait(context.Background(), id)
	require.NoError(t, err)
	m.Stop()

	// A fresh manager over the same store sees the terminal outcome.
	m2, err := NewManager(context.Background(), store, logger.NewNop(), Options{Workers: 1})
	require.NoError(t, err)
	defer m2.Stop()

	result, err := m2.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, "snap-1", result)

	// Ids keep increasing across restarts.
	id2, err := m2.Submit(context.Background(), method, nil, nil)
	require.NoError(t, err)
	require.Greater(t, id2, id)
}

func TestJobStateGauge(t *testing.T) {
	met := metrics.New()
	m, _ := newTestManager(t, Options{Workers: 1, Metrics: met})

	gauge := func(state job.State) float64 {
		return testutil.ToFloat64(met.JobsByState.WithLabelValues(string(state)))
	}

	method := &registry.Method{
		Name: "test.ok",
		Func: func(ctx context.Context, call *registry.Call) (any, error) { return 1, nil },
	}
	id, err := m.Submit(context.Background(), method, nil, nil)
	require.NoError(t, err)
	waitState(t, m, id, job.StateSuccess)
	require.Eventually(t, func() bool { return gauge(job.StateSuccess) == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, gauge(job.StateWaiting))
	require.Zero(t, gauge(job.StateRunning))

	// A validation failure is born WAITING and dies FAILED without running.
	strict := &registry.Method{
		Name: "test.strict",
		Args: schema.Object(schema.F("n", schema.Int()).Req()),
		Func: func(ctx context.Context, call *registry.Call) (any, error) { return nil, nil },
	}
	_, err = m.Submit(context.Background(), strict, map[string]any{}, nil)
	require.Error(t, err)
	require.Eventually(t, func() bool { return gauge(job.StateFailed) == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, gauge(job.StateWaiting))
}

package registry

import (
	"context"
	"sync"

	"github.com/naslab/middled/internal/auth"
)

// Session is the slice of a transport session visible to method handlers
// that declare PassCredential. Kept minimal to avoid coupling handlers to
// transport internals.
type Session interface {
	ID() string
	Origin() *auth.Origin
}

// JobControl lets a job method report progress and append to its log. For
// synchronous calls it is nil.
type JobControl interface {
	SetProgress(percent float64, description string)
	Logf(format string, args ...any)
}

// ThreadLocal is a per-worker slot for methods that declare PassThreadLocal.
// It survives across jobs executed on the same worker, which lets handlers
// cache expensive per-thread state such as library handles.
type ThreadLocal struct {
	mu     sync.Mutex
	values map[string]any
}

func (t *ThreadLocal) Get(key string) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.values[key]
	return v, ok
}

func (t *ThreadLocal) Set(key string, value any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.values == nil {
		t.values = make(map[string]any)
	}
	t.values[key] = value
}

// Call carries everything a handler may receive. Which fields are populated
// depends on the method's descriptor flags.
type Call struct {
	Args        any
	Credential  auth.Credential
	Session     Session
	Job         JobControl
	ThreadLocal *ThreadLocal
}

// ArgsMap returns the call arguments as an object, or an empty map when the
// method takes none.
func (c *Call) ArgsMap() map[string]any {
	if m, ok := c.Args.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// HandlerFunc is the uniform shape of every method implementation.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

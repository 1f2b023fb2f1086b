package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/naslab/middled/internal/schema"
)

// Method is the complete descriptor of one callable operation. The dispatcher
// consults it for authorization, validation, auditing and execution mode; the
// handler itself never re-checks any of that.
type Method struct {
	// Name is the fully qualified "service.method" name.
	Name        string
	Description string

	Args   *schema.Schema
	Result *schema.Schema

	// Roles that may invoke the method. Empty means unix-socket only.
	Roles []string

	// Audit, when set, makes every call an audited operation. The template
	// may reference argument fields as {field}.
	Audit string

	// IsJob methods return a job id immediately and run on the worker pool.
	IsJob bool
	// Transient jobs are never persisted.
	Transient bool
	// LockKey template; jobs rendering to the same key serialize FIFO.
	LockKey string

	PassCredential  bool
	NoAuth          bool
	PassThreadLocal bool

	// Timeout bounds synchronous execution. Zero means no limit.
	Timeout time.Duration

	Func HandlerFunc
}

// ServiceName returns the portion of the qualified name before the last dot.
func (m *Method) ServiceName() string {
	if i := strings.LastIndex(m.Name, "."); i >= 0 {
		return m.Name[:i]
	}
	return m.Name
}

// RenderTemplate substitutes {field} references with values from args.
// Unknown references render as-is so a bad template never hides the method
// name from the audit trail.
func RenderTemplate(tpl string, args any) string {
	if !strings.Contains(tpl, "{") {
		return tpl
	}
	fields, _ := args.(map[string]any)
	var b strings.Builder
	rest := tpl
	for {
		open := strings.Index(rest, "{")
		if open < 0 {
			b.WriteString(rest)
			return b.String()
		}
		closing := strings.Index(rest[open:], "}")
		if closing < 0 {
			b.WriteString(rest)
			return b.String()
		}
		b.WriteString(rest[:open])
		name := rest[open+1 : open+closing]
		if v, ok := fields[name]; ok {
			b.WriteString(fmt.Sprintf("%v", v))
		} else {
			b.WriteString(rest[open : open+closing+1])
		}
		rest = rest[open+closing+1:]
	}
}

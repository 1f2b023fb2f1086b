package dispatcher

import (
	"context"
	"time"

	"github.com/naslab/middled/internal/domain/audit"
	"github.com/naslab/middled/internal/storage"
	"github.com/naslab/middled/pkg/logger"
)

// AuditCollection is the event stream carrying audit records.
const AuditCollection = "audit.events"

// auditWriter persists call records and mirrors them onto the bus. Audit
// failures never fail the audited call; they are logged and dropped.
type auditWriter struct {
	store storage.AuditStore
	bus   *Bus
	log   *logger.Logger
}

func (w *auditWriter) append(ctx context.Context, entry audit.Entry) {
	entry.Timestamp = time.Now()
	saved, err := w.store.AppendAudit(ctx, entry)
	if err != nil {
		w.log.WithError(err).WithField("method", entry.Method).Error("append audit record")
		saved = entry
	}
	w.bus.Emit(Event{
		Collection: AuditCollection,
		Type:       EventAdded,
		ID:         saved.ID,
		Fields: map[string]any{
			"timestamp":   saved.Timestamp,
			"session_id":  saved.SessionID,
			"principal":   saved.Principal,
			"origin":      saved.Origin,
			"method":      saved.Method,
			"description": saved.Description,
			"args":        saved.Args,
			"outcome":     string(saved.Outcome),
			"error_code":  saved.ErrorCode,
			"duration_ms": saved.Duration.Milliseconds(),
		},
	})
}

// Package core provides the dispatcher's built-in methods: introspection,
// job control and event subscription management.
package core

import (
	"context"
	"time"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/dispatcher"
	"github.com/naslab/middled/internal/domain/job"
	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/internal/jobs"
	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
)

// Plugin builds the core plugin over the job manager.
func Plugin(jm *jobs.Manager) registry.Builder {
	return func(r *registry.Registry) (registry.Plugin, error) {
		return registry.Plugin{
			Name: "core",
			Services: []registry.Service{
				&registry.PlainService{Name: "core", Declare: methods(r, jm)},
			},
			Events: []registry.EventType{
				{
					Name:        dispatcher.JobsCollection,
					Description: "Job state, progress and log updates.",
					Replay: func(ctx context.Context) ([]registry.ReplayItem, error) {
						records := jm.List()
						items := make([]registry.ReplayItem, 0, len(records))
						for _, rec := range records {
							items = append(items, registry.ReplayItem{ID: rec.ID, Fields: JobFields(rec)})
						}
						return items, nil
					},
				},
				{
					Name:        dispatcher.AuditCollection,
					Description: "Audit records for audited method calls.",
					Roles:       []string{"SYSTEM_AUDIT_READ"},
				},
			},
		}, nil
	}
}

func methods(r *registry.Registry, jm *jobs.Manager) []*registry.Method {
	return []*registry.Method{
		{
			Name:        "core.ping",
			Description: "Liveness probe; answers before authentication.",
			NoAuth:      true,
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				return "pong", nil
			},
		},
		{
			Name:        "core.get_methods",
			Description: "Describe every callable method.",
			Roles:       []string{auth.RoleAny},
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				out := make([]map[string]any, 0)
				for _, m := range r.ListMethods() {
					out = append(out, map[string]any{
						"name":        m.Name,
						"description": m.Description,
						"roles":       m.Roles,
						"is_job":      m.IsJob,
						"no_auth":     m.NoAuth,
						"audited":     m.Audit != "",
					})
				}
				return out, nil
			},
		},
		{
			Name:        "core.get_jobs",
			Description: "List known jobs, optionally one by id.",
			Roles:       []string{auth.RoleAny},
			Args:        schema.Object(schema.F("id", schema.Int())),
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				if raw, ok := call.ArgsMap()["id"]; ok {
					id, _ := raw.(int64)
					rec, err := jm.Get(id)
					if err != nil {
						return nil, err
					}
					return renderJob(rec), nil
				}
				records := jm.List()
				out := make([]map[string]any, 0, len(records))
				for _, rec := range records {
					out = append(out, renderJob(rec))
				}
				return out, nil
			},
		},
		{
			Name:        "core.job_wait",
			Description: "Block until a job reaches a terminal state and return its result.",
			Roles:       []string{auth.RoleAny},
			Args:        schema.Object(schema.F("id", schema.Int()).Req()),
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				return jm.Wait(ctx, call.ArgsMap()["id"].(int64))
			},
		},
		{
			Name:        "core.job_abort",
			Description: "Abort a waiting or running job.",
			Roles:       []string{auth.RoleAny},
			Args:        schema.Object(schema.F("id", schema.Int()).Req()),
			Audit:       "Abort job {id}",
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				return true, jm.Abort(call.ArgsMap()["id"].(int64))
			},
		},
		{
			Name:        "core.subscribe",
			Description: "Subscribe the session to an event stream.",
			Roles:       []string{auth.RoleAny},
			Args: schema.Object(
				schema.F("name", schema.String()).Req(),
				schema.F("replay", schema.Bool()).Def(false),
			),
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, ok := call.Session.(*dispatcher.Session)
				if !ok {
					return nil, errors.NotSupported("subscriptions on this transport")
				}
				args := call.ArgsMap()
				replay, _ := args["replay"].(bool)
				err := sess.Subscribe(ctx, args["name"].(string), dispatcher.SubscribeOptions{Replay: replay})
				return err == nil, err
			},
		},
		{
			Name:        "core.unsubscribe",
			Description: "Remove an event subscription.",
			Roles:       []string{auth.RoleAny},
			Args:        schema.Object(schema.F("name", schema.String()).Req()),
			Func: func(ctx context.Context, call *registry.Call) (any, error) {
				sess, ok := call.Session.(*dispatcher.Session)
				if !ok {
					return nil, errors.NotSupported("subscriptions on this transport")
				}
				err := sess.Unsubscribe(call.ArgsMap()["name"].(string))
				return err == nil, err
			},
		},
	}
}

// JobFields renders the event payload for one job record.
func JobFields(rec job.Record) map[string]any {
	return map[string]any{
		"method":   rec.Method,
		"state":    string(rec.State),
		"percent":  rec.Progress.Percent,
		"progress": rec.Progress.Description,
	}
}

func renderJob(rec job.Record) map[string]any {
	out := map[string]any{
		"id":        rec.ID,
		"method":    rec.Method,
		"args":      rec.Args,
		"owner":     rec.Credential,
		"state":     string(rec.State),
		"percent":   rec.Progress.Percent,
		"progress":  rec.Progress.Description,
		"queued_at": rec.QueuedAt.Format(time.RFC3339),
	}
	if rec.StartedAt != nil {
		out["started_at"] = rec.StartedAt.Format(time.RFC3339)
	}
	if rec.FinishedAt != nil {
		out["finished_at"] = rec.FinishedAt.Format(time.RFC3339)
	}
	if rec.Result != nil {
		out["result"] = rec.Result
	}
	if rec.Error != nil {
		out["error"] = map[string]any{
			"code":    rec.Error.Code,
			"message": rec.Error.Message,
			"errno":   rec.Error.Errno,
		}
	}
	return out
}

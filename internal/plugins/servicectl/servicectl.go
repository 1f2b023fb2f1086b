// Package servicectl exposes lifecycle control over registered system
// services through a single job-based method.
package servicectl

import (
	"context"

	"github.com/naslab/middled/internal/registry"
	"github.com/naslab/middled/internal/schema"
)

// Plugin builds the service plugin. Individual system services are registered
// by their own plugins; this one only drives them.
func Plugin() registry.Builder {
	return func(r *registry.Registry) (registry.Plugin, error) {
		return registry.Plugin{
			Name:      "service",
			DependsOn: []string{"core"},
			Services: []registry.Service{&registry.PlainService{
				Name: "service",
				Declare: []*registry.Method{
					{
						Name:        "service.query",
						Description: "List controllable services and their running state.",
						Roles:       []string{"SERVICE_READ"},
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							out := make([]map[string]any, 0)
							for _, name := range r.SystemServiceNames() {
								svc, err := r.SystemService(name)
								if err != nil {
									return nil, err
								}
								row := map[string]any{"service": name}
								if svc.Running != nil {
									row["running"] = svc.Running(ctx)
								}
								out = append(out, row)
							}
							return out, nil
						},
					},
					{
						Name:        "service.control",
						Description: "Start, stop, restart or reload a service.",
						Roles:       []string{"SERVICE_WRITE"},
						Args: schema.Object(
							schema.F("service", schema.String()).Req(),
							schema.F("verb", schema.EnumOf("start", "stop", "restart", "reload")).Req(),
						),
						Audit:   "Control service {service}: {verb}",
						IsJob:   true,
						LockKey: "{service}",
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							args := call.ArgsMap()
							name := args["service"].(string)
							verb := args["verb"].(string)
							svc, err := r.SystemService(name)
							if err != nil {
								return nil, err
							}
							if call.Job != nil {
								call.Job.SetProgress(10, verb+" "+name)
							}
							if err := svc.Control(ctx, verb); err != nil {
								return nil, err
							}
							running := false
							if svc.Running != nil {
								running = svc.Running(ctx)
							}
							return map[string]any{"service": name, "running": running}, nil
						},
					},
				},
			}},
		}, nil
	}
}

// Package systeminfo reports host facts and daemon uptime.
package systeminfo

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/naslab/middled/internal/auth"
	"github.com/naslab/middled/internal/registry"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Plugin builds the system plugin.
func Plugin(startedAt time.Time) registry.Builder {
	return func(r *registry.Registry) (registry.Plugin, error) {
		return registry.Plugin{
			Name:      "system",
			DependsOn: []string{"core"},
			Services: []registry.Service{&registry.PlainService{
				Name: "system",
				Declare: []*registry.Method{
					{
						Name:        "system.info",
						Description: "Describe the host: platform, CPU, memory and load.",
						Roles:       []string{auth.RoleAny},
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							return gather(ctx, startedAt)
						},
					},
					{
						Name:        "system.uptime",
						Description: "Seconds since the daemon started.",
						Roles:       []string{auth.RoleAny},
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							return int64(time.Since(startedAt).Seconds()), nil
						},
					},
					{
						Name:        "system.version",
						Description: "Daemon version string.",
						NoAuth:      true,
						Func: func(ctx context.Context, call *registry.Call) (any, error) {
							return Version, nil
						},
					},
				},
			}},
		}, nil
	}
}

// gather collects best-effort host facts. Probe failures leave their field
// out rather than failing the call.
func gather(ctx context.Context, startedAt time.Time) (map[string]any, error) {
	info := map[string]any{
		"version":    Version,
		"go_version": runtime.Version(),
		"arch":       runtime.GOARCH,
		"started_at": startedAt.Format(time.RFC3339),
	}
	if hi, err := host.InfoWithContext(ctx); err == nil {
		info["hostname"] = hi.Hostname
		info["os"] = hi.OS
		info["platform"] = hi.Platform
		info["platform_version"] = hi.PlatformVersion
		info["kernel_version"] = hi.KernelVersion
		info["host_uptime"] = hi.Uptime
		info["boot_time"] = time.Unix(int64(hi.BootTime), 0).UTC().Format(time.RFC3339)
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info["memory"] = map[string]any{
			"total":        vm.Total,
			"available":    vm.Available,
			"used_percent": vm.UsedPercent,
		}
	}
	if counts, err := cpu.CountsWithContext(ctx, true); err == nil {
		info["cores"] = counts
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil && len(cpus) > 0 {
		info["cpu_model"] = cpus[0].ModelName
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info["loadavg"] = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	return info, nil
}

// Package registry assembles plugins into the method, event and hook tables
// the dispatcher serves. Plugins are linked at compile time and loaded in
// dependency order; a broken plugin graph is fatal at startup.
package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/naslab/middled/internal/errors"
	"github.com/naslab/middled/pkg/logger"
)

// ReplayItem is one current entity of a collection, rendered as a synthetic
// ADDED event when a subscriber requests replay.
type ReplayItem struct {
	ID     any
	Fields map[string]any
}

// EventType declares one event stream a plugin may emit. Subscription is
// authorized against Roles at subscribe time.
type EventType struct {
	Name        string
	Description string
	Roles       []string
	// NoAuth streams are visible to unauthenticated sessions.
	NoAuth bool
	// Replay, when set, produces the collection's current contents for
	// subscriptions that ask to be primed before live updates.
	Replay func(ctx context.Context) ([]ReplayItem, error)
}

// HookFunc receives the hook payload. Mutating the payload is allowed; hooks
// in the same chain see each other's mutations.
type HookFunc func(ctx context.Context, payload any) error

// HookRegistration attaches a function to a named hook point.
type HookRegistration struct {
	Name string
	Fn   HookFunc
	// SynchronousRequired propagates the hook's failure to the caller
	// instead of logging it.
	SynchronousRequired bool
}

// Plugin is one unit of functionality: services, event types and hooks, plus
// the names of plugins that must load first.
type Plugin struct {
	Name      string
	DependsOn []string
	Services  []Service
	Events    []EventType
	Hooks     []HookRegistration
}

// Builder produces a plugin. Builders run in dependency order during Build,
// after every plugin they depend on has been constructed.
type Builder func(r *Registry) (Plugin, error)

type namedBuilder struct {
	name      string
	dependsOn []string
	build     Builder
}

// Registry is the immutable method/event/hook table served to transports.
// All mutation happens inside Build; afterwards reads need no locking.
type Registry struct {
	log       *logger.Logger
	methods   map[string]*Method
	events    map[string]EventType
	hooks     map[string][]HookRegistration
	system    map[string]*SystemService
	loadOrder []string
}

// NewBuilderSet starts an empty plugin set.
type BuilderSet struct {
	builders []namedBuilder
}

func NewBuilderSet() *BuilderSet { return &BuilderSet{} }

// Add registers a plugin builder under its name with its dependencies.
func (s *BuilderSet) Add(name string, dependsOn []string, build Builder) *BuilderSet {
	s.builders = append(s.builders, namedBuilder{name: name, dependsOn: dependsOn, build: build})
	return s
}

// Build loads every plugin in topological order and assembles the registry.
// A dependency cycle, an unknown dependency or a duplicate method name is a
// hard error; the daemon must not start with a partial method table.
func Build(log *logger.Logger, set *BuilderSet) (*Registry, error) {
	if log == nil {
		log = logger.NewDefault("registry")
	}
	r := &Registry{
		log:     log,
		methods: make(map[string]*Method),
		events:  make(map[string]EventType),
		hooks:   make(map[string][]HookRegistration),
		system:  make(map[string]*SystemService),
	}

	order, err := topoSort(set.builders)
	if err != nil {
		return nil, err
	}

	byName := make(map[string]namedBuilder, len(set.builders))
	for _, b := range set.builders {
		byName[b.name] = b
	}
	for _, name := range order {
		plugin, err := byName[name].build(r)
		if err != nil {
			return nil, fmt.Errorf("load plugin %s: %w", name, err)
		}
		if plugin.Name == "" {
			plugin.Name = name
		}
		if err := r.install(plugin); err != nil {
			return nil, fmt.Errorf("load plugin %s: %w", name, err)
		}
		r.loadOrder = append(r.loadOrder, name)
		log.WithField("plugin", name).Infof("loaded plugin with %d services", len(plugin.Services))
	}
	return r, nil
}

func (r *Registry) install(p Plugin) error {
	for _, svc := range p.Services {
		if sys, ok := svc.(*SystemService); ok {
			if _, dup := r.system[sys.Name]; dup {
				return fmt.Errorf("duplicate system service %s", sys.Name)
			}
			r.system[sys.Name] = sys
		}
		for _, m := range svc.Methods() {
			if m.Func == nil {
				return fmt.Errorf("method %s has no implementation", m.Name)
			}
			if _, dup := r.methods[m.Name]; dup {
				return fmt.Errorf("duplicate method %s", m.Name)
			}
			r.methods[m.Name] = m
		}
	}
	for _, ev := range p.Events {
		if _, dup := r.events[ev.Name]; dup {
			return fmt.Errorf("duplicate event type %s", ev.Name)
		}
		r.events[ev.Name] = ev
	}
	for _, h := range p.Hooks {
		r.hooks[h.Name] = append(r.hooks[h.Name], h)
	}
	return nil
}

// topoSort orders builders leaves-first. The error for a cycle names every
// plugin involved.
func topoSort(builders []namedBuilder) ([]string, error) {
	known := make(map[string]namedBuilder, len(builders))
	for _, b := range builders {
		if _, dup := known[b.name]; dup {
			return nil, fmt.Errorf("duplicate plugin %s", b.name)
		}
		known[b.name] = b
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(builders))
	order := make([]string, 0, len(builders))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("plugin dependency cycle: %s", strings.Join(append(stack, name), " -> "))
		}
		b, ok := known[name]
		if !ok {
			return fmt.Errorf("unknown plugin dependency %s (wanted by %s)", name, stack[len(stack)-1])
		}
		state[name] = visiting
		for _, dep := range b.dependsOn {
			if err := visit(dep, append(stack, name)); err != nil {
				return err
			}
		}
		state[name] = done
		order = append(order, name)
		return nil
	}

	for _, b := range builders {
		if err := visit(b.name, nil); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// GetMethod resolves a qualified method name.
func (r *Registry) GetMethod(name string) (*Method, error) {
	m, ok := r.methods[name]
	if !ok {
		return nil, errors.NotFound("method " + name)
	}
	return m, nil
}

// ListMethods returns every method sorted by name.
func (r *Registry) ListMethods() []*Method {
	out := make([]*Method, 0, len(r.methods))
	for _, m := range r.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetEventType resolves a declared event stream name.
func (r *Registry) GetEventType(name string) (EventType, bool) {
	ev, ok := r.events[name]
	return ev, ok
}

// ListEventTypes returns every declared event type sorted by name.
func (r *Registry) ListEventTypes() []EventType {
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SystemService resolves a controllable service by name.
func (r *Registry) SystemService(name string) (*SystemService, error) {
	svc, ok := r.system[name]
	if !ok {
		return nil, errors.NotFound("service " + name)
	}
	return svc, nil
}

// SystemServiceNames lists the controllable services.
func (r *Registry) SystemServiceNames() []string {
	out := make([]string, 0, len(r.system))
	for name := range r.system {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// LoadOrder returns the plugin names in the order they were loaded.
func (r *Registry) LoadOrder() []string {
	return append([]string(nil), r.loadOrder...)
}

// CallHook runs every registration for the named hook in declared order. A
// failing hook is logged and the chain continues, unless the registration
// requires synchronous success, in which case the error propagates and the
// remaining hooks do not run.
func (r *Registry) CallHook(ctx context.Context, name string, payload any) error {
	for _, h := range r.hooks[name] {
		if err := h.Fn(ctx, payload); err != nil {
			if h.SynchronousRequired {
				return fmt.Errorf("hook %s: %w", name, err)
			}
			r.log.WithError(err).WithField("hook", name).Warn("hook failed")
		}
	}
	return nil
}

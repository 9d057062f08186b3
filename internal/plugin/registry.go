package plugin

import "fmt"

// Slot names the six contract points from spec §4.1.
type Slot string

const (
	SlotRuntime   Slot = "runtime"
	SlotAgent     Slot = "agent"
	SlotWorkspace Slot = "workspace"
	SlotTracker   Slot = "tracker"
	SlotSCM       Slot = "scm"
	SlotNotifier  Slot = "notifier"
)

// slotRegistry[T] is a typed, per-slot name→instance map. Generalized from
// spec §9's redesign note ("a typed registry register(slot, name, impl)
// called by the host at startup") so callers never type-assert `any`.
type slotRegistry[T any] map[string]T

func (r slotRegistry[T]) register(name string, impl T) { r[name] = impl }

func (r slotRegistry[T]) get(name string) (T, bool) {
	v, ok := r[name]
	return v, ok
}

// Registry composes one typed sub-registry per slot. It is populated once
// at process startup by the host, which statically links whichever plugin
// implementations it ships with (spec §9: "the host statically links the
// plugin implementations it ships with").
type Registry struct {
	runtimes   slotRegistry[Runtime]
	agents     slotRegistry[Agent]
	workspaces slotRegistry[Workspace]
	trackers   slotRegistry[Tracker]
	scms       slotRegistry[SCM]
	notifiers  slotRegistry[Notifier]
}

// NewRegistry returns an empty registry ready for RegisterX calls.
func NewRegistry() *Registry {
	return &Registry{
		runtimes:   slotRegistry[Runtime]{},
		agents:     slotRegistry[Agent]{},
		workspaces: slotRegistry[Workspace]{},
		trackers:   slotRegistry[Tracker]{},
		scms:       slotRegistry[SCM]{},
		notifiers:  slotRegistry[Notifier]{},
	}
}

func (r *Registry) RegisterRuntime(name string, impl Runtime) { r.runtimes.register(name, impl) }
func (r *Registry) RegisterAgent(name string, impl Agent)     { r.agents.register(name, impl) }
func (r *Registry) RegisterWorkspace(name string, impl Workspace) {
	r.workspaces.register(name, impl)
}
func (r *Registry) RegisterTracker(name string, impl Tracker)   { r.trackers.register(name, impl) }
func (r *Registry) RegisterSCM(name string, impl SCM)           { r.scms.register(name, impl) }
func (r *Registry) RegisterNotifier(name string, impl Notifier) { r.notifiers.register(name, impl) }

// Runtime looks up a named Runtime plugin. The second return reports
// presence so callers can fail closed (spec §4.1: "Missing plugins fail
// closed: the core skips the dependent code path rather than failing the
// whole cycle").
func (r *Registry) Runtime(name string) (Runtime, bool) { return r.runtimes.get(name) }

// Agent looks up a named Agent plugin.
func (r *Registry) Agent(name string) (Agent, bool) { return r.agents.get(name) }

// Workspace looks up a named Workspace plugin.
func (r *Registry) Workspace(name string) (Workspace, bool) { return r.workspaces.get(name) }

// Tracker looks up a named Tracker plugin.
func (r *Registry) Tracker(name string) (Tracker, bool) { return r.trackers.get(name) }

// SCM looks up a named SCM plugin.
func (r *Registry) SCM(name string) (SCM, bool) { return r.scms.get(name) }

// Notifier looks up a named Notifier plugin.
func (r *Registry) Notifier(name string) (Notifier, bool) { return r.notifiers.get(name) }

// ErrPluginUnavailable is returned by MustX accessors. Callers that need
// the fail-closed behavior described in spec §4.1 should prefer the plain
// lookup (ok bool) form and skip the dependent code path themselves; MustX
// exists for the rarer call site where a missing plugin really is a
// configuration error (spec §9: "missing plugins are a runtime error only
// if actually referenced").
var ErrPluginUnavailable = fmt.Errorf("plugin: unavailable")

// MustRuntime looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustRuntime(name string) (Runtime, error) {
	v, ok := r.Runtime(name)
	if !ok {
		return nil, fmt.Errorf("%w: runtime %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

// MustAgent looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustAgent(name string) (Agent, error) {
	v, ok := r.Agent(name)
	if !ok {
		return nil, fmt.Errorf("%w: agent %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

// MustWorkspace looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustWorkspace(name string) (Workspace, error) {
	v, ok := r.Workspace(name)
	if !ok {
		return nil, fmt.Errorf("%w: workspace %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

// MustTracker looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustTracker(name string) (Tracker, error) {
	v, ok := r.Tracker(name)
	if !ok {
		return nil, fmt.Errorf("%w: tracker %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

// MustSCM looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustSCM(name string) (SCM, error) {
	v, ok := r.SCM(name)
	if !ok {
		return nil, fmt.Errorf("%w: scm %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

// MustNotifier looks up name or returns a formatted, slot-qualified error.
func (r *Registry) MustNotifier(name string) (Notifier, error) {
	v, ok := r.Notifier(name)
	if !ok {
		return nil, fmt.Errorf("%w: notifier %q", ErrPluginUnavailable, name)
	}
	return v, nil
}

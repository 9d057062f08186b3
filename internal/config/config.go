// Package config models the configuration surface the core consumes (spec
// §6). Loading from YAML/CLI flags stays external (spec §1 out-of-scope:
// "YAML configuration loading"); this package only validates and resolves
// an already-parsed configuration tree, grounded on the teacher's
// server/configuration.go Clone/IsValid/SetDefaults pattern.
package config

import (
	"fmt"
	"time"
)

// ReactionConfig mirrors spec §4.3.4's reaction configuration shape.
// EscalateAfter is always a duration string after validation: spec §9
// resolves the `duration-string|int` Open Question in favor of the
// duration-string form only, since the `<n>{s|m|h}` grammar already gives
// an unambiguous, explicit unit.
type ReactionConfig struct {
	Action        string `json:"action"`
	Message       string `json:"message,omitempty"`
	Retries       int    `json:"retries,omitempty"`
	EscalateAfter string `json:"escalateAfter,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Auto          *bool  `json:"auto,omitempty"`
}

// IsAuto reports whether this reaction fires automatically. Absent `auto`
// defaults to true; `action == "notify"` is always treated as auto
// regardless of the flag (spec §4.3.3 step 6: "auto ≠ false (or action is
// notify)").
func (r ReactionConfig) IsAuto() bool {
	if r.Action == "notify" {
		return true
	}
	if r.Auto == nil {
		return true
	}
	return *r.Auto
}

// EscalateAfterDuration parses EscalateAfter, or returns (0, false) if
// unset.
func (r ReactionConfig) EscalateAfterDuration() (time.Duration, bool, error) {
	if r.EscalateAfter == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(r.EscalateAfter)
	if err != nil {
		return 0, false, fmt.Errorf("config: invalid escalateAfter %q: %w", r.EscalateAfter, err)
	}
	return d, true, nil
}

// ProjectConfig is one entry of `projects.{...}` from spec §6.
type ProjectConfig struct {
	Name          string
	Repo          string
	Path          string
	DefaultBranch string
	SessionPrefix string
	Agent         string
	Runtime       string
	Workspace     string
	Tracker       string
	SCM           string
	Reactions     map[string]ReactionConfig
}

// Defaults is `defaults.{runtime,agent,workspace,notifiers}` from spec §6.
type Defaults struct {
	Runtime   string
	Agent     string
	Workspace string
	Notifiers []string
}

// NotifierConfig is one entry of `notifiers.{...}`; its contents are
// plugin-specific and opaque to the core beyond the name used for lookup.
type NotifierConfig struct {
	Name string
	Opts map[string]any
}

// Config is the fully-resolved configuration tree the core consumes (spec
// §6). It never performs its own YAML/CLI parsing; callers build one from
// an already-parsed document via FromRaw or construct it directly.
type Config struct {
	ConfigPath          string
	DataDir             string
	Defaults            Defaults
	Projects            map[string]ProjectConfig
	Notifiers           map[string]NotifierConfig
	NotificationRouting map[string][]string // priority -> notifier names
	Reactions           map[string]ReactionConfig
}

// Clone returns a deep copy, mirroring the teacher's configuration.Clone
// (spec-agnostic pattern: never let callers mutate config fields they
// merely got a reference to).
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	out := &Config{
		ConfigPath: c.ConfigPath,
		DataDir:    c.DataDir,
		Defaults:   c.Defaults,
	}
	out.Defaults.Notifiers = append([]string(nil), c.Defaults.Notifiers...)

	out.Projects = make(map[string]ProjectConfig, len(c.Projects))
	for k, v := range c.Projects {
		v.Reactions = cloneReactions(v.Reactions)
		out.Projects[k] = v
	}

	out.Notifiers = make(map[string]NotifierConfig, len(c.Notifiers))
	for k, v := range c.Notifiers {
		out.Notifiers[k] = v
	}

	out.NotificationRouting = make(map[string][]string, len(c.NotificationRouting))
	for k, v := range c.NotificationRouting {
		out.NotificationRouting[k] = append([]string(nil), v...)
	}

	out.Reactions = cloneReactions(c.Reactions)
	return out
}

func cloneReactions(in map[string]ReactionConfig) map[string]ReactionConfig {
	out := make(map[string]ReactionConfig, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// IsValid checks the invariants the core depends on: dataDir is set, at
// least one project is configured, every project has a name and a session
// prefix, and every reaction's escalateAfter parses. Plugin slot names are
// not checked here; falling back to defaults is resolved by ResolveProject.
func (c *Config) IsValid() error {
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir is required")
	}
	if len(c.Projects) == 0 {
		return fmt.Errorf("config: at least one project is required")
	}
	for name, p := range c.Projects {
		if p.Name == "" {
			return fmt.Errorf("config: project %q missing name", name)
		}
		if p.SessionPrefix == "" {
			return fmt.Errorf("config: project %q missing sessionPrefix", name)
		}
		for key, rc := range p.Reactions {
			if _, _, err := rc.EscalateAfterDuration(); err != nil {
				return fmt.Errorf("config: project %q reaction %q: %w", name, key, err)
			}
		}
	}
	for key, rc := range c.Reactions {
		if _, _, err := rc.EscalateAfterDuration(); err != nil {
			return fmt.Errorf("config: reaction %q: %w", key, err)
		}
	}
	return nil
}

// ResolvedProject is a project with every plugin slot cascade-resolved
// against the global defaults, per spec §6's "defaults.{runtime,agent,
// workspace,notifiers}" overlay model.
type ResolvedProject struct {
	ProjectConfig
}

// ResolveProject overlays project-level plugin slot selection on top of
// global defaults: an empty project field falls back to the matching
// default. Grounded on the teacher's resolveHITLFlags cascade (global
// default, overridden per call site) generalized from a boolean flag
// cascade to a plugin-name cascade.
func (c *Config) ResolveProject(key string) (ResolvedProject, error) {
	p, ok := c.Projects[key]
	if !ok {
		return ResolvedProject{}, fmt.Errorf("config: unknown project %q", key)
	}
	if p.Runtime == "" {
		p.Runtime = c.Defaults.Runtime
	}
	if p.Agent == "" {
		p.Agent = c.Defaults.Agent
	}
	if p.Workspace == "" {
		p.Workspace = c.Defaults.Workspace
	}
	return ResolvedProject{ProjectConfig: p}, nil
}

// ResolveReactionConfig composes the effective ReactionConfig for a key:
// global `reactions[key]` overlaid by the project's own `reactions[key]`
// (spec §4.3.3 step 5: "global defaults overlaid with project overrides").
// A project override replaces the global entry wholesale; there is no
// field-by-field merge, matching the spec's plain "overlaid" wording.
func (c *Config) ResolveReactionConfig(projectKey, reactionKey string) (ReactionConfig, bool) {
	global, hasGlobal := c.Reactions[reactionKey]
	if p, ok := c.Projects[projectKey]; ok {
		if override, ok := p.Reactions[reactionKey]; ok {
			return override, true
		}
	}
	return global, hasGlobal
}

// NotifiersFor returns the notifier plugin names configured for priority,
// falling back to an empty slice (never nil-panics on a missing routing
// entry).
func (c *Config) NotifiersFor(priority string) []string {
	return append([]string(nil), c.NotificationRouting[priority]...)
}

// FromRaw builds a validated Config from an already-parsed document (a
// YAML/JSON file decoded generically into nested maps by an external
// loader). The core never reads a config file itself, per spec §1's
// "YAML configuration loading" out-of-scope note; this is the one seam
// where an external loader's output becomes a typed Config.
func FromRaw(raw map[string]any) (*Config, error) {
	c := &Config{
		ConfigPath: stringField(raw, "configPath"),
		DataDir:    stringField(raw, "dataDir"),
	}

	if defaults, ok := raw["defaults"].(map[string]any); ok {
		c.Defaults = Defaults{
			Runtime:   stringField(defaults, "runtime"),
			Agent:     stringField(defaults, "agent"),
			Workspace: stringField(defaults, "workspace"),
			Notifiers: stringSliceField(defaults, "notifiers"),
		}
	}

	projects, ok := raw["projects"].(map[string]any)
	if !ok || len(projects) == 0 {
		return nil, fmt.Errorf("config: projects must be a non-empty map")
	}
	c.Projects = make(map[string]ProjectConfig, len(projects))
	for key, v := range projects {
		pm, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("config: project %q must be a map", key)
		}
		reactions, err := reactionsField(pm, "reactions")
		if err != nil {
			return nil, fmt.Errorf("config: project %q: %w", key, err)
		}
		c.Projects[key] = ProjectConfig{
			Name:          stringField(pm, "name"),
			Repo:          stringField(pm, "repo"),
			Path:          stringField(pm, "path"),
			DefaultBranch: stringField(pm, "defaultBranch"),
			SessionPrefix: stringField(pm, "sessionPrefix"),
			Agent:         stringField(pm, "agent"),
			Runtime:       stringField(pm, "runtime"),
			Workspace:     stringField(pm, "workspace"),
			Tracker:       stringField(pm, "tracker"),
			SCM:           stringField(pm, "scm"),
			Reactions:     reactions,
		}
	}

	if notifiers, ok := raw["notifiers"].(map[string]any); ok {
		c.Notifiers = make(map[string]NotifierConfig, len(notifiers))
		for key, v := range notifiers {
			nm, _ := v.(map[string]any)
			c.Notifiers[key] = NotifierConfig{Name: key, Opts: nm}
		}
	}

	if routing, ok := raw["notificationRouting"].(map[string]any); ok {
		c.NotificationRouting = make(map[string][]string, len(routing))
		for priority, v := range routing {
			c.NotificationRouting[priority] = stringSliceFieldValue(v)
		}
	}

	reactions, err := reactionsField(raw, "reactions")
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	c.Reactions = reactions

	if err := c.IsValid(); err != nil {
		return nil, err
	}
	return c, nil
}

func stringField(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func stringSliceField(m map[string]any, key string) []string {
	return stringSliceFieldValue(m[key])
}

func stringSliceFieldValue(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func reactionsField(m map[string]any, key string) (map[string]ReactionConfig, error) {
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil, nil
	}
	out := make(map[string]ReactionConfig, len(raw))
	for name, v := range raw {
		rm, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("reaction %q must be a map", name)
		}
		escalateAfter, err := durationStringField(rm, "escalateAfter")
		if err != nil {
			return nil, fmt.Errorf("reaction %q: %w", name, err)
		}
		rc := ReactionConfig{
			Action:        stringField(rm, "action"),
			Message:       stringField(rm, "message"),
			EscalateAfter: escalateAfter,
			Priority:      stringField(rm, "priority"),
		}
		if n, ok := rm["retries"].(int); ok {
			rc.Retries = n
		} else if f, ok := rm["retries"].(float64); ok {
			rc.Retries = int(f)
		}
		if auto, ok := rm["auto"].(bool); ok {
			rc.Auto = &auto
		}
		out[name] = rc
	}
	return out, nil
}

// durationStringField reads a field that must be a duration string
// (e.g. "escalateAfter"). A missing field yields "", nil; a present but
// non-string value (a bare YAML integer like 300) is rejected rather than
// silently dropped, since the escalation timer parses this field with
// time.ParseDuration.
func durationStringField(m map[string]any, key string) (string, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%q must be a duration string, got %T", key, v)
	}
	return s, nil
}

// Package pipeline holds the declarative pipeline document: job groups,
// their matrix records and steps, the needs graph between groups, and the
// ConfigError every load-time problem is reported as.
package pipeline

// Definition is the top-level pipeline document.
type Definition struct {
	// Version of the document format. Only 1 is understood.
	Version int `yaml:"version" toml:"version"`

	// Name is used in artifact names and reports. Defaults to the file name.
	Name string `yaml:"name,omitempty" toml:"name,omitempty"`

	// Requires is a semver constraint the running engine must satisfy.
	Requires string `yaml:"requires,omitempty" toml:"requires,omitempty"`

	// Shell is the default shell for every step, e.g. "bash -e -o pipefail -c".
	Shell string `yaml:"shell,omitempty" toml:"shell,omitempty"`

	// Env is injected into every instance, both as the env.* scope and as
	// process environment of each step.
	Env map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`

	Groups []Group `yaml:"groups" toml:"groups"`

	// Path is the file the definition was loaded from.
	Path string `yaml:"-" toml:"-"`
}

// Upstream requirement policies.
const (
	RequireAll = "all"
	RequireAny = "any"
)

// Group is a named stage whose matrix records each become one job instance.
type Group struct {
	Name  string   `yaml:"name" toml:"name"`
	Needs []string `yaml:"needs,omitempty" toml:"needs,omitempty"`

	// FailFast cancels running siblings once one instance fails.
	FailFast bool `yaml:"fail_fast,omitempty" toml:"fail_fast,omitempty"`

	// ContinueOnInstanceFailure lets the group succeed as long as every
	// instance reached a terminal state.
	ContinueOnInstanceFailure bool `yaml:"continue_on_instance_failure,omitempty" toml:"continue_on_instance_failure,omitempty"`

	// Require is the upstream policy: "all" (default) or "any".
	Require string `yaml:"require,omitempty" toml:"require,omitempty"`

	// ShortCircuit marks instances skipped, instead of leaving them
	// pending, when an upstream group blocks this one.
	ShortCircuit bool `yaml:"short_circuit,omitempty" toml:"short_circuit,omitempty"`

	Shell string            `yaml:"shell,omitempty" toml:"shell,omitempty"`
	Env   map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`

	// Workdir is a template for the working directory of each instance,
	// relative to the pipeline file. Empty gives every instance its own
	// fresh workspace.
	Workdir string `yaml:"workdir,omitempty" toml:"workdir,omitempty"`

	// Target is a template naming the published artifact of an instance.
	// Defaults to the instance id.
	Target string `yaml:"target,omitempty" toml:"target,omitempty"`

	// Outputs are path templates packaged after a successful instance.
	Outputs []string `yaml:"outputs,omitempty" toml:"outputs,omitempty"`

	// Defaults are merged under every matrix record.
	Defaults map[string]any `yaml:"defaults,omitempty" toml:"defaults,omitempty"`

	Matrix []map[string]any `yaml:"matrix" toml:"matrix"`
	Steps  []Step           `yaml:"steps" toml:"steps"`
}

// Step is one ordered unit of work inside an instance.
type Step struct {
	Name string `yaml:"name" toml:"name"`
	ID   string `yaml:"id,omitempty" toml:"id,omitempty"`

	// If is a predicate over matrix, env, run, git and runner attributes.
	If string `yaml:"if,omitempty" toml:"if,omitempty"`

	// Run is the command template. A step without Run must carry a cache
	// directive and never reaches the executor.
	Run string `yaml:"run,omitempty" toml:"run,omitempty"`

	// VerboseRun is executed once after Run fails, to capture diagnostics.
	VerboseRun string `yaml:"verbose_run,omitempty" toml:"verbose_run,omitempty"`

	Timeout string            `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
	Shell   string            `yaml:"shell,omitempty" toml:"shell,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" toml:"env,omitempty"`

	Cache *Cache `yaml:"cache,omitempty" toml:"cache,omitempty"`
}

// Cache modes.
const (
	CacheRestore = "restore"
	CacheSave    = "save"
	CacheBoth    = "both"
)

// Cache is a cache directive: restore the best entry before the step and
// save Paths under Key once the instance succeeded.
type Cache struct {
	Key         string   `yaml:"key" toml:"key"`
	RestoreKeys []string `yaml:"restore_keys,omitempty" toml:"restore_keys,omitempty"`
	Paths       []string `yaml:"paths" toml:"paths"`
	Mode        string   `yaml:"mode,omitempty" toml:"mode,omitempty"`
}

// Restores reports whether the directive restores before the step.
func (c *Cache) Restores() bool {
	return c != nil && (c.Mode == "" || c.Mode == CacheBoth || c.Mode == CacheRestore)
}

// Saves reports whether the directive saves after the instance.
func (c *Cache) Saves() bool {
	return c != nil && (c.Mode == "" || c.Mode == CacheBoth || c.Mode == CacheSave)
}

// Group returns the group with the given name.
func (d *Definition) Group(name string) (*Group, bool) {
	for i := range d.Groups {
		if d.Groups[i].Name == name {
			return &d.Groups[i], true
		}
	}
	return nil, false
}

// RequirePolicy returns the effective upstream policy.
func (g *Group) RequirePolicy() string {
	if g.Require == "" {
		return RequireAll
	}
	return g.Require
}

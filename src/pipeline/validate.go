package pipeline

import (
	"fmt"
	"regexp"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sofmeright/switchyard/src/cond"
)

// nameRe matches group names: they end up in workspace paths and reports.
var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.\-]*$`)

// Validate checks structural invariants of a loaded definition and returns
// the needs graph. Every problem found is collected into one ConfigError.
// engineVersion is matched against the document's requires constraint.
func Validate(def *Definition, engineVersion string) (*Graph, error) {
	ce := &ConfigError{}

	// ── Document ──────────────────────────────────────────────────────────

	if def.Version != 1 {
		ce.Add(fmt.Errorf("version: must be 1, got %d", def.Version))
	}
	ce.Add(checkRequires(def.Requires, engineVersion))

	if len(def.Groups) == 0 {
		ce.Add(fmt.Errorf("groups: at least one group is required"))
	}

	// ── Groups ────────────────────────────────────────────────────────────

	names := make(map[string]bool)
	for i := range def.Groups {
		g := &def.Groups[i]
		gpath := fmt.Sprintf("groups[%d]", i)
		if g.Name != "" {
			gpath = fmt.Sprintf("group %q", g.Name)
		}

		switch {
		case g.Name == "":
			ce.Add(fmt.Errorf("%s: name is required", gpath))
		case !nameRe.MatchString(g.Name):
			ce.Add(fmt.Errorf("%s: name must match %s", gpath, nameRe))
		case names[g.Name]:
			ce.Add(fmt.Errorf("%s: duplicate group name", gpath))
		default:
			names[g.Name] = true
		}

		if p := g.Require; p != "" && p != RequireAll && p != RequireAny {
			ce.Add(fmt.Errorf("%s: require must be %q or %q, got %q", gpath, RequireAll, RequireAny, p))
		}

		for ri, rec := range g.Matrix {
			if len(rec) == 0 {
				ce.Add(fmt.Errorf("%s: matrix[%d] is empty", gpath, ri))
			}
		}

		checkTemplate(ce, gpath+": target", g.Target)
		checkTemplate(ce, gpath+": workdir", g.Workdir)
		for oi, o := range g.Outputs {
			checkTemplate(ce, fmt.Sprintf("%s: outputs[%d]", gpath, oi), o)
		}

		if len(g.Steps) == 0 {
			ce.Add(fmt.Errorf("%s: at least one step is required", gpath))
		}
		ids := make(map[string]bool)
		for si := range g.Steps {
			validateStep(ce, &g.Steps[si], fmt.Sprintf("%s: steps[%d]", gpath, si), ids)
		}
	}

	// Graph checks only make sense once names are unique and present.
	if len(names) != len(def.Groups) {
		return nil, ce
	}
	graph, err := NewGraph(def.Groups)
	if err != nil {
		ce.Add(err)
		return nil, ce
	}
	if _, err := graph.TopoOrder(); err != nil {
		ce.Add(err)
	}

	if err := ce.ErrorOrNil(); err != nil {
		return nil, err
	}
	return graph, nil
}

func validateStep(ce *ConfigError, s *Step, spath string, ids map[string]bool) {
	if s.Name != "" {
		spath = fmt.Sprintf("%s (%s)", spath, s.Name)
	} else {
		ce.Add(fmt.Errorf("%s: name is required", spath))
	}

	if s.ID != "" {
		if ids[s.ID] {
			ce.Add(fmt.Errorf("%s: duplicate step id %q", spath, s.ID))
		}
		ids[s.ID] = true
	}

	if s.Run == "" && s.Cache == nil {
		ce.Add(fmt.Errorf("%s: run or cache is required", spath))
	}
	if s.VerboseRun != "" && s.Run == "" {
		ce.Add(fmt.Errorf("%s: verbose_run requires run", spath))
	}

	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			ce.Add(fmt.Errorf("%s: timeout: %v", spath, err))
		} else if d <= 0 {
			ce.Add(fmt.Errorf("%s: timeout must be positive", spath))
		}
	}

	if s.If != "" {
		if _, err := cond.Compile(s.If); err != nil {
			ce.Add(fmt.Errorf("%s: if: %v", spath, err))
		}
	}
	checkTemplate(ce, spath+": run", s.Run)
	checkTemplate(ce, spath+": verbose_run", s.VerboseRun)
	for k, v := range s.Env {
		checkTemplate(ce, fmt.Sprintf("%s: env.%s", spath, k), v)
	}

	if c := s.Cache; c != nil {
		switch c.Mode {
		case "", CacheBoth, CacheRestore, CacheSave:
		default:
			ce.Add(fmt.Errorf("%s: cache.mode must be restore, save or both, got %q", spath, c.Mode))
		}
		if c.Key == "" {
			ce.Add(fmt.Errorf("%s: cache.key is required", spath))
		}
		if len(c.Paths) == 0 {
			ce.Add(fmt.Errorf("%s: cache.paths must list at least one path", spath))
		}
		checkTemplate(ce, spath+": cache.key", c.Key)
		for i, rk := range c.RestoreKeys {
			checkTemplate(ce, fmt.Sprintf("%s: cache.restore_keys[%d]", spath, i), rk)
		}
		for i, p := range c.Paths {
			checkTemplate(ce, fmt.Sprintf("%s: cache.paths[%d]", spath, i), p)
		}
	}
}

func checkTemplate(ce *ConfigError, where, src string) {
	if src == "" {
		return
	}
	if _, err := cond.CompileTemplate(src); err != nil {
		ce.Add(fmt.Errorf("%s: %v", where, err))
	}
}

// checkRequires matches the engine version against a semver constraint.
// Development builds with an unparsable version skip the check; prerelease
// suffixes are ignored so 0.2.0-dev satisfies ">= 0.2.0".
func checkRequires(requires, engineVersion string) error {
	if requires == "" {
		return nil
	}
	c, err := semver.NewConstraint(requires)
	if err != nil {
		return fmt.Errorf("requires: %v", err)
	}
	v, err := semver.NewVersion(engineVersion)
	if err != nil {
		return nil
	}
	core, err := v.SetPrerelease("")
	if err != nil {
		return fmt.Errorf("requires: %v", err)
	}
	core, err = core.SetMetadata("")
	if err != nil {
		return fmt.Errorf("requires: %v", err)
	}
	if !c.Check(&core) {
		return fmt.Errorf("requires: engine %s does not satisfy %q", engineVersion, requires)
	}
	return nil
}

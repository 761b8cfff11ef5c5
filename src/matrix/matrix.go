// Package matrix expands a job group into concrete job instances, one per
// matrix record, with every template rendered against the record.
package matrix

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sofmeright/switchyard/src/cond"
	"github.com/sofmeright/switchyard/src/pipeline"
)

// Instance is one cell of a group's matrix, ready to run.
type Instance struct {
	Group string
	ID    string
	Name  string
	Index int

	// Attrs is the group defaults overlaid by the record.
	Attrs map[string]any

	// Env is the pipeline env overlaid by the group env.
	Env map[string]string

	Shell   string
	Workdir string
	Target  string
	Outputs []string
	Steps   []Step

	scope *cond.Scope
}

// Step is a pipeline step with its templates rendered for one instance.
type Step struct {
	Index      int
	Name       string
	ID         string
	Run        string
	VerboseRun string
	Timeout    time.Duration
	Shell      string
	Env        map[string]string
	Cache      *Cache

	cond *cond.Expr
}

// Cache is a rendered cache directive.
type Cache struct {
	Key         string
	RestoreKeys []string
	Paths       []string
	Restore     bool
	Save        bool
}

// Ref returns "group/id", the name used in logs and reports.
func (in *Instance) Ref() string {
	return in.Group + "/" + in.ID
}

// Condition returns the step's compiled predicate, nil when unconditional.
func (s *Step) Condition() *cond.Expr {
	return s.cond
}

// Enabled evaluates the step predicate against the instance scope.
func (in *Instance) Enabled(s *Step) (bool, error) {
	return s.cond.Bool(in.scope)
}

// Label names the step for reports: its id when it has one.
func (s *Step) Label() string {
	if s.ID != "" {
		return s.ID
	}
	return s.Name
}

// Expand turns each matrix record of g into an Instance. A group without a
// matrix yields a single instance with no attributes. base supplies the
// env, run, git and runner roots; group env is overlaid on base.Env.
//
// Every reference in every predicate and template is checked against each
// record, and all problems are returned together as a ConfigError.
func Expand(g *pipeline.Group, base cond.Scope) ([]*Instance, error) {
	records := g.Matrix
	if len(records) == 0 {
		records = []map[string]any{{}}
	}

	env := overlay(base.Env, g.Env)
	ce := &pipeline.ConfigError{}
	ids := make(map[string]int)
	targets := make(map[string]string) // target -> instance id, publishing instances only

	var out []*Instance
	for i, rec := range records {
		attrs := merge(g.Defaults, rec)
		id := instanceID(attrs, i)
		if prev, dup := ids[id]; dup {
			ce.Add(fmt.Errorf("group %q: matrix[%d] and matrix[%d] share instance id %q", g.Name, prev, i, id))
			continue
		}
		ids[id] = i

		in := &Instance{
			Group: g.Name,
			ID:    id,
			Name:  displayName(attrs, id),
			Index: i,
			Attrs: attrs,
			Env:   env,
			Shell: g.Shell,
			scope: base.WithMatrix(attrs).WithEnv(env),
		}
		x := &expander{ce: ce, where: fmt.Sprintf("group %q instance %q", g.Name, id), scope: in.scope}

		in.Workdir = x.render("workdir", g.Workdir)
		in.Target = x.render("target", g.Target)
		if in.Target == "" {
			in.Target = id
		}
		for oi, o := range g.Outputs {
			in.Outputs = append(in.Outputs, x.render(fmt.Sprintf("outputs[%d]", oi), o))
		}
		for si := range g.Steps {
			in.Steps = append(in.Steps, x.step(si, &g.Steps[si]))
		}
		if len(in.Outputs) > 0 {
			if prev, dup := targets[in.Target]; dup {
				ce.Add(fmt.Errorf("group %q: instances %q and %q both publish target %q", g.Name, prev, id, in.Target))
			}
			targets[in.Target] = id
		}
		out = append(out, in)
	}

	if err := ce.ErrorOrNil(); err != nil {
		return nil, err
	}
	return out, nil
}

type expander struct {
	ce    *pipeline.ConfigError
	where string
	scope *cond.Scope
}

func (x *expander) step(i int, ps *pipeline.Step) Step {
	where := fmt.Sprintf("step %q", ps.Name)
	s := Step{
		Index:      i,
		Name:       ps.Name,
		ID:         ps.ID,
		Shell:      ps.Shell,
		Run:        x.render(where+" run", ps.Run),
		VerboseRun: x.render(where+" verbose_run", ps.VerboseRun),
	}

	if ps.If != "" {
		expr, err := cond.Compile(ps.If)
		if err == nil {
			err = expr.Check(x.scope)
		}
		if err == nil {
			// every root is known here, so type errors surface before anything runs
			_, err = expr.Bool(x.scope)
		}
		if err != nil {
			x.fail(where+" if", err)
		}
		s.cond = expr
	}

	if ps.Timeout != "" {
		d, err := time.ParseDuration(ps.Timeout)
		if err != nil {
			x.fail(where+" timeout", err)
		}
		s.Timeout = d
	}

	if len(ps.Env) > 0 {
		s.Env = make(map[string]string, len(ps.Env))
		for k, v := range ps.Env {
			s.Env[k] = x.render(where+" env."+k, v)
		}
	}

	if c := ps.Cache; c != nil {
		s.Cache = &Cache{
			Key:     x.render(where+" cache.key", c.Key),
			Restore: c.Restores(),
			Save:    c.Saves(),
		}
		for ri, rk := range c.RestoreKeys {
			s.Cache.RestoreKeys = append(s.Cache.RestoreKeys, x.render(fmt.Sprintf("%s cache.restore_keys[%d]", where, ri), rk))
		}
		for pi, p := range c.Paths {
			s.Cache.Paths = append(s.Cache.Paths, x.render(fmt.Sprintf("%s cache.paths[%d]", where, pi), p))
		}
	}
	return s
}

func (x *expander) render(field, src string) string {
	if src == "" {
		return ""
	}
	out, err := cond.Render(src, x.scope)
	if err != nil {
		x.fail(field, err)
		return ""
	}
	return out
}

func (x *expander) fail(field string, err error) {
	x.ce.Add(fmt.Errorf("%s: %s: %w", x.where, field, err))
}

func merge(defaults, rec map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(rec))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range rec {
		out[k] = v
	}
	return out
}

func overlay(base, over map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(over))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range over {
		out[k] = v
	}
	return out
}

// instanceID prefers an explicit id, then a slug of the name, then the
// record index.
func instanceID(attrs map[string]any, index int) string {
	if v, ok := attrs["id"]; ok {
		if s := fmt.Sprint(v); s != "" {
			return s
		}
	}
	if v, ok := attrs["name"].(string); ok {
		if s := Slug(v); s != "" {
			return s
		}
	}
	return strconv.Itoa(index)
}

func displayName(attrs map[string]any, id string) string {
	if v, ok := attrs["name"].(string); ok && v != "" {
		return v
	}
	return id
}

// Slug lowercases s and collapses every run of characters other than
// letters and digits into a single dash.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

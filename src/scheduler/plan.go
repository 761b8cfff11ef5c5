// Package scheduler runs a pipeline: it expands every selected group into
// instances, releases groups in needs order, runs instances on a bounded
// worker pool and collects one RunResult per instance.
package scheduler

import (
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sofmeright/switchyard/src/cond"
	"github.com/sofmeright/switchyard/src/matrix"
	"github.com/sofmeright/switchyard/src/pipeline"
)

// TimestampFormat renders run.timestamp. It sorts lexically in time order,
// which keeps "most recent" cache keys at the end of a prefix listing.
const TimestampFormat = "2006-01-02-15;04;05"

// Plan is a fully expanded pipeline. Building it surfaces every
// ConfigError; a Plan that exists can be run.
type Plan struct {
	Pipeline *pipeline.Definition
	Graph    *pipeline.Graph
	RunID    string

	// Groups are the selected groups and their upstreams, in needs order.
	Groups []*GroupPlan

	// BaseDir resolves relative group workdirs: the pipeline file's dir.
	BaseDir string
}

// GroupPlan is one group with its expanded instances.
type GroupPlan struct {
	Group     *pipeline.Group
	Instances []*matrix.Instance
}

// Name returns the group name.
func (gp *GroupPlan) Name() string {
	return gp.Group.Name
}

// BaseScope builds the run, git and runner roots shared by every instance.
func BaseScope(runID string, started time.Time, git map[string]string) cond.Scope {
	started = started.UTC()
	g := map[string]string{"sha": "", "short_sha": "", "branch": "", "tag": "", "ref": ""}
	for k, v := range git {
		g[k] = v
	}
	return cond.Scope{
		Env: map[string]string{},
		Run: map[string]string{
			"id":        runID,
			"timestamp": started.Format(TimestampFormat),
			"date":      started.Format(time.DateOnly),
		},
		Git:    g,
		Runner: map[string]string{"os": runnerOS(), "arch": runtime.GOARCH},
	}
}

func runnerOS() string {
	switch runtime.GOOS {
	case "linux":
		return "Linux"
	case "darwin":
		return "macOS"
	case "windows":
		return "Windows"
	}
	return runtime.GOOS
}

// NewPlan builds the needs graph, restricts it to selected (plus their
// transitive upstreams; empty selects everything) and expands each group.
// Every problem is returned in a single ConfigError.
func NewPlan(def *pipeline.Definition, scope cond.Scope, selected []string) (*Plan, error) {
	graph, err := pipeline.NewGraph(def.Groups)
	if err != nil {
		return nil, err
	}
	order, err := graph.TopoOrder()
	if err != nil {
		return nil, err
	}

	keep := make(map[string]bool, len(order))
	if len(selected) == 0 {
		for _, n := range order {
			keep[n] = true
		}
	} else {
		names, err := graph.Closure(selected)
		if err != nil {
			return nil, err
		}
		for _, n := range names {
			keep[n] = true
		}
	}

	env := make(map[string]string, len(scope.Env)+len(def.Env))
	for k, v := range scope.Env {
		env[k] = v
	}
	for k, v := range def.Env {
		env[k] = v
	}
	scope.Env = env

	plan := &Plan{
		Pipeline: def,
		Graph:    graph,
		RunID:    scope.Run["id"],
	}
	if def.Path != "" {
		plan.BaseDir = filepath.Dir(def.Path)
	}

	ce := &pipeline.ConfigError{}
	for _, name := range order {
		if !keep[name] {
			continue
		}
		g, _ := def.Group(name)
		instances, err := matrix.Expand(g, scope)
		if err != nil {
			ce.Add(err)
			continue
		}
		plan.Groups = append(plan.Groups, &GroupPlan{Group: g, Instances: instances})
	}
	checkTargets(plan, ce)
	if err := ce.ErrorOrNil(); err != nil {
		return nil, err
	}
	return plan, nil
}

// checkTargets rejects two groups publishing the same target: both would
// be packed into the same archive. Clashes inside a group are reported by
// matrix.Expand.
func checkTargets(plan *Plan, ce *pipeline.ConfigError) {
	owner := make(map[string]*matrix.Instance)
	for _, gp := range plan.Groups {
		for _, in := range gp.Instances {
			if len(in.Outputs) == 0 {
				continue
			}
			prev, dup := owner[in.Target]
			switch {
			case !dup:
				owner[in.Target] = in
			case prev.Group != in.Group:
				ce.Add(fmt.Errorf("instances %s and %s both publish target %q", prev.Ref(), in.Ref(), in.Target))
			}
		}
	}
}

// Group returns the plan of the named group.
func (p *Plan) Group(name string) *GroupPlan {
	for _, gp := range p.Groups {
		if gp.Name() == name {
			return gp
		}
	}
	return nil
}

// Order returns the planned group names in execution order.
func (p *Plan) Order() []string {
	names := make([]string, len(p.Groups))
	for i, gp := range p.Groups {
		names[i] = gp.Name()
	}
	return names
}

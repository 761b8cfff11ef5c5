package scheduler

import (
	"time"

	"github.com/sofmeright/switchyard/src/step"
)

// Status is the execution state of an instance or a step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusSkipped
}

// Report is the outcome of one Scheduler.Run.
type Report struct {
	RunID      string         `json:"run_id"`
	Pipeline   string         `json:"pipeline"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Groups     []*GroupResult `json:"groups"`
}

// GroupResult aggregates the instances of one group.
type GroupResult struct {
	Name string `json:"name"`

	// Blocked explains why the group never started, empty if it did.
	Blocked string `json:"blocked,omitempty"`

	ContinueOnInstanceFailure bool         `json:"continue_on_instance_failure,omitempty"`
	Instances                 []*RunResult `json:"instances"`
}

// RunResult is the outcome of one instance.
type RunResult struct {
	Group    string `json:"group"`
	Instance string `json:"instance"`
	Name     string `json:"name"`
	Target   string `json:"target"`
	Status   Status `json:"status"`

	// Reason explains a skipped or pending instance.
	Reason string `json:"reason,omitempty"`

	Error        string        `json:"error,omitempty"`
	Failure      *step.Failure `json:"failure,omitempty"`
	Steps        []*StepRecord `json:"steps"`
	Artifacts    []string      `json:"artifacts,omitempty"`
	PublishError string        `json:"publish_error,omitempty"`

	Workdir    string        `json:"workdir,omitempty"`
	LogFile    string        `json:"log_file,omitempty"`
	StartedAt  time.Time     `json:"started_at,omitempty"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// StepRecord is the outcome of one step inside an instance.
type StepRecord struct {
	Name          string        `json:"name"`
	ID            string        `json:"id,omitempty"`
	Status        Status        `json:"status"`
	Reason        string        `json:"reason,omitempty"`
	ExitCode      int           `json:"exit_code"`
	TimedOut      bool          `json:"timed_out,omitempty"`
	Output        string        `json:"output,omitempty"`
	VerboseOutput string        `json:"verbose_output,omitempty"`
	Duration      time.Duration `json:"duration"`
	Cache         *CacheRecord  `json:"cache,omitempty"`
}

// CacheRecord tells what a cache directive did.
type CacheRecord struct {
	Key        string `json:"key"`
	Restored   bool   `json:"restored"`
	Entry      string `json:"entry,omitempty"`
	MatchedKey string `json:"matched_key,omitempty"`
	Exact      bool   `json:"exact,omitempty"`
	Saved      bool   `json:"saved"`
	SaveNote   string `json:"save_note,omitempty"`
}

// Succeeded reports whether the group counts as successful for its
// dependents: every instance succeeded, or, with
// continue_on_instance_failure, every instance reached a terminal state.
func (g *GroupResult) Succeeded() bool {
	if g.Blocked != "" {
		return false
	}
	for _, r := range g.Instances {
		if g.ContinueOnInstanceFailure {
			if !r.Status.Terminal() {
				return false
			}
		} else if r.Status != StatusSucceeded {
			return false
		}
	}
	return true
}

// Count returns the number of instances in status s.
func (g *GroupResult) Count(s Status) int {
	n := 0
	for _, r := range g.Instances {
		if r.Status == s {
			n++
		}
	}
	return n
}

// Succeeded reports whether every scheduled group succeeded.
func (r *Report) Succeeded() bool {
	for _, g := range r.Groups {
		if !g.Succeeded() {
			return false
		}
	}
	return true
}

// Group returns the result of the named group, nil if it was not planned.
func (r *Report) Group(name string) *GroupResult {
	for _, g := range r.Groups {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Instances returns every RunResult in plan order.
func (r *Report) Instances() []*RunResult {
	var out []*RunResult
	for _, g := range r.Groups {
		out = append(out, g.Instances...)
	}
	return out
}

func newReport(plan *Plan) *Report {
	r := &Report{RunID: plan.RunID, Pipeline: plan.Pipeline.Name}
	for _, gp := range plan.Groups {
		gr := &GroupResult{
			Name:                      gp.Name(),
			ContinueOnInstanceFailure: gp.Group.ContinueOnInstanceFailure,
		}
		for _, in := range gp.Instances {
			rr := &RunResult{
				Group:    in.Group,
				Instance: in.ID,
				Name:     in.Name,
				Target:   in.Target,
				Status:   StatusPending,
			}
			for _, s := range in.Steps {
				rr.Steps = append(rr.Steps, &StepRecord{Name: s.Name, ID: s.ID, Status: StatusPending})
			}
			gr.Instances = append(gr.Instances, rr)
		}
		r.Groups = append(r.Groups, gr)
	}
	return r
}

package cron

import (
	"context"
	"fmt"
	"sort"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Stage orders jobs inside one cycle. Lower stages run first.
type Stage int

const (
	// StageReconcile pulls processor state into the record store.
	StageReconcile Stage = iota
	// StageAudit scans the reconciled records for anomalies.
	StageAudit
	// StageReport publishes revenue gauges from the audited records.
	StageReport
	// StageRetention prunes ledgers once nothing else in the cycle needs them.
	StageRetention
)

// Staged is implemented by jobs that care where they run in a cycle.
// Jobs without a stage run with StageReport.
type Staged interface {
	Stage() Stage
}

type entry struct {
	job   Job
	stage Stage
	seq   int
}

// Registry tracks registered cron jobs.
type Registry struct {
	entries []entry
	names   map[string]struct{}
}

// NewRegistry builds a registry preloaded with the provided jobs. It panics
// on duplicate names, which would collide in the job metrics.
func NewRegistry(jobs ...Job) *Registry {
	registry := &Registry{names: map[string]struct{}{}}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			panic(err)
		}
	}
	return registry
}

// Register adds a job to the registry. Nil jobs are ignored.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.names == nil {
		r.names = map[string]struct{}{}
	}
	name := job.Name()
	if _, dup := r.names[name]; dup {
		return fmt.Errorf("cron job %q registered twice", name)
	}
	r.names[name] = struct{}{}

	stage := StageReport
	if s, ok := job.(Staged); ok {
		stage = s.Stage()
	}
	r.entries = append(r.entries, entry{job: job, stage: stage, seq: len(r.entries)})
	return nil
}

// Jobs returns the registered jobs by stage, then in the order they were added.
func (r *Registry) Jobs() []Job {
	ordered := make([]entry, len(r.entries))
	copy(ordered, r.entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].stage < ordered[j].stage
	})
	jobs := make([]Job, len(ordered))
	for i, e := range ordered {
		jobs[i] = e.job
	}
	return jobs
}

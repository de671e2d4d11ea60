// Package manifest loads a declarative YAML description of executors and
// cron-triggered workflows, so an operator can wire a pipeline shape
// without writing Go. It is the file format cmd/coordinatord reads at
// startup and cmd/coordinatorctl's apply-workflow subcommand accepts for
// one-off submissions.
package manifest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dsa110/contimg-coordinator/pkg/execbridge"
	"github.com/dsa110/contimg-coordinator/pkg/scheduler"
	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/worker"
)

// ExecutorSpec describes one external program bound to an executor_ref.
type ExecutorSpec struct {
	Command []string `yaml:"command"`
	Timeout string   `yaml:"timeout"`
}

// StageSpec is one workflow stage, mirroring types.StageDef in the
// string/YAML-friendly shape an operator writes by hand.
type StageSpec struct {
	Name            string   `yaml:"name"`
	ExecutorRef     string   `yaml:"executor_ref"`
	DependsOn       []string `yaml:"depends_on"`
	Optional        bool     `yaml:"optional"`
	MaxAttempts     int      `yaml:"max_attempts"`
	Timeout         string   `yaml:"timeout"`
	Produces        []string `yaml:"produces"`
	RequiresContext []string `yaml:"requires_context"`
	Config          string   `yaml:"config"`
}

// WorkflowSpec is one cron-triggered workflow template.
type WorkflowSpec struct {
	Name          string      `yaml:"name"`
	Queue         string      `yaml:"queue"`
	Cron          string      `yaml:"cron"`
	CatchUpWindow string      `yaml:"catch_up_window"`
	Stages        []StageSpec `yaml:"stages"`
}

// Manifest is the top-level document: the executor programs available
// and the workflow templates built from them.
type Manifest struct {
	Executors map[string]ExecutorSpec `yaml:"executors"`
	Workflows []WorkflowSpec          `yaml:"workflows"`
}

// Load reads and parses path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}
	return &m, nil
}

// BuildRegistry constructs a worker.Registry with an execbridge.Bridge
// registered for every executor in m.Executors.
func BuildRegistry(m *Manifest) (*worker.Registry, error) {
	registry := worker.NewRegistry()
	for name, spec := range m.Executors {
		if len(spec.Command) == 0 {
			return nil, fmt.Errorf("manifest: executor %q has no command", name)
		}
		timeout, err := parseDuration(spec.Timeout)
		if err != nil {
			return nil, fmt.Errorf("manifest: executor %q timeout: %w", name, err)
		}
		registry.Register(name, execbridge.New(spec.Command, timeout))
	}
	return registry, nil
}

// Stages converts w's stage specs into types.StageDef, applying
// defaultBackoff to every stage and defaultMaxAttempts to every stage
// that doesn't set its own max_attempts.
func (w WorkflowSpec) Stages(defaultMaxAttempts int, defaultBackoff types.BackoffParams) ([]types.StageDef, error) {
	stages := make([]types.StageDef, 0, len(w.Stages))
	for _, s := range w.Stages {
		timeout, err := parseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("manifest: stage %q timeout: %w", s.Name, err)
		}
		maxAttempts := s.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = defaultMaxAttempts
		}
		stages = append(stages, types.StageDef{
			Name:            s.Name,
			ExecutorRef:     s.ExecutorRef,
			DependsOn:       s.DependsOn,
			Optional:        s.Optional,
			Timeout:         timeout,
			Produces:        s.Produces,
			RequiresContext: s.RequiresContext,
			Config:          []byte(s.Config),
			RetryPolicy:     types.RetryPolicy{MaxAttempts: maxAttempts, Backoff: defaultBackoff},
		})
	}
	return stages, nil
}

// RegisterTriggers registers a scheduler.CronTrigger for every workflow in
// m.Workflows whose Cron field is set. Workflows with no cron schedule are
// left for on-demand submission (e.g. via coordinatorctl apply-workflow)
// rather than registered here.
func RegisterTriggers(m *Manifest, sched *scheduler.Scheduler, defaultMaxAttempts int, defaultBackoff types.BackoffParams) error {
	for _, w := range m.Workflows {
		if w.Cron == "" {
			continue
		}
		w := w
		catchUp, err := parseDuration(w.CatchUpWindow)
		if err != nil {
			return fmt.Errorf("manifest: workflow %q catch_up_window: %w", w.Name, err)
		}

		trigger := scheduler.CronTrigger{
			Name:          w.Name,
			CronSpec:      w.Cron,
			CatchUpWindow: catchUp,
			Factory: func(fireTime time.Time) (string, string, map[string][]byte, []types.StageDef) {
				stages, err := w.Stages(defaultMaxAttempts, defaultBackoff)
				if err != nil {
					// Factory has no error return; an invalid manifest stage
					// is caught earlier by RegisterTriggers validating every
					// workflow's Stages() once up front (see below), so this
					// path is unreachable in practice.
					stages = nil
				}
				return w.Name + "_" + fireTime.UTC().Format(time.RFC3339), w.Queue, nil, stages
			},
		}
		if _, err := w.Stages(defaultMaxAttempts, defaultBackoff); err != nil {
			return fmt.Errorf("manifest: workflow %q: %w", w.Name, err)
		}
		if err := sched.RegisterCronTrigger(trigger); err != nil {
			return fmt.Errorf("manifest: register workflow %q: %w", w.Name, err)
		}
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

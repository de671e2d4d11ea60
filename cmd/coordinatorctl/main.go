package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dsa110/contimg-coordinator/pkg/clock"
	"github.com/dsa110/contimg-coordinator/pkg/config"
	"github.com/dsa110/contimg-coordinator/pkg/control"
	"github.com/dsa110/contimg-coordinator/pkg/coordinator"
	"github.com/dsa110/contimg-coordinator/pkg/manifest"
	"github.com/dsa110/contimg-coordinator/pkg/queue"
	"github.com/dsa110/contimg-coordinator/pkg/scheduler"
	"github.com/dsa110/contimg-coordinator/pkg/storage"
	"github.com/dsa110/contimg-coordinator/pkg/types"
)

var (
	Version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "coordinatorctl",
	Short:   "Operator CLI for the ingest and workflow coordinator",
	Version: Version,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the coordinator's YAML config file (defaults applied if unset)")
	rootCmd.AddCommand(spawnCmd, listCmd, cancelCmd, replayCmd, statsCmd, applyWorkflowCmd, purgeCmd, registerTriggerCmd, listTriggersCmd)
}

func openSurface(cmd *cobra.Command) (control.Surface, func() error, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	return coordinator.OpenControlSurface(cfg, clock.Real(), clock.UUIDs{})
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

var spawnCmd = &cobra.Command{
	Use:   "spawn",
	Short: "Spawn a single standalone task",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		queueName, _ := cmd.Flags().GetString("queue")
		name, _ := cmd.Flags().GetString("name")
		executorRef, _ := cmd.Flags().GetString("executor-ref")
		maxAttempts, _ := cmd.Flags().GetInt("max-attempts")
		paramsStr, _ := cmd.Flags().GetString("params")

		task, err := s.SpawnTask(queue.SpawnRequest{
			Queue:       queueName,
			Name:        name,
			ExecutorRef: executorRef,
			Params:      []byte(paramsStr),
			MaxAttempts: maxAttempts,
			Backoff:     types.DefaultBackoff(),
		})
		if err != nil {
			return fmt.Errorf("spawn: %w", err)
		}
		return printJSON(task)
	},
}

func init() {
	spawnCmd.Flags().String("queue", "ingest", "queue name")
	spawnCmd.Flags().String("name", "", "task name")
	spawnCmd.Flags().String("executor-ref", "", "registered executor name (defaults to name)")
	spawnCmd.Flags().Int("max-attempts", 3, "maximum delivery attempts before dead-lettering")
	spawnCmd.Flags().String("params", "", "opaque task parameters")
	_ = spawnCmd.MarkFlagRequired("name")
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks matching a queue, state, or workflow filter",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		queueName, _ := cmd.Flags().GetString("queue")
		workflowID, _ := cmd.Flags().GetString("workflow")
		stateStr, _ := cmd.Flags().GetString("state")

		filter := storage.TaskFilter{Queue: queueName, WorkflowID: workflowID}
		if stateStr != "" {
			filter.States = []types.TaskState{types.TaskState(stateStr)}
		}

		tasks, err := s.ListTasks(filter)
		if err != nil {
			return fmt.Errorf("list: %w", err)
		}
		return printJSON(tasks)
	},
}

func init() {
	listCmd.Flags().String("queue", "", "restrict to one queue")
	listCmd.Flags().String("workflow", "", "restrict to one workflow id")
	listCmd.Flags().String("state", "", "restrict to one task state")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel [task-id]",
	Short: "Cancel a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := s.CancelTask(args[0]); err != nil {
			return fmt.Errorf("cancel: %w", err)
		}
		fmt.Printf("cancelled %s\n", args[0])
		return nil
	},
}

var replayCmd = &cobra.Command{
	Use:   "replay [task-id]",
	Short: "Resurrect a dead-lettered task as pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		if err := s.ReplayTask(args[0]); err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		fmt.Printf("replayed %s\n", args[0])
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats [queue]",
	Short: "Report task counts by state and oldest-pending age for a queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		stats, err := s.QueueStats(args[0])
		if err != nil {
			return fmt.Errorf("stats: %w", err)
		}
		return printJSON(stats)
	},
}

var applyWorkflowCmd = &cobra.Command{
	Use:   "apply-workflow [manifest.yaml] [workflow-name]",
	Short: "Submit one workflow template from a manifest file immediately",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		m, err := manifest.Load(args[0])
		if err != nil {
			return fmt.Errorf("apply-workflow: %w", err)
		}

		var target *manifest.WorkflowSpec
		for i := range m.Workflows {
			if m.Workflows[i].Name == args[1] {
				target = &m.Workflows[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("apply-workflow: no workflow named %q in %s", args[1], args[0])
		}

		stages, err := target.Stages(3, types.DefaultBackoff())
		if err != nil {
			return fmt.Errorf("apply-workflow: %w", err)
		}

		rec, err := s.SubmitWorkflow(target.Name+"_"+time.Now().UTC().Format(time.RFC3339), target.Queue, nil, stages)
		if err != nil {
			return fmt.Errorf("apply-workflow: %w", err)
		}
		return printJSON(rec)
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete terminal tasks older than a retention cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		cfg := config.Default()
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		}

		store, err := storage.NewBoltStore(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("purge: open store: %w", err)
		}
		defer store.Close()

		clk := clock.Real()
		q := queue.New(store, clk, clock.UUIDs{}, cfg.Worker.TaskLease/2)

		completedBefore := clk.Now().Add(-cfg.Retention.CompletedAfter)
		deadBefore := clk.Now().Add(-cfg.Retention.DeadAfter)

		nCompleted, err := q.Prune(completedBefore, []types.TaskState{types.TaskCompleted, types.TaskCancelled})
		if err != nil {
			return fmt.Errorf("purge: prune completed: %w", err)
		}
		nDead, err := q.Prune(deadBefore, []types.TaskState{types.TaskDead})
		if err != nil {
			return fmt.Errorf("purge: prune dead: %w", err)
		}

		fmt.Printf("purged %d completed/cancelled, %d dead\n", nCompleted, nDead)
		return nil
	},
}

var registerTriggerCmd = &cobra.Command{
	Use:   "register-trigger [manifest.yaml] [workflow-name]",
	Short: "Register one manifest workflow as a standing cron trigger",
	Long: `Registers a cron trigger for the named workflow against the running
coordinator's data directory. This only takes effect for processes that
share this Store: if coordinatord is running, restart it (or load the
same manifest at its startup via manifest_path) to pick up the trigger,
since a standalone coordinatorctl invocation does not keep a scheduler
running after it exits.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		m, err := manifest.Load(args[0])
		if err != nil {
			return fmt.Errorf("register-trigger: %w", err)
		}

		var target *manifest.WorkflowSpec
		for i := range m.Workflows {
			if m.Workflows[i].Name == args[1] {
				target = &m.Workflows[i]
				break
			}
		}
		if target == nil {
			return fmt.Errorf("register-trigger: no workflow named %q in %s", args[1], args[0])
		}
		if target.Cron == "" {
			return fmt.Errorf("register-trigger: workflow %q has no cron schedule", args[1])
		}

		stages, err := target.Stages(3, types.DefaultBackoff())
		if err != nil {
			return fmt.Errorf("register-trigger: %w", err)
		}

		trigger := scheduler.CronTrigger{
			Name:     target.Name,
			CronSpec: target.Cron,
			Factory: func(fireTime time.Time) (string, string, map[string][]byte, []types.StageDef) {
				return target.Name + "_" + fireTime.UTC().Format(time.RFC3339), target.Queue, nil, stages
			},
		}
		if err := s.RegisterTrigger(trigger); err != nil {
			return fmt.Errorf("register-trigger: %w", err)
		}
		fmt.Printf("registered trigger %s (%s)\n", trigger.Name, trigger.CronSpec)
		return nil
	},
}

var listTriggersCmd = &cobra.Command{
	Use:   "list-triggers",
	Short: "List triggers registered through this process's control surface",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, closeFn, err := openSurface(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		return printJSON(s.ListTriggers())
	},
}

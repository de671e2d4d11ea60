// Package execbridge adapts an external command-line program into a
// worker.Executor, so a stage whose real work lives in another
// collaborator (a CASA script, a WSClean wrapper, a FITS plotter) can be
// registered into a worker.Registry without the coordinator knowing
// anything about that program beyond its argv template.
package execbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/dsa110/contimg-coordinator/pkg/types"
	"github.com/dsa110/contimg-coordinator/pkg/worker"
)

// stdinPayload is what Bridge writes to the subprocess's stdin: the
// task's opaque params alongside the merged workflow context, so a
// script can see both without parsing worker-internal framing.
type stdinPayload struct {
	Params  json.RawMessage   `json:"params,omitempty"`
	Context map[string]string `json:"context,omitempty"`
}

// Bridge runs Command (argv[0] plus any fixed arguments) for every task
// it executes, feeding it a JSON-encoded stdinPayload on stdin and
// treating a trimmed stdout as the task's result. A nonzero exit is
// treated as transient unless Permanent reports the exit code should
// dead-letter instead.
type Bridge struct {
	Command []string
	Timeout time.Duration

	// Permanent, if set, reports whether exitCode should dead-letter the
	// task rather than retry it. nil means every nonzero exit is
	// transient.
	Permanent func(exitCode int) bool
}

// New builds a Bridge invoking command with the given timeout (zero
// means no timeout beyond the task's own context).
func New(command []string, timeout time.Duration) *Bridge {
	return &Bridge{Command: command, Timeout: timeout}
}

// Execute implements worker.Executor.
func (b *Bridge) Execute(ctx context.Context, task *types.Task, workflowCtx types.Context) ([]byte, error) {
	if len(b.Command) == 0 {
		return nil, worker.Permanent(fmt.Errorf("execbridge: no command configured"))
	}

	execCtx := ctx
	var cancel context.CancelFunc
	if b.Timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	payload := stdinPayload{
		Params:  json.RawMessage(task.Params),
		Context: encodeContext(workflowCtx),
	}
	stdin, err := json.Marshal(payload)
	if err != nil {
		return nil, worker.Permanent(fmt.Errorf("execbridge: encode stdin: %w", err))
	}

	cmd := exec.CommandContext(execCtx, b.Command[0], b.Command[1:]...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
	if err != nil {
		if ctx.Err() == context.Canceled {
			return nil, worker.Cancelled(fmt.Errorf("execbridge: %s: %w", b.Command[0], ctx.Err()))
		}

		exitErr, ok := err.(*exec.ExitError)
		if ok && b.Permanent != nil && b.Permanent(exitErr.ExitCode()) {
			return nil, worker.Permanent(fmt.Errorf("execbridge: %s: %w: %s", b.Command[0], err, stderr.String()))
		}
		return nil, worker.Transient(fmt.Errorf("execbridge: %s: %w: %s", b.Command[0], err, stderr.String()))
	}

	return bytes.TrimSpace(stdout.Bytes()), nil
}

func encodeContext(ctx types.Context) map[string]string {
	if len(ctx) == 0 {
		return nil
	}
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		out[k] = string(v)
	}
	return out
}

package controller

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/ralph/internal/shell"
)

// Worker performs one turn for a directive and returns its final message.
type Worker interface {
	Work(ctx context.Context, directive string) (string, error)
}

// WorkerFunc adapts a function to Worker.
type WorkerFunc func(ctx context.Context, directive string) (string, error)

func (f WorkerFunc) Work(ctx context.Context, directive string) (string, error) {
	return f(ctx, directive)
}

// CommandWorker runs an external agent with the directive on stdin and
// treats its stdout as the final message.
type CommandWorker struct {
	Argv    []string
	Dir     string
	Timeout time.Duration
}

func (w CommandWorker) Work(ctx context.Context, directive string) (string, error) {
	if len(w.Argv) == 0 {
		return "", fmt.Errorf("worker command is empty")
	}
	if w.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Timeout)
		defer cancel()
	}
	out, err := shell.RunInput(ctx, w.Dir, strings.NewReader(directive), w.Argv[0], w.Argv[1:]...)
	return string(out), err
}

// Run drives session id with w until the controller halts. A worker error
// during building counts as a failed attempt at the unit it was given.
func (c *Controller) Run(ctx context.Context, id string, w Worker) (Decision, error) {
	d, err := c.Evaluate(ctx, id, WorkerResult{})
	for err == nil && d.Continues() {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		out, werr := w.Work(ctx, d.Directive)
		if werr != nil {
			if ctx.Err() != nil {
				return d, ctx.Err()
			}
			if d.UnitID == "" {
				return d, fmt.Errorf("worker failed: %w", werr)
			}
			if _, ferr := c.ReportFailure(ctx, id, d.UnitID, "worker exited with error: "+werr.Error()); ferr != nil {
				return d, ferr
			}
		}
		d, err = c.Evaluate(ctx, id, WorkerResult{Output: out})
	}
	return d, err
}

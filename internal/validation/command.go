package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/ralph/internal/shell"
)

// CommandReviewer runs an external program with the request as JSON on
// stdin and parses its stdout as a verdict.
type CommandReviewer struct {
	argv    []string
	dir     string
	timeout time.Duration
	run     func(ctx context.Context, dir string, stdin *bytes.Reader, name string, args ...string) ([]byte, error)
}

// NewCommandReviewer returns a reviewer running argv in dir.
func NewCommandReviewer(argv []string, dir string, timeout time.Duration) (*CommandReviewer, error) {
	if len(argv) == 0 {
		return nil, errors.New("review command is empty")
	}
	return &CommandReviewer{
		argv:    argv,
		dir:     dir,
		timeout: timeout,
		run: func(ctx context.Context, dir string, stdin *bytes.Reader, name string, args ...string) ([]byte, error) {
			return shell.RunInput(ctx, dir, stdin, name, args...)
		},
	}, nil
}

// Review implements Reviewer.
func (r *CommandReviewer) Review(ctx context.Context, req Request) (Verdict, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("encoding review request: %w", err)
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	out, err := r.run(ctx, r.dir, bytes.NewReader(payload), r.argv[0], r.argv[1:]...)
	if err != nil {
		return Verdict{}, err
	}
	return ParseVerdict(string(out)), nil
}

// Package shell runs external commands with stderr folded into errors.
package shell

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Runner executes name with args in dir and returns stdout.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// Run is the default Runner.
func Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return RunInput(ctx, dir, nil, name, args...)
}

// RunInput is Run with stdin attached.
func RunInput(ctx context.Context, dir string, stdin io.Reader, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return out, fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return out, nil
}

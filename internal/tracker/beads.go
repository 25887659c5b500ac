package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/shell"
)

// Beads is a Store backed by the bd CLI.
type Beads struct {
	binary  string
	dir     string
	timeout time.Duration
	run     shell.Runner
	logger  *logging.Logger
}

// BeadsOption configures a Beads store.
type BeadsOption func(*Beads)

// WithRunner replaces command execution, for tests.
func WithRunner(r shell.Runner) BeadsOption {
	return func(b *Beads) { b.run = r }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) BeadsOption {
	return func(b *Beads) { b.logger = l }
}

// NewBeads returns a Store that shells out to binary in dir.
func NewBeads(binary, dir string, timeout time.Duration, opts ...BeadsOption) *Beads {
	b := &Beads{
		binary:  binary,
		dir:     dir,
		timeout: timeout,
		run:     shell.Run,
		logger:  logging.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Beads) exec(ctx context.Context, args ...string) ([]byte, error) {
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}
	b.logger.Trace(ctx, "tracker command", zap.String("binary", b.binary), zap.Strings("args", args))
	out, err := b.run(ctx, b.dir, b.binary, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// CreateUnit creates a work unit and returns it as stored.
func (b *Beads) CreateUnit(ctx context.Context, req CreateRequest) (Unit, error) {
	args := []string{"create", req.Title, "--json"}
	if req.Description != "" {
		args = append(args, "--description", req.Description)
	}
	if req.AcceptanceCriteria != "" {
		args = append(args, "--acceptance", req.AcceptanceCriteria)
	}
	if req.ParentID != "" {
		args = append(args, "--parent", req.ParentID)
	}
	if req.Priority > 0 {
		args = append(args, "--priority", strconv.Itoa(req.Priority))
	}
	out, err := b.exec(ctx, args...)
	if err != nil {
		return Unit{}, err
	}
	return parseSingle(out)
}

// Show returns a single work unit.
func (b *Beads) Show(ctx context.Context, id string) (Unit, error) {
	out, err := b.exec(ctx, "show", id, "--json")
	if err != nil {
		return Unit{}, err
	}
	return parseSingle(out)
}

// UpdateStatus sets a unit's status.
func (b *Beads) UpdateStatus(ctx context.Context, id string, status Status) error {
	_, err := b.exec(ctx, "update", id, "--status", string(status))
	return err
}

// Close closes a unit with a reason.
func (b *Beads) Close(ctx context.Context, id, reason string) error {
	args := []string{"close", id}
	if reason != "" {
		args = append(args, "--reason", reason)
	}
	_, err := b.exec(ctx, args...)
	return err
}

// ListReady returns unblocked units under groupRef in the store's priority order.
func (b *Beads) ListReady(ctx context.Context, groupRef string) ([]Unit, error) {
	args := []string{"ready", "--json"}
	if groupRef != "" {
		args = append(args, "--parent", groupRef)
	}
	out, err := b.exec(ctx, args...)
	if err != nil {
		return nil, err
	}
	return parseList(out)
}

// AppendComment adds a comment to a unit.
func (b *Beads) AppendComment(ctx context.Context, id, text string) error {
	_, err := b.exec(ctx, "comments", "add", id, text)
	return err
}

// Progress returns the percentage of closed units under groupRef. An empty
// group reports 100.
func (b *Beads) Progress(ctx context.Context, groupRef string) (float64, error) {
	out, err := b.exec(ctx, "list", "--json", "--all", "--parent", groupRef)
	if err != nil {
		return 0, err
	}
	units, err := parseList(out)
	if err != nil {
		return 0, err
	}
	if len(units) == 0 {
		return 100, nil
	}
	closed := 0
	for _, u := range units {
		if u.Status == StatusClosed {
			closed++
		}
	}
	return float64(closed) * 100 / float64(len(units)), nil
}

type beadRecord struct {
	ID                 string      `json:"id"`
	Title              string      `json:"title"`
	Description        string      `json:"description"`
	AcceptanceCriteria string      `json:"acceptance_criteria"`
	Status             string      `json:"status"`
	Priority           json.Number `json:"priority"`
	ParentID           string      `json:"parent_id"`
	Parent             string      `json:"parent"`
}

func (r beadRecord) unit() Unit {
	priority, _ := r.Priority.Int64()
	parent := strings.TrimSpace(r.ParentID)
	if parent == "" {
		parent = strings.TrimSpace(r.Parent)
	}
	return Unit{
		ID:                 strings.TrimSpace(r.ID),
		Title:              strings.TrimSpace(r.Title),
		Description:        r.Description,
		AcceptanceCriteria: r.AcceptanceCriteria,
		Status:             Status(strings.ToLower(strings.TrimSpace(r.Status))),
		Priority:           int(priority),
		ParentID:           parent,
	}
}

var errUnexpectedOutput = errors.New("unexpected bd output")

// parseList accepts a JSON array or an {"items": [...]} wrapper. Empty
// output and "null" are an empty list.
func parseList(data []byte) ([]Unit, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}

	var records []beadRecord
	decoder := json.NewDecoder(bytes.NewReader(trimmed))
	decoder.UseNumber()
	if err := decoder.Decode(&records); err != nil {
		decoder = json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		var wrapper struct {
			Items []beadRecord `json:"items"`
		}
		if err := decoder.Decode(&wrapper); err != nil {
			return nil, fmt.Errorf("%w: %v", errUnexpectedOutput, err)
		}
		records = wrapper.Items
	}

	units := make([]Unit, 0, len(records))
	for _, rec := range records {
		units = append(units, rec.unit())
	}
	return units, nil
}

// parseSingle accepts a single object or a one-element list.
func parseSingle(data []byte) (Unit, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		decoder := json.NewDecoder(bytes.NewReader(trimmed))
		decoder.UseNumber()
		var rec beadRecord
		if err := decoder.Decode(&rec); err == nil && rec.ID != "" {
			return rec.unit(), nil
		}
	}
	units, err := parseList(trimmed)
	if err != nil {
		return Unit{}, err
	}
	if len(units) == 0 {
		return Unit{}, fmt.Errorf("%w: no unit returned", errUnexpectedOutput)
	}
	return units[0], nil
}

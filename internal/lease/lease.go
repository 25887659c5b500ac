// Package lease manages isolated execution workspaces (a linked worktree on a
// dedicated branch) for building-mode sessions.
//
// Every lease has a durable tracker record, written with exclusive create
// before the workspace exists and removed after it is gone, so that a
// supervisor can find and release leases whose owning process died.
package lease

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/vcs"
)

// State is a lease lifecycle state.
type State string

const (
	StateCreated  State = "created"
	StateActive   State = "active"
	StateReleased State = "released"
)

// Lease is an exclusively owned workspace for one work unit group.
type Lease struct {
	GroupRef          string    `json:"group_ref"`
	Path              string    `json:"path"`
	Branch            string    `json:"branch"`
	CreatePullRequest bool      `json:"create_pull_request"`
	State             State     `json:"state"`
	TrackerPath       string    `json:"tracker_path"`
	AcquiredAt        time.Time `json:"acquired_at"`
}

// Record is a durable tracker record as found on disk. PID and AcquiredAt
// identify the acquiring process; records written by older versions leave
// them zero.
type Record struct {
	File       string    `json:"-"`
	Path       string    `json:"path"`
	PID        int       `json:"pid,omitempty"`
	AcquiredAt time.Time `json:"acquired_at"`
}

var (
	// ErrLeaseConflict is returned when the workspace or tracker record for
	// a group already exists.
	ErrLeaseConflict = errors.New("lease conflict")

	ErrInvalidGroup = errors.New("invalid group reference")
)

// Workspaces is the version-control capability leases are built on.
type Workspaces interface {
	CreateIsolatedWorkspace(ctx context.Context, path, branch string) (attached bool, err error)
	RemoveIsolatedWorkspace(ctx context.Context, path string) error
	Push(ctx context.Context, branch string) error
}

// ReviewRequester opens an external review (pull request) for a branch.
type ReviewRequester interface {
	RequestExternalReview(ctx context.Context, req vcs.ReviewRequest) (string, error)
}

// ReleaseOptions controls finalization on release.
type ReleaseOptions struct {
	// Publish pushes the branch and, when the lease asks for it, opens a
	// pull request before the workspace is removed.
	Publish bool
	Title   string
	Body    string
}

// Manager acquires and releases leases.
type Manager struct {
	root       string
	recordsDir string
	ws         Workspaces
	reviewer   ReviewRequester
	logger     *logging.Logger
	metrics    *metrics.Metrics
	now        func() time.Time

	mu   sync.Mutex
	held map[string]*Lease // by group ref
}

// Option configures a Manager.
type Option func(*Manager)

// WithReviewRequester opens pull requests for published leases.
func WithReviewRequester(r ReviewRequester) Option { return func(m *Manager) { m.reviewer = r } }

// WithLogger sets the manager logger.
func WithLogger(l *logging.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithMetrics records lease transitions.
func WithMetrics(mt *metrics.Metrics) Option { return func(m *Manager) { m.metrics = mt } }

// NewManager returns a manager creating workspaces under root and tracker
// records under recordsDir.
func NewManager(root, recordsDir string, ws Workspaces, opts ...Option) *Manager {
	m := &Manager{
		root:       root,
		recordsDir: recordsDir,
		ws:         ws,
		logger:     logging.NewNop(),
		now:        time.Now,
		held:       make(map[string]*Lease),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

var unsafeChars = regexp.MustCompile(`[^a-z0-9-]+`)

// slug makes groupRef safe for paths and branch names. Refs that change
// under slugging get a short hash suffix so distinct refs never collide.
func slug(groupRef string) string {
	s := strings.Trim(unsafeChars.ReplaceAllString(strings.ToLower(groupRef), "-"), "-")
	if s == groupRef {
		return s
	}
	sum := sha256.Sum256([]byte(groupRef))
	if s == "" {
		return hex.EncodeToString(sum[:4])
	}
	return s + "-" + hex.EncodeToString(sum[:4])
}

// Names returns the deterministic workspace path, branch and tracker record
// path for groupRef.
func (m *Manager) Names(groupRef string) (path, branch, record string) {
	s := slug(groupRef)
	return filepath.Join(m.root, "ralph-"+s), "ralph/" + s, filepath.Join(m.recordsDir, s+".json")
}

// Acquire creates the workspace for groupRef. It fails with ErrLeaseConflict
// if the workspace path or tracker record already exists; an existing branch
// is attached rather than recreated.
func (m *Manager) Acquire(ctx context.Context, groupRef string, createPR bool) (*Lease, error) {
	if strings.TrimSpace(groupRef) == "" {
		return nil, ErrInvalidGroup
	}
	ctx = logging.WithGroupRef(ctx, groupRef)
	path, branch, record := m.Names(groupRef)

	if _, err := os.Stat(path); err == nil {
		m.metrics.LeaseEvent("conflict")
		return nil, fmt.Errorf("%w: workspace %s already exists", ErrLeaseConflict, path)
	}

	now := m.now().UTC()
	if err := writeRecord(record, Record{Path: path, PID: os.Getpid(), AcquiredAt: now}); err != nil {
		if errors.Is(err, os.ErrExist) {
			m.metrics.LeaseEvent("conflict")
			return nil, fmt.Errorf("%w: tracker record %s already exists", ErrLeaseConflict, record)
		}
		return nil, err
	}

	l := &Lease{
		GroupRef:          groupRef,
		Path:              path,
		Branch:            branch,
		CreatePullRequest: createPR,
		State:             StateCreated,
		TrackerPath:       record,
		AcquiredAt:        now,
	}

	if err := os.MkdirAll(m.root, 0o755); err != nil {
		_ = os.Remove(record)
		return nil, fmt.Errorf("creating worktree root: %w", err)
	}
	attached, err := m.ws.CreateIsolatedWorkspace(ctx, path, branch)
	if err != nil {
		_ = os.Remove(record)
		return nil, fmt.Errorf("acquiring lease for %s: %w", groupRef, err)
	}
	l.State = StateActive

	m.mu.Lock()
	m.held[groupRef] = l
	m.mu.Unlock()

	m.metrics.LeaseEvent("acquire")
	m.logger.Info(ctx, "lease acquired",
		zap.String("path", path),
		zap.String("branch", branch),
		zap.Bool("attached", attached),
	)
	return l, nil
}

// Adopt registers a lease loaded from persisted session state so that Guard
// and ReleaseAll cover it in this process.
func (m *Manager) Adopt(l *Lease) {
	if l == nil || l.State == StateReleased {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[l.GroupRef] = l
}

// Present reports whether l is unreleased and its workspace directory still
// exists.
func (m *Manager) Present(l *Lease) bool {
	if l == nil || l.State == StateReleased {
		return false
	}
	info, err := os.Stat(l.Path)
	return err == nil && info.IsDir()
}

// Release finalizes and removes the lease. Finalization failures are logged
// and never prevent removal. Releasing a released lease is a no-op, and a
// workspace or record that is already gone is not an error.
func (m *Manager) Release(ctx context.Context, l *Lease, opts ReleaseOptions) error {
	if l == nil || l.State == StateReleased {
		return nil
	}
	ctx = logging.WithGroupRef(ctx, l.GroupRef)

	if opts.Publish {
		m.publish(ctx, l, opts)
	}

	if err := m.ws.RemoveIsolatedWorkspace(ctx, l.Path); err != nil {
		// The record stays so a later sweep can retry.
		return fmt.Errorf("removing workspace %s: %w", l.Path, err)
	}
	record := l.TrackerPath
	if record == "" {
		_, _, record = m.Names(l.GroupRef)
	}
	if err := os.Remove(record); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing tracker record %s: %w", record, err)
	}

	l.State = StateReleased
	m.mu.Lock()
	delete(m.held, l.GroupRef)
	m.mu.Unlock()

	m.metrics.LeaseEvent("release")
	m.logger.Info(ctx, "lease released", zap.String("path", l.Path), zap.Bool("published", opts.Publish))
	return nil
}

func (m *Manager) publish(ctx context.Context, l *Lease, opts ReleaseOptions) {
	if err := m.ws.Push(ctx, l.Branch); err != nil {
		m.logger.Warn(ctx, "push failed during release", zap.String("branch", l.Branch), zap.Error(err))
		return
	}
	if !l.CreatePullRequest || m.reviewer == nil {
		return
	}
	title := opts.Title
	if title == "" {
		title = "ralph: " + l.GroupRef
	}
	url, err := m.reviewer.RequestExternalReview(ctx, vcs.ReviewRequest{Branch: l.Branch, Title: title, Body: opts.Body})
	if err != nil {
		m.logger.Warn(ctx, "pull request request failed during release", zap.String("branch", l.Branch), zap.Error(err))
		return
	}
	m.logger.Info(ctx, "external review requested", zap.String("url", url))
}

// ReleaseAll releases every lease held by this process without publishing.
// Errors are logged; every lease is attempted.
func (m *Manager) ReleaseAll(ctx context.Context) int {
	m.mu.Lock()
	leases := make([]*Lease, 0, len(m.held))
	for _, l := range m.held {
		leases = append(leases, l)
	}
	m.mu.Unlock()

	released := 0
	for _, l := range leases {
		if err := m.Release(ctx, l, ReleaseOptions{}); err != nil {
			m.logger.Error(ctx, "release failed", zap.String("group.ref", l.GroupRef), zap.Error(err))
			continue
		}
		released++
	}
	return released
}

// Held returns the leases held by this process.
func (m *Manager) Held() []*Lease {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Lease, 0, len(m.held))
	for _, l := range m.held {
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GroupRef < out[j].GroupRef })
	return out
}

// ForceRelease removes a lease knowing only its tracker record.
func (m *Manager) ForceRelease(ctx context.Context, rec Record) error {
	if rec.Path != "" {
		if err := m.ws.RemoveIsolatedWorkspace(ctx, rec.Path); err != nil {
			return fmt.Errorf("removing workspace %s: %w", rec.Path, err)
		}
	}
	if err := os.Remove(rec.File); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing tracker record %s: %w", rec.File, err)
	}
	m.metrics.LeaseEvent("force_release")
	m.logger.Warn(ctx, "lease force released", zap.String("path", rec.Path), zap.String("record", rec.File))
	return nil
}

// Records lists tracker records on disk. Unreadable records are returned
// with an empty Path so they can still be removed.
func (m *Manager) Records() ([]Record, error) {
	entries, err := os.ReadDir(m.recordsDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("listing lease records: %w", err)
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		file := filepath.Join(m.recordsDir, e.Name())
		rec := Record{File: file}
		if data, err := os.ReadFile(file); err == nil {
			_ = json.Unmarshal(data, &rec)
			rec.File = file
		}
		out = append(out, rec)
	}
	return out, nil
}

func writeRecord(file string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("creating lease records dir: %w", err)
	}
	f, err := os.OpenFile(file, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	data, _ := json.Marshal(rec)
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(file)
		return fmt.Errorf("writing tracker record: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(file)
		return fmt.Errorf("syncing tracker record: %w", err)
	}
	return f.Close()
}

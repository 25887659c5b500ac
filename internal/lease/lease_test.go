package lease

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/vcs"
)

// fakeWorkspaces creates and removes plain directories.
type fakeWorkspaces struct {
	mu        sync.Mutex
	branches  map[string]bool
	pushed    []string
	createErr error
	removeErr error
	pushErr   error
	onCreate  func(path string)
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{branches: make(map[string]bool)}
}

func (f *fakeWorkspaces) CreateIsolatedWorkspace(_ context.Context, path, branch string) (bool, error) {
	if f.onCreate != nil {
		f.onCreate(path)
	}
	if f.createErr != nil {
		return false, f.createErr
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	attached := f.branches[branch]
	f.branches[branch] = true
	return attached, nil
}

func (f *fakeWorkspaces) RemoveIsolatedWorkspace(_ context.Context, path string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	return os.RemoveAll(path)
}

func (f *fakeWorkspaces) Push(_ context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, branch)
	return f.pushErr
}

type fakeReviewer struct {
	requests []vcs.ReviewRequest
	err      error
}

func (f *fakeReviewer) RequestExternalReview(_ context.Context, req vcs.ReviewRequest) (string, error) {
	f.requests = append(f.requests, req)
	return "https://github.com/acme/widgets/pull/1", f.err
}

func newTestManager(t *testing.T, ws Workspaces, opts ...Option) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	return NewManager(filepath.Join(dir, "worktrees"), filepath.Join(dir, "leases"), ws, opts...), dir
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestNames_Deterministic(t *testing.T) {
	m := NewManager("/wt", "/state/leases", newFakeWorkspaces())

	path, branch, record := m.Names("bd-42")
	assert.Equal(t, "/wt/ralph-bd-42", path)
	assert.Equal(t, "ralph/bd-42", branch)
	assert.Equal(t, "/state/leases/bd-42.json", record)

	p1, _, _ := m.Names("Epic.One")
	p2, _, _ := m.Names("epic-one")
	assert.NotEqual(t, p1, p2)
	again, _, _ := m.Names("Epic.One")
	assert.Equal(t, p1, again)
}

func TestAcquire_WritesRecordBeforeWorkspace(t *testing.T) {
	ws := newFakeWorkspaces()
	m, _ := newTestManager(t, ws)
	_, _, record := m.Names("G1")

	var recordSeen bool
	ws.onCreate = func(string) { recordSeen = exists(record) }

	l, err := m.Acquire(context.Background(), "G1", true)
	require.NoError(t, err)
	assert.True(t, recordSeen)
	assert.Equal(t, StateActive, l.State)
	assert.True(t, l.CreatePullRequest)
	assert.True(t, exists(l.Path))

	recs, err := m.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, l.Path, recs[0].Path)
	assert.Equal(t, os.Getpid(), recs[0].PID)
	assert.True(t, recs[0].AcquiredAt.Equal(l.AcquiredAt))
}

func TestAcquire_ConflictOnExistingPath(t *testing.T) {
	met := metrics.New()
	m, _ := newTestManager(t, newFakeWorkspaces(), WithMetrics(met))
	path, _, record := m.Names("G1")
	require.NoError(t, os.MkdirAll(path, 0o755))

	_, err := m.Acquire(context.Background(), "G1", false)
	assert.ErrorIs(t, err, ErrLeaseConflict)
	assert.False(t, exists(record))
	assert.Equal(t, 1.0, testutil.ToFloat64(met.LeaseEventsTotal.WithLabelValues("conflict")))
}

func TestAcquire_ConflictOnExistingRecord(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	ctx := context.Background()

	first, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(first.Path))

	_, err = m.Acquire(ctx, "G1", false)
	assert.ErrorIs(t, err, ErrLeaseConflict)
	assert.True(t, exists(first.TrackerPath), "existing record must not be clobbered")
}

func TestAcquire_CreateFailureRemovesRecord(t *testing.T) {
	ws := newFakeWorkspaces()
	ws.createErr = errors.New("fatal: invalid reference: main")
	m, _ := newTestManager(t, ws)

	_, err := m.Acquire(context.Background(), "G1", false)
	require.Error(t, err)
	_, _, record := m.Names("G1")
	assert.False(t, exists(record))
	assert.Empty(t, m.Held())
}

func TestAcquire_ReattachesBranch(t *testing.T) {
	ws := newFakeWorkspaces()
	m, _ := newTestManager(t, ws)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l, ReleaseOptions{}))

	again, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	assert.Equal(t, l.Branch, again.Branch)
	assert.Equal(t, l.Path, again.Path)
}

func TestAcquire_EmptyGroup(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	_, err := m.Acquire(context.Background(), " ", false)
	assert.ErrorIs(t, err, ErrInvalidGroup)
}

func TestRelease_PublishPushesAndOpensPR(t *testing.T) {
	ws := newFakeWorkspaces()
	rv := &fakeReviewer{}
	m, _ := newTestManager(t, ws, WithReviewRequester(rv))
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", true)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l, ReleaseOptions{Publish: true, Title: "Add retry"}))

	assert.Equal(t, []string{l.Branch}, ws.pushed)
	require.Len(t, rv.requests, 1)
	assert.Equal(t, "Add retry", rv.requests[0].Title)
	assert.False(t, exists(l.Path))
	assert.False(t, exists(l.TrackerPath))
	assert.Equal(t, StateReleased, l.State)
}

func TestRelease_FinalizationFailureStillRemoves(t *testing.T) {
	tests := []struct {
		name    string
		pushErr error
		prErr   error
	}{
		{"push fails", errors.New("remote rejected"), nil},
		{"pr fails", nil, errors.New("422 no commits")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := newFakeWorkspaces()
			ws.pushErr = tt.pushErr
			m, _ := newTestManager(t, ws, WithReviewRequester(&fakeReviewer{err: tt.prErr}))
			ctx := context.Background()

			l, err := m.Acquire(ctx, "G1", true)
			require.NoError(t, err)
			require.NoError(t, m.Release(ctx, l, ReleaseOptions{Publish: true}))
			assert.False(t, exists(l.Path))
			assert.False(t, exists(l.TrackerPath))
		})
	}
}

func TestRelease_WithoutPublishSkipsPush(t *testing.T) {
	ws := newFakeWorkspaces()
	rv := &fakeReviewer{}
	m, _ := newTestManager(t, ws, WithReviewRequester(rv))
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", true)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l, ReleaseOptions{}))
	assert.Empty(t, ws.pushed)
	assert.Empty(t, rv.requests)
}

func TestRelease_Idempotent(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, l, ReleaseOptions{}))
	require.NoError(t, m.Release(ctx, l, ReleaseOptions{}))

	// A stale copy from persisted state whose resources are already gone.
	stale := *l
	stale.State = StateActive
	require.NoError(t, m.Release(ctx, &stale, ReleaseOptions{}))
	require.NoError(t, m.Release(ctx, nil, ReleaseOptions{}))
}

func TestRelease_RemovalFailureKeepsRecord(t *testing.T) {
	ws := newFakeWorkspaces()
	m, _ := newTestManager(t, ws)
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	ws.removeErr = errors.New("device busy")

	require.Error(t, m.Release(ctx, l, ReleaseOptions{}))
	assert.True(t, exists(l.TrackerPath))
	assert.Equal(t, StateActive, l.State)
}

func TestForceRelease(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	l, err := m.Acquire(context.Background(), "G1", false)
	require.NoError(t, err)

	recs, err := m.Records()
	require.NoError(t, err)
	require.Len(t, recs, 1)

	// A fresh manager has no in-memory lease, only the record.
	other := NewManager(filepath.Dir(l.Path), filepath.Dir(l.TrackerPath), newFakeWorkspaces())
	require.NoError(t, other.ForceRelease(context.Background(), recs[0]))
	assert.False(t, exists(l.Path))
	assert.False(t, exists(l.TrackerPath))
}

func TestGuard_ReleasesOnSignal(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	l, err := m.Acquire(context.Background(), "G1", false)
	require.NoError(t, err)

	sigs := make(chan os.Signal, 1)
	exitCode := make(chan int, 1)
	g := NewGuard(m, WithSignals(sigs), WithExit(func(code int) { exitCode <- code }))
	g.Start(context.Background())

	sigs <- syscall.SIGTERM

	select {
	case code := <-exitCode:
		assert.Equal(t, 128+int(syscall.SIGTERM), code)
	case <-time.After(5 * time.Second):
		t.Fatal("guard did not exit")
	}
	<-g.Done()

	assert.False(t, exists(l.Path))
	assert.False(t, exists(l.TrackerPath))
	assert.Empty(t, m.Held())
}

func TestGuard_StopDoesNotRelease(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	l, err := m.Acquire(context.Background(), "G1", false)
	require.NoError(t, err)

	g := NewGuard(m, WithSignals(make(chan os.Signal, 1)), WithExit(func(int) { t.Error("unexpected exit") }))
	g.Start(context.Background())
	g.Stop()
	<-g.Done()

	assert.True(t, exists(l.Path))
}

func TestGuard_CoversAdoptedLease(t *testing.T) {
	ws := newFakeWorkspaces()
	owner, _ := newTestManager(t, ws)
	l, err := owner.Acquire(context.Background(), "G1", false)
	require.NoError(t, err)

	// A later process loads the lease from session state.
	m := NewManager(filepath.Dir(l.Path), filepath.Dir(l.TrackerPath), ws)
	m.Adopt(l)

	sigs := make(chan os.Signal, 1)
	g := NewGuard(m, WithSignals(sigs), WithExit(func(int) {}))
	g.Start(context.Background())
	sigs <- syscall.SIGINT
	<-g.Done()

	assert.False(t, exists(l.Path))
	assert.False(t, exists(l.TrackerPath))
}

func TestSweeper(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	ctx := context.Background()

	live, err := m.Acquire(ctx, "live", false)
	require.NoError(t, err)
	orphan, err := m.Acquire(ctx, "orphan", false)
	require.NoError(t, err)

	sweeper := NewSweeper(m, WithGrace(0), WithLiveness(func(int) bool { return false }))
	released, err := sweeper.Sweep(ctx, func(r Record) bool { return r.Path == live.Path })
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, orphan.Path, released[0].Path)

	assert.True(t, exists(live.Path))
	assert.False(t, exists(orphan.Path))
	assert.False(t, exists(orphan.TrackerPath))
}

func TestSweeper_SkipsRecordsStillBeingClaimed(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m, _ := newTestManager(t, newFakeWorkspaces())
	m.now = func() time.Time { return now }
	ctx := context.Background()

	l, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	nobody := func(Record) bool { return false }

	// Fresh record, owner gone.
	dead := NewSweeper(m, WithLiveness(func(int) bool { return false }))
	orphans, err := dead.Orphans(nobody)
	require.NoError(t, err)
	assert.Empty(t, orphans)

	// Old record, owner running.
	now = now.Add(2 * DefaultGrace)
	live := NewSweeper(m, WithLiveness(func(pid int) bool { return pid == os.Getpid() }))
	released, err := live.Sweep(ctx, nobody)
	require.NoError(t, err)
	assert.Empty(t, released)
	assert.True(t, exists(l.Path))

	// Old record, owner gone.
	released, err = dead.Sweep(ctx, nobody)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.False(t, exists(l.Path))
	assert.False(t, exists(l.TrackerPath))
}

func TestSweeper_LegacyRecordIsSweepable(t *testing.T) {
	m, dir := newTestManager(t, newFakeWorkspaces())
	records := filepath.Join(dir, "leases")
	require.NoError(t, os.MkdirAll(records, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(records, "old.json"), []byte(`{"path":"/nowhere/ralph-old"}`), 0o644))

	orphans, err := NewSweeper(m).Orphans(nil)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "/nowhere/ralph-old", orphans[0].Path)
}

func TestProcessAlive_Self(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}

func TestPresent(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	ctx := context.Background()
	assert.False(t, m.Present(nil))

	l, err := m.Acquire(ctx, "G1", false)
	require.NoError(t, err)
	assert.True(t, m.Present(l))

	require.NoError(t, os.RemoveAll(l.Path))
	assert.False(t, m.Present(l))

	require.NoError(t, m.Release(ctx, l, ReleaseOptions{}))
	assert.False(t, m.Present(l))
}

func TestGuard_RunsSignalHookBeforeRelease(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	l, err := m.Acquire(context.Background(), "G1", false)
	require.NoError(t, err)

	var sawWorkspace bool
	hook := func(ctx context.Context) {
		sawWorkspace = exists(l.Path)
		assert.NoError(t, m.Release(ctx, l, ReleaseOptions{}))
	}
	sigs := make(chan os.Signal, 1)
	g := NewGuard(m, WithSignals(sigs), WithExit(func(int) {}), WithOnSignal(hook))
	g.Start(context.Background())
	sigs <- syscall.SIGTERM
	<-g.Done()

	assert.True(t, sawWorkspace)
	assert.False(t, exists(l.Path))
	assert.Empty(t, m.Held())
}

func TestRecords_Empty(t *testing.T) {
	m, _ := newTestManager(t, newFakeWorkspaces())
	recs, err := m.Records()
	require.NoError(t, err)
	assert.Empty(t, recs)
}

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/breaker"
	"github.com/fyrsmithlabs/ralph/internal/budget"
	"github.com/fyrsmithlabs/ralph/internal/complexity"
	"github.com/fyrsmithlabs/ralph/internal/lease"
	"github.com/fyrsmithlabs/ralph/internal/logging"
	"github.com/fyrsmithlabs/ralph/internal/metrics"
	"github.com/fyrsmithlabs/ralph/internal/promise"
	"github.com/fyrsmithlabs/ralph/internal/session"
	"github.com/fyrsmithlabs/ralph/internal/tracker"
)

const tracerName = "github.com/fyrsmithlabs/ralph/internal/controller"

// historyLimit caps the attempt records quoted in a directive.
const historyLimit = 4

// Controller drives workflow sessions.
type Controller struct {
	sessions session.Store
	tracker  tracker.Store
	leases   Leases
	breaker  *breaker.Breaker

	reviewer    Reviewer
	repo        Repository
	testCommand string

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithReviewer sets the validation gate.
func WithReviewer(r Reviewer) Option { return func(c *Controller) { c.reviewer = r } }

// WithRepository supplies branch heads and review diffs.
func WithRepository(r Repository) Option { return func(c *Controller) { c.repo = r } }

// WithTestCommand names the project's test command in building directives.
func WithTestCommand(cmd string) Option { return func(c *Controller) { c.testCommand = cmd } }

// WithLogger sets the controller logger.
func WithLogger(l *logging.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithMetrics records iterations, completions and halts.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Controller) { c.metrics = m } }

// WithTracer spans each operation.
func WithTracer(t trace.Tracer) Option { return func(c *Controller) { c.tracer = t } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// New returns a controller.
func New(sessions session.Store, store tracker.Store, leases Leases, brk *breaker.Breaker, opts ...Option) *Controller {
	c := &Controller{
		sessions: sessions,
		tracker:  store,
		leases:   leases,
		breaker:  brk,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func sessionContext(ctx context.Context, id string) (context.Context, error) {
	if !session.ValidID(id) {
		return ctx, fmt.Errorf("%w: %q", session.ErrInvalidID, id)
	}
	return logging.WithSessionID(ctx, id), nil
}

// Start classifies the task, applies the iteration budget and creates the
// session. Starting directly in building acquires the group's lease.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, errors.New("task description is required")
	}

	mode := req.Mode
	if mode == "" {
		mode = session.Planning
	}
	if !mode.Iterating() {
		return nil, fmt.Errorf("%w: cannot start in %s", ErrInvalidTransition, mode)
	}
	if mode == session.Building && req.GroupRef == "" {
		return nil, ErrGroupRequired
	}
	if req.TierOverride != "" && !req.TierOverride.Valid() {
		return nil, fmt.Errorf("invalid complexity tier %q", req.TierOverride)
	}

	if _, err := c.sessions.Get(ctx, id); err == nil {
		return nil, fmt.Errorf("%w: %s", session.ErrExists, id)
	} else if !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}

	tier := complexity.Resolve(req.Task, req.TierOverride)
	b, err := budget.For(budget.Mode(mode), tier)
	if err != nil {
		return nil, err
	}

	now := c.now().UTC()
	s := &session.Session{
		ID:            id,
		Mode:          mode,
		Task:          req.Task,
		EpicRef:       req.EpicRef,
		MaxIterations: b.MaxIterations,
		Tier:          tier,
		Validation: b.Apply(budget.Overrides{
			SkipValidation:  req.SkipValidation,
			ForceValidation: req.ForceValidation,
		}),
		SkipValidation:    req.SkipValidation,
		ForceValidation:   req.ForceValidation,
		CreatePullRequest: req.CreatePullRequest,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if mode == session.Building {
		s.GroupRef = req.GroupRef
		l, err := c.leases.Acquire(ctx, req.GroupRef, req.CreatePullRequest)
		if err != nil {
			return nil, err
		}
		s.Lease = l
	}

	if err := c.sessions.Create(ctx, s); err != nil {
		if s.Lease != nil {
			if rerr := c.leases.Release(ctx, s.Lease, lease.ReleaseOptions{}); rerr != nil {
				c.logger.Error(ctx, "releasing lease after failed start", zap.Error(rerr))
			}
		}
		return nil, err
	}

	c.logger.Info(ctx, "session started",
		zap.String("mode", string(mode)),
		zap.String("tier", string(tier)),
		zap.Int("max_iterations", s.MaxIterations),
		zap.String("validation", string(s.Validation)),
	)
	return s, nil
}

// Evaluate applies the transition rules once for a finished worker turn.
func (c *Controller) Evaluate(ctx context.Context, id string, res WorkerResult) (d Decision, err error) {
	ctx, err = sessionContext(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	ctx, span := c.tracer.Start(ctx, "controller.Evaluate",
		trace.WithAttributes(attribute.String("session.id", id)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetAttributes(
				attribute.String("decision.action", string(d.Action)),
				attribute.String("decision.reason", string(d.Reason)),
				attribute.String("session.mode", string(d.Mode)),
				attribute.Int("session.iteration", d.Iteration),
			)
			c.metrics.Decision(string(d.Action), string(d.Reason))
			c.logger.Info(ctx, "decision",
				zap.String("action", string(d.Action)),
				zap.String("reason", string(d.Reason)),
				zap.String("mode", string(d.Mode)),
				zap.Int("iteration", d.Iteration),
			)
		}
		span.End()
	}()

	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if !s.Mode.Iterating() {
		return halt(s, ReasonNotActive, notActiveMessage(s)), nil
	}

	tok, signalled := promise.Parse(res.Output)
	ev := promise.ParseEvidence(res.Output)
	s, err = c.sessions.Mutate(ctx, id, func(s *session.Session) error {
		s.CompletionSignal = ""
		if signalled {
			s.CompletionSignal = string(tok)
		}
		s.AddModifiedPaths(ev.ModifiedPaths...)
		if ev.CommitMade {
			s.CommitMade = true
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	if s.BudgetExhausted() {
		reason := fmt.Sprintf("iteration budget exhausted (%d/%d)", s.Iteration, s.MaxIterations)
		return c.pause(ctx, s, ReasonBudgetExhausted, reason, true)
	}

	if signalled && tok == expectedToken(s.Mode) {
		if s.Mode == session.Planning {
			return c.planReady(ctx, s)
		}
		return c.complete(ctx, s)
	}

	if s.Mode == session.Planning {
		s, err = c.sessions.Mutate(ctx, id, func(s *session.Session) error {
			s.Iteration++
			return nil
		})
		if err != nil {
			return Decision{}, err
		}
		c.metrics.Iteration(string(s.Mode), s.Iteration)
		return proceed(s, ReasonPlanning, "", planningDirective(s)), nil
	}

	if !c.leases.Present(s.Lease) {
		s, err = c.reacquire(ctx, s)
		if errors.Is(err, lease.ErrLeaseConflict) {
			return halt(s, ReasonLeaseConflict, "the workspace is gone and could not be re-acquired: "+err.Error()), nil
		}
		if err != nil {
			return Decision{}, err
		}
	}
	return c.nextUnit(ctx, s)
}

func expectedToken(m session.Mode) promise.Token {
	if m == session.Planning {
		return promise.PlanReady
	}
	return promise.Done
}

func (c *Controller) planReady(ctx context.Context, s *session.Session) (Decision, error) {
	s, err := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
		s.SetMode(session.ReadyForBuild)
		s.PausedFrom = ""
		s.PauseReason = ""
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	return halt(s, ReasonPlanReady, "plan ready; start building with `ralph start-build --session "+s.ID+" --group <ref>`"), nil
}

func (c *Controller) complete(ctx context.Context, s *session.Session) (Decision, error) {
	if err := c.releaseLease(ctx, s, true); err != nil {
		// Keep the state and its lease so the release can be retried.
		s, merr := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
			s.SetMode(session.Complete)
			return nil
		})
		if merr != nil {
			return Decision{}, merr
		}
		return halt(s, ReasonReleaseFailed, "work complete but the workspace could not be released: "+err.Error()), nil
	}

	done := s.Clone()
	done.SetMode(session.Complete)
	done.Lease = nil
	if err := c.sessions.Destroy(ctx, s.ID); err != nil {
		return Decision{}, err
	}
	c.logger.Info(ctx, "session complete", zap.Int("iterations", done.Iteration))
	return halt(done, ReasonDone, "all work complete"), nil
}

// nextUnit selects the store's first ready unit and issues its directive.
func (c *Controller) nextUnit(ctx context.Context, s *session.Session) (Decision, error) {
	ctx = logging.WithGroupRef(ctx, s.GroupRef)

	units, err := c.tracker.ListReady(ctx, s.GroupRef)
	if err == nil {
		err = tracker.ValidateReady(units)
	}
	if err != nil {
		c.logger.Error(ctx, "ready query failed", zap.Error(err))
		return halt(s, ReasonStoreUnavailable, "dependency store query failed, not retrying: "+err.Error()), nil
	}

	if len(units) == 0 {
		progress, err := c.tracker.Progress(ctx, s.GroupRef)
		if err != nil {
			c.logger.Error(ctx, "progress query failed", zap.Error(err))
			return halt(s, ReasonStoreUnavailable, "dependency store query failed, not retrying: "+err.Error()), nil
		}
		if progress < 100 {
			return halt(s, ReasonBlocked, fmt.Sprintf(
				"no work unit in %s is ready (%.0f%% complete); the remaining units are blocked or waiting on dependencies",
				s.GroupRef, progress)), nil
		}
		s, err = c.advance(ctx, s, "", "")
		if err != nil {
			return Decision{}, err
		}
		return proceed(s, ReasonAllClosed, "", wrapUpDirective(s)), nil
	}

	unit := units[0]
	ctx = logging.WithUnitID(ctx, unit.ID)
	base := s.UnitBase
	if unit.ID != s.CurrentUnit {
		base = c.branchHead(ctx, s)
	}
	s, err = c.advance(ctx, s, unit.ID, base)
	if err != nil {
		return Decision{}, err
	}

	if unit.Status == tracker.StatusOpen {
		if err := c.tracker.UpdateStatus(ctx, unit.ID, tracker.StatusInProgress); err != nil {
			c.logger.Warn(ctx, "failed to mark unit in progress", zap.Error(err))
		}
	}
	history, err := c.breaker.History(unit.ID, historyLimit)
	if err != nil {
		c.logger.Warn(ctx, "failed to read attempt history", zap.Error(err))
	}
	return proceed(s, ReasonNextUnit, unit.ID, buildingDirective(s, unit, history, c.testCommand)), nil
}

func (c *Controller) advance(ctx context.Context, s *session.Session, unitID, base string) (*session.Session, error) {
	s, err := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
		s.Iteration++
		s.CurrentUnit = unitID
		s.UnitBase = base
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.metrics.Iteration(string(s.Mode), s.Iteration)
	return s, nil
}

// branchHead is best effort: without a base the review diff falls back to
// the merge base with the base branch.
func (c *Controller) branchHead(ctx context.Context, s *session.Session) string {
	if c.repo == nil || s.Lease == nil {
		return ""
	}
	head, err := c.repo.Head(ctx, s.Lease.Branch)
	if err != nil {
		c.logger.Warn(ctx, "failed to read branch head", zap.String("branch", s.Lease.Branch), zap.Error(err))
		return ""
	}
	return head
}

// ensureLease returns s's lease while its workspace is on disk. Otherwise the
// stale lease is released and a fresh one acquired for the group.
func (c *Controller) ensureLease(ctx context.Context, s *session.Session) (*lease.Lease, error) {
	if c.leases.Present(s.Lease) {
		return s.Lease, nil
	}
	if s.Lease != nil && s.Lease.State != lease.StateReleased {
		c.logger.Warn(ctx, "workspace missing, releasing stale lease", zap.String("path", s.Lease.Path))
		if err := c.leases.Release(ctx, s.Lease, lease.ReleaseOptions{}); err != nil {
			return nil, err
		}
	}
	return c.leases.Acquire(ctx, s.GroupRef, s.CreatePullRequest)
}

// reacquire stores a fresh lease on a building session whose workspace
// disappeared. On error s is returned unchanged.
func (c *Controller) reacquire(ctx context.Context, s *session.Session) (*session.Session, error) {
	l, err := c.ensureLease(ctx, s)
	if err != nil {
		return s, err
	}
	next, err := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
		s.Lease = l
		return nil
	})
	if err != nil {
		if rerr := c.leases.Release(ctx, l, lease.ReleaseOptions{}); rerr != nil {
			c.logger.Error(ctx, "releasing lease after failed update", zap.Error(rerr))
		}
		return s, err
	}
	c.logger.Info(ctx, "workspace re-acquired", zap.String("path", l.Path))
	return next, nil
}

// pause moves s to paused and releases its lease.
func (c *Controller) pause(ctx context.Context, s *session.Session, code Reason, reason string, publish bool) (Decision, error) {
	relErr := c.releaseLease(ctx, s, publish)
	s, err := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
		s.Pause(reason)
		if relErr == nil {
			s.Lease = nil
		}
		return nil
	})
	if err != nil {
		return Decision{}, err
	}
	msg := reason + "; the session is paused and can be resumed with `ralph resume --session " + s.ID + " --extra N`"
	if relErr != nil {
		msg += "; workspace release failed: " + relErr.Error()
	}
	return halt(s, code, msg), nil
}

func (c *Controller) releaseLease(ctx context.Context, s *session.Session, publish bool) error {
	if s.Lease == nil {
		return nil
	}
	err := c.leases.Release(ctx, s.Lease, lease.ReleaseOptions{
		Publish: publish,
		Title:   pullRequestTitle(s),
		Body:    pullRequestBody(s),
	})
	if err != nil {
		c.logger.Error(ctx, "lease release failed", zap.String("path", s.Lease.Path), zap.Error(err))
	}
	return err
}

func halt(s *session.Session, code Reason, msg string) Decision {
	return Decision{
		Action:        Halt,
		Reason:        code,
		Message:       msg,
		Mode:          s.Mode,
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		UnitID:        s.CurrentUnit,
	}
}

func proceed(s *session.Session, code Reason, unitID, directive string) Decision {
	return Decision{
		Action:        Continue,
		Reason:        code,
		Mode:          s.Mode,
		Iteration:     s.Iteration,
		MaxIterations: s.MaxIterations,
		UnitID:        unitID,
		Directive:     directive,
	}
}

func notActiveMessage(s *session.Session) string {
	switch s.Mode {
	case session.Paused:
		return "session is paused: " + s.PauseReason
	case session.ReadyForBuild:
		return "plan is ready; waiting for `ralph start-build`"
	case session.Complete:
		return "session is complete"
	default:
		return "session is " + string(s.Mode)
	}
}

// StartBuild moves a planned session into building on groupRef. A session
// paused during planning may also start building.
func (c *Controller) StartBuild(ctx context.Context, id, groupRef string) (*session.Session, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case s.Mode == session.ReadyForBuild, s.Mode == session.Planning:
	case s.Mode == session.Paused && s.PausedFrom != session.Building:
	default:
		return nil, fmt.Errorf("%w: cannot start building from %s", ErrInvalidTransition, s.Mode)
	}
	if groupRef == "" {
		groupRef = s.EpicRef
	}
	if groupRef == "" {
		return nil, ErrGroupRequired
	}

	b, err := budget.For(budget.Building, s.Tier)
	if err != nil {
		return nil, err
	}
	l, err := c.leases.Acquire(ctx, groupRef, s.CreatePullRequest)
	if err != nil {
		return nil, err
	}

	s, err = c.sessions.Mutate(ctx, id, func(s *session.Session) error {
		s.SetMode(session.Building)
		s.GroupRef = groupRef
		s.Iteration = 0
		s.MaxIterations = b.MaxIterations
		s.Lease = l
		s.PausedFrom = ""
		s.PauseReason = ""
		s.CurrentUnit = ""
		s.UnitBase = ""
		return nil
	})
	if err != nil {
		if rerr := c.leases.Release(ctx, l, lease.ReleaseOptions{}); rerr != nil {
			c.logger.Error(ctx, "releasing lease after failed transition", zap.Error(rerr))
		}
		return nil, err
	}
	c.logger.Info(ctx, "building started", zap.String("group.ref", groupRef), zap.Int("max_iterations", s.MaxIterations))
	return s, nil
}

// Resume returns a paused session to the mode it was paused from. The
// iteration count and tier are kept; extra raises the ceiling.
func (c *Controller) Resume(ctx context.Context, id string, extra int) (*session.Session, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	if extra < 0 {
		return nil, fmt.Errorf("extra iterations cannot be negative: %d", extra)
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.Mode != session.Paused {
		return nil, fmt.Errorf("%w: cannot resume from %s", ErrInvalidTransition, s.Mode)
	}

	target := s.PausedFrom
	if target == "" {
		target = session.Planning
		if s.GroupRef != "" {
			target = session.Building
		}
	}
	ceiling := s.MaxIterations + extra
	if s.Iteration >= ceiling {
		return nil, fmt.Errorf("%w: %d of %d used; resume with extra iterations", ErrNoBudget, s.Iteration, ceiling)
	}

	l := s.Lease
	if target == session.Building {
		l, err = c.ensureLease(ctx, s)
		if err != nil {
			return nil, err
		}
		c.leases.Adopt(l)
	}

	s, err = c.sessions.Mutate(ctx, id, func(s *session.Session) error {
		s.SetMode(target)
		s.MaxIterations = ceiling
		s.Lease = l
		s.PausedFrom = ""
		s.PauseReason = ""
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "session resumed", zap.String("mode", string(target)), zap.Int("iteration", s.Iteration), zap.Int("max_iterations", ceiling))
	return s, nil
}

// Cancel pauses the session and releases its lease without publishing.
// With discard the session state is destroyed and nil is returned.
func (c *Controller) Cancel(ctx context.Context, id string, discard bool) (*session.Session, error) {
	return c.stop(ctx, id, "cancelled", discard)
}

// Teardown is Cancel for a host session that ended.
func (c *Controller) Teardown(ctx context.Context, id string) (*session.Session, error) {
	return c.stop(ctx, id, "host session ended", false)
}

// Interrupt is Cancel for a process stopped by a signal.
func (c *Controller) Interrupt(ctx context.Context, id string) (*session.Session, error) {
	return c.stop(ctx, id, "interrupted", false)
}

func (c *Controller) stop(ctx context.Context, id, reason string, discard bool) (*session.Session, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return nil, err
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	relErr := c.releaseLease(ctx, s, false)

	if discard {
		if relErr != nil {
			return nil, relErr
		}
		if err := c.sessions.Destroy(ctx, id); err != nil {
			return nil, err
		}
		c.logger.Info(ctx, "session discarded")
		return nil, nil
	}

	s, err = c.sessions.Mutate(ctx, id, func(s *session.Session) error {
		if s.Mode.Iterating() {
			s.Pause(reason)
		}
		if relErr == nil {
			s.Lease = nil
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info(ctx, "session stopped", zap.String("reason", reason), zap.String("mode", string(s.Mode)))
	return s, relErr
}

// ReportFailure records a failed attempt at unitID, defaulting to the
// session's current unit.
func (c *Controller) ReportFailure(ctx context.Context, id, unitID, summary string) (breaker.Outcome, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return breaker.Outcome{}, err
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return breaker.Outcome{}, err
	}
	if unitID == "" {
		unitID = s.CurrentUnit
	}
	if unitID == "" {
		return breaker.Outcome{}, errors.New("no unit to report a failure for")
	}
	out, err := c.breaker.ForGroup(s.GroupRef).RecordFailure(ctx, unitID, summary)
	if err != nil {
		return out, err
	}
	return out, c.afterAttempt(ctx, s, unitID, out)
}

// afterAttempt returns a retryable unit to open and forgets a blocked one.
func (c *Controller) afterAttempt(ctx context.Context, s *session.Session, unitID string, out breaker.Outcome) error {
	if out.Recorded && !out.Tripped {
		if err := c.tracker.UpdateStatus(ctx, unitID, tracker.StatusOpen); err != nil {
			c.logger.Warn(ctx, "failed to reopen unit for retry", zap.Error(err))
		}
	}
	if !out.Tripped || s.CurrentUnit != unitID {
		return nil
	}
	_, err := c.sessions.Mutate(ctx, s.ID, func(s *session.Session) error {
		s.CurrentUnit = ""
		s.UnitBase = ""
		return nil
	})
	return err
}

// CloseUnit closes unitID, running the validation gate first when the
// session requires it. A rejection is recorded against the circuit breaker
// and the unit stays open.
func (c *Controller) CloseUnit(ctx context.Context, id, unitID string) (CloseResult, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return CloseResult{}, err
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return CloseResult{}, err
	}
	if unitID == "" {
		unitID = s.CurrentUnit
	}
	if unitID == "" {
		return CloseResult{}, errors.New("no unit to close")
	}
	ctx = logging.WithUnitID(ctx, unitID)

	unit, err := c.tracker.Show(ctx, unitID)
	if err != nil {
		return CloseResult{}, fmt.Errorf("loading unit %s: %w", unitID, err)
	}
	if unit.Status == tracker.StatusBlocked {
		return CloseResult{}, fmt.Errorf("%w: %s must be reopened before it can be closed", ErrUnitBlocked, unitID)
	}
	counts, err := c.breaker.Attempts(ctx, unitID)
	if err != nil {
		return CloseResult{}, err
	}
	if counts.Blocked() {
		return CloseResult{}, fmt.Errorf("%w: %s reached the attempt limit", ErrUnitBlocked, unitID)
	}
	res := CloseResult{UnitID: unitID}

	if s.Validation.Enabled() {
		if c.reviewer == nil {
			return res, fmt.Errorf("validation is %s but no reviewer is configured", s.Validation)
		}
		diff, err := c.reviewDiff(ctx, s, unitID)
		if err != nil {
			return res, err
		}
		v, err := c.reviewer.Review(ctx, unit, diff)
		if err != nil {
			return res, err
		}
		res.Verdict = &v
		if !v.Approved {
			out, err := c.breaker.ForGroup(s.GroupRef).RecordRejection(ctx, unitID, v.Feedback)
			res.Outcome = &out
			if err != nil {
				return res, err
			}
			return res, c.afterAttempt(ctx, s, unitID, out)
		}
	}

	reason := "Closed by ralph"
	if res.Verdict != nil {
		reason += " after review approval"
	}
	if err := c.tracker.Close(ctx, unitID, reason); err != nil {
		return res, fmt.Errorf("closing unit %s: %w", unitID, err)
	}
	res.Closed = true

	if s.CurrentUnit == unitID {
		if _, err := c.sessions.Mutate(ctx, id, func(s *session.Session) error {
			s.CurrentUnit = ""
			s.UnitBase = ""
			return nil
		}); err != nil {
			return res, err
		}
	}
	c.logger.Info(ctx, "unit closed", zap.Bool("reviewed", res.Verdict != nil))
	return res, nil
}

func (c *Controller) reviewDiff(ctx context.Context, s *session.Session, unitID string) (string, error) {
	if c.repo == nil {
		return "", ErrNoRepository
	}
	if s.Lease == nil {
		return "", fmt.Errorf("%w: session has no active workspace", ErrNoRepository)
	}
	rev := ""
	if s.CurrentUnit == unitID {
		rev = s.UnitBase
	}
	diff, err := c.repo.Diff(ctx, rev, s.Lease.Branch)
	if err != nil {
		return "", fmt.Errorf("computing review diff: %w", err)
	}
	return diff, nil
}

// Status returns a diagnostic snapshot. Store failures leave the optional
// fields empty.
func (c *Controller) Status(ctx context.Context, id string) (Status, error) {
	ctx, err := sessionContext(ctx, id)
	if err != nil {
		return Status{}, err
	}
	s, err := c.sessions.Get(ctx, id)
	if err != nil {
		return Status{}, err
	}
	st := Status{Session: s}
	if s.GroupRef != "" {
		if p, err := c.tracker.Progress(ctx, s.GroupRef); err == nil {
			st.Progress = &p
		}
	}
	if s.CurrentUnit != "" {
		if counts, err := c.breaker.Attempts(ctx, s.CurrentUnit); err == nil {
			st.Attempts = &counts
		}
	}
	return st, nil
}

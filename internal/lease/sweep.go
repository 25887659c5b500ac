package lease

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// DefaultGrace protects a freshly written record while its owner is still
// persisting the session that claims it.
const DefaultGrace = time.Minute

// Sweeper recovers leases whose owning process died without releasing them.
type Sweeper struct {
	mgr   *Manager
	grace time.Duration
	alive func(pid int) bool
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithGrace sets how long after acquisition a record is left alone.
func WithGrace(d time.Duration) SweeperOption { return func(s *Sweeper) { s.grace = d } }

// WithLiveness replaces the process check used for record owners.
func WithLiveness(alive func(pid int) bool) SweeperOption {
	return func(s *Sweeper) { s.alive = alive }
}

// NewSweeper returns a sweeper over mgr's tracker records.
func NewSweeper(mgr *Manager, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{mgr: mgr, grace: DefaultGrace, alive: processAlive}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Orphans returns the records no one owns: inUse returns false, the
// acquiring process is gone and the record is older than the grace period.
func (s *Sweeper) Orphans(inUse func(Record) bool) ([]Record, error) {
	records, err := s.mgr.Records()
	if err != nil {
		return nil, err
	}
	now := s.mgr.now()
	var out []Record
	for _, rec := range records {
		if inUse != nil && inUse(rec) {
			continue
		}
		if rec.PID > 0 && s.alive(rec.PID) {
			continue
		}
		if !rec.AcquiredAt.IsZero() && now.Sub(rec.AcquiredAt) < s.grace {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Sweep force-releases every orphaned record and returns the released
// records. Individual failures are logged and the sweep continues.
func (s *Sweeper) Sweep(ctx context.Context, inUse func(Record) bool) ([]Record, error) {
	orphans, err := s.Orphans(inUse)
	if err != nil {
		return nil, err
	}
	var released []Record
	for _, rec := range orphans {
		if err := s.mgr.ForceRelease(ctx, rec); err != nil {
			s.mgr.logger.Error(ctx, "sweep could not release lease", zap.String("record", rec.File), zap.Error(err))
			continue
		}
		released = append(released, rec)
	}
	return released, nil
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

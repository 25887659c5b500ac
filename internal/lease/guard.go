package lease

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ralph/internal/logging"
)

// Guard releases every held lease when the process receives a termination
// signal, then calls the exit function. The signal hook and release run
// synchronously on the guard goroutine before exit.
type Guard struct {
	mgr      *Manager
	signals  chan os.Signal
	notify   bool
	exit     func(code int)
	onSignal func(ctx context.Context)
	logger   *logging.Logger

	stop     chan struct{}
	done     chan struct{}
	startOne sync.Once
	stopOnce sync.Once
}

// GuardOption configures a Guard.
type GuardOption func(*Guard)

// WithSignals feeds the guard from ch instead of os/signal.
func WithSignals(ch chan os.Signal) GuardOption {
	return func(g *Guard) {
		g.signals = ch
		g.notify = false
	}
}

// WithExit replaces os.Exit.
func WithExit(exit func(code int)) GuardOption {
	return func(g *Guard) { g.exit = exit }
}

// WithOnSignal runs fn on a termination signal before the remaining leases
// are released. Owners use it to record the interruption.
func WithOnSignal(fn func(ctx context.Context)) GuardOption {
	return func(g *Guard) { g.onSignal = fn }
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l *logging.Logger) GuardOption {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a guard for mgr. Call Start to begin watching.
func NewGuard(mgr *Manager, opts ...GuardOption) *Guard {
	g := &Guard{
		mgr:     mgr,
		signals: make(chan os.Signal, 1),
		notify:  true,
		exit:    os.Exit,
		logger:  logging.NewNop(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Start registers for SIGINT, SIGTERM and SIGHUP and begins watching.
func (g *Guard) Start(ctx context.Context) {
	g.startOne.Do(func() {
		if g.notify {
			signal.Notify(g.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		}
		go g.watch(ctx)
	})
}

// Stop unregisters the guard without releasing anything.
func (g *Guard) Stop() {
	g.stopOnce.Do(func() {
		if g.notify {
			signal.Stop(g.signals)
		}
		close(g.stop)
	})
}

// Done is closed after the guard has handled a signal or been stopped.
func (g *Guard) Done() <-chan struct{} {
	return g.done
}

func (g *Guard) watch(ctx context.Context) {
	defer close(g.done)
	select {
	case sig := <-g.signals:
		// The triggering context may already be canceled; release must not be.
		rctx := context.WithoutCancel(ctx)
		if g.onSignal != nil {
			g.onSignal(rctx)
		}
		released := g.mgr.ReleaseAll(rctx)
		g.logger.Warn(ctx, "termination signal, leases released",
			zap.String("signal", sig.String()),
			zap.Int("released", released),
		)
		g.exit(exitCode(sig))
	case <-g.stop:
	}
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

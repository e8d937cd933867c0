package herdproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ErrSupervisorClosed is returned when starting a process on a Supervisor
// that has already been shut down.
var ErrSupervisorClosed = errors.New("herdproc: supervisor is shut down")

// State is the lifecycle state of a supervised process.
type State int

// Supervised process states
const (
	StateRunning State = iota
	StateExited
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "exited"
}

// Status is a snapshot of one supervised process.
type Status struct {
	Name     string
	Pid      int
	State    State
	ExitCode int
}

// Supervisor owns every process it starts and terminates all of them on
// Shutdown.
type Supervisor struct {
	launcher Launcher
	clock    clockwork.Clock
	grace    time.Duration

	mu      sync.Mutex
	handles []Handle
	closed  bool
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithClock sets the clock used for the shutdown grace period.
func WithClock(c clockwork.Clock) SupervisorOption {
	return func(s *Supervisor) {
		s.clock = c
	}
}

// WithGracePeriod sets how long Shutdown waits after SIGTERM before sending SIGKILL.
func WithGracePeriod(d time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		s.grace = d
	}
}

// NewSupervisor creates a Supervisor launching processes through l.
func NewSupervisor(l Launcher, options ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		launcher: l,
		clock:    clockwork.NewRealClock(),
		grace:    10 * time.Second,
	}
	for _, f := range options {
		f(s)
	}
	return s
}

// Start launches cmd and takes ownership of the resulting process.
func (s *Supervisor) Start(cmd Command) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSupervisorClosed
	}

	h, err := s.launcher.Start(cmd)
	if err != nil {
		return nil, err
	}
	s.handles = append(s.handles, h)
	return h, nil
}

// Run launches cmd and blocks until it exits, returning its exit code.
// A non-nil error means the process could not be started or ctx was cancelled.
func (s *Supervisor) Run(ctx context.Context, cmd Command) (int, error) {
	log.Debugf("Running %s", cmd)
	h, err := s.Start(cmd)
	if err != nil {
		return -1, err
	}
	return Wait(ctx, h)
}

// Processes returns a snapshot of every process started by s, in launch order.
func (s *Supervisor) Processes() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]Status, 0, len(s.handles))
	for _, h := range s.handles {
		st := Status{Name: h.Name(), Pid: h.Pid(), State: StateRunning}
		if Exited(h) {
			st.State = StateExited
			st.ExitCode = h.ExitCode()
		}
		statuses = append(statuses, st)
	}
	return statuses
}

// Shutdown terminates every owned process that is still running. Processes get
// SIGTERM first and SIGKILL once the grace period expires. Shutdown is
// idempotent; later calls only re-check processes that survived earlier ones.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	handles := make([]Handle, len(s.handles))
	copy(handles, s.handles)
	s.mu.Unlock()

	var (
		errMu  sync.Mutex
		result *multierror.Error
	)
	g, ctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		if Exited(h) {
			continue
		}
		h := h
		g.Go(func() error {
			if err := s.terminate(ctx, h); err != nil {
				errMu.Lock()
				result = multierror.Append(result, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return result.ErrorOrNil()
}

func (s *Supervisor) terminate(ctx context.Context, h Handle) error {
	entry := log.WithFields(log.Fields{"pid": h.Pid()})
	entry.Debugf("Terminating %s", h.Name())
	if err := h.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("herdproc: terminate %s (pid %d): %w", h.Name(), h.Pid(), err)
	}

	select {
	case <-h.Done():
		return nil
	case <-s.clock.After(s.grace):
	case <-ctx.Done():
	}

	entry.Warnf("%s did not exit after SIGTERM, killing it", h.Name())
	if err := h.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("herdproc: kill %s (pid %d): %w", h.Name(), h.Pid(), err)
	}
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("herdproc: %s (pid %d) still running: %w", h.Name(), h.Pid(), ctx.Err())
	}
}

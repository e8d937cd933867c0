package herdready

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// ErrNotReady is returned when a target does not accept connections before its
// settle period runs out.
var ErrNotReady = errors.New("herdready: target not ready")

// Strategy selects how a Prober decides that a process is ready.
type Strategy string

// Supported readiness strategies
const (
	// Settle waits a fixed period after the existence check.
	Settle Strategy = "settle"
	// Dial polls the target address until it accepts TCP connections.
	Dial Strategy = "dial"
)

// ParseStrategy converts a config value into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case Settle, Dial:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("herdready: unknown readiness strategy %q", s)
}

// Target is a process to wait for.
type Target struct {
	ProcessName string
	Address     string // host:port the process listens on; optional
	Settle      time.Duration
}

// Checker verifies that a process with the given name exists.
type Checker interface {
	Check(ctx context.Context, processName string) error
}

// Runner runs a command to completion. herdproc.Supervisor implements it.
type Runner interface {
	Run(ctx context.Context, cmd herdproc.Command) (int, error)
}

// CommandChecker checks for a process by running an external script with the
// process name as its only argument.
type CommandChecker struct {
	runner Runner
	shell  string
	script string
}

// NewCommandChecker returns a Checker that runs `shell script <name>` through r.
func NewCommandChecker(r Runner, shell, script string) *CommandChecker {
	return &CommandChecker{runner: r, shell: shell, script: script}
}

// Check implements Checker.
func (c *CommandChecker) Check(ctx context.Context, processName string) error {
	code, err := c.runner.Run(ctx, herdproc.Command{
		Name: "check-process",
		Path: c.shell,
		Args: []string{c.script, processName},
	})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("herdready: process check for %s exited with code %d", processName, code)
	}
	return nil
}

// Prober waits for launched processes to become usable.
type Prober struct {
	checker     Checker
	strategy    Strategy
	clock       clockwork.Clock
	dial        func(ctx context.Context, addr string) error
	minInterval time.Duration
	maxInterval time.Duration
}

// Option configures a Prober.
type Option func(*Prober)

// WithStrategy sets the readiness strategy. The default is Dial.
func WithStrategy(s Strategy) Option {
	return func(p *Prober) {
		p.strategy = s
	}
}

// WithClock sets the clock used for all waiting.
func WithClock(c clockwork.Clock) Option {
	return func(p *Prober) {
		p.clock = c
	}
}

// WithBackoff sets the first and the largest interval between dial attempts.
func WithBackoff(min, max time.Duration) Option {
	return func(p *Prober) {
		p.minInterval = min
		p.maxInterval = max
	}
}

// NewProber creates a Prober. checker may be nil to skip the existence check.
func NewProber(checker Checker, options ...Option) *Prober {
	p := &Prober{
		checker:     checker,
		strategy:    Dial,
		clock:       clockwork.NewRealClock(),
		dial:        dialTCP,
		minInterval: 100 * time.Millisecond,
		maxInterval: 2 * time.Second,
	}
	for _, f := range options {
		f(p)
	}
	return p
}

func dialTCP(ctx context.Context, addr string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// AwaitReady blocks until t is considered ready. The existence check result is
// only logged. With the Settle strategy, or without an address, AwaitReady then
// waits t.Settle unconditionally; with the Dial strategy it returns as soon as
// t.Address accepts a connection, or ErrNotReady once t.Settle has passed.
func (p *Prober) AwaitReady(ctx context.Context, t Target) error {
	if p.checker != nil {
		log.Debugf("Checking whether %s has been started", t.ProcessName)
		if err := p.checker.Check(ctx, t.ProcessName); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warnf("Process check for %s: %s", t.ProcessName, err)
		}
	}

	if p.strategy == Settle || t.Address == "" {
		log.Infof("Waiting %s for %s to be fully started", t.Settle, t.ProcessName)
		return p.sleep(ctx, t.Settle)
	}
	return p.poll(ctx, t)
}

func (p *Prober) poll(ctx context.Context, t Target) error {
	deadline := p.clock.Now().Add(t.Settle)
	interval := p.minInterval
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, p.maxInterval)
		err := p.dial(dialCtx, t.Address)
		cancel()
		if err == nil {
			log.Infof("%s is accepting connections on %s", t.ProcessName, t.Address)
			return nil
		}
		log.Debugf("Attempt %d: %s not reachable on %s: %s", attempt, t.ProcessName, t.Address, err)

		remaining := deadline.Sub(p.clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: %s on %s after %s", ErrNotReady, t.ProcessName, t.Address, t.Settle)
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
		interval *= 2
		if interval > p.maxInterval {
			interval = p.maxInterval
		}
	}
}

func (p *Prober) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-p.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

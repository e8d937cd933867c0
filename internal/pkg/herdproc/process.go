package herdproc

import (
	"context"
	"errors"
	"os"
	"os/exec"

	log "github.com/sirupsen/logrus"
)

// Handle is a reference to a launched process.
type Handle interface {
	Pid() int
	Name() string
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is only meaningful after Done is closed. A process killed by a
	// signal reports -1.
	ExitCode() int
	Signal(sig os.Signal) error
}

// Exited reports whether h has already exited, without blocking.
func Exited(h Handle) bool {
	select {
	case <-h.Done():
		return true
	default:
		return false
	}
}

// Wait blocks until h exits or ctx is done.
func Wait(ctx context.Context, h Handle) (int, error) {
	if Exited(h) {
		return h.ExitCode(), nil
	}
	select {
	case <-h.Done():
		return h.ExitCode(), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

type process struct {
	name     string
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
}

func (p *process) reap() {
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitCode()
	default:
		p.exitCode = -1
		log.Warnf("Waiting for %s failed: %s", p.name, err)
	}
	close(p.done)
}

func (p *process) Pid() int              { return p.cmd.Process.Pid }
func (p *process) Name() string          { return p.name }
func (p *process) Done() <-chan struct{} { return p.done }
func (p *process) ExitCode() int         { return p.exitCode }

func (p *process) Signal(sig os.Signal) error {
	if Exited(p) {
		return nil
	}
	err := p.cmd.Process.Signal(sig)
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

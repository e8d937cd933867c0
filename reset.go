package herd

import (
	"context"
	"time"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
)

// environment resets the machine between phases by running the cleanup
// script, which kills stray nodes and clears shared state.
type environment struct {
	launcher herdproc.Launcher
	clock    clockwork.Clock
	shell    string
	script   string
	grace    time.Duration
}

// reset runs the cleanup command and then waits for the environment to settle.
// Cleanup is best-effort: failures are logged and the wait still happens.
func (e *environment) reset(ctx context.Context, wait time.Duration) error {
	sup := herdproc.NewSupervisor(e.launcher, herdproc.WithClock(e.clock), herdproc.WithGracePeriod(e.grace))
	defer sup.Shutdown(context.Background())

	code, err := sup.Run(ctx, herdproc.Command{Name: "cleanup", Path: e.shell, Args: []string{e.script}})
	switch {
	case err != nil:
		log.Warnf("Cleanup did not run: %s", err)
	case code != 0:
		log.WithField("exit_code", code).Warn("Cleanup exited with a non-zero code")
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if wait <= 0 {
		return nil
	}
	log.Infof("Waiting %s for the environment to be fully cleaned up", wait)
	select {
	case <-e.clock.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

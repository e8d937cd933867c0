package herd

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnvironment(l *launcherMock, clock clockwork.Clock) *environment {
	return &environment{
		launcher: l,
		clock:    clock,
		shell:    "bash",
		script:   "./scripts/cleanupNode.sh",
		grace:    time.Second,
	}
}

func TestResetWaitsAfterCleanup(t *testing.T) {
	launcher := newLauncherMock()
	clock := clockwork.NewFakeClock()
	env := newTestEnvironment(launcher, clock)

	done := make(chan error, 1)
	go func() {
		done <- env.reset(context.Background(), 20*time.Second)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Nil(t, clock.BlockUntilContext(ctx, 1))
	assert.Equal(t, []string{"bash ./scripts/cleanupNode.sh"}, launcher.trace())

	clock.Advance(20 * time.Second)
	select {
	case err := <-done:
		assert.Nil(t, err)
	case <-ctx.Done():
		t.Fatal("reset did not return after the wait")
	}
}

func TestResetIsIdempotent(t *testing.T) {
	launcher := newLauncherMock()
	env := newTestEnvironment(launcher, clockwork.NewRealClock())

	assert.Nil(t, env.reset(context.Background(), 0))
	once := launcher.trace()
	assert.Nil(t, env.reset(context.Background(), 0))

	assert.Equal(t, append(once, once...), launcher.trace())
	assert.True(t, launcher.allExited())
}

func TestResetToleratesCleanupFailure(t *testing.T) {
	launcher := newLauncherMock()
	launcher.exitCodes["bash"] = []int{1}
	env := newTestEnvironment(launcher, clockwork.NewRealClock())

	assert.Nil(t, env.reset(context.Background(), 0))
}

func TestResetHonorsCancellation(t *testing.T) {
	launcher := newLauncherMock()
	env := newTestEnvironment(launcher, clockwork.NewFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, context.Canceled, env.reset(ctx, time.Hour))
}

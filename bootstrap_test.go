package herd

import (
	"context"
	"errors"
	"io/ioutil"
	"strconv"
	"testing"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/bcongdon/herd/internal/pkg/herdready"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type proberMock struct {
	targets []herdready.Target
	errs    map[string]error
}

func (p *proberMock) AwaitReady(ctx context.Context, t herdready.Target) error {
	p.targets = append(p.targets, t)
	return p.errs[t.Address]
}

func newTestBootstrapper(l *launcherMock, prober readinessProber) (*bootstrapper, *herdproc.Supervisor) {
	c := newConfig()
	testConfig(c)
	c.Readiness = herdready.Dial
	sup := herdproc.NewSupervisor(l)
	return newBootstrapper(sup, prober, c, ioutil.Discard), sup
}

func testTopology(n int) Topology {
	coordinator := Endpoint{Host: "localhost", Port: 8108}
	return Topology{
		Coordinator:    coordinator,
		Workers:        countedWorkers(coordinator, n),
		Threads:        2,
		SharedMemoryMB: 2048,
	}
}

func TestBootstrapStateString(t *testing.T) {
	assert.Equal(t, "INIT", StateInit.String())
	assert.Equal(t, "WORKER_REGISTERED", StateWorkerRegistered.String())
	assert.Equal(t, "READY", StateReady.String())
	assert.Equal(t, "UNKNOWN(42)", BootstrapState(42).String())
}

func TestBringUpStandalone(t *testing.T) {
	launcher := newLauncherMock()
	prober := &proberMock{}
	boot, sup := newTestBootstrapper(launcher, prober)
	defer sup.Shutdown(context.Background())

	err := boot.bringUpStandalone(context.Background())
	assert.Nil(t, err)
	assert.Equal(t, StateServerUp, boot.state)
	assert.Equal(t, []string{"pdb-server 1 512"}, launcher.trace())

	require.Len(t, prober.targets, 1)
	assert.Equal(t, "pdb-server", prober.targets[0].ProcessName)
	assert.Equal(t, "localhost:8108", prober.targets[0].Address)
}

func TestBringUpDistributedRegistersWorkersInOrder(t *testing.T) {
	for _, n := range []int{1, 2, 4, 7} {
		launcher := newLauncherMock()
		boot, sup := newTestBootstrapper(launcher, &proberMock{})

		topo := testTopology(n)
		err := boot.bringUpDistributed(context.Background(), topo)
		assert.Nil(t, err)
		assert.Equal(t, StateReady, boot.state)
		assert.Equal(t, topo.Workers, boot.registered)

		registrations := launcher.started("CatalogTests")
		require.Len(t, registrations, n)
		for i, cmd := range registrations {
			assert.Equal(t, []string{
				"--port", "8108",
				"--serverAddress", "localhost",
				"--command", "register-node",
				"--node-ip", "localhost",
				"--node-port", strconv.Itoa(8109 + i),
				"--node-name", "worker",
				"--node-type", "worker",
			}, cmd.Args)
		}

		// INIT, COORD_UP, (WORKER_UP, WORKER_REGISTERED) per worker, READY
		expected := []transition{{State: StateInit}, {State: StateCoordUp}}
		for i := 1; i <= n; i++ {
			expected = append(expected,
				transition{State: StateWorkerUp, Worker: i},
				transition{State: StateWorkerRegistered, Worker: i})
		}
		expected = append(expected, transition{State: StateReady})
		assert.Equal(t, expected, boot.history)

		sup.Shutdown(context.Background())
		assert.True(t, launcher.allExited())
	}
}

func TestBringUpDistributedWorkerArguments(t *testing.T) {
	launcher := newLauncherMock()
	boot, sup := newTestBootstrapper(launcher, &proberMock{})
	defer sup.Shutdown(context.Background())

	err := boot.bringUpDistributed(context.Background(), testTopology(2))
	assert.Nil(t, err)

	assert.Equal(t, []string{"localhost", "8108", "Y"}, launcher.started("pdb-cluster")[0].Args)
	workers := launcher.started("pdb-server")
	require.Len(t, workers, 2)
	assert.Equal(t, []string{"2", "2048", "localhost:8108", "localhost:8109"}, workers[0].Args)
	assert.Equal(t, []string{"2", "2048", "localhost:8108", "localhost:8110"}, workers[1].Args)
}

func TestBringUpDistributedStopsAtFailedRegistration(t *testing.T) {
	var failureTests = []struct {
		workers  int
		failAt   int
		exitCode int
	}{
		{1, 1, 1},
		{4, 3, 5},
		{4, 4, 255},
		{6, 2, 3},
	}

	for _, test := range failureTests {
		launcher := newLauncherMock()
		codes := make([]int, test.failAt)
		codes[test.failAt-1] = test.exitCode
		launcher.exitCodes["CatalogTests"] = codes
		boot, sup := newTestBootstrapper(launcher, &proberMock{})

		err := boot.bringUpDistributed(context.Background(), testTopology(test.workers))

		var bErr *BootstrapError
		require.True(t, errors.As(err, &bErr))
		assert.Equal(t, test.failAt, bErr.Worker)
		assert.Equal(t, test.exitCode, bErr.ExitCode)
		assert.Equal(t, StateFailed, boot.state)
		assert.Len(t, boot.registered, test.failAt-1)

		// Workers after the failed one are never launched
		assert.Len(t, launcher.started("pdb-server"), test.failAt)
		assert.Len(t, launcher.started("CatalogTests"), test.failAt)

		sup.Shutdown(context.Background())
	}
}

func TestBringUpDistributedCoordinatorNotReady(t *testing.T) {
	launcher := newLauncherMock()
	prober := &proberMock{errs: map[string]error{"localhost:8108": herdready.ErrNotReady}}
	boot, sup := newTestBootstrapper(launcher, prober)
	defer sup.Shutdown(context.Background())

	err := boot.bringUpDistributed(context.Background(), testTopology(4))

	var bErr *BootstrapError
	require.True(t, errors.As(err, &bErr))
	assert.Equal(t, StateInit, bErr.State)
	assert.Equal(t, -1, bErr.ExitCode)
	assert.True(t, errors.Is(err, herdready.ErrNotReady))
	assert.Len(t, launcher.started("pdb-server"), 0)
}

func TestBringUpSettleStrategyOmitsAddresses(t *testing.T) {
	launcher := newLauncherMock()
	prober := &proberMock{}
	boot, sup := newTestBootstrapper(launcher, prober)
	defer sup.Shutdown(context.Background())
	boot.config.Readiness = herdready.Settle

	err := boot.bringUpDistributed(context.Background(), testTopology(1))
	assert.Nil(t, err)
	require.Len(t, prober.targets, 2)
	for _, target := range prober.targets {
		assert.Equal(t, "", target.Address)
	}
	assert.Equal(t, boot.config.CoordinatorSettle, prober.targets[0].Settle)
	assert.Equal(t, boot.config.WorkerSettle, prober.targets[1].Settle)
}

package herd

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/bcongdon/herd/internal/pkg/herdready"
	humanize "github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	pb "gopkg.in/cheggaaa/pb.v1"
)

// BootstrapState is a step of the cluster bring-up state machine.
type BootstrapState int

// Bring-up states. A standalone bring-up goes INIT → SERVER_UP. A distributed
// bring-up goes INIT → COORD_UP → (WORKER_UP → WORKER_REGISTERED) per worker →
// READY. Any failed step ends in FAILED.
const (
	StateInit BootstrapState = iota
	StateServerUp
	StateCoordUp
	StateWorkerUp
	StateWorkerRegistered
	StateReady
	StateFailed
)

var stateNames = map[BootstrapState]string{
	StateInit:             "INIT",
	StateServerUp:         "SERVER_UP",
	StateCoordUp:          "COORD_UP",
	StateWorkerUp:         "WORKER_UP",
	StateWorkerRegistered: "WORKER_REGISTERED",
	StateReady:            "READY",
	StateFailed:           "FAILED",
}

func (s BootstrapState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// BootstrapError reports the step at which a bring-up failed.
type BootstrapError struct {
	State    BootstrapState // last state reached before the failure
	Worker   int            // 1-based index of the worker being brought up, 0 if none
	ExitCode int            // exit code of the failing process, -1 if it did not exit
	Err      error
}

func (e *BootstrapError) Error() string {
	step := "after " + e.State.String()
	if e.Worker > 0 {
		step = fmt.Sprintf("%s (worker %d)", step, e.Worker)
	}
	return fmt.Sprintf("bootstrap failed %s: %s", step, e.Err)
}

func (e *BootstrapError) Unwrap() error {
	return e.Err
}

type transition struct {
	State  BootstrapState
	Worker int
}

// processRunner starts and runs processes on behalf of a phase.
// herdproc.Supervisor implements it.
type processRunner interface {
	Start(cmd herdproc.Command) (herdproc.Handle, error)
	Run(ctx context.Context, cmd herdproc.Command) (int, error)
}

type readinessProber interface {
	AwaitReady(ctx context.Context, t herdready.Target) error
}

// bootstrapper brings up one topology. It is used for a single bring-up.
type bootstrapper struct {
	runner   processRunner
	prober   readinessProber
	config   *config
	progress io.Writer

	state      BootstrapState
	history    []transition
	registered []Endpoint
}

func newBootstrapper(runner processRunner, prober readinessProber, c *config, progress io.Writer) *bootstrapper {
	return &bootstrapper{
		runner:   runner,
		prober:   prober,
		config:   c,
		progress: progress,
		state:    StateInit,
		history:  []transition{{State: StateInit}},
	}
}

func (b *bootstrapper) transition(state BootstrapState, worker int) {
	b.state = state
	b.history = append(b.history, transition{State: state, Worker: worker})
	entry := log.WithField("state", state.String())
	if worker > 0 {
		entry = entry.WithField("worker", worker)
	}
	entry.Debug("Bootstrap transition")
}

func (b *bootstrapper) fail(worker, exitCode int, err error) error {
	bErr := &BootstrapError{State: b.state, Worker: worker, ExitCode: exitCode, Err: err}
	b.transition(StateFailed, worker)
	return bErr
}

func (b *bootstrapper) binary(name string) string {
	return filepath.Join(b.config.BinDir, name)
}

// launch starts a long-running node and waits for it to become ready. It
// returns the exit code of the node if it died before becoming ready.
func (b *bootstrapper) launch(ctx context.Context, cmd herdproc.Command, target herdready.Target) (int, error) {
	h, err := b.runner.Start(cmd)
	if err != nil {
		return -1, err
	}
	if err := b.prober.AwaitReady(ctx, target); err != nil {
		return -1, err
	}
	if herdproc.Exited(h) {
		return h.ExitCode(), fmt.Errorf("%s exited during startup with code %d", h.Name(), h.ExitCode())
	}
	return 0, nil
}

func (b *bootstrapper) serverCommand(threads, sharedMemoryMB int, cluster ...Endpoint) herdproc.Command {
	args := []string{strconv.Itoa(threads), strconv.Itoa(sharedMemoryMB)}
	for _, ep := range cluster {
		args = append(args, ep.String())
	}
	return herdproc.Command{Path: b.binary(b.config.ServerBinary), Args: args}
}

func (b *bootstrapper) readinessAddress(ep string) string {
	if b.config.Readiness == herdready.Settle {
		return ""
	}
	return ep
}

// bringUpStandalone starts a single node that is queried directly.
func (b *bootstrapper) bringUpStandalone(ctx context.Context) error {
	log.Infof("Starting a standalone %s with %d threads and %s shared memory",
		b.config.ServerBinary, b.config.Threads, humanize.IBytes(uint64(b.config.SharedMemoryMB)<<20))

	cmd := b.serverCommand(b.config.Threads, b.config.SharedMemoryMB)
	code, err := b.launch(ctx, cmd, herdready.Target{
		ProcessName: b.config.ServerBinary,
		Address:     b.readinessAddress(b.config.StandaloneAddress),
		Settle:      b.config.StandaloneSettle,
	})
	if err != nil {
		return b.fail(0, code, err)
	}
	b.transition(StateServerUp, 0)
	return nil
}

// bringUpDistributed starts the coordinator, then launches and registers each
// worker in order. The first failure stops the bring-up; later workers are
// never launched.
func (b *bootstrapper) bringUpDistributed(ctx context.Context, topo Topology) error {
	log.Infof("Starting %s as the coordinator on %s", b.config.CoordinatorBinary, topo.Coordinator)
	coordCmd := herdproc.Command{
		Path: b.binary(b.config.CoordinatorBinary),
		Args: []string{topo.Coordinator.Host, strconv.Itoa(topo.Coordinator.Port), "Y"},
	}
	code, err := b.launch(ctx, coordCmd, herdready.Target{
		ProcessName: b.config.CoordinatorBinary,
		Address:     b.readinessAddress(topo.Coordinator.String()),
		Settle:      b.config.CoordinatorSettle,
	})
	if err != nil {
		return b.fail(0, code, err)
	}
	b.transition(StateCoordUp, 0)

	if err := stripLibraries(ctx, b.runner, b.config.StripLibraries); err != nil {
		log.Warnf("Stripping shared libraries: %s", err)
	}

	bar := pb.New(len(topo.Workers)).Prefix("Workers")
	bar.Output = b.progress
	bar.ShowSpeed = false
	bar.Start()
	defer bar.Finish()

	for i, worker := range topo.Workers {
		n := i + 1
		log.WithField("worker", n).Infof("Starting %s at %s (%d threads, %s shared memory)",
			b.config.ServerBinary, worker, topo.Threads, humanize.IBytes(uint64(topo.SharedMemoryMB)<<20))

		cmd := b.serverCommand(topo.Threads, topo.SharedMemoryMB, topo.Coordinator, worker)
		code, err := b.launch(ctx, cmd, herdready.Target{
			ProcessName: b.config.ServerBinary,
			Address:     b.readinessAddress(worker.String()),
			Settle:      b.config.WorkerSettle,
		})
		if err != nil {
			return b.fail(n, code, err)
		}
		b.transition(StateWorkerUp, n)

		code, err = b.register(ctx, topo.Coordinator, worker)
		if err != nil {
			return b.fail(n, code, err)
		}
		b.registered = append(b.registered, worker)
		b.transition(StateWorkerRegistered, n)
		bar.Increment()
	}

	b.transition(StateReady, 0)
	log.Infof("Cluster is ready with %d registered workers", len(b.registered))
	return nil
}

// register adds worker to the coordinator's membership. It blocks until the
// registration tool exits and fails on a non-zero exit code.
func (b *bootstrapper) register(ctx context.Context, coordinator, worker Endpoint) (int, error) {
	cmd := herdproc.Command{
		Path: b.binary(b.config.RegisterBinary),
		Args: []string{
			"--port", strconv.Itoa(coordinator.Port),
			"--serverAddress", coordinator.Host,
			"--command", "register-node",
			"--node-ip", worker.Host,
			"--node-port", strconv.Itoa(worker.Port),
			"--node-name", b.config.NodeName,
			"--node-type", "worker",
		},
	}
	code, err := b.runner.Run(ctx, cmd)
	if err != nil {
		return code, err
	}
	if code != 0 {
		return code, fmt.Errorf("registering %s exited with code %d", worker, code)
	}
	return 0, nil
}

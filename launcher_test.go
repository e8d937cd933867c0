package herd

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/bcongdon/herd/internal/pkg/herdready"
)

// handleMock is a process that exits when told to or when signalled.
type handleMock struct {
	name string
	pid  int
	done chan struct{}
	once sync.Once
	code int
}

func newHandleMock(name string, pid int) *handleMock {
	return &handleMock{name: name, pid: pid, done: make(chan struct{})}
}

func (h *handleMock) exit(code int) {
	h.once.Do(func() {
		h.code = code
		close(h.done)
	})
}

func (h *handleMock) Pid() int              { return h.pid }
func (h *handleMock) Name() string          { return h.name }
func (h *handleMock) Done() <-chan struct{} { return h.done }
func (h *handleMock) ExitCode() int         { return h.code }

func (h *handleMock) Signal(sig os.Signal) error {
	h.exit(-1)
	return nil
}

// launcherMock records every command. Node binaries keep running until
// signalled; every other binary exits immediately with the next scripted exit
// code for its name, or 0.
type launcherMock struct {
	mu          sync.Mutex
	commands    []herdproc.Command
	handles     []*handleMock
	exitCodes   map[string][]int
	longRunning map[string]bool
	startErrs   map[string]error
}

func newLauncherMock() *launcherMock {
	return &launcherMock{
		exitCodes:   map[string][]int{},
		longRunning: map[string]bool{"pdb-server": true, "pdb-cluster": true},
		startErrs:   map[string]error{},
	}
}

func (l *launcherMock) Start(cmd herdproc.Command) (herdproc.Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	name := filepath.Base(cmd.Path)
	l.commands = append(l.commands, cmd)
	if err := l.startErrs[name]; err != nil {
		return nil, err
	}

	h := newHandleMock(name, 1000+len(l.commands))
	l.handles = append(l.handles, h)
	if l.longRunning[name] {
		return h, nil
	}

	code := 0
	if seq := l.exitCodes[name]; len(seq) > 0 {
		code = seq[0]
		l.exitCodes[name] = seq[1:]
	}
	h.exit(code)
	return h, nil
}

// started returns the commands launched for binary name, in launch order.
func (l *launcherMock) started(name string) []herdproc.Command {
	l.mu.Lock()
	defer l.mu.Unlock()

	cmds := make([]herdproc.Command, 0)
	for _, cmd := range l.commands {
		if filepath.Base(cmd.Path) == name {
			cmds = append(cmds, cmd)
		}
	}
	return cmds
}

// trace renders every launched command line without the bin directory.
func (l *launcherMock) trace() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	lines := make([]string, len(l.commands))
	for i, cmd := range l.commands {
		lines[i] = strings.Join(append([]string{filepath.Base(cmd.Path)}, cmd.Args...), " ")
	}
	return lines
}

func (l *launcherMock) allExited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, h := range l.handles {
		if !herdproc.Exited(h) {
			return false
		}
	}
	return true
}

// testConfig removes every wait and all terminal noise from a Driver.
func testConfig(c *config) {
	c.Readiness = herdready.Settle
	c.StandaloneSettle = 0
	c.CoordinatorSettle = 0
	c.WorkerSettle = 0
	c.InitialResetWait = 0
	c.ResetWait = 0
	c.ShutdownGrace = time.Second
	c.TopologyFile = ""
	c.NumWorkers = 4
	c.Threads = 1
	c.SharedMemoryMB = 512
	c.CoordinatorHost = "localhost"
	c.CoordinatorPort = 8108
	c.Phases = []string{StandalonePhase, DistributedPhase}
	c.StripLibraries = ""
	c.ReportOutput = ""
	c.Color = false
	c.output = ioutil.Discard
	c.progress = ioutil.Discard
}

package herd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	"github.com/bcongdon/herd/internal/pkg/herdready"
)

// Phase labels
const (
	StandalonePhase  = "standalone"
	DistributedPhase = "distributed"
)

// Driver brings up test topologies, runs client workloads against them and
// reports the outcome of each phase.
type Driver struct {
	config *config
}

// config configures a Driver's runs
type config struct {
	BinDir            string
	ServerBinary      string
	CoordinatorBinary string
	RegisterBinary    string

	Shell              string
	CheckProcessScript string
	CleanupScript      string

	Threads           int
	SharedMemoryMB    int
	CoordinatorHost   string
	CoordinatorPort   int
	NumWorkers        int
	TopologyFile      string
	NodeName          string
	StandaloneAddress string

	Readiness         herdready.Strategy
	StandaloneSettle  time.Duration
	CoordinatorSettle time.Duration
	WorkerSettle      time.Duration
	InitialResetWait  time.Duration
	ResetWait         time.Duration
	ShutdownGrace     time.Duration

	Phases               []string
	StandaloneWorkloads  []Workload
	DistributedWorkloads []Workload
	StripLibraries       string
	ReportOutput         string
	Verbose              bool
	Color                bool

	launcher herdproc.Launcher
	clock    clockwork.Clock
	output   io.Writer
	progress io.Writer
}

func newConfig() *config {
	loadConfig() // Load viper config from settings file(s) and environment

	readiness, err := herdready.ParseStrategy(viper.GetString("readiness"))
	if err != nil {
		log.Warnf("%s, falling back to %s", err, herdready.Dial)
		readiness = herdready.Dial
	}

	c := &config{
		BinDir:             viper.GetString("bin_dir"),
		ServerBinary:       viper.GetString("server_binary"),
		CoordinatorBinary:  viper.GetString("coordinator_binary"),
		RegisterBinary:     viper.GetString("register_binary"),
		Shell:              viper.GetString("shell"),
		CheckProcessScript: viper.GetString("check_process_script"),
		CleanupScript:      viper.GetString("cleanup_script"),
		Threads:            viper.GetInt("num_threads"),
		SharedMemoryMB:     viper.GetInt("shared_memory_mb"),
		CoordinatorHost:    viper.GetString("coordinator_host"),
		CoordinatorPort:    viper.GetInt("coordinator_port"),
		NumWorkers:         viper.GetInt("num_workers"),
		TopologyFile:       viper.GetString("topology_file"),
		NodeName:           viper.GetString("node_name"),
		StandaloneAddress:  viper.GetString("standalone_address"),
		Readiness:          readiness,
		StandaloneSettle:   viper.GetDuration("standalone_settle"),
		CoordinatorSettle:  viper.GetDuration("coordinator_settle"),
		WorkerSettle:       viper.GetDuration("worker_settle"),
		InitialResetWait:   viper.GetDuration("initial_reset_wait"),
		ResetWait:          viper.GetDuration("reset_wait"),
		ShutdownGrace:      viper.GetDuration("shutdown_grace"),
		Phases:             viper.GetStringSlice("phases"),
		StripLibraries:     viper.GetString("strip_libraries"),
		ReportOutput:       viper.GetString("report_output"),
		Verbose:            viper.GetBool("verbose"),
		Color:              viper.GetBool("color"),

		StandaloneWorkloads:  defaultStandaloneWorkloads(),
		DistributedWorkloads: defaultDistributedWorkloads(),

		clock:    clockwork.NewRealClock(),
		output:   os.Stdout,
		progress: os.Stdout,
	}

	for key, target := range map[string]*[]Workload{
		"standalone_workloads":  &c.StandaloneWorkloads,
		"distributed_workloads": &c.DistributedWorkloads,
	} {
		if !viper.IsSet(key) {
			continue
		}
		if err := viper.UnmarshalKey(key, target); err != nil {
			log.Warnf("Ignoring invalid %s: %s", key, err)
		}
	}
	return c
}

// Option allows configuration of a Driver
type Option func(*config)

// NewDriver creates a new Driver with optional configuration
func NewDriver(options ...Option) *Driver {
	c := newConfig()
	for _, f := range options {
		f(c)
	}

	if c.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	if c.launcher == nil {
		c.launcher = herdproc.NewExecLauncher()
	}
	for _, p := range c.Phases {
		if p != StandalonePhase && p != DistributedPhase {
			log.Warnf("Unknown phase %q will be reported as failed", p)
		}
	}

	log.Debugf("Loaded config: %#v", c)
	return &Driver{config: c}
}

// WithThreads sets the number of threads of every node
func WithThreads(n int) Option {
	return func(c *config) {
		c.Threads = n
	}
}

// WithSharedMemory sets the shared memory pool size of every node, in MB
func WithSharedMemory(mb int) Option {
	return func(c *config) {
		c.SharedMemoryMB = mb
	}
}

// WithWorkers sets the number of workers when no topology file is used
func WithWorkers(n int) Option {
	return func(c *config) {
		c.NumWorkers = n
	}
}

// WithTopologyFile sets the file listing worker addresses. The file may be
// local or an s3:// URI.
func WithTopologyFile(location string) Option {
	return func(c *config) {
		c.TopologyFile = location
	}
}

// WithCoordinator sets the coordinator endpoint
func WithCoordinator(host string, port int) Option {
	return func(c *config) {
		c.CoordinatorHost = host
		c.CoordinatorPort = port
	}
}

// WithBinDir sets the directory holding the node and client executables
func WithBinDir(dir string) Option {
	return func(c *config) {
		c.BinDir = dir
	}
}

// WithPhases selects which phases run, in order
func WithPhases(phases ...string) Option {
	return func(c *config) {
		c.Phases = phases
	}
}

// WithReadiness sets how launched nodes are judged ready
func WithReadiness(s herdready.Strategy) Option {
	return func(c *config) {
		c.Readiness = s
	}
}

// WithReportOutput writes a JSON report to location after each run
func WithReportOutput(location string) Option {
	return func(c *config) {
		c.ReportOutput = location
	}
}

// WithLauncher replaces the launcher used for every external process
func WithLauncher(l herdproc.Launcher) Option {
	return func(c *config) {
		c.launcher = l
	}
}

// WithClock replaces the clock used for readiness and reset waits
func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		c.clock = clock
	}
}

// WithOutput sets where banners, progress bars and the summary are written
func WithOutput(w io.Writer) Option {
	return func(c *config) {
		c.output = w
		c.progress = w
	}
}

func (d *Driver) formatter() formatter {
	return formatter{color: d.config.Color}
}

func (d *Driver) environment() *environment {
	return &environment{
		launcher: d.config.launcher,
		clock:    d.config.clock,
		shell:    d.config.Shell,
		script:   d.config.CleanupScript,
		grace:    d.config.ShutdownGrace,
	}
}

func (d *Driver) newSupervisor() *herdproc.Supervisor {
	return herdproc.NewSupervisor(d.config.launcher,
		herdproc.WithClock(d.config.clock),
		herdproc.WithGracePeriod(d.config.ShutdownGrace))
}

func (d *Driver) newBootstrapper(sup *herdproc.Supervisor) *bootstrapper {
	prober := herdready.NewProber(
		herdready.NewCommandChecker(sup, d.config.Shell, d.config.CheckProcessScript),
		herdready.WithStrategy(d.config.Readiness),
		herdready.WithClock(d.config.clock),
	)
	return newBootstrapper(sup, prober, d.config, d.config.progress)
}

func shutdown(sup *herdproc.Supervisor, label string) {
	if err := sup.Shutdown(context.Background()); err != nil {
		log.WithField("phase", label).Errorf("Could not stop all processes: %s", err)
	}
}

func exitCodeOf(err error) int {
	var bErr *BootstrapError
	if errors.As(err, &bErr) {
		return bErr.ExitCode
	}
	return -1
}

// runPhase brings up the topology for label and runs its workloads. Every
// process started during the phase is stopped before runPhase returns.
func (d *Driver) runPhase(ctx context.Context, label string) PhaseResult {
	start := time.Now()
	sup := d.newSupervisor()
	defer shutdown(sup, label)

	boot := d.newBootstrapper(sup)
	var (
		err       error
		workloads []Workload
	)
	switch label {
	case StandalonePhase:
		err = boot.bringUpStandalone(ctx)
		workloads = d.config.StandaloneWorkloads
	case DistributedPhase:
		var topo Topology
		topo, err = loadTopology(d.config)
		if err == nil {
			err = boot.bringUpDistributed(ctx, topo)
		}
		workloads = d.config.DistributedWorkloads
	default:
		err = fmt.Errorf("unknown phase %q", label)
	}

	var res PhaseResult
	if err != nil {
		res = failedPhase(label, exitCodeOf(err), err)
	} else {
		wd := &workloadDriver{runner: sup, binDir: d.config.BinDir}
		res = wd.runAll(ctx, label, workloads)
	}
	res.Duration = time.Since(start)
	return res
}

// Run resets the environment, runs every configured phase and reports the
// results. A failed phase never stops the phases after it.
func (d *Driver) Run(ctx context.Context) Report {
	f := d.formatter()
	out := d.config.output
	env := d.environment()

	fmt.Fprint(out, f.banner("CLEAN THE TESTING ENVIRONMENT"))
	if err := env.reset(ctx, d.config.InitialResetWait); err != nil {
		log.Warnf("Environment reset interrupted: %s", err)
	}

	var report Report
	for i, label := range d.config.Phases {
		if i > 0 {
			if err := env.reset(ctx, d.config.ResetWait); err != nil {
				log.Warnf("Environment reset interrupted: %s", err)
			}
		}

		fmt.Fprint(out, f.banner(fmt.Sprintf("RUN %s INTEGRATION TESTS", strings.ToUpper(label))))
		res := d.runPhase(ctx, label)
		entry := log.WithField("phase", label)
		if res.Status == Passed {
			entry.Infof("[PASSED] %s integration tests", label)
			fmt.Fprintln(out, f.info(fmt.Sprintf("[PASSED] %s integration tests", label)))
		} else {
			entry.WithField("exit_code", res.ExitCode).Errorf("[ERROR] in running %s integration tests: %s", label, res.Err)
			fmt.Fprintln(out, f.fail(fmt.Sprintf("[ERROR] in running %s integration tests (exit code %d)", label, res.ExitCode)))
		}
		report.record(res)
	}

	report.Render(out, f)
	if d.config.ReportOutput != "" {
		if err := report.writeJSON(d.config.ReportOutput); err != nil {
			log.Errorf("Could not write report to %s: %s", d.config.ReportOutput, err)
		} else {
			log.Infof("Wrote report to %s", d.config.ReportOutput)
		}
	}
	return report
}

// ServeCluster brings up the distributed topology and keeps it running until
// ctx is done, then stops every node.
func (d *Driver) ServeCluster(ctx context.Context) error {
	fmt.Fprint(d.config.output, d.formatter().banner("RUN A PSEUDO CLUSTER"))

	topo, err := loadTopology(d.config)
	if err != nil {
		return err
	}

	sup := d.newSupervisor()
	defer shutdown(sup, "cluster")

	if err := d.newBootstrapper(sup).bringUpDistributed(ctx, topo); err != nil {
		return err
	}
	fmt.Fprintln(d.config.output, d.formatter().ok(
		fmt.Sprintf("Pseudo cluster is up: coordinator %s, %d workers", topo.Coordinator, len(topo.Workers))))

	<-ctx.Done()
	log.Info("Stopping the pseudo cluster")
	return nil
}

var (
	workersFlag      = pflag.IntP("workers", "w", 0, "Number of workers in the distributed topology")
	topologyFlag     = pflag.StringP("topology", "t", "", "File listing worker addresses, local or s3://")
	threadsFlag      = pflag.Int("threads", 0, "Number of threads of each node")
	sharedMemoryFlag = pflag.Int("shared-memory", 0, "Shared memory pool size of each node in MB")
	phasesFlag       = pflag.StringSlice("phases", nil, "Phases to run: standalone, distributed")
	readinessFlag    = pflag.String("readiness", "", "Readiness strategy: dial or settle")
	reportFlag       = pflag.StringP("report", "o", "", "Write a JSON report to this location, local or s3://")
	binDirFlag       = pflag.String("bin-dir", "", "Directory holding the node and client executables")
	verboseFlag      = pflag.BoolP("verbose", "v", false, "Enable debug logging")
	noColorFlag      = pflag.Bool("no-color", false, "Disable coloured output")
)

func (d *Driver) applyFlags() {
	pflag.Parse()

	changed := pflag.CommandLine.Changed
	if changed("workers") {
		d.config.NumWorkers = *workersFlag
	}
	if changed("topology") {
		d.config.TopologyFile = *topologyFlag
	}
	if changed("threads") {
		d.config.Threads = *threadsFlag
	}
	if changed("shared-memory") {
		d.config.SharedMemoryMB = *sharedMemoryFlag
	}
	if changed("phases") {
		d.config.Phases = *phasesFlag
	}
	if changed("readiness") {
		s, err := herdready.ParseStrategy(*readinessFlag)
		if err != nil {
			log.Fatal(err)
		}
		d.config.Readiness = s
	}
	if changed("report") {
		d.config.ReportOutput = *reportFlag
	}
	if changed("bin-dir") {
		d.config.BinDir = *binDirFlag
	}
	if *verboseFlag {
		d.config.Verbose = true
		log.SetLevel(log.DebugLevel)
	}
	if *noColorFlag {
		d.config.Color = false
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Main runs the integration tests and exits non-zero if any phase failed.
func (d *Driver) Main() {
	d.applyFlags()

	ctx, stop := signalContext()
	defer stop()

	start := time.Now()
	report := d.Run(ctx)
	fmt.Fprintf(d.config.output, "Execution Time: %s\n", time.Since(start).Round(time.Millisecond))

	if report.Failed > 0 {
		stop()
		os.Exit(1)
	}
}

// MainCluster runs a pseudo cluster on this machine until interrupted. Two
// positional arguments, if given, override the thread count and the shared
// memory size in MB.
func (d *Driver) MainCluster() {
	d.applyFlags()

	if pflag.NArg() == 2 {
		threads, err := strconv.Atoi(pflag.Arg(0))
		if err != nil {
			log.Fatalf("Invalid thread count %q", pflag.Arg(0))
		}
		sharedMemory, err := strconv.Atoi(pflag.Arg(1))
		if err != nil {
			log.Fatalf("Invalid shared memory size %q", pflag.Arg(1))
		}
		d.config.Threads = threads
		d.config.SharedMemoryMB = sharedMemory
	} else {
		fmt.Fprintf(d.config.output, "Usage: %s numThreads (default: %d) sizeOfSharedMemoryPool (default: %d MB)\n",
			os.Args[0], d.config.Threads, d.config.SharedMemoryMB)
	}

	ctx, stop := signalContext()
	defer stop()

	if err := d.ServeCluster(ctx); err != nil {
		log.Errorf("Error in starting pseudo cluster: %s", err)
		stop()
		os.Exit(1)
	}
}

package herd

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/bcongdon/herd/internal/pkg/herdproc"
	log "github.com/sirupsen/logrus"
)

// Workload is a client test program run against a topology.
type Workload struct {
	Name   string   `mapstructure:"name"`
	Binary string   `mapstructure:"binary"`
	Args   []string `mapstructure:"args"`
	// Repeat runs the workload this many times in a row, stopping at the
	// first failure. Zero means once.
	Repeat int `mapstructure:"repeat"`
}

func (w Workload) label() string {
	if w.Name != "" {
		return w.Name
	}
	return w.Binary
}

func defaultStandaloneWorkloads() []Workload {
	return []Workload{
		{Name: "store", Binary: "test46", Args: []string{"640"}},
		{Name: "query", Binary: "test44", Args: []string{"n"}},
	}
}

func defaultDistributedWorkloads() []Workload {
	return []Workload{
		{Name: "store-and-query", Binary: "test52", Args: []string{"N", "Y", "1024", "localhost"}},
	}
}

// workloadDriver runs client programs synchronously and classifies their exits.
type workloadDriver struct {
	runner processRunner
	binDir string
}

// runPhase runs w to completion, Repeat times if set, and maps the first
// non-zero exit to a failed result.
func (d *workloadDriver) runPhase(ctx context.Context, label string, w Workload) PhaseResult {
	repeat := w.Repeat
	if repeat < 1 {
		repeat = 1
	}
	cmd := herdproc.Command{
		Name: w.label(),
		Path: filepath.Join(d.binDir, w.Binary),
		Args: w.Args,
	}

	for i := 1; i <= repeat; i++ {
		entry := log.WithFields(log.Fields{"phase": label, "workload": w.label()})
		if repeat > 1 {
			entry = entry.WithField("iteration", i)
		}
		entry.Infof("Starting %s", cmd)

		code, err := d.runner.Run(ctx, cmd)
		if err != nil {
			return failedPhase(label, code, fmt.Errorf("%s: %w", w.label(), err))
		}
		if code != 0 {
			return failedPhase(label, code, fmt.Errorf("%s exited with code %d", w.label(), code))
		}
	}
	return passedPhase(label)
}

// runAll runs workloads in order and stops at the first failure.
func (d *workloadDriver) runAll(ctx context.Context, label string, workloads []Workload) PhaseResult {
	start := time.Now()
	res := passedPhase(label)
	for _, w := range workloads {
		res = d.runPhase(ctx, label, w)
		if res.Status == Failed {
			break
		}
	}
	res.Duration = time.Since(start)
	return res
}

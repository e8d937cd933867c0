package herd

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/bcongdon/herd/internal/pkg/herdfs"
)

// PhaseStatus is the outcome of a phase.
type PhaseStatus int

// Phase outcomes
const (
	Passed PhaseStatus = iota
	Failed
)

func (s PhaseStatus) String() string {
	if s == Passed {
		return "PASSED"
	}
	return "FAILED"
}

// MarshalText implements encoding.TextMarshaler.
func (s PhaseStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PhaseResult is the outcome of one topology bring-up plus its workloads.
type PhaseResult struct {
	Label    string        `json:"label"`
	Status   PhaseStatus   `json:"status"`
	ExitCode int           `json:"exit_code"` // exit code of the failing process; -1 if none exited
	Err      error         `json:"-"`
	Duration time.Duration `json:"-"`
}

func passedPhase(label string) PhaseResult {
	return PhaseResult{Label: label, Status: Passed}
}

func failedPhase(label string, exitCode int, err error) PhaseResult {
	return PhaseResult{Label: label, Status: Failed, ExitCode: exitCode, Err: err}
}

// MarshalJSON adds the error message and the duration in milliseconds.
func (p PhaseResult) MarshalJSON() ([]byte, error) {
	type alias PhaseResult
	out := struct {
		alias
		Error      string `json:"error,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	}{
		alias:      alias(p),
		DurationMS: p.Duration.Milliseconds(),
	}
	if p.Err != nil {
		out.Error = p.Err.Error()
	}
	return json.Marshal(out)
}

// Report tallies phase outcomes of one run.
type Report struct {
	Total  int           `json:"total"`
	Passed int           `json:"passed"`
	Failed int           `json:"failed"`
	Phases []PhaseResult `json:"phases"`
}

// record counts one phase outcome. It must be called exactly once per phase.
func (r *Report) record(res PhaseResult) {
	r.Total++
	if res.Status == Passed {
		r.Passed++
	} else {
		r.Failed++
	}
	r.Phases = append(r.Phases, res)
}

// Render writes the summary block.
func (r Report) Render(w io.Writer, f formatter) {
	fmt.Fprint(w, f.banner("SUMMARY"))
	fmt.Fprintln(w, f.ok(fmt.Sprintf("TOTAL TESTS: %d", r.Total)))
	fmt.Fprintln(w, f.ok(fmt.Sprintf("PASSED TESTS: %d", r.Passed)))
	fmt.Fprintln(w, f.fail(fmt.Sprintf("FAILED TESTS: %d", r.Failed)))
	for _, p := range r.Phases {
		line := fmt.Sprintf("  %-12s %s  %s", p.Label, f.status(p.Status), p.Duration.Round(time.Millisecond))
		if p.Status == Failed {
			line += fmt.Sprintf("  exit code %d", p.ExitCode)
			if p.Err != nil {
				line += ": " + p.Err.Error()
			}
		}
		fmt.Fprintln(w, line)
	}
}

// writeJSON stores the report at location, a local path or an s3:// URI.
func (r Report) writeJSON(location string) error {
	fs, err := herdfs.InferFilesystem(location)
	if err != nil {
		return err
	}
	writer, err := fs.OpenWriter(location)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		writer.Close()
		return err
	}
	return writer.Close()
}

package scenario

import (
	"fmt"
	"io"
	"slices"

	"github.com/fortiblox/X1-Siphon/pkg/bank"
)

// StepReport is the outcome of one step.
type StepReport struct {
	Index  int
	Op     string
	User   string
	Result *bank.Result

	// Failures lists the expectations the step did not meet.
	Failures []string
}

// Success reports whether the step's transaction succeeded. Steps without
// a transaction always succeed.
func (s StepReport) Success() bool {
	return s.Result == nil || s.Result.Success
}

// Passed reports whether every expectation was met.
func (s StepReport) Passed() bool {
	return len(s.Failures) == 0
}

// Report is the outcome of a scenario run.
type Report struct {
	Scenario string
	Steps    []StepReport
}

// Failed returns the steps with unmet expectations.
func (r *Report) Failed() []StepReport {
	var out []StepReport
	for _, s := range r.Steps {
		if !s.Passed() {
			out = append(out, s)
		}
	}
	return out
}

// Passed reports whether every step met its expectations.
func (r *Report) Passed() bool {
	return len(r.Failed()) == 0
}

// Write prints a per-step summary with the logs of each transaction.
func (r *Report) Write(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "scenario %s: %d steps\n", r.Scenario, len(r.Steps))
	for _, s := range r.Steps {
		status := "ok"
		if !s.Success() {
			status = "failed: " + s.Result.Error()
		}
		fmt.Fprintf(w, "  [%d] %s %s: %s\n", s.Index, s.Op, s.User, status)
		if verbose && s.Result != nil {
			for _, l := range s.Result.Logs {
				fmt.Fprintf(w, "        %s\n", l)
			}
		}
		for _, f := range s.Failures {
			fmt.Fprintf(w, "      expectation: %s\n", f)
		}
	}
	if r.Passed() {
		fmt.Fprintln(w, "all expectations met")
	} else {
		fmt.Fprintf(w, "%d step(s) did not meet expectations\n", len(r.Failed()))
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

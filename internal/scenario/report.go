package scenario

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/kahiteam/cowfork/internal/kernel"
)

// Check is one assertion made by a program.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// EnvReport describes one environment after the run.
type EnvReport struct {
	ID       kernel.EnvID     `json:"id"`
	Parent   kernel.EnvID     `json:"parent"`
	Killed   bool             `json:"killed"`
	Cause    string           `json:"cause,omitempty"`
	Faults   int              `json:"faults"`
	Mappings []kernel.Mapping `json:"mappings"`
}

// Report is the outcome of one scenario run.
type Report struct {
	Scenario  string          `json:"scenario"`
	Passed    bool            `json:"passed"`
	Error     string          `json:"error,omitempty"`
	Checks    []Check         `json:"checks"`
	Forks     int             `json:"forks"`
	Faults    int             `json:"faults"`
	Copies    int             `json:"copies"`
	Envs      []EnvReport     `json:"envs"`
	Memory    kernel.MemStats `json:"memory"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
}

// ForEnv returns a copy of r narrowed to environment id, or nil if id
// did not run in r.
func (r *Report) ForEnv(id kernel.EnvID) *Report {
	for _, e := range r.Envs {
		if e.ID == id {
			out := *r
			out.Envs = []EnvReport{e}
			return &out
		}
	}
	return nil
}

// Failed returns the checks that did not pass.
func (r *Report) Failed() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c)
		}
	}
	return out
}

// WriteSummary prints one line per report.
func WriteSummary(w io.Writer, reports []*Report, color bool) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "SCENARIO\tRESULT\tCHECKS\tFORKS\tFAULTS\tCOPIES\tDURATION\n")
	for _, r := range reports {
		passed := 0
		for _, c := range r.Checks {
			if c.Passed {
				passed++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%d\t%d\t%s\n",
			r.Scenario, result(r.Passed, color), passed, len(r.Checks),
			r.Forks, r.Faults, r.Copies, r.Duration.Round(time.Microsecond))
	}
	return tw.Flush()
}

// WriteReport prints a report with its checks and the final mappings of
// every environment.
func WriteReport(w io.Writer, r *Report, color bool) error {
	fmt.Fprintf(w, "scenario %s: %s\n", r.Scenario, result(r.Passed, color))
	if r.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", r.Error)
	}
	for _, c := range r.Checks {
		mark := "ok  "
		if !c.Passed {
			mark = "FAIL"
		}
		if c.Detail != "" {
			fmt.Fprintf(w, "  %s %s: %s\n", mark, c.Name, c.Detail)
		} else {
			fmt.Fprintf(w, "  %s %s\n", mark, c.Name)
		}
	}
	fmt.Fprintf(w, "  frames: %d total, %d in use\n", r.Memory.Total, r.Memory.InUse)

	for _, e := range r.Envs {
		status := "exited"
		if e.Killed {
			status = "killed"
		}
		fmt.Fprintf(w, "\nenv %s (parent %s) %s, %d faults", e.ID, e.Parent, status, e.Faults)
		if e.Cause != "" {
			fmt.Fprintf(w, ": %s", e.Cause)
		}
		fmt.Fprintln(w)
		if err := WriteMappings(w, e.Mappings); err != nil {
			return err
		}
	}
	return nil
}

// WriteMappings prints a page table in address order.
func WriteMappings(w io.Writer, ms []kernel.Mapping) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "  VA\tFRAME\tPERM\n")
	for _, m := range ms {
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", m.VA, m.Frame, m.Perm)
	}
	return tw.Flush()
}

func result(passed, color bool) string {
	s := "FAIL"
	if passed {
		s = "PASS"
	}
	if !color {
		return s
	}
	if passed {
		return "\033[32m" + s + "\033[0m"
	}
	return "\033[31m" + s + "\033[0m"
}

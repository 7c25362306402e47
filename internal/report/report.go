// Package report renders the result of a job run for humans (text) or
// machines (JSON).
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/terrpan/instance-scheduler/internal/instance"
)

// Format selects the rendering.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Formats lists the valid output formats.
var Formats = []Format{FormatText, FormatJSON}

// Job describes the run being reported.
type Job struct {
	Provider  string   `json:"provider"`
	Region    string   `json:"region,omitempty"`
	Action    string   `json:"action"`
	Mode      string   `json:"mode"`
	Policy    string   `json:"policy"`
	Instances []string `json:"instances"`
}

// Report is the JSON document written for FormatJSON.
type Report struct {
	Job      Job              `json:"job"`
	Summary  instance.Summary `json:"summary"`
	ExitCode int              `json:"exit_code"`
}

// Write renders job and summary to w in the given format.
func Write(w io.Writer, format Format, job Job, summary instance.Summary) error {
	switch format {
	case FormatJSON:
		return writeJSON(w, job, summary)
	case FormatText, "":
		return writeText(w, job, summary)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

func writeJSON(w io.Writer, job Job, summary instance.Summary) error {
	if summary.Outcomes == nil {
		summary.Outcomes = []instance.Outcome{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Report{Job: job, Summary: summary, ExitCode: summary.ExitCode()})
}

const rule = "======================================================================"

func writeText(w io.Writer, job Job, summary instance.Summary) error {
	var b strings.Builder

	fmt.Fprintln(&b, rule)
	fmt.Fprintln(&b, "Instance Scheduler")
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Provider:          %s\n", job.Provider)
	if job.Region != "" {
		fmt.Fprintf(&b, "Region:            %s\n", job.Region)
	}
	fmt.Fprintf(&b, "Action:            %s\n", job.Action)
	fmt.Fprintf(&b, "Mode:              %s\n", job.Mode)
	fmt.Fprintf(&b, "Failure policy:    %s\n", job.Policy)
	fmt.Fprintf(&b, "Instances:         %d\n", len(job.Instances))
	fmt.Fprintln(&b, strings.Repeat("-", len(rule)))

	if len(summary.Outcomes) > 0 {
		tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "INSTANCE\tNAME\tSTATE\tDECISION\tRESULT\tDURATION")
		for _, o := range summary.Outcomes {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				o.InstanceID,
				dash(o.Name),
				stateColumn(o.State),
				decisionColumn(o),
				result(o),
				o.Duration.Round(time.Millisecond),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if skipped := len(job.Instances) - summary.Total; skipped > 0 {
		fmt.Fprintf(&b, "\n%d instance(s) not attempted after the first failure\n", skipped)
	}

	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "Total: %d  Succeeded: %d  Failed: %d\n", summary.Total, summary.Succeeded, summary.Failed)
	fmt.Fprintln(&b, rule)

	_, err := io.WriteString(w, b.String())
	return err
}

func result(o instance.Outcome) string {
	if o.Succeeded {
		return "ok"
	}
	return "failed: " + o.Err
}

func decisionColumn(o instance.Outcome) string {
	if o.Decision == instance.DecisionNone {
		return "-"
	}
	return o.Decision.String()
}

func stateColumn(s instance.State) string {
	if !s.Observed() {
		return "-"
	}
	return s.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

package migrate

import (
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RenderDiff writes a human readable report of d. Changes are listed from
// most to least severe, then the plan in step order. The output depends
// only on d.
func RenderDiff(w io.Writer, d *DiffResult) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s (schema %s)\n", d.Current.Name, d.Current.Hash())
	if d.Previous != nil {
		fmt.Fprintf(&b, "Applied schema %s\n", d.Previous.Hash())
	} else {
		b.WriteString("No applied schema, the table will be created\n")
	}
	if !d.HasChanges {
		b.WriteString("\nNo changes.\n")
		_, err := io.WriteString(w, b.String())
		return err
	}

	fmt.Fprintf(&b, "\nChanges (%d", d.Summary.Total)
	for _, sev := range Severities() {
		if n := d.Summary.BySeverity[sev]; n > 0 {
			fmt.Fprintf(&b, ", %d %s", n, sev)
		}
	}
	b.WriteString("):\n")
	for _, ch := range bySeverity(d.Changes) {
		fmt.Fprintf(&b, "  [%-8s] %-15s %s", ch.Severity, ch.Type, ch.Description)
		var flags []string
		if ch.IsBreaking {
			flags = append(flags, "breaking")
		}
		if ch.RequiresDataMigration {
			flags = append(flags, "data migration")
		}
		if len(flags) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(flags, ", "))
		}
		b.WriteString("\n")
		if ch.SuggestedAction != "" {
			fmt.Fprintf(&b, "             -> %s\n", ch.SuggestedAction)
		}
	}

	if d.RequiresRecreation {
		b.WriteString("\nThese changes require recreating the table and cannot be applied in place.\n")
	}

	fmt.Fprintf(&b, "\nPlan (%d steps):\n", len(d.Plan))
	for _, s := range d.Plan {
		fmt.Fprintf(&b, "  %2d. %-13s %s", s.Order, s.Operation, s.Description)
		if len(s.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %s)", joinInts(s.DependsOn))
		}
		b.WriteString("\n")
	}
	if d.HasBreakingChanges {
		fmt.Fprintf(&b, "\n%d breaking change(s) require confirmation.\n", d.Summary.Breaking)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// RenderResult writes the outcome of a run: every attempted step with its
// status, so it is clear what is live on the table.
func RenderResult(w io.Writer, res *Result) error {
	var b strings.Builder
	status := "succeeded"
	if !res.Success {
		status = "FAILED"
	}
	mode := ""
	if res.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(&b, "Migration %s%s: %d/%d steps in %s\n", status, mode, res.StepsExecuted, res.StepsTotal, res.Duration.Round(time.Millisecond))

	for _, o := range res.Steps {
		mark := "ok"
		switch {
		case !o.Success:
			mark = "FAILED"
		case o.Skipped:
			mark = "skipped"
		}
		fmt.Fprintf(&b, "  %2d. %-13s %-7s %s (%s)\n", o.Step.Order, o.Step.Operation, mark, o.Step.Description, o.Duration.Round(time.Millisecond))
		if o.Error != "" {
			fmt.Fprintf(&b, "      error: %s\n", o.Error)
		}
	}
	if n := len(res.Steps); n < res.StepsTotal && res.Diff != nil {
		for _, s := range res.Diff.Plan[n:] {
			fmt.Fprintf(&b, "  %2d. %-13s %-7s %s\n", s.Order, s.Operation, "pending", s.Description)
		}
	}
	for _, err := range res.Errors {
		fmt.Fprintf(&b, "error: %v\n", err)
	}
	if res.NewState != nil {
		fmt.Fprintf(&b, "Recorded state %s (schema %s)\n", res.NewState.Version, res.NewState.SchemaHash)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// Report is the YAML document produced by MarshalReport.
type Report struct {
	Diff   *DiffResult `yaml:"diff,omitempty"`
	Result *Result     `yaml:"result,omitempty"`
	Errors []string    `yaml:"errors,omitempty"`
}

// MarshalReport renders the diff and optional run result as YAML. Changes
// are ordered from most to least severe.
func MarshalReport(d *DiffResult, res *Result) ([]byte, error) {
	rep := Report{Result: res}
	if d != nil {
		sorted := *d
		sorted.Changes = bySeverity(d.Changes)
		rep.Diff = &sorted
	}
	if res != nil {
		for _, err := range res.Errors {
			rep.Errors = append(rep.Errors, err.Error())
		}
	}
	out, err := yaml.Marshal(rep)
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	return out, nil
}

func joinInts(xs []int) string {
	parts := make([]string, len(xs))
	for i, x := range xs {
		parts[i] = fmt.Sprint(x)
	}
	return strings.Join(parts, ", ")
}

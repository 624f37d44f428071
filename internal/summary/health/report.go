package health

import (
	"fmt"
	"strings"
)

// FormatReport renders r as a short plain-text status message.
func FormatReport(r Result) string {
	var b strings.Builder
	b.WriteString("Summary system health\n")
	if r.Healthy {
		b.WriteString("Status: OK\n")
	} else {
		b.WriteString("Status: DEGRADED\n")
	}
	fmt.Fprintf(&b, "Scheduler: %s\n", onOff(r.Scheduler.Running, "running", "stopped"))
	fmt.Fprintf(&b, "Jobs: %d\n", r.Scheduler.JobCount)
	fmt.Fprintf(&b, "Queue processor: %s\n", onOff(r.Queue.ProcessorActive, "active", "stopped"))
	fmt.Fprintf(&b, "Queue size: %d\n", r.Queue.Size)
	fmt.Fprintf(&b, "Configured groups: %d\n", r.Groups)

	section(&b, "Warnings", r.Warnings)
	section(&b, "Errors", r.Errors)
	section(&b, "Repairs applied", r.RepairsApplied)
	return strings.TrimRight(b.String(), "\n")
}

func section(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func onOff(ok bool, yes, no string) string {
	if ok {
		return yes
	}
	return no
}

// Package report renders a sched.Snapshot into the plain-text status report
// clients receive for REPORT, matching the original's fixed-width
// snprintf-built buffer layout. Grounded on the teacher's
// internal/router.PoolsSummary, which plays the analogous role of reducing
// live scheduler state into one text blob for a status endpoint.
package report

import (
	"fmt"
	"strings"

	"github.com/agutierrez/toolshare/internal/sched"
)

// Render produces the six-block status report text for snap.
func Render(snap sched.Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "k: %d, customers: %d waiting, %d resting, %d in total\n",
		snap.NumTools, snap.WaitingCount, snap.RestingCustomers, snap.TotalCustomers)

	fmt.Fprintf(&b, "average share: %.2f\n", snap.AverageShare)

	b.WriteString("waiting list:\n")
	b.WriteString("customer   duration  share\n")
	b.WriteString("---------------------------\n")
	for _, w := range snap.Waiting {
		fmt.Fprintf(&b, "%-12d %10d %12d\n", w.CustomerID, w.WaitedMS, w.Share)
	}

	b.WriteString("\nTools:\n")
	b.WriteString("id   totaluse currentuser share duration\n")
	b.WriteString("--------------\n")
	for _, t := range snap.Tools {
		if t.Free {
			fmt.Fprintf(&b, "%-5d %12d FREE\n", t.ToolID, t.TotalUsageMS)
			continue
		}
		fmt.Fprintf(&b, "%-5d %12d %-12d %10d %12d\n",
			t.ToolID, t.TotalUsageMS, t.CustomerID, t.Share, t.RemainingMS)
	}

	return b.String()
}

package report

import (
	"strings"
	"testing"

	"github.com/agutierrez/toolshare/internal/sched"
)

func TestRenderEmptySnapshot(t *testing.T) {
	snap := sched.Snapshot{NumTools: 2, Tools: []sched.ToolEntry{
		{ToolID: 0, Free: true},
		{ToolID: 1, Free: true},
	}}

	out := Render(snap)
	if !strings.Contains(out, "k: 2, customers: 0 waiting, 0 resting, 0 in total") {
		t.Fatalf("missing header line: %q", out)
	}
	if !strings.Contains(out, "average share: 0.00") {
		t.Fatalf("missing average share line: %q", out)
	}
	if !strings.Contains(out, "0                0 FREE") {
		t.Fatalf("expected tool 0 free row: %q", out)
	}
}

func TestRenderWaitingAndBoundTool(t *testing.T) {
	snap := sched.Snapshot{
		NumTools:         1,
		WaitingCount:     1,
		RestingCustomers: 0,
		TotalCustomers:   2,
		AverageShare:     125.5,
		Waiting: []sched.WaitingEntry{
			{CustomerID: 7, WaitedMS: 340, Share: 100},
		},
		Tools: []sched.ToolEntry{
			{ToolID: 0, TotalUsageMS: 900, CustomerID: 3, Share: 200, RemainingMS: 50},
		},
	}

	out := Render(snap)
	if !strings.Contains(out, "average share: 125.50") {
		t.Fatalf("missing average share: %q", out)
	}
	if !strings.Contains(out, "7") || !strings.Contains(out, "340") {
		t.Fatalf("missing waiting row: %q", out)
	}
	if !strings.Contains(out, "900") || !strings.Contains(out, "3") {
		t.Fatalf("missing tool row: %q", out)
	}
}

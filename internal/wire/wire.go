// Package wire decodes the line-based client command protocol and encodes
// the asynchronous event lines the scheduler emits, independent of any
// socket I/O. It plays the same role for the tool-sharing protocol that the
// teacher's internal/http10 package plays for HTTP/1.0 request lines: parse
// a textual wire format into a typed value that the rest of the system can
// reason about without re-touching raw bytes.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandKind identifies a recognized client verb.
type CommandKind int

const (
	CmdUnknown CommandKind = iota
	CmdRequest
	CmdRest
	CmdReport
	CmdQuit
	CmdUpgrade
)

// Command is a parsed client line.
type Command struct {
	Kind       CommandKind
	DurationMS int
}

// ParseCommand decodes one client line. It returns ok=false for unknown
// verbs, malformed arguments, or a REQUEST/UPGRADE with a non-positive
// duration — all of which the agent's socket-reader is specified to
// silently ignore.
func ParseCommand(line string) (Command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, false
	}

	switch fields[0] {
	case "REQUEST":
		ms, ok := parsePositiveDuration(fields)
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdRequest, DurationMS: ms}, true
	case "UPGRADE":
		ms, ok := parsePositiveDuration(fields)
		if !ok {
			return Command{}, false
		}
		return Command{Kind: CmdUpgrade, DurationMS: ms}, true
	case "REST":
		return Command{Kind: CmdRest}, true
	case "REPORT":
		return Command{Kind: CmdReport}, true
	case "QUIT":
		return Command{Kind: CmdQuit}, true
	default:
		return Command{}, false
	}
}

func parsePositiveDuration(fields []string) (int, bool) {
	if len(fields) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[1])
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

// EventKind identifies one of the three asynchronous event lines.
type EventKind int

const (
	EventAssigned EventKind = iota
	EventRemoved
	EventCompleted
)

// FormatEvent renders one newline-terminated event line in the exact wire
// format clients and the operational log both expect. shareMS is the
// customer's share truncated to an integer millisecond value.
func FormatEvent(kind EventKind, customerID int64, shareMS int64, toolID int) string {
	switch kind {
	case EventAssigned:
		return fmt.Sprintf("Customer %d with share %d is assigned to the tool %d.\n", customerID, shareMS, toolID)
	case EventRemoved:
		return fmt.Sprintf("Customer %d with share %d is removed from the tool %d.\n", customerID, shareMS, toolID)
	case EventCompleted:
		return fmt.Sprintf("Customer %d with share %d leaves the tool %d.\n", customerID, shareMS, toolID)
	default:
		return ""
	}
}

package callwall

import (
	"strings"
	"time"
)

// EventKind identifies an unsolicited notification from the modem.
type EventKind int

const (
	// EventRing is an incoming ring burst (RING)
	EventRing EventKind = iota
	// EventCallerNumber carries the caller-ID number (NMBR=)
	EventCallerNumber
	// EventHangup means the remote side dropped the line (NO CARRIER)
	EventHangup
	// EventBusy is reported when the line is busy (BUSY)
	EventBusy
	// EventNoDialtone means the line is dead (NO DIALTONE)
	EventNoDialtone
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventRing:
		return "Ring"
	case EventCallerNumber:
		return "CallerNumber"
	case EventHangup:
		return "Hangup"
	case EventBusy:
		return "Busy"
	case EventNoDialtone:
		return "NoDialtone"
	default:
		return "Unknown"
	}
}

// Event is a classified unsolicited line.
type Event struct {
	Kind EventKind
	// Number is set for EventCallerNumber unless the number is withheld.
	Number string
	// Withheld is set when the exchange reports a private (P) or
	// unavailable (O) number.
	Withheld bool
	// Raw is the line as received.
	Raw  string
	Time time.Time
	// SessionID and State are stamped by the session when the event is routed.
	SessionID string
	State     SessionStatus
}

// Caller-ID metadata lines that accompany NMBR in MDMF blocks. They are
// recognised so they never reach a command buffer (NAME=BROOKS contains "OK"),
// but they do not produce events.
var callerIDMeta = []string{"DATE", "TIME", "NAME", "MESG"}

// Classify maps an unsolicited line to an Event. It returns false for lines
// that are not one of the known notifications; those are dropped by the
// caller. Classify never panics on arbitrary input.
func Classify(line string) (Event, bool) {
	t := strings.ToUpper(strings.TrimSpace(line))
	ev := Event{Raw: line}
	switch {
	case t == "":
		return ev, false
	case strings.HasPrefix(t, "NMBR"):
		rest := strings.TrimSpace(t[len("NMBR"):])
		if !strings.HasPrefix(rest, "=") && !strings.HasPrefix(rest, ":") {
			return ev, false
		}
		number := strings.TrimSpace(rest[1:])
		ev.Kind = EventCallerNumber
		switch number {
		case "", "P", "O":
			ev.Withheld = true
		default:
			ev.Number = number
		}
		return ev, true
	case strings.HasPrefix(t, "RING"):
		ev.Kind = EventRing
		return ev, true
	case strings.Contains(t, "NO DIALTONE"), strings.Contains(t, "NO DIAL TONE"):
		ev.Kind = EventNoDialtone
		return ev, true
	case strings.Contains(t, "NO CARRIER"):
		ev.Kind = EventHangup
		return ev, true
	case t == "BUSY" || strings.HasPrefix(t, "BUSY "):
		ev.Kind = EventBusy
		return ev, true
	}
	return ev, false
}

// isCallerIDMeta reports whether line is a DATE/TIME/NAME/MESG caller-ID line.
func isCallerIDMeta(line string) bool {
	t := strings.ToUpper(strings.TrimSpace(line))
	for _, p := range callerIDMeta {
		if strings.HasPrefix(t, p) {
			rest := strings.TrimSpace(t[len(p):])
			if strings.HasPrefix(rest, "=") || strings.HasPrefix(rest, ":") {
				return true
			}
		}
	}
	return false
}

// isUnsolicited reports whether line belongs to the unsolicited path rather
// than to a command response.
func isUnsolicited(line string) bool {
	if _, ok := Classify(line); ok {
		return true
	}
	return isCallerIDMeta(line)
}

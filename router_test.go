package callwall

import "testing"

func TestEventKind_String(t *testing.T) {
	tests := []struct {
		kind     EventKind
		expected string
	}{
		{EventRing, "Ring"},
		{EventCallerNumber, "CallerNumber"},
		{EventHangup, "Hangup"},
		{EventBusy, "Busy"},
		{EventNoDialtone, "NoDialtone"},
		{EventKind(42), "Unknown"},
	}

	for _, tt := range tests {
		if result := tt.kind.String(); result != tt.expected {
			t.Errorf("EventKind(%d).String() = %v, want %v", tt.kind, result, tt.expected)
		}
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line     string
		ok       bool
		kind     EventKind
		number   string
		withheld bool
	}{
		{"RING", true, EventRing, "", false},
		{"ring", true, EventRing, "", false},
		{"RING 1", true, EventRing, "", false},
		{"NMBR = 5551234567", true, EventCallerNumber, "5551234567", false},
		{"NMBR=5551234567", true, EventCallerNumber, "5551234567", false},
		{"nmbr: +15551234567", true, EventCallerNumber, "+15551234567", false},
		{"NMBR = P", true, EventCallerNumber, "", true},
		{"NMBR = O", true, EventCallerNumber, "", true},
		{"NMBR =", true, EventCallerNumber, "", true},
		{"NMBR", false, 0, "", false},
		{"NMBRX = 1", false, 0, "", false},
		{"NO CARRIER", true, EventHangup, "", false},
		{"BUSY", true, EventBusy, "", false},
		{"BUSYBOX", false, 0, "", false},
		{"NO DIALTONE", true, EventNoDialtone, "", false},
		{"NO DIAL TONE", true, EventNoDialtone, "", false},
		{"OK", false, 0, "", false},
		{"ERROR", false, 0, "", false},
		{"DATE = 0101", false, 0, "", false},
		{"", false, 0, "", false},
		{"\x00\xff garbage", false, 0, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			ev, ok := Classify(tt.line)
			if ok != tt.ok {
				t.Fatalf("Classify(%q) ok = %v, want %v", tt.line, ok, tt.ok)
			}
			if !ok {
				return
			}
			if ev.Kind != tt.kind || ev.Number != tt.number || ev.Withheld != tt.withheld {
				t.Errorf("Classify(%q) = {%v %q withheld=%v}, want {%v %q withheld=%v}",
					tt.line, ev.Kind, ev.Number, ev.Withheld, tt.kind, tt.number, tt.withheld)
			}
			if ev.Raw != tt.line {
				t.Errorf("Raw = %q, want %q", ev.Raw, tt.line)
			}
		})
	}
}

func TestIsUnsolicited(t *testing.T) {
	tests := []struct {
		line     string
		expected bool
	}{
		{"RING", true},
		{"NMBR = 5551234567", true},
		{"DATE = 0101", true},
		{"TIME=1230", true},
		{"NAME = BROOKS", true},
		{"MESG = 110101", true},
		{"OK", false},
		{"ERROR", false},
		{"ATZ", false},
		{"+VCID: 1", false},
		{"NAMESERVER", false},
	}

	for _, tt := range tests {
		if result := isUnsolicited(tt.line); result != tt.expected {
			t.Errorf("isUnsolicited(%q) = %v, want %v", tt.line, result, tt.expected)
		}
	}
}

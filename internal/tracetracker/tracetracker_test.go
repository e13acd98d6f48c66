package tracetracker_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/tracetracker"
)

func instr(name string, isEntry, isCallsite bool) *binload.Instr {
	return &binload.Instr{FunctionName: name, IsFnEntry: isEntry, IsCallsite: isCallsite}
}

// scenario 5: a callsite/non-entry instruction unwinds to the matching
// label, popping every intervening frame.
func TestReturnUnwind(t *testing.T) {
	var out bytes.Buffer
	tr := tracetracker.New("prog", &out)

	tr.AddInstruction(1, 0x1000, instr("A", true, false), "A")
	tr.AddInstruction(2, 0x2000, instr("B", true, false), "B")
	tr.AddInstruction(3, 0x3000, instr("C", true, false), "C")

	tr.AddInstruction(4, 0x1004, instr("A", false, false), "A")

	if tr.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1", tr.Depth())
	}
	top, ok := tr.Top()
	if !ok || top.Label != "A" || top.EndCycle != 4 {
		t.Fatalf("top = %+v, want A @4", top)
	}

	got := out.String()
	if strings.Count(got, "End label: C") != 1 || strings.Count(got, "End label: B") != 1 {
		t.Fatalf("output missing expected unwind records:\n%s", got)
	}
}

// scenario 6: three unmatched tokens coalesce into a single USERSPACE_ALL
// run, popped once a resolved token follows.
func TestUserspaceAllCoalescing(t *testing.T) {
	var out bytes.Buffer
	tr := tracetracker.New("misc", &out)

	tr.AddInstruction(5, 0, nil, tracetracker.LabelUserspaceAll)
	tr.AddInstruction(6, 0, nil, tracetracker.LabelUserspaceAll)
	tr.AddInstruction(7, 0, nil, tracetracker.LabelUserspaceAll)

	if tr.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1 (coalesced)", tr.Depth())
	}
	top, _ := tr.Top()
	if top.StartCycle != 5 || top.EndCycle != 7 {
		t.Fatalf("top = %+v, want start=5 end=7", top)
	}

	tr.AddInstruction(8, 0x100, instr("resolved", true, false), "resolved")

	got := out.String()
	if strings.Count(got, "Start label: USERSPACE_ALL") != 1 {
		t.Fatalf("expected exactly one USERSPACE_ALL start:\n%s", got)
	}
	if !strings.Contains(got, "End label: USERSPACE_ALL, End cycle: 7") {
		t.Fatalf("expected USERSPACE_ALL end at cycle 7:\n%s", got)
	}
}

// Invariant: terminal flush balances every start with an end.
func TestFlushBalancesRecords(t *testing.T) {
	var out bytes.Buffer
	tr := tracetracker.New("prog", &out)

	tr.AddInstruction(1, 0, instr("A", true, false), "A")
	tr.AddInstruction(2, 0, instr("B", true, false), "B")
	tr.Flush()

	got := out.String()
	starts := strings.Count(got, "Start label:")
	ends := strings.Count(got, "End label:")
	if starts != ends {
		t.Fatalf("unbalanced records: %d starts, %d ends:\n%s", starts, ends, got)
	}
	if tr.Depth() != 0 {
		t.Fatalf("Depth = %d after flush, want 0", tr.Depth())
	}
}

// Invariant: a diagnostic is emitted, and the stack left empty, when unwind
// never finds the target label.
func TestUnwindExhaustedEmitsWarning(t *testing.T) {
	var out bytes.Buffer
	tr := tracetracker.New("prog", &out)

	tr.AddInstruction(1, 0, instr("A", true, false), "A")
	tr.AddInstruction(2, 0, instr("never-pushed", false, false), "never-pushed")

	if !strings.Contains(out.String(), "WARN:") {
		t.Fatalf("expected WARN diagnostic, got:\n%s", out.String())
	}
	if tr.Depth() != 0 {
		t.Fatalf("Depth = %d, want 0 after exhausted unwind", tr.Depth())
	}
}

// §9 Open Question guard: a nil Instr on the synthetic label path never
// panics and is treated as asm_sequence=false.
func TestSyntheticLabelNilInstrGuard(t *testing.T) {
	var out bytes.Buffer
	tr := tracetracker.New("misc", &out)
	tr.AddInstruction(1, 0, nil, tracetracker.LabelUnknown)
	tr.AddInstruction(2, 0, nil, tracetracker.LabelUnknown)
	if tr.Depth() != 1 {
		t.Fatalf("Depth = %d, want 1 (coalesced UNKNOWN)", tr.Depth())
	}
}

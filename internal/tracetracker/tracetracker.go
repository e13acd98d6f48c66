// Package tracetracker implements the per-binary call-region reconstruction
// (§4.5): a label stack that turns a stream of resolved tokens into nested
// "start label" / "end label" region records.
package tracetracker

import (
	"fmt"
	"io"

	"github.com/fireperf/tracerv/internal/binload"
)

// LabelUserspaceAll and LabelUnknown are the synthetic labels used for tokens
// that did not resolve to a specific Instr: USERSPACE_ALL on the misc tracker, or
// UNKNOWN on a binary's own tracker when the matcher found >1 candidate
// Instr within that binary (§9 Open Question, bullet 1).
const (
	LabelUserspaceAll = "USERSPACE_ALL"
	LabelUnknown      = "UNKNOWN"
)

// LabelMeta is one frame on a tracker's label stack.
type LabelMeta struct {
	Label       string
	StartCycle  uint64
	EndCycle    uint64
	Indent      int
	AsmSequence bool
}

// Tracker reconstructs one binary's (or the synthetic misc binary's)
// call-region log from a stream of addInstruction calls. Tracker is not
// safe for concurrent use.
type Tracker struct {
	name  string
	out   io.Writer
	stack []LabelMeta

	lastInstr *binload.Instr
}

// New creates a Tracker that writes its region log to out.
func New(name string, out io.Writer) *Tracker {
	return &Tracker{name: name, out: out}
}

// Name returns the binary name (or "misc"/"kernel") this tracker was built
// for.
func (t *Tracker) Name() string { return t.name }

// Depth returns the current stack depth, for status-service snapshots.
func (t *Tracker) Depth() int { return len(t.stack) }

// Top returns a copy of the top-of-stack frame, or the zero value if empty.
func (t *Tracker) Top() (LabelMeta, bool) {
	if len(t.stack) == 0 {
		return LabelMeta{}, false
	}
	return t.stack[len(t.stack)-1], true
}

// AddInstruction applies the transition rules of §4.5 for one resolved
// instruction. instr is nil on the synthetic USERSPACE_ALL/UNKNOWN path
// (§9 Open Question, bullet 2): instr is then not dereferenced, and the
// flags are taken as asmSequence=false, isCallsite=false, isFnEntry=true.
func (t *Tracker) AddInstruction(cycle uint64, iaddr uint64, instr *binload.Instr, label string) {
	asmSeq := false
	isCallsite := false
	isFnEntry := true // non-entry-unwind rule only fires when explicitly false
	if instr != nil {
		asmSeq = instr.InAsmSequence
		isCallsite = instr.IsCallsite
		isFnEntry = instr.IsFnEntry
	}

	// Rule 1: coalesce a pending USERSPACE_ALL/UNKNOWN run when the label
	// changes.
	if top, ok := t.Top(); ok && isSyntheticLabel(top.Label) && top.Label != label {
		t.pop(top.EndCycle)
	}

	// Rule 2: same label as top collapses the run.
	if top, ok := t.Top(); ok && top.Label == label {
		t.stack[len(t.stack)-1].EndCycle = cycle
		t.lastInstr = instr
		return
	}

	// Rule 3: both top and current sit in an asm sequence with differing
	// labels — swap at the same indent.
	if top, ok := t.Top(); ok && top.AsmSequence && asmSeq {
		t.pop(cycle)
		t.push(LabelMeta{
			Label:       label,
			StartCycle:  cycle,
			EndCycle:    cycle,
			Indent:      len(t.stack) + 1,
			AsmSequence: asmSeq,
		})
		t.lastInstr = instr
		return
	}

	// Rule 4: callsite or non-entry instruction — unwind to the matching
	// label.
	if isCallsite || !isFnEntry {
		startIndent := len(t.stack)
		found := false
		for len(t.stack) > 0 {
			top := t.stack[len(t.stack)-1]
			if top.Label == label {
				t.stack[len(t.stack)-1].EndCycle = cycle
				found = true
				break
			}
			t.pop(cycle)
		}
		if !found {
			t.warnUnwindExhausted(label, iaddr, isCallsite, isFnEntry, startIndent)
		}
		t.lastInstr = instr
		return
	}

	// Rule 5: normal entry.
	t.push(LabelMeta{
		Label:       label,
		StartCycle:  cycle,
		EndCycle:    cycle,
		Indent:      len(t.stack) + 1,
		AsmSequence: asmSeq,
	})
	t.lastInstr = instr
}

func isSyntheticLabel(label string) bool {
	return label == LabelUserspaceAll || label == LabelUnknown
}

func (t *Tracker) push(m LabelMeta) {
	t.stack = append(t.stack, m)
	fmt.Fprintf(t.out, "Indent: %d, Start label: %s, At cycle: %d\n", m.Indent, m.Label, m.StartCycle)
}

func (t *Tracker) pop(endCycle uint64) LabelMeta {
	m := t.stack[len(t.stack)-1]
	m.EndCycle = endCycle
	t.stack = t.stack[:len(t.stack)-1]
	fmt.Fprintf(t.out, "Indent: %d, End label: %s, End cycle: %d\n", m.Indent, m.Label, m.EndCycle)
	return m
}

// warnUnwindExhausted emits the diagnostic record required when an unwind
// empties the stack without ever finding label (§4.5 rule 4, §7). indent is
// the stack depth at which unwinding began.
func (t *Tracker) warnUnwindExhausted(label string, iaddr uint64, isCallsite, isFnEntry bool, indent int) {
	fmt.Fprintf(t.out, "WARN: unwind exhausted stack looking for label %q at iaddr=0x%x (is_callsite=%v, is_fn_entry=%v, indent=%d, last_instr=%+v)\n",
		label, iaddr, isCallsite, isFnEntry, indent, t.lastInstr)
}

// Flush pops every remaining frame, emitting an end record for each, using
// the frame's last known end cycle (§4.5 "Terminal flush").
func (t *Tracker) Flush() {
	for len(t.stack) > 0 {
		top := t.stack[len(t.stack)-1]
		t.pop(top.EndCycle)
	}
}

package matcher_test

import (
	"testing"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/matcher"
	"github.com/fireperf/tracerv/internal/reverseindex"
	"github.com/fireperf/tracerv/internal/token"
	"github.com/fireperf/tracerv/internal/tokenbuf"
)

// scenario 1: kernel-only stream resolves via the base-address fast path.
func TestResolveKernelByBase(t *testing.T) {
	kernel := binload.New("kernel", binload.KindKernel, 0xffffffff80000000)
	kernel.Set(0xffffffff80000000, &binload.Instr{
		Addr:         0xffffffff80000000,
		FunctionName: "start_kernel",
		IsFnEntry:    true,
	})

	buf := tokenbuf.New(8)
	m := matcher.New(kernel, reverseindex.New(), buf, 4)

	tok := &token.Token{CycleCount: 10, IAddr: 0xffffffff80000000, Priv: 1}
	res := m.Resolve(tok)

	if res.Kind != matcher.Matched {
		t.Fatalf("Kind = %v, want Matched", res.Kind)
	}
	if res.Bin != kernel {
		t.Fatalf("Bin = %v, want kernel", res.Bin)
	}
	if tok.InstrMeta == nil || tok.InstrMeta.FunctionName != "start_kernel" {
		t.Fatalf("InstrMeta = %+v, want start_kernel", tok.InstrMeta)
	}
}

// scenario 2: a lone user binary, repeated identical tokens, resolves via
// candidate enumeration once the matching depth of identical neighbors all
// agree (trivially, since there is only one candidate).
func TestResolveUniqueUserMatch(t *testing.T) {
	prog := binload.New("prog", binload.KindUser, 0x1000)
	prog.Set(0x1000, &binload.Instr{Addr: 0x1000, FunctionName: "main", IsFnEntry: true})

	idx := reverseindex.New()
	idx.Insert(0x1000, 0xabcd, prog)

	buf := tokenbuf.New(8)
	m := matcher.New(nil, idx, buf, 4)

	mkTok := func(cycle uint64) *token.Token {
		return &token.Token{CycleCount: cycle, IAddr: 0x1000, Inst: 0xabcd, Satp: 0x77}
	}

	// Prime the buffer with neighbors sharing satp, as a real pipeline would
	// before the oldest token is popped for resolution.
	for i := uint64(0); i < 4; i++ {
		buf.Push(mkTok(i))
	}
	tok := buf.Pop()
	res := m.Resolve(tok)

	if res.Kind != matcher.Matched {
		t.Fatalf("Kind = %v, want Matched", res.Kind)
	}
	if res.Bin != prog {
		t.Fatalf("Bin = %v, want prog", res.Bin)
	}
	if tok.PageBase != 0x1000 {
		t.Fatalf("PageBase = %#x, want 0x1000", tok.PageBase)
	}
}

// scenario 3: two binaries share a page/instruction-word pair with no
// corroborating neighbors; |M| >= 2 across distinct binaries routes to
// Unmatched.
func TestResolveAmbiguousTwoBinaries(t *testing.T) {
	progA := binload.New("progA", binload.KindUser, 0x2000)
	progB := binload.New("progB", binload.KindUser, 0x2000)

	idx := reverseindex.New()
	idx.Insert(0x2000, 0xdeadbeef, progA)
	idx.Insert(0x2000, 0xdeadbeef, progB)

	buf := tokenbuf.New(8)
	m := matcher.New(nil, idx, buf, 4)

	tok := &token.Token{IAddr: 0x2000, Inst: 0xdeadbeef, Satp: 0x5}
	res := m.Resolve(tok)

	if res.Kind != matcher.Unmatched {
		t.Fatalf("Kind = %v, want Unmatched", res.Kind)
	}
}

// scenario 4: a neighboring token disambiguates between two binaries that
// share the first instruction word but diverge on the second.
func TestResolveDisambiguationViaNeighbor(t *testing.T) {
	progA := binload.New("progA", binload.KindUser, 0x2000)
	progB := binload.New("progB", binload.KindUser, 0x2000)

	idx := reverseindex.New()
	idx.Insert(0x2000, 0xdead, progA)
	idx.Insert(0x2000, 0xdead, progB)
	idx.Insert(0x2004, 0xf00d, progA)
	idx.Insert(0x2004, 0xbeef, progB)

	buf := tokenbuf.New(8)
	m := matcher.New(nil, idx, buf, 4)

	first := &token.Token{IAddr: 0x2000, Inst: 0xdead, Satp: 0x9}
	second := &token.Token{IAddr: 0x2004, Inst: 0xf00d, Satp: 0x9}
	buf.Push(second)

	res := m.Resolve(first)
	if res.Kind != matcher.Matched {
		t.Fatalf("Kind = %v, want Matched", res.Kind)
	}
	if res.Bin != progA {
		t.Fatalf("Bin = %v, want progA", res.Bin)
	}
}

// Back-propagation soundness: once a buffered neighbor is stamped by
// back-propagation, re-resolving it alone must find its own candidate.
func TestBackPropagationSoundness(t *testing.T) {
	prog := binload.New("prog", binload.KindUser, 0x4000)
	prog.Set(0x4000, &binload.Instr{Addr: 0x4000, FunctionName: "a"})
	prog.Set(0x4004, &binload.Instr{Addr: 0x4004, FunctionName: "b"})

	idx := reverseindex.New()
	idx.Insert(0x4000, 0x1111, prog)
	idx.Insert(0x4004, 0x2222, prog)

	buf := tokenbuf.New(8)
	m := matcher.New(nil, idx, buf, 4)

	leader := &token.Token{IAddr: 0x4000, Inst: 0x1111, Satp: 0x3}
	follower := &token.Token{IAddr: 0x4004, Inst: 0x2222, Satp: 0x3}
	buf.Push(follower)

	res := m.Resolve(leader)
	if res.Kind != matcher.Matched {
		t.Fatalf("Kind = %v, want Matched", res.Kind)
	}
	if !follower.Resolved || follower.Bin != prog {
		t.Fatalf("follower not back-propagated: %+v", follower)
	}

	// Re-resolve follower alone: step 3 (prior resolution valid) must find
	// it still corroborated.
	res2 := m.Resolve(follower)
	if res2.Kind != matcher.Matched || res2.Bin != prog {
		t.Fatalf("re-resolve = %+v, want Matched/prog", res2)
	}
}

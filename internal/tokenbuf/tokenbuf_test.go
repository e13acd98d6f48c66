package tokenbuf_test

import (
	"testing"

	"github.com/fireperf/tracerv/internal/token"
	"github.com/fireperf/tracerv/internal/tokenbuf"
)

func TestPushPopFIFO(t *testing.T) {
	b := tokenbuf.New(4)
	for i := uint64(0); i < 3; i++ {
		b.Push(&token.Token{CycleCount: i})
	}
	if b.Len() != 3 {
		t.Fatalf("Len = %d, want 3", b.Len())
	}
	for i := uint64(0); i < 3; i++ {
		got := b.Pop()
		if got == nil || got.CycleCount != i {
			t.Fatalf("Pop() = %+v, want cycle %d", got, i)
		}
	}
	if b.Pop() != nil {
		t.Fatalf("Pop() on empty buffer should return nil")
	}
}

func TestCompactReclaimsDeadPrefix(t *testing.T) {
	b := tokenbuf.New(8)
	for i := 0; i < 20; i++ {
		b.Push(&token.Token{CycleCount: uint64(i)})
		if b.Len() > 2 {
			b.Pop()
		}
	}
	// Surviving behavior matters more than internal layout: the buffer must
	// still report consistent, small occupancy after many push/pop cycles
	// that repeatedly trigger compaction.
	if b.Len() > 2 {
		t.Fatalf("Len = %d, want <= 2 after repeated push/pop", b.Len())
	}
}

func TestScanMutateAppliesInPlace(t *testing.T) {
	b := tokenbuf.New(4)
	b.Push(&token.Token{IAddr: 1})
	b.Push(&token.Token{IAddr: 2})

	b.ScanMutate(func(tok *token.Token) { tok.Resolved = true })

	for _, tok := range b.Drain() {
		if !tok.Resolved {
			t.Fatalf("token %+v was not mutated in place", tok)
		}
	}
}

func TestNeighborsRespectsLimitAndFilter(t *testing.T) {
	b := tokenbuf.New(8)
	b.Push(&token.Token{Satp: 1, Priv: 0})
	b.Push(&token.Token{Satp: 2, Priv: 0})
	b.Push(&token.Token{Satp: 1, Priv: 1}) // kernel: excluded by filter
	b.Push(&token.Token{Satp: 1, Priv: 0})

	got := b.Neighbors(2, func(tok *token.Token) bool {
		return tok.Satp == 1 && tok.Priv == 0
	})
	if len(got) != 2 {
		t.Fatalf("Neighbors returned %d, want 2", len(got))
	}
}

func TestDrainEmptiesBuffer(t *testing.T) {
	b := tokenbuf.New(4)
	b.Push(&token.Token{CycleCount: 1})
	b.Push(&token.Token{CycleCount: 2})

	drained := b.Drain()
	if len(drained) != 2 {
		t.Fatalf("Drain returned %d tokens, want 2", len(drained))
	}
	if b.Len() != 0 {
		t.Fatalf("Len = %d after Drain, want 0", b.Len())
	}
}

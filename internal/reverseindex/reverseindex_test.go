package reverseindex_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/reverseindex"
)

func TestInsertAndCandidates(t *testing.T) {
	progA := binload.New("progA", binload.KindUser, 0x10000)
	progB := binload.New("progB", binload.KindUser, 0x20000)

	idx := reverseindex.New()
	idx.Insert(0x10000, 0xabcd, progA)
	idx.Insert(0x20000, 0xabcd, progB)

	got := idx.Candidates(0x10000, 0xabcd)
	if len(got) != 2 {
		t.Fatalf("Candidates returned %d, want 2", len(got))
	}
	if got[0].Bin != progA || got[0].PageBase != 0x10000 {
		t.Errorf("got[0] = %+v, want progA @0x10000", got[0])
	}
	if got[1].Bin != progB || got[1].PageBase != 0x20000 {
		t.Errorf("got[1] = %+v, want progB @0x20000", got[1])
	}
}

func TestCandidatesDistinguishesSlot(t *testing.T) {
	prog := binload.New("prog", binload.KindUser, 0x1000)

	idx := reverseindex.New()
	idx.Insert(0x1000, 0x1111, prog) // slot 0
	idx.Insert(0x1002, 0x2222, prog) // slot 1 (next 2-byte-aligned instruction)

	if len(idx.Candidates(0x1000, 0x1111)) != 1 {
		t.Errorf("expected one candidate at slot for addr 0x1000")
	}
	if len(idx.Candidates(0x1000, 0x2222)) != 0 {
		t.Errorf("instruction word from a different slot must not match")
	}
	if len(idx.Candidates(0x1002, 0x2222)) != 1 {
		t.Errorf("expected one candidate at slot for addr 0x1002")
	}
}

func TestCandidatesEmptyForUnknown(t *testing.T) {
	idx := reverseindex.New()
	if got := idx.Candidates(0x5000, 0xdead); got != nil {
		t.Errorf("Candidates on empty index = %+v, want nil", got)
	}
}

func TestContains(t *testing.T) {
	progA := binload.New("progA", binload.KindUser, 0x10000)
	progB := binload.New("progB", binload.KindUser, 0x20000)

	idx := reverseindex.New()
	idx.Insert(0x10000, 0xabcd, progA)

	sites := idx.Candidates(0x10000, 0xabcd)
	if !reverseindex.Contains(sites, progA, 0x10000) {
		t.Errorf("Contains should find progA @0x10000")
	}
	if reverseindex.Contains(sites, progB, 0x20000) {
		t.Errorf("Contains should not find progB, never inserted")
	}
	if reverseindex.Contains(sites, progA, 0x11000) {
		t.Errorf("Contains should not match progA at the wrong page base")
	}
}

func TestBuildFromHexDump(t *testing.T) {
	prog := binload.New("prog", binload.KindUser, 0x1000)
	idx := reverseindex.New()

	input := `
0x1000 0xaaaa
malformed
0x1002 0xbbbb
`
	tmp := filepath.Join(t.TempDir(), "hex")
	if err := os.WriteFile(tmp, []byte(input), 0o644); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	skipped, err := idx.BuildFromHexDump(tmp, prog)
	if err != nil {
		t.Fatalf("BuildFromHexDump: %v", err)
	}
	if skipped != 1 {
		t.Fatalf("skipped = %d, want 1", skipped)
	}
	if len(idx.Candidates(0x1000, 0xaaaa)) != 1 {
		t.Errorf("expected entry for 0x1000/0xaaaa")
	}
	if len(idx.Candidates(0x1002, 0xbbbb)) != 1 {
		t.Errorf("expected entry for 0x1002/0xbbbb")
	}
}

package binload

import (
	"strings"
	"testing"
)

func TestParseHexDump(t *testing.T) {
	input := `
0x1000 0x0000abcd
2000 dead
malformed-line-one-token
0x3000 not-hex
0x4000 cafe
`
	entries, skipped, err := ParseHexDump(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseHexDump: %v", err)
	}
	if skipped != 2 {
		t.Fatalf("skipped = %d, want 2", skipped)
	}
	want := []HexEntry{
		{Addr: 0x1000, Inst: 0xabcd},
		{Addr: 0x2000, Inst: 0xdead},
		{Addr: 0x4000, Inst: 0xcafe},
	}
	if len(entries) != len(want) {
		t.Fatalf("entries = %+v, want %+v", entries, want)
	}
	for i, e := range entries {
		if e != want[i] {
			t.Errorf("entries[%d] = %+v, want %+v", i, e, want[i])
		}
	}
}

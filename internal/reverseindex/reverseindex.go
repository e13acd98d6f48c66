// Package reverseindex implements the reverse instruction index (§4.2): a
// mapping from (page-offset slot, raw instruction word) to the set of
// (binary, page base) candidate sites that could have produced it. It is
// built once at startup from each user binary's hex dump and is immutable
// thereafter.
package reverseindex

import (
	"fmt"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/token"
)

// Site is one candidate (binary, page base) pair: a claim that the bytes at
// a given page offset, if loaded from this binary's page starting at
// PageBase, would equal the instruction word the index bucketed it under.
type Site struct {
	Bin      *binload.Binary
	PageBase uint64
}

// Index is the immutable reverse instruction index. The zero value is not
// usable; construct with New, then fill with Insert or BuildFromHexDump.
type Index struct {
	// buckets[slot][inst] = candidate sites. slot is token.PageOffsetHalf(addr).
	buckets []map[uint64][]Site
}

// New allocates an empty Index with one bucket per instruction slot in a
// page (§3 Page constants).
func New() *Index {
	idx := &Index{buckets: make([]map[uint64][]Site, token.InstrSlotsPerPage)}
	for i := range idx.buckets {
		idx.buckets[i] = make(map[uint64][]Site)
	}
	return idx
}

// Insert adds one (binary, page_base) candidate for the instruction word
// inst observed at virtual address addr. Duplicate (bin, pageBase) pairs
// under the same bucket are permitted and harmless; bucket order is
// insertion order, which the matcher's determinism requirement (§4.4)
// depends on.
func (idx *Index) Insert(addr, inst uint64, bin *binload.Binary) {
	slot := token.PageOffsetHalf(addr)
	pageBase := token.PageBase(addr)
	idx.buckets[slot][inst] = append(idx.buckets[slot][inst], Site{Bin: bin, PageBase: pageBase})
}

// BuildFromHexDump inserts every (addr, inst) pair parsed from a user
// binary's hex dump file. It is the loader-facing half of "Built once from
// each user binary's hex dump" (§4.2); callers typically invoke this once
// per user binary returned by binload.Load, passing the path returned by
// the on-disk layout convention (§6): <dwarf_dir>/user/<prog>/hex.
//
// It returns the number of malformed lines skipped (§7); a malformed line
// never aborts construction.
func (idx *Index) BuildFromHexDump(hexPath string, bin *binload.Binary) (skipped int, err error) {
	entries, skipped, err := binload.ParseHexDumpFile(hexPath)
	if err != nil {
		return skipped, fmt.Errorf("reverseindex: parse %q: %w", hexPath, err)
	}
	for _, e := range entries {
		idx.Insert(e.Addr, e.Inst, bin)
	}
	return skipped, nil
}

// Candidates returns the candidate sites for the (iaddr, inst) pair,
// iterated in insertion order. The returned slice must not be mutated by
// the caller; it is shared with the index's internal storage.
func (idx *Index) Candidates(iaddr, inst uint64) []Site {
	slot := token.PageOffsetHalf(iaddr)
	return idx.buckets[slot][inst]
}

// Contains reports whether sites includes a candidate matching bin at
// pageBase. Used by the matcher's multi-instruction disambiguation pass
// (§4.4 step 5) to verify a neighbor token corroborates a candidate site.
func Contains(sites []Site, bin *binload.Binary, pageBase uint64) bool {
	for _, s := range sites {
		if s.Bin == bin && s.PageBase == pageBase {
			return true
		}
	}
	return false
}

// Package token defines the Token value that flows through the tracerv
// pipeline, along with the page-arithmetic helpers shared by the reverse
// index, the matcher, and the dispatcher.
package token

import "github.com/fireperf/tracerv/internal/binload"

const (
	// PageSize is the MMU page size assumed when resolving user-space
	// instruction addresses to a binary's page-aligned text.
	PageSize = 4096

	// InstrSlotsPerPage is the number of 2-byte-aligned instruction slots
	// in one page (PageSize / 2).
	InstrSlotsPerPage = PageSize / 2

	// DRAMRoot is the canonical physical base the kernel's high-half virtual
	// mapping is offset from when resolving by the DRAM-root fast path.
	DRAMRoot = 0x8000_0000

	// ValidMask is the bit marking a beat slot as carrying a retired
	// instruction; it sits above the 40 significant address bits.
	ValidMask = uint64(1) << 40

	// StreamWidthBytes is the width of one beat: 8 uint64 words.
	StreamWidthBytes = 8 * 8
)

// PageBase returns the page-aligned base address containing addr.
func PageBase(addr uint64) uint64 {
	return (addr >> 12) << 12
}

// PageOffsetHalf returns the 2-byte-aligned instruction slot within addr's
// page: (addr mod PageSize) >> 1. RISC-V instructions are at minimum 2-byte
// aligned (compressed extension), so this is the finest granularity the
// reverse index needs to key on.
func PageOffsetHalf(addr uint64) uint32 {
	return uint32((addr % PageSize) >> 1)
}

// SignExtend40 sign-extends the low 40 bits of raw to a full 64-bit address,
// mirroring the simulated core's 40-bit address bus.
func SignExtend40(raw uint64) uint64 {
	return uint64((int64(raw<<24) >> 24))
}

// Token is one decoded per-instruction record derived from a beat slot.
// Before resolution, Bin/InstrMeta/PageBase are zero; the matcher fills them
// in (or routes the token to the synthetic misc tracker).
type Token struct {
	CycleCount uint64
	IAddr      uint64
	Inst       uint64 // raw instruction word; low 32 bits significant
	Satp       uint64 // opaque address-space id, compared only for equality
	Priv       uint8  // 0 = user, non-zero = kernel/higher privilege

	// Resolved fields, populated by the matcher.
	Resolved  bool
	Bin       *binload.Binary // owning binary; nil until resolved
	PageBase  uint64
	InstrMeta *binload.Instr // nil until resolved, or on an AmbiguousBinary token

	// AmbiguousBinary is set when multiple candidate sites agreed on the
	// owning binary but not on the specific instruction (§9 Open Question,
	// resolved: routed to that binary's tracker under the "UNKNOWN" label
	// rather than to misc).
	AmbiguousBinary bool
}

// IsKernel reports whether priv indicates a non-user privilege level.
func (t *Token) IsKernel() bool {
	return t.Priv != 0
}

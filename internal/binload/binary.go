// Package binload loads the binaries the tracerv pipeline resolves
// instructions against: the kernel image and zero or more user-space
// programs, each described by an ELF file with DWARF debug info plus (for
// user binaries) a hex dump of its text section used to seed the reverse
// instruction index.
//
// This package is a thin wrapper around the standard library's debug/elf and
// debug/dwarf packages. The spec this pipeline implements treats "how the
// binary loader parses DWARF/ELF" as an external concern — callers of this
// package only depend on Binary and Instr, never on DWARF/ELF types
// directly.
package binload

// Kind distinguishes the one kernel binary from the zero-or-more user
// binaries. The matcher branches on Kind for its two kernel-only fast paths
// rather than treating Binary as a base type with Kernel/User subtypes.
type Kind int

const (
	KindUser Kind = iota
	KindKernel
)

func (k Kind) String() string {
	if k == KindKernel {
		return "kernel"
	}
	return "user"
}

// Instr is one instruction in a Binary's text, as produced by the loader.
type Instr struct {
	Addr          uint64
	FunctionName  string
	IsFnEntry     bool
	IsCallsite    bool
	InAsmSequence bool
}

// Binary is a loaded kernel or user-space program: a name, a base address,
// and a text section indexed by (addr - BaseAddr). Identity is by pointer;
// Name is informational only. Binary is read-only after Load returns.
type Binary struct {
	Name     string
	Kind     Kind
	BaseAddr uint64

	// text is indexed by (addr - BaseAddr). Only the offsets at which an
	// instruction starts (as decoded from .text, 2 or 4 bytes wide) are
	// populated; offsets inside a 4-byte instruction are nil. The hex dump
	// does not populate text; it only seeds the reverse index.
	text []*Instr
}

// New constructs an empty Binary for kind with the given base address and no
// recorded instructions. Used by tests and by any caller building a Binary
// without a real ELF/DWARF fixture; Load uses a literal instead since it
// already has the section address in hand.
func New(name string, kind Kind, baseAddr uint64) *Binary {
	return &Binary{Name: name, Kind: kind, BaseAddr: baseAddr}
}

// Set records instr at absolute address addr, growing the text slice if
// necessary. Exported so construction (tests, or any non-ELF source of
// instructions) does not need byte-offset arithmetic.
func (b *Binary) Set(addr uint64, instr *Instr) {
	b.setInstr(addr-b.BaseAddr, instr)
}

// Len returns the number of bytes spanned by the binary's text section, i.e.
// the valid range for (addr - BaseAddr) is [0, Len()).
func (b *Binary) Len() int {
	return len(b.text)
}

// Lookup returns the Instr at addr, or nil if addr is out of range or falls
// on a byte offset the loader did not record an instruction at.
func (b *Binary) Lookup(addr uint64) *Instr {
	if addr < b.BaseAddr {
		return nil
	}
	off := addr - b.BaseAddr
	if off >= uint64(len(b.text)) {
		return nil
	}
	return b.text[off]
}

// InstrAt returns the Instr at byte offset off within the text section, or
// nil if off is out of range or unpopulated. Unlike Lookup, off is already
// relative to BaseAddr; this is the form the matcher uses once it has
// computed a candidate's page-relative offset.
func (b *Binary) InstrAt(off uint64) *Instr {
	if off >= uint64(len(b.text)) {
		return nil
	}
	return b.text[off]
}

// Contains reports whether addr falls within [BaseAddr, BaseAddr+Len()).
func (b *Binary) Contains(addr uint64) bool {
	return addr >= b.BaseAddr && addr-b.BaseAddr < uint64(len(b.text))
}

// growText ensures the text slice can hold an entry at byte offset off,
// extending it with nils as needed. Loader-internal; exported loaders in
// this package call it while building a Binary.
func (b *Binary) growText(off uint64) {
	need := int(off) + 1
	if need <= len(b.text) {
		return
	}
	grown := make([]*Instr, need)
	copy(grown, b.text)
	b.text = grown
}

// setInstr records instr at byte offset off, growing the text slice if
// necessary.
func (b *Binary) setInstr(off uint64, instr *Instr) {
	b.growText(off)
	b.text[off] = instr
}

// Package matcher implements the resolution procedure (§4.4): attributing a
// retired instruction token to the binary and Instr that produced it, using
// the kernel's known base address, the reverse instruction index, and
// multi-token disambiguation against the retired-token buffer.
package matcher

import (
	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/reverseindex"
	"github.com/fireperf/tracerv/internal/token"
	"github.com/fireperf/tracerv/internal/tokenbuf"
)

// Kind classifies a resolution outcome.
type Kind int

const (
	// Unmatched means no binary could be attributed; the caller routes the
	// token to the misc tracker under the synthetic USERSPACE_ALL label.
	Unmatched Kind = iota
	// Matched means token.Bin/PageBase/InstrMeta were filled in.
	Matched
	// AmbiguousBinary means every surviving candidate agreed on the owning
	// binary but not on the specific Instr (§9 Open Question, bullet 1):
	// routed to that binary's own tracker under the synthetic "UNKNOWN"
	// label rather than to misc.
	AmbiguousBinary
)

// Resolution is the outcome of resolving one token.
type Resolution struct {
	Kind  Kind
	Token *token.Token
	// Bin is set for both Matched and AmbiguousBinary; nil for Unmatched.
	Bin *binload.Binary
}

// Matcher holds the state the resolution procedure needs beyond the token
// itself: the kernel binary, the reverse index built from user binaries, and
// the retired-token buffer used for disambiguation and back-propagation.
//
// Matcher is not safe for concurrent use; the core is single-threaded
// cooperative (§5).
type Matcher struct {
	kernel        *binload.Binary
	index         *reverseindex.Index
	buf           *tokenbuf.Buffer
	matchingDepth int

	matchedCount    uint64
	unmatchedCount  uint64
	ambiguousCount  uint64
}

// New constructs a Matcher. matchingDepth is MATCHING_DEPTH (§4.4 step 5):
// the maximum number of corroborating neighbor tokens consulted during
// multi-token disambiguation.
func New(kernel *binload.Binary, index *reverseindex.Index, buf *tokenbuf.Buffer, matchingDepth int) *Matcher {
	return &Matcher{kernel: kernel, index: index, buf: buf, matchingDepth: matchingDepth}
}

// MatchedCount, UnmatchedCount, AmbiguousBinaryCount are running totals
// exposed to the status service and the metrics exporter.
func (m *Matcher) MatchedCount() uint64        { return m.matchedCount }
func (m *Matcher) UnmatchedCount() uint64      { return m.unmatchedCount }
func (m *Matcher) AmbiguousBinaryCount() uint64 { return m.ambiguousCount }

// Resolve runs the resolution procedure (§4.4 steps 1-6) against tok, which
// must already be the token popped from the front of the retired buffer (the
// caller's responsibility, mirroring "pops the oldest token and resolves
// it"). Resolve may mutate other tokens still in the buffer via
// back-propagation (step 6, |M|=1 case).
func (m *Matcher) Resolve(tok *token.Token) Resolution {
	// Step 1: kernel by base address.
	if m.kernel != nil && m.kernel.Contains(tok.IAddr) {
		tok.Bin = m.kernel
		tok.PageBase = token.PageBase(tok.IAddr)
		tok.Resolved = true
		tok.InstrMeta = m.kernel.Lookup(tok.IAddr)
		m.matchedCount++
		return Resolution{Kind: Matched, Token: tok, Bin: m.kernel}
	}

	// Step 2: kernel by DRAM root.
	if m.kernel != nil && tok.IAddr >= token.DRAMRoot {
		off := tok.IAddr - token.DRAMRoot
		if off < uint64(m.kernel.Len()) {
			tok.Bin = m.kernel
			tok.PageBase = token.PageBase(tok.IAddr)
			tok.Resolved = true
			tok.InstrMeta = m.kernel.InstrAt(off)
			m.matchedCount++
			return Resolution{Kind: Matched, Token: tok, Bin: m.kernel}
		}
	}

	// Step 3: prior resolution still valid?
	if tok.InstrMeta != nil && tok.Bin != nil {
		sites := m.index.Candidates(tok.IAddr, tok.Inst)
		if reverseindex.Contains(sites, tok.Bin, tok.PageBase) {
			m.matchedCount++
			return Resolution{Kind: Matched, Token: tok, Bin: tok.Bin}
		}
		tok.Bin = nil
		tok.InstrMeta = nil
		tok.PageBase = 0
		tok.Resolved = false
	}

	// Step 4: candidate enumeration.
	candidates := m.index.Candidates(tok.IAddr, tok.Inst)
	if len(candidates) == 0 {
		m.unmatchedCount++
		return Resolution{Kind: Unmatched, Token: tok}
	}

	// Step 5: multi-token disambiguation.
	tokenPage := token.PageBase(tok.IAddr)
	neighbors := m.buf.Neighbors(m.matchingDepth, func(n *token.Token) bool {
		return !n.IsKernel() && n.Satp == tok.Satp
	})

	survivors := make([]reverseindex.Site, 0, len(candidates))
	for _, s := range candidates {
		ok := true
		for _, nb := range neighbors {
			nbCandidates := m.index.Candidates(nb.IAddr, nb.Inst)
			wantPageBase := token.PageBase(nb.IAddr) - tokenPage + s.PageBase
			if !reverseindex.Contains(nbCandidates, s.Bin, wantPageBase) {
				ok = false
				break
			}
		}
		if ok {
			survivors = append(survivors, s)
		}
	}

	// Step 6: classify.
	switch {
	case len(survivors) == 0:
		m.unmatchedCount++
		return Resolution{Kind: Unmatched, Token: tok}

	case len(survivors) == 1:
		s := survivors[0]
		tok.Bin = s.Bin
		tok.PageBase = s.PageBase
		idx := (tok.IAddr % token.PageSize) + s.PageBase - s.Bin.BaseAddr
		tok.InstrMeta = s.Bin.InstrAt(idx)
		tok.Resolved = true
		m.backPropagate(tok, s)
		m.matchedCount++
		return Resolution{Kind: Matched, Token: tok, Bin: s.Bin}

	default:
		sameBin := true
		for _, s := range survivors[1:] {
			if s.Bin != survivors[0].Bin {
				sameBin = false
				break
			}
		}
		if sameBin {
			tok.AmbiguousBinary = true
			tok.Bin = survivors[0].Bin
			m.ambiguousCount++
			return Resolution{Kind: AmbiguousBinary, Token: tok, Bin: survivors[0].Bin}
		}
		m.unmatchedCount++
		return Resolution{Kind: Unmatched, Token: tok}
	}
}

// backPropagate stamps every still-buffered user-space token sharing tok's
// address space with the resolution implied by the newly matched site s
// (§4.4 step 6, |M|=1 case).
func (m *Matcher) backPropagate(tok *token.Token, s reverseindex.Site) {
	tokenPage := token.PageBase(tok.IAddr)
	m.buf.ScanMutate(func(t *token.Token) {
		if t == tok || t.Satp != tok.Satp || t.IsKernel() {
			return
		}
		pb := token.PageBase(t.IAddr) + s.PageBase - tokenPage
		idx := (t.IAddr % token.PageSize) + pb - s.Bin.BaseAddr
		if idx >= uint64(s.Bin.Len()) {
			return
		}
		t.Bin = s.Bin
		t.PageBase = pb
		t.InstrMeta = s.Bin.InstrAt(idx)
		t.Resolved = true
	})
}

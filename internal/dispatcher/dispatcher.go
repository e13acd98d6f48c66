// Package dispatcher implements the top-level pipeline (§4.6): pulling beats
// from a BeatSource, decoding them into tokens, pushing them through the
// Matcher and retired-token buffer, and routing resolved tokens to the
// correct per-binary Trace Tracker.
package dispatcher

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"

	"github.com/fireperf/tracerv/internal/binload"
	"github.com/fireperf/tracerv/internal/matcher"
	"github.com/fireperf/tracerv/internal/token"
	"github.com/fireperf/tracerv/internal/tokenbuf"
	"github.com/fireperf/tracerv/internal/tracetracker"
)

// BeatSource is the interface the Dispatcher pulls from (C9).
type BeatSource interface {
	Pull(dst []byte, streamDepth int) (n int, err error)
}

// RegionSink receives every start/end region emission, for the Live Region
// Publisher (C10) to mirror without the tracker depending on it directly.
type RegionSink interface {
	Publish(binary string, m tracetracker.LabelMeta, kind string)
}

// Config bundles the beat-decoding parameters the dispatcher needs (§4.6,
// and the overlapping fields of SPEC_FULL §4.8).
type Config struct {
	Userspace     bool
	MaxCoreIPC    int
	StreamDepth   int
	MatchingDepth int
	BufferSize    int
}

// Pipeline owns the single-threaded cooperative core: the Matcher, the
// retired-token buffer, and one Tracker per binary plus the synthetic misc
// tracker. It is driven by repeated calls to Tick (§5).
type Pipeline struct {
	cfg    Config
	src    BeatSource
	log    *slog.Logger
	buf    *tokenbuf.Buffer
	mtch   *matcher.Matcher
	kernel *binload.Binary
	users  []*binload.Binary

	trackers map[*binload.Binary]*tracetracker.Tracker
	misc     *tracetracker.Tracker
	sink     RegionSink

	scratch []byte

	tokensProcessed uint64
}

// New constructs a Pipeline. trackerOut must supply one io.Writer per
// binary (keyed by pointer identity, matching kernel/users) plus the
// synthetic "misc" writer; the caller (C12) owns opening/closing those
// files per the scoped-acquisition resource rule (§5).
func New(cfg Config, src BeatSource, log *slog.Logger, kernel *binload.Binary, users []*binload.Binary,
	idx *matcher.Matcher, trackerOut map[*binload.Binary]io.Writer, miscOut io.Writer, sink RegionSink) *Pipeline {

	p := &Pipeline{
		cfg:      cfg,
		src:      src,
		log:      log,
		buf:      tokenbuf.New(cfg.BufferSize),
		mtch:     idx,
		kernel:   kernel,
		users:    users,
		trackers: make(map[*binload.Binary]*tracetracker.Tracker, len(users)+1),
		misc:     tracetracker.New("misc", miscOut),
		sink:     sink,
		scratch:  make([]byte, cfg.StreamDepth*int(token.StreamWidthBytes)),
	}
	if kernel != nil {
		p.trackers[kernel] = tracetracker.New(kernel.Name, trackerOut[kernel])
	}
	for _, u := range users {
		p.trackers[u] = tracetracker.New(u.Name, trackerOut[u])
	}
	return p
}

// TokensProcessed is a running counter exposed to the status service.
func (p *Pipeline) TokensProcessed() uint64 { return p.tokensProcessed }

// BufferDepth reports the current retired-buffer occupancy.
func (p *Pipeline) BufferDepth() int { return p.buf.Len() }

// Matcher exposes the underlying matcher for counter reporting.
func (p *Pipeline) Matcher() *matcher.Matcher { return p.mtch }

// Trackers returns every tracker keyed by binary name, plus "misc", for
// status-service stack-depth snapshots.
func (p *Pipeline) Trackers() map[string]*tracetracker.Tracker {
	out := make(map[string]*tracetracker.Tracker, len(p.trackers)+1)
	for bin, tr := range p.trackers {
		out[bin.Name] = tr
	}
	out["misc"] = p.misc
	return out
}

// Tick performs at most one pull of up to StreamDepth beats and processes
// them synchronously (§5). It returns io.EOF once the source reports io.EOF
// or a pull returns zero bytes; Flush relies on the latter to stop draining.
func (p *Pipeline) Tick() error {
	n, err := p.src.Pull(p.scratch, p.cfg.StreamDepth)
	if n > 0 {
		p.decodeGroups(p.scratch[:n])
	}
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

// decodeGroups splits buf into STREAM_WIDTH_BYTES groups and decodes each
// into zero or more tokens (§4.6).
func (p *Pipeline) decodeGroups(buf []byte) {
	width := int(token.StreamWidthBytes)
	for off := 0; off+width <= len(buf); off += width {
		p.decodeGroup(buf[off : off+width])
	}
}

func (p *Pipeline) decodeGroup(group []byte) {
	words := make([]uint64, 8)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(group[i*8 : i*8+8])
	}
	cycle := words[0]

	if p.cfg.Userspace {
		valid := words[1]&token.ValidMask != 0
		if !valid {
			return
		}
		t := &token.Token{
			CycleCount: cycle,
			IAddr:      token.SignExtend40(words[1]),
			Inst:       words[2],
			Satp:       words[3],
			Priv:       uint8(words[4]),
		}
		p.ingest(t)
		return
	}

	maxSlots := p.cfg.MaxCoreIPC
	if maxSlots > 7 {
		maxSlots = 7
	}
	for q := 0; q < maxSlots; q++ {
		word := words[1+q]
		if word&token.ValidMask == 0 {
			break
		}
		t := &token.Token{
			CycleCount: cycle,
			IAddr:      token.SignExtend40(word),
			Inst:       0,
			Satp:       0,
			Priv:       0,
		}
		p.ingest(t)
	}
}

// ingest appends t to the retired buffer and, once the buffer has reached
// its configured capacity, resolves and forwards the oldest token (§4.4
// entry point).
func (p *Pipeline) ingest(t *token.Token) {
	p.buf.Push(t)
	if p.buf.Len() >= p.buf.Capacity() {
		p.resolveOne()
	}
}

func (p *Pipeline) resolveOne() {
	tok := p.buf.Pop()
	if tok == nil {
		return
	}
	res := p.mtch.Resolve(tok)
	p.tokensProcessed++
	p.route(res)
}

func (p *Pipeline) route(res matcher.Resolution) {
	tok := res.Token
	switch res.Kind {
	case matcher.Matched:
		tr, ok := p.trackers[res.Bin]
		if !ok {
			p.log.Warn("dispatcher: resolved token routed to unknown binary", "addr", tok.IAddr)
			return
		}
		label := tracetracker.LabelUserspaceAll
		if tok.InstrMeta != nil {
			label = tok.InstrMeta.FunctionName
		}
		tr.AddInstruction(tok.CycleCount, tok.IAddr, tok.InstrMeta, label)
		p.publish(tr, res.Bin.Name)

	case matcher.AmbiguousBinary:
		tr, ok := p.trackers[res.Bin]
		if !ok {
			p.log.Warn("dispatcher: ambiguous token routed to unknown binary", "addr", tok.IAddr)
			return
		}
		tr.AddInstruction(tok.CycleCount, tok.IAddr, nil, tracetracker.LabelUnknown)
		p.publish(tr, res.Bin.Name)

	default: // Unmatched
		p.misc.AddInstruction(tok.CycleCount, tok.IAddr, nil, tracetracker.LabelUserspaceAll)
		p.publish(p.misc, "misc")
	}
}

func (p *Pipeline) publish(tr *tracetracker.Tracker, name string) {
	if p.sink == nil {
		return
	}
	if top, ok := tr.Top(); ok {
		p.sink.Publish(name, top, "start")
	}
}

// Flush drains the source until exhausted, then drains the retired buffer
// synthetically (resolving every remaining token), then flushes every
// tracker (§5 Cancellation).
func (p *Pipeline) Flush() error {
	for {
		err := p.Tick()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("dispatcher: flush pull: %w", err)
		}
	}
	for p.buf.Len() > 0 {
		p.resolveOne()
	}
	for _, tr := range p.trackers {
		tr.Flush()
	}
	p.misc.Flush()
	return nil
}

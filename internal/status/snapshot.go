package status

import "sync"

// BinaryStats is one tracker's stack depth and recent region history, as of
// the last Snapshot.Update call.
type BinaryStats struct {
	Name    string       `json:"name"`
	Depth   int          `json:"depth"`
	Regions []RegionLine `json:"-"`
}

// RegionLine is one recorded start/end region record, kept in a small ring
// per binary for the /api/v1/regions endpoint.
type RegionLine struct {
	Kind   string `json:"kind"` // "start" or "end"
	Label  string `json:"label"`
	Indent int    `json:"indent"`
	Cycle  uint64 `json:"cycle"`
}

const regionRingSize = 256

// Stats is the JSON body of /api/v1/stats.
type Stats struct {
	RunID            string        `json:"run_id"`
	TokensProcessed  uint64        `json:"tokens_processed"`
	Matched          uint64        `json:"matched"`
	Unmatched        uint64        `json:"unmatched"`
	AmbiguousBinary  uint64        `json:"ambiguous_binary"`
	BufferDepth      int           `json:"buffer_depth"`
	Binaries         []BinaryStats `json:"binaries"`
}

// Snapshot is the lock-protected view of pipeline state the Status/Query
// Service reads from a different goroutine than the single-threaded
// cooperative core that writes it (§5 "ADDED" concurrency note). The core
// never blocks on Snapshot: Update is called once per Tick and returns
// immediately.
type Snapshot struct {
	mu    sync.RWMutex
	runID string
	stats Stats
	rings map[string][]RegionLine
}

// NewSnapshot constructs an empty Snapshot for the given run.
func NewSnapshot(runID string) *Snapshot {
	return &Snapshot{runID: runID, rings: make(map[string][]RegionLine)}
}

// Update replaces the current counters and per-binary stack depths. Called
// by the core (C12's main loop) after each Tick; never called concurrently
// with itself.
func (s *Snapshot) Update(tokensProcessed, matched, unmatched, ambiguous uint64, bufferDepth int, depths map[string]int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = Stats{
		RunID:           s.runID,
		TokensProcessed: tokensProcessed,
		Matched:         matched,
		Unmatched:       unmatched,
		AmbiguousBinary: ambiguous,
		BufferDepth:     bufferDepth,
	}
	for name, depth := range depths {
		s.stats.Binaries = append(s.stats.Binaries, BinaryStats{Name: name, Depth: depth})
	}
}

// RecordRegion appends one region record to binary's ring, evicting the
// oldest entry once regionRingSize is exceeded. Called by the core
// alongside Update.
func (s *Snapshot) RecordRegion(binary string, line RegionLine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.rings[binary]
	ring = append(ring, line)
	if len(ring) > regionRingSize {
		ring = ring[len(ring)-regionRingSize:]
	}
	s.rings[binary] = ring
}

// Stats returns a copy of the current counters, safe to call from the HTTP
// handler goroutine.
func (s *Snapshot) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// Regions returns up to limit of the most recent region records for binary,
// newest last.
func (s *Snapshot) Regions(binary string, limit int) []RegionLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[binary]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]RegionLine, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

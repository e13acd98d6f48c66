// Package bridge implements the concrete BeatSource transports the
// Dispatcher (C6) pulls from (§4.9): a plain io.Reader wrapper for replay and
// testing, and a gRPC-backed transport for running disconnected from real
// FPGA DMA hardware.
package bridge

import (
	"fmt"
	"io"

	"github.com/fireperf/tracerv/internal/token"
)

// ReaderBeatSource wraps an io.Reader (a file, a pipe, a captured
// trace-test-output dump) as a BeatSource. It performs no buffering beyond
// what io.Reader itself does; callers size dst to a whole multiple of
// STREAM_WIDTH_BYTES.
type ReaderBeatSource struct {
	r io.Reader
}

// NewReaderBeatSource wraps r.
func NewReaderBeatSource(r io.Reader) *ReaderBeatSource {
	return &ReaderBeatSource{r: r}
}

// Pull reads up to streamDepth beats into dst. A short read is not an error;
// io.EOF propagates once r is exhausted. dst is truncated to the largest
// whole multiple of STREAM_WIDTH_BYTES that fits streamDepth beats.
func (s *ReaderBeatSource) Pull(dst []byte, streamDepth int) (int, error) {
	want := streamDepth * int(token.StreamWidthBytes)
	if want > len(dst) {
		want = len(dst)
	}
	if want <= 0 {
		return 0, nil
	}
	n, err := io.ReadFull(s.r, dst[:want])
	if err == io.ErrUnexpectedEOF {
		// A partial final beat group; surface what we have and let the next
		// Pull observe io.EOF.
		return n, nil
	}
	if err != nil && err != io.EOF {
		return n, fmt.Errorf("bridge: read beats: %w", err)
	}
	return n, err
}

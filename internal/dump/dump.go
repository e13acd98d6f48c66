// Package dump implements the thin plain-format dumpers for
// trace-output-format 0 (human-readable), trace-output-format 1 (raw
// little-endian binary), and trace-test-output (concatenated hex lines).
// None of these touch the matcher/tracker pipeline (spec.md §6: "only mode
// 2 uses the matcher + tracker pipeline").
package dump

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fireperf/tracerv/internal/token"
)

// Raw copies beats verbatim from src to dst until src is exhausted
// (trace-output-format 1).
func Raw(dst io.Writer, src io.Reader) (int64, error) {
	n, err := io.Copy(dst, src)
	if err != nil {
		return n, fmt.Errorf("dump: raw copy: %w", err)
	}
	return n, nil
}

// Human reads beats from src and writes one line per 8-word group to dst in
// a human-readable form: "cycle=<c> word1=<hex> ... word7=<hex>"
// (trace-output-format 0).
func Human(dst io.Writer, src io.Reader) error {
	width := int(token.StreamWidthBytes)
	buf := make([]byte, width)
	for {
		_, err := io.ReadFull(src, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dump: human read: %w", err)
		}

		words := make([]uint64, 8)
		for i := range words {
			words[i] = binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
		}
		if _, err := fmt.Fprintf(dst, "cycle=%d word1=%#016x word2=%#016x word3=%#016x word4=%#016x word5=%#016x word6=%#016x word7=%#016x\n",
			words[0], words[1], words[2], words[3], words[4], words[5], words[6], words[7]); err != nil {
			return fmt.Errorf("dump: human write: %w", err)
		}
	}
}

// TestOutput writes every 8-word beat group from src as a concatenated hex
// line to dst: one line per group, each word as 16 hex digits with no
// separator between words, matching
// "trace-test-output" (spec.md §6).
func TestOutput(dst io.Writer, src io.Reader) error {
	width := int(token.StreamWidthBytes)
	buf := make([]byte, width)
	for {
		_, err := io.ReadFull(src, buf)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("dump: test-output read: %w", err)
		}
		for i := 0; i < 8; i++ {
			word := binary.LittleEndian.Uint64(buf[i*8 : i*8+8])
			if _, err := fmt.Fprintf(dst, "%016x", word); err != nil {
				return fmt.Errorf("dump: test-output write: %w", err)
			}
		}
		if _, err := fmt.Fprintln(dst); err != nil {
			return fmt.Errorf("dump: test-output write: %w", err)
		}
	}
}

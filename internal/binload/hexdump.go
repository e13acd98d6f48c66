package binload

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"
)

// HexEntry is one parsed line of a user binary's hex dump: the address an
// instruction was loaded at, and the raw instruction word observed there.
type HexEntry struct {
	Addr uint64
	Inst uint64
}

// ParseHexDumpFile opens and parses the hex dump at path (§4.2, §6). It
// returns the successfully parsed entries and the number of lines skipped
// for being malformed; a malformed line never aborts the parse (§7).
func ParseHexDumpFile(path string) ([]HexEntry, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()
	return ParseHexDump(f)
}

// ParseHexDump parses whitespace-separated "addr inst" hex pairs, one per
// line, from r. Blank lines are ignored; a line with fewer than two tokens,
// or with a token that fails to parse as hex, is skipped and counted rather
// than treated as fatal.
func ParseHexDump(r io.Reader) ([]HexEntry, int, error) {
	var entries []HexEntry
	skipped := 0

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			skipped++
			continue
		}
		addr, err := strconv.ParseUint(strings.TrimPrefix(fields[0], "0x"), 16, 64)
		if err != nil {
			skipped++
			continue
		}
		inst, err := strconv.ParseUint(strings.TrimPrefix(fields[1], "0x"), 16, 64)
		if err != nil {
			skipped++
			continue
		}
		entries = append(entries, HexEntry{Addr: addr, Inst: inst})
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, err
	}
	return entries, skipped, nil
}

package binload

import (
	"debug/dwarf"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sort"
)

// fnRange is an address range attributed to one DW_TAG_subprogram DIE.
type fnRange struct {
	low, high uint64
	name      string
}

// Load reads the kernel binary at <dwarfDir>/kernel/<kernelFile> and every
// user binary under <dwarfDir>/user/<prog>/dwarf, returning the kernel
// Binary and the slice of user Binaries. It does not read the user hex
// dumps; that is ParseHexDump's job, invoked separately once the reverse
// index is being built (§4.2).
func Load(dwarfDir, kernelFile string) (kernel *Binary, users []*Binary, err error) {
	kernelPath := filepath.Join(dwarfDir, "kernel", kernelFile)
	kernel, err = loadBinary("kernel", KindKernel, kernelPath)
	if err != nil {
		return nil, nil, fmt.Errorf("binload: load kernel: %w", err)
	}

	userDir := filepath.Join(dwarfDir, "user")
	progs, err := listUserPrograms(userDir)
	if err != nil {
		return nil, nil, fmt.Errorf("binload: list user programs: %w", err)
	}

	for _, prog := range progs {
		path := filepath.Join(userDir, prog, "dwarf")
		bin, err := loadBinary(prog, KindUser, path)
		if err != nil {
			return nil, nil, fmt.Errorf("binload: load user binary %q: %w", prog, err)
		}
		users = append(users, bin)
	}

	return kernel, users, nil
}

// loadBinary opens path as an ELF file, walks its DWARF debug info to locate
// function boundaries and line-table coverage, and classifies every
// instruction in .text per §4.7.
func loadBinary(name string, kind Kind, path string) (*Binary, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()

	textSection := f.Section(".text")
	if textSection == nil {
		return nil, fmt.Errorf("%q: no .text section", path)
	}
	textData, err := textSection.Data()
	if err != nil {
		return nil, fmt.Errorf("%q: read .text: %w", path, err)
	}
	if len(textData) == 0 {
		return &Binary{Name: name, Kind: kind, BaseAddr: textSection.Addr}, nil
	}

	dw, err := f.DWARF()
	if err != nil {
		return nil, fmt.Errorf("%q: read DWARF: %w", path, err)
	}

	fns, lineAddrs, err := walkDWARF(dw)
	if err != nil {
		return nil, fmt.Errorf("%q: walk DWARF: %w", path, err)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].low < fns[j].low })

	bin := &Binary{Name: name, Kind: kind, BaseAddr: textSection.Addr}
	bin.growText(uint64(len(textData)) - 1)

	for off := 0; off < len(textData); {
		addr := textSection.Addr + uint64(off)
		firstHalf := uint16(textData[off])
		if off+1 < len(textData) {
			firstHalf = binary.LittleEndian.Uint16(textData[off:])
		}
		width := instrLen(firstHalf)
		if off+width > len(textData) {
			width = len(textData) - off
		}

		var raw uint32
		if width == 4 && off+4 <= len(textData) {
			raw = binary.LittleEndian.Uint32(textData[off:])
		} else {
			raw = uint32(firstHalf)
		}

		fnName, isEntry := findFunction(fns, addr)
		bin.setInstr(uint64(off), &Instr{
			Addr:          addr,
			FunctionName:  fnName,
			IsFnEntry:     isEntry,
			IsCallsite:    isCallInstr(raw, width),
			InAsmSequence: len(lineAddrs) > 0 && !lineAddrs[addr],
		})

		if width <= 0 {
			width = 2
		}
		off += width
	}

	return bin, nil
}

// walkDWARF collects every DW_TAG_subprogram's address range and every
// address the line table attributes to source, across all compile units.
func walkDWARF(dw *dwarf.Data) ([]fnRange, map[uint64]bool, error) {
	var fns []fnRange
	lineAddrs := make(map[uint64]bool)

	rdr := dw.Reader()
	for {
		entry, err := rdr.Next()
		if err != nil {
			return nil, nil, err
		}
		if entry == nil {
			break
		}

		switch entry.Tag {
		case dwarf.TagCompileUnit:
			lr, lerr := dw.LineReader(entry)
			if lerr != nil || lr == nil {
				continue
			}
			var le dwarf.LineEntry
			for {
				if nerr := lr.Next(&le); nerr != nil {
					break // io.EOF or malformed table: stop this CU's line walk
				}
				if !le.EndSequence {
					lineAddrs[le.Address] = true
				}
			}

		case dwarf.TagSubprogram:
			fnName, _ := entry.Val(dwarf.AttrName).(string)
			low, ok := entry.Val(dwarf.AttrLowpc).(uint64)
			if !ok || fnName == "" {
				continue
			}
			high := low + 1
			switch v := entry.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				// DWARF's high_pc may be an absolute address or an offset
				// from low_pc depending on its attribute class; debug/dwarf
				// surfaces both as uint64, so disambiguate by magnitude.
				if v > low {
					high = v
				} else {
					high = low + v
				}
			case int64:
				high = low + uint64(v)
			}
			if high <= low {
				high = low + 1
			}
			fns = append(fns, fnRange{low: low, high: high, name: fnName})
		}
	}

	return fns, lineAddrs, nil
}

// findFunction returns the name of the subprogram containing addr (via
// binary search over the sorted, non-overlapping fns ranges) and whether
// addr is exactly that subprogram's entry point.
func findFunction(fns []fnRange, addr uint64) (name string, isEntry bool) {
	i := sort.Search(len(fns), func(i int) bool { return fns[i].high > addr })
	if i < len(fns) && fns[i].low <= addr && addr < fns[i].high {
		return fns[i].name, addr == fns[i].low
	}
	return "", false
}

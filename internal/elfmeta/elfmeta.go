// Package elfmeta reads the ELF metadata an object-metadata provider
// needs before a text section can be crawled: the bounds of .text, and
// every address find_jumps_in_section_syms/find_jumps_in_section_rela
// mark as a jump target (function symbols sized into .text, and
// R_X86_64_RELATIVE-family relocation addends). Grounded on
// analyze_elfs.c, using the standard library's debug/elf -- the only
// package in the whole corpus that parses ELF section/symbol/
// relocation tables does so through debug/elf (see
// other_examples/...capability.go and the gvisor mm example), so this
// is the one place std-library use needs no further justification.
package elfmeta

import (
	"debug/elf"
	"fmt"

	"github.com/GBuella/syscall-intercept/internal/bitmap"
)

// Text describes the bounds and backing-file offset of an object's
// .text section, plus every address found to be a jump target while
// reading its symbol and relocation tables.
type Text struct {
	Offset     uint64
	VirtStart  uint64
	VirtEnd    uint64
	JumpTargets []uint64
}

// errNoTextSection is returned when an object carries no .text
// section at all -- a fatal environment error for the driver.
var errNoTextSection = fmt.Errorf("elfmeta: no .text section found")

// Read opens path and extracts its .text bounds and jump targets.
// baseAddr is added to every virtual address reported in Text so
// callers receive process-space addresses directly.
func Read(path string, baseAddr uint64) (Text, error) {
	f, err := elf.Open(path)
	if err != nil {
		return Text{}, fmt.Errorf("elfmeta: open %s: %w", path, err)
	}
	defer f.Close()

	section := f.Section(".text")
	if section == nil {
		return Text{}, errNoTextSection
	}

	text := Text{
		Offset:    section.Offset,
		VirtStart: baseAddr + section.Addr,
		VirtEnd:   baseAddr + section.Addr + section.Size - 1,
	}

	textIndex := sectionIndex(f, section)

	if err := walkFunctionSymbols(f, textIndex, baseAddr, &text); err != nil {
		return Text{}, err
	}
	if err := walkRelativeRelocs(f, baseAddr, &text); err != nil {
		return Text{}, err
	}

	return text, nil
}

// MarkInto marks every jump target found by Read into table.
func (t Text) MarkInto(table *bitmap.JumpTable) {
	for _, addr := range t.JumpTargets {
		table.Mark(uintptr(addr))
	}
}

// Bounds returns the backing-file offset and the process-space start
// and end of .text, satisfying the object-metadata-provider interface
// the driver dispatches through.
func (t Text) Bounds() (offset, virtStart, virtEnd uint64) {
	return t.Offset, t.VirtStart, t.VirtEnd
}

func sectionIndex(f *elf.File, target *elf.Section) elf.SectionIndex {
	for i, s := range f.Sections {
		if s == target {
			return elf.SectionIndex(i)
		}
	}
	return elf.SHN_UNDEF
}

// walkFunctionSymbols mirrors find_jumps_in_section_syms: every
// STT_FUNC symbol inside the text section marks both its entry point
// and (if sized) its end as jump targets, since a `ret` can fall
// through to the next function and a patch must never straddle either
// boundary.
func walkFunctionSymbols(f *elf.File, textIndex elf.SectionIndex, baseAddr uint64, text *Text) error {
	for _, syms := range [][]elf.Symbol{mustSyms(f.Symbols), mustSyms(f.DynamicSymbols)} {
		for _, sym := range syms {
			if elf.ST_TYPE(sym.Info) != elf.STT_FUNC {
				continue
			}
			if sym.Section != textIndex {
				continue
			}
			addr := baseAddr + sym.Value
			text.JumpTargets = append(text.JumpTargets, addr)
			if sym.Size != 0 {
				text.JumpTargets = append(text.JumpTargets, addr+sym.Size)
			}
		}
	}
	return nil
}

// mustSyms swallows the "no symbol section" error debug/elf returns
// for stripped binaries or .dynsym-only objects -- not every object
// carries both tables, and that is not a failure.
func mustSyms(read func() ([]elf.Symbol, error)) []elf.Symbol {
	syms, err := read()
	if err != nil {
		return nil
	}
	return syms
}

// walkRelativeRelocs mirrors find_jumps_in_section_rela: an
// R_X86_64_RELATIVE entry's addend is a jump target because the
// dynamic linker will later write that address into a GOT-style slot
// for an indirect call.
func walkRelativeRelocs(f *elf.File, baseAddr uint64, text *Text) error {
	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			continue
		}
		const relaEntSize = 24 // r_offset(8) + r_info(8) + r_addend(8)
		for off := 0; off+relaEntSize <= len(data); off += relaEntSize {
			info := leUint64(data[off+8:])
			relType := elf.R_X86_64(info & 0xffffffff)
			if relType != elf.R_X86_64_RELATIVE {
				continue
			}
			addend := leUint64(data[off+16:])
			text.JumpTargets = append(text.JumpTargets, baseAddr+addend)
		}
	}
	return nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// Package machometa is the Mach-O counterpart of elfmeta: it reads
// __TEXT,__text bounds and jump targets out of a Mach-O image using
// github.com/blacktop/go-macho, since the standard library has no
// Mach-O symbol/load-command reader. This is the optional macOS
// variant of object-metadata discovery; every build of this module
// still works without it on Linux.
//
//go:build darwin

package machometa

import (
	"fmt"

	"github.com/GBuella/syscall-intercept/internal/bitmap"
	"github.com/blacktop/go-macho"
)

// Text is the Mach-O equivalent of elfmeta.Text.
type Text struct {
	Offset      uint64
	VirtStart   uint64
	VirtEnd     uint64
	JumpTargets []uint64
}

// Read opens path and extracts __text bounds, every section-defined
// (N_SECT) symbol that falls inside it, and the function-start offsets
// recorded in the
// LC_FUNCTION_STARTS load command -- the Mach-O analogue of ELF's
// symbol table, present even in stripped binaries.
func Read(path string, baseAddr uint64) (Text, error) {
	f, err := macho.Open(path)
	if err != nil {
		return Text{}, fmt.Errorf("machometa: open %s: %w", path, err)
	}
	defer f.Close()

	sec := f.Section("__text")
	if sec == nil {
		return Text{}, fmt.Errorf("machometa: no __text section in %s", path)
	}

	text := Text{
		Offset:    uint64(sec.Offset),
		VirtStart: baseAddr + sec.Addr,
		VirtEnd:   baseAddr + sec.Addr + sec.Size - 1,
	}

	walkFunctionSymbols(f, baseAddr, &text)

	if starts, err := f.FunctionStarts(); err == nil {
		for _, off := range starts {
			text.JumpTargets = append(text.JumpTargets, baseAddr+off)
		}
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
// and end of __text, satisfying the object-metadata-provider interface
// the driver dispatches through.
func (t Text) Bounds() (offset, virtStart, virtEnd uint64) {
	return t.Offset, t.VirtStart, t.VirtEnd
}

// walkFunctionSymbols marks every defined symbol in the symbol table
// that falls inside __text -- go-macho does not expose a function-only
// filter the way debug/elf's STT_FUNC does, so every N_SECT symbol in
// the text section is treated as a potential jump target, mirroring
// the permissive behaviour of treating any in-section symbol as a
// candidate boundary.
func walkFunctionSymbols(f *macho.File, baseAddr uint64, text *Text) {
	if f.Symtab == nil {
		return
	}
	for _, sym := range f.Symtab.Syms {
		if sym.Type&0x0e != 0x0e { // N_SECT
			continue
		}
		addr := baseAddr + sym.Value
		if addr >= text.VirtStart && addr <= text.VirtEnd {
			text.JumpTargets = append(text.JumpTargets, addr)
		}
	}
}

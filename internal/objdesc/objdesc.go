// Package objdesc holds the data model shared by every component of
// the hot-patching engine: the object descriptor and patch candidate
// records. Instances are created once during the patching pass and
// never destroyed or mutated after publication. Patches and NopTable
// are ordinary Go slices grown with append on the Go heap; they are
// not placed in dedicated anonymous mappings.
package objdesc

import "github.com/GBuella/syscall-intercept/internal/bitmap"

// Instruction mirrors intercept_disasm_result: the classification of
// one decoded instruction, as produced by the disasm package and
// consumed by the crawler and planner.
type Instruction struct {
	Addr              uintptr
	Length            int
	IsJump            bool
	IsRelJump         bool
	IsCall            bool
	IsReturn          bool
	IsSyscall         bool
	IsIPRel           bool
	IPRelTarget       uintptr
	IsOverwritableNop bool
	Raw               []byte

	// Set reports whether this Instruction was actually populated by a
	// decode (as opposed to being a zero-valued placeholder in the
	// crawler's sliding window before three instructions have been
	// seen).
	Set bool
}

// NopRange is one entry of the nop table: an overwritable filler
// instruction's address and length.
type NopRange struct {
	Addr uintptr
	Size int
}

// Candidate is one discovered syscall instruction -- a patch_desc.
// Immutable after the planning phase.
type Candidate struct {
	SyscallAddr   uintptr
	SyscallOffset uint64

	PrecedingIns2 Instruction
	PrecedingIns  Instruction
	FollowingIns  Instruction

	UsesPrevIns  bool
	UsesPrevIns2 bool
	UsesNextIns  bool

	UsesNopTrampoline bool
	NopTrampoline     NopRange

	DstJmpPatch   uintptr
	ReturnAddress uintptr

	// AsmWrapper is the address of this candidate's slot in the
	// wrapper pool, filled in by the trampoline package once wrappers
	// have been generated.
	AsmWrapper uintptr
}

// TrampolineArea describes the +-2GiB-reachable RWX region a
// descriptor's text escapes land in.
type TrampolineArea struct {
	Base   uintptr
	Size   uintptr
	Cursor uintptr
}

// Descriptor is one patched shared object -- an obj_desc. Owned by the
// driver for the process lifetime; never destroyed.
type Descriptor struct {
	BaseAddr uintptr
	Path     string

	TextOffset uintptr
	TextStart  uintptr
	TextEnd    uintptr

	JumpTable *bitmap.JumpTable
	NopTable  []NopRange

	Patches []*Candidate

	TrampolineArea      TrampolineArea
	UsesTrampolineTable bool

	WrapperDest           uintptr
	WrapperDestCloneChild uintptr
}

// MarkJump records addr as a control-flow target in this descriptor's
// jump table.
func (d *Descriptor) MarkJump(addr uintptr) {
	d.JumpTable.Mark(addr)
}

// HasJump reports whether addr is a known control-flow target.
func (d *Descriptor) HasJump(addr uintptr) bool {
	return d.JumpTable.Has(addr)
}

// MarkNop appends an overwritable nop to the nop table. The original
// discards further nops once a fixed capacity is reached (a silent,
// non-fatal skip); maxNopCount expresses that cap, 0 meaning unbounded.
func (d *Descriptor) MarkNop(addr uintptr, size int, maxNopCount int) {
	if maxNopCount > 0 && len(d.NopTable) >= maxNopCount {
		return
	}
	d.NopTable = append(d.NopTable, NopRange{Addr: addr, Size: size})
}

// AddPatch appends a new candidate. Geometric growth is implicit in
// Go's append, which allocates from the Go heap; Descriptor and its
// slices are built during Init, before any patch is activated.
func (d *Descriptor) AddPatch(c *Candidate) {
	d.Patches = append(d.Patches, c)
}

package planner

import (
	"testing"

	"github.com/GBuella/syscall-intercept/internal/bitmap"
	"github.com/GBuella/syscall-intercept/internal/objdesc"
)

func newDesc(start, end uintptr) *objdesc.Descriptor {
	return &objdesc.Descriptor{
		TextStart: start,
		TextEnd:   end,
		JumpTable: bitmap.New(start, end-start+1),
	}
}

func TestPlanUsesNopTrampolineWhenInRange(t *testing.T) {
	desc := newDesc(0x1000, 0x2000)
	desc.NopTable = []objdesc.NopRange{{Addr: 0x1050, Size: 7}}

	c := &objdesc.Candidate{SyscallAddr: 0x1040}
	desc.AddPatch(c)

	if err := Plan(desc); err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if !c.UsesNopTrampoline {
		t.Fatalf("expected nop trampoline to be used")
	}
	if c.DstJmpPatch != 0x1052 {
		t.Errorf("DstJmpPatch = 0x%x, want 0x%x", c.DstJmpPatch, uintptr(0x1052))
	}
	if c.ReturnAddress != c.SyscallAddr+SyscallInsSize {
		t.Errorf("ReturnAddress = 0x%x, want 0x%x", c.ReturnAddress, c.SyscallAddr+SyscallInsSize)
	}
}

func TestIsNopInRangeBoundary(t *testing.T) {
	syscallAddr := uintptr(0x2000)
	src := int64(syscallAddr) + 2

	// isNopInRange compares against nop.Addr+2 (the escape jump's own
	// address), so every fixture below is offset by -2 from the
	// boundary it's meant to land on.

	// Exactly +127 from src must be in range.
	inRangeNop := objdesc.NopRange{Addr: uintptr(src + 127 - 2), Size: 7}
	if !isNopInRange(syscallAddr, inRangeNop) {
		t.Errorf("expected nop at +127 to be in range")
	}

	// +128 must be out of range.
	outOfRangeNop := objdesc.NopRange{Addr: uintptr(src + 128 - 2), Size: 7}
	if isNopInRange(syscallAddr, outOfRangeNop) {
		t.Errorf("expected nop at +128 to be out of range")
	}

	// Exactly -128 from src must be in range.
	inRangeBehind := objdesc.NopRange{Addr: uintptr(src - 128 - 2), Size: 7}
	if !isNopInRange(syscallAddr, inRangeBehind) {
		t.Errorf("expected nop at -128 to be in range")
	}

	// -129 must be out of range.
	outOfRangeBehind := objdesc.NopRange{Addr: uintptr(src - 129 - 2), Size: 7}
	if isNopInRange(syscallAddr, outOfRangeBehind) {
		t.Errorf("expected nop at -129 to be out of range")
	}
}

func TestPlanNopCursorIsMonotonic(t *testing.T) {
	desc := newDesc(0x1000, 0x9000)
	desc.NopTable = []objdesc.NopRange{{Addr: 0x1050, Size: 7}}

	c1 := &objdesc.Candidate{SyscallAddr: 0x1040}
	// The second site has relocatable neighbours, so once the nop is
	// gone it can still be planned via Plan B.
	c2 := &objdesc.Candidate{
		SyscallAddr: 0x1045,
		PrecedingIns: objdesc.Instruction{
			Addr: 0x1042, Length: 3, Set: true,
		},
		FollowingIns: objdesc.Instruction{
			Addr: 0x1047, Length: 3, Set: true,
		},
	}
	desc.AddPatch(c1)
	desc.AddPatch(c2)

	if err := Plan(desc); err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}

	if !c1.UsesNopTrampoline {
		t.Fatalf("expected first candidate to consume the only nop")
	}
	if c2.UsesNopTrampoline {
		t.Fatalf("expected second candidate not to reuse the already-consumed nop")
	}
}

func TestPlanFallsBackToSurroundingInstructions(t *testing.T) {
	desc := newDesc(0x1000, 0x9000)

	c := &objdesc.Candidate{
		SyscallAddr: 0x1040,
		PrecedingIns: objdesc.Instruction{
			Addr: 0x103d, Length: 3, Set: true,
		},
		FollowingIns: objdesc.Instruction{
			Addr: 0x1042, Length: 3, Set: true,
		},
	}
	desc.AddPatch(c)

	if err := Plan(desc); err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if c.UsesNopTrampoline {
		t.Fatalf("expected Plan B, not a nop trampoline")
	}
	if !c.UsesPrevIns {
		t.Errorf("expected preceding instruction to be consumed")
	}
	if c.DstJmpPatch != c.PrecedingIns.Addr {
		t.Errorf("DstJmpPatch = 0x%x, want 0x%x", c.DstJmpPatch, c.PrecedingIns.Addr)
	}
}

func TestPlanRefusesToConsumeJumpTarget(t *testing.T) {
	desc := newDesc(0x1000, 0x9000)
	// The byte right after the syscall is itself a known jump target,
	// so the following instruction must not be folded into the patch.
	desc.MarkJump(0x1040 + SyscallInsSize)

	c := &objdesc.Candidate{
		SyscallAddr: 0x1040,
		PrecedingIns: objdesc.Instruction{
			Addr: 0x103a, Length: 6, Set: true,
		},
		FollowingIns: objdesc.Instruction{
			Addr: 0x1042, Length: 3, Set: true,
		},
	}
	desc.AddPatch(c)

	if err := Plan(desc); err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if c.UsesNextIns {
		t.Fatalf("expected following instruction not to be consumed across a jump target")
	}
	if c.ReturnAddress != c.SyscallAddr+SyscallInsSize {
		t.Errorf("ReturnAddress = 0x%x, want 0x%x", c.ReturnAddress, c.SyscallAddr+SyscallInsSize)
	}
}

func TestPlanReturnsErrorWhenWindowTooSmall(t *testing.T) {
	desc := newDesc(0x1000, 0x9000)

	// Neither neighbour is relocatable, and neither the preceding nor
	// following instruction is set, so the window is stuck at 2 bytes.
	c := &objdesc.Candidate{SyscallAddr: 0x1040}
	desc.AddPatch(c)

	err := Plan(desc)
	if err == nil {
		t.Fatalf("expected ErrPatchWindowTooSmall, got nil")
	}
	if _, ok := err.(*ErrPatchWindowTooSmall); !ok {
		t.Fatalf("expected *ErrPatchWindowTooSmall, got %T", err)
	}
}

func TestPlanDoesNotConsumeNonRelocatableNeighbours(t *testing.T) {
	desc := newDesc(0x1000, 0x9000)

	c := &objdesc.Candidate{
		SyscallAddr: 0x1040,
		PrecedingIns: objdesc.Instruction{
			Addr: 0x103e, Length: 2, Set: true, IsRelJump: true, IsJump: true,
		},
		FollowingIns: objdesc.Instruction{
			Addr: 0x1042, Length: 2, Set: true, IsCall: true,
		},
	}
	desc.AddPatch(c)

	err := Plan(desc)
	if err == nil {
		t.Fatalf("expected ErrPatchWindowTooSmall since neither neighbour is relocatable")
	}
	if c.UsesPrevIns || c.UsesNextIns {
		t.Fatalf("branch/call neighbours must never be folded into a patch")
	}
}

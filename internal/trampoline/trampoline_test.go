package trampoline

import (
	"testing"
	"unsafe"

	"github.com/GBuella/syscall-intercept/internal/objdesc"
)

func TestInitialGuessBelowInt32StartsAtZero(t *testing.T) {
	if got := initialGuess(0x1000); got != 0 {
		t.Errorf("initialGuess(0x1000) = 0x%x, want 0", got)
	}
}

func TestInitialGuessAboveInt32IsPageAligned(t *testing.T) {
	textEnd := uintptr(0x7f0000000000)
	got := initialGuess(textEnd)
	if got%pageSize != 0 {
		t.Errorf("initialGuess result 0x%x is not page-aligned", got)
	}
	if got >= textEnd {
		t.Errorf("initialGuess result 0x%x should be below textEnd 0x%x", got, textEnd)
	}
}

func TestIsCloneFamily(t *testing.T) {
	cases := map[int64]bool{
		sysClone:  true,
		sysFork:   true,
		sysVfork:  true,
		sysClone3: true,
		0:         false,
		1:         false,
		60:        false, // SYS_exit
	}
	for nr, want := range cases {
		if got := IsCloneFamily(nr); got != want {
			t.Errorf("IsCloneFamily(%d) = %v, want %v", nr, got, want)
		}
	}
}

func TestIsCloneThreadRequiresNewStack(t *testing.T) {
	if !IsCloneThread(sysClone, 0x7fff0000) {
		t.Errorf("expected clone with a new stack pointer to be a thread create")
	}
	if IsCloneThread(sysClone, 0) {
		t.Errorf("expected clone with arg1 == 0 not to be a thread create")
	}
	if IsCloneThread(sysFork, 0x7fff0000) {
		t.Errorf("expected fork never to be treated as a clone-thread")
	}
}

func TestStampWrapperOrdinaryEntry(t *testing.T) {
	var backing [wrapperSlotSize]byte
	slot := uintptr(unsafe.Pointer(&backing[0]))

	c := &objdesc.Candidate{
		SyscallOffset: 0x1234,
		ReturnAddress: 0xdeadbeef,
	}

	StampWrapper(slot, c, 0xaaaa, 0xbbbb, 0xcccc)

	if backing[0] != 0x68 {
		t.Errorf("expected the ordinary entry to open with push imm32 (0x68), got 0x%x", backing[0])
	}

	cloneEntry := backing[wrapperCloneChildOffset:]
	if cloneEntry[0] != 0x49 || cloneEntry[1] != 0xBB {
		t.Errorf("expected the clone-child entry to open with movabs %%r11 (49 BB), got %x", cloneEntry[:2])
	}
}

func TestStampWrapperRelocatesNeighbours(t *testing.T) {
	var backing [wrapperSlotSize]byte
	slot := uintptr(unsafe.Pointer(&backing[0]))

	preceding := []byte{0xB8, 0x01, 0x00, 0x00, 0x00} // mov eax, 1
	following := []byte{0xB8, 0x02, 0x00, 0x00, 0x00} // mov eax, 2

	c := &objdesc.Candidate{
		SyscallOffset: 0x10,
		ReturnAddress: 0x2000,
		PrecedingIns:  objdesc.Instruction{Set: true, Raw: preceding},
		UsesPrevIns:   true,
		FollowingIns:  objdesc.Instruction{Set: true, Raw: following},
		UsesNextIns:   true,
	}

	StampWrapper(slot, c, 0, 0x3000, 0x4000)

	if string(backing[:len(preceding)]) != string(preceding) {
		t.Errorf("expected the relocated preceding instruction to open the wrapper")
	}
}

func TestStatsString(t *testing.T) {
	s := &Stats{PlanACount: 3, PlanBCount: 2, SkippedBoundary: 1}
	got := s.String()
	if got == "" {
		t.Errorf("expected non-empty summary")
	}
}

// Package trampoline owns the two memory arenas the patcher writes
// into that are not part of any guest object: the per-object
// trampoline table (14-byte absolute jumps within +-2GiB of a text
// section, letting the text itself only need cheap 5-byte relative
// jumps) and the process-wide wrapper pool (one stamped copy of the
// assembly call-out template per patch site). Grounded on
// allocate_trampoline_table.c and patcher.c's asm_wrapper_space /
// next_asm_wrapper_space / create_wrapper.
package trampoline

import (
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/GBuella/syscall-intercept/internal/codec"
	"github.com/GBuella/syscall-intercept/internal/mapiter"
	"github.com/GBuella/syscall-intercept/internal/objdesc"
	"github.com/GBuella/syscall-intercept/internal/rawsyscall"
	"golang.org/x/sys/unix"
)

const (
	pageSize = 0x1000

	// trampolineEntrySize is the width of one absolute-jump slot: the
	// 14-byte codec.AbsoluteJump instruction, unpadded.
	trampolineEntrySize = codec.AbsoluteJumpSize

	// defaultTableSize mirrors patcher.c's "XXX: don't just guess" 64
	// pages, enough for thousands of patch sites in one object.
	defaultTableSize = 64 * pageSize

	// wrapperPoolSize mirrors asm_wrapper_space's fixed 1MiB arena.
	wrapperPoolSize = 0x100000

	// wrapperCloneChildOffset splits each wrapper slot in two: the
	// ordinary entry at offset 0 (relocated neighbours, the push/movabs
	// argument setup, the dispatch call, and the return jump) and the
	// clone-child entry at this offset (just the clone-child dispatch
	// call and the same return jump), independently addressable so the
	// alternative entry a thread-creating clone's child side takes
	// never collides with the ordinary one.
	wrapperCloneChildOffset = 128

	// wrapperSlotSize is the total stamped size of one wrapper
	// instance: room for up to two relocated 15-byte neighbours before
	// the dispatch call and one after it, plus the push/movabs argument
	// setup, rounded up generously for both entries.
	wrapperSlotSize = 2 * wrapperCloneChildOffset
)

// ErrNoSpace is returned when no placement within reach of a text
// section can be found, a fatal environment error for the driver.
type ErrNoSpace struct {
	TextEnd uintptr
}

func (e *ErrNoSpace) Error() string {
	return fmt.Sprintf("trampoline: unable to find placement reachable from 0x%x", e.TextEnd)
}

// AllocateArea reserves a trampoline table reachable from
// [textStart, textEnd] via a 32-bit relative displacement, the way
// allocate_trampoline_table does: guess a starting address, then walk
// /proc/self/maps forward past every overlapping mapping until a free
// run of defaultTableSize bytes is found.
func AllocateArea(textStart, textEnd uintptr) (objdesc.TrampolineArea, error) {
	guess := initialGuess(textEnd)

	if min := mapiter.MinMappableAddress(); guess < min {
		guess = min
	}

	size := uintptr(defaultTableSize)

	err := mapiter.Walk(func(r mapiter.Region) error {
		if r.End < guess {
			return nil
		}
		if r.Start >= guess+size {
			return errStopWalk
		}
		guess = r.End
		if guess+size >= textStart+math.MaxInt32 {
			return &ErrNoSpace{TextEnd: textEnd}
		}
		return nil
	})
	if err != nil && err != errStopWalk {
		return objdesc.TrampolineArea{}, err
	}

	addr, mmapErr := rawsyscall.Mmap(guess, size,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_FIXED|unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if mmapErr != nil {
		return objdesc.TrampolineArea{}, fmt.Errorf("trampoline: mmap table: %w", mmapErr)
	}

	return objdesc.TrampolineArea{Base: addr, Size: size, Cursor: addr}, nil
}

var errStopWalk = fmt.Errorf("trampoline: internal stop-walk sentinel")

func initialGuess(textEnd uintptr) uintptr {
	if uint64(textEnd) < math.MaxInt32 {
		return 0
	}
	guess := textEnd - math.MaxInt32
	guess = (guess &^ uintptr(pageSize-1)) + pageSize
	return guess
}

// Reserve carves one trampolineEntrySize slot out of area and writes
// an absolute jump to dest into it, returning the slot's address --
// the address the corresponding 5-byte relative jump in the guest's
// text will target.
func Reserve(area *objdesc.TrampolineArea, dest uintptr) (uintptr, error) {
	if area.Cursor+trampolineEntrySize > area.Base+area.Size {
		return 0, fmt.Errorf("trampoline: table exhausted")
	}
	slot := area.Cursor
	area.Cursor += trampolineEntrySize

	writeAt(slot, codec.AbsoluteJump(dest))

	return slot, nil
}

// WrapperPool is the fixed-size arena wrapper instances are stamped
// into, one per patch candidate, mirroring asm_wrapper_space. It is
// mapped RW and flipped to RX by Finalize.
type WrapperPool struct {
	base   uintptr
	cursor uintptr
	limit  uintptr
}

// NewWrapperPool maps a fresh wrapperPoolSize RW (not yet executable)
// arena. Finalize must be called, exactly once, after every wrapper
// that will ever be stamped into it has been -- no text escape jump
// may be written before that flip completes.
func NewWrapperPool() (*WrapperPool, error) {
	addr, err := rawsyscall.Mmap(0, wrapperPoolSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("trampoline: mmap wrapper pool: %w", err)
	}
	return &WrapperPool{base: addr, cursor: addr, limit: addr + wrapperPoolSize}, nil
}

// Finalize flips the wrapper pool from RW to RX. The driver calls this
// exactly once, after every object's wrappers have been stamped and
// before the first text jump escaping into this pool is written,
// satisfying the ordering guarantee that the pool is never both
// writable and a live jump target at the same time.
func (p *WrapperPool) Finalize() error {
	if err := rawsyscall.Mprotect(p.base, wrapperPoolSize, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("trampoline: mprotect wrapper pool RX: %w", err)
	}
	return nil
}

// Next reserves the next wrapper slot, returning its address, or an
// error once the pool is exhausted -- a fatal environment error, since
// a process patching more syscall sites than the pool has room for
// needs a bigger pool, not a silent skip.
func (p *WrapperPool) Next() (uintptr, error) {
	if p.cursor+wrapperSlotSize > p.limit {
		return 0, fmt.Errorf("trampoline: wrapper pool exhausted")
	}
	slot := p.cursor
	p.cursor += wrapperSlotSize
	return slot, nil
}

// StampWrapper writes a dispatcher stub for one patch candidate into
// slot, implementing the wrapper template: relocated copies of the
// instructions Plan B overwrote ahead of the syscall, the syscall's
// file offset and the object's path pointer pushed as arguments, a
// call into the Go-side hook dispatcher, relocated copies of any
// overwritten following instruction, and a jump back to the guest at
// c.ReturnAddress:
//
//	<preceding_ins_2>   (if c.UsesPrevIns2)
//	<preceding_ins>     (if c.UsesPrevIns)
//	push   $offset
//	movabs %r11, pathPtr
//	push   %r11
//	movabs %r11, dest
//	call   *%r11
//	<following_ins>     (if c.UsesNextIns)
//	movabs %r11, returnAddr
//	jmp    *%r11
//
// plus a second, independently addressable entry at
// slot+wrapperCloneChildOffset for the alternative path the child side
// of a thread-creating clone takes instead of the ordinary return:
//
//	movabs %r11, cloneChildDest
//	call   *%r11
//	movabs %r11, returnAddr
//	jmp    *%r11
func StampWrapper(slot uintptr, c *objdesc.Candidate, pathPtr uintptr, dest, cloneChildDest uintptr) {
	var buf []byte
	if c.UsesPrevIns2 {
		buf = append(buf, c.PrecedingIns2.Raw...)
	}
	if c.UsesPrevIns {
		buf = append(buf, c.PrecedingIns.Raw...)
	}
	buf = append(buf, codec.PushImm32(uint32(c.SyscallOffset))...)
	buf = append(buf, codec.MovAbsR11(uint64(pathPtr))...)
	buf = append(buf, codec.PushR11()...)
	buf = append(buf, codec.MovAbsR11(uint64(dest))...)
	buf = append(buf, codec.CallR11()...)
	if c.UsesNextIns {
		buf = append(buf, c.FollowingIns.Raw...)
	}
	buf = append(buf, codec.MovAbsR11(uint64(c.ReturnAddress))...)
	buf = append(buf, codec.JmpR11()...)

	if len(buf) > wrapperCloneChildOffset {
		rawsyscall.Fatalf("trampoline: stamped wrapper overflowed its slot (%d > %d)", len(buf), wrapperCloneChildOffset)
	}
	writeAt(slot, buf)

	var childBuf []byte
	childBuf = append(childBuf, codec.MovAbsR11(uint64(cloneChildDest))...)
	childBuf = append(childBuf, codec.CallR11()...)
	childBuf = append(childBuf, codec.MovAbsR11(uint64(c.ReturnAddress))...)
	childBuf = append(childBuf, codec.JmpR11()...)

	if len(childBuf) > wrapperSlotSize-wrapperCloneChildOffset {
		rawsyscall.Fatalf("trampoline: clone-child entry overflowed its slot (%d > %d)", len(childBuf), wrapperSlotSize-wrapperCloneChildOffset)
	}
	writeAt(slot+wrapperCloneChildOffset, childBuf)
}

// Activate runs fn with [pageBase, pageBase+size) temporarily RWX,
// restoring it to RX once fn returns -- even when fn panics -- so a
// racing thread can never observe writable guest text outside of the
// single activation window in which it is legitimately being patched.
func Activate(pageBase, size uintptr, fn func() error) error {
	start := pageBase &^ (pageSize - 1)
	end := (pageBase + size + pageSize - 1) &^ (pageSize - 1)
	length := end - start

	if err := rawsyscall.Mprotect(start, length, unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("trampoline: mprotect RWX: %w", err)
	}
	defer func() {
		if err := rawsyscall.Mprotect(start, length, unix.PROT_READ|unix.PROT_EXEC); err != nil {
			rawsyscall.Fatalf("trampoline: mprotect RX restore failed: %v", err)
		}
	}()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return fn()
}

// Stats accumulates the coverage counters recovered from the
// original's debug-dump output: how many syscall sites were patched
// via Plan A versus Plan B. SkippedBoundary is reported alongside them
// for sites left unpatched at a text boundary, but nothing in this
// module increments it, so it always reads zero.
type Stats struct {
	PlanACount      int
	PlanBCount      int
	SkippedBoundary int
}

func (s *Stats) String() string {
	return fmt.Sprintf("patched: %d via nop trampoline, %d via neighbour relocation, skipped: %d at text boundary",
		s.PlanACount, s.PlanBCount, s.SkippedBoundary)
}

// writeAt copies data into the live memory at addr. Callers must
// ensure addr falls within a range that is currently writable (either
// inside an Activate window, or inside an arena this package itself
// mapped writable and has not yet flipped to RX).
func writeAt(addr uintptr, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
}

// x86-64 Linux syscall numbers for the clone family, recovered from
// is_linux_clone_thread's SYS_clone check and extended to clone3,
// which the original predates.
const (
	sysClone  = 56
	sysFork   = 57
	sysVfork  = 58
	sysClone3 = 435
)

// IsCloneFamily reports whether nr is one of the syscalls that can
// create a new thread or process, the cases in which a wrapper must
// branch to the clone-child destination instead of returning normally
// when it observes a zero return value in the child.
func IsCloneFamily(nr int64) bool {
	switch nr {
	case sysClone, sysFork, sysVfork, sysClone3:
		return true
	default:
		return false
	}
}

// IsCloneThread mirrors is_linux_clone_thread: only a clone call that
// was actually given a new stack pointer (arg1 != 0) spawns a thread
// sharing the parent's address space; clone(2) with arg1 == 0 behaves
// like fork and must not run the clone-child hook.
func IsCloneThread(nr, arg1 int64) bool {
	return nr == sysClone && arg1 != 0
}

// Package planner implements Component D: for every syscall site found
// by the crawler, decide which bytes get overwritten and where the
// wrapper returns control to the guest. Grounded on patcher.c's
// assign_nop_trampoline / is_nop_in_range / check_surrounding_instructions
// / create_patch_wrappers (the planning half, before wrapper generation).
package planner

import (
	"fmt"

	"github.com/GBuella/syscall-intercept/internal/objdesc"
)

// JumpInsSize is the width of the 5-byte relative jump the planner
// must always be able to fit, one way or another.
const JumpInsSize = 5

// SyscallInsSize is the width of the two-byte SYSCALL opcode itself.
const SyscallInsSize = 2

// ErrPatchWindowTooSmall is returned when even after consuming both
// neighbours the overwrite window is still under JumpInsSize bytes --
// a fatal environment error, left to the caller to turn into a process
// abort (this package never exits the process itself, so it stays
// independently testable).
type ErrPatchWindowTooSmall struct {
	SyscallOffset uint64
	Path          string
}

func (e *ErrPatchWindowTooSmall) Error() string {
	return fmt.Sprintf("unintercepted syscall at: %s 0x%x", e.Path, e.SyscallOffset)
}

// Plan walks desc.Patches in ascending syscall_addr order (the order
// the crawler already produced them in) and desc.NopTable in lockstep,
// filling in each candidate's DstJmpPatch/ReturnAddress/Uses* fields.
// It also marks every chosen ReturnAddress as a jump target, since a
// later candidate must never overwrite across it.
func Plan(desc *objdesc.Descriptor) error {
	nextNop := 0

	for _, c := range desc.Patches {
		assignNopTrampoline(desc, c, &nextNop)

		if c.UsesNopTrampoline {
			c.UsesPrevIns = false
			c.UsesPrevIns2 = false
			c.UsesNextIns = false
			c.DstJmpPatch = c.NopTrampoline.Addr + 2
			c.ReturnAddress = c.SyscallAddr + SyscallInsSize
		} else {
			checkSurroundingInstructions(desc, c)

			length := SyscallInsSize
			c.DstJmpPatch = c.SyscallAddr

			if c.UsesPrevIns {
				length += c.PrecedingIns.Length
				c.DstJmpPatch -= uintptr(c.PrecedingIns.Length)

				if c.UsesPrevIns2 {
					length += c.PrecedingIns2.Length
					c.DstJmpPatch -= uintptr(c.PrecedingIns2.Length)
				}
			}

			if c.UsesNextIns {
				length += c.FollowingIns.Length
				c.ReturnAddress = c.SyscallAddr + SyscallInsSize + uintptr(c.FollowingIns.Length)
			} else {
				c.ReturnAddress = c.SyscallAddr + SyscallInsSize
			}

			if length < JumpInsSize {
				return &ErrPatchWindowTooSmall{
					SyscallOffset: c.SyscallOffset,
					Path:          desc.Path,
				}
			}
		}

		desc.MarkJump(c.ReturnAddress)
	}

	return nil
}

// isNopInRange checks whether a 2-byte short jump placed at
// syscallAddr (displacement computed from that instruction's own
// next-IP, syscallAddr+2) can reach nop.Addr+2, where the activator
// will later place the 5-byte escape jump to the trampoline slot --
// the nop's first two bytes are reserved for its own skip jump, so the
// escape jump starts at the third byte.
func isNopInRange(syscallAddr uintptr, nop objdesc.NopRange) bool {
	dst := int64(nop.Addr) + 2
	src := int64(syscallAddr) + 2

	return dst >= src-128 && dst <= src+127
}

// assignNopTrampoline advances *nextNop in lockstep with the candidate
// list -- once a nop is consumed (or skipped as unreachable-behind) it
// is never reconsidered, keeping nop assignment a monotonic,
// idempotent single pass over the table.
func assignNopTrampoline(desc *objdesc.Descriptor, c *objdesc.Candidate, nextNop *int) {
	for {
		if *nextNop >= len(desc.NopTable) {
			c.UsesNopTrampoline = false
			return
		}

		nop := desc.NopTable[*nextNop]

		if isNopInRange(c.SyscallAddr, nop) {
			c.UsesNopTrampoline = true
			c.NopTrampoline = nop
			*nextNop++
			return
		}

		if nop.Addr > c.SyscallAddr {
			c.UsesNopTrampoline = false
			return
		}

		// nop is too far behind; it can never help any later
		// candidate either, since candidates are visited in
		// ascending address order -- advance and retry.
		*nextNop++
	}
}

// isRelocatableBeforeSyscall mirrors is_relocateable_before_syscall:
// an instruction preceding a syscall can be overwritten only if it has
// no IP-relative operand and is not itself a branch of any kind.
func isRelocatableBeforeSyscall(ins objdesc.Instruction) bool {
	if !ins.Set {
		return false
	}
	return !(ins.IsIPRel || ins.IsCall || ins.IsRelJump || ins.IsJump || ins.IsReturn || ins.IsSyscall)
}

// isRelocatableAfterSyscall mirrors is_relocateable_after_syscall: the
// same rule, except returns are allowed to be relocated -- a wrapper
// can safely execute a relocated `ret` after the dispatcher returns.
func isRelocatableAfterSyscall(ins objdesc.Instruction) bool {
	if !ins.Set {
		return false
	}
	return !(ins.IsIPRel || ins.IsCall || ins.IsRelJump || ins.IsJump || ins.IsSyscall)
}

// checkSurroundingInstructions fills UsesPrevIns / UsesPrevIns2 /
// UsesNextIns for Plan B, consulting the jump-target bitmap so a
// relocation is never proposed across a known control-flow edge.
func checkSurroundingInstructions(desc *objdesc.Descriptor, c *objdesc.Candidate) {
	c.UsesPrevIns = isRelocatableBeforeSyscall(c.PrecedingIns) &&
		!c.PrecedingIns.IsOverwritableNop &&
		!desc.HasJump(c.SyscallAddr)

	if c.UsesPrevIns {
		c.UsesPrevIns2 = isRelocatableBeforeSyscall(c.PrecedingIns2) &&
			!c.PrecedingIns2.IsOverwritableNop &&
			!desc.HasJump(c.SyscallAddr-uintptr(c.PrecedingIns.Length))
	} else {
		c.UsesPrevIns2 = false
	}

	c.UsesNextIns = isRelocatableAfterSyscall(c.FollowingIns) &&
		!c.FollowingIns.IsOverwritableNop &&
		!desc.HasJump(c.SyscallAddr+SyscallInsSize)
}

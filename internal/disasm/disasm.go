// Package disasm adapts golang.org/x/arch/x86/x86asm -- the same
// decoder Dk2014/hinako uses for its Windows inline hooks -- to a
// narrow init/next/destroy decode contract, returning instruction
// length plus a handful of classification flags. Nothing about
// x86asm's own API is exposed past this file.
package disasm

import (
	"github.com/GBuella/syscall-intercept/internal/objdesc"
	"golang.org/x/arch/x86/x86asm"
)

// Context holds the bounds of a decode session, mirroring
// intercept_disasm_init/intercept_disasm_next_instruction/
// intercept_disasm_destroy. There is no per-call heap state kept by
// x86asm.Decode, so Context only records the range bounds (Next does
// not consult them); it exists so the crawler's call sites read the
// same way the original's disassembler wrapper does.
type Context struct {
	rangeStart uintptr
	rangeEnd   uintptr
}

// Init begins a decode session over [start, end].
func Init(start, end uintptr) *Context {
	return &Context{rangeStart: start, rangeEnd: end}
}

// Destroy releases a Context. x86asm needs no cleanup; kept so callers
// don't need to know that and can treat every decode session the same
// way regardless of platform.
func (c *Context) Destroy() {}

// Next decodes one instruction at ip, reading its bytes from code
// (which must start at ip and extend at least to c.rangeEnd). A
// zero-length result with Set==false means the byte at ip could not be
// decoded; the crawler advances one byte and retries.
func (c *Context) Next(ip uintptr, code []byte) objdesc.Instruction {
	inst, err := x86asm.Decode(code, 64)
	if err != nil || inst.Len == 0 {
		return objdesc.Instruction{Addr: ip, Length: 0}
	}

	result := objdesc.Instruction{
		Addr:   ip,
		Length: inst.Len,
		Set:    true,
		Raw:    append([]byte(nil), code[:inst.Len]...),
	}

	result.IsSyscall = inst.Op == x86asm.SYSCALL
	result.IsReturn = inst.Op == x86asm.RET || inst.Op == x86asm.RETF
	result.IsCall = inst.Op == x86asm.CALL || inst.Op == x86asm.CALLF
	result.IsJump = isJumpOp(inst.Op)
	result.IsRelJump = result.IsJump && hasRelBranchArg(inst)

	if target, ok := ipRelativeTarget(ip, inst); ok {
		result.IsIPRel = true
		result.IPRelTarget = target
	}

	result.IsOverwritableNop = isOverwritableNop(inst)

	return result
}

// isJumpOp reports whether op is any conditional or unconditional jump
// (but not CALL/RET, which are tracked separately -- the planner's
// relocation rules treat them differently).
func isJumpOp(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE,
		x86asm.JE, x86asm.JNE, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JP, x86asm.JNP, x86asm.JO, x86asm.JNO,
		x86asm.JS, x86asm.JNS, x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ:
		return true
	default:
		return false
	}
}

// hasRelBranchArg reports whether the first argument is a PC-relative
// branch target (as opposed to an indirect jump through a register or
// memory operand, which the original's is_rel_jump excludes).
func hasRelBranchArg(inst x86asm.Inst) bool {
	if len(inst.Args) == 0 {
		return false
	}
	_, ok := inst.Args[0].(x86asm.Rel)
	return ok
}

// ipRelativeTarget reports the absolute address an IP-relative operand
// refers to, if any operand uses one: either a RIP + disp memory
// operand (e.g. `mov rax, [rip+N]`) or a Rel branch target of a
// relative jump/call, so the crawler marks both as jump targets.
func ipRelativeTarget(ip uintptr, inst x86asm.Inst) (uintptr, bool) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if rel, ok := a.(x86asm.Rel); ok {
			return uintptr(int64(ip) + int64(inst.Len) + int64(rel)), true
		}
		mem, ok := a.(x86asm.Mem)
		if !ok {
			continue
		}
		if mem.Base != x86asm.RIP {
			continue
		}
		return uintptr(int64(ip) + int64(inst.Len) + int64(mem.Disp)), true
	}
	return 0, false
}

// isOverwritableNop reports whether inst is a filler instruction at
// least 7 bytes long: the planner reserves the first two bytes for a
// skip jump over the nop site and needs the remaining five for the
// relative escape jump landing pad -- the NOP and multi-byte NOP
// family, plus a register-to-itself `lea reg, [reg+0]` or `xchg reg,
// reg` that has no observable effect. The 7-byte floor applies to
// these too, so short forms such as the 2-byte `xchg ax, ax` never
// qualify.
func isOverwritableNop(inst x86asm.Inst) bool {
	if inst.Len < 7 {
		return false
	}
	switch inst.Op {
	case x86asm.NOP:
		return true
	case x86asm.LEA:
		// e.g. `lea esi, [esi+0x0]` -- a common padding idiom that is
		// byte-identical to a NOP in effect.
		if len(inst.Args) == 2 {
			if dst, ok := inst.Args[0].(x86asm.Reg); ok {
				if mem, ok2 := inst.Args[1].(x86asm.Mem); ok2 {
					return regEqual(dst, mem.Base) && mem.Index == 0 && mem.Disp == 0
				}
			}
		}
		return false
	case x86asm.XCHG:
		if len(inst.Args) == 2 {
			a, ok1 := inst.Args[0].(x86asm.Reg)
			b, ok2 := inst.Args[1].(x86asm.Reg)
			return ok1 && ok2 && regEqual(a, b)
		}
		return false
	default:
		return false
	}
}

func regEqual(a, b x86asm.Reg) bool { return a == b }

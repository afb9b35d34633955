// Package codec implements the bit-exact x86-64 machine-code encoders
// written into guest text pages and wrapper slots during patching.
// Grounded on patcher.c's create_jump/create_absolute_jump, and
// on the little-endian byte-at-a-time emission idiom used throughout
// the sibling pack repo xyproto/c67 (jmp.go's jmpX86Unconditional,
// mov.go's push/movabs encoders) -- generalized here into pure,
// allocation-light []byte-returning functions instead of a streaming
// Writer, since every call site already knows its exact final size.
package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	// RelJumpSize is the width of a 5-byte E9/E8 + rel32 instruction.
	RelJumpSize = 5
	// ShortJumpSize is the width of a 2-byte EB + rel8 instruction.
	ShortJumpSize = 2
	// AbsoluteJumpSize is the width of the 14-byte FF 25 + imm64 form.
	AbsoluteJumpSize = 14
	// PushImm32Size is the width of a 5-byte 68 + imm32 instruction.
	PushImm32Size = 5
	// MovAbsR11Size is the width of the 10-byte 49 BB + imm64 form.
	MovAbsR11Size = 10
	// PushR11Size is the width of the 2-byte 41 53 `push %r11` form.
	PushR11Size = 2
	// CallR11Size is the width of the 3-byte 41 FF D3 `call *%r11` form.
	CallR11Size = 3
	// JmpR11Size is the width of the 3-byte 41 FF E3 `jmp *%r11` form.
	JmpR11Size = 3

	opJmpRel32  = 0xE9
	opCallRel32 = 0xE8
	opJmpShort  = 0xEB
	opPushImm32 = 0x68

	// DebugTrapOpcode is the INT3 filler byte used between the end of
	// a Plan B jump and the first preserved instruction.
	DebugTrapOpcode = 0xCC
)

// RelJump encodes a 5-byte relative jump or call (opcode must be
// opJmpRel32 or opCallRel32) from address `from` to address `to`. The
// displacement is measured from the end of the instruction (from+5),
// matching the x86 ABI. Returns an error if the displacement overflows
// a signed 32-bit value -- a static-assert-equivalent failure, since
// the caller is expected to have already guaranteed reachability via
// the trampoline area.
func RelJump(opcode byte, from, to uintptr) ([]byte, error) {
	if opcode != opJmpRel32 && opcode != opCallRel32 {
		return nil, fmt.Errorf("codec: invalid rel-jump opcode 0x%x", opcode)
	}
	delta := int64(to) - int64(from+RelJumpSize)
	if delta > int64(int32(1<<31-1)) || delta < int64(int32(-1<<31)) {
		return nil, fmt.Errorf("codec: relative displacement %d out of int32 range", delta)
	}
	buf := make([]byte, RelJumpSize)
	buf[0] = opcode
	binary.LittleEndian.PutUint32(buf[1:], uint32(int32(delta)))
	return buf, nil
}

// ShortJump encodes a 2-byte EB + rel8 instruction from `from` to `to`.
func ShortJump(from, to uintptr) ([]byte, error) {
	delta := int64(to) - int64(from+ShortJumpSize)
	if delta > 127 || delta < -128 {
		return nil, fmt.Errorf("codec: short-jump displacement %d out of int8 range", delta)
	}
	return []byte{opJmpShort, byte(int8(delta))}, nil
}

// AbsoluteJump encodes the 14-byte `jmp *0(%rip)` / imm64 form: a
// RIP-relative indirect jump reading its target from the 8 bytes right
// after the instruction. Used when the destination is farther than a
// 32-bit displacement can reach.
func AbsoluteJump(to uintptr) []byte {
	buf := make([]byte, AbsoluteJumpSize)
	buf[0] = 0xFF
	buf[1] = 0x25
	// bytes 2..5 are the zero RIP-relative offset to the pointer
	// slot that immediately follows this instruction.
	binary.LittleEndian.PutUint64(buf[6:], uint64(to))
	return buf
}

// PushImm32 encodes a 5-byte `push imm32` instruction, used by the
// wrapper template to push the syscall's file offset as an argument.
func PushImm32(v uint32) []byte {
	buf := make([]byte, PushImm32Size)
	buf[0] = opPushImm32
	binary.LittleEndian.PutUint32(buf[1:], v)
	return buf
}

// MovAbsR11 encodes `movabs %r11, imm64` (49 BB + imm64), used by the
// wrapper template to materialize a 64-bit constant (a path pointer or
// a return address) into a scratch register ahead of an indirect jump.
func MovAbsR11(v uint64) []byte {
	buf := make([]byte, MovAbsR11Size)
	buf[0] = 0x49
	buf[1] = 0xBB
	binary.LittleEndian.PutUint64(buf[2:], v)
	return buf
}

// PushR11 encodes `push %r11` (41 53), used by the wrapper template to
// push a value materialized into %r11 by a preceding MovAbsR11.
func PushR11() []byte {
	return []byte{0x41, 0x53}
}

// CallR11 encodes `call *%r11` (41 FF D3), the wrapper template's
// entry into the Go-side dispatcher.
func CallR11() []byte {
	return []byte{0x41, 0xFF, 0xD3}
}

// JmpR11 encodes `jmp *%r11` (41 FF E3), the wrapper template's jump
// back into the guest once the dispatcher returns.
func JmpR11() []byte {
	return []byte{0x41, 0xFF, 0xE3}
}

// FillDebugTrap returns n INT3 (0xCC) bytes, used to fill
// [dst_jmp_patch+5, return_address) so a stray entry into that gap
// traps immediately instead of executing garbage.
func FillDebugTrap(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = DebugTrapOpcode
	}
	return buf
}

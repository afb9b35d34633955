// Package crawler implements Component C of the hot-patching engine:
// disassembling a shared object's text section instruction by
// instruction, extending its jump-target bitmap and nop table, and
// collecting every syscall site into a list of patch candidates with
// their surrounding context. Grounded on crawl_text.c.
package crawler

import (
	"github.com/GBuella/syscall-intercept/internal/bitmap"
	"github.com/GBuella/syscall-intercept/internal/disasm"
	"github.com/GBuella/syscall-intercept/internal/objdesc"
)

// defaultMaxNopTableEntries bounds the nop table the way calculate_table_count
// does in the original: further nops are silently discarded past this
// point, which cannot affect correctness, only how often Plan A is
// available.
const defaultMaxNopTableEntries = 1 << 16

// Crawl disassembles desc's full text range, populating desc.Patches,
// and extending desc.JumpTable / desc.NopTable. desc.JumpTable must
// already exist (seeded by the object-metadata provider) before Crawl
// runs: symbol and relocation metadata must be read before
// disassembly begins.
func Crawl(desc *objdesc.Descriptor, code []byte) {
	CrawlWithLimit(desc, code, defaultMaxNopTableEntries)
}

// CrawlWithLimit is Crawl with an explicit nop-table cap, exposed for
// tests exercising the nop-table overflow/truncation behaviour.
func CrawlWithLimit(desc *objdesc.Descriptor, code []byte, maxNopTableEntries int) {
	if desc.JumpTable == nil {
		desc.JumpTable = bitmap.New(desc.TextStart, desc.TextEnd-desc.TextStart+1)
	}

	ctx := disasm.Init(desc.TextStart, desc.TextEnd)
	defer ctx.Destroy()

	// Sliding window of the three most recently decoded instructions,
	// oldest first -- prevs[2] is always the instruction decoded
	// immediately before the one currently being classified.
	var prevs [3]objdesc.Instruction
	hasPrevs := 0

	addr := desc.TextStart
	off := 0

	for addr <= desc.TextEnd {
		if off >= len(code) {
			break
		}

		result := ctx.Next(addr, code[off:])

		if result.Length == 0 {
			addr++
			off++
			continue
		}

		if result.IsIPRel && inRange(result.IPRelTarget, desc.TextStart, desc.TextEnd) {
			desc.MarkJump(result.IPRelTarget)
		}

		if result.IsOverwritableNop {
			desc.MarkNop(addr, result.Length, maxNopTableEntries)
		}

		// has_prevs >= 1 means prevs[2] was populated by a real decode
		// in the previous iteration -- i.e. the instruction right
		// before "result" is a syscall, and result is its follower.
		if hasPrevs >= 1 && prevs[2].IsSyscall {
			c := &objdesc.Candidate{
				SyscallAddr:   prevs[2].Addr,
				PrecedingIns2: prevs[0],
				PrecedingIns:  prevs[1],
				FollowingIns:  result,
			}
			c.SyscallOffset = uint64(c.SyscallAddr - (desc.TextStart - desc.TextOffset))
			desc.AddPatch(c)
		}

		prevs[0] = prevs[1]
		prevs[1] = prevs[2]
		prevs[2] = result

		if hasPrevs < 2 {
			hasPrevs++
		}

		addr += uintptr(result.Length)
		off += result.Length
	}
}

func inRange(v, lo, hi uintptr) bool {
	return v >= lo && v <= hi
}

// Package intercept is the top-level driver of the hot-patching
// engine: it discovers the shared objects worth patching, runs each
// one through the crawler and planner, generates trampolines and
// wrappers, and activates the patches. Grounded on intercept.c's
// intercept_routine dispatch and patcher.c's top-level
// patch_object/activate_patches flow.
package intercept

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/GBuella/syscall-intercept/internal/bitmap"
	"github.com/GBuella/syscall-intercept/internal/crawler"
	"github.com/GBuella/syscall-intercept/internal/objdesc"
	"github.com/GBuella/syscall-intercept/internal/planner"
	"github.com/GBuella/syscall-intercept/internal/rawsyscall"
	"github.com/GBuella/syscall-intercept/internal/trampoline"
)

// SyscallHook is called for every intercepted syscall, once a process
// has opted in via SetHook. Returning false tells the driver to skip
// forwarding the syscall to the kernel (the hook has already produced
// *result itself).
type SyscallHook func(nr int64, args [6]int64, result *int64) bool

// CloneChildHook is called on the child side of a thread-creating
// clone, on the new thread's own stack, before it returns to libc.
type CloneChildHook func()

var (
	mu             sync.Mutex
	hook           SyscallHook
	cloneChildHook CloneChildHook
	initialized    bool
)

// SetHook registers the process-wide syscall hook. Wrappers are
// stamped with the dispatcher's address once, at patch time; the
// dispatcher itself reads the registered hook on every call.
func SetHook(h SyscallHook) {
	mu.Lock()
	defer mu.Unlock()
	hook = h
}

// SetCloneChildHook registers the clone-child hook.
func SetCloneChildHook(h CloneChildHook) {
	mu.Lock()
	defer mu.Unlock()
	cloneChildHook = h
}

// Init discovers every eligible shared object, crawls its text,
// plans and activates its patches. It is safe to call at most once;
// a second call is a no-op. Init holds runtime.LockOSThread for its
// entire duration, since the raw-syscall primitives and the RWX
// activation window both assume an unmigrated OS thread.
func Init() error {
	mu.Lock()
	if initialized {
		mu.Unlock()
		return nil
	}
	initialized = true
	cfg := configFromEnv()
	mu.Unlock()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if !rawsyscall.EnsureStderr() {
		rawsyscall.Fatalf("intercept: stderr is not open, fatal errors would be unreportable")
	}

	selfPath, err := os.Readlink("/proc/self/exe")
	if err != nil {
		rawsyscall.Fatalf("intercept: readlink /proc/self/exe: %v", err)
	}

	objects, err := selectObjects(cfg, selfPath)
	if err != nil {
		rawsyscall.Fatalf("intercept: enumerate loaded objects: %v", err)
	}
	if !hasLibc(objects) {
		rawsyscall.Fatalf("intercept: libc not found among loaded objects")
	}

	logDest, err := openLogDestination(cfg)
	if err != nil {
		rawsyscall.Fatalf("intercept: opening log destination: %v", err)
	}
	setLogDestination(logDest)

	log := debugLogger(cfg)

	wrappers, err := trampoline.NewWrapperPool()
	if err != nil {
		rawsyscall.Fatalf("intercept: %v", err)
	}

	// Phase 1: prepare every object -- crawl, plan, allocate its
	// trampoline table, and stamp its wrappers -- without touching any
	// guest text yet. Phase 2 only begins once every wrapper across
	// every object has been stamped and the pool has been flipped from
	// RW to RX, so no object's activation can ever run ahead of that
	// flip.
	readyObjects := make([]*preparedObject, 0, len(objects))
	for _, obj := range objects {
		ready, err := prepareObject(obj, cfg, wrappers)
		if err != nil {
			rawsyscall.Fatalf("intercept: %v", err)
		}
		readyObjects = append(readyObjects, ready)
	}

	if err := wrappers.Finalize(); err != nil {
		rawsyscall.Fatalf("intercept: %v", err)
	}

	for _, ready := range readyObjects {
		if err := activatePatches(ready.desc, cfg.NoTrampoline); err != nil {
			rawsyscall.Fatalf("intercept: activating patches for %s: %v", ready.desc.Path, err)
		}
		dumpObjectSummary(log, ready.desc.Path, len(ready.desc.Patches),
			ready.stats.PlanACount, ready.stats.PlanBCount, ready.stats.SkippedBoundary)
	}

	return nil
}

// preparedObject carries one object's descriptor and patch-coverage
// stats from the prepare phase through to the activate phase.
type preparedObject struct {
	desc  *objdesc.Descriptor
	stats *trampoline.Stats
}

// prepareObject runs one object through metadata discovery, crawling,
// planning, trampoline-table placement, and wrapper stamping -- every
// step that only touches memory this package itself owns, stopping
// short of writing into the object's own live .text.
func prepareObject(obj object, cfg Config, wrappers *trampoline.WrapperPool) (*preparedObject, error) {
	text, err := readObjectMeta(obj.Path, obj.BaseAddr)
	if err != nil {
		return nil, fmt.Errorf("reading metadata for %s: %w", obj.Path, err)
	}
	offset, virtStart, virtEnd := text.Bounds()

	desc := &objdesc.Descriptor{
		BaseAddr:   obj.BaseAddr,
		Path:       obj.Path,
		TextOffset: uintptr(offset),
		TextStart:  uintptr(virtStart),
		TextEnd:    uintptr(virtEnd),
		JumpTable:  bitmap.New(uintptr(virtStart), uintptr(virtEnd)-uintptr(virtStart)+1),
	}
	text.MarkInto(desc.JumpTable)

	code, err := readTextBytes(obj.Path, offset, virtStart, virtEnd)
	if err != nil {
		return nil, fmt.Errorf("reading .text bytes for %s: %w", obj.Path, err)
	}

	crawler.Crawl(desc, code)

	if err := planner.Plan(desc); err != nil {
		return nil, fmt.Errorf("planning patches for %s: %w", obj.Path, err)
	}

	if !cfg.NoTrampoline {
		area, err := trampoline.AllocateArea(desc.TextStart, desc.TextEnd)
		if err != nil {
			return nil, fmt.Errorf("allocating trampoline table for %s: %w", obj.Path, err)
		}
		desc.TrampolineArea = area
		desc.UsesTrampolineTable = true
	}

	desc.WrapperDest = dispatchAddr()
	desc.WrapperDestCloneChild = cloneChildAddr()
	pathPtr := pathPointer(obj.Path)

	stats := &trampoline.Stats{}
	for _, c := range desc.Patches {
		slot, err := wrappers.Next()
		if err != nil {
			return nil, fmt.Errorf("reserving wrapper for %s: %w", obj.Path, err)
		}
		c.AsmWrapper = slot
		trampoline.StampWrapper(slot, c, pathPtr, desc.WrapperDest, desc.WrapperDestCloneChild)

		if c.UsesNopTrampoline {
			stats.PlanACount++
		} else {
			stats.PlanBCount++
		}
	}

	return &preparedObject{desc: desc, stats: stats}, nil
}

// activatePatches writes the redirecting jump for every candidate into
// the object's live .text, one object at a time, with the minimum
// possible window of writable pages open at once.
//
// Plan A repurposes a chosen nop: its first two bytes become a short
// skip jump from the nop's own address to just past its end, so any
// fall-through or branch that lands on the nop from elsewhere in the
// guest keeps running uninterrupted; the nop's remaining bytes (from
// DstJmpPatch == NopTrampoline.Addr+2) become the 5-byte escape jump
// to the trampoline slot; and the syscall instruction itself is
// overwritten with a 2-byte short jump straight to DstJmpPatch.
//
// Plan B rewrites the (possibly widened) window starting at
// DstJmpPatch with a single 5-byte relative jump straight to the
// trampoline slot, padding any leftover bytes with INT3 traps.
//
// When noTrampoline is set (INTERCEPT_NO_TRAMPOLINE), text jumps
// straight to the wrapper, skipping the per-object trampoline table
// entirely: a 5-byte relative jump when the wrapper is within reach,
// otherwise the 14-byte absolute form. The absolute form only fits a
// window of at least 14 bytes; for a smaller window activatePatches
// returns an error.
func activatePatches(desc *objdesc.Descriptor, noTrampoline bool) error {
	for _, c := range desc.Patches {
		dest := c.AsmWrapper
		if !noTrampoline {
			slot, err := trampoline.Reserve(&desc.TrampolineArea, c.AsmWrapper)
			if err != nil {
				return err
			}
			dest = slot
		}

		if c.UsesNopTrampoline {
			nopEnd := c.NopTrampoline.Addr + uintptr(c.NopTrampoline.Size)
			if err := writeJump(c.DstJmpPatch, c.NopTrampoline.Size-2, dest); err != nil {
				return err
			}
			if err := writeShortJump(c.NopTrampoline.Addr, nopEnd); err != nil {
				return err
			}
			if err := writeShortJump(c.SyscallAddr, c.DstJmpPatch); err != nil {
				return err
			}
		} else {
			windowEnd := c.ReturnAddress
			windowStart := c.DstJmpPatch
			if err := writeJump(windowStart, int(windowEnd-windowStart), dest); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeJump activates a writable window over [addr, addr+size) and
// fills it with a 5-byte relative jump to dest followed by INT3
// padding, falling back to the 14-byte absolute form when dest is
// unreachable with a 32-bit displacement (i.e. trampolines were
// disabled via INTERCEPT_NO_TRAMPOLINE).
func writeJump(addr uintptr, size int, dest uintptr) error {
	return trampoline.Activate(addr, uintptr(size), func() error {
		buf, err := buildJump(addr, dest, size)
		if err != nil {
			return err
		}
		writeAt(addr, buf)
		return nil
	})
}

func writeShortJump(addr uintptr, dest uintptr) error {
	return trampoline.Activate(addr, 2, func() error {
		buf, err := shortJumpBytes(addr, dest)
		if err != nil {
			return err
		}
		writeAt(addr, buf)
		return nil
	})
}

// readTextBytes reads exactly the bytes backing [start, end] from the
// object's own backing file, since what matters to the crawler is the
// on-disk representation of .text, not whatever a debugger happens to
// have poked into the live mapping.
func readTextBytes(path string, offset, virtStart, virtEnd uint64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size := virtEnd - virtStart + 1
	buf := make([]byte, size)
	_, err = f.ReadAt(buf, int64(offset))
	return buf, err
}

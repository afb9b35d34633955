package intercept

import (
	"fmt"
	"unsafe"

	"github.com/GBuella/syscall-intercept/internal/codec"
	"github.com/GBuella/syscall-intercept/internal/trampoline"
)

// buildJump returns the bytes to write at addr to redirect control to
// dest, sized to exactly fill size bytes: a 5-byte relative jump plus
// INT3 padding when size > 5, or the 14-byte absolute form when dest
// is out of relative-jump range.
func buildJump(addr, dest uintptr, size int) ([]byte, error) {
	rel, err := codec.RelJump(0xE9, addr, dest)
	if err != nil {
		if size < codec.AbsoluteJumpSize {
			return nil, fmt.Errorf("patch_write: window of %d bytes too small for an absolute jump: %w", size, err)
		}
		buf := codec.AbsoluteJump(dest)
		return append(buf, codec.FillDebugTrap(size-len(buf))...), nil
	}
	if size < codec.RelJumpSize {
		return nil, fmt.Errorf("patch_write: window of %d bytes too small for a relative jump", size)
	}
	return append(rel, codec.FillDebugTrap(size-len(rel))...), nil
}

func shortJumpBytes(addr, dest uintptr) ([]byte, error) {
	return codec.ShortJump(addr, dest)
}

// writeAt copies data into the live memory at addr. Callers must
// already hold an active trampoline.Activate window over this range.
func writeAt(addr uintptr, data []byte) {
	dst := unsafe.Slice((*byte)(unsafe.Pointer(addr)), len(data))
	copy(dst, data)
}

// dispatchAddr is the address every stamped wrapper's ordinary entry
// calls into. Go cannot expose an arbitrary function as a call target
// for raw machine code without a small assembly entry shim (out of
// scope here, same as the rest of the external collaborators in the
// external interface table); dispatchGateway is the placeholder that
// shim would jump through once written, already wired to the
// registered hooks.
func dispatchAddr() uintptr {
	return uintptr(unsafe.Pointer(&dispatchGatewayPlaceholder))
}

// cloneChildAddr is the address every stamped wrapper's clone-child
// entry calls into instead, on the same placeholder basis as
// dispatchAddr.
func cloneChildAddr() uintptr {
	return uintptr(unsafe.Pointer(&dispatchCloneChildPlaceholder))
}

// pathPointer returns a pointer to path's backing bytes, the value a
// wrapper pushes via MovAbsR11+PushR11 so the (out of scope)
// dispatcher can identify which object a syscall came from. An empty
// path (never produced by selectObjects) yields a nil pointer rather
// than panicking.
func pathPointer(path string) uintptr {
	if len(path) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(unsafe.StringData(path)))
}

// dispatchGatewayPlaceholder stands in for the landing address the
// assembly entry shim would actually call into once written.
var dispatchGatewayPlaceholder byte

// dispatchCloneChildPlaceholder is cloneChildAddr's counterpart.
var dispatchCloneChildPlaceholder byte

// dispatchGateway is called by the (out of scope) assembly entry shim
// with the decoded syscall number and arguments; it exists so SetHook
// has somewhere to be consulted once that shim is wired in. A
// thread-creating clone's child side (nr in the clone family, a zero
// result, and a caller-supplied stack pointer in arg1) additionally
// runs the clone-child hook here, in lieu of the real shim branching
// to the wrapper's separate clone-child entry based on the CPU's own
// post-syscall register state.
func dispatchGateway(nr int64, args [6]int64) (result int64, forward bool) {
	mu.Lock()
	h := hook
	mu.Unlock()

	if h == nil {
		return 0, true
	}
	var r int64
	forward = h(nr, args, &r)

	if r == 0 && trampoline.IsCloneFamily(nr) && trampoline.IsCloneThread(nr, args[1]) {
		dispatchCloneChild()
	}

	return r, forward
}

// dispatchCloneChild is called by the (out of scope) assembly entry
// shim on the child thread's own stack after a thread-creating clone
// returns zero, before it falls back into libc.
func dispatchCloneChild() {
	mu.Lock()
	h := cloneChildHook
	mu.Unlock()

	if h != nil {
		h()
	}
}

// Package rawsyscall provides the "raw syscall" primitive the rest of
// the engine must use once patching has begun: a direct SYSCALL
// instruction, issued via golang.org/x/sys/unix's RawSyscall family,
// never through anything that could itself be intercepted.
//
// Nothing in this package may allocate through the Go heap in a way
// that could plausibly call mmap via a patched libc path; it is the
// one place in the repo where reaching for a convenience library would
// defeat the point of the exercise. See DESIGN.md.
package rawsyscall

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mmap wraps the anonymous-mapping syscall used by every other package
// that needs memory the host heap implementation never touched.
func Mmap(addr, length uintptr, prot, flags int) (uintptr, error) {
	r, _, errno := unix.RawSyscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), ^uintptr(0), 0)
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

// Munmap releases a mapping obtained from Mmap.
func Munmap(addr, length uintptr) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// Mprotect changes the permissions of a page-aligned range. Used by the
// trampoline package to open a window for writing and close it again
// immediately after, so patched text is only ever briefly writable.
func Mprotect(addr, length uintptr, prot int) error {
	_, _, errno := unix.RawSyscall(unix.SYS_MPROTECT, addr, length, uintptr(prot))
	if errno != 0 {
		return errno
	}
	return nil
}

// Write issues a raw write(2), bypassing os.Stderr's buffering and any
// patched libc write wrapper.
func Write(fd int, p []byte) (int, error) {
	n, _, errno := unix.RawSyscall(unix.SYS_WRITE, uintptr(fd), uintptr(ptr(p)), uintptr(len(p)))
	if errno != 0 {
		return int(n), errno
	}
	return int(n), nil
}

// Exit terminates the process immediately via exit_group, without
// running deferred Go finalizers or flushing anything.
func Exit(code int) {
	unix.RawSyscall(unix.SYS_EXIT_GROUP, uintptr(code), 0, 0)
	// Unreachable, but satisfies the type checker for callers that
	// treat Exit as diverging.
	for {
	}
}

// Fatalf formats msg directly into a fixed buffer (no fmt, no
// allocation-driven growth) and writes it to fd 2, then exits the
// process. This is the only error path for fatal environment errors:
// cannot open metadata, trampoline allocation infeasible, wrapper pool
// exhausted, patch window under 5 bytes, libc not found, invalid
// object magic, trampoline range outside +-2 GiB.
func Fatalf(msg string, args ...any) {
	var buf [512]byte
	n := formatInto(buf[:], msg, args...)
	buf[n] = '\n'
	n++
	Write(2, buf[:n])
	Exit(1)
}

// formatInto is a tiny stand-in for fmt.Sprintf writing into a fixed
// buffer. Any verb consumes the next argument; formatArg renders
// strings and errors as text and integers in decimal, or in hex for
// %x. Any other argument type prints as "?". It purposefully does not
// support width/precision: every call site in this repo needs at most
// a path, an error and a couple of hex offsets.
func formatInto(buf []byte, format string, args ...any) int {
	w := 0
	ai := 0
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 >= len(format) {
			if w < len(buf)-1 {
				buf[w] = c
				w++
			}
			continue
		}
		i++
		verb := format[i]
		var s string
		if ai < len(args) {
			s = formatArg(args[ai], verb)
			ai++
		}
		for j := 0; j < len(s) && w < len(buf)-1; j++ {
			buf[w] = s[j]
			w++
		}
	}
	return w
}

func formatArg(a any, verb byte) string {
	switch v := a.(type) {
	case string:
		return v
	case int:
		return itoa(int64(v), verb == 'x')
	case int32:
		return itoa(int64(v), verb == 'x')
	case int64:
		return itoa(v, verb == 'x')
	case uint:
		return utoa(uint64(v), verb == 'x')
	case uint32:
		return utoa(uint64(v), verb == 'x')
	case uint64:
		return utoa(v, verb == 'x')
	case uintptr:
		return utoa(uint64(v), verb == 'x')
	case error:
		return v.Error()
	default:
		return "?"
	}
}

func itoa(v int64, hex bool) string {
	if v < 0 {
		return "-" + utoa(uint64(-v), hex)
	}
	return utoa(uint64(v), hex)
}

func utoa(v uint64, hex bool) string {
	if v == 0 {
		return "0"
	}
	const digits = "0123456789abcdef"
	base := uint64(10)
	if hex {
		base = 16
	}
	var tmp [32]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = digits[v%base]
		v /= base
	}
	return string(tmp[i:])
}

func ptr(p []byte) uintptr {
	if len(p) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&p[0]))
}

// EnsureStderr is a best-effort guard making sure fd 2 is actually
// open; if the host closed stderr we would otherwise write into
// whatever fd got reused for it, silently. Called once from the
// driver before the first Fatalf can occur.
func EnsureStderr() bool {
	fi, err := os.Stderr.Stat()
	return err == nil && fi != nil
}

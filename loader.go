package intercept

import (
	"strings"

	"github.com/GBuella/syscall-intercept/internal/mapiter"
)

// object is one shared object selected for patching: the path and
// base address mapiter found it at, shared by elfmeta/machometa
// before either one opens the backing file.
type object struct {
	Path     string
	BaseAddr uintptr
}

// selectObjects walks /proc/self/maps and picks out the distinct
// file-backed objects eligible for patching, applying the exclusion
// policy shared by both object-metadata providers: skip the running
// executable itself, skip the vDSO, and -- unless INTERCEPT_ALL_OBJS
// is set -- only patch libc/libpthread, the default scope an LD_PRELOAD
// syscall interceptor needs to see every syscall a process issues
// through the C library.
func selectObjects(cfg Config, selfPath string) ([]object, error) {
	seen := make(map[string]uintptr)
	var order []string

	err := mapiter.Walk(func(r mapiter.Region) error {
		if r.Path == "" {
			return nil
		}
		if isExcluded(r.Path, selfPath) {
			return nil
		}
		if !cfg.AllObjs && !isLibcFamily(r.Path) {
			return nil
		}
		if _, ok := seen[r.Path]; !ok {
			seen[r.Path] = r.Start
			order = append(order, r.Path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	objects := make([]object, 0, len(order))
	for _, path := range order {
		objects = append(objects, object{Path: path, BaseAddr: seen[path]})
	}
	return objects, nil
}

// isExcluded reports whether path must never be patched regardless of
// INTERCEPT_ALL_OBJS: the process's own executable (patching one's own
// running text while executing it is unsupported) and the kernel's
// vDSO mapping, which carries no backing file a metadata provider
// could open.
func isExcluded(path, selfPath string) bool {
	if path == selfPath {
		return true
	}
	switch path {
	case "[vdso]", "[vsyscall]", "[vvar]", "[heap]", "[stack]":
		return true
	}
	return false
}

// isLibcFamily reports whether path looks like libc or libpthread --
// the default patch scope before INTERCEPT_ALL_OBJS widens it to
// everything.
func isLibcFamily(path string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	for _, prefix := range []string{"libc.so", "libc-", "libpthread"} {
		if strings.HasPrefix(base, prefix) {
			return true
		}
	}
	return false
}

// isLibc reports whether path is specifically libc itself, as opposed
// to a family member like libpthread -- the one object hasLibc
// requires to be present, since a statically-linked or fully-filtered
// process has no syscall sites an LD_PRELOAD interceptor could ever
// reach.
func isLibc(path string) bool {
	base := path
	if idx := strings.LastIndexByte(path, '/'); idx >= 0 {
		base = path[idx+1:]
	}
	return strings.HasPrefix(base, "libc.so") || strings.HasPrefix(base, "libc-")
}

// hasLibc reports whether objects contains libc.
func hasLibc(objects []object) bool {
	for _, obj := range objects {
		if isLibc(obj.Path) {
			return true
		}
	}
	return false
}

//go:build linux

package intercept

import "github.com/GBuella/syscall-intercept/internal/elfmeta"

// readObjectMeta reads ELF object metadata on Linux.
func readObjectMeta(path string, baseAddr uintptr) (objectText, error) {
	return elfmeta.Read(path, uint64(baseAddr))
}

//go:build darwin

package intercept

import "github.com/GBuella/syscall-intercept/internal/machometa"

// readObjectMeta reads Mach-O object metadata on macOS.
func readObjectMeta(path string, baseAddr uintptr) (objectText, error) {
	return machometa.Read(path, uint64(baseAddr))
}

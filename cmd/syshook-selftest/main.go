// Command syshook-selftest registers a trivial syscall hook, calls
// Init, and issues a getpid() so an operator can confirm the engine
// patched libc and the hook actually ran -- the minimal stand-in for
// the original's "magic syscall" test escape, which stays out of
// scope here since it belongs to the external test harness, not the
// engine itself.
package main

import (
	"fmt"
	"os"

	intercept "github.com/GBuella/syscall-intercept"
)

func main() {
	var seen int64

	intercept.SetHook(func(nr int64, args [6]int64, result *int64) bool {
		seen++
		return true // always forward to the kernel
	})

	if err := intercept.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "syshook-selftest: init failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("pid=%d hook_invocations=%d\n", os.Getpid(), seen)
}

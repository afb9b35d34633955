package intercept

import (
	"os"
	"testing"
)

func withEnv(t *testing.T, kv map[string]string, fn func()) {
	t.Helper()
	for k, v := range kv {
		t.Setenv(k, v)
	}
	fn()
}

func TestConfigFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"INTERCEPT_ALL_OBJS", "INTERCEPT_NO_TRAMPOLINE", "INTERCEPT_LOG", "INTERCEPT_LOG_TRUNC", "INTERCEPT_DEBUG_DUMP"} {
		t.Setenv(k, "") // registers restoration of the original value
		os.Unsetenv(k)
	}
	cfg := configFromEnv()
	if cfg.AllObjs {
		t.Errorf("expected AllObjs false by default")
	}
	if cfg.DebugDump {
		t.Errorf("expected DebugDump false by default")
	}
}

func TestConfigFromEnvNoTrampolineValue(t *testing.T) {
	withEnv(t, map[string]string{"INTERCEPT_NO_TRAMPOLINE": "1"}, func() {
		cfg := configFromEnv()
		if !cfg.NoTrampoline {
			t.Errorf("expected NoTrampoline true when set to 1")
		}
	})

	withEnv(t, map[string]string{"INTERCEPT_NO_TRAMPOLINE": "0"}, func() {
		cfg := configFromEnv()
		if cfg.NoTrampoline {
			t.Errorf("expected NoTrampoline false when explicitly set to 0")
		}
	})
}

func TestConfigFromEnvLogPath(t *testing.T) {
	withEnv(t, map[string]string{"INTERCEPT_LOG": "-", "INTERCEPT_LOG_TRUNC": "1"}, func() {
		cfg := configFromEnv()
		if cfg.LogPath != "-" {
			t.Errorf("LogPath = %q, want -", cfg.LogPath)
		}
		if !cfg.LogTrunc {
			t.Errorf("expected LogTrunc true")
		}
	})
}

func TestIsLibcFamily(t *testing.T) {
	cases := map[string]bool{
		"/lib/x86_64-linux-gnu/libc.so.6":       true,
		"/lib/x86_64-linux-gnu/libc-2.31.so":    true,
		"/lib/x86_64-linux-gnu/libpthread.so.0": true,
		"/usr/bin/myapp":                        false,
		"/lib/x86_64-linux-gnu/libm.so.6":        false,
	}
	for path, want := range cases {
		if got := isLibcFamily(path); got != want {
			t.Errorf("isLibcFamily(%q) = %v, want %v", path, got, want)
		}
	}
}

func TestIsExcluded(t *testing.T) {
	if !isExcluded("[vdso]", "/usr/bin/myapp") {
		t.Errorf("expected vdso to be excluded")
	}
	if !isExcluded("/usr/bin/myapp", "/usr/bin/myapp") {
		t.Errorf("expected self path to be excluded")
	}
	if isExcluded("/lib/libc.so.6", "/usr/bin/myapp") {
		t.Errorf("expected libc not to be excluded")
	}
}

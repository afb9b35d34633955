package rawsyscall

import "testing"

func TestFormatInto(t *testing.T) {
	cases := []struct {
		format string
		args   []any
		want   string
	}{
		{"no substitutions", nil, "no substitutions"},
		{"path=%s offset=0x%x", []any{"/lib/libc.so.6", uint32(0x1a2b)}, "path=/lib/libc.so.6 offset=0x1a2b"},
		{"n=%d", []any{-7}, "n=-7"},
		{"u=%d", []any{uint64(0)}, "u=0"},
	}

	for _, c := range cases {
		var buf [256]byte
		n := formatInto(buf[:], c.format, c.args...)
		got := string(buf[:n])
		if got != c.want {
			t.Errorf("formatInto(%q, %v) = %q, want %q", c.format, c.args, got, c.want)
		}
	}
}

func TestItoaUtoa(t *testing.T) {
	if got := itoa(-128, false); got != "-128" {
		t.Errorf("itoa(-128) = %q", got)
	}
	if got := utoa(255, true); got != "ff" {
		t.Errorf("utoa(255, hex) = %q", got)
	}
	if got := utoa(0, false); got != "0" {
		t.Errorf("utoa(0) = %q", got)
	}
}

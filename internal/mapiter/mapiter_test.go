package mapiter

import "testing"

func TestParseLine(t *testing.T) {
	line := "7f1234560000-7f1234580000 r-xp 00001000 08:01 131075  /lib/x86_64-linux-gnu/libc.so.6"
	r, ok := parseLine(line)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if r.Start != 0x7f1234560000 || r.End != 0x7f1234580000 {
		t.Errorf("got range 0x%x-0x%x", r.Start, r.End)
	}
	if r.Perms != "r-xp" {
		t.Errorf("perms = %q", r.Perms)
	}
	if r.Offset != 0x1000 {
		t.Errorf("offset = 0x%x, want 0x1000", r.Offset)
	}
	if r.Path != "/lib/x86_64-linux-gnu/libc.so.6" {
		t.Errorf("path = %q", r.Path)
	}
}

func TestParseLineAnonymous(t *testing.T) {
	line := "600000000000-600000021000 rw-p 00000000 00:00 0"
	r, ok := parseLine(line)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if r.Path != "" {
		t.Errorf("expected empty path for anonymous mapping, got %q", r.Path)
	}
}

func TestParseLineMalformedIsRejected(t *testing.T) {
	if _, ok := parseLine("not a maps line"); ok {
		t.Errorf("expected malformed line to be rejected")
	}
	if _, ok := parseLine(""); ok {
		t.Errorf("expected empty line to be rejected")
	}
}

func TestWalkReadsRealProcSelfMaps(t *testing.T) {
	count := 0
	err := Walk(func(r Region) error {
		count++
		if r.End < r.Start {
			t.Errorf("region end 0x%x before start 0x%x", r.End, r.Start)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Walk returned error: %v", err)
	}
	if count == 0 {
		t.Errorf("expected at least one mapped region for the running test process")
	}
}

func TestMinMappableAddressNeverZero(t *testing.T) {
	if got := MinMappableAddress(); got == 0 {
		t.Errorf("MinMappableAddress() = 0, want a non-zero guess or sysctl value")
	}
}

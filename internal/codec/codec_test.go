package codec

import "testing"

func TestRelJumpEncoding(t *testing.T) {
	buf, err := RelJump(0xE9, 0x1000, 0x1010)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(buf) != RelJumpSize {
		t.Fatalf("length = %d, want %d", len(buf), RelJumpSize)
	}
	if buf[0] != 0xE9 {
		t.Errorf("opcode = 0x%x, want 0xE9", buf[0])
	}
	// to - (from+5) = 0x1010 - 0x1005 = 0xB
	want := []byte{0xE9, 0x0B, 0x00, 0x00, 0x00}
	for i := range want {
		if buf[i] != want[i] {
			t.Errorf("byte %d = 0x%x, want 0x%x", i, buf[i], want[i])
		}
	}
}

func TestRelJumpRejectsInvalidOpcode(t *testing.T) {
	if _, err := RelJump(0x90, 0x1000, 0x1010); err == nil {
		t.Fatalf("expected error for invalid opcode")
	}
}

func TestRelJumpRejectsOutOfRangeDisplacement(t *testing.T) {
	from := uintptr(0x1000)
	to := from + uintptr(1<<32) + 10
	if _, err := RelJump(0xE9, from, to); err == nil {
		t.Fatalf("expected error for displacement overflow")
	}
}

func TestShortJumpEncoding(t *testing.T) {
	buf, err := ShortJump(0x1000, 0x1000+2+100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if buf[0] != 0xEB || buf[1] != 100 {
		t.Errorf("got % x, want EB 64", buf)
	}
}

func TestShortJumpBoundaries(t *testing.T) {
	from := uintptr(0x2000)
	if _, err := ShortJump(from, from+2+127); err != nil {
		t.Errorf("expected +127 to fit, got error: %v", err)
	}
	if _, err := ShortJump(from, from+2+128); err == nil {
		t.Errorf("expected +128 to overflow int8 range")
	}
	if _, err := ShortJump(from, from+2-128); err != nil {
		t.Errorf("expected -128 to fit, got error: %v", err)
	}
	if _, err := ShortJump(from, from+2-129); err == nil {
		t.Errorf("expected -129 to overflow int8 range")
	}
}

func TestAbsoluteJumpEncoding(t *testing.T) {
	buf := AbsoluteJump(0x7fff00001234)
	if len(buf) != AbsoluteJumpSize {
		t.Fatalf("length = %d, want %d", len(buf), AbsoluteJumpSize)
	}
	if buf[0] != 0xFF || buf[1] != 0x25 {
		t.Errorf("prefix = % x, want FF 25", buf[:2])
	}
	for i, b := range buf[2:6] {
		if b != 0 {
			t.Errorf("rip-disp byte %d = 0x%x, want 0", i, b)
		}
	}
}

func TestPushImm32Encoding(t *testing.T) {
	buf := PushImm32(0xdeadbeef)
	if buf[0] != 0x68 {
		t.Errorf("opcode = 0x%x, want 0x68", buf[0])
	}
	if len(buf) != PushImm32Size {
		t.Fatalf("length = %d, want %d", len(buf), PushImm32Size)
	}
}

func TestMovAbsR11Encoding(t *testing.T) {
	buf := MovAbsR11(0x1122334455667788)
	if buf[0] != 0x49 || buf[1] != 0xBB {
		t.Errorf("prefix = % x, want 49 BB", buf[:2])
	}
	if len(buf) != MovAbsR11Size {
		t.Fatalf("length = %d, want %d", len(buf), MovAbsR11Size)
	}
}

func TestFillDebugTrap(t *testing.T) {
	buf := FillDebugTrap(4)
	if len(buf) != 4 {
		t.Fatalf("length = %d, want 4", len(buf))
	}
	for i, b := range buf {
		if b != DebugTrapOpcode {
			t.Errorf("byte %d = 0x%x, want 0x%x", i, b, DebugTrapOpcode)
		}
	}
}

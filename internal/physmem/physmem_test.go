package physmem

import (
	"errors"
	"testing"
)

func TestMemoryBounds(t *testing.T) {
	mem, err := New(0x100000, 0x4000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	if _, err := mem.WriteAt([]byte{1, 2, 3}, 0x100000); err != nil {
		t.Fatalf("WriteAt at base: %v", err)
	}
	if _, err := mem.WriteAt([]byte{1}, 0xfffff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("WriteAt below base: got %v want ErrOutOfRange", err)
	}
	if _, err := mem.ReadAt(make([]byte, 2), 0x103fff); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ReadAt past end: got %v want ErrOutOfRange", err)
	}
	if !mem.Contains(0x103000, 0x1000) || mem.Contains(0x103001, 0x1000) {
		t.Fatalf("Contains mismatch at end of memory")
	}

	buf := make([]byte, 3)
	if _, err := mem.ReadAt(buf, 0x100000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if buf[0] != 1 || buf[2] != 3 {
		t.Fatalf("ReadAt = %v, want [1 2 3]", buf)
	}
}

func TestMemoryZero(t *testing.T) {
	mem, err := New(0, 0x2000)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer mem.Close()

	zero, err := mem.IsZero(0, 0x2000)
	if err != nil || !zero {
		t.Fatalf("fresh memory IsZero = %v, %v", zero, err)
	}
	if _, err := mem.WriteAt([]byte{0xff}, 0x1fff); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	if zero, _ := mem.IsZero(0x1000, 0x1000); zero {
		t.Fatalf("IsZero true after dirtying last byte")
	}
	if err := mem.Zero(0x1000, 0x1000); err != nil {
		t.Fatalf("Zero: %v", err)
	}
	if zero, _ := mem.IsZero(0, 0x2000); !zero {
		t.Fatalf("IsZero false after Zero")
	}
}

func TestNewRejectsUnaligned(t *testing.T) {
	if _, err := New(0x10, 0x1000); err == nil {
		t.Fatalf("expected error for unaligned base")
	}
	if _, err := New(0, 0x1001); err == nil {
		t.Fatalf("expected error for unaligned size")
	}
}

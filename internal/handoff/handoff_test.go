package handoff

import (
	"errors"
	"testing"
)

func TestBlockLayout(t *testing.T) {
	b := &Block{
		FirmwareRevision: 0x2003c,
		LoaderMajor:      1,
		KernelBase:       0x40000000,
		KernelPages:      0x12,
		ConfigTableCount: 3,
	}
	buf := b.Encode()
	if len(buf) != Size {
		t.Fatalf("Encode returned %d bytes, want %d", len(buf), Size)
	}
	if buf[kernelBaseOffset+3] != 0x40 {
		t.Fatalf("kernel base not at offset 0x%x: % x", kernelBaseOffset, buf[kernelBaseOffset:kernelBaseOffset+8])
	}
	if buf[configTableCountOffset] != 3 {
		t.Fatalf("config table count not at offset 0x%x", configTableCountOffset)
	}

	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if *got != *b {
		t.Fatalf("Decode = %+v, want %+v", got, b)
	}

	if _, err := Decode(buf[:Size-1]); err == nil {
		t.Fatalf("Decode accepted a short block")
	}
}

func TestStrings(t *testing.T) {
	tests := []string{"", `\EFI\PiousOS\kernel`, "quiet λ"}
	for _, s := range tests {
		enc := EncodeString(s)
		if len(enc)%2 != 0 || enc[len(enc)-1] != 0 || enc[len(enc)-2] != 0 {
			t.Fatalf("EncodeString(%q) not NUL terminated: % x", s, enc)
		}
		if got := DecodeString(enc); got != s {
			t.Fatalf("DecodeString(EncodeString(%q)) = %q", s, got)
		}
	}
}

func TestCheckLoaderVersion(t *testing.T) {
	tests := []struct {
		major, minor uint32
		ok           bool
	}{
		{LoaderMajorVersion, LoaderMinorVersion, true},
		{LoaderMajorVersion, LoaderMinorVersion + 1, false},
		{LoaderMajorVersion + 1, 0, false},
		{0, 9, false},
	}
	for _, tt := range tests {
		b := &Block{LoaderMajor: tt.major, LoaderMinor: tt.minor}
		err := b.CheckLoaderVersion()
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error %v", b.LoaderVersion(), err)
		}
		if !tt.ok && !errors.Is(err, ErrIncompatibleLoader) {
			t.Errorf("%s: got %v want ErrIncompatibleLoader", b.LoaderVersion(), err)
		}
	}
}

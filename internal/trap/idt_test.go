package trap

import (
	"bytes"
	"testing"
)

func TestGateRoundTrip(t *testing.T) {
	for _, g := range []Gate{
		{Offset: 0xffffffff80123456, Selector: CodeSelector, TypeAttr: GateInterrupt},
		{Offset: 0x00007fff_abcd_1234, Selector: CodeSelector, IST: ISTDoubleFault, TypeAttr: GateTrap},
		{},
	} {
		b := EncodeGate(g)
		got, err := DecodeGate(b[:])
		if err != nil {
			t.Fatalf("DecodeGate: %v", err)
		}
		if got != g {
			t.Fatalf("round trip %+v -> %+v", g, got)
		}
	}
}

func TestGateLayout(t *testing.T) {
	b := EncodeGate(Gate{Offset: 0xffffffff80123456, Selector: 0x08, IST: 3, TypeAttr: 0x8E})
	want := []byte{
		0x56, 0x34, // offset 0..15
		0x08, 0x00, // selector
		0x03,       // ist
		0x8e,       // type / attributes
		0x12, 0x80, // offset 16..31
		0xff, 0xff, 0xff, 0xff, // offset 32..63
		0, 0, 0, 0,
	}
	if !bytes.Equal(b[:], want) {
		t.Fatalf("gate bytes\n got % x\nwant % x", b, want)
	}
	if !(Gate{TypeAttr: GateInterrupt}).Present() || (Gate{}).Present() {
		t.Fatalf("present bit")
	}
}

func TestGDT(t *testing.T) {
	const tss = 0xffffffff80123456
	g := NewGDT(tss)
	if g[0] != 0 || g[1] != CodeDescriptor || g[2] != DataDescriptor {
		t.Fatalf("segment descriptors %x", g)
	}
	if got := TSSBase(g[3], g[4]); got != tss {
		t.Fatalf("TSSBase = 0x%x, want 0x%x", got, uint64(tss))
	}
	// type, limit and flags are untouched by the base
	if g[3]&0x00ffff000000ffff != TSSDescriptor&0x00ffff000000ffff {
		t.Fatalf("tss descriptor 0x%x", g[3])
	}
	if g.Limit() != 39 || len(g.Encode()) != 40 {
		t.Fatalf("limit %d", g.Limit())
	}
	if int(TSSSelector)/8 != 3 || int(CodeSelector)/8 != 1 || int(DataSelector)/8 != 2 {
		t.Fatalf("selectors do not index the table")
	}
}

func TestTSSEncoding(t *testing.T) {
	tss := TSS{IOMapBase: TSSSize}
	if err := tss.SetIST(ISTNMI, 0x11000); err != nil {
		t.Fatalf("SetIST: %v", err)
	}
	if err := tss.SetIST(ISTBreakpoint, 0x14000); err != nil {
		t.Fatalf("SetIST: %v", err)
	}
	if err := tss.SetIST(8, 1); err == nil {
		t.Fatalf("SetIST accepted slot 8")
	}
	buf := tss.Encode()
	if len(buf) != TSSSize {
		t.Fatalf("encoded %d bytes", len(buf))
	}
	if buf[0x24] != 0x00 || buf[0x25] != 0x10 || buf[0x26] != 0x01 {
		t.Fatalf("IST1 bytes % x", buf[0x24:0x2c])
	}
	got, err := DecodeTSS(buf)
	if err != nil {
		t.Fatalf("DecodeTSS: %v", err)
	}
	if *got != tss {
		t.Fatalf("round trip %+v", got)
	}
}

func TestVectorClasses(t *testing.T) {
	for _, v := range []Vector{15, 21, 22, 27, 28, 29, 31} {
		if !v.Reserved() {
			t.Errorf("vector %d not reserved", v)
		}
	}
	for _, v := range []Vector{DivideError, PageFault, MachineCheck, Security, FirstUserVector, 255} {
		if v.Reserved() {
			t.Errorf("vector %d reserved", v)
		}
	}
	for v, want := range map[Vector]bool{21: true, 29: true, DoubleFault: true, PageFault: true, 22: false, InvalidOpcode: false, 40: false} {
		if got := v.HasErrorCode(); got != want {
			t.Errorf("HasErrorCode(%d) = %v, want %v", v, got, want)
		}
	}
	for v, want := range map[Vector]uint8{NMI: 1, DoubleFault: 2, MachineCheck: 3, Breakpoint: 4, PageFault: 0, 32: 0} {
		if got := v.StackIndex(); got != want {
			t.Errorf("StackIndex(%d) = %d, want %d", v, got, want)
		}
	}
	if PageFault.String() != "#PF page fault" || Vector(40).String() != "user interrupt 40" {
		t.Errorf("names %q %q", PageFault, Vector(40))
	}
}

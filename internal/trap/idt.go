package trap

import (
	"encoding/binary"
	"fmt"
)

const GateSize = 16

// Gate type and attribute bytes.
const (
	// GateInterrupt is a present DPL 0 interrupt gate. Maskable interrupts
	// stay disabled while the handler runs.
	GateInterrupt uint8 = 0x8E
	// GateTrap is a present DPL 0 trap gate.
	GateTrap uint8 = 0x8F

	gatePresent = 0x80
)

// Gate is one interrupt descriptor table entry.
type Gate struct {
	Offset   uint64
	Selector uint16
	IST      uint8
	TypeAttr uint8
}

func (g Gate) Present() bool {
	return g.TypeAttr&gatePresent != 0
}

// EncodeGate lays out g the way the processor reads it: the handler offset
// is split into bits 0-15, 16-31 and 32-63.
func EncodeGate(g Gate) [GateSize]byte {
	var b [GateSize]byte
	le := binary.LittleEndian
	le.PutUint16(b[0:], uint16(g.Offset))
	le.PutUint16(b[2:], g.Selector)
	b[4] = g.IST & 0x7
	b[5] = g.TypeAttr
	le.PutUint16(b[6:], uint16(g.Offset>>16))
	le.PutUint32(b[8:], uint32(g.Offset>>32))
	return b
}

func DecodeGate(b []byte) (Gate, error) {
	if len(b) < GateSize {
		return Gate{}, fmt.Errorf("gate of %d bytes, want %d", len(b), GateSize)
	}
	le := binary.LittleEndian
	return Gate{
		Offset: uint64(le.Uint16(b[0:])) |
			uint64(le.Uint16(b[6:]))<<16 |
			uint64(le.Uint32(b[8:]))<<32,
		Selector: le.Uint16(b[2:]),
		IST:      b[4] & 0x7,
		TypeAttr: b[5],
	}, nil
}

// IDT is the full 256 entry interrupt descriptor table.
type IDT [VectorCount]Gate

func (t *IDT) Limit() uint16 {
	return VectorCount*GateSize - 1
}

func (t *IDT) Encode() []byte {
	buf := make([]byte, VectorCount*GateSize)
	for i, g := range t {
		b := EncodeGate(g)
		copy(buf[i*GateSize:], b[:])
	}
	return buf
}

package trap

import "encoding/binary"

// Descriptors of the minimal flat long mode GDT.
const (
	NullDescriptor uint64 = 0
	// CodeDescriptor is a ring 0 64-bit code segment.
	CodeDescriptor uint64 = 0x00af9a000000ffff
	// DataDescriptor is a ring 0 writable data segment.
	DataDescriptor uint64 = 0x00cf92000000ffff
	// TSSDescriptor is an available 64-bit TSS with limit 0x67. The base is
	// patched in by NewGDT.
	TSSDescriptor uint64 = 0x0080890000000067
)

const (
	CodeSelector uint16 = 0x08
	DataSelector uint16 = 0x10
	TSSSelector  uint16 = 0x18
)

const gdtEntries = 5

// GDT is the descriptor table: null, code, data and the two slots of the
// TSS descriptor.
type GDT [gdtEntries]uint64

// NewGDT returns the descriptor table for a TSS at tss.
func NewGDT(tss uint64) GDT {
	low := TSSDescriptor |
		(tss&0xffffff)<<16 |
		(tss>>24&0xff)<<56
	return GDT{NullDescriptor, CodeDescriptor, DataDescriptor, low, tss >> 32}
}

// TSSBase reassembles the base address split across a TSS descriptor pair.
func TSSBase(low, high uint64) uint64 {
	return (low>>16)&0xffffff | (low>>56&0xff)<<24 | high<<32
}

func (g GDT) Limit() uint16 {
	return gdtEntries*8 - 1
}

func (g GDT) Encode() []byte {
	buf := make([]byte, gdtEntries*8)
	for i, d := range g {
		binary.LittleEndian.PutUint64(buf[i*8:], d)
	}
	return buf
}

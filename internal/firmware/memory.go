package firmware

import (
	"encoding/binary"
	"fmt"
)

const PageSize = 4096

type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
)

var memoryTypeNames = [...]string{
	"Reserved",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"Conventional",
	"Unusable",
	"ACPIReclaim",
	"ACPINVS",
	"MMIO",
	"MMIOPortSpace",
	"PalCode",
	"Persistent",
}

func (t MemoryType) String() string {
	if int(t) < len(memoryTypeNames) {
		return memoryTypeNames[t]
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// ParseMemoryType accepts the names returned by MemoryType.String.
func ParseMemoryType(name string) (MemoryType, error) {
	for i, n := range memoryTypeNames {
		if n == name {
			return MemoryType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown memory type %q", name)
}

const (
	AttributeUC      = 0x1
	AttributeWC      = 0x2
	AttributeWT      = 0x4
	AttributeWB      = 0x8
	AttributeRP      = 0x1000
	AttributeXP      = 0x4000
	AttributeRuntime = 1 << 63
)

// Offsets inside an encoded memory descriptor. Firmware may report a stride
// larger than DescriptorSize; the extra bytes are ignored.
const (
	descType          = 0x00
	descPhysicalStart = 0x08
	descVirtualStart  = 0x10
	descNumberOfPages = 0x18
	descAttribute     = 0x20

	DescriptorSize    = 0x28
	DescriptorVersion = 1
)

type MemoryDescriptor struct {
	Type          MemoryType
	PhysicalStart uint64
	VirtualStart  uint64
	NumberOfPages uint64
	Attribute     uint64
}

func (d MemoryDescriptor) End() uint64 {
	return d.PhysicalStart + d.NumberOfPages*PageSize
}

func (d MemoryDescriptor) String() string {
	return fmt.Sprintf("%s [0x%x-0x%x) pages=%d", d.Type, d.PhysicalStart, d.End(), d.NumberOfPages)
}

// Encode writes d into buf, which must hold at least DescriptorSize bytes.
func (d MemoryDescriptor) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[descType:], uint32(d.Type))
	binary.LittleEndian.PutUint32(buf[descType+4:], 0)
	binary.LittleEndian.PutUint64(buf[descPhysicalStart:], d.PhysicalStart)
	binary.LittleEndian.PutUint64(buf[descVirtualStart:], d.VirtualStart)
	binary.LittleEndian.PutUint64(buf[descNumberOfPages:], d.NumberOfPages)
	binary.LittleEndian.PutUint64(buf[descAttribute:], d.Attribute)
}

func DecodeDescriptor(buf []byte) MemoryDescriptor {
	return MemoryDescriptor{
		Type:          MemoryType(binary.LittleEndian.Uint32(buf[descType:])),
		PhysicalStart: binary.LittleEndian.Uint64(buf[descPhysicalStart:]),
		VirtualStart:  binary.LittleEndian.Uint64(buf[descVirtualStart:]),
		NumberOfPages: binary.LittleEndian.Uint64(buf[descNumberOfPages:]),
		Attribute:     binary.LittleEndian.Uint64(buf[descAttribute:]),
	}
}

// DescriptorIterator walks an encoded memory map using the stride the
// firmware reported, never the size of MemoryDescriptor.
type DescriptorIterator struct {
	buf    []byte
	stride uint64
	off    uint64
}

func NewDescriptorIterator(buf []byte, stride uint64) (*DescriptorIterator, error) {
	if stride < DescriptorSize {
		return nil, fmt.Errorf("firmware: descriptor stride %d smaller than %d", stride, DescriptorSize)
	}
	return &DescriptorIterator{buf: buf, stride: stride}, nil
}

func (it *DescriptorIterator) Next() (MemoryDescriptor, bool) {
	if it.off+it.stride > uint64(len(it.buf)) {
		return MemoryDescriptor{}, false
	}
	d := DecodeDescriptor(it.buf[it.off:])
	it.off += it.stride
	return d, true
}

// Descriptors decodes every descriptor in buf.
func Descriptors(buf []byte, stride uint64) ([]MemoryDescriptor, error) {
	it, err := NewDescriptorIterator(buf, stride)
	if err != nil {
		return nil, err
	}
	var out []MemoryDescriptor
	for {
		d, ok := it.Next()
		if !ok {
			return out, nil
		}
		out = append(out, d)
	}
}

// MaxMappedPhysicalAddress returns the highest end address of any region in
// the map.
func MaxMappedPhysicalAddress(buf []byte, stride uint64) (uint64, error) {
	it, err := NewDescriptorIterator(buf, stride)
	if err != nil {
		return 0, err
	}
	var max uint64
	for {
		d, ok := it.Next()
		if !ok {
			return max, nil
		}
		if end := d.End(); end > max {
			max = end
		}
	}
}

// EncodeMap encodes descs with the given stride.
func EncodeMap(descs []MemoryDescriptor, stride uint64) []byte {
	buf := make([]byte, uint64(len(descs))*stride)
	for i, d := range descs {
		d.Encode(buf[uint64(i)*stride:])
	}
	return buf
}

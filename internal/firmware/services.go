package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// NoAddress is returned by searches that found no candidate.
const NoAddress = ^uint64(0)

var (
	ErrBufferTooSmall   = errors.New("firmware: buffer too small")
	ErrNotFound         = errors.New("firmware: not found")
	ErrOutOfResources   = errors.New("firmware: out of resources")
	ErrInvalidParameter = errors.New("firmware: invalid parameter")
	ErrServicesExited   = errors.New("firmware: boot services exited")
)

type AllocateType int

const (
	AllocateAnyPages AllocateType = iota
	AllocateMaxAddress
	AllocateAddress
)

// MapInfo accompanies a memory map snapshot. On ErrBufferTooSmall only Size
// is meaningful.
type MapInfo struct {
	Size              uint64
	Key               uint64
	DescriptorSize    uint64
	DescriptorVersion uint32
}

// BootServices is the subset of firmware boot services the loader uses.
type BootServices interface {
	AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error)
	FreePages(addr uint64, pages uint64) error

	AllocatePool(memType MemoryType, size uint64) (uint64, error)
	FreePool(addr uint64) error

	GetMemoryMap(buf []byte) (MapInfo, error)
	ExitBootServices(key uint64) error
}

type GUID [16]byte

// String formats g in registry format. The first three groups are stored
// little endian.
func (g GUID) String() string {
	le := binary.LittleEndian
	return fmt.Sprintf("%08x-%04x-%04x-%x-%x", le.Uint32(g[0:]), le.Uint16(g[4:]), le.Uint16(g[6:]), g[8:10], g[10:])
}

// ConfigurationTable is one entry of the system table's vendor table list.
type ConfigurationTable struct {
	VendorGUID GUID
	Table      uint64
}

const ConfigurationTableSize = 24

func (t ConfigurationTable) Encode(buf []byte) {
	copy(buf, t.VendorGUID[:])
	binary.LittleEndian.PutUint64(buf[16:], t.Table)
}

// DecodeConfigurationTables decodes an array of count entries.
func DecodeConfigurationTables(buf []byte, count uint64) ([]ConfigurationTable, error) {
	if uint64(len(buf)) < count*ConfigurationTableSize {
		return nil, fmt.Errorf("firmware: %d configuration tables need %d bytes, have %d", count, count*ConfigurationTableSize, len(buf))
	}
	tables := make([]ConfigurationTable, count)
	for i := range tables {
		entry := buf[uint64(i)*ConfigurationTableSize:]
		copy(tables[i].VendorGUID[:], entry[:16])
		tables[i].Table = binary.LittleEndian.Uint64(entry[16:])
	}
	return tables, nil
}

type SystemTable struct {
	FirmwareVendor      string
	FirmwareRevision    uint32
	RuntimeServices     uint64
	ConfigurationTables []ConfigurationTable
}

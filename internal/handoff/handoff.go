// Package handoff defines the parameter block the loader passes to the
// kernel entry point.
package handoff

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"unicode/utf16"

	"golang.org/x/mod/semver"
)

const (
	Size = blockSize

	LoaderMajorVersion = 1
	LoaderMinorVersion = 0
)

var ErrIncompatibleLoader = errors.New("handoff: incompatible loader version")

// Block is the loader parameter block. Address fields are physical.
type Block struct {
	FirmwareRevision uint32
	LoaderMajor      uint32
	LoaderMinor      uint32

	DescriptorVersion uint32
	DescriptorSize    uint64
	MemoryMap         uint64
	MemoryMapSize     uint64

	KernelBase        uint64
	KernelPages       uint64
	KernelEntry       uint64
	KernelVirtualBase uint64

	DevicePath        uint64
	DevicePathSize    uint64
	KernelPath        uint64
	KernelPathSize    uint64
	KernelOptions     uint64
	KernelOptionsSize uint64

	RuntimeServices  uint64
	Graphics         uint64
	FileMeta         uint64
	ConfigTables     uint64
	ConfigTableCount uint64
}

func (b *Block) Encode() []byte {
	buf := make([]byte, Size)
	le := binary.LittleEndian
	le.PutUint32(buf[firmwareRevisionOffset:], b.FirmwareRevision)
	le.PutUint32(buf[loaderMajorOffset:], b.LoaderMajor)
	le.PutUint32(buf[loaderMinorOffset:], b.LoaderMinor)
	le.PutUint32(buf[descriptorVersionOffset:], b.DescriptorVersion)
	le.PutUint64(buf[descriptorSizeOffset:], b.DescriptorSize)
	le.PutUint64(buf[memoryMapOffset:], b.MemoryMap)
	le.PutUint64(buf[memoryMapSizeOffset:], b.MemoryMapSize)
	le.PutUint64(buf[kernelBaseOffset:], b.KernelBase)
	le.PutUint64(buf[kernelPagesOffset:], b.KernelPages)
	le.PutUint64(buf[devicePathOffset:], b.DevicePath)
	le.PutUint64(buf[devicePathSizeOffset:], b.DevicePathSize)
	le.PutUint64(buf[kernelPathOffset:], b.KernelPath)
	le.PutUint64(buf[kernelPathSizeOffset:], b.KernelPathSize)
	le.PutUint64(buf[kernelOptionsOffset:], b.KernelOptions)
	le.PutUint64(buf[kernelOptionsSizeOffset:], b.KernelOptionsSize)
	le.PutUint64(buf[runtimeServicesOffset:], b.RuntimeServices)
	le.PutUint64(buf[graphicsOffset:], b.Graphics)
	le.PutUint64(buf[fileMetaOffset:], b.FileMeta)
	le.PutUint64(buf[configTablesOffset:], b.ConfigTables)
	le.PutUint64(buf[configTableCountOffset:], b.ConfigTableCount)
	le.PutUint64(buf[kernelEntryOffset:], b.KernelEntry)
	le.PutUint64(buf[kernelVirtualBaseOffset:], b.KernelVirtualBase)
	return buf
}

func Decode(buf []byte) (*Block, error) {
	if len(buf) < Size {
		return nil, fmt.Errorf("handoff: block of %d bytes, want %d", len(buf), Size)
	}
	le := binary.LittleEndian
	return &Block{
		FirmwareRevision:  le.Uint32(buf[firmwareRevisionOffset:]),
		LoaderMajor:       le.Uint32(buf[loaderMajorOffset:]),
		LoaderMinor:       le.Uint32(buf[loaderMinorOffset:]),
		DescriptorVersion: le.Uint32(buf[descriptorVersionOffset:]),
		DescriptorSize:    le.Uint64(buf[descriptorSizeOffset:]),
		MemoryMap:         le.Uint64(buf[memoryMapOffset:]),
		MemoryMapSize:     le.Uint64(buf[memoryMapSizeOffset:]),
		KernelBase:        le.Uint64(buf[kernelBaseOffset:]),
		KernelPages:       le.Uint64(buf[kernelPagesOffset:]),
		KernelEntry:       le.Uint64(buf[kernelEntryOffset:]),
		KernelVirtualBase: le.Uint64(buf[kernelVirtualBaseOffset:]),
		DevicePath:        le.Uint64(buf[devicePathOffset:]),
		DevicePathSize:    le.Uint64(buf[devicePathSizeOffset:]),
		KernelPath:        le.Uint64(buf[kernelPathOffset:]),
		KernelPathSize:    le.Uint64(buf[kernelPathSizeOffset:]),
		KernelOptions:     le.Uint64(buf[kernelOptionsOffset:]),
		KernelOptionsSize: le.Uint64(buf[kernelOptionsSizeOffset:]),
		RuntimeServices:   le.Uint64(buf[runtimeServicesOffset:]),
		Graphics:          le.Uint64(buf[graphicsOffset:]),
		FileMeta:          le.Uint64(buf[fileMetaOffset:]),
		ConfigTables:      le.Uint64(buf[configTablesOffset:]),
		ConfigTableCount:  le.Uint64(buf[configTableCountOffset:]),
	}, nil
}

// Read decodes the block stored at addr.
func Read(mem io.ReaderAt, addr uint64) (*Block, error) {
	buf := make([]byte, Size)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return nil, fmt.Errorf("handoff: read block at 0x%x: %w", addr, err)
	}
	return Decode(buf)
}

// MemoryMapBytes copies the memory map the block points at.
func (b *Block) MemoryMapBytes(mem io.ReaderAt) ([]byte, error) {
	buf := make([]byte, b.MemoryMapSize)
	if _, err := mem.ReadAt(buf, int64(b.MemoryMap)); err != nil {
		return nil, fmt.Errorf("handoff: read memory map at 0x%x: %w", b.MemoryMap, err)
	}
	return buf, nil
}

func (b *Block) LoaderVersion() string {
	return fmt.Sprintf("v%d.%d.0", b.LoaderMajor, b.LoaderMinor)
}

// CheckLoaderVersion accepts blocks written by a loader with the same major
// version that is not newer than this build.
func (b *Block) CheckLoaderVersion() error {
	got := b.LoaderVersion()
	want := fmt.Sprintf("v%d.%d.0", LoaderMajorVersion, LoaderMinorVersion)
	if !semver.IsValid(got) {
		return fmt.Errorf("loader version %q: %w", got, ErrIncompatibleLoader)
	}
	if semver.Major(got) != semver.Major(want) || semver.Compare(got, want) > 0 {
		return fmt.Errorf("loader version %s, kernel expects %s: %w", got, semver.MajorMinor(want), ErrIncompatibleLoader)
	}
	return nil
}

// EncodeString returns s as NUL terminated UTF-16LE.
func EncodeString(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, (len(units)+1)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(buf[i*2:], u)
	}
	return buf
}

// DecodeString decodes NUL terminated UTF-16LE, stopping at the terminator.
func DecodeString(buf []byte) string {
	units := make([]uint16, 0, len(buf)/2)
	for i := 0; i+1 < len(buf); i += 2 {
		u := binary.LittleEndian.Uint16(buf[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return string(utf16.Decode(units))
}

// ReadString reads a UTF-16LE string of size bytes at addr.
func ReadString(mem io.ReaderAt, addr, size uint64) (string, error) {
	if size == 0 {
		return "", nil
	}
	buf := make([]byte, size)
	if _, err := mem.ReadAt(buf, int64(addr)); err != nil {
		return "", fmt.Errorf("handoff: read string at 0x%x: %w", addr, err)
	}
	return DecodeString(buf), nil
}

// Package kernel is the first code that runs after the loader: it takes
// ownership of the handoff block and brings up the trap environment.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/handoff"
	"github.com/DylanGTech/PiousOS/internal/timeslice"
	"github.com/DylanGTech/PiousOS/internal/trap"
)

var (
	ErrNoTrapMemory   = errors.New("kernel: no conventional memory for the trap tables")
	ErrCorruptHandoff = errors.New("kernel: handoff block points outside physical memory")
)

// CorruptHandoffAbortCode is the abort code when the handoff block cannot be
// trusted. Traps are not installed yet, so there is no fault to report.
const CorruptHandoffAbortCode = ^uint64(0) - 1

var (
	tsStart = timeslice.RegisterKind("kernel_start", timeslice.SliceFlagKernel)
	tsMap   = timeslice.RegisterKind("kernel_memory_map", timeslice.SliceFlagKernel)
)

// trap tables go above the first megabyte
const lowMemoryEnd = 0x100000

type Memory interface {
	io.ReaderAt
	io.WriterAt
	Contains(addr, n uint64) bool
}

type Options struct {
	// TrapBase places the trap tables. Zero picks the lowest conventional
	// region above 1 MiB that fits.
	TrapBase uint64
}

// System is the kernel's view of the machine once Start returns.
type System struct {
	Block *handoff.Block

	// MemoryMap is the kernel's own copy of the final firmware map.
	MemoryMap          []firmware.MemoryDescriptor
	DescriptorSize     uint64
	MaxPhysicalAddress uint64

	DevicePath    string
	KernelPath    string
	KernelOptions string

	ConfigurationTables []firmware.ConfigurationTable

	Traps *trap.Environment
}

// Start reads the handoff block at blockAddr and installs the trap
// environment.
func Start(mem Memory, c cpu.CPU, blockAddr uint64, opts Options) (*System, error) {
	rec := timeslice.NewRecorder()

	block, err := handoff.Read(mem, blockAddr)
	if err != nil {
		return nil, err
	}
	if err := block.CheckLoaderVersion(); err != nil {
		return nil, err
	}
	if err := checkBlock(mem, block); err != nil {
		c.Halt(CorruptHandoffAbortCode)
		return nil, err
	}
	sys := &System{Block: block, DescriptorSize: block.DescriptorSize}

	mapBytes, err := block.MemoryMapBytes(mem)
	if err != nil {
		return nil, fmt.Errorf("read memory map: %w", err)
	}
	sys.MemoryMap, err = firmware.Descriptors(mapBytes, block.DescriptorSize)
	if err != nil {
		return nil, fmt.Errorf("decode memory map: %w", err)
	}
	sys.MaxPhysicalAddress, err = firmware.MaxMappedPhysicalAddress(mapBytes, block.DescriptorSize)
	if err != nil {
		return nil, err
	}
	rec.Record(tsMap)
	slog.Info("kernel: memory map",
		"descriptors", len(sys.MemoryMap),
		"maxPhysical", fmt.Sprintf("0x%x", sys.MaxPhysicalAddress),
	)

	strs := []struct {
		dst        *string
		addr, size uint64
	}{
		{&sys.DevicePath, block.DevicePath, block.DevicePathSize},
		{&sys.KernelPath, block.KernelPath, block.KernelPathSize},
		{&sys.KernelOptions, block.KernelOptions, block.KernelOptionsSize},
	}
	for _, s := range strs {
		if *s.dst, err = handoff.ReadString(mem, s.addr, s.size); err != nil {
			return nil, err
		}
	}

	if block.ConfigTableCount != 0 {
		buf := make([]byte, block.ConfigTableCount*firmware.ConfigurationTableSize)
		if _, err := mem.ReadAt(buf, int64(block.ConfigTables)); err != nil {
			return nil, fmt.Errorf("read configuration tables: %w", err)
		}
		if sys.ConfigurationTables, err = firmware.DecodeConfigurationTables(buf, block.ConfigTableCount); err != nil {
			return nil, err
		}
	}
	slog.Debug("kernel: configuration tables",
		"address", fmt.Sprintf("0x%x", block.ConfigTables),
		"count", block.ConfigTableCount,
	)

	base := opts.TrapBase
	if base == 0 {
		if base, err = TrapRegion(sys.MemoryMap); err != nil {
			return nil, err
		}
	}
	layout, err := trap.NewLayout(base)
	if err != nil {
		return nil, err
	}
	if sys.Traps, err = trap.Install(c, mem, layout); err != nil {
		return nil, fmt.Errorf("install traps: %w", err)
	}

	rec.Record(tsStart)
	slog.Info("kernel: started",
		"loader", block.LoaderVersion(),
		"path", sys.KernelPath,
		"traps", fmt.Sprintf("0x%x", base),
	)
	return sys, nil
}

// checkBlock rejects a block whose regions do not lie inside mem, before
// any of their sizes is used for an allocation.
func checkBlock(mem Memory, block *handoff.Block) error {
	if block.ConfigTableCount > math.MaxUint64/firmware.ConfigurationTableSize {
		return fmt.Errorf("%d configuration tables: %w", block.ConfigTableCount, ErrCorruptHandoff)
	}
	regions := []struct {
		name       string
		addr, size uint64
	}{
		{"memory map", block.MemoryMap, block.MemoryMapSize},
		{"device path", block.DevicePath, block.DevicePathSize},
		{"kernel path", block.KernelPath, block.KernelPathSize},
		{"kernel options", block.KernelOptions, block.KernelOptionsSize},
		{"configuration tables", block.ConfigTables, block.ConfigTableCount * firmware.ConfigurationTableSize},
	}
	for _, r := range regions {
		if r.size != 0 && !mem.Contains(r.addr, r.size) {
			return fmt.Errorf("%s [0x%x, +0x%x): %w", r.name, r.addr, r.size, ErrCorruptHandoff)
		}
	}
	return nil
}

// TrapRegion picks the lowest conventional memory above 1 MiB with room for
// the trap tables.
func TrapRegion(descs []firmware.MemoryDescriptor) (uint64, error) {
	best := firmware.NoAddress
	for _, d := range descs {
		if d.Type != firmware.ConventionalMemory {
			continue
		}
		start := d.PhysicalStart
		if start < lowMemoryEnd {
			start = lowMemoryEnd
		}
		if start >= d.End() || d.End()-start < trap.LayoutSize {
			continue
		}
		if start < best {
			best = start
		}
	}
	if best == firmware.NoAddress {
		return 0, ErrNoTrapMemory
	}
	return best, nil
}

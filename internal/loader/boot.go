package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/handoff"
	"github.com/DylanGTech/PiousOS/internal/paging"
	"github.com/DylanGTech/PiousOS/internal/timeslice"
)

const DefaultStackPages = 4

var (
	tsParse    = timeslice.RegisterKind("loader_parse", timeslice.SliceFlagLoader)
	tsAllocate = timeslice.RegisterKind("loader_allocate", timeslice.SliceFlagLoader)
	tsLoad     = timeslice.RegisterKind("loader_load_segments", timeslice.SliceFlagLoader)
	tsMap      = timeslice.RegisterKind("loader_map", timeslice.SliceFlagLoader)
	tsHandoff  = timeslice.RegisterKind("loader_handoff", timeslice.SliceFlagLoader)
	tsExit     = timeslice.RegisterKind("loader_exit_boot_services", timeslice.SliceFlagLoader)
)

// Config describes everything the loader needs from its environment.
type Config struct {
	Firmware    firmware.BootServices
	SystemTable firmware.SystemTable
	// ConfigTableAddress locates the system table's configuration table
	// array in physical memory.
	ConfigTableAddress uint64

	Memory Memory
	CPU    cpu.CPU

	PreferredAddress uint64
	Convention       Convention
	StackPages       uint64

	DevicePath    string
	KernelPath    string
	KernelOptions string
	KernelSize    uint64
	Graphics      uint64

	// Progress receives a copy of every segment byte loaded.
	Progress io.Writer
}

// Result is the machine state at the moment control leaves the loader.
type Result struct {
	Image        *Image
	Region       Region
	Block        *handoff.Block
	BlockAddress uint64
	Entry        uint64
	StackBase    uint64
	StackTop     uint64
	PageTable    uint64
}

type firmwareFrames struct {
	fw firmware.BootServices
}

func (f firmwareFrames) AllocateFrame() (uint64, error) {
	return f.fw.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, 1, 0)
}

// Boot loads kernel and hands control to it. Any error aborts the whole
// attempt; there is no partially booted state.
func Boot(cfg Config, kernel io.ReaderAt) (*Result, error) {
	if cfg.Firmware == nil || cfg.Memory == nil || cfg.CPU == nil {
		return nil, errors.New("loader: firmware, memory and cpu are required")
	}
	if cfg.StackPages == 0 {
		cfg.StackPages = DefaultStackPages
	}
	timeslice.BeginBoot()
	rec := timeslice.NewRecorder()

	img, err := ParseImage(kernel)
	if err != nil {
		return nil, fmt.Errorf("parse kernel: %w", err)
	}
	rec.Record(tsParse)
	slog.Info("loader: kernel image",
		"type", img.Type,
		"entry", fmt.Sprintf("0x%x", img.Entry),
		"virtMin", fmt.Sprintf("0x%x", img.VirtMin),
		"pages", img.Pages,
	)

	alloc := &Allocator{
		Firmware:         cfg.Firmware,
		Memory:           cfg.Memory,
		PreferredAddress: cfg.PreferredAddress,
	}
	region, err := alloc.Allocate(img.Pages)
	if err != nil {
		return nil, fmt.Errorf("allocate kernel memory: %w", err)
	}
	rec.Record(tsAllocate)

	if err := LoadSegments(img, kernel, cfg.Memory, region, cfg.Progress); err != nil {
		return nil, fmt.Errorf("load kernel segments: %w", err)
	}
	rec.Record(tsLoad)

	root, err := MapImage(cfg.CPU, cfg.Firmware, cfg.Memory, img, region)
	if err != nil {
		return nil, fmt.Errorf("map kernel: %w", err)
	}
	rec.Record(tsMap)

	stackPages := cfg.StackPages
	stack, err := cfg.Firmware.AllocatePages(firmware.AllocateAnyPages, firmware.LoaderData, stackPages, 0)
	if err != nil {
		return nil, fmt.Errorf("allocate kernel stack: %w", err)
	}
	stackTop := stack + stackPages*PageSize

	block, blockAddr, err := buildBlock(cfg, img)
	if err != nil {
		return nil, err
	}
	rec.Record(tsHandoff)

	mapAddr, info, err := ExitBootServices(cfg.Firmware, cfg.Memory)
	if err != nil {
		return nil, err
	}
	rec.Record(tsExit)

	// boot services are gone; only memory writes and register loads remain
	block.MemoryMap = mapAddr
	block.MemoryMapSize = info.Size
	block.DescriptorSize = info.DescriptorSize
	block.DescriptorVersion = info.DescriptorVersion
	block.KernelBase = region.Base
	block.KernelPages = region.Pages
	block.KernelEntry = img.JumpTarget(region.Base)
	if _, err := cfg.Memory.WriteAt(block.Encode(), int64(blockAddr)); err != nil {
		return nil, fmt.Errorf("write handoff block: %w", err)
	}

	entry := img.JumpTarget(region.Base)
	if err := Transfer(cfg.CPU, cfg.Convention, entry, stackTop, blockAddr); err != nil {
		return nil, err
	}
	slog.Info("loader: transferring control",
		"entry", fmt.Sprintf("0x%x", entry),
		"block", fmt.Sprintf("0x%x", blockAddr),
		"convention", cfg.Convention,
	)

	return &Result{
		Image:        img,
		Region:       region,
		Block:        block,
		BlockAddress: blockAddr,
		Entry:        entry,
		StackBase:    stack,
		StackTop:     stackTop,
		PageTable:    root,
	}, nil
}

// MapImage maps the image's virtual span onto region in the active page
// tables and returns the root table address. Firmware leaves its tables
// write protected, so CR0.WP is cleared first.
func MapImage(c cpu.CPU, fw firmware.BootServices, mem Memory, img *Image, region Region) (uint64, error) {
	if err := cpu.UpdateRegister(c, cpu.RegisterCr0, 0, cpu.CR0WP); err != nil {
		return 0, err
	}

	cr3, err := cpu.ReadRegister(c, cpu.RegisterCr3)
	if err != nil {
		return 0, err
	}
	frames := firmwareFrames{fw: fw}
	root := cr3 &^ (paging.PageSize - 1)
	if root == 0 {
		root, err = frames.AllocateFrame()
		if err != nil {
			return 0, fmt.Errorf("allocate root table: %w", err)
		}
		if _, err := mem.WriteAt(make([]byte, paging.PageSize), int64(root)); err != nil {
			return 0, fmt.Errorf("clear root table: %w", err)
		}
		if err := cpu.WriteRegister(c, cpu.RegisterCr3, root); err != nil {
			return 0, err
		}
	}

	as, err := paging.NewAddressSpace(mem, root, frames, c)
	if err != nil {
		return 0, err
	}
	if err := as.MapRange(img.VirtMin, region.Base, img.Pages, paging.FlagPresent|paging.FlagRW); err != nil {
		return 0, err
	}
	slog.Debug("loader: image mapped",
		"virt", fmt.Sprintf("0x%x", img.VirtMin),
		"phys", fmt.Sprintf("0x%x", region.Base),
		"pages", img.Pages,
		"tables", len(as.Tables()),
	)
	return root, nil
}

func buildBlock(cfg Config, img *Image) (*handoff.Block, uint64, error) {
	st := cfg.SystemTable
	block := &handoff.Block{
		FirmwareRevision:  st.FirmwareRevision,
		LoaderMajor:       handoff.LoaderMajorVersion,
		LoaderMinor:       handoff.LoaderMinorVersion,
		KernelVirtualBase: img.VirtMin,
		RuntimeServices:   st.RuntimeServices,
		Graphics:          cfg.Graphics,
		ConfigTables:      cfg.ConfigTableAddress,
		ConfigTableCount:  uint64(len(st.ConfigurationTables)),
	}

	strs := []struct {
		value      string
		addr, size *uint64
	}{
		{cfg.DevicePath, &block.DevicePath, &block.DevicePathSize},
		{cfg.KernelPath, &block.KernelPath, &block.KernelPathSize},
		{cfg.KernelOptions, &block.KernelOptions, &block.KernelOptionsSize},
	}
	for _, s := range strs {
		encoded := handoff.EncodeString(s.value)
		addr, err := allocatePool(cfg.Firmware, cfg.Memory, encoded)
		if err != nil {
			return nil, 0, fmt.Errorf("handoff string: %w", err)
		}
		*s.addr = addr
		*s.size = uint64(len(encoded))
	}

	meta, err := allocatePool(cfg.Firmware, cfg.Memory, encodeFileInfo(cfg.KernelPath, cfg.KernelSize))
	if err != nil {
		return nil, 0, fmt.Errorf("handoff file info: %w", err)
	}
	block.FileMeta = meta

	addr, err := allocatePool(cfg.Firmware, cfg.Memory, block.Encode())
	if err != nil {
		return nil, 0, fmt.Errorf("handoff block: %w", err)
	}
	return block, addr, nil
}

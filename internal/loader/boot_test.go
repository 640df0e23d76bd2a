package loader

import (
	"bytes"
	"errors"
	"testing"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/handoff"
	"github.com/DylanGTech/PiousOS/internal/paging"
)

// countingFirmware records how many allocations pass through it.
type countingFirmware struct {
	firmware.BootServices
	allocations int
}

func (c *countingFirmware) AllocatePages(kind firmware.AllocateType, memType firmware.MemoryType, pages, addr uint64) (uint64, error) {
	c.allocations++
	return c.BootServices.AllocatePages(kind, memType, pages, addr)
}

func (c *countingFirmware) AllocatePool(memType firmware.MemoryType, size uint64) (uint64, error) {
	c.allocations++
	return c.BootServices.AllocatePool(memType, size)
}

// twoPageRunLayout has exactly one two page run below the memory used for
// tables, pools and the stack.
func twoPageRunLayout() []firmware.MemoryDescriptor {
	return []firmware.MemoryDescriptor{
		reserved(0, 0x200),
		conventional(0x200000, 2),
		reserved(0x202000, 0x1fe),
		conventional(0x400000, 0xc00),
	}
}

func bootConfig(t *testing.T, simCfg firmware.SimulatorConfig) (Config, *firmware.Simulator, *cpu.Simulated) {
	t.Helper()
	mem, sim := newMachine(t, simCfg)
	c := cpu.NewSimulated(mem)
	return Config{
		Firmware:           sim,
		SystemTable:        sim.SystemTable(),
		ConfigTableAddress: sim.ConfigurationTableAddress(),
		Memory:             mem,
		CPU:                c,
		DevicePath:         `PciRoot(0x0)/Pci(0x1,0x1)/Ata(0x0)/HD(1,GPT)`,
		KernelPath:         `\EFI\PiousOS\Kernel`,
		KernelOptions:      "debug",
		KernelSize:         0x2100,
	}, sim, c
}

func TestBootTwoSegmentImage(t *testing.T) {
	cfg, sim, c := bootConfig(t, firmware.SimulatorConfig{Layout: twoPageRunLayout()})
	image := twoSegmentImage().build()

	res, err := Boot(cfg, bytes.NewReader(image))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}

	const base = 0x200000
	if res.Image.VirtMin != 0x1000 || res.Image.Pages != 2 {
		t.Fatalf("image span 0x%x / %d pages", res.Image.VirtMin, res.Image.Pages)
	}
	if res.Region.Base != base {
		t.Fatalf("region base 0x%x, want 0x%x", res.Region.Base, base)
	}

	got := make([]byte, 0x2000)
	if _, err := cfg.Memory.ReadAt(got, base); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if !bytes.Equal(got[:0x1000], fill(0xc3, 0x1000)) || !bytes.Equal(got[0x1000:], fill(0x5a, 0x1000)) {
		t.Fatalf("segments not copied to 0x%x and 0x%x", base, base+0x1000)
	}

	as, err := paging.NewAddressSpace(cfg.Memory, res.PageTable, nil, nil)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	for i := uint64(0); i < 2; i++ {
		phys, flags, err := as.Translate(0x1000 + i*PageSize)
		if err != nil {
			t.Fatalf("Translate: %v", err)
		}
		if phys != base+i*PageSize || !flags.HasFlags(paging.FlagPresent|paging.FlagRW) {
			t.Fatalf("page %d -> 0x%x flags %x", i, phys, uint64(flags))
		}
	}
	if len(c.Invalidated) != 2 {
		t.Fatalf("invalidated %d pages, want 2", len(c.Invalidated))
	}

	if res.Entry != base {
		t.Fatalf("entry 0x%x, want 0x%x", res.Entry, base)
	}
	block, err := handoff.Read(cfg.Memory, res.BlockAddress)
	if err != nil {
		t.Fatalf("handoff.Read: %v", err)
	}
	if block.KernelBase != base || block.KernelPages != 2 || block.KernelEntry != base {
		t.Fatalf("block image fields %+v", block)
	}
	if block.LoaderMajor != handoff.LoaderMajorVersion || block.FirmwareRevision != firmware.DefaultRevision {
		t.Fatalf("block version fields %+v", block)
	}

	regs := map[cpu.Register]cpu.RegisterValue{
		cpu.RegisterRip: cpu.Register64(0),
		cpu.RegisterRdi: cpu.Register64(0),
		cpu.RegisterRsp: cpu.Register64(0),
		cpu.RegisterCr0: cpu.Register64(0),
		cpu.RegisterCr3: cpu.Register64(0),
	}
	if err := c.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if regs[cpu.RegisterRip] != cpu.Register64(base) || regs[cpu.RegisterRdi] != cpu.Register64(res.BlockAddress) {
		t.Fatalf("entry registers rip=%x rdi=%x", regs[cpu.RegisterRip], regs[cpu.RegisterRdi])
	}
	if rsp := uint64(regs[cpu.RegisterRsp].(cpu.Register64)); rsp%16 != 8 || rsp >= res.StackTop {
		t.Fatalf("rsp 0x%x not a call frame below 0x%x", rsp, res.StackTop)
	}
	if uint64(regs[cpu.RegisterCr0].(cpu.Register64))&cpu.CR0WP != 0 {
		t.Fatalf("cr0.wp still set")
	}
	if regs[cpu.RegisterCr3] != cpu.Register64(res.PageTable) {
		t.Fatalf("cr3 0x%x, want root 0x%x", regs[cpu.RegisterCr3], res.PageTable)
	}
	if !sim.Exited() {
		t.Fatalf("boot services still active")
	}
}

func TestBootHandoffBlockContents(t *testing.T) {
	cfg, _, _ := bootConfig(t, firmware.SimulatorConfig{
		ConfigurationTables: []firmware.ConfigurationTable{{VendorGUID: firmware.GUID{0xee}, Table: 0xf0000}},
	})
	cfg.PreferredAddress = 0x400000

	res, err := Boot(cfg, bytes.NewReader(twoSegmentImage().build()))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	block := res.Block

	path, err := handoff.ReadString(cfg.Memory, block.KernelPath, block.KernelPathSize)
	if err != nil || path != cfg.KernelPath {
		t.Fatalf("kernel path %q %v", path, err)
	}
	opts, err := handoff.ReadString(cfg.Memory, block.KernelOptions, block.KernelOptionsSize)
	if err != nil || opts != "debug" {
		t.Fatalf("kernel options %q %v", opts, err)
	}
	if block.ConfigTableCount != 1 || block.ConfigTables == 0 || block.RuntimeServices == 0 {
		t.Fatalf("firmware tables %+v", block)
	}

	mapBytes, err := block.MemoryMapBytes(cfg.Memory)
	if err != nil {
		t.Fatalf("MemoryMapBytes: %v", err)
	}
	descs, err := firmware.Descriptors(mapBytes, block.DescriptorSize)
	if err != nil {
		t.Fatalf("Descriptors: %v", err)
	}
	found := false
	for _, d := range descs {
		if d.Type == firmware.LoaderData && d.PhysicalStart <= 0x400000 && d.End() >= 0x402000 {
			found = true
		}
	}
	if !found {
		t.Fatalf("final map does not show the image as loader data: %v", descs)
	}

	var fileSize [8]byte
	if _, err := cfg.Memory.ReadAt(fileSize[:], int64(block.FileMeta+fileInfoFileSize)); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if fileSize != [8]byte{0x00, 0x21} {
		t.Fatalf("file info size % x", fileSize)
	}
}

func TestBootRejectsBadImageWithoutAllocating(t *testing.T) {
	cfg, _, _ := bootConfig(t, firmware.SimulatorConfig{})
	counting := &countingFirmware{BootServices: cfg.Firmware}
	cfg.Firmware = counting

	_, err := Boot(cfg, bytes.NewReader([]byte("MZ this is not an ELF image")))
	if !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("got %v, want ErrInvalidFormat", err)
	}
	if counting.allocations != 0 {
		t.Fatalf("%d allocations for a rejected image", counting.allocations)
	}
}

func TestBootStaleMapKey(t *testing.T) {
	cfg, sim, _ := bootConfig(t, firmware.SimulatorConfig{StaleKeys: 1})
	if _, err := Boot(cfg, bytes.NewReader(twoSegmentImage().build())); err != nil {
		t.Fatalf("Boot with one stale key: %v", err)
	}
	if !sim.Exited() {
		t.Fatalf("boot services still active")
	}

	cfg, sim, c := bootConfig(t, firmware.SimulatorConfig{StaleKeys: 2})
	_, err := Boot(cfg, bytes.NewReader(twoSegmentImage().build()))
	if !errors.Is(err, ErrBootServiceExitFailed) {
		t.Fatalf("got %v, want ErrBootServiceExitFailed", err)
	}
	if sim.Exited() {
		t.Fatalf("boot services exited despite failure")
	}
	rip, err := cpu.ReadRegister(c, cpu.RegisterRip)
	if err != nil || rip != 0 {
		t.Fatalf("control transferred after failed exit: rip=0x%x err=%v", rip, err)
	}
}

func TestBootMicrosoftConvention(t *testing.T) {
	cfg, sim, c := bootConfig(t, firmware.SimulatorConfig{})
	cfg.Convention = ConventionMicrosoft

	res, err := Boot(cfg, bytes.NewReader(twoSegmentImage().build()))
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	regs := map[cpu.Register]cpu.RegisterValue{
		cpu.RegisterRcx: cpu.Register64(0),
		cpu.RegisterRsp: cpu.Register64(0),
	}
	if err := c.GetRegisters(regs); err != nil {
		t.Fatalf("GetRegisters: %v", err)
	}
	if rcx := uint64(regs[cpu.RegisterRcx].(cpu.Register64)); rcx != res.BlockAddress {
		t.Fatalf("rcx 0x%x, want block 0x%x", rcx, res.BlockAddress)
	}

	// the callee spills its arguments into [rsp+8, rsp+40)
	rsp := uint64(regs[cpu.RegisterRsp].(cpu.Register64))
	home, homeEnd := rsp+8, rsp+40
	if home < res.StackBase || homeEnd > res.StackTop {
		t.Fatalf("home space [0x%x,0x%x) outside stack [0x%x,0x%x)", home, homeEnd, res.StackBase, res.StackTop)
	}

	// a spill must not reach any live page table
	var spill [32]byte
	for i := range spill {
		spill[i] = 0xff
	}
	if _, err := sim.Memory().WriteAt(spill[:], int64(home)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	as, err := paging.NewAddressSpace(sim.Memory(), res.PageTable, nil, nil)
	if err != nil {
		t.Fatalf("NewAddressSpace: %v", err)
	}
	phys, _, err := as.Translate(res.Image.VirtMin)
	if err != nil || phys != res.Region.Base {
		t.Fatalf("Translate after spill: 0x%x, %v", phys, err)
	}
}

func TestTransferConventions(t *testing.T) {
	const (
		entry    = 0x200000
		stackTop = 0x90008
		block    = 0x7000
	)
	for _, tc := range []struct {
		conv Convention
		arg  cpu.Register
		home uint64
	}{
		{ConventionSysV, cpu.RegisterRdi, 0},
		{ConventionMicrosoft, cpu.RegisterRcx, 32},
	} {
		mem, _ := newMachine(t, firmware.SimulatorConfig{})
		c := cpu.NewSimulated(mem)
		if err := Transfer(c, tc.conv, entry, stackTop, block); err != nil {
			t.Fatalf("%s: Transfer: %v", tc.conv, err)
		}
		regs := map[cpu.Register]cpu.RegisterValue{
			cpu.RegisterRip: cpu.Register64(0),
			cpu.RegisterRsp: cpu.Register64(0),
			tc.arg:          cpu.Register64(0),
		}
		if err := c.GetRegisters(regs); err != nil {
			t.Fatalf("%s: GetRegisters: %v", tc.conv, err)
		}
		if rip := uint64(regs[cpu.RegisterRip].(cpu.Register64)); rip != entry {
			t.Fatalf("%s: rip 0x%x", tc.conv, rip)
		}
		if arg := uint64(regs[tc.arg].(cpu.Register64)); arg != block {
			t.Fatalf("%s: %s = 0x%x, want 0x%x", tc.conv, tc.arg, arg, block)
		}
		rsp := uint64(regs[cpu.RegisterRsp].(cpu.Register64))
		if rsp%16 != 8 {
			t.Fatalf("%s: rsp 0x%x not one return address below alignment", tc.conv, rsp)
		}
		// return address plus home space must fit below the aligned top
		if want := uint64(0x90000) - tc.home - 8; rsp != want {
			t.Fatalf("%s: rsp 0x%x, want 0x%x", tc.conv, rsp, want)
		}
		if rsp+8+tc.home > stackTop&^0xf {
			t.Fatalf("%s: home space ends at 0x%x past stack top", tc.conv, rsp+8+tc.home)
		}
		if tc.conv.HomeSpace() != tc.home {
			t.Fatalf("%s: HomeSpace %d", tc.conv, tc.conv.HomeSpace())
		}
	}
}

func TestParseConvention(t *testing.T) {
	for in, want := range map[string]Convention{"": ConventionSysV, "sysv": ConventionSysV, "MS": ConventionMicrosoft} {
		got, err := ParseConvention(in)
		if err != nil || got != want {
			t.Errorf("ParseConvention(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseConvention("fastcall"); err == nil {
		t.Errorf("ParseConvention accepted fastcall")
	}
}

func TestLoadSegmentsClearsResidentTails(t *testing.T) {
	mem, _ := newMachine(t, firmware.SimulatorConfig{})
	ti := testImage{
		entry: 0x1000,
		segments: []testSegment{
			{vaddr: 0x1000, data: fill(0x11, 0x100), memSize: 0x800},
		},
	}
	img, err := ParseImage(bytes.NewReader(ti.build()))
	if err != nil {
		t.Fatalf("ParseImage: %v", err)
	}
	if _, err := mem.WriteAt(fill(0xee, 0x1000), 0x300000); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	var progress bytes.Buffer
	region := Region{Base: 0x300000, Pages: 1, Reused: true}
	if err := LoadSegments(img, bytes.NewReader(ti.build()), mem, region, &progress); err != nil {
		t.Fatalf("LoadSegments: %v", err)
	}
	if progress.Len() != 0x100 {
		t.Fatalf("progress saw %d bytes, want 0x100", progress.Len())
	}
	if zero, _ := mem.IsZero(0x300100, 0x700); !zero {
		t.Fatalf("segment tail not cleared in reused region")
	}
	tail := make([]byte, 1)
	if _, err := mem.ReadAt(tail, 0x300800); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if tail[0] != 0xee {
		t.Fatalf("bytes past the segment were modified")
	}
}

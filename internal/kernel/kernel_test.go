package kernel

import (
	"errors"
	"testing"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/handoff"
	"github.com/DylanGTech/PiousOS/internal/physmem"
	"github.com/DylanGTech/PiousOS/internal/trap"
)

const (
	testMapAddr     = 0x8000
	testStringsAddr = 0x9000
	testTablesAddr  = 0xa000
	testBlockAddr   = 0xb000
	testStride      = 48
)

func testMap() []firmware.MemoryDescriptor {
	return []firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0, NumberOfPages: 0x9f},
		{Type: firmware.ReservedMemoryType, PhysicalStart: 0x9f000, NumberOfPages: 0x61},
		{Type: firmware.LoaderData, PhysicalStart: 0x100000, NumberOfPages: 2},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x102000, NumberOfPages: 4},
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x200000, NumberOfPages: 0x100},
	}
}

// writeHandoff places a block, its memory map, strings and configuration
// tables in mem the way the loader leaves them.
func writeHandoff(t *testing.T, mem *physmem.Memory, block *handoff.Block) {
	t.Helper()
	write := func(data []byte, addr uint64) {
		if _, err := mem.WriteAt(data, int64(addr)); err != nil {
			t.Fatalf("WriteAt: %v", err)
		}
	}

	mapBytes := firmware.EncodeMap(testMap(), testStride)
	write(mapBytes, testMapAddr)
	block.MemoryMap = testMapAddr
	block.MemoryMapSize = uint64(len(mapBytes))
	block.DescriptorSize = testStride
	block.DescriptorVersion = firmware.DescriptorVersion

	path := handoff.EncodeString(`\EFI\PiousOS\Kernel`)
	write(path, testStringsAddr)
	block.KernelPath = testStringsAddr
	block.KernelPathSize = uint64(len(path))

	tables := make([]byte, 2*firmware.ConfigurationTableSize)
	firmware.ConfigurationTable{VendorGUID: firmware.GUID{1}, Table: 0xe0000}.Encode(tables)
	firmware.ConfigurationTable{VendorGUID: firmware.GUID{2}, Table: 0xf0000}.Encode(tables[firmware.ConfigurationTableSize:])
	write(tables, testTablesAddr)
	block.ConfigTables = testTablesAddr
	block.ConfigTableCount = 2

	write(block.Encode(), testBlockAddr)
}

func newTestMachine(t *testing.T) (*physmem.Memory, *cpu.Simulated) {
	t.Helper()
	mem, err := physmem.New(0, 4<<20)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	return mem, cpu.NewSimulated(mem)
}

func TestStart(t *testing.T) {
	mem, c := newTestMachine(t)
	writeHandoff(t, mem, &handoff.Block{
		LoaderMajor: handoff.LoaderMajorVersion,
		LoaderMinor: handoff.LoaderMinorVersion,
		KernelBase:  0x100000,
		KernelPages: 2,
	})

	sys, err := Start(mem, c, testBlockAddr, Options{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(sys.MemoryMap) != 5 || sys.MemoryMap[2].Type != firmware.LoaderData {
		t.Fatalf("memory map %v", sys.MemoryMap)
	}
	if sys.MaxPhysicalAddress != 0x300000 {
		t.Fatalf("MaxPhysicalAddress = 0x%x", sys.MaxPhysicalAddress)
	}
	if sys.KernelPath != `\EFI\PiousOS\Kernel` || sys.KernelOptions != "" {
		t.Fatalf("strings %q %q", sys.KernelPath, sys.KernelOptions)
	}
	if len(sys.ConfigurationTables) != 2 || sys.ConfigurationTables[1].Table != 0xf0000 {
		t.Fatalf("configuration tables %+v", sys.ConfigurationTables)
	}

	// the 4 page run at 0x102000 is too small for the trap region
	if got := sys.Traps.Layout().Base; got != 0x200000 {
		t.Fatalf("trap region at 0x%x, want 0x200000", got)
	}
	if c.IDTR.Base != 0x200000+0x1000 || c.TR != trap.TSSSelector {
		t.Fatalf("idtr %+v tr %x", c.IDTR, c.TR)
	}

	if err := sys.Traps.Deliver(trap.GeneralProtection, trap.Frame{RSP: 0x80000}); !errors.Is(err, trap.ErrUnhandledFault) {
		t.Fatalf("Deliver: %v", err)
	}
}

func TestStartExplicitTrapBase(t *testing.T) {
	mem, c := newTestMachine(t)
	writeHandoff(t, mem, &handoff.Block{LoaderMajor: handoff.LoaderMajorVersion})

	sys, err := Start(mem, c, testBlockAddr, Options{TrapBase: 0x240000})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if sys.Traps.Layout().Base != 0x240000 {
		t.Fatalf("trap region at 0x%x", sys.Traps.Layout().Base)
	}
	if _, err := Start(mem, c, testBlockAddr, Options{TrapBase: 0x240000}); !errors.Is(err, trap.ErrAlreadyInstalled) {
		t.Fatalf("second Start: %v", err)
	}
}

func TestStartRejectsNewerLoader(t *testing.T) {
	mem, c := newTestMachine(t)
	writeHandoff(t, mem, &handoff.Block{LoaderMajor: handoff.LoaderMajorVersion + 1})

	if _, err := Start(mem, c, testBlockAddr, Options{}); !errors.Is(err, handoff.ErrIncompatibleLoader) {
		t.Fatalf("got %v, want ErrIncompatibleLoader", err)
	}
	if c.IDTR.Base != 0 {
		t.Fatalf("traps installed for a rejected block")
	}
}

func TestStartRejectsCorruptBlock(t *testing.T) {
	for name, corrupt := range map[string]func(b *handoff.Block){
		"huge memory map":      func(b *handoff.Block) { b.MemoryMapSize = 1 << 40 },
		"table count overflow": func(b *handoff.Block) { b.ConfigTableCount = 1 << 62 },
		"tables past the end":  func(b *handoff.Block) { b.ConfigTables = 4<<20 - 8 },
		"options past the end": func(b *handoff.Block) { b.KernelOptions, b.KernelOptionsSize = 4<<20, 2 },
	} {
		mem, c := newTestMachine(t)
		block := &handoff.Block{LoaderMajor: handoff.LoaderMajorVersion}
		writeHandoff(t, mem, block)
		corrupt(block)
		if _, err := mem.WriteAt(block.Encode(), testBlockAddr); err != nil {
			t.Fatalf("%s: WriteAt: %v", name, err)
		}

		if _, err := Start(mem, c, testBlockAddr, Options{}); !errors.Is(err, ErrCorruptHandoff) {
			t.Fatalf("%s: got %v, want ErrCorruptHandoff", name, err)
		}
		if !c.Halted || c.HaltCode != CorruptHandoffAbortCode {
			t.Fatalf("%s: halted=%v code=0x%x", name, c.Halted, c.HaltCode)
		}
		if c.IDTR.Base != 0 {
			t.Fatalf("%s: traps installed for a corrupt block", name)
		}
	}
}

func TestTrapRegion(t *testing.T) {
	base, err := TrapRegion(testMap())
	if err != nil || base != 0x200000 {
		t.Fatalf("TrapRegion = 0x%x, %v", base, err)
	}

	// conventional memory straddling 1 MiB is usable from 1 MiB up
	base, err = TrapRegion([]firmware.MemoryDescriptor{
		{Type: firmware.ConventionalMemory, PhysicalStart: 0x80000, NumberOfPages: 0x100},
	})
	if err != nil || base != 0x100000 {
		t.Fatalf("TrapRegion = 0x%x, %v", base, err)
	}

	if _, err := TrapRegion(testMap()[:4]); !errors.Is(err, ErrNoTrapMemory) {
		t.Fatalf("got %v, want ErrNoTrapMemory", err)
	}
}

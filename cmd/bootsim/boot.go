package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/DylanGTech/PiousOS/internal/bootconfig"
	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/kernel"
	"github.com/DylanGTech/PiousOS/internal/loader"
	"github.com/DylanGTech/PiousOS/internal/physmem"
	"github.com/DylanGTech/PiousOS/internal/trap"
	"github.com/charmbracelet/x/ansi"
)

// Machine is a booted simulated machine.
type Machine struct {
	Memory   *physmem.Memory
	Firmware *firmware.Simulator
	CPU      *cpu.Simulated

	Result *loader.Result
	System *kernel.System
}

func (m *Machine) Close() error {
	return m.Memory.Close()
}

// Boot builds the machine described by cfg, loads the kernel image with the
// loader and starts the kernel on the resulting handoff block.
func Boot(cfg bootconfig.Machine, image io.ReaderAt, size uint64, progress io.Writer) (*Machine, error) {
	simCfg, err := cfg.SimulatorConfig()
	if err != nil {
		return nil, err
	}
	conv, err := loader.ParseConvention(cfg.Loader.Convention)
	if err != nil {
		return nil, err
	}

	mem, err := physmem.New(0, cfg.MemorySize())
	if err != nil {
		return nil, err
	}
	m := &Machine{Memory: mem, CPU: cpu.NewSimulated(mem)}
	fail := func(err error) (*Machine, error) {
		mem.Close()
		return nil, err
	}

	if m.Firmware, err = firmware.NewSimulator(mem, simCfg); err != nil {
		return fail(err)
	}

	m.Result, err = loader.Boot(loader.Config{
		Firmware:           m.Firmware,
		SystemTable:        m.Firmware.SystemTable(),
		ConfigTableAddress: m.Firmware.ConfigurationTableAddress(),
		Memory:             mem,
		CPU:                m.CPU,
		PreferredAddress:   cfg.Loader.PreferredAddress,
		Convention:         conv,
		StackPages:         cfg.Loader.StackPages,
		DevicePath:         cfg.Loader.DevicePath,
		KernelPath:         cfg.Loader.KernelPath,
		KernelOptions:      cfg.Loader.Options,
		KernelSize:         size,
		Progress:           progress,
	}, image)
	if err != nil {
		return fail(fmt.Errorf("boot: %w", err))
	}

	m.System, err = kernel.Start(mem, m.CPU, m.Result.BlockAddress, kernel.Options{TrapBase: cfg.Kernel.TrapBase})
	if err != nil {
		return fail(fmt.Errorf("kernel: %w", err))
	}
	return m, nil
}

type row struct {
	key   string
	value string
}

func hex(v uint64) string { return fmt.Sprintf("0x%x", v) }

func (m *Machine) Summary() []row {
	r, sys := m.Result, m.System
	l := sys.Traps.Layout()
	base := "allocated"
	if r.Region.Reused {
		base = "resident image reused"
	}
	return []row{
		{"loader", sys.Block.LoaderVersion()},
		{"kernel path", sys.KernelPath},
		{"kernel options", sys.KernelOptions},
		{"image span", fmt.Sprintf("%s-%s (%d pages)", hex(r.Image.VirtMin), hex(r.Image.VirtMax), r.Image.Pages)},
		{"image base", fmt.Sprintf("%s (%s)", hex(r.Region.Base), base)},
		{"entry", hex(r.Entry)},
		{"handoff block", hex(r.BlockAddress)},
		{"page table root", hex(r.PageTable)},
		{"stack top", hex(r.StackTop)},
		{"memory map", fmt.Sprintf("%d descriptors, stride %d", len(sys.MemoryMap), sys.DescriptorSize)},
		{"max physical address", hex(sys.MaxPhysicalAddress)},
		{"configuration tables", fmt.Sprintf("%d", len(sys.ConfigurationTables))},
		{"gdt", fmt.Sprintf("%s limit %d", hex(m.CPU.GDTR.Base), m.CPU.GDTR.Limit)},
		{"idt", fmt.Sprintf("%s limit %d", hex(m.CPU.IDTR.Base), m.CPU.IDTR.Limit)},
		{"task register", hex(uint64(m.CPU.TR))},
		{"trap region", fmt.Sprintf("%s-%s", hex(l.Base), hex(l.End()))},
	}
}

func (m *Machine) MemoryMapRows() []row {
	var rows []row
	for _, d := range m.System.MemoryMap {
		rows = append(rows, row{
			key:   fmt.Sprintf("%s-%s", hex(d.PhysicalStart), hex(d.End())),
			value: fmt.Sprintf("%s pages=%d attr=%s", d.Type, d.NumberOfPages, hex(d.Attribute)),
		})
	}
	return rows
}

func (m *Machine) IDTRows() ([]row, error) {
	var rows []row
	for i := 0; i < trap.VectorCount; i++ {
		v := trap.Vector(i)
		g, err := m.System.Traps.ReadGate(v)
		if err != nil {
			return nil, err
		}
		entry := m.System.Traps.Stubs[v]
		rows = append(rows, row{
			key:   fmt.Sprintf("%3d %s", i, v),
			value: fmt.Sprintf("stub=%s sel=%s ist=%d type=0x%02x %s", hex(g.Offset), hex(uint64(g.Selector)), g.IST, g.TypeAttr, entry.Kind),
		})
	}
	return rows, nil
}

// printTable aligns rows in two columns and truncates lines to width when
// width is positive.
func printTable(w io.Writer, rows []row, width int) {
	keyWidth := 0
	for _, r := range rows {
		if n := ansi.StringWidth(r.key); n > keyWidth {
			keyWidth = n
		}
	}
	for _, r := range rows {
		line := r.key + strings.Repeat(" ", keyWidth-ansi.StringWidth(r.key)) + "  " + r.value
		if width > 0 {
			line = ansi.Truncate(line, width, "…")
		}
		fmt.Fprintln(w, line)
	}
}

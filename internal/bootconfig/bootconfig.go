// Package bootconfig describes a simulated machine to boot: its memory,
// firmware, injected faults and the loader and kernel settings.
package bootconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/loader"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMemoryMB   = 64
	DefaultVendor     = "PiousOS simulated firmware"
	DefaultRevision   = "2.70"
	DefaultKernelPath = `\EFI\PiousOS\Kernel`
	DefaultDevicePath = `PciRoot(0x0)/Pci(0x1,0x1)/Ata(0x0)/HD(1,GPT)`
)

// Machine is the top level YAML document.
type Machine struct {
	Version  int    `yaml:"version"`
	MemoryMB uint64 `yaml:"memoryMB"`

	Firmware Firmware `yaml:"firmware"`
	// Regions replaces the default memory map when set.
	Regions []Region `yaml:"regions,omitempty"`
	Faults  Faults   `yaml:"faults,omitempty"`

	Loader Loader `yaml:"loader"`
	Kernel Kernel `yaml:"kernel,omitempty"`
}

type Firmware struct {
	Vendor string `yaml:"vendor"`
	// Revision is "major.minor".
	Revision       string  `yaml:"revision"`
	DescriptorSize uint64  `yaml:"descriptorSize,omitempty"`
	Tables         []Table `yaml:"configurationTables,omitempty"`
}

// Table is a configuration table entry, GUID in registry format.
type Table struct {
	GUID    string `yaml:"guid"`
	Address uint64 `yaml:"address"`
}

type Region struct {
	Type  string `yaml:"type"`
	Start uint64 `yaml:"start"`
	Pages uint64 `yaml:"pages"`
}

type Faults struct {
	DirtyRanges []Range  `yaml:"dirtyRanges,omitempty"`
	StaleKeys   int      `yaml:"staleKeys,omitempty"`
	DenyPages   []uint64 `yaml:"denyPages,omitempty"`
}

type Range struct {
	Start uint64 `yaml:"start"`
	Size  uint64 `yaml:"size"`
}

type Loader struct {
	PreferredAddress uint64 `yaml:"preferredAddress,omitempty"`
	Convention       string `yaml:"convention,omitempty"`
	StackPages       uint64 `yaml:"stackPages,omitempty"`
	DevicePath       string `yaml:"devicePath"`
	KernelPath       string `yaml:"kernelPath"`
	Options          string `yaml:"options,omitempty"`
}

type Kernel struct {
	TrapBase uint64 `yaml:"trapBase,omitempty"`
}

func (m *Machine) normalize() {
	if m.Version == 0 {
		m.Version = 1
	}
	if m.MemoryMB == 0 {
		m.MemoryMB = DefaultMemoryMB
	}
	if m.Firmware.Vendor == "" {
		m.Firmware.Vendor = DefaultVendor
	}
	if m.Firmware.Revision == "" {
		m.Firmware.Revision = DefaultRevision
	}
	if m.Firmware.DescriptorSize == 0 {
		m.Firmware.DescriptorSize = firmware.DefaultDescriptorSize
	}
	if m.Loader.PreferredAddress == 0 {
		m.Loader.PreferredAddress = loader.DefaultPreferredAddress
	}
	if m.Loader.Convention == "" {
		m.Loader.Convention = "sysv"
	}
	if m.Loader.StackPages == 0 {
		m.Loader.StackPages = loader.DefaultStackPages
	}
	if m.Loader.DevicePath == "" {
		m.Loader.DevicePath = DefaultDevicePath
	}
	if m.Loader.KernelPath == "" {
		m.Loader.KernelPath = DefaultKernelPath
	}
}

// Default returns the configuration used when no file is given.
func Default() Machine {
	var m Machine
	m.normalize()
	return m
}

// Parse decodes and normalizes a machine document.
func Parse(data []byte) (Machine, error) {
	var m Machine
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Machine{}, fmt.Errorf("parse machine config: %w", err)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return Machine{}, err
	}
	return m, nil
}

func Load(path string) (Machine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Machine{}, fmt.Errorf("read %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return Machine{}, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Write stores m as YAML at path with defaults filled in.
func Write(path string, m Machine) error {
	m.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&m); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// Validate checks the fields that can not be defaulted.
func (m *Machine) Validate() error {
	if m.Version != 1 {
		return fmt.Errorf("unsupported machine config version %d", m.Version)
	}
	if _, err := m.Firmware.RevisionValue(); err != nil {
		return err
	}
	if _, err := loader.ParseConvention(m.Loader.Convention); err != nil {
		return err
	}
	if _, err := m.Layout(); err != nil {
		return err
	}
	for _, t := range m.Firmware.Tables {
		if _, err := ParseGUID(t.GUID); err != nil {
			return err
		}
	}
	return nil
}

// MemorySize is the machine's physical memory in bytes.
func (m *Machine) MemorySize() uint64 {
	return m.MemoryMB << 20
}

// RevisionValue encodes "major.minor" the way firmware reports it.
func (f Firmware) RevisionValue() (uint32, error) {
	major, minor, ok := strings.Cut(f.Revision, ".")
	if !ok {
		return 0, fmt.Errorf("firmware revision %q: want major.minor", f.Revision)
	}
	hi, err := strconv.ParseUint(major, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("firmware revision %q: %w", f.Revision, err)
	}
	lo, err := strconv.ParseUint(minor, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("firmware revision %q: %w", f.Revision, err)
	}
	return uint32(hi)<<16 | uint32(lo), nil
}

// Layout returns the configured memory map, or nil for the default one.
func (m *Machine) Layout() ([]firmware.MemoryDescriptor, error) {
	var descs []firmware.MemoryDescriptor
	for i, r := range m.Regions {
		t, err := firmware.ParseMemoryType(r.Type)
		if err != nil {
			return nil, fmt.Errorf("region %d: %w", i, err)
		}
		if r.Start%firmware.PageSize != 0 {
			return nil, fmt.Errorf("region %d: start 0x%x not page aligned", i, r.Start)
		}
		if r.Start+r.Pages*firmware.PageSize > m.MemorySize() {
			return nil, fmt.Errorf("region %d: ends beyond %d MiB of memory", i, m.MemoryMB)
		}
		d := firmware.MemoryDescriptor{Type: t, PhysicalStart: r.Start, NumberOfPages: r.Pages}
		if t == firmware.ConventionalMemory {
			d.Attribute = firmware.AttributeWB
		}
		descs = append(descs, d)
	}
	return descs, nil
}

// SimulatorConfig translates m into firmware simulator settings.
func (m *Machine) SimulatorConfig() (firmware.SimulatorConfig, error) {
	layout, err := m.Layout()
	if err != nil {
		return firmware.SimulatorConfig{}, err
	}
	rev, err := m.Firmware.RevisionValue()
	if err != nil {
		return firmware.SimulatorConfig{}, err
	}
	cfg := firmware.SimulatorConfig{
		Layout:         layout,
		DescriptorSize: m.Firmware.DescriptorSize,
		Vendor:         m.Firmware.Vendor,
		Revision:       rev,
		StaleKeys:      m.Faults.StaleKeys,
		DenyPages:      m.Faults.DenyPages,
	}
	for _, r := range m.Faults.DirtyRanges {
		cfg.DirtyRanges = append(cfg.DirtyRanges, firmware.Range{Start: r.Start, Size: r.Size})
	}
	for _, t := range m.Firmware.Tables {
		guid, err := ParseGUID(t.GUID)
		if err != nil {
			return firmware.SimulatorConfig{}, err
		}
		cfg.ConfigurationTables = append(cfg.ConfigurationTables, firmware.ConfigurationTable{VendorGUID: guid, Table: t.Address})
	}
	return cfg, nil
}

// ParseGUID parses the registry format produced by firmware.GUID.String.
func ParseGUID(s string) (firmware.GUID, error) {
	var g firmware.GUID
	parts := strings.Split(s, "-")
	if len(parts) != 5 || len(parts[0]) != 8 || len(parts[1]) != 4 || len(parts[2]) != 4 || len(parts[3]) != 4 || len(parts[4]) != 12 {
		return g, fmt.Errorf("malformed GUID %q", s)
	}
	d1, err1 := strconv.ParseUint(parts[0], 16, 32)
	d2, err2 := strconv.ParseUint(parts[1], 16, 16)
	d3, err3 := strconv.ParseUint(parts[2], 16, 16)
	if err1 != nil || err2 != nil || err3 != nil {
		return g, fmt.Errorf("malformed GUID %q", s)
	}
	g[0], g[1], g[2], g[3] = byte(d1), byte(d1>>8), byte(d1>>16), byte(d1>>24)
	g[4], g[5] = byte(d2), byte(d2>>8)
	g[6], g[7] = byte(d3), byte(d3>>8)
	tail := parts[3] + parts[4]
	for i := 0; i < 8; i++ {
		b, err := strconv.ParseUint(tail[i*2:i*2+2], 16, 8)
		if err != nil {
			return g, fmt.Errorf("malformed GUID %q", s)
		}
		g[8+i] = byte(b)
	}
	return g, nil
}

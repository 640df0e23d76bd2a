package firmware

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/DylanGTech/PiousOS/internal/physmem"
)

const (
	DefaultDescriptorSize = 48
	DefaultRevision       = 2<<16 | 70

	runtimeServicesPages = 16
	bootServicesPages    = 256
	isaMemEnd            = 0x0009f000
	highMemStart         = 0x00100000
)

// Range is a span of physical memory.
type Range struct {
	Start uint64
	Size  uint64
}

type SimulatorConfig struct {
	// Layout overrides DefaultLayout when non-empty.
	Layout         []MemoryDescriptor
	DescriptorSize uint64
	Vendor         string
	Revision       uint32

	// DirtyRanges are filled with garbage although the map reports them free.
	DirtyRanges []Range
	// StaleKeys is the number of ExitBootServices calls that observe a map
	// change made behind the caller's back.
	StaleKeys int
	// DenyPages are reported free but refuse fixed-address allocation.
	DenyPages []uint64

	ConfigurationTables []ConfigurationTable
}

// Simulator implements BootServices over a physmem.Memory.
type Simulator struct {
	mem       *physmem.Memory
	descs     []MemoryDescriptor
	descSize  uint64
	key       uint64
	pools     map[uint64]uint64
	deny      map[uint64]bool
	staleKeys int
	exited    bool
	table     SystemTable
}

var (
	_ BootServices = &Simulator{}
)

// DefaultLayout describes a PC-like machine: a reserved null page, low
// memory below the ISA hole, and high memory with firmware-owned regions at
// the top.
func DefaultLayout(memStart, memEnd uint64) []MemoryDescriptor {
	memStart = alignUp(memStart, PageSize)
	memEnd = alignDown(memEnd, PageSize)
	if memEnd <= memStart {
		return nil
	}

	var descs []MemoryDescriptor
	add := func(t MemoryType, start, end uint64) {
		if end <= start {
			return
		}
		attr := uint64(AttributeUC | AttributeWC | AttributeWT | AttributeWB)
		if t == RuntimeServicesCode || t == RuntimeServicesData {
			attr |= AttributeRuntime
		}
		descs = append(descs, MemoryDescriptor{
			Type:          t,
			PhysicalStart: start,
			NumberOfPages: (end - start) / PageSize,
			Attribute:     attr,
		})
	}

	cursor := memStart
	if cursor == 0 {
		add(ReservedMemoryType, 0, PageSize)
		cursor = PageSize
	}
	if cursor < isaMemEnd {
		add(ConventionalMemory, cursor, min(memEnd, isaMemEnd))
		cursor = min(memEnd, isaMemEnd)
	}
	if cursor < highMemStart && memEnd > cursor {
		add(ReservedMemoryType, cursor, min(memEnd, highMemStart))
		cursor = min(memEnd, highMemStart)
	}
	if cursor >= memEnd {
		return descs
	}

	firmwareSize := uint64(runtimeServicesPages+bootServicesPages) * PageSize
	if memEnd-cursor <= 2*firmwareSize {
		add(ConventionalMemory, cursor, memEnd)
		return descs
	}

	runtimeStart := memEnd - runtimeServicesPages*PageSize
	bootStart := runtimeStart - bootServicesPages*PageSize
	add(ConventionalMemory, cursor, bootStart)
	add(BootServicesData, bootStart, runtimeStart)
	add(RuntimeServicesData, runtimeStart, memEnd)
	return descs
}

func NewSimulator(mem *physmem.Memory, cfg SimulatorConfig) (*Simulator, error) {
	s := &Simulator{
		mem:       mem,
		descSize:  cfg.DescriptorSize,
		pools:     make(map[uint64]uint64),
		deny:      make(map[uint64]bool),
		staleKeys: cfg.StaleKeys,
		key:       1,
	}
	if s.descSize == 0 {
		s.descSize = DefaultDescriptorSize
	}
	if s.descSize < DescriptorSize {
		return nil, fmt.Errorf("firmware: descriptor size %d smaller than %d", s.descSize, DescriptorSize)
	}

	layout := cfg.Layout
	if len(layout) == 0 {
		layout = DefaultLayout(mem.Base(), mem.End())
	}
	for _, d := range layout {
		if d.NumberOfPages == 0 {
			continue
		}
		if d.PhysicalStart%PageSize != 0 {
			return nil, fmt.Errorf("firmware: region %s not page aligned", d)
		}
		if !mem.Contains(d.PhysicalStart, d.NumberOfPages*PageSize) {
			return nil, fmt.Errorf("firmware: region %s outside physical memory", d)
		}
		s.descs = append(s.descs, d)
	}
	sort.Slice(s.descs, func(i, j int) bool { return s.descs[i].PhysicalStart < s.descs[j].PhysicalStart })
	for i := 1; i < len(s.descs); i++ {
		if s.descs[i].PhysicalStart < s.descs[i-1].End() {
			return nil, fmt.Errorf("firmware: region %s overlaps %s", s.descs[i], s.descs[i-1])
		}
	}

	for _, page := range cfg.DenyPages {
		s.deny[alignDown(page, PageSize)] = true
	}

	for _, r := range cfg.DirtyRanges {
		buf, err := mem.Slice(r.Start, r.Size)
		if err != nil {
			return nil, fmt.Errorf("firmware: dirty range: %w", err)
		}
		for i := range buf {
			buf[i] = byte(0xa5 ^ i)
		}
	}

	s.table = SystemTable{
		FirmwareVendor:   cfg.Vendor,
		FirmwareRevision: cfg.Revision,
	}
	if s.table.FirmwareVendor == "" {
		s.table.FirmwareVendor = "PiousOS Simulator"
	}
	if s.table.FirmwareRevision == 0 {
		s.table.FirmwareRevision = DefaultRevision
	}
	if err := s.installRuntimeTables(cfg.ConfigurationTables); err != nil {
		return nil, err
	}

	return s, nil
}

// installRuntimeTables reserves runtime memory for the runtime services
// table and the configuration table array and writes the latter.
func (s *Simulator) installRuntimeTables(tables []ConfigurationTable) error {
	size := uint64(0x100 + len(tables)*ConfigurationTableSize)
	pages := alignUp(size, PageSize) / PageSize

	var base uint64
	found := false
	for _, d := range s.descs {
		if d.Type == RuntimeServicesData && d.NumberOfPages >= pages {
			base, found = d.PhysicalStart, true
			break
		}
	}
	if !found && len(tables) == 0 {
		// a custom layout without runtime memory has no runtime services
		return nil
	}
	if !found {
		addr, err := s.AllocatePages(AllocateAnyPages, RuntimeServicesData, pages, 0)
		if err != nil {
			return fmt.Errorf("firmware: reserve runtime tables: %w", err)
		}
		base = addr
	}

	s.table.RuntimeServices = base
	s.table.ConfigurationTables = append([]ConfigurationTable(nil), tables...)

	buf := make([]byte, len(tables)*ConfigurationTableSize)
	for i, t := range tables {
		t.Encode(buf[i*ConfigurationTableSize:])
	}
	if _, err := s.mem.WriteAt(buf, int64(base+0x100)); err != nil {
		return fmt.Errorf("firmware: write configuration tables: %w", err)
	}
	return nil
}

// ConfigurationTableAddress is where the configuration table array lives.
func (s *Simulator) ConfigurationTableAddress() uint64 {
	if s.table.RuntimeServices == 0 {
		return 0
	}
	return s.table.RuntimeServices + 0x100
}

func (s *Simulator) SystemTable() SystemTable { return s.table }

func (s *Simulator) Memory() *physmem.Memory { return s.mem }

// Key returns the current memory map key.
func (s *Simulator) Key() uint64 { return s.key }

func (s *Simulator) Exited() bool { return s.exited }

// Map returns a copy of the current memory map.
func (s *Simulator) Map() []MemoryDescriptor {
	return append([]MemoryDescriptor(nil), s.descs...)
}

func (s *Simulator) mutated() {
	s.key++
}

func (s *Simulator) denied(addr, pages uint64) bool {
	for i := uint64(0); i < pages; i++ {
		if s.deny[addr+i*PageSize] {
			return true
		}
	}
	return false
}

func (s *Simulator) find(addr, pages uint64) int {
	end := addr + pages*PageSize
	for i, d := range s.descs {
		if addr >= d.PhysicalStart && end <= d.End() {
			return i
		}
	}
	return -1
}

// carve retypes [addr, addr+pages) inside descriptor i.
func (s *Simulator) carve(i int, addr, pages uint64, t MemoryType) {
	d := s.descs[i]
	end := addr + pages*PageSize

	var parts []MemoryDescriptor
	if addr > d.PhysicalStart {
		parts = append(parts, MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: d.PhysicalStart,
			NumberOfPages: (addr - d.PhysicalStart) / PageSize,
			Attribute:     d.Attribute,
		})
	}
	parts = append(parts, MemoryDescriptor{
		Type:          t,
		PhysicalStart: addr,
		NumberOfPages: pages,
		Attribute:     d.Attribute,
	})
	if end < d.End() {
		parts = append(parts, MemoryDescriptor{
			Type:          d.Type,
			PhysicalStart: end,
			NumberOfPages: (d.End() - end) / PageSize,
			Attribute:     d.Attribute,
		})
	}

	descs := make([]MemoryDescriptor, 0, len(s.descs)+2)
	descs = append(descs, s.descs[:i]...)
	descs = append(descs, parts...)
	descs = append(descs, s.descs[i+1:]...)
	s.descs = coalesce(descs)
	s.mutated()
}

func coalesce(descs []MemoryDescriptor) []MemoryDescriptor {
	out := descs[:0]
	for _, d := range descs {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.Type == d.Type && last.Attribute == d.Attribute && last.End() == d.PhysicalStart {
				last.NumberOfPages += d.NumberOfPages
				continue
			}
		}
		out = append(out, d)
	}
	return out
}

// AllocatePages implements BootServices. Any-address and max-address
// allocations are satisfied top-down.
func (s *Simulator) AllocatePages(kind AllocateType, memType MemoryType, pages uint64, addr uint64) (uint64, error) {
	if s.exited {
		return 0, ErrServicesExited
	}
	if pages == 0 || memType == ConventionalMemory {
		return 0, ErrInvalidParameter
	}

	switch kind {
	case AllocateAddress:
		if addr%PageSize != 0 {
			return 0, ErrInvalidParameter
		}
		if s.denied(addr, pages) {
			slog.Debug("firmware: fixed allocation refused", "addr", fmt.Sprintf("0x%x", addr), "pages", pages)
			return 0, ErrNotFound
		}
		i := s.find(addr, pages)
		if i < 0 || s.descs[i].Type != ConventionalMemory {
			return 0, ErrNotFound
		}
		s.carve(i, addr, pages, memType)
		return addr, nil
	case AllocateAnyPages, AllocateMaxAddress:
		limit := NoAddress
		if kind == AllocateMaxAddress {
			limit = addr
		}
		size := pages * PageSize
		for i := len(s.descs) - 1; i >= 0; i-- {
			d := s.descs[i]
			if d.Type != ConventionalMemory || d.NumberOfPages < pages {
				continue
			}
			top := d.End()
			if limit != NoAddress && top > alignDown(limit+1, PageSize) {
				top = alignDown(limit+1, PageSize)
			}
			for top >= d.PhysicalStart+size {
				candidate := top - size
				if !s.denied(candidate, pages) {
					s.carve(i, candidate, pages, memType)
					return candidate, nil
				}
				top -= PageSize
			}
		}
		return 0, ErrOutOfResources
	default:
		return 0, ErrInvalidParameter
	}
}

// FreePages implements BootServices.
func (s *Simulator) FreePages(addr uint64, pages uint64) error {
	if s.exited {
		return ErrServicesExited
	}
	if addr%PageSize != 0 || pages == 0 {
		return ErrInvalidParameter
	}
	i := s.find(addr, pages)
	if i < 0 {
		return ErrNotFound
	}
	switch s.descs[i].Type {
	case LoaderCode, LoaderData, BootServicesCode, BootServicesData:
	default:
		return ErrNotFound
	}
	s.carve(i, addr, pages, ConventionalMemory)
	return nil
}

// AllocatePool implements BootServices. Pool allocations are backed by whole
// pages.
func (s *Simulator) AllocatePool(memType MemoryType, size uint64) (uint64, error) {
	if size == 0 {
		return 0, ErrInvalidParameter
	}
	pages := alignUp(size, PageSize) / PageSize
	addr, err := s.AllocatePages(AllocateAnyPages, memType, pages, 0)
	if err != nil {
		return 0, err
	}
	s.pools[addr] = pages
	return addr, nil
}

// FreePool implements BootServices.
func (s *Simulator) FreePool(addr uint64) error {
	pages, ok := s.pools[addr]
	if !ok {
		return ErrInvalidParameter
	}
	if err := s.FreePages(addr, pages); err != nil {
		return err
	}
	delete(s.pools, addr)
	return nil
}

// GetMemoryMap implements BootServices.
func (s *Simulator) GetMemoryMap(buf []byte) (MapInfo, error) {
	if s.exited {
		return MapInfo{}, ErrServicesExited
	}
	info := MapInfo{
		Size:              uint64(len(s.descs)) * s.descSize,
		Key:               s.key,
		DescriptorSize:    s.descSize,
		DescriptorVersion: DescriptorVersion,
	}
	if uint64(len(buf)) < info.Size {
		return MapInfo{Size: info.Size, DescriptorSize: s.descSize, DescriptorVersion: DescriptorVersion}, ErrBufferTooSmall
	}
	clear(buf[:info.Size])
	for i, d := range s.descs {
		d.Encode(buf[uint64(i)*s.descSize:])
	}
	return info, nil
}

// ExitBootServices implements BootServices.
func (s *Simulator) ExitBootServices(key uint64) error {
	if s.exited {
		return ErrServicesExited
	}
	if s.staleKeys > 0 {
		s.staleKeys--
		// an event callback touched the map after the caller fetched it
		s.mutated()
	}
	if key != s.key {
		slog.Debug("firmware: stale map key", "got", key, "want", s.key)
		return ErrInvalidParameter
	}
	s.exited = true
	return nil
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

func alignDown(v, align uint64) uint64 {
	return v &^ (align - 1)
}

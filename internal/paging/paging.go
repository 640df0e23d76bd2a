package paging

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrAlreadyMapped = errors.New("paging: virtual page already mapped to a different frame")
	ErrNotMapped     = errors.New("paging: virtual page not mapped")
	ErrHugePage      = errors.New("paging: huge pages are not supported")
	ErrNonCanonical  = errors.New("paging: non-canonical virtual address")
	ErrUnaligned     = errors.New("paging: address not page aligned")
)

type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// FrameAllocator hands out physical frames for new page tables.
type FrameAllocator interface {
	AllocateFrame() (uint64, error)
}

// Invalidator drops cached translations for a virtual page.
type Invalidator interface {
	InvalidatePage(virt uint64)
}

// AddressSpace edits a four level page table tree stored in physical memory.
// It is not safe for concurrent use.
type AddressSpace struct {
	mem    Memory
	root   uint64
	frames FrameAllocator
	inv    Invalidator

	// tables maps every table frame this address space has visited or
	// created to its level, 4 being the root.
	tables map[uint64]int
}

func NewAddressSpace(mem Memory, root uint64, frames FrameAllocator, inv Invalidator) (*AddressSpace, error) {
	if root%PageSize != 0 {
		return nil, fmt.Errorf("paging: root 0x%x: %w", root, ErrUnaligned)
	}
	return &AddressSpace{
		mem:    mem,
		root:   root,
		frames: frames,
		inv:    inv,
		tables: map[uint64]int{root: Levels},
	}, nil
}

func (as *AddressSpace) Root() uint64 { return as.root }

// Tables returns the table frames known to the address space keyed by level.
func (as *AddressSpace) Tables() map[uint64]int {
	out := make(map[uint64]int, len(as.tables))
	for frame, level := range as.tables {
		out[frame] = level
	}
	return out
}

func (as *AddressSpace) readEntry(table uint64, idx uint16) (Entry, error) {
	var buf [8]byte
	if _, err := as.mem.ReadAt(buf[:], int64(table+uint64(idx)*8)); err != nil {
		return 0, fmt.Errorf("paging: read entry %d of table 0x%x: %w", idx, table, err)
	}
	return Entry(binary.LittleEndian.Uint64(buf[:])), nil
}

func (as *AddressSpace) writeEntry(table uint64, idx uint16, e Entry) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(e))
	if _, err := as.mem.WriteAt(buf[:], int64(table+uint64(idx)*8)); err != nil {
		return fmt.Errorf("paging: write entry %d of table 0x%x: %w", idx, table, err)
	}
	return nil
}

func (as *AddressSpace) newTable(level int) (uint64, error) {
	frame, err := as.frames.AllocateFrame()
	if err != nil {
		return 0, fmt.Errorf("paging: allocate level %d table: %w", level, err)
	}
	if frame%PageSize != 0 {
		return 0, fmt.Errorf("paging: table frame 0x%x: %w", frame, ErrUnaligned)
	}
	if _, err := as.mem.WriteAt(make([]byte, PageSize), int64(frame)); err != nil {
		return 0, fmt.Errorf("paging: clear table 0x%x: %w", frame, err)
	}
	as.tables[frame] = level
	return frame, nil
}

// leafTable walks to the level 1 table covering virt. Missing intermediate
// tables are created when create is set; present entries are always
// descended into and never replaced.
func (as *AddressSpace) leafTable(virt uint64, create bool) (uint64, error) {
	idx := Indices(virt)
	table := as.root
	for level := Levels; level > 1; level-- {
		e, err := as.readEntry(table, idx[Levels-level])
		if err != nil {
			return 0, err
		}
		if !e.HasFlags(FlagPresent) {
			if !create {
				return 0, fmt.Errorf("0x%x: %w", virt, ErrNotMapped)
			}
			next, err := as.newTable(level - 1)
			if err != nil {
				return 0, err
			}
			if err := as.writeEntry(table, idx[Levels-level], Entry(next)|FlagPresent|FlagRW); err != nil {
				return 0, err
			}
			table = next
			continue
		}
		if e.HasFlags(FlagHugePage) {
			return 0, fmt.Errorf("0x%x at level %d: %w", virt, level, ErrHugePage)
		}
		table = e.Frame()
		if _, seen := as.tables[table]; !seen {
			as.tables[table] = level - 1
		}
	}
	return table, nil
}

func checkAddresses(virt, phys uint64) error {
	if !Canonical(virt) {
		return fmt.Errorf("0x%x: %w", virt, ErrNonCanonical)
	}
	if virt%PageSize != 0 || phys%PageSize != 0 {
		return fmt.Errorf("virt 0x%x phys 0x%x: %w", virt, phys, ErrUnaligned)
	}
	if phys&^frameMask != 0 {
		return fmt.Errorf("phys 0x%x beyond physical address width", phys)
	}
	return nil
}

func (as *AddressSpace) install(table uint64, idx uint16, virt, phys uint64, flags Entry) error {
	old, err := as.readEntry(table, idx)
	if err != nil {
		return err
	}
	want := Entry(phys) | (flags &^ Entry(frameMask)) | FlagPresent
	if old.HasFlags(FlagPresent) {
		if old.Frame() != phys {
			return fmt.Errorf("0x%x -> 0x%x (mapped to 0x%x): %w", virt, phys, old.Frame(), ErrAlreadyMapped)
		}
		if old == want {
			return nil
		}
	}
	if err := as.writeEntry(table, idx, want); err != nil {
		return err
	}
	as.inv.InvalidatePage(virt)
	return nil
}

// Map maps one page. Mapping the same frame again is a no-op; a present
// mapping to another frame is ErrAlreadyMapped.
func (as *AddressSpace) Map(virt, phys uint64, flags Entry) error {
	return as.MapRange(virt, phys, 1, flags)
}

// MapRange maps pages consecutive pages starting at virt to consecutive
// frames starting at phys. Runs that leave the current leaf table continue
// in the next one.
func (as *AddressSpace) MapRange(virt, phys, pages uint64, flags Entry) error {
	if pages == 0 {
		return nil
	}
	if err := checkAddresses(virt, phys); err != nil {
		return err
	}

	table, err := as.leafTable(virt, true)
	if err != nil {
		return err
	}

	first := Indices(virt)[Levels-1]
	n := min(pages, uint64(EntryCount-first))
	for i := uint64(0); i < n; i++ {
		if err := as.install(table, first+uint16(i), virt+i*PageSize, phys+i*PageSize, flags); err != nil {
			return err
		}
	}

	if pages > n {
		return as.MapRange(virt+n*PageSize, phys+n*PageSize, pages-n, flags)
	}
	return nil
}

// Unmap clears the leaf entry for virt.
func (as *AddressSpace) Unmap(virt uint64) error {
	if err := checkAddresses(virt, 0); err != nil {
		return err
	}
	table, err := as.leafTable(virt, false)
	if err != nil {
		return err
	}
	idx := Indices(virt)[Levels-1]
	e, err := as.readEntry(table, idx)
	if err != nil {
		return err
	}
	if !e.HasFlags(FlagPresent) {
		return fmt.Errorf("0x%x: %w", virt, ErrNotMapped)
	}
	if err := as.writeEntry(table, idx, 0); err != nil {
		return err
	}
	as.inv.InvalidatePage(virt)
	return nil
}

// Translate returns the physical address and leaf flags virt resolves to.
func (as *AddressSpace) Translate(virt uint64) (uint64, Entry, error) {
	if !Canonical(virt) {
		return 0, 0, fmt.Errorf("0x%x: %w", virt, ErrNonCanonical)
	}
	page := virt &^ (PageSize - 1)
	table, err := as.leafTable(page, false)
	if err != nil {
		return 0, 0, err
	}
	e, err := as.readEntry(table, Indices(page)[Levels-1])
	if err != nil {
		return 0, 0, err
	}
	if !e.HasFlags(FlagPresent) {
		return 0, 0, fmt.Errorf("0x%x: %w", virt, ErrNotMapped)
	}
	return e.Frame() | (virt & (PageSize - 1)), e.Flags(), nil
}

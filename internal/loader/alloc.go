package loader

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DylanGTech/PiousOS/internal/firmware"
)

// DefaultPreferredAddress is the fixed physical load address tried first.
const DefaultPreferredAddress = 0x40000000

const maxMapFetches = 4

// Region is the physical home of a loaded image.
type Region struct {
	Base  uint64
	Pages uint64
	// Reused is set when the region held an earlier copy of the image and
	// was accepted without being zero.
	Reused bool
}

func (r Region) Size() uint64 { return r.Pages * PageSize }

func (r Region) End() uint64 { return r.Base + r.Size() }

// Allocator finds physical memory for the image. Firmware is not trusted to
// hand out zeroed memory, so every candidate is checked before it is kept.
type Allocator struct {
	Firmware         firmware.BootServices
	Memory           io.ReaderAt
	PreferredAddress uint64
}

// Allocate returns pages contiguous pages. When no tier produces a usable
// region it returns ErrNoMemoryAvailable and nothing remains allocated.
func (a *Allocator) Allocate(pages uint64) (Region, error) {
	if pages == 0 {
		return Region{}, fmt.Errorf("allocate zero pages: %w", ErrNoMemoryAvailable)
	}
	preferred := a.PreferredAddress
	if preferred == 0 {
		preferred = DefaultPreferredAddress
	}

	ok, err := a.try(preferred, pages, true)
	if err != nil {
		return Region{}, err
	}
	if ok.Pages != 0 {
		return ok, nil
	}

	// by-run: the start of every large enough conventional run
	floor := uint64(0)
	for {
		candidate, err := FindRun(a.Firmware, pages, floor)
		if err != nil {
			return Region{}, err
		}
		if candidate == firmware.NoAddress {
			break
		}
		floor = candidate + 1
		if candidate == preferred {
			continue
		}
		region, err := a.try(candidate, pages, false)
		if err != nil {
			return Region{}, err
		}
		if region.Pages != 0 {
			return region, nil
		}
	}

	// by-page: slide through every large enough run one page at a time
	cursor := firmware.NoAddress
	for {
		candidate, err := FindPage(a.Firmware, pages, cursor)
		if err != nil {
			return Region{}, err
		}
		if candidate == firmware.NoAddress {
			break
		}
		cursor = candidate
		region, err := a.try(candidate, pages, false)
		if err != nil {
			return Region{}, err
		}
		if region.Pages != 0 {
			return region, nil
		}
	}

	slog.Debug("loader: all allocation tiers exhausted", "pages", pages)
	return Region{}, fmt.Errorf("%d pages: %w", pages, ErrNoMemoryAvailable)
}

// try allocates [addr, addr+pages) and keeps it when it verifies. A zero
// Region with a nil error means the candidate was rejected and released.
func (a *Allocator) try(addr, pages uint64, allowResident bool) (Region, error) {
	got, err := a.Firmware.AllocatePages(firmware.AllocateAddress, firmware.LoaderData, pages, addr)
	if err != nil {
		if errors.Is(err, firmware.ErrNotFound) || errors.Is(err, firmware.ErrOutOfResources) {
			slog.Debug("loader: candidate unavailable", "addr", fmt.Sprintf("0x%x", addr), "err", err)
			return Region{}, nil
		}
		return Region{}, fmt.Errorf("allocate 0x%x: %w", addr, err)
	}

	region := Region{Base: got, Pages: pages}
	zero, err := isZero(a.Memory, region.Base, region.Size())
	if err != nil {
		return Region{}, err
	}
	if zero {
		slog.Debug("loader: candidate accepted", "addr", fmt.Sprintf("0x%x", got), "pages", pages)
		return region, nil
	}

	if allowResident {
		var head [4]byte
		if _, err := a.Memory.ReadAt(head[:], int64(got)); err != nil {
			return Region{}, fmt.Errorf("read 0x%x: %w", got, err)
		}
		if HasMagic(head[:]) {
			slog.Info("loader: reusing resident image", "addr", fmt.Sprintf("0x%x", got))
			region.Reused = true
			return region, nil
		}
	}

	slog.Debug("loader: candidate not zero", "addr", fmt.Sprintf("0x%x", got))
	if err := a.Firmware.FreePages(got, pages); err != nil {
		return Region{}, fmt.Errorf("free rejected 0x%x: %w", got, err)
	}
	return Region{}, nil
}

func isZero(mem io.ReaderAt, base, size uint64) (bool, error) {
	buf := make([]byte, PageSize)
	for off := uint64(0); off < size; off += PageSize {
		n := min(size-off, PageSize)
		if _, err := mem.ReadAt(buf[:n], int64(base+off)); err != nil {
			return false, fmt.Errorf("verify 0x%x: %w", base+off, err)
		}
		for _, b := range buf[:n] {
			if b != 0 {
				return false, nil
			}
		}
	}
	return true, nil
}

// MemoryMap fetches the current memory map into a heap buffer, repeating the
// size query while the map keeps growing underneath it.
func MemoryMap(fw firmware.BootServices) ([]byte, firmware.MapInfo, error) {
	var buf []byte
	for i := 0; i < maxMapFetches; i++ {
		info, err := fw.GetMemoryMap(buf)
		if err == nil {
			return buf[:info.Size], info, nil
		}
		if !errors.Is(err, firmware.ErrBufferTooSmall) {
			return nil, firmware.MapInfo{}, fmt.Errorf("get memory map: %w", err)
		}
		buf = make([]byte, info.Size)
	}
	return nil, firmware.MapInfo{}, fmt.Errorf("get memory map: size kept changing after %d attempts", maxMapFetches)
}

// FindRun returns the start of the first conventional run of at least pages
// pages that starts at or above floor, or firmware.NoAddress.
func FindRun(fw firmware.BootServices, pages, floor uint64) (uint64, error) {
	buf, info, err := MemoryMap(fw)
	if err != nil {
		return 0, err
	}
	it, err := firmware.NewDescriptorIterator(buf, info.DescriptorSize)
	if err != nil {
		return 0, err
	}
	best := firmware.NoAddress
	for {
		d, ok := it.Next()
		if !ok {
			break
		}
		if d.Type != firmware.ConventionalMemory || d.NumberOfPages < pages || d.PhysicalStart < floor {
			continue
		}
		if d.PhysicalStart < best {
			best = d.PhysicalStart
		}
	}
	return best, nil
}

// FindPage returns the page after prev when the image still fits in the
// conventional run containing prev, otherwise the start of the next run large
// enough for the image. Pass firmware.NoAddress to start from the lowest run.
func FindPage(fw firmware.BootServices, pages, prev uint64) (uint64, error) {
	buf, info, err := MemoryMap(fw)
	if err != nil {
		return 0, err
	}
	descs, err := firmware.Descriptors(buf, info.DescriptorSize)
	if err != nil {
		return 0, err
	}

	size := pages * PageSize
	best := firmware.NoAddress
	for _, d := range descs {
		if d.Type != firmware.ConventionalMemory || d.NumberOfPages < pages {
			continue
		}
		if prev != firmware.NoAddress && prev >= d.PhysicalStart && prev < d.End() {
			if next := prev + PageSize; next+size <= d.End() {
				return next, nil
			}
			continue
		}
		if (prev == firmware.NoAddress || d.PhysicalStart > prev) && d.PhysicalStart < best {
			best = d.PhysicalStart
		}
	}
	return best, nil
}

package loader

import (
	"bytes"
	"debug/elf"
	"fmt"
	"io"
)

const PageSize = 4096

// Segment is a loadable program segment.
type Segment struct {
	VirtAddr uint64
	Offset   uint64
	FileSize uint64
	MemSize  uint64
	Flags    elf.ProgFlag
}

// Image describes a validated 64-bit executable.
type Image struct {
	Type     elf.Type
	Entry    uint64
	Segments []Segment

	VirtMin uint64
	VirtMax uint64
	// Pages is the number of pages spanned by [VirtMin, VirtMax).
	Pages uint64
}

// EntryOffset is the distance of the entry point from the lowest loaded
// virtual address.
func (img *Image) EntryOffset() uint64 {
	return img.Entry - img.VirtMin
}

// JumpTarget is the physical address of the entry point once the image is
// loaded at base.
func (img *Image) JumpTarget(base uint64) uint64 {
	return base + img.EntryOffset()
}

// HasMagic reports whether buf starts with the ELF magic.
func HasMagic(buf []byte) bool {
	return bytes.HasPrefix(buf, []byte(elf.ELFMAG))
}

// ParseImage validates the executable header of r and collects its loadable
// segments. It never allocates memory outside the Go heap.
func ParseImage(r io.ReaderAt) (*Image, error) {
	var ident [elf.EI_NIDENT]byte
	if _, err := r.ReadAt(ident[:], 0); err != nil {
		return nil, fmt.Errorf("read identification: %v: %w", err, ErrInvalidFormat)
	}
	if !HasMagic(ident[:]) {
		return nil, fmt.Errorf("bad magic %x: %w", ident[:len(elf.ELFMAG)], ErrInvalidFormat)
	}
	if class := elf.Class(ident[elf.EI_CLASS]); class != elf.ELFCLASS64 {
		return nil, fmt.Errorf("unsupported class %s: %w", class, ErrInvalidFormat)
	}
	if data := elf.Data(ident[elf.EI_DATA]); data != elf.ELFDATA2LSB {
		return nil, fmt.Errorf("unsupported byte order %s: %w", data, ErrInvalidFormat)
	}

	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("open elf image: %v: %w", err, ErrInvalidFormat)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("unsupported machine %s: %w", f.Machine, ErrInvalidFormat)
	}
	if f.Type != elf.ET_EXEC && f.Type != elf.ET_DYN {
		return nil, fmt.Errorf("unsupported type %s: %w", f.Type, ErrInvalidFormat)
	}

	img := &Image{
		Type:  f.Type,
		Entry: f.Entry,
	}
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("segment at %#x file size %#x exceeds mem size %#x: %w",
				prog.Vaddr, prog.Filesz, prog.Memsz, ErrInvalidFormat)
		}
		if prog.Vaddr+prog.Memsz < prog.Vaddr {
			return nil, fmt.Errorf("segment at %#x wraps the address space: %w", prog.Vaddr, ErrInvalidFormat)
		}
		if len(img.Segments) == 0 || prog.Vaddr < img.VirtMin {
			img.VirtMin = prog.Vaddr
		}
		if end := prog.Vaddr + prog.Memsz; end > img.VirtMax {
			img.VirtMax = end
		}
		img.Segments = append(img.Segments, Segment{
			VirtAddr: prog.Vaddr,
			Offset:   prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
			Flags:    prog.Flags,
		})
	}

	if len(img.Segments) == 0 {
		return nil, fmt.Errorf("no loadable segments: %w", ErrInvalidFormat)
	}
	if img.Entry < img.VirtMin || img.Entry >= img.VirtMax {
		return nil, fmt.Errorf("entry %#x outside loaded span [%#x, %#x): %w",
			img.Entry, img.VirtMin, img.VirtMax, ErrInvalidFormat)
	}
	if img.VirtMin%PageSize != 0 {
		return nil, fmt.Errorf("lowest segment %#x not page aligned: %w", img.VirtMin, ErrInvalidFormat)
	}

	img.Pages = (img.VirtMax - img.VirtMin + PageSize - 1) / PageSize
	return img, nil
}

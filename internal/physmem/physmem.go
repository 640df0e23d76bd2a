package physmem

import (
	"errors"
	"fmt"
)

const PageSize = 4096

var ErrOutOfRange = errors.New("physical address out of range")

// Memory is a contiguous span of physical memory starting at base.
type Memory struct {
	base    uint64
	data    []byte
	release func([]byte) error
}

// New allocates size bytes of zeroed physical memory starting at base.
func New(base, size uint64) (*Memory, error) {
	if size == 0 || size%PageSize != 0 {
		return nil, fmt.Errorf("physmem: size 0x%x must be a non-zero multiple of 0x%x", size, PageSize)
	}
	if base%PageSize != 0 {
		return nil, fmt.Errorf("physmem: base 0x%x not page aligned", base)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("physmem: size %d exceeds host address limit", size)
	}

	data, release, err := allocate(size)
	if err != nil {
		return nil, fmt.Errorf("physmem: allocate: %w", err)
	}

	return &Memory{base: base, data: data, release: release}, nil
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return uint64(len(m.data)) }
func (m *Memory) End() uint64  { return m.base + uint64(len(m.data)) }

func (m *Memory) Close() error {
	if m.data == nil {
		return nil
	}
	data := m.data
	m.data = nil
	if m.release != nil {
		return m.release(data)
	}
	return nil
}

// Slice returns the backing bytes for [addr, addr+n).
func (m *Memory) Slice(addr, n uint64) ([]byte, error) {
	if m.data == nil {
		return nil, fmt.Errorf("physmem: access after close")
	}
	if addr < m.base || n > uint64(len(m.data)) || addr-m.base > uint64(len(m.data))-n {
		return nil, fmt.Errorf("physmem: [0x%x, 0x%x): %w", addr, addr+n, ErrOutOfRange)
	}
	off := addr - m.base
	return m.data[off : off+n : off+n], nil
}

// ReadAt implements io.ReaderAt with off interpreted as a physical address.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	buf, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(p, buf), nil
}

// WriteAt implements io.WriterAt with off interpreted as a physical address.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	buf, err := m.Slice(uint64(off), uint64(len(p)))
	if err != nil {
		return 0, err
	}
	return copy(buf, p), nil
}

// Zero clears [addr, addr+n).
func (m *Memory) Zero(addr, n uint64) error {
	buf, err := m.Slice(addr, n)
	if err != nil {
		return err
	}
	clear(buf)
	return nil
}

// IsZero reports whether every byte in [addr, addr+n) is zero.
func (m *Memory) IsZero(addr, n uint64) (bool, error) {
	buf, err := m.Slice(addr, n)
	if err != nil {
		return false, err
	}
	for _, b := range buf {
		if b != 0 {
			return false, nil
		}
	}
	return true, nil
}

// Contains reports whether [addr, addr+n) lies inside the memory.
func (m *Memory) Contains(addr, n uint64) bool {
	return addr >= m.base && n <= uint64(len(m.data)) && addr-m.base <= uint64(len(m.data))-n
}

//go:build linux || darwin

package physmem

import "golang.org/x/sys/unix"

func allocate(size uint64) ([]byte, func([]byte) error, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, nil, err
	}
	return mem, unix.Munmap, nil
}

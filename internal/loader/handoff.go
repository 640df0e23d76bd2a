package loader

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/firmware"
	"github.com/DylanGTech/PiousOS/internal/handoff"
)

// Convention selects how the entry point receives the parameter block.
type Convention int

const (
	// ConventionSysV passes the block in RDI.
	ConventionSysV Convention = iota
	// ConventionMicrosoft passes the block in RCX, as firmware applications
	// expect.
	ConventionMicrosoft
)

func (c Convention) String() string {
	switch c {
	case ConventionSysV:
		return "sysv"
	case ConventionMicrosoft:
		return "ms"
	default:
		return fmt.Sprintf("Convention(%d)", int(c))
	}
}

func (c Convention) ArgumentRegister() cpu.Register {
	if c == ConventionMicrosoft {
		return cpu.RegisterRcx
	}
	return cpu.RegisterRdi
}

// HomeSpace is the number of bytes the caller reserves above the return
// address for the callee to spill its register arguments.
func (c Convention) HomeSpace() uint64 {
	if c == ConventionMicrosoft {
		return 32
	}
	return 0
}

// EntryStack returns the RSP the entry point sees: the home space and a
// return address below the 16-byte aligned stackTop.
func (c Convention) EntryStack(stackTop uint64) uint64 {
	return (stackTop &^ 0xf) - c.HomeSpace() - 8
}

func ParseConvention(s string) (Convention, error) {
	switch strings.ToLower(s) {
	case "", "sysv":
		return ConventionSysV, nil
	case "ms", "microsoft", "ms_abi":
		return ConventionMicrosoft, nil
	default:
		return 0, fmt.Errorf("unknown calling convention %q", s)
	}
}

// Memory is the physical address space as seen by the loader.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// file info layout handed to the kernel
const (
	fileInfoSize         = 0x00
	fileInfoFileSize     = 0x08
	fileInfoPhysicalSize = 0x10
	fileInfoAttribute    = 0x48
	fileInfoFileName     = 0x50
)

// allocatePool copies data into a fresh LoaderData pool allocation.
func allocatePool(fw firmware.BootServices, mem Memory, data []byte) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	addr, err := fw.AllocatePool(firmware.LoaderData, uint64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("allocate pool of %d bytes: %w", len(data), err)
	}
	if _, err := mem.WriteAt(data, int64(addr)); err != nil {
		return 0, fmt.Errorf("write pool at 0x%x: %w", addr, err)
	}
	return addr, nil
}

func encodeFileInfo(name string, size uint64) []byte {
	nameBytes := handoff.EncodeString(name)
	buf := make([]byte, fileInfoFileName+len(nameBytes))
	binary.LittleEndian.PutUint64(buf[fileInfoSize:], uint64(len(buf)))
	binary.LittleEndian.PutUint64(buf[fileInfoFileSize:], size)
	binary.LittleEndian.PutUint64(buf[fileInfoPhysicalSize:], (size+PageSize-1)&^(PageSize-1))
	binary.LittleEndian.PutUint64(buf[fileInfoAttribute:], 0x20) // archive
	copy(buf[fileInfoFileName:], nameBytes)
	return buf
}

// finalMemoryMap runs the two call memory map protocol into a LoaderData pool
// buffer: a size query, an allocation of exactly the reported size, and the
// fetch itself.
func finalMemoryMap(fw firmware.BootServices, mem Memory) (uint64, firmware.MapInfo, error) {
	info, err := fw.GetMemoryMap(nil)
	if err == nil {
		return 0, info, nil
	}
	if !errors.Is(err, firmware.ErrBufferTooSmall) {
		return 0, firmware.MapInfo{}, fmt.Errorf("memory map size query: %w", err)
	}

	addr, err := fw.AllocatePool(firmware.LoaderData, info.Size)
	if err != nil {
		return 0, firmware.MapInfo{}, fmt.Errorf("allocate memory map buffer: %w", err)
	}

	buf := make([]byte, info.Size)
	got, err := fw.GetMemoryMap(buf)
	if err != nil {
		if ferr := fw.FreePool(addr); ferr != nil {
			slog.Warn("loader: free memory map buffer", "err", ferr)
		}
		return 0, firmware.MapInfo{}, fmt.Errorf("get memory map: %w", err)
	}
	if _, err := mem.WriteAt(buf[:got.Size], int64(addr)); err != nil {
		return 0, firmware.MapInfo{}, fmt.Errorf("write memory map at 0x%x: %w", addr, err)
	}
	return addr, got, nil
}

// ExitBootServices fetches the final memory map and leaves boot services.
// A stale map key gets exactly one more attempt with a fresh map.
func ExitBootServices(fw firmware.BootServices, mem Memory) (uint64, firmware.MapInfo, error) {
	var lastErr error
	var prev uint64
	for attempt := 0; attempt < 2; attempt++ {
		if prev != 0 {
			if err := fw.FreePool(prev); err != nil {
				return 0, firmware.MapInfo{}, fmt.Errorf("free stale memory map: %w", err)
			}
			prev = 0
		}

		addr, info, err := finalMemoryMap(fw, mem)
		if err != nil {
			if !errors.Is(err, firmware.ErrBufferTooSmall) {
				return 0, firmware.MapInfo{}, err
			}
			lastErr = err
			continue
		}

		err = fw.ExitBootServices(info.Key)
		if err == nil {
			slog.Debug("loader: exited boot services", "attempt", attempt+1, "mapSize", info.Size)
			return addr, info, nil
		}
		if !errors.Is(err, firmware.ErrInvalidParameter) {
			return 0, firmware.MapInfo{}, fmt.Errorf("%v: %w", err, ErrBootServiceExitFailed)
		}
		slog.Debug("loader: stale memory map key", "attempt", attempt+1, "key", info.Key)
		lastErr = err
		prev = addr
	}
	return 0, firmware.MapInfo{}, fmt.Errorf("%v: %w", lastErr, ErrBootServiceExitFailed)
}

// Transfer loads the entry registers for the image: RIP at the entry point,
// RSP from conv.EntryStack and the block address in the convention's
// argument register.
func Transfer(c cpu.CPU, conv Convention, entry, stackTop, block uint64) error {
	regs := map[cpu.Register]cpu.RegisterValue{
		cpu.RegisterRip:         cpu.Register64(entry),
		cpu.RegisterRsp:         cpu.Register64(conv.EntryStack(stackTop)),
		conv.ArgumentRegister(): cpu.Register64(block),
		cpu.RegisterRflags:      cpu.Register64(0x2),
	}
	if err := c.SetRegisters(regs); err != nil {
		return fmt.Errorf("transfer to 0x%x: %w", entry, err)
	}
	return nil
}

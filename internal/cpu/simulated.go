package cpu

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
)

// Memory is the physical address space the simulated processor reads
// descriptor tables from.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descriptorAccessPresent    = 1 << 47
	descriptorAccessCode       = 1 << 43
	descriptorAccessSystem     = 1 << 44
	descriptorAccessWritable   = 1 << 41
	descriptorLongMode         = 1 << 53
	descriptorTypeShift        = 40
	descriptorTypeMask         = 0xf
	descriptorTypeTSSAvailable = 0x9
	descriptorTypeTSSBusy      = 0xb

	xsaveHeaderOffset = 512
)

// ExtendedStateEvent records one XSAVE or XRSTOR executed by a Simulated CPU.
type ExtendedStateEvent struct {
	Restore bool
	Area    uint64
	Mask    uint64
}

// Simulated is an amd64 processor model that enforces the architectural
// checks the boot path depends on: descriptor table limits, TSS busy
// marking on LTR, XSAVE area alignment and CR4.OSXSAVE.
type Simulated struct {
	mem  Memory
	regs map[Register]uint64

	GDTR DescriptorTableRegister
	IDTR DescriptorTableRegister
	TR   uint16
	CS   uint16
	DS   uint16
	ES   uint16
	FS   uint16
	GS   uint16
	SS   uint16

	Invalidated   []uint64
	ExtendedState []ExtendedStateEvent

	Halted   bool
	HaltCode uint64
}

var (
	_ CPU = &Simulated{}
)

// NewSimulated returns a processor in the state firmware leaves it in:
// long mode, paging enabled and CR0.WP set.
func NewSimulated(mem Memory) *Simulated {
	return &Simulated{
		mem: mem,
		regs: map[Register]uint64{
			RegisterCr0:    CR0PE | CR0MP | CR0ET | CR0WP | CR0PG,
			RegisterCr4:    CR4PAE,
			RegisterEfer:   EFERLME | EFERLMA,
			RegisterRflags: 0x2,
		},
	}
}

// SetRegisters implements CPU.
func (s *Simulated) SetRegisters(regs map[Register]RegisterValue) error {
	for reg, value := range regs {
		v, ok := value.(Register64)
		if !ok {
			return fmt.Errorf("set %s: unsupported value type %T", reg, value)
		}
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("set register: unknown register %s", reg)
		}
		if reg == RegisterCr0 && uint64(v)&CR0PG != 0 && uint64(v)&CR0PE == 0 {
			return fmt.Errorf("set cr0 0x%x: paging without protection: %w", uint64(v), ErrGeneralProtection)
		}
		s.regs[reg] = uint64(v)
	}
	return nil
}

// GetRegisters implements CPU.
func (s *Simulated) GetRegisters(regs map[Register]RegisterValue) error {
	for reg := range regs {
		if _, known := registerNames[reg]; !known {
			return fmt.Errorf("get register: unknown register %s", reg)
		}
		regs[reg] = Register64(s.regs[reg])
	}
	return nil
}

// LoadGDT implements CPU.
func (s *Simulated) LoadGDT(gdtr DescriptorTableRegister) error {
	if (uint64(gdtr.Limit)+1)%8 != 0 {
		return fmt.Errorf("lgdt limit 0x%x: %w", gdtr.Limit, ErrGeneralProtection)
	}
	s.GDTR = gdtr
	slog.Debug("cpu: lgdt", "base", fmt.Sprintf("0x%x", gdtr.Base), "limit", gdtr.Limit)
	return nil
}

// LoadIDT implements CPU.
func (s *Simulated) LoadIDT(idtr DescriptorTableRegister) error {
	if (uint64(idtr.Limit)+1)%16 != 0 {
		return fmt.Errorf("lidt limit 0x%x: %w", idtr.Limit, ErrGeneralProtection)
	}
	s.IDTR = idtr
	slog.Debug("cpu: lidt", "base", fmt.Sprintf("0x%x", idtr.Base), "limit", idtr.Limit)
	return nil
}

func (s *Simulated) descriptor(selector uint16) (uint64, uint64, error) {
	off := uint64(selector &^ 7)
	if off == 0 {
		return 0, 0, fmt.Errorf("null selector: %w", ErrGeneralProtection)
	}
	if off+7 > uint64(s.GDTR.Limit) {
		return 0, 0, fmt.Errorf("selector 0x%x beyond gdt limit 0x%x: %w", selector, s.GDTR.Limit, ErrGeneralProtection)
	}
	var buf [8]byte
	if _, err := s.mem.ReadAt(buf[:], int64(s.GDTR.Base+off)); err != nil {
		return 0, 0, fmt.Errorf("read descriptor 0x%x: %w", selector, err)
	}
	return binary.LittleEndian.Uint64(buf[:]), s.GDTR.Base + off, nil
}

// LoadTaskRegister implements CPU. Like LTR it marks the TSS descriptor busy
// and refuses a descriptor that is already busy.
func (s *Simulated) LoadTaskRegister(selector uint16) error {
	desc, addr, err := s.descriptor(selector)
	if err != nil {
		return fmt.Errorf("ltr: %w", err)
	}
	if desc&descriptorAccessPresent == 0 || desc&descriptorAccessSystem != 0 {
		return fmt.Errorf("ltr 0x%x: not a present system descriptor: %w", selector, ErrGeneralProtection)
	}
	switch (desc >> descriptorTypeShift) & descriptorTypeMask {
	case descriptorTypeTSSAvailable:
	case descriptorTypeTSSBusy:
		return fmt.Errorf("ltr 0x%x: tss busy: %w", selector, ErrGeneralProtection)
	default:
		return fmt.Errorf("ltr 0x%x: not a tss descriptor: %w", selector, ErrGeneralProtection)
	}

	desc = desc&^(descriptorTypeMask<<descriptorTypeShift) | descriptorTypeTSSBusy<<descriptorTypeShift
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], desc)
	if _, err := s.mem.WriteAt(buf[:], int64(addr)); err != nil {
		return fmt.Errorf("ltr: mark busy: %w", err)
	}

	s.TR = selector
	return nil
}

// ReloadSegments implements CPU.
func (s *Simulated) ReloadSegments(code, data uint16) error {
	cd, _, err := s.descriptor(code)
	if err != nil {
		return fmt.Errorf("reload cs: %w", err)
	}
	if cd&descriptorAccessPresent == 0 || cd&descriptorAccessCode == 0 || cd&descriptorLongMode == 0 {
		return fmt.Errorf("reload cs 0x%x: not a long mode code segment: %w", code, ErrGeneralProtection)
	}
	dd, _, err := s.descriptor(data)
	if err != nil {
		return fmt.Errorf("reload ds: %w", err)
	}
	if dd&descriptorAccessPresent == 0 || dd&descriptorAccessCode != 0 || dd&descriptorAccessWritable == 0 {
		return fmt.Errorf("reload ds 0x%x: not a writable data segment: %w", data, ErrGeneralProtection)
	}

	s.CS = code
	s.DS, s.ES, s.FS, s.GS, s.SS = data, data, data, data, data
	return nil
}

// InvalidatePage implements CPU.
func (s *Simulated) InvalidatePage(virt uint64) {
	s.Invalidated = append(s.Invalidated, virt)
}

func (s *Simulated) checkExtendedState(area uint64) error {
	if s.regs[RegisterCr4]&CR4OSXSAVE == 0 {
		return fmt.Errorf("xsave with cr4.osxsave clear: invalid opcode")
	}
	if area%64 != 0 {
		return fmt.Errorf("xsave area 0x%x not 64 byte aligned: %w", area, ErrGeneralProtection)
	}
	return nil
}

// SaveExtendedState implements CPU. The header's XSTATE_BV is set to mask.
func (s *Simulated) SaveExtendedState(area uint64, mask uint64) error {
	if err := s.checkExtendedState(area); err != nil {
		return err
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], mask)
	if _, err := s.mem.WriteAt(buf[:], int64(area+xsaveHeaderOffset)); err != nil {
		return fmt.Errorf("xsave: %w", err)
	}
	s.ExtendedState = append(s.ExtendedState, ExtendedStateEvent{Area: area, Mask: mask})
	return nil
}

// RestoreExtendedState implements CPU.
func (s *Simulated) RestoreExtendedState(area uint64, mask uint64) error {
	if err := s.checkExtendedState(area); err != nil {
		return err
	}
	var buf [8]byte
	if _, err := s.mem.ReadAt(buf[:], int64(area+xsaveHeaderOffset)); err != nil {
		return fmt.Errorf("xrstor: %w", err)
	}
	if bv := binary.LittleEndian.Uint64(buf[:]); bv&^mask != 0 {
		return fmt.Errorf("xrstor: xstate_bv 0x%x outside mask 0x%x: %w", bv, mask, ErrGeneralProtection)
	}
	s.ExtendedState = append(s.ExtendedState, ExtendedStateEvent{Restore: true, Area: area, Mask: mask})
	return nil
}

// Halt implements CPU.
func (s *Simulated) Halt(code uint64) {
	slog.Debug("cpu: halt", "code", code)
	s.Halted = true
	s.HaltCode = code
}

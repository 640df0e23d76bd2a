package cpu

import (
	"errors"
	"fmt"
)

var (
	ErrHalted            = errors.New("cpu halted")
	ErrGeneralProtection = errors.New("general protection fault")
)

type RegisterValue interface {
	isRegisterValue()
}

type Register64 uint64

func (r Register64) isRegisterValue() {}

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterRax
	RegisterRbx
	RegisterRcx
	RegisterRdx
	RegisterRsi
	RegisterRdi
	RegisterRsp
	RegisterRbp
	RegisterR8
	RegisterR9
	RegisterR10
	RegisterR11
	RegisterR12
	RegisterR13
	RegisterR14
	RegisterR15
	RegisterRip
	RegisterRflags

	// Control registers
	RegisterCr0
	RegisterCr2
	RegisterCr3
	RegisterCr4
	RegisterEfer
)

var registerNames = map[Register]string{
	RegisterRax:    "rax",
	RegisterRbx:    "rbx",
	RegisterRcx:    "rcx",
	RegisterRdx:    "rdx",
	RegisterRsi:    "rsi",
	RegisterRdi:    "rdi",
	RegisterRsp:    "rsp",
	RegisterRbp:    "rbp",
	RegisterR8:     "r8",
	RegisterR9:     "r9",
	RegisterR10:    "r10",
	RegisterR11:    "r11",
	RegisterR12:    "r12",
	RegisterR13:    "r13",
	RegisterR14:    "r14",
	RegisterR15:    "r15",
	RegisterRip:    "rip",
	RegisterRflags: "rflags",
	RegisterCr0:    "cr0",
	RegisterCr2:    "cr2",
	RegisterCr3:    "cr3",
	RegisterCr4:    "cr4",
	RegisterEfer:   "efer",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

const (
	CR0PE = 1
	CR0MP = 1 << 1
	CR0EM = 1 << 2
	CR0TS = 1 << 3
	CR0ET = 1 << 4
	CR0NE = 1 << 5
	CR0WP = 1 << 16
	CR0AM = 1 << 18
	CR0NW = 1 << 29
	CR0CD = 1 << 30
	CR0PG = 1 << 31
)

const (
	CR4PAE        = 1 << 5
	CR4PGE        = 1 << 7
	CR4OSFXSR     = 1 << 9
	CR4OSXMMEXCPT = 1 << 10
	CR4OSXSAVE    = 1 << 18
)

const (
	EFERSCE = 1
	EFERLME = 1 << 8
	EFERLMA = 1 << 10
	EFERNXE = 1 << 11
)

// DescriptorTableRegister is the operand of LGDT / LIDT.
type DescriptorTableRegister struct {
	Limit uint16
	Base  uint64
}

// CPU is the privileged processor state the loader and the kernel program.
type CPU interface {
	SetRegisters(regs map[Register]RegisterValue) error
	GetRegisters(regs map[Register]RegisterValue) error

	LoadGDT(gdtr DescriptorTableRegister) error
	LoadIDT(idtr DescriptorTableRegister) error
	LoadTaskRegister(selector uint16) error

	// ReloadSegments performs a far return into the code selector and loads
	// every data segment register with the data selector.
	ReloadSegments(code, data uint16) error

	InvalidatePage(virt uint64)

	SaveExtendedState(area uint64, mask uint64) error
	RestoreExtendedState(area uint64, mask uint64) error

	// Halt stops the processor. On hardware it does not return.
	Halt(code uint64)
}

// ReadRegister is a helper around GetRegisters for a single register.
func ReadRegister(c CPU, reg Register) (uint64, error) {
	regs := map[Register]RegisterValue{reg: Register64(0)}
	if err := c.GetRegisters(regs); err != nil {
		return 0, fmt.Errorf("read %s: %w", reg, err)
	}
	v, ok := regs[reg].(Register64)
	if !ok {
		return 0, fmt.Errorf("read %s: unexpected value type %T", reg, regs[reg])
	}
	return uint64(v), nil
}

// WriteRegister is a helper around SetRegisters for a single register.
func WriteRegister(c CPU, reg Register, value uint64) error {
	if err := c.SetRegisters(map[Register]RegisterValue{reg: Register64(value)}); err != nil {
		return fmt.Errorf("write %s: %w", reg, err)
	}
	return nil
}

// UpdateRegister reads reg, clears the clear bits, sets the set bits and writes it back.
func UpdateRegister(c CPU, reg Register, set, clear uint64) error {
	v, err := ReadRegister(c, reg)
	if err != nil {
		return err
	}
	return WriteRegister(c, reg, (v&^clear)|set)
}

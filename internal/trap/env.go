// Package trap builds the descriptor tables, interrupt stacks and entry
// stubs that route every processor vector to a handler.
package trap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DylanGTech/PiousOS/internal/cpu"
	"github.com/DylanGTech/PiousOS/internal/timeslice"
)

var ErrAlreadyInstalled = errors.New("trap: environment already installed")

var tsInstall = timeslice.RegisterKind("kernel_trap_install", timeslice.SliceFlagKernel)

const pageSize = 4096

// offsets inside a trap region
const (
	gdtOffset    = 0x0000
	tssOffset    = 0x0080
	idtOffset    = 0x1000
	stubOffset   = 0x2000
	commonOffset = 0x3000
	xsaveOffset  = 0x4000
	istOffset    = 0x5000

	// LayoutSize is the size of the physical region one Environment owns.
	LayoutSize = istOffset + istStacks*ISTStackSize
)

// Layout places the trap tables in a page aligned physical region of
// LayoutSize bytes.
type Layout struct {
	Base uint64
}

func NewLayout(base uint64) (Layout, error) {
	if base%pageSize != 0 {
		return Layout{}, fmt.Errorf("trap region 0x%x not page aligned", base)
	}
	return Layout{Base: base}, nil
}

func (l Layout) GDT() uint64        { return l.Base + gdtOffset }
func (l Layout) TSS() uint64        { return l.Base + tssOffset }
func (l Layout) IDT() uint64        { return l.Base + idtOffset }
func (l Layout) Stubs() uint64      { return l.Base + stubOffset }
func (l Layout) FaultEntry() uint64 { return l.Base + commonOffset }
func (l Layout) UserEntry() uint64  { return l.Base + commonOffset + StubSize }
func (l Layout) SaveArea() uint64   { return l.Base + xsaveOffset }
func (l Layout) End() uint64        { return l.Base + LayoutSize }

// StackTop returns the top of the interrupt stack for slot (1-based).
func (l Layout) StackTop(slot int) uint64 {
	return l.Base + istOffset + uint64(slot)*ISTStackSize
}

// Memory is the physical memory the tables are written to.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

// Environment owns the GDT, TSS, IDT, interrupt stacks, entry stubs and
// extended state save area of one processor. It is installed once and
// never rebuilt.
type Environment struct {
	cpu       cpu.CPU
	mem       Memory
	layout    Layout
	installed bool

	GDT   GDT
	TSS   TSS
	IDT   IDT
	Stubs [VectorCount]StubEntry

	Dispatcher *Dispatcher
}

func NewEnvironment(c cpu.CPU, mem Memory, layout Layout) *Environment {
	return &Environment{
		cpu:        c,
		mem:        mem,
		layout:     layout,
		Dispatcher: NewDispatcher(c, layout.SaveArea()),
	}
}

// Install builds and loads a new environment in one call.
func Install(c cpu.CPU, mem Memory, layout Layout) (*Environment, error) {
	env := NewEnvironment(c, mem, layout)
	if err := env.Install(); err != nil {
		return nil, err
	}
	return env, nil
}

func (e *Environment) Layout() Layout  { return e.layout }
func (e *Environment) Installed() bool { return e.installed }

func (e *Environment) write(what string, data []byte, addr uint64) error {
	if _, err := e.mem.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("write %s at 0x%x: %w", what, addr, err)
	}
	return nil
}

// residentTSS reports whether the region already holds a GDT whose TSS
// descriptor has been loaded into a task register.
func (e *Environment) residentTSS() (bool, error) {
	var buf [16]byte
	if _, err := e.mem.ReadAt(buf[:], int64(e.layout.GDT()+uint64(TSSSelector))); err != nil {
		return false, fmt.Errorf("read tss descriptor: %w", err)
	}
	low := binary.LittleEndian.Uint64(buf[0:])
	high := binary.LittleEndian.Uint64(buf[8:])
	const busyMask = 0xff << 40
	const busy = 0x8b << 40
	return low&busyMask == busy && TSSBase(low, high) == e.layout.TSS(), nil
}

// Install runs the one forward pass that takes the processor from the
// loader's state to a fully routed IDT:
//
//  1. enable numeric errors, write protection, alignment checks and the
//     SSE / XSAVE state bits
//  2. build the GDT with the TSS base patched in
//  3. load GDTR and TR, then reload every segment register
//  4. point IST1..IST4 at their stacks
//  5. write the 256 entry stubs and gates
//  6. load IDTR
//
// A second Install, on this Environment or on another one placed over the
// same region, fails with ErrAlreadyInstalled.
func (e *Environment) Install() error {
	if e.installed {
		return ErrAlreadyInstalled
	}
	resident, err := e.residentTSS()
	if err != nil {
		return err
	}
	if resident {
		return fmt.Errorf("tss at 0x%x is in use: %w", e.layout.TSS(), ErrAlreadyInstalled)
	}
	rec := timeslice.NewRecorder()
	l := e.layout

	if err := cpu.UpdateRegister(e.cpu, cpu.RegisterCr0, cpu.CR0NE|cpu.CR0WP|cpu.CR0AM, 0); err != nil {
		return fmt.Errorf("set cr0: %w", err)
	}
	if err := cpu.UpdateRegister(e.cpu, cpu.RegisterCr4, cpu.CR4OSFXSR|cpu.CR4OSXMMEXCPT|cpu.CR4OSXSAVE, 0); err != nil {
		return fmt.Errorf("set cr4: %w", err)
	}

	e.GDT = NewGDT(l.TSS())
	e.TSS = TSS{IOMapBase: TSSSize}
	if err := e.write("gdt", e.GDT.Encode(), l.GDT()); err != nil {
		return err
	}
	if err := e.write("tss", e.TSS.Encode(), l.TSS()); err != nil {
		return err
	}

	if err := e.cpu.LoadGDT(cpu.DescriptorTableRegister{Limit: e.GDT.Limit(), Base: l.GDT()}); err != nil {
		return fmt.Errorf("lgdt: %w", err)
	}
	if err := e.cpu.LoadTaskRegister(TSSSelector); err != nil {
		return fmt.Errorf("ltr: %w", err)
	}
	if err := e.cpu.ReloadSegments(CodeSelector, DataSelector); err != nil {
		return fmt.Errorf("reload segments: %w", err)
	}

	for slot := 1; slot <= istStacks; slot++ {
		if err := e.TSS.SetIST(slot, l.StackTop(slot)); err != nil {
			return err
		}
	}
	if err := e.write("tss", e.TSS.Encode(), l.TSS()); err != nil {
		return err
	}

	common := commonEntry()
	if err := e.write("fault entry", common[:], l.FaultEntry()); err != nil {
		return err
	}
	if err := e.write("user entry", common[:], l.UserEntry()); err != nil {
		return err
	}

	e.Stubs = StubTable(l.Stubs())
	stubs := make([]byte, 0, VectorCount*StubSize)
	for _, s := range e.Stubs {
		target := l.FaultEntry()
		if s.Kind == KindUser {
			target = l.UserEntry()
		}
		code, err := EncodeStub(s, target)
		if err != nil {
			return err
		}
		stubs = append(stubs, code[:]...)
		e.IDT[s.Vector] = Gate{
			Offset:   s.Address,
			Selector: CodeSelector,
			IST:      s.IST,
			TypeAttr: GateInterrupt,
		}
	}
	if err := e.write("entry stubs", stubs, l.Stubs()); err != nil {
		return err
	}
	if err := e.write("idt", e.IDT.Encode(), l.IDT()); err != nil {
		return err
	}

	if err := e.cpu.LoadIDT(cpu.DescriptorTableRegister{Limit: e.IDT.Limit(), Base: l.IDT()}); err != nil {
		return fmt.Errorf("lidt: %w", err)
	}

	e.installed = true
	rec.Record(tsInstall)
	slog.Debug("trap: environment installed",
		"gdt", fmt.Sprintf("0x%x", l.GDT()),
		"idt", fmt.Sprintf("0x%x", l.IDT()),
		"stubs", fmt.Sprintf("0x%x", l.Stubs()),
	)
	return nil
}

// ReadGate returns the gate for v as currently stored in memory.
func (e *Environment) ReadGate(v Vector) (Gate, error) {
	var buf [GateSize]byte
	if _, err := e.mem.ReadAt(buf[:], int64(e.layout.IDT()+uint64(v)*GateSize)); err != nil {
		return Gate{}, fmt.Errorf("read gate %d: %w", uint8(v), err)
	}
	return DecodeGate(buf[:])
}

// Deliver takes vector v the way the processor would. It follows the gate
// in memory to its entry stub, picks the stack the gate selects, builds the
// handler frame from state on that stack and hands it to the dispatcher.
// state.ErrorCode is only used for vectors where the processor supplies one.
func (e *Environment) Deliver(v Vector, state Frame) error {
	if !e.installed {
		return errors.New("trap: deliver before install")
	}
	gate, err := e.ReadGate(v)
	if err != nil {
		return err
	}
	if !gate.Present() {
		return fmt.Errorf("gate %d not present: %w", uint8(v), cpu.ErrGeneralProtection)
	}

	var stub [StubSize]byte
	if _, err := e.mem.ReadAt(stub[:], int64(gate.Offset)); err != nil {
		return fmt.Errorf("read stub at 0x%x: %w", gate.Offset, err)
	}
	pushed, zeroCode, _, err := DecodeStub(gate.Offset, stub[:])
	if err != nil {
		return err
	}
	if pushed != v {
		return fmt.Errorf("gate %d leads to the stub for %d", uint8(v), uint8(pushed))
	}

	frame := state
	frame.Vector = uint64(v)
	if zeroCode {
		frame.ErrorCode = 0
	}
	frame.CS = uint64(gate.Selector)

	top := state.RSP
	if gate.IST != 0 {
		top = e.TSS.IST[gate.IST-1]
	}
	sp := top&^0xf - FrameSize
	if err := e.write("interrupt frame", frame.Encode(), sp); err != nil {
		return err
	}

	buf := make([]byte, FrameSize)
	if _, err := e.mem.ReadAt(buf, int64(sp)); err != nil {
		return fmt.Errorf("read interrupt frame: %w", err)
	}
	return e.Dispatcher.Dispatch(v, buf)
}

package trap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/DylanGTech/PiousOS/internal/cpu"
)

// UnhandledAbortCode is the abort code for reserved vectors and user vectors
// without a handler. Defined faults abort with their vector number.
const UnhandledAbortCode = ^uint64(0)

// ExtendedStateMask selects x87, SSE, AVX and the AVX-512 components for
// XSAVE / XRSTOR around user interrupt handlers.
const ExtendedStateMask = 0xE7

var (
	ErrUnhandledFault = errors.New("trap: unhandled fault")
	ErrNotUserVector  = errors.New("trap: vector is not user definable")
)

// FaultError is returned when a vector reaches its default target.
type FaultError struct {
	Vector    Vector
	ErrorCode uint64
	RIP       uint64
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("unhandled %s (vector %d) at rip 0x%x, error code 0x%x", e.Vector, uint8(e.Vector), e.RIP, e.ErrorCode)
}

func (e *FaultError) Unwrap() error { return ErrUnhandledFault }

const frameWords = 22

// FrameSize is the size of the frame built on the handler stack by the
// processor, the entry stub and the common entry.
const FrameSize = frameWords * 8

// Frame is the handler stack at dispatch time, lowest address first: the
// general purpose registers saved by the common entry, the vector and error
// code pushed by the stub (or the processor), then the IRETQ frame.
type Frame struct {
	RAX uint64
	RBX uint64
	RCX uint64
	RDX uint64
	RSI uint64
	RDI uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
	RBP uint64

	Vector    uint64
	ErrorCode uint64

	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

func (f *Frame) words() []*uint64 {
	return []*uint64{
		&f.RAX, &f.RBX, &f.RCX, &f.RDX, &f.RSI, &f.RDI,
		&f.R8, &f.R9, &f.R10, &f.R11, &f.R12, &f.R13, &f.R14, &f.R15, &f.RBP,
		&f.Vector, &f.ErrorCode,
		&f.RIP, &f.CS, &f.RFlags, &f.RSP, &f.SS,
	}
}

func (f *Frame) Encode() []byte {
	buf := make([]byte, FrameSize)
	for i, w := range f.words() {
		binary.LittleEndian.PutUint64(buf[i*8:], *w)
	}
	return buf
}

func DecodeFrame(buf []byte) (*Frame, error) {
	if len(buf) < FrameSize {
		return nil, fmt.Errorf("frame of %d bytes, want %d", len(buf), FrameSize)
	}
	f := &Frame{}
	for i, w := range f.words() {
		*w = binary.LittleEndian.Uint64(buf[i*8:])
	}
	return f, nil
}

var frameWordNames = [frameWords]string{
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15", "rbp",
	"vector", "error",
	"rip", "cs", "rflags", "rsp", "ss",
}

// AbortCode is the value the abort primitive receives for the frame's vector.
func (f *Frame) AbortCode() uint64 {
	v := Vector(f.Vector)
	if v.Reserved() || v.User() {
		return UnhandledAbortCode
	}
	return f.Vector
}

// DumpTo writes a fault report for the frame to w: the vector, its abort
// code, then every saved word in stack order, four to a line.
func (f *Frame) DumpTo(w io.Writer) {
	fmt.Fprintf(w, "%s: abort 0x%x\n", Vector(f.Vector), f.AbortCode())
	for i, word := range f.words() {
		sep := " "
		if i%4 == 3 || i == frameWords-1 {
			sep = "\n"
		}
		fmt.Fprintf(w, "%6s=%016x%s", frameWordNames[i], *word, sep)
	}
}

// Handler services one user interrupt.
type Handler func(f *Frame) error

// Dispatcher is the logic behind the common entries. Architecture vectors
// abort. User vectors save extended state into a single shared area, run
// the registered handler and restore; a vector without a handler aborts.
//
// User vectors arrive through interrupt gates, so they never nest and one
// save area is enough.
type Dispatcher struct {
	cpu      cpu.CPU
	saveArea uint64
	handlers [VectorCount]Handler

	// Console receives a register dump before an abort when set.
	Console io.Writer
}

func NewDispatcher(c cpu.CPU, saveArea uint64) *Dispatcher {
	return &Dispatcher{cpu: c, saveArea: saveArea}
}

// Register installs h for a user vector.
func (d *Dispatcher) Register(v Vector, h Handler) error {
	if !v.User() {
		return fmt.Errorf("register %s: %w", v, ErrNotUserVector)
	}
	d.handlers[v] = h
	return nil
}

func (d *Dispatcher) Registered(v Vector) bool {
	return d.handlers[v] != nil
}

// Dispatch runs the handling for vector v given the frame bytes at the top
// of the handler stack.
func (d *Dispatcher) Dispatch(v Vector, frame []byte) error {
	f, err := DecodeFrame(frame)
	if err != nil {
		return err
	}
	if f.Vector != uint64(v) {
		return fmt.Errorf("dispatch %d: frame carries vector %d", uint8(v), f.Vector)
	}

	if !v.User() {
		return d.abort(v, f)
	}

	if err := d.cpu.SaveExtendedState(d.saveArea, ExtendedStateMask); err != nil {
		return fmt.Errorf("save extended state: %w", err)
	}
	h := d.handlers[v]
	if h == nil {
		return d.abort(v, f)
	}
	herr := h(f)
	if err := d.cpu.RestoreExtendedState(d.saveArea, ExtendedStateMask); err != nil {
		return fmt.Errorf("restore extended state: %w", err)
	}
	return herr
}

func (d *Dispatcher) abort(v Vector, f *Frame) error {
	slog.Error("trap: unhandled interrupt",
		"vector", uint8(v),
		"name", v.String(),
		"rip", fmt.Sprintf("0x%x", f.RIP),
		"errorCode", fmt.Sprintf("0x%x", f.ErrorCode),
	)
	if d.Console != nil {
		f.DumpTo(d.Console)
	}
	d.cpu.Halt(f.AbortCode())
	return &FaultError{Vector: v, ErrorCode: f.ErrorCode, RIP: f.RIP}
}

package trap

import "fmt"

// Vector is an interrupt descriptor table slot.
type Vector uint8

const (
	DivideError               Vector = 0
	Debug                     Vector = 1
	NMI                       Vector = 2
	Breakpoint                Vector = 3
	Overflow                  Vector = 4
	BoundRangeExceeded        Vector = 5
	InvalidOpcode             Vector = 6
	DeviceNotAvailable        Vector = 7
	DoubleFault               Vector = 8
	CoprocessorSegmentOverrun Vector = 9
	InvalidTSS                Vector = 10
	SegmentNotPresent         Vector = 11
	StackSegmentFault         Vector = 12
	GeneralProtection         Vector = 13
	PageFault                 Vector = 14
	FloatingPointError        Vector = 16
	AlignmentCheck            Vector = 17
	MachineCheck              Vector = 18
	SIMDFloatingPoint         Vector = 19
	Virtualization            Vector = 20
	Security                  Vector = 30

	// FirstUserVector is the first vector free for software and devices.
	FirstUserVector Vector = 32
)

const VectorCount = 256

var vectorNames = [FirstUserVector]string{
	DivideError:               "#DE divide error",
	Debug:                     "#DB debug",
	NMI:                       "NMI",
	Breakpoint:                "#BP breakpoint",
	Overflow:                  "#OF overflow",
	BoundRangeExceeded:        "#BR bound range exceeded",
	InvalidOpcode:             "#UD invalid opcode",
	DeviceNotAvailable:        "#NM device not available",
	DoubleFault:               "#DF double fault",
	CoprocessorSegmentOverrun: "coprocessor segment overrun",
	InvalidTSS:                "#TS invalid TSS",
	SegmentNotPresent:         "#NP segment not present",
	StackSegmentFault:         "#SS stack segment fault",
	GeneralProtection:         "#GP general protection",
	PageFault:                 "#PF page fault",
	FloatingPointError:        "#MF x87 floating point error",
	AlignmentCheck:            "#AC alignment check",
	MachineCheck:              "#MC machine check",
	SIMDFloatingPoint:         "#XM SIMD floating point",
	Virtualization:            "#VE virtualization",
	Security:                  "#SX security",
}

func (v Vector) String() string {
	if v >= FirstUserVector {
		return fmt.Sprintf("user interrupt %d", uint8(v))
	}
	if v.Reserved() {
		return fmt.Sprintf("reserved cpu vector %d", uint8(v))
	}
	return vectorNames[v]
}

// Reserved reports whether v is an architecture vector with no defined
// fault. Those route to the generic unhandled fault entry.
func (v Vector) Reserved() bool {
	return v < FirstUserVector && vectorNames[v] == ""
}

func (v Vector) User() bool {
	return v >= FirstUserVector
}

// HasErrorCode reports whether the processor pushes an error code before
// entering the handler for v.
func (v Vector) HasErrorCode() bool {
	switch v {
	case DoubleFault, InvalidTSS, SegmentNotPresent, StackSegmentFault,
		GeneralProtection, PageFault, AlignmentCheck, 21, 29, Security:
		return true
	default:
		return false
	}
}

// StackIndex returns the interrupt stack table slot v runs on, or 0 for
// the interrupted stack.
func (v Vector) StackIndex() uint8 {
	switch v {
	case NMI:
		return ISTNMI
	case DoubleFault:
		return ISTDoubleFault
	case MachineCheck:
		return ISTMachineCheck
	case Breakpoint:
		return ISTBreakpoint
	default:
		return 0
	}
}

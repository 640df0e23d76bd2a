package trap

import (
	"encoding/binary"
	"fmt"
	"math"
)

// StubSize is the size of one per-vector entry stub. Stubs are laid out
// back to back so the stub for vector v sits at base + v*StubSize.
const StubSize = 16

const (
	opPushImm8  = 0x6a
	opPushImm32 = 0x68
	opJmpRel32  = 0xe9
	opInt3      = 0xcc
	opHlt       = 0xf4
	opJmpRel8   = 0xeb
)

// Kind selects the common entry a stub jumps to.
type Kind uint8

const (
	// KindFault is an architecture defined fault or exception.
	KindFault Kind = iota
	// KindReserved is an architecture vector without a defined fault.
	KindReserved
	// KindUser is a software or device interrupt.
	KindUser
)

func (k Kind) String() string {
	switch k {
	case KindFault:
		return "fault"
	case KindReserved:
		return "reserved"
	case KindUser:
		return "user"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// StubEntry is one row of the generated entry stub table.
type StubEntry struct {
	Vector  Vector
	Address uint64
	Kind    Kind
	IST     uint8
}

// PushesErrorCode reports whether the stub pushes a zero error code to keep
// every frame the same shape.
func (e StubEntry) PushesErrorCode() bool {
	return !e.Vector.HasErrorCode()
}

// StubTable describes the entry stubs of a stub region starting at base.
func StubTable(base uint64) [VectorCount]StubEntry {
	var table [VectorCount]StubEntry
	for i := range table {
		v := Vector(i)
		kind := KindFault
		switch {
		case v.User():
			kind = KindUser
		case v.Reserved():
			kind = KindReserved
		}
		table[i] = StubEntry{
			Vector:  v,
			Address: base + uint64(i)*StubSize,
			Kind:    kind,
			IST:     v.StackIndex(),
		}
	}
	return table
}

// EncodeStub assembles the entry stub for e:
//
//	push $0        ; only when the cpu pushes no error code
//	push $vector
//	jmp  target
//
// padded with int3.
func EncodeStub(e StubEntry, target uint64) ([StubSize]byte, error) {
	var b [StubSize]byte
	for i := range b {
		b[i] = opInt3
	}

	i := 0
	if e.PushesErrorCode() {
		b[0], b[1] = opPushImm8, 0
		i = 2
	}
	b[i] = opPushImm32
	binary.LittleEndian.PutUint32(b[i+1:], uint32(e.Vector))
	i += 5

	next := e.Address + uint64(i) + 5
	rel := int64(target - next)
	if rel < math.MinInt32 || rel > math.MaxInt32 {
		return b, fmt.Errorf("stub %d at 0x%x: target 0x%x out of jump range", e.Vector, e.Address, target)
	}
	b[i] = opJmpRel32
	binary.LittleEndian.PutUint32(b[i+1:], uint32(int32(rel)))
	return b, nil
}

// DecodeStub reads back the stub at addr: the vector it pushes, whether it
// pushes a zero error code and where it jumps.
func DecodeStub(addr uint64, b []byte) (v Vector, pushesErrorCode bool, target uint64, err error) {
	if len(b) < StubSize {
		return 0, false, 0, fmt.Errorf("stub of %d bytes, want %d", len(b), StubSize)
	}
	i := 0
	if b[0] == opPushImm8 {
		pushesErrorCode = true
		i = 2
	}
	if b[i] != opPushImm32 {
		return 0, false, 0, fmt.Errorf("stub at 0x%x: expected push at +%d, found 0x%02x", addr, i, b[i])
	}
	vec := binary.LittleEndian.Uint32(b[i+1:])
	if vec >= VectorCount {
		return 0, false, 0, fmt.Errorf("stub at 0x%x pushes vector %d", addr, vec)
	}
	i += 5
	if b[i] != opJmpRel32 {
		return 0, false, 0, fmt.Errorf("stub at 0x%x: expected jmp at +%d, found 0x%02x", addr, i, b[i])
	}
	rel := int32(binary.LittleEndian.Uint32(b[i+1:]))
	target = addr + uint64(i) + 5 + uint64(int64(rel))
	return Vector(vec), pushesErrorCode, target, nil
}

// commonEntry is the body both stub families jump to: halt forever. Faults
// are terminal and user interrupts without a handler abort the same way.
func commonEntry() [StubSize]byte {
	var b [StubSize]byte
	for i := range b {
		b[i] = opInt3
	}
	b[0] = opHlt
	b[1], b[2] = opJmpRel8, 0xfd
	return b
}

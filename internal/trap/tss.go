package trap

import (
	"encoding/binary"
	"fmt"
)

const TSSSize = 104

// Interrupt stack table slots. Slot 0 means "stay on the current stack".
const (
	ISTNMI          = 1
	ISTDoubleFault  = 2
	ISTMachineCheck = 3
	ISTBreakpoint   = 4

	istStacks    = 4
	ISTStackSize = 4096
)

const (
	tssRSPOffset       = 0x04
	tssISTOffset       = 0x24
	tssIOMapBaseOffset = 0x66
)

// TSS is the 64-bit task state segment. Hardware task switching does not
// exist in long mode; the TSS only supplies stack pointers.
type TSS struct {
	RSP [3]uint64
	// IST[0] is slot 1.
	IST       [7]uint64
	IOMapBase uint16
}

// SetIST points interrupt stack table slot (1-based) at top.
func (t *TSS) SetIST(slot int, top uint64) error {
	if slot < 1 || slot > len(t.IST) {
		return fmt.Errorf("interrupt stack slot %d out of range", slot)
	}
	t.IST[slot-1] = top
	return nil
}

func (t *TSS) Encode() []byte {
	buf := make([]byte, TSSSize)
	le := binary.LittleEndian
	for i, rsp := range t.RSP {
		le.PutUint64(buf[tssRSPOffset+i*8:], rsp)
	}
	for i, ist := range t.IST {
		le.PutUint64(buf[tssISTOffset+i*8:], ist)
	}
	le.PutUint16(buf[tssIOMapBaseOffset:], t.IOMapBase)
	return buf
}

func DecodeTSS(buf []byte) (*TSS, error) {
	if len(buf) < TSSSize {
		return nil, fmt.Errorf("tss of %d bytes, want %d", len(buf), TSSSize)
	}
	le := binary.LittleEndian
	t := &TSS{IOMapBase: le.Uint16(buf[tssIOMapBaseOffset:])}
	for i := range t.RSP {
		t.RSP[i] = le.Uint64(buf[tssRSPOffset+i*8:])
	}
	for i := range t.IST {
		t.IST[i] = le.Uint64(buf[tssISTOffset+i*8:])
	}
	return t, nil
}

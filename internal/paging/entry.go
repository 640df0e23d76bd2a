package paging

import "fmt"

const (
	PageSize   = 4096
	PageShift  = 12
	EntryCount = 512
	Levels     = 4

	frameMask = 0x000ffffffffff000
)

// Entry is a page table entry at any level.
type Entry uint64

const (
	FlagPresent Entry = 1 << iota
	FlagRW
	FlagUserAccessible
	FlagWriteThrough
	FlagNoCache
	FlagAccessed
	FlagDirty
	FlagHugePage
	FlagGlobal

	FlagNoExecute Entry = 1 << 63
)

func (e Entry) HasFlags(flags Entry) bool { return e&flags == flags }

func (e Entry) Frame() uint64 { return uint64(e) & frameMask }

func (e Entry) Flags() Entry { return e &^ frameMask }

func (e Entry) String() string {
	return fmt.Sprintf("frame=0x%x flags=0x%x", e.Frame(), uint64(e.Flags()))
}

// Indices splits virt into its PML4, PDPT, PD and PT indices.
func Indices(virt uint64) [Levels]uint16 {
	return [Levels]uint16{
		uint16((virt >> 39) & 0x1ff),
		uint16((virt >> 30) & 0x1ff),
		uint16((virt >> 21) & 0x1ff),
		uint16((virt >> 12) & 0x1ff),
	}
}

// Canonical reports whether bits 63:48 of virt replicate bit 47.
func Canonical(virt uint64) bool {
	top := virt >> 47
	return top == 0 || top == 0x1ffff
}

package shadow

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Entry is a page table entry of any x86 format. 32-bit entries use only
// the low word.
type Entry uint64

// Page table entry flags
const (
	EntryPresent  Entry = 1 << 0
	EntryWritable Entry = 1 << 1
	EntryUser     Entry = 1 << 2
	EntryPWT      Entry = 1 << 3
	EntryPCD      Entry = 1 << 4
	EntryAccessed Entry = 1 << 5
	EntryDirty    Entry = 1 << 6
	EntryLarge    Entry = 1 << 7 // PS in directory entries
	EntryGlobal   Entry = 1 << 8
	EntryNoExec   Entry = 1 << 63
)

func (e Entry) Present() bool  { return e&EntryPresent != 0 }
func (e Entry) Writable() bool { return e&EntryWritable != 0 }
func (e Entry) User() bool     { return e&EntryUser != 0 }
func (e Entry) Accessed() bool { return e&EntryAccessed != 0 }
func (e Entry) Dirty() bool    { return e&EntryDirty != 0 }
func (e Entry) Large() bool    { return e&EntryLarge != 0 }
func (e Entry) NoExec() bool   { return e&EntryNoExec != 0 }

func (e Entry) String() string {
	flags := []byte("-------")
	for i, bit := range []Entry{EntryPresent, EntryWritable, EntryUser, EntryAccessed, EntryDirty, EntryLarge, EntryNoExec} {
		if e&bit != 0 {
			flags[i] = "pwuadsx"[i]
		}
	}
	return fmt.Sprintf("%#x[%s]", uint64(e), flags)
}

// Format describes one x86 paging structure layout. Levels count from the
// leaf: level 1 holds page table entries, the top level is what CR3 points
// at.
type Format struct {
	Name      string
	Levels    int
	EntrySize uint64

	// indexBits[level] is the number of address bits consumed at level.
	indexBits []uint
	addrMask  uint64
	hasNX     bool

	// largeLevels has bit n set if a PS entry may appear at level n.
	largeLevels uint
}

var (
	// Format32 is legacy two-level paging with 4-byte entries.
	Format32 = &Format{
		Name:        "32-bit",
		Levels:      2,
		EntrySize:   4,
		indexBits:   []uint{0, 10, 10},
		addrMask:    0xfffff000,
		largeLevels: 1 << 2,
	}

	// FormatPAE is three-level PAE paging with 8-byte entries and a
	// four-entry top level.
	FormatPAE = &Format{
		Name:        "pae",
		Levels:      3,
		EntrySize:   8,
		indexBits:   []uint{0, 9, 9, 2},
		addrMask:    0x000ffffffffff000,
		hasNX:       true,
		largeLevels: 1 << 2,
	}

	// FormatLong is four-level IA-32e paging.
	FormatLong = &Format{
		Name:        "long",
		Levels:      4,
		EntrySize:   8,
		indexBits:   []uint{0, 9, 9, 9, 9},
		addrMask:    0x000ffffffffff000,
		hasNX:       true,
		largeLevels: 1<<2 | 1<<3,
	}
)

// FormatForMode returns the paging format the guest uses in mode, or nil if
// the mode is unpaged.
func FormatForMode(mode hv.OperatingMode) *Format {
	switch mode {
	case hv.ModeProtectedPaged:
		return Format32
	case hv.ModePAEPaged:
		return FormatPAE
	case hv.ModeLongPaged:
		return FormatLong
	default:
		return nil
	}
}

// Shift returns the bit position of the lowest address bit translated at
// level.
func (f *Format) Shift(level int) uint {
	shift := uint(12)
	for l := 1; l < level; l++ {
		shift += f.indexBits[l]
	}
	return shift
}

// Entries returns the number of entries in a table at level.
func (f *Format) Entries(level int) uint64 {
	return 1 << f.indexBits[level]
}

// Index returns the table index of vaddr at level.
func (f *Format) Index(vaddr uint64, level int) uint64 {
	return (vaddr >> f.Shift(level)) & (f.Entries(level) - 1)
}

// PageSize returns the size of the region one entry at level maps.
func (f *Format) PageSize(level int) uint64 {
	return 1 << f.Shift(level)
}

// HasNX reports whether the format carries an execute-disable bit.
func (f *Format) HasNX() bool { return f.hasNX }

// LargeAllowed reports whether a PS entry at level maps a page.
func (f *Format) LargeAllowed(level int, cr4 uint64) bool {
	if f.largeLevels&(1<<level) == 0 {
		return false
	}
	if f == Format32 {
		return cr4&hv.CR4PSE != 0
	}
	return true
}

// TableAddr returns the physical address of the table an entry points to.
func (f *Format) TableAddr(e Entry) uint64 {
	return uint64(e) & f.addrMask
}

// PageAddr returns the physical base of the page a leaf entry at level maps.
func (f *Format) PageAddr(e Entry, level int) uint64 {
	if level == 1 {
		return uint64(e) & f.addrMask
	}
	if f == Format32 {
		// PSE-36: PDE bits 20:13 supply physical address bits 39:32
		return uint64(e)&0xffc00000 | (uint64(e)>>13&0xff)<<32
	}
	return uint64(e) & f.addrMask &^ (f.PageSize(level) - 1)
}

// RootAddr extracts the top-level table address from CR3.
func (f *Format) RootAddr(cr3 uint64) uint64 {
	switch f {
	case Format32:
		return cr3 & 0xfffff000
	case FormatPAE:
		return cr3 & 0xffffffe0
	default:
		return cr3 & f.addrMask
	}
}

// Reserved reports whether e sets bits that must be clear at level.
func (f *Format) Reserved(e Entry, level int, nxe bool) bool {
	if f == Format32 {
		// bit 21 of a 4 MiB PDE is reserved with PSE-36
		return level == 2 && e.Large() && e&(1<<21) != 0
	}
	if e.NoExec() && !nxe {
		return true
	}
	if f == FormatPAE && level == 3 {
		const pdpteReserved = Entry(0x1e6) | EntryNoExec
		return e&pdpteReserved != 0
	}
	if f == FormatLong && level == 4 && e.Large() {
		return true
	}
	if level > 1 && e.Large() {
		// address bits between the PAT bit and the page size must be zero
		lowMask := Entry(f.PageSize(level)-1) &^ Entry(0x1fff)
		return e&lowMask != 0
	}
	return false
}

// Canonical reports whether vaddr is a canonical 48-bit address.
func Canonical(vaddr uint64) bool {
	top := int64(vaddr) >> 47
	return top == 0 || top == -1
}

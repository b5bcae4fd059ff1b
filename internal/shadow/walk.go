package shadow

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Access describes the kind of memory reference being translated.
type Access struct {
	Write bool
	User  bool
	Fetch bool
}

// AccessFromErrorCode decodes the access bits of a hardware page fault
// error code.
func AccessFromErrorCode(code uint32) Access {
	return Access{
		Write: code&hv.PFErrWrite != 0,
		User:  code&hv.PFErrUser != 0,
		Fetch: code&hv.PFErrFetch != 0,
	}
}

// GuestFault is a fault the guest itself would take on the access. It is
// delivered to the guest, never treated as a host failure.
type GuestFault struct {
	Addr uint64
	Code uint32

	// GP is set for non-canonical addresses, which raise #GP(0) rather
	// than a page fault.
	GP bool
}

func (f *GuestFault) Error() string {
	if f.GP {
		return fmt.Sprintf("shadow: non-canonical address 0x%x", f.Addr)
	}
	return fmt.Sprintf("shadow: guest page fault at 0x%x error=0x%x", f.Addr, f.Code)
}

func (a Access) fault(addr uint64, present, reserved, fetchBit bool) *GuestFault {
	var code uint32
	if present {
		code |= hv.PFErrPresent
	}
	if a.Write {
		code |= hv.PFErrWrite
	}
	if a.User {
		code |= hv.PFErrUser
	}
	if reserved {
		code |= hv.PFErrReserved
	}
	if a.Fetch && fetchBit {
		code |= hv.PFErrFetch
	}
	return &GuestFault{Addr: addr, Code: code}
}

// guestMapping is the outcome of a successful guest table walk.
type guestMapping struct {
	GPA   uint64 // guest-physical address of the translated byte
	Level int    // level of the leaf; 1 for 4 KiB pages

	Writable bool
	User     bool
	NoExec   bool
	Dirty    bool

	// guest-physical addresses of the visited entries, top level first
	entries [4]uint64
	depth   int
}

// PageBase returns the guest-physical base of the guest page.
func (m guestMapping) PageBase(f *Format) uint64 {
	return m.GPA &^ (f.PageSize(m.Level) - 1)
}

// walker reads guest page tables out of host memory.
type walker struct {
	mem *hv.HostMemory
	mm  *hv.MemoryMap
}

func (w *walker) readEntry(f *Format, gpa uint64) (Entry, error) {
	hpa, _, err := w.mm.Translate(gpa)
	if err != nil {
		return 0, fmt.Errorf("shadow: guest page table entry: %w", err)
	}
	if f.EntrySize == 4 {
		v, err := w.mem.Read32(hpa)
		return Entry(v), err
	}
	v, err := w.mem.Read64(hpa)
	return Entry(v), err
}

func (w *walker) orEntry(f *Format, gpa uint64, bits Entry) error {
	hpa, _, err := w.mm.Translate(gpa)
	if err != nil {
		return fmt.Errorf("shadow: guest page table entry: %w", err)
	}
	if f.EntrySize == 4 {
		return w.mem.Or32(hpa, uint32(bits))
	}
	return w.mem.Or64(hpa, uint64(bits))
}

// walk translates vaddr through the guest's own page tables the way the
// processor would, without touching accessed or dirty bits. A guest-visible
// fault is returned as *GuestFault with a nil error.
func (w *walker) walk(core *hv.Core, f *Format, vaddr uint64, acc Access) (guestMapping, *GuestFault, error) {
	m := guestMapping{Writable: true, User: true}

	if f == FormatLong {
		if !Canonical(vaddr) {
			return m, &GuestFault{Addr: vaddr, GP: true}, nil
		}
	} else {
		vaddr &= 0xffffffff
	}

	nxe := f.HasNX() && core.Ctrl.Efer&hv.EFERNXE != 0
	// I/D is reported when either NX or SMEP can fault a fetch
	fetchBit := nxe || core.Ctrl.Cr4&hv.CR4SMEP != 0
	table := f.RootAddr(core.Ctrl.Cr3)

	for level := f.Levels; level >= 1; level-- {
		entryAddr := table + f.Index(vaddr, level)*f.EntrySize
		e, err := w.readEntry(f, entryAddr)
		if err != nil {
			return m, nil, err
		}
		m.entries[m.depth] = entryAddr
		m.depth++

		if !e.Present() {
			return m, acc.fault(vaddr, false, false, fetchBit), nil
		}
		if f.Reserved(e, level, nxe) {
			return m, acc.fault(vaddr, true, true, fetchBit), nil
		}

		// PAE PDPTEs carry no permission bits
		if f != FormatPAE || level != 3 {
			m.Writable = m.Writable && e.Writable()
			m.User = m.User && e.User()
			if nxe && e.NoExec() {
				m.NoExec = true
			}
		}

		if level == 1 || (e.Large() && f.LargeAllowed(level, core.Ctrl.Cr4)) {
			m.Level = level
			m.Dirty = e.Dirty()
			m.GPA = f.PageAddr(e, level) + vaddr&(f.PageSize(level)-1)
			break
		}
		table = f.TableAddr(e)
	}

	if acc.User && !m.User {
		return m, acc.fault(vaddr, true, false, fetchBit), nil
	}
	if acc.Write && !m.Writable && (acc.User || core.Ctrl.Cr0&hv.CR0WP != 0) {
		return m, acc.fault(vaddr, true, false, fetchBit), nil
	}
	if acc.Fetch && m.NoExec {
		return m, acc.fault(vaddr, true, false, fetchBit), nil
	}
	if acc.Fetch && !acc.User && m.User && core.Ctrl.Cr4&hv.CR4SMEP != 0 {
		return m, acc.fault(vaddr, true, false, fetchBit), nil
	}
	return m, nil, nil
}

// markAccessed sets the accessed bit on every entry of a successful walk
// and the dirty bit on the leaf for writes.
func (w *walker) markAccessed(f *Format, m *guestMapping, write bool) error {
	for i := 0; i < m.depth; i++ {
		level := f.Levels - i
		if f == FormatPAE && level == 3 {
			continue
		}
		bits := EntryAccessed
		if i == m.depth-1 && write {
			bits |= EntryDirty
			m.Dirty = true
		}
		if err := w.orEntry(f, m.entries[i], bits); err != nil {
			return err
		}
	}
	return nil
}

package hv

import "fmt"

type OperatingMode int

const (
	ModeReal OperatingMode = iota
	ModeProtected
	ModeProtectedPaged
	ModePAE
	ModePAEPaged
	ModeLong
	ModeLongPaged
)

func (m OperatingMode) String() string {
	switch m {
	case ModeReal:
		return "real"
	case ModeProtected:
		return "protected"
	case ModeProtectedPaged:
		return "protected-paged"
	case ModePAE:
		return "pae"
	case ModePAEPaged:
		return "pae-paged"
	case ModeLong:
		return "long"
	case ModeLongPaged:
		return "long-paged"
	default:
		return fmt.Sprintf("OperatingMode(%d)", int(m))
	}
}

// ParseOperatingMode accepts the names produced by String.
func ParseOperatingMode(s string) (OperatingMode, error) {
	for m := ModeReal; m <= ModeLongPaged; m++ {
		if m.String() == s {
			return m, nil
		}
	}
	return ModeReal, fmt.Errorf("hv: unknown operating mode %q", s)
}

// Paged reports whether guest-virtual addresses go through guest page tables.
func (m OperatingMode) Paged() bool {
	return m == ModeProtectedPaged || m == ModePAEPaged || m == ModeLongPaged
}

// DeriveMode computes the operating mode from the control registers.
func DeriveMode(cr0, cr4, efer uint64) OperatingMode {
	if cr0&CR0PE == 0 {
		return ModeReal
	}
	paged := cr0&CR0PG != 0
	switch {
	case efer&EFERLME != 0:
		if paged {
			return ModeLongPaged
		}
		return ModeLong
	case cr4&CR4PAE != 0:
		if paged {
			return ModePAEPaged
		}
		return ModePAE
	default:
		if paged {
			return ModeProtectedPaged
		}
		return ModeProtected
	}
}

// ModeControlBits returns control register values that DeriveMode maps back
// onto m. Used to seed cores from configuration.
func ModeControlBits(m OperatingMode) (cr0, cr4, efer uint64) {
	cr0 = CR0ET
	if m == ModeReal {
		return cr0, 0, 0
	}
	cr0 |= CR0PE
	if m.Paged() {
		cr0 |= CR0PG
	}
	switch m {
	case ModePAE, ModePAEPaged:
		cr4 |= CR4PAE
	case ModeLong, ModeLongPaged:
		cr4 |= CR4PAE
		efer |= EFERLME
		if m.Paged() {
			efer |= EFERLMA
		}
	}
	return cr0, cr4, efer
}

type EventKind uint8

const (
	EventException EventKind = iota
	EventSoftwareInterrupt
	EventExternalInterrupt
	EventNMI
)

func (k EventKind) String() string {
	switch k {
	case EventException:
		return "exception"
	case EventSoftwareInterrupt:
		return "software-interrupt"
	case EventExternalInterrupt:
		return "external-interrupt"
	case EventNMI:
		return "nmi"
	default:
		return fmt.Sprintf("EventKind(%d)", uint8(k))
	}
}

// Event is a guest event queued for delivery on the next guest entry.
type Event struct {
	Kind         EventKind
	Vector       uint8
	HasErrorCode bool
	ErrorCode    uint32
}

func (e Event) String() string {
	if e.HasErrorCode {
		return fmt.Sprintf("%s vector=%d error=0x%x", e.Kind, e.Vector, e.ErrorCode)
	}
	return fmt.Sprintf("%s vector=%d", e.Kind, e.Vector)
}

// Core is the state of one virtual CPU. It is owned by exactly one host
// thread; nothing outside that thread mutates it while the core runs.
type Core struct {
	ID int

	Regs Registers
	Ctrl ControlRegisters
	Segs Segments

	CPL  uint8
	Mode OperatingMode

	// Vendor holds control-structure data owned by the vendor backend.
	Vendor any

	// Pending is delivered by the backend on the next entry and cleared.
	Pending *Event

	// Halted is set by HLT and cleared when an interrupt is delivered.
	Halted bool
}

// NewCore returns a core in the given mode at the reset register state.
func NewCore(id int, mode OperatingMode) *Core {
	c := &Core{ID: id}
	c.Regs.Rflags = flagsReserved1
	c.Ctrl.Cr0, c.Ctrl.Cr4, c.Ctrl.Efer = ModeControlBits(mode)
	c.UpdateMode()
	switch mode {
	case ModeReal:
	case ModeLongPaged:
		c.Segs.CS.Long = true
	default:
		c.Segs.CS.DB = true
	}
	return c
}

// UpdateMode refreshes Mode from the control registers and returns whether
// it changed.
func (c *Core) UpdateMode() bool {
	mode := DeriveMode(c.Ctrl.Cr0, c.Ctrl.Cr4, c.Ctrl.Efer)
	if c.Ctrl.Efer&EFERLME != 0 && c.Ctrl.Cr0&CR0PG != 0 {
		c.Ctrl.Efer |= EFERLMA
	} else {
		c.Ctrl.Efer &^= EFERLMA
	}
	changed := mode != c.Mode
	c.Mode = mode
	return changed
}

// SetCPL updates the privilege level together with CS.DPL.
func (c *Core) SetCPL(cpl uint8) {
	c.CPL = cpl & 3
	c.Segs.CS.DPL = c.CPL
}

// AdvanceRIP moves the instruction pointer past the trapped instruction.
func (c *Core) AdvanceRIP(n uint64) {
	c.Regs.Rip += n
}

// AddressSize returns the effective address size in bytes for the current
// code segment (2, 4 or 8).
func (c *Core) AddressSize() int {
	if c.Mode == ModeLongPaged && c.Segs.CS.Long {
		return 8
	}
	if c.Mode != ModeReal && c.Segs.CS.DB {
		return 4
	}
	return 2
}

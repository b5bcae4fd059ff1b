package hv

import "fmt"

type Register uint64

const (
	RegisterInvalid Register = iota

	RegisterAMD64Rax
	RegisterAMD64Rbx
	RegisterAMD64Rcx
	RegisterAMD64Rdx
	RegisterAMD64Rsi
	RegisterAMD64Rdi
	RegisterAMD64Rsp
	RegisterAMD64Rbp
	RegisterAMD64R8
	RegisterAMD64R9
	RegisterAMD64R10
	RegisterAMD64R11
	RegisterAMD64R12
	RegisterAMD64R13
	RegisterAMD64R14
	RegisterAMD64R15
	RegisterAMD64Rip
	RegisterAMD64Rflags

	RegisterAMD64Cr0
	RegisterAMD64Cr2
	RegisterAMD64Cr3
	RegisterAMD64Cr4
	RegisterAMD64Cr8
	RegisterAMD64Efer
)

var registerNames = map[Register]string{
	RegisterAMD64Rax:    "rax",
	RegisterAMD64Rbx:    "rbx",
	RegisterAMD64Rcx:    "rcx",
	RegisterAMD64Rdx:    "rdx",
	RegisterAMD64Rsi:    "rsi",
	RegisterAMD64Rdi:    "rdi",
	RegisterAMD64Rsp:    "rsp",
	RegisterAMD64Rbp:    "rbp",
	RegisterAMD64R8:     "r8",
	RegisterAMD64R9:     "r9",
	RegisterAMD64R10:    "r10",
	RegisterAMD64R11:    "r11",
	RegisterAMD64R12:    "r12",
	RegisterAMD64R13:    "r13",
	RegisterAMD64R14:    "r14",
	RegisterAMD64R15:    "r15",
	RegisterAMD64Rip:    "rip",
	RegisterAMD64Rflags: "rflags",
	RegisterAMD64Cr0:    "cr0",
	RegisterAMD64Cr2:    "cr2",
	RegisterAMD64Cr3:    "cr3",
	RegisterAMD64Cr4:    "cr4",
	RegisterAMD64Cr8:    "cr8",
	RegisterAMD64Efer:   "efer",
}

func (r Register) String() string {
	if name, ok := registerNames[r]; ok {
		return name
	}
	return fmt.Sprintf("Register(%d)", uint64(r))
}

// ParseRegister is the inverse of Register.String.
func ParseRegister(name string) (Register, error) {
	for reg, n := range registerNames {
		if n == name {
			return reg, nil
		}
	}
	return RegisterInvalid, fmt.Errorf("hv: unknown register %q", name)
}

// gprEncoding is the ModRM register numbering used by exit qualifications.
var gprEncoding = [16]Register{
	RegisterAMD64Rax,
	RegisterAMD64Rcx,
	RegisterAMD64Rdx,
	RegisterAMD64Rbx,
	RegisterAMD64Rsp,
	RegisterAMD64Rbp,
	RegisterAMD64Rsi,
	RegisterAMD64Rdi,
	RegisterAMD64R8,
	RegisterAMD64R9,
	RegisterAMD64R10,
	RegisterAMD64R11,
	RegisterAMD64R12,
	RegisterAMD64R13,
	RegisterAMD64R14,
	RegisterAMD64R15,
}

// GPRByIndex returns the general register for a hardware register number.
func GPRByIndex(idx uint8) (Register, error) {
	if int(idx) >= len(gprEncoding) {
		return RegisterInvalid, fmt.Errorf("hv: invalid register index %d", idx)
	}
	return gprEncoding[idx], nil
}

// RFLAGS bits
const (
	FlagCF   = 1 << 0
	FlagPF   = 1 << 2
	FlagZF   = 1 << 6
	FlagSF   = 1 << 7
	FlagTF   = 1 << 8
	FlagIF   = 1 << 9
	FlagDF   = 1 << 10
	FlagOF   = 1 << 11
	FlagIOPL = 3 << 12
	FlagVM   = 1 << 17
	FlagAC   = 1 << 18

	// flagsReserved1 always reads as one.
	flagsReserved1 = 1 << 1
)

// CR0 bits
const (
	CR0PE = 1 << 0
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

// CR4 bits
const (
	CR4VME  = 1 << 0
	CR4PVI  = 1 << 1
	CR4TSD  = 1 << 2
	CR4DE   = 1 << 3
	CR4PSE  = 1 << 4
	CR4PAE  = 1 << 5
	CR4MCE  = 1 << 6
	CR4PGE  = 1 << 7
	CR4PCE  = 1 << 8
	CR4VMXE = 1 << 13
	CR4SMEP = 1 << 20
)

// EFER bits
const (
	EFERSCE  = 1 << 0
	EFERLME  = 1 << 8
	EFERLMA  = 1 << 10
	EFERNXE  = 1 << 11
	EFERSVME = 1 << 12
)

// Registers is the general register file of one core.
type Registers struct {
	Rax, Rbx, Rcx, Rdx uint64
	Rsi, Rdi, Rsp, Rbp uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rip                uint64
	Rflags             uint64
}

// ControlRegisters holds the guest's view of the control registers. CR3 here
// is what the guest wrote, never the shadow root.
type ControlRegisters struct {
	Cr0  uint64
	Cr2  uint64
	Cr3  uint64
	Cr4  uint64
	Cr8  uint64
	Efer uint64
}

// Segment is the cached part of a segment register.
type Segment struct {
	Selector uint16
	Base     uint64
	Limit    uint32
	DPL      uint8
	Long     bool
	DB       bool
}

type Segments struct {
	CS, SS, DS, ES, FS, GS Segment
}

// SegmentRegister names a segment register. The non-default values follow
// the hardware encoding (ES=0 .. GS=5) offset by one.
type SegmentRegister uint8

const (
	SegDefault SegmentRegister = iota
	SegES
	SegCS
	SegSS
	SegDS
	SegFS
	SegGS
)

// SegmentFromHardware converts the 3-bit segment field reported by SVM
// and VMX exit information.
func SegmentFromHardware(v uint64) SegmentRegister {
	if v > 5 {
		return SegDefault
	}
	return SegES + SegmentRegister(v)
}

// Get returns the cached segment r, or def for SegDefault.
func (s *Segments) Get(r SegmentRegister, def Segment) Segment {
	switch r {
	case SegES:
		return s.ES
	case SegCS:
		return s.CS
	case SegSS:
		return s.SS
	case SegDS:
		return s.DS
	case SegFS:
		return s.FS
	case SegGS:
		return s.GS
	default:
		return def
	}
}

func (c *Core) gpr(reg Register) *uint64 {
	r := &c.Regs
	switch reg {
	case RegisterAMD64Rax:
		return &r.Rax
	case RegisterAMD64Rbx:
		return &r.Rbx
	case RegisterAMD64Rcx:
		return &r.Rcx
	case RegisterAMD64Rdx:
		return &r.Rdx
	case RegisterAMD64Rsi:
		return &r.Rsi
	case RegisterAMD64Rdi:
		return &r.Rdi
	case RegisterAMD64Rsp:
		return &r.Rsp
	case RegisterAMD64Rbp:
		return &r.Rbp
	case RegisterAMD64R8:
		return &r.R8
	case RegisterAMD64R9:
		return &r.R9
	case RegisterAMD64R10:
		return &r.R10
	case RegisterAMD64R11:
		return &r.R11
	case RegisterAMD64R12:
		return &r.R12
	case RegisterAMD64R13:
		return &r.R13
	case RegisterAMD64R14:
		return &r.R14
	case RegisterAMD64R15:
		return &r.R15
	case RegisterAMD64Rip:
		return &r.Rip
	case RegisterAMD64Rflags:
		return &r.Rflags
	case RegisterAMD64Cr0:
		return &c.Ctrl.Cr0
	case RegisterAMD64Cr2:
		return &c.Ctrl.Cr2
	case RegisterAMD64Cr3:
		return &c.Ctrl.Cr3
	case RegisterAMD64Cr4:
		return &c.Ctrl.Cr4
	case RegisterAMD64Cr8:
		return &c.Ctrl.Cr8
	case RegisterAMD64Efer:
		return &c.Ctrl.Efer
	}
	return nil
}

// GetRegister reads a single register.
func (c *Core) GetRegister(reg Register) (uint64, error) {
	p := c.gpr(reg)
	if p == nil {
		return 0, fmt.Errorf("hv: unsupported register %v", reg)
	}
	return *p, nil
}

// SetRegister writes a single register. Control register writes go through
// here unchecked; architectural checks belong to the exit handlers.
func (c *Core) SetRegister(reg Register, value uint64) error {
	p := c.gpr(reg)
	if p == nil {
		return fmt.Errorf("hv: unsupported register %v", reg)
	}
	if reg == RegisterAMD64Rflags {
		value |= flagsReserved1
	}
	*p = value
	if reg == RegisterAMD64Cr0 || reg == RegisterAMD64Cr4 || reg == RegisterAMD64Efer {
		c.UpdateMode()
	}
	return nil
}

// GetRegisters fills regs in place, like the vendor backends do.
func (c *Core) GetRegisters(regs map[Register]uint64) error {
	for reg := range regs {
		v, err := c.GetRegister(reg)
		if err != nil {
			return err
		}
		regs[reg] = v
	}
	return nil
}

func (c *Core) SetRegisters(regs map[Register]uint64) error {
	for reg, v := range regs {
		if err := c.SetRegister(reg, v); err != nil {
			return err
		}
	}
	return nil
}

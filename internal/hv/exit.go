package hv

import "fmt"

type ExitReason int

const (
	ExitInvalid ExitReason = iota
	ExitIO
	ExitCRRead
	ExitCRWrite
	ExitHLT
	ExitPause
	ExitMwait
	ExitMonitor
	ExitWbinvd
	ExitInvlpg
	ExitPageFault
	ExitNestedPageFault
	ExitSoftwareInterrupt
	ExitCPUID
	ExitShutdown
)

var exitReasonNames = map[ExitReason]string{
	ExitInvalid:           "invalid",
	ExitIO:                "io",
	ExitCRRead:            "cr_read",
	ExitCRWrite:           "cr_write",
	ExitHLT:               "hlt",
	ExitPause:             "pause",
	ExitMwait:             "mwait",
	ExitMonitor:           "monitor",
	ExitWbinvd:            "wbinvd",
	ExitInvlpg:            "invlpg",
	ExitPageFault:         "page_fault",
	ExitNestedPageFault:   "nested_page_fault",
	ExitSoftwareInterrupt: "swint",
	ExitCPUID:             "cpuid",
	ExitShutdown:          "shutdown",
}

func (r ExitReason) String() string {
	if name, ok := exitReasonNames[r]; ok {
		return name
	}
	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Page fault error code bits as delivered by hardware.
const (
	PFErrPresent  = 1 << 0
	PFErrWrite    = 1 << 1
	PFErrUser     = 1 << 2
	PFErrReserved = 1 << 3
	PFErrFetch    = 1 << 4
)

// IOInfo describes a trapped IN/OUT/INS/OUTS.
type IOInfo struct {
	Port   uint16
	Size   int // operand size in bytes: 1, 2 or 4
	In     bool
	String bool
	Rep    bool

	// AddressSize is the string instruction address size in bytes, or zero
	// to take it from the code segment.
	AddressSize int

	// Segment is the effective source segment of OUTS. INS always writes
	// through ES.
	Segment SegmentRegister
}

type CRAccessType uint8

const (
	CRMovTo CRAccessType = iota
	CRMovFrom
	CRClts
	CRLmsw
)

func (t CRAccessType) String() string {
	switch t {
	case CRMovTo:
		return "mov-to-cr"
	case CRMovFrom:
		return "mov-from-cr"
	case CRClts:
		return "clts"
	case CRLmsw:
		return "lmsw"
	default:
		return fmt.Sprintf("CRAccessType(%d)", uint8(t))
	}
}

// CRAccess describes a trapped control register access.
type CRAccess struct {
	Number uint8
	Type   CRAccessType
	GPR    Register

	// LmswSource is the 16-bit operand of LMSW.
	LmswSource uint16
}

// MMIOAccess is the decoded form of a faulting MOV to or from device
// memory, supplied by backends with decode assists.
type MMIOAccess struct {
	Valid  bool
	Write  bool
	Size   int
	GPR    Register
	Length uint64
}

// ExitRecord classifies one trapped event. It is rebuilt on every exit and
// never retained past dispatch.
type ExitRecord struct {
	Reason  ExitReason
	RawCode uint64

	// Address is the faulting linear address (#PF, INVLPG) or the guest
	// physical address (nested faults).
	Address   uint64
	ErrorCode uint32

	InstructionLength uint64

	IO     IOInfo
	CR     CRAccess
	MMIO   MMIOAccess
	Vector uint8
}

func (r ExitRecord) String() string {
	switch r.Reason {
	case ExitIO:
		dir := "out"
		if r.IO.In {
			dir = "in"
		}
		return fmt.Sprintf("io %s port=0x%04x size=%d string=%v rep=%v", dir, r.IO.Port, r.IO.Size, r.IO.String, r.IO.Rep)
	case ExitCRRead, ExitCRWrite:
		return fmt.Sprintf("%s cr%d %s", r.CR.Type, r.CR.Number, r.CR.GPR)
	case ExitPageFault, ExitNestedPageFault:
		return fmt.Sprintf("%s addr=0x%x error=0x%x", r.Reason, r.Address, r.ErrorCode)
	case ExitInvlpg:
		return fmt.Sprintf("invlpg addr=0x%x", r.Address)
	case ExitSoftwareInterrupt:
		return fmt.Sprintf("swint vector=0x%x", r.Vector)
	default:
		return r.Reason.String()
	}
}

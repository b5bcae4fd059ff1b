// Package vmx decodes Intel VT-x exits and encodes VM-entry event
// injection.
package vmx

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// Basic exit reasons.
const (
	ReasonException    = 0
	ReasonExternalInt  = 1
	ReasonTripleFault  = 2
	ReasonCPUID        = 10
	ReasonHLT          = 12
	ReasonINVLPG       = 14
	ReasonCRAccess     = 28
	ReasonIO           = 30
	ReasonMWAIT        = 36
	ReasonMONITOR      = 39
	ReasonPAUSE        = 40
	ReasonEPTViolation = 48
	ReasonWBINVD       = 54
)

// Interruption types shared by exit and entry interruption information.
const (
	TypeExternal     = 0
	TypeNMI          = 2
	TypeHardwareExc  = 3
	TypeSoftwareInt  = 4
	TypeSoftwareExc  = 6
	infoValid        = 1 << 31
	infoDeliverError = 1 << 11
	infoTypeMask     = 0x7
	entryFailure     = 1 << 31
	basicReasonMask  = 0xffff
)

// EPT violation qualification bits.
const (
	eptRead       = 1 << 0
	eptWrite      = 1 << 1
	eptFetch      = 1 << 2
	eptPermission = 0x7 << 3
)

// Exit holds the VMCS exit-information fields read after a VM exit, and
// the entry fields written before the next VMRESUME.
type Exit struct {
	Reason            uint32
	Qualification     uint64
	GuestLinear       uint64
	GuestPhysical     uint64
	InstructionLength uint32
	InstructionInfo   uint32
	InterruptionInfo  uint32
	InterruptionError uint32

	EntryInterruptionInfo uint32
	EntryExceptionError   uint32
	EntryInstructionLen   uint32
}

// Decode classifies the exit recorded in e.
func Decode(e *Exit) (hv.ExitRecord, error) {
	rec := hv.ExitRecord{
		RawCode:           uint64(e.Reason),
		InstructionLength: uint64(e.InstructionLength),
	}
	if e.Reason&entryFailure != 0 {
		return rec, fmt.Errorf("vmx: VM entry failed, reason %d", e.Reason&basicReasonMask)
	}

	q := e.Qualification
	switch e.Reason & basicReasonMask {
	case ReasonException:
		return decodeException(e, rec)
	case ReasonTripleFault:
		rec.Reason = hv.ExitShutdown
	case ReasonCPUID:
		rec.Reason = hv.ExitCPUID
	case ReasonHLT:
		rec.Reason = hv.ExitHLT
	case ReasonINVLPG:
		rec.Reason = hv.ExitInvlpg
		rec.Address = q
	case ReasonCRAccess:
		return decodeCR(q, rec)
	case ReasonIO:
		rec.Reason = hv.ExitIO
		rec.IO = hv.IOInfo{
			Size:   int(q&0x7) + 1,
			In:     q&(1<<3) != 0,
			String: q&(1<<4) != 0,
			Rep:    q&(1<<5) != 0,
			Port:   uint16(q >> 16),
		}
		if rec.IO.String {
			// VM-exit instruction information, bits 9:7
			rec.IO.AddressSize = 2 << (e.InstructionInfo >> 7 & 0x7)
			rec.IO.Segment = hv.SegES
			if !rec.IO.In {
				// bits 17:15 are defined for OUTS only
				rec.IO.Segment = hv.SegmentFromHardware(uint64(e.InstructionInfo >> 15 & 0x7))
			}
		}
	case ReasonMWAIT:
		rec.Reason = hv.ExitMwait
	case ReasonMONITOR:
		rec.Reason = hv.ExitMonitor
	case ReasonPAUSE:
		rec.Reason = hv.ExitPause
	case ReasonEPTViolation:
		rec.Reason = hv.ExitNestedPageFault
		rec.Address = e.GuestPhysical
		rec.ErrorCode = eptErrorCode(q)
		rec.InstructionLength = 0
	case ReasonWBINVD:
		rec.Reason = hv.ExitWbinvd
	default:
		return rec, fmt.Errorf("vmx: exit reason %d: %w", e.Reason&basicReasonMask, hv.ErrUnhandledExit)
	}
	return rec, nil
}

func decodeException(e *Exit, rec hv.ExitRecord) (hv.ExitRecord, error) {
	info := e.InterruptionInfo
	if info&infoValid == 0 {
		return rec, fmt.Errorf("vmx: exception exit without interruption information")
	}
	vector := uint8(info)
	switch info >> 8 & infoTypeMask {
	case TypeSoftwareInt, TypeSoftwareExc:
		rec.Reason = hv.ExitSoftwareInterrupt
		rec.Vector = vector
		return rec, nil
	case TypeHardwareExc:
		if vector == 14 {
			rec.Reason = hv.ExitPageFault
			rec.Address = e.Qualification
			rec.ErrorCode = e.InterruptionError
			rec.InstructionLength = 0
			return rec, nil
		}
	}
	return rec, fmt.Errorf("vmx: exception %d exit: %w", vector, hv.ErrUnhandledExit)
}

func decodeCR(q uint64, rec hv.ExitRecord) (hv.ExitRecord, error) {
	rec.CR.Number = uint8(q & 0xf)
	rec.CR.Type = hv.CRAccessType(q >> 4 & 0x3)
	switch rec.CR.Type {
	case hv.CRMovFrom:
		rec.Reason = hv.ExitCRRead
	default:
		rec.Reason = hv.ExitCRWrite
	}
	if rec.CR.Type == hv.CRMovTo || rec.CR.Type == hv.CRMovFrom {
		gpr, err := hv.GPRByIndex(uint8(q >> 8 & 0xf))
		if err != nil {
			return rec, err
		}
		rec.CR.GPR = gpr
	}
	if rec.CR.Type == hv.CRLmsw {
		rec.CR.LmswSource = uint16(q >> 16)
	}
	return rec, nil
}

// eptErrorCode folds an EPT violation qualification into page-fault error
// code bits.
func eptErrorCode(q uint64) uint32 {
	var code uint32
	if q&eptPermission != 0 {
		code |= hv.PFErrPresent
	}
	if q&eptWrite != 0 {
		code |= hv.PFErrWrite
	}
	if q&eptFetch != 0 {
		code |= hv.PFErrFetch
	}
	return code
}

// EncodeEvent returns the VM-entry interruption-information field and
// exception error code that deliver ev.
func EncodeEvent(ev hv.Event) (info uint32, code uint32) {
	var typ uint32
	switch ev.Kind {
	case hv.EventException:
		typ = TypeHardwareExc
	case hv.EventSoftwareInterrupt:
		typ = TypeSoftwareInt
	case hv.EventNMI:
		typ = TypeNMI
	default:
		typ = TypeExternal
	}
	info = uint32(ev.Vector) | typ<<8 | infoValid
	if ev.HasErrorCode {
		info |= infoDeliverError
		code = ev.ErrorCode
	}
	return info, code
}

// DecodeEvent is the inverse of EncodeEvent.
func DecodeEvent(info, code uint32) (hv.Event, bool) {
	if info&infoValid == 0 {
		return hv.Event{}, false
	}
	ev := hv.Event{Vector: uint8(info)}
	switch info >> 8 & infoTypeMask {
	case TypeHardwareExc:
		ev.Kind = hv.EventException
	case TypeSoftwareInt, TypeSoftwareExc:
		ev.Kind = hv.EventSoftwareInterrupt
	case TypeNMI:
		ev.Kind = hv.EventNMI
	default:
		ev.Kind = hv.EventExternalInterrupt
	}
	if info&infoDeliverError != 0 {
		ev.HasErrorCode = true
		ev.ErrorCode = code
	}
	return ev, true
}

// Inject moves core.Pending into the VM-entry fields. A software interrupt
// is delivered by re-running INTn from its own address: RIP, which the
// dispatcher already advanced, is moved back by intLen and the entry
// instruction length makes the processor push the advanced value.
func Inject(e *Exit, core *hv.Core, intLen uint32) {
	e.EntryInterruptionInfo, e.EntryExceptionError, e.EntryInstructionLen = 0, 0, 0
	if core.Pending == nil {
		return
	}
	e.EntryInterruptionInfo, e.EntryExceptionError = EncodeEvent(*core.Pending)
	if core.Pending.Kind == hv.EventSoftwareInterrupt {
		core.Regs.Rip -= uint64(intLen)
		e.EntryInstructionLen = intLen
	}
	core.Pending = nil
}

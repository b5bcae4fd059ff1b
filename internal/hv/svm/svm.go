// Package svm decodes AMD-V exits and encodes event injection.
package svm

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

// VMCB exit codes.
const (
	ExitReadCR0      = 0x000
	ExitReadCR15     = 0x00f
	ExitWriteCR0     = 0x010
	ExitWriteCR15    = 0x01f
	ExitExcpBase     = 0x040
	ExitExcpPF       = 0x04e
	ExitINTR         = 0x060
	ExitCR0SelWrite  = 0x065
	ExitCPUID        = 0x072
	ExitSWINT        = 0x075
	ExitPAUSE        = 0x077
	ExitHLT          = 0x078
	ExitINVLPG       = 0x079
	ExitIOIO         = 0x07b
	ExitShutdown     = 0x07f
	ExitWBINVD       = 0x089
	ExitMONITOR      = 0x08a
	ExitMWAIT        = 0x08b
	ExitMWAITCond    = 0x08c
	ExitNPF          = 0x400
	ExitInvalid      = ^uint64(0)
	crDecodeValid    = 1 << 63
	crDecodeGPRMask  = 0xf
	ioInfoIn         = 1 << 0
	ioInfoString     = 1 << 2
	ioInfoRep        = 1 << 3
	ioInfoSizeShift  = 4
	ioInfoSizeMask   = 0x7
	ioInfoAddrShift  = 7
	ioInfoAddrMask   = 0x7
	ioInfoSegShift   = 10
	ioInfoSegMask    = 0x7
	ioInfoPortShift  = 16
	ioInfoPortMask   = 0xffff
	eventInjValid    = 1 << 31
	eventInjHasError = 1 << 11
	eventInjTypeMask = 0x7
)

// Event injection types.
const (
	EventTypeINTR      = 0
	EventTypeNMI       = 2
	EventTypeException = 3
	EventTypeSoftInt   = 4
)

// Control is the part of the VMCB control area the VMM reads on exit and
// writes before the next VMRUN.
type Control struct {
	ExitCode    uint64
	ExitInfo1   uint64
	ExitInfo2   uint64
	ExitIntInfo uint64
	NextRIP     uint64
	EventInj    uint64
}

// fixedLength covers intercepts whose instruction length is architectural,
// for processors without next-RIP saving.
var fixedLength = map[uint64]uint64{
	ExitCPUID:     2,
	ExitPAUSE:     2,
	ExitHLT:       1,
	ExitWBINVD:    2,
	ExitMONITOR:   3,
	ExitMWAIT:     3,
	ExitMWAITCond: 3,
	ExitSWINT:     2,
}

// Decode classifies the exit recorded in ctl. rip is the guest instruction
// pointer at the time of the exit.
func Decode(ctl *Control, rip uint64) (hv.ExitRecord, error) {
	code := ctl.ExitCode
	rec := hv.ExitRecord{RawCode: code}

	if ctl.NextRIP > rip {
		rec.InstructionLength = ctl.NextRIP - rip
	} else if n, ok := fixedLength[code]; ok {
		rec.InstructionLength = n
	}

	switch {
	case code <= ExitReadCR15, code >= ExitWriteCR0 && code <= ExitWriteCR15, code == ExitCR0SelWrite:
		return decodeCR(ctl, rec)
	case code == ExitExcpPF:
		rec.Reason = hv.ExitPageFault
		rec.ErrorCode = uint32(ctl.ExitInfo1)
		rec.Address = ctl.ExitInfo2
		rec.InstructionLength = 0
	case code == ExitNPF:
		rec.Reason = hv.ExitNestedPageFault
		rec.ErrorCode = uint32(ctl.ExitInfo1)
		rec.Address = ctl.ExitInfo2
		rec.InstructionLength = 0
	case code == ExitIOIO:
		return decodeIO(ctl, rec, rip)
	case code == ExitCPUID:
		rec.Reason = hv.ExitCPUID
	case code == ExitSWINT:
		rec.Reason = hv.ExitSoftwareInterrupt
		rec.Vector = uint8(ctl.ExitInfo1)
	case code == ExitPAUSE:
		rec.Reason = hv.ExitPause
	case code == ExitHLT:
		rec.Reason = hv.ExitHLT
	case code == ExitINVLPG:
		rec.Reason = hv.ExitInvlpg
		rec.Address = ctl.ExitInfo1
	case code == ExitShutdown:
		rec.Reason = hv.ExitShutdown
	case code == ExitWBINVD:
		rec.Reason = hv.ExitWbinvd
	case code == ExitMONITOR:
		rec.Reason = hv.ExitMonitor
	case code == ExitMWAIT, code == ExitMWAITCond:
		rec.Reason = hv.ExitMwait
	case code == ExitInvalid:
		return rec, fmt.Errorf("svm: VMRUN failed with invalid guest state")
	default:
		return rec, fmt.Errorf("svm: exit code 0x%x: %w", code, hv.ErrUnhandledExit)
	}
	return rec, nil
}

func decodeCR(ctl *Control, rec hv.ExitRecord) (hv.ExitRecord, error) {
	code := ctl.ExitCode
	switch {
	case code == ExitCR0SelWrite:
		rec.Reason = hv.ExitCRWrite
		rec.CR.Number = 0
	case code >= ExitWriteCR0:
		rec.Reason = hv.ExitCRWrite
		rec.CR.Number = uint8(code - ExitWriteCR0)
	default:
		rec.Reason = hv.ExitCRRead
		rec.CR.Number = uint8(code - ExitReadCR0)
	}
	if rec.Reason == hv.ExitCRRead {
		rec.CR.Type = hv.CRMovFrom
	} else {
		rec.CR.Type = hv.CRMovTo
	}

	// LMSW and CLTS leave the decode assist clear and need the
	// instruction bytes, which this backend does not fetch
	if ctl.ExitInfo1&crDecodeValid == 0 {
		return rec, fmt.Errorf("svm: cr%d access without decode assist: %w", rec.CR.Number, hv.ErrNotImplemented)
	}
	gpr, err := hv.GPRByIndex(uint8(ctl.ExitInfo1 & crDecodeGPRMask))
	if err != nil {
		return rec, err
	}
	rec.CR.GPR = gpr
	return rec, nil
}

func decodeIO(ctl *Control, rec hv.ExitRecord, rip uint64) (hv.ExitRecord, error) {
	info := ctl.ExitInfo1
	rec.Reason = hv.ExitIO
	rec.IO = hv.IOInfo{
		Port:   uint16(info >> ioInfoPortShift & ioInfoPortMask),
		In:     info&ioInfoIn != 0,
		String: info&ioInfoString != 0,
		Rep:    info&ioInfoRep != 0,
	}
	// SZ8/SZ16/SZ32 and A16/A32/A64 are one-hot
	switch info >> ioInfoSizeShift & ioInfoSizeMask {
	case 1:
		rec.IO.Size = 1
	case 2:
		rec.IO.Size = 2
	case 4:
		rec.IO.Size = 4
	default:
		return rec, fmt.Errorf("svm: IOIO exit info 0x%x has no operand size", info)
	}
	switch info >> ioInfoAddrShift & ioInfoAddrMask {
	case 1:
		rec.IO.AddressSize = 2
	case 2:
		rec.IO.AddressSize = 4
	case 4:
		rec.IO.AddressSize = 8
	}
	if rec.IO.String {
		rec.IO.Segment = hv.SegmentFromHardware(info >> ioInfoSegShift & ioInfoSegMask)
	}
	// EXITINFO2 holds the rIP of the next instruction
	if ctl.ExitInfo2 > rip {
		rec.InstructionLength = ctl.ExitInfo2 - rip
	}
	return rec, nil
}

// EncodeEvent returns the EVENTINJ value that delivers ev.
func EncodeEvent(ev hv.Event) uint64 {
	var typ uint64
	switch ev.Kind {
	case hv.EventException:
		typ = EventTypeException
	case hv.EventSoftwareInterrupt:
		typ = EventTypeSoftInt
	case hv.EventNMI:
		typ = EventTypeNMI
	default:
		typ = EventTypeINTR
	}
	v := uint64(ev.Vector) | typ<<8 | eventInjValid
	if ev.HasErrorCode {
		v |= eventInjHasError | uint64(ev.ErrorCode)<<32
	}
	return v
}

// DecodeEvent is the inverse of EncodeEvent. It reports false when the
// valid bit is clear.
func DecodeEvent(v uint64) (hv.Event, bool) {
	if v&eventInjValid == 0 {
		return hv.Event{}, false
	}
	ev := hv.Event{Vector: uint8(v)}
	switch v >> 8 & eventInjTypeMask {
	case EventTypeException:
		ev.Kind = hv.EventException
	case EventTypeSoftInt:
		ev.Kind = hv.EventSoftwareInterrupt
	case EventTypeNMI:
		ev.Kind = hv.EventNMI
	default:
		ev.Kind = hv.EventExternalInterrupt
	}
	if v&eventInjHasError != 0 {
		ev.HasErrorCode = true
		ev.ErrorCode = uint32(v >> 32)
	}
	return ev, true
}

// Inject moves core.Pending into EVENTINJ ahead of VMRUN.
func Inject(ctl *Control, core *hv.Core) {
	ctl.EventInj = 0
	if core.Pending == nil {
		return
	}
	ctl.EventInj = EncodeEvent(*core.Pending)
	core.Pending = nil
}

// Package fault queues synthetic CPU exceptions for delivery to a guest.
//
// An exception raised while servicing an exit takes priority over whatever
// instruction-pointer advance the handler computed; the vendor backend
// presents core.Pending on the next guest entry.
package fault

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmm/internal/hv"
)

// Exception vectors
const (
	VectorDE  uint8 = 0
	VectorDB  uint8 = 1
	VectorNMI uint8 = 2
	VectorBP  uint8 = 3
	VectorOF  uint8 = 4
	VectorBR  uint8 = 5
	VectorUD  uint8 = 6
	VectorNM  uint8 = 7
	VectorDF  uint8 = 8
	VectorTS  uint8 = 10
	VectorNP  uint8 = 11
	VectorSS  uint8 = 12
	VectorGP  uint8 = 13
	VectorPF  uint8 = 14
	VectorMF  uint8 = 16
	VectorAC  uint8 = 17
	VectorMC  uint8 = 18
	VectorXM  uint8 = 19
)

var vectorNames = map[uint8]string{
	VectorDE: "#DE", VectorDB: "#DB", VectorNMI: "NMI", VectorBP: "#BP",
	VectorOF: "#OF", VectorBR: "#BR", VectorUD: "#UD", VectorNM: "#NM",
	VectorDF: "#DF", VectorTS: "#TS", VectorNP: "#NP", VectorSS: "#SS",
	VectorGP: "#GP", VectorPF: "#PF", VectorMF: "#MF", VectorAC: "#AC",
	VectorMC: "#MC", VectorXM: "#XM",
}

// VectorName returns the mnemonic for an exception vector.
func VectorName(v uint8) string {
	if name, ok := vectorNames[v]; ok {
		return name
	}
	return fmt.Sprintf("vector-%d", v)
}

// HasErrorCode reports whether the CPU pushes an error code for vector.
func HasErrorCode(v uint8) bool {
	switch v {
	case VectorDF, VectorTS, VectorNP, VectorSS, VectorGP, VectorPF, VectorAC:
		return true
	}
	return false
}

type class int

const (
	classBenign class = iota
	classContributory
	classPageFault
	classDoubleFault
)

func classify(v uint8) class {
	switch v {
	case VectorDE, VectorTS, VectorNP, VectorSS, VectorGP:
		return classContributory
	case VectorPF:
		return classPageFault
	case VectorDF:
		return classDoubleFault
	}
	return classBenign
}

// Observer is notified of every event that ends up queued.
type Observer interface {
	InjectedEvent(core int, ev hv.Event)
}

// Injector raises guest-visible events.
type Injector struct {
	log      *slog.Logger
	observer Observer
}

// NewInjector returns an injector. Both arguments may be nil.
func NewInjector(log *slog.Logger, observer Observer) *Injector {
	if log == nil {
		log = slog.Default()
	}
	return &Injector{log: log, observer: observer}
}

// Raise queues an exception without an error code. Vectors that
// architecturally carry one get zero.
func (i *Injector) Raise(core *hv.Core, vector uint8) error {
	return i.raise(core, vector, 0)
}

// RaiseWithCode queues an exception with an error code.
func (i *Injector) RaiseWithCode(core *hv.Core, vector uint8, code uint32) error {
	return i.raise(core, vector, code)
}

// RaiseGP queues a general-protection fault.
func (i *Injector) RaiseGP(core *hv.Core, code uint32) error {
	return i.raise(core, VectorGP, code)
}

// RaiseUD queues an undefined-opcode fault.
func (i *Injector) RaiseUD(core *hv.Core) error {
	return i.raise(core, VectorUD, 0)
}

// RaisePF queues a page fault and loads CR2 with the faulting address.
func (i *Injector) RaisePF(core *hv.Core, addr uint64, code uint32) error {
	if err := i.raise(core, VectorPF, code); err != nil {
		return err
	}
	// a dropped #PF must not clobber CR2
	if p := core.Pending; p != nil && (p.Vector == VectorPF || p.Vector == VectorDF) {
		core.Ctrl.Cr2 = addr
	}
	return nil
}

// RaiseSoftwareInterrupt queues an INTn-style event. Unlike exceptions it
// does not cancel the instruction-pointer advance.
func (i *Injector) RaiseSoftwareInterrupt(core *hv.Core, vector uint8) error {
	if core.Pending != nil {
		return fmt.Errorf("fault: core %d: %s already pending", core.ID, core.Pending)
	}
	i.queue(core, hv.Event{Kind: hv.EventSoftwareInterrupt, Vector: vector})
	return nil
}

// RaiseExternalInterrupt queues a device interrupt and wakes a halted core.
// It reports false if another event is already pending.
func (i *Injector) RaiseExternalInterrupt(core *hv.Core, vector uint8) bool {
	if core.Pending != nil {
		return false
	}
	i.queue(core, hv.Event{Kind: hv.EventExternalInterrupt, Vector: vector})
	core.Halted = false
	return true
}

// ExceptionPending reports whether an exception is queued on core.
func ExceptionPending(core *hv.Core) bool {
	return core.Pending != nil && core.Pending.Kind == hv.EventException
}

func (i *Injector) raise(core *hv.Core, vector uint8, code uint32) error {
	ev := hv.Event{
		Kind:         hv.EventException,
		Vector:       vector,
		HasErrorCode: HasErrorCode(vector),
	}
	if ev.HasErrorCode {
		ev.ErrorCode = code
	}

	if prev := core.Pending; prev != nil {
		if prev.Kind != hv.EventException {
			// interrupts are re-raised by their source once the exception
			// has been taken
			i.queue(core, ev)
			return nil
		}
		first, second := classify(prev.Vector), classify(vector)
		switch {
		case first == classDoubleFault && (second == classContributory || second == classPageFault):
			i.log.Warn("fault: triple fault", "core", core.ID, "first", VectorName(prev.Vector), "second", VectorName(vector))
			return fmt.Errorf("fault: core %d: %w", core.ID, hv.ErrTripleFault)
		case first == classContributory && second == classContributory,
			first == classPageFault && (second == classContributory || second == classPageFault):
			i.queue(core, hv.Event{Kind: hv.EventException, Vector: VectorDF, HasErrorCode: true})
			return nil
		default:
			// serial delivery: the earlier exception wins, the later one
			// recurs when the guest re-executes
			i.log.Debug("fault: keeping earlier exception", "core", core.ID,
				"pending", VectorName(prev.Vector), "dropped", VectorName(vector))
			return nil
		}
	}

	i.queue(core, ev)
	return nil
}

func (i *Injector) queue(core *hv.Core, ev hv.Event) {
	core.Pending = &ev
	i.log.Debug("fault: queued guest event", "core", core.ID, "event", ev.String())
	if i.observer != nil {
		i.observer.InjectedEvent(core.ID, ev)
	}
}

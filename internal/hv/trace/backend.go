package trace

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/svm"
	"github.com/tinyrange/vmm/internal/hv/vmx"
)

// GuestMemory accepts the guest stores recorded between exits.
type GuestMemory interface {
	WriteGuest(gpa uint64, data []byte) error
}

// Backend is an hv.Backend that takes its exits from a Trace. Each core
// consumes its own steps in order; when they run out Enter reports
// hv.ErrVMHalted.
type Backend struct {
	log    *slog.Logger
	vendor hv.CpuVendor

	mu         sync.Mutex
	mem        GuestMemory
	steps      map[int][]Step
	next       map[int]int
	expect     map[int]*Expect
	lastLen    map[int]uint64
	delivered  map[int][]hv.Event
	mismatches []string
	total      int
	done       int
}

// NewBackend prepares t for replay.
func NewBackend(t *Trace, log *slog.Logger) (*Backend, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	b := &Backend{
		log:       log,
		vendor:    hv.ParseVendor(t.Vendor),
		steps:     make(map[int][]Step),
		next:      make(map[int]int),
		expect:    make(map[int]*Expect),
		lastLen:   make(map[int]uint64),
		delivered: make(map[int][]hv.Event),
		total:     len(t.Steps),
	}
	for _, s := range t.Steps {
		b.steps[s.Core] = append(b.steps[s.Core], s)
	}
	return b, nil
}

// AttachMemory sets the target of recorded guest stores.
func (b *Backend) AttachMemory(mem GuestMemory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.mem = mem
}

func (b *Backend) Vendor() hv.CpuVendor { return b.vendor }

// Cores returns the core IDs the trace has steps for.
func (b *Backend) Cores() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]int, 0, len(b.steps))
	for id := range b.steps {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Enter implements hv.Backend.
func (b *Backend) Enter(ctx context.Context, core *hv.Core) (hv.ExitRecord, error) {
	if err := ctx.Err(); err != nil {
		return hv.ExitRecord{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if exp := b.expect[core.ID]; exp != nil {
		b.check(core, exp)
		delete(b.expect, core.ID)
	}
	b.deliver(core)

	steps := b.steps[core.ID]
	idx := b.next[core.ID]
	if idx >= len(steps) {
		return hv.ExitRecord{}, fmt.Errorf("trace: core %d: end of trace: %w", core.ID, hv.ErrVMHalted)
	}
	step := steps[idx]
	b.next[core.ID] = idx + 1
	b.done++

	// a recorded exit means the core was running again
	core.Halted = false

	if err := b.apply(core, step); err != nil {
		return hv.ExitRecord{}, fmt.Errorf("trace: core %d step %d: %w", core.ID, idx, err)
	}

	rec, err := b.decode(core, step)
	if err != nil {
		return rec, fmt.Errorf("trace: core %d step %d: %w", core.ID, idx, err)
	}
	if step.MMIO != nil {
		reg, err := hv.ParseRegister(step.MMIO.Reg)
		if err != nil {
			return rec, err
		}
		rec.MMIO = hv.MMIOAccess{
			Valid:  true,
			Write:  step.MMIO.Write,
			Size:   step.MMIO.Size,
			GPR:    reg,
			Length: step.MMIO.Length,
		}
	}

	b.lastLen[core.ID] = rec.InstructionLength
	if step.Expect != nil {
		b.expect[core.ID] = step.Expect
	}
	b.log.Debug("trace: exit", "core", core.ID, "step", idx, "exit", rec.String())
	return rec, nil
}

func (b *Backend) apply(core *hv.Core, step Step) error {
	// control registers last so the mode is derived from the final values
	var ctrl []hv.Register
	for name, v := range step.Set {
		reg, err := hv.ParseRegister(name)
		if err != nil {
			return err
		}
		switch reg {
		case hv.RegisterAMD64Cr0, hv.RegisterAMD64Cr4, hv.RegisterAMD64Efer:
			ctrl = append(ctrl, reg)
			continue
		}
		if err := core.SetRegister(reg, v); err != nil {
			return err
		}
	}
	for _, reg := range ctrl {
		if err := core.SetRegister(reg, step.Set[reg.String()]); err != nil {
			return err
		}
	}
	if step.CPL != nil {
		core.SetCPL(*step.CPL)
	}

	for _, w := range step.Writes {
		if b.mem == nil {
			return fmt.Errorf("guest write at 0x%x with no memory attached", w.GPA)
		}
		data, err := w.Bytes()
		if err != nil {
			return err
		}
		if err := b.mem.WriteGuest(w.GPA, data); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) decode(core *hv.Core, step Step) (hv.ExitRecord, error) {
	switch b.vendor {
	case hv.VendorAMD:
		ctl, ok := core.Vendor.(*svm.Control)
		if !ok {
			ctl = &svm.Control{}
			core.Vendor = ctl
		}
		ctl.ExitCode = step.SVM.ExitCode
		ctl.ExitInfo1 = step.SVM.ExitInfo1
		ctl.ExitInfo2 = step.SVM.ExitInfo2
		ctl.NextRIP = step.SVM.NextRIP
		return svm.Decode(ctl, core.Regs.Rip)
	case hv.VendorIntel:
		e, ok := core.Vendor.(*vmx.Exit)
		if !ok {
			e = &vmx.Exit{}
			core.Vendor = e
		}
		x := step.VMX
		e.Reason = x.Reason
		e.Qualification = x.Qualification
		e.GuestLinear = x.GuestLinear
		e.GuestPhysical = x.GuestPhysical
		e.InstructionLength = x.InstructionLength
		e.InstructionInfo = x.InstructionInfo
		e.InterruptionInfo = x.InterruptionInfo
		e.InterruptionError = x.InterruptionError
		return vmx.Decode(e)
	default:
		return hv.ExitRecord{}, fmt.Errorf("vendor %q: %w", b.vendor, hv.ErrNotImplemented)
	}
}

// deliver hands core.Pending to the vendor injection path the way the
// processor would see it on entry.
func (b *Backend) deliver(core *hv.Core) {
	if core.Pending == nil {
		return
	}
	var (
		ev hv.Event
		ok bool
	)
	switch b.vendor {
	case hv.VendorAMD:
		ctl, isSVM := core.Vendor.(*svm.Control)
		if !isSVM {
			ctl = &svm.Control{}
			core.Vendor = ctl
		}
		svm.Inject(ctl, core)
		ev, ok = svm.DecodeEvent(ctl.EventInj)
	case hv.VendorIntel:
		e, isVMX := core.Vendor.(*vmx.Exit)
		if !isVMX {
			e = &vmx.Exit{}
			core.Vendor = e
		}
		vmx.Inject(e, core, uint32(b.lastLen[core.ID]))
		ev, ok = vmx.DecodeEvent(e.EntryInterruptionInfo, e.EntryExceptionError)
	}
	if !ok {
		return
	}
	if ev.Kind == hv.EventExternalInterrupt {
		core.Halted = false
	}
	b.delivered[core.ID] = append(b.delivered[core.ID], ev)
	b.log.Debug("trace: delivered event", "core", core.ID, "event", ev.String())
}

func (b *Backend) check(core *hv.Core, exp *Expect) {
	fail := func(format string, args ...any) {
		msg := fmt.Sprintf("core %d: ", core.ID) + fmt.Sprintf(format, args...)
		b.mismatches = append(b.mismatches, msg)
		b.log.Warn("trace: expectation failed", "core", core.ID, "detail", msg)
	}

	names := make([]string, 0, len(exp.Regs))
	for name := range exp.Regs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		reg, err := hv.ParseRegister(name)
		if err != nil {
			fail("%v", err)
			continue
		}
		got, err := core.GetRegister(reg)
		if err != nil {
			fail("%v", err)
			continue
		}
		if want := exp.Regs[name]; got != want {
			fail("%s = 0x%x, want 0x%x", name, got, want)
		}
	}
	if exp.Event != "" {
		if got := EventName(core.Pending); got != exp.Event {
			fail("pending event %s, want %s", got, exp.Event)
		}
	}
	if exp.Halted != nil && core.Halted != *exp.Halted {
		fail("halted = %v, want %v", core.Halted, *exp.Halted)
	}
}

// EventName renders a pending event the way traces spell it: "none", an
// exception mnemonic such as "#GP", "int 0x80", "irq 0x20" or "nmi".
func EventName(ev *hv.Event) string {
	if ev == nil {
		return "none"
	}
	switch ev.Kind {
	case hv.EventException:
		return fault.VectorName(ev.Vector)
	case hv.EventSoftwareInterrupt:
		return fmt.Sprintf("int 0x%x", ev.Vector)
	case hv.EventNMI:
		return "nmi"
	default:
		return fmt.Sprintf("irq 0x%x", ev.Vector)
	}
}

// Delivered returns the events presented to core so far.
func (b *Backend) Delivered(core int) []hv.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]hv.Event(nil), b.delivered[core]...)
}

// Mismatches returns every failed expectation.
func (b *Backend) Mismatches() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.mismatches...)
}

// Progress reports how many steps have been replayed.
func (b *Backend) Progress() (done, total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.total
}

var _ hv.Backend = (*Backend)(nil)

package vmexit

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/platform"
)

// pauseLength is the length of F3 90.
const pauseLength = 2

func (d *Dispatcher) handleHLT(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if ok, err := d.requireCPL0(core); !ok {
		return err
	}
	core.Halted = true
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

// handlePause only exists to let other cores run; it is legal at any
// privilege level.
func (d *Dispatcher) handlePause(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	ctx.Core().AdvanceRIP(pauseLength)
	return nil
}

// MONITOR/MWAIT are hidden from CPUID, so a guest using them anyway gets
// the fault a processor without them would raise.
func (d *Dispatcher) handleMonitorMwait(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	return d.inj.RaiseUD(ctx.Core())
}

func (d *Dispatcher) handleWbinvd(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if ok, err := d.requireCPL0(core); !ok {
		return err
	}
	if err := d.plat.FlushCache(); err != nil {
		return fmt.Errorf("vmexit: core %d: wbinvd: %w", core.ID, err)
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

func (d *Dispatcher) handleInvlpg(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if ok, err := d.requireCPL0(core); !ok {
		return err
	}
	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}
	if err := pager.HandleInvlpg(rec.Address); err != nil {
		return fmt.Errorf("vmexit: core %d: invlpg 0x%x: %w", core.ID, rec.Address, err)
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

// handleSoftwareInterrupt re-queues INTn for delivery. RIP moves past the
// instruction first since that is the return address the guest's handler
// expects.
func (d *Dispatcher) handleSoftwareInterrupt(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if err := d.inj.RaiseSoftwareInterrupt(core, rec.Vector); err != nil {
		return err
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

// handleCPUID answers from the host processor with the features the VMM
// cannot virtualize masked out.
func (d *Dispatcher) handleCPUID(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	leaf, sub := uint32(core.Regs.Rax), uint32(core.Regs.Rcx)
	r, err := d.plat.CPUID(leaf, sub)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: cpuid 0x%x: %w", core.ID, leaf, err)
	}
	switch leaf {
	case platform.CPUIDLeafFeatures:
		r.ECX &^= platform.FeatureMonitor | platform.FeatureVMX
	case platform.CPUIDLeafExtFeatures:
		r.ECX &^= platform.FeatureSVM
	}
	core.Regs.Rax = uint64(r.EAX)
	core.Regs.Rbx = uint64(r.EBX)
	core.Regs.Rcx = uint64(r.ECX)
	core.Regs.Rdx = uint64(r.EDX)
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

func (d *Dispatcher) handleShutdown(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	return fmt.Errorf("vmexit: core %d: guest shutdown: %w", ctx.Core().ID, hv.ErrTripleFault)
}

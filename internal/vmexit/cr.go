package vmexit

import (
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
)

const (
	cr3ReservedLong = 0xfff0_0000_0000_0000
	cr4Unsupported  = hv.CR4VMXE
)

func (d *Dispatcher) handleCRRead(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if ok, err := d.requireCPL0(core); !ok {
		return err
	}
	if rec.CR.Type != hv.CRMovFrom {
		return fmt.Errorf("vmexit: core %d: %s on a CR read exit", core.ID, rec.CR.Type)
	}

	var v uint64
	switch rec.CR.Number {
	case 0:
		v = core.Ctrl.Cr0
	case 2:
		v = core.Ctrl.Cr2
	case 3:
		// the guest sees the CR3 it loaded, never the shadow root
		v = core.Ctrl.Cr3
	case 4:
		v = core.Ctrl.Cr4
	case 8:
		v = core.Ctrl.Cr8
	default:
		return d.inj.RaiseUD(core)
	}
	if core.Mode != hv.ModeLongPaged {
		v &= 0xffffffff
	}
	if err := core.SetRegister(rec.CR.GPR, v); err != nil {
		return fmt.Errorf("vmexit: core %d: %w", core.ID, err)
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

func (d *Dispatcher) handleCRWrite(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	if ok, err := d.requireCPL0(core); !ok {
		return err
	}

	cr0 := core.Ctrl.Cr0
	switch rec.CR.Type {
	case hv.CRClts:
		return d.finishCRWrite(core, rec, d.writeCR0(core, cr0&^hv.CR0TS))
	case hv.CRLmsw:
		// LMSW loads PE, MP, EM and TS but cannot clear PE
		src := uint64(rec.CR.LmswSource) & 0xf
		return d.finishCRWrite(core, rec, d.writeCR0(core, cr0&^0xe|src))
	case hv.CRMovTo:
	default:
		return fmt.Errorf("vmexit: core %d: %s on a CR write exit", core.ID, rec.CR.Type)
	}

	v, err := core.GetRegister(rec.CR.GPR)
	if err != nil {
		return fmt.Errorf("vmexit: core %d: %w", core.ID, err)
	}
	if core.Mode != hv.ModeLongPaged {
		v &= 0xffffffff
	}

	switch rec.CR.Number {
	case 0:
		return d.finishCRWrite(core, rec, d.writeCR0(core, v))
	case 3:
		return d.finishCRWrite(core, rec, d.writeCR3(core, v))
	case 4:
		return d.finishCRWrite(core, rec, d.writeCR4(core, v))
	case 8:
		if v&^0xf != 0 {
			return d.inj.RaiseGP(core, 0)
		}
		core.Ctrl.Cr8 = v
		core.AdvanceRIP(rec.InstructionLength)
		return nil
	default:
		return d.inj.RaiseUD(core)
	}
}

// finishCRWrite advances past the instruction. A write that raised #GP
// has its advance undone by Dispatch.
func (d *Dispatcher) finishCRWrite(core *hv.Core, rec *hv.ExitRecord, err error) error {
	if err != nil {
		return err
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

func (d *Dispatcher) writeCR0(core *hv.Core, v uint64) error {
	switch {
	case v>>32 != 0,
		v&hv.CR0PG != 0 && v&hv.CR0PE == 0,
		v&hv.CR0NW != 0 && v&hv.CR0CD == 0,
		v&hv.CR0PG != 0 && core.Ctrl.Efer&hv.EFERLME != 0 && core.Ctrl.Cr4&hv.CR4PAE == 0:
		return d.inj.RaiseGP(core, 0)
	}
	v |= hv.CR0ET
	if err := core.SetRegister(hv.RegisterAMD64Cr0, v); err != nil {
		return err
	}
	return d.activate(core)
}

func (d *Dispatcher) writeCR3(core *hv.Core, v uint64) error {
	if core.Ctrl.Efer&hv.EFERLMA != 0 && v&cr3ReservedLong != 0 {
		return d.inj.RaiseGP(core, 0)
	}
	core.Ctrl.Cr3 = v
	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}
	if err := pager.Reload(); err != nil {
		return fmt.Errorf("vmexit: core %d: cr3 reload: %w", core.ID, err)
	}
	return nil
}

func (d *Dispatcher) writeCR4(core *hv.Core, v uint64) error {
	if v&cr4Unsupported != 0 {
		return d.inj.RaiseGP(core, 0)
	}
	if core.Ctrl.Efer&hv.EFERLMA != 0 && v&hv.CR4PAE == 0 {
		return d.inj.RaiseGP(core, 0)
	}
	if err := core.SetRegister(hv.RegisterAMD64Cr4, v); err != nil {
		return err
	}
	return d.activate(core)
}

func (d *Dispatcher) activate(core *hv.Core) error {
	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}
	rebuilt, err := pager.Activate()
	if err != nil {
		return fmt.Errorf("vmexit: core %d: paging switch: %w", core.ID, err)
	}
	if rebuilt {
		d.log.Debug("vmexit: shadow tables rebuilt", "core", core.ID, "mode", core.Mode)
	}
	return nil
}

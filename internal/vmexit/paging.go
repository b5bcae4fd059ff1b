package vmexit

import (
	"errors"
	"fmt"

	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/shadow"
)

func (d *Dispatcher) handlePageFault(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}
	res, err := pager.HandlePageFault(rec.Address, rec.ErrorCode)
	return d.afterFault(ctx, rec, res, err)
}

func (d *Dispatcher) handleNestedFault(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}
	res, err := pager.HandleNestedFault(rec.Address, rec.ErrorCode)
	return d.afterFault(ctx, rec, res, err)
}

// afterFault routes accesses to unbacked guest-physical memory to device
// models; any other paging error stops the core.
func (d *Dispatcher) afterFault(ctx hv.ExitContext, rec *hv.ExitRecord, res shadow.FaultResult, err error) error {
	core := ctx.Core()
	if err == nil {
		if d.observer != nil {
			d.observer.ObserveShadowFault(core.ID, res)
		}
		return nil
	}
	var ue *shadow.UnbackedError
	if errors.As(err, &ue) && d.registry.MMIOHooked(ue.GPA) {
		return d.emulateMMIO(ctx, rec, ue.GPA)
	}
	return fmt.Errorf("vmexit: core %d: %s at 0x%x: %w", core.ID, rec.Reason, rec.Address, err)
}

// emulateMMIO completes a device-memory access. The exit carries only the
// address, so the access itself must come from the backend's instruction
// decode.
func (d *Dispatcher) emulateMMIO(ctx hv.ExitContext, rec *hv.ExitRecord, gpa uint64) error {
	core := ctx.Core()
	m := rec.MMIO
	if !m.Valid {
		return fmt.Errorf("vmexit: core %d: MMIO access at 0x%x needs instruction decode: %w", core.ID, gpa, hv.ErrNotImplemented)
	}
	switch m.Size {
	case 1, 2, 4, 8:
	default:
		return fmt.Errorf("vmexit: core %d: MMIO access of %d bytes", core.ID, m.Size)
	}

	data := make([]byte, m.Size)
	if m.Write {
		v, err := core.GetRegister(m.GPR)
		if err != nil {
			return fmt.Errorf("vmexit: core %d: %w", core.ID, err)
		}
		for i := range data {
			data[i] = byte(v >> (8 * i))
		}
		if err := d.registry.HandleMMIO(ctx, gpa, data, true); err != nil {
			return fmt.Errorf("vmexit: core %d: MMIO write 0x%x: %w", core.ID, gpa, err)
		}
	} else {
		if err := d.registry.HandleMMIO(ctx, gpa, data, false); err != nil {
			return fmt.Errorf("vmexit: core %d: MMIO read 0x%x: %w", core.ID, gpa, err)
		}
		var v uint64
		for i := len(data) - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		old, err := core.GetRegister(m.GPR)
		if err != nil {
			return fmt.Errorf("vmexit: core %d: %w", core.ID, err)
		}
		if err := core.SetRegister(m.GPR, mergeAccumulator(old, v, m.Size)); err != nil {
			return fmt.Errorf("vmexit: core %d: %w", core.ID, err)
		}
	}
	core.AdvanceRIP(m.Length)
	return nil
}

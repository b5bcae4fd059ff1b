package vmexit

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/shadow"
)

func (d *Dispatcher) handleIO(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	switch rec.IO.Size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("vmexit: I/O port 0x%04x: invalid operand size %d", rec.IO.Port, rec.IO.Size)
	}
	if rec.IO.String {
		return d.handleStringIO(ctx, rec)
	}

	core := ctx.Core()
	data := make([]byte, rec.IO.Size)
	if rec.IO.In {
		if err := d.portIO(ctx, rec.IO.Port, data, false); err != nil {
			return err
		}
		var v uint64
		for i := len(data) - 1; i >= 0; i-- {
			v = v<<8 | uint64(data[i])
		}
		core.Regs.Rax = mergeAccumulator(core.Regs.Rax, v, rec.IO.Size)
	} else {
		v := core.Regs.Rax
		for i := range data {
			data[i] = byte(v >> (8 * i))
		}
		if err := d.portIO(ctx, rec.IO.Port, data, true); err != nil {
			return err
		}
	}
	core.AdvanceRIP(rec.InstructionLength)
	return nil
}

// mergeAccumulator writes v into AL, AX or EAX. 32-bit writes clear the
// upper half of RAX like any other 32-bit register write.
func mergeAccumulator(rax, v uint64, size int) uint64 {
	switch size {
	case 1:
		return rax&^0xff | v&0xff
	case 2:
		return rax&^0xffff | v&0xffff
	case 4:
		return v & 0xffffffff
	default:
		return v
	}
}

// portIO forwards to the device registry. Unclaimed ports behave like an
// empty bus: writes vanish and reads return all ones.
func (d *Dispatcher) portIO(ctx hv.ExitContext, port uint16, data []byte, write bool) error {
	err := d.registry.HandlePIO(ctx, port, data, write)
	if errors.Is(err, chipset.ErrNoHandler) {
		if !write {
			for i := range data {
				data[i] = 0xff
			}
		}
		d.log.Debug("vmexit: unclaimed I/O port", "core", ctx.Core().ID, "port", fmt.Sprintf("%#04x", port), "write", write)
		return nil
	}
	if err != nil {
		return fmt.Errorf("vmexit: I/O port 0x%04x: %w", port, err)
	}
	return nil
}

func addressMask(size int) uint64 {
	switch size {
	case 2:
		return 0xffff
	case 4:
		return 0xffffffff
	default:
		return ^uint64(0)
	}
}

// setMasked updates the part of *reg selected by the address size. 32-bit
// updates zero the upper half, 16-bit updates preserve it.
func setMasked(reg *uint64, v uint64, size int) {
	switch size {
	case 2:
		*reg = *reg&^0xffff | v&0xffff
	case 4:
		*reg = v & 0xffffffff
	default:
		*reg = v
	}
}

// linear forms the linear address of a string operand. Segment bases other
// than FS and GS are ignored in 64-bit mode.
func linear(seg hv.Segment, reg hv.SegmentRegister, offset uint64, size int) uint64 {
	if size == 8 {
		if reg == hv.SegFS || reg == hv.SegGS {
			return seg.Base + offset
		}
		return offset
	}
	return (seg.Base + offset) & 0xffffffff
}

// handleStringIO services INS/OUTS with or without REP. At most budget
// elements move per exit; RCX, RSI and RDI always reflect the elements
// already transferred, so an unfinished REP resumes where it stopped when
// the guest re-executes it.
func (d *Dispatcher) handleStringIO(ctx hv.ExitContext, rec *hv.ExitRecord) error {
	core := ctx.Core()
	io := rec.IO

	asize := io.AddressSize
	if asize == 0 {
		asize = core.AddressSize()
	}
	mask := addressMask(asize)

	count := uint64(1)
	if io.Rep {
		count = core.Regs.Rcx & mask
		if count == 0 {
			core.AdvanceRIP(rec.InstructionLength)
			return nil
		}
	}

	pager, err := d.pagerFor(core)
	if err != nil {
		return err
	}

	index, segReg := &core.Regs.Rsi, io.Segment
	if segReg == hv.SegDefault {
		segReg = hv.SegDS
	}
	if io.In {
		index, segReg = &core.Regs.Rdi, hv.SegES
	}
	seg := core.Segs.Get(segReg, core.Segs.DS)
	step := uint64(io.Size)
	if core.Regs.Rflags&hv.FlagDF != 0 {
		step = -step
	}
	acc := shadow.Access{Write: io.In, User: core.CPL == 3}
	buf := make([]byte, io.Size)

	var done uint64
	for done < count && done < uint64(d.budget) {
		if ctx.Err() != nil {
			break
		}
		gva := linear(seg, segReg, *index&mask, asize)

		// translate before touching the port so a faulting element has
		// no device side effects
		pieces, gf, err := d.resolve(pager, gva, len(buf), acc)
		if err != nil {
			return err
		}
		if gf != nil {
			return pager.Reflect(gf)
		}

		if io.In {
			if err := d.portIO(ctx, io.Port, buf, false); err != nil {
				return err
			}
			if err := d.copyPieces(pieces, buf, true); err != nil {
				return err
			}
		} else {
			if err := d.copyPieces(pieces, buf, false); err != nil {
				return err
			}
			if err := d.portIO(ctx, io.Port, buf, true); err != nil {
				return err
			}
		}

		setMasked(index, *index+step, asize)
		if io.Rep {
			setMasked(&core.Regs.Rcx, (core.Regs.Rcx&mask)-1, asize)
		}
		done++
	}

	if done == count {
		core.AdvanceRIP(rec.InstructionLength)
		return nil
	}
	d.log.Debug("vmexit: partial string I/O", "core", core.ID, "port", fmt.Sprintf("%#04x", io.Port),
		"done", done, "remaining", core.Regs.Rcx&mask)
	return nil
}

type piece struct {
	hpa uint64
	n   int
}

// resolve translates an n-byte guest-linear access, split at page
// boundaries.
func (d *Dispatcher) resolve(pager *shadow.Manager, gva uint64, n int, acc shadow.Access) ([]piece, *shadow.GuestFault, error) {
	var pieces []piece
	for n > 0 {
		chunk := int(hostarch.PageSize - gva%hostarch.PageSize)
		if chunk > n {
			chunk = n
		}
		hpa, err := pager.Translate(gva, acc)
		if err != nil {
			var gf *shadow.GuestFault
			if errors.As(err, &gf) {
				return nil, gf, nil
			}
			return nil, nil, fmt.Errorf("vmexit: string I/O at 0x%x: %w", gva, err)
		}
		pieces = append(pieces, piece{hpa: hpa, n: chunk})
		gva += uint64(chunk)
		n -= chunk
	}
	return pieces, nil, nil
}

func (d *Dispatcher) copyPieces(pieces []piece, buf []byte, toGuest bool) error {
	off := 0
	for _, p := range pieces {
		var err error
		if toGuest {
			_, err = d.mem.WriteAt(buf[off:off+p.n], int64(p.hpa))
		} else {
			_, err = d.mem.ReadAt(buf[off:off+p.n], int64(p.hpa))
		}
		if err != nil {
			return fmt.Errorf("vmexit: %w", err)
		}
		off += p.n
	}
	return nil
}

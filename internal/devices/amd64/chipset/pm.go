package chipset

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	pmDefaultBase = 0x400

	pm1aEvtOffset = 0
	pm1aEvtSize   = 4
	pm1aCntOffset = 4
	pm1aCntSize   = 2
	pmTmrOffset   = 8
	pmTmrSize     = 4

	pmBlockSize = pmTmrOffset + pmTmrSize

	pmTimerHz = 3579545

	pm1CntSlpTypShift = 10
	pm1CntSlpTypMask  = 0x7 << pm1CntSlpTypShift
	pm1CntSlpEn       = 1 << 13

	// sleep type the firmware tables advertise for S5
	pmS5SleepType = 5
)

// PM is a minimal ACPI power management block: PM1a event and control
// registers and the PM timer. Entering S5 powers the machine off.
type PM struct {
	portDevice

	mu   sync.Mutex
	base uint16

	pm1aStatus uint16
	pm1aEnable uint16
	pm1aCnt    uint16

	now   func() time.Time
	start time.Time
}

// NewPM serves the block at base, or 0x400 when base is zero.
func NewPM(base uint16) *PM {
	if base == 0 {
		base = pmDefaultBase
	}
	p := &PM{base: base, now: time.Now}
	p.start = p.now()
	return p
}

func (p *PM) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pm1aStatus, p.pm1aEnable, p.pm1aCnt = 0, 0, 0
	p.start = p.now()
	return nil
}

func (p *PM) SupportsPortIO() *chipset.PortIOIntercept {
	return portRange(p.base, pmBlockSize, p)
}

// timer returns the free-running 24-bit PM timer.
func (p *PM) timer() uint32 {
	elapsed := p.now().Sub(p.start)
	ticks := uint64(elapsed.Nanoseconds()) * pmTimerHz / uint64(time.Second)
	return uint32(ticks) & 0xffffff
}

func (p *PM) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := port - p.base
	switch {
	case off < pm1aEvtOffset+pm1aEvtSize:
		var buf [4]byte
		binary.LittleEndian.PutUint16(buf[0:], p.pm1aStatus)
		binary.LittleEndian.PutUint16(buf[2:], p.pm1aEnable)
		return readRegister(buf[:], off-pm1aEvtOffset, data)
	case off < pm1aCntOffset+pm1aCntSize:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], p.pm1aCnt)
		return readRegister(buf[:], off-pm1aCntOffset, data)
	case off >= pmTmrOffset && off < pmTmrOffset+pmTmrSize:
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], p.timer())
		return readRegister(buf[:], off-pmTmrOffset, data)
	}
	for i := range data {
		data[i] = 0xff
	}
	return nil
}

func (p *PM) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	off := port - p.base
	switch {
	case off < pm1aEvtOffset+pm1aEvtSize:
		// status bits are write-one-to-clear, so untouched status bytes
		// stay zero here
		var buf [4]byte
		binary.LittleEndian.PutUint16(buf[2:], p.pm1aEnable)
		if err := writeRegister(buf[:], off-pm1aEvtOffset, data); err != nil {
			return err
		}
		p.pm1aStatus &^= binary.LittleEndian.Uint16(buf[0:])
		p.pm1aEnable = binary.LittleEndian.Uint16(buf[2:])
	case off < pm1aCntOffset+pm1aCntSize:
		var buf [2]byte
		binary.LittleEndian.PutUint16(buf[:], p.pm1aCnt)
		if err := writeRegister(buf[:], off-pm1aCntOffset, data); err != nil {
			return err
		}
		cnt := binary.LittleEndian.Uint16(buf[:])
		p.pm1aCnt = cnt &^ pm1CntSlpEn
		if cnt&pm1CntSlpEn != 0 && (cnt&pm1CntSlpTypMask)>>pm1CntSlpTypShift == pmS5SleepType {
			return hv.ErrVMHalted
		}
	}
	// the PM timer is read-only
	return nil
}

func readRegister(reg []byte, off uint16, data []byte) error {
	if int(off)+len(data) > len(reg) {
		return fmt.Errorf("pm: %d-byte read at offset %d crosses a register", len(data), off)
	}
	copy(data, reg[off:])
	return nil
}

func writeRegister(reg []byte, off uint16, data []byte) error {
	if int(off)+len(data) > len(reg) {
		return fmt.Errorf("pm: %d-byte write at offset %d crosses a register", len(data), off)
	}
	copy(reg[off:], data)
	return nil
}

var (
	_ chipset.Device        = (*PM)(nil)
	_ chipset.PortIOHandler = (*PM)(nil)
)

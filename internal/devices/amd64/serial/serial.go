// Package serial models a 16550A UART on the legacy I/O port bus.
package serial

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/queue"
)

const (
	registerCount = 8

	lcrDLAB = 1 << 7

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6
	lsrErrors    = 0x1e

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3 // gates the interrupt output
	mcrLoop = 1 << 4

	// low nibble holds change flags, high nibble the line status
	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7

	ierRX   = 1 << 0
	ierTHRE = 1 << 1
	ierLine = 1 << 2
	ierMSR  = 1 << 3

	iirNone = 0x01
	iirMSR  = 0x00
	iirTHRE = 0x02
	iirRX   = 0x04
	iirLine = 0x06

	fcrEnable  = 1 << 0
	fcrClearRX = 1 << 1
	fcrClearTX = 1 << 2

	fifoSize = 16

	// pendingSize holds host input not yet accepted into the RX FIFO.
	pendingSize = 4096
)

// Well-known COM port bases and lines.
const (
	COM1Port = 0x3f8
	COM1IRQ  = 4
	COM2Port = 0x2f8
	COM2IRQ  = 3
)

type Stats struct {
	TxBytes uint64
	RxBytes uint64
	Overrun uint64
}

// UART is a 16550A with 16-byte FIFOs.
type UART struct {
	mu sync.Mutex

	base uint16
	line uint8
	irq  chipset.LineInterrupt
	out  io.Writer
	in   io.Reader

	dll, dlm  byte
	ier       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte
	iir       byte

	rx      *queue.RingBuffer
	tx      *queue.RingBuffer
	pending *queue.RingBuffer

	fifoEnabled bool
	trigger     int

	// rxTimeout stands in for the character timeout: set by a poll that
	// finds data below the trigger level, cleared when the guest reads.
	rxTimeout bool

	// rxHold is the single receive register used with FIFOs disabled.
	rxHold byte

	stats Stats
}

// New returns a UART at base driving line. out receives transmitted bytes
// and in, if not nil, is read for host input once the device starts.
func New(base uint16, line uint8, out io.Writer, in io.Reader) *UART {
	// capacities are constant and positive
	rx, _ := queue.NewRingBuffer(fifoSize)
	tx, _ := queue.NewRingBuffer(fifoSize)
	pending, _ := queue.NewRingBuffer(pendingSize)
	u := &UART{
		base:    base,
		line:    line,
		irq:     chipset.LineInterruptDetached(),
		out:     out,
		in:      in,
		rx:      rx,
		tx:      tx,
		pending: pending,
	}
	u.resetLocked()
	return u
}

// Constructor builds UARTs for the device catalog. Ports and lines default
// to COM1.
func Constructor(out io.Writer, in io.Reader) chipset.Constructor {
	return func(cfg hv.DeviceConfig) (chipset.Device, error) {
		port, line := cfg.Port, cfg.IRQLine
		if port == 0 {
			port = COM1Port
		}
		if line == 0 {
			line = COM1IRQ
		}
		if int(port)+registerCount > 0x10000 {
			return nil, fmt.Errorf("serial: port 0x%x leaves no room for %d registers", port, registerCount)
		}
		return New(port, line, out, in), nil
	}
}

func (u *UART) resetLocked() {
	u.dll, u.dlm = 0, 0
	u.ier, u.lcr, u.mcr, u.scr = 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msrStatus = msrCTS | msrDSR | msrDCD
	u.msrDelta = 0
	u.iir = iirNone
	u.rx.Reset()
	u.tx.Reset()
	u.fifoEnabled = false
	u.trigger = 1
	u.rxTimeout = false
	u.rxHold = 0
}

// Init implements hv.Device.
func (u *UART) Init(vm hv.Machine) error { return nil }

// Start begins reading host input.
func (u *UART) Start() error {
	if u.in == nil {
		return nil
	}
	go u.readInput(u.in)
	return nil
}

func (u *UART) readInput(r io.Reader) {
	buf := make([]byte, 256)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			u.Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (u *UART) Stop() error { return nil }

func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	u.updateInterruptsLocked()
	return nil
}

func (u *UART) Deinit() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.irq.SetLevel(false)
	u.irq = chipset.LineInterruptDetached()
	return nil
}

func (u *UART) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, registerCount)
	for i := range ports {
		ports[i] = u.base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: u}
}

func (u *UART) SupportsMmio() *chipset.MmioIntercept { return nil }

func (u *UART) SupportsIRQ() *chipset.IRQIntercept {
	return &chipset.IRQIntercept{
		Lines: []uint8{u.line},
		Wire: func(_ uint8, irq chipset.LineInterrupt) {
			u.mu.Lock()
			defer u.mu.Unlock()
			u.irq = irq
		},
	}
}

// Feed queues host input for the guest. Bytes that do not fit are
// dropped; it returns how many were accepted.
func (u *UART) Feed(p []byte) int {
	n := u.pending.Write(p)
	u.mu.Lock()
	u.fillRXLocked()
	u.mu.Unlock()
	return n
}

// Poll moves waiting host input into the receive FIFO and drains the
// transmit FIFO.
func (u *UART) Poll(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.fillRXLocked()
	if u.fifoEnabled && u.rx.Len() > 0 && !u.rxTimeout {
		u.rxTimeout = true
		u.updateInterruptsLocked()
	}
	if u.tx.Len() > 0 {
		u.drainTXLocked()
	}
	return nil
}

func (u *UART) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.readRegisterLocked(port)
	}
	return nil
}

func (u *UART) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, b := range data {
		u.writeRegisterLocked(port, b)
	}
	return nil
}

func (u *UART) writeRegisterLocked(port uint16, value byte) {
	switch port - u.base {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
		} else {
			u.transmitLocked(value)
		}
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
		} else {
			u.ier = value & 0x0f
			u.updateInterruptsLocked()
		}
	case 2:
		u.setFCRLocked(value)
	case 3:
		u.lcr = value
	case 4:
		u.setMCRLocked(value)
	case 7:
		u.scr = value
	}
	// LSR and MSR are read-only
}

func (u *UART) readRegisterLocked(port uint16) byte {
	switch port - u.base {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		return u.receiveLocked()
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.iir
		if u.fifoEnabled {
			iir |= 0xc0
		}
		if u.iir == iirTHRE {
			// reading IIR acknowledges a THRE interrupt
			u.iir = iirNone
			u.irq.SetLevel(false)
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		lsr := u.lsr
		u.lsr &^= lsrErrors
		u.updateInterruptsLocked()
		return lsr
	case 6:
		v := u.msrStatus | u.msrDelta
		u.msrDelta = 0
		u.updateInterruptsLocked()
		return v
	case 7:
		return u.scr
	}
	return 0xff
}

func (u *UART) rxReadyLocked() bool {
	if u.fifoEnabled {
		return u.rx.Len() >= u.trigger || u.rxTimeout && u.rx.Len() > 0
	}
	return u.lsr&lsrDataReady != 0
}

func (u *UART) updateInterruptsLocked() {
	iir := byte(iirNone)
	switch {
	case u.ier&ierLine != 0 && u.lsr&lsrErrors != 0:
		iir = iirLine
	case u.ier&ierRX != 0 && u.rxReadyLocked():
		iir = iirRX
	case u.ier&ierTHRE != 0 && u.lsr&lsrTHRE != 0:
		iir = iirTHRE
	case u.ier&ierMSR != 0 && u.msrDelta != 0:
		iir = iirMSR
	}
	u.iir = iir
	u.irq.SetLevel(iir != iirNone && u.mcr&mcrOUT2 != 0)
}

func (u *UART) transmitLocked(value byte) {
	if !u.fifoEnabled {
		u.emitLocked(value)
		u.lsr |= lsrTHRE | lsrTEMT
		u.updateInterruptsLocked()
		return
	}
	if u.tx.Free() == 0 {
		u.drainTXLocked()
	}
	_ = u.tx.WriteByte(value)
	u.lsr &^= lsrTEMT
	if u.tx.Free() == 0 {
		u.lsr &^= lsrTHRE
	}
	u.updateInterruptsLocked()
}

func (u *UART) drainTXLocked() {
	for {
		b, ok := u.tx.Pop()
		if !ok {
			break
		}
		u.emitLocked(b)
	}
	u.lsr |= lsrTHRE | lsrTEMT
	u.updateInterruptsLocked()
}

func (u *UART) emitLocked(value byte) {
	if u.mcr&mcrLoop != 0 {
		u.receiveByteLocked(value)
		return
	}
	u.stats.TxBytes++
	if u.out != nil {
		_, _ = u.out.Write([]byte{value})
	}
}

func (u *UART) fillRXLocked() {
	for u.mcr&mcrLoop == 0 && u.pending.Len() > 0 {
		if u.fifoEnabled && u.rx.Free() == 0 || !u.fifoEnabled && u.lsr&lsrDataReady != 0 {
			return
		}
		b, _ := u.pending.Pop()
		u.receiveByteLocked(b)
	}
}

func (u *UART) receiveByteLocked(value byte) {
	if u.fifoEnabled {
		if u.rx.WriteByte(value) != nil {
			u.lsr |= lsrOverrun
			u.stats.Overrun++
		} else {
			u.stats.RxBytes++
		}
		if u.rx.Len() > 0 {
			u.lsr |= lsrDataReady
		}
	} else {
		if u.lsr&lsrDataReady != 0 {
			u.lsr |= lsrOverrun
			u.stats.Overrun++
		} else {
			u.rxHold = value
			u.lsr |= lsrDataReady
			u.stats.RxBytes++
		}
	}
	u.updateInterruptsLocked()
}

func (u *UART) receiveLocked() byte {
	var value byte
	if u.fifoEnabled {
		value, _ = u.rx.Pop()
		u.rxTimeout = false
		if u.rx.Len() == 0 {
			u.lsr &^= lsrDataReady
		}
	} else {
		value = u.rxHold
		u.rxHold = 0
		u.lsr &^= lsrDataReady
	}
	u.fillRXLocked()
	u.updateInterruptsLocked()
	return value
}

func (u *UART) setFCRLocked(value byte) {
	if value&fcrClearRX != 0 {
		u.rx.Reset()
		u.lsr &^= lsrDataReady
	}
	if value&fcrClearTX != 0 {
		u.tx.Reset()
		u.lsr |= lsrTHRE | lsrTEMT
	}
	u.fifoEnabled = value&fcrEnable != 0
	u.trigger = [4]int{1, 4, 8, 14}[value>>6]
	u.updateInterruptsLocked()
}

func (u *UART) setMCRLocked(value byte) {
	prev := u.mcr
	u.mcr = value & 0x1f
	if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
		u.rx.Reset()
		u.lsr &^= lsrDataReady
	}

	status := byte(msrCTS | msrDSR | msrDCD)
	if u.mcr&mcrLoop != 0 {
		// in loopback the modem inputs follow the outputs
		status = 0
		if u.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if u.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		if u.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
		if u.mcr&mcrOUT2 != 0 {
			status |= msrDCD
		}
	}
	if changed := (status ^ u.msrStatus) >> 4; changed != 0 {
		u.msrDelta |= changed
	}
	u.msrStatus = status
	u.updateInterruptsLocked()
}

func (u *UART) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

var (
	_ chipset.Device        = (*UART)(nil)
	_ chipset.PortIOHandler = (*UART)(nil)
	_ chipset.Poller        = (*UART)(nil)
)

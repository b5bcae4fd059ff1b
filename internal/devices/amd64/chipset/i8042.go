package chipset

import (
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	i8042DataPort    = 0x60
	i8042CommandPort = 0x64

	i8042CmdReadCommandByte  = 0x20
	i8042CmdWriteCommandByte = 0x60
	i8042CmdControllerTest   = 0xaa
	i8042CmdTestFirstPort    = 0xab
	i8042CmdDisableFirstPort = 0xad
	i8042CmdEnableFirstPort  = 0xae
	i8042CmdReadOutputPort   = 0xd0
	i8042CmdWriteOutputPort  = 0xd1
	i8042CmdPulseBase        = 0xf0

	i8042StatusOutputFull = 1 << 0
	i8042StatusSystemFlag = 1 << 2
	i8042StatusKeyLock    = 1 << 4

	i8042CommandByteSystemFlag   = 1 << 2
	i8042CommandByteDisablePort1 = 1 << 4

	// output port: bit 0 is the CPU reset line (active low), bit 1 the A20 gate
	i8042OutputReset = 1 << 0
	i8042OutputA20   = 1 << 1

	i8042SelfTestOK = 0x55
	i8042PortOK     = 0x00
)

// I8042 is the keyboard controller with no keyboard behind it. Guests
// still use it to test the controller, gate A20 and reset the CPU.
type I8042 struct {
	portDevice

	mu sync.Mutex

	commandByte  byte
	outputPort   byte
	output       byte
	outputFull   bool
	pendingWrite byte // command awaiting a data byte, or 0
}

func NewI8042() *I8042 {
	c := &I8042{}
	c.resetLocked()
	return c
}

func (c *I8042) resetLocked() {
	c.commandByte = i8042CommandByteSystemFlag
	c.outputPort = i8042OutputReset | i8042OutputA20
	c.output, c.outputFull = 0, false
	c.pendingWrite = 0
}

func (c *I8042) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return nil
}

func (c *I8042) SupportsPortIO() *chipset.PortIOIntercept {
	return &chipset.PortIOIntercept{Ports: []uint16{i8042DataPort, i8042CommandPort}, Handler: c}
}

// A20 reports whether the A20 gate is open.
func (c *I8042) A20() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outputPort&i8042OutputA20 != 0
}

func (c *I8042) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range data {
		if port == i8042CommandPort {
			data[i] = c.statusLocked()
			continue
		}
		data[i] = c.output
		c.outputFull = false
	}
	return nil
}

func (c *I8042) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range data {
		var err error
		if port == i8042CommandPort {
			err = c.commandLocked(v)
		} else {
			err = c.dataLocked(v)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (c *I8042) commandLocked(cmd byte) error {
	switch {
	case cmd == i8042CmdReadCommandByte:
		c.queueLocked(c.commandByte)
	case cmd == i8042CmdWriteCommandByte, cmd == i8042CmdWriteOutputPort:
		c.pendingWrite = cmd
	case cmd == i8042CmdControllerTest:
		c.queueLocked(i8042SelfTestOK)
	case cmd == i8042CmdTestFirstPort:
		c.queueLocked(i8042PortOK)
	case cmd == i8042CmdDisableFirstPort:
		c.commandByte |= i8042CommandByteDisablePort1
	case cmd == i8042CmdEnableFirstPort:
		c.commandByte &^= i8042CommandByteDisablePort1
	case cmd == i8042CmdReadOutputPort:
		c.queueLocked(c.outputPort)
	case cmd >= i8042CmdPulseBase:
		// pulse the output lines whose bits are clear; 0xFE pulses reset
		if cmd&i8042OutputReset == 0 {
			return hv.ErrGuestRequestedReboot
		}
	}
	return nil
}

func (c *I8042) dataLocked(v byte) error {
	switch c.pendingWrite {
	case i8042CmdWriteCommandByte:
		c.commandByte = v
	case i8042CmdWriteOutputPort:
		c.outputPort = v
		if v&i8042OutputReset == 0 {
			c.pendingWrite = 0
			return hv.ErrGuestRequestedReboot
		}
	}
	// bytes meant for the absent keyboard are dropped
	c.pendingWrite = 0
	return nil
}

func (c *I8042) statusLocked() byte {
	status := byte(i8042StatusKeyLock)
	if c.outputFull {
		status |= i8042StatusOutputFull
	}
	status |= c.commandByte & i8042StatusSystemFlag
	return status
}

func (c *I8042) queueLocked(v byte) {
	c.output = v
	c.outputFull = true
}

var (
	_ chipset.Device        = (*I8042)(nil)
	_ chipset.PortIOHandler = (*I8042)(nil)
)

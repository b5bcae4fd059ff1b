package chipset

import (
	"context"

	"github.com/tinyrange/vmm/internal/hv"
)

// PortIOHandler handles reads and writes to individual I/O ports. The
// number of bytes transferred is len(data) when the handler returns nil.
type PortIOHandler interface {
	ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error
	WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error
}

// PortIOIntercept describes the ports a device wants to serve and the handler for them.
type PortIOIntercept struct {
	Ports   []uint16
	Handler PortIOHandler
}

// MMIORegion is a guest-physical range served by a device.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// MmioHandler handles reads and writes to memory-mapped regions.
type MmioHandler interface {
	ReadMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
	WriteMMIO(ctx hv.ExitContext, addr uint64, data []byte) error
}

// MmioIntercept describes the MMIO regions a device serves and the handler for them.
type MmioIntercept struct {
	Regions []MMIORegion
	Handler MmioHandler
}

// IRQIntercept lists the interrupt lines a device drives. Wire receives a
// LineInterrupt per line once the lines are claimed.
type IRQIntercept struct {
	Lines []uint8
	Wire  func(line uint8, irq LineInterrupt)
}

// LineInterrupt models an interrupt line that supports level and edge semantics.
type LineInterrupt interface {
	SetLevel(high bool)
	PulseInterrupt()
}

type noopLineInterrupt struct{}

func (noopLineInterrupt) SetLevel(bool)   {}
func (noopLineInterrupt) PulseInterrupt() {}

// LineInterruptDetached returns a LineInterrupt that drops all signals.
func LineInterruptDetached() LineInterrupt {
	return noopLineInterrupt{}
}

// LineInterruptFromFunc adapts a simple level function to LineInterrupt.
func LineInterruptFromFunc(fn func(bool)) LineInterrupt {
	return lineInterruptFunc(fn)
}

type lineInterruptFunc func(bool)

func (f lineInterruptFunc) SetLevel(level bool) {
	if f != nil {
		f(level)
	}
}

func (f lineInterruptFunc) PulseInterrupt() {
	if f != nil {
		f(true)
		f(false)
	}
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Device is the capability set every device model implements. A nil
// intercept means the device does not use that kind of resource.
type Device interface {
	hv.Device
	ChangeDeviceState

	Deinit() error

	SupportsPortIO() *PortIOIntercept
	SupportsMmio() *MmioIntercept
	SupportsIRQ() *IRQIntercept
}

// Poller is implemented by devices that need periodic service outside of
// guest exits.
type Poller interface {
	Poll(ctx context.Context) error
}

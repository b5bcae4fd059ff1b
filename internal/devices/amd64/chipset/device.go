// Package chipset holds the legacy PC ports a guest touches during boot:
// reset and power-off registers, the keyboard controller, the Bochs debug
// console, the POST code port and system control port B.
package chipset

import (
	"io"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

// portDevice supplies the lifecycle of a device that only serves I/O
// ports and keeps no state worth resetting.
type portDevice struct{}

func (portDevice) Init(vm hv.Machine) error             { return nil }
func (portDevice) Start() error                         { return nil }
func (portDevice) Stop() error                          { return nil }
func (portDevice) Deinit() error                        { return nil }
func (portDevice) SupportsMmio() *chipset.MmioIntercept { return nil }
func (portDevice) SupportsIRQ() *chipset.IRQIntercept   { return nil }

func portRange(base uint16, count int, handler chipset.PortIOHandler) *chipset.PortIOIntercept {
	ports := make([]uint16, count)
	for i := range ports {
		ports[i] = base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: handler}
}

// Register adds every device in this package to the catalog. Debug
// console output goes to out.
func Register(catalog *chipset.Catalog, out io.Writer) error {
	entries := []struct {
		typ  string
		ctor chipset.Constructor
	}{
		{"reset", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewResetControl(cfg.Port), nil
		}},
		{"pm", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewPM(cfg.Port), nil
		}},
		{"debugcon", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewDebugCon(cfg.Port, out), nil
		}},
		{"post", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewPOST(cfg.Port), nil
		}},
		{"port61", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewPort61(), nil
		}},
		{"i8042", func(cfg hv.DeviceConfig) (chipset.Device, error) {
			return NewI8042(), nil
		}},
	}
	for _, e := range entries {
		if err := catalog.Register(e.typ, e.ctor); err != nil {
			return err
		}
	}
	return nil
}

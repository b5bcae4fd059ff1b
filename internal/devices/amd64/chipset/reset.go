package chipset

import (
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	resetControlPort = 0xcf9

	resetSystem = 1 << 1
	resetCPU    = 1 << 2
	resetFull   = 1 << 3
)

// ResetControl is the PCI reset control register. Writing RST_CPU asks the
// host to reboot the machine.
type ResetControl struct {
	portDevice

	mu   sync.Mutex
	port uint16
	last byte
}

// NewResetControl serves the register at port, or 0xCF9 when port is zero.
func NewResetControl(port uint16) *ResetControl {
	if port == 0 {
		port = resetControlPort
	}
	return &ResetControl{port: port}
}

func (r *ResetControl) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = 0
	return nil
}

func (r *ResetControl) SupportsPortIO() *chipset.PortIOIntercept {
	return portRange(r.port, 1, r)
}

func (r *ResetControl) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range data {
		data[i] = r.last
	}
	return nil
}

func (r *ResetControl) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	v := data[0]

	r.mu.Lock()
	// RST_CPU is self-clearing
	r.last = v & (resetSystem | resetFull)
	r.mu.Unlock()

	if v&resetCPU != 0 {
		return hv.ErrGuestRequestedReboot
	}
	return nil
}

var (
	_ chipset.Device        = (*ResetControl)(nil)
	_ chipset.PortIOHandler = (*ResetControl)(nil)
)

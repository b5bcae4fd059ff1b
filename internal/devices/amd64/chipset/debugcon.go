package chipset

import (
	"io"
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

const debugConPort = 0xe9

// DebugCon is the Bochs debug console: every byte written to the port is
// copied to the host. Reading the port returns 0xE9 so guests can probe
// for it.
type DebugCon struct {
	portDevice

	mu      sync.Mutex
	port    uint16
	out     io.Writer
	written uint64
}

func NewDebugCon(port uint16, out io.Writer) *DebugCon {
	if port == 0 {
		port = debugConPort
	}
	if out == nil {
		out = io.Discard
	}
	return &DebugCon{port: port, out: out}
}

func (d *DebugCon) Reset() error { return nil }

func (d *DebugCon) SupportsPortIO() *chipset.PortIOIntercept {
	return portRange(d.port, 1, d)
}

// Written reports how many bytes the guest has sent.
func (d *DebugCon) Written() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.written
}

func (d *DebugCon) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	for i := range data {
		data[i] = debugConPort
	}
	return nil
}

func (d *DebugCon) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// wider writes carry one character in the low byte
	if _, err := d.out.Write(data[:1]); err != nil {
		return err
	}
	d.written++
	return nil
}

var (
	_ chipset.Device        = (*DebugCon)(nil)
	_ chipset.PortIOHandler = (*DebugCon)(nil)
)

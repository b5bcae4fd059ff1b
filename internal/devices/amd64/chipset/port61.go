package chipset

import (
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

const (
	systemControlPort = 0x61

	scGate     = 1 << 0
	scSpeaker  = 1 << 1
	scRefresh  = 1 << 4
	scTimerOut = 1 << 5
)

// Port61 is the system control port B. There is no PIT channel 2 behind
// it, so the timer output simply follows the gate. The refresh bit
// toggles on every read, which is what delay loops in firmware poll for.
type Port61 struct {
	portDevice

	mu      sync.Mutex
	gate    bool
	speaker bool
	refresh bool
}

func NewPort61() *Port61 { return &Port61{} }

func (p *Port61) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate, p.speaker, p.refresh = false, false, false
	return nil
}

func (p *Port61) SupportsPortIO() *chipset.PortIOIntercept {
	return portRange(systemControlPort, 1, p)
}

func (p *Port61) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var val byte
	if p.gate {
		val |= scGate | scTimerOut
	}
	if p.speaker {
		val |= scSpeaker
	}
	if p.refresh {
		val |= scRefresh
	}
	p.refresh = !p.refresh
	for i := range data {
		data[i] = val
	}
	return nil
}

func (p *Port61) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gate = data[0]&scGate != 0
	p.speaker = data[0]&scSpeaker != 0
	return nil
}

var (
	_ chipset.Device        = (*Port61)(nil)
	_ chipset.PortIOHandler = (*Port61)(nil)
)

package chipset

import (
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/queue"
)

const (
	postPort = 0x80

	postHistory = 64
)

// POST records the power-on self-test codes firmware writes to port 0x80.
// Guests also write the port as an I/O delay, so only a short history is
// kept.
type POST struct {
	portDevice

	mu      sync.Mutex
	port    uint16
	last    byte
	history *queue.RingBuffer
}

func NewPOST(port uint16) *POST {
	if port == 0 {
		port = postPort
	}
	history, _ := queue.NewRingBuffer(postHistory)
	return &POST{port: port, history: history}
}

func (p *POST) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 0
	p.history.Reset()
	return nil
}

func (p *POST) SupportsPortIO() *chipset.PortIOIntercept {
	return portRange(p.port, 1, p)
}

// Codes returns the retained codes, oldest first.
func (p *POST) Codes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	codes := make([]byte, p.history.Len())
	p.history.Peek(codes)
	return codes
}

func (p *POST) ReadIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
	return nil
}

func (p *POST) WriteIOPort(ctx hv.ExitContext, port uint16, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = data[0]
	if p.history.Free() == 0 {
		p.history.Pop()
	}
	p.history.WriteByte(p.last)
	return nil
}

var (
	_ chipset.Device        = (*POST)(nil)
	_ chipset.PortIOHandler = (*POST)(nil)
)

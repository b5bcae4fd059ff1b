package chipset

import "sync"

// InterruptSink receives interrupt assertions for a given line.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// InterruptSinkFunc adapts a function to InterruptSink.
type InterruptSinkFunc func(line uint8, level bool)

func (f InterruptSinkFunc) SetIRQ(line uint8, level bool) { f(line, level) }

// LineSet tracks the level of every interrupt line and forwards edges to
// the sink.
type LineSet struct {
	mu sync.Mutex

	sink  InterruptSink
	lines map[uint8]bool
}

// NewLineSet builds a LineSet that forwards assertions to the provided sink.
func NewLineSet(sink InterruptSink) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		lines: make(map[uint8]bool),
	}
}

// Handle returns a LineInterrupt for irq.
func (l *LineSet) Handle(irq uint8) LineInterrupt {
	return &lineHandle{owner: l, irq: irq}
}

// Level reports the current level of irq.
func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[irq]
}

// Release drops the state of irq, lowering it first if it is asserted.
func (l *LineSet) Release(irq uint8) {
	l.setLevel(irq, false)
	l.mu.Lock()
	delete(l.lines, irq)
	l.mu.Unlock()
}

type lineHandle struct {
	owner *LineSet
	irq   uint8
}

func (h *lineHandle) SetLevel(high bool) {
	h.owner.setLevel(h.irq, high)
}

func (h *lineHandle) PulseInterrupt() {
	h.owner.pulse(h.irq)
}

func (l *LineSet) setLevel(irq uint8, high bool) {
	l.mu.Lock()
	changed := l.lines[irq] != high
	l.lines[irq] = high
	l.mu.Unlock()

	if changed {
		l.sink.SetIRQ(irq, high)
	}
}

func (l *LineSet) pulse(irq uint8) {
	l.sink.SetIRQ(irq, true)
	l.sink.SetIRQ(irq, false)
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint8, bool) {}

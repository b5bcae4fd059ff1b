package serial

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/hv"
)

// testIRQLine captures interrupt line state changes
type testIRQLine struct {
	mu     sync.Mutex
	level  bool
	events []bool
}

func (t *testIRQLine) SetLevel(level bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = level
	t.events = append(t.events, level)
}

func (t *testIRQLine) PulseInterrupt() {
	t.SetLevel(true)
	t.SetLevel(false)
}

func (t *testIRQLine) getLevel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

var ctx = hv.NewExitContext(context.Background(), hv.NewCore(0, hv.ModeReal))

func newUART(t *testing.T) (*UART, *bytes.Buffer, *testIRQLine) {
	t.Helper()
	var out bytes.Buffer
	u := New(COM1Port, COM1IRQ, &out, nil)
	irq := &testIRQLine{}
	u.SupportsIRQ().Wire(COM1IRQ, irq)
	return u, &out, irq
}

func write(t *testing.T, u *UART, reg uint16, v byte) {
	t.Helper()
	if err := u.WriteIOPort(ctx, COM1Port+reg, []byte{v}); err != nil {
		t.Fatalf("write reg %d: %v", reg, err)
	}
}

func read(t *testing.T, u *UART, reg uint16) byte {
	t.Helper()
	data := []byte{0}
	if err := u.ReadIOPort(ctx, COM1Port+reg, data); err != nil {
		t.Fatalf("read reg %d: %v", reg, err)
	}
	return data[0]
}

func TestTransmitWithoutFIFO(t *testing.T) {
	u, out, _ := newUART(t)
	for _, c := range []byte("ok\r\n") {
		write(t, u, 0, c)
	}
	if out.String() != "ok\r\n" {
		t.Fatalf("output = %q", out.String())
	}
	if lsr := read(t, u, 5); lsr&(lsrTHRE|lsrTEMT) != lsrTHRE|lsrTEMT {
		t.Fatalf("lsr = 0x%x", lsr)
	}
	if u.Stats().TxBytes != 4 {
		t.Fatalf("stats = %+v", u.Stats())
	}
}

func TestTransmitFIFODrainsOnPoll(t *testing.T) {
	u, out, _ := newUART(t)
	write(t, u, 2, fcrEnable)
	for _, c := range []byte("queued") {
		write(t, u, 0, c)
	}
	if out.Len() != 0 {
		t.Fatalf("bytes left the FIFO before poll: %q", out.String())
	}
	if lsr := read(t, u, 5); lsr&lsrTEMT != 0 {
		t.Fatalf("TEMT set with a non-empty FIFO")
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if out.String() != "queued" {
		t.Fatalf("output = %q", out.String())
	}

	// a full FIFO flushes rather than dropping
	for i := 0; i < fifoSize+3; i++ {
		write(t, u, 0, 'x')
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if out.Len() != len("queued")+fifoSize+3 {
		t.Fatalf("output length = %d", out.Len())
	}
}

func TestDivisorLatch(t *testing.T) {
	u, out, _ := newUART(t)
	write(t, u, 3, lcrDLAB)
	write(t, u, 0, 0x01)
	write(t, u, 1, 0x02)
	if read(t, u, 0) != 0x01 || read(t, u, 1) != 0x02 {
		t.Fatalf("divisor latch not readable")
	}
	write(t, u, 3, 0x03)
	if read(t, u, 1) != 0 {
		t.Fatalf("IER changed through the divisor latch")
	}
	if out.Len() != 0 {
		t.Fatalf("divisor write was transmitted")
	}
}

func TestReceiveRaisesInterrupt(t *testing.T) {
	u, _, irq := newUART(t)
	write(t, u, 4, mcrOUT2)
	write(t, u, 1, ierRX)
	if irq.getLevel() {
		t.Fatalf("irq high with nothing received")
	}

	if n := u.Feed([]byte("ab")); n != 2 {
		t.Fatalf("Feed = %d", n)
	}
	if !irq.getLevel() {
		t.Fatalf("irq low after input")
	}
	if iir := read(t, u, 2); iir&0x0f != iirRX {
		t.Fatalf("iir = 0x%x", iir)
	}
	// without FIFOs the second byte waits for the first to be read
	if got := read(t, u, 0); got != 'a' {
		t.Fatalf("rx = %q", got)
	}
	if got := read(t, u, 0); got != 'b' {
		t.Fatalf("rx = %q", got)
	}
	if read(t, u, 5)&lsrDataReady != 0 || irq.getLevel() {
		t.Fatalf("data ready still set after draining")
	}
	if u.Stats().Overrun != 0 {
		t.Fatalf("overrun with pending input held back")
	}
}

func TestOUT2GatesInterrupt(t *testing.T) {
	u, _, irq := newUART(t)
	write(t, u, 1, ierTHRE)
	if irq.getLevel() {
		t.Fatalf("irq asserted with OUT2 clear")
	}
	write(t, u, 4, mcrOUT2)
	if !irq.getLevel() {
		t.Fatalf("THRE interrupt not asserted once OUT2 set")
	}
	if iir := read(t, u, 2); iir != iirTHRE {
		t.Fatalf("iir = 0x%x", iir)
	}
	if irq.getLevel() {
		t.Fatalf("reading IIR did not acknowledge THRE")
	}
}

func TestFIFOTriggerLevel(t *testing.T) {
	u, _, irq := newUART(t)
	write(t, u, 2, fcrEnable|0x40) // trigger at 4
	write(t, u, 4, mcrOUT2)
	write(t, u, 1, ierRX)

	u.Feed([]byte("abc"))
	if read(t, u, 5)&lsrDataReady == 0 {
		t.Fatalf("data ready clear with bytes in the FIFO")
	}
	if irq.getLevel() {
		t.Fatalf("interrupt below the trigger level")
	}
	u.Feed([]byte("d"))
	if !irq.getLevel() {
		t.Fatalf("no interrupt at the trigger level")
	}
	if iir := read(t, u, 2); iir&0xc0 != 0xc0 {
		t.Fatalf("iir = 0x%x, FIFO bits missing", iir)
	}

	// anything past the FIFO waits in the pending buffer
	u.Feed(bytes.Repeat([]byte{'z'}, fifoSize))
	if u.Stats().RxBytes != fifoSize {
		t.Fatalf("rx bytes = %d", u.Stats().RxBytes)
	}
	write(t, u, 2, fcrEnable|fcrClearRX)
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if got := u.Stats().RxBytes; got != fifoSize+4 {
		t.Fatalf("rx bytes after clear = %d", got)
	}
}

func TestCharacterTimeout(t *testing.T) {
	u, _, irq := newUART(t)
	write(t, u, 2, fcrEnable|0xc0) // trigger at 14
	write(t, u, 4, mcrOUT2)
	write(t, u, 1, ierRX)
	u.Feed([]byte("x"))
	if irq.getLevel() {
		t.Fatalf("interrupt before the timeout")
	}
	if err := u.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if !irq.getLevel() {
		t.Fatalf("no interrupt after the timeout")
	}
	if got := read(t, u, 0); got != 'x' || irq.getLevel() {
		t.Fatalf("rx = %q, irq = %v", got, irq.getLevel())
	}
}

func TestLoopback(t *testing.T) {
	u, out, _ := newUART(t)
	write(t, u, 4, mcrLoop|mcrDTR|mcrRTS)
	if msr := read(t, u, 6); msr&(msrDSR|msrCTS) != msrDSR|msrCTS || msr&msrDCD != 0 {
		t.Fatalf("msr in loopback = 0x%x", msr)
	}
	write(t, u, 0, 'L')
	if out.Len() != 0 {
		t.Fatalf("loopback byte reached the host")
	}
	if got := read(t, u, 0); got != 'L' {
		t.Fatalf("rx = %q", got)
	}
}

func TestRegistryAttach(t *testing.T) {
	var out bytes.Buffer
	dev, err := Constructor(&out, nil)(hv.DeviceConfig{Type: "serial", Name: "com1"})
	if err != nil {
		t.Fatalf("Constructor: %v", err)
	}
	var raised []uint8
	reg := chipset.NewRegistry(nil, chipset.InterruptSinkFunc(func(line uint8, level bool) {
		if level {
			raised = append(raised, line)
		}
	}))
	if err := reg.AttachDevice("com1", dev); err != nil {
		t.Fatalf("AttachDevice: %v", err)
	}
	if owner, ok := reg.PortOwner(COM1Port + 5); !ok || owner != "com1" {
		t.Fatalf("port owner = %q %v", owner, ok)
	}

	if err := reg.HandlePIO(ctx, COM1Port+4, []byte{mcrOUT2}, true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if err := reg.HandlePIO(ctx, COM1Port+1, []byte{ierTHRE}, true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if err := reg.HandlePIO(ctx, COM1Port, []byte{'!'}, true); err != nil {
		t.Fatalf("HandlePIO: %v", err)
	}
	if out.String() != "!" || len(raised) == 0 || raised[0] != COM1IRQ {
		t.Fatalf("out=%q raised=%v", out.String(), raised)
	}
}

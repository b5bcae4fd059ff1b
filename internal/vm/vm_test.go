package vm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/hostarch"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/config"
	legacy "github.com/tinyrange/vmm/internal/devices/amd64/chipset"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/trace"
	"github.com/tinyrange/vmm/internal/platform"
)

const testConfig = `
name: guest
vendor: svm
cores: %d
mode: real
host:
  base: 0
  size: 0x1000000
  poolBase: 0x800000
regions:
  - name: low
    gpa: 0
    hpa: 0x100000
    size: 0x100000
devices:
  - type: debugcon
  - type: reset
`

// syncBuffer is a bytes.Buffer safe for the device and the test to share.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newVM(t *testing.T, cores int, waitOnHalt bool) (*VM, *syncBuffer) {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, cores)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	out := &syncBuffer{}
	catalog := chipset.NewCatalog()
	if err := legacy.Register(catalog, out); err != nil {
		t.Fatalf("Register: %v", err)
	}
	v, err := New(cfg, Options{
		Platform:   platform.NewFake(hv.VendorAMD),
		Catalog:    catalog,
		WaitOnHalt: waitOnHalt,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := v.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return v, out
}

func newBackend(t *testing.T, v *VM, src string) *trace.Backend {
	t.Helper()
	tr, err := trace.Parse([]byte(src))
	if err != nil {
		t.Fatalf("trace: %v", err)
	}
	b, err := trace.NewBackend(tr, nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	b.AttachMemory(v)
	return b
}

func TestNewRequiresPlatform(t *testing.T) {
	cfg, err := config.Parse([]byte(fmt.Sprintf(testConfig, 1)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if _, err := New(cfg, Options{Catalog: chipset.NewCatalog()}); err == nil {
		t.Fatalf("New without a platform succeeded")
	}
	if _, err := New(cfg, Options{Platform: platform.NewFake(hv.VendorAMD)}); err == nil {
		t.Fatalf("New with devices but no catalog succeeded")
	}
}

func TestRunReplaysTrace(t *testing.T) {
	v, out := newVM(t, 1, false)
	if v.CoreCount() != 1 || v.Name() != "guest" {
		t.Fatalf("machine = %s/%d", v.Name(), v.CoreCount())
	}
	b := newBackend(t, v, `
vendor: svm
steps:
  - core: 0
    set: {rip: 0x1000, rax: 0x41}
    writes: [{gpa: 0x2000, data: "5a5a"}]
    svm: {exitCode: 0x7b, exitInfo1: 0x00e90010, exitInfo2: 0x1001}
    expect:
      regs: {rip: 0x1001}
  - core: 0
    svm: {exitCode: 0x78, exitInfo2: 0x1002}
    expect:
      halted: true
`)
	if err := v.Run(context.Background(), b); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.String() != "A" {
		t.Fatalf("debug console = %q", out.String())
	}
	if m := b.Mismatches(); len(m) != 0 {
		t.Fatalf("mismatches: %v", m)
	}
	if !v.CoreStopped(0) || v.CoreErr(0) != nil {
		t.Fatalf("core 0 stopped=%v err=%v", v.CoreStopped(0), v.CoreErr(0))
	}
	got := make([]byte, 2)
	if err := v.ReadGuest(0x2000, got); err != nil || got[0] != 0x5a {
		t.Fatalf("recorded store = %x (%v)", got, err)
	}
	if err := v.Run(context.Background(), idleBackend{hv.VendorIntel}); err == nil {
		t.Fatalf("Run accepted a VMX backend for an SVM config")
	}
}

// idleBackend halts every core on entry.
type idleBackend struct{ vendor hv.CpuVendor }

func (b idleBackend) Vendor() hv.CpuVendor { return b.vendor }

func (b idleBackend) Enter(ctx context.Context, core *hv.Core) (hv.ExitRecord, error) {
	return hv.ExitRecord{}, hv.ErrVMHalted
}

func TestRebootStopsEveryCore(t *testing.T) {
	v, _ := newVM(t, 2, true)
	// core 1 halts and parks; only the reset request can end the run
	b := newBackend(t, v, `
vendor: svm
steps:
  - core: 1
    set: {rip: 0x3000}
    svm: {exitCode: 0x78, exitInfo2: 0x3001}
  - core: 0
    set: {rip: 0x1000, rax: 0x06}
    svm: {exitCode: 0x7b, exitInfo1: 0x0cf90010, exitInfo2: 0x1001}
`)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := v.Run(ctx, b)
	if !errors.Is(err, hv.ErrGuestRequestedReboot) {
		t.Fatalf("Run = %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("machine did not stop on reboot: %v", err)
	}
	if !v.CoreStopped(0) {
		t.Fatalf("core 0 still marked running")
	}
}

func TestFatalExitStopsOnlyThatCore(t *testing.T) {
	v, _ := newVM(t, 2, false)
	b := newBackend(t, v, `
vendor: svm
steps:
  - core: 0
    svm: {exitCode: 0x7f}
  - core: 1
    set: {rip: 0x1000}
    svm: {exitCode: 0x78, exitInfo2: 0x1001}
`)
	err := v.Run(context.Background(), b)
	if err == nil || !strings.Contains(err.Error(), "shutdown") {
		t.Fatalf("Run = %v", err)
	}
	if v.CoreErr(0) == nil {
		t.Fatalf("core 0 recorded no error")
	}
	if v.CoreErr(1) != nil {
		t.Fatalf("core 1 = %v", v.CoreErr(1))
	}
	if done, total := b.Progress(); done != total {
		t.Fatalf("core 1 stopped early: %d/%d", done, total)
	}
}

func TestInterruptDelivery(t *testing.T) {
	v, _ := newVM(t, 1, false)
	cs := v.cores[0]
	core := v.Core(0)

	if err := v.Interrupt(0, 0x30); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if err := v.Interrupt(3, 0x30); err == nil {
		t.Fatalf("Interrupt to a missing core succeeded")
	}

	// IF clear holds the interrupt back
	v.deliverIRQ(cs)
	if core.Pending != nil {
		t.Fatalf("delivered with IF clear: %+v", core.Pending)
	}

	core.Regs.Rflags |= hv.FlagIF
	v.deliverIRQ(cs)
	if core.Pending == nil || core.Pending.Kind != hv.EventExternalInterrupt || core.Pending.Vector != 0x30 {
		t.Fatalf("pending = %+v", core.Pending)
	}

	// a device line goes through the same queue
	v.Registry().RaiseIRQ(4)
	v.deliverIRQ(cs)
	if core.Pending.Vector != 0x30 {
		t.Fatalf("second interrupt replaced the first")
	}
	core.Pending = nil
	v.deliverIRQ(cs)
	if core.Pending == nil || core.Pending.Vector != IRQBase+4 {
		t.Fatalf("pending = %+v", core.Pending)
	}
	if cs.irqs.Len() != 0 {
		t.Fatalf("%d interrupts left queued", cs.irqs.Len())
	}
}

func TestHotAddAndRemoveMemory(t *testing.T) {
	v, _ := newVM(t, 1, false)
	ctx := context.Background()
	hot := hv.MemoryRegion{
		Name:      "hot",
		GuestBase: 0x200000,
		HostBase:  0x300000,
		Size:      0x100000,
		Access:    hostarch.AnyAccess,
	}

	pool := hot
	pool.HostBase = 0x800000
	if err := v.HotAddMemory(ctx, pool); err == nil {
		t.Fatalf("region over the frame pool was accepted")
	}
	unaligned := hot
	unaligned.GuestBase++
	if err := v.HotAddMemory(ctx, unaligned); err == nil {
		t.Fatalf("unaligned region was accepted")
	}

	if err := v.HotAddMemory(ctx, hot); err != nil {
		t.Fatalf("HotAddMemory: %v", err)
	}
	if err := v.HotAddMemory(ctx, hot); err == nil {
		t.Fatalf("overlapping region was accepted")
	}

	// a write spanning both regions lands in both host ranges
	data := []byte{1, 2, 3, 4}
	if err := v.WriteGuest(0x1ffffe, data); err != nil {
		t.Fatalf("WriteGuest: %v", err)
	}
	host := make([]byte, 2)
	if _, err := v.HostMemory().ReadAt(host, 0x300000); err != nil || host[0] != 3 || host[1] != 4 {
		t.Fatalf("host bytes = %v (%v)", host, err)
	}
	got := make([]byte, 4)
	if err := v.ReadGuest(0x1ffffe, got); err != nil || !bytes.Equal(got, data) {
		t.Fatalf("ReadGuest = %v (%v)", got, err)
	}

	if err := v.RemoveMemory(ctx, hot.GuestBase); err != nil {
		t.Fatalf("RemoveMemory: %v", err)
	}
	if err := v.WriteGuest(hot.GuestBase, data); !errors.Is(err, hv.ErrUnbackedAddress) {
		t.Fatalf("write after removal = %v", err)
	}
	if err := v.RemoveMemory(ctx, hot.GuestBase); err == nil {
		t.Fatalf("second removal succeeded")
	}
}

func TestHotAddWhileHalted(t *testing.T) {
	v, _ := newVM(t, 1, true)
	b := newBackend(t, v, `
vendor: svm
steps:
  - core: 0
    set: {rip: 0x1000}
    svm: {exitCode: 0x78, exitInfo2: 0x1001}
`)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- v.Run(ctx, b) }()

	deadline := time.Now().Add(10 * time.Second)
	for {
		if n, _ := b.Progress(); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("core never reached HLT")
		}
		time.Sleep(time.Millisecond)
	}

	err := v.HotAddMemory(ctx, hv.MemoryRegion{
		Name:      "hot",
		GuestBase: 0x200000,
		HostBase:  0x300000,
		Size:      0x1000,
		Access:    hostarch.ReadWrite,
	})
	if err != nil {
		t.Fatalf("HotAddMemory: %v", err)
	}
	if v.CoreStopped(0) {
		t.Fatalf("core stopped while parked: %v", v.CoreErr(0))
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}
}

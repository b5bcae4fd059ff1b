package trace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tinyrange/vmm/internal/hv"
)

const svmTrace = `
vendor: svm
steps:
  - core: 0
    set: {rip: 0x1000, rax: 0x41}
    svm: {exitCode: 0x7b, exitInfo1: 0x00e90010, exitInfo2: 0x1001}
    expect:
      regs: {rip: 0x1001}
      event: none
  - core: 0
    svm: {exitCode: 0x78, nextRip: 0x1002}
  - core: 1
    cpl: 3
    set: {rip: 0x2000}
    svm: {exitCode: 0x78}
    expect:
      event: "#GP"
`

type memRecorder struct {
	writes map[uint64][]byte
}

func (m *memRecorder) WriteGuest(gpa uint64, data []byte) error {
	if m.writes == nil {
		m.writes = make(map[uint64][]byte)
	}
	m.writes[gpa] = append([]byte(nil), data...)
	return nil
}

func TestParseValidates(t *testing.T) {
	tr, err := Parse([]byte(svmTrace))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if tr.Version != 1 || len(tr.Steps) != 3 {
		t.Fatalf("parsed %+v", tr)
	}
	if tr.Steps[0].SVM.ExitInfo1 != 0x00e90010 {
		t.Fatalf("exitInfo1 = 0x%x", tr.Steps[0].SVM.ExitInfo1)
	}

	bad := []string{
		"vendor: sparc\nsteps: []\n",
		"vendor: svm\nsteps:\n  - core: 0\n    vmx: {reason: 12}\n",
		"vendor: vmx\nsteps:\n  - core: 0\n    vmx: {reason: 12}\n    set: {xmm0: 1}\n",
		"vendor: vmx\nsteps:\n  - core: 0\n    vmx: {reason: 12}\n    writes: [{gpa: 0, data: zz}]\n",
		"vendor: vmx\nsteps:\n  - core: 0\n    vmx: {reason: 12}\n    mmio: {size: 3, reg: rax}\n",
	}
	for _, src := range bad {
		if _, err := Parse([]byte(src)); err == nil {
			t.Fatalf("Parse accepted %q", src)
		}
	}
}

func TestBackendReplay(t *testing.T) {
	tr, err := Parse([]byte(svmTrace))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := NewBackend(tr, nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	if got := b.Cores(); len(got) != 2 || got[0] != 0 || got[1] != 1 {
		t.Fatalf("Cores() = %v", got)
	}

	ctx := context.Background()
	core := hv.NewCore(0, hv.ModeProtected)

	rec, err := b.Enter(ctx, core)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if rec.Reason != hv.ExitIO || rec.IO.Port != 0xe9 || rec.IO.In {
		t.Fatalf("first exit = %v", rec)
	}
	if core.Regs.Rax != 0x41 || core.Regs.Rip != 0x1000 {
		t.Fatalf("registers not applied: rax=0x%x rip=0x%x", core.Regs.Rax, core.Regs.Rip)
	}

	// the handler would advance past OUT
	core.AdvanceRIP(rec.InstructionLength)
	rec, err = b.Enter(ctx, core)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if rec.Reason != hv.ExitHLT {
		t.Fatalf("second exit = %v", rec)
	}
	if m := b.Mismatches(); len(m) != 0 {
		t.Fatalf("unexpected mismatches %v", m)
	}

	core.Pending = &hv.Event{Kind: hv.EventExternalInterrupt, Vector: 0x20}
	core.Halted = true
	if _, err := b.Enter(ctx, core); !errors.Is(err, hv.ErrVMHalted) {
		t.Fatalf("Enter past the end: err = %v", err)
	}
	if ev := b.Delivered(0); len(ev) != 1 || ev[0].Vector != 0x20 || ev[0].Kind != hv.EventExternalInterrupt {
		t.Fatalf("Delivered(0) = %v", ev)
	}
	if core.Pending != nil || core.Halted {
		t.Fatalf("interrupt delivery left pending=%v halted=%v", core.Pending, core.Halted)
	}
	if done, total := b.Progress(); done != 2 || total != 3 {
		t.Fatalf("Progress() = %d/%d", done, total)
	}
}

func TestBackendExpectationMismatch(t *testing.T) {
	tr, err := Parse([]byte(svmTrace))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := NewBackend(tr, nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	core := hv.NewCore(1, hv.ModeProtected)
	if _, err := b.Enter(context.Background(), core); err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if core.CPL != 3 {
		t.Fatalf("cpl = %d, want 3", core.CPL)
	}
	// nothing raised the expected #GP
	_, _ = b.Enter(context.Background(), core)
	m := b.Mismatches()
	if len(m) != 1 || !strings.Contains(m[0], "want #GP") {
		t.Fatalf("Mismatches() = %v", m)
	}
}

func TestBackendVMXAndWrites(t *testing.T) {
	src := `
vendor: vmx
steps:
  - core: 0
    set: {rip: 0x7c00, cr0: 0x11}
    writes: [{gpa: 0x8000, data: "cafe"}]
    vmx: {reason: 30, qualification: 0x03f80008, instructionLength: 1}
  - core: 0
    vmx: {reason: 0, interruptionInfo: 0x80000680, instructionLength: 2}
    mmio: {write: true, size: 4, reg: rbx}
`
	tr, err := Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := NewBackend(tr, nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	mem := &memRecorder{}
	b.AttachMemory(mem)

	core := hv.NewCore(0, hv.ModeReal)
	rec, err := b.Enter(context.Background(), core)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if rec.Reason != hv.ExitIO || !rec.IO.In || rec.IO.Port != 0x3f8 {
		t.Fatalf("exit = %v", rec)
	}
	if core.Mode != hv.ModeProtected {
		t.Fatalf("mode = %v after cr0 write", core.Mode)
	}
	if got := mem.writes[0x8000]; len(got) != 2 || got[0] != 0xca || got[1] != 0xfe {
		t.Fatalf("guest write = %x", got)
	}

	rec, err = b.Enter(context.Background(), core)
	if err != nil {
		t.Fatalf("Enter: %v", err)
	}
	if rec.Reason != hv.ExitSoftwareInterrupt || rec.Vector != 0x80 {
		t.Fatalf("exit = %v", rec)
	}
	if !rec.MMIO.Valid || rec.MMIO.GPR != hv.RegisterAMD64Rbx || rec.MMIO.Size != 4 {
		t.Fatalf("mmio assist = %+v", rec.MMIO)
	}

	// the dispatcher advanced past INT 0x80 and queued it
	core.AdvanceRIP(2)
	rip := core.Regs.Rip
	core.Pending = &hv.Event{Kind: hv.EventSoftwareInterrupt, Vector: 0x80}
	_, _ = b.Enter(context.Background(), core)
	if core.Regs.Rip != rip-2 {
		t.Fatalf("rip = 0x%x, want 0x%x", core.Regs.Rip, rip-2)
	}
}

func TestEnterCancelled(t *testing.T) {
	tr, err := Parse([]byte(svmTrace))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	b, err := NewBackend(tr, nil)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Enter(ctx, hv.NewCore(0, hv.ModeReal)); !errors.Is(err, context.Canceled) {
		t.Fatalf("Enter: err = %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	tr, err := Parse([]byte(svmTrace))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	path := filepath.Join(t.TempDir(), "trace.yaml")
	if err := Save(path, tr); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stat: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Steps) != len(tr.Steps) || *got.Steps[2].CPL != 3 {
		t.Fatalf("round trip lost steps: %+v", got)
	}
}

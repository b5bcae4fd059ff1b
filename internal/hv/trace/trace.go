// Package trace replays recorded guest exits through the vendor decoders.
// A trace stands in for the processor: each step sets the guest state the
// hardware would have produced and names the raw exit it would have taken.
package trace

import (
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmm/internal/hv"
)

// Trace is the on-disk form of a recorded run.
type Trace struct {
	Version    int    `yaml:"version"`
	Vendor     string `yaml:"vendor"`
	ConfigHash string `yaml:"configHash,omitempty"`
	Steps      []Step `yaml:"steps"`
}

// Step is one guest exit on one core.
type Step struct {
	Core int `yaml:"core"`

	// Set holds register values reached since the previous exit.
	Set    map[string]uint64 `yaml:"set,omitempty"`
	CPL    *uint8            `yaml:"cpl,omitempty"`
	Writes []Write           `yaml:"writes,omitempty"`

	SVM  *SVMExit    `yaml:"svm,omitempty"`
	VMX  *VMXExit    `yaml:"vmx,omitempty"`
	MMIO *MMIOAssist `yaml:"mmio,omitempty"`

	// Expect is checked when the core next enters the guest, after the
	// exit has been handled.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Write is a guest store performed between two exits.
type Write struct {
	GPA  uint64 `yaml:"gpa"`
	Data string `yaml:"data"`
}

// Bytes decodes the hex payload.
func (w Write) Bytes() ([]byte, error) {
	b, err := hex.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("trace: write at 0x%x: %w", w.GPA, err)
	}
	return b, nil
}

type SVMExit struct {
	ExitCode  uint64 `yaml:"exitCode"`
	ExitInfo1 uint64 `yaml:"exitInfo1,omitempty"`
	ExitInfo2 uint64 `yaml:"exitInfo2,omitempty"`
	NextRIP   uint64 `yaml:"nextRip,omitempty"`
}

type VMXExit struct {
	Reason            uint32 `yaml:"reason"`
	Qualification     uint64 `yaml:"qualification,omitempty"`
	GuestLinear       uint64 `yaml:"guestLinear,omitempty"`
	GuestPhysical     uint64 `yaml:"guestPhysical,omitempty"`
	InstructionLength uint32 `yaml:"instructionLength,omitempty"`
	InstructionInfo   uint32 `yaml:"instructionInfo,omitempty"`
	InterruptionInfo  uint32 `yaml:"interruptionInfo,omitempty"`
	InterruptionError uint32 `yaml:"interruptionError,omitempty"`
}

// MMIOAssist carries the decoded MOV of a device-memory access, which
// neither vendor reports in its exit information.
type MMIOAssist struct {
	Write  bool   `yaml:"write"`
	Size   int    `yaml:"size"`
	Reg    string `yaml:"reg"`
	Length uint64 `yaml:"length"`
}

// Expect describes guest state after a step.
type Expect struct {
	Regs   map[string]uint64 `yaml:"regs,omitempty"`
	Event  string            `yaml:"event,omitempty"`
	Halted *bool             `yaml:"halted,omitempty"`
}

func (t *Trace) normalize() {
	if t.Version == 0 {
		t.Version = 1
	}
}

// Validate checks the trace against the vendor it claims to be for.
func (t *Trace) Validate() error {
	vendor := hv.ParseVendor(t.Vendor)
	if vendor == hv.VendorUnknown {
		return fmt.Errorf("trace: unknown vendor %q", t.Vendor)
	}
	for i, s := range t.Steps {
		if s.Core < 0 {
			return fmt.Errorf("trace: step %d: negative core %d", i, s.Core)
		}
		switch {
		case s.SVM != nil && s.VMX != nil:
			return fmt.Errorf("trace: step %d: both svm and vmx exits", i)
		case vendor == hv.VendorAMD && s.SVM == nil:
			return fmt.Errorf("trace: step %d: missing svm exit", i)
		case vendor == hv.VendorIntel && s.VMX == nil:
			return fmt.Errorf("trace: step %d: missing vmx exit", i)
		}
		for name := range s.Set {
			if _, err := hv.ParseRegister(name); err != nil {
				return fmt.Errorf("trace: step %d: %w", i, err)
			}
		}
		if s.MMIO != nil {
			if _, err := hv.ParseRegister(s.MMIO.Reg); err != nil {
				return fmt.Errorf("trace: step %d: mmio: %w", i, err)
			}
			switch s.MMIO.Size {
			case 1, 2, 4, 8:
			default:
				return fmt.Errorf("trace: step %d: mmio size %d", i, s.MMIO.Size)
			}
		}
		for _, w := range s.Writes {
			if _, err := w.Bytes(); err != nil {
				return fmt.Errorf("trace: step %d: %w", i, err)
			}
		}
	}
	return nil
}

// Parse decodes and validates a YAML trace.
func Parse(data []byte) (*Trace, error) {
	var t Trace
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("trace: parse: %w", err)
	}
	t.normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

// Load reads a trace file.
func Load(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("trace: read %s: %w", path, err)
	}
	return Parse(data)
}

// Save writes t to path.
func Save(path string, t *Trace) error {
	t.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return fmt.Errorf("trace: encode: %w", err)
	}
	return enc.Close()
}

package vm

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/tinyrange/vmm/internal/hv"
)

// Mux holds the VMs of one host process and decides whose console output
// reaches the terminal. Output from background VMs is dropped.
type Mux struct {
	out io.Writer

	mu         sync.RWMutex
	vms        map[string]*VM
	foreground string
}

func NewMux(out io.Writer) *Mux {
	return &Mux{out: out, vms: make(map[string]*VM)}
}

// Add registers v under its name. The first VM added becomes the
// foreground.
func (m *Mux) Add(v *VM) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := v.Name()
	if _, exists := m.vms[name]; exists {
		return fmt.Errorf("vm: mux already holds %q: %w", name, hv.ErrConflict)
	}
	m.vms[name] = v
	if m.foreground == "" {
		m.foreground = name
	}
	return nil
}

// Remove forgets the VM called name. If it was in the foreground, the
// first remaining VM by name takes its place.
func (m *Mux) Remove(name string) (*VM, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vms[name]
	if !ok {
		return nil, false
	}
	delete(m.vms, name)
	if m.foreground == name {
		m.foreground = ""
		if names := m.namesLocked(); len(names) > 0 {
			m.foreground = names[0]
		}
	}
	return v, true
}

func (m *Mux) Get(name string) (*VM, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vms[name]
	return v, ok
}

// Names lists the held VMs in sorted order.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.namesLocked()
}

func (m *Mux) namesLocked() []string {
	names := make([]string, 0, len(m.vms))
	for name := range m.vms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mux) SetForeground(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vms[name]; !ok {
		return fmt.Errorf("vm: mux has no %q", name)
	}
	m.foreground = name
	return nil
}

// Foreground returns the name of the VM whose console is shown, or "" if
// the mux is empty.
func (m *Mux) Foreground() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.foreground
}

// Console returns the writer a console device of VM name should use. It
// can be created before the VM is added.
func (m *Mux) Console(name string) io.Writer {
	return &console{mux: m, name: name}
}

type console struct {
	mux  *Mux
	name string
}

func (c *console) Write(p []byte) (int, error) {
	c.mux.mu.RLock()
	defer c.mux.mu.RUnlock()
	if c.mux.foreground != c.name {
		return len(p), nil
	}
	return c.mux.out.Write(p)
}

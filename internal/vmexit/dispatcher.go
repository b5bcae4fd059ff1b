// Package vmexit turns classified guest exits into emulation: device I/O,
// control register writes, paging faults and the handful of privileged
// instructions the VMM intercepts.
package vmexit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/platform"
	"github.com/tinyrange/vmm/internal/shadow"
)

// DefaultStringIOBudget bounds the REP INS/OUTS iterations serviced in one
// exit. The remainder is picked up when the guest re-executes the
// instruction.
const DefaultStringIOBudget = 1024

// Outcome is what the run loop does after an exit has been handled.
type Outcome int

const (
	// OutcomeResume re-enters the guest.
	OutcomeResume Outcome = iota
	// OutcomeInjectFault re-enters the guest with an exception queued and
	// the instruction pointer left on the faulting instruction.
	OutcomeInjectFault
	// OutcomeFatal stops the core.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeResume:
		return "resume"
	case OutcomeInjectFault:
		return "inject"
	case OutcomeFatal:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Handler services one exit reason. The core is ctx.Core(). Guest-visible
// faults are raised through the injector and reported as a nil error; a
// returned error stops the core.
type Handler func(ctx hv.ExitContext, rec *hv.ExitRecord) error

// Observer receives per-exit statistics.
type Observer interface {
	ObserveExit(core int, reason hv.ExitReason, outcome Outcome)
	ObserveShadowFault(core int, result shadow.FaultResult)
}

// Config wires a dispatcher to the rest of the VM.
type Config struct {
	Registry *chipset.Registry
	Injector *fault.Injector
	Platform platform.Platform
	Memory   *hv.HostMemory

	// Pager returns the shadow paging state of a core.
	Pager func(core int) *shadow.Manager

	StringIOBudget int
	Logger         *slog.Logger
	Observer       Observer
}

// Dispatcher routes exits to handlers. One dispatcher serves every core of
// a VM; per-core state lives in the core and its pager.
type Dispatcher struct {
	log      *slog.Logger
	registry *chipset.Registry
	inj      *fault.Injector
	plat     platform.Platform
	mem      *hv.HostMemory
	pager    func(core int) *shadow.Manager
	budget   int
	observer Observer

	mu       sync.RWMutex
	handlers map[hv.ExitReason]Handler
}

// New returns a dispatcher with the built-in handlers installed.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Registry == nil || cfg.Injector == nil || cfg.Platform == nil || cfg.Memory == nil || cfg.Pager == nil {
		return nil, fmt.Errorf("vmexit: incomplete dispatcher configuration")
	}
	d := &Dispatcher{
		log:      cfg.Logger,
		registry: cfg.Registry,
		inj:      cfg.Injector,
		plat:     cfg.Platform,
		mem:      cfg.Memory,
		pager:    cfg.Pager,
		budget:   cfg.StringIOBudget,
		observer: cfg.Observer,
		handlers: make(map[hv.ExitReason]Handler),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.budget <= 0 {
		d.budget = DefaultStringIOBudget
	}

	d.handlers[hv.ExitIO] = d.handleIO
	d.handlers[hv.ExitCRRead] = d.handleCRRead
	d.handlers[hv.ExitCRWrite] = d.handleCRWrite
	d.handlers[hv.ExitHLT] = d.handleHLT
	d.handlers[hv.ExitPause] = d.handlePause
	d.handlers[hv.ExitMwait] = d.handleMonitorMwait
	d.handlers[hv.ExitMonitor] = d.handleMonitorMwait
	d.handlers[hv.ExitWbinvd] = d.handleWbinvd
	d.handlers[hv.ExitInvlpg] = d.handleInvlpg
	d.handlers[hv.ExitPageFault] = d.handlePageFault
	d.handlers[hv.ExitNestedPageFault] = d.handleNestedFault
	d.handlers[hv.ExitSoftwareInterrupt] = d.handleSoftwareInterrupt
	d.handlers[hv.ExitCPUID] = d.handleCPUID
	d.handlers[hv.ExitShutdown] = d.handleShutdown
	return d, nil
}

// Register installs h for reason, replacing any existing handler.
func (d *Dispatcher) Register(reason hv.ExitReason, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h == nil {
		delete(d.handlers, reason)
		return
	}
	d.handlers[reason] = h
}

// Reasons returns the exit reasons with a handler.
func (d *Dispatcher) Reasons() []hv.ExitReason {
	d.mu.RLock()
	defer d.mu.RUnlock()
	reasons := make([]hv.ExitReason, 0, len(d.handlers))
	for r := range d.handlers {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })
	return reasons
}

// Dispatch runs the handler for rec on core. Exactly one handler runs. If
// the handler leaves a new exception pending, any instruction-pointer
// advance it made is undone so the guest sees the fault on the trapping
// instruction.
func (d *Dispatcher) Dispatch(ctx context.Context, core *hv.Core, rec *hv.ExitRecord) (Outcome, error) {
	d.mu.RLock()
	h, ok := d.handlers[rec.Reason]
	d.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("vmexit: core %d: %s (raw 0x%x): %w", core.ID, rec.Reason, rec.RawCode, hv.ErrUnhandledExit)
		d.finish(core, rec, OutcomeFatal, err)
		return OutcomeFatal, err
	}

	rip := core.Regs.Rip
	before := core.Pending

	if err := h(hv.NewExitContext(ctx, core), rec); err != nil {
		d.finish(core, rec, OutcomeFatal, err)
		return OutcomeFatal, err
	}

	if core.Pending != before && fault.ExceptionPending(core) {
		core.Regs.Rip = rip
		d.finish(core, rec, OutcomeInjectFault, nil)
		return OutcomeInjectFault, nil
	}
	d.finish(core, rec, OutcomeResume, nil)
	return OutcomeResume, nil
}

func (d *Dispatcher) finish(core *hv.Core, rec *hv.ExitRecord, outcome Outcome, err error) {
	if d.observer != nil {
		d.observer.ObserveExit(core.ID, rec.Reason, outcome)
	}
	switch {
	case err == nil:
		d.log.Debug("vmexit: handled", "core", core.ID, "exit", rec.String(), "outcome", outcome)
	case errors.Is(err, hv.ErrNotImplemented):
		d.log.Warn("vmexit: unsupported exit", "core", core.ID, "exit", rec.String(), "rip", fmt.Sprintf("%#x", core.Regs.Rip), "err", err)
	default:
		d.log.Error("vmexit: fatal exit", "core", core.ID, "exit", rec.String(), "rip", fmt.Sprintf("%#x", core.Regs.Rip), "err", err)
	}
}

func (d *Dispatcher) pagerFor(core *hv.Core) (*shadow.Manager, error) {
	p := d.pager(core.ID)
	if p == nil {
		return nil, fmt.Errorf("vmexit: core %d has no paging state", core.ID)
	}
	return p, nil
}

// requireCPL0 raises #GP(0) and reports false when the guest is not in
// ring 0.
func (d *Dispatcher) requireCPL0(core *hv.Core) (bool, error) {
	if core.CPL == 0 {
		return true, nil
	}
	return false, d.inj.RaiseGP(core, 0)
}

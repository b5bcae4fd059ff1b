package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tinyrange/vmm/internal/fault"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/shadow"
	"github.com/tinyrange/vmm/internal/vmexit"
)

// value sums every series of the named family whose labels include match.
func value(t *testing.T, m *Metrics, name string, match map[string]string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	var total float64
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
	series:
		for _, metric := range fam.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			for k, v := range match {
				if labels[k] != v {
					continue series
				}
			}
			if c := metric.GetCounter(); c != nil {
				total += c.GetValue()
			} else if g := metric.GetGauge(); g != nil {
				total += g.GetValue()
			}
		}
	}
	return total
}

func TestExitCounters(t *testing.T) {
	m := New("test")
	m.ObserveExit(0, hv.ExitIO, vmexit.OutcomeResume)
	m.ObserveExit(0, hv.ExitIO, vmexit.OutcomeResume)
	m.ObserveExit(1, hv.ExitCRWrite, vmexit.OutcomeInjectFault)
	m.ObserveExit(1, hv.ExitShutdown, vmexit.OutcomeFatal)

	if got := value(t, m, "vmm_exits_total", map[string]string{"reason": "io"}); got != 2 {
		t.Fatalf("io exits = %v", got)
	}
	if got := value(t, m, "vmm_exits_total", map[string]string{"vm": "test"}); got != 4 {
		t.Fatalf("all exits = %v", got)
	}
	if got := value(t, m, "vmm_fatal_exits_total", map[string]string{"core": "1"}); got != 1 {
		t.Fatalf("fatal exits = %v", got)
	}
}

func TestEventAndFaultCounters(t *testing.T) {
	m := New("test")
	inj := fault.NewInjector(nil, m)
	core := hv.NewCore(0, hv.ModeProtected)

	if err := inj.RaiseGP(core, 0); err != nil {
		t.Fatalf("RaiseGP: %v", err)
	}
	core.Pending = nil
	if err := inj.RaiseSoftwareInterrupt(core, 0x80); err != nil {
		t.Fatalf("RaiseSoftwareInterrupt: %v", err)
	}
	if got := value(t, m, "vmm_injected_events_total", map[string]string{"vector": "#GP"}); got != 1 {
		t.Fatalf("#GP events = %v", got)
	}
	if got := value(t, m, "vmm_injected_events_total", map[string]string{"vector": "0x80"}); got != 1 {
		t.Fatalf("int 0x80 events = %v", got)
	}

	m.ObserveShadowFault(0, shadow.ResultFilled)
	m.ObserveShadowFault(0, shadow.ResultGuestFault)
	m.ObserveShadowFault(0, shadow.ResultFilled)
	if got := value(t, m, "vmm_shadow_faults_total", map[string]string{"result": "filled"}); got != 2 {
		t.Fatalf("filled = %v", got)
	}

	m.ObserveRebuild(12)
	if got := value(t, m, "vmm_shadow_table_frames", nil); got != 12 {
		t.Fatalf("table frames = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New("served")
	m.ObserveExit(0, hv.ExitHLT, vmexit.OutcomeResume)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(body), `vmm_exits_total{core="0",outcome="resume",reason="hlt",vm="served"} 1`) {
		t.Fatalf("exposition missing exit counter:\n%s", body)
	}
}

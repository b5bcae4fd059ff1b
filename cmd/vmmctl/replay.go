package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/tinyrange/vmm/internal/chipset"
	"github.com/tinyrange/vmm/internal/config"
	legacy "github.com/tinyrange/vmm/internal/devices/amd64/chipset"
	"github.com/tinyrange/vmm/internal/devices/amd64/serial"
	"github.com/tinyrange/vmm/internal/hv"
	"github.com/tinyrange/vmm/internal/hv/trace"
	"github.com/tinyrange/vmm/internal/metrics"
	"github.com/tinyrange/vmm/internal/platform"
	"github.com/tinyrange/vmm/internal/vm"
)

var replayOpts struct {
	config      string
	trace       string
	metricsAddr string
	stdin       bool
	hostCPUID   bool
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.config, "config", "", "VM layout (YAML)")
	f.StringVar(&replayOpts.trace, "trace", "", "Recorded exit trace (YAML)")
	f.StringVar(&replayOpts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while replaying")
	f.BoolVar(&replayOpts.stdin, "stdin", false, "Feed standard input to the guest's serial port")
	f.BoolVar(&replayOpts.hostCPUID, "host-cpuid", false, "Answer CPUID and MSR exits from the host CPU")
	_ = replayCmd.MarkFlagRequired("config")
	_ = replayCmd.MarkFlagRequired("trace")
	rootCmd.AddCommand(replayCmd)
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a recorded exit trace through the VMM core",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReplay(cmd.Context(), cmd.OutOrStdout())
	},
}

func openPlatform(vendor hv.CpuVendor, log *slog.Logger) (platform.Platform, func()) {
	if replayOpts.hostCPUID {
		host, err := platform.Open(0, log)
		switch {
		case err != nil:
			log.Warn("vmmctl: host CPU unavailable, using a synthetic one", "error", err)
		case host.Vendor() != vendor:
			log.Warn("vmmctl: host vendor differs from the trace, using a synthetic CPU", "host", host.Vendor(), "trace", vendor)
			host.Close()
		default:
			return host, func() { host.Close() }
		}
	}
	return platform.NewFake(vendor), func() {}
}

func serveMetrics(m *metrics.Metrics, addr string, log *slog.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("vmmctl: metrics server", "error", err)
		}
	}()
	log.Info("vmmctl: serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}, nil
}

// trackProgress draws a bar for the consumed trace steps until ctx ends.
func trackProgress(ctx context.Context, b *trace.Backend) func() {
	if debug || !term.IsTerminal(int(os.Stderr.Fd())) {
		return func() {}
	}
	_, total := b.Progress()
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("replay"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				n, _ := b.Progress()
				bar.Set(n)
				bar.Finish()
				return
			case <-ticker.C:
				n, _ := b.Progress()
				bar.Set(n)
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}

func runReplay(ctx context.Context, out io.Writer) error {
	log := slog.Default()

	cfg, err := config.Load(replayOpts.config)
	if err != nil {
		return err
	}
	tr, err := trace.Load(replayOpts.trace)
	if err != nil {
		return err
	}
	hash, err := cfg.Hash()
	if err != nil {
		return err
	}
	if tr.ConfigHash != "" && tr.ConfigHash != hash.String() {
		return fmt.Errorf("trace was recorded for config %s, not %s", tr.ConfigHash, hash.Short())
	}

	plat, closePlatform := openPlatform(cfg.VendorID(), log)
	defer closePlatform()

	mux := vm.NewMux(out)
	console := mux.Console(cfg.Name)
	var in io.Reader
	if replayOpts.stdin {
		in = os.Stdin
	}
	catalog := chipset.NewCatalog()
	if err := catalog.Register("serial", serial.Constructor(console, in)); err != nil {
		return err
	}
	if err := legacy.Register(catalog, console); err != nil {
		return err
	}

	m := metrics.New(cfg.Name)
	if replayOpts.metricsAddr != "" {
		stop, err := serveMetrics(m, replayOpts.metricsAddr, log)
		if err != nil {
			return err
		}
		defer stop()
	}

	machine, err := vm.New(cfg, vm.Options{
		Logger:   log,
		Platform: plat,
		Catalog:  catalog,
		Metrics:  m,
	})
	if err != nil {
		return err
	}
	defer machine.Close()
	if err := mux.Add(machine); err != nil {
		return err
	}

	backend, err := trace.NewBackend(tr, log)
	if err != nil {
		return err
	}
	backend.AttachMemory(machine)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	finish := trackProgress(ctx, backend)
	runErr := machine.Run(ctx, backend)
	finish()

	done, total := backend.Progress()
	log.Info("vmmctl: replay finished", "steps", done, "total", total)
	for core := 0; core < machine.CoreCount(); core++ {
		for _, ev := range backend.Delivered(core) {
			log.Debug("vmmctl: delivered", "core", core, "event", trace.EventName(&ev))
		}
	}
	if mismatches := backend.Mismatches(); len(mismatches) > 0 {
		for _, m := range mismatches {
			fmt.Fprintf(os.Stderr, "mismatch: %s\n", m)
		}
		return multierror.Append(runErr, fmt.Errorf("%d expectation(s) not met", len(mismatches)))
	}
	return runErr
}

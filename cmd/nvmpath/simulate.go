package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/nvmpath/pkg/events"
	"github.com/cuemby/nvmpath/pkg/host"
	"github.com/cuemby/nvmpath/pkg/log"
	"github.com/cuemby/nvmpath/pkg/metrics"
	"github.com/cuemby/nvmpath/pkg/nvme"
	"github.com/cuemby/nvmpath/pkg/types"
)

const (
	simBlockShift = 9
	simBlocks     = 4096
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a workload over two loopback paths and inject a path failure",
	Long: `Simulate builds a host over two in-memory controllers that share one
namespace, runs a verified read/write workload against the multipath
group and breaks the active path part way through.

Faults:
  down    the active controller's transport stops responding
  reset   the active controller is reset
  delete  the active controller is removed`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().Duration("duration", 5*time.Second, "How long to run the workload")
	simulateCmd.Flags().Duration("fail-after", 2*time.Second, "When to inject the fault")
	simulateCmd.Flags().String("fault", "down", "Fault to inject (down, reset, delete)")
	simulateCmd.Flags().Int("jobs", 4, "Concurrent workload jobs")
	simulateCmd.Flags().Duration("latency", time.Millisecond, "Per command latency of the loopback paths")
	simulateCmd.Flags().String("metrics-addr", "", "Serve /metrics and /health on this address")
	simulateCmd.Flags().Bool("quiet", false, "Do not print events")
}

type simStats struct {
	ok     atomic.Int64
	failed atomic.Int64
}

func runSimulate(cmd *cobra.Command, args []string) error {
	duration, _ := cmd.Flags().GetDuration("duration")
	failAfter, _ := cmd.Flags().GetDuration("fail-after")
	fault, _ := cmd.Flags().GetString("fault")
	jobs, _ := cmd.Flags().GetInt("jobs")
	latency, _ := cmd.Flags().GetDuration("latency")
	quiet, _ := cmd.Flags().GetBool("quiet")
	if addr, _ := cmd.Flags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}

	switch fault {
	case "down", "reset", "delete":
	default:
		return fmt.Errorf("unknown fault %q", fault)
	}
	if jobs < 1 || jobs > simBlocks {
		return fmt.Errorf("jobs must be between 1 and %d", simBlocks)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := host.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create host: %v", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			log.Errorf("Host shutdown incomplete", err)
		}
	}()

	out := cmd.OutOrStdout()
	if !quiet {
		sub := h.Events().Subscribe()
		go printEvents(out, sub)
	}

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr)
		defer srv.Close()

		collector := metrics.NewCollector(h, time.Second)
		collector.Start()
		defer collector.Stop()
	}

	identity := types.ControllerIdentity{
		Model:           "nvmpath loopback",
		Serial:          "SIM0001",
		Firmware:        "1.0",
		SubsystemNQN:    "nqn.2024-01.io.nvmpath:simulate",
		AsyncEventLimit: 3,
	}
	shared := nvme.NewSharedNamespace(1, simBlocks, simBlockShift)
	store := nvme.NewMemStore(1 << simBlockShift)

	paths := []*nvme.Loopback{
		nvme.NewLoopback("loop-a", identity),
		nvme.NewLoopback("loop-b", identity),
	}
	byInstance := make(map[int]*nvme.Loopback)
	for _, lb := range paths {
		lb.AddNamespace(shared, store)
		lb.SetLatency(latency)
		c, err := h.AddController(ctx, lb)
		if err != nil {
			return fmt.Errorf("failed to add controller on %s: %v", lb.Name(), err)
		}
		byInstance[c.Instance()] = lb
	}
	group := shared.NGUID
	fmt.Fprintf(out, "Group %s over %d paths\n", group, len(paths))

	runCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()
	eg, egCtx := errgroup.WithContext(runCtx)

	var stats simStats
	for job := 0; job < jobs; job++ {
		job := job
		eg.Go(func() error {
			return workload(egCtx, h, group, job, jobs, &stats)
		})
	}
	eg.Go(func() error {
		select {
		case <-time.After(failAfter):
		case <-egCtx.Done():
			return nil
		}
		return injectFault(h, group, fault, byInstance)
	})

	if err := eg.Wait(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	verified := stats.ok.Load()
	fmt.Fprintf(out, "I/O verified:  %s (%s)\n", humanize.Comma(verified), humanize.Bytes(uint64(verified)<<simBlockShift))
	fmt.Fprintf(out, "I/O failed:    %s\n", humanize.Comma(stats.failed.Load()))
	if g, ok := h.Group(group); ok {
		info := g.Info()
		fmt.Fprintf(out, "Active path:   %s\n", info.Active)
		fmt.Fprintf(out, "Members:       %v\n", info.Members)
		fmt.Fprintf(out, "Degraded:      %v\n", info.Degraded)
	}
	for _, c := range h.Controllers() {
		fmt.Fprintf(out, "nvme%d:         %s\n", c.Instance, c.State)
	}
	return nil
}

// workload writes a job-specific pattern and reads it back. Each job owns
// its own blocks; I/O errors are counted, data mismatches abort the run.
func workload(ctx context.Context, h *host.Host, group string, job, jobs int, stats *simStats) error {
	const bs = 1 << simBlockShift
	span := simBlocks / jobs
	wbuf := make([]byte, bs)
	rbuf := make([]byte, bs)

	for i := 0; ctx.Err() == nil; i++ {
		lba := uint64(job*span + i%span)
		fill := byte(job*31 + i)
		for j := range wbuf {
			wbuf[j] = fill
		}

		err := h.Do(ctx, group, &types.IORequest{Op: types.IOOpWrite, Offset: lba * bs, Length: bs, Buffer: wbuf})
		if err == nil {
			err = h.Do(ctx, group, &types.IORequest{Op: types.IOOpRead, Offset: lba * bs, Length: bs, Buffer: rbuf})
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			stats.failed.Add(1)
			if errors.Is(err, nvme.ErrNoViablePath) {
				return fmt.Errorf("job %d: %w", job, err)
			}
			continue
		}
		if !bytes.Equal(wbuf, rbuf) {
			return fmt.Errorf("job %d: data mismatch at lba %d", job, lba)
		}
		stats.ok.Add(1)
	}
	return nil
}

func injectFault(h *host.Host, group, fault string, byInstance map[int]*nvme.Loopback) error {
	ns, ok := h.GroupActiveMember(group)
	if !ok {
		return fmt.Errorf("group %s has no active path to break", group)
	}
	c := ns.Controller()
	log.Logger.Warn().Str("fault", fault).Str("controller", c.Name()).Msg("Injecting fault")

	switch fault {
	case "reset":
		h.ChangeControllerState(c.Instance(), types.ControllerStateResetting)
	case "delete":
		return h.RemoveController(c.Instance())
	default:
		lb, ok := byInstance[c.Instance()]
		if !ok {
			return fmt.Errorf("no transport for %s", c.Name())
		}
		lb.SetDown(true)
	}
	return nil
}

func printEvents(w io.Writer, sub events.Subscriber) {
	for ev := range sub {
		fmt.Fprintf(w, "%s  %-20s %s\n", ev.Timestamp.Format("15:04:05.000"), ev.Type, ev.Message)
	}
}

func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())
	mux.HandleFunc("/live", metrics.LivenessHandler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Metrics server failed", err)
		}
	}()
	log.Logger.Info().Str("addr", addr).Msg("Serving metrics and health")
	return srv
}

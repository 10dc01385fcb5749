package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/sarchlab/uvmm/acceptance/accessagent"
	"github.com/sarchlab/uvmm/config"
	"github.com/sarchlab/uvmm/datarecording"
	"github.com/sarchlab/uvmm/monitoring"
	"github.com/sarchlab/uvmm/tracing"
	"github.com/sarchlab/uvmm/vmm"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Build a memory manager and drive it with random page accesses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		c, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		opts, err := readRunOptions(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()

		return run(ctx, cmd.OutOrStdout(), c, opts)
	},
}

func init() {
	runCmd.Flags().IntP("threads", "t", 4, "number of accessing goroutines")
	runCmd.Flags().IntP("accesses", "n", 10000, "accesses per goroutine")
	runCmd.Flags().Float64("read-fraction", 0.5, "share of accesses that only verify")
	runCmd.Flags().Uint64("seed", 1, "seed of the random page choice")
	runCmd.Flags().String("trace", "", "record events into this SQLite database (without suffix)")
	runCmd.Flags().Bool("monitor", false, "serve the monitoring page while running")
	runCmd.Flags().Int("monitor-port", 0, "port of the monitoring page; random when below 1000")
	runCmd.Flags().Bool("open-browser", false, "open the monitoring page in a browser")
	rootCmd.AddCommand(runCmd)
}

type runOptions struct {
	threads      int
	accesses     int
	readFraction float64
	seed         uint64
	trace        string
	monitor      bool
	monitorPort  int
	openBrowser  bool
}

func readRunOptions(cmd *cobra.Command) (runOptions, error) {
	var o runOptions

	f := cmd.Flags()
	o.threads, _ = f.GetInt("threads")
	o.accesses, _ = f.GetInt("accesses")
	o.readFraction, _ = f.GetFloat64("read-fraction")
	o.seed, _ = f.GetUint64("seed")
	o.trace, _ = f.GetString("trace")
	o.monitor, _ = f.GetBool("monitor")
	o.monitorPort, _ = f.GetInt("monitor-port")
	o.openBrowser, _ = f.GetBool("open-browser")

	if o.threads <= 0 || o.accesses < 0 {
		return o, fmt.Errorf("need positive threads and accesses, got %d and %d",
			o.threads, o.accesses)
	}

	if o.readFraction < 0 || o.readFraction > 1 {
		return o, fmt.Errorf("read fraction %g outside [0, 1]", o.readFraction)
	}

	return o, nil
}

type runReport struct {
	Stats      vmm.Stats
	Reads      uint64
	Writes     uint64
	Mismatches uint64
	Seconds    float64

	AvgHardFaultMicros float64
	AvgSoftFaultMicros float64
}

func run(ctx context.Context, out io.Writer, c config.Config, o runOptions) error {
	logger := newLogger(c)
	slog.SetDefault(logger)

	sys, err := c.Build("VMM", logger)
	if err != nil {
		return err
	}
	defer sys.Close()

	counter := tracing.NewCountingTracer()
	tracing.CollectTrace(sys.Manager, counter)

	if o.trace != "" {
		recorder := datarecording.New(o.trace)
		defer recorder.Close()

		dbTracer := tracing.NewDBTracer(recorder)
		defer dbTracer.Terminate()

		tracing.CollectTrace(sys.Manager, dbTracer)
	}

	builder := accessagent.MakeBuilder().
		WithTarget(sys.Manager).
		WithNumWorkers(o.threads).
		WithAccessesPerWorker(o.accesses).
		WithReadFraction(o.readFraction).
		WithSeed(o.seed).
		WithLogger(logger)

	if o.monitor {
		mon := monitoring.NewMonitor().WithPortNumber(o.monitorPort)
		mon.RegisterManager(sys.Manager)

		port := mon.StartServer()
		defer mon.StopServer()

		if o.openBrowser {
			if err := mon.OpenBrowser(port); err != nil {
				logger.Warn("cannot open browser", "err", err)
			}
		}

		bar := mon.CreateProgressBar("accesses", uint64(o.threads*o.accesses))
		defer mon.CompleteProgressBar(bar)

		builder = builder.WithProgress(bar)
	}

	sys.Manager.Start()

	result, runErr := builder.Build("Agent").Run(ctx)

	sys.Manager.Stop()

	if err := sys.Manager.Audit(); err != nil {
		return fmt.Errorf("audit after run: %w", err)
	}

	if runErr != nil {
		return runErr
	}

	report := runReport{
		Stats:      sys.Manager.Stats(),
		Reads:      result.Reads,
		Writes:     result.Writes,
		Mismatches: result.Mismatches,
		Seconds:    result.Duration.Seconds(),

		AvgHardFaultMicros: float64(counter.AverageFaultTime(vmm.FaultHard).Microseconds()),
		AvgSoftFaultMicros: float64(counter.AverageFaultTime(vmm.FaultSoft).Microseconds()),
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	if err := enc.Encode(report); err != nil {
		return err
	}

	if result.Mismatches > 0 {
		return fmt.Errorf("%d accesses read unexpected data", result.Mismatches)
	}

	return nil
}

//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/ja7ad/corestress/pkg/config"
	"github.com/ja7ad/corestress/pkg/kernel"
	"github.com/ja7ad/corestress/pkg/logutil"
	"github.com/ja7ad/corestress/pkg/msr"
	"github.com/ja7ad/corestress/pkg/msr/msrtest"
	"github.com/ja7ad/corestress/pkg/orchestrator"
	"github.com/ja7ad/corestress/pkg/report"
	"github.com/ja7ad/corestress/pkg/system/proc"
	"github.com/ja7ad/corestress/pkg/system/topology"
	"github.com/ja7ad/corestress/pkg/types"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type opts struct {
	// threads
	cpus      string
	kernel    string
	buffer    types.Bytes
	alignment int

	// load signal
	timeout time.Duration
	period  time.Duration
	load    float64 // percent

	// inputs / outputs
	configPath string
	override   config.RunConfig // positive fields win over the file
	turbo      bool
	turboSet   bool
	outDir     string
	msrDir     string
	sysRoot    string
	statPath   string
	dryRun     bool

	// logging
	logLevel string
	devLog   bool
}

func main() {
	o := opts{buffer: 64 << 10}

	root := &cobra.Command{
		Use:   "corestress",
		Short: "Per-core power and frequency stress tool",
		Long: `corestress pins one worker to every selected CPU, drives them through a
synchronized heavy/light duty cycle, caps package power through RAPL and
records per-iteration cycles, retired instructions, APERF/MPERF and package
energy.

Results land in the output directory as core<N>.msrdat, core<N>.pow and
socket<S>.json.

Examples:
  corestress --cpus 0-7 --timeout 30s --load 75 --period 100ms
  corestress --config run.yaml --kernel go_muladd_1t --out ./results
  corestress --dry-run --cpus 0-3 --timeout 2s`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			o.turboSet = cmd.Flags().Changed("turbo")
			return logutil.InitLogger(o.logLevel, o.devLog)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), o)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&o.devLog, "dev-log", false, "human readable console logs instead of JSON")
	pf.StringVar(&o.configPath, "config", "", "run configuration (.yaml/.yml or the fixed-order text format)")
	pf.Uint64Var(&o.override.IterationCap, "iterations", 0, "iterations per thread (0 = from config)")
	pf.Float64Var(&o.override.Watts, "watts", 0, "primary package power limit in W (0 = from config)")
	pf.Uint64Var(&o.override.Duty, "duty", 0, "duty cycle length in iterations (0 = from config)")
	pf.BoolVar(&o.turbo, "turbo", true, "allow turbo ratios; when unset the config value is kept")

	f := root.Flags()
	f.StringVarP(&o.cpus, "cpus", "c", "", "CPU list, e.g. 0-3,8 (default: every online CPU)")
	f.StringVarP(&o.kernel, "kernel", "k", "", "workload kernel id (default: best supported)")
	f.Var(&o.buffer, "buffer", "per-thread work buffer size, e.g. 64KiB")
	f.IntVar(&o.alignment, "alignment", 64, "work buffer alignment in bytes (power of two)")
	f.DurationVarP(&o.timeout, "timeout", "t", 0, "stop after this long (0 = run to the iteration cap)")
	f.DurationVarP(&o.period, "period", "p", 100*time.Millisecond, "load signal period")
	f.Float64VarP(&o.load, "load", "l", 100, "percent of each period at high load [0..100]")
	f.StringVarP(&o.outDir, "out", "o", ".", "directory for result files")
	f.StringVar(&o.msrDir, "msr-dir", msr.DefaultDir, "msr device directory")
	f.StringVar(&o.sysRoot, "sys-root", topology.DefaultRoot, "sysfs cpu directory")
	f.StringVar(&o.statPath, "stat", proc.DefaultStat, "proc stat file for utilization (empty disables)")
	f.BoolVar(&o.dryRun, "dry-run", false, "use an in-memory register file instead of /dev/cpu")

	root.AddCommand(kernelsCmd(), configCmd(&o))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		logutil.GetLogger().Error("corestress failed", zap.Error(err))
		_ = logutil.GetLogger().Sync()
		os.Exit(1)
	}
	_ = logutil.GetLogger().Sync()
}

func run(ctx context.Context, o opts) error {
	logger := logutil.GetLogger()

	if err := validate(o); err != nil {
		return err
	}

	topo, err := topology.Read(o.sysRoot)
	if err != nil {
		logger.Fatal("cannot read cpu topology", zap.String("root", o.sysRoot), zap.Error(err))
	}
	var cpus []int
	if o.cpus != "" {
		if cpus, err = topology.ParseList(o.cpus); err != nil {
			return err
		}
	}

	var dev msr.Device
	if o.dryRun {
		dev = dryDevice(topo)
	} else if dev, err = msr.Open(o.msrDir, topo); err != nil {
		logger.Fatal("cannot open msr devices", zap.String("dir", o.msrDir), zap.Error(err))
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logger.Warn("close msr devices", zap.Error(err))
		}
	}()

	logger.Info("corestress",
		zap.Int("online_cpus", len(topo.CPUs)),
		zap.Int("sockets", topo.Sockets()),
		zap.Int("cores_per_socket", topo.CoresPerSocket()),
		zap.String("buffer", o.buffer.Humanized()),
		zap.Duration("timeout", o.timeout),
		zap.String("load", humanize.FtoaWithDigits(o.load, 1)+"%"),
		zap.Bool("dry_run", o.dryRun))

	s, err := orchestrator.Run(ctx, orchestrator.Options{
		CPUs:       cpus,
		Topology:   topo,
		Kernel:     kernel.ID(o.kernel),
		Registry:   kernel.Default(),
		BufferSize: o.buffer.Int(),
		Alignment:  o.alignment,
		Period:     o.period,
		Load:       o.load / 100,
		Timeout:    o.timeout,
		Device:     dev,
		Config:     configSource(o),
		Sink:       report.Dir{Path: o.outDir},
		Log:        logger,
		StatPath:   o.statPath,
	})
	if err != nil {
		return err
	}
	if s.PowerCap != nil {
		logger.Warn("power limit was not applied on every socket", zap.Error(s.PowerCap))
	}
	logger.Info("results written", zap.String("dir", o.outDir))
	return nil
}

// validate rejects flag combinations that cannot make progress.
func validate(o opts) error {
	if o.load < 0 || o.load > 100 {
		return fmt.Errorf("load must be in [0,100], got %g", o.load)
	}
	if o.period <= 0 {
		return errors.New("period must be > 0")
	}
	if o.timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %s", o.timeout)
	}
	// at zero load every worker naps until LoadStop and never reaches the cap
	if o.load == 0 && o.timeout == 0 {
		return errors.New("load 0 needs a timeout")
	}
	return nil
}

// configSource layers the flag overrides over the config file, or over the
// defaults when no file is given.
func configSource(o opts) config.Source {
	withTurbo := func(c config.RunConfig) config.RunConfig {
		if o.turboSet {
			return c.WithTurbo(o.turbo)
		}
		return c
	}
	if o.configPath == "" {
		return config.Static(withTurbo(config.New(&o.override)))
	}
	file := config.File{Path: o.configPath}
	return config.SourceFunc(func() (config.RunConfig, error) {
		c, err := file.Load()
		if err != nil {
			return c, err
		}
		return withTurbo(config.Merge(c, &o.override)), nil
	})
}

// dryDevice fakes running counters so a run can be rehearsed without the msr
// module or root.
func dryDevice(topo *topology.Topology) *msrtest.Device {
	dev := msrtest.New()
	for _, c := range topo.CPUs {
		dev.Set(msr.Coord{Socket: c.Socket, Core: c.Core, Thread: c.Thread}, msr.RAPLUnit, 0x000A0E03)
	}
	dev.OnRead(msr.PkgEnergy, msrtest.Tick(1<<14))
	dev.OnRead(msr.PP0Energy, msrtest.Tick(1<<13))
	dev.OnRead(msr.APERF, msrtest.Tick(3000))
	dev.OnRead(msr.MPERF, msrtest.Tick(2000))
	dev.OnRead(msr.FixedCtr0, msrtest.Tick(10000))
	return dev
}

func kernelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kernels",
		Short: "List workload kernels and whether this host supports them",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := kernel.Default()
			auto, _ := reg.Auto()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "KERNEL\tSUPPORTED\tDEFAULT")
			for _, id := range reg.IDs() {
				_, err := reg.Lookup(id)
				fmt.Fprintf(tw, "%s\t%t\t%t\n", id, err == nil, id == auto)
			}
			return tw.Flush()
		},
	}
}

func configCmd(o *opts) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective run configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configSource(*o).Load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
			return err
		},
	}
}

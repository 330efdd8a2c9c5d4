// Force-feedback real-time core

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/ffb-rt/base/zaplog"

	"example.com/ffb-rt/benchmark"

	"example.com/ffb-rt/core/config"
	"example.com/ffb-rt/core/engine"
	"example.com/ffb-rt/core/monitor"

	"example.com/ffb-rt/driver/clock"
	"example.com/ffb-rt/driver/sim"
)

const defaultSimTorqueNm = 2.0

var (
	log *zap.Logger
)

func initLogger(verbose bool) {
	c := zap.NewDevelopmentConfig()
	c.DisableStacktrace = true
	c.EncoderConfig.EncodeCaller = func(
		caller zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		p := caller.TrimmedPath()
		if len(p) > 30 {
			p = "..." + p[len(p)-27:]
		}
		enc.AppendString(fmt.Sprintf("%30s", p))
	}
	if !verbose {
		c.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	var err error
	log, err = c.Build()
	if err != nil {
		panic(err)
	}
	zaplog.SetLogger(log)
}

func runMonitor(log *zap.Logger, addr string) {
	http.Handle("/metrics", promhttp.Handler())
	err := http.ListenAndServe(addr, nil)
	log.Fatal("failed to serve metrics", zap.Error(err))
}

func loadConfig(configFile string) config.File {
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	err = cfg.Validate()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	return cfg
}

func engineConfig(cfg config.File) (engine.Config, error) {
	ecfg := engine.DefaultConfig()
	var err error
	ecfg.Period = cfg.Scheduler.Period()
	ecfg.Scheduler, err = cfg.Scheduler.Options()
	if err != nil {
		return engine.Config{}, err
	}
	ecfg.Adaptive = cfg.Scheduler.Adaptive.Build(ecfg.Period)
	ecfg.RT, err = cfg.RT.Setup()
	if err != nil {
		return engine.Config{}, err
	}
	ecfg.FMEA, err = cfg.FaultConfig()
	if err != nil {
		return engine.Config{}, err
	}
	ecfg.Safety, err = cfg.Safety.Build()
	if err != nil {
		return engine.Config{}, err
	}
	ecfg.MaxTicks = cfg.Sim.Ticks
	return ecfg, nil
}

func simConfig(cfg config.File) (sim.Config, error) {
	scfg := sim.DefaultConfig()
	scfg.TorqueNm = cfg.Sim.TorqueNm
	if scfg.TorqueNm == 0 {
		scfg.TorqueNm = defaultSimTorqueNm
	}
	for i, inj := range cfg.Sim.Injections {
		k, err := sim.ParseKind(inj.Fault)
		if err != nil {
			return sim.Config{}, fmt.Errorf("sim.injections[%d]: %w", i, err)
		}
		scfg.Injections = append(scfg.Injections, sim.Injection{
			Kind:   k,
			AtTick: inj.AtTick,
			Ticks:  inj.Ticks,
			Value:  inj.Value,
			Plugin: inj.Plugin,
		})
	}
	return scfg, nil
}

func runEngine(configFile string) {
	cfg := loadConfig(configFile)
	ecfg, err := engineConfig(cfg)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	scfg, err := simConfig(cfg)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lclk := &clock.SystemClock{Log: log}
	wheel := sim.NewWheel(log, lclk, scfg)
	eng, err := engine.New(log, lclk, wheel, wheel, ecfg)
	if err != nil {
		log.Fatal("failed to create engine", zap.Error(err))
	}

	if !cfg.Monitor.Disabled {
		exp := monitor.NewExporter(prometheus.DefaultRegisterer)
		go exp.Run(ctx, eng, monitor.DefaultInterval)
		go runMonitor(log, cfg.Monitor.ListenAddr())
	}

	log.Info("starting control loop",
		zap.Duration("period", ecfg.Period),
		zap.Uint64("max_ticks", ecfg.MaxTicks),
		zap.Int("injections", len(scfg.Injections)))
	err = eng.Run(ctx)
	s := eng.Snapshot()
	log.Info("control loop stopped",
		zap.Uint64("ticks", s.TotalTicks),
		zap.Uint64("missed_ticks", s.MissedTicks),
		zap.Duration("jitter_p99", s.JitterP99),
		zap.Stringer("fault_state", s.Fault.State),
		zap.Stringer("safety_mode", s.Safety.Mode),
		zap.Bool("timing_ok", s.MeetsTimingRequirements()),
		zap.Error(err))
	if err != nil {
		os.Exit(1)
	}
}

func runBenchmark(ticks uint64, jsonFile string, verbose bool) {
	cfg := benchmark.DefaultConfig()
	cfg.Ticks = ticks
	if verbose {
		cfg.Percentiles = os.Stderr
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := benchmark.Run(ctx, log, &clock.SystemClock{Log: log}, cfg)
	if err != nil {
		log.Fatal("benchmark failed", zap.Error(err))
	}
	out := os.Stdout
	if jsonFile != "" {
		out, err = os.Create(jsonFile)
		if err != nil {
			log.Fatal("failed to create result file", zap.Error(err))
		}
	}
	err = r.WriteJSON(out)
	if err != nil {
		log.Fatal("failed to write result", zap.Error(err))
	}
	if out != os.Stdout {
		err = out.Close()
		if err != nil {
			log.Fatal("failed to write result", zap.Error(err))
		}
	}
	if !r.MeetsPerformanceGates() {
		log.Error("performance gates not met")
		os.Exit(1)
	}
}

func runCheck(configFile string) {
	cfg := loadConfig(configFile)
	_, err := engineConfig(cfg)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	_, err = simConfig(cfg)
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	fmt.Println("configuration ok")
}

func exitWithUsage() {
	fmt.Println("usage: ffbrt run -config <file> [-verbose]")
	fmt.Println("       ffbrt bench [-ticks <n>] [-json <file>] [-verbose]")
	fmt.Println("       ffbrt check -config <file>")
	os.Exit(1)
}

func main() {
	var (
		verbose    bool
		configFile string
		ticks      uint64
		jsonFile   string
	)

	runFlags := flag.NewFlagSet("run", flag.ExitOnError)
	benchFlags := flag.NewFlagSet("bench", flag.ExitOnError)
	checkFlags := flag.NewFlagSet("check", flag.ExitOnError)

	runFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	runFlags.StringVar(&configFile, "config", "", "Config file")

	benchFlags.BoolVar(&verbose, "verbose", false, "Verbose logging")
	benchFlags.Uint64Var(&ticks, "ticks", benchmark.DefaultTicks, "Number of ticks")
	benchFlags.StringVar(&jsonFile, "json", "", "Result file (default stdout)")

	checkFlags.StringVar(&configFile, "config", "", "Config file")

	if len(os.Args) < 2 {
		exitWithUsage()
	}

	switch os.Args[1] {
	case runFlags.Name():
		err := runFlags.Parse(os.Args[2:])
		if err != nil || runFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(verbose)
		runEngine(configFile)
	case benchFlags.Name():
		err := benchFlags.Parse(os.Args[2:])
		if err != nil || benchFlags.NArg() != 0 {
			exitWithUsage()
		}
		if ticks == 0 {
			exitWithUsage()
		}
		initLogger(verbose)
		runBenchmark(ticks, jsonFile, verbose)
	case checkFlags.Name():
		err := checkFlags.Parse(os.Args[2:])
		if err != nil || checkFlags.NArg() != 0 {
			exitWithUsage()
		}
		if configFile == "" {
			exitWithUsage()
		}
		initLogger(false /* verbose */)
		runCheck(configFile)
	default:
		exitWithUsage()
	}
}

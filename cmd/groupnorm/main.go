package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/23skdu/longbow-groupnorm/internal/config"
	"github.com/23skdu/longbow-groupnorm/internal/cpu"
	"github.com/23skdu/longbow-groupnorm/internal/flight"
	"github.com/23skdu/longbow-groupnorm/internal/groupnorm"
	"github.com/23skdu/longbow-groupnorm/internal/logger"
	"github.com/23skdu/longbow-groupnorm/internal/monitoring"
	"github.com/23skdu/longbow-groupnorm/internal/ops"
	"github.com/23skdu/longbow-groupnorm/internal/tensorio"
)

const version = "0.1.0"

var (
	configPath  = flag.String("config", "", "Path to a TOML or YAML config file")
	eps         = flag.Float64("eps", 0, "Variance epsilon (overrides config)")
	workers     = flag.Int("workers", 0, "Parallel workers, 0 for one per CPU (overrides config)")
	logLevel    = flag.String("log-level", "", "debug, info, warn or error (overrides config)")
	logFormat   = flag.String("log-format", "", "console or json (overrides config)")
	metricsAddr = flag.String("metrics", "", "Address for /health and /metrics (overrides config)")
	flightAddr  = flag.String("flight", "", "Arrow Flight listen address (overrides config)")
	demo        = flag.Bool("demo", false, "Run the built-in [3,2,1,2] example and print Y")
	verify      = flag.Bool("verify", false, "Compare the kernel against the float64 reference on random input")
	inputPath   = flag.String("input", "", "Arrow IPC stream of named inputs to normalize once")
	outputPath  = flag.String("output", "", "Where to write Y for -input (default stdout)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}
	logger.Setup(cfg.LogLevel, cfg.LogFormat)

	hm := monitoring.NewHealthMonitor(version, monitoring.KernelInfo{
		Op:      groupnorm.OpName,
		Epsilon: cfg.Eps,
		Workers: cfg.Workers,
	})

	ctx := cpu.NewContext()
	defer ctx.Free()

	sess, err := ops.NewGroupNormSession(ctx, ops.Options{
		Kernel:        cfg.Kernel(),
		CheckNumerics: cfg.CheckNumerics,
		Observer:      hm,
	})
	if err != nil {
		fatal("failed to create session", err)
	}

	switch {
	case *demo || *verify:
		ok := true
		if *demo {
			ok = runDemo(sess, os.Stdout) && ok
		}
		if *verify {
			ok = runVerify(sess, cfg.Eps, os.Stdout) && ok
		}
		if !ok {
			os.Exit(1)
		}
	case *inputPath != "":
		if err := runFile(sess, *inputPath, *outputPath); err != nil {
			fatal("normalize file failed", err)
		}
	default:
		serve(cfg, sess, hm)
	}
}

// loadConfig layers defaults, the optional file and explicitly set flags.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return cfg, err
		}
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "eps":
			cfg.Eps = float32(*eps)
		case "workers":
			cfg.Workers = *workers
		case "log-level":
			cfg.LogLevel = strings.ToLower(*logLevel)
		case "log-format":
			cfg.LogFormat = strings.ToLower(*logFormat)
		case "metrics":
			cfg.MetricsAddr = *metricsAddr
		case "flight":
			cfg.FlightAddr = *flightAddr
		}
	})
	return cfg, cfg.Validate()
}

func fatal(msg string, err error) {
	logger.Log.Error(msg, "error", err)
	os.Exit(1)
}

func demoInputs() map[string]*cpu.Tensor {
	x, _ := cpu.FromData([]int64{3, 2, 1, 2}, []float32{
		1.5410, -0.2934, -2.1788, 0.5684, -1.0845, -1.3986,
		0.4033, 0.8380, -0.7193, -0.4033, -0.5966, 0.1820,
	})
	scale, _ := cpu.FromData([]int64{2}, []float32{2, 1})
	bias, _ := cpu.FromData([]int64{2}, []float32{1, 0})
	return map[string]*cpu.Tensor{
		groupnorm.InputX:         x,
		groupnorm.InputNumGroups: cpu.Scalar(2),
		groupnorm.InputScale:     scale,
		groupnorm.InputBias:      bias,
	}
}

func runDemo(sess *ops.Session, w io.Writer) bool {
	y, err := sess.Run(demoInputs())
	if err != nil {
		logger.Log.Error("demo failed", "error", err)
		return false
	}
	defer sess.Release(y)

	fmt.Fprintf(w, "Y shape=%v\n", y.Shape())
	data := y.Data()
	for i := 0; i < len(data); i += 2 {
		fmt.Fprintf(w, "  [%2d] % .4f % .4f\n", i/2, data[i], data[i+1])
	}
	return true
}

// runVerify normalizes a seeded random [2,32,8,8] tensor with 8 groups and
// checks it against the float64 reference.
func runVerify(sess *ops.Session, eps float32, w io.Writer) bool {
	const (
		tolerance = 1e-3
		groups    = 8
	)
	shape := []int64{2, 32, 8, 8}
	rng := rand.New(rand.NewPCG(1, 2))

	n, err := cpu.Elements(shape)
	if err != nil {
		logger.Log.Error("verify shape", "error", err)
		return false
	}
	x := make([]float32, n)
	for i := range x {
		x[i] = float32(rng.NormFloat64()*3 + 0.5)
	}
	scale := make([]float32, shape[1])
	bias := make([]float32, shape[1])
	for i := range scale {
		scale[i] = float32(rng.Float64()*2 - 1)
		bias[i] = float32(rng.Float64()*2 - 1)
	}

	xt, _ := cpu.FromData(shape, x)
	st, _ := cpu.FromData([]int64{shape[1]}, scale)
	bt, _ := cpu.FromData([]int64{shape[1]}, bias)
	y, err := sess.Run(map[string]*cpu.Tensor{
		groupnorm.InputX:         xt,
		groupnorm.InputNumGroups: cpu.Scalar(groups),
		groupnorm.InputScale:     st,
		groupnorm.InputBias:      bt,
	})
	if err != nil {
		logger.Log.Error("verify failed", "error", err)
		return false
	}
	defer sess.Release(y)

	want, err := groupnorm.Reference(x, shape, groups, scale, bias, float64(eps))
	if err != nil {
		logger.Log.Error("reference failed", "error", err)
		return false
	}
	diff := groupnorm.MaxAbsDiff(y.Data(), want)
	fmt.Fprintf(w, "max abs diff vs float64 reference: %.3g (tolerance %.0e)\n", diff, tolerance)
	if diff > tolerance {
		logger.Log.Error("verify exceeded tolerance", "diff", diff)
		return false
	}
	return true
}

func runFile(sess *ops.Session, in, out string) error {
	f, err := os.Open(in)
	if err != nil {
		return err
	}
	defer f.Close()

	inputs, err := tensorio.ReadStream(f, nil)
	if err != nil {
		return err
	}
	y, err := sess.Run(inputs)
	if err != nil {
		return err
	}
	defer sess.Release(y)

	var w io.Writer = os.Stdout
	if out != "" {
		of, err := os.Create(out)
		if err != nil {
			return err
		}
		defer of.Close()
		w = of
	}
	return tensorio.WriteStream(w, nil, map[string]*cpu.Tensor{groupnorm.OutputY: y})
}

func serve(cfg config.Config, sess *ops.Session, hm *monitoring.HealthMonitor) {
	srv, err := flight.NewServer(cfg.FlightAddr, flight.NewService(sess, nil))
	if err != nil {
		fatal("failed to start flight server", err)
	}

	go func() {
		if err := hm.Start(cfg.MetricsAddr); err != nil {
			logger.Log.Error("health monitor error", "error", err)
		}
	}()
	go func() {
		if err := srv.Serve(); err != nil {
			logger.Log.Error("flight server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	logger.Log.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown()
	if err := hm.Shutdown(shutdownCtx); err != nil {
		logger.Log.Warn("health monitor shutdown", "error", err)
	}
}

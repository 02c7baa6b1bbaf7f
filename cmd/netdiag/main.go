package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/NodePath81/netdiag/internal/app"
	"github.com/NodePath81/netdiag/internal/catalog"
	"github.com/NodePath81/netdiag/internal/config"
	"github.com/NodePath81/netdiag/internal/history"
	"github.com/NodePath81/netdiag/internal/speedtest"
	"github.com/NodePath81/netdiag/internal/trace"
	"github.com/NodePath81/netdiag/internal/util"
	"github.com/NodePath81/netdiag/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(2)
	}
	args := os.Args[2:]
	switch os.Args[1] {
	case "run":
		fs := flag.NewFlagSet("run", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		_ = fs.Parse(args)
		runDaemon(configPathArg(fs, *configPath))
	case "check":
		fs := flag.NewFlagSet("check", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		_ = fs.Parse(args)
		checkConfig(configPathArg(fs, *configPath))
	case "speed":
		fs := flag.NewFlagSet("speed", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		target := fs.String("target", "", "Catalog target name (random when empty)")
		_ = fs.Parse(args)
		runSpeed(*configPath, *target)
	case "trace":
		fs := flag.NewFlagSet("trace", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		maxHops := fs.Int("max-hops", 0, "Maximum hop count (config default when 0)")
		_ = fs.Parse(args)
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: netdiag trace [--config <path>] [--max-hops N] <host>")
			os.Exit(2)
		}
		runTrace(*configPath, fs.Arg(0), *maxHops)
	case "history":
		fs := flag.NewFlagSet("history", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		kind := fs.String("kind", string(history.KindThroughput), "Run kind: throughput or trace")
		limit := fs.Int("limit", 0, "Number of entries (config default when 0)")
		_ = fs.Parse(args)
		listHistory(*configPath, history.Kind(*kind), *limit)
	case "targets":
		fs := flag.NewFlagSet("targets", flag.ExitOnError)
		configPath := fs.String("config", "", "Path to config file")
		_ = fs.Parse(args)
		listTargets(*configPath)
	case "help", "-h", "--help":
		printHelp()
	case "version", "-v", "--version":
		fmt.Println(version.Version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printHelp()
		os.Exit(2)
	}
}

func configPathArg(fs *flag.FlagSet, path string) string {
	if path == "" && fs.NArg() > 0 {
		return fs.Arg(0)
	}
	return path
}

func loadConfig(path string) config.Config {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config invalid: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runDaemon(configPath string) {
	cfg := loadConfig(configPath)
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	supervisor := app.NewSupervisor(configPath, logger)
	if err := supervisor.Start(); err != nil {
		logger.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info().Msg("shutdown requested")
	supervisor.Stop()
}

func checkConfig(path string) {
	cfg := loadConfig(path)
	fmt.Printf("config valid: control=%t history=%t tiers=%v\n", cfg.Control.Enabled, cfg.History.Enabled, cfg.Trace.Tiers)
}

// oneShotRuntime builds a runtime without the control surface for a single
// foreground command.
func oneShotRuntime(configPath string) *app.Runtime {
	cfg := loadConfig(configPath)
	cfg.Control.Enabled = false
	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	rt, err := app.NewRuntime(cfg, logger, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	if err := rt.Start(); err != nil {
		rt.Stop()
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		os.Exit(1)
	}
	return rt
}

func interruptContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runSpeed(configPath, targetName string) {
	rt := oneShotRuntime(configPath)
	defer rt.Stop()

	var target *catalog.TestTarget
	if targetName != "" {
		t, ok := rt.Catalog().Lookup(targetName)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown target %q\n", targetName)
			return
		}
		target = &t
	}

	ctx, cancel := interruptContext()
	defer cancel()
	sub := rt.Orchestrator().State().Subscribe()
	defer sub.Close()
	if !rt.Orchestrator().StartRun(target) {
		fmt.Fprintln(os.Stderr, "a measurement is already running")
		return
	}

	var runID string
	var lastPhase speedtest.Phase
	for {
		select {
		case <-ctx.Done():
			rt.Orchestrator().Stop()
			fmt.Println("\nmeasurement stopped")
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			if runID == "" {
				if state.Status != speedtest.StatusRunning {
					continue
				}
				runID = state.RunID
				fmt.Printf("target: %s\n", state.Target)
			}
			if state.RunID != runID {
				continue
			}
			if state.Phase != lastPhase {
				lastPhase = state.Phase
				fmt.Printf("\n[%s]\n", state.Phase)
			}
			fmt.Printf("\r%3.0f%%  down %s  up %s", state.ProgressPct, util.FormatMbps(state.DownloadMbps), util.FormatMbps(state.UploadMbps))
			switch state.Status {
			case speedtest.StatusDone:
				printSpeedResult(state)
				return
			case speedtest.StatusError:
				fmt.Printf("\nerror: %s\n", state.Error)
				return
			}
		}
	}
}

func printSpeedResult(state speedtest.State) {
	res := state.Result()
	latency := fmt.Sprintf("%d ms (jitter %d ms)", res.PingMs, res.JitterMs)
	if state.LatencySynthetic {
		latency += " estimated"
	}
	fmt.Printf("\n\ntarget:   %s\ndownload: %s\nupload:   %s (simulated)\nlatency:  %s\n",
		res.Target, util.FormatMbps(res.DownloadMbps), util.FormatMbps(res.UploadMbps), latency)
	if state.TCPRTTMs > 0 {
		fmt.Printf("tcp rtt:  %.2f ms, %d retransmits\n", state.TCPRTTMs, state.TCPRetransmits)
	}
}

func runTrace(configPath, host string, maxHops int) {
	rt := oneShotRuntime(configPath)
	defer rt.Stop()

	ctx, cancel := interruptContext()
	defer cancel()
	sub := rt.Tracer().State().Subscribe()
	defer sub.Close()
	runID := rt.Tracer().Start(host, maxHops)

	printed := 0
	for {
		select {
		case <-ctx.Done():
			rt.Tracer().Stop()
			fmt.Println("trace stopped")
			return
		case state, ok := <-sub.C():
			if !ok {
				return
			}
			if state.RunID != runID {
				continue
			}
			for ; printed < len(state.Lines); printed++ {
				fmt.Println(state.Lines[printed])
			}
			if state.Status == trace.StatusDone || state.Status == trace.StatusError {
				return
			}
		}
	}
}

func listHistory(configPath string, kind history.Kind, limit int) {
	cfg := loadConfig(configPath)
	if !cfg.History.Enabled {
		fmt.Fprintln(os.Stderr, "history is disabled")
		os.Exit(1)
	}
	if kind != history.KindThroughput && kind != history.KindTrace {
		fmt.Fprintf(os.Stderr, "unknown kind %q\n", kind)
		os.Exit(2)
	}
	if limit <= 0 {
		limit = cfg.History.Limit
	}
	store, err := history.Open(cfg.History.Path, cfg.History.Limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open history: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entries, err := store.List(ctx, kind, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list history: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tSUBJECT\tSTATUS\tSUMMARY")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.StartedAt.Local().Format(time.DateTime), e.Subject, e.Status, e.Summary)
	}
	_ = w.Flush()
}

func listTargets(configPath string) {
	cfg := loadConfig(configPath)
	targets, err := catalog.Load(cfg.Catalog.Path, cfg.Catalog.Default, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load catalog: %v\n", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCOUNTRY\tCITY\tURL")
	for _, t := range targets.Targets() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Name, t.Country, t.City, t.DownloadURL)
	}
	_ = w.Flush()
}

func printHelp() {
	fmt.Print(`netdiag - network diagnostics daemon

Usage:
  netdiag run [--config <path>]                     Start the daemon with the control server
  netdiag check [--config <path>]                   Validate config file
  netdiag speed [--config <path>] [--target NAME]   Run one throughput measurement
  netdiag trace [--config <path>] [--max-hops N] HOST
                                                    Trace the route to HOST
  netdiag history [--kind throughput|trace] [--limit N]
                                                    List recorded runs
  netdiag targets [--config <path>]                 List download targets
  netdiag help                                      Show this help
  netdiag version                                   Print version
`)
}

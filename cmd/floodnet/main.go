package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"floodnet/internal/config"
	"floodnet/internal/daemon"
	"floodnet/internal/metrics"
	"floodnet/internal/peer"
	"floodnet/internal/pprofutil"
	"floodnet/internal/report"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "peers":
		return runPeers(args[1:], stdout, stderr)
	case "reports":
		return runReports(args[1:], stdout, stderr)
	default:
		if !strings.HasPrefix(args[0], "-") {
			return runNode(args, stdout, stderr)
		}
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: floodnet <run|peers|reports> [args]")
	fmt.Fprintln(w, "  run <name> [--flavor basic|stress] [--nodes dir] [--registry file|consul://addr]")
	fmt.Fprintln(w, "             [--transport quic|ws] [--listen host:port] [--port-base n] [--duration d]")
	fmt.Fprintln(w, "             [--report sqlite:<path>|mysql:<dsn>|jsonl:<path>] [--snapshot path] [--pprof addr] [--debug] [--quiet]")
	fmt.Fprintln(w, "  peers <name> [--nodes dir] [--registry file|consul://addr] [--ipv4]")
	fmt.Fprintln(w, "  reports --report sqlite:<path>|jsonl:<path> [--n 20]")
	fmt.Fprintln(w, "  <name>  shorthand for run <name>")
}

// splitName accepts the node name before or after the flags.
func splitName(args []string) (string, []string) {
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		return args[0], args[1:]
	}
	return "", args
}

func runNode(args []string, stdout, stderr io.Writer) int {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	flavor := fs.String("flavor", "", "basic or stress (default basic, or FLOOD_FLAVOR)")
	nodes := fs.String("nodes", "", "shared registry directory")
	registry := fs.String("registry", "", "file or consul://host:port")
	transport := fs.String("transport", "", "quic or ws")
	listen := fs.String("listen", "", "listen host:port")
	portBase := fs.Int("port-base", 0, "derive the listen port from the node name")
	duration := fs.Duration("duration", 0, "stop after this long and print the final dump")
	reportDSN := fs.String("report", "", "record the final dump to sqlite:<path>, mysql:<dsn> or jsonl:<path>")
	snapshot := fs.String("snapshot", "", "write periodic JSON metrics snapshots to this path")
	pprofAddr := fs.String("pprof", "", "serve pprof and /metrics on this loopback addr")
	debug := fs.Bool("debug", false, "enable debug logging")
	quiet := fs.Bool("quiet", false, "suppress periodic stats and inbound message display")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if name == "" {
		name = fs.Arg(0)
	}
	if name == "" {
		fmt.Fprintln(stderr, "missing node name")
		return 1
	}
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(stderr, "load .env failed: %v\n", err)
		return 1
	}
	fl := config.Flavor(strings.TrimSpace(os.Getenv("FLOOD_FLAVOR")))
	if *flavor != "" {
		fl = config.Flavor(*flavor)
	}
	if fl == "" {
		fl = config.FlavorBasic
	}
	if fl != config.FlavorBasic && fl != config.FlavorStress {
		fmt.Fprintf(stderr, "unknown flavor: %s\n", fl)
		return 1
	}
	cfg := config.Default(fl)
	if err := cfg.ApplyEnv(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "nodes":
			cfg.NodesDir = *nodes
		case "registry":
			cfg.Registry = *registry
		case "transport":
			cfg.Transport = *transport
		case "listen":
			cfg.ListenAddr = *listen
		case "port-base":
			cfg.PortBase = *portBase
		case "duration":
			cfg.Duration = *duration
		case "report":
			cfg.ReportDSN = *reportDSN
		case "snapshot":
			cfg.SnapshotPath = *snapshot
		case "pprof":
			cfg.PprofAddr = *pprofAddr
		case "debug":
			cfg.Debug = *debug
		case "quiet":
			cfg.Quiet = *quiet
		}
	})
	cfg.Name = name
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if cfg.Debug {
		_ = os.Setenv("FLOOD_DEBUG", "1")
	}
	reg, err := openRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "registry: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	m := metrics.New()
	if cfg.PprofAddr != "" {
		allowPublic := strings.TrimSpace(os.Getenv("FLOOD_PPROF_ALLOW_PUBLIC")) == "1"
		if _, err := pprofutil.Start(ctx, cfg.PprofAddr, allowPublic, m, stderr); err != nil {
			fmt.Fprintf(stderr, "pprof: %v\n", err)
			return 1
		}
	}
	display := io.Writer(stdout)
	if cfg.Quiet {
		display = nil
	}
	ctrl, err := daemon.New(daemon.Options{
		Config:     cfg,
		Directory:  &peer.Directory{Registry: reg, Self: cfg.Name, RequireIPv4: cfg.RequireIPv4},
		Transports: daemon.NewTransport(cfg),
		Metrics:    m,
		Display:    display,
	})
	if err != nil {
		fmt.Fprintf(stderr, "load node failed: %v\n", err)
		return 1
	}

	repCtx, stopReporter := context.WithCancel(ctx)
	rep := &metrics.Reporter{Metrics: m, Interval: cfg.ReportInterval, SnapshotPath: cfg.SnapshotPath}
	if !cfg.Quiet {
		rep.Out = stdout
	}
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		rep.Run(repCtx)
	}()

	runErr := ctrl.Run(ctx)
	stopReporter()
	<-reporterDone
	if runErr != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", runErr)
		return 1
	}
	snap := m.Snapshot()
	metrics.WriteFinal(stdout, snap)
	if cfg.SnapshotPath != "" {
		if err := m.WriteSnapshot(cfg.SnapshotPath); err != nil {
			fmt.Fprintf(stderr, "snapshot: %v\n", err)
		}
	}
	if cfg.ReportDSN != "" {
		if err := recordRun(cfg, snap); err != nil {
			fmt.Fprintf(stderr, "report: %v\n", err)
		}
	}
	return 0
}

func openRegistry(cfg config.Config) (peer.Registry, error) {
	if addr, ok := cfg.ConsulAddr(); ok {
		return peer.NewConsulRegistry(addr)
	}
	return peer.NewFileRegistry(cfg.NodesDir)
}

func recordRun(cfg config.Config, snap metrics.Snapshot) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, err := report.Open(ctx, cfg.ReportDSN)
	if err != nil {
		return err
	}
	defer sink.Close()
	return sink.Record(ctx, report.FromSnapshot(cfg.Name, string(cfg.Flavor), cfg.Transport, snap))
}

func runPeers(args []string, stdout, stderr io.Writer) int {
	name, rest := splitName(args)
	fs := flag.NewFlagSet("peers", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nodes := fs.String("nodes", config.DefaultNodes, "shared registry directory")
	registry := fs.String("registry", config.RegistryFile, "file or consul://host:port")
	ipv4 := fs.Bool("ipv4", false, "only list /ip4/ addresses")
	if err := fs.Parse(rest); err != nil {
		return 1
	}
	if name == "" {
		name = fs.Arg(0)
	}
	cfg := config.Config{NodesDir: *nodes, Registry: *registry}
	reg, err := openRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "registry: %v\n", err)
		return 1
	}
	dir := &peer.Directory{Registry: reg, Self: name, RequireIPv4: *ipv4}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, addr := range dir.Peers(ctx) {
		fmt.Fprintln(stdout, addr)
	}
	return 0
}

func runReports(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reports", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dsn := fs.String("report", os.Getenv("FLOOD_REPORT"), "sqlite:<path>, mysql:<dsn> or jsonl:<path>")
	n := fs.Int("n", 20, "max runs")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *dsn == "" {
		fmt.Fprintln(stderr, "missing --report")
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sink, err := report.Open(ctx, *dsn)
	if err != nil {
		fmt.Fprintf(stderr, "reports: %v\n", err)
		return 1
	}
	defer sink.Close()
	lister, ok := sink.(report.Lister)
	if !ok {
		fmt.Fprintln(stderr, "reports: sink cannot list runs")
		return 1
	}
	runs, err := lister.List(ctx, *n)
	if err != nil {
		fmt.Fprintf(stderr, "reports: %v\n", err)
		return 1
	}
	for _, r := range runs {
		fmt.Fprintf(stdout, "%d node=%s flavor=%s transport=%s ended=%s exchanged=%dB rounds=%d resets=%d received=%d relayed=%d restarts=%d\n",
			r.ID, r.Node, r.Flavor, r.Transport, r.EndedAt.Format(time.RFC3339), r.ExchangedBytes,
			r.SuccessfulRounds, r.Resets, r.DistinctReceived, r.DistinctRelayed, r.Restarts)
	}
	return 0
}

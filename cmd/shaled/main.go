package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shale-io/shale/internal/config"
	"github.com/shale-io/shale/internal/logging"
	"github.com/shale-io/shale/internal/rpc"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// shutdownTimeout bounds a graceful shutdown.
const shutdownTimeout = 30 * time.Second

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-version") {
		fmt.Printf("shaled version %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	subcommand := os.Args[1]
	switch subcommand {
	case "tserver":
		runTServer(os.Args[2:])
	case "gc":
		runGC(os.Args[2:])
	case "admin":
		runAdmin(os.Args[2:])
	case "version":
		fmt.Printf("shaled version %s (built %s, commit %s)\n", version, buildTime, gitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcommand)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: shaled <command> [options]

Commands:
  tserver     Start a tablet server
  gc          Start the garbage collector
  admin       Administrative commands (tables, tablets, flags, gc, scans)
  version     Print version information

Run 'shaled <command> --help' for more information on a command.`)
}

// loadConfig reads path, or SHALE_CONFIG and the defaults when path is
// empty.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFromPath(path)
	}
	return config.Load()
}

// setupLogger configures the global logger and routes gRPC's own logs
// through it.
func setupLogger(cfg *config.Config) *logging.Logger {
	logger := logging.Configure(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	rpc.RouteGRPCLogs(logger.Named("grpc"))
	return logger
}

// process is a started server process.
type process interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// serve starts p and shuts it down on SIGINT or SIGTERM, or once done is
// closed.
func serve(logger *logging.Logger, name string, p process, done <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.Start(ctx)
	}()

	select {
	case sig := <-sigCh:
		logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil {
			logger.Errorf(name+" failed to start", map[string]any{"error": err.Error()})
			shutdown(logger, p)
			os.Exit(1)
		}
		select {
		case sig := <-sigCh:
			logger.Infof("received shutdown signal", map[string]any{"signal": sig.String()})
		case <-done:
		}
	}

	logger.Info("initiating graceful shutdown")
	if !shutdown(logger, p) {
		os.Exit(1)
	}
}

func shutdown(logger *logging.Logger, p process) bool {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		logger.Errorf("shutdown error", map[string]any{"error": err.Error()})
		return false
	}
	return true
}

func runTServer(args []string) {
	fs := flag.NewFlagSet("tserver", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override RPC listen address (e.g., :9997)")
	advertise := fs.String("advertise", "", "Override the address recorded in tablet assignments")
	dataDir := fs.String("data-dir", "", "Override tablet data directory")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics and health address (e.g., :9090)")

	fs.Usage = func() {
		fmt.Println(`Usage: shaled tserver [options]

Start a tablet server. It locks its address, hosts the tablets the catalog
assigns to it, and serves scans and updates.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	overrideString(&cfg.TServer.ListenAddr, *listenAddr)
	overrideString(&cfg.TServer.AdvertiseAddr, *advertise)
	overrideString(&cfg.TServer.DataDir, *dataDir)
	overrideString(&cfg.Observability.MetricsAddr, *metricsAddr)

	logger := setupLogger(cfg)
	defer logger.Sync()

	ts, err := NewTServer(TServerOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
	})
	if err != nil {
		logger.Errorf("failed to create tablet server", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	serve(logger, "tablet server", ts, nil)
}

func runGC(args []string) {
	fs := flag.NewFlagSet("gc", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	listenAddr := fs.String("listen", "", "Override GC monitor listen address (e.g., :50091)")
	metricsAddr := fs.String("metrics-addr", "", "Override metrics and health address (e.g., :9090)")
	safemode := fs.Bool("safemode", false, "Log what would be deleted and delete nothing")
	offline := fs.Bool("offline", false, "Run one cycle from a storage listing and exit")
	verbose := fs.Bool("verbose", false, "Log every candidate kept because it is in use")

	fs.Usage = func() {
		fmt.Println(`Usage: shaled gc [options]

Start the garbage collector. It takes the cluster-wide GC lock and deletes
files and directories no tablet references.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	overrideString(&cfg.GC.ListenAddr, *listenAddr)
	overrideString(&cfg.Observability.MetricsAddr, *metricsAddr)
	cfg.GC.Safemode = cfg.GC.Safemode || *safemode
	cfg.GC.Offline = cfg.GC.Offline || *offline
	cfg.GC.Verbose = cfg.GC.Verbose || *verbose

	logger := setupLogger(cfg)
	defer logger.Sync()

	p, err := NewGCProcess(GCOptions{
		Config:    cfg,
		Logger:    logger,
		Version:   version,
		GitCommit: gitCommit,
	})
	if err != nil {
		logger.Errorf("failed to create garbage collector", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	serve(logger, "garbage collector", p, p.Done())
}

func overrideString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// X1-Siphon: local exchange-and-drain simulator.
//
// This is the main entry point for X1-Siphon. It runs a scenario file
// against a simulated ledger, prints which steps behaved as expected,
// and can keep serving the resulting state over JSON-RPC for inspection.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fortiblox/X1-Siphon/pkg/accounts"
	"github.com/fortiblox/X1-Siphon/pkg/journal"
	"github.com/fortiblox/X1-Siphon/pkg/metrics"
	"github.com/fortiblox/X1-Siphon/pkg/rpc"
	"github.com/fortiblox/X1-Siphon/pkg/scenario"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	scenarioPath = flag.String("scenario", "", "Scenario file to run (required)")
	dataDir      = flag.String("data-dir", "", "Directory for the badger accounts store (empty = in-process map)")
	inMemory     = flag.Bool("in-memory", false, "Run the badger accounts store in memory")
	journalPath  = flag.String("journal", "", "Transaction journal file (empty = no journal)")
	metricsAddr  = flag.String("metrics-addr", "", "Prometheus metrics listen address (empty = disabled)")
	rpcAddr      = flag.String("rpc-addr", "", "Serve the inspection RPC on this address after the run (empty = exit)")
	logLevel     = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	verbose      = flag.Bool("verbose", false, "Print logs and balances for every step")
	showVersion  = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("X1-Siphon %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *scenarioPath == "" {
		fmt.Fprintln(os.Stderr, "missing -scenario")
		flag.Usage()
		os.Exit(2)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(*logLevel))); err != nil {
		log.Fatalf("Invalid -log-level: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	passed, err := run(ctx, logger)
	if err != nil {
		log.Fatalf("Scenario failed: %v", err)
	}
	if !passed {
		os.Exit(1)
	}
}

// run executes the scenario and, when requested, serves its state until
// ctx is canceled. It reports whether every expectation held.
func run(ctx context.Context, logger *slog.Logger) (bool, error) {
	sc, err := scenario.Load(*scenarioPath)
	if err != nil {
		return false, err
	}
	log.Printf("Starting X1-Siphon %s: scenario %q", Version, sc.Name)

	db, err := openAccounts(sc.Name, logger)
	if err != nil {
		return false, err
	}
	defer db.Close()
	if db.GetSlot() != 0 {
		return false, fmt.Errorf("accounts store under %s already holds a run at slot %d; use a fresh -data-dir", *dataDir, db.GetSlot())
	}

	opts := []scenario.Option{scenario.WithAccountsDB(db), scenario.WithLogger(logger)}

	var j *journal.Journal
	if *journalPath != "" {
		j, err = journal.Open(journal.DefaultConfig(*journalPath))
		if err != nil {
			return false, err
		}
		defer j.Close()
		opts = append(opts, scenario.WithRecorder(j))
		log.Printf("Journaling to %s (run %s)", *journalPath, j.RunID())
	}

	var metricsSrv *http.Server
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		opts = append(opts, scenario.WithMetrics(metrics.New(reg)))
		metricsSrv = serveMetrics(*metricsAddr, reg)
		defer metricsSrv.Close()
	}

	runner, err := scenario.NewRunner(sc, opts...)
	if err != nil {
		return false, err
	}

	start := time.Now()
	report, err := runner.Run(ctx)
	if err != nil {
		return false, err
	}
	report.Write(os.Stdout, *verbose)
	log.Printf("Scenario %q finished in %v: %d steps, passed=%v",
		sc.Name, time.Since(start).Round(time.Millisecond), len(report.Steps), report.Passed())

	if *rpcAddr == "" && metricsSrv == nil {
		return report.Passed(), nil
	}

	if *rpcAddr != "" {
		config := rpc.DefaultConfig()
		config.Addr = *rpcAddr
		config.Version = Version
		config.LogRequests = logger.Enabled(ctx, slog.LevelDebug)

		// A nil *journal.Journal must not become a non-nil History.
		var history rpc.History
		if j != nil {
			history = j
		}
		server := rpc.New(config, runner.Bank(), history)
		if err := server.Start(ctx); err != nil {
			return false, fmt.Errorf("rpc server: %w", err)
		}
	} else {
		log.Printf("Serving metrics until interrupted")
		<-ctx.Done()
	}
	return report.Passed(), nil
}

// openAccounts picks the accounts backend from the flags.
func openAccounts(name string, logger *slog.Logger) (accounts.DB, error) {
	if *dataDir == "" && !*inMemory {
		return accounts.NewMemoryDB(), nil
	}

	cfg := accounts.DefaultBadgerDBConfig(filepath.Join(*dataDir, "accounts", name))
	cfg.InMemory = *inMemory
	cfg.Logger = badgerLogger{logger.With("component", "badger")}
	if !cfg.InMemory {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := accounts.NewBadgerDB(cfg)
	if err != nil {
		return nil, err
	}
	return db, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Printf("Metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Metrics server error: %v", err)
		}
	}()
	return srv
}

// badgerLogger routes badger's printf-style logging into slog.
type badgerLogger struct{ l *slog.Logger }

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.l.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.l.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.l.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

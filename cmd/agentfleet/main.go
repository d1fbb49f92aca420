package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/floegence/agentfleet/internal/agent"
	"github.com/floegence/agentfleet/internal/classify"
	"github.com/floegence/agentfleet/internal/config"
	"github.com/floegence/agentfleet/internal/expert"
	"github.com/floegence/agentfleet/internal/monitor"
	"github.com/floegence/agentfleet/internal/orchestrator"
	"github.com/floegence/agentfleet/internal/rules"
	"github.com/floegence/agentfleet/internal/tracestore"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("agentfleet %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `agentfleet

Usage:
  agentfleet init [flags]
  agentfleet run [flags]
  agentfleet version

Commands:
  init      Write a starter config file.
  run       Execute one orchestrated request using the local config file.
  version   Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	agentBin := fs.String("agent-bin", "", "Coding-agent executable to spawn")
	_ = fs.Parse(args)

	if strings.TrimSpace(*agentBin) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg := &config.Config{
		AgentBin:  *agentBin,
		LogFormat: "text",
		LogLevel:  "info",
	}
	if err := config.Save(filepath.Clean(*cfgPath), cfg); err != nil {
		fmt.Fprintf(os.Stderr, "init failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", filepath.Clean(*cfgPath))
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	prompt := fs.String("prompt", "", "The request to orchestrate")
	sessionID := fs.String("session", "", "Session id for multi-turn context")
	workDir := fs.String("workdir", ".", "Workspace directory handed to agents")
	metricsAddr := fs.String("metrics-addr", "", "Serve Prometheus metrics on this address (empty: disabled)")
	_ = fs.Parse(args)

	if strings.TrimSpace(*prompt) == "" {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)
	slog.SetDefault(log)

	orch, cleanup, err := buildOrchestrator(log, cfg, filepath.Clean(*cfgPath))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init orchestrator: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	if *metricsAddr != "" {
		go serveMetrics(log, *metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	wd, err := filepath.Abs(*workDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid workdir: %v\n", err)
		os.Exit(1)
	}

	synthesis, err := orch.Execute(ctx, *prompt, *sessionID, wd)
	if synthesis != "" {
		fmt.Println(synthesis)
	}
	if err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "execution failed: %v\n", err)
		os.Exit(1)
	}
}

// buildOrchestrator wires the default collaborators around the configured
// agent binary. The returned cleanup closes the orchestrator and trace store.
func buildOrchestrator(log *slog.Logger, cfg *config.Config, cfgPath string) (*orchestrator.Orchestrator, func(), error) {
	classifier, err := buildClassifier(log, cfg)
	if err != nil {
		return nil, nil, err
	}

	var experts orchestrator.ExpertStore
	if strings.TrimSpace(cfg.ExpertsDir) != "" {
		store, err := expert.Open(cfg.ExpertsDir)
		if err != nil {
			return nil, nil, fmt.Errorf("open experts: %w", err)
		}
		experts = store
	}

	stateDir := config.ResolveStateDir(cfg, cfgPath)
	traces, err := tracestore.Open(log, filepath.Join(stateDir, "traces.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open trace store: %w", err)
	}

	metrics := orchestrator.MustNewPromMetrics(prometheus.DefaultRegisterer)

	orch, err := orchestrator.New(orchestrator.Options{
		Log: log,
		Config: orchestrator.Config{
			AgentBin:     cfg.AgentBin,
			AgentArgs:    cfg.AgentArgs,
			Concurrency:  int64(cfg.Concurrency),
			AgentTimeout: cfg.AgentTimeout(),
			RetryBase:    cfg.RetryBase(),
			RetryMax:     cfg.RetryMax,
			OutputCap:    cfg.OutputCapBytes,
			AutoApprove:  cfg.AutoApprove,
			Retention:    cfg.Retention(),
		},
		Runner:     agent.NewRunner(log),
		Classifier: classifier,
		Experts:    experts,
		Learning:   traces,
		Metrics:    metrics,
		Sessions:   traces,
		Rules:      rules.NewDiscoverer(log),
		Sampler:    monitor.NewSampler(log, 0),
	})
	if err != nil {
		_ = traces.Close()
		return nil, nil, err
	}

	cleanup := func() {
		orch.Close()
		_ = traces.Close()
	}
	return orch, cleanup, nil
}

func buildClassifier(log *slog.Logger, cfg *config.Config) (orchestrator.Classifier, error) {
	model := strings.TrimSpace(cfg.ClassifierModel)
	if model == "" {
		return classify.NewHeuristic(), nil
	}
	keyEnv := strings.TrimSpace(cfg.ClassifierAPIKeyEnv)
	if keyEnv == "" {
		return nil, fmt.Errorf("classifier_model %q set but classifier_api_key_env is empty", model)
	}
	apiKey := os.Getenv(keyEnv)
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("env var %s is empty", keyEnv)
	}
	return classify.NewLLM(log, model, apiKey)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	format := cfg.LogFormat
	if format == "" {
		// Humans at a terminal get text, everything else gets json.
		format = "json"
		if term.IsTerminal(int(os.Stderr.Fd())) {
			format = "text"
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func serveMetrics(log *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info("metrics.listen", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("metrics.server.stopped", "error", err)
	}
}

// Marlow is a personal assistant agent.
//
// It exposes a JSON chat API and a WebSocket channel, runs a bounded
// self-correcting tool loop per turn, and maintains long-term memory
// and a scored experience store across conversations. Configuration
// is loaded from a single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	marlow serve             Start the gateway server
//	marlow ask <question>    Ask a single question (for testing)
//	marlow version           Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/marlowbot/marlow/internal/agent"
	"github.com/marlowbot/marlow/internal/buildinfo"
	"github.com/marlowbot/marlow/internal/bus"
	"github.com/marlowbot/marlow/internal/config"
	"github.com/marlowbot/marlow/internal/embeddings"
	"github.com/marlowbot/marlow/internal/fetch"
	"github.com/marlowbot/marlow/internal/gateway"
	"github.com/marlowbot/marlow/internal/llm"
	"github.com/marlowbot/marlow/internal/memory"
	"github.com/marlowbot/marlow/internal/oracle"
	"github.com/marlowbot/marlow/internal/search"
	"github.com/marlowbot/marlow/internal/session"
	"github.com/marlowbot/marlow/internal/tools"
)

// shutdownTimeout bounds graceful drain of in-flight requests.
const shutdownTimeout = 10 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the full lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Arguments are parsed by hand; the flag
// package's package-level globals interfere with parallel tests and
// the surface here is small.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: marlow ask <question>")
		}
		return runAsk(ctx, stdout, configPath, cmdArgs)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Marlow - Personal Assistant Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: marlow [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve     Start the gateway server")
	fmt.Fprintln(w, "  ask       Ask a single question (for testing)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// runAsk boots a minimal agent against throwaway stores and processes
// a single question. Useful for smoke tests without the server.
func runAsk(ctx context.Context, stdout io.Writer, configPath string, args []string) error {
	logger := newLogger(stdout, slog.LevelWarn)
	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	dataDir, err := os.MkdirTemp("", "marlow-ask-*")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(dataDir)

	deps, err := buildAgent(cfg, dataDir, logger, bus.New())
	if err != nil {
		return err
	}
	defer deps.Close()

	fmt.Fprintln(stdout, deps.Agent.ProcessMessage(ctx, "cli", question, nil))
	return nil
}

// runServe is the primary operating mode: load config, open stores,
// wire the agent, start the gateway, and block until a shutdown
// signal arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo)
	logger.Info("starting Marlow", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure now that the desired level is known.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stdout, level)
	}
	logger.Info("config loaded", "path", cfgPath, "port", cfg.Listen.Port, "model", cfg.Models.Default)

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", dataDir, err)
	}

	events := bus.New()
	deps, err := buildAgent(cfg, dataDir, logger, events)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.NewServer(cfg.Listen.Address, cfg.Listen.Port, deps.Agent, deps.Sessions, events, logger)
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return gw.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("gateway: %w", err)
	}
}

// agentDeps bundles everything buildAgent opens so callers can close
// it as a unit.
type agentDeps struct {
	Agent    *agent.Agent
	Memory   *memory.Store
	Sessions *session.Store
}

func (d *agentDeps) Close() {
	d.Sessions.Close()
	d.Memory.Close()
}

// buildAgent opens the stores and wires the full agent from config.
func buildAgent(cfg *config.Config, dataDir string, logger *slog.Logger, events *bus.Bus) (*agentDeps, error) {
	llmClient := createLLMClient(cfg, logger)

	memOpts := []memory.Option{memory.WithLogger(logger), memory.WithBus(events)}
	if cfg.Embeddings.Enabled {
		baseURL := cfg.Embeddings.BaseURL
		if baseURL == "" {
			baseURL = cfg.Models.OllamaURL
		}
		memOpts = append(memOpts, memory.WithEmbedder(embeddings.New(embeddings.Config{
			BaseURL: baseURL,
			Model:   cfg.Embeddings.Model,
		})))
		logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
	}
	mem, err := memory.Open(filepath.Join(dataDir, "memory.db"), memOpts...)
	if err != nil {
		return nil, fmt.Errorf("open memory store: %w", err)
	}

	sessions, err := session.Open(filepath.Join(dataDir, "sessions.db"), session.WithLogger(logger))
	if err != nil {
		mem.Close()
		return nil, fmt.Errorf("open session store: %w", err)
	}

	registry, err := buildTools(cfg, logger)
	if err != nil {
		sessions.Close()
		mem.Close()
		return nil, err
	}

	orc := oracle.New(llmClient, oracle.Config{
		Mode:         cfg.Agent.OracleMode,
		UtilityModel: cfg.Models.Utility,
		MainModel:    cfg.Models.Default,
	}, logger)

	persona := ""
	if cfg.PersonaFile != "" {
		raw, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			logger.Warn("persona file unreadable, using default", "path", cfg.PersonaFile, "error", err)
		} else {
			persona = strings.TrimSpace(string(raw))
		}
	}

	a := agent.New(agent.Config{
		Logger:        logger,
		LLM:           llmClient,
		Registry:      registry,
		Memory:        mem,
		Sessions:      sessions,
		Oracle:        orc,
		Events:        events,
		Model:         cfg.Models.Default,
		Persona:       persona,
		MaxIterations: cfg.Agent.MaxIterations,
		MemoryWindow:  cfg.Agent.MemoryWindow,
	})
	return &agentDeps{Agent: a, Memory: mem, Sessions: sessions}, nil
}

// createLLMClient builds the multi-provider client. Models not
// explicitly mapped fall through to Ollama.
func createLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.OpenAI.APIKey != "" {
		multi.AddProvider("openai", llm.NewOpenAIClient(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, logger))
		logger.Info("OpenAI provider configured")
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

// buildTools assembles the tool registry: workspace file tools, web
// search, and page fetching, each enabled by config.
func buildTools(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry()

	if cfg.Workspace.Path != "" {
		ws, err := tools.NewWorkspace(cfg.Workspace.Path, cfg.Workspace.ReadOnlyDirs)
		if err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
		ws.RegisterTools(registry)
		logger.Info("workspace tools registered", "path", cfg.Workspace.Path)
	}

	// SearXNG is preferred when both providers are configured.
	primary := ""
	if cfg.Search.BraveAPIKey != "" {
		primary = "brave"
	}
	if cfg.Search.SearXNGURL != "" {
		primary = "searxng"
	}
	mgr := search.NewManager(primary)
	if cfg.Search.SearXNGURL != "" {
		mgr.Register(search.NewSearXNG(cfg.Search.SearXNGURL))
	}
	if cfg.Search.BraveAPIKey != "" {
		mgr.Register(search.NewBrave(cfg.Search.BraveAPIKey))
	}
	if mgr.Configured() {
		registry.Register(search.Tool(mgr))
		logger.Info("search tool registered", "providers", mgr.Providers())
	} else {
		logger.Warn("no search provider configured")
	}

	registry.Register(fetch.Tool(fetch.New()))
	return registry, nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}))
}

// loadConfig locates and parses the YAML configuration file, falling
// back to defaults when no file exists anywhere on the search path.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "(defaults)", nil
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

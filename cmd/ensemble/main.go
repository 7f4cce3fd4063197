package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/ensemble/internal/actions"
	"github.com/rendis/ensemble/internal/agent"
	"github.com/rendis/ensemble/internal/engine"
	"github.com/rendis/ensemble/internal/expressions"
	"github.com/rendis/ensemble/internal/logging"
	"github.com/rendis/ensemble/internal/pipeline"
	"github.com/rendis/ensemble/internal/resultstore"
	"github.com/rendis/ensemble/internal/scheduler"
	"github.com/rendis/ensemble/internal/secrets"
	"github.com/rendis/ensemble/internal/store"
	"github.com/rendis/ensemble/internal/streaming"
	"github.com/rendis/ensemble/internal/validation"
	"github.com/rendis/ensemble/pkg/mcp"
	"github.com/rendis/ensemble/pkg/schema"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			printVersion()
			return
		case "secret":
			if err := runSecretCommand(os.Args[2:]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := serve(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serve() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	results, err := openResults(cfg)
	if err != nil {
		return err
	}
	defer results.Close()

	exprEngine := expressions.NewExprEngine()
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return fmt.Errorf("cel engine: %w", err)
	}
	jqEngine := expressions.NewGoJQEngine()

	registry := actions.NewRegistry()
	if err := actions.RegisterBuiltins(registry, actions.BuiltinDeps{
		Expr: exprEngine,
		CEL:  celEngine,
		JQ:   jqEngine,
	}); err != nil {
		return err
	}

	invoker, err := buildInvoker(ctx, cfg, st)
	if err != nil {
		return err
	}

	validator, err := validation.NewPlanValidator(registry, invoker)
	if err != nil {
		return err
	}

	hub := streaming.NewMemoryHub()
	defer func() { _ = hub.Close() }()

	orch, err := engine.New(engine.Config{
		Workers:            cfg.Workers,
		DefaultNodeTimeout: time.Duration(cfg.NodeTimeout),
		SynthesisTimeout:   time.Duration(cfg.SynthesisTimeout),
	}, engine.Deps{
		Store:     st,
		Results:   results,
		Invoker:   invoker,
		Pipeline:  pipeline.New(registry, celEngine, logger),
		Expr:      exprEngine,
		Validator: validator,
		Sink:      &streaming.PhaseSink{Hub: hub},
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, &orchestratorRunner{orch: orch}, logger)
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return err
		}
		defer func() { _ = sched.Stop() }()
	}

	srv := mcp.NewEnsembleServer(mcp.EnsembleServerDeps{
		Orchestrator: orch,
		Store:        st,
		Results:      results,
		Registry:     registry,
		Hub:          hub,
		Logger:       logger,
	})
	go func() { _ = srv.ForwardEvents(ctx) }()

	logger.Info("ensemble engine listening on stdio",
		slog.String("db", cfg.DBPath),
		slog.Int("workers", cfg.Workers))

	serveErr := srv.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		logger.Warn("orchestrator shutdown", slog.String("error", err.Error()))
	}

	if serveErr != nil && ctx.Err() == nil {
		return serveErr
	}
	return nil
}

// orchestratorRunner adapts the engine to the scheduler's submit contract.
type orchestratorRunner struct {
	orch *engine.Orchestrator
}

func (r *orchestratorRunner) Submit(ctx context.Context, plan *schema.WorkflowPlan) (string, error) {
	handle, err := r.orch.Execute(ctx, plan)
	if err != nil {
		return "", err
	}
	return handle.RunID, nil
}

func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// openResults picks the node-result backend: in-memory by default,
// libSQL alongside the main database when durable_results is set.
func openResults(cfg Config) (resultstore.Store, error) {
	if !cfg.DurableResults {
		return resultstore.NewMemoryStore(time.Duration(cfg.ResultTTL)), nil
	}
	dbPath := filepath.Join(filepath.Dir(cfg.DBPath), "results.db")
	return resultstore.NewLibSQLStore("file:"+dbPath, time.Duration(cfg.ResultTTL))
}

// buildInvoker resolves the API key (env first, vault second) and
// constructs the OpenAI-compatible invoker.
func buildInvoker(ctx context.Context, cfg Config, st *store.LibSQLStore) (agent.Invoker, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" && cfg.VaultPassphrase != "" {
		vault, err := newVault(cfg, st)
		if err != nil {
			return nil, err
		}
		if key, err := vault.Get(ctx, "openai_api_key"); err == nil {
			apiKey = key
		}
	}
	if apiKey == "" {
		return nil, fmt.Errorf("no API key: set OPENAI_API_KEY or store one with 'ensemble secret set openai_api_key'")
	}

	return agent.NewOpenAIInvoker(agent.OpenAIConfig{
		APIKey:       apiKey,
		BaseURL:      cfg.OpenAI.BaseURL,
		DefaultModel: cfg.OpenAI.DefaultModel,
		MaxRetries:   cfg.OpenAI.MaxRetries,
		Capabilities: cfg.OpenAI.Capabilities,
	})
}

func newVault(cfg Config, st *store.LibSQLStore) (secrets.Vault, error) {
	if cfg.VaultPassphrase == "" {
		return nil, fmt.Errorf("vault passphrase required: set ENSEMBLE_VAULT_PASSPHRASE")
	}
	return secrets.Open(st, secrets.KeySource{
		Passphrase: cfg.VaultPassphrase,
		Salt:       []byte(cfg.VaultSalt),
	})
}

// runSecretCommand handles 'ensemble secret set|get|list|delete'.
func runSecretCommand(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: ensemble secret set|get|list|delete [key] [value]")
	}

	cfg := loadConfig()
	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	vault, err := newVault(cfg, st)
	if err != nil {
		return err
	}

	switch args[0] {
	case "set":
		if len(args) != 3 {
			return fmt.Errorf("usage: ensemble secret set <key> <value>")
		}
		return vault.Set(ctx, args[1], args[2])
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: ensemble secret get <key>")
		}
		value, err := vault.Get(ctx, args[1])
		if err != nil {
			return err
		}
		fmt.Println(value)
		return nil
	case "list":
		names, err := vault.Names(ctx)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	case "delete":
		if len(args) != 2 {
			return fmt.Errorf("usage: ensemble secret delete <key>")
		}
		return vault.Delete(ctx, args[1])
	default:
		return fmt.Errorf("unknown secret command %q", args[0])
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP owns stdout; all logs go to stderr.
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

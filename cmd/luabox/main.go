// Package main is the luabox host binary. It wires configuration, logging,
// the capability sandbox, and the module loader, then runs the configured
// entry script in a sandboxed state.
package main

import (
	"flag"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/luabox/luabox/internal/config"
	"github.com/luabox/luabox/internal/observability"
	"github.com/luabox/luabox/internal/sandbox"
	"github.com/luabox/luabox/internal/scripting"
)

func main() {
	start := time.Now()

	defaultConfig := "configs/luabox.yaml"
	if env := os.Getenv("LUABOX_CONFIG"); env != "" {
		defaultConfig = env
	}
	configPath := flag.String("config", defaultConfig, "path to configuration file")
	script := flag.String("script", "", "script to run (overrides runtime.entry)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	policy := sandbox.DefaultPolicy()
	if cfg.Sandbox.PolicyFile != "" {
		policy, err = sandbox.FromFile(cfg.Sandbox.PolicyFile)
		if err != nil {
			logger.Fatal("loading sandbox policy", zap.Error(err))
		}
	}
	if cfg.Sandbox.MaxInstructions > 0 {
		policy.Limits.MaxInstructions = cfg.Sandbox.MaxInstructions
	}
	if cfg.Sandbox.MaxExecutionTime > 0 {
		policy.Limits.MaxExecutionTime = cfg.Sandbox.MaxExecutionTime
	}

	metrics, err := observability.NewMetrics()
	if err != nil {
		logger.Fatal("initializing metrics", zap.Error(err))
	}

	engine, err := scripting.New(scripting.Options{
		Root:       cfg.Runtime.Root,
		ModulesDir: cfg.Runtime.ModulesDir,
		AppDir:     cfg.Runtime.AppDir,
		Policy:     &policy,
		Logger:     logger,
		Metrics:    metrics,
	})
	if err != nil {
		logger.Fatal("building engine", zap.Error(err))
	}

	entry := cfg.Runtime.Entry
	if *script != "" {
		entry = *script
	}
	if entry == "" {
		logger.Fatal("no entry script configured; set runtime.entry or pass -script")
	}

	logger.Info("luabox starting",
		zap.String("root", cfg.Runtime.Root),
		zap.String("entry", entry),
	)

	if err := engine.ExecFile(entry); err != nil {
		for _, v := range engine.Sandbox().Violations() {
			logger.Warn("violation recorded",
				zap.String("type", string(v.Type)),
				zap.String("operation", v.Operation),
				zap.String("details", v.Details),
			)
		}
		logger.Fatal("script failed", zap.Error(err))
	}

	stats := engine.Stats()
	logger.Info("luabox finished",
		zap.Int64("scripts_run", stats.ScriptsRun),
		zap.Int("cached_modules", stats.CachedModules),
		zap.Duration("script_time", stats.TotalDuration),
		zap.Duration("elapsed", time.Since(start)),
	)
}

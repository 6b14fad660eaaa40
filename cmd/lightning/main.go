// Package main provides the lightning binary: it links the Engine library and
// an optional scripted library into one executable state, runs an entry
// function and pumps cross-goroutine events while it runs.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/lightning/internal/config"
	"github.com/cory-johannsen/lightning/internal/console"
	"github.com/cory-johannsen/lightning/internal/corelib"
	"github.com/cory-johannsen/lightning/internal/event"
	"github.com/cory-johannsen/lightning/internal/host"
	"github.com/cory-johannsen/lightning/internal/meta"
	"github.com/cory-johannsen/lightning/internal/observability"
	"github.com/cory-johannsen/lightning/internal/runtime"
	"github.com/cory-johannsen/lightning/internal/script"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

// run links and runs the entry named by args, printing console output to
// stdout, and returns the process exit code.
func run(args []string, stdout io.Writer) int {
	start := time.Now()

	flags := flag.NewFlagSet("lightning", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to configuration file; empty = defaults and LIGHTNING_ environment")
	manifestPath := flags.String("manifest", "", "path to a script library manifest; overrides script.manifest")
	entry := flags.String("entry", "", "entry function as Type.Function; overrides script.entry")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Printf("loading config: %v", err)
		return 1
	}
	if *manifestPath != "" {
		cfg.Script.Manifest = *manifestPath
	}
	if *entry != "" {
		cfg.Script.Entry = *entry
	}
	typeName, funcName, ok := cfg.Script.EntryParts()
	if !ok {
		log.Printf("entry must have the form Type.Function, got %q", cfg.Script.Entry)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Printf("initializing logger: %v", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	out := observability.NewConsole(stdout, logger)
	defer out.FlushAll()

	engineLib, _, err := corelib.Build(logger.Named("engine"))
	if err != nil {
		logger.Error("binding engine library", zap.Error(err))
		return 1
	}
	libs := meta.Module{engineLib}

	if cfg.Script.Manifest != "" {
		compileStart := time.Now()
		m, err := script.LoadManifest(cfg.Script.Manifest)
		if err != nil {
			logger.Error("loading manifest", zap.String("manifest", cfg.Script.Manifest), zap.Error(err))
			return 1
		}
		lib, err := script.Compile(m, libs, logger.Named("script"), script.WithInstructionLimit(cfg.Script.InstructionLimit))
		if err != nil {
			logger.Error("compiling script library", zap.String("manifest", cfg.Script.Manifest), zap.Error(err))
			return 1
		}
		libs = append(libs, lib)
		logger.Info("script library compiled",
			zap.String("library", lib.Name),
			zap.Int("types", len(lib.Types)),
			zap.Duration("elapsed", time.Since(compileStart)),
		)
	}

	opts := append(runtime.OptionsFromConfig(cfg.Runtime), runtime.WithConsole(out))
	state, err := runtime.Link(libs, logger.Named("runtime"), opts...)
	if err != nil {
		logger.Error("linking executable state", zap.Error(err))
		return 1
	}
	defer func() {
		if err := state.Destroy(); err != nil {
			logger.Warn("destroying executable state", zap.Error(err))
		}
	}()

	pump := event.NewThreadDispatch(cfg.Dispatch.QueueCapacity, logger.Named("dispatch"))
	host.ReportUnhandled(state, pump, out)

	fn, err := host.ResolveEntry(state, typeName, funcName)
	if err != nil {
		logger.Error("resolving entry", zap.Error(err))
		return 1
	}

	lifecycle := host.NewLifecycle(logger)
	lifecycle.Add("dispatch", host.ContextService(func(ctx context.Context) error {
		return pump.Run(ctx, cfg.Dispatch.TickInterval)
	}))

	entryCtx, cancelEntry := context.WithCancel(context.Background())
	defer cancelEntry()
	var result any
	lifecycle.Add("entry", &host.FuncService{
		StartFn: func() error {
			var err error
			result, err = host.RunEntry(entryCtx, state, fn)
			return err
		},
		StopFn: cancelEntry,
	})

	logger.Info("lightning initialized",
		zap.Duration("startup", time.Since(start)),
		zap.String("state", state.ID()),
		zap.String("entry", cfg.Script.Entry),
	)

	if err := lifecycle.Run(context.Background()); err != nil {
		logger.Error("entry faulted", zap.String("entry", cfg.Script.Entry), zap.Error(err))
		return 1
	}
	if result != nil {
		out.Printf(console.DefaultFilter, "%s returned %v", cfg.Script.Entry, result)
	}
	return 0
}

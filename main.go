package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"picgo/core"
	"picgo/logging"
)

// cli is the command tree. gui runs when no command is given.
var cli struct {
	LogLevel string `help:"Log level (debug, info, warn, error)." env:"PICGO_LOG_LEVEL"`

	GUI      GUICmd      `cmd:"" name:"gui" help:"Open the desktop window." default:"1"`
	Generate GenerateCmd `cmd:"" help:"Generate one image without the window."`
	Inspect  InspectCmd  `cmd:"" help:"Classify a checkpoint and list missing components."`
	History  HistoryCmd  `cmd:"" help:"Show recent loads and generations."`
}

// runContext is handed to every command's Run method.
type runContext struct {
	cfg    *core.Config
	logger *logging.Logger
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("picgo"),
		kong.Description("Local text-to-image generation with SDXL and SD 1.x/2.x checkpoints."),
		kong.UsageOnError(),
	)

	cfg, err := core.LoadConfig()
	if err != nil {
		if cerr, ok := core.IsConfigError(err); ok {
			fmt.Fprintln(os.Stderr, cerr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		}
		os.Exit(core.ExitCodeConfig)
	}

	logger, err := logging.NewLoggerAtLevel(cfg.DevMode, cfg.LogFile, cli.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(core.ExitCodeError)
	}

	logger.Info("Configuration loaded",
		zap.String("model_dir", cfg.ModelDir),
		zap.String("cache_dir", cfg.CacheDir),
		zap.String("device", cfg.Device),
		zap.String("history_db", cfg.HistoryDB),
		zap.String("diagnostics", cfg.DiagnosticsFile),
		zap.Int("queue_size", cfg.QueueSize),
		zap.Bool("metrics", cfg.MetricsAddr != ""),
		zap.Bool("dev_mode", cfg.DevMode),
	)

	err = kctx.Run(&runContext{cfg: cfg, logger: logger})
	code := core.ExitCode(err)
	if err != nil {
		logger.Info("Exiting", zap.Int("code", code), zap.Error(err))
		printError(err)
	}
	_ = logger.Sync()
	os.Exit(code)
}

// Package cmd wires the xmdecrypt command line.
package cmd

import (
	"context"
	"log/slog"
	"os"

	"github.com/gofrs/flock"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"xmdecrypt/config"
	"xmdecrypt/handlers"
	"xmdecrypt/services"
	"xmdecrypt/wasm"
)

// Run runs the CLI application
func Run(ctx context.Context, args []string) error {
	var (
		loggerCfg  config.Logger
		configFile string
		logger     *slog.Logger
	)

	flags := append(loggerCfg.Flags(), &cli.StringFlag{
		Name:        "config",
		Aliases:     []string{"c"},
		Usage:       "Path to a TOML config file",
		Destination: &configFile,
		Sources:     cli.EnvVars("XMDECRYPT_CONFIG"),
	})

	app := &cli.Command{
		Name:    "xmdecrypt",
		Usage:   "Decrypt Ximalaya .xm audio files",
		Version: handlers.Version,
		Flags:   flags,
		Before: func(ctx context.Context, c *cli.Command) (context.Context, error) {
			var err error
			logger, err = loggerCfg.Configure()
			if err != nil {
				return nil, err
			}

			slog.SetDefault(logger)
			return ctx, nil
		},
		Commands: []*cli.Command{
			cmdDecrypt(&configFile),
			cmdInspect(),
			cmdServe(&configFile),
		},
	}

	if err := app.Run(ctx, args); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("CLI execution failed", slog.Any("error", err))
		return err
	}

	return nil
}

func loadConfig(ctx context.Context, configFile string) (*config.Config, error) {
	cfg, err := config.Load(ctx, config.LoadOptions{ConfigFile: configFile})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load configuration")
	}
	return cfg, nil
}

// wasmLoader defers instantiating the stage-2 module until the dispatcher starts.
func wasmLoader(path string, logger *slog.Logger) services.TransformerLoader {
	return func(ctx context.Context) (services.Transformer, error) {
		t, err := wasm.LoadFile(ctx, path, wasm.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		return t, nil
	}
}

// lockOutputRoot takes the advisory lock that keeps two processes from writing
// the same output root.
func lockOutputRoot(cfg *config.Config) (*flock.Flock, error) {
	if err := os.MkdirAll(cfg.OutputRoot, 0o755); err != nil {
		return nil, goerr.Wrap(err, "failed to create output root", goerr.V("path", cfg.OutputRoot))
	}
	lock := flock.New(cfg.LockPath())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, goerr.Wrap(err, "failed to acquire output lock", goerr.V("lock", lock.Path()))
	}
	if !locked {
		return nil, goerr.New("another xmdecrypt process is writing to this output root", goerr.V("lock", lock.Path()))
	}
	return lock, nil
}

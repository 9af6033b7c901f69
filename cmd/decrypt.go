package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/m-mizutani/goerr/v2"
	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v3"

	"xmdecrypt/config"
	"xmdecrypt/services"
	"xmdecrypt/types"
)

func cmdDecrypt(configFile *string) *cli.Command {
	var outputDir, wasmPath string

	return &cli.Command{
		Name:      "decrypt",
		Aliases:   []string{"d"},
		Usage:     "Decrypt .xm files, or every .xm file in the given folders",
		ArgsUsage: "<path> [path...]",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "output",
				Aliases:     []string{"o"},
				Usage:       "Output root directory",
				Destination: &outputDir,
			},
			&cli.StringFlag{
				Name:        "wasm",
				Usage:       "Path to the stage-2 WebAssembly module",
				Destination: &wasmPath,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() == 0 {
				return goerr.New("at least one input path is required")
			}

			cfg, err := loadConfig(ctx, *configFile)
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.OutputRoot = outputDir
			}
			if wasmPath != "" {
				cfg.WasmPath = wasmPath
			}

			logger := slog.Default()
			run := &decryptRun{
				cfg:         cfg,
				loader:      wasmLoader(cfg.WasmPath, logger),
				files:       services.NewFileService(logger),
				out:         os.Stdout,
				logger:      logger,
				interactive: isTerminal(os.Stdout),
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			return run.run(ctx, c.Args().Slice())
		},
	}
}

// decryptRun is one invocation of the decrypt command.
type decryptRun struct {
	cfg         *config.Config
	loader      services.TransformerLoader
	files       services.FileService
	out         io.Writer
	logger      *slog.Logger
	interactive bool
}

func (r *decryptRun) run(ctx context.Context, inputs []string) error {
	paths, err := r.collect(inputs)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return goerr.New("no .xm files found", goerr.V("inputs", inputs))
	}

	lock, err := lockOutputRoot(r.cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	jobs := make([]types.DecryptionJob, 0, len(paths))
	for _, p := range paths {
		jobs = append(jobs, types.NewDecryptionJob(p, r.cfg.OutputRoot))
	}

	dispatcher := services.NewDispatcher(r.loader, services.WithDispatcherLogger(r.logger))

	// Every job yields a result and a progress event, plus complete or error.
	events := make(chan types.Event, 2*len(jobs)+8)
	unsubscribe := dispatcher.Subscribe(func(ev types.Event) { events <- ev })
	defer unsubscribe()

	if err := dispatcher.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Teardown(); err != nil {
			r.logger.Warn("dispatcher teardown failed", slog.Any("error", err))
		}
	}()

	batchID, err := dispatcher.Submit(jobs)
	if err != nil {
		return err
	}

	progress := r.newProgress(len(jobs))
	results := make([]*types.DecryptionResult, 0, len(jobs))

	for {
		select {
		case <-ctx.Done():
			progress.finish()
			r.logger.Warn("interrupted, stopping decryption",
				slog.Int("processed", len(results)),
				slog.Int("total", len(jobs)))
			if err := dispatcher.Teardown(); err != nil {
				r.logger.Warn("dispatcher teardown failed", slog.Any("error", err))
			}
			r.printSummary(results)
			return goerr.New("decryption interrupted",
				goerr.V("processed", len(results)),
				goerr.V("total", len(jobs)))

		case ev := <-events:
			if ev.BatchID != "" && ev.BatchID != batchID {
				continue
			}
			switch ev.Type {
			case types.EventResult:
				results = append(results, ev.Result)
				progress.result(ev.Result)
			case types.EventProgress:
				progress.advance(ev.Processed, ev.Total)
			case types.EventError:
				progress.finish()
				r.printSummary(results)
				return goerr.New("decryption aborted", goerr.V("reason", ev.Error))
			case types.EventComplete:
				progress.finish()
				return r.printSummary(results)
			}
		}
	}
}

// collect expands folders into the .xm files they contain; files are taken as-is.
func (r *decryptRun) collect(inputs []string) ([]string, error) {
	var paths []string
	for _, input := range inputs {
		info, err := os.Stat(input)
		if err != nil {
			return nil, goerr.Wrap(err, "cannot read input", goerr.V("path", input))
		}
		if !info.IsDir() {
			paths = append(paths, input)
			continue
		}

		found, err := r.files.ScanContainerFiles(input)
		if err != nil {
			return nil, err
		}
		r.logger.Debug("scanned folder", slog.String("folder", input), slog.Int("count", len(found)))
		for _, f := range found {
			paths = append(paths, f.Path)
		}
	}
	return paths, nil
}

// printSummary renders the result table and reports whether any file failed.
func (r *decryptRun) printSummary(results []*types.DecryptionResult) error {
	rows := make([][]string, 0, len(results))
	failed := 0
	for _, res := range results {
		status := color.GreenString("ok")
		detail := res.OutputPath
		format, size := "", ""
		if res.Success {
			if res.Metadata != nil {
				format = res.Metadata.Format
				size = humanize.Bytes(uint64(res.Metadata.Size))
			}
			if rel, err := filepath.Rel(r.cfg.OutputRoot, res.OutputPath); err == nil {
				detail = rel
			}
		} else {
			failed++
			status = color.RedString("failed")
			detail = res.Error
		}
		rows = append(rows, []string{res.Filename, status, format, size, detail})
	}

	if len(rows) > 0 {
		fmt.Fprintln(r.out, renderTable(
			[]string{"File", "Status", "Format", "Size", "Output"},
			rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft},
		))
	}
	fmt.Fprintf(r.out, "%d decrypted, %d failed, output in %s\n", len(results)-failed, failed, r.cfg.OutputRoot)

	if failed > 0 {
		return goerr.New("some files failed to decrypt", goerr.V("failed", failed), goerr.V("total", len(results)))
	}
	return nil
}

type progressReporter interface {
	result(res *types.DecryptionResult)
	advance(processed, total int)
	finish()
}

func (r *decryptRun) newProgress(total int) progressReporter {
	if !r.interactive {
		return &logProgress{logger: r.logger}
	}
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("decrypting"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionClearOnFinish(),
	)
	return &barProgress{bar: bar}
}

type barProgress struct {
	bar *progressbar.ProgressBar
}

func (p *barProgress) result(res *types.DecryptionResult) {
	p.bar.Describe(res.Filename)
}

func (p *barProgress) advance(processed, _ int) {
	_ = p.bar.Set(processed)
}

func (p *barProgress) finish() {
	_ = p.bar.Finish()
}

type logProgress struct {
	logger *slog.Logger
}

func (p *logProgress) result(res *types.DecryptionResult) {
	if res.Success {
		p.logger.Info("decrypted", slog.String("file", res.Filename), slog.String("output", res.OutputPath))
		return
	}
	p.logger.Warn("decryption failed", slog.String("file", res.Filename), slog.String("error", res.Error))
}

func (p *logProgress) advance(processed, total int) {
	p.logger.Info("progress", slog.Int("processed", processed), slog.Int("total", total))
}

func (p *logProgress) finish() {}

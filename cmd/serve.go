package cmd

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/m-mizutani/goerr/v2"
	"github.com/urfave/cli/v3"

	"xmdecrypt/config"
	"xmdecrypt/handlers"
	"xmdecrypt/middleware"
	"xmdecrypt/services"
	"xmdecrypt/websocket"
)

// RouterDeps are the collaborators the HTTP routes are built from.
type RouterDeps struct {
	Dispatcher  services.Dispatcher
	Hub         websocket.Hub
	FileService services.FileService
	Store       *config.Store
	CORSOrigins []string
	Logger      *slog.Logger
}

// NewRouter builds the gin engine with middleware and every route.
func NewRouter(deps RouterDeps) *gin.Engine {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	decryptHandler := handlers.NewDecryptHandler(deps.Dispatcher, deps.Hub, deps.FileService, deps.Store, logger)
	fileHandler := handlers.NewFileHandler(deps.FileService, deps.Store, logger)
	healthHandler := handlers.NewHealthHandler(deps.Dispatcher, deps.Store)
	settingsHandler := handlers.NewSettingsHandler(deps.Store)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.CORS(deps.CORSOrigins))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Security())

	setupRoutes(r, decryptHandler, fileHandler, healthHandler, settingsHandler)
	return r
}

// setupRoutes configures all the HTTP routes
func setupRoutes(r *gin.Engine, decryptHandler *handlers.DecryptHandler, fileHandler *handlers.FileHandler, healthHandler *handlers.HealthHandler, settingsHandler *handlers.SettingsHandler) {
	r.GET("/health", healthHandler.HealthCheck)

	apiGroup := r.Group("/api")
	{
		apiGroup.GET("/status", healthHandler.APIStatus)

		decryptGroup := apiGroup.Group("/decrypt")
		{
			decryptGroup.POST("", decryptHandler.SubmitBatch)
			decryptGroup.DELETE("", decryptHandler.CancelBatch)
			decryptGroup.POST("/scan", decryptHandler.ScanFolder)
		}

		// WebSocket endpoints for real-time progress
		wsGroup := apiGroup.Group("/ws")
		{
			wsGroup.GET("/decrypt/:batchId", decryptHandler.HandleWebSocketConnection)
			wsGroup.GET("/decrypt", decryptHandler.HandleWebSocketAllConnection)
		}

		apiGroup.GET("/files", fileHandler.ListFiles)
		apiGroup.GET("/files/stream/*filepath", fileHandler.StreamFile)

		apiGroup.GET("/settings", settingsHandler.GetSettings)
		apiGroup.POST("/settings", settingsHandler.UpdateSettings)
	}
}

func cmdServe(configFile *string) *cli.Command {
	var addr, wasmPath string

	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "Start the HTTP and WebSocket server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Listen address",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "wasm",
				Usage:       "Path to the stage-2 WebAssembly module",
				Destination: &wasmPath,
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			cfg, err := loadConfig(ctx, *configFile)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			if wasmPath != "" {
				cfg.WasmPath = wasmPath
			}
			return serve(ctx, cfg, slog.Default())
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	lock, err := lockOutputRoot(cfg)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	hub := websocket.NewHub(logger)
	go hub.Run(hubCtx)

	dispatcher := services.NewDispatcher(wasmLoader(cfg.WasmPath, logger), services.WithDispatcherLogger(logger))
	unsubscribe := dispatcher.Subscribe(hub.Broadcast)
	defer unsubscribe()

	// A missing module leaves the dispatcher idle; /api/status reports it and
	// DELETE /api/decrypt retries the load.
	if err := dispatcher.Start(ctx); err != nil {
		logger.Warn("decryption engine not started", slog.Any("error", err))
	}
	defer func() {
		if err := dispatcher.Teardown(); err != nil {
			logger.Warn("dispatcher teardown failed", slog.Any("error", err))
		}
	}()

	router := NewRouter(RouterDeps{
		Dispatcher:  dispatcher,
		Hub:         hub,
		FileService: services.NewFileService(logger),
		Store:       config.NewStore(cfg, config.SettingsFilePath()),
		CORSOrigins: cfg.CORSOrigins,
		Logger:      logger,
	})

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", slog.String("addr", cfg.Addr), slog.String("output_root", cfg.OutputRoot))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down...")
	case sig := <-sigChan:
		logger.Info("Signal received, shutting down...", slog.Any("signal", sig))
	case err, ok := <-serverErr:
		if ok {
			return goerr.Wrap(err, "HTTP server failed", goerr.V("addr", cfg.Addr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return goerr.Wrap(err, "failed to shutdown server gracefully")
	}

	logger.Info("Server shutdown complete")
	return nil
}

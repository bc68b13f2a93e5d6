package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"os/signal"
	"syscall"

	"tradeFlowBot/config"
	"tradeFlowBot/internal/adapters/binanceclient"
	"tradeFlowBot/internal/adapters/logger"
	"tradeFlowBot/internal/adapters/sqlite"
	"tradeFlowBot/internal/dispatch"
	"tradeFlowBot/internal/engine"
	"tradeFlowBot/internal/ports"
	"tradeFlowBot/internal/server"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger (zap, with the plain stderr logger as fallback)
	var appLogger ports.Logger
	zapLogger, err := logger.NewZapLogger(cfg.LogLevel)
	if err != nil {
		appLogger = logger.NewStdLogger(logger.ParseLevel(cfg.LogLevel))
		appLogger.Warn(context.Background(), "Zap logger unavailable, using standard logger", map[string]interface{}{"error": err.Error()})
	} else {
		defer func() { _ = zapLogger.Sync() }()
		appLogger = zapLogger
	}
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Recorder (Database Adapter)
	recorder, err := sqlite.NewRecorder(sqlite.Config{
		DBPath: cfg.DBPath,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize lifecycle recorder")
		log.Fatalf("FATAL: Failed to initialize lifecycle recorder: %v", err) // Also log to stderr
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing lifecycle recorder")
		}
	}()
	appLogger.Info(context.Background(), "Lifecycle recorder initialized")

	// 4. Initialize Exchange Client (Binance Adapter)
	binanceClient, err := binanceclient.New(binanceclient.Config{
		APIKey:     cfg.APIKey,
		SecretKey:  cfg.SecretKey,
		UseTestnet: cfg.IsTestnet,
		Logger:     appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize Binance client")
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}
	appLogger.Info(context.Background(), "Binance client initialized", map[string]interface{}{"testnet": cfg.IsTestnet})

	// 5. Initialize Lifecycle Executor
	executor, err := engine.NewLifecycleExecutor(engine.Config{
		MarginAsset: cfg.MarginAsset,
		CallTimeout: cfg.OrderTimeout,
	}, appLogger, binanceClient, recorder)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize lifecycle executor")
		log.Fatalf("FATAL: Failed to initialize lifecycle executor: %v", err)
	}
	appLogger.Info(context.Background(), "Lifecycle executor initialized")

	// 6. Initialize Dispatcher
	dispatcher, err := dispatch.New(dispatch.Config{
		Workers:   cfg.DispatchWorkers,
		QueueSize: cfg.DispatchQueueSize,
	}, appLogger, executor, recorder)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize dispatcher")
		log.Fatalf("FATAL: Failed to initialize dispatcher: %v", err)
	}

	// 7. Initialize Webhook Server
	webhookServer, err := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		Passphrase: cfg.WebhookPassphrase,
	}, appLogger, dispatcher, recorder)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize webhook server")
		log.Fatalf("FATAL: Failed to initialize webhook server: %v", err)
	}

	// 8. Run until interrupted
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatcher.Start(ctx)

	if err := webhookServer.Start(ctx); err != nil {
		appLogger.Error(context.Background(), err, "Webhook server exited with error")
	}

	// Server is down; wait for in-flight signals to finish before closing the DB.
	dispatcher.Wait()
	appLogger.Info(context.Background(), "Application finished gracefully.")
}

// Package main is the entry point for the trading server: risk validation,
// simulated and remote broker execution, the agent coordination pipeline,
// and the trade journal behind one HTTP API.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crestline-labs/trading-core/internal/api"
	"github.com/crestline-labs/trading-core/internal/auth"
	"github.com/crestline-labs/trading-core/internal/broker/rest"
	"github.com/crestline-labs/trading-core/internal/broker/sim"
	"github.com/crestline-labs/trading-core/internal/config"
	"github.com/crestline-labs/trading-core/internal/coordination"
	"github.com/crestline-labs/trading-core/internal/execution"
	"github.com/crestline-labs/trading-core/internal/journal"
	"github.com/crestline-labs/trading-core/internal/metrics"
	"github.com/crestline-labs/trading-core/internal/risk"
	"github.com/crestline-labs/trading-core/internal/settings"
	"github.com/crestline-labs/trading-core/internal/store"
	"github.com/crestline-labs/trading-core/internal/workers"
	"github.com/crestline-labs/trading-core/pkg/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file")
	logLevel := flag.String("log-level", "", "Log level override (debug, info, warn, error)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	logger := setupLogger(cfg.Logging)
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}
	if err := risk.VerifyCaps(); err != nil {
		logger.Fatal("Hard cap verification failed", zap.Error(err))
	}

	logger.Info("Starting trading server",
		zap.Int("port", cfg.Server.Port),
		zap.String("broker", cfg.Broker.Type),
		zap.String("dsn", cfg.Store.DSN),
	)

	st, err := store.Open(logger, cfg.Store.DSN)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Risk layer.
	validator := risk.NewValidator(logger, st, cfg.Broker.Account)
	monitor := risk.NewMonitor(logger, st, cfg.Broker.Account)

	// Brokers.
	simCfg := sim.DefaultConfig()
	simCfg.InitialBalance = decimal.NewFromFloat(cfg.Simulation.InitialBalance)
	simCfg.SlippagePips = decimal.NewFromFloat(cfg.Simulation.SlippagePips)
	simCfg.CommissionPerLot = decimal.NewFromFloat(cfg.Simulation.CommissionPerLot)
	simCfg.LatencyMs = cfg.Simulation.LatencyMs
	simCfg.FillProbability = cfg.Simulation.FillProbability
	simCfg.Seed = cfg.Simulation.Seed
	simBroker := sim.New(logger, st, simCfg)
	if err := simBroker.Connect(ctx); err != nil {
		logger.Fatal("Failed to connect simulated broker", zap.Error(err))
	}

	engine := execution.NewEngine(logger, st, validator, monitor, execution.Config{
		Account:        cfg.Broker.Account,
		SubmitDeadline: cfg.Broker.Timeout,
	})
	engine.RegisterAdapter(sim.BrokerType, simBroker)

	if cfg.Broker.Type != sim.BrokerType {
		remote := rest.New(logger, rest.Config{
			BaseURL: cfg.Broker.BaseURL,
			APIKey:  cfg.Broker.APIKey,
			Timeout: cfg.Broker.Timeout,
		})
		engine.RegisterAdapter(cfg.Broker.Type, remote)
		if err := remote.Connect(ctx); err != nil {
			logger.Warn("Remote broker not reachable at startup", zap.Error(err))
		}
	}

	// Feed venue-side closes (TP/SL) back into risk budgets and the journal.
	writer := journal.NewWriter(logger, st)
	simBroker.OnClose(func(ev sim.CloseEvent) {
		if _, err := writer.Record(journal.TradeRecord{
			Source:     types.SourcePaper,
			ParentID:   ev.Symbol,
			Strategy:   "unattributed",
			Symbol:     ev.Symbol,
			Side:       sideFromOrder(ev.Side),
			Entry:      ev.EntryPrice,
			Exit:       ev.ExitPrice,
			Size:       ev.Quantity,
			PnL:        ev.PnL,
			Commission: ev.Commission,
			ExitReason: ev.Reason,
			EntryTime:  ev.OpenedAt,
			ExitTime:   ev.ClosedAt,
		}); err != nil {
			logger.Warn("Failed to journal venue close", zap.Error(err))
		}
	})

	// Coordination pipeline.
	bus := coordination.NewBus(logger, st)
	states := coordination.NewStateManager(logger, st)
	health := coordination.NewHealthMonitor(logger, st, cfg.Pipeline.HeartbeatTimeout)
	pipeline, err := coordination.NewPipeline(logger, st, states, bus, health,
		coordination.NewStrategyAgent(logger, st, states, bus),
		coordination.NewRiskAgent(logger, st, states, bus, validator),
		coordination.NewExecutionAgent(logger, states, bus, engine, cfg.Broker.Type),
		coordination.NewJournalAgent(logger, states, bus),
	)
	if err != nil {
		logger.Fatal("Failed to build pipeline", zap.Error(err))
	}

	// Journal analytics and feedback.
	analyzer := journal.NewAnalyzer(logger, st)
	lookback := time.Duration(cfg.Journal.LookbackDays) * 24 * time.Hour
	feedback := journal.NewFeedbackLoop(logger, st, analyzer, monitor, lookback)

	// Settings, modes, and auth.
	probe := func(brokerType string) bool {
		adapter, ok := engine.Adapter(brokerType)
		if !ok {
			return false
		}
		probeCtx, probeCancel := context.WithTimeout(ctx, 5*time.Second)
		defer probeCancel()
		return adapter.HealthCheck(probeCtx) == nil
	}
	settingsSvc := settings.NewService(logger, st, health, probe, cfg.Broker.Account)

	authSvc := auth.NewService(logger, st, auth.Config{
		Secret:     cfg.Auth.JWTSecret,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})

	// Maintenance jobs.
	scheduler := workers.NewScheduler(logger, time.Minute)
	scheduler.RegisterFunc("expire-signals", time.Minute, func(ctx context.Context) error {
		n, err := st.ExpirePendingSignals(time.Now().UTC())
		if n > 0 {
			logger.Info("Expired stale signals", zap.Int64("count", n))
		}
		return err
	})
	scheduler.RegisterFunc("feedback-batch", 6*time.Hour, func(ctx context.Context) error {
		_, err := feedback.RunBatch()
		return err
	})
	scheduler.RegisterFunc("daily-reset", 24*time.Hour, func(ctx context.Context) error {
		return monitor.ResetDaily()
	})
	scheduler.Start()

	server := api.NewServer(logger, api.Config{
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
	}, api.Deps{
		Store:     st,
		Auth:      authSvc,
		Settings:  settingsSvc,
		Validator: validator,
		Monitor:   monitor,
		Engine:    engine,
		Pipeline:  pipeline,
		States:    states,
		Bus:       bus,
		Health:    health,
		Journal:   writer,
		Analyzer:  analyzer,
		Feedback:  feedback,
		Sim:       simBroker,
		Metrics:   metrics.New(),
	})

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Server error", zap.Error(err))
		}
	}()

	logger.Info("Server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("api", "/api/v1"),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutdown signal received")

	cancel()
	scheduler.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Error during server shutdown", zap.Error(err))
	}
	logger.Info("Server stopped")
}

func sideFromOrder(side types.OrderSide) types.SignalSide {
	if side == types.OrderSideSell {
		return types.SideShort
	}
	return types.SideLong
}

func setupLogger(cfg config.LoggingConfig) *zap.Logger {
	var zapLevel zapcore.Level
	switch cfg.Level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	encoding := "json"
	encodeLevel := zapcore.LowercaseLevelEncoder
	if cfg.Format == "console" {
		encoding = "console"
		encodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zcfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    encodeLevel,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zcfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradecore/internal/alert"
	"tradecore/internal/broker"
	"tradecore/internal/config"
	"tradecore/internal/core"
	"tradecore/internal/eventbus"
	"tradecore/internal/infrastructure/health"
	"tradecore/internal/infrastructure/metrics"
	"tradecore/internal/mock"
	"tradecore/internal/risk"
	"tradecore/internal/strategy"
	"tradecore/internal/trading/account"
	"tradecore/internal/trading/order"
	"tradecore/internal/trading/position"
	"tradecore/pkg/breaker"
	"tradecore/pkg/logging"
	"tradecore/pkg/retry"
	"tradecore/pkg/telemetry"

	"github.com/shopspring/decimal"
)

var (
	configFile       = flag.String("config", "configs/config.yaml", "Path to configuration file")
	backtestFlag     = flag.Bool("backtest", false, "Run against the mock broker with historical dates")
	startDate        = flag.String("start-date", "", "Backtest start date (YYYY-MM-DD)")
	endDate          = flag.String("end-date", "", "Backtest end date (YYYY-MM-DD)")
	logLevel         = flag.String("log-level", "", "Log level: debug, info, warning, error, critical")
	debugFlag        = flag.Bool("debug", false, "Shortcut for --log-level debug")
	profileFlag      = flag.Bool("profile", false, "Serve pprof on :6060")
	generateConfig   = flag.Bool("generate-config", false, "Write the default configuration to --config and exit")
	maxRetries       = flag.Int("max-retries", 0, "Override broker connect retries")
	retryInterval    = flag.Int("retry-interval", 0, "Override broker connect retry interval (seconds)")
	disableMetrics   = flag.Bool("disable-metrics", false, "Do not serve /metrics")
	disableBreaker   = flag.Bool("disable-circuit-breaker", false, "Disable the event bus publication breaker")
	breakerThreshold = flag.Float64("circuit-breaker-threshold", 0, "Publication breaker failure threshold")
	forceTrading     = flag.Bool("force-trading", false, "Skip the trading session check")
	containerMode    = flag.Bool("container-mode", false, "Demo mode: mock broker, auto-created dirs")
)

func main() {
	flag.Parse()

	if *generateConfig {
		if err := config.WriteDefault(*configFile); err != nil {
			fmt.Fprintf(os.Stderr, "generate config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Default configuration written to %s\n", *configFile)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tradecore: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration.
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *forceTrading {
		cfg.Trading.ForceTrading = true
	}
	if *maxRetries > 0 {
		cfg.Broker.MaxRetries = *maxRetries
	}
	if *retryInterval > 0 {
		cfg.Broker.RetryInterval = time.Duration(*retryInterval) * time.Second
	}

	// 2. Logger.
	level := cfg.System.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	if *debugFlag {
		level = "debug"
	}
	if level == "" {
		level = "info"
	}
	logger, err := logging.NewZapLogger(level)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("Starting tradecore",
		"config", *configFile,
		"broker", cfg.Broker.Name,
		"backtest", *backtestFlag,
		"container_mode", *containerMode)

	if *profileFlag {
		go func() {
			logger.Info("pprof listening", "addr", ":6060")
			if err := http.ListenAndServe(":6060", nil); err != nil {
				logger.Warn("pprof server stopped", "error", err)
			}
		}()
	}

	// 3. Session check. Backtests and demos run regardless.
	if !*backtestFlag && !*containerMode && !cfg.Trading.IsTradingTime(time.Now()) {
		logger.Warn("Outside configured trading sessions; use --force-trading to override")
		return nil
	}

	// 4. Telemetry.
	if !*disableMetrics {
		tel, err := telemetry.Setup("tradecore")
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			tel.Shutdown(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 5. Event bus.
	busCfg := eventbus.Config{
		Shards:           cfg.EventBus.Shards,
		HighWater:        cfg.EventBus.HighWater,
		HardCeiling:      cfg.EventBus.HardCeiling,
		IOWorkers:        cfg.EventBus.IOWorkers,
		CPUWorkers:       cfg.EventBus.CPUWorkers,
		TargetThroughput: cfg.EventBus.TargetThroughput,
	}
	if *breakerThreshold > 0 {
		busCfg.Breaker.Threshold = int(*breakerThreshold)
	}
	if *disableBreaker {
		busCfg.Breaker.Threshold = 1 << 30
	}
	bus := eventbus.New(busCfg, logger)
	if err := bus.Start(); err != nil {
		return fmt.Errorf("start event bus: %w", err)
	}
	defer bus.Stop()

	// 6. Broker. Live adapters plug in by name; everything else runs the mock.
	brk, stream, err := buildBroker(cfg, bus, logger)
	if err != nil {
		return err
	}
	if err := connectBroker(ctx, brk, cfg.Broker, logger); err != nil {
		return err
	}
	defer brk.Disconnect(context.Background())
	if stream != nil {
		stream.Start()
		defer stream.Stop()
	}

	// 7. Managers, wired in dependency order.
	acctMgr := account.NewManager(brk, bus, logger)
	if err := acctMgr.Start(ctx); err != nil {
		return fmt.Errorf("start account manager: %w", err)
	}
	defer acctMgr.Stop()

	posMgr := position.NewManager(brk, bus, logger)

	// The executor is built later; risk actions that target strategies bind
	// to it through this variable.
	var executor *strategy.Executor

	riskMgr := risk.NewManager(risk.Config{
		Parallel:     cfg.Risk.Parallel,
		StatePath:    cfg.Risk.StatePath,
		SaveInterval: cfg.Risk.SaveInterval,
	}, bus, risk.Providers{
		Account:   acctMgr.Snapshot,
		Positions: posMgr.List,
		DailyPnL:  dailyPnL(posMgr),
		Volatility: func(symbol string) float64 {
			return posMgr.Volatility(symbol)
		},
		Reduce: func(ctx context.Context) error {
			return posMgr.ReduceAll(ctx, decimal.NewFromFloat(0.5))
		},
		Liquidate: posMgr.CloseAll,
		Disable: func(strategyID string) error {
			if executor == nil || strategyID == "" {
				return nil
			}
			return executor.StopInstance(strategyID)
		},
	}, logger)
	if cfg.Risk.Enabled {
		if err := riskMgr.LoadRules(cfg.Risk.Rules); err != nil {
			return fmt.Errorf("load risk rules: %w", err)
		}
	}
	if err := riskMgr.Start(ctx); err != nil {
		return fmt.Errorf("start risk manager: %w", err)
	}
	defer riskMgr.Stop()

	orderMgr := order.NewManager(brk, bus, logger)
	if cfg.Risk.Enabled {
		orderMgr.SetRiskChecker(riskMgr)
	}
	orderMgr.SetFundsChecker(acctMgr)
	if err := orderMgr.Start(ctx); err != nil {
		return fmt.Errorf("start order manager: %w", err)
	}
	defer orderMgr.Stop()

	posMgr.SetTrader(orderMgr)
	if err := posMgr.Start(ctx); err != nil {
		return fmt.Errorf("start position manager: %w", err)
	}
	defer posMgr.Stop()

	// Fills flow from the order manager to the position book over the bus.
	bus.Subscribe("trade.fill", func(ev *core.Event) error {
		trade, ok := ev.Payload["trade"].(*core.Trade)
		if !ok {
			return nil
		}
		strategyID, _ := ev.Payload["strategy_id"].(string)
		return posMgr.ApplyTrade(trade, strategyID)
	}, core.HandlerCPU)

	// Operator alerts for emergency and system events.
	alertMgr := alert.NewManager(logger)
	if url := cfg.Alerts.SlackWebhook.Reveal(); url != "" {
		alertMgr.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.TelegramToken.Reveal(); token != "" {
		alertMgr.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	if err := alertMgr.Watch(bus); err != nil {
		return fmt.Errorf("watch alerts: %w", err)
	}

	// An emergency cancels everything in flight.
	bus.Subscribe("emergency", func(ev *core.Event) error {
		logger.Error("Emergency event received, cancelling all active orders",
			"reason", ev.Payload["reason"])
		succeeded, failed := orderMgr.CancelAll(context.Background(), "", "")
		if failed > 0 {
			logger.Error("Emergency cancel incomplete",
				"succeeded", succeeded, "failed", failed)
		}
		return nil
	}, core.HandlerIO)

	// 8. Strategy runtime.
	executor = strategy.NewExecutor(bus, &strategy.Environment{
		Logger:    logger,
		Trader:    orderMgr,
		Positions: posMgr,
		Account:   acctMgr,
		Broker:    brk,
		Publish:   bus.Publish,
		Acquire:   bus.Acquire,
	}, logger)
	if err := executor.Start(ctx); err != nil {
		return fmt.Errorf("start strategy executor: %w", err)
	}
	defer executor.Stop()

	if *containerMode {
		os.MkdirAll(cfg.Strategies.Dir, 0o755)
	}
	scanner := strategy.NewScanner(cfg.Strategies.Dir, executor, logger)
	scanner.SetInterval(cfg.Strategies.ScanInterval)
	if err := scanner.Start(ctx); err != nil {
		return fmt.Errorf("start strategy scanner: %w", err)
	}
	defer scanner.Stop()

	monitor := strategy.NewResourceMonitor(strategy.MonitorConfig{
		Interval: cfg.Monitor.Interval,
		CPULimit: cfg.Monitor.CPULimit,
		MemLimit: cfg.Monitor.MemLimit,
		Policy:   strategy.ResourcePolicy(cfg.Monitor.Policy),
	}, bus, logger)
	monitor.SetExecutor(executor)
	executor.SetMonitor(monitor)
	monitor.Start()
	defer monitor.Stop()

	// 9. Health and metrics surface.
	healthMgr := health.NewManager(logger)
	healthMgr.Register("broker", func() error {
		if brk.State() != core.ConnConnected {
			return fmt.Errorf("broker %s", brk.State())
		}
		return nil
	})
	healthMgr.Register("event_bus", func() error {
		if bus.Breaker().State() == breaker.StateOpen {
			return fmt.Errorf("publication breaker open")
		}
		return nil
	})
	healthMgr.Register("risk", func() error {
		if latched, reason := riskMgr.Emergency(); latched {
			return fmt.Errorf("emergency latched: %s", reason)
		}
		return nil
	})

	if !*disableMetrics {
		metricsSrv := metrics.NewServer(cfg.Telemetry.MetricsPort, healthMgr.Handler(), logger)
		metricsSrv.Start()
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Stop(sctx)
		}()
	}

	if *backtestFlag {
		logger.Info("Backtest window", "start", *startDate, "end", *endDate)
	}
	logger.Info("tradecore running")

	<-ctx.Done()
	logger.Info("Shutdown signal received")

	if cfg.System.CancelOnExit {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if succeeded, failed := orderMgr.CancelAll(cctx, "", ""); failed > 0 {
			logger.Warn("Cancel on exit incomplete",
				"succeeded", succeeded, "failed", failed)
		}
	}
	return nil
}

func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(*configFile); err != nil {
		if *containerMode || *backtestFlag {
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("config file %s: %w", *configFile, err)
	}
	return config.LoadConfig(*configFile)
}

// buildBroker selects the adapter. The mock serves backtests and demos; a
// live adapter additionally gets a websocket quote stream.
func buildBroker(cfg *config.Config, bus core.IEventBus, logger core.ILogger) (core.IBroker, *broker.QuoteStream, error) {
	if cfg.Broker.Name == "mock" || *backtestFlag || *containerMode {
		return mock.NewBroker("mock", logger), nil, nil
	}

	// No live adapter ships in this repo yet; the quote stream transport and
	// the connection state machine are ready for one.
	return nil, nil, fmt.Errorf("unknown broker %q (only mock is built in)", cfg.Broker.Name)
}

func connectBroker(ctx context.Context, brk core.IBroker, cfg config.BrokerConfig, logger core.ILogger) error {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = 3
	}
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	policy := retry.Policy{
		MaxAttempts:    retries,
		InitialBackoff: interval,
		MaxBackoff:     4 * interval,
	}
	err := retry.Do(ctx, policy, func(error) bool { return true }, func() error {
		if err := brk.Connect(ctx); err != nil {
			logger.Warn("Broker connect failed", "error", err)
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("connect broker after %d attempts: %w", retries, err)
	}
	logger.Info("Broker connected", "broker", brk.Name())
	return nil
}

// dailyPnL sums realized and floating P&L over live and archived positions.
func dailyPnL(posMgr *position.Manager) func() decimal.Decimal {
	return func() decimal.Decimal {
		total := decimal.Zero
		for _, p := range posMgr.List() {
			total = total.Add(p.RealizedPnL).Add(p.FloatPnL)
		}
		for _, p := range posMgr.Archived() {
			total = total.Add(p.RealizedPnL)
		}
		return total
	}
}

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ephemeral-bot/internal/bot"
	"ephemeral-bot/internal/config"
	"ephemeral-bot/internal/crash"
	"ephemeral-bot/internal/gateway"
	"ephemeral-bot/internal/handler"
	"ephemeral-bot/internal/logger"
	"ephemeral-bot/internal/metrics"
	"ephemeral-bot/internal/scheduler"
	"ephemeral-bot/internal/service"
	"ephemeral-bot/internal/storage"
)

func main() {
	// 设置崩溃处理器，确保在任何 panic 时都能记录堆栈信息
	defer crash.RecoverWithStackAndExit("main")

	// 设置全局崩溃处理
	crash.SetupCrashHandler()

	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logger.Setup(cfg); err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	db, err := storage.Initialize(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer storage.Close(db)

	if err := storage.Migrate(db); err != nil {
		logger.Fatalf("Failed to migrate database: %v", err)
	}

	messages := storage.NewMessageRepository(db)
	policies := storage.NewPolicyRepository(db)
	communities := storage.NewCommunityRepository(db)
	rules := service.NewRuleService(policies, communities, cfg.Subscription)

	telegramBot, err := bot.NewBot(cfg.Bot, logger.GetLevel() == logger.LevelDebug)
	if err != nil {
		logger.Fatalf("Failed to create bot: %v", err)
	}

	sched := scheduler.New(scheduler.Deps{
		Messages:    messages,
		Policies:    policies,
		Communities: communities,
		Gateway:     gateway.NewTelegramDeleter(telegramBot, cfg.Scheduler.GatewayRateLimit, cfg.Scheduler.GatewayBurst),
		Rules:       rules,
		Metrics:     metrics.NewSchedulerMetrics(),
	}, cfg.Scheduler)
	rules.SetPurger(sched)

	cacheJob := scheduler.NewJob("rule-cache", cfg.Subscription.RuleCacheTTL, false, func(ctx context.Context) error {
		if n := rules.Cache().Prune(); n > 0 {
			logger.Debugf("Pruned %d expired rule cache entries", n)
		}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched.Start(ctx)
	cacheJob.Start()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.ListenAddr, func() interface{} { return sched.Status() })
		if err := metricsServer.Start(); err != nil {
			logger.Fatalf("Failed to start metrics server: %v", err)
		}
	}

	botService, err := bot.Initialize(ctx, telegramBot, cfg.Bot, handler.Commands)
	if err != nil {
		logger.Fatalf("Failed to initialize bot: %v", err)
	}
	handler.New(telegramBot, sched, rules).SetupMessageHandlers(botService.Handler)
	crash.SafeGoroutine("bot-handler", botService.Start)
	logger.Info("Bot is running")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)

	// Wait for signal
	sig := <-sigChan
	logger.Infof("Received signal: %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownTimeout)
	defer shutdownCancel()

	// stop taking updates first so nothing is tracked after the timers are gone
	botService.Stop(shutdownCtx)
	cancel()

	if err := cacheJob.Stop(shutdownCtx); err != nil {
		logger.Warningf("Error stopping rule cache job: %v", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warningf("Scheduler shutdown error: %v", err)
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warningf("Metrics server shutdown error: %v", err)
		}
	}

	logger.Info("Server gracefully stopped")
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kirillm/trade-pilot/internal/api"
	"github.com/kirillm/trade-pilot/internal/config"
	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/exchange"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/fillsync"
	"github.com/kirillm/trade-pilot/internal/grid"
	"github.com/kirillm/trade-pilot/internal/notify"
	"github.com/kirillm/trade-pilot/internal/orchestrator"
	"github.com/kirillm/trade-pilot/internal/pnl"
	"github.com/kirillm/trade-pilot/internal/position"
	"github.com/kirillm/trade-pilot/internal/risk"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/internal/storage"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("невалидная конфигурация: %w", err)
	}

	logger := utils.NewLogger(cfg.LogLevel)
	logger.Info("🚀 Запуск trade-pilot...")

	store, err := storage.NewPostgresStorage(
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.User,
		cfg.Database.Password,
		cfg.Database.DBName,
		cfg.Database.SSLMode,
		cfg.Database.MaxOpenConns,
		cfg.Database.MaxIdleConns,
		cfg.Database.ConnMaxLifetime,
	)
	if err != nil {
		return fmt.Errorf("не удалось подключиться к базе: %w", err)
	}
	defer store.Close()
	logger.Info("✅ PostgreSQL подключен")

	payload, err := state.Load(store.Payload())
	if err != nil {
		return fmt.Errorf("не удалось загрузить состояние: %w", err)
	}

	gateway := exchange.NewBybitClient(cfg.Bybit.APIKey, cfg.Bybit.APISecret, cfg.Bybit.BaseURL, 0)
	killSwitch := execution.NewKillSwitch()
	executor := execution.NewExecutor(gateway, killSwitch)
	prices := execution.NewPriceCache(gateway)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	queue := fillsync.NewQueue(gateway, store.Fills(), prices, logger, cfg.FillSync)
	queue.Start(ctx)

	governor := risk.NewGovernor(cfg.Risk)
	if meta := payload.Meta(); meta.RiskDecision != nil {
		governor.Restore(meta.RiskDecision)
		logger.Info("Восстановлено риск-состояние %s", meta.RiskDecision.State)
	}

	var notifier orchestrator.Notifier
	var gridNotifier grid.Notifier
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, logger)
		if err != nil {
			return fmt.Errorf("не удалось инициализировать Telegram: %w", err)
		}
		notifier = tg
		gridNotifier = tg
	}

	grids := grid.NewEngine(gateway, executor, payload, queue.ForModule(domain.ModuleGrid), store.Decisions(), gridNotifier, logger, cfg.Grid)
	positions := position.NewEngine(gateway, executor, payload, prices, queue.ForModule(domain.ModulePortfolio), store.Decisions(), logger, cfg.Position)
	reports := pnl.NewEngine(store.Fills(), store.Equity(), gateway, logger, cfg.HomeAsset)

	pilot := orchestrator.New(
		gateway,
		payload,
		governor,
		grids,
		positions,
		nil, // провайдер сигналов подключается отдельным процессом через API
		prices,
		store.Equity(),
		store.Fills(),
		notifier,
		logger,
		cfg.Orchestrator,
	)
	if err := pilot.Start(ctx); err != nil {
		return err
	}

	server := api.NewServer(logger, payload, governor, grids, positions, reports, killSwitch, cfg.APIPort)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP сервер упал: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("🛑 Получен сигнал завершения...")
	pilot.Stop()
	cancel()
	queue.Stop()
	logger.Info("✅ Завершение выполнено")
	return nil
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/internal/exchange"
	"github.com/skalibog/gapfire/internal/runner"
	"github.com/skalibog/gapfire/internal/storage"
	"github.com/skalibog/gapfire/internal/ui"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	modeRun     = "run"
	modeSelect  = "select"
	modeFire    = "fire"
	modeHistory = "history"
)

func main() {
	// Обработка флагов командной строки
	configPath := flag.String("config", "config.yaml", "путь к файлу конфигурации")
	mode := flag.String("mode", modeRun, "режим: run | select | fire | history")
	static := flag.Bool("static", false, "в режиме fire отправить static_symbols без ожидания отбора")
	limit := flag.Int("limit", 20, "число записей в режиме history")
	flag.Parse()

	if err := run(*configPath, *mode, *static, *limit); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка: %v\n", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(configPath, mode string, static bool, limit int) (err error) {
	// Конфигурацию читаем до логгера: в ней его настройки
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	uiEnabled := cfg.UI.Enabled && mode != modeHistory
	if err := logger.Init(logger.Options{
		Level:    cfg.Log.Level,
		Console:  cfg.Log.Console && !uiEnabled,
		File:     cfg.Log.File,
		JSONFile: cfg.Log.JSONFile,
		Truncate: cfg.Log.Truncate,
	}); err != nil {
		return err
	}
	defer logger.Sync()
	logger.Info("Загружена конфигурация", append([]zap.Field{zap.String("path", configPath), zap.String("mode", mode)}, cfg.LogFields()...)...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем журнал
	journal, err := storage.NewJournal(cfg.Storage)
	if err != nil {
		logger.Warn("Журнал недоступен, результаты не сохраняются", zap.Error(err))
		journal = storage.NopJournal{}
	}
	defer func() {
		err = multierr.Append(err, journal.Close())
	}()

	if mode == modeHistory {
		records, err := journal.GetFireHistory(ctx, limit)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderHistory(records))
		return nil
	}

	// Инициализируем клиент брокера
	broker, err := exchange.NewBroker(cfg.Broker)
	if err != nil {
		return fmt.Errorf("ошибка инициализации клиента брокера: %w", err)
	}

	r := runner.New(cfg, broker, journal)
	logger.Info("Запуск", zap.String("mode", mode), zap.String("run_id", r.RunID()))

	var term *ui.TermUI
	uiDone := make(chan struct{})
	if uiEnabled {
		term = ui.NewTermUI(cfg.UI, cfg.Log.JSONFile)
		r.SetObserver(term)
		uiCtx, cancelUI := context.WithCancel(ctx)
		defer func() {
			cancelUI()
			<-uiDone
		}()
		go func() {
			defer close(uiDone)
			if err := term.Run(uiCtx); err != nil {
				logger.Error("Ошибка UI", zap.Error(err))
			}
			// Выход из UI по клавише завершает работу
			stop()
		}()
	} else {
		close(uiDone)
	}

	var out *models.FireOutcome
	switch mode {
	case modeRun:
		out, err = r.Run(ctx)
	case modeSelect:
		err = r.SelectAndSend(ctx)
	case modeFire:
		if static {
			out, err = r.FireStatic(ctx)
		} else {
			out, err = r.ReceiveAndFire(ctx)
		}
	default:
		return fmt.Errorf("неизвестный режим %q", mode)
	}

	if uiEnabled {
		term.SetStage("Готово. Q - выход")
		<-uiDone
	}
	if out != nil {
		fmt.Println(ui.RenderOutcome(out))
	}
	if errors.Is(err, context.Canceled) {
		logger.Info("Завершение работы по сигналу")
		return nil
	}
	return err
}

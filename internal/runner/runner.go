package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/internal/exchange"
	"github.com/skalibog/gapfire/internal/handoff"
	"github.com/skalibog/gapfire/internal/orders"
	"github.com/skalibog/gapfire/internal/scheduler"
	"github.com/skalibog/gapfire/internal/selection"
	"github.com/skalibog/gapfire/internal/storage"
	"github.com/skalibog/gapfire/internal/ui"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// ErrNoSymbols возвращается, если список символов для отбора пуст
var ErrNoSymbols = errors.New("не задан список символов для отбора")

// Observer получает промежуточное состояние для отображения
type Observer interface {
	SetSource(src ui.ProgressSource)
	SetTarget(target time.Time)
	SetStage(stage string)
	SetOutcome(out *models.FireOutcome)
}

type nopObserver struct{}

func (nopObserver) SetSource(ui.ProgressSource)    {}
func (nopObserver) SetTarget(time.Time)            {}
func (nopObserver) SetStage(string)                {}
func (nopObserver) SetOutcome(*models.FireOutcome) {}

// Runner связывает отбор, подготовку заявок и точную отправку
type Runner struct {
	cfg      *config.Config
	broker   exchange.Broker
	journal  storage.Journal
	observer Observer
	runID    string
}

// New создает исполнителя. journal может быть nil.
func New(cfg *config.Config, broker exchange.Broker, journal storage.Journal) *Runner {
	if journal == nil {
		journal = storage.NopJournal{}
	}
	return &Runner{
		cfg:      cfg,
		broker:   broker,
		journal:  journal,
		observer: nopObserver{},
		runID:    uuid.NewString(),
	}
}

// SetObserver подключает отображение прогресса
func (r *Runner) SetObserver(o Observer) {
	if o != nil {
		r.observer = o
	}
}

// RunID возвращает идентификатор запуска в журнале
func (r *Runner) RunID() string {
	return r.runID
}

// Run выполняет отбор и отправляет заявки по отобранным символам
func (r *Runner) Run(ctx context.Context) (*models.FireOutcome, error) {
	// Прошедшее время отправки отклоняется до загрузки цен и подписки
	target, err := r.cfg.FireTarget(time.Now())
	if err != nil {
		return nil, err
	}
	sel, err := r.Selection(ctx)
	if err != nil {
		return nil, err
	}
	tmpl, err := r.cfg.OrderTemplate()
	if err != nil {
		return nil, err
	}
	list, err := orders.Prepare(sel, tmpl)
	if err != nil {
		return nil, err
	}
	return r.fireAt(ctx, target, list)
}

// SelectAndSend выполняет отбор и передает результат процессу отправки
func (r *Runner) SelectAndSend(ctx context.Context) error {
	sel, err := r.Selection(ctx)
	if err != nil {
		return err
	}
	if sel.Empty() {
		logger.Info("Отбор пуст, передавать нечего")
		return nil
	}
	tmpl, err := r.cfg.OrderTemplate()
	if err != nil {
		return err
	}

	h := r.cfg.Handoff
	msgs := handoff.FromSelection(sel, tmpl, time.Now())
	return handoff.SendAll(ctx, h.Address, msgs, config.Duration(h.DialTimeoutMs))
}

// ReceiveAndFire принимает отбор от другого процесса до момента
// FireTime-CollectLead и отправляет заявки. Если ничего не пришло,
// используются статические символы из конфигурации.
func (r *Runner) ReceiveAndFire(ctx context.Context) (*models.FireOutcome, error) {
	target, err := r.cfg.FireTarget(time.Now())
	if err != nil {
		return nil, err
	}
	tmpl, err := r.cfg.OrderTemplate()
	if err != nil {
		return nil, err
	}

	h := r.cfg.Handoff
	ln, err := handoff.Listen(h.Address)
	if err != nil {
		return nil, err
	}
	r.observer.SetTarget(target)
	r.observer.SetStage("Ожидание отбора на " + ln.Addr().String())
	logger.Info("Ожидание отбора", zap.String("addr", ln.Addr().String()))

	until := target.Add(-config.Duration(h.CollectLeadMs))
	msgs, err := ln.Collect(ctx, until, r.cfg.Selection.MaxCandidates)
	if err != nil {
		return nil, err
	}

	list := make([]models.Order, 0, len(msgs))
	for _, m := range msgs {
		o, err := m.ToOrder(tmpl)
		if err != nil {
			logger.Warn("Отброшена заявка из передачи", zap.String("symbol", m.Symbol), zap.Error(err))
			continue
		}
		list = append(list, o)
	}

	if len(list) == 0 && len(r.cfg.Orders.Static) > 0 {
		logger.Info("Отбор не получен, используются статические символы", zap.Strings("symbols", r.cfg.Orders.Static))
		if list, err = orders.ForSymbols(r.cfg.Orders.Static, tmpl); err != nil {
			return nil, err
		}
	}
	return r.fireAt(ctx, target, list)
}

// FireStatic отправляет заявки по статическому списку символов
func (r *Runner) FireStatic(ctx context.Context) (*models.FireOutcome, error) {
	target, err := r.cfg.FireTarget(time.Now())
	if err != nil {
		return nil, err
	}
	tmpl, err := r.cfg.OrderTemplate()
	if err != nil {
		return nil, err
	}
	list, err := orders.ForSymbols(r.cfg.Orders.Static, tmpl)
	if err != nil {
		return nil, err
	}
	return r.fireAt(ctx, target, list)
}

// Selection загружает цены закрытия, подписывается на поток и ждет
// завершения отбора. Незавершенный отбор - selection.ErrIncomplete.
func (r *Runner) Selection(ctx context.Context) (models.RankedSelection, error) {
	sc := r.cfg.Selection
	if len(sc.Symbols) == 0 {
		return models.RankedSelection{}, ErrNoSymbols
	}

	r.observer.SetStage("Загрузка цен закрытия")
	day := selection.LastTradingDay(time.Now())
	baseline, report, err := selection.BuildBaseline(ctx, r.broker, sc.Symbols, day, selection.BaselineOptions{
		Concurrency: sc.FetchConcurrency,
		Delay:       config.Duration(sc.FetchDelayMs),
	})
	if err != nil {
		return models.RankedSelection{}, err
	}
	if len(report.Failed) > 0 {
		logger.Warn("Часть символов без цены закрытия", zap.Strings("failed", report.Failed))
	}

	selector := selection.New(selectorConfig(sc))
	if err := selector.LoadBaseline(baseline); err != nil {
		return models.RankedSelection{}, err
	}
	r.observer.SetSource(selector)
	selector.OnComplete(func(sel models.RankedSelection) {
		r.observer.SetStage(fmt.Sprintf("Отбор завершен: %d символов", len(sel.Candidates)))
	})

	if err := r.waitStreamStart(ctx); err != nil {
		return models.RankedSelection{}, err
	}

	wctx := ctx
	if sc.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, time.Duration(sc.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	symbols := make([]string, 0, len(baseline))
	for s := range baseline {
		symbols = append(symbols, s)
	}

	feed := r.broker.NewFeed()
	handler := exchange.FeedHandler{
		OnOpen: func() {
			logger.Info("Поток цен подключен", zap.Int("symbols", len(symbols)))
		},
		OnMessage: func(ev models.PriceEvent) {
			selector.OnEvent(ev)
		},
		OnError: func(err error) {
			selector.OnFeedError(err)
		},
		OnClose: func() {
			logger.Info("Поток цен закрыт")
		},
	}
	r.observer.SetStage("Отбор по потоку цен")
	if err := feed.Subscribe(wctx, symbols, handler); err != nil {
		return models.RankedSelection{}, fmt.Errorf("ошибка подписки на поток: %w", err)
	}

	sel, waitErr := selector.Wait(wctx)
	if waitErr == nil {
		if err := feed.Unsubscribe(symbols); err != nil {
			logger.Debug("Ошибка отписки", zap.Error(err))
		}
	}
	if err := feed.Close(); err != nil {
		logger.Debug("Ошибка закрытия потока", zap.Error(err))
	}
	if waitErr != nil {
		p := selector.Snapshot()
		logger.Error("Отбор не завершен", zap.Int("checked", p.Checked), zap.Int("total", p.Total), zap.Error(waitErr))
		return models.RankedSelection{}, waitErr
	}

	storage.LogSaveError("selection", r.journal.SaveSelection(context.WithoutCancel(ctx), r.runID, sel))
	return sel, nil
}

func (r *Runner) waitStreamStart(ctx context.Context) error {
	startAt, err := r.cfg.StreamStartAt(time.Now())
	if err != nil {
		return err
	}
	wait := time.Until(startAt)
	if startAt.IsZero() || wait <= 0 {
		return nil
	}

	r.observer.SetStage("Ожидание открытия потока в " + startAt.Format("15:04:05"))
	logger.Info("Ожидание открытия потока", zap.Time("start", startAt), zap.Duration("wait", wait))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Fire отправляет пакет заявок в момент fire_time. Пустой пакет ничего не отправляет.
func (r *Runner) Fire(ctx context.Context, list []models.Order) (*models.FireOutcome, error) {
	if len(list) == 0 {
		return r.fireAt(ctx, time.Time{}, nil)
	}
	target, err := r.cfg.FireTarget(time.Now())
	if err != nil {
		return nil, err
	}
	return r.fireAt(ctx, target, list)
}

// fireAt отправляет пакет в заранее проверенный момент target
func (r *Runner) fireAt(ctx context.Context, target time.Time, list []models.Order) (*models.FireOutcome, error) {
	if len(list) == 0 {
		logger.Info("Нет заявок для отправки")
		r.observer.SetStage("Нет заявок для отправки")
		return nil, nil
	}
	if late := time.Since(target); late > 0 {
		logger.Warn("Время отправки прошло во время отбора, отправка немедленно", zap.Duration("late", late))
	}
	r.observer.SetTarget(target)

	sc := r.cfg.Schedule
	if sc.LatencyProbes > 0 {
		r.observer.SetStage("Замер задержки")
		if avg, err := ProbeLatency(ctx, r.broker, sc.LatencyProbes); err != nil {
			logger.Warn("Не удалось замерить задержку", zap.Error(err))
		} else {
			logger.Info("Средняя задержка брокера", zap.Duration("avg", avg), zap.Int("early_fire_ms", sc.EarlyFireMs))
		}
	}

	warmer := scheduler.NewWarmer(r.broker, scheduler.WarmerConfig{
		KeepaliveInterval: config.Duration(sc.KeepaliveIntervalMs),
		BurstLead:         config.Duration(sc.BurstLeadMs),
		BurstInterval:     config.Duration(sc.BurstIntervalMs),
		GuardWindow:       config.Duration(sc.GuardWindowMs),
	})
	sched := scheduler.New(scheduler.Config{MaxEarlyOffset: config.MaxEarlyFire}, warmer)

	// Отмена после начала точного ожидания не должна обрывать отправку
	dispatchCtx := context.WithoutCancel(ctx)
	action := func() (*models.BasketResponse, error) {
		return r.broker.SubmitOrders(dispatchCtx, list)
	}

	r.observer.SetStage(fmt.Sprintf("Ожидание отправки %d заявок", len(list)))
	out, err := sched.FireAt(ctx, target, r.cfg.EarlyFire(), action)
	if out == nil {
		return nil, err
	}

	stats := warmer.Stats()
	ok, failed := out.Response.Counts()
	logger.Info("Итог отправки",
		zap.String("run_id", r.runID),
		zap.Int("orders", len(list)),
		zap.Int("succeeded", ok),
		zap.Int("failed", failed),
		zap.Int64("warm_calls", stats.Calls),
		zap.Int64("warm_failures", stats.Failures))

	r.observer.SetOutcome(out)
	r.observer.SetStage("Отправка завершена")
	storage.LogSaveError("fire outcome", r.journal.SaveFireOutcome(dispatchCtx, r.runID, out))
	return out, err
}

// ProbeLatency выполняет n вызовов Ping и возвращает среднее время успешных
func ProbeLatency(ctx context.Context, p exchange.Pinger, n int) (time.Duration, error) {
	var (
		total time.Duration
		count int
		errs  error
	)
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := p.Ping(ctx); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		total += time.Since(start)
		count++
	}
	if count == 0 {
		return 0, fmt.Errorf("все замеры задержки неуспешны: %w", errs)
	}
	return total / time.Duration(count), nil
}

func selectorConfig(sc config.SelectionConfig) selection.Config {
	return selection.Config{
		GapMin:        decimal.NewFromFloat(sc.GapUpMin),
		GapMax:        decimal.NewFromFloat(sc.GapUpMax),
		MinPrice:      decimal.NewFromFloat(sc.MinPrice),
		MaxCandidates: sc.MaxCandidates,
	}
}

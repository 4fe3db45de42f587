package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/skalibog/gapfire/internal/exchange"
	"github.com/skalibog/gapfire/pkg/logger"
	"go.uber.org/zap"
)

// WarmerConfig настройки прогрева соединения
type WarmerConfig struct {
	KeepaliveInterval time.Duration
	BurstLead         time.Duration
	BurstInterval     time.Duration
	GuardWindow       time.Duration
}

// DefaultWarmerConfig возвращает расписание прогрева по умолчанию
func DefaultWarmerConfig() WarmerConfig {
	return WarmerConfig{
		KeepaliveInterval: 5 * time.Second,
		BurstLead:         3 * time.Second,
		BurstInterval:     800 * time.Millisecond,
		GuardWindow:       300 * time.Millisecond,
	}
}

func (c WarmerConfig) withDefaults() WarmerConfig {
	d := DefaultWarmerConfig()
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = d.KeepaliveInterval
	}
	if c.BurstLead <= 0 {
		c.BurstLead = d.BurstLead
	}
	if c.BurstInterval <= 0 {
		c.BurstInterval = d.BurstInterval
	}
	if c.GuardWindow <= 0 {
		c.GuardWindow = d.GuardWindow
	}
	return c
}

// WarmerStats счетчики вызовов прогрева
type WarmerStats struct {
	Calls    int64
	Failures int64
}

// Warmer держит соединение с брокером горячим до момента отправки.
// Ошибки вызовов никогда не выходят наружу.
type Warmer struct {
	pinger exchange.Pinger
	cfg    WarmerConfig

	calls    atomic.Int64
	failures atomic.Int64
}

// NewWarmer создает новый прогреватель
func NewWarmer(pinger exchange.Pinger, cfg WarmerConfig) *Warmer {
	return &Warmer{
		pinger: pinger,
		cfg:    cfg.withDefaults(),
	}
}

// Config возвращает действующее расписание
func (w *Warmer) Config() WarmerConfig {
	return w.cfg
}

// Stats возвращает счетчики вызовов
func (w *Warmer) Stats() WarmerStats {
	return WarmerStats{
		Calls:    w.calls.Load(),
		Failures: w.failures.Load(),
	}
}

// Run прогревает соединение до входа в защитное окно перед deadline
// или до отмены ctx.
func (w *Warmer) Run(ctx context.Context, deadline time.Time) {
	guardStart := deadline.Add(-w.cfg.GuardWindow)

	for {
		if !time.Now().Before(guardStart) {
			return
		}
		w.ping(ctx, guardStart)

		remaining := time.Until(deadline)
		if remaining <= w.cfg.GuardWindow {
			return
		}

		var wait time.Duration
		if remaining > w.cfg.BurstLead {
			// Обычный интервал, но просыпаемся к началу частого прогрева
			wait = min(w.cfg.KeepaliveInterval, remaining-w.cfg.BurstLead)
		} else {
			wait = min(w.cfg.BurstInterval, remaining-w.cfg.GuardWindow)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// ping выполняет один вызов, который обязан завершиться до защитного окна
func (w *Warmer) ping(ctx context.Context, until time.Time) {
	pctx, cancel := context.WithDeadline(ctx, until)
	defer cancel()

	err := w.pinger.Ping(pctx)
	w.calls.Add(1)
	if err != nil {
		w.failures.Add(1)
		logger.Debug("Ошибка прогрева соединения", zap.Error(err))
	}
}

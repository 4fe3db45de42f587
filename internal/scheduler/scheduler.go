package scheduler

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
)

// Пороги грубого ожидания
const (
	coarseFar    = 2 * time.Second
	coarseNear   = 500 * time.Millisecond
	stepFar      = 500 * time.Millisecond
	stepMid      = 100 * time.Millisecond
	stepNear     = 10 * time.Millisecond
	maxSpinWidth = 200 * time.Millisecond
)

// Action - единственный вызов, выполняемый в момент отправки
type Action func() (*models.BasketResponse, error)

// Config настройки планировщика
type Config struct {
	// MaxEarlyOffset - верхняя граница раннего смещения
	MaxEarlyOffset time.Duration
	// SpinWindow - длительность активного ожидания, не больше 200мс
	SpinWindow time.Duration
}

// DefaultConfig возвращает настройки по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxEarlyOffset: 500 * time.Millisecond,
		SpinWindow:     maxSpinWidth,
	}
}

// Scheduler выполняет действие ровно один раз в заданный момент
type Scheduler struct {
	cfg    Config
	warmer *Warmer
}

// New создает планировщик. warmer может быть nil.
func New(cfg Config, warmer *Warmer) *Scheduler {
	if cfg.MaxEarlyOffset <= 0 {
		cfg.MaxEarlyOffset = DefaultConfig().MaxEarlyOffset
	}
	if cfg.SpinWindow <= 0 || cfg.SpinWindow > maxSpinWidth {
		cfg.SpinWindow = maxSpinWidth
	}
	return &Scheduler{cfg: cfg, warmer: warmer}
}

// ClampOffset приводит раннее смещение к диапазону [0, MaxEarlyOffset]
func (s *Scheduler) ClampOffset(offset time.Duration) time.Duration {
	if offset < 0 {
		return 0
	}
	if offset > s.cfg.MaxEarlyOffset {
		return s.cfg.MaxEarlyOffset
	}
	return offset
}

// FireAt ждет момента target-earlyOffset и вызывает action ровно один раз.
// Ошибка action возвращается без изменений и дублируется в FireOutcome.Err,
// результат с метриками возвращается и при ошибке. ctx учитывается только
// на этапе грубого ожидания.
func (s *Scheduler) FireAt(ctx context.Context, target time.Time, earlyOffset time.Duration, action Action) (*models.FireOutcome, error) {
	if action == nil {
		return nil, errors.New("не задано действие для отправки")
	}

	earlyOffset = s.ClampOffset(earlyOffset)
	target = target.Round(0)
	adjusted := target.Add(-earlyOffset)

	stopWarmer := func() {}
	if s.warmer != nil {
		warmCtx, cancel := context.WithCancel(ctx)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.warmer.Run(warmCtx, adjusted)
		}()
		stopWarmer = sync.OnceFunc(func() {
			cancel()
			wg.Wait()
		})
	}
	defer stopWarmer()

	logger.Info("Ожидание момента отправки",
		zap.Time("target", target),
		zap.Duration("early_offset", earlyOffset),
		zap.Duration("remaining", time.Until(adjusted)))

	if err := s.coarseWait(ctx, adjusted); err != nil {
		return nil, err
	}

	// Точное ожидание: без логов и без уступок планировщику до конца вызова
	runtime.LockOSThread()
	deadline := Sync(adjusted)
	for time.Now().Before(deadline) {
	}
	t0 := time.Now()
	resp, err := action()
	callDuration := time.Since(t0)
	runtime.UnlockOSThread()
	stopWarmer()

	delayFromAdjusted := t0.Sub(deadline)
	fireTime := adjusted.Add(delayFromAdjusted)
	out := &models.FireOutcome{
		Response:          resp,
		Err:               err,
		Target:            target,
		EarlyOffset:       earlyOffset,
		CallDuration:      callDuration,
		FireTime:          fireTime,
		ResponseTime:      fireTime.Add(callDuration),
		DelayFromAdjusted: delayFromAdjusted,
		Delay:             delayFromAdjusted - earlyOffset,
	}

	if err != nil {
		logger.Error("Ошибка отправки",
			zap.Error(err),
			zap.Duration("delay", out.Delay),
			zap.Duration("call_duration", callDuration))
	} else {
		logger.Info("Отправка выполнена",
			zap.Time("fire_time", out.FireTime),
			zap.Duration("delay", out.Delay),
			zap.Duration("call_duration", callDuration))
	}
	return out, err
}

// coarseWait спит шагами, которые уменьшаются по мере приближения дедлайна
func (s *Scheduler) coarseWait(ctx context.Context, adjusted time.Time) error {
	for {
		remaining := time.Until(adjusted)
		if remaining <= s.cfg.SpinWindow {
			return nil
		}

		step := stepNear
		switch {
		case remaining > coarseFar:
			step = stepFar
		case remaining > coarseNear:
			step = stepMid
		}

		timer := time.NewTimer(step)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

package selection

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/skalibog/gapfire/internal/exchange"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// BaselineOptions параметры загрузки истории
type BaselineOptions struct {
	Concurrency int
	Delay       time.Duration // пауза между запусками запросов
}

// BaselineReport - итог загрузки цен закрытия
type BaselineReport struct {
	Requested int
	Loaded    int
	Failed    []string
}

// LastTradingDay возвращает предыдущий торговый день:
// для понедельника и воскресенья - пятницу, иначе вчерашний день.
func LastTradingDay(now time.Time) time.Time {
	y, m, d := now.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	switch now.Weekday() {
	case time.Monday:
		return day.AddDate(0, 0, -3)
	case time.Sunday:
		return day.AddDate(0, 0, -2)
	}
	return day.AddDate(0, 0, -1)
}

// BuildBaseline загружает цену закрытия каждого символа за день day.
// Ошибки по отдельным символам не прерывают загрузку и попадают в отчет.
func BuildBaseline(ctx context.Context, history exchange.HistoryProvider, symbols []string, day time.Time, opts BaselineOptions) (models.PriceBaseline, BaselineReport, error) {
	report := BaselineReport{Requested: len(symbols)}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}

	from := day
	to := day.Add(24*time.Hour - time.Second)

	var mu sync.Mutex
	baseline := make(models.PriceBaseline, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i, symbol := range symbols {
		if i > 0 && opts.Delay > 0 {
			select {
			case <-gctx.Done():
			case <-time.After(opts.Delay):
			}
		}
		if gctx.Err() != nil {
			break
		}

		symbol := symbol
		g.Go(func() error {
			candle, err := history.DailyCandle(gctx, symbol, from, to)
			mu.Lock()
			defer mu.Unlock()

			switch {
			case err != nil:
				logger.Warn("Не удалось получить цену закрытия", zap.String("symbol", symbol), zap.Error(err))
				report.Failed = append(report.Failed, symbol)
			case !candle.Close.IsPositive():
				logger.Warn("Некорректная цена закрытия", zap.String("symbol", symbol), zap.String("close", candle.Close.String()))
				report.Failed = append(report.Failed, symbol)
			default:
				baseline[symbol] = candle.Close
			}
			return nil
		})
	}

	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, report, fmt.Errorf("загрузка цен закрытия прервана: %w", err)
	}

	sort.Strings(report.Failed)
	report.Loaded = len(baseline)
	logger.Info("Загружены цены закрытия",
		zap.Time("day", day),
		zap.Int("requested", report.Requested),
		zap.Int("loaded", report.Loaded),
		zap.Int("failed", len(report.Failed)))

	if report.Loaded == 0 {
		return nil, report, ErrEmptyBaseline
	}
	return baseline, report, nil
}

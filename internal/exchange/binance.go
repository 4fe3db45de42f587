package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/pkg/models"
)

// Дневной интервал свечей Binance
const dailyInterval = "1d"

// BinanceClient клиент для взаимодействия с Binance Futures
type BinanceClient struct {
	futures *futures.Client
}

// NewBinanceClient создает новый клиент Binance
func NewBinanceClient(cfg config.BrokerConfig) (*BinanceClient, error) {
	if cfg.Testnet {
		// Переключатель глобальный в библиотеке и читается при создании клиента
		futures.UseTestnet = true
	}
	client := futures.NewClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		client.BaseURL = cfg.BaseURL
	}

	return &BinanceClient{futures: client}, nil
}

// Ping проверяет доступность API, используется для прогрева соединения
func (c *BinanceClient) Ping(ctx context.Context) error {
	if err := c.futures.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("ошибка ping: %w", err)
	}
	return nil
}

// DailyCandle получает последнюю дневную свечу за период
func (c *BinanceClient) DailyCandle(ctx context.Context, symbol string, from, to time.Time) (*models.Candle, error) {
	klines, err := c.futures.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(dailyInterval).
		StartTime(from.UnixMilli()).
		EndTime(to.UnixMilli()).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения свечей %s: %w", symbol, err)
	}
	if len(klines) == 0 {
		return nil, fmt.Errorf("%s: %w", symbol, ErrNoCandles)
	}

	k := klines[len(klines)-1]
	candle := &models.Candle{
		Symbol:   symbol,
		OpenTime: time.UnixMilli(k.OpenTime),
	}
	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&candle.Open, k.Open},
		{&candle.High, k.High},
		{&candle.Low, k.Low},
		{&candle.Close, k.Close},
		{&candle.Volume, k.Volume},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.src)
		if err != nil {
			return nil, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, err)
		}
		*f.dst = v
	}

	return candle, nil
}

// SubmitOrders отправляет пакет заявок одним batch запросом
func (c *BinanceClient) SubmitOrders(ctx context.Context, orders []models.Order) (*models.BasketResponse, error) {
	list := make([]*futures.CreateOrderService, len(orders))
	for i, o := range orders {
		svc, err := c.createOrderService(o)
		if err != nil {
			return nil, err
		}
		list[i] = svc
	}

	res, err := c.futures.NewCreateBatchOrdersService().OrderList(list).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка отправки пакета: %w", err)
	}

	out := &models.BasketResponse{Status: "ok", Code: 200}
	n := len(res.Orders)
	if len(res.Errors) > n {
		n = len(res.Errors)
	}
	for i := 0; i < n; i++ {
		var (
			order  *futures.Order
			apiErr error
		)
		if i < len(res.Orders) {
			order = res.Orders[i]
		}
		if i < len(res.Errors) {
			apiErr = res.Errors[i]
		}

		switch {
		case apiErr != nil:
			out.Status = "error"
			out.Results = append(out.Results, models.OrderResult{
				StatusCode:        400,
				StatusDescription: "Bad Request",
				Status:            "error",
				Message:           apiErr.Error(),
			})
		case order != nil:
			out.Results = append(out.Results, models.OrderResult{
				StatusCode:        200,
				StatusDescription: "OK",
				Status:            "ok",
				Message:           string(order.Status),
				OrderID:           strconv.FormatInt(order.OrderID, 10),
			})
		}
	}
	if out.Status != "ok" {
		out.Message = "часть заявок отклонена"
	}
	return out, nil
}

func (c *BinanceClient) createOrderService(o models.Order) (*futures.CreateOrderService, error) {
	svc := c.futures.NewCreateOrderService().
		Symbol(strings.ToUpper(o.Symbol)).
		Quantity(strconv.FormatInt(o.Quantity, 10))

	if o.ClientOrderID != "" {
		svc = svc.NewClientOrderID(o.ClientOrderID)
	}

	switch o.Side {
	case models.SideBuy:
		svc = svc.Side(futures.SideTypeBuy)
	case models.SideSell:
		svc = svc.Side(futures.SideTypeSell)
	default:
		return nil, fmt.Errorf("%w: %s: направление %q", models.ErrInvalidOrder, o.Symbol, o.Side)
	}

	tif := futures.TimeInForceTypeGTC
	if o.Validity == models.ValidityIOC {
		tif = futures.TimeInForceTypeIOC
	}

	switch o.Kind {
	case models.KindMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	case models.KindLimit:
		svc = svc.Type(futures.OrderTypeLimit).Price(o.LimitPrice.String()).TimeInForce(tif)
	case models.KindStop:
		svc = svc.Type(futures.OrderTypeStopMarket).StopPrice(o.StopPrice.String())
	case models.KindStopLimit:
		svc = svc.Type(futures.OrderTypeStop).
			Price(o.LimitPrice.String()).
			StopPrice(o.StopPrice.String()).
			TimeInForce(tif)
	default:
		return nil, fmt.Errorf("%w: %s: тип %q не поддерживается", models.ErrInvalidOrder, o.Symbol, o.Kind)
	}
	return svc, nil
}

// NewFeed создает подписку на дневные свечи
func (c *BinanceClient) NewFeed() Feed {
	return &binanceFeed{symbols: make(map[string]string)}
}

// binanceFeed - поток дневных свечей: цена открытия дня и последняя цена.
// symbols: символ биржи в верхнем регистре -> символ в том виде, как его подписали.
type binanceFeed struct {
	mu      sync.Mutex
	symbols map[string]string
	stopC   chan struct{}
	doneC   chan struct{}
}

func (f *binanceFeed) Subscribe(ctx context.Context, symbols []string, h FeedHandler) error {
	pairs := make(map[string]string, len(symbols))
	f.mu.Lock()
	for _, s := range symbols {
		f.symbols[strings.ToUpper(s)] = s
		pairs[s] = dailyInterval
	}
	f.mu.Unlock()

	onKline := func(ev *futures.WsKlineEvent) {
		pe, ok, err := f.priceEvent(ev)
		if err != nil {
			h.error(err)
			return
		}
		if ok {
			h.message(pe)
		}
	}

	doneC, stopC, err := futures.WsCombinedKlineServe(pairs, onKline, h.error)
	if err != nil {
		return fmt.Errorf("ошибка подписки на свечи: %w", err)
	}

	f.mu.Lock()
	f.stopC, f.doneC = stopC, doneC
	f.mu.Unlock()
	h.open()

	go func() {
		<-doneC
		h.close()
	}()
	return nil
}

// priceEvent переводит событие свечи в событие цены с исходным символом подписки
func (f *binanceFeed) priceEvent(ev *futures.WsKlineEvent) (models.PriceEvent, bool, error) {
	f.mu.Lock()
	symbol, ok := f.symbols[strings.ToUpper(ev.Symbol)]
	f.mu.Unlock()
	if !ok {
		return models.PriceEvent{}, false, nil
	}

	open, err := decimal.NewFromString(ev.Kline.Open)
	if err != nil {
		return models.PriceEvent{}, false, fmt.Errorf("ошибка разбора свечи %s: %w", symbol, err)
	}
	last, _ := decimal.NewFromString(ev.Kline.Close)
	volume, _ := decimal.NewFromString(ev.Kline.Volume)

	return models.PriceEvent{
		Symbol:      symbol,
		Open:        open,
		LastPrice:   last,
		VolumeToday: volume,
		Timestamp:   time.UnixMilli(ev.Time),
	}, true, nil
}

// Unsubscribe перестает доставлять символы; поток закрывается, когда символов не осталось
func (f *binanceFeed) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	for _, s := range symbols {
		delete(f.symbols, strings.ToUpper(s))
	}
	empty := len(f.symbols) == 0
	f.mu.Unlock()

	if empty {
		return f.Close()
	}
	return nil
}

func (f *binanceFeed) Close() error {
	f.mu.Lock()
	stopC := f.stopC
	f.stopC = nil
	f.mu.Unlock()

	if stopC != nil {
		close(stopC)
	}
	return nil
}

package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/pkg/models"
)

// ErrAPIFailure возвращается, когда брокер ответил ошибкой
var ErrAPIFailure = errors.New("ошибка API брокера")

// ErrNoCandles возвращается, когда за период нет ни одной свечи
var ErrNoCandles = errors.New("нет свечей за период")

// HistoryProvider отдает исторические дневные свечи
type HistoryProvider interface {
	DailyCandle(ctx context.Context, symbol string, from, to time.Time) (*models.Candle, error)
}

// FeedHandler - обратные вызовы жизненного цикла подписки
type FeedHandler struct {
	OnOpen    func()
	OnMessage func(models.PriceEvent)
	OnError   func(error)
	OnClose   func()
}

func (h FeedHandler) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h FeedHandler) message(ev models.PriceEvent) {
	if h.OnMessage != nil {
		h.OnMessage(ev)
	}
}

func (h FeedHandler) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h FeedHandler) close() {
	if h.OnClose != nil {
		h.OnClose()
	}
}

// Feed - подписка на живые обновления цен
type Feed interface {
	Subscribe(ctx context.Context, symbols []string, h FeedHandler) error
	Unsubscribe(symbols []string) error
	Close() error
}

// OrderDispatcher отправляет пакет заявок одним вызовом
type OrderDispatcher interface {
	SubmitOrders(ctx context.Context, orders []models.Order) (*models.BasketResponse, error)
}

// Pinger выполняет легкий идемпотентный вызов для прогрева соединения
type Pinger interface {
	Ping(ctx context.Context) error
}

// Broker объединяет все возможности брокера
type Broker interface {
	HistoryProvider
	OrderDispatcher
	Pinger
	NewFeed() Feed
}

// NewBroker создает клиента брокера по конфигурации
func NewBroker(cfg config.BrokerConfig) (Broker, error) {
	switch cfg.Kind {
	case "rest":
		c, err := NewRESTClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	case "binance":
		c, err := NewBinanceClient(cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("неизвестный брокер %q", cfg.Kind)
}

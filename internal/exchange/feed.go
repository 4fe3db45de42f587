package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
)

// ErrFeedClosed возвращается при работе с закрытой подпиской
var ErrFeedClosed = errors.New("подписка закрыта")

const symbolUpdate = "SymbolUpdate"

// WSFeed - JSON поток обновлений цен поверх websocket с переподключением
type WSFeed struct {
	url     string
	headers http.Header
	dialer  *websocket.Dialer

	PingInterval time.Duration
	ReadTimeout  time.Duration
	Backoff      *backoff.Backoff

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
	symbols map[string]struct{}
	handler FeedHandler
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

type wsCommand struct {
	Action   string   `json:"action"`
	Symbols  []string `json:"symbols"`
	DataType string   `json:"data_type"`
}

type wsTick struct {
	Type         string          `json:"type"`
	Message      string          `json:"message"`
	Symbol       string          `json:"symbol"`
	OpenPrice    decimal.Decimal `json:"open_price"`
	LTP          decimal.Decimal `json:"ltp"`
	VolumeToday  decimal.Decimal `json:"vol_traded_today"`
	ExchFeedTime int64           `json:"exch_feed_time"`
}

// NewWSFeed создает подписку, подключение происходит в Subscribe
func NewWSFeed(url string, headers http.Header) *WSFeed {
	return &WSFeed{
		url:          url,
		headers:      headers,
		dialer:       websocket.DefaultDialer,
		PingInterval: 20 * time.Second,
		ReadTimeout:  60 * time.Second,
		Backoff: &backoff.Backoff{
			Min:    200 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
			Jitter: true,
		},
		symbols: make(map[string]struct{}),
	}
}

// Subscribe подключается, подписывается на символы и запускает чтение
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string, h FeedHandler) error {
	if f.url == "" {
		return fmt.Errorf("не задан feed_url")
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrFeedClosed
	}
	if f.done != nil {
		f.mu.Unlock()
		return fmt.Errorf("подписка уже запущена")
	}
	for _, s := range symbols {
		f.symbols[s] = struct{}{}
	}
	f.handler = h
	f.mu.Unlock()

	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	f.mu.Lock()
	f.conn = conn
	f.cancel = cancel
	f.done = make(chan struct{})
	f.mu.Unlock()

	if err := f.sendSubscription(conn); err != nil {
		cancel()
		conn.Close()
		return err
	}
	h.open()

	go f.run(runCtx, conn)
	go f.pinger(runCtx)
	return nil
}

// Unsubscribe отписывается от символов
func (f *WSFeed) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	conn := f.conn
	for _, s := range symbols {
		delete(f.symbols, s)
	}
	f.mu.Unlock()

	if conn == nil {
		return ErrFeedClosed
	}
	return f.write(conn, wsCommand{Action: "unsubscribe", Symbols: symbols, DataType: symbolUpdate})
}

// Close закрывает соединение и дожидается остановки чтения
func (f *WSFeed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn, cancel, done := f.conn, f.cancel, f.done
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if conn != nil {
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		f.writeMu.Unlock()
		err = conn.Close()
	}
	if done != nil {
		<-done
	}
	return err
}

func (f *WSFeed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := f.dialer.DialContext(ctx, f.url, f.headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("ошибка подключения к потоку (%s): %w", resp.Status, err)
		}
		return nil, fmt.Errorf("ошибка подключения к потоку: %w", err)
	}
	conn.SetReadLimit(1 << 20)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
	})
	return conn, nil
}

func (f *WSFeed) sendSubscription(conn *websocket.Conn) error {
	f.mu.Lock()
	symbols := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		symbols = append(symbols, s)
	}
	f.mu.Unlock()

	if len(symbols) == 0 {
		return nil
	}
	return f.write(conn, wsCommand{Action: "subscribe", Symbols: symbols, DataType: symbolUpdate})
}

func (f *WSFeed) write(conn *websocket.Conn, v interface{}) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteJSON(v)
}

// run читает сообщения и переподключается до вызова Close
func (f *WSFeed) run(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		f.handler.close()
		close(f.done)
	}()

	for {
		err := f.readLoop(conn)
		if ctx.Err() != nil {
			return
		}
		f.handler.error(err)
		conn.Close()

		for {
			wait := f.Backoff.Duration()
			logger.Warn("Поток разорван, переподключение", zap.Error(err), zap.Duration("wait", wait))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}

			conn, err = f.dial(ctx)
			if err == nil {
				err = f.sendSubscription(conn)
			}
			if err == nil {
				break
			}
			if conn != nil {
				conn.Close()
			}
			f.handler.error(err)
		}

		f.Backoff.Reset()
		f.mu.Lock()
		if f.closed {
			// Close уже закрыл прежнее соединение, новое закрываем сами
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		f.mu.Unlock()
		f.handler.open()
	}
}

func (f *WSFeed) readLoop(conn *websocket.Conn) error {
	for {
		_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := f.dispatch(data); err != nil {
			f.handler.error(err)
		}
	}
}

// dispatch разбирает одно сообщение или массив сообщений
func (f *WSFeed) dispatch(data []byte) error {
	var ticks []wsTick
	if len(data) > 0 && data[0] == '[' {
		if err := json.Unmarshal(data, &ticks); err != nil {
			return fmt.Errorf("ошибка разбора сообщения потока: %w", err)
		}
	} else {
		var t wsTick
		if err := json.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("ошибка разбора сообщения потока: %w", err)
		}
		ticks = append(ticks, t)
	}

	for _, t := range ticks {
		if t.Type == "error" {
			f.handler.error(fmt.Errorf("поток: %s: %w", t.Message, ErrAPIFailure))
			continue
		}
		if t.Symbol == "" {
			// служебные сообщения (подтверждения подписки и т.п.)
			continue
		}
		f.handler.message(t.event())
	}
	return nil
}

func (t wsTick) event() models.PriceEvent {
	ts := time.Now()
	if t.ExchFeedTime > 0 {
		ts = time.Unix(t.ExchFeedTime, 0)
	}
	return models.PriceEvent{
		Symbol:      t.Symbol,
		Open:        t.OpenPrice,
		LastPrice:   t.LTP,
		VolumeToday: t.VolumeToday,
		Timestamp:   ts,
	}
}

func (f *WSFeed) pinger(ctx context.Context) {
	ticker := time.NewTicker(f.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			conn := f.conn
			f.mu.Unlock()

			f.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			f.writeMu.Unlock()
			if err != nil {
				logger.Debug("Ошибка ping потока", zap.Error(err))
			}
		}
	}
}

// Package handoff передает результат отбора в отдельный процесс отправки
// по локальному TCP: один JSON объект на соединение, без подтверждения.
package handoff

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/skalibog/gapfire/internal/orders"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const maxMessageSize = 64 << 10

// Order - заявка в формате передачи между процессами
type Order struct {
	Rank      int       `json:"rank"`
	Symbol    string    `json:"symbol"`
	Exchange  string    `json:"exchange"`
	Qty       int64     `json:"qty"`
	Side      string    `json:"side"`
	OrderType string    `json:"order_type"`
	Product   string    `json:"product"`
	OpenPrice float64   `json:"open_price"`
	GapUpPct  float64   `json:"gap_up_pct"`
	SentAt    Timestamp `json:"sent_at"`
}

// Форматы sent_at без зоны, время считается местным
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp - время отправки сообщения. Принимает RFC 3339 и местное время
// без зоны. Нераспознанное значение дает нулевое время, сообщение не теряется.
type Timestamp struct {
	time.Time
}

// MarshalJSON пишет время в RFC 3339
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON разбирает sent_at
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	t.Time = time.Time{}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil || raw == "" {
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		t.Time = v
		return nil
	}
	for _, layout := range localLayouts {
		if v, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			t.Time = v
			return nil
		}
	}
	logger.Debug("Не распознано время отправки", zap.String("sent_at", raw))
	return nil
}

// FromSelection собирает сообщения для кандидатов по шаблону заявки
func FromSelection(sel models.RankedSelection, tmpl models.Order, now time.Time) []Order {
	out := make([]Order, len(sel.Candidates))
	for i, c := range sel.Candidates {
		out[i] = Order{
			Rank:      i + 1,
			Symbol:    c.Symbol,
			Exchange:  tmpl.Exchange,
			Qty:       tmpl.Quantity,
			Side:      string(tmpl.Side),
			OrderType: string(tmpl.Kind),
			Product:   tmpl.Product,
			OpenPrice: c.Open.InexactFloat64(),
			GapUpPct:  c.GapPct.InexactFloat64(),
			SentAt:    Timestamp{now},
		}
	}
	return out
}

// ToOrder превращает сообщение в заявку. Цены и срок действия берутся из шаблона.
func (o Order) ToOrder(tmpl models.Order) (models.Order, error) {
	side, err := models.ParseSide(o.Side)
	if err != nil {
		return models.Order{}, err
	}
	kind, err := models.ParseOrderKind(o.OrderType)
	if err != nil {
		return models.Order{}, err
	}

	out := tmpl
	out.ClientOrderID = orders.NewClientOrderID()
	out.Symbol = o.Symbol
	out.Exchange = o.Exchange
	out.Quantity = o.Qty
	out.Side = side
	out.Kind = kind
	out.Product = o.Product
	if err := out.Validate(); err != nil {
		return models.Order{}, err
	}
	return out, nil
}

// Send отправляет одно сообщение и сразу закрывает соединение. Повторов нет.
func Send(ctx context.Context, addr string, o Order, timeout time.Duration) error {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("ошибка подключения к %s: %w", addr, err)
	}
	defer conn.Close()

	if timeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := json.NewEncoder(conn).Encode(o); err != nil {
		return fmt.Errorf("ошибка отправки %s: %w", o.Symbol, err)
	}

	logger.Info("Заявка передана", zap.String("addr", addr), zap.Int("rank", o.Rank), zap.String("symbol", o.Symbol))
	return nil
}

// SendAll отправляет каждое сообщение отдельным соединением и собирает все ошибки
func SendAll(ctx context.Context, addr string, list []Order, timeout time.Duration) error {
	var errs error
	for _, o := range list {
		errs = multierr.Append(errs, Send(ctx, addr, o, timeout))
	}
	return errs
}

// Listener принимает сообщения от процесса отбора
type Listener struct {
	ln          net.Listener
	ReadTimeout time.Duration
}

// Listen открывает TCP порт для приема
func Listen(addr string) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("ошибка открытия порта %s: %w", addr, err)
	}
	return &Listener{ln: ln, ReadTimeout: 5 * time.Second}, nil
}

// Addr возвращает адрес прослушивания
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close закрывает порт
func (l *Listener) Close() error {
	return l.ln.Close()
}

// Serve принимает соединения до отмены ctx. handle может вызываться параллельно.
// После возврата порт закрыт.
func (l *Listener) Serve(ctx context.Context, handle func(Order)) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		l.ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ошибка приема соединения: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			l.handleConn(conn, handle)
		}()
	}
}

func (l *Listener) handleConn(conn net.Conn, handle func(Order)) {
	defer conn.Close()
	if l.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(l.ReadTimeout))
	}

	var o Order
	if err := json.NewDecoder(io.LimitReader(conn, maxMessageSize)).Decode(&o); err != nil {
		logger.Warn("Некорректное сообщение передачи", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}
	if o.Symbol == "" {
		logger.Warn("Сообщение передачи без символа", zap.String("remote", conn.RemoteAddr().String()))
		return
	}

	logger.Info("Получена заявка", zap.Int("rank", o.Rank), zap.String("symbol", o.Symbol))
	handle(o)
}

// Collect принимает сообщения до момента until или до получения max штук
// (max <= 0 - без ограничения) и возвращает их по возрастанию ранга.
func (l *Listener) Collect(ctx context.Context, until time.Time, max int) ([]Order, error) {
	cctx, cancel := context.WithDeadline(ctx, until)
	defer cancel()

	var (
		mu  sync.Mutex
		out []Order
	)
	err := l.Serve(cctx, func(o Order) {
		mu.Lock()
		defer mu.Unlock()
		if max > 0 && len(out) >= max {
			return
		}
		out = append(out, o)
		if max > 0 && len(out) >= max {
			cancel()
		}
	})

	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	if err != nil {
		return out, err
	}
	return out, ctx.Err()
}

package runner

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/internal/config"
	"github.com/skalibog/gapfire/internal/exchange"
	"github.com/skalibog/gapfire/internal/handoff"
	"github.com/skalibog/gapfire/internal/selection"
	"github.com/skalibog/gapfire/internal/storage"
	"github.com/skalibog/gapfire/pkg/models"
)

type fakeFeed struct {
	events       []models.PriceEvent
	unsubscribed []string
	subscribed   int
	closed       bool
	mu           sync.Mutex
}

func (f *fakeFeed) Subscribe(ctx context.Context, symbols []string, h exchange.FeedHandler) error {
	f.mu.Lock()
	f.subscribed++
	f.mu.Unlock()
	go func() {
		h.OnOpen()
		h.OnError(errors.New("transient"))
		for _, ev := range f.events {
			h.OnMessage(ev)
		}
	}()
	return nil
}

func (f *fakeFeed) Unsubscribe(symbols []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, symbols...)
	return nil
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

type fakeBroker struct {
	closes map[string]string
	feed   *fakeFeed

	mu        sync.Mutex
	submitted [][]models.Order
	pings     int
	candles   int
	submitErr error
}

func (b *fakeBroker) DailyCandle(ctx context.Context, symbol string, from, to time.Time) (*models.Candle, error) {
	b.mu.Lock()
	b.candles++
	b.mu.Unlock()
	c, ok := b.closes[symbol]
	if !ok {
		return nil, exchange.ErrNoCandles
	}
	return &models.Candle{Symbol: symbol, Close: decimal.RequireFromString(c)}, nil
}

func (b *fakeBroker) SubmitOrders(ctx context.Context, list []models.Order) (*models.BasketResponse, error) {
	time.Sleep(5 * time.Millisecond)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted = append(b.submitted, list)
	resp := &models.BasketResponse{Status: "ok", Code: 200}
	for range list {
		resp.Results = append(resp.Results, models.OrderResult{StatusCode: 200, Status: "ok"})
	}
	return resp, b.submitErr
}

func (b *fakeBroker) Ping(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pings++
	return nil
}

func (b *fakeBroker) NewFeed() exchange.Feed {
	return b.feed
}

type fakeJournal struct {
	storage.NopJournal
	mu         sync.Mutex
	selections []models.RankedSelection
	outcomes   []*models.FireOutcome
}

func (j *fakeJournal) SaveSelection(_ context.Context, _ string, sel models.RankedSelection) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.selections = append(j.selections, sel)
	return nil
}

func (j *fakeJournal) SaveFireOutcome(_ context.Context, _ string, out *models.FireOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, out)
	return nil
}

func ev(symbol, open string) models.PriceEvent {
	return models.PriceEvent{Symbol: symbol, Open: decimal.RequireFromString(open), Timestamp: time.Now()}
}

func testConfig(t *testing.T, fireIn time.Duration) *config.Config {
	t.Helper()
	now := time.Now()
	if now.Add(fireIn+time.Second).Day() != now.Day() {
		t.Skip("время отправки переходит через полночь")
	}
	cfg := config.Default()
	cfg.Selection.Symbols = []string{"A", "B", "C"}
	cfg.Selection.FetchDelayMs = 0
	cfg.Selection.TimeoutSeconds = 2
	cfg.Schedule.FireTime = now.Add(fireIn).Format("15:04:05")
	cfg.Schedule.LatencyProbes = 2
	return cfg
}

func TestSelection(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	feed := &fakeFeed{events: []models.PriceEvent{
		ev("A", "105"),
		ev("ZZZ", "150"),
		ev("B", "103"),
		ev("B", "108"),
		ev("C", "107"),
	}}
	broker := &fakeBroker{closes: map[string]string{"A": "100", "B": "100", "C": "100"}, feed: feed}
	journal := &fakeJournal{}

	sel, err := New(cfg, broker, journal).Selection(context.Background())
	if err != nil {
		t.Fatalf("Selection: %v", err)
	}

	got := sel.Symbols()
	if len(got) != 2 || got[0] != "C" || got[1] != "A" {
		t.Errorf("selection = %v, want [C A]", got)
	}
	if !feed.closed || len(feed.unsubscribed) != 3 {
		t.Errorf("feed not released: closed=%v unsubscribed=%v", feed.closed, feed.unsubscribed)
	}
	if len(journal.selections) != 1 {
		t.Errorf("journal selections = %d", len(journal.selections))
	}
}

func TestSelectionIncomplete(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	cfg.Selection.TimeoutSeconds = 1
	feed := &fakeFeed{events: []models.PriceEvent{ev("A", "105")}}
	broker := &fakeBroker{closes: map[string]string{"A": "100", "B": "100", "C": "100"}, feed: feed}

	_, err := New(cfg, broker, nil).Selection(context.Background())
	if !errors.Is(err, selection.ErrIncomplete) {
		t.Fatalf("err = %v, want ErrIncomplete", err)
	}
	if !feed.closed {
		t.Error("feed not closed")
	}
}

func TestSelectionNoSymbols(t *testing.T) {
	cfg := config.Default()
	if _, err := New(cfg, &fakeBroker{}, nil).Selection(context.Background()); !errors.Is(err, ErrNoSymbols) {
		t.Errorf("err = %v", err)
	}
}

func TestFire(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	broker := &fakeBroker{}
	journal := &fakeJournal{}
	r := New(cfg, broker, journal)

	tmpl, err := cfg.OrderTemplate()
	if err != nil {
		t.Fatal(err)
	}
	tmpl.Symbol = "A"

	out, err := r.Fire(context.Background(), []models.Order{tmpl})
	if err != nil {
		t.Fatalf("Fire: %v", err)
	}
	if len(broker.submitted) != 1 || len(broker.submitted[0]) != 1 {
		t.Fatalf("submitted = %v", broker.submitted)
	}
	if out.Delay < -50*time.Millisecond || out.Delay > 50*time.Millisecond {
		t.Errorf("delay = %v", out.Delay)
	}
	if len(journal.outcomes) != 1 || journal.outcomes[0] != out {
		t.Errorf("outcome not journaled")
	}
	if broker.pings < cfg.Schedule.LatencyProbes {
		t.Errorf("pings = %d, want at least %d", broker.pings, cfg.Schedule.LatencyProbes)
	}
}

func TestFireEmptyIsNoop(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	broker := &fakeBroker{}

	out, err := New(cfg, broker, nil).Fire(context.Background(), nil)
	if err != nil || out != nil {
		t.Fatalf("Fire(empty) = %v, %v", out, err)
	}
	if len(broker.submitted) != 0 || broker.pings != 0 {
		t.Error("empty fire touched the broker")
	}
}

func TestFirePropagatesDispatchError(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	errReject := errors.New("rejected")
	broker := &fakeBroker{submitErr: errReject}
	journal := &fakeJournal{}

	tmpl, _ := cfg.OrderTemplate()
	tmpl.Symbol = "A"
	out, err := New(cfg, broker, journal).Fire(context.Background(), []models.Order{tmpl})
	if !errors.Is(err, errReject) {
		t.Fatalf("err = %v", err)
	}
	if out == nil || out.Err != errReject {
		t.Fatalf("outcome = %+v", out)
	}
	if len(journal.outcomes) != 1 {
		t.Error("failed outcome not journaled")
	}
}

func TestFirePastTarget(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Schedule.FireTime = pastFireTime(t)

	_, err := New(cfg, &fakeBroker{}, nil).Fire(context.Background(), []models.Order{{Symbol: "A"}})
	if !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want config.ErrInvalid", err)
	}
}

func TestReceiveAndFire(t *testing.T) {
	cfg := testConfig(t, 3*time.Second)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	cfg.Handoff.Address = addr
	cfg.Handoff.CollectLeadMs = 500
	broker := &fakeBroker{}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_ = handoff.Send(context.Background(), addr, handoff.Order{
			Rank: 1, Symbol: "NSE:TCS-EQ", Exchange: "NSE", Qty: 2, Side: "BUY", OrderType: "MARKET", Product: "INTRADAY",
		}, time.Second)
	}()

	out, err := New(cfg, broker, nil).ReceiveAndFire(context.Background())
	if err != nil {
		t.Fatalf("ReceiveAndFire: %v", err)
	}
	if out == nil || len(broker.submitted) != 1 {
		t.Fatalf("nothing fired")
	}
	if o := broker.submitted[0][0]; o.Symbol != "NSE:TCS-EQ" || o.Quantity != 2 {
		t.Errorf("order = %+v", o)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("down") }

func TestProbeLatency(t *testing.T) {
	avg, err := ProbeLatency(context.Background(), &fakeBroker{}, 3)
	if err != nil || avg < 0 {
		t.Errorf("ProbeLatency = %v, %v", avg, err)
	}
	if _, err := ProbeLatency(context.Background(), failingPinger{}, 2); err == nil {
		t.Error("expected error when every probe fails")
	}
}

func TestRun(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	feed := &fakeFeed{events: []models.PriceEvent{ev("A", "105"), ev("B", "99"), ev("C", "107")}}
	broker := &fakeBroker{closes: map[string]string{"A": "100", "B": "100", "C": "100"}, feed: feed}

	out, err := New(cfg, broker, nil).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out == nil || len(broker.submitted) != 1 {
		t.Fatalf("nothing fired")
	}
	sent := broker.submitted[0]
	if len(sent) != 2 || sent[0].Symbol != "C" || sent[1].Symbol != "A" {
		t.Errorf("orders = %+v", sent)
	}
	if sent[0].ClientOrderID == "" || sent[0].ClientOrderID == sent[1].ClientOrderID {
		t.Errorf("client ids = %q, %q", sent[0].ClientOrderID, sent[1].ClientOrderID)
	}
}

func TestSelectAndSend(t *testing.T) {
	cfg := testConfig(t, 5*time.Second)
	ln, err := handoff.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Handoff.Address = ln.Addr().String()

	type collected struct {
		msgs []handoff.Order
		err  error
	}
	done := make(chan collected, 1)
	go func() {
		msgs, err := ln.Collect(context.Background(), time.Now().Add(3*time.Second), 2)
		done <- collected{msgs, err}
	}()

	feed := &fakeFeed{events: []models.PriceEvent{ev("A", "105"), ev("B", "99"), ev("C", "107")}}
	broker := &fakeBroker{closes: map[string]string{"A": "100", "B": "100", "C": "100"}, feed: feed}
	if err := New(cfg, broker, nil).SelectAndSend(context.Background()); err != nil {
		t.Fatalf("SelectAndSend: %v", err)
	}

	got := <-done
	if got.err != nil {
		t.Fatalf("Collect: %v", got.err)
	}
	if len(got.msgs) != 2 || got.msgs[0].Symbol != "C" || got.msgs[0].Rank != 1 || got.msgs[1].Symbol != "A" {
		t.Errorf("handoff = %+v", got.msgs)
	}
	if len(broker.submitted) != 0 {
		t.Error("select mode must not submit orders")
	}
}

func TestFireStatic(t *testing.T) {
	cfg := testConfig(t, 2*time.Second)
	cfg.Orders.Static = []string{"NSE:SBIN-EQ", "NSE:TCS-EQ"}
	broker := &fakeBroker{}

	if _, err := New(cfg, broker, nil).FireStatic(context.Background()); err != nil {
		t.Fatalf("FireStatic: %v", err)
	}
	if len(broker.submitted) != 1 || len(broker.submitted[0]) != 2 {
		t.Fatalf("submitted = %v", broker.submitted)
	}

	cfg.Orders.Static = []string{"A", "A"}
	if _, err := New(cfg, &fakeBroker{}, nil).FireStatic(context.Background()); err == nil {
		t.Error("duplicate static symbols accepted")
	}
}

func TestRunPastTargetFailsFast(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Schedule.FireTime = pastFireTime(t)
	feed := &fakeFeed{events: []models.PriceEvent{ev("A", "105")}}
	broker := &fakeBroker{closes: map[string]string{"A": "100", "B": "100", "C": "100"}, feed: feed}

	start := time.Now()
	_, err := New(cfg, broker, nil).Run(context.Background())
	if !errors.Is(err, config.ErrInvalid) {
		t.Fatalf("err = %v, want config.ErrInvalid", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Run waited %v before rejecting", elapsed)
	}
	if broker.candles != 0 || feed.subscribed != 0 {
		t.Errorf("candles = %d, subscribed = %d, want no calls", broker.candles, feed.subscribed)
	}
}

func TestFireStaticPastTarget(t *testing.T) {
	cfg := testConfig(t, 0)
	cfg.Schedule.FireTime = pastFireTime(t)
	cfg.Orders.Static = []string{"A"}
	broker := &fakeBroker{}

	if _, err := New(cfg, broker, nil).FireStatic(context.Background()); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("err = %v, want config.ErrInvalid", err)
	}
	if len(broker.submitted) != 0 || broker.pings != 0 {
		t.Error("past target touched the broker")
	}
}

func pastFireTime(t *testing.T) string {
	t.Helper()
	now := time.Now()
	past := now.Add(-time.Minute)
	if past.Day() != now.Day() {
		t.Skip("минуту назад был предыдущий день")
	}
	return past.Format("15:04:05")
}

package selection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/pkg/logger"
	"github.com/skalibog/gapfire/pkg/models"
	"go.uber.org/zap"
)

var (
	// ErrEmptyBaseline возвращается, если не загружено ни одной цены закрытия
	ErrEmptyBaseline = errors.New("пустая база цен закрытия")
	// ErrIncomplete - отбор не завершился: не все символы получили событие
	ErrIncomplete = errors.New("отбор не завершен")
	// ErrBaselineLoaded возвращается при повторной загрузке базы
	ErrBaselineLoaded = errors.New("база цен уже загружена")
)

var hundred = decimal.NewFromInt(100)

// State - состояние селектора
type State int

const (
	StateIdle State = iota
	StateArmed
	StateEvaluating
	StateComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateEvaluating:
		return "evaluating"
	case StateComplete:
		return "complete"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ResultKind - исход обработки одного события
type ResultKind int

const (
	// ResultSkipped - событие проигнорировано, это не ошибка
	ResultSkipped ResultKind = iota
	// ResultEvaluated - символ проверен (допущен или нет)
	ResultEvaluated
	// ResultFatal - ошибка уровня потока
	ResultFatal
)

// SkipReason причина пропуска события
type SkipReason string

const (
	SkipNotArmed  SkipReason = "база не загружена"
	SkipComplete  SkipReason = "отбор завершен"
	SkipUnknown   SkipReason = "нет цены закрытия"
	SkipNoOpen    SkipReason = "нет цены открытия"
	SkipDuplicate SkipReason = "символ уже проверен"
)

// EventResult - результат обработки события
type EventResult struct {
	Kind      ResultKind
	Admitted  bool
	Candidate *models.CandidateRecord
	Reason    SkipReason
	Err       error
}

// Config пороги отбора
type Config struct {
	GapMin        decimal.Decimal
	GapMax        decimal.Decimal
	MinPrice      decimal.Decimal
	MaxCandidates int
}

// Progress - снимок состояния для отображения
type Progress struct {
	State      State
	Checked    int
	Total      int
	Candidates []models.CandidateRecord
}

// Selector отбирает топ-K символов по гэпу вверх на живом потоке.
// Все методы безопасны для вызова из нескольких горутин.
type Selector struct {
	cfg Config

	mu         sync.Mutex
	state      State
	baseline   models.PriceBaseline
	checked    map[string]struct{}
	candidates []models.CandidateRecord
	selection  models.RankedSelection
	hooks      []func(models.RankedSelection)
	done       chan struct{}
}

// New создает новый селектор
func New(cfg Config) *Selector {
	if cfg.MaxCandidates < 1 {
		cfg.MaxCandidates = 1
	}
	return &Selector{
		cfg:     cfg,
		checked: make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// LoadBaseline загружает цены закрытия. Цены <= 0 отбрасываются.
func (s *Selector) LoadBaseline(baseline models.PriceBaseline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrBaselineLoaded
	}

	loaded := make(models.PriceBaseline, len(baseline))
	for symbol, closePrice := range baseline {
		if !closePrice.IsPositive() {
			logger.Warn("Отброшена некорректная цена закрытия",
				zap.String("symbol", symbol),
				zap.String("close", closePrice.String()))
			continue
		}
		loaded[symbol] = closePrice
	}
	if len(loaded) == 0 {
		return ErrEmptyBaseline
	}

	s.baseline = loaded
	s.state = StateArmed
	logger.Info("База цен загружена", zap.Int("symbols", len(loaded)))
	return nil
}

// OnComplete регистрирует обработчик завершения отбора.
// Если отбор уже завершен, обработчик вызывается сразу.
func (s *Selector) OnComplete(fn func(models.RankedSelection)) {
	s.mu.Lock()
	if s.state != StateComplete {
		s.hooks = append(s.hooks, fn)
		s.mu.Unlock()
		return
	}
	sel := s.selection
	s.mu.Unlock()
	fn(sel)
}

// OnEvent классифицирует событие потока
func (s *Selector) OnEvent(ev models.PriceEvent) EventResult {
	s.mu.Lock()
	res, completed := s.handle(ev)
	var (
		hooks []func(models.RankedSelection)
		sel   models.RankedSelection
	)
	if completed {
		hooks, sel = s.hooks, s.selection
		s.hooks = nil
	}
	s.mu.Unlock()

	for _, fn := range hooks {
		fn(sel)
	}
	return res
}

// OnFeedError сообщает об ошибке потока; состояние не меняется
func (s *Selector) OnFeedError(err error) EventResult {
	logger.Warn("Ошибка потока цен", zap.Error(err))
	return EventResult{Kind: ResultFatal, Err: err}
}

func (s *Selector) handle(ev models.PriceEvent) (EventResult, bool) {
	switch s.state {
	case StateIdle:
		return skipped(SkipNotArmed), false
	case StateComplete:
		return skipped(SkipComplete), false
	}

	if _, ok := s.checked[ev.Symbol]; ok {
		return skipped(SkipDuplicate), false
	}
	closePrice, ok := s.baseline[ev.Symbol]
	if !ok {
		return skipped(SkipUnknown), false
	}
	if !ev.Open.IsPositive() {
		return skipped(SkipNoOpen), false
	}

	s.state = StateEvaluating
	gap := ev.Open.Sub(closePrice).Mul(hundred).Div(closePrice)
	res := EventResult{Kind: ResultEvaluated}

	if s.admits(gap, closePrice) {
		rec := models.CandidateRecord{
			Symbol:     ev.Symbol,
			PrevClose:  closePrice,
			Open:       ev.Open,
			GapPct:     gap,
			LastPrice:  ev.LastPrice,
			ObservedAt: ev.Timestamp,
		}
		s.candidates = append(s.candidates, rec)
		if len(s.candidates) > s.cfg.MaxCandidates {
			sortByGap(s.candidates)
			s.candidates = s.candidates[:s.cfg.MaxCandidates]
		}
		res.Admitted = true
		res.Candidate = &rec
		logger.Debug("Символ прошел фильтр гэпа",
			zap.String("symbol", ev.Symbol),
			zap.String("gap_pct", gap.StringFixed(2)))
	}
	s.checked[ev.Symbol] = struct{}{}

	if len(s.checked) < len(s.baseline) {
		return res, false
	}
	s.complete()
	return res, true
}

// admits - GapMin <= gap < GapMax и close >= MinPrice
func (s *Selector) admits(gap, closePrice decimal.Decimal) bool {
	return gap.GreaterThanOrEqual(s.cfg.GapMin) &&
		gap.LessThan(s.cfg.GapMax) &&
		closePrice.GreaterThanOrEqual(s.cfg.MinPrice)
}

func (s *Selector) complete() {
	frozen := make([]models.CandidateRecord, len(s.candidates))
	copy(frozen, s.candidates)
	sortByGap(frozen)

	s.selection = models.RankedSelection{Candidates: frozen, FrozenAt: time.Now()}
	s.state = StateComplete
	close(s.done)

	logger.Info("Отбор завершен",
		zap.Int("checked", len(s.checked)),
		zap.Strings("selected", s.selection.Symbols()))
}

// Done закрывается при завершении отбора
func (s *Selector) Done() <-chan struct{} {
	return s.done
}

// Selection возвращает замороженный результат, если отбор завершен
func (s *Selector) Selection() (models.RankedSelection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection, s.state == StateComplete
}

// Wait ждет завершения отбора. Истечение ctx - ErrIncomplete.
func (s *Selector) Wait(ctx context.Context) (models.RankedSelection, error) {
	select {
	case <-s.done:
		sel, _ := s.Selection()
		return sel, nil
	case <-ctx.Done():
		return models.RankedSelection{}, fmt.Errorf("%w: %v", ErrIncomplete, ctx.Err())
	}
}

// State возвращает текущее состояние
func (s *Selector) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot возвращает прогресс и текущих кандидатов по убыванию гэпа
func (s *Selector) Snapshot() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]models.CandidateRecord, len(s.candidates))
	copy(candidates, s.candidates)
	sortByGap(candidates)
	return Progress{
		State:      s.state,
		Checked:    len(s.checked),
		Total:      len(s.baseline),
		Candidates: candidates,
	}
}

// sortByGap сортирует по убыванию гэпа, равные остаются в порядке добавления
func sortByGap(c []models.CandidateRecord) {
	sort.SliceStable(c, func(i, j int) bool {
		return c[i].GapPct.GreaterThan(c[j].GapPct)
	})
}

func skipped(reason SkipReason) EventResult {
	return EventResult{Kind: ResultSkipped, Reason: reason}
}

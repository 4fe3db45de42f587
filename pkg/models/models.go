package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle представляет дневную свечу
type Candle struct {
	Symbol   string
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}

// PriceBaseline - цены закрытия предыдущей сессии по символам
type PriceBaseline map[string]decimal.Decimal

// PriceEvent представляет обновление цены из живого потока.
// Нулевой Open означает, что цена открытия еще не известна.
type PriceEvent struct {
	Symbol      string
	Open        decimal.Decimal
	LastPrice   decimal.Decimal
	VolumeToday decimal.Decimal
	Timestamp   time.Time
}

// CandidateRecord - результат классификации символа, прошедшего фильтр гэпа
type CandidateRecord struct {
	Symbol     string
	PrevClose  decimal.Decimal
	Open       decimal.Decimal
	GapPct     decimal.Decimal
	LastPrice  decimal.Decimal
	ObservedAt time.Time
}

// RankedSelection - замороженный топ-K кандидатов по убыванию гэпа
type RankedSelection struct {
	Candidates []CandidateRecord
	FrozenAt   time.Time
}

// Empty сообщает, что ни один символ не прошел фильтр
func (s RankedSelection) Empty() bool {
	return len(s.Candidates) == 0
}

// Symbols возвращает символы в порядке ранга
func (s RankedSelection) Symbols() []string {
	symbols := make([]string, len(s.Candidates))
	for i, c := range s.Candidates {
		symbols[i] = c.Symbol
	}
	return symbols
}

// BasketResponse - ответ брокера на пакетную заявку
type BasketResponse struct {
	Status  string
	Code    int
	Message string
	Results []OrderResult
}

// OrderResult - результат по одной заявке из пакета
type OrderResult struct {
	StatusCode        int
	StatusDescription string
	Status            string
	Message           string
	OrderID           string
}

// OK сообщает об успехе заявки
func (r OrderResult) OK() bool {
	return r.StatusCode == 200 && r.Status == "ok"
}

// OK сообщает об успехе пакета в целом
func (r *BasketResponse) OK() bool {
	return r != nil && r.Status == "ok"
}

// Counts возвращает число успешных и неуспешных заявок
func (r *BasketResponse) Counts() (succeeded, failed int) {
	if r == nil {
		return 0, 0
	}
	for _, res := range r.Results {
		if res.OK() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// FireOutcome представляет результат одного запуска планировщика
type FireOutcome struct {
	Response     *BasketResponse
	Err          error
	Target       time.Time
	EarlyOffset  time.Duration
	CallDuration time.Duration
	FireTime     time.Time
	ResponseTime time.Time
	// DelayFromAdjusted - отклонение от цели с учетом раннего смещения
	DelayFromAdjusted time.Duration
	// Delay - знаковое отклонение от исходной цели
	Delay time.Duration
}

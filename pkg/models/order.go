package models

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Side - направление заявки
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderKind - тип заявки
type OrderKind string

const (
	KindMarket    OrderKind = "MARKET"
	KindLimit     OrderKind = "LIMIT"
	KindStop      OrderKind = "STOP"
	KindStopLimit OrderKind = "STOP_LIMIT"
)

// Validity - срок действия заявки
type Validity string

const (
	ValidityDay Validity = "DAY"
	ValidityIOC Validity = "IOC"
)

// ErrInvalidOrder возвращается при нарушении инвариантов заявки
var ErrInvalidOrder = errors.New("некорректная заявка")

// Order представляет одну заявку пакета. После передачи планировщику не изменяется.
type Order struct {
	ClientOrderID string
	Symbol        string
	Exchange      string
	Quantity      int64
	Side          Side
	Kind          OrderKind
	// Product - тип продукта/маржи, зависит от брокера (INTRADAY, CNC, MIS...)
	Product      string
	LimitPrice   decimal.Decimal
	StopPrice    decimal.Decimal
	Validity     Validity
	DisclosedQty int64
}

// ParseSide разбирает направление без учета регистра
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case SideBuy:
		return SideBuy, nil
	case SideSell:
		return SideSell, nil
	}
	return "", fmt.Errorf("%w: неизвестное направление %q", ErrInvalidOrder, s)
}

// ParseOrderKind разбирает тип заявки без учета регистра
func ParseOrderKind(s string) (OrderKind, error) {
	k := OrderKind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindMarket, KindLimit, KindStop, KindStopLimit:
		return k, nil
	}
	return "", fmt.Errorf("%w: неизвестный тип заявки %q", ErrInvalidOrder, s)
}

// ParseValidity разбирает срок действия, пустая строка означает DAY
func ParseValidity(s string) (Validity, error) {
	v := Validity(strings.ToUpper(strings.TrimSpace(s)))
	switch v {
	case "":
		return ValidityDay, nil
	case ValidityDay, ValidityIOC:
		return v, nil
	}
	return "", fmt.Errorf("%w: неизвестный срок действия %q", ErrInvalidOrder, s)
}

// NeedsLimitPrice сообщает, использует ли тип лимитную цену
func (k OrderKind) NeedsLimitPrice() bool {
	return k == KindLimit || k == KindStopLimit
}

// NeedsStopPrice сообщает, использует ли тип стоп-цену
func (k OrderKind) NeedsStopPrice() bool {
	return k == KindStop || k == KindStopLimit
}

// Validate проверяет инварианты заявки
func (o Order) Validate() error {
	if o.Symbol == "" {
		return fmt.Errorf("%w: пустой символ", ErrInvalidOrder)
	}
	if o.Quantity <= 0 {
		return fmt.Errorf("%w: %s: количество должно быть больше нуля, получено %d", ErrInvalidOrder, o.Symbol, o.Quantity)
	}
	if o.DisclosedQty < 0 {
		return fmt.Errorf("%w: %s: отрицательное раскрываемое количество", ErrInvalidOrder, o.Symbol)
	}
	if o.Side != SideBuy && o.Side != SideSell {
		return fmt.Errorf("%w: %s: неизвестное направление %q", ErrInvalidOrder, o.Symbol, o.Side)
	}
	if o.Validity != ValidityDay && o.Validity != ValidityIOC {
		return fmt.Errorf("%w: %s: неизвестный срок действия %q", ErrInvalidOrder, o.Symbol, o.Validity)
	}

	switch {
	case o.Kind == KindMarket:
		if !o.LimitPrice.IsZero() || !o.StopPrice.IsZero() {
			return fmt.Errorf("%w: %s: рыночная заявка не может иметь цен", ErrInvalidOrder, o.Symbol)
		}
	case o.Kind.NeedsLimitPrice() && !o.LimitPrice.IsPositive():
		return fmt.Errorf("%w: %s: для %s нужна лимитная цена", ErrInvalidOrder, o.Symbol, o.Kind)
	case o.Kind.NeedsStopPrice() && !o.StopPrice.IsPositive():
		return fmt.Errorf("%w: %s: для %s нужна стоп-цена", ErrInvalidOrder, o.Symbol, o.Kind)
	case !o.Kind.NeedsLimitPrice() && !o.Kind.NeedsStopPrice():
		return fmt.Errorf("%w: %s: неизвестный тип заявки %q", ErrInvalidOrder, o.Symbol, o.Kind)
	}

	if !o.Kind.NeedsLimitPrice() && !o.LimitPrice.IsZero() {
		return fmt.Errorf("%w: %s: лимитная цена не используется для %s", ErrInvalidOrder, o.Symbol, o.Kind)
	}
	if !o.Kind.NeedsStopPrice() && !o.StopPrice.IsZero() {
		return fmt.Errorf("%w: %s: стоп-цена не используется для %s", ErrInvalidOrder, o.Symbol, o.Kind)
	}

	return nil
}

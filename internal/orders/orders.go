package orders

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/skalibog/gapfire/pkg/models"
)

// ErrInvalidOrder возвращается при нарушении инвариантов заявки
var ErrInvalidOrder = models.ErrInvalidOrder

// NewClientOrderID возвращает уникальный клиентский идентификатор заявки
func NewClientOrderID() string {
	return uuid.NewString()
}

// Prepare собирает по одной заявке на каждого кандидата в порядке ранга.
// Пустой отбор дает пустой список без ошибки.
func Prepare(sel models.RankedSelection, tmpl models.Order) ([]models.Order, error) {
	return ForSymbols(sel.Symbols(), tmpl)
}

// ForSymbols собирает заявки по шаблону для заданных символов
func ForSymbols(symbols []string, tmpl models.Order) ([]models.Order, error) {
	out := make([]models.Order, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))

	for _, symbol := range symbols {
		if _, ok := seen[symbol]; ok {
			return nil, fmt.Errorf("%w: %s: символ повторяется в пакете", ErrInvalidOrder, symbol)
		}
		seen[symbol] = struct{}{}

		o := tmpl
		o.Symbol = symbol
		o.ClientOrderID = NewClientOrderID()
		if err := o.Validate(); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

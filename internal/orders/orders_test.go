package orders

import (
	"errors"
	"reflect"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skalibog/gapfire/pkg/models"
)

func marketTemplate() models.Order {
	return models.Order{
		Exchange: "NSE",
		Quantity: 1,
		Side:     models.SideBuy,
		Kind:     models.KindMarket,
		Product:  "INTRADAY",
		Validity: models.ValidityDay,
	}
}

func TestPrepare(t *testing.T) {
	sel := models.RankedSelection{Candidates: []models.CandidateRecord{
		{Symbol: "NSE:TCS-EQ", GapPct: decimal.NewFromInt(7)},
		{Symbol: "NSE:INFY-EQ", GapPct: decimal.NewFromInt(5)},
	}}

	got, err := Prepare(sel, marketTemplate())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("orders = %d", len(got))
	}

	symbols := []string{got[0].Symbol, got[1].Symbol}
	if want := []string{"NSE:TCS-EQ", "NSE:INFY-EQ"}; !reflect.DeepEqual(symbols, want) {
		t.Errorf("symbols = %v, want %v", symbols, want)
	}
	if got[0].ClientOrderID == got[1].ClientOrderID {
		t.Error("client order ids are not unique")
	}
	for _, o := range got {
		if _, err := uuid.Parse(o.ClientOrderID); err != nil {
			t.Errorf("client id %q: %v", o.ClientOrderID, err)
		}
		if o.Quantity != 1 || o.Kind != models.KindMarket {
			t.Errorf("template not applied: %+v", o)
		}
	}
}

func TestPrepareEmptySelection(t *testing.T) {
	got, err := Prepare(models.RankedSelection{}, marketTemplate())
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("orders = %v, want none", got)
	}
}

func TestForSymbolsRejects(t *testing.T) {
	bad := marketTemplate()
	bad.LimitPrice = decimal.NewFromInt(10)

	tests := []struct {
		name    string
		symbols []string
		tmpl    models.Order
	}{
		{"duplicate symbol", []string{"A", "A"}, marketTemplate()},
		{"market with price", []string{"A"}, bad},
		{"empty symbol", []string{""}, marketTemplate()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ForSymbols(tt.symbols, tt.tmpl)
			if !errors.Is(err, ErrInvalidOrder) {
				t.Errorf("err = %v, want ErrInvalidOrder", err)
			}
		})
	}
}

package trade

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/model"
)

func TestBreakTie(t *testing.T) {
	tests := []struct {
		name   string
		tpHit  bool
		slHit  bool
		tp, sl int64
		want   model.CloseReason
		hit    bool
	}{
		{"none", false, false, 3, 2, "", false},
		{"tp only", true, false, 3, 2, model.ReasonTakeProfit, true},
		{"sl only", false, true, 3, 2, model.ReasonStopLoss, true},
		{"both, tighter tp", true, true, 2, 3, model.ReasonTakeProfit, true},
		{"both, tighter sl", true, true, 3, 2, model.ReasonStopLoss, true},
		{"both, equal", true, true, 2, 2, model.ReasonStopLoss, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, hit := breakTie(tt.tpHit, tt.slHit, decimal.NewFromInt(tt.tp), decimal.NewFromInt(tt.sl))
			if got != tt.want || hit != tt.hit {
				t.Errorf("got %q/%v, want %q/%v", got, hit, tt.want, tt.hit)
			}
		})
	}
}

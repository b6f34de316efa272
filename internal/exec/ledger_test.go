package exec

import (
	"testing"

	"github.com/shopspring/decimal"

	"arby/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestFilledTotals(t *testing.T) {
	t.Parallel()

	fills := []types.Fill{
		{OrderID: "1", Rate: d("0.065"), Volume: d("2")},
		{OrderID: "2", Rate: d("0.0649"), Volume: d("1.5")},
	}
	if got := FilledVolume(fills); !got.Equal(d("3.5")) {
		t.Errorf("FilledVolume() = %s, want 3.5", got)
	}
	// 2*0.065 + 1.5*0.0649
	if got := FilledValue(fills); !got.Equal(d("0.22735")) {
		t.Errorf("FilledValue() = %s, want 0.22735", got)
	}
	if !FilledVolume(nil).IsZero() || !FilledValue(nil).IsZero() {
		t.Error("empty fill lists must total zero")
	}
}

func TestFollowUpVolume(t *testing.T) {
	t.Parallel()

	fills := []types.Fill{{OrderID: "1", Rate: d("0.00001"), Volume: d("1000")}}

	// SELL primary, BUY follow-up: base received converts at the
	// follow-up rate. 1000*0.00001 / 0.00002 = 500.
	fu := &types.FollowUpLeg{Side: types.BUY, Rate: d("0.00002")}
	if got := followUpVolume(types.SELL, fu, fills); !got.Equal(d("500")) {
		t.Errorf("SELL→BUY volume = %s, want 500", got)
	}

	// BUY primary, BUY follow-up: the base spent is the follow-up
	// market's trade currency. 1000*0.00001 = 0.01.
	if got := followUpVolume(types.BUY, fu, fills); !got.Equal(d("0.01")) {
		t.Errorf("BUY→BUY volume = %s, want 0.01", got)
	}

	// SELL follow-up disposes of the filled quantity as-is.
	fu.Side = types.SELL
	if got := followUpVolume(types.BUY, fu, fills); !got.Equal(d("1000")) {
		t.Errorf("→SELL volume = %s, want 1000", got)
	}

	// No fills, no follow-up.
	fu.Side = types.BUY
	if got := followUpVolume(types.SELL, fu, nil); !got.IsZero() {
		t.Errorf("volume without fills = %s, want 0", got)
	}
}

package model_test

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/goalflow/execution-engine/internal/model"
)

func TestParseInstrument(t *testing.T) {
	cases := []struct {
		in      string
		want    model.InstrumentRef
		wantErr bool
	}{
		{"TICKER:VTI", model.InstrumentRef{Kind: model.KindTicker, Symbol: "VTI"}, false},
		{"INDEX:SP500", model.InstrumentRef{Kind: model.KindIndex, Symbol: "SP500"}, false},
		{"OPTION:VTI", model.InstrumentRef{}, true}, // not in the closed set
		{"TICKER:", model.InstrumentRef{}, true},    // empty symbol
		{"VTI", model.InstrumentRef{}, true},        // no separator
		{"", model.InstrumentRef{}, true},
	}
	for _, c := range cases {
		got, err := model.ParseInstrument(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseInstrument(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseInstrument(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseInstrument(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestInstrumentRef_RoundTrip(t *testing.T) {
	ref := model.InstrumentRef{Kind: model.KindTicker, Symbol: "BND"}
	parsed, err := model.ParseInstrument(ref.String())
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if parsed != ref {
		t.Errorf("round trip = %+v, want %+v", parsed, ref)
	}
}

func TestOrderState_String(t *testing.T) {
	cases := map[model.OrderState]string{
		model.StatePending:       "PENDING",
		model.StateApproved:      "APPROVED",
		model.StateSent:          "SENT",
		model.StateCancelPending: "CANCEL_PENDING",
		model.StateComplete:      "COMPLETE",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(state), got, want)
		}
	}
}

func TestNetOrder_Remaining(t *testing.T) {
	cases := []struct {
		name           string
		volume, filled float64
		want           float64
	}{
		{"untouched buy", 25, 0, 25},
		{"partial buy", 25, 13, 12},
		{"full buy", 25, 25, 0},
		{"partial sell", -25, -10, 15},
		{"full sell", -25, -25, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			o := model.NetOrder{
				Volume:       decimal.NewFromFloat(c.volume),
				FilledVolume: decimal.NewFromFloat(c.filled),
			}
			if got := o.Remaining(); !got.Equal(decimal.NewFromFloat(c.want)) {
				t.Errorf("Remaining() = %s, want %v", got, c.want)
			}
		})
	}
}

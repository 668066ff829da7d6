package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstrument_Validate(t *testing.T) {
	valid := Instrument{
		Underlying: "AAPL",
		Expiration: "2026-01-17",
		OptionType: OptionTypeCall,
		Strike:     190,
	}

	testCases := []struct {
		name    string
		mutate  func(i *Instrument)
		wantErr bool
	}{
		{"valid call", func(i *Instrument) {}, false},
		{"valid put", func(i *Instrument) { i.OptionType = OptionTypePut }, false},
		{"empty underlying", func(i *Instrument) { i.Underlying = " " }, true},
		{"zero strike", func(i *Instrument) { i.Strike = 0 }, true},
		{"negative strike", func(i *Instrument) { i.Strike = -5 }, true},
		{"bad expiration", func(i *Instrument) { i.Expiration = "01/17/2026" }, true},
		{"bad option type", func(i *Instrument) { i.OptionType = "straddle" }, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			inst := valid
			tc.mutate(&inst)
			err := inst.Validate()
			if tc.wantErr {
				var vErr *ValidationError
				require.Error(t, err)
				assert.ErrorAs(t, err, &vErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestInstrument_OCCSymbol(t *testing.T) {
	inst := Instrument{
		Underlying: "aapl",
		Expiration: "2026-01-17",
		OptionType: OptionTypeCall,
		Strike:     190,
	}
	assert.Equal(t, "AAPL260117C00190000", inst.OCCSymbol())

	inst.OptionType = OptionTypePut
	inst.Strike = 55.5
	assert.Equal(t, "AAPL260117P00055500", inst.OCCSymbol())
}

func TestInstrument_Key_CaseInsensitiveUnderlying(t *testing.T) {
	a := Instrument{Underlying: "spy", Expiration: "2026-03-20", OptionType: OptionTypePut, Strike: 480}
	b := Instrument{Underlying: "SPY", Expiration: "2026-03-20", OptionType: OptionTypePut, Strike: 480}
	assert.Equal(t, a.Key(), b.Key())
}

func TestPosition_OpenQuantity(t *testing.T) {
	p := &Position{FilledBuyQty: 10, FilledSellQty: 4}
	assert.Equal(t, 6, p.OpenQuantity())
}

func TestPosition_RealizedPnLPercent(t *testing.T) {
	// 10 contracts bought at avg 2.50, all sold; P&L $1,000 on $2,500 basis
	p := &Position{
		FilledBuyQty:  10,
		FilledSellQty: 10,
		AvgEntryPrice: 2.50,
		RealizedPnL:   1000,
	}
	assert.InDelta(t, 40.0, p.RealizedPnLPercent(), 1e-9)

	// Nothing closed yet
	open := &Position{FilledBuyQty: 10, AvgEntryPrice: 2.50}
	assert.Zero(t, open.RealizedPnLPercent())
}

func TestPriceSpec_Validate(t *testing.T) {
	assert.NoError(t, MarketPrice().Validate())
	assert.NoError(t, PriceSpec{Type: PriceSpecLimit, Limit: 1.25}.Validate())
	assert.Error(t, PriceSpec{Type: PriceSpecLimit}.Validate())
	assert.Error(t, PriceSpec{Type: "stop"}.Validate())
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.True(t, OrderStatusFilled.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.True(t, OrderStatusRejected.IsTerminal())
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusPartial.IsTerminal())
	assert.False(t, OrderStatusUnknown.IsTerminal())
}

func TestSubscription_Validate(t *testing.T) {
	valid := Subscription{
		SubscriberID:   "user-2",
		TraderID:       "user-1",
		ScalingFactor:  0.5,
		MaxPosSize:     5,
		MaxDailyCopies: 10,
	}
	assert.NoError(t, valid.Validate())

	self := valid
	self.TraderID = self.SubscriberID
	assert.Error(t, self.Validate())

	badScale := valid
	badScale.ScalingFactor = 0
	assert.Error(t, badScale.Validate())

	badMax := valid
	badMax.MaxPosSize = 0
	assert.Error(t, badMax.Validate())
}

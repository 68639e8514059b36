package trade_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/model"
	"github.com/isph/exchange-engine/internal/trade"
)

var (
	propUsers   = []string{"u1", "u2", "u3"}
	propTickers = []string{"AAA", "BBB"}
)

// TestProperty_InvariantsHold drives random buy/sell sequences and checks
// after every step that no balance, position or volume goes negative and
// that points and shares are conserved.
func TestProperty_InvariantsHold(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := ledger.NewMemoryStore()

		prices := make(map[string]decimal.Decimal)
		totalShares := make(map[string]int64)
		totalPoints := decimal.Zero

		for _, u := range propUsers {
			bal := decimal.NewFromInt(rapid.Int64Range(0, 300).Draw(rt, "balance_"+u))
			seedAccount(rt, st, u, bal.String())
			totalPoints = totalPoints.Add(bal)
		}
		for _, tk := range propTickers {
			price := decimal.NewFromInt(rapid.Int64Range(1, 40).Draw(rt, "price_"+tk))
			vol := rapid.Int64Range(0, 25).Draw(rt, "volume_"+tk)
			seedStock(rt, st, tk, price.String(), vol)
			prices[tk] = price
			totalShares[tk] = vol
		}

		engine := newTestEngine(st)
		successes := 0

		steps := rapid.IntRange(1, 30).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			op := rapid.SampledFrom([]model.TradeType{model.TradeBuy, model.TradeSell}).Draw(rt, "op")
			u := rapid.SampledFrom(propUsers).Draw(rt, "user")
			tk := rapid.SampledFrom(propTickers).Draw(rt, "ticker")
			qty := rapid.Int64Range(1, 10).Draw(rt, "qty")

			_, err := engine.Execute(ctx, op, u, tk, qty)
			if err != nil && !trade.IsRejection(err) {
				rt.Fatalf("step %d: unexpected error: %v", i, err)
			}
			if err == nil {
				successes++
			}

			checkInvariants(rt, st, prices, totalShares, totalPoints)
		}

		if got := len(allRecords(rt, st)); got != successes {
			rt.Fatalf("expected %d transaction records, got %d", successes, got)
		}
	})
}

// TestProperty_RoundTrip checks that buying then selling the same quantity at
// an unchanged price restores the balance and removes the position.
func TestProperty_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		ctx := context.Background()
		st := ledger.NewMemoryStore()

		price := rapid.Int64Range(1, 100).Draw(rt, "price")
		qty := rapid.Int64Range(1, 20).Draw(rt, "qty")
		extra := rapid.Int64Range(0, 500).Draw(rt, "extra")
		start := decimal.NewFromInt(price*qty + extra)

		seedAccount(rt, st, "u1", start.String())
		seedStock(rt, st, "XYZ", decimal.NewFromInt(price).String(), qty)

		engine := newTestEngine(st)
		if _, err := engine.Buy(ctx, "u1", "XYZ", qty); err != nil {
			rt.Fatalf("buy: %v", err)
		}
		if _, err := engine.Sell(ctx, "u1", "XYZ", qty); err != nil {
			rt.Fatalf("sell: %v", err)
		}

		if bal := balanceOf(rt, st, "u1"); !bal.Equal(start) {
			rt.Fatalf("balance %s, want %s", bal, start)
		}
		if _, ok := positionOf(rt, st, "u1", "XYZ"); ok {
			rt.Fatalf("position should be deleted")
		}
		if vol := volumeOf(rt, st, "XYZ"); vol != qty {
			rt.Fatalf("volume %d, want %d", vol, qty)
		}
	})
}

func checkInvariants(rt *rapid.T, st ledger.Store, prices map[string]decimal.Decimal, totalShares map[string]int64, totalPoints decimal.Decimal) {
	ctx := context.Background()

	held := make(map[string]int64)
	value := decimal.Zero
	for _, u := range propUsers {
		bal := balanceOf(rt, st, u)
		if bal.IsNegative() {
			rt.Fatalf("%s balance negative: %s", u, bal)
		}
		value = value.Add(bal)

		entries, err := st.List(ctx, ledger.PortfolioPrefix(u))
		if err != nil {
			rt.Fatalf("list positions: %v", err)
		}
		for _, e := range entries {
			var p model.Position
			if err := json.Unmarshal(e.Data, &p); err != nil {
				rt.Fatalf("decode %s: %v", e.Path, err)
			}
			if p.Quantity <= 0 {
				rt.Fatalf("%s holds non-positive position %d", e.Path, p.Quantity)
			}
			held[p.StockTicker] += p.Quantity
			value = value.Add(prices[p.StockTicker].Mul(decimal.NewFromInt(p.Quantity)))
		}
	}

	for _, tk := range propTickers {
		vol := volumeOf(rt, st, tk)
		if vol < 0 {
			rt.Fatalf("%s volume negative: %d", tk, vol)
		}
		if vol+held[tk] != totalShares[tk] {
			rt.Fatalf("%s shares not conserved: %d available + %d held != %d", tk, vol, held[tk], totalShares[tk])
		}
	}

	if !value.Equal(totalPoints) {
		rt.Fatalf("points not conserved: %s != %s", value, totalPoints)
	}
}

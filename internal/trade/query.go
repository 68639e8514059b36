package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/model"
)

// Portfolio returns the user's balance and positions marked at current prices.
func (e *Engine) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(userLockKey(userID))
	defer unlock()

	var account model.Account
	if _, err := e.readNode(ctx, ledger.UserPath(userID), &account); err != nil {
		return nil, notFoundAs(err, "account %s", userID)
	}

	entries, err := e.store.List(ctx, ledger.PortfolioPrefix(userID))
	if err != nil {
		return nil, fmt.Errorf("list positions for %s: %w", userID, err)
	}

	portfolio := &model.Portfolio{
		UserID:        userID,
		PointsBalance: account.PointsBalance,
		Positions:     make([]model.PositionValue, 0, len(entries)),
	}
	for _, entry := range entries {
		var pos model.Position
		if err := json.Unmarshal(entry.Data, &pos); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Path, err)
		}

		// Prices are read without the stock lock; a concurrent trade may
		// move inventory but never the price.
		var stock model.Stock
		if _, err := e.readNode(ctx, ledger.StockPath(pos.StockTicker), &stock); err != nil {
			if !errors.Is(err, ledger.ErrNotFound) {
				return nil, err
			}
			e.logger.Warn("position references missing stock",
				zap.String("user_id", userID), zap.String("ticker", pos.StockTicker))
		}

		value := stock.CurrentPrice.Mul(decimal.NewFromInt(pos.Quantity))
		portfolio.Positions = append(portfolio.Positions, model.PositionValue{
			StockTicker:  pos.StockTicker,
			Quantity:     pos.Quantity,
			CurrentPrice: stock.CurrentPrice,
			MarketValue:  value,
		})
		portfolio.HoldingsValue = portfolio.HoldingsValue.Add(value)
	}
	portfolio.TotalValue = portfolio.PointsBalance.Add(portfolio.HoldingsValue)

	return portfolio, nil
}

// Transactions returns the user's transaction records, newest first.
func (e *Engine) Transactions(ctx context.Context, userID string) ([]model.TransactionRecord, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}

	entries, err := e.store.List(ctx, ledger.TransactionsPath())
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}

	// Versions are store-wide and increasing, so they order appends that
	// share a timestamp.
	type versioned struct {
		rec     model.TransactionRecord
		version int64
	}
	var found []versioned
	for _, entry := range entries {
		var rec model.TransactionRecord
		if err := json.Unmarshal(entry.Data, &rec); err != nil {
			return nil, fmt.Errorf("decode %s: %w", entry.Path, err)
		}
		if rec.UserID != userID {
			continue
		}
		rec.ID = ledger.Base(entry.Path)
		found = append(found, versioned{rec: rec, version: entry.Version})
	}

	sort.Slice(found, func(i, j int) bool {
		a, b := found[i], found[j]
		if !a.rec.Timestamp.Equal(b.rec.Timestamp) {
			return a.rec.Timestamp.After(b.rec.Timestamp)
		}
		return a.version > b.version
	})

	records := make([]model.TransactionRecord, len(found))
	for i, v := range found {
		records[i] = v.rec
	}
	return records, nil
}

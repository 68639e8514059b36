package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/metrics"
	"github.com/isph/exchange-engine/internal/model"
	"github.com/isph/exchange-engine/internal/ticker"
)

// AdjustVolume adds delta (which may be negative) to a stock's available
// volume. It shares the stock lock with trades, so inventory never goes
// negative.
func (e *Engine) AdjustVolume(ctx context.Context, rawTicker string, delta int64) (*model.Stock, error) {
	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if delta == 0 {
		return nil, fmt.Errorf("%w: delta must be non-zero", ErrValidation)
	}

	unlock := e.locks.Lock(stockLockKey(tk))
	defer unlock()

	log := e.logger.With(zap.String("ticker", tk), zap.Int64("delta", delta))

	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		var stock model.Stock
		node, err := e.readNode(ctx, ledger.StockPath(tk), &stock)
		if err != nil {
			return nil, notFoundAs(err, "stock %s", tk)
		}

		next := stock.VolumeAvailable + delta
		if next < 0 {
			return nil, fmt.Errorf("%w: %d available, adjustment %d", ErrInsufficientVolume, stock.VolumeAvailable, delta)
		}
		stock.VolumeAvailable = next

		data, err := json.Marshal(stock)
		if err != nil {
			return nil, fmt.Errorf("encode stock %s: %w", tk, err)
		}
		_, err = e.store.ConditionalWrite(ctx, ledger.StockPath(tk), node.Version, data)
		if errors.Is(err, ledger.ErrVersionConflict) {
			metrics.TradeConflicts.Inc()
			log.Debug("volume adjustment conflict, retrying", zap.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("write stock %s: %w", tk, err)
		}

		metrics.VolumeAdjustments.Inc()
		log.Info("stock volume adjusted", zap.Int64("volume_available", next))
		if e.notifier != nil {
			e.notifier.Publish(model.Change{
				Type:            model.ChangeVolumeAdjusted,
				StockTicker:     tk,
				Quantity:        delta,
				Price:           stock.CurrentPrice.String(),
				VolumeAvailable: next,
				Timestamp:       e.now(),
			})
		}
		return &stock, nil
	}

	return nil, fmt.Errorf("%w: stock %s (gave up after %d attempts)", ErrConcurrencyConflict, tk, e.maxRetries)
}

// Package trade implements the trading transaction engine: buy and sell
// operations that move points, positions and stock inventory together.
//
// Each trade touches three ledger nodes (account, position, stock). The engine
// serializes overlapping trades with per-key locks, writes with version checks
// so writers outside this process are detected, and undoes partial writes from
// a compensation log when a later write fails.
//
// All monetary values use shopspring/decimal, never float64 for points.
package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/isph/exchange-engine/internal/keylock"
	"github.com/isph/exchange-engine/internal/ledger"
	"github.com/isph/exchange-engine/internal/metrics"
	"github.com/isph/exchange-engine/internal/model"
	"github.com/isph/exchange-engine/internal/ticker"
)

// DefaultMaxRetries is the number of attempts made when a conditional write
// loses a race.
const DefaultMaxRetries = 3

// Notifier receives a change after every committed ledger mutation.
// Publish must not block.
type Notifier interface {
	Publish(change model.Change)
}

// Engine executes trades against a ledger store.
type Engine struct {
	store      ledger.Store
	locks      *keylock.Manager
	logger     *zap.Logger
	notifier   Notifier
	maxRetries int
	now        func() time.Time
}

// NewEngine creates a trading engine. Engines sharing a store in one process
// must share the lock manager.
func NewEngine(st ledger.Store, locks *keylock.Manager, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:      st,
		locks:      locks,
		logger:     logger.With(zap.String("component", "trade_engine")),
		maxRetries: DefaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetNotifier sets the subscriber for ledger change events.
func (e *Engine) SetNotifier(n Notifier) *Engine {
	e.notifier = n
	return e
}

// SetMaxRetries sets the number of attempts on concurrency conflicts.
func (e *Engine) SetMaxRetries(n int) *Engine {
	if n > 0 {
		e.maxRetries = n
	}
	return e
}

// SetClock overrides the transaction timestamp source.
func (e *Engine) SetClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Buy purchases quantity shares of ticker for userID.
func (e *Engine) Buy(ctx context.Context, userID, ticker string, quantity int64) (*model.TransactionRecord, error) {
	return e.Execute(ctx, model.TradeBuy, userID, ticker, quantity)
}

// Sell sells quantity shares of ticker held by userID.
func (e *Engine) Sell(ctx context.Context, userID, ticker string, quantity int64) (*model.TransactionRecord, error) {
	return e.Execute(ctx, model.TradeSell, userID, ticker, quantity)
}

// Execute validates and applies one trade. On success it returns the
// appended success record. Rejections (validation, unknown account or stock,
// insufficient funds, quantity or volume) leave the ledger untouched and
// append no record. Any other failure after the write phase began is rolled
// back and appended as one failed record.
func (e *Engine) Execute(ctx context.Context, op model.TradeType, userID, rawTicker string, quantity int64) (*model.TransactionRecord, error) {
	start := time.Now()

	tk, err := validate(op, userID, rawTicker, quantity)
	if err != nil {
		metrics.TradesTotal.WithLabelValues("invalid", "rejected").Inc()
		return nil, err
	}
	defer func() {
		metrics.TradeLatency.WithLabelValues(string(op)).Observe(time.Since(start).Seconds())
	}()

	log := e.logger.With(
		zap.String("user_id", userID),
		zap.String("ticker", tk),
		zap.String("type", string(op)),
		zap.Int64("quantity", quantity),
	)

	unlock := e.locks.Lock(userLockKey(userID), stockLockKey(tk))
	defer unlock()

	var (
		lastErr   error
		attempted bool
		attempts  int
		price     decimal.Decimal
	)
	for attempt := 1; attempt <= e.maxRetries; attempt++ {
		attempts = attempt
		if attempt > 1 {
			if err := ctx.Err(); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		snap, err := e.load(ctx, userID, tk)
		if err == nil {
			price = snap.stock.CurrentPrice
			var p plan
			p, err = planTrade(op, snap, quantity)
			if err == nil {
				attempted = true
				var rec *model.TransactionRecord
				rec, err = e.apply(ctx, op, userID, tk, quantity, snap, p)
				if err == nil {
					e.succeeded(log, rec, p)
					return rec, nil
				}
			}
		}

		if IsRejection(err) {
			metrics.TradesTotal.WithLabelValues(string(op), "rejected").Inc()
			log.Debug("trade rejected", zap.Error(err))
			return nil, err
		}

		lastErr = err
		var compErr *CompensationError
		if errors.As(err, &compErr) {
			metrics.CompensationFailures.Inc()
			log.Error("compensation failed, ledger inconsistent",
				zap.Bool("ledger_inconsistent", true),
				zap.String("failed_path", compErr.Path),
				zap.Strings("pending_paths", compErr.Pending),
				zap.Error(err),
			)
			break
		}
		if errors.Is(err, ErrConcurrencyConflict) {
			metrics.TradeConflicts.Inc()
			log.Debug("write conflict, retrying", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		break
	}

	if errors.Is(lastErr, ErrConcurrencyConflict) && !errors.Is(lastErr, ErrCompensationFailed) {
		lastErr = fmt.Errorf("%w (gave up after %d attempts)", lastErr, attempts)
	}

	if attempted {
		if err := e.recordFailure(ctx, op, userID, tk, quantity, price, lastErr); err != nil {
			log.Error("failed to append failed transaction record", zap.Error(err))
			lastErr = errors.Join(lastErr, err)
		}
	}

	metrics.TradesTotal.WithLabelValues(string(op), "failed").Inc()
	log.Warn("trade failed", zap.Int("attempts", attempts), zap.Error(lastErr))
	return nil, lastErr
}

// --- Attempt ---

// snapshot is the read-side pre-image of one attempt.
type snapshot struct {
	account      model.Account
	accountNode  ledger.Node
	stock        model.Stock
	stockNode    ledger.Node
	position     int64
	positionNode ledger.Node // zero Node when the user holds no shares
}

// plan is the post-image an attempt will write.
type plan struct {
	balance  decimal.Decimal
	position int64
	volume   int64
	total    decimal.Decimal
}

func (e *Engine) load(ctx context.Context, userID, tk string) (*snapshot, error) {
	var snap snapshot
	var err error

	snap.accountNode, err = e.readNode(ctx, ledger.UserPath(userID), &snap.account)
	if err != nil {
		return nil, notFoundAs(err, "account %s", userID)
	}
	snap.stockNode, err = e.readNode(ctx, ledger.StockPath(tk), &snap.stock)
	if err != nil {
		return nil, notFoundAs(err, "stock %s", tk)
	}

	var pos model.Position
	snap.positionNode, err = e.readNode(ctx, ledger.PositionPath(userID, tk), &pos)
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		snap.positionNode = ledger.Node{}
	case err != nil:
		return nil, err
	default:
		snap.position = pos.Quantity
	}
	return &snap, nil
}

func (e *Engine) readNode(ctx context.Context, path string, v any) (ledger.Node, error) {
	n, err := e.store.Read(ctx, path)
	if err != nil {
		return ledger.Node{}, err
	}
	if err := json.Unmarshal(n.Data, v); err != nil {
		return ledger.Node{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return n, nil
}

func planTrade(op model.TradeType, snap *snapshot, quantity int64) (plan, error) {
	total := snap.stock.CurrentPrice.Mul(decimal.NewFromInt(quantity))
	balance := snap.account.PointsBalance

	if op == model.TradeBuy {
		if balance.LessThan(total) {
			return plan{}, fmt.Errorf("%w: balance %s, required %s", ErrInsufficientFunds, balance, total)
		}
		if snap.stock.VolumeAvailable < quantity {
			return plan{}, fmt.Errorf("%w: %d available, %d requested",
				ErrInsufficientVolume, snap.stock.VolumeAvailable, quantity)
		}
		return plan{
			balance:  balance.Sub(total),
			position: snap.position + quantity,
			volume:   snap.stock.VolumeAvailable - quantity,
			total:    total,
		}, nil
	}

	if snap.position < quantity {
		return plan{}, fmt.Errorf("%w: holding %d, selling %d", ErrInsufficientQuantity, snap.position, quantity)
	}
	return plan{
		balance:  balance.Add(total),
		position: snap.position - quantity,
		volume:   snap.stock.VolumeAvailable + quantity,
		total:    total,
	}, nil
}

// apply writes account, position and stock in that order, then appends the
// success record. Any failure rolls back what already landed.
func (e *Engine) apply(ctx context.Context, op model.TradeType, userID, tk string, quantity int64, snap *snapshot, p plan) (*model.TransactionRecord, error) {
	var comp compensationLog

	account := snap.account
	account.PointsBalance = p.balance
	if err := e.writeNode(ctx, &comp, ledger.UserPath(userID), snap.accountNode, account); err != nil {
		return nil, rollbackOr(ctx, &comp, e.store, err)
	}

	var position any // nil deletes the node
	if p.position > 0 {
		position = model.Position{UserID: userID, StockTicker: tk, Quantity: p.position}
	}
	if err := e.writeNode(ctx, &comp, ledger.PositionPath(userID, tk), snap.positionNode, position); err != nil {
		return nil, rollbackOr(ctx, &comp, e.store, err)
	}

	stock := snap.stock
	stock.VolumeAvailable = p.volume
	if err := e.writeNode(ctx, &comp, ledger.StockPath(tk), snap.stockNode, stock); err != nil {
		return nil, rollbackOr(ctx, &comp, e.store, err)
	}

	rec := &model.TransactionRecord{
		UserID:      userID,
		StockTicker: tk,
		Quantity:    quantity,
		Type:        op,
		Price:       snap.stock.CurrentPrice,
		Total:       p.total,
		Status:      model.StatusSuccess,
		Timestamp:   e.now(),
	}
	id, err := ledger.AppendJSON(ctx, e.store, ledger.TransactionsPath(), rec)
	if err != nil {
		return nil, rollbackOr(ctx, &comp, e.store, fmt.Errorf("append transaction: %w", err))
	}
	rec.ID = id
	return rec, nil
}

// rollbackOr undoes the attempt and returns cause, or the compensation
// failure if the undo itself failed.
func rollbackOr(ctx context.Context, comp *compensationLog, st ledger.Store, cause error) error {
	if err := comp.rollback(ctx, st, cause); err != nil {
		return err
	}
	return cause
}

func (e *Engine) writeNode(ctx context.Context, comp *compensationLog, path string, pre ledger.Node, v any) error {
	var data []byte
	if v != nil {
		var err error
		if data, err = json.Marshal(v); err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
	}

	version, err := e.store.ConditionalWrite(ctx, path, pre.Version, data)
	if errors.Is(err, ledger.ErrVersionConflict) {
		return fmt.Errorf("%w: %s changed since read", ErrConcurrencyConflict, path)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	comp.record(path, pre.Data, version)
	return nil
}

// --- Outcome ---

func (e *Engine) succeeded(log *zap.Logger, rec *model.TransactionRecord, p plan) {
	metrics.TradesTotal.WithLabelValues(string(rec.Type), "success").Inc()
	log.Info("trade executed",
		zap.String("transaction_id", rec.ID),
		zap.String("price", rec.Price.String()),
		zap.String("total", rec.Total.String()),
		zap.String("balance", p.balance.String()),
		zap.Int64("volume_available", p.volume),
	)

	if e.notifier != nil {
		e.notifier.Publish(model.Change{
			Type:            model.ChangeTradeExecuted,
			UserID:          rec.UserID,
			StockTicker:     rec.StockTicker,
			TradeType:       rec.Type,
			Quantity:        rec.Quantity,
			Price:           rec.Price.String(),
			VolumeAvailable: p.volume,
			Timestamp:       rec.Timestamp,
		})
	}
}

func (e *Engine) recordFailure(ctx context.Context, op model.TradeType, userID, tk string, quantity int64, price decimal.Decimal, cause error) error {
	rec := model.TransactionRecord{
		UserID:      userID,
		StockTicker: tk,
		Quantity:    quantity,
		Type:        op,
		Price:       price,
		Total:       price.Mul(decimal.NewFromInt(quantity)),
		Status:      model.StatusFailed,
		Reason:      cause.Error(),
		Timestamp:   e.now(),
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	_, err := ledger.AppendJSON(ctx, e.store, ledger.TransactionsPath(), rec)
	return err
}

// --- Helpers ---

func validate(op model.TradeType, userID, rawTicker string, quantity int64) (string, error) {
	if !op.Valid() {
		return "", fmt.Errorf("%w: unknown operation %q", ErrValidation, op)
	}
	if err := validateUserID(userID); err != nil {
		return "", err
	}
	tk, err := ticker.Parse(rawTicker)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if quantity <= 0 {
		return "", fmt.Errorf("%w: quantity must be positive, got %d", ErrValidation, quantity)
	}
	return tk, nil
}

func validateUserID(userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrValidation)
	}
	if !ledger.ValidSegment(userID) {
		return fmt.Errorf("%w: malformed user_id %q", ErrValidation, userID)
	}
	return nil
}

// notFoundAs maps a missing ledger node to ErrNotFound.
func notFoundAs(err error, format string, args ...any) error {
	if errors.Is(err, ledger.ErrNotFound) {
		return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
	}
	return err
}

func userLockKey(userID string) string { return "user:" + userID }

func stockLockKey(tk string) string { return "stock:" + tk }

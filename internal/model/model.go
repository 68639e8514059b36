// Package model defines the core domain types shared across the exchange engine.
// All monetary values use shopspring/decimal, never float64 for points.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// TradeType is the direction of a trade.
type TradeType string

const (
	TradeBuy  TradeType = "buy"
	TradeSell TradeType = "sell"
)

// Valid reports whether t is a supported trade direction.
func (t TradeType) Valid() bool {
	return t == TradeBuy || t == TradeSell
}

// TransactionStatus is the outcome recorded in the audit log.
type TransactionStatus string

const (
	StatusSuccess TransactionStatus = "success"
	StatusFailed  TransactionStatus = "failed"
)

// Account holds a user's spendable points. Stored at users/{user_id}.
type Account struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name,omitempty"`
	PointsBalance decimal.Decimal `json:"points_balance"`
}

// Stock is a tradeable ticker. Stored at stocks/{ticker}.
// Price is set by admins; VolumeAvailable is the unsold inventory.
type Stock struct {
	Ticker          string          `json:"ticker"`
	Name            string          `json:"name,omitempty"`
	CurrentPrice    decimal.Decimal `json:"current_price"`
	VolumeAvailable int64           `json:"volume_available"`
	Sector          string          `json:"sector,omitempty"`
}

// Position is a user's holding of one ticker. Stored at
// portfolios/{user_id}/{ticker}; a zero position is deleted, never kept.
type Position struct {
	UserID      string `json:"user_id"`
	StockTicker string `json:"stock_ticker"`
	Quantity    int64  `json:"quantity"`
}

// TransactionRecord is an immutable audit entry for one trade attempt.
// Once appended under transactions/ it is never modified or deleted.
type TransactionRecord struct {
	ID          string            `json:"id,omitempty"`
	UserID      string            `json:"user_id"`
	StockTicker string            `json:"stock_ticker"`
	Quantity    int64             `json:"quantity"`
	Type        TradeType         `json:"type"`
	Price       decimal.Decimal   `json:"price"`
	Total       decimal.Decimal   `json:"total"`
	Status      TransactionStatus `json:"status"`
	Reason      string            `json:"reason,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Event is a teacher-created event awaiting evaluation. Stored at events/{event_id}.
type Event struct {
	EventID     string `json:"event_id" yaml:"event_id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description"`
	CreatedBy   string `json:"created_by,omitempty" yaml:"created_by"`
	Status      string `json:"status,omitempty" yaml:"status"`
}

// Evaluation is stored at events/{event_id}/evaluation. System is written by
// the evaluation worker; Teacher and Admin are owned by people and preserved.
type Evaluation struct {
	System  json.RawMessage `json:"system"`
	Teacher json.RawMessage `json:"teacher"`
	Admin   json.RawMessage `json:"admin"`
}

// TaskState is the lifecycle state of an evaluation task.
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskView is a point-in-time snapshot of an evaluation task.
type TaskView struct {
	ID        string          `json:"task_id"`
	EventID   string          `json:"event_id"`
	State     TaskState       `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Change types published after a committed ledger mutation.
const (
	ChangeTradeExecuted  = "trade_executed"
	ChangeVolumeAdjusted = "volume_adjusted"
)

// Change is a ledger change notification for downstream subscribers
// such as the websocket hub.
type Change struct {
	Type            string    `json:"type"`
	UserID          string    `json:"user_id,omitempty"`
	StockTicker     string    `json:"stock_ticker"`
	TradeType       TradeType `json:"trade_type,omitempty"`
	Quantity        int64     `json:"quantity,omitempty"`
	Price           string    `json:"price,omitempty"`
	VolumeAvailable int64     `json:"volume_available"`
	Timestamp       time.Time `json:"timestamp"`
}

// PositionValue is a position marked at the stock's current price.
type PositionValue struct {
	StockTicker  string          `json:"stock_ticker"`
	Quantity     int64           `json:"quantity"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	MarketValue  decimal.Decimal `json:"market_value"`
}

// Portfolio aggregates a user's balance and holdings.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	PointsBalance decimal.Decimal `json:"points_balance"`
	Positions     []PositionValue `json:"positions"`
	HoldingsValue decimal.Decimal `json:"holdings_value"` // Σ market_value
	TotalValue    decimal.Decimal `json:"total_value"`    // balance + holdings
}

// Package ledger defines the hierarchical key-value store that holds accounts,
// positions, stocks, the transaction log and event evaluations.
//
// Every node carries a version drawn from a store-wide monotonic counter, so a
// node that is deleted and recreated never repeats a version. Implementations
// include PostgreSQL, Redis, and in-memory (for testing and development).
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Read when no node exists at the path.
	ErrNotFound = errors.New("ledger: node not found")
	// ErrVersionConflict is returned by ConditionalWrite when the stored
	// version differs from the expected one.
	ErrVersionConflict = errors.New("ledger: version conflict")
)

// Node is the value stored at a path. Data is a JSON document.
type Node struct {
	Data    []byte
	Version int64
}

// Entry is a node together with its path, as returned by List.
type Entry struct {
	Path string
	Node
}

// Store is the capability interface consumed by the trading engine and the
// evaluation worker. A nil data argument deletes the node.
type Store interface {
	// Read returns the node at path, or ErrNotFound.
	Read(ctx context.Context, path string) (Node, error)

	// Write stores data at path unconditionally and returns the new version.
	Write(ctx context.Context, path string, data []byte) (int64, error)

	// ConditionalWrite stores data only if the node's current version equals
	// expected; expected 0 means the node must be absent. Returns the new
	// version (0 after a delete) or ErrVersionConflict.
	ConditionalWrite(ctx context.Context, path string, expected int64, data []byte) (int64, error)

	// Append stores data under a freshly generated child of prefix and
	// returns the generated id.
	Append(ctx context.Context, prefix string, data []byte) (string, error)

	// List returns every node below prefix, ordered by path.
	List(ctx context.Context, prefix string) ([]Entry, error)

	// Close releases the underlying connections.
	Close() error
}

// --- Paths ---

const (
	usersRoot        = "users"
	stocksRoot       = "stocks"
	portfoliosRoot   = "portfolios"
	transactionsRoot = "transactions"
	eventsRoot       = "events"
)

func UserPath(userID string) string { return usersRoot + "/" + userID }

func StockPath(ticker string) string { return stocksRoot + "/" + ticker }

func PortfolioPrefix(userID string) string { return portfoliosRoot + "/" + userID }

func PositionPath(userID, ticker string) string { return PortfolioPrefix(userID) + "/" + ticker }

func TransactionsPath() string { return transactionsRoot }

func EventPath(eventID string) string { return eventsRoot + "/" + eventID }

func EvaluationPath(eventID string) string { return EventPath(eventID) + "/evaluation" }

// Base returns the last segment of path.
func Base(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// ValidSegment reports whether s can be used as a single path segment.
func ValidSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, "/*?[]\\")
}

// --- JSON helpers ---

// ReadJSON reads the node at path and decodes it into v.
// Returns the node version.
func ReadJSON(ctx context.Context, s Store, path string, v any) (int64, error) {
	node, err := s.Read(ctx, path)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(node.Data, v); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return node.Version, nil
}

// AppendJSON encodes v and appends it under prefix.
func AppendJSON(ctx context.Context, s Store, prefix string, v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", prefix, err)
	}
	return s.Append(ctx, prefix, data)
}

// childPrefix is the key prefix List matches for the given path prefix.
func childPrefix(prefix string) string {
	return strings.TrimSuffix(prefix, "/") + "/"
}

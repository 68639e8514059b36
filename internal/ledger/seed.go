package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/isph/exchange-engine/internal/model"
	"github.com/isph/exchange-engine/internal/ticker"
)

// Fixture is the YAML layout accepted by Seed. Decimal amounts are strings
// so they round-trip exactly.
type Fixture struct {
	Accounts []struct {
		UserID        string `yaml:"user_id"`
		Name          string `yaml:"name"`
		PointsBalance string `yaml:"points_balance"`
	} `yaml:"accounts"`
	Stocks []struct {
		Ticker          string `yaml:"ticker"`
		Name            string `yaml:"name"`
		CurrentPrice    string `yaml:"current_price"`
		VolumeAvailable int64  `yaml:"volume_available"`
		Sector          string `yaml:"sector"`
	} `yaml:"stocks"`
	Events []model.Event `yaml:"events"`
}

// SeedResult counts the nodes created by Seed.
type SeedResult struct {
	Accounts int
	Stocks   int
	Events   int
}

// LoadFixture reads and validates a YAML fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseFixture(data)
}

// ParseFixture decodes and validates fixture YAML.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}

	for i, a := range f.Accounts {
		if !ValidSegment(a.UserID) {
			return nil, fmt.Errorf("accounts[%d]: invalid user_id %q", i, a.UserID)
		}
		bal, err := decimal.NewFromString(a.PointsBalance)
		if err != nil || bal.IsNegative() {
			return nil, fmt.Errorf("accounts[%d]: invalid points_balance %q", i, a.PointsBalance)
		}
	}
	for i, s := range f.Stocks {
		// Stored under the same normalized ticker the engine looks up.
		tk, err := ticker.Parse(s.Ticker)
		if err != nil {
			return nil, fmt.Errorf("stocks[%d]: %w", i, err)
		}
		f.Stocks[i].Ticker = tk
		price, err := decimal.NewFromString(s.CurrentPrice)
		if err != nil || !price.IsPositive() {
			return nil, fmt.Errorf("stocks[%d]: invalid current_price %q", i, s.CurrentPrice)
		}
		if s.VolumeAvailable < 0 {
			return nil, fmt.Errorf("stocks[%d]: negative volume_available", i)
		}
	}
	for i, e := range f.Events {
		if !ValidSegment(e.EventID) {
			return nil, fmt.Errorf("events[%d]: invalid event_id %q", i, e.EventID)
		}
	}
	return &f, nil
}

// Seed writes the fixture's accounts, stocks and events into st. Nodes that
// already exist are left untouched, so seeding is safe on every start.
func Seed(ctx context.Context, st Store, f *Fixture) (SeedResult, error) {
	var res SeedResult

	for _, a := range f.Accounts {
		bal, _ := decimal.NewFromString(a.PointsBalance)
		created, err := createIfAbsent(ctx, st, UserPath(a.UserID), model.Account{
			UserID:        a.UserID,
			Name:          a.Name,
			PointsBalance: bal,
		})
		if err != nil {
			return res, err
		}
		if created {
			res.Accounts++
		}
	}

	for _, s := range f.Stocks {
		price, _ := decimal.NewFromString(s.CurrentPrice)
		created, err := createIfAbsent(ctx, st, StockPath(s.Ticker), model.Stock{
			Ticker:          s.Ticker,
			Name:            s.Name,
			CurrentPrice:    price,
			VolumeAvailable: s.VolumeAvailable,
			Sector:          s.Sector,
		})
		if err != nil {
			return res, err
		}
		if created {
			res.Stocks++
		}
	}

	for _, e := range f.Events {
		created, err := createIfAbsent(ctx, st, EventPath(e.EventID), e)
		if err != nil {
			return res, err
		}
		if created {
			res.Events++
		}
	}

	return res, nil
}

func createIfAbsent(ctx context.Context, st Store, path string, v any) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", path, err)
	}
	_, err = st.ConditionalWrite(ctx, path, 0, data)
	if errors.Is(err, ErrVersionConflict) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seed %s: %w", path, err)
	}
	return true, nil
}

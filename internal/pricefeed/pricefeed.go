// Package pricefeed supplies the token's fiat price. The feed is a pure
// external collaborator: ledger correctness never depends on it, the API
// only uses it to decorate responses.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

const requestTimeout = 5 * time.Second

// Source yields the current price of one token unit.
type Source interface {
	Price(ctx context.Context) (decimal.Decimal, error)
}

// Static returns a fixed price. Default for development and tests.
type Static struct {
	Value decimal.Decimal
}

// Price returns the fixed value.
func (static Static) Price(context.Context) (decimal.Decimal, error) {
	return static.Value, nil
}

// HTTP polls a JSON endpoint shaped like {"price": "3.21"}.
type HTTP struct {
	endpoint string
	client   *http.Client
}

// NewHTTP wires an HTTP price source.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: requestTimeout},
	}
}

// Price fetches and decodes the current price.
func (source *HTTP) Price(ctx context.Context) (decimal.Decimal, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, source.endpoint, nil)
	if err != nil {
		return decimal.Zero, err
	}
	response, err := source.client.Do(request)
	if err != nil {
		return decimal.Zero, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return decimal.Zero, fmt.Errorf("price feed returned status %d", response.StatusCode)
	}
	var payload struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return decimal.Zero, err
	}
	if payload.Price.IsNegative() {
		return decimal.Zero, fmt.Errorf("price feed returned negative price %s", payload.Price)
	}
	return payload.Price, nil
}

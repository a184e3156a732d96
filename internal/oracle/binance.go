package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/cryptosim/sim-engine/internal/errs"
)

// DefaultBaseURL is the public Binance REST endpoint.
const DefaultBaseURL = "https://api.binance.com"

// BinanceOracle reads last-trade prices from the Binance ticker endpoint.
type BinanceOracle struct {
	client *resty.Client
}

// tickerPrice is the /api/v3/ticker/price response.
type tickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// NewBinance creates an oracle against baseURL. The client timeout is a
// backstop; callers bound each lookup with their own context.
func NewBinance(baseURL string) *BinanceOracle {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := resty.New()
	client.SetBaseURL(baseURL)
	client.SetTimeout(10 * time.Second)
	client.SetHeader("Accept", "application/json")

	return &BinanceOracle{client: client}
}

func (b *BinanceOracle) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := b.client.R().
		SetContext(ctx).
		SetQueryParam("symbol", symbol).
		Get("/api/v3/ticker/price")
	if err != nil {
		return decimal.Zero, fmt.Errorf("fetch ticker for %s: %w", symbol, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, errs.New(errs.PriceUnavailable,
			"ticker %s: upstream status %d: %s", symbol, resp.StatusCode(), resp.String())
	}

	var tick tickerPrice
	if err := json.Unmarshal(resp.Body(), &tick); err != nil {
		return decimal.Zero, errs.Wrap(errs.PriceUnavailable, err, "decode ticker for %s", symbol)
	}
	price, err := decimal.NewFromString(tick.Price)
	if err != nil {
		return decimal.Zero, errs.Wrap(errs.PriceUnavailable, err, "parse price %q for %s", tick.Price, symbol)
	}
	return price, nil
}

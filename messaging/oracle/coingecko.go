package oracle

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

var coingeckoIDs = map[string]string{
	"ETHUSD":   "ethereum",
	"BTCUSD":   "bitcoin",
	"SOLUSD":   "solana",
	"MATICUSD": "matic-network",
	"AVAXUSD":  "avalanche-2",
	"LINKUSD":  "chainlink",
	"ARBUSD":   "arbitrum",
}

// CoinGecko reads the free simple price endpoint.
type CoinGecko struct {
	URL    string
	Client *http.Client
}

func (c CoinGecko) Name() string { return "coingecko" }

func (c CoinGecko) Price(ctx context.Context, asset string) (Quote, error) {
	id, ok := coingeckoIDs[strings.ToUpper(asset)]
	if !ok {
		return Quote{}, fmt.Errorf("%w: %s has no coingecko id", ErrUnknownAsset, asset)
	}
	body, err := get(ctx, defaultClient(c.Client), c.URL+"?ids="+url.QueryEscape(id)+"&vs_currencies=usd", nil)
	if err != nil {
		return Quote{}, err
	}
	raw := gjson.GetBytes(body, id+".usd")
	if !raw.Exists() {
		return Quote{}, fmt.Errorf("%w: coingecko has no usd price for %s", ErrPriceUnavailable, id)
	}
	price, err := decimal.NewFromString(raw.Raw)
	if err != nil || !price.IsPositive() {
		return Quote{}, fmt.Errorf("%w: coingecko price %q", ErrPriceUnavailable, raw.Raw)
	}
	return Quote{Asset: strings.ToUpper(asset), Price: price, Source: c.Name(), At: time.Now()}, nil
}

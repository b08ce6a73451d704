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

// storkScale is the fixed point Stork quantizes prices to.
var storkScale = decimal.New(1, 18)

// Stork reads the latest signed price from the Stork REST API.
type Stork struct {
	URL    string
	APIKey string
	Client *http.Client
}

func (s Stork) Name() string { return "stork" }

func (s Stork) Price(ctx context.Context, asset string) (Quote, error) {
	if len(s.APIKey) == 0 {
		return Quote{}, fmt.Errorf("%w: no stork api key", ErrPriceUnavailable)
	}
	asset = strings.ToUpper(asset)
	header := http.Header{}
	header.Set("Authorization", "Basic "+s.APIKey)
	body, err := get(ctx, defaultClient(s.Client), strings.TrimSuffix(s.URL, "/")+"/v1/prices/latest?assets="+url.QueryEscape(asset), header)
	if err != nil {
		return Quote{}, err
	}
	entry := gjson.GetBytes(body, "data."+asset)
	if !entry.Exists() {
		return Quote{}, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	raw := entry.Get("price")
	if !raw.Exists() {
		raw = entry.Get("stork_signed_price.price")
	}
	quantized, err := decimal.NewFromString(raw.String())
	if err != nil || !quantized.IsPositive() {
		return Quote{}, fmt.Errorf("%w: stork price %q", ErrPriceUnavailable, raw.String())
	}
	at := time.Now()
	if ts := entry.Get("timestamp").Int(); ts > 0 {
		at = time.Unix(0, ts)
	}
	return Quote{Asset: asset, Price: quantized.Div(storkScale), Source: s.Name(), At: at}, nil
}

// Package oracle looks up spot prices for prediction assets (ETHUSD, BTCUSD, ...).
package oracle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"moltybet/engine/library"
)

var (
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrUnknownAsset     = errors.New("unknown asset")
)

type Quote struct {
	Asset  string          `json:"asset"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
	At     time.Time       `json:"timestamp"`
}

// Source is one price provider.
type Source interface {
	Name() string
	Price(ctx context.Context, asset string) (Quote, error)
}

// Chain asks each source in turn and returns the first quote.
type Chain []Source

func (c Chain) Name() string {
	names := make([]string, 0, len(c))
	for _, s := range c {
		names = append(names, s.Name())
	}
	return strings.Join(names, ",")
}

func (c Chain) Price(ctx context.Context, asset string) (Quote, error) {
	var errs []error
	for _, s := range c {
		q, err := s.Price(ctx, asset)
		if err == nil {
			return q, nil
		}
		library.LogCLI(fmt.Sprintf("%s price for %s: %s", s.Name(), asset, err.Error()), 2)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return Quote{}, fmt.Errorf("%w: no price sources configured", ErrPriceUnavailable)
	}
	err := errors.Join(errs...)
	if !errors.Is(err, ErrPriceUnavailable) {
		err = fmt.Errorf("%w: %w", ErrPriceUnavailable, err)
	}
	return Quote{}, err
}

func get(ctx context.Context, client *http.Client, url string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, err.Error())
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPriceUnavailable, err.Error())
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned %d", ErrPriceUnavailable, req.URL.Host, resp.StatusCode)
	}
	return body, nil
}

func defaultClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 10 * time.Second}
}

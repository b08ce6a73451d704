package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
)

func TestCoinGecko(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("ids") != "ethereum" || r.URL.Query().Get("vs_currencies") != "usd" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"ethereum":{"usd":3456.78}}`))
	}))
	defer srv.Close()
	q, err := CoinGecko{URL: srv.URL}.Price(context.Background(), "ethusd")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Price.Equal(decimal.RequireFromString("3456.78")) || q.Source != "coingecko" || q.Asset != "ETHUSD" {
		t.Fatalf("quote %+v", q)
	}
}

func TestCoinGeckoUnknownAsset(t *testing.T) {
	if _, err := (CoinGecko{URL: "http://unused"}).Price(context.Background(), "DOGEUSD"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestStork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Basic key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v1/prices/latest" || r.URL.Query().Get("assets") != "BTCUSD" {
			t.Errorf("unexpected request %s", r.URL)
		}
		w.Write([]byte(`{"data":{"BTCUSD":{"timestamp":1700000000000000000,"asset_id":"BTCUSD","price":"65000500000000000000000"}}}`))
	}))
	defer srv.Close()
	q, err := Stork{URL: srv.URL, APIKey: "key"}.Price(context.Background(), "BTCUSD")
	if err != nil {
		t.Fatal(err)
	}
	if !q.Price.Equal(decimal.RequireFromString("65000.5")) {
		t.Fatalf("price %s", q.Price)
	}
	if _, err := (Stork{URL: srv.URL, APIKey: "wrong"}).Price(context.Background(), "BTCUSD"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

type fixed struct {
	name  string
	price string
	err   error
}

func (f fixed) Name() string { return f.name }

func (f fixed) Price(ctx context.Context, asset string) (Quote, error) {
	if f.err != nil {
		return Quote{}, f.err
	}
	return Quote{Asset: asset, Price: decimal.RequireFromString(f.price), Source: f.name}, nil
}

func TestChainFallsThrough(t *testing.T) {
	chain := Chain{
		fixed{name: "a", err: ErrPriceUnavailable},
		fixed{name: "b", price: "2"},
		fixed{name: "c", price: "3"},
	}
	q, err := chain.Price(context.Background(), "ETHUSD")
	if err != nil {
		t.Fatal(err)
	}
	if q.Source != "b" {
		t.Fatalf("source %s", q.Source)
	}
	_, err = Chain{fixed{name: "a", err: ErrUnknownAsset}}.Price(context.Background(), "X")
	if !errors.Is(err, ErrPriceUnavailable) || !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("expected both sentinels, got %v", err)
	}
	if _, err := (Chain{}).Price(context.Background(), "X"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("empty chain: %v", err)
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()
	if _, err := (CoinGecko{URL: srv.URL}).Price(context.Background(), "SOLUSD"); !errors.Is(err, ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

package allocation

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var (
	user   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	broker = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

func alloc(u, b int64) Allocations {
	return Allocations{
		{Participant: user, Asset: "usdc", Amount: decimal.NewFromInt(u)},
		{Participant: broker, Asset: "usdc", Amount: decimal.NewFromInt(b)},
	}
}

func TestConservesDetectsLeakage(t *testing.T) {
	totals := alloc(1_000_000, 1_000_000).Totals()
	if err := alloc(1_500_000, 500_000).Conserves(totals); err != nil {
		t.Fatalf("redistribution should conserve: %v", err)
	}
	if err := alloc(1_500_000, 1_000_000).Conserves(totals); !errors.Is(err, ErrConservation) {
		t.Fatalf("expected ErrConservation, got %v", err)
	}
	foreign := append(alloc(1_000_000, 1_000_000), Allocation{Participant: user, Asset: "eth", Amount: decimal.NewFromInt(1)})
	if err := foreign.Conserves(totals); !errors.Is(err, ErrConservation) {
		t.Fatalf("expected ErrConservation for a new asset, got %v", err)
	}
}

func TestValidateRejectsBadEntries(t *testing.T) {
	cases := map[string]Allocations{
		"empty":      {},
		"negative":   alloc(-1, 0),
		"fractional": {{Participant: user, Asset: "usdc", Amount: decimal.RequireFromString("0.5")}},
		"no asset":   {{Participant: user, Amount: decimal.NewFromInt(1)}},
		"duplicate":  append(alloc(1, 1), Allocation{Participant: user, Asset: "usdc", Amount: decimal.NewFromInt(1)}),
	}
	for name, a := range cases {
		if err := a.Validate(); !errors.Is(err, ErrInvalidAllocation) {
			t.Fatalf("%s: expected ErrInvalidAllocation, got %v", name, err)
		}
	}
	if err := alloc(10, 0).Validate(); err != nil {
		t.Fatalf("valid allocation rejected: %v", err)
	}
}

func TestAmountOfAndParticipants(t *testing.T) {
	a := alloc(7, 3)
	if !a.AmountOf(broker, "usdc").Equal(decimal.NewFromInt(3)) {
		t.Fatal("wrong broker amount")
	}
	if !a.AmountOf(broker, "eth").IsZero() {
		t.Fatal("absent asset should be zero")
	}
	if p := a.Participants(); len(p) != 2 || p[0] != user || p[1] != broker {
		t.Fatalf("unexpected participants %v", p)
	}
}

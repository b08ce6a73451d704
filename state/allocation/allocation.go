// Package allocation models how a session's funds are split between its participants and
// enforces that redistribution never creates or destroys value.
package allocation

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"moltybet/engine/library"
)

var (
	ErrConservation      = errors.New("allocation does not conserve the session total")
	ErrInvalidAllocation = errors.New("invalid allocation")
)

// Allocation is one participant's share of one asset. Amounts are integer base units.
type Allocation struct {
	Participant common.Address  `json:"participant"`
	Asset       library.Asset   `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

type Allocations []Allocation

// Totals sums the amounts per asset.
func (a Allocations) Totals() map[library.Asset]decimal.Decimal {
	t := make(map[library.Asset]decimal.Decimal)
	for _, entry := range a {
		t[entry.Asset] = t[entry.Asset].Add(entry.Amount)
	}
	return t
}

// Validate checks every amount is a non-negative integer, every asset is named and no
// (participant, asset) pair appears twice.
func (a Allocations) Validate() error {
	if len(a) == 0 {
		return fmt.Errorf("%w: empty", ErrInvalidAllocation)
	}
	seen := make(map[string]bool)
	for _, entry := range a {
		if len(entry.Asset) == 0 {
			return fmt.Errorf("%w: missing asset for %s", ErrInvalidAllocation, entry.Participant.Hex())
		}
		if entry.Amount.IsNegative() {
			return fmt.Errorf("%w: negative amount %s for %s", ErrInvalidAllocation, entry.Amount, entry.Participant.Hex())
		}
		if !entry.Amount.Equal(entry.Amount.Truncate(0)) {
			return fmt.Errorf("%w: fractional amount %s for %s", ErrInvalidAllocation, entry.Amount, entry.Participant.Hex())
		}
		key := entry.Participant.Hex() + "/" + strings.ToLower(entry.Asset)
		if seen[key] {
			return fmt.Errorf("%w: duplicate entry for %s", ErrInvalidAllocation, key)
		}
		seen[key] = true
	}
	return nil
}

// Conserves returns nil when a and totals hold exactly the same amount of every asset.
func (a Allocations) Conserves(totals map[library.Asset]decimal.Decimal) error {
	got := a.Totals()
	for asset, want := range totals {
		if !got[asset].Equal(want) {
			return fmt.Errorf("%w: %s total is %s, expected %s", ErrConservation, asset, got[asset], want)
		}
	}
	for asset, have := range got {
		if _, ok := totals[asset]; !ok && !have.IsZero() {
			return fmt.Errorf("%w: %s was not part of the session", ErrConservation, asset)
		}
	}
	return nil
}

// AmountOf returns the participant's amount of asset, zero when absent.
func (a Allocations) AmountOf(participant common.Address, asset library.Asset) decimal.Decimal {
	for _, entry := range a {
		if entry.Participant == participant && entry.Asset == asset {
			return entry.Amount
		}
	}
	return decimal.Zero
}

// Participants lists the distinct participants in order of first appearance.
func (a Allocations) Participants() []common.Address {
	var out []common.Address
	seen := make(map[common.Address]bool)
	for _, entry := range a {
		if !seen[entry.Participant] {
			seen[entry.Participant] = true
			out = append(out, entry.Participant)
		}
	}
	return out
}

// Assets lists the assets held, sorted.
func (a Allocations) Assets() []library.Asset {
	var out []library.Asset
	for asset := range a.Totals() {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy that shares nothing with a.
func (a Allocations) Clone() Allocations {
	if a == nil {
		return nil
	}
	out := make(Allocations, len(a))
	copy(out, a)
	return out
}

func (a Allocations) String() string {
	var parts []string
	for _, entry := range a {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", entry.Participant.Hex()[:10], entry.Asset, entry.Amount))
	}
	return "[" + strings.Join(parts, " ") + "]"
}

package markets

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"moltybet/state/appsession"
)

// Resolve compares price to target. Both boundaries are inclusive: a price exactly on target
// wins for either direction.
func Resolve(p Prediction, price decimal.Decimal) Outcome {
	switch p.Direction {
	case Short:
		if price.LessThanOrEqual(p.TargetPrice) {
			return Win
		}
	default:
		if price.GreaterThanOrEqual(p.TargetPrice) {
			return Win
		}
	}
	return Loss
}

// Payout is floor(wager * multiplier).
func Payout(wager, multiplier decimal.Decimal) decimal.Decimal {
	return wager.Mul(multiplier).Floor()
}

// CounterpartyStake is what the broker must hold for a win to conserve.
func CounterpartyStake(wager, multiplier decimal.Decimal) decimal.Decimal {
	stake := Payout(wager, multiplier).Sub(wager)
	if stake.IsNegative() {
		return decimal.Zero
	}
	return stake
}

// UserFinal is the user's amount after resolution: original + payout - wager on a win,
// original - wager clamped at zero on a loss.
func UserFinal(original decimal.Decimal, p Prediction, outcome Outcome) decimal.Decimal {
	if outcome == Win {
		return original.Add(Payout(p.Amount, p.Multiplier)).Sub(p.Amount)
	}
	final := original.Sub(p.Amount)
	if final.IsNegative() {
		return decimal.Zero
	}
	return final
}

// FinalAllocation redistributes original for outcome. The user's entry follows UserFinal in the
// asset the user holds; the counterparty takes the conservation complement of that asset's total.
func FinalAllocation(original appsession.Allocations, user common.Address, p Prediction, outcome Outcome) (appsession.Allocations, error) {
	if err := original.Validate(); err != nil {
		return nil, err
	}
	userIdx := -1
	for i, a := range original {
		if a.Participant == user {
			userIdx = i
			break
		}
	}
	if userIdx < 0 {
		return nil, fmt.Errorf("%w: %s holds nothing in the session", appsession.ErrInvalidAllocation, user.Hex())
	}
	asset := original[userIdx].Asset
	total := original.Totals()[asset]
	userFinal := UserFinal(original[userIdx].Amount, p, outcome)
	complement := total.Sub(userFinal)
	if complement.IsNegative() {
		return nil, fmt.Errorf("%w: %s needs %s of %s but the session holds %s", ErrNegativeComplement, outcome, userFinal, asset, total)
	}
	final := original.Clone()
	counterparty := -1
	for i, a := range final {
		switch {
		case i == userIdx:
			final[i].Amount = userFinal
		case a.Asset == asset && counterparty < 0:
			counterparty = i
			final[i].Amount = complement
		}
	}
	if counterparty < 0 && !complement.IsZero() {
		return nil, fmt.Errorf("%w: no counterparty entry for %s", appsession.ErrInvalidAllocation, asset)
	}
	if err := final.Conserves(original.Totals()); err != nil {
		return nil, err
	}
	return final, nil
}

var (
	entryLong  = decimal.RequireFromString("0.98")
	entryShort = decimal.RequireFromString("1.02")
)

// EntryPrice is the reference price recorded at open, used when no price can be observed at
// resolution. It sits 2% on the losing side of target.
func EntryPrice(target decimal.Decimal, d Direction) decimal.Decimal {
	if d == Short {
		return target.Mul(entryShort)
	}
	return target.Mul(entryLong)
}

// DefaultTarget is 2% on the winning side of the current price.
func DefaultTarget(current decimal.Decimal, d Direction) decimal.Decimal {
	if d == Short {
		return current.Mul(entryLong)
	}
	return current.Mul(entryShort)
}

// Question is the default wording for a prediction.
func Question(asset string, d Direction, target decimal.Decimal) string {
	side := "above"
	if d == Short {
		side = "below"
	}
	return fmt.Sprintf("Will %s go %s $%s?", asset, side, target.StringFixed(2))
}

// Package markets holds prediction records: the bet itself, how it resolves, what the final
// allocation becomes, and the state.json store they live in.
package markets

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"moltybet/engine/library"
	"moltybet/state/appsession"
)

var (
	ErrNotFound             = errors.New("market not found")
	ErrResolutionInProgress = errors.New("market resolution already in progress")
	ErrNegativeComplement   = errors.New("counterparty allocation would be negative")
	ErrInvalidPrediction    = errors.New("invalid prediction")
	ErrWrongPassphrase      = errors.New("wrong passphrase or corrupted session key")
	ErrNotResolvable        = errors.New("market cannot be resolved in its current status")
)

type Direction string

const (
	// Long wins when the observed price is at or above target.
	Long Direction = "LONG"
	// Short wins when the observed price is at or below target.
	Short Direction = "SHORT"
)

// ParseDirection accepts LONG/SHORT and the above/below wording the kiosk uses.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "LONG", "ABOVE", "UP":
		return Long, nil
	case "SHORT", "BELOW", "DOWN":
		return Short, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrInvalidPrediction, s)
}

type Outcome string

const (
	Win  Outcome = "WIN"
	Loss Outcome = "LOSS"
)

func ParseOutcome(s string) (Outcome, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "WIN":
		return Win, nil
	case "LOSS":
		return Loss, nil
	}
	return "", fmt.Errorf("%w: outcome %q", ErrInvalidPrediction, s)
}

type Status string

const (
	StatusOpen           Status = "open"
	StatusOpenFailed     Status = "open_failed"
	StatusResolving      Status = "resolving"
	StatusResolved       Status = "resolved"
	StatusCloseUncertain Status = "close_uncertain"
	StatusCloseFailed    Status = "close_failed"
	StatusExpired        Status = "expired"
)

// Resolvable statuses can be handed to the reconciler.
func (s Status) Resolvable() bool {
	return s == StatusOpen || s == StatusExpired || s == StatusCloseUncertain || s == StatusCloseFailed
}

// Prediction is the bet carried in a session: the user wagers Amount that Asset will end on
// Direction's side of TargetPrice, paid at Multiplier.
type Prediction struct {
	ID          string          `json:"id"`
	Question    string          `json:"question,omitempty"`
	Asset       string          `json:"asset"`
	Direction   Direction       `json:"direction"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	TargetPrice decimal.Decimal `json:"targetPrice"`
	Amount      decimal.Decimal `json:"amount"`
	Multiplier  decimal.Decimal `json:"multiplier"`
	CreatedAt   time.Time       `json:"createdAt"`
	ExpiresAt   time.Time       `json:"expiresAt"`
}

func (p Prediction) Validate() error {
	if len(p.Asset) == 0 {
		return fmt.Errorf("%w: asset is required", ErrInvalidPrediction)
	}
	if p.Direction != Long && p.Direction != Short {
		return fmt.Errorf("%w: direction %q", ErrInvalidPrediction, p.Direction)
	}
	if !p.TargetPrice.IsPositive() {
		return fmt.Errorf("%w: target price must be positive", ErrInvalidPrediction)
	}
	if !p.Amount.IsPositive() || !p.Amount.Equal(p.Amount.Truncate(0)) {
		return fmt.Errorf("%w: amount must be a positive integer", ErrInvalidPrediction)
	}
	if p.Multiplier.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: multiplier must be at least 1", ErrInvalidPrediction)
	}
	return nil
}

// SessionData is the opaque payload submitted alongside the opening state.
func (p Prediction) SessionData() map[string]string {
	return map[string]string{
		"predictionId": p.ID,
		"question":     p.Question,
		"asset":        p.Asset,
		"direction":    string(p.Direction),
		"targetPrice":  p.TargetPrice.String(),
		"amount":       p.Amount.String(),
		"multiplier":   p.Multiplier.String(),
		"expiresAt":    fmt.Sprint(p.ExpiresAt.UnixMilli()),
	}
}

// Market is one persisted prediction and the session that carries it.
type Market struct {
	ID         library.MarketID `json:"id"`
	Prediction Prediction       `json:"prediction"`
	Status     Status           `json:"status"`
	// Previous is the status a resolution started from, restored if it aborts before closing.
	Previous         Status                 `json:"previousStatus,omitempty"`
	Outcome          Outcome                `json:"outcome,omitempty"`
	FinalPrice       decimal.NullDecimal    `json:"finalPrice"`
	PriceSource      string                 `json:"priceSource,omitempty"`
	AppSessionID     library.AppSessionID   `json:"appSessionId,omitempty"`
	Provisional      bool                   `json:"provisional,omitempty"`
	Definition       appsession.Definition  `json:"definition"`
	Allocations      appsession.Allocations `json:"allocations"`
	FinalAllocations appsession.Allocations `json:"finalAllocations,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CreatedAt        time.Time              `json:"createdAt"`
	UpdatedAt        time.Time              `json:"updatedAt"`
	ResolvedAt       *time.Time             `json:"resolvedAt,omitempty"`
}

// Handle is the session handle to resume this market's session from.
func (m Market) Handle() appsession.Handle {
	return appsession.Handle{
		ID:          m.AppSessionID,
		Provisional: m.Provisional,
		Definition:  m.Definition,
		Allocations: m.Allocations.Clone(),
	}
}

// Expired reports whether the prediction window has passed at now.
func (m Market) Expired(now time.Time) bool {
	return !m.Prediction.ExpiresAt.IsZero() && !now.Before(m.Prediction.ExpiresAt)
}

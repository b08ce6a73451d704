// Package appsession drives one two-party application session through open, state updates and
// close over an authenticated coordinator connection.
package appsession

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
	"moltybet/state/allocation"
)

var (
	ErrInvalidState      = errors.New("operation not valid in the session's current state")
	ErrInvalidDefinition = errors.New("invalid session definition")
	ErrQuorum            = errors.New("user weight does not reach quorum")
	ErrStaleNonce        = errors.New("nonce is not greater than the last one used for this pair")
	ErrOpenRejected      = errors.New("coordinator rejected the session")
	ErrOpenTimeout       = errors.New("no session confirmation from coordinator")
	ErrSubmitRejected    = errors.New("coordinator rejected the state update")
	ErrCloseRejected     = errors.New("coordinator rejected the close")
	ErrCloseUncertain    = errors.New("close sent but not confirmed; re-check status before retrying")
	ErrSessionNotFound   = errors.New("coordinator does not list the session")

	ErrAllowanceExceeded = clearnet.ErrAllowanceExceeded
	ErrConservation      = allocation.ErrConservation
	ErrInvalidAllocation = allocation.ErrInvalidAllocation
)

type Allocation = allocation.Allocation
type Allocations = allocation.Allocations

type State int

const (
	Created State = iota
	Active
	Closed
	Aborted
	// Uncertain is a close that was sent without a confirmation. Only Refresh leaves it.
	Uncertain
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Active:
		return "active"
	case Closed:
		return "closed"
	case Aborted:
		return "aborted"
	case Uncertain:
		return "uncertain"
	}
	return "unknown"
}

// Definition is the fixed part of an app session. Participants[0] is the user, Participants[1]
// the broker.
type Definition struct {
	Application  string           `json:"application"`
	Protocol     string           `json:"protocol"`
	Participants []common.Address `json:"participants"`
	Weights      []int64          `json:"weights"`
	Quorum       int64            `json:"quorum"`
	Challenge    uint64           `json:"challenge"`
	Nonce        uint64           `json:"nonce"`
}

// NewDefinition gives the user full weight so the session key alone can move the session.
func NewDefinition(application, protocol string, user, broker common.Address, nonce uint64) Definition {
	return Definition{
		Application:  application,
		Protocol:     protocol,
		Participants: []common.Address{user, broker},
		Weights:      []int64{100, 0},
		Quorum:       100,
		Nonce:        nonce,
	}
}

func (d Definition) User() common.Address {
	if len(d.Participants) == 0 {
		return common.Address{}
	}
	return d.Participants[0]
}

func (d Definition) Broker() common.Address {
	if len(d.Participants) < 2 {
		return common.Address{}
	}
	return d.Participants[1]
}

func (d Definition) Validate() error {
	if len(d.Participants) != 2 {
		return fmt.Errorf("%w: need exactly 2 participants, got %d", ErrInvalidDefinition, len(d.Participants))
	}
	if d.Participants[0] == (common.Address{}) || d.Participants[1] == (common.Address{}) {
		return fmt.Errorf("%w: zero participant address", ErrInvalidDefinition)
	}
	if d.Participants[0] == d.Participants[1] {
		return fmt.Errorf("%w: participants must differ", ErrInvalidDefinition)
	}
	if len(d.Weights) != len(d.Participants) {
		return fmt.Errorf("%w: %d weights for %d participants", ErrInvalidDefinition, len(d.Weights), len(d.Participants))
	}
	for _, w := range d.Weights {
		if w < 0 {
			return fmt.Errorf("%w: negative weight", ErrInvalidDefinition)
		}
	}
	if d.Quorum <= 0 {
		return fmt.Errorf("%w: quorum must be positive", ErrInvalidDefinition)
	}
	if d.Weights[0] < d.Quorum {
		return fmt.Errorf("%w: %d < %d", ErrQuorum, d.Weights[0], d.Quorum)
	}
	if len(d.Application) == 0 || len(d.Protocol) == 0 {
		return fmt.Errorf("%w: application and protocol are required", ErrInvalidDefinition)
	}
	if d.Nonce == 0 {
		return fmt.Errorf("%w: nonce is required", ErrInvalidDefinition)
	}
	return nil
}

// Handle identifies an open session. Provisional ids were derived locally because the
// coordinator did not echo one.
type Handle struct {
	ID          library.AppSessionID `json:"appSessionId"`
	Provisional bool                 `json:"provisional,omitempty"`
	Definition  Definition           `json:"definition"`
	Allocations Allocations          `json:"allocations"`
}

// FallbackSessionID is the id assumed when create_app_session is answered without one.
func FallbackSessionID(nonce uint64) library.AppSessionID {
	return fmt.Sprintf("0x%064x", nonce)
}

// Ack reports whether a state update was explicitly acknowledged.
type Ack struct {
	Acknowledged bool
	Version      uint64
}

// CloseResult is the confirmed final state of a session.
type CloseResult struct {
	AppSessionID library.AppSessionID
	Allocations  Allocations
	Version      uint64
	// ConfirmedBy is the method that confirmed the close, or get_app_sessions after a Refresh.
	ConfirmedBy clearnet.Method
}

package clearnet

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"
	"moltybet/engine/identity"
	"moltybet/engine/library"
)

var (
	ErrInvalidExpiry     = errors.New("auth expiry must be in the future")
	ErrHandshakeTimeout  = errors.New("auth handshake timed out")
	ErrAuthFailed        = errors.New("auth failed")
	ErrHandshakeState    = errors.New("auth handshake step out of order")
	ErrAllowanceExceeded = errors.New("amount exceeds the session key allowance")
	ErrInvalidAuthParams = errors.New("auth params need an application and a scope")
)

type AuthState int

const (
	AuthIdle AuthState = iota
	AuthRequestSent
	AuthChallengeReceived
	AuthVerifySent
	AuthAuthenticated
	AuthFailed
)

func (s AuthState) String() string {
	switch s {
	case AuthIdle:
		return "idle"
	case AuthRequestSent:
		return "request-sent"
	case AuthChallengeReceived:
		return "challenge-received"
	case AuthVerifySent:
		return "verify-sent"
	case AuthAuthenticated:
		return "authenticated"
	case AuthFailed:
		return "failed"
	}
	return "unknown"
}

// Allowance caps what the session key may commit for one asset. It is an upper bound, not a reservation.
type Allowance struct {
	Asset  library.Asset   `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// AuthParams is what the root identity delegates to the session identity.
type AuthParams struct {
	Application string
	Scope       string
	Allowances  []Allowance
	ExpiresAt   time.Time
}

// AuthGrant binds a session identity to its root for a scope, allowance and expiry.
type AuthGrant struct {
	Root        common.Address
	Session     common.Address
	Application string
	Scope       string
	Allowances  []Allowance
	ExpiresAt   time.Time
	JWT         string
}

// Valid reports whether the grant is still usable at now.
func (g AuthGrant) Valid(now time.Time) bool {
	return !g.ExpiresAt.IsZero() && now.Before(g.ExpiresAt)
}

// Allows checks amount against the allowance for asset.
func (g AuthGrant) Allows(asset library.Asset, amount decimal.Decimal) error {
	for _, a := range g.Allowances {
		if a.Asset == asset {
			if amount.GreaterThan(a.Amount) {
				return fmt.Errorf("%w: %s %s > %s", ErrAllowanceExceeded, asset, amount, a.Amount)
			}
			return nil
		}
	}
	return fmt.Errorf("%w: no allowance for %s", ErrAllowanceExceeded, asset)
}

// Handshake is the challenge-response that authorizes a session identity.
// Idle → RequestSent → ChallengeReceived → VerifySent → Authenticated | Failed.
type Handshake struct {
	mu        *deadlock.Mutex
	root      identity.Identity
	session   identity.Identity
	params    AuthParams
	state     AuthState
	challenge string
	err       error
	newID     func() uint64
}

func NewHandshake(root, session identity.Identity, params AuthParams, newID func() uint64) *Handshake {
	return &Handshake{
		mu:      &deadlock.Mutex{},
		root:    root,
		session: session,
		params:  params,
		newID:   newID,
	}
}

func (h *Handshake) State() AuthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Err is the reason the handshake failed.
func (h *Handshake) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Fail moves the handshake to Failed, keeping the first reason.
func (h *Handshake) Fail(err error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failLocked(err)
}

func (h *Handshake) failLocked(err error) error {
	if h.state != AuthFailed {
		h.state = AuthFailed
		h.err = err
		library.LogCLI("auth handshake failed: "+err.Error(), 2)
	}
	return err
}

// Begin builds the auth_request naming the session identity as delegate. It performs no I/O.
func (h *Handshake) Begin(now time.Time) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != AuthIdle {
		return nil, fmt.Errorf("%w: begin in state %s", ErrHandshakeState, h.state)
	}
	if len(strings.TrimSpace(h.params.Application)) == 0 || len(strings.TrimSpace(h.params.Scope)) == 0 {
		return nil, h.failLocked(fmt.Errorf("%w: application=%q scope=%q", ErrInvalidAuthParams, h.params.Application, h.params.Scope))
	}
	if !h.params.ExpiresAt.After(now) {
		return nil, h.failLocked(fmt.Errorf("%w: %s is not after %s", ErrInvalidExpiry, h.params.ExpiresAt.UTC().Format(time.RFC3339), now.UTC().Format(time.RFC3339)))
	}
	if h.root.Address == h.session.Address {
		return nil, h.failLocked(identity.ErrSameIdentity)
	}
	frame, err := EncodeRequest(Request{
		ID:     h.newID(),
		Method: MethodAuthRequest,
		Params: map[string]interface{}{
			"address":     h.root.Address.Hex(),
			"session_key": h.session.Address.Hex(),
			"application": h.params.Application,
			"allowances":  h.params.Allowances,
			"expires_at":  h.params.ExpiresAt.Unix(),
			"scope":       h.params.Scope,
		},
		Timestamp: now.UnixMilli(),
	}, nil)
	if err != nil {
		return nil, h.failLocked(err)
	}
	h.state = AuthRequestSent
	return frame, nil
}

// HandleChallenge records the coordinator's nonce.
func (h *Handshake) HandleChallenge(c AuthChallenge) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != AuthRequestSent {
		return fmt.Errorf("%w: challenge in state %s", ErrHandshakeState, h.state)
	}
	if len(c.Challenge) == 0 {
		return h.failLocked(fmt.Errorf("%w: empty challenge", ErrAuthFailed))
	}
	h.challenge = c.Challenge
	h.state = AuthChallengeReceived
	return nil
}

// Verify signs the policy binding with the root identity and builds auth_verify.
// This is the only place the root key signs anything.
func (h *Handshake) Verify(now time.Time) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != AuthChallengeReceived {
		return nil, fmt.Errorf("%w: verify in state %s", ErrHandshakeState, h.state)
	}
	td := PolicyTypedData(h.root.Address, h.session.Address, h.params, h.challenge)
	sig, err := h.root.SignTypedData(td)
	if err != nil {
		return nil, h.failLocked(err)
	}
	payload, err := Request{
		ID:        h.newID(),
		Method:    MethodAuthVerify,
		Params:    map[string]interface{}{"challenge": h.challenge},
		Timestamp: now.UnixMilli(),
	}.MarshalJSON()
	if err != nil {
		return nil, h.failLocked(err)
	}
	frame, err := encodeSigned(payload, fixedSignature(sig))
	if err != nil {
		return nil, h.failLocked(err)
	}
	h.state = AuthVerifySent
	return frame, nil
}

// HandleVerifyResult finishes the handshake.
func (h *Handshake) HandleVerifyResult(r Response) (AuthGrant, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != AuthVerifySent {
		return AuthGrant{}, fmt.Errorf("%w: verify result in state %s", ErrHandshakeState, h.state)
	}
	switch v := r.(type) {
	case AuthVerifyResult:
		if !v.Success {
			return AuthGrant{}, h.failLocked(fmt.Errorf("%w: coordinator returned success=false", ErrAuthFailed))
		}
		h.state = AuthAuthenticated
		library.LogCLI("Authenticated session key "+h.session.Address.Hex()+" for "+h.root.Address.Hex(), 4)
		return AuthGrant{
			Root:        h.root.Address,
			Session:     h.session.Address,
			Application: h.params.Application,
			Scope:       h.params.Scope,
			Allowances:  append([]Allowance(nil), h.params.Allowances...),
			ExpiresAt:   h.params.ExpiresAt,
			JWT:         v.JWT,
		}, nil
	case ErrorResponse:
		return AuthGrant{}, h.failLocked(fmt.Errorf("%w: %s", ErrAuthFailed, v.Message))
	default:
		return AuthGrant{}, h.failLocked(fmt.Errorf("%w: unexpected %s", ErrAuthFailed, r.Method()))
	}
}

type fixedSignature string

func (f fixedSignature) SignPayload([]byte) (string, error) {
	return string(f), nil
}

// PolicyTypedData is the EIP-712 binding the coordinator re-derives to check the root signature.
// Field names, order and types are the coordinator's contract.
func PolicyTypedData(wallet, sessionKey common.Address, p AuthParams, challenge string) apitypes.TypedData {
	allowances := make([]interface{}, 0, len(p.Allowances))
	for _, a := range p.Allowances {
		allowances = append(allowances, map[string]interface{}{
			"asset":  a.Asset,
			"amount": a.Amount.String(),
		})
	}
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
			},
			"Policy": {
				{Name: "challenge", Type: "string"},
				{Name: "scope", Type: "string"},
				{Name: "wallet", Type: "address"},
				{Name: "session_key", Type: "address"},
				{Name: "expires_at", Type: "uint64"},
				{Name: "allowances", Type: "Allowance[]"},
			},
			"Allowance": {
				{Name: "asset", Type: "string"},
				{Name: "amount", Type: "string"},
			},
		},
		PrimaryType: "Policy",
		Domain:      apitypes.TypedDataDomain{Name: p.Application},
		Message: apitypes.TypedDataMessage{
			"challenge":   challenge,
			"scope":       p.Scope,
			"wallet":      wallet.Hex(),
			"session_key": sessionKey.Hex(),
			"expires_at":  strconv.FormatInt(p.ExpiresAt.Unix(), 10),
			"allowances":  allowances,
		},
	}
}

// AuthTimeouts bounds each wait of the handshake.
type AuthTimeouts struct {
	Challenge time.Duration
	Verify    time.Duration
}

// Authenticate drives h over corr: request, challenge, verify, result. It never retries; a
// retry is a new connection with a new session identity.
func Authenticate(ctx context.Context, t Transport, corr *Correlator, h *Handshake, timeouts AuthTimeouts, now func() time.Time) (AuthGrant, error) {
	frame, err := h.Begin(now())
	if err != nil {
		return AuthGrant{}, err
	}
	challenge := corr.Expect(Match{Methods: []Method{MethodAuthChallenge}})
	if err := t.Send(ctx, frame); err != nil {
		challenge.Cancel()
		return AuthGrant{}, h.Fail(err)
	}
	library.LogCLI("auth_request sent", 3)
	resp, err := challenge.Wait(ctx, timeouts.Challenge)
	if err != nil {
		return AuthGrant{}, h.Fail(handshakeErr(err))
	}
	c, ok := resp.(AuthChallenge)
	if !ok {
		return AuthGrant{}, h.Fail(fmt.Errorf("%w: unexpected %s", ErrAuthFailed, resp.Method()))
	}
	if err := h.HandleChallenge(c); err != nil {
		return AuthGrant{}, err
	}
	frame, err = h.Verify(now())
	if err != nil {
		return AuthGrant{}, err
	}
	verify := corr.Expect(Match{Methods: []Method{MethodAuthVerify}})
	if err := t.Send(ctx, frame); err != nil {
		verify.Cancel()
		return AuthGrant{}, h.Fail(err)
	}
	library.LogCLI("auth_verify sent", 3)
	resp, err = verify.Wait(ctx, timeouts.Verify)
	if err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) {
			return h.HandleVerifyResult(ErrorResponse{Header: Header{ID: rpcErr.RequestID, M: MethodError}, Message: rpcErr.Message})
		}
		return AuthGrant{}, h.Fail(handshakeErr(err))
	}
	return h.HandleVerifyResult(resp)
}

func handshakeErr(err error) error {
	if errors.Is(err, ErrTimeout) {
		return fmt.Errorf("%w: %s", ErrHandshakeTimeout, err.Error())
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s", ErrAuthFailed, rpcErr.Message)
	}
	return err
}

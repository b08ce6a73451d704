package clearnet

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"moltybet/engine/library"
	"moltybet/state/allocation"
)

// Response is one decoded coordinator message. Every method the engine consumes has its own
// type; anything else decodes to UnknownMethod.
type Response interface {
	Method() Method
	RequestID() uint64
}

// SessionReferrer is implemented by responses that name an app session.
type SessionReferrer interface {
	SessionRef() library.AppSessionID
}

type Header struct {
	ID        uint64
	M         Method
	Timestamp int64
}

func (h Header) Method() Method    { return h.M }
func (h Header) RequestID() uint64 { return h.ID }

type AuthChallenge struct {
	Header
	Challenge string
}

type AuthVerifyResult struct {
	Header
	Success    bool
	Address    common.Address
	SessionKey common.Address
	JWT        string
}

type Config struct {
	Header
	BrokerAddress common.Address
}

// SessionStatus is the common body of every app session response.
type SessionStatus struct {
	AppSessionID library.AppSessionID
	Status       string
	Version      uint64
	Allocations  allocation.Allocations
}

func (s SessionStatus) SessionRef() library.AppSessionID { return s.AppSessionID }

type AppSessionCreated struct {
	Header
	SessionStatus
}

type StateSubmitted struct {
	Header
	SessionStatus
}

type AppSessionClosed struct {
	Header
	SessionStatus
}

// AppSessionUpdate is the coordinator's push notification for any session change.
type AppSessionUpdate struct {
	Header
	SessionStatus
}

// AppSessionInfo is one entry of a get_app_sessions listing.
type AppSessionInfo struct {
	AppSessionID library.AppSessionID
	Status       string
	Nonce        uint64
	Version      uint64
	Participants []common.Address
	SessionData  string
	Allocations  allocation.Allocations
}

type AppSessions struct {
	Header
	Sessions []AppSessionInfo
}

type LedgerBalance struct {
	Asset  library.Asset   `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

type LedgerBalances struct {
	Header
	Balances []LedgerBalance
}

type BalanceUpdate struct {
	Header
	Balances []LedgerBalance
}

type Pong struct {
	Header
}

// ErrorResponse is the coordinator's explicit failure message.
type ErrorResponse struct {
	Header
	Message string
}

type UnknownMethod struct {
	Header
	Params json.RawMessage
}

// RPCError surfaces an ErrorResponse to the caller that was waiting.
type RPCError struct {
	RequestID uint64
	Message   string
}

func (e *RPCError) Error() string {
	return "coordinator error: " + e.Message
}

// ParseResponse decodes a {"res":[id, method, params, ts], "sig":[...]} frame.
func ParseResponse(frame []byte) (Response, error) {
	if !gjson.ValidBytes(frame) {
		return nil, fmt.Errorf("%w: not json", ErrMalformedFrame)
	}
	res := gjson.GetBytes(frame, "res")
	if !res.IsArray() {
		// requests echoed back, or anything else that isn't a response
		return nil, fmt.Errorf("%w: no res tuple", ErrMalformedFrame)
	}
	tuple := res.Array()
	if len(tuple) < 3 {
		return nil, fmt.Errorf("%w: res tuple has %d elements", ErrMalformedFrame, len(tuple))
	}
	h := Header{ID: tuple[0].Uint(), M: Method(tuple[1].String())}
	if len(tuple) > 3 {
		h.Timestamp = tuple[3].Int()
	}
	params := tuple[2]
	switch h.M {
	case MethodAuthChallenge:
		return AuthChallenge{Header: h, Challenge: first(params, "challenge_message", "challengeMessage", "challenge").String()}, nil
	case MethodAuthVerify:
		return AuthVerifyResult{
			Header:     h,
			Success:    params.Get("success").Bool(),
			Address:    common.HexToAddress(params.Get("address").String()),
			SessionKey: common.HexToAddress(first(params, "session_key", "sessionKey").String()),
			JWT:        first(params, "jwt_token", "jwtToken").String(),
		}, nil
	case MethodGetConfig:
		return Config{Header: h, BrokerAddress: common.HexToAddress(first(params, "broker_address", "brokerAddress").String())}, nil
	case MethodCreateAppSession:
		return AppSessionCreated{Header: h, SessionStatus: sessionStatus(params)}, nil
	case MethodSubmitAppState:
		return StateSubmitted{Header: h, SessionStatus: sessionStatus(params)}, nil
	case MethodCloseAppSession:
		return AppSessionClosed{Header: h, SessionStatus: sessionStatus(params)}, nil
	case MethodAppSessionUpdate:
		return AppSessionUpdate{Header: h, SessionStatus: sessionStatus(params)}, nil
	case MethodGetAppSessions:
		return AppSessions{Header: h, Sessions: appSessions(params)}, nil
	case MethodGetLedgerBalances:
		return LedgerBalances{Header: h, Balances: balances(params, "ledger_balances", "ledgerBalances")}, nil
	case MethodBalanceUpdate:
		return BalanceUpdate{Header: h, Balances: balances(params, "balance_updates", "balanceUpdates")}, nil
	case MethodPong:
		return Pong{Header: h}, nil
	case MethodError:
		msg := first(params, "error", "message").String()
		if len(msg) == 0 {
			msg = params.Raw
		}
		return ErrorResponse{Header: h, Message: msg}, nil
	default:
		return UnknownMethod{Header: h, Params: json.RawMessage(params.Raw)}, nil
	}
}

// first returns the first of paths present in r. The coordinator has used both snake and
// camel case over time, and some responses nest the session under app_session.
func first(r gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := r.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}

func sessionStatus(params gjson.Result) SessionStatus {
	body := params
	if nested := first(params, "app_session", "appSession"); nested.IsObject() {
		body = nested
	}
	s := SessionStatus{
		AppSessionID: strings.ToLower(first(body, "app_session_id", "appSessionId").String()),
		Status:       body.Get("status").String(),
		Version:      body.Get("version").Uint(),
	}
	if allocs := first(params, "allocations", "participant_allocations", "participantAllocations"); allocs.IsArray() {
		s.Allocations = parseAllocations(allocs)
	}
	return s
}

func appSessions(params gjson.Result) []AppSessionInfo {
	list := params
	if !list.IsArray() {
		list = first(params, "app_sessions", "appSessions")
	}
	var out []AppSessionInfo
	for _, item := range list.Array() {
		info := AppSessionInfo{
			AppSessionID: strings.ToLower(first(item, "app_session_id", "appSessionId").String()),
			Status:       item.Get("status").String(),
			Nonce:        item.Get("nonce").Uint(),
			Version:      item.Get("version").Uint(),
			SessionData:  first(item, "session_data", "sessionData").String(),
		}
		for _, p := range item.Get("participants").Array() {
			info.Participants = append(info.Participants, common.HexToAddress(p.String()))
		}
		if allocs := item.Get("allocations"); allocs.IsArray() {
			info.Allocations = parseAllocations(allocs)
		}
		out = append(out, info)
	}
	return out
}

func balances(params gjson.Result, key, camel string) []LedgerBalance {
	list := params
	if !list.IsArray() {
		list = first(params, key, camel)
	}
	var out []LedgerBalance
	for _, item := range list.Array() {
		amount, err := decimal.NewFromString(item.Get("amount").String())
		if err != nil {
			continue
		}
		out = append(out, LedgerBalance{Asset: first(item, "asset", "symbol").String(), Amount: amount})
	}
	return out
}

func parseAllocations(list gjson.Result) allocation.Allocations {
	var out allocation.Allocations
	for _, item := range list.Array() {
		amount, err := decimal.NewFromString(item.Get("amount").String())
		if err != nil {
			continue
		}
		out = append(out, allocation.Allocation{
			Participant: common.HexToAddress(first(item, "participant", "destination").String()),
			Asset:       item.Get("asset").String(),
			Amount:      amount,
		})
	}
	return out
}

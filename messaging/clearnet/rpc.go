// Package clearnet speaks the NitroRPC protocol to a state channel coordinator: the websocket
// transport, the signed request codec, typed responses, the response correlator and the
// challenge-response authentication that precedes every session operation.
package clearnet

import (
	"encoding/json"
	"errors"
	"fmt"
)

type Method string

const (
	MethodAuthRequest       Method = "auth_request"
	MethodAuthChallenge     Method = "auth_challenge"
	MethodAuthVerify        Method = "auth_verify"
	MethodGetConfig         Method = "get_config"
	MethodCreateAppSession  Method = "create_app_session"
	MethodSubmitAppState    Method = "submit_app_state"
	MethodCloseAppSession   Method = "close_app_session"
	MethodAppSessionUpdate  Method = "asu"
	MethodGetAppSessions    Method = "get_app_sessions"
	MethodGetLedgerBalances Method = "get_ledger_balances"
	MethodBalanceUpdate     Method = "bu"
	MethodPing              Method = "ping"
	MethodPong              Method = "pong"
	MethodError             Method = "error"
)

// notifications are pushed by the coordinator without echoing a request id.
func (m Method) notification() bool {
	return m == MethodAppSessionUpdate || m == MethodBalanceUpdate
}

var ErrMalformedFrame = errors.New("malformed frame")

// PayloadSigner signs the serialised request tuple.
type PayloadSigner interface {
	SignPayload(payload []byte) (string, error)
}

// Request is the [id, method, params, timestamp] tuple every NitroRPC message carries.
type Request struct {
	ID        uint64
	Method    Method
	Params    interface{}
	Timestamp int64
}

func (r Request) MarshalJSON() ([]byte, error) {
	params := r.Params
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal([]interface{}{r.ID, r.Method, params, r.Timestamp})
}

type requestFrame struct {
	Req json.RawMessage `json:"req"`
	Sig []string        `json:"sig"`
}

// EncodeRequest serialises req and, when signer is not nil, signs the exact bytes of the req tuple.
func EncodeRequest(req Request, signer PayloadSigner) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return encodeSigned(payload, signer)
}

func encodeSigned(payload []byte, signer PayloadSigner) ([]byte, error) {
	sigs := []string{}
	if signer != nil {
		sig, err := signer.SignPayload(payload)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return json.Marshal(requestFrame{Req: payload, Sig: sigs})
}

// InboundRequest is a request as the coordinator receives it.
type InboundRequest struct {
	ID        uint64
	Method    Method
	Params    json.RawMessage
	Timestamp int64
	// Payload is the raw req tuple the signatures cover.
	Payload json.RawMessage
	Sigs    []string
}

// DecodeRequest is the coordinator side of EncodeRequest.
func DecodeRequest(frame []byte) (InboundRequest, error) {
	var f requestFrame
	if err := json.Unmarshal(frame, &f); err != nil {
		return InboundRequest{}, fmt.Errorf("%w: %s", ErrMalformedFrame, err.Error())
	}
	var tuple []json.RawMessage
	if err := json.Unmarshal(f.Req, &tuple); err != nil || len(tuple) < 3 {
		return InboundRequest{}, fmt.Errorf("%w: req is not a tuple", ErrMalformedFrame)
	}
	in := InboundRequest{Params: tuple[2], Payload: f.Req, Sigs: f.Sig}
	if err := json.Unmarshal(tuple[0], &in.ID); err != nil {
		return InboundRequest{}, fmt.Errorf("%w: bad id", ErrMalformedFrame)
	}
	if err := json.Unmarshal(tuple[1], &in.Method); err != nil {
		return InboundRequest{}, fmt.Errorf("%w: bad method", ErrMalformedFrame)
	}
	if len(tuple) > 3 {
		_ = json.Unmarshal(tuple[3], &in.Timestamp)
	}
	return in, nil
}

// EncodeResponse builds a {"res":[id, method, params, ts]} frame. signer may be nil.
func EncodeResponse(id uint64, method Method, params interface{}, ts int64, signer PayloadSigner) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	payload, err := json.Marshal([]interface{}{id, method, params, ts})
	if err != nil {
		return nil, err
	}
	sigs := []string{}
	if signer != nil {
		sig, err := signer.SignPayload(payload)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return json.Marshal(struct {
		Res json.RawMessage `json:"res"`
		Sig []string        `json:"sig"`
	}{payload, sigs})
}

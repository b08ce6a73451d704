// Package coordinatortest is an in-memory coordinator that speaks enough NitroRPC to drive the
// handshake, the session lifecycle and the ledger queries in tests.
package coordinatortest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
	"moltybet/state/allocation"
)

// Session is the coordinator's view of one app session.
type Session struct {
	ID           library.AppSessionID
	Nonce        uint64
	Participants []common.Address
	Status       string
	Version      uint64
	Allocations  allocation.Allocations
	SessionData  string
}

// Knobs script misbehaviour. Set them before or between calls.
type Knobs struct {
	FailAuth        bool
	SilentChallenge bool
	OmitSessionID   bool
	// AssignedID overrides the id the coordinator gives the next session.
	AssignedID string
	// ForeignUpdates pushes an asu for an unrelated session, one per status, ahead of the
	// next create_app_session reply.
	ForeignUpdates        []string
	RejectOpen            bool
	SilentOpen            bool
	SilentSubmit          bool
	RejectSubmit          bool
	DropCloseConfirmation bool
	// RejectCloseTimes rejects that many close requests before accepting.
	RejectCloseTimes      int
	ConfirmCloseViaUpdate bool
	// CloseDelay holds the close confirmation back.
	CloseDelay time.Duration
}

type signed struct {
	Method clearnet.Method
	Signer common.Address
}

// Coordinator is safe for concurrent use by several connections.
type Coordinator struct {
	mu       *deadlock.Mutex
	broker   identity.Identity
	knobs    Knobs
	sessions map[library.AppSessionID]*Session
	order    []library.AppSessionID
	balances map[common.Address]map[library.Asset]decimal.Decimal
	counts   map[clearnet.Method]int
	signers  []signed
	conns    []*clearnet.PipeEnd
}

func New() *Coordinator {
	broker, err := identity.GenerateSessionIdentity(identity.Identity{})
	if err != nil {
		panic(err)
	}
	return &Coordinator{
		mu:       &deadlock.Mutex{},
		broker:   broker,
		sessions: make(map[library.AppSessionID]*Session),
		balances: make(map[common.Address]map[library.Asset]decimal.Decimal),
		counts:   make(map[clearnet.Method]int),
	}
}

// Dial satisfies clearnet.Dialer.
func (c *Coordinator) Dial(ctx context.Context, url string) (clearnet.Transport, error) {
	client, server := clearnet.NewPipe()
	c.mu.Lock()
	c.conns = append(c.conns, server)
	c.mu.Unlock()
	go c.serve(server)
	return client, nil
}

func (c *Coordinator) Broker() common.Address {
	return c.broker.Address
}

// Set replaces the knobs.
func (c *Coordinator) Set(k Knobs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knobs = k
}

// Update edits the knobs in place.
func (c *Coordinator) Update(f func(k *Knobs)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f(&c.knobs)
}

// Count is how many requests of method were received.
func (c *Coordinator) Count(method clearnet.Method) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[method]
}

// Signers lists who signed each session-level request, in arrival order.
func (c *Coordinator) Signers(method clearnet.Method) []common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []common.Address
	for _, s := range c.signers {
		if s.Method == method {
			out = append(out, s.Signer)
		}
	}
	return out
}

func (c *Coordinator) Session(id library.AppSessionID) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[strings.ToLower(id)]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// SetBalance sets participant's ledger balance.
func (c *Coordinator) SetBalance(participant common.Address, asset library.Asset, amount decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setBalanceLocked(participant, asset, amount)
}

func (c *Coordinator) setBalanceLocked(participant common.Address, asset library.Asset, amount decimal.Decimal) {
	if c.balances[participant] == nil {
		c.balances[participant] = make(map[library.Asset]decimal.Decimal)
	}
	c.balances[participant][asset] = amount
}

func (c *Coordinator) Balance(participant common.Address, asset library.Asset) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balances[participant][asset]
}

// Disconnect drops every open connection.
func (c *Coordinator) Disconnect() {
	c.mu.Lock()
	conns := c.conns
	c.conns = nil
	c.mu.Unlock()
	for _, end := range conns {
		_ = end.Close()
	}
}

type connState struct {
	wallet        common.Address
	sessionKey    common.Address
	params        clearnet.AuthParams
	challenge     string
	authenticated bool
}

func (c *Coordinator) serve(end *clearnet.PipeEnd) {
	st := &connState{}
	for frame := range end.Frames() {
		in, err := clearnet.DecodeRequest(frame)
		if err != nil {
			c.reply(end, 0, clearnet.MethodError, map[string]string{"error": err.Error()})
			continue
		}
		c.mu.Lock()
		c.counts[in.Method]++
		c.mu.Unlock()
		c.handle(end, st, in)
	}
}

func (c *Coordinator) reply(end *clearnet.PipeEnd, id uint64, method clearnet.Method, params interface{}) {
	frame, err := clearnet.EncodeResponse(id, method, params, time.Now().UnixMilli(), c.broker)
	if err != nil {
		panic(err)
	}
	_ = end.Send(context.Background(), frame)
}

func (c *Coordinator) fail(end *clearnet.PipeEnd, id uint64, msg string) {
	c.reply(end, id, clearnet.MethodError, map[string]string{"error": msg})
}

func (c *Coordinator) handle(end *clearnet.PipeEnd, st *connState, in clearnet.InboundRequest) {
	c.mu.Lock()
	knobs := c.knobs
	c.mu.Unlock()
	switch in.Method {
	case clearnet.MethodAuthRequest:
		c.authRequest(end, st, in, knobs)
		return
	case clearnet.MethodAuthVerify:
		c.authVerify(end, st, in, knobs)
		return
	case clearnet.MethodPing:
		c.reply(end, in.ID, clearnet.MethodPong, nil)
		return
	}
	if !st.authenticated {
		c.fail(end, in.ID, "authentication required")
		return
	}
	if len(in.Sigs) == 0 {
		c.fail(end, in.ID, "missing signature")
		return
	}
	signer, err := identity.RecoverPayloadSigner(in.Payload, in.Sigs[0])
	if err != nil || signer != st.sessionKey {
		c.fail(end, in.ID, "invalid signature")
		return
	}
	c.mu.Lock()
	c.signers = append(c.signers, signed{Method: in.Method, Signer: signer})
	c.mu.Unlock()
	switch in.Method {
	case clearnet.MethodGetConfig:
		c.reply(end, in.ID, clearnet.MethodGetConfig, map[string]string{"broker_address": c.broker.Address.Hex()})
	case clearnet.MethodCreateAppSession:
		c.createAppSession(end, in, knobs)
	case clearnet.MethodSubmitAppState:
		c.submitAppState(end, in, knobs)
	case clearnet.MethodCloseAppSession:
		c.closeAppSession(end, in, knobs)
	case clearnet.MethodGetAppSessions:
		c.getAppSessions(end, in)
	case clearnet.MethodGetLedgerBalances:
		c.getLedgerBalances(end, in)
	default:
		c.fail(end, in.ID, "unsupported method "+string(in.Method))
	}
}

type authRequest struct {
	Address     common.Address       `json:"address"`
	SessionKey  common.Address       `json:"session_key"`
	Application string               `json:"application"`
	Allowances  []clearnet.Allowance `json:"allowances"`
	ExpiresAt   int64                `json:"expires_at"`
	Scope       string               `json:"scope"`
}

func (c *Coordinator) authRequest(end *clearnet.PipeEnd, st *connState, in clearnet.InboundRequest, knobs Knobs) {
	var req authRequest
	if err := json.Unmarshal(in.Params, &req); err != nil {
		c.fail(end, in.ID, "bad auth_request: "+err.Error())
		return
	}
	if time.Unix(req.ExpiresAt, 0).Before(time.Now()) {
		c.fail(end, in.ID, "expired auth request")
		return
	}
	st.wallet = req.Address
	st.sessionKey = req.SessionKey
	st.params = clearnet.AuthParams{
		Application: req.Application,
		Scope:       req.Scope,
		Allowances:  req.Allowances,
		ExpiresAt:   time.Unix(req.ExpiresAt, 0),
	}
	st.challenge = uuid.NewString()
	if knobs.SilentChallenge {
		return
	}
	c.reply(end, in.ID, clearnet.MethodAuthChallenge, map[string]string{"challenge_message": st.challenge})
}

func (c *Coordinator) authVerify(end *clearnet.PipeEnd, st *connState, in clearnet.InboundRequest, knobs Knobs) {
	var req struct {
		Challenge string `json:"challenge"`
	}
	if err := json.Unmarshal(in.Params, &req); err != nil || req.Challenge != st.challenge || len(st.challenge) == 0 {
		c.fail(end, in.ID, "unknown challenge")
		return
	}
	if len(in.Sigs) == 0 {
		c.fail(end, in.ID, "missing signature")
		return
	}
	td := clearnet.PolicyTypedData(st.wallet, st.sessionKey, st.params, st.challenge)
	signer, err := identity.RecoverTypedDataSigner(td, in.Sigs[0])
	if err != nil || signer != st.wallet {
		c.fail(end, in.ID, "invalid policy signature")
		return
	}
	if knobs.FailAuth {
		c.reply(end, in.ID, clearnet.MethodAuthVerify, map[string]interface{}{"success": false})
		return
	}
	st.authenticated = true
	c.reply(end, in.ID, clearnet.MethodAuthVerify, map[string]interface{}{
		"success":     true,
		"address":     st.wallet.Hex(),
		"session_key": st.sessionKey.Hex(),
		"jwt_token":   "jwt-" + st.challenge,
	})
}

type wireAllocation struct {
	Participant common.Address  `json:"participant"`
	Asset       string          `json:"asset"`
	Amount      decimal.Decimal `json:"amount"`
}

func toAllocations(in []wireAllocation) allocation.Allocations {
	out := make(allocation.Allocations, 0, len(in))
	for _, a := range in {
		out = append(out, allocation.Allocation{Participant: a.Participant, Asset: a.Asset, Amount: a.Amount})
	}
	return out
}

func (c *Coordinator) sessionBody(s *Session) map[string]interface{} {
	return map[string]interface{}{
		"app_session_id": s.ID,
		"status":         s.Status,
		"version":        s.Version,
		"allocations":    s.Allocations,
	}
}

func (c *Coordinator) createAppSession(end *clearnet.PipeEnd, in clearnet.InboundRequest, knobs Knobs) {
	var req struct {
		Definition struct {
			Participants []common.Address `json:"participants"`
			Weights      []int64          `json:"weights"`
			Quorum       int64            `json:"quorum"`
			Nonce        uint64           `json:"nonce"`
		} `json:"definition"`
		Allocations []wireAllocation `json:"allocations"`
	}
	if err := json.Unmarshal(in.Params, &req); err != nil {
		c.fail(end, in.ID, "bad create_app_session: "+err.Error())
		return
	}
	if knobs.RejectOpen {
		c.fail(end, in.ID, "insufficient funds")
		return
	}
	allocs := toAllocations(req.Allocations)
	if err := allocs.Validate(); err != nil {
		c.fail(end, in.ID, err.Error())
		return
	}
	c.mu.Lock()
	for _, s := range c.sessions {
		if s.Nonce == req.Definition.Nonce {
			c.mu.Unlock()
			c.fail(end, in.ID, "duplicate nonce")
			return
		}
	}
	id := strings.ToLower(knobs.AssignedID)
	if len(id) == 0 {
		id = strings.ToLower(common.BytesToHash(uuidBytes()).Hex())
	}
	s := &Session{
		ID:           id,
		Nonce:        req.Definition.Nonce,
		Participants: req.Definition.Participants,
		Status:       "open",
		Version:      1,
		Allocations:  allocs,
	}
	c.sessions[id] = s
	c.order = append(c.order, id)
	body := c.sessionBody(s)
	c.knobs.AssignedID = ""
	c.knobs.ForeignUpdates = nil
	c.mu.Unlock()
	for _, status := range knobs.ForeignUpdates {
		c.reply(end, 0, clearnet.MethodAppSessionUpdate, map[string]interface{}{
			"app_session_id": strings.ToLower(common.BytesToHash(uuidBytes()).Hex()),
			"status":         status,
			"version":        2,
		})
	}
	if knobs.SilentOpen {
		return
	}
	if knobs.OmitSessionID {
		delete(body, "app_session_id")
	}
	c.reply(end, in.ID, clearnet.MethodCreateAppSession, body)
}

func uuidBytes() []byte {
	u := uuid.New()
	return u[:]
}

type sessionUpdate struct {
	AppSessionID string           `json:"app_session_id"`
	Allocations  []wireAllocation `json:"allocations"`
	SessionData  string           `json:"session_data"`
}

func (c *Coordinator) submitAppState(end *clearnet.PipeEnd, in clearnet.InboundRequest, knobs Knobs) {
	var req sessionUpdate
	if err := json.Unmarshal(in.Params, &req); err != nil {
		c.fail(end, in.ID, "bad submit_app_state: "+err.Error())
		return
	}
	if knobs.RejectSubmit {
		c.fail(end, in.ID, "state rejected")
		return
	}
	c.mu.Lock()
	s, ok := c.sessions[strings.ToLower(req.AppSessionID)]
	if !ok || s.Status != "open" {
		c.mu.Unlock()
		c.fail(end, in.ID, "no open session "+req.AppSessionID)
		return
	}
	allocs := toAllocations(req.Allocations)
	if err := allocs.Conserves(s.Allocations.Totals()); err != nil {
		c.mu.Unlock()
		c.fail(end, in.ID, err.Error())
		return
	}
	s.Allocations = allocs
	s.SessionData = req.SessionData
	s.Version++
	body := c.sessionBody(s)
	c.mu.Unlock()
	if knobs.SilentSubmit {
		return
	}
	c.reply(end, in.ID, clearnet.MethodSubmitAppState, body)
}

func (c *Coordinator) closeAppSession(end *clearnet.PipeEnd, in clearnet.InboundRequest, knobs Knobs) {
	var req sessionUpdate
	if err := json.Unmarshal(in.Params, &req); err != nil {
		c.fail(end, in.ID, "bad close_app_session: "+err.Error())
		return
	}
	c.mu.Lock()
	if c.knobs.RejectCloseTimes > 0 {
		c.knobs.RejectCloseTimes--
		c.mu.Unlock()
		c.fail(end, in.ID, "close rejected")
		return
	}
	s, ok := c.sessions[strings.ToLower(req.AppSessionID)]
	if !ok {
		c.mu.Unlock()
		c.fail(end, in.ID, "unknown session "+req.AppSessionID)
		return
	}
	if s.Status != "open" {
		c.mu.Unlock()
		c.fail(end, in.ID, fmt.Sprintf("session %s is %s", s.ID, s.Status))
		return
	}
	allocs := toAllocations(req.Allocations)
	if err := allocs.Conserves(s.Allocations.Totals()); err != nil {
		c.mu.Unlock()
		c.fail(end, in.ID, err.Error())
		return
	}
	s.Allocations = allocs
	s.Status = "closed"
	s.Version++
	if len(req.SessionData) > 0 {
		s.SessionData = req.SessionData
	}
	for _, a := range allocs {
		bal := c.balances[a.Participant][a.Asset]
		c.setBalanceLocked(a.Participant, a.Asset, bal.Add(a.Amount))
	}
	body := c.sessionBody(s)
	c.mu.Unlock()
	if knobs.DropCloseConfirmation {
		return
	}
	if knobs.CloseDelay > 0 {
		time.Sleep(knobs.CloseDelay)
	}
	if knobs.ConfirmCloseViaUpdate {
		c.reply(end, 0, clearnet.MethodAppSessionUpdate, body)
		return
	}
	c.reply(end, in.ID, clearnet.MethodCloseAppSession, body)
}

func (c *Coordinator) getAppSessions(end *clearnet.PipeEnd, in clearnet.InboundRequest) {
	var req struct {
		Participant common.Address `json:"participant"`
		Status      string         `json:"status"`
	}
	_ = json.Unmarshal(in.Params, &req)
	c.mu.Lock()
	list := []map[string]interface{}{}
	for _, id := range c.order {
		s := c.sessions[id]
		if len(req.Status) > 0 && s.Status != req.Status {
			continue
		}
		member := false
		for _, p := range s.Participants {
			member = member || p == req.Participant
		}
		if !member {
			continue
		}
		list = append(list, map[string]interface{}{
			"app_session_id": s.ID,
			"status":         s.Status,
			"nonce":          s.Nonce,
			"version":        s.Version,
			"participants":   s.Participants,
			"session_data":   s.SessionData,
			"allocations":    s.Allocations,
		})
	}
	c.mu.Unlock()
	c.reply(end, in.ID, clearnet.MethodGetAppSessions, map[string]interface{}{"app_sessions": list})
}

func (c *Coordinator) getLedgerBalances(end *clearnet.PipeEnd, in clearnet.InboundRequest) {
	var req struct {
		Participant common.Address `json:"participant"`
	}
	_ = json.Unmarshal(in.Params, &req)
	c.mu.Lock()
	list := []map[string]string{}
	for asset, amount := range c.balances[req.Participant] {
		list = append(list, map[string]string{"asset": asset, "amount": amount.String()})
	}
	c.mu.Unlock()
	c.reply(end, in.ID, clearnet.MethodGetLedgerBalances, map[string]interface{}{"ledger_balances": list})
}

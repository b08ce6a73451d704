package appsession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sasha-s/go-deadlock"
	"github.com/shopspring/decimal"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
)

// Coordinator is the authenticated connection a Controller sends through. *clearnet.Conn
// satisfies it; every Call is signed by the connection's session identity.
type Coordinator interface {
	Call(ctx context.Context, method clearnet.Method, params interface{}, match clearnet.Match, timeout time.Duration) (clearnet.Response, error)
	Grant() clearnet.AuthGrant
	Broker() common.Address
	AppSessions(ctx context.Context, participant common.Address, status string) ([]clearnet.AppSessionInfo, error)
}

type Timeouts struct {
	Open   time.Duration
	Submit time.Duration
	Close  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{Open: 15 * time.Second, Submit: 8 * time.Second, Close: 12 * time.Second}
}

type Options struct {
	Timeouts Timeouts
	// Nonces, when set, refuses definitions whose nonce does not advance for the pair.
	Nonces *Nonces
	Now    func() time.Time
}

// Controller owns one session over one connection. Operations are serialised; a call made while
// another is in flight, or out of order, fails with ErrInvalidState without sending anything.
type Controller struct {
	mu       *deadlock.Mutex
	coord    Coordinator
	opts     Options
	state    State
	busy     bool
	handle   Handle
	original Allocations
	current  Allocations
	result   *CloseResult
	pending  Allocations
}

func NewController(coord Coordinator, opts Options) *Controller {
	if opts.Timeouts == (Timeouts{}) {
		opts.Timeouts = DefaultTimeouts()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		mu:    &deadlock.Mutex{},
		coord: coord,
		opts:  opts,
		state: Created,
	}
}

// Resume attaches a new connection to a session opened earlier, in Active state.
func Resume(coord Coordinator, handle Handle, opts Options) *Controller {
	c := NewController(coord, opts)
	c.state = Active
	c.handle = handle
	c.original = handle.Allocations.Clone()
	c.current = handle.Allocations.Clone()
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Handle() Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	h := c.handle
	h.Allocations = c.current.Clone()
	return h
}

// acquire marks the controller busy if it is in one of states.
func (c *Controller) acquire(op string, states ...State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return fmt.Errorf("%w: %s while another operation is in flight", ErrInvalidState, op)
	}
	for _, s := range states {
		if c.state == s {
			c.busy = true
			return nil
		}
	}
	return fmt.Errorf("%w: %s in state %s", ErrInvalidState, op, c.state)
}

func (c *Controller) release(next State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = next
	c.busy = false
}

// Open sends create_app_session signed by the session identity. Created → Active on success,
// Created → Aborted on failure.
func (c *Controller) Open(ctx context.Context, def Definition, initial Allocations) (Handle, error) {
	if err := c.acquire("open", Created); err != nil {
		return Handle{}, err
	}
	handle, err := c.open(ctx, def, initial)
	if err != nil {
		c.release(Aborted)
		return Handle{}, err
	}
	c.mu.Lock()
	c.handle = handle
	c.original = initial.Clone()
	c.current = initial.Clone()
	c.mu.Unlock()
	c.release(Active)
	return handle, nil
}

func (c *Controller) open(ctx context.Context, def Definition, initial Allocations) (Handle, error) {
	if err := def.Validate(); err != nil {
		return Handle{}, err
	}
	if err := c.checkAllocation(def, initial); err != nil {
		return Handle{}, err
	}
	grant := c.coord.Grant()
	if !grant.Valid(c.opts.Now()) {
		return Handle{}, fmt.Errorf("%w: session key grant expired", clearnet.ErrNotAuthenticated)
	}
	for asset, amount := range userTotals(initial, def.User()) {
		if err := grant.Allows(asset, amount); err != nil {
			return Handle{}, err
		}
	}
	if c.opts.Nonces != nil {
		if err := c.opts.Nonces.Observe(def.User(), def.Broker(), def.Nonce); err != nil {
			return Handle{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
		}
	}
	resp, err := c.coord.Call(ctx, clearnet.MethodCreateAppSession, map[string]interface{}{
		"definition":  def,
		"allocations": initial,
	}, clearnet.Match{
		Methods:  []clearnet.Method{clearnet.MethodCreateAppSession, clearnet.MethodAppSessionUpdate},
		Statuses: []string{"open"},
	}, c.opts.Timeouts.Open)
	if err != nil {
		var rpcErr *clearnet.RPCError
		if errors.As(err, &rpcErr) {
			library.LogCLI("create_app_session rejected: "+rpcErr.Message, 2)
			return Handle{}, fmt.Errorf("%w: %s", ErrOpenRejected, rpcErr.Message)
		}
		library.LogCLI("create_app_session unconfirmed: "+err.Error(), 2)
		return Handle{}, fmt.Errorf("%w: %s", ErrOpenTimeout, err.Error())
	}
	handle := Handle{Definition: def, Allocations: initial.Clone()}
	if ref, ok := resp.(clearnet.SessionReferrer); ok {
		handle.ID = ref.SessionRef()
	}
	// asu carries no request id, so the session it names may belong to another open.
	if _, ok := resp.(clearnet.AppSessionUpdate); ok && len(handle.ID) > 0 {
		library.LogCLI("open confirmed by asu for "+handle.ID+", checking the nonce", 3)
		handle.ID = ""
	}
	if len(handle.ID) == 0 {
		handle.ID = FallbackSessionID(def.Nonce)
		handle.Provisional = true
		library.LogCLI("no verified session id, assuming "+handle.ID, 2)
		if info, err := c.findByNonce(ctx, def); err == nil {
			handle.ID = info.AppSessionID
			handle.Provisional = false
			library.LogCLI("reconciled session id "+handle.ID+" from nonce", 3)
		} else {
			library.LogCLI("could not reconcile provisional session id: "+err.Error(), 2)
		}
	}
	library.LogCLI(fmt.Sprintf("Opened app session %s (nonce %d)", handle.ID, def.Nonce), 4)
	return handle, nil
}

func (c *Controller) findByNonce(ctx context.Context, def Definition) (clearnet.AppSessionInfo, error) {
	list, err := c.coord.AppSessions(ctx, def.User(), "")
	if err != nil {
		return clearnet.AppSessionInfo{}, err
	}
	for _, info := range list {
		if info.Nonce == def.Nonce && len(info.AppSessionID) > 0 {
			return info, nil
		}
	}
	return clearnet.AppSessionInfo{}, fmt.Errorf("%w: no session with nonce %d", ErrSessionNotFound, def.Nonce)
}

func userTotals(a Allocations, user common.Address) map[library.Asset]decimal.Decimal {
	out := make(map[library.Asset]decimal.Decimal)
	for _, entry := range a {
		if entry.Participant == user {
			out[entry.Asset] = out[entry.Asset].Add(entry.Amount)
		}
	}
	return out
}

func (c *Controller) checkAllocation(def Definition, a Allocations) error {
	if err := a.Validate(); err != nil {
		return err
	}
	for _, entry := range a {
		if entry.Participant != def.Participants[0] && entry.Participant != def.Participants[1] {
			return fmt.Errorf("%w: %s is not a participant", ErrInvalidAllocation, entry.Participant.Hex())
		}
	}
	return nil
}

// SubmitState sends an advisory update. No acknowledgement within the bound is a soft success;
// an explicit rejection returns ErrSubmitRejected and the session stays Active.
func (c *Controller) SubmitState(ctx context.Context, next Allocations, sessionData string) (Ack, error) {
	if err := c.acquire("submit_state", Active); err != nil {
		return Ack{}, err
	}
	defer c.release(Active)
	c.mu.Lock()
	handle, original := c.handle, c.original
	c.mu.Unlock()
	if err := c.checkAllocation(handle.Definition, next); err != nil {
		return Ack{}, err
	}
	if err := next.Conserves(original.Totals()); err != nil {
		return Ack{}, err
	}
	resp, err := c.coord.Call(ctx, clearnet.MethodSubmitAppState, map[string]interface{}{
		"app_session_id": handle.ID,
		"allocations":    next,
		"session_data":   sessionData,
	}, c.sessionMatch(handle, clearnet.MethodSubmitAppState), c.opts.Timeouts.Submit)
	if err != nil {
		var rpcErr *clearnet.RPCError
		if errors.As(err, &rpcErr) {
			library.LogCLI("submit_app_state rejected: "+rpcErr.Message, 2)
			return Ack{}, fmt.Errorf("%w: %s", ErrSubmitRejected, rpcErr.Message)
		}
		if errors.Is(err, clearnet.ErrTimeout) {
			library.LogCLI("submit_app_state for "+handle.ID+" not acknowledged, continuing", 2)
			c.setCurrent(next)
			return Ack{}, nil
		}
		return Ack{}, err
	}
	c.setCurrent(next)
	ack := Ack{Acknowledged: true}
	if s, ok := resp.(clearnet.StateSubmitted); ok {
		ack.Version = s.Version
	}
	return ack, nil
}

func (c *Controller) setCurrent(a Allocations) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = a.Clone()
}

func (c *Controller) sessionMatch(handle Handle, methods ...clearnet.Method) clearnet.Match {
	m := clearnet.Match{Methods: methods}
	if !handle.Provisional {
		m.AppSessionID = handle.ID
	}
	return m
}

// Close sends the final allocation. A second Close after a confirmed one returns the cached
// result without sending. A close without confirmation moves to Uncertain; Refresh must run
// before anything else is sent.
func (c *Controller) Close(ctx context.Context, final Allocations, sessionData string) (CloseResult, error) {
	c.mu.Lock()
	if c.state == Closed && c.result != nil && !c.busy {
		result := *c.result
		c.mu.Unlock()
		return result, nil
	}
	if c.state == Uncertain {
		c.mu.Unlock()
		return CloseResult{}, fmt.Errorf("%w: refresh the session status first", ErrCloseUncertain)
	}
	c.mu.Unlock()
	if err := c.acquire("close", Active); err != nil {
		return CloseResult{}, err
	}
	c.mu.Lock()
	handle, original := c.handle, c.original
	c.mu.Unlock()
	if err := c.checkAllocation(handle.Definition, final); err != nil {
		c.release(Active)
		return CloseResult{}, err
	}
	if err := final.Conserves(original.Totals()); err != nil {
		c.release(Active)
		return CloseResult{}, err
	}
	params := map[string]interface{}{
		"app_session_id": handle.ID,
		"allocations":    final,
	}
	if len(sessionData) > 0 {
		params["session_data"] = sessionData
	}
	match := c.sessionMatch(handle, clearnet.MethodCloseAppSession, clearnet.MethodAppSessionUpdate)
	match.Statuses = []string{"closed"}
	resp, err := c.coord.Call(ctx, clearnet.MethodCloseAppSession, params, match, c.opts.Timeouts.Close)
	if err != nil {
		var rpcErr *clearnet.RPCError
		if errors.As(err, &rpcErr) {
			library.LogCLI("close_app_session rejected: "+rpcErr.Message, 2)
			c.release(Active)
			return CloseResult{}, fmt.Errorf("%w: %s", ErrCloseRejected, rpcErr.Message)
		}
		library.LogCLI("close_app_session for "+handle.ID+" unconfirmed: "+err.Error(), 2)
		c.mu.Lock()
		c.pending = final.Clone()
		c.mu.Unlock()
		c.release(Uncertain)
		return CloseResult{}, fmt.Errorf("%w: %s", ErrCloseUncertain, err.Error())
	}
	result := CloseResult{AppSessionID: handle.ID, Allocations: final.Clone(), ConfirmedBy: resp.Method()}
	switch v := resp.(type) {
	case clearnet.AppSessionClosed:
		result.Version = v.Version
		if len(v.Allocations) > 0 {
			result.Allocations = v.Allocations
		}
	case clearnet.AppSessionUpdate:
		result.Version = v.Version
		if len(v.Allocations) > 0 {
			result.Allocations = v.Allocations
		}
	}
	c.finish(result)
	library.LogCLI("Closed app session "+handle.ID, 4)
	return result, nil
}

func (c *Controller) finish(result CloseResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = &result
	c.current = result.Allocations.Clone()
	c.pending = nil
	c.state = Closed
	c.busy = false
}

// Refresh asks the coordinator for the session's status. It reconciles a provisional id, and
// is the only way out of Uncertain: to Closed if the close landed, back to Active otherwise.
func (c *Controller) Refresh(ctx context.Context) (State, error) {
	if err := c.acquire("refresh", Active, Uncertain, Closed); err != nil {
		return c.State(), err
	}
	c.mu.Lock()
	handle, state, pending := c.handle, c.state, c.pending
	c.mu.Unlock()
	list, err := c.coord.AppSessions(ctx, handle.Definition.User(), "")
	if err != nil {
		c.release(state)
		return state, err
	}
	var found *clearnet.AppSessionInfo
	for i := range list {
		if strings.EqualFold(list[i].AppSessionID, handle.ID) {
			found = &list[i]
			break
		}
		if handle.Provisional && list[i].Nonce == handle.Definition.Nonce {
			found = &list[i]
		}
	}
	if found == nil {
		c.release(state)
		return state, fmt.Errorf("%w: %s", ErrSessionNotFound, handle.ID)
	}
	if handle.Provisional {
		c.mu.Lock()
		c.handle.ID = found.AppSessionID
		c.handle.Provisional = false
		c.mu.Unlock()
		library.LogCLI("reconciled provisional session id "+handle.ID+" to "+found.AppSessionID, 3)
	}
	switch {
	case found.Status == "closed" && state != Closed:
		result := CloseResult{AppSessionID: found.AppSessionID, Version: found.Version, Allocations: found.Allocations, ConfirmedBy: clearnet.MethodGetAppSessions}
		if len(result.Allocations) == 0 {
			result.Allocations = pending
		}
		c.finish(result)
		library.LogCLI("session "+found.AppSessionID+" is closed on the coordinator", 3)
		return Closed, nil
	case found.Status == "open" && state == Uncertain:
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
		c.release(Active)
		library.LogCLI("session "+found.AppSessionID+" is still open, close may be retried", 3)
		return Active, nil
	}
	c.release(state)
	return state, nil
}

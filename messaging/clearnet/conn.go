package clearnet

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"moltybet/engine/identity"
	"moltybet/engine/library"
)

var ErrNotAuthenticated = errors.New("connection is not authenticated")

// ConnConfig is what a Conn needs beyond the two identities.
type ConnConfig struct {
	URL          string
	Application  string
	Scope        string
	Allowances   []Allowance
	AuthExpiry   time.Duration
	DialTimeout  time.Duration
	AuthTimeouts AuthTimeouts
	QueryTimeout time.Duration
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (c ConnConfig) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Conn is an authenticated coordinator connection. Every request it sends is signed by the
// session identity.
type Conn struct {
	cfg       ConnConfig
	transport Transport
	corr      *Correlator
	root      identity.Identity
	session   identity.Identity
	grant     AuthGrant
	broker    common.Address
	nextID    uint64
}

// Connect dials url, authenticates session on behalf of root and fetches the broker address.
func Connect(ctx context.Context, dial Dialer, cfg ConnConfig, root, session identity.Identity) (*Conn, error) {
	if root.IsZero() || session.IsZero() {
		return nil, fmt.Errorf("%w: root and session identities are required", identity.ErrInvalidSecret)
	}
	dialCtx := ctx
	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	t, err := dial(dialCtx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.URL, err)
	}
	c := &Conn{
		cfg:       cfg,
		transport: t,
		corr:      NewCorrelator(t),
		root:      root,
		session:   session,
		nextID:    uint64(cfg.now().UnixMilli()),
	}
	h := NewHandshake(root, session, AuthParams{
		Application: cfg.Application,
		Scope:       cfg.Scope,
		Allowances:  cfg.Allowances,
		ExpiresAt:   cfg.now().Add(cfg.AuthExpiry),
	}, c.newID)
	c.grant, err = Authenticate(ctx, t, c.corr, h, cfg.AuthTimeouts, cfg.now)
	if err != nil {
		_ = t.Close()
		return nil, err
	}
	resp, err := c.Call(ctx, MethodGetConfig, nil, Match{Methods: []Method{MethodGetConfig}}, cfg.QueryTimeout)
	if err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("get_config: %w", err)
	}
	conf, ok := resp.(Config)
	if !ok || conf.BrokerAddress == (common.Address{}) {
		_ = t.Close()
		return nil, fmt.Errorf("get_config: %w: no broker address", ErrMalformedFrame)
	}
	c.broker = conf.BrokerAddress
	library.LogCLI("Connected to "+cfg.URL+", broker "+c.broker.Hex(), 4)
	return c, nil
}

func (c *Conn) newID() uint64 {
	return atomic.AddUint64(&c.nextID, 1)
}

// Call sends a session-signed request and waits for the response match describes. A zero
// match.RequestID is filled with the id of the request being sent.
func (c *Conn) Call(ctx context.Context, method Method, params interface{}, match Match, timeout time.Duration) (Response, error) {
	if !c.grant.Valid(c.cfg.now()) {
		return nil, fmt.Errorf("%w: grant expired or missing", ErrNotAuthenticated)
	}
	id := c.newID()
	frame, err := EncodeRequest(Request{ID: id, Method: method, Params: params, Timestamp: c.cfg.now().UnixMilli()}, c.session)
	if err != nil {
		return nil, err
	}
	if match.RequestID == 0 {
		match.RequestID = id
	}
	if len(match.Methods) == 0 {
		match.Methods = []Method{method}
	}
	pending := c.corr.Expect(match)
	if err := c.transport.Send(ctx, frame); err != nil {
		pending.Cancel()
		return nil, err
	}
	library.LogCLI(fmt.Sprintf("%s sent (id %d)", method, id), 5)
	return pending.Wait(ctx, timeout)
}

// AppSessions lists the coordinator's sessions for participant, optionally filtered by status.
func (c *Conn) AppSessions(ctx context.Context, participant common.Address, status string) ([]AppSessionInfo, error) {
	params := map[string]interface{}{"participant": participant.Hex()}
	if len(status) > 0 {
		params["status"] = status
	}
	resp, err := c.Call(ctx, MethodGetAppSessions, params, Match{}, c.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	list, ok := resp.(AppSessions)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", ErrMalformedFrame, resp.Method())
	}
	return list.Sessions, nil
}

// LedgerBalances reads participant's unified balance per asset.
func (c *Conn) LedgerBalances(ctx context.Context, participant common.Address) ([]LedgerBalance, error) {
	resp, err := c.Call(ctx, MethodGetLedgerBalances, map[string]interface{}{"participant": participant.Hex()}, Match{}, c.cfg.QueryTimeout)
	if err != nil {
		return nil, err
	}
	list, ok := resp.(LedgerBalances)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", ErrMalformedFrame, resp.Method())
	}
	return list.Balances, nil
}

func (c *Conn) Root() identity.Identity    { return c.root }
func (c *Conn) Session() identity.Identity { return c.session }
func (c *Conn) Grant() AuthGrant           { return c.grant }
func (c *Conn) Broker() common.Address     { return c.broker }

// Discarded counts inbound messages no request was waiting for.
func (c *Conn) Discarded() int { return c.corr.Discarded() }

// Done is closed when the connection drops.
func (c *Conn) Done() <-chan struct{} { return c.corr.Done() }

func (c *Conn) Close() error {
	return c.transport.Close()
}

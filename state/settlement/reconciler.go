// Package settlement opens prediction markets as app sessions and settles them: it turns an
// outcome into a final allocation, closes the session and checks the ledger caught up.
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"moltybet/engine/identity"
	"moltybet/engine/library"
	"moltybet/messaging/clearnet"
	"moltybet/messaging/oracle"
	"moltybet/messaging/relays"
	"moltybet/state/appsession"
	"moltybet/state/markets"
)

var ErrSettlementPending = errors.New("ledger does not reflect the close yet")

// fallbackTarget is used when no target is given and no price can be fetched.
var fallbackTarget = decimal.NewFromInt(3500)

// Custody reads a participant's on-chain custody balance in ledger base units.
type Custody interface {
	Balance(ctx context.Context, account common.Address) (decimal.Decimal, error)
}

type Options struct {
	Conn     clearnet.ConnConfig
	Dial     clearnet.Dialer
	Protocol string
	// Asset is the ledger asset every bet is denominated in.
	Asset          library.Asset
	Timeouts       appsession.Timeouts
	DefaultAsset   string
	DefaultAmount  decimal.Decimal
	Multiplier     decimal.Decimal
	Expiry         time.Duration
	PollInterval   time.Duration
	SettlementWait time.Duration
	Now            func() time.Time
}

// Reconciler is shared by every request; each market operation gets its own connection.
type Reconciler struct {
	opts      Options
	store     *markets.Store
	prices    oracle.Source
	root      identity.Identity
	session   identity.Identity
	nonces    *appsession.Nonces
	announcer *relays.Announcer
	custody   Custody
}

func New(opts Options, store *markets.Store, prices oracle.Source, root, session identity.Identity) *Reconciler {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Conn.Now == nil {
		opts.Conn.Now = opts.Now
	}
	if opts.Timeouts == (appsession.Timeouts{}) {
		opts.Timeouts = appsession.DefaultTimeouts()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Multiplier.IsZero() {
		opts.Multiplier = decimal.NewFromInt(2)
	}
	if opts.Expiry <= 0 {
		opts.Expiry = 24 * time.Hour
	}
	return &Reconciler{
		opts:    opts,
		store:   store,
		prices:  prices,
		root:    root,
		session: session,
		nonces:  appsession.NewNonces(),
	}
}

// SetAnnouncer publishes open and resolve notices through a. A nil announcer is silent.
func (r *Reconciler) SetAnnouncer(a *relays.Announcer) {
	r.announcer = a
}

// SetCustody makes VerifySettlement and Balances read on-chain custody as well.
func (r *Reconciler) SetCustody(c Custody) {
	r.custody = c
}

func (r *Reconciler) Store() *markets.Store {
	return r.store
}

// Markets lists every market, marking the ones past their window as expired first.
func (r *Reconciler) Markets() ([]markets.Market, error) {
	if _, err := r.store.ExpireOpen(r.opts.Now()); err != nil {
		return nil, err
	}
	return r.store.List()
}

func (r *Reconciler) Market(id library.MarketID) (markets.Market, error) {
	return r.store.Get(id)
}

func (r *Reconciler) Root() identity.Identity {
	return r.root
}

func (r *Reconciler) connect(ctx context.Context) (*clearnet.Conn, error) {
	return clearnet.Connect(ctx, r.opts.Dial, r.opts.Conn, r.root, r.session)
}

func (r *Reconciler) controllerOptions() appsession.Options {
	return appsession.Options{Timeouts: r.opts.Timeouts, Nonces: r.nonces, Now: r.opts.Now}
}

// Price is the current quote for asset.
func (r *Reconciler) Price(ctx context.Context, asset string) (oracle.Quote, error) {
	if r.prices == nil {
		return oracle.Quote{}, fmt.Errorf("%w: no price sources configured", oracle.ErrPriceUnavailable)
	}
	return r.prices.Price(ctx, asset)
}

// OpenRequest is a new bet. Zero fields take the configured defaults.
type OpenRequest struct {
	Question      string              `json:"question,omitempty"`
	Asset         string              `json:"asset,omitempty"`
	Direction     string              `json:"direction,omitempty"`
	TargetPrice   decimal.NullDecimal `json:"targetPrice"`
	Amount        decimal.NullDecimal `json:"amount"`
	Multiplier    decimal.NullDecimal `json:"multiplier"`
	ExpirySeconds int64               `json:"expirySeconds,omitempty"`
}

// Prediction fills req's defaults. A missing target is derived from the current price.
func (r *Reconciler) Prediction(ctx context.Context, req OpenRequest) (markets.Prediction, error) {
	direction, err := markets.ParseDirection(req.Direction)
	if err != nil {
		return markets.Prediction{}, err
	}
	now := r.opts.Now()
	p := markets.Prediction{
		ID:         markets.NewID(),
		Question:   req.Question,
		Asset:      req.Asset,
		Direction:  direction,
		Amount:     r.opts.DefaultAmount,
		Multiplier: r.opts.Multiplier,
		CreatedAt:  now,
		ExpiresAt:  now.Add(r.opts.Expiry),
	}
	if len(p.Asset) == 0 {
		p.Asset = r.opts.DefaultAsset
	}
	if req.Amount.Valid {
		p.Amount = req.Amount.Decimal
	}
	if req.Multiplier.Valid {
		p.Multiplier = req.Multiplier.Decimal
	}
	if req.ExpirySeconds > 0 {
		p.ExpiresAt = now.Add(time.Duration(req.ExpirySeconds) * time.Second)
	}
	if req.TargetPrice.Valid {
		p.TargetPrice = req.TargetPrice.Decimal
	} else {
		q, err := r.Price(ctx, p.Asset)
		if err != nil {
			library.LogCLI(fmt.Sprintf("no price for %s, using target %s: %s", p.Asset, fallbackTarget, err.Error()), 2)
			p.TargetPrice = fallbackTarget
		} else {
			p.TargetPrice = markets.DefaultTarget(q.Price, direction).Round(2)
		}
	}
	p.EntryPrice = markets.EntryPrice(p.TargetPrice, direction)
	if len(p.Question) == 0 {
		p.Question = markets.Question(p.Asset, direction, p.TargetPrice)
	}
	return p, p.Validate()
}

func sessionData(p markets.Prediction, extra map[string]string) string {
	data := p.SessionData()
	for k, v := range extra {
		data[k] = v
	}
	b, err := json.Marshal(data)
	if err != nil {
		library.LogCLI(err, 1)
		return ""
	}
	return string(b)
}

// OpenMarket opens a session for req and records it. A session that fails to open is still
// recorded, as open_failed, and the error is returned with the record.
func (r *Reconciler) OpenMarket(ctx context.Context, req OpenRequest) (markets.Market, error) {
	p, err := r.Prediction(ctx, req)
	if err != nil {
		return markets.Market{}, err
	}
	conn, err := r.connect(ctx)
	if err != nil {
		return markets.Market{}, err
	}
	defer conn.Close()

	user, broker := r.root.Address, conn.Broker()
	def := appsession.NewDefinition(r.opts.Conn.Application, r.opts.Protocol, user, broker, r.nonces.Next(user, broker, r.opts.Now()))
	initial := appsession.Allocations{
		{Participant: user, Asset: r.opts.Asset, Amount: p.Amount},
		{Participant: broker, Asset: r.opts.Asset, Amount: markets.CounterpartyStake(p.Amount, p.Multiplier)},
	}
	m := markets.Market{
		ID:          p.ID,
		Prediction:  p,
		Definition:  def,
		Allocations: initial,
		CreatedAt:   p.CreatedAt,
	}
	ctrl := appsession.NewController(conn, r.controllerOptions())
	handle, openErr := ctrl.Open(ctx, def, initial)
	if openErr != nil {
		m.Status = markets.StatusOpenFailed
		m.Error = openErr.Error()
		if _, err := r.store.Create(m); err != nil {
			library.LogCLI("could not record failed market: "+err.Error(), 1)
		}
		return m, openErr
	}
	ack, err := ctrl.SubmitState(ctx, initial, sessionData(p, nil))
	switch {
	case err != nil:
		library.LogCLI("prediction state not accepted, the session stays open: "+err.Error(), 2)
	case !ack.Acknowledged:
		library.LogCLI("prediction state submitted without acknowledgement", 3)
	}
	handle = ctrl.Handle()
	m.Status = markets.StatusOpen
	m.AppSessionID = handle.ID
	m.Provisional = handle.Provisional
	m, err = r.store.Create(m)
	if err != nil {
		return m, fmt.Errorf("session %s is open but could not be recorded: %w", handle.ID, err)
	}
	r.announcer.MarketOpened(ctx, m)
	return m, nil
}

// ResolveMarket settles market id, by outcome when given, otherwise by the current price. A
// market that is already resolved is returned as stored and nothing is sent.
func (r *Reconciler) ResolveMarket(ctx context.Context, id library.MarketID, outcome *markets.Outcome) (markets.Market, error) {
	m, started, err := r.store.BeginResolution(id)
	if err != nil {
		return m, err
	}
	if !started {
		library.LogCLI("market "+id+" is already resolved", 4)
		return m, nil
	}
	resolved, err := r.resolve(ctx, m, outcome)
	if err != nil {
		return resolved, err
	}
	r.announcer.MarketResolved(ctx, resolved)
	return resolved, nil
}

// revert puts a market whose close was never sent back to the status it had.
func (r *Reconciler) revert(m markets.Market, cause error) (markets.Market, error) {
	updated, err := r.store.Update(m.ID, func(rec *markets.Market) error {
		rec.Status = rec.Previous
		rec.Previous = ""
		rec.Error = cause.Error()
		return nil
	})
	if err != nil {
		library.LogCLI("could not restore market "+m.ID+": "+err.Error(), 1)
		return m, cause
	}
	return updated, cause
}

func (r *Reconciler) settle(m markets.Market, status markets.Status, result *appsession.CloseResult, cause error) (markets.Market, error) {
	now := r.opts.Now()
	updated, err := r.store.Update(m.ID, func(rec *markets.Market) error {
		rec.Status = status
		rec.Previous = ""
		rec.Error = ""
		if cause != nil {
			rec.Error = cause.Error()
		}
		if result != nil {
			rec.AppSessionID = result.AppSessionID
			rec.Provisional = false
			rec.FinalAllocations = result.Allocations
			rec.ResolvedAt = &now
		}
		return nil
	})
	if err != nil {
		library.LogCLI(fmt.Sprintf("market %s settled as %s but could not be recorded: %s", m.ID, status, err.Error()), 1)
		return m, errors.Join(cause, err)
	}
	library.LogCLI(fmt.Sprintf("market %s is %s", m.ID, status), 4)
	return updated, cause
}

// decide fixes the outcome and final allocation. A market whose earlier close may have landed
// keeps the allocation it already sent.
func (r *Reconciler) decide(ctx context.Context, m markets.Market, explicit *markets.Outcome) (markets.Market, error) {
	if len(m.Outcome) > 0 && len(m.FinalAllocations) > 0 &&
		(m.Previous == markets.StatusCloseUncertain || m.Previous == markets.StatusCloseFailed) {
		return m, nil
	}
	var (
		outcome markets.Outcome
		price   decimal.NullDecimal
		source  string
	)
	switch {
	case explicit != nil:
		outcome, source = *explicit, "manual"
	default:
		q, err := r.Price(ctx, m.Prediction.Asset)
		if err != nil {
			library.LogCLI(fmt.Sprintf("no price for %s, resolving at entry price %s: %s", m.Prediction.Asset, m.Prediction.EntryPrice, err.Error()), 2)
			q = oracle.Quote{Price: m.Prediction.EntryPrice, Source: "entry"}
		}
		price = decimal.NewNullDecimal(q.Price)
		source = q.Source
		outcome = markets.Resolve(m.Prediction, q.Price)
	}
	final, err := markets.FinalAllocation(m.Allocations, m.Definition.User(), m.Prediction, outcome)
	if err != nil {
		return m, err
	}
	return r.store.Update(m.ID, func(rec *markets.Market) error {
		rec.Outcome = outcome
		rec.FinalPrice = price
		rec.PriceSource = source
		rec.FinalAllocations = final
		return nil
	})
}

func (r *Reconciler) resolve(ctx context.Context, m markets.Market, explicit *markets.Outcome) (markets.Market, error) {
	m, err := r.decide(ctx, m, explicit)
	if err != nil {
		return r.revert(m, err)
	}
	conn, err := r.connect(ctx)
	if err != nil {
		return r.revert(m, err)
	}
	defer conn.Close()
	ctrl := appsession.Resume(conn, m.Handle(), r.controllerOptions())

	if m.Previous == markets.StatusCloseUncertain || m.Provisional {
		state, err := ctrl.Refresh(ctx)
		switch {
		case err != nil && m.Previous == markets.StatusCloseUncertain:
			return r.revert(m, err)
		case err != nil:
			library.LogCLI("could not reconcile session id before close: "+err.Error(), 2)
		case state == appsession.Closed:
			result, err := ctrl.Close(ctx, m.FinalAllocations, "")
			if err != nil {
				return r.revert(m, err)
			}
			return r.settle(m, markets.StatusResolved, &result, nil)
		}
	}

	data := sessionData(m.Prediction, map[string]string{"outcome": string(m.Outcome)})
	result, err := ctrl.Close(ctx, m.FinalAllocations, data)
	if errors.Is(err, appsession.ErrCloseRejected) {
		library.LogCLI("close rejected, retrying once: "+err.Error(), 2)
		result, err = ctrl.Close(ctx, m.FinalAllocations, data)
	}
	if errors.Is(err, appsession.ErrCloseUncertain) {
		state, rerr := ctrl.Refresh(ctx)
		switch {
		case rerr != nil:
			library.LogCLI("status re-check after an unconfirmed close failed: "+rerr.Error(), 2)
		case state == appsession.Closed:
			result, err = ctrl.Close(ctx, m.FinalAllocations, data)
		case state == appsession.Active:
			result, err = ctrl.Close(ctx, m.FinalAllocations, data)
		}
	}
	switch {
	case err == nil:
		return r.settle(m, markets.StatusResolved, &result, nil)
	case errors.Is(err, appsession.ErrCloseUncertain):
		return r.settle(m, markets.StatusCloseUncertain, nil, err)
	case errors.Is(err, appsession.ErrCloseRejected):
		return r.settle(m, markets.StatusCloseFailed, nil, err)
	}
	// nothing was sent
	return r.revert(m, err)
}

// Verification is what the ledger showed for a resolved market.
type Verification struct {
	MarketID library.MarketID    `json:"marketId"`
	Asset    library.Asset       `json:"asset"`
	Expected decimal.Decimal     `json:"expected"`
	Ledger   decimal.Decimal     `json:"ledger"`
	Custody  decimal.NullDecimal `json:"custody"`
	Checks   int                 `json:"checks"`
	Settled  bool                `json:"settled"`
}

// VerifySettlement polls the user's ledger balance, and custody when configured, until both hold
// at least the user's final allocation or the settlement wait runs out.
func (r *Reconciler) VerifySettlement(ctx context.Context, id library.MarketID) (Verification, error) {
	m, err := r.store.Get(id)
	if err != nil {
		return Verification{}, err
	}
	if m.Status != markets.StatusResolved {
		return Verification{}, fmt.Errorf("%w: %s is %s", markets.ErrNotResolvable, id, m.Status)
	}
	v := Verification{MarketID: id, Asset: r.opts.Asset}
	user := m.Definition.User()
	for _, a := range m.FinalAllocations {
		if a.Participant == user {
			v.Asset = a.Asset
			v.Expected = v.Expected.Add(a.Amount)
		}
	}
	conn, err := r.connect(ctx)
	if err != nil {
		return v, err
	}
	defer conn.Close()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	wait := time.After(r.opts.SettlementWait)
	for {
		v.Checks++
		if err := r.check(ctx, conn, user, &v); err != nil {
			library.LogCLI("settlement check: "+err.Error(), 2)
		}
		if v.Settled {
			library.LogCLI(fmt.Sprintf("market %s settled: ledger %s %s", id, v.Ledger, v.Asset), 4)
			return v, nil
		}
		if r.opts.SettlementWait <= 0 {
			return v, fmt.Errorf("%w: ledger %s, expected %s %s", ErrSettlementPending, v.Ledger, v.Expected, v.Asset)
		}
		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-conn.Done():
			return v, clearnet.ErrDisconnected
		case <-wait:
			return v, fmt.Errorf("%w: ledger %s, expected %s %s", ErrSettlementPending, v.Ledger, v.Expected, v.Asset)
		case <-ticker.C:
		}
	}
}

func (r *Reconciler) check(ctx context.Context, conn *clearnet.Conn, user common.Address, v *Verification) error {
	balances, err := conn.LedgerBalances(ctx, user)
	if err != nil {
		return err
	}
	v.Ledger = decimal.Zero
	for _, b := range balances {
		if b.Asset == v.Asset {
			v.Ledger = b.Amount
		}
	}
	custodyOK := true
	if r.custody != nil {
		bal, err := r.custody.Balance(ctx, user)
		if err != nil {
			return err
		}
		v.Custody = decimal.NewNullDecimal(bal)
		custodyOK = bal.GreaterThanOrEqual(v.Expected)
	}
	v.Settled = v.Ledger.GreaterThanOrEqual(v.Expected) && custodyOK
	return nil
}

// Balances is the root identity's coordinator ledger, plus custody when configured.
type Balances struct {
	Account common.Address           `json:"account"`
	Ledger  []clearnet.LedgerBalance `json:"ledger"`
	Custody decimal.NullDecimal      `json:"custody"`
}

func (r *Reconciler) Balances(ctx context.Context) (Balances, error) {
	out := Balances{Account: r.root.Address}
	conn, err := r.connect(ctx)
	if err != nil {
		return out, err
	}
	defer conn.Close()
	out.Ledger, err = conn.LedgerBalances(ctx, r.root.Address)
	if err != nil {
		return out, err
	}
	if r.custody != nil {
		bal, err := r.custody.Balance(ctx, r.root.Address)
		if err != nil {
			library.LogCLI("custody balance: "+err.Error(), 2)
		} else {
			out.Custody = decimal.NewNullDecimal(bal)
		}
	}
	return out, nil
}

// ExpireMarkets marks open markets past their window as expired. They can still be resolved.
func (r *Reconciler) ExpireMarkets(now time.Time) ([]markets.Market, error) {
	return r.store.ExpireOpen(now)
}

// Recover marks resolutions a previous process left unfinished as close_uncertain.
func (r *Reconciler) Recover() ([]markets.Market, error) {
	return r.store.RecoverInterrupted()
}

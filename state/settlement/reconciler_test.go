package settlement_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"moltybet/engine/identity"
	"moltybet/messaging/clearnet"
	"moltybet/messaging/clearnet/coordinatortest"
	"moltybet/messaging/oracle"
	"moltybet/state/appsession"
	"moltybet/state/markets"
	"moltybet/state/settlement"
)

const asset = "ytest.usd"

type fixedPrice struct {
	price decimal.Decimal
	err   error
}

func (f *fixedPrice) Name() string { return "fixed" }

func (f *fixedPrice) Price(ctx context.Context, a string) (oracle.Quote, error) {
	if f.err != nil {
		return oracle.Quote{}, f.err
	}
	return oracle.Quote{Asset: a, Price: f.price, Source: "fixed", At: time.Now()}, nil
}

type fakeCustody struct {
	balance decimal.Decimal
}

func (f fakeCustody) Balance(ctx context.Context, account common.Address) (decimal.Decimal, error) {
	return f.balance, nil
}

type harness struct {
	coord *coordinatortest.Coordinator
	store *markets.Store
	price *fixedPrice
	rec   *settlement.Reconciler
	root  identity.Identity
}

func newHarness(t *testing.T) harness {
	t.Helper()
	coord := coordinatortest.New()
	store, err := markets.OpenStore(filepath.Join(t.TempDir(), "state.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	root, err := identity.DeriveRootIdentity("0x8b3a350cf5c34c9194ca85829a2df0ec3153be0318b5e2d3348e872092edffba")
	if err != nil {
		t.Fatal(err)
	}
	session, err := identity.GenerateSessionIdentity(root)
	if err != nil {
		t.Fatal(err)
	}
	price := &fixedPrice{price: decimal.NewFromInt(3000)}
	rec := settlement.New(settlement.Options{
		Conn: clearnet.ConnConfig{
			URL:          "wss://clearnet-sandbox.yellow.com/ws",
			Application:  "molty-prediction",
			Scope:        "molty.app",
			Allowances:   []clearnet.Allowance{{Asset: asset, Amount: decimal.NewFromInt(1000000000)}},
			AuthExpiry:   time.Hour,
			AuthTimeouts: clearnet.AuthTimeouts{Challenge: time.Second, Verify: time.Second},
			QueryTimeout: time.Second,
		},
		Dial:           coord.Dial,
		Protocol:       "NitroRPC/0.2",
		Asset:          asset,
		Timeouts:       appsession.Timeouts{Open: time.Second, Submit: 300 * time.Millisecond, Close: 300 * time.Millisecond},
		DefaultAsset:   "ETHUSD",
		DefaultAmount:  decimal.NewFromInt(1000000),
		Multiplier:     decimal.NewFromInt(2),
		Expiry:         time.Hour,
		PollInterval:   20 * time.Millisecond,
		SettlementWait: 200 * time.Millisecond,
	}, store, price, root, session)
	return harness{coord: coord, store: store, price: price, rec: rec, root: root}
}

func (h harness) open(t *testing.T, target int64) markets.Market {
	t.Helper()
	m, err := h.rec.OpenMarket(context.Background(), settlement.OpenRequest{
		Asset:       "ETHUSD",
		Direction:   "LONG",
		TargetPrice: decimal.NewNullDecimal(decimal.NewFromInt(target)),
	})
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func amountOf(a appsession.Allocations, p common.Address) decimal.Decimal {
	for _, entry := range a {
		if entry.Participant == p {
			return entry.Amount
		}
	}
	return decimal.Zero
}

func TestOpenMarketRecordsSession(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	if m.Status != markets.StatusOpen || m.AppSessionID == "" || m.Provisional {
		t.Fatalf("market %+v", m)
	}
	s, ok := h.coord.Session(m.AppSessionID)
	if !ok || s.Status != "open" {
		t.Fatalf("coordinator session %+v", s)
	}
	if !amountOf(s.Allocations, h.root.Address).Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("user allocation %v", s.Allocations)
	}
	if !amountOf(s.Allocations, h.coord.Broker()).Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("broker stake %v", s.Allocations)
	}
	if s.SessionData == "" {
		t.Fatal("prediction was not submitted as session data")
	}
	if h.coord.Count(clearnet.MethodSubmitAppState) != 1 {
		t.Fatalf("submit_app_state sent %d times", h.coord.Count(clearnet.MethodSubmitAppState))
	}
	for _, signer := range h.coord.Signers(clearnet.MethodCreateAppSession) {
		if signer == h.root.Address {
			t.Fatal("create_app_session signed by the root key")
		}
	}
	stored, err := h.store.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.AppSessionID != m.AppSessionID || !stored.Prediction.EntryPrice.Equal(decimal.NewFromInt(2940)) {
		t.Fatalf("stored %+v", stored)
	}
}

func TestPredictionDefaults(t *testing.T) {
	h := newHarness(t)
	p, err := h.rec.Prediction(context.Background(), settlement.OpenRequest{Direction: "below"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Asset != "ETHUSD" || p.Direction != markets.Short {
		t.Fatalf("prediction %+v", p)
	}
	if !p.TargetPrice.Equal(decimal.NewFromInt(2940)) {
		t.Fatalf("target %s, want 2940", p.TargetPrice)
	}
	if p.Question != "Will ETHUSD go below $2940.00?" {
		t.Fatalf("question %q", p.Question)
	}

	h.price.err = oracle.ErrPriceUnavailable
	p, err = h.rec.Prediction(context.Background(), settlement.OpenRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !p.TargetPrice.Equal(decimal.NewFromInt(3500)) {
		t.Fatalf("fallback target %s", p.TargetPrice)
	}

	if _, err := h.rec.Prediction(context.Background(), settlement.OpenRequest{Amount: decimal.NewNullDecimal(decimal.NewFromInt(-5))}); !errors.Is(err, markets.ErrInvalidPrediction) {
		t.Fatalf("expected ErrInvalidPrediction, got %v", err)
	}
}

func TestOpenRejectedIsRecorded(t *testing.T) {
	h := newHarness(t)
	h.coord.Set(coordinatortest.Knobs{RejectOpen: true})
	m, err := h.rec.OpenMarket(context.Background(), settlement.OpenRequest{TargetPrice: decimal.NewNullDecimal(decimal.NewFromInt(3000))})
	if !errors.Is(err, appsession.ErrOpenRejected) {
		t.Fatalf("expected ErrOpenRejected, got %v", err)
	}
	stored, err := h.store.Get(m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != markets.StatusOpenFailed || stored.Error == "" {
		t.Fatalf("stored %+v", stored)
	}
	if _, err := h.rec.ResolveMarket(context.Background(), m.ID, nil); !errors.Is(err, markets.ErrNotResolvable) {
		t.Fatalf("expected ErrNotResolvable, got %v", err)
	}
}

func TestResolveWinByPrice(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	h.price.price = decimal.NewFromInt(3000)
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved || resolved.Outcome != markets.Win {
		t.Fatalf("resolved %+v", resolved)
	}
	if resolved.PriceSource != "fixed" || !resolved.FinalPrice.Decimal.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("price %v from %s", resolved.FinalPrice, resolved.PriceSource)
	}
	if !amountOf(resolved.FinalAllocations, h.root.Address).Equal(decimal.NewFromInt(2000000)) {
		t.Fatalf("final %v", resolved.FinalAllocations)
	}
	s, _ := h.coord.Session(m.AppSessionID)
	if s.Status != "closed" {
		t.Fatalf("coordinator session is %s", s.Status)
	}
	for _, signer := range h.coord.Signers(clearnet.MethodCloseAppSession) {
		if signer == h.root.Address {
			t.Fatal("close signed by the root key")
		}
	}
}

func TestResolveTwiceClosesOnce(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	loss := markets.Loss
	first, err := h.rec.ResolveMarket(context.Background(), m.ID, &loss)
	if err != nil {
		t.Fatal(err)
	}
	win := markets.Win
	second, err := h.rec.ResolveMarket(context.Background(), m.ID, &win)
	if err != nil {
		t.Fatal(err)
	}
	if first.Outcome != markets.Loss || second.Outcome != markets.Loss {
		t.Fatalf("outcomes %s then %s", first.Outcome, second.Outcome)
	}
	if n := h.coord.Count(clearnet.MethodCloseAppSession); n != 1 {
		t.Fatalf("close sent %d times", n)
	}
	if !amountOf(second.FinalAllocations, h.root.Address).IsZero() {
		t.Fatalf("loss final %v", second.FinalAllocations)
	}
	if !amountOf(second.FinalAllocations, h.coord.Broker()).Equal(decimal.NewFromInt(2000000)) {
		t.Fatalf("loss complement %v", second.FinalAllocations)
	}
}

func TestConcurrentResolveClosesAtMostOnce(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil && !errors.Is(err, markets.ErrResolutionInProgress) {
			t.Fatalf("unexpected error %v", err)
		}
	}
	if n := h.coord.Count(clearnet.MethodCloseAppSession); n != 1 {
		t.Fatalf("close sent %d times", n)
	}
}

func TestPriceUnavailableFallsBackToEntry(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	h.price.err = oracle.ErrPriceUnavailable
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.PriceSource != "entry" || !resolved.FinalPrice.Decimal.Equal(decimal.NewFromInt(2940)) {
		t.Fatalf("price %v from %s", resolved.FinalPrice, resolved.PriceSource)
	}
	if resolved.Outcome != markets.Loss {
		t.Fatalf("outcome %s", resolved.Outcome)
	}
}

func TestCloseRejectedRetriesOnce(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	h.coord.Update(func(k *coordinatortest.Knobs) { k.RejectCloseTimes = 1 })
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved {
		t.Fatalf("status %s", resolved.Status)
	}
	if n := h.coord.Count(clearnet.MethodCloseAppSession); n != 2 {
		t.Fatalf("close sent %d times", n)
	}
}

func TestCloseRejectedTwiceIsCloseFailed(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	h.coord.Update(func(k *coordinatortest.Knobs) { k.RejectCloseTimes = 2 })
	failed, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if !errors.Is(err, appsession.ErrCloseRejected) {
		t.Fatalf("expected ErrCloseRejected, got %v", err)
	}
	if failed.Status != markets.StatusCloseFailed || failed.Error == "" {
		t.Fatalf("market %+v", failed)
	}
	h.price.price = decimal.NewFromInt(1)
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved || resolved.Outcome != failed.Outcome {
		t.Fatalf("retry resolved %s as %s, first attempt decided %s", resolved.Status, resolved.Outcome, failed.Outcome)
	}
}

func TestDroppedCloseConfirmationIsRechecked(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	h.coord.Update(func(k *coordinatortest.Knobs) { k.DropCloseConfirmation = true })
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved {
		t.Fatalf("status %s", resolved.Status)
	}
	if n := h.coord.Count(clearnet.MethodCloseAppSession); n != 1 {
		t.Fatalf("close sent %d times", n)
	}
}

func TestInterruptedResolutionRecovers(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	if _, err := h.store.Update(m.ID, func(rec *markets.Market) error {
		rec.Previous = rec.Status
		rec.Status = markets.StatusResolving
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	recovered, err := h.rec.Recover()
	if err != nil {
		t.Fatal(err)
	}
	if len(recovered) != 1 || recovered[0].Status != markets.StatusCloseUncertain {
		t.Fatalf("recovered %+v", recovered)
	}
	win := markets.Win
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, &win)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved || resolved.Outcome != markets.Win {
		t.Fatalf("market %+v", resolved)
	}
	if n := h.coord.Count(clearnet.MethodGetAppSessions); n == 0 {
		t.Fatal("status was not re-checked before closing")
	}
}

func TestVerifySettlement(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	if _, err := h.rec.VerifySettlement(context.Background(), m.ID); !errors.Is(err, markets.ErrNotResolvable) {
		t.Fatalf("expected ErrNotResolvable before resolution, got %v", err)
	}
	win := markets.Win
	if _, err := h.rec.ResolveMarket(context.Background(), m.ID, &win); err != nil {
		t.Fatal(err)
	}
	h.rec.SetCustody(fakeCustody{balance: decimal.NewFromInt(2000000)})
	v, err := h.rec.VerifySettlement(context.Background(), m.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !v.Settled || !v.Ledger.Equal(decimal.NewFromInt(2000000)) || !v.Custody.Valid {
		t.Fatalf("verification %+v", v)
	}

	h.rec.SetCustody(fakeCustody{balance: decimal.NewFromInt(5)})
	v, err = h.rec.VerifySettlement(context.Background(), m.ID)
	if !errors.Is(err, settlement.ErrSettlementPending) {
		t.Fatalf("expected ErrSettlementPending, got %v", err)
	}
	if v.Settled || v.Checks < 2 {
		t.Fatalf("verification %+v", v)
	}
}

func TestExpireMarkets(t *testing.T) {
	h := newHarness(t)
	m := h.open(t, 3000)
	expired, err := h.rec.ExpireMarkets(m.Prediction.ExpiresAt.Add(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].Status != markets.StatusExpired {
		t.Fatalf("expired %+v", expired)
	}
	resolved, err := h.rec.ResolveMarket(context.Background(), m.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != markets.StatusResolved {
		t.Fatalf("status %s", resolved.Status)
	}
}

func TestBalances(t *testing.T) {
	h := newHarness(t)
	h.coord.SetBalance(h.root.Address, asset, decimal.NewFromInt(77))
	b, err := h.rec.Balances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if b.Account != h.root.Address || len(b.Ledger) != 1 || !b.Ledger[0].Amount.Equal(decimal.NewFromInt(77)) {
		t.Fatalf("balances %+v", b)
	}
}

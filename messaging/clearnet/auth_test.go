package clearnet

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"moltybet/engine/identity"
)

func testIdentities(t *testing.T) (identity.Identity, identity.Identity) {
	t.Helper()
	root, err := identity.DeriveRootIdentity(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	session, err := identity.GenerateSessionIdentity(root)
	if err != nil {
		t.Fatal(err)
	}
	return root, session
}

func testParams(expires time.Time) AuthParams {
	return AuthParams{
		Application: "molty-prediction",
		Scope:       "molty.app",
		ExpiresAt:   expires,
	}
}

func counter() func() uint64 {
	var n uint64
	return func() uint64 {
		n++
		return n
	}
}

func TestBeginRejectsPastExpiryWithoutSending(t *testing.T) {
	root, session := testIdentities(t)
	now := time.Now()
	h := NewHandshake(root, session, AuthParams{
		Application: "molty-prediction",
		Scope:       "molty.app",
		ExpiresAt:   now.Add(-time.Minute),
	}, counter())
	client, server := NewPipe()
	defer server.Close()
	corr := NewCorrelator(client)
	_, err := Authenticate(context.Background(), client, corr, h, AuthTimeouts{Challenge: time.Second, Verify: time.Second}, func() time.Time { return now })
	if !errors.Is(err, ErrInvalidExpiry) {
		t.Fatalf("expected ErrInvalidExpiry, got %v", err)
	}
	if h.State() != AuthFailed {
		t.Fatalf("state %s", h.State())
	}
	select {
	case f := <-server.Frames():
		t.Fatalf("nothing should have been sent, got %s", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBeginRejectsSameIdentity(t *testing.T) {
	root, _ := testIdentities(t)
	h := NewHandshake(root, root, testParams(time.Now().Add(time.Hour)), counter())
	if _, err := h.Begin(time.Now()); !errors.Is(err, identity.ErrSameIdentity) {
		t.Fatalf("expected ErrSameIdentity, got %v", err)
	}
}

func TestHandshakeStepsInOrder(t *testing.T) {
	root, session := testIdentities(t)
	h := NewHandshake(root, session, testParams(time.Now().Add(time.Hour)), counter())
	if _, err := h.Verify(time.Now()); !errors.Is(err, ErrHandshakeState) {
		t.Fatalf("verify before begin: %v", err)
	}
	if err := h.HandleChallenge(AuthChallenge{Challenge: "x"}); !errors.Is(err, ErrHandshakeState) {
		t.Fatalf("challenge before begin: %v", err)
	}
	frame, err := h.Begin(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	in, err := DecodeRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	if in.Method != MethodAuthRequest || len(in.Sigs) != 0 {
		t.Fatalf("auth_request should be unsigned: %+v", in)
	}
	if _, err := h.Begin(time.Now()); !errors.Is(err, ErrHandshakeState) {
		t.Fatalf("second begin: %v", err)
	}
	if h.State() != AuthRequestSent {
		t.Fatalf("state %s", h.State())
	}
}

func TestVerifyIsRootSignedPolicy(t *testing.T) {
	root, session := testIdentities(t)
	params := AuthParams{
		Application: "molty-prediction",
		Scope:       "molty.app",
		Allowances:  []Allowance{{Asset: "ytest.usd", Amount: decimal.NewFromInt(1000000000)}},
		ExpiresAt:   time.Unix(1900000000, 0),
	}
	h := NewHandshake(root, session, params, counter())
	now := time.Unix(1800000000, 0)
	if _, err := h.Begin(now); err != nil {
		t.Fatal(err)
	}
	if err := h.HandleChallenge(AuthChallenge{Challenge: "challenge-1"}); err != nil {
		t.Fatal(err)
	}
	frame, err := h.Verify(now)
	if err != nil {
		t.Fatal(err)
	}
	in, err := DecodeRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := identity.RecoverTypedDataSigner(PolicyTypedData(root.Address, session.Address, params, "challenge-1"), in.Sigs[0])
	if err != nil {
		t.Fatal(err)
	}
	if signer != root.Address {
		t.Fatalf("policy signed by %s, want root %s", signer.Hex(), root.Address.Hex())
	}
	other := PolicyTypedData(root.Address, session.Address, params, "challenge-2")
	if signer, _ := identity.RecoverTypedDataSigner(other, in.Sigs[0]); signer == root.Address {
		t.Fatal("signature must bind the challenge")
	}
	grant, err := h.HandleVerifyResult(AuthVerifyResult{Header: Header{M: MethodAuthVerify}, Success: true, JWT: "t"})
	if err != nil {
		t.Fatal(err)
	}
	if grant.Root != root.Address || grant.Session != session.Address || !grant.Valid(now) {
		t.Fatalf("grant %+v", grant)
	}
	if grant.Valid(time.Unix(1900000001, 0)) {
		t.Fatal("grant must expire")
	}
	if err := grant.Allows("ytest.usd", decimal.NewFromInt(5)); err != nil {
		t.Fatal(err)
	}
	if err := grant.Allows("ytest.usd", decimal.NewFromInt(1000000001)); !errors.Is(err, ErrAllowanceExceeded) {
		t.Fatalf("expected ErrAllowanceExceeded, got %v", err)
	}
	if err := grant.Allows("usdc", decimal.NewFromInt(1)); !errors.Is(err, ErrAllowanceExceeded) {
		t.Fatalf("expected ErrAllowanceExceeded for unknown asset, got %v", err)
	}
}

func TestVerifyFailure(t *testing.T) {
	root, session := testIdentities(t)
	h := NewHandshake(root, session, testParams(time.Now().Add(time.Hour)), counter())
	if _, err := h.Begin(time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := h.HandleChallenge(AuthChallenge{Challenge: "c"}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.Verify(time.Now()); err != nil {
		t.Fatal(err)
	}
	if h.State() != AuthVerifySent {
		t.Fatalf("state %s", h.State())
	}
	if _, err := h.HandleVerifyResult(AuthVerifyResult{Header: Header{M: MethodAuthVerify}}); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if h.State() != AuthFailed {
		t.Fatalf("state %s", h.State())
	}
}

func TestBeginRejectsMissingApplication(t *testing.T) {
	root, session := testIdentities(t)
	for _, params := range []AuthParams{
		{Scope: "molty.app", ExpiresAt: time.Now().Add(time.Hour)},
		{Application: "molty-prediction", ExpiresAt: time.Now().Add(time.Hour)},
	} {
		h := NewHandshake(root, session, params, counter())
		client, server := NewPipe()
		corr := NewCorrelator(client)
		_, err := Authenticate(context.Background(), client, corr, h, AuthTimeouts{Challenge: time.Second, Verify: time.Second}, time.Now)
		if !errors.Is(err, ErrInvalidAuthParams) {
			t.Fatalf("%+v: expected ErrInvalidAuthParams, got %v", params, err)
		}
		if h.State() != AuthFailed {
			t.Fatalf("state %s", h.State())
		}
		select {
		case f := <-server.Frames():
			t.Fatalf("nothing should have been sent, got %s", f)
		case <-time.After(20 * time.Millisecond):
		}
		server.Close()
	}
}

func TestChallengeTimeout(t *testing.T) {
	root, session := testIdentities(t)
	h := NewHandshake(root, session, testParams(time.Now().Add(time.Hour)), counter())
	client, server := NewPipe()
	defer server.Close()
	corr := NewCorrelator(client)
	_, err := Authenticate(context.Background(), client, corr, h, AuthTimeouts{Challenge: 50 * time.Millisecond, Verify: time.Second}, time.Now)
	if !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("expected ErrHandshakeTimeout, got %v", err)
	}
	if h.State() != AuthFailed {
		t.Fatalf("state %s", h.State())
	}
}

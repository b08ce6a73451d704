package clearnet

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"moltybet/engine/identity"
)

const testSecret = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestEncodeRequestSignsTuple(t *testing.T) {
	signer, err := identity.FromSecret(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	frame, err := EncodeRequest(Request{ID: 7, Method: MethodGetConfig, Timestamp: 1700000000000}, signer)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(string(frame), `{"req":[7,"get_config",{},1700000000000]`) {
		t.Fatalf("unexpected frame %s", frame)
	}
	in, err := DecodeRequest(frame)
	if err != nil {
		t.Fatal(err)
	}
	if in.ID != 7 || in.Method != MethodGetConfig || in.Timestamp != 1700000000000 {
		t.Fatalf("decoded %+v", in)
	}
	if len(in.Sigs) != 1 {
		t.Fatalf("expected one signature, got %d", len(in.Sigs))
	}
	got, err := identity.RecoverPayloadSigner(in.Payload, in.Sigs[0])
	if err != nil {
		t.Fatal(err)
	}
	if got != signer.Address {
		t.Fatalf("recovered %s, want %s", got.Hex(), signer.Address.Hex())
	}
}

func TestEncodeRequestUnsigned(t *testing.T) {
	frame, err := EncodeRequest(Request{ID: 1, Method: MethodAuthRequest, Params: map[string]string{"a": "b"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(string(frame), `"sig":[]}`) {
		t.Fatalf("unsigned frame should carry an empty sig list: %s", frame)
	}
}

func TestDecodeRequestMalformed(t *testing.T) {
	for _, frame := range []string{`nope`, `{"req":"x"}`, `{"req":[1]}`, `{"req":["x","m",{}]}`} {
		if _, err := DecodeRequest([]byte(frame)); err == nil {
			t.Errorf("%s: expected error", frame)
		}
	}
}

func TestParseResponseVariants(t *testing.T) {
	broker := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	cases := []struct {
		frame string
		check func(Response) bool
	}{
		{`{"res":[1,"auth_challenge",{"challengeMessage":"abc"},5]}`, func(r Response) bool {
			c, ok := r.(AuthChallenge)
			return ok && c.Challenge == "abc" && c.ID == 1 && c.Timestamp == 5
		}},
		{`{"res":[2,"get_config",{"brokerAddress":"` + broker.Hex() + `"}]}`, func(r Response) bool {
			c, ok := r.(Config)
			return ok && c.BrokerAddress == broker
		}},
		{`{"res":[3,"create_app_session",{"app_session":{"appSessionId":"0xABC","status":"open","version":1}}]}`, func(r Response) bool {
			c, ok := r.(AppSessionCreated)
			return ok && c.AppSessionID == "0xabc" && c.Status == "open" && c.Version == 1
		}},
		{`{"res":[0,"asu",{"app_session_id":"0xdef","status":"closed","allocations":[{"participant":"` + broker.Hex() + `","asset":"usdc","amount":"5"}]}]}`, func(r Response) bool {
			c, ok := r.(AppSessionUpdate)
			return ok && c.Status == "closed" && len(c.Allocations) == 1 && c.Allocations[0].Amount.IntPart() == 5
		}},
		{`{"res":[4,"error",{"error":"insufficient funds"}]}`, func(r Response) bool {
			c, ok := r.(ErrorResponse)
			return ok && c.Message == "insufficient funds"
		}},
		{`{"res":[5,"get_ledger_balances",{"ledger_balances":[{"asset":"usdc","amount":"12.5"}]}]}`, func(r Response) bool {
			c, ok := r.(LedgerBalances)
			return ok && len(c.Balances) == 1 && c.Balances[0].Amount.String() == "12.5"
		}},
		{`{"res":[6,"assets",{"assets":[]}]}`, func(r Response) bool {
			c, ok := r.(UnknownMethod)
			return ok && c.M == "assets"
		}},
	}
	for _, tc := range cases {
		r, err := ParseResponse([]byte(tc.frame))
		if err != nil {
			t.Errorf("%s: %s", tc.frame, err)
			continue
		}
		if !tc.check(r) {
			t.Errorf("%s: unexpected %#v", tc.frame, r)
		}
	}
}

func TestParseResponseRejectsRequests(t *testing.T) {
	if _, err := ParseResponse([]byte(`{"req":[1,"ping",{},1],"sig":[]}`)); err == nil {
		t.Fatal("a request frame is not a response")
	}
}

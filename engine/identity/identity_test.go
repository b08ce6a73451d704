package identity

import (
	"errors"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// Well-known hardhat account #0.
const hardhatSecret = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestDeriveRootIdentityIsDeterministic(t *testing.T) {
	a, err := DeriveRootIdentity(hardhatSecret)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	b, err := DeriveRootIdentity(strings.TrimPrefix(hardhatSecret, "0x"))
	if err != nil {
		t.Fatalf("derive without prefix: %v", err)
	}
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	if a.Address != want || b.Address != want {
		t.Fatalf("expected %s, got %s and %s", want.Hex(), a.Address.Hex(), b.Address.Hex())
	}
	if a.Secret() != hardhatSecret {
		t.Fatalf("secret did not round trip: %s", a.Secret())
	}
}

func TestDeriveRootIdentityRejectsMalformedSecrets(t *testing.T) {
	for _, secret := range []string{
		"",
		"0x1234",
		strings.Repeat("zz", 32),
		"0x" + strings.Repeat("00", 32),
		"0x" + strings.Repeat("ff", 32),
	} {
		if _, err := DeriveRootIdentity(secret); !errors.Is(err, ErrInvalidSecret) {
			t.Fatalf("secret %q: expected ErrInvalidSecret, got %v", secret, err)
		}
	}
}

func TestGenerateSessionIdentityDiffersFromRoot(t *testing.T) {
	root, err := DeriveRootIdentity(hardhatSecret)
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[common.Address]bool)
	for i := 0; i < 5; i++ {
		s, err := GenerateSessionIdentity(root)
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if s.Address == root.Address {
			t.Fatal("session identity equals root identity")
		}
		if seen[s.Address] {
			t.Fatal("session identities repeat")
		}
		seen[s.Address] = true
		restored, err := FromSecret(s.Secret())
		if err != nil || restored.Address != s.Address {
			t.Fatalf("session secret did not restore: %v", err)
		}
	}
}

func TestSignPayloadRecoversToSigner(t *testing.T) {
	id, _ := DeriveRootIdentity(hardhatSecret)
	payload := []byte(`[1,"get_config",{},1700000000000]`)
	sig, err := id.SignPayload(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	got, err := RecoverPayloadSigner(payload, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if got != id.Address {
		t.Fatalf("recovered %s, want %s", got.Hex(), id.Address.Hex())
	}
	if _, err := (Identity{}).SignPayload(payload); err == nil {
		t.Fatal("expected zero identity to refuse signing")
	}
}

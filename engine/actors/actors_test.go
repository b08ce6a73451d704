package actors

import (
	"errors"
	"testing"

	"github.com/spf13/viper"
)

const rootSecret = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type memKeys struct {
	secret string
	writes int
}

func (m *memKeys) SessionKey() (string, error) { return m.secret, nil }

func (m *memKeys) SetSessionKey(s string) error {
	m.secret = s
	m.writes++
	return nil
}

func TestValidateFailsFastOnMissingSecrets(t *testing.T) {
	conf := viper.New()
	conf.Set("coordinatorURL", "")
	if err := Validate(conf); !errors.Is(err, ErrMissingRootSecret) {
		t.Fatalf("expected ErrMissingRootSecret, got %v", err)
	}
	conf.Set("privateKey", rootSecret)
	if err := Validate(conf); !errors.Is(err, ErrMissingCoordinator) {
		t.Fatalf("expected ErrMissingCoordinator, got %v", err)
	}
	conf.Set("coordinatorURL", SandboxCoordinator)
	if err := Validate(conf); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestLedgerAssetFollowsCoordinator(t *testing.T) {
	conf := viper.New()
	conf.Set("coordinatorURL", SandboxCoordinator)
	if LedgerAsset(conf) != "ytest.usd" {
		t.Fatalf("sandbox should use ytest.usd, got %s", LedgerAsset(conf))
	}
	conf.Set("coordinatorURL", "wss://clearnet.yellow.com/ws")
	if LedgerAsset(conf) != "usdc" {
		t.Fatalf("production should use usdc, got %s", LedgerAsset(conf))
	}
}

func TestSessionIdentityIsGeneratedOnceAndReused(t *testing.T) {
	conf := viper.New()
	conf.Set("privateKey", rootSecret)
	root, err := RootIdentity(conf)
	if err != nil {
		t.Fatal(err)
	}
	keys := &memKeys{}
	first, err := SessionIdentity(root, keys)
	if err != nil {
		t.Fatal(err)
	}
	second, err := SessionIdentity(root, keys)
	if err != nil {
		t.Fatal(err)
	}
	if first.Address != second.Address {
		t.Fatal("session identity was not reused")
	}
	if keys.writes != 1 {
		t.Fatalf("expected one write, got %d", keys.writes)
	}
	if first.Address == root.Address {
		t.Fatal("session identity must differ from root")
	}
}

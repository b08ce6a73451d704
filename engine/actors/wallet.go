package actors

import (
	"fmt"

	"github.com/spf13/viper"
	"moltybet/engine/identity"
	"moltybet/engine/library"
)

// SessionKeyStore persists the long-lived session secret one deployment reuses across predictions.
type SessionKeyStore interface {
	SessionKey() (string, error)
	SetSessionKey(secret string) error
}

// RootIdentity derives the root identity from the configured secret.
func RootIdentity(config *viper.Viper) (identity.Identity, error) {
	secret := config.GetString("privateKey")
	if len(secret) == 0 {
		return identity.Identity{}, ErrMissingRootSecret
	}
	return identity.DeriveRootIdentity(secret)
}

// SessionIdentity returns the persisted session identity or creates a new one if there isn't one already
func SessionIdentity(root identity.Identity, keys SessionKeyStore) (identity.Identity, error) {
	secret, err := keys.SessionKey()
	if err != nil {
		return identity.Identity{}, err
	}
	if len(secret) > 0 {
		//try to restore the session key from disk
		id, err := identity.FromSecret(secret)
		if err == nil && id.Address != root.Address {
			return id, nil
		}
		library.LogCLI(fmt.Sprintf("stored session key is unusable, generating a new one: %v", err), 2)
	}
	id, err := identity.GenerateSessionIdentity(root)
	if err != nil {
		return identity.Identity{}, err
	}
	library.LogCLI("Generated a new session key "+id.Address.Hex(), 4)
	if err := keys.SetSessionKey(id.Secret()); err != nil {
		return identity.Identity{}, err
	}
	return id, nil
}

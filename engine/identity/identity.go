// Package identity derives the long-lived root identity from its secret and generates the
// short-lived session identities that sign protocol messages on its behalf.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

var (
	ErrInvalidSecret = errors.New("invalid secret: expected a 32 byte secp256k1 private key in hex")
	ErrSameIdentity  = errors.New("session identity must differ from the root identity")
)

// Identity is a secp256k1 keypair and the Ethereum address it controls.
type Identity struct {
	Address common.Address
	key     *ecdsa.PrivateKey
}

// DeriveRootIdentity parses secret (hex, with or without 0x) into an Identity. It is deterministic.
func DeriveRootIdentity(secret string) (Identity, error) {
	return FromSecret(secret)
}

// FromSecret restores an identity from its hex secret.
func FromSecret(secret string) (Identity, error) {
	s := strings.TrimPrefix(strings.TrimSpace(secret), "0x")
	if len(s) != 64 {
		return Identity{}, ErrInvalidSecret
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidSecret, err.Error())
	}
	// btcec reduces modulo the curve order, so zero and out of range scalars are caught by
	// go-ethereum's stricter parse below.
	priv, _ := btcec.PrivKeyFromBytes(b)
	if priv.Key.IsZero() {
		return Identity{}, ErrInvalidSecret
	}
	key, err := ethcrypto.ToECDSA(b)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %s", ErrInvalidSecret, err.Error())
	}
	return fromKey(key), nil
}

// GenerateSessionIdentity produces a fresh random keypair that differs from root.
func GenerateSessionIdentity(root Identity) (Identity, error) {
	for i := 0; i < 8; i++ {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return Identity{}, err
		}
		key, err := ethcrypto.ToECDSA(priv.Serialize())
		if err != nil {
			return Identity{}, err
		}
		id := fromKey(key)
		if id.Address != root.Address {
			return id, nil
		}
	}
	return Identity{}, ErrSameIdentity
}

func fromKey(key *ecdsa.PrivateKey) Identity {
	return Identity{
		Address: ethcrypto.PubkeyToAddress(key.PublicKey),
		key:     key,
	}
}

// IsZero reports whether the identity has no key material.
func (i Identity) IsZero() bool {
	return i.key == nil
}

// Secret returns the 0x-prefixed hex private key, for persistence.
func (i Identity) Secret() string {
	if i.key == nil {
		return ""
	}
	return "0x" + hex.EncodeToString(ethcrypto.FromECDSA(i.key))
}

// NostrSecret returns the bare hex private key the way nostr signers expect it.
func (i Identity) NostrSecret() string {
	return strings.TrimPrefix(i.Secret(), "0x")
}

func (i Identity) String() string {
	return i.Address.Hex()
}

// SignPayload signs keccak256(payload) and returns the 65 byte signature as 0x-hex.
// Every session-signed coordinator request goes through here.
func (i Identity) SignPayload(payload []byte) (string, error) {
	if i.key == nil {
		return "", ErrInvalidSecret
	}
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), i.key)
	if err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// SignTypedData signs the EIP-712 digest of td. V is shifted to 27/28 the way wallets report it.
func (i Identity) SignTypedData(td apitypes.TypedData) (string, error) {
	if i.key == nil {
		return "", ErrInvalidSecret
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return "", err
	}
	sig, err := ethcrypto.Sign(digest, i.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverPayloadSigner returns the address that produced sig over keccak256(payload).
func RecoverPayloadSigner(payload []byte, sig string) (common.Address, error) {
	return recoverDigest(ethcrypto.Keccak256(payload), sig)
}

// RecoverTypedDataSigner returns the address that produced sig over the EIP-712 digest of td.
func RecoverTypedDataSigner(td apitypes.TypedData, sig string) (common.Address, error) {
	digest, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return common.Address{}, err
	}
	return recoverDigest(digest, sig)
}

func recoverDigest(digest []byte, sig string) (common.Address, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return common.Address{}, err
	}
	if len(b) != 65 {
		return common.Address{}, fmt.Errorf("signature must be 65 bytes, got %d", len(b))
	}
	if b[64] >= 27 {
		b[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, b)
	if err != nil {
		return common.Address{}, err
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

package markets

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"
)

const envelopeVersion = 1

// Envelope is a session key sealed under a passphrase.
type Envelope struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce"`
	Cipher []byte `json:"cipher"`
}

func scryptParams() (n, r, p int) { return 1 << 15, 8, 1 }

func seal(passphrase string, secret []byte) (*Envelope, error) {
	n, r, p := scryptParams()
	env := &Envelope{V: envelopeVersion, N: n, R: r, P: p, Salt: make([]byte, 16), Nonce: make([]byte, chacha20poly1305.NonceSize)}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}
	key, err := scrypt.Key([]byte(passphrase), env.Salt, n, r, p, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	env.Cipher = aead.Seal(nil, env.Nonce, secret, env.Salt)
	return env, nil
}

func (e *Envelope) open(passphrase string) ([]byte, error) {
	if e.V > envelopeVersion {
		return nil, fmt.Errorf("unsupported session key envelope version %d", e.V)
	}
	key, err := scrypt.Key([]byte(passphrase), e.Salt, e.N, e.R, e.P, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, e.Nonce, e.Cipher, e.Salt)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return pt, nil
}

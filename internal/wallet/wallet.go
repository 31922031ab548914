// Package wallet creates custodial EVM wallets for riders. The private key is sealed
// with NaCl secretbox before it is stored.
package wallet

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize   = 32
	nonceSize = 24
)

var ErrSealedKeyInvalid = errors.New("sealed wallet key is invalid")

// Wallet is a freshly generated account.
type Wallet struct {
	Address   string
	SealedKey string
}

// Generator creates wallets sealed under one key.
type Generator struct {
	key [keySize]byte
}

// NewGenerator parses a 32-byte seal key given as hex or base64. Any other non-empty
// secret is stretched with SHA-256.
func NewGenerator(secret string) (*Generator, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("wallet seal key is required")
	}
	g := &Generator{}
	if raw, err := hex.DecodeString(strings.TrimPrefix(secret, "0x")); err == nil && len(raw) == keySize {
		copy(g.key[:], raw)
		return g, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == keySize {
		copy(g.key[:], raw)
		return g, nil
	}
	g.key = sha256.Sum256([]byte(secret))
	return g, nil
}

// New generates an account and seals its private key.
func (g *Generator) New() (*Wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], crypto.FromECDSA(key), &nonce, &g.key)

	return &Wallet{
		Address:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		SealedKey: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Open recovers the hex private key from a sealed value.
func (g *Generator) Open(sealed string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil || len(raw) < nonceSize+secretbox.Overhead {
		return "", ErrSealedKeyInvalid
	}
	var nonce [nonceSize]byte
	copy(nonce[:], raw[:nonceSize])
	plain, ok := secretbox.Open(nil, raw[nonceSize:], &nonce, &g.key)
	if !ok {
		return "", ErrSealedKeyInvalid
	}
	return hex.EncodeToString(plain), nil
}

package wallet

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func TestGenerator_SealAndOpenRoundTrip(t *testing.T) {
	g, err := NewGenerator(strings.Repeat("ab", 32))
	require.NoError(t, err)

	w, err := g.New()
	require.NoError(t, err)
	require.True(t, common.IsHexAddress(w.Address))

	keyHex, err := g.Open(w.SealedKey)
	require.NoError(t, err)

	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	require.Equal(t, w.Address, crypto.PubkeyToAddress(key.PublicKey).Hex())
}

func TestGenerator_WrongKeyCannotOpen(t *testing.T) {
	a, err := NewGenerator("first passphrase")
	require.NoError(t, err)
	b, err := NewGenerator("second passphrase")
	require.NoError(t, err)

	w, err := a.New()
	require.NoError(t, err)

	_, err = b.Open(w.SealedKey)
	require.ErrorIs(t, err, ErrSealedKeyInvalid)
	_, err = a.Open("not-base64!")
	require.ErrorIs(t, err, ErrSealedKeyInvalid)
}

func TestGenerator_EachWalletIsDistinct(t *testing.T) {
	g, err := NewGenerator("passphrase")
	require.NoError(t, err)
	w1, err := g.New()
	require.NoError(t, err)
	w2, err := g.New()
	require.NoError(t, err)
	require.NotEqual(t, w1.Address, w2.Address)
}

func TestNewGenerator_RequiresSecret(t *testing.T) {
	_, err := NewGenerator("  ")
	require.Error(t, err)
}

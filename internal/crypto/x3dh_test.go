package crypto

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"
)

func makeTestBundle(t *testing.T, identityPriv ed25519.PrivateKey, identityPub ed25519.PublicKey, withOTP bool) (*PrekeyBundle, [32]byte, *[32]byte) {
	t.Helper()

	spkPriv, err := GenerateKey()
	require.NoError(t, err)
	var spkPrivArr [32]byte
	copy(spkPrivArr[:], spkPriv)
	spkPub, err := curve25519.X25519(spkPrivArr[:], curve25519.Basepoint)
	require.NoError(t, err)
	var spkPubArr [32]byte
	copy(spkPubArr[:], spkPub)

	sig := ed25519.Sign(identityPriv, spkPubArr[:])

	bundle := &PrekeyBundle{
		IdentityKey:     identityPub,
		SignedPrekey:    spkPubArr,
		SignedPrekeySig: sig,
	}

	var otpPrivPtr *[32]byte
	if withOTP {
		otpPriv, err := GenerateKey()
		require.NoError(t, err)
		var otpPrivArr [32]byte
		copy(otpPrivArr[:], otpPriv)
		otpPub, err := curve25519.X25519(otpPrivArr[:], curve25519.Basepoint)
		require.NoError(t, err)
		var otpPubArr [32]byte
		copy(otpPubArr[:], otpPub)
		bundle.OneTimePrekey = &otpPubArr
		otpPrivPtr = &otpPrivArr
	}

	return bundle, spkPrivArr, otpPrivPtr
}

func TestX3DHInitiatorResponderAgree(t *testing.T) {
	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, spkPriv, otpPriv := makeTestBundle(t, bobPriv, bobPub, true)

	initResult, err := X3DHInitiate(alicePriv, bundle)
	require.NoError(t, err)

	respResult, err := X3DHRespond(bobPriv, spkPriv, otpPriv, alicePub, initResult.EphemeralPublic)
	require.NoError(t, err)

	require.Equal(t, initResult.SharedSecret, respResult.SharedSecret)
	require.Equal(t, initResult.AssociatedData, respResult.AssociatedData)
}

func TestX3DHWithoutOneTimePrekey(t *testing.T) {
	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, spkPriv, _ := makeTestBundle(t, bobPriv, bobPub, false)

	initResult, err := X3DHInitiate(alicePriv, bundle)
	require.NoError(t, err)

	respResult, err := X3DHRespond(bobPriv, spkPriv, nil, alicePub, initResult.EphemeralPublic)
	require.NoError(t, err)

	require.Equal(t, initResult.SharedSecret, respResult.SharedSecret)
}

func TestX3DHInvalidSignatureRejected(t *testing.T) {
	_, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, _, _ := makeTestBundle(t, bobPriv, bobPub, true)
	bundle.SignedPrekeySig = make([]byte, ed25519.SignatureSize)

	_, err = X3DHInitiate(alicePriv, bundle)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

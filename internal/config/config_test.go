package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseIdentitySeedRoundTrips(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i)
	}
	seedHex := hex.EncodeToString(seed)

	priv, pub, err := parseIdentitySeed(seedHex)
	require.NoError(t, err)
	require.Equal(t, ed25519.PrivateKeySize, len(priv))
	require.True(t, pub.Equal(priv.Public().(ed25519.PublicKey)))
}

func TestParseIdentitySeedRejectsWrongLength(t *testing.T) {
	_, _, err := parseIdentitySeed(hex.EncodeToString([]byte("too short")))
	require.Error(t, err)
}

func TestParseIdentitySeedRejectsNonHex(t *testing.T) {
	_, _, err := parseIdentitySeed("not-hex-at-all")
	require.Error(t, err)
}

func TestSplitAndTrim(t *testing.T) {
	require.Equal(t, []string{"https://a.example", "https://b.example"}, splitAndTrim("https://a.example, https://b.example"))
	require.Nil(t, splitAndTrim(""))
}

func TestGetEnvDefaults(t *testing.T) {
	t.Setenv("CHATALOT_TEST_KEY", "")
	require.Equal(t, "fallback", getEnv("CHATALOT_TEST_KEY", "fallback"))

	t.Setenv("CHATALOT_TEST_KEY", "value")
	require.Equal(t, "value", getEnv("CHATALOT_TEST_KEY", "fallback"))
}

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFingerprintDeterministic(t *testing.T) {
	kp, err := GenerateIdentityKey()
	require.NoError(t, err)

	require.Equal(t, Fingerprint(kp.Public), Fingerprint(kp.Public))
	require.Len(t, Fingerprint(kp.Public), 64)
}

func TestSafetyNumberCommutative(t *testing.T) {
	a, err := GenerateIdentityKey()
	require.NoError(t, err)
	b, err := GenerateIdentityKey()
	require.NoError(t, err)

	require.Equal(t, SafetyNumber(a.Public, b.Public), SafetyNumber(b.Public, a.Public))
}

func TestSafetyNumberDiffersForDifferentKeys(t *testing.T) {
	a, _ := GenerateIdentityKey()
	b, _ := GenerateIdentityKey()
	c, _ := GenerateIdentityKey()

	require.NotEqual(t, SafetyNumber(a.Public, b.Public), SafetyNumber(a.Public, c.Public))
}

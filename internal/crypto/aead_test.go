package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	nonce, err := GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("hello, chatalot!")
	ciphertext, err := Encrypt(key, nonce, plaintext, nil)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(key, nonce, ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestEncryptDecryptWithAAD(t *testing.T) {
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()
	aad := []byte("header-bytes")

	ciphertext, err := Encrypt(key, nonce, []byte("secret"), aad)
	require.NoError(t, err)

	_, err = Decrypt(key, nonce, ciphertext, []byte("different-header"))
	require.ErrorIs(t, err, ErrDecryptionFailed)

	plaintext, err := Decrypt(key, nonce, ciphertext, aad)
	require.NoError(t, err)
	require.Equal(t, []byte("secret"), plaintext)
}

func TestDecryptWrongKeyFails(t *testing.T) {
	key, _ := GenerateKey()
	wrongKey, _ := GenerateKey()
	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt(key, nonce, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = Decrypt(wrongKey, nonce, ciphertext, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	key, _ := GenerateKey()
	nonce, _ := GenerateNonce()

	ciphertext, err := Encrypt(key, nonce, []byte("secret"), nil)
	require.NoError(t, err)
	ciphertext[0] ^= 0xFF

	_, err = Decrypt(key, nonce, ciphertext, nil)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func pairedSessions(t *testing.T) (alice *RatchetSession, bob *RatchetSession) {
	t.Helper()

	var sharedSecret [32]byte
	_, err := rand.Read(sharedSecret[:])
	require.NoError(t, err)

	bobPriv, err := GenerateKey()
	require.NoError(t, err)
	var bobPrivArr [32]byte
	copy(bobPrivArr[:], bobPriv)

	bob, err = InitRatchetResponder(sharedSecret, bobPrivArr)
	require.NoError(t, err)

	alice, err = InitRatchetInitiator(sharedSecret, *bob.dhSendingPublic)
	require.NoError(t, err)

	return alice, bob
}

func TestRatchetBasicExchange(t *testing.T) {
	alice, bob := pairedSessions(t)

	msg, err := alice.Encrypt([]byte("hello bob"))
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "hello bob", string(plaintext))
}

func TestRatchetMultipleMessagesSameDirection(t *testing.T) {
	alice, bob := pairedSessions(t)

	for i := 0; i < 5; i++ {
		msg, err := alice.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		plaintext, err := bob.Decrypt(msg)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}
}

func TestRatchetOutOfOrderMessages(t *testing.T) {
	alice, bob := pairedSessions(t)

	var msgs []*EncryptedMessage
	for i := 0; i < 3; i++ {
		msg, err := alice.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	plaintext2, err := bob.Decrypt(msgs[2])
	require.NoError(t, err)
	require.Equal(t, []byte{2}, plaintext2)

	plaintext0, err := bob.Decrypt(msgs[0])
	require.NoError(t, err)
	require.Equal(t, []byte{0}, plaintext0)

	plaintext1, err := bob.Decrypt(msgs[1])
	require.NoError(t, err)
	require.Equal(t, []byte{1}, plaintext1)
}

func TestRatchetPingPongConversation(t *testing.T) {
	alice, bob := pairedSessions(t)

	for i := 0; i < 10; i++ {
		aMsg, err := alice.Encrypt([]byte("from alice"))
		require.NoError(t, err)
		got, err := bob.Decrypt(aMsg)
		require.NoError(t, err)
		require.Equal(t, "from alice", string(got))

		bMsg, err := bob.Encrypt([]byte("from bob"))
		require.NoError(t, err)
		got, err = alice.Decrypt(bMsg)
		require.NoError(t, err)
		require.Equal(t, "from bob", string(got))
	}
}

func TestRatchetTamperedCiphertextFails(t *testing.T) {
	alice, bob := pairedSessions(t)

	msg, err := alice.Encrypt([]byte("hello"))
	require.NoError(t, err)
	msg.Ciphertext[0] ^= 0xFF

	_, err = bob.Decrypt(msg)
	require.Error(t, err)
}

func TestRatchetSessionSerializationRoundTrip(t *testing.T) {
	alice, bob := pairedSessions(t)

	for i := 0; i < 3; i++ {
		msg, err := alice.Encrypt([]byte("pre-restore"))
		require.NoError(t, err)
		_, err = bob.Decrypt(msg)
		require.NoError(t, err)
	}

	data, err := alice.Serialize()
	require.NoError(t, err)

	restored, err := DeserializeRatchetSession(data)
	require.NoError(t, err)

	msg, err := restored.Encrypt([]byte("post-restore"))
	require.NoError(t, err)
	plaintext, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "post-restore", string(plaintext))
}

func TestRatchetLargeMessage(t *testing.T) {
	alice, bob := pairedSessions(t)

	large := make([]byte, 64*1024)
	_, err := rand.Read(large)
	require.NoError(t, err)

	msg, err := alice.Encrypt(large)
	require.NoError(t, err)

	plaintext, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.True(t, bytes.Equal(large, plaintext))
}

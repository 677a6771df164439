package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSenderKeyBasic(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)

	receiver := ReceiverKeyFromDistribution(dist)

	msg, err := sender.Encrypt([]byte("hello channel"))
	require.NoError(t, err)

	plaintext, err := receiver.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "hello channel", string(plaintext))
}

func TestSenderKeyMultipleMessages(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)
	receiver := ReceiverKeyFromDistribution(dist)

	for i := 0; i < 5; i++ {
		msg, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		plaintext, err := receiver.Decrypt(msg)
		require.NoError(t, err)
		require.Equal(t, []byte{byte(i)}, plaintext)
	}
}

func TestSenderKeyOutOfOrder(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)
	receiver := ReceiverKeyFromDistribution(dist)

	var msgs []*SenderKeyMessage
	for i := 0; i < 3; i++ {
		msg, err := sender.Encrypt([]byte{byte(i)})
		require.NoError(t, err)
		msgs = append(msgs, msg)
	}

	plaintext2, err := receiver.Decrypt(msgs[2])
	require.NoError(t, err)
	require.Equal(t, []byte{2}, plaintext2)

	plaintext0, err := receiver.Decrypt(msgs[0])
	require.NoError(t, err)
	require.Equal(t, []byte{0}, plaintext0)

	plaintext1, err := receiver.Decrypt(msgs[1])
	require.NoError(t, err)
	require.Equal(t, []byte{1}, plaintext1)
}

func TestSenderKeyMultipleRecipients(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)

	bob := ReceiverKeyFromDistribution(dist)
	carol := ReceiverKeyFromDistribution(dist)

	msg, err := sender.Encrypt([]byte("to the whole channel"))
	require.NoError(t, err)

	bobPlaintext, err := bob.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "to the whole channel", string(bobPlaintext))

	carolPlaintext, err := carol.Decrypt(msg)
	require.NoError(t, err)
	require.Equal(t, "to the whole channel", string(carolPlaintext))
}

func TestSenderKeyTamperedFails(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)
	receiver := ReceiverKeyFromDistribution(dist)

	msg, err := sender.Encrypt([]byte("hello"))
	require.NoError(t, err)
	msg.Ciphertext[0] ^= 0xFF

	_, err = receiver.Decrypt(msg)
	require.Error(t, err)
}

func TestSenderKeySerializationRoundTrip(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)
	receiver := ReceiverKeyFromDistribution(dist)

	msg1, err := sender.Encrypt([]byte("before restore"))
	require.NoError(t, err)
	_, err = receiver.Decrypt(msg1)
	require.NoError(t, err)

	senderData, err := sender.Serialize()
	require.NoError(t, err)
	receiverData, err := receiver.Serialize()
	require.NoError(t, err)

	restoredSender, err := DeserializeSenderKeyState(senderData)
	require.NoError(t, err)
	restoredReceiver, err := DeserializeReceiverKeyState(receiverData)
	require.NoError(t, err)

	msg2, err := restoredSender.Encrypt([]byte("after restore"))
	require.NoError(t, err)
	plaintext, err := restoredReceiver.Decrypt(msg2)
	require.NoError(t, err)
	require.Equal(t, "after restore", string(plaintext))
}

func TestSenderKeyWrongChainIDRejected(t *testing.T) {
	sender, dist, err := GenerateSenderKey([]byte("alice"))
	require.NoError(t, err)
	receiver := ReceiverKeyFromDistribution(dist)

	msg, err := sender.Encrypt([]byte("hello"))
	require.NoError(t, err)
	msg.ChainID++

	_, err = receiver.Decrypt(msg)
	require.ErrorIs(t, err, ErrUnknownChain)
}

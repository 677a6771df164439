package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrUnknownChain is returned when a sender-key message names a chain_id
// the receiver has no distribution for.
var ErrUnknownChain = errors.New("crypto: unknown sender-key chain")

const senderKeyMaxSkip = 2000

var senderKeyInfo = []byte("chatalot-sender-key-chain")

// SenderKeyDistribution is the payload a sender publishes (via pairwise
// Double Ratchet sessions) so that channel members can decrypt its
// broadcast chain.
type SenderKeyDistribution struct {
	ChainID   uint32   `json:"chain_id"`
	Iteration uint32   `json:"iteration"`
	ChainKey  [32]byte `json:"chain_key"`
	SenderID  []byte   `json:"sender_id"`
}

// SenderKeyMessage is a single group-broadcast ciphertext. Unlike ratchet
// messages, sender-key messages carry no AAD.
type SenderKeyMessage struct {
	ChainID    uint32   `json:"chain_id"`
	Iteration  uint32   `json:"iteration"`
	Ciphertext []byte   `json:"ciphertext"`
	Nonce      [12]byte `json:"nonce"`
}

// SenderKeyState is the sender's own chain: the only party who ever
// advances it forward on encrypt.
type SenderKeyState struct {
	chainID   uint32
	chainKey  [32]byte
	iteration uint32
	senderID  []byte
}

// GenerateSenderKey creates a fresh broadcast chain for senderID and the
// distribution message to publish it to channel members.
func GenerateSenderKey(senderID []byte) (*SenderKeyState, *SenderKeyDistribution, error) {
	chainKey, err := GenerateKey()
	if err != nil {
		return nil, nil, err
	}
	var chainKeyArr [32]byte
	copy(chainKeyArr[:], chainKey)

	var chainIDBytes [4]byte
	if _, err := rand.Read(chainIDBytes[:]); err != nil {
		return nil, nil, err
	}
	chainID := uint32(chainIDBytes[0])<<24 | uint32(chainIDBytes[1])<<16 | uint32(chainIDBytes[2])<<8 | uint32(chainIDBytes[3])

	state := &SenderKeyState{chainID: chainID, chainKey: chainKeyArr, iteration: 0, senderID: senderID}
	dist := &SenderKeyDistribution{ChainID: chainID, Iteration: 0, ChainKey: chainKeyArr, SenderID: senderID}
	return state, dist, nil
}

// Encrypt advances the sender's chain and seals plaintext under the
// derived message key. No associated data is bound — recipients are
// identified by channel membership, not by a per-message header.
func (s *SenderKeyState) Encrypt(plaintext []byte) (*SenderKeyMessage, error) {
	msgKey, newChain, err := advanceSenderChain(s.chainKey)
	if err != nil {
		return nil, err
	}
	s.chainKey = newChain

	iterationForMsg := s.iteration
	s.iteration++

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	var nonceArr [12]byte
	copy(nonceArr[:], nonce)

	ciphertext, err := Encrypt(msgKey[:], nonceArr[:], plaintext, nil)
	if err != nil {
		return nil, err
	}

	return &SenderKeyMessage{
		ChainID:    s.chainID,
		Iteration:  iterationForMsg,
		Ciphertext: ciphertext,
		Nonce:      nonceArr,
	}, nil
}

// ChainID reports the chain identifier so callers can route distribution
// updates without peeking at unexported state.
func (s *SenderKeyState) ChainID() uint32 { return s.chainID }

// Zero wipes the chain key. Callers must invoke this explicitly when a
// sender's chain is retired (member removal, rotation).
func (s *SenderKeyState) Zero() {
	if s == nil {
		return
	}
	zeroBytes(s.chainKey[:])
}

// ReceiverKeyState is a single channel member's view of one sender's
// broadcast chain, built from that sender's published distribution.
type ReceiverKeyState struct {
	chainID     uint32
	chainKey    [32]byte
	iteration   uint32
	senderID    []byte
	cachedKeys  map[uint32][32]byte
}

// Zero wipes the chain key and every cached out-of-order message key.
// Callers must invoke this explicitly when a receiver's view of a
// sender's chain is retired.
func (r *ReceiverKeyState) Zero() {
	if r == nil {
		return
	}
	zeroBytes(r.chainKey[:])
	var zero [32]byte
	for k := range r.cachedKeys {
		r.cachedKeys[k] = zero
		delete(r.cachedKeys, k)
	}
}

// ReceiverKeyFromDistribution builds receiver state from a freshly
// delivered distribution message.
func ReceiverKeyFromDistribution(dist *SenderKeyDistribution) *ReceiverKeyState {
	return &ReceiverKeyState{
		chainID:    dist.ChainID,
		chainKey:   dist.ChainKey,
		iteration:  dist.Iteration,
		senderID:   dist.SenderID,
		cachedKeys: make(map[uint32][32]byte),
	}
}

// Decrypt advances the receiver's local copy of the chain as needed to
// reach msg's iteration, caching any intermediate message keys for
// messages that arrive out of order.
func (r *ReceiverKeyState) Decrypt(msg *SenderKeyMessage) ([]byte, error) {
	if msg.ChainID != r.chainID {
		return nil, ErrUnknownChain
	}

	if key, ok := r.cachedKeys[msg.Iteration]; ok {
		delete(r.cachedKeys, msg.Iteration)
		return Decrypt(key[:], msg.Nonce[:], msg.Ciphertext, nil)
	}

	switch {
	case msg.Iteration > r.iteration:
		skipCount := msg.Iteration - r.iteration
		if skipCount > senderKeyMaxSkip {
			return nil, ErrTooManySkipped
		}
		current := r.chainKey
		for i := r.iteration; i < msg.Iteration; i++ {
			msgKey, newChain, err := advanceSenderChain(current)
			if err != nil {
				return nil, err
			}
			r.cachedKeys[i] = msgKey
			current = newChain
		}
		r.chainKey = current
		r.iteration = msg.Iteration
		for len(r.cachedKeys) > senderKeyMaxSkip {
			oldest := msg.Iteration
			for it := range r.cachedKeys {
				if it < oldest {
					oldest = it
				}
			}
			var zero [32]byte
			r.cachedKeys[oldest] = zero
			delete(r.cachedKeys, oldest)
		}

		msgKey, newChain, err := advanceSenderChain(r.chainKey)
		if err != nil {
			return nil, err
		}
		r.chainKey = newChain
		r.iteration++
		return Decrypt(msgKey[:], msg.Nonce[:], msg.Ciphertext, nil)

	case msg.Iteration < r.iteration:
		return nil, ErrDecryptionFailed

	default:
		msgKey, newChain, err := advanceSenderChain(r.chainKey)
		if err != nil {
			return nil, err
		}
		r.chainKey = newChain
		r.iteration++
		return Decrypt(msgKey[:], msg.Nonce[:], msg.Ciphertext, nil)
	}
}

func advanceSenderChain(chainKey [32]byte) (msgKey [32]byte, nextChain [32]byte, err error) {
	kdf1 := hkdf.New(sha256.New, []byte{0x01}, chainKey[:], senderKeyInfo)
	if _, err := io.ReadFull(kdf1, msgKey[:]); err != nil {
		return msgKey, nextChain, fmt.Errorf("%w: %v", ErrHKDF, err)
	}
	kdf2 := hkdf.New(sha256.New, []byte{0x02}, chainKey[:], senderKeyInfo)
	if _, err := io.ReadFull(kdf2, nextChain[:]); err != nil {
		return msgKey, nextChain, fmt.Errorf("%w: %v", ErrHKDF, err)
	}
	return msgKey, nextChain, nil
}

// senderKeyStateJSON / receiverKeyStateJSON expose the unexported fields
// of SenderKeyState / ReceiverKeyState for persistence.
type senderKeyStateJSON struct {
	ChainID   uint32   `json:"chain_id"`
	ChainKey  [32]byte `json:"chain_key"`
	Iteration uint32   `json:"iteration"`
	SenderID  []byte   `json:"sender_id"`
}

// Serialize encodes sender state for storage between launches.
func (s *SenderKeyState) Serialize() ([]byte, error) {
	return json.Marshal(senderKeyStateJSON{ChainID: s.chainID, ChainKey: s.chainKey, Iteration: s.iteration, SenderID: s.senderID})
}

// DeserializeSenderKeyState restores sender state from Serialize's output.
func DeserializeSenderKeyState(data []byte) (*SenderKeyState, error) {
	var st senderKeyStateJSON
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal sender key state: %w", err)
	}
	return &SenderKeyState{chainID: st.ChainID, chainKey: st.ChainKey, iteration: st.Iteration, senderID: st.SenderID}, nil
}

type receiverKeyStateJSON struct {
	ChainID    uint32            `json:"chain_id"`
	ChainKey   [32]byte          `json:"chain_key"`
	Iteration  uint32            `json:"iteration"`
	SenderID   []byte            `json:"sender_id"`
	CachedKeys map[uint32][32]byte `json:"cached_keys"`
}

// Serialize encodes receiver state, including any cached out-of-order
// message keys, for storage between launches.
func (r *ReceiverKeyState) Serialize() ([]byte, error) {
	return json.Marshal(receiverKeyStateJSON{
		ChainID: r.chainID, ChainKey: r.chainKey, Iteration: r.iteration,
		SenderID: r.senderID, CachedKeys: r.cachedKeys,
	})
}

// DeserializeReceiverKeyState restores receiver state from Serialize's
// output.
func DeserializeReceiverKeyState(data []byte) (*ReceiverKeyState, error) {
	var st receiverKeyStateJSON
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal receiver key state: %w", err)
	}
	if st.CachedKeys == nil {
		st.CachedKeys = make(map[uint32][32]byte)
	}
	return &ReceiverKeyState{
		chainID: st.ChainID, chainKey: st.ChainKey, iteration: st.Iteration,
		senderID: st.SenderID, cachedKeys: st.CachedKeys,
	}, nil
}

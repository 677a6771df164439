package crypto

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrTooManySkipped is returned when a single decrypt would need to skip
// more than maxSkip message keys in total, counting both the rest of the
// old receiving chain and the new chain when a DH ratchet step happens.
var ErrTooManySkipped = errors.New("crypto: too many skipped messages")

// ErrHKDF wraps any HKDF-expand failure, which in practice only happens
// on a programming error (zero-length output or a broken reader).
var ErrHKDF = errors.New("crypto: hkdf derivation failed")

const (
	maxSkip          = 1000
	maxSkippedStored = 1000
)

var (
	ratchetInfo = []byte("chatalot-ratchet")
	msgKeyInfo  = []byte("chatalot-msg-key")
)

// MessageHeader accompanies every ratchet-encrypted message and is bound
// into the AEAD tag as associated data.
type MessageHeader struct {
	RatchetKey         [32]byte `json:"ratchet_key"`
	PreviousChainLength uint32  `json:"previous_chain_length"`
	MessageNumber       uint32  `json:"message_number"`
}

// EncryptedMessage is a ratchet-produced header+ciphertext+nonce triple.
type EncryptedMessage struct {
	Header     MessageHeader `json:"header"`
	Ciphertext []byte        `json:"ciphertext"`
	Nonce      [12]byte      `json:"nonce"`
}

type skippedKey struct {
	RatchetKey    [32]byte
	MessageNumber uint32
}

// RatchetSession is the per-pair Double Ratchet state. Zero value is not
// usable; construct with InitRatchetInitiator or InitRatchetResponder.
type RatchetSession struct {
	dhSendingPrivate *[32]byte
	dhSendingPublic  *[32]byte
	dhReceivingKey   *[32]byte

	rootKey [32]byte

	sendingChainKey   *[32]byte
	receivingChainKey *[32]byte

	sendCount         uint32
	recvCount         uint32
	previousSendCount uint32

	skippedKeys  map[skippedKey][32]byte
	skippedOrder []skippedKey // insertion order, for deterministic eviction
}

// Zero wipes every secret field this session holds: the sending DH
// private key, the root key, both chain keys, and every cached skipped
// message key. Public key material (dhSendingPublic, dhReceivingKey) is
// left untouched, matching double_ratchet.rs's Drop impl. Callers must
// call Zero explicitly when a session is torn down — Go has no
// destructor to do it for them.
func (r *RatchetSession) Zero() {
	if r == nil {
		return
	}
	zeroArray32(r.dhSendingPrivate)
	zeroBytes(r.rootKey[:])
	zeroArray32(r.sendingChainKey)
	zeroArray32(r.receivingChainKey)
	var zero [32]byte
	for k := range r.skippedKeys {
		r.skippedKeys[k] = zero
		delete(r.skippedKeys, k)
	}
}

// ratchetState is the JSON-serialisable shape of RatchetSession, used for
// both wire (de)serialisation and persistence between client launches.
type ratchetState struct {
	DHSendingPrivate  *[32]byte              `json:"dh_sending_private,omitempty"`
	DHSendingPublic   *[32]byte              `json:"dh_sending_public,omitempty"`
	DHReceivingKey    *[32]byte              `json:"dh_receiving_key,omitempty"`
	RootKey           [32]byte               `json:"root_key"`
	SendingChainKey   *[32]byte              `json:"sending_chain_key,omitempty"`
	ReceivingChainKey *[32]byte              `json:"receiving_chain_key,omitempty"`
	SendCount         uint32                 `json:"send_count"`
	RecvCount         uint32                 `json:"recv_count"`
	PreviousSendCount uint32                 `json:"previous_send_count"`
	SkippedOrder      []skippedKeyJSON       `json:"skipped_keys"`
}

type skippedKeyJSON struct {
	RatchetKey    [32]byte `json:"ratchet_key"`
	MessageNumber uint32   `json:"message_number"`
	Key           [32]byte `json:"key"`
}

// InitRatchetInitiator initialises a session as the party who ran X3DH as
// initiator: it generates a fresh ratchet keypair, performs the first DH
// ratchet step against the responder's initial ratchet key (their signed
// prekey), and derives the root and first sending chain key.
func InitRatchetInitiator(sharedSecret [32]byte, theirRatchetKey [32]byte) (*RatchetSession, error) {
	ourSecret, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	var ourSecretArr [32]byte
	copy(ourSecretArr[:], ourSecret)
	ourPublic, err := curve25519.X25519(ourSecretArr[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive ratchet public: %w", err)
	}
	var ourPublicArr [32]byte
	copy(ourPublicArr[:], ourPublic)

	dhOutput, err := dh(ourSecretArr, theirRatchetKey)
	if err != nil {
		return nil, err
	}

	rootKey, chainKey, err := kdfRK(sharedSecret, dhOutput)
	if err != nil {
		return nil, err
	}

	return &RatchetSession{
		dhSendingPrivate: &ourSecretArr,
		dhSendingPublic:  &ourPublicArr,
		dhReceivingKey:   &theirRatchetKey,
		rootKey:          rootKey,
		sendingChainKey:  &chainKey,
		skippedKeys:      make(map[skippedKey][32]byte),
	}, nil
}

// InitRatchetResponder initialises a session as the party who ran X3DH as
// responder: their own signed-prekey keypair becomes the initial ratchet
// keypair. No chains exist until the initiator's first message arrives.
func InitRatchetResponder(sharedSecret [32]byte, ourRatchetPrivate [32]byte) (*RatchetSession, error) {
	ourPublic, err := curve25519.X25519(ourRatchetPrivate[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive ratchet public: %w", err)
	}
	var ourPublicArr [32]byte
	copy(ourPublicArr[:], ourPublic)

	return &RatchetSession{
		dhSendingPrivate: &ourRatchetPrivate,
		dhSendingPublic:  &ourPublicArr,
		rootKey:          sharedSecret,
		skippedKeys:      make(map[skippedKey][32]byte),
	}, nil
}

// Encrypt derives the next message key from the sending chain and seals
// plaintext, binding the message header as associated data.
func (s *RatchetSession) Encrypt(plaintext []byte) (*EncryptedMessage, error) {
	if s.sendingChainKey == nil {
		return nil, errors.New("crypto: no sending chain established")
	}

	msgKey, newChain, err := kdfCK(*s.sendingChainKey)
	if err != nil {
		return nil, err
	}
	s.sendingChainKey = &newChain

	header := MessageHeader{
		PreviousChainLength: s.previousSendCount,
		MessageNumber:       s.sendCount,
	}
	if s.dhSendingPublic != nil {
		header.RatchetKey = *s.dhSendingPublic
	}
	s.sendCount++

	nonce, err := GenerateNonce()
	if err != nil {
		return nil, err
	}
	var nonceArr [12]byte
	copy(nonceArr[:], nonce)

	headerAAD, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("crypto: marshal header: %w", err)
	}

	ciphertext, err := Encrypt(msgKey[:], nonceArr[:], plaintext, headerAAD)
	if err != nil {
		return nil, err
	}

	return &EncryptedMessage{Header: header, Ciphertext: ciphertext, Nonce: nonceArr}, nil
}

// Decrypt processes an incoming message, performing a DH ratchet step if
// the sender's ratchet key has changed, skipping forward as needed, and
// falling back to a no-AAD decrypt attempt for pre-AAD-binding messages.
func (s *RatchetSession) Decrypt(msg *EncryptedMessage) ([]byte, error) {
	skipKey := skippedKey{RatchetKey: msg.Header.RatchetKey, MessageNumber: msg.Header.MessageNumber}
	if key, ok := s.skippedKeys[skipKey]; ok {
		var zero [32]byte
		s.skippedKeys[skipKey] = zero
		delete(s.skippedKeys, skipKey)
		s.removeFromOrder(skipKey)
		return decryptWithKey(key, msg)
	}

	theirKeyChanged := s.dhReceivingKey == nil || *s.dhReceivingKey != msg.Header.RatchetKey
	if theirKeyChanged {
		total := uint64(msg.Header.MessageNumber)
		if s.receivingChainKey != nil && msg.Header.PreviousChainLength > s.recvCount {
			total += uint64(msg.Header.PreviousChainLength - s.recvCount)
		}
		if total > maxSkip {
			return nil, ErrTooManySkipped
		}
		if s.receivingChainKey != nil {
			if err := s.skipMessages(msg.Header.PreviousChainLength); err != nil {
				return nil, err
			}
		}
		if err := s.dhRatchet(msg.Header.RatchetKey); err != nil {
			return nil, err
		}
	}

	if err := s.skipMessages(msg.Header.MessageNumber); err != nil {
		return nil, err
	}

	msgKey, newChain, err := kdfCK(*s.receivingChainKey)
	if err != nil {
		return nil, err
	}
	s.receivingChainKey = &newChain
	s.recvCount = msg.Header.MessageNumber + 1

	return decryptWithKey(msgKey, msg)
}

// dhRatchet performs a DH ratchet step, replacing the sending keypair and
// both chain keys. The values it replaces are wiped rather than left for
// the GC, same invariant as Zero applies at session teardown.
func (s *RatchetSession) dhRatchet(theirNewKey [32]byte) error {
	s.previousSendCount = s.sendCount
	s.sendCount = 0
	s.recvCount = 0
	s.dhReceivingKey = &theirNewKey

	if s.dhSendingPrivate != nil {
		dhOutput, err := dh(*s.dhSendingPrivate, theirNewKey)
		if err != nil {
			return err
		}
		newRoot, recvChain, err := kdfRK(s.rootKey, dhOutput)
		if err != nil {
			return err
		}
		zeroArray32(s.receivingChainKey)
		s.rootKey = newRoot
		s.receivingChainKey = &recvChain
	}

	newSecret, err := GenerateKey()
	if err != nil {
		return err
	}
	var newSecretArr [32]byte
	copy(newSecretArr[:], newSecret)
	newPublic, err := curve25519.X25519(newSecretArr[:], curve25519.Basepoint)
	if err != nil {
		return fmt.Errorf("crypto: derive new ratchet public: %w", err)
	}
	var newPublicArr [32]byte
	copy(newPublicArr[:], newPublic)

	dhOutput, err := dh(newSecretArr, theirNewKey)
	if err != nil {
		return err
	}
	newRoot, sendChain, err := kdfRK(s.rootKey, dhOutput)
	if err != nil {
		return err
	}

	zeroArray32(s.dhSendingPrivate)
	zeroArray32(s.sendingChainKey)
	s.rootKey = newRoot
	s.sendingChainKey = &sendChain
	s.dhSendingPrivate = &newSecretArr
	s.dhSendingPublic = &newPublicArr
	return nil
}

func (s *RatchetSession) skipMessages(until uint32) error {
	if s.recvCount+maxSkip < until {
		return ErrTooManySkipped
	}
	if s.receivingChainKey == nil {
		return nil
	}

	currentChain := *s.receivingChainKey
	var ratchetKey [32]byte
	if s.dhReceivingKey != nil {
		ratchetKey = *s.dhReceivingKey
	}

	for s.recvCount < until {
		msgKey, newChain, err := kdfCK(currentChain)
		if err != nil {
			return err
		}
		currentChain = newChain

		key := skippedKey{RatchetKey: ratchetKey, MessageNumber: s.recvCount}
		s.storeSkipped(key, msgKey)
		s.recvCount++
	}

	s.receivingChainKey = &currentChain
	return nil
}

// storeSkipped inserts a skipped message key, evicting the oldest entry
// (by insertion order) once the bound is exceeded — a deterministic
// substitute for true LRU since entries are never "touched" after insert.
func (s *RatchetSession) storeSkipped(key skippedKey, msgKey [32]byte) {
	if _, exists := s.skippedKeys[key]; !exists {
		s.skippedOrder = append(s.skippedOrder, key)
	}
	s.skippedKeys[key] = msgKey
	var zero [32]byte
	for len(s.skippedOrder) > maxSkippedStored {
		oldest := s.skippedOrder[0]
		s.skippedOrder = s.skippedOrder[1:]
		s.skippedKeys[oldest] = zero
		delete(s.skippedKeys, oldest)
	}
}

func (s *RatchetSession) removeFromOrder(key skippedKey) {
	for i, k := range s.skippedOrder {
		if k == key {
			s.skippedOrder = append(s.skippedOrder[:i], s.skippedOrder[i+1:]...)
			return
		}
	}
}

// kdfRK is KDF_RK: derives a new root key and chain key from the current
// root key and a fresh DH output.
func kdfRK(rootKey [32]byte, dhOutput []byte) (newRoot [32]byte, chainKey [32]byte, err error) {
	kdf := hkdf.New(sha256.New, dhOutput, rootKey[:], ratchetInfo)
	var output [64]byte
	if _, err := io.ReadFull(kdf, output[:]); err != nil {
		return newRoot, chainKey, fmt.Errorf("%w: %v", ErrHKDF, err)
	}
	copy(newRoot[:], output[:32])
	copy(chainKey[:], output[32:])
	return newRoot, chainKey, nil
}

// kdfCK is KDF_CK: derives a message key and the next chain key from the
// current chain key.
func kdfCK(chainKey [32]byte) (msgKey [32]byte, nextChain [32]byte, err error) {
	kdf1 := hkdf.New(sha256.New, []byte{0x01}, chainKey[:], msgKeyInfo)
	if _, err := io.ReadFull(kdf1, msgKey[:]); err != nil {
		return msgKey, nextChain, fmt.Errorf("%w: %v", ErrHKDF, err)
	}
	kdf2 := hkdf.New(sha256.New, []byte{0x02}, chainKey[:], msgKeyInfo)
	if _, err := io.ReadFull(kdf2, nextChain[:]); err != nil {
		return msgKey, nextChain, fmt.Errorf("%w: %v", ErrHKDF, err)
	}
	return msgKey, nextChain, nil
}

// decryptWithKey tries the header-AAD variant first (current wire format)
// and falls back to no-AAD for messages predating the AAD binding.
func decryptWithKey(msgKey [32]byte, msg *EncryptedMessage) ([]byte, error) {
	headerAAD, err := json.Marshal(msg.Header)
	if err == nil {
		if plaintext, err := Decrypt(msgKey[:], msg.Nonce[:], msg.Ciphertext, headerAAD); err == nil {
			return plaintext, nil
		}
	}
	return Decrypt(msgKey[:], msg.Nonce[:], msg.Ciphertext, nil)
}

// Serialize encodes the session state to opaque JSON bytes for storage
// between client launches.
func (s *RatchetSession) Serialize() ([]byte, error) {
	st := ratchetState{
		DHSendingPrivate:  s.dhSendingPrivate,
		DHSendingPublic:   s.dhSendingPublic,
		DHReceivingKey:    s.dhReceivingKey,
		RootKey:           s.rootKey,
		SendingChainKey:   s.sendingChainKey,
		ReceivingChainKey: s.receivingChainKey,
		SendCount:         s.sendCount,
		RecvCount:         s.recvCount,
		PreviousSendCount: s.previousSendCount,
	}
	for _, k := range s.skippedOrder {
		st.SkippedOrder = append(st.SkippedOrder, skippedKeyJSON{
			RatchetKey:    k.RatchetKey,
			MessageNumber: k.MessageNumber,
			Key:           s.skippedKeys[k],
		})
	}
	return json.Marshal(st)
}

// DeserializeRatchetSession restores a session from bytes produced by
// Serialize. Continuation encrypt/decrypt after restore behaves
// identically to the original session.
func DeserializeRatchetSession(data []byte) (*RatchetSession, error) {
	var st ratchetState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crypto: unmarshal ratchet state: %w", err)
	}

	s := &RatchetSession{
		dhSendingPrivate:  st.DHSendingPrivate,
		dhSendingPublic:   st.DHSendingPublic,
		dhReceivingKey:    st.DHReceivingKey,
		rootKey:           st.RootKey,
		sendingChainKey:   st.SendingChainKey,
		receivingChainKey: st.ReceivingChainKey,
		sendCount:         st.SendCount,
		recvCount:         st.RecvCount,
		previousSendCount: st.PreviousSendCount,
		skippedKeys:       make(map[skippedKey][32]byte),
	}
	for _, k := range st.SkippedOrder {
		sk := skippedKey{RatchetKey: k.RatchetKey, MessageNumber: k.MessageNumber}
		s.skippedKeys[sk] = k.Key
		s.skippedOrder = append(s.skippedOrder, sk)
	}
	return s, nil
}

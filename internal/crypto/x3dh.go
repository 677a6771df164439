package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// ErrInvalidSignature is returned when a signed prekey's signature fails
// verification against the claimed identity key.
var ErrInvalidSignature = errors.New("crypto: invalid signature")

// x3dhInfo is the HKDF info string mandated for the X3DH shared-secret
// derivation.
var x3dhInfo = []byte("chatalot-x3dh-shared-secret")

// kdfFiller is the 32-byte 0xFF filler prepended to the X3DH KDF input,
// matching the original reference implementation's byte for byte.
var kdfFiller = func() []byte {
	f := make([]byte, 32)
	for i := range f {
		f[i] = 0xFF
	}
	return f
}()

// fieldPrime is 2^255 - 19, the Curve25519 field modulus, used only for the
// Ed25519-public-key-to-Montgomery-u-coordinate birational map.
var fieldPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 255)
	return p.Sub(p, big.NewInt(19))
}()

// PrekeyBundle is a user's published key bundle as fetched from the store.
type PrekeyBundle struct {
	IdentityKey         ed25519.PublicKey
	SignedPrekey        [32]byte // X25519 public
	SignedPrekeySig     []byte   // Ed25519 signature over SignedPrekey, by IdentityKey
	OneTimePrekey       *[32]byte
	OneTimePrekeyKeyID  *uint32
	SignedPrekeyKeyID   uint32
}

// X3DHInitiatorResult is the initiator's output after running X3DH.
type X3DHInitiatorResult struct {
	SharedSecret      [32]byte
	EphemeralPublic   [32]byte
	AssociatedData    []byte
}

// Zero wipes the derived shared secret once the caller has used it to
// seed a RatchetSession. EphemeralPublic is not secret and is left
// intact.
func (r *X3DHInitiatorResult) Zero() {
	if r == nil {
		return
	}
	zeroBytes(r.SharedSecret[:])
}

// X3DHResponderResult is the responder's output after processing an
// initiator's first message.
type X3DHResponderResult struct {
	SharedSecret   [32]byte
	AssociatedData []byte
}

// Zero wipes the derived shared secret once the caller has used it to
// seed a RatchetSession.
func (r *X3DHResponderResult) Zero() {
	if r == nil {
		return
	}
	zeroBytes(r.SharedSecret[:])
}

// ed25519PublicToX25519 converts an Ed25519 public key to its X25519
// Montgomery-u counterpart via the birational map u = (1+y)/(1-y) mod p,
// where y is the Edwards curve's y-coordinate (the sign bit in the top bit
// of the encoded public key is discarded — it only affects x, not u).
func ed25519PublicToX25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, fmt.Errorf("crypto: invalid ed25519 public key length %d", len(pub))
	}

	// Decode y little-endian, masking the sign bit (bit 255).
	buf := make([]byte, 32)
	copy(buf, pub)
	buf[31] &= 0x7F
	y := new(big.Int).SetBytes(reverse(buf))

	one := big.NewInt(1)
	numerator := new(big.Int).Add(one, y)
	numerator.Mod(numerator, fieldPrime)

	denominator := new(big.Int).Sub(one, y)
	denominator.Mod(denominator, fieldPrime)
	denominator.ModInverse(denominator, fieldPrime)

	u := new(big.Int).Mul(numerator, denominator)
	u.Mod(u, fieldPrime)

	uBytes := u.Bytes()
	// u.Bytes() is big-endian, possibly short; pad to 32 and reverse to
	// little-endian for the Montgomery encoding.
	padded := make([]byte, 32)
	copy(padded[32-len(uBytes):], uBytes)
	copy(out[:], reverse(padded))
	return out, nil
}

// ed25519PrivateToX25519 derives the X25519 static secret corresponding to
// an Ed25519 signing key: the first 32 bytes of SHA-512(seed). Clamping is
// applied by curve25519.X25519 itself at use time (it clamps its scalar
// argument per RFC 7748), matching the behaviour of x25519_dalek's
// StaticSecret::from used by the reference implementation.
func ed25519PrivateToX25519(priv ed25519.PrivateKey) [32]byte {
	var out [32]byte
	h := sha512.Sum512(priv.Seed())
	copy(out[:], h[:32])
	return out
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}

func dh(private [32]byte, public [32]byte) ([]byte, error) {
	out, err := curve25519.X25519(private[:], public[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: x25519: %w", err)
	}
	return out, nil
}

func computeAssociatedData(initiatorIdentity, responderIdentity ed25519.PublicKey) []byte {
	ad := make([]byte, 0, 64)
	ad = append(ad, initiatorIdentity...)
	ad = append(ad, responderIdentity...)
	return ad
}

func x3dhDerive(input []byte) ([32]byte, error) {
	var out [32]byte
	salt := make([]byte, 32)
	kdf := hkdf.New(sha256.New, input, salt, x3dhInfo)
	if _, err := io.ReadFull(kdf, out[:]); err != nil {
		return out, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// X3DHInitiate runs the initiator side of X3DH: ourIdentity is our Ed25519
// signing key, theirBundle is the responder's published prekey bundle.
func X3DHInitiate(ourIdentity ed25519.PrivateKey, theirBundle *PrekeyBundle) (*X3DHInitiatorResult, error) {
	if !ed25519.Verify(theirBundle.IdentityKey, theirBundle.SignedPrekey[:], theirBundle.SignedPrekeySig) {
		return nil, ErrInvalidSignature
	}

	ephemeralPriv, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	var ephemeralPrivArr [32]byte
	copy(ephemeralPrivArr[:], ephemeralPriv)
	defer zeroArray32(&ephemeralPrivArr)
	ephemeralPub, err := curve25519.X25519(ephemeralPrivArr[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("crypto: derive ephemeral public: %w", err)
	}
	var ephemeralPubArr [32]byte
	copy(ephemeralPubArr[:], ephemeralPub)

	ourX25519Priv := ed25519PrivateToX25519(ourIdentity)
	defer zeroArray32(&ourX25519Priv)
	theirX25519Identity, err := ed25519PublicToX25519(theirBundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	dh1, err := dh(ourX25519Priv, theirBundle.SignedPrekey)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ephemeralPrivArr, theirX25519Identity)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ephemeralPrivArr, theirBundle.SignedPrekey)
	if err != nil {
		return nil, err
	}

	input := make([]byte, 0, 32+32*4)
	input = append(input, kdfFiller...)
	input = append(input, dh1...)
	input = append(input, dh2...)
	input = append(input, dh3...)

	if theirBundle.OneTimePrekey != nil {
		dh4, err := dh(ephemeralPrivArr, *theirBundle.OneTimePrekey)
		if err != nil {
			return nil, err
		}
		input = append(input, dh4...)
	}

	secret, err := x3dhDerive(input)
	if err != nil {
		return nil, err
	}

	return &X3DHInitiatorResult{
		SharedSecret:    secret,
		EphemeralPublic: ephemeralPubArr,
		AssociatedData:  computeAssociatedData(ourIdentity.Public().(ed25519.PublicKey), theirBundle.IdentityKey),
	}, nil
}

// X3DHRespond runs the responder side of X3DH, mirroring the initiator's
// DH computation in the same order to derive the identical shared secret.
func X3DHRespond(
	ourIdentity ed25519.PrivateKey,
	ourSignedPrekeyPrivate [32]byte,
	ourOneTimePrekeyPrivate *[32]byte,
	theirIdentity ed25519.PublicKey,
	theirEphemeral [32]byte,
) (*X3DHResponderResult, error) {
	ourX25519Identity := ed25519PrivateToX25519(ourIdentity)
	defer zeroArray32(&ourX25519Identity)
	theirX25519Identity, err := ed25519PublicToX25519(theirIdentity)
	if err != nil {
		return nil, err
	}

	dh1, err := dh(ourSignedPrekeyPrivate, theirX25519Identity)
	if err != nil {
		return nil, err
	}
	dh2, err := dh(ourX25519Identity, theirEphemeral)
	if err != nil {
		return nil, err
	}
	dh3, err := dh(ourSignedPrekeyPrivate, theirEphemeral)
	if err != nil {
		return nil, err
	}

	input := make([]byte, 0, 32+32*4)
	input = append(input, kdfFiller...)
	input = append(input, dh1...)
	input = append(input, dh2...)
	input = append(input, dh3...)

	if ourOneTimePrekeyPrivate != nil {
		dh4, err := dh(*ourOneTimePrekeyPrivate, theirEphemeral)
		if err != nil {
			return nil, err
		}
		input = append(input, dh4...)
	}

	secret, err := x3dhDerive(input)
	if err != nil {
		return nil, err
	}

	return &X3DHResponderResult{
		SharedSecret:   secret,
		AssociatedData: computeAssociatedData(theirIdentity, ourIdentity.Public().(ed25519.PublicKey)),
	}, nil
}

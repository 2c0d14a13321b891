package crypto

import (
	"crypto/rand"
	"errors"

	"github.com/flynn/noise"
)

// Wire sizes for key-agreement material. These are fixed-width fields in
// the handshake packets regardless of the curve used underneath; a 32-byte
// X25519 key occupies the low half of the field and the high half is
// reserved (zero on the wire) for future protocol extensions, matching the
// original transport's wider public-key field.
const (
	PublicKeyBytes  = 64
	PrivateKeyBytes = 32
	ChallengeBytes  = PublicKeyBytes
	AnswerBytes     = PublicKeyBytes * 2
)

// ErrZeroKey indicates a key consisting entirely of zero bytes was rejected.
var ErrZeroKey = errors.New("crypto: key is all zeros")

// x25519BasePoint is the standard X25519 base point u-coordinate (9),
// used to derive a public key from a private scalar via the DH primitive.
var x25519BasePoint = func() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}()

// KeyPair is a long-term or ephemeral X25519 key pair. Public is stored in
// its 64-byte wire representation; Private is the raw 32-byte scalar.
type KeyPair struct {
	Public  [PublicKeyBytes]byte
	Private [PrivateKeyBytes]byte
}

// RawPublic returns the 32 significant bytes of the wire-form public key.
func (kp *KeyPair) RawPublic() [32]byte {
	var out [32]byte
	copy(out[:], kp.Public[:32])
	return out
}

// GenerateKeyPair creates a new random X25519 key pair using flynn/noise's
// DH25519 implementation, the same curve the handshake engine uses.
func GenerateKeyPair() (*KeyPair, error) {
	dh, err := noise.DH25519.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{}
	copy(kp.Public[:32], dh.Public)
	copy(kp.Private[:], dh.Private)
	return kp, nil
}

// FromSecretKey derives the key pair for an existing 32-byte private scalar.
// This fixes the placeholder zero-public-key derivation found in early
// drafts of this code by running the X25519 base-point multiplication
// through the DH primitive itself: X25519(priv, basepoint) is exactly the
// public-key derivation the base-point constant exists for.
func FromSecretKey(secretKey [PrivateKeyBytes]byte) (*KeyPair, error) {
	if isZeroKey(secretKey) {
		return nil, ErrZeroKey
	}
	pub, _ := noise.DH25519.DH(secretKey[:], x25519BasePoint[:])
	kp := &KeyPair{Private: secretKey}
	copy(kp.Public[:32], pub)
	return kp, nil
}

func isZeroKey(key [PrivateKeyBytes]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}

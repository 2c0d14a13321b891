package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/sphynx-net/sphynx/internal/obs"
)

// confirmLabel is the domain-separation string mixed into the key
// confirmation tag the responder proves it derived the same combined
// secret the initiator did.
const confirmLabel = "sphynx-confirm-v1"

var (
	// ErrHandshakeFailed covers any structural or cryptographic failure
	// while processing a challenge or answer.
	ErrHandshakeFailed = errors.New("crypto: key agreement failed")
	// ErrBadConfirmation indicates the responder's confirmation tag in the
	// answer did not match what the initiator computed locally.
	ErrBadConfirmation = errors.New("crypto: answer confirmation mismatch")
)

var kaLog = obs.New("crypto", "keyagreement")

// Initiator runs the client side of the challenge/answer key agreement
// described in spec.md section 6: init_with_pubkey, generate_challenge,
// process_answer. It performs a Noise-IK-shaped exchange (ephemeral-
// ephemeral plus ephemeral-static Diffie-Hellman) using two raw X25519
// operations rather than flynn/noise's full pattern state machine, since
// the wire format fixes CHALLENGE_BYTES/ANSWER_BYTES independently of
// Noise's own message framing.
type Initiator struct {
	ephemeral    *KeyPair
	serverStatic [32]byte
}

// NewInitiator creates an Initiator bound to the server's known long-term
// public key (init_with_pubkey).
func NewInitiator(serverStaticPub [PublicKeyBytes]byte) (*Initiator, error) {
	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	in := &Initiator{ephemeral: ephemeral}
	copy(in.serverStatic[:], serverStaticPub[:32])
	return in, nil
}

// GenerateChallenge returns the 64-byte wire-form ephemeral public key sent
// in C2S_CHALLENGE.
func (in *Initiator) GenerateChallenge() [ChallengeBytes]byte {
	var out [ChallengeBytes]byte
	copy(out[:], in.ephemeral.Public[:])
	return out
}

// ProcessAnswer validates the server's S2C_ANSWER payload and returns the
// combined handshake secret (the "keyhash" of spec.md section 6) on
// success.
func (in *Initiator) ProcessAnswer(answer [AnswerBytes]byte) ([32]byte, error) {
	var responderEphemeral [32]byte
	copy(responderEphemeral[:], answer[:32])

	combined := combineSecrets(
		DeriveSharedSecret(in.ephemeral.Private, responderEphemeral),
		DeriveSharedSecret(in.ephemeral.Private, in.serverStatic),
	)

	wantTag := confirmationTag(combined)
	gotTag := answer[PublicKeyBytes : PublicKeyBytes+32]
	if subtle.ConstantTimeCompare(wantTag[:], gotTag) != 1 {
		kaLog.Warn("answer confirmation mismatch")
		return [32]byte{}, ErrBadConfirmation
	}
	return combined, nil
}

// Responder runs the server side of the exchange: process_challenge.
// It is stateless across calls other than holding the server's long-term
// key pair, matching spec.md section 4.4 ("stateless up to and including
// cookie issuance").
type Responder struct {
	static *KeyPair
}

// NewResponder wraps the server's long-term key pair.
func NewResponder(static *KeyPair) *Responder {
	return &Responder{static: static}
}

// ProcessChallenge consumes the client's 64-byte challenge and produces the
// 128-byte answer plus the combined secret. Answer layout: responder
// ephemeral public key (64-byte wire form) || 32-byte confirmation tag ||
// 32 bytes reserved.
func (r *Responder) ProcessChallenge(challenge [ChallengeBytes]byte) ([AnswerBytes]byte, [32]byte, error) {
	var clientEphemeral [32]byte
	copy(clientEphemeral[:], challenge[:32])

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return [AnswerBytes]byte{}, [32]byte{}, err
	}

	combined := combineSecrets(
		DeriveSharedSecret(ephemeral.Private, clientEphemeral),
		DeriveSharedSecret(r.static.Private, clientEphemeral),
	)

	var answer [AnswerBytes]byte
	copy(answer[:PublicKeyBytes], ephemeral.Public[:])
	tag := confirmationTag(combined)
	copy(answer[PublicKeyBytes:PublicKeyBytes+32], tag[:])

	return answer, combined, nil
}

func combineSecrets(ee, es [32]byte) [32]byte {
	h := sha256.New()
	h.Write(ee[:])
	h.Write(es[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func confirmationTag(combined [32]byte) [32]byte {
	mac := hmac.New(sha256.New, combined[:])
	mac.Write([]byte(confirmLabel))
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

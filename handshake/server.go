package handshake

import (
	"errors"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/internal/obs"
)

var (
	ErrCookieInvalid     = errors.New("handshake: cookie invalid or expired")
	ErrChallengeMismatch = errors.New("handshake: cached challenge does not match")
)

var serverLog = obs.New("handshake", "Responder")

// Table is the minimal connection-table contract the responder needs:
// look up a cached handshake result for an address, and attempt to
// commit a new one. It is satisfied by the conntable package's
// open-addressed hash table; defining it here keeps this package
// independent of conntable's internals.
type Table interface {
	// Lookup returns a previously-cached (challenge, answer, session
	// port) for addr, if a slot already exists for it.
	Lookup(addr string) (challenge [crypto.ChallengeBytes]byte, answer [crypto.AnswerBytes]byte, sessionPort uint16, found bool)
	// Insert attempts to claim a new slot for addr holding the given
	// cached handshake result. It returns false if the table's
	// population cap has been reached.
	Insert(addr string, challenge [crypto.ChallengeBytes]byte, answer [crypto.AnswerBytes]byte, sessionPort uint16) bool
}

// Responder runs the server side of the handshake described in
// spec.md section 4.4: stateless through cookie issuance, then a
// table-backed challenge/answer exchange with replay-safe caching.
type Responder struct {
	static      *crypto.KeyPair
	cookies     *crypto.CookieIssuer
	table       Table
	pickPort    func() uint16
	localPubKey [crypto.PublicKeyBytes]byte
}

// NewResponder builds a server-side responder. pickPort supplies the
// session worker port for a newly admitted connection; the responder
// advertises whatever port it returns.
func NewResponder(static *crypto.KeyPair, cookies *crypto.CookieIssuer, table Table, pickPort func() uint16) *Responder {
	return &Responder{
		static:      static,
		cookies:     cookies,
		table:       table,
		pickPort:    pickPort,
		localPubKey: static.Public,
	}
}

// HandleHello validates C2S_HELLO and returns the S2C_COOKIE packet.
// This path allocates no per-client state, per spec.md section 4.4.
func (r *Responder) HandleHello(addr string, pkt Hello, nowUnix int64) ([]byte, error) {
	attemptID := uuid.New()
	if pkt.ServerPublicKey != r.localPubKey {
		return nil, ErrBadOpcode
	}
	cookie := r.cookies.Mint([]byte(addr), nowUnix)
	serverLog.WithField("addr", addr).WithField("attempt_id", attemptID).Debug("issued cookie")
	return EncodeCookie(Cookie{Cookie: cookie}), nil
}

// ChallengeResult reports the outcome of a successful HandleChallenge
// call. IsNew is false when the answer was replayed from the table's
// cache (spec.md section 4.4's CPU-exhaustion defense); in that case
// the caller already holds an AEAD session for addr from the original
// admission and Secret is zero.
type ChallengeResult struct {
	IsNew  bool
	Secret [32]byte
}

// HandleChallenge validates C2S_CHALLENGE's cookie and either returns
// a cached answer (replay) or runs key-agreement and attempts a table
// insert, per spec.md section 4.4. On a new admission, the caller
// should derive the session AEAD from result.Secret via
// DeriveSessionAEAD and attach it to its own connection record — this
// package does not hold post-handshake connection state itself.
func (r *Responder) HandleChallenge(addr string, pkt Challenge, nowUnix int64) ([]byte, *ChallengeResult, error) {
	attemptID := uuid.New()
	if !r.cookies.Verify([]byte(addr), pkt.Cookie, nowUnix) {
		return nil, nil, ErrCookieInvalid
	}

	if challenge, answer, sessionPort, found := r.table.Lookup(addr); found {
		if challenge != pkt.Challenge {
			return nil, nil, ErrChallengeMismatch
		}
		serverLog.WithField("addr", addr).WithField("attempt_id", attemptID).Debug("replaying cached answer")
		return EncodeAnswer(Answer{SessionPort: sessionPort, Answer: answer}), &ChallengeResult{IsNew: false}, nil
	}

	responder := crypto.NewResponder(r.static)
	answer, secret, err := responder.ProcessChallenge(pkt.Challenge)
	if err != nil {
		return EncodeError(ErrorPacket{Kind: ErrKindHandshakeOther}), nil, nil
	}

	sessionPort := r.pickPort()
	if !r.table.Insert(addr, pkt.Challenge, answer, sessionPort) {
		serverLog.WithField("addr", addr).WithField("attempt_id", attemptID).Warn("connection table full")
		return EncodeError(ErrorPacket{Kind: ErrKindServerFull}), nil, nil
	}

	serverLog.WithField("addr", addr).WithField("attempt_id", attemptID).WithField("session_port", sessionPort).Info("admitted new connection")
	return EncodeAnswer(Answer{SessionPort: sessionPort, Answer: answer}), &ChallengeResult{IsNew: true, Secret: secret}, nil
}

// DeriveSessionAEAD derives the server-side directional AEAD keys for
// a connection, mirroring handshake.Client.HandleAnswer's derivation so
// both sides land on the same send/recv key assignment: the server's
// send key is the client's recv key and vice versa.
func DeriveSessionAEAD(secret [32]byte) *crypto.AEAD {
	clientToServer, serverToClient := crypto.DeriveSessionKeys(secret, SessionKeyLabel)
	return crypto.NewAEAD(serverToClient, clientToServer)
}

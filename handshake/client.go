package handshake

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/internal/obs"
)

// ClientState is a position in the client handshake state machine:
// Idle -> HelloPosted -> ChallengePosted -> Connected | Failed.
type ClientState int

const (
	StateIdle ClientState = iota
	StateHelloPosted
	StateChallengePosted
	StateConnected
	StateFailed
)

func (s ClientState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHelloPosted:
		return "HelloPosted"
	case StateChallengePosted:
		return "ChallengePosted"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

const (
	// HandshakeTick is the initial repost interval for C2S_HELLO; it
	// doubles on each unanswered tick (exponential backoff) until
	// ConnectTimeout elapses.
	HandshakeTick = 200 * time.Millisecond
	// ConnectTimeout bounds the whole handshake; no answer within this
	// window fails the connection with ErrKindTimeout.
	ConnectTimeout = 5 * time.Second
	// SessionKeyLabel is the HKDF label used to derive the post-
	// handshake AEAD session keys.
	SessionKeyLabel = "sphynx-session-v1"
)

var (
	ErrClientFailed      = errors.New("handshake: client handshake failed")
	ErrUnexpectedMessage = errors.New("handshake: message does not apply to current state")
	ErrBadSessionPort    = errors.New("handshake: advertised session port not greater than bootstrap port")
)

var clientLog = obs.New("handshake", "Client")

// Client drives one client-side handshake attempt from Connect through
// to a derived AEAD session.
type Client struct {
	mu sync.Mutex

	// AttemptID correlates this handshake attempt's log lines across
	// Connect, Tick retransmits, and the terminal Handle* call. It is
	// never sent on the wire.
	AttemptID uuid.UUID

	state ClientState
	err   error

	serverPubKey  [crypto.PublicKeyBytes]byte
	bootstrapPort uint16
	sessionPort   uint16

	initiator *crypto.Initiator
	cookie    uint32

	firstHello time.Time
	lastHello  time.Time
	interval   time.Duration

	aead *crypto.AEAD
}

// NewClient creates a client bound to the server's expected public key
// and the bootstrap port it will first send the hello to.
func NewClient(serverPubKey [crypto.PublicKeyBytes]byte, bootstrapPort uint16) *Client {
	return &Client{
		AttemptID:     uuid.New(),
		state:         StateIdle,
		serverPubKey:  serverPubKey,
		bootstrapPort: bootstrapPort,
		interval:      HandshakeTick,
	}
}

// State returns the client's current state.
func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the failure reason once State() is StateFailed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Connect begins the handshake, returning the initial C2S_HELLO packet
// to send.
func (c *Client) Connect(now time.Time) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateIdle {
		return nil, ErrUnexpectedMessage
	}

	initiator, err := crypto.NewInitiator(c.serverPubKey)
	if err != nil {
		c.failLocked(ErrKindOutOfMemory)
		return nil, err
	}
	c.initiator = initiator
	c.firstHello = now
	c.lastHello = now
	c.state = StateHelloPosted

	return EncodeHello(Hello{ServerPublicKey: c.serverPubKey}), nil
}

// Tick drives timer-based retransmission of the hello packet. It
// returns a non-nil packet when the hello should be reposted, and
// reports ok=false once the handshake has failed with TIMEOUT.
func (c *Client) Tick(now time.Time) (packet []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateHelloPosted && c.state != StateChallengePosted {
		return nil, true
	}
	if now.Sub(c.firstHello) >= ConnectTimeout {
		c.failLocked(ErrKindTimeout)
		return nil, false
	}
	if c.state == StateHelloPosted && now.Sub(c.lastHello) >= c.interval {
		c.lastHello = now
		c.interval *= 2
		return EncodeHello(Hello{ServerPublicKey: c.serverPubKey}), true
	}
	return nil, true
}

// HandleICMPUnreachable fails the handshake with ErrKindICMP, unless a
// packet has already been received from the server (spec.md section
// 4.3: "after first packet from server, stop treating ICMP as fatal").
func (c *Client) HandleICMPUnreachable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateHelloPosted {
		c.failLocked(ErrKindICMP)
	}
}

// HandleCookie processes S2C_COOKIE and returns the C2S_CHALLENGE
// packet to send.
func (c *Client) HandleCookie(pkt Cookie) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateHelloPosted {
		return nil, ErrUnexpectedMessage
	}
	c.cookie = pkt.Cookie
	c.state = StateChallengePosted

	challenge := c.initiator.GenerateChallenge()
	return EncodeChallenge(Challenge{Cookie: c.cookie, Challenge: challenge}), nil
}

// HandleAnswer processes S2C_ANSWER, deriving the post-handshake AEAD
// session on success and transitioning to Connected.
func (c *Client) HandleAnswer(pkt Answer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateChallengePosted {
		return ErrUnexpectedMessage
	}
	if pkt.SessionPort <= c.bootstrapPort {
		c.failLocked(ErrKindHandshakeOther)
		return ErrBadSessionPort
	}

	secret, err := c.initiator.ProcessAnswer(pkt.Answer)
	if err != nil {
		c.failLocked(ErrKindHandshakeOther)
		return err
	}

	sendKey, recvKey := crypto.DeriveSessionKeys(secret, SessionKeyLabel)
	c.aead = crypto.NewAEAD(sendKey, recvKey)
	c.sessionPort = pkt.SessionPort
	c.state = StateConnected

	clientLog.WithField("attempt_id", c.AttemptID).WithField("session_port", c.sessionPort).Info("handshake completed")
	return nil
}

// HandleError processes S2C_ERROR, failing the handshake with the
// reported kind.
func (c *Client) HandleError(pkt ErrorPacket) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(pkt.Kind)
}

// SessionPort returns the server port the client must send to after
// Connected.
func (c *Client) SessionPort() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionPort
}

// AEAD returns the derived post-handshake session once Connected.
func (c *Client) AEAD() *crypto.AEAD {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.aead
}

func (c *Client) failLocked(kind ErrorKind) {
	if c.state == StateFailed || c.state == StateConnected {
		return
	}
	c.state = StateFailed
	c.err = errorKindToErr(kind)
	clientLog.WithField("attempt_id", c.AttemptID).WithField("kind", kind).Warn("handshake failed")
}

func errorKindToErr(kind ErrorKind) error {
	return errors.New("handshake failed: " + errorKindString(kind))
}

func errorKindString(kind ErrorKind) string {
	switch kind {
	case ErrKindBadServerKey:
		return "bad server key"
	case ErrKindResolveFailed:
		return "resolve failed"
	case ErrKindBindFailed:
		return "bind failed"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindICMP:
		return "icmp unreachable"
	case ErrKindOutOfMemory:
		return "out of memory"
	case ErrKindBrokenPipe:
		return "broken pipe"
	case ErrKindServerFull:
		return "server full"
	case ErrKindHandshakeOther:
		return "handshake error"
	default:
		return "unknown"
	}
}

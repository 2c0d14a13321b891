package sphynx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/handshake"
	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/tick"
)

var clientLog = obs.New("sphynx", "Client")

// handshakeTickResolution is how often the client polls
// handshake.Client.Tick for a due hello repost. It is deliberately
// finer than HandshakeTick's initial 200ms interval so backoff growth
// is observed promptly rather than rounded up to the next poll.
const handshakeTickResolution = 50 * time.Millisecond

// ClientHooks are the upcalls a Client's owner receives as the
// connection attempt, and on success the established Conn, progress.
type ClientHooks struct {
	// OnConnect fires once, after the handshake completes and the
	// session socket is live.
	OnConnect func(conn *Conn)
	// OnConnectFail fires once, if the handshake fails for any reason
	// (timeout, ICMP unreachable, server error, bad session port).
	OnConnectFail func(err error)
	// OnMessage fires for every message delivered on the established
	// Conn, reliable or unreliable.
	OnMessage func(stream uint8, data []byte)
	// OnTick is the established Conn's per-tick upcall.
	OnTick func(now time.Time)
	// OnDisconnect fires once the established Conn is torn down.
	OnDisconnect func(reason tick.DisconnectReason)
}

// Client dials a server's known long-term public key and, on a
// successful handshake, hands back an established Conn through
// ClientHooks.OnConnect. The handshake and the resulting connection
// both run on background goroutines; Dial returns as soon as the
// initial hello has been sent.
type Client struct {
	opts    *ClientOptions
	hooks   ClientHooks
	network string
	host    string

	mu          sync.Mutex
	sock        *socket
	sessionSock *socket
	hs          *handshake.Client
	conn        *Conn

	connCancel context.CancelFunc
}

// Dial begins connecting to a server's bootstrap address. network is
// typically "udp" or "udp6"; addr is "host:port".
func Dial(serverPubKey [crypto.PublicKeyBytes]byte, network, addr string, opts *ClientOptions, hooks ClientHooks) (*Client, error) {
	if opts == nil {
		opts = NewClientOptions()
	}
	if network == "udp" && !opts.SupportIPv6 {
		network = "udp4"
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("sphynx: parsing bootstrap address: %w", err)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("sphynx: parsing bootstrap port: %w", err)
	}

	sock, err := newClientSocket(network, addr, opts.KernelRecvBufferBytes)
	if err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		hooks:   hooks,
		network: network,
		host:    host,
		sock:    sock,
		hs:      handshake.NewClient(serverPubKey, uint16(port)),
	}

	now := opts.Clock.Now()
	hello, err := c.hs.Connect(now)
	if err != nil {
		_ = sock.Close()
		return nil, err
	}
	if err := sock.Write(hello); err != nil {
		_ = sock.Close()
		return nil, err
	}

	go sock.run(c.onHandshakePacket, c.onUnreachable)
	go c.driveHandshake()

	return c, nil
}

// Conn returns the established connection, or nil before the
// handshake completes.
func (c *Client) Conn() *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Close tears the client down: the established Conn if any, and
// every socket it owns.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.connCancel
	bootstrapSock := c.sock
	c.mu.Unlock()

	if conn != nil {
		conn.Disconnect(tick.DisconnectShutdown)
	}
	if cancel != nil {
		cancel()
	}
	if bootstrapSock != nil {
		return bootstrapSock.Close()
	}
	return nil
}

func (c *Client) driveHandshake() {
	ticker := time.NewTicker(handshakeTickResolution)
	defer ticker.Stop()

	for range ticker.C {
		if s := c.hs.State(); s != handshake.StateHelloPosted && s != handshake.StateChallengePosted {
			return
		}
		now := c.opts.Clock.Now()
		pkt, ok := c.hs.Tick(now)
		if !ok {
			c.finishFailed(c.hs.Err())
			return
		}
		if pkt != nil {
			if err := c.sock.Write(pkt); err != nil {
				clientLog.WithError(err, "send", "driveHandshake").Warn("failed to repost hello")
			}
		}
	}
}

func (c *Client) onUnreachable(net.Addr) {
	c.hs.HandleICMPUnreachable()
	if c.hs.State() == handshake.StateFailed {
		c.finishFailed(c.hs.Err())
	}
}

func (c *Client) onHandshakePacket(data []byte, _ net.Addr, now time.Time) {
	opcode, err := handshake.PeekOpcode(data)
	if err != nil {
		return
	}

	switch opcode {
	case handshake.OpCookie:
		cookie, err := handshake.DecodeCookie(data)
		if err != nil {
			return
		}
		challenge, err := c.hs.HandleCookie(cookie)
		if err != nil {
			clientLog.WithError(err, "handshake", "HandleCookie").Debug("dropping cookie for unexpected state")
			return
		}
		if err := c.sock.Write(challenge); err != nil {
			clientLog.WithError(err, "send", "HandleCookie").Warn("failed to send challenge")
		}

	case handshake.OpAnswer:
		answer, err := handshake.DecodeAnswer(data)
		if err != nil {
			return
		}
		if err := c.hs.HandleAnswer(answer); err != nil {
			c.finishFailed(err)
			return
		}
		c.finishConnected(now)

	case handshake.OpError:
		errPkt, err := handshake.DecodeError(data)
		if err != nil {
			return
		}
		c.hs.HandleError(errPkt)
		c.finishFailed(c.hs.Err())
	}
}

// finishConnected derives the post-handshake Conn. The server
// advertises a session port distinct from the bootstrap port, so the
// client retires the bootstrap socket and dials host:sessionPort from
// the same local address, which is the address the server admitted;
// all further traffic for this connection arrives there.
func (c *Client) finishConnected(now time.Time) {
	aead := c.hs.AEAD()
	sessionAddr := net.JoinHostPort(c.host, strconv.Itoa(int(c.hs.SessionPort())))

	localAddr, _ := c.sock.LocalAddr().(*net.UDPAddr)
	_ = c.sock.Close() // bootstrap socket no longer needed; its local port is reused
	remoteAddr, err := net.ResolveUDPAddr(c.network, sessionAddr)
	if err != nil {
		c.finishFailed(err)
		return
	}
	udpConn, err := net.DialUDP(c.network, localAddr, remoteAddr)
	if err != nil {
		c.finishFailed(err)
		return
	}
	sessionSock := newSocket(udpConn, c.opts.KernelRecvBufferBytes)

	ctx, cancel := context.WithCancel(context.Background())

	conn := newConn(uuid.New(), aead, true, sessionSock.Write, c.opts.Clock, now, ConnHooks{
		OnMessage: c.hooks.OnMessage,
		OnTick:    c.hooks.OnTick,
		OnDisconnect: func(reason tick.DisconnectReason) {
			_ = sessionSock.Close()
			if c.hooks.OnDisconnect != nil {
				c.hooks.OnDisconnect(reason)
			}
		},
	})

	c.mu.Lock()
	c.conn = conn
	c.sessionSock = sessionSock
	c.connCancel = cancel
	c.mu.Unlock()

	go sessionSock.run(func(data []byte, _ net.Addr, now time.Time) {
		conn.Dispatch(data, now)
	}, func(net.Addr) {})
	go conn.Loop().Run(ctx)

	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(conn)
	}
}

func (c *Client) finishFailed(err error) {
	if err == nil {
		err = errors.New("sphynx: handshake failed")
	}
	if c.hooks.OnConnectFail != nil {
		c.hooks.OnConnectFail(err)
	}
	_ = c.sock.Close()
}

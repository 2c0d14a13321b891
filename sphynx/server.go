package sphynx

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sphynx-net/sphynx/conntable"
	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/handshake"
	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/tick"
)

var serverLog = obs.New("sphynx", "Server")

// errNotUDP is returned if a session socket's local address is not a
// *net.UDPAddr, which should not happen for a socket bound with
// network "udp" or "udp6".
var errNotUDP = errors.New("sphynx: session socket local address is not a UDP address")

// ServerHooks are the upcalls a Server's owner receives for every
// admitted connection. The same hooks apply to every connection the
// server admits.
type ServerHooks struct {
	// OnConnect fires once per admitted client, after its session AEAD
	// is derived and its Conn is live.
	OnConnect func(conn *Conn)
	// OnMessage fires for every message an admitted Conn delivers.
	OnMessage func(stream uint8, data []byte)
	// OnTick is every admitted Conn's per-tick upcall.
	OnTick func(now time.Time)
	// OnDisconnect fires once per admitted Conn that is torn down.
	OnDisconnect func(reason tick.DisconnectReason)
}

// Server listens on a bootstrap port, admits clients into a
// conntable.Table via handshake.Responder, and spreads admitted
// connections' post-handshake traffic across a pool of session-worker
// sockets, per spec.md section 4.5's per-thread worker pool.
type Server struct {
	opts  *ServerOptions
	hooks ServerHooks

	bootstrapSock *socket
	sessionSocks  []*socket
	portIndex     map[uint16]int

	table     *conntable.Table
	responder *handshake.Responder

	mu           sync.Mutex
	conns        map[string]*Conn
	connCancels  map[string]context.CancelFunc
	nextPortPick int
}

// Listen binds the bootstrap socket and a pool of session-worker
// sockets, all on network ("udp" or "udp6") at bootstrapAddr's host.
func Listen(static *crypto.KeyPair, network, bootstrapAddr string, opts *ServerOptions, hooks ServerHooks) (*Server, error) {
	var err error
	if opts == nil {
		opts, err = NewServerOptions()
		if err != nil {
			return nil, err
		}
	}
	if network == "udp" && !opts.SupportIPv6 {
		network = "udp4"
	}

	bootstrapSock, err := newServerSocket(network, bootstrapAddr, opts.KernelRecvBufferBytes)
	if err != nil {
		return nil, err
	}

	host, _, err := net.SplitHostPort(bootstrapSock.LocalAddr().String())
	if err != nil {
		_ = bootstrapSock.Close()
		return nil, err
	}

	table, err := conntable.New()
	if err != nil {
		_ = bootstrapSock.Close()
		return nil, err
	}

	s := &Server{
		opts:          opts,
		hooks:         hooks,
		bootstrapSock: bootstrapSock,
		table:         table,
		portIndex:     make(map[uint16]int),
		conns:         make(map[string]*Conn),
		connCancels:   make(map[string]context.CancelFunc),
	}

	count := opts.SessionPortCount
	if count <= 0 {
		count = DefaultSessionPortCount
	}
	for i := 0; i < count; i++ {
		sock, err := newServerSocket(network, net.JoinHostPort(host, "0"), opts.KernelRecvBufferBytes)
		if err != nil {
			s.closeSessionSocks()
			_ = bootstrapSock.Close()
			return nil, err
		}
		udpAddr, ok := sock.LocalAddr().(*net.UDPAddr)
		if !ok {
			_ = sock.Close()
			s.closeSessionSocks()
			_ = bootstrapSock.Close()
			return nil, errNotUDP
		}
		s.portIndex[uint16(udpAddr.Port)] = len(s.sessionSocks)
		s.sessionSocks = append(s.sessionSocks, sock)
	}

	s.responder = handshake.NewResponder(static, opts.Cookies, table, s.pickPort)

	go bootstrapSock.run(s.onBootstrapPacket, func(net.Addr) {})
	for _, sock := range s.sessionSocks {
		sock := sock
		go sock.run(func(data []byte, addr net.Addr, now time.Time) {
			s.onSessionPacket(sock, data, addr, now)
		}, func(net.Addr) {})
	}

	return s, nil
}

// BootstrapAddr returns the address clients should dial.
func (s *Server) BootstrapAddr() net.Addr { return s.bootstrapSock.LocalAddr() }

// Population returns the number of currently admitted connections.
func (s *Server) Population() int { return s.table.Population() }

// Close tears every admitted connection down and closes every socket.
func (s *Server) Close() error {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.connCancels))
	for _, cancel := range s.connCancels {
		cancels = append(cancels, cancel)
	}
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		conn.Disconnect(tick.DisconnectShutdown)
	}
	for _, cancel := range cancels {
		cancel()
	}

	err := s.bootstrapSock.Close()
	s.closeSessionSocks()
	return err
}

func (s *Server) closeSessionSocks() {
	for _, sock := range s.sessionSocks {
		_ = sock.Close()
	}
}

// pickPort selects the session-worker port for a newly admitted
// connection by round robin over sessionSocks. It does not track how
// many connections each port currently holds, so disconnects do not
// steer later picks toward the emptier ports.
func (s *Server) pickPort() uint16 {
	s.mu.Lock()
	idx := s.nextPortPick % len(s.sessionSocks)
	s.nextPortPick++
	s.mu.Unlock()

	addr, _ := s.sessionSocks[idx].LocalAddr().(*net.UDPAddr)
	return uint16(addr.Port)
}

func (s *Server) onBootstrapPacket(data []byte, addr net.Addr, now time.Time) {
	opcode, err := handshake.PeekOpcode(data)
	if err != nil {
		return
	}
	addrKey := addr.String()
	nowUnix := now.Unix()

	switch opcode {
	case handshake.OpHello:
		hello, err := handshake.DecodeHello(data)
		if err != nil {
			return
		}
		cookiePkt, err := s.responder.HandleHello(addrKey, hello, nowUnix)
		if err != nil {
			serverLog.WithError(err, "handshake", "HandleHello").Debug("rejecting hello")
			return
		}
		if err := s.bootstrapSock.WriteTo(cookiePkt, addr); err != nil {
			serverLog.WithError(err, "send", "HandleHello").Warn("failed to send cookie")
		}

	case handshake.OpChallenge:
		challenge, err := handshake.DecodeChallenge(data)
		if err != nil {
			return
		}
		answerPkt, result, err := s.responder.HandleChallenge(addrKey, challenge, nowUnix)
		if err != nil {
			serverLog.WithError(err, "handshake", "HandleChallenge").Debug("rejecting challenge")
			return
		}
		if err := s.bootstrapSock.WriteTo(answerPkt, addr); err != nil {
			serverLog.WithError(err, "send", "HandleChallenge").Warn("failed to send answer")
			return
		}
		if result != nil && result.IsNew {
			s.admit(addrKey, addr, result.Secret, now)
		}
	}
}

func (s *Server) admit(addrKey string, addr net.Addr, secret [32]byte, now time.Time) {
	record, found := s.table.Get(addrKey)
	if !found {
		serverLog.WithField("addr", addrKey).Warn("admit called for unknown table record")
		return
	}

	aead := handshake.DeriveSessionAEAD(secret)
	record.AEAD = aead

	idx, ok := s.portIndex[record.SessionPort]
	if !ok {
		serverLog.WithField("addr", addrKey).WithField("session_port", record.SessionPort).Warn("admitted session port has no bound socket")
		return
	}
	sock := s.sessionSocks[idx]

	ctx, cancel := context.WithCancel(context.Background())
	conn := newConn(record.DebugID, aead, false, func(d []byte) error { return sock.WriteTo(d, addr) }, s.opts.Clock, now, ConnHooks{
		OnMessage: s.hooks.OnMessage,
		OnTick:    s.hooks.OnTick,
		OnDisconnect: func(reason tick.DisconnectReason) {
			s.mu.Lock()
			delete(s.conns, addrKey)
			delete(s.connCancels, addrKey)
			s.mu.Unlock()
			s.table.Remove(addrKey)
			if s.hooks.OnDisconnect != nil {
				s.hooks.OnDisconnect(reason)
			}
		},
	})

	s.mu.Lock()
	s.conns[addrKey] = conn
	s.connCancels[addrKey] = cancel
	s.mu.Unlock()

	go conn.Loop().Run(ctx)

	if s.hooks.OnConnect != nil {
		s.hooks.OnConnect(conn)
	}
}

func (s *Server) onSessionPacket(sock *socket, data []byte, addr net.Addr, now time.Time) {
	_ = sock
	addrKey := addr.String()

	s.mu.Lock()
	conn := s.conns[addrKey]
	s.mu.Unlock()

	if conn == nil {
		serverLog.WithField("addr", addrKey).Debug("dropping datagram for unknown session connection")
		return
	}
	conn.Dispatch(data, now)
}

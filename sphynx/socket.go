package sphynx

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/sphynx-net/sphynx/crypto"
	"github.com/sphynx-net/sphynx/internal/obs"
	"github.com/sphynx-net/sphynx/wire"
)

var socketLog = obs.New("sphynx", "socket")

// maxDatagramBytes bounds the receive buffer: the largest possible
// wire message plus AEAD overhead and the 2-byte header.
const maxDatagramBytes = wire.MaxMessageLen + wire.HeaderSize + crypto.Overhead

// readPollInterval bounds how long a single ReadFrom call blocks, so
// the receive loop notices context cancellation promptly, mirroring
// the teacher's UDPTransport.readPacketData deadline polling.
const readPollInterval = 100 * time.Millisecond

// socket wraps a UDP net.PacketConn with the context-cancellable
// receive-loop pattern the teacher's transport.UDPTransport uses,
// generalized to carry a kernel receive-buffer size request and
// surface ICMP port-unreachable notifications distinctly from
// ordinary read timeouts.
type socket struct {
	conn net.PacketConn

	ctx    context.Context
	cancel context.CancelFunc

	closeOnce sync.Once
}

// newServerSocket binds an unconnected UDP socket for a listener that
// must accept datagrams from any peer address.
func newServerSocket(network, listenAddr string, recvBufferBytes int) (*socket, error) {
	conn, err := net.ListenPacket(network, listenAddr)
	if err != nil {
		return nil, err
	}
	return newSocket(conn, recvBufferBytes), nil
}

// newClientSocket dials a connected UDP socket to remoteAddr. A
// connected socket is required for the kernel to deliver ICMP
// port-unreachable notifications as read errors, which
// handshake.Client.HandleICMPUnreachable depends on.
func newClientSocket(network, remoteAddr string, recvBufferBytes int) (*socket, error) {
	conn, err := net.Dial(network, remoteAddr)
	if err != nil {
		return nil, err
	}
	packetConn, ok := conn.(net.PacketConn)
	if !ok {
		_ = conn.Close()
		return nil, errors.New("sphynx: dialed connection is not a PacketConn")
	}
	return newSocket(packetConn, recvBufferBytes), nil
}

func newSocket(conn net.PacketConn, recvBufferBytes int) *socket {
	if udpConn, ok := conn.(*net.UDPConn); ok && recvBufferBytes > 0 {
		if err := udpConn.SetReadBuffer(recvBufferBytes); err != nil {
			socketLog.WithError(err, "setsockopt", "newSocket").Warn("failed to set kernel receive buffer size")
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{conn: conn, ctx: ctx, cancel: cancel}
}

// LocalAddr returns the socket's bound local address.
func (s *socket) LocalAddr() net.Addr { return s.conn.LocalAddr() }

// WriteTo sends data to addr, for an unconnected (server) socket.
func (s *socket) WriteTo(data []byte, addr net.Addr) error {
	_, err := s.conn.WriteTo(data, addr)
	return err
}

// Write sends data to the peer a connected (client) socket was dialed
// to. Calling WriteTo on a pre-connected UDP socket is an error in the
// standard library, so client sends go through this instead.
func (s *socket) Write(data []byte) error {
	conn, ok := s.conn.(net.Conn)
	if !ok {
		return errors.New("sphynx: socket is not connected")
	}
	_, err := conn.Write(data)
	return err
}

// Close stops the receive loop and closes the underlying connection.
func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.conn.Close()
	})
	return err
}

// run drives the receive loop until Close is called. onPacket is
// invoked for every successfully read datagram; onUnreachable fires
// when a read surfaces an ICMP port-unreachable for addr (only
// possible on a client's connected socket).
func (s *socket) run(onPacket func(data []byte, addr net.Addr, now time.Time), onUnreachable func(addr net.Addr)) {
	buffer := make([]byte, maxDatagramBytes)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(readPollInterval))
		n, addr, err := s.conn.ReadFrom(buffer)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			if isUnreachable(err) {
				onUnreachable(addr)
				continue
			}
			socketLog.WithError(err, "read", "run").Debug("dropping datagram after read error")
			continue
		}

		data := append([]byte(nil), buffer[:n]...)
		onPacket(data, addr, time.Now())
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnreachable(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

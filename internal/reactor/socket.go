package reactor

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// ConnHandler receives the events of one data socket. Every method runs on
// the reactor goroutine; data passed to DataReceived is only valid for the
// duration of the call.
type ConnHandler interface {
	ConnectionMade(s *Socket)
	DataReceived(s *Socket, data []byte)
	ConnectionFlushed(s *Socket)
	ConnectionLost(s *Socket)
}

// AcceptFunc decides what handles an inbound connection. Returning nil
// closes the connection.
type AcceptFunc func(s *Socket) ConnHandler

// Socket is a non-blocking TCP socket with an outgoing write queue. It has no
// knowledge of the protocol spoken over it.
type Socket struct {
	r       *Reactor
	fd      int
	handler ConnHandler
	ctx     ContextID
	remote  net.Addr

	out          [][]byte
	connected    bool
	dead         bool
	interest     ioEvents
	lastActivity time.Time
}

// Write queues b for sending. If nothing was queued the socket is flushed
// right away. The socket takes ownership of b.
func (s *Socket) Write(b []byte) {
	if s.dead || len(b) == 0 {
		return
	}
	s.out = append(s.out, b)
	if len(s.out) == 1 && s.connected {
		s.Flush()
	}
}

// Flush writes as much queued output as the kernel accepts. A failed write
// marks the socket dead; it is closed by the reactor at the end of the
// current loop pass.
func (s *Socket) Flush() {
	for len(s.out) > 0 && !s.dead {
		head := s.out[0]
		n, err := unix.Write(s.fd, head)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			s.r.log.Debug("socket write failed", slog.Any("addr", s.remote), slog.Any("error", err))
			s.markDead()
			break
		}
		s.lastActivity = s.r.now()
		if n < len(head) {
			s.out[0] = head[n:]
			break
		}
		s.out[0] = nil
		s.out = s.out[1:]
	}
	if s.dead {
		return
	}
	if len(s.out) == 0 {
		s.out = nil
		s.setInterest(evRead)
	} else {
		s.setInterest(evRead | evWrite)
	}
}

// IsFlushed reports whether the output queue is empty.
func (s *Socket) IsFlushed() bool {
	return len(s.out) == 0
}

// Close marks the socket for closing. The descriptor is released by the
// reactor once the current loop pass is over.
func (s *Socket) Close() {
	s.markDead()
}

func (s *Socket) Closed() bool { return s.dead }

func (s *Socket) Connected() bool { return s.connected }

func (s *Socket) RemoteAddr() net.Addr { return s.remote }

func (s *Socket) Context() ContextID { return s.ctx }

// SetContext attributes later failures of the socket's callbacks to ctx.
func (s *Socket) SetContext(ctx ContextID) { s.ctx = ctx }

func (s *Socket) SetHandler(h ConnHandler) { s.handler = h }

func (s *Socket) LastActivity() time.Time { return s.lastActivity }

func (s *Socket) setInterest(events ioEvents) {
	if s.interest == events {
		return
	}
	if err := s.r.poller.modify(s.fd, events); err != nil {
		s.r.log.Debug("poller modify failed", slog.Any("addr", s.remote), slog.Any("error", err))
		s.markDead()
		return
	}
	s.interest = events
}

// Listener is a listening socket owned by the reactor.
type Listener struct {
	fd     int
	ctx    ContextID
	accept AcceptFunc
	addr   net.Addr
	closed bool
}

func (l *Listener) Addr() net.Addr { return l.addr }

var ErrUnsupportedAddr = errors.New("unsupported address")

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, err
	}
	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}
	if ip16 := tcpAddr.IP.To16(); ip16 != nil {
		sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
		copy(sa.Addr[:], ip16)
		return sa, unix.AF_INET6, nil
	}
	return nil, 0, fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
}

func sockaddrToTCP(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3]), Port: sa.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, sa.Addr[:])
		return &net.TCPAddr{IP: ip, Port: sa.Port}
	}
	return nil
}

func newSocketFD(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, err
	}
	return fd, nil
}

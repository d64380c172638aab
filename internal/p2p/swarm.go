package p2p

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/WendelHime/btcore/internal/shared/models"
	"golang.org/x/time/rate"
)

const (
	DefaultMaxMessageLength = 8 << 20
	DefaultWriteChunk       = 16 << 10
)

var ErrDuplicateTransfer = errors.New("transfer already registered")

type SwarmConfig struct {
	InfoHash  models.Hash
	PeerID    models.PeerID
	NumPieces int

	// MaxMessageLength bounds the length prefix of incoming messages.
	MaxMessageLength int
	// WriteChunk is the largest slice of a PIECE message written per
	// writable event.
	WriteChunk int
	// UploadLimiter throttles PIECE data when set.
	UploadLimiter *rate.Limiter
	// KeepAlive is how long a connection may stay silent on our side before
	// a keep-alive is sent. Zero disables it.
	KeepAlive time.Duration

	Transfer Transfer
	Choker   Choker
	Logger   *slog.Logger
}

// Swarm is the connection table of one transfer. All methods must run on
// the reactor goroutine.
type Swarm struct {
	cfg  SwarmConfig
	loop EventLoop
	ctx  reactor.ContextID
	log  *slog.Logger
	now  func() time.Time

	conns  map[*Conn]struct{}
	peers  map[models.PeerID]*Conn
	closed bool
}

func NewSwarm(loop EventLoop, ctx reactor.ContextID, cfg SwarmConfig) *Swarm {
	if cfg.MaxMessageLength <= 0 {
		cfg.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.WriteChunk <= 0 {
		cfg.WriteChunk = DefaultWriteChunk
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Swarm{
		cfg:   cfg,
		loop:  loop,
		ctx:   ctx,
		log:   cfg.Logger.With(slog.String("info_hash", cfg.InfoHash.String())),
		now:   time.Now,
		conns: make(map[*Conn]struct{}),
		peers: make(map[models.PeerID]*Conn),
	}
	if cfg.KeepAlive > 0 {
		loop.AddTask(s.keepAlive, cfg.KeepAlive, ctx)
	}
	return s
}

func (s *Swarm) Context() reactor.ContextID { return s.ctx }

func (s *Swarm) InfoHash() models.Hash { return s.cfg.InfoHash }

// Connect dials addr; the handshake is sent once the connection is up.
func (s *Swarm) Connect(addr string) error {
	if s.closed {
		return ErrSwarmClosed
	}
	c := newConn(s, nil, nil, true, s.log)
	sock, err := s.loop.Dial(addr, s.ctx, c)
	if err != nil {
		return err
	}
	c.sock = sock
	s.track(c)
	return nil
}

// BroadcastHave announces a completed piece to every handshaken peer.
func (s *Swarm) BroadcastHave(index int) {
	for _, c := range s.peers {
		c.SendHave(index)
	}
}

// Conns returns the connections whose handshake completed.
func (s *Swarm) Conns() []*Conn {
	conns := make([]*Conn, 0, len(s.peers))
	for _, c := range s.peers {
		conns = append(conns, c)
	}
	return conns
}

// Len is the number of open connections, handshaken or not.
func (s *Swarm) Len() int { return len(s.conns) }

func (s *Swarm) Close() {
	if s.closed {
		return
	}
	s.closed = true
	for c := range s.conns {
		c.sever(ErrSwarmClosed)
	}
}

func (s *Swarm) track(c *Conn) {
	s.conns[c] = struct{}{}
}

func (s *Swarm) untrack(c *Conn) {
	delete(s.conns, c)
	if c.handshakeDone && s.peers[c.peerID] == c {
		delete(s.peers, c.peerID)
	}
}

func (s *Swarm) fail(err error) {
	s.loop.Fail(s.ctx, err)
}

// reserveUpload takes n bytes from the upload limiter, shrinking n to the
// burst size if needed, and returns how long to wait before sending them.
func (s *Swarm) reserveUpload(n *int) time.Duration {
	lim := s.cfg.UploadLimiter
	if lim == nil || lim.Limit() == rate.Inf {
		return 0
	}
	if burst := lim.Burst(); burst > 0 && *n > burst {
		*n = burst
	}
	now := s.now()
	res := lim.ReserveN(now, *n)
	if !res.OK() {
		return 0
	}
	return res.DelayFrom(now)
}

func (s *Swarm) keepAlive() error {
	if s.closed {
		return nil
	}
	now := s.now()
	for _, c := range s.peers {
		if now.Sub(c.lastSent) >= s.cfg.KeepAlive {
			c.SendKeepAlive()
		}
	}
	s.loop.AddTask(s.keepAlive, s.cfg.KeepAlive, s.ctx)
	return nil
}

// Router hands inbound connections to the swarm whose transfer id they
// announce in their handshake.
type Router struct {
	log    *slog.Logger
	swarms map[models.Hash]*Swarm
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{log: logger, swarms: make(map[models.Hash]*Swarm)}
}

func (r *Router) Register(s *Swarm) error {
	if _, ok := r.swarms[s.cfg.InfoHash]; ok {
		return ErrDuplicateTransfer
	}
	r.swarms[s.cfg.InfoHash] = s
	return nil
}

func (r *Router) Unregister(hash models.Hash) {
	delete(r.swarms, hash)
}

func (r *Router) lookup(hash models.Hash) *Swarm {
	s, ok := r.swarms[hash]
	if !ok || s.closed {
		return nil
	}
	return s
}

// Accept is a reactor.AcceptFunc.
func (r *Router) Accept(s *reactor.Socket) reactor.ConnHandler {
	return newConn(nil, r, s, false, r.log)
}

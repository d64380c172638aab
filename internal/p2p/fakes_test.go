package p2p

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/WendelHime/btcore/internal/shared/models"
)

var (
	testHash = models.Hash{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10, 0x11, 0x12, 0x13, 0x14}
	localID  = peerID("-BT0001-localpeer000")
	remoteID = peerID("-BT0001-remotepeer00")
)

func peerID(s string) models.PeerID {
	var id models.PeerID
	copy(id[:], s)
	return id
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeSocket struct {
	out     bytes.Buffer
	writes  [][]byte
	closed  bool
	blocked bool
	// blockOnWrite makes every write leave the socket unflushed.
	blockOnWrite bool
	ctx          reactor.ContextID
}

func (s *fakeSocket) Write(b []byte) {
	if s.closed {
		return
	}
	s.writes = append(s.writes, append([]byte(nil), b...))
	s.out.Write(b)
	if s.blockOnWrite {
		s.blocked = true
	}
}

func (s *fakeSocket) Close()                           { s.closed = true }
func (s *fakeSocket) IsFlushed() bool                  { return !s.blocked }
func (s *fakeSocket) SetContext(ctx reactor.ContextID) { s.ctx = ctx }
func (s *fakeSocket) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6881}
}

type scheduled struct {
	fn    reactor.Task
	delay time.Duration
}

type fakeLoop struct {
	tasks    []scheduled
	failures []error
}

func (l *fakeLoop) AddTask(fn reactor.Task, delay time.Duration, ctx reactor.ContextID) {
	l.tasks = append(l.tasks, scheduled{fn: fn, delay: delay})
}

func (l *fakeLoop) Fail(ctx reactor.ContextID, err error) {
	l.failures = append(l.failures, err)
}

func (l *fakeLoop) Dial(addr string, ctx reactor.ContextID, h reactor.ConnHandler) (*reactor.Socket, error) {
	return nil, fmt.Errorf("dial %s: not supported", addr)
}

// runTasks fires scheduled tasks, including ones they schedule, ignoring
// delays.
func (l *fakeLoop) runTasks() {
	for len(l.tasks) > 0 {
		t := l.tasks[0]
		l.tasks = l.tasks[1:]
		t.fn()
	}
}

type fakePeer struct {
	events   []string
	complete bool
	pieceErr error
	blocks   []*models.Block
	choking  bool
}

func (p *fakePeer) record(format string, args ...any) {
	p.events = append(p.events, fmt.Sprintf(format, args...))
}

func (p *fakePeer) Choke()                      { p.record("choke") }
func (p *fakePeer) Unchoke()                    { p.record("unchoke") }
func (p *fakePeer) Interested()                 { p.record("interested") }
func (p *fakePeer) NotInterested()              { p.record("not_interested") }
func (p *fakePeer) Have(index int)              { p.record("have %d", index) }
func (p *fakePeer) Bitfield(bits *roaring.Bitmap) { p.record("bitfield %v", bits.ToArray()) }
func (p *fakePeer) Request(index, begin, length int) {
	p.record("request %d %d %d", index, begin, length)
}
func (p *fakePeer) Cancel(index, begin, length int) {
	p.record("cancel %d %d %d", index, begin, length)
}
func (p *fakePeer) Piece(index, begin int, data []byte) (bool, error) {
	p.record("piece %d %d %s", index, begin, data)
	return p.complete, p.pieceErr
}
func (p *fakePeer) NextChunk() (*models.Block, error) {
	if len(p.blocks) == 0 {
		return nil, nil
	}
	b := p.blocks[0]
	p.blocks = p.blocks[1:]
	return b, nil
}
func (p *fakePeer) Choking() bool { return p.choking }
func (p *fakePeer) Lost()         { p.record("lost") }

type fakeTransfer struct {
	bits  *roaring.Bitmap
	peers map[*Conn]*fakePeer
	// prepare configures the collaborator handed to the next attached conn.
	prepare func(p *fakePeer)
	lost    []*Conn
}

func newFakeTransfer() *fakeTransfer {
	return &fakeTransfer{bits: roaring.New(), peers: make(map[*Conn]*fakePeer)}
}

func (t *fakeTransfer) Bitfield() *roaring.Bitmap { return t.bits }

func (t *fakeTransfer) Attach(c *Conn) (Downloader, Uploader) {
	p := &fakePeer{choking: true}
	if t.prepare != nil {
		t.prepare(p)
	}
	t.peers[c] = p
	return p, p
}

func (t *fakeTransfer) ConnectionLost(c *Conn) { t.lost = append(t.lost, c) }

func newTestSwarm(numPieces int, opts ...func(*SwarmConfig)) (*Swarm, *fakeLoop, *fakeTransfer) {
	loop := &fakeLoop{}
	tr := newFakeTransfer()
	cfg := SwarmConfig{
		InfoHash:  testHash,
		PeerID:    localID,
		NumPieces: numPieces,
		Transfer:  tr,
		Choker:    tr,
		Logger:    discardLogger(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewSwarm(loop, 7, cfg), loop, tr
}

// dialed returns an outbound connection that already sent its handshake.
func dialed(s *Swarm) (*Conn, *fakeSocket) {
	sock := &fakeSocket{}
	c := newConn(s, nil, sock, true, s.log)
	s.track(c)
	c.ConnectionMade(nil)
	return c, sock
}

// handshaken returns an outbound connection with a completed handshake from
// the given remote peer.
func handshaken(s *Swarm, id models.PeerID) (*Conn, *fakeSocket) {
	c, sock := dialed(s)
	c.DataReceived(nil, handshake{InfoHash: s.cfg.InfoHash, PeerID: id}.Bytes())
	return c, sock
}

func u32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

// msg builds a length-prefixed message from a type byte and payload parts.
func msg(id byte, parts ...[]byte) []byte {
	body := []byte{id}
	for _, p := range parts {
		body = append(body, p...)
	}
	return append(u32(uint32(len(body))), body...)
}

package p2p

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/WendelHime/btcore/internal/shared/models"
)

var (
	ErrBadProtocol     = errors.New("unexpected protocol name")
	ErrWrongTransfer   = errors.New("transfer id mismatch")
	ErrUnknownTransfer = errors.New("unknown transfer id")
	ErrSelfConnection  = errors.New("connected to ourselves")
	ErrDuplicatePeer   = errors.New("peer already connected")
	ErrMessageTooLong  = errors.New("message exceeds maximum length")
	ErrBadLength       = errors.New("wrong message length")
	ErrBadIndex        = errors.New("piece index out of range")
	ErrLateBitfield    = errors.New("bitfield after first message")
	ErrUnknownMessage  = errors.New("unknown message type")
	ErrConnectionLost  = errors.New("connection lost")
	ErrSwarmClosed     = errors.New("swarm closed")
)

type parseState uint8

const (
	awaitHeaderLength parseState = iota
	awaitProtocolName
	awaitReserved
	awaitTransferID
	awaitPeerID
	awaitMessageLength
	awaitMessageBody
	detached
)

var stateNames = [...]string{
	awaitHeaderLength:  "await_header_length",
	awaitProtocolName:  "await_protocol_name",
	awaitReserved:      "await_reserved",
	awaitTransferID:    "await_transfer_id",
	awaitPeerID:        "await_peer_id",
	awaitMessageLength: "await_message_length",
	awaitMessageBody:   "await_message_body",
	detached:           "detached",
}

func (s parseState) String() string { return stateNames[s] }

// socket is what a Conn needs from its transport.
type socket interface {
	Write(b []byte)
	Close()
	IsFlushed() bool
	SetContext(ctx reactor.ContextID)
	RemoteAddr() net.Addr
}

// Conn speaks the peer wire protocol over one socket. Incoming bytes feed a
// resumable parser: each state declares how many bytes it needs and input
// is buffered until they are available.
type Conn struct {
	swarm    *Swarm
	router   *Router
	sock     socket
	log      *slog.Logger
	outbound bool

	peerID        models.PeerID
	handshakeDone bool
	closed        bool
	seenMessage   bool

	state parseState
	need  int
	buf   []byte

	downloader Downloader
	uploader   Uploader

	// piece is the unsent tail of the PIECE message being uploaded. While it
	// is set every other outbound message waits in deferred.
	piece       []byte
	deferred    [][]byte
	chokeQueued bool
	sentChoking bool
	throttled   bool
	lastSent    time.Time
}

func newConn(swarm *Swarm, router *Router, sock socket, outbound bool, logger *slog.Logger) *Conn {
	return &Conn{
		swarm:       swarm,
		router:      router,
		sock:        sock,
		log:         logger,
		outbound:    outbound,
		state:       awaitHeaderLength,
		need:        1,
		sentChoking: true,
	}
}

func (c *Conn) PeerID() models.PeerID { return c.peerID }

func (c *Conn) Outbound() bool { return c.outbound }

func (c *Conn) HandshakeComplete() bool { return c.handshakeDone }

func (c *Conn) Closed() bool { return c.closed }

func (c *Conn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

func (c *Conn) ConnectionMade(*reactor.Socket) {
	if c.outbound {
		c.write(handshake{InfoHash: c.swarm.cfg.InfoHash, PeerID: c.swarm.cfg.PeerID}.Bytes())
	}
}

func (c *Conn) DataReceived(_ *reactor.Socket, data []byte) {
	c.feed(data)
}

func (c *Conn) ConnectionFlushed(*reactor.Socket) {
	c.pumpUpload()
}

func (c *Conn) ConnectionLost(*reactor.Socket) {
	c.sever(ErrConnectionLost)
}

func (c *Conn) feed(data []byte) {
	for len(data) > 0 && !c.closed {
		if len(c.buf) == 0 && len(data) >= c.need {
			chunk := data[:c.need]
			data = data[c.need:]
			c.advance(chunk)
			continue
		}
		take := min(c.need-len(c.buf), len(data))
		c.buf = append(c.buf, data[:take]...)
		data = data[take:]
		if len(c.buf) == c.need {
			chunk := c.buf
			c.buf = nil
			c.advance(chunk)
		}
	}
}

func (c *Conn) expect(state parseState, need int) {
	c.state = state
	c.need = need
}

func (c *Conn) advance(chunk []byte) {
	switch c.state {
	case awaitHeaderLength:
		if int(chunk[0]) != len(ProtocolName) {
			c.sever(ErrBadProtocol)
			return
		}
		c.expect(awaitProtocolName, len(ProtocolName))
	case awaitProtocolName:
		if string(chunk) != ProtocolName {
			c.sever(ErrBadProtocol)
			return
		}
		c.expect(awaitReserved, 8)
	case awaitReserved:
		c.expect(awaitTransferID, 20)
	case awaitTransferID:
		var hash models.Hash
		copy(hash[:], chunk)
		if !c.matchTransfer(hash) {
			return
		}
		c.expect(awaitPeerID, 20)
	case awaitPeerID:
		var id models.PeerID
		copy(id[:], chunk)
		c.completeHandshake(id)
	case awaitMessageLength:
		n := binary.BigEndian.Uint32(chunk)
		if n == 0 {
			return // keep-alive
		}
		if n > uint32(c.swarm.cfg.MaxMessageLength) {
			c.sever(ErrMessageTooLong)
			return
		}
		c.expect(awaitMessageBody, int(n))
	case awaitMessageBody:
		c.expect(awaitMessageLength, lengthPrefix)
		c.dispatch(chunk)
	}
}

func (c *Conn) matchTransfer(hash models.Hash) bool {
	if c.outbound {
		if hash != c.swarm.cfg.InfoHash {
			c.sever(ErrWrongTransfer)
			return false
		}
		return true
	}
	swarm := c.router.lookup(hash)
	if swarm == nil {
		c.sever(ErrUnknownTransfer)
		return false
	}
	c.swarm = swarm
	c.log = swarm.log
	c.sock.SetContext(swarm.ctx)
	swarm.track(c)
	c.write(handshake{InfoHash: swarm.cfg.InfoHash, PeerID: swarm.cfg.PeerID}.Bytes())
	return true
}

func (c *Conn) completeHandshake(id models.PeerID) {
	if id == c.swarm.cfg.PeerID {
		c.sever(ErrSelfConnection)
		return
	}
	if _, ok := c.swarm.peers[id]; ok {
		c.sever(ErrDuplicatePeer)
		return
	}
	c.peerID = id
	c.handshakeDone = true
	c.swarm.peers[id] = c
	c.expect(awaitMessageLength, lengthPrefix)
	c.log.Debug("handshake complete", slog.Any("addr", c.RemoteAddr()), slog.String("peer_id", id.String()), slog.Bool("outbound", c.outbound))

	c.downloader, c.uploader = c.swarm.cfg.Transfer.Attach(c)
	if bits := c.swarm.cfg.Transfer.Bitfield(); bits != nil && !bits.IsEmpty() {
		c.send(encodeBitfield(bits, c.swarm.cfg.NumPieces))
	}
	c.sendChokeState()
	c.pumpUpload()
}

func (c *Conn) dispatch(msg []byte) {
	first := !c.seenMessage
	c.seenMessage = true

	id := models.MessageID(msg[0])
	payload := msg[1:]
	switch id {
	case models.MessageIDChoke, models.MessageIDUnchoke, models.MessageIDInterested, models.MessageIDNotInterested:
		if len(msg) != 1 {
			c.sever(ErrBadLength)
			return
		}
		switch id {
		case models.MessageIDChoke:
			c.downloader.Choke()
		case models.MessageIDUnchoke:
			c.downloader.Unchoke()
		case models.MessageIDInterested:
			c.uploader.Interested()
		case models.MessageIDNotInterested:
			c.uploader.NotInterested()
		}
	case models.MessageIDHave:
		if len(msg) != 5 {
			c.sever(ErrBadLength)
			return
		}
		index, ok := c.pieceIndex(payload)
		if !ok {
			return
		}
		c.downloader.Have(index)
	case models.MessageIDBitfield:
		if !first {
			c.sever(ErrLateBitfield)
			return
		}
		bits, err := decodeBitfield(payload, c.swarm.cfg.NumPieces)
		if err != nil {
			c.sever(err)
			return
		}
		c.downloader.Bitfield(bits)
	case models.MessageIDRequest, models.MessageIDCancel:
		if len(msg) != 13 {
			c.sever(ErrBadLength)
			return
		}
		index, ok := c.pieceIndex(payload)
		if !ok {
			return
		}
		begin := int(binary.BigEndian.Uint32(payload[4:]))
		length := int(binary.BigEndian.Uint32(payload[8:]))
		if id == models.MessageIDRequest {
			c.uploader.Request(index, begin, length)
			c.pumpUpload()
		} else {
			c.uploader.Cancel(index, begin, length)
		}
	case models.MessageIDPiece:
		if len(msg) <= 9 {
			c.sever(ErrBadLength)
			return
		}
		index, ok := c.pieceIndex(payload)
		if !ok {
			return
		}
		begin := int(binary.BigEndian.Uint32(payload[4:]))
		complete, err := c.downloader.Piece(index, begin, payload[8:])
		if err != nil {
			c.swarm.fail(err)
			return
		}
		if complete {
			c.swarm.BroadcastHave(index)
		}
	default:
		c.sever(ErrUnknownMessage)
	}
}

func (c *Conn) pieceIndex(payload []byte) (int, bool) {
	index := binary.BigEndian.Uint32(payload)
	if index >= uint32(c.swarm.cfg.NumPieces) {
		c.sever(ErrBadIndex)
		return 0, false
	}
	return int(index), true
}

func (c *Conn) SendInterested() { c.send(encodeSimple(models.MessageIDInterested)) }

func (c *Conn) SendNotInterested() { c.send(encodeSimple(models.MessageIDNotInterested)) }

func (c *Conn) SendHave(index int) { c.send(encodeHave(index)) }

func (c *Conn) SendRequest(index, begin, length int) {
	c.send(encodeBlockRef(models.MessageIDRequest, index, begin, length))
}

func (c *Conn) SendCancel(index, begin, length int) {
	c.send(encodeBlockRef(models.MessageIDCancel, index, begin, length))
}

func (c *Conn) SendKeepAlive() { c.send(encodeKeepAlive()) }

// UpdateChoke tells the peer about the uploader's current choke state. While
// a PIECE is in flight the notice is held back and collapsed, so only the
// state at the end of the PIECE is sent.
func (c *Conn) UpdateChoke() {
	if c.closed || !c.handshakeDone {
		return
	}
	if c.piece != nil {
		c.chokeQueued = true
		return
	}
	c.sendChokeState()
	c.pumpUpload()
}

func (c *Conn) sendChokeState() {
	choking := c.uploader.Choking()
	if choking == c.sentChoking {
		return
	}
	c.sentChoking = choking
	if choking {
		c.write(encodeSimple(models.MessageIDChoke))
	} else {
		c.write(encodeSimple(models.MessageIDUnchoke))
	}
}

// send writes msg now, or queues it behind the PIECE in flight.
func (c *Conn) send(msg []byte) {
	if c.closed {
		return
	}
	if c.piece != nil {
		c.deferred = append(c.deferred, msg)
		return
	}
	c.write(msg)
}

func (c *Conn) write(msg []byte) {
	c.lastSent = c.swarm.now()
	c.sock.Write(msg)
}

// pumpUpload hands PIECE data to the socket in WriteChunk slices for as long
// as the socket keeps up.
func (c *Conn) pumpUpload() {
	for !c.closed && !c.throttled && c.sock.IsFlushed() {
		if c.piece == nil {
			if c.uploader == nil || c.uploader.Choking() {
				return
			}
			block, err := c.uploader.NextChunk()
			if err != nil {
				c.swarm.fail(err)
				return
			}
			if block == nil {
				return
			}
			c.piece = encodePiece(block)
		}

		n := min(len(c.piece), c.swarm.cfg.WriteChunk)
		if delay := c.swarm.reserveUpload(&n); delay > 0 {
			c.throttled = true
			c.swarm.loop.AddTask(func() error {
				c.throttled = false
				if c.closed {
					return nil
				}
				c.writeSlice(n)
				c.pumpUpload()
				return nil
			}, delay, c.swarm.ctx)
			return
		}
		c.writeSlice(n)
	}
}

func (c *Conn) writeSlice(n int) {
	c.write(c.piece[:n])
	c.piece = c.piece[n:]
	if len(c.piece) > 0 {
		return
	}
	c.piece = nil
	for _, msg := range c.deferred {
		c.write(msg)
	}
	c.deferred = nil
	if c.chokeQueued {
		c.chokeQueued = false
		c.sendChokeState()
	}
}

// Close severs the connection from the local side.
func (c *Conn) Close() {
	c.sever(ErrSwarmClosed)
}

func (c *Conn) sever(err error) {
	if c.closed {
		return
	}
	c.closed = true
	c.state = detached
	c.need = 0
	c.buf = nil
	c.piece = nil
	c.deferred = nil
	c.sock.Close()
	c.log.Debug("connection severed", slog.Any("addr", c.RemoteAddr()), slog.Any("error", err))

	if c.swarm == nil {
		return
	}
	c.swarm.untrack(c)
	if !c.handshakeDone {
		return
	}
	if c.downloader != nil {
		c.downloader.Lost()
	}
	if c.uploader != nil {
		c.uploader.Lost()
	}
	if c.swarm.cfg.Choker != nil {
		c.swarm.cfg.Choker.ConnectionLost(c)
	}
}

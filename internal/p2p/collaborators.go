package p2p

import (
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/btcore/internal/reactor"
	"github.com/WendelHime/btcore/internal/shared/models"
)

// Downloader receives what a peer tells us about its pieces.
type Downloader interface {
	Choke()
	Unchoke()
	Have(index int)
	Bitfield(bits *roaring.Bitmap)
	// Piece stores a received block and reports whether its piece is now
	// complete and verified.
	Piece(index, begin int, data []byte) (complete bool, err error)
	Lost()
}

// Uploader serves the blocks a peer asks us for.
type Uploader interface {
	Interested()
	NotInterested()
	Request(index, begin, length int)
	Cancel(index, begin, length int)
	// NextChunk returns the next block to send, or nil when nothing is due.
	NextChunk() (*models.Block, error)
	Choking() bool
	Lost()
}

// Choker assigns upload slots and must forget peers that went away.
type Choker interface {
	ConnectionLost(c *Conn)
}

// Transfer is the orchestrator side of one swarm.
type Transfer interface {
	// Bitfield is the set of pieces we have, sent after each handshake.
	Bitfield() *roaring.Bitmap
	Attach(c *Conn) (Downloader, Uploader)
}

// EventLoop is the part of the reactor a swarm drives. It is satisfied by
// *reactor.Reactor.
type EventLoop interface {
	AddTask(fn reactor.Task, delay time.Duration, ctx reactor.ContextID)
	Fail(ctx reactor.ContextID, err error)
	Dial(addr string, ctx reactor.ContextID, h reactor.ConnHandler) (*reactor.Socket, error)
}

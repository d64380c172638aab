package logic

import (
	"bytes"
	"crypto/sha1"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/btcore/internal/p2p"
	"github.com/WendelHime/btcore/internal/shared/models"
	"github.com/WendelHime/btcore/internal/storage"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
)

const (
	blockSize         = 16 << 10
	maxOutstanding    = 5
	uploadSlots       = 4
	maxRequestLength  = 128 << 10
	maxQueuedRequests = 256
)

// wire is the part of a peer connection the transfer talks to.
type wire interface {
	SendInterested()
	SendNotInterested()
	SendRequest(index, begin, length int)
	UpdateChoke()
	Closed() bool
}

type blockKey struct {
	index, begin int
}

type pieceProgress struct {
	received  []bool
	remaining int
}

// transfer is the orchestrator of one swarm: it picks blocks to download in
// piece order, verifies finished pieces, and hands out upload slots. It is
// only touched from the reactor goroutine, apart from the atomic counters
// read by the announce loop.
type transfer struct {
	log    *slog.Logger
	store  *storage.Store
	hashes []models.Hash
	bar    *progressbar.ProgressBar

	have       *roaring.Bitmap
	inProgress map[int]*pieceProgress
	assigned   map[blockKey]*peer
	peers      []*peer
	onComplete func()

	downloaded atomic.Int64
	uploaded   atomic.Int64
	left       atomic.Int64
}

func newTransfer(store *storage.Store, hashes []models.Hash, bar *progressbar.ProgressBar, logger *slog.Logger) *transfer {
	t := &transfer{
		log:        logger,
		store:      store,
		hashes:     hashes,
		bar:        bar,
		have:       roaring.New(),
		inProgress: make(map[int]*pieceProgress),
		assigned:   make(map[blockKey]*peer),
	}
	t.left.Store(store.Length())
	return t
}

func (t *transfer) Bitfield() *roaring.Bitmap { return t.have }

func (t *transfer) Attach(c *p2p.Conn) (p2p.Downloader, p2p.Uploader) {
	p := t.attach(c)
	return p, p
}

func (t *transfer) attach(w wire) *peer {
	p := &peer{t: t, conn: w, choked: true, choking: true, bits: roaring.New()}
	t.peers = append(t.peers, p)
	return p
}

func (t *transfer) ConnectionLost(c *p2p.Conn) {
	t.detach(c)
}

func (t *transfer) detach(w wire) {
	i := slices.IndexFunc(t.peers, func(p *peer) bool { return p.conn == w })
	if i < 0 {
		return
	}
	p := t.peers[i]
	t.peers = slices.Delete(t.peers, i, i+1)
	p.Lost()
	if !p.choking {
		t.rechoke()
	}
}

func (t *transfer) numPieces() int { return len(t.hashes) }

func (t *transfer) complete() bool {
	return t.have.GetCardinality() == uint64(t.numPieces())
}

func (t *transfer) blockLength(index, begin int) int {
	return int(min(int64(blockSize), t.store.PieceSize(index)-int64(begin)))
}

func (t *transfer) progress(index int) *pieceProgress {
	prog, ok := t.inProgress[index]
	if !ok {
		n := int((t.store.PieceSize(index) + blockSize - 1) / blockSize)
		prog = &pieceProgress{received: make([]bool, n), remaining: n}
		t.inProgress[index] = prog
	}
	return prog
}

// wanted is the set of pieces bits offers that we are missing.
func (t *transfer) wanted(bits *roaring.Bitmap) *roaring.Bitmap {
	return roaring.AndNot(bits, t.have)
}

// checkHash compares piece index on disk with its metainfo hash.
func (t *transfer) checkHash(index int) (bool, error) {
	data, err := t.store.ReadPiece(index)
	if err != nil {
		return false, err
	}
	sum := sha1.Sum(data)
	return bytes.Equal(sum[:], t.hashes[index][:]), nil
}

// receive stores a requested block and reports whether it completed a
// piece that passed verification.
func (t *transfer) receive(index, begin int, data []byte) (bool, error) {
	offset := int64(index)*t.store.PieceLength() + int64(begin)
	if err := t.store.Write(offset, data); err != nil {
		return false, err
	}
	t.downloaded.Add(int64(len(data)))

	prog := t.progress(index)
	if block := begin / blockSize; !prog.received[block] {
		prog.received[block] = true
		prog.remaining--
	}
	if prog.remaining > 0 {
		return false, nil
	}
	delete(t.inProgress, index)

	ok, err := t.checkHash(index)
	if err != nil {
		return false, err
	}
	if !ok {
		t.log.Warn("piece is not valid", slog.Int("piece", index))
		return false, nil
	}
	t.markHave(index)
	return true, nil
}

// addHave records a verified piece without telling the peers.
func (t *transfer) addHave(index int) {
	if t.have.CheckedAdd(uint32(index)) {
		t.store.MarkHave(index)
		size := t.store.PieceSize(index)
		t.left.Add(-size)
		t.bar.Add64(size)
	}
}

func (t *transfer) markHave(index int) {
	t.addHave(index)
	t.log.Debug("piece saved", slog.Int("piece", index), slog.Int("amount_pieces", t.numPieces()))
	for _, p := range t.peers {
		p.updateInterest()
	}
	if t.complete() {
		t.log.Info("transfer complete",
			slog.String("size", humanize.Bytes(uint64(t.store.Length()))),
			slog.String("downloaded", humanize.Bytes(uint64(t.downloaded.Load()))),
			slog.String("uploaded", humanize.Bytes(uint64(t.uploaded.Load()))))
		t.bar.Finish()
		if t.onComplete != nil {
			t.onComplete()
		}
	}
}

// loadFromStore picks up the pieces a resume record marked as complete.
func (t *transfer) loadFromStore() {
	for i := range t.hashes {
		if t.store.Have(i) {
			t.addHave(i)
		}
	}
}

// verifyAll hashes every piece on disk and keeps the ones that match.
func (t *transfer) verifyAll() error {
	t.bar.Describe("verifying")
	for i := range t.hashes {
		ok, err := t.checkHash(i)
		if err != nil {
			return err
		}
		if ok {
			t.addHave(i)
		}
	}
	t.bar.Describe("downloading")
	t.log.Info("verified existing data", slog.Uint64("pieces", t.have.GetCardinality()), slog.Int("amount_pieces", t.numPieces()))
	return nil
}

// rechoke unchokes the first uploadSlots interested peers, in the order they
// connected, and chokes everyone else.
func (t *transfer) rechoke() {
	slots := uploadSlots
	for _, p := range t.peers {
		unchoke := p.peerInterested && slots > 0
		if unchoke {
			slots--
		}
		if p.choking == !unchoke {
			continue
		}
		p.choking = !unchoke
		if p.choking {
			p.queue = nil
		}
		p.conn.UpdateChoke()
	}
}

// requestAll lets every unchoked peer fill its request pipeline, used when
// blocks are released back to the pool.
func (t *transfer) requestAll() {
	for _, p := range t.peers {
		p.requestMore()
	}
}

package logic

import (
	"log/slog"
	"slices"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/btcore/internal/shared/models"
)

// peer is both halves of our view of one connection: what we download from
// it and what we upload to it.
type peer struct {
	t    *transfer
	conn wire
	lost bool

	choked      bool
	interested  bool
	bits        *roaring.Bitmap
	outstanding []blockKey

	choking        bool
	peerInterested bool
	queue          []models.Block
}

func (p *peer) Choke() {
	p.choked = true
	p.release()
}

func (p *peer) Unchoke() {
	p.choked = false
	p.requestMore()
}

func (p *peer) Have(index int) {
	p.bits.Add(uint32(index))
	p.updateInterest()
	p.requestMore()
}

func (p *peer) Bitfield(bits *roaring.Bitmap) {
	p.bits = bits
	p.updateInterest()
	p.requestMore()
}

func (p *peer) Piece(index, begin int, data []byte) (bool, error) {
	key := blockKey{index: index, begin: begin}
	if p.t.assigned[key] != p || len(data) != p.t.blockLength(index, begin) {
		p.t.log.Debug("dropping unrequested block", slog.Int("piece", index), slog.Int("begin", begin), slog.Int("length", len(data)))
		return false, nil
	}
	delete(p.t.assigned, key)
	p.outstanding = slices.DeleteFunc(p.outstanding, func(k blockKey) bool { return k == key })

	complete, err := p.t.receive(index, begin, data)
	if err != nil {
		return false, err
	}
	p.requestMore()
	return complete, nil
}

func (p *peer) Lost() {
	if p.lost {
		return
	}
	p.lost = true
	p.queue = nil
	p.release()
}

// release hands our in-flight requests back so other peers can take them.
func (p *peer) release() {
	if len(p.outstanding) == 0 {
		return
	}
	for _, key := range p.outstanding {
		if p.t.assigned[key] == p {
			delete(p.t.assigned, key)
		}
	}
	p.outstanding = nil
	p.t.requestAll()
}

func (p *peer) updateInterest() {
	want := !p.t.wanted(p.bits).IsEmpty()
	if want == p.interested {
		return
	}
	p.interested = want
	if want {
		p.conn.SendInterested()
	} else {
		p.conn.SendNotInterested()
	}
}

// requestMore fills the request pipeline with the lowest blocks nobody else
// is fetching.
func (p *peer) requestMore() {
	if p.choked || p.lost || p.conn.Closed() || len(p.outstanding) >= maxOutstanding {
		return
	}
	it := p.t.wanted(p.bits).Iterator()
	for it.HasNext() && len(p.outstanding) < maxOutstanding {
		index := int(it.Next())
		if index >= p.t.numPieces() {
			break
		}
		prog := p.t.progress(index)
		for block, done := range prog.received {
			if done {
				continue
			}
			key := blockKey{index: index, begin: block * blockSize}
			if _, taken := p.t.assigned[key]; taken {
				continue
			}
			p.t.assigned[key] = p
			p.outstanding = append(p.outstanding, key)
			p.conn.SendRequest(key.index, key.begin, p.t.blockLength(key.index, key.begin))
			if len(p.outstanding) >= maxOutstanding {
				return
			}
		}
	}
}

func (p *peer) Interested() {
	p.peerInterested = true
	p.t.rechoke()
}

func (p *peer) NotInterested() {
	p.peerInterested = false
	p.t.rechoke()
}

func (p *peer) Request(index, begin, length int) {
	if p.choking || p.lost {
		return
	}
	if !p.t.have.Contains(uint32(index)) || begin < 0 || length <= 0 || length > maxRequestLength ||
		int64(begin+length) > p.t.store.PieceSize(index) || len(p.queue) >= maxQueuedRequests {
		p.t.log.Debug("ignoring request", slog.Int("piece", index), slog.Int("begin", begin), slog.Int("length", length))
		return
	}
	p.queue = append(p.queue, models.Block{Index: index, Begin: begin, Length: length})
}

func (p *peer) Cancel(index, begin, length int) {
	p.queue = slices.DeleteFunc(p.queue, func(b models.Block) bool {
		return b.Index == index && b.Begin == begin && b.Length == length
	})
}

func (p *peer) NextChunk() (*models.Block, error) {
	if p.choking || len(p.queue) == 0 {
		return nil, nil
	}
	block := p.queue[0]
	p.queue = p.queue[1:]
	offset := int64(block.Index)*p.t.store.PieceLength() + int64(block.Begin)
	data, err := p.t.store.Read(offset, int64(block.Length))
	if err != nil {
		return nil, err
	}
	block.Data = data
	p.t.uploaded.Add(int64(block.Length))
	return &block, nil
}

func (p *peer) Choking() bool { return p.choking }

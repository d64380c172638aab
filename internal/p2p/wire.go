package p2p

import (
	"encoding/binary"
	"errors"

	"github.com/RoaringBitmap/roaring"
	"github.com/WendelHime/btcore/internal/shared/models"
)

const (
	ProtocolName = "BitTorrent protocol"

	handshakeLength = 1 + len(ProtocolName) + 8 + 20 + 20
	lengthPrefix    = 4
)

var ErrBadBitfield = errors.New("malformed bitfield")

type handshake struct {
	InfoHash models.Hash
	PeerID   models.PeerID
}

// handshake request to bytes
func (h handshake) Bytes() []byte {
	buf := make([]byte, 1, handshakeLength)
	buf[0] = byte(len(ProtocolName))
	buf = append(buf, ProtocolName...)
	buf = append(buf, make([]byte, 8)...) // eight reserved bytes
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf
}

// newMessage returns a length-prefixed message header with room for payload.
func newMessage(id models.MessageID, payloadLen int) []byte {
	buf := make([]byte, lengthPrefix+1, lengthPrefix+1+payloadLen)
	binary.BigEndian.PutUint32(buf, uint32(1+payloadLen))
	buf[lengthPrefix] = byte(id)
	return buf
}

func encodeKeepAlive() []byte {
	return make([]byte, lengthPrefix)
}

func encodeSimple(id models.MessageID) []byte {
	return newMessage(id, 0)
}

func encodeHave(index int) []byte {
	buf := newMessage(models.MessageIDHave, 4)
	return binary.BigEndian.AppendUint32(buf, uint32(index))
}

// encodeBlockRef encodes REQUEST and CANCEL.
func encodeBlockRef(id models.MessageID, index, begin, length int) []byte {
	buf := newMessage(id, 12)
	buf = binary.BigEndian.AppendUint32(buf, uint32(index))
	buf = binary.BigEndian.AppendUint32(buf, uint32(begin))
	return binary.BigEndian.AppendUint32(buf, uint32(length))
}

func encodePiece(b *models.Block) []byte {
	buf := newMessage(models.MessageIDPiece, 8+len(b.Data))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.Index))
	buf = binary.BigEndian.AppendUint32(buf, uint32(b.Begin))
	return append(buf, b.Data...)
}

// encodeBitfield packs bits most significant bit first, piece 0 being the
// high bit of the first byte.
func encodeBitfield(bits *roaring.Bitmap, numPieces int) []byte {
	n := bitfieldLength(numPieces)
	buf := newMessage(models.MessageIDBitfield, n)
	vec := make([]byte, n)
	it := bits.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= numPieces {
			break
		}
		vec[i/8] |= 0x80 >> (i % 8)
	}
	return append(buf, vec...)
}

func decodeBitfield(vec []byte, numPieces int) (*roaring.Bitmap, error) {
	if len(vec) != bitfieldLength(numPieces) {
		return nil, ErrBadBitfield
	}
	bits := roaring.New()
	for i := 0; i < len(vec)*8; i++ {
		if vec[i/8]&(0x80>>(i%8)) == 0 {
			continue
		}
		if i >= numPieces {
			return nil, ErrBadBitfield
		}
		bits.Add(uint32(i))
	}
	return bits, nil
}

func bitfieldLength(numPieces int) int {
	return (numPieces + 7) / 8
}

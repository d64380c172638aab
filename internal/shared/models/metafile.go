package models

import "encoding/hex"

type Metafile struct {
	Announce     string
	AnnounceList [][]string
	Info         Info
	InfoHash     Hash
}

type Info struct {
	Name         string
	Length       int64
	PieceLength  int64
	Pieces       string
	PiecesHashes []Hash
	Files        []File
}

// TotalLength is the sum of all file lengths.
func (i Info) TotalLength() int64 {
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// PieceSize returns the length of piece index, which is shorter than
// PieceLength only for the last piece.
func (i Info) PieceSize(index int) int64 {
	offset := int64(index) * i.PieceLength
	return min(i.TotalLength()-offset, i.PieceLength)
}

type File struct {
	Length int64
	Path   []string
}

// Hash is a 20 byte SHA-1 digest: info hashes and piece hashes.
type Hash [20]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// PeerID identifies a client on the wire.
type PeerID [20]byte

func (p PeerID) String() string {
	return string(p[:])
}

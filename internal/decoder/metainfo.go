package decoder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/WendelHime/btcore/internal/shared/models"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/jackpal/bencode-go"
)

var (
	ErrMalformed          = errors.New("malformed bencode")
	ErrMissingInfo        = errors.New("metainfo has no info dictionary")
	ErrInvalidPieces      = errors.New("pieces length is not a multiple of 20")
	ErrPieceCountMismatch = errors.New("piece count does not match total length")
	ErrInvalidLayout      = errors.New("invalid file layout")
)

type MetafileDecoder interface {
	Decode(io.Reader) (models.Metafile, error)
}

type decoder struct{}

func NewDecoder() MetafileDecoder {
	return decoder{}
}

type bencodeInfo struct {
	Name        string        `bencode:"name"`
	Length      int64         `bencode:"length"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
	Files       []bencodeFile `bencode:"files"`
}

type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

func (decoder) Decode(torrent io.Reader) (models.Metafile, error) {
	var response models.Metafile
	data, err := io.ReadAll(torrent)
	if err != nil {
		return response, err
	}

	// the info hash covers the info dictionary exactly as it was encoded
	mi, err := metainfo.Load(bytes.NewReader(data))
	if err != nil {
		slog.Error("failed to decode torrent", slog.Any("error", err))
		return response, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(mi.InfoBytes) == 0 {
		return response, ErrMissingInfo
	}

	var info bencodeInfo
	if err := bencode.Unmarshal(bytes.NewReader(mi.InfoBytes), &info); err != nil {
		slog.Error("failed to decode torrent info", slog.Any("error", err))
		return response, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	response.Announce = mi.Announce
	response.AnnounceList = mi.AnnounceList
	response.InfoHash = models.Hash(mi.HashInfoBytes())
	response.Info = models.Info{
		Name:        info.Name,
		Length:      info.Length,
		PieceLength: info.PieceLength,
		Pieces:      info.Pieces,
	}

	response.Info.PiecesHashes, err = calculatePiecesHashes(info.Pieces)
	if err != nil {
		slog.Error("failed to calculate pieces hashes", slog.Any("error", err))
		return response, err
	}

	switch {
	case len(info.Files) > 0:
		for _, f := range info.Files {
			if f.Length < 0 || len(f.Path) == 0 {
				return response, fmt.Errorf("%w: %v", ErrInvalidLayout, f.Path)
			}
			response.Info.Files = append(response.Info.Files, models.File{Length: f.Length, Path: f.Path})
		}
	case info.Length > 0:
		response.Info.Files = []models.File{{Length: info.Length, Path: []string{info.Name}}}
	default:
		return response, fmt.Errorf("%w: no files", ErrInvalidLayout)
	}

	if response.Info.PieceLength <= 0 {
		return response, fmt.Errorf("%w: piece length %d", ErrInvalidLayout, response.Info.PieceLength)
	}
	total := response.Info.TotalLength()
	if want := (total + response.Info.PieceLength - 1) / response.Info.PieceLength; want != int64(len(response.Info.PiecesHashes)) {
		return response, fmt.Errorf("%w: %d hashes for %d pieces", ErrPieceCountMismatch, len(response.Info.PiecesHashes), want)
	}

	return response, nil
}

func calculatePiecesHashes(pieces string) ([]models.Hash, error) {
	if len(pieces)%20 != 0 {
		return nil, ErrInvalidPieces
	}
	piecesHashes := make([]models.Hash, 0, len(pieces)/20)
	for i := 0; i < len(pieces); i += 20 {
		var hash models.Hash
		copy(hash[:], pieces[i:i+20])
		piecesHashes = append(piecesHashes, hash)
	}

	return piecesHashes, nil
}

package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

var (
	ErrOutOfRange = errors.New("range outside transfer")
	ErrShortRead  = errors.New("short read")
)

// preallocMu serializes file creation of transfers starting at the same time.
var preallocMu sync.Mutex

type FileSpec struct {
	Path   string
	Length int64
}

// Segment is the part of one file covered by a mapped range. Start and End
// are offsets within the file.
type Segment struct {
	File       int // index into the transfer's file list
	Path       string
	Start, End int64
}

func (s Segment) Len() int64 { return s.End - s.Start }

type fileRange struct {
	start, end int64
	file       int
}

// Store presents the files of one transfer as a single byte space.
type Store struct {
	pool        *HandlePool
	owner       string
	files       []FileSpec
	pieceLength int64
	total       int64

	// ranges holds one entry per non-empty file, in order and without gaps.
	// begins[i] == ranges[i].start, kept apart for binary search.
	ranges []fileRange
	begins []int64

	status       []PieceStatus
	undownloaded []int64
	unallocated  []int64
}

// NewStore registers files with the pool under owner and pre-allocates
// them. Existing files are truncated or extended to their declared length.
func NewStore(pool *HandlePool, owner string, files []FileSpec, pieceLength int64) (*Store, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("invalid piece length %d", pieceLength)
	}
	s := &Store{
		pool:         pool,
		owner:        owner,
		files:        files,
		pieceLength:  pieceLength,
		undownloaded: make([]int64, len(files)),
		unallocated:  make([]int64, len(files)),
	}
	names := make([]string, 0, len(files))
	for i, f := range files {
		if f.Length < 0 {
			return nil, fmt.Errorf("invalid length %d for %s", f.Length, f.Path)
		}
		names = append(names, f.Path)
		if f.Length == 0 {
			continue
		}
		s.ranges = append(s.ranges, fileRange{start: s.total, end: s.total + f.Length, file: i})
		s.begins = append(s.begins, s.total)
		s.total += f.Length
		s.undownloaded[i] = f.Length
	}

	if err := pool.Register(owner, names...); err != nil {
		return nil, err
	}
	if err := s.preallocate(); err != nil {
		pool.Release(owner)
		return nil, err
	}

	s.status = make([]PieceStatus, s.NumPieces())
	for i := range s.status {
		s.status[i] = StatusMissing
	}
	return s, nil
}

func (s *Store) preallocate() error {
	preallocMu.Lock()
	defer preallocMu.Unlock()

	fs := s.pool.Fs()
	for _, f := range s.files {
		if err := fs.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", f.Path, err)
		}
		info, err := fs.Stat(f.Path)
		if err != nil && !os.IsNotExist(err) {
			return err
		}
		if err == nil && info.Size() == f.Length {
			continue
		}
		file, err := fs.OpenFile(f.Path, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("allocate %s: %w", f.Path, err)
		}
		if info != nil && info.Size() > f.Length {
			err = file.Truncate(f.Length)
		} else if f.Length > 0 {
			_, err = file.WriteAt([]byte{0}, f.Length-1)
		}
		if cerr := file.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("allocate %s: %w", f.Path, err)
		}
	}
	return nil
}

// Length is the size of the whole transfer.
func (s *Store) Length() int64 { return s.total }

func (s *Store) NumPieces() int {
	return int((s.total + s.pieceLength - 1) / s.pieceLength)
}

func (s *Store) PieceLength() int64 { return s.pieceLength }

// PieceSize is PieceLength for every piece but the last.
func (s *Store) PieceSize(index int) int64 {
	start := int64(index) * s.pieceLength
	return min(s.pieceLength, s.total-start)
}

// MapRange splits [offset, offset+length) into per-file segments, in file
// order.
func (s *Store) MapRange(offset, length int64) ([]Segment, error) {
	if offset < 0 || length < 0 || length > s.total-offset {
		return nil, fmt.Errorf("%w: %d+%d of %d", ErrOutOfRange, offset, length, s.total)
	}
	if length == 0 {
		return nil, nil
	}
	i := sort.Search(len(s.begins), func(i int) bool { return s.begins[i] > offset }) - 1
	end := offset + length
	var segments []Segment
	for pos := offset; pos < end; i++ {
		r := s.ranges[i]
		segEnd := min(end, r.end)
		segments = append(segments, Segment{
			File:  r.file,
			Path:  s.files[r.file].Path,
			Start: pos - r.start,
			End:   segEnd - r.start,
		})
		pos = segEnd
	}
	return segments, nil
}

func (s *Store) Read(offset, length int64) ([]byte, error) {
	segments, err := s.MapRange(offset, length)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	pos := int64(0)
	for _, seg := range segments {
		part := buf[pos : pos+seg.Len()]
		n, err := s.pool.ReadAt(seg.Path, part, seg.Start)
		if n < len(part) {
			if err == nil || errors.Is(err, io.EOF) {
				err = ErrShortRead
			}
			return nil, fmt.Errorf("read %s at %d: %w", seg.Path, seg.Start, err)
		}
		pos += seg.Len()
	}
	return buf, nil
}

func (s *Store) Write(offset int64, data []byte) error {
	segments, err := s.MapRange(offset, int64(len(data)))
	if err != nil {
		return err
	}
	pos := int64(0)
	for _, seg := range segments {
		if _, err := s.pool.WriteAt(seg.Path, data[pos:pos+seg.Len()], seg.Start); err != nil {
			return fmt.Errorf("write %s at %d: %w", seg.Path, seg.Start, err)
		}
		pos += seg.Len()
	}
	return nil
}

// ReadPiece reads a whole piece.
func (s *Store) ReadPiece(index int) ([]byte, error) {
	return s.Read(int64(index)*s.pieceLength, s.PieceSize(index))
}

// Close releases the transfer's files.
func (s *Store) Close() error {
	return s.pool.Release(s.owner)
}

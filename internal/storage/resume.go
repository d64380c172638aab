package storage

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const resumeVersion = "btcore resume v1"

var (
	// ErrResumeMismatch means a file changed since the resume record was
	// written; every piece must be verified again.
	ErrResumeMismatch = errors.New("resume data does not match files")
	ErrBadResume      = errors.New("malformed resume data")
)

// PieceStatus is the fast resume state of one piece. A non-negative value is
// the piece's own index: the piece is complete and stored in place.
type PieceStatus int32

const (
	StatusMissing     PieceStatus = -1 // allocated, not downloaded
	StatusUnallocated PieceStatus = -2 // neither allocated nor downloaded
)

type FileStat struct {
	Path         string
	Length       int64
	Undownloaded int64
	Unallocated  int64
}

func (s *Store) Status(index int) PieceStatus { return s.status[index] }

// Have reports whether piece index is complete.
func (s *Store) Have(index int) bool { return s.status[index] >= 0 }

// Downloaded is the number of bytes in complete pieces.
func (s *Store) Downloaded() int64 {
	var n int64
	for i, st := range s.status {
		if st >= 0 {
			n += s.PieceSize(i)
		}
	}
	return n
}

// MarkHave records piece index as complete.
func (s *Store) MarkHave(index int) {
	prev := s.status[index]
	if prev >= 0 {
		return
	}
	s.status[index] = PieceStatus(index)
	s.eachFileOverlap(index, func(file int, n int64) {
		s.undownloaded[file] -= n
		if prev == StatusUnallocated {
			s.unallocated[file] -= n
		}
	})
}

// FileStats returns per-file byte counts derived from the piece statuses.
func (s *Store) FileStats() []FileStat {
	stats := make([]FileStat, len(s.files))
	for i, f := range s.files {
		stats[i] = FileStat{
			Path:         f.Path,
			Length:       f.Length,
			Undownloaded: s.undownloaded[i],
			Unallocated:  s.unallocated[i],
		}
	}
	return stats
}

func (s *Store) eachFileOverlap(index int, fn func(file int, n int64)) {
	start := int64(index) * s.pieceLength
	segments, err := s.MapRange(start, s.PieceSize(index))
	if err != nil {
		return
	}
	for _, seg := range segments {
		fn(seg.File, seg.Len())
	}
}

// WriteResume records the current piece statuses together with the size and
// modification time of every file, in nanoseconds.
func (s *Store) WriteResume(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, resumeVersion)
	fmt.Fprintln(bw, s.Downloaded())
	fs := s.pool.Fs()
	for _, f := range s.files {
		info, err := fs.Stat(f.Path)
		if err != nil {
			return fmt.Errorf("stat %s: %w", f.Path, err)
		}
		fmt.Fprintf(bw, "%d %d\n", info.Size(), info.ModTime().UnixNano())
	}
	if err := binary.Write(bw, binary.BigEndian, s.status); err != nil {
		return err
	}
	return bw.Flush()
}

// LoadResume replaces the piece statuses with the ones recorded in r. It
// fails with ErrResumeMismatch if any file's size or modification time
// differs from the record, leaving the statuses untouched.
func (s *Store) LoadResume(r io.Reader) error {
	br := bufio.NewReader(r)
	line := func() (string, error) {
		l, err := br.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadResume, err)
		}
		return strings.TrimSuffix(l, "\n"), nil
	}

	version, err := line()
	if err != nil {
		return err
	}
	if version != resumeVersion {
		return fmt.Errorf("%w: version %q", ErrBadResume, version)
	}
	l, err := line()
	if err != nil {
		return err
	}
	downloaded, err := strconv.ParseInt(l, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadResume, err)
	}

	fs := s.pool.Fs()
	for _, f := range s.files {
		l, err := line()
		if err != nil {
			return err
		}
		var size, mtime int64
		if _, err := fmt.Sscanf(l, "%d %d", &size, &mtime); err != nil {
			return fmt.Errorf("%w: %v", ErrBadResume, err)
		}
		info, err := fs.Stat(f.Path)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrResumeMismatch, f.Path, err)
		}
		if info.Size() != size || info.ModTime().UnixNano() != mtime {
			return fmt.Errorf("%w: %s", ErrResumeMismatch, f.Path)
		}
	}

	status := make([]PieceStatus, len(s.status))
	if err := binary.Read(br, binary.BigEndian, status); err != nil {
		return fmt.Errorf("%w: %v", ErrBadResume, err)
	}
	if _, err := br.ReadByte(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after piece statuses", ErrBadResume)
	}
	for i, st := range status {
		if st != StatusMissing && st != StatusUnallocated && st != PieceStatus(i) {
			return fmt.Errorf("%w: piece %d has status %d", ErrBadResume, i, st)
		}
	}

	prev := s.status
	s.status = status
	if s.Downloaded() != downloaded {
		s.status = prev
		return fmt.Errorf("%w: downloaded %d, pieces add up to %d", ErrBadResume, downloaded, s.Downloaded())
	}
	s.rebuildFileStats()
	return nil
}

func (s *Store) rebuildFileStats() {
	for i := range s.files {
		s.undownloaded[i] = 0
		s.unallocated[i] = 0
	}
	for i, st := range s.status {
		if st >= 0 {
			continue
		}
		s.eachFileOverlap(i, func(file int, n int64) {
			s.undownloaded[file] += n
			if st == StatusUnallocated {
				s.unallocated[file] += n
			}
		})
	}
}

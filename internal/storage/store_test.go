package storage

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, fs afero.Fs, pieceLength int64, files ...FileSpec) *Store {
	t.Helper()
	pool := NewHandlePool(fs, 8, discardLogger())
	s, err := NewStore(pool, "transfer", files, pieceLength)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMapRange(t *testing.T) {
	twoFiles := []FileSpec{{Path: "f0", Length: 10}, {Path: "f1", Length: 20}}
	var tests = []struct {
		name     string
		files    []FileSpec
		offset   int64
		length   int64
		expected []Segment
		err      error
	}{
		{
			name:   "range spanning two files",
			files:  twoFiles,
			offset: 8,
			length: 7,
			expected: []Segment{
				{File: 0, Path: "f0", Start: 8, End: 10},
				{File: 1, Path: "f1", Start: 0, End: 5},
			},
		},
		{
			name:   "whole transfer",
			files:  twoFiles,
			offset: 0,
			length: 30,
			expected: []Segment{
				{File: 0, Path: "f0", Start: 0, End: 10},
				{File: 1, Path: "f1", Start: 0, End: 20},
			},
		},
		{
			name:     "starts on a file boundary",
			files:    twoFiles,
			offset:   10,
			length:   5,
			expected: []Segment{{File: 1, Path: "f1", Start: 0, End: 5}},
		},
		{
			name:     "last byte",
			files:    twoFiles,
			offset:   29,
			length:   1,
			expected: []Segment{{File: 1, Path: "f1", Start: 19, End: 20}},
		},
		{
			name:   "empty file is skipped",
			files:  []FileSpec{{Path: "f0", Length: 10}, {Path: "empty", Length: 0}, {Path: "f2", Length: 20}},
			offset: 8,
			length: 7,
			expected: []Segment{
				{File: 0, Path: "f0", Start: 8, End: 10},
				{File: 2, Path: "f2", Start: 0, End: 5},
			},
		},
		{
			name:   "past the end",
			files:  twoFiles,
			offset: 25,
			length: 10,
			err:    ErrOutOfRange,
		},
		{
			name:   "negative offset",
			files:  twoFiles,
			offset: -1,
			length: 2,
			err:    ErrOutOfRange,
		},
		{
			name:   "length overflows the offset",
			files:  twoFiles,
			offset: 8,
			length: math.MaxInt64,
			err:    ErrOutOfRange,
		},
		{
			name:   "offset past the end with zero length",
			files:  twoFiles,
			offset: 31,
			length: 0,
			err:    ErrOutOfRange,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, afero.NewMemMapFs(), 8, tt.files...)
			actual, err := s.MapRange(tt.offset, tt.length)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, actual)
		})
	}
}

func TestMapRangeCoversEveryRange(t *testing.T) {
	files := []FileSpec{{Path: "a", Length: 3}, {Path: "b", Length: 0}, {Path: "c", Length: 7}, {Path: "d", Length: 1}, {Path: "e", Length: 9}}
	s := newTestStore(t, afero.NewMemMapFs(), 4, files...)
	total := s.Length()
	require.Equal(t, int64(20), total)

	for offset := int64(0); offset <= total; offset++ {
		for length := int64(0); offset+length <= total; length++ {
			segments, err := s.MapRange(offset, length)
			require.NoError(t, err)

			var sum int64
			lastFile := -1
			for _, seg := range segments {
				assert.Greater(t, seg.File, lastFile, "segments in file order")
				lastFile = seg.File
				assert.Positive(t, seg.Len())
				assert.GreaterOrEqual(t, seg.Start, int64(0))
				assert.LessOrEqual(t, seg.End, files[seg.File].Length)
				sum += seg.Len()
			}
			assert.Equal(t, length, sum, "offset %d length %d", offset, length)
		}
	}
}

func TestReadWriteRoundTrip(t *testing.T) {
	var tests = []struct {
		name   string
		offset int64
		data   []byte
	}{
		{name: "inside one file", offset: 2, data: []byte("abc")},
		{name: "across two files", offset: 8, data: []byte("ABCDEFG")},
		{name: "across three files", offset: 5, data: bytes.Repeat([]byte("x"), 30)},
		{name: "everything", offset: 0, data: bytes.Repeat([]byte("0123456789"), 4)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t, afero.NewMemMapFs(), 8,
				FileSpec{Path: "f0", Length: 10},
				FileSpec{Path: "dir/f1", Length: 20},
				FileSpec{Path: "dir/sub/f2", Length: 10},
			)
			require.NoError(t, s.Write(tt.offset, tt.data))
			actual, err := s.Read(tt.offset, int64(len(tt.data)))
			require.NoError(t, err)
			assert.Equal(t, tt.data, actual)
		})
	}
}

func TestWriteLandsInEachFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 8, FileSpec{Path: "f0", Length: 10}, FileSpec{Path: "f1", Length: 20})

	require.NoError(t, s.Write(8, []byte("ABCDEFG")))

	f0, err := afero.ReadFile(fs, "f0")
	require.NoError(t, err)
	f1, err := afero.ReadFile(fs, "f1")
	require.NoError(t, err)
	assert.Equal(t, []byte("AB"), f0[8:])
	assert.Equal(t, []byte("CDEFG"), f1[:5])
	assert.Len(t, f0, 10)
	assert.Len(t, f1, 20)
}

func TestPreallocation(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "big", []byte("0123456789abcdef"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "small", []byte("xy"), 0o644))

	newTestStore(t, fs, 4,
		FileSpec{Path: "big", Length: 10},
		FileSpec{Path: "small", Length: 6},
		FileSpec{Path: filepath.Join("nested", "dir", "new"), Length: 5},
		FileSpec{Path: "zero", Length: 0},
	)

	var tests = []struct {
		path     string
		expected []byte
	}{
		{path: "big", expected: []byte("0123456789")},
		{path: "small", expected: []byte{'x', 'y', 0, 0, 0, 0}},
		{path: filepath.Join("nested", "dir", "new"), expected: make([]byte, 5)},
		{path: "zero", expected: []byte{}},
	}
	for _, tt := range tests {
		content, err := afero.ReadFile(fs, tt.path)
		require.NoError(t, err, tt.path)
		assert.Equal(t, tt.expected, content, tt.path)
	}
}

func TestStoreFileOwnership(t *testing.T) {
	fs := afero.NewMemMapFs()
	pool := NewHandlePool(fs, 8, discardLogger())
	files := []FileSpec{{Path: "shared", Length: 4}}

	first, err := NewStore(pool, "first", files, 4)
	require.NoError(t, err)

	_, err = NewStore(pool, "second", files, 4)
	assert.ErrorIs(t, err, ErrFileInUse)

	require.NoError(t, first.Close())
	second, err := NewStore(pool, "second", files, 4)
	require.NoError(t, err)
	assert.NoError(t, second.Close())
}

func TestShortRead(t *testing.T) {
	fs := afero.NewMemMapFs()
	s := newTestStore(t, fs, 4, FileSpec{Path: "f0", Length: 8})

	f, err := fs.OpenFile("f0", os.O_RDWR, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(3))
	require.NoError(t, f.Close())

	_, err = s.Read(0, 8)
	assert.ErrorIs(t, err, ErrShortRead)
}

func TestPieceGeometry(t *testing.T) {
	s := newTestStore(t, afero.NewMemMapFs(), 8, FileSpec{Path: "f0", Length: 10}, FileSpec{Path: "f1", Length: 20})
	assert.Equal(t, 4, s.NumPieces())
	assert.Equal(t, int64(8), s.PieceSize(0))
	assert.Equal(t, int64(6), s.PieceSize(3))

	require.NoError(t, s.Write(24, []byte("tail!!")))
	piece, err := s.ReadPiece(3)
	require.NoError(t, err)
	assert.Equal(t, []byte("tail!!"), piece)
}

package capturefile

import (
	"errors"
	"fmt"
	"io"
)

// FragmentInputStream reads the byte range [start, end) of a file in fixed
// size blocks. Next hands out the internal buffer; BackUp returns the unused
// tail of the last block. The first read error is kept and ends the stream
// for good.
type FragmentInputStream struct {
	r     io.ReaderAt
	start int64
	end   int64
	pos   int64

	buf        []byte
	blockStart int64
	blockLen   int
	last       int
	err        error
}

// NewFragmentInputStream returns a stream over [start, end) of r.
func NewFragmentInputStream(r io.ReaderAt, start, end int64, blockSize int) *FragmentInputStream {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &FragmentInputStream{
		r:     r,
		start: start,
		end:   max(start, end),
		pos:   start,
		buf:   make([]byte, blockSize),
	}
}

// Next returns the next block of data. It returns false at the end of the
// fragment or after a read error; Err tells the two apart.
func (s *FragmentInputStream) Next() ([]byte, bool) {
	s.last = 0
	if s.err != nil || s.pos >= s.end {
		return nil, false
	}

	if s.pos < s.blockStart || s.pos >= s.blockStart+int64(s.blockLen) {
		want := int(min(int64(len(s.buf)), s.end-s.pos))
		n, err := s.r.ReadAt(s.buf[:want], s.pos)
		if n < want {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			s.err = fmt.Errorf("%w: reading fragment at %d: %w", ErrFileTruncated, s.pos, err)
			s.blockLen = 0
			return nil, false
		}
		s.blockStart, s.blockLen = s.pos, n
	}

	data := s.buf[s.pos-s.blockStart : s.blockLen]
	s.pos += int64(len(data))
	s.last = len(data)
	return data, true
}

// BackUp returns the last n bytes handed out by Next to the stream. It never
// moves before the start of the fragment.
func (s *FragmentInputStream) BackUp(n int) {
	n = min(n, s.last)
	if n <= 0 {
		return
	}
	s.last -= n
	s.pos = max(s.start, s.pos-int64(n))
}

// Skip advances by n bytes and reports whether that stayed within the
// fragment. It stops at the end.
func (s *FragmentInputStream) Skip(n int64) bool {
	s.last = 0
	if s.err != nil || n < 0 {
		return false
	}
	if s.pos+n > s.end {
		s.pos = s.end
		return false
	}
	s.pos += n
	return true
}

// ByteCount is the number of bytes consumed so far.
func (s *FragmentInputStream) ByteCount() int64 { return s.pos - s.start }

// Err returns the latched read error, if any.
func (s *FragmentInputStream) Err() error { return s.err }

// Read implements io.Reader on top of Next and BackUp.
func (s *FragmentInputStream) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	data, ok := s.Next()
	if !ok {
		if s.err != nil {
			return 0, s.err
		}
		return 0, io.EOF
	}
	n := copy(p, data)
	s.BackUp(len(data) - n)
	return n, nil
}

// ReadByte implements io.ByteReader.
func (s *FragmentInputStream) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := s.Read(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

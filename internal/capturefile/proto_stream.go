package capturefile

import (
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// ProtoSectionInputStream decodes varint length prefixed messages from a
// fragment.
type ProtoSectionInputStream struct {
	in *FragmentInputStream
}

// NewProtoSectionInputStream wraps in.
func NewProtoSectionInputStream(in *FragmentInputStream) *ProtoSectionInputStream {
	return &ProtoSectionInputStream{in: in}
}

// ReadMessage decodes the next message into msg. Zero padding decodes as
// empty messages; running off the end of the fragment reports
// ErrUnexpectedEndOfSection.
func (s *ProtoSectionInputStream) ReadMessage(msg proto.Message) error {
	size, err := s.readLength()
	if err != nil {
		return err
	}
	if size > MaxMessageSize {
		return fmt.Errorf("%w: declared %d bytes, limit is %d", ErrMessageTooLarge, size, MaxMessageSize)
	}

	buf := make([]byte, size)
	if n, err := io.ReadFull(s.in, buf); err != nil {
		if latched := s.in.Err(); latched != nil {
			return latched
		}
		return fmt.Errorf("%w: declared %d bytes, got %d", ErrMessageSizeMismatch, size, n)
	}
	if err := proto.Unmarshal(buf, msg); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptMessage, err)
	}
	return nil
}

// ByteCount is the number of bytes consumed so far.
func (s *ProtoSectionInputStream) ByteCount() int64 { return s.in.ByteCount() }

func (s *ProtoSectionInputStream) readLength() (uint64, error) {
	var raw [binaryMaxVarintLen]byte
	for i := range raw {
		b, err := s.in.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return 0, ErrUnexpectedEndOfSection
			}
			return 0, err
		}
		raw[i] = b
		if b < 0x80 {
			v, n := protowire.ConsumeVarint(raw[:i+1])
			if n < 0 {
				return 0, fmt.Errorf("%w: %w", ErrCorruptMessage, protowire.ParseError(n))
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: length prefix overflows", ErrCorruptMessage)
}

const binaryMaxVarintLen = 10

// Package capturefile reads and modifies Orbit capture files: a header, a
// capture section of length-prefixed protobuf messages, and a list of typed
// sections. A user data section, if present, is always the last one.
package capturefile

import (
	"encoding/binary"
	"errors"
)

// File layout.
const (
	Signature = "ORBTCAPF"
	Version   = uint32(1)

	// headerSize covers signature, version, capture section offset and
	// section list offset.
	headerSize = 8 + 4 + 8 + 8

	versionOffset            = 8
	captureSectionOffsetPos  = 12
	sectionListOffsetPos     = 20
	sectionAlignment         = 8
	sectionDescriptorSize    = 24
	sectionListCountSize     = 8
	maxSectionListEntryCount = 65535

	// SectionTypeUserData marks the single writable section.
	SectionTypeUserData = uint64(1)

	// MaxMessageSize bounds the declared length of a framed message.
	MaxMessageSize = 1 << 20

	// DefaultBlockSize is the read granularity of fragment streams.
	DefaultBlockSize = 64 << 10
)

// Errors reported for malformed files and invalid modifications.
var (
	ErrInvalidSignature              = errors.New("invalid file signature")
	ErrIncompatibleVersion           = errors.New("incompatible version")
	ErrFileTruncated                 = errors.New("file truncated")
	ErrSectionListTooLarge           = errors.New("the section list is too large")
	ErrUserDataSectionExists         = errors.New("user data section already exists")
	ErrUserDataNotLast               = errors.New("cannot add section: user data section is not last")
	ErrSectionAfterSectionList       = errors.New("a section lies after the section list")
	ErrCannotAddUserDataAsAdditional = errors.New("cannot add a user data section as an additional (read only) section")
	ErrSectionNotLast                = errors.New("section is not the last section in the file")
	ErrInvalidSectionIndex           = errors.New("invalid section index")
	ErrSectionOutOfBounds            = errors.New("access outside of section")
	ErrMessageTooLarge               = errors.New("message too large")
	ErrMessageSizeMismatch           = errors.New("message size mismatch")
	ErrCorruptMessage                = errors.New("corrupt message")
	ErrUnexpectedEndOfSection        = errors.New("unexpected end of section")
)

// Section describes one entry of the section list.
type Section struct {
	Type   uint64
	Offset uint64
	Size   uint64
}

type header struct {
	version              uint32
	captureSectionOffset uint64
	sectionListOffset    uint64
}

func (h header) marshal() []byte {
	buf := make([]byte, headerSize)
	copy(buf, Signature)
	binary.LittleEndian.PutUint32(buf[versionOffset:], h.version)
	binary.LittleEndian.PutUint64(buf[captureSectionOffsetPos:], h.captureSectionOffset)
	binary.LittleEndian.PutUint64(buf[sectionListOffsetPos:], h.sectionListOffset)
	return buf
}

func marshalSectionList(sections []Section) []byte {
	buf := make([]byte, sectionListCountSize+len(sections)*sectionDescriptorSize)
	binary.LittleEndian.PutUint64(buf, uint64(len(sections)))
	for i, s := range sections {
		entry := buf[sectionListCountSize+i*sectionDescriptorSize:]
		binary.LittleEndian.PutUint64(entry[0:], s.Type)
		binary.LittleEndian.PutUint64(entry[8:], s.Offset)
		binary.LittleEndian.PutUint64(entry[16:], s.Size)
	}
	return buf
}

func sectionListSize(count int) uint64 {
	return sectionListCountSize + uint64(count)*sectionDescriptorSize
}

func alignUp(v uint64) uint64 {
	return (v + sectionAlignment - 1) &^ (sectionAlignment - 1)
}

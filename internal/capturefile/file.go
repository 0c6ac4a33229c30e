package capturefile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
)

// copyChunkSize is the buffer size used when moving section contents.
const copyChunkSize = 1 << 20

// File is a capture file opened for reading and writing. It is not safe for
// concurrent use.
type File struct {
	f                  *os.File
	path               string
	header             header
	sections           []Section
	captureSectionSize uint64
}

// OpenForReadWrite opens and validates the capture file at path.
func OpenForReadWrite(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening capture file: %w", err)
	}
	cf := &File{f: f, path: path}
	if err := cf.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	if err := cf.readSectionList(); err != nil {
		f.Close()
		return nil, err
	}
	if err := cf.updateCaptureSectionSize(); err != nil {
		f.Close()
		return nil, err
	}
	return cf, nil
}

// Close closes the underlying file.
func (cf *File) Close() error { return cf.f.Close() }

// Path returns the file path.
func (cf *File) Path() string { return cf.path }

// Sections returns a copy of the section list.
func (cf *File) Sections() []Section { return slices.Clone(cf.sections) }

// CaptureSectionSize returns the number of bytes the capture section may
// occupy, including trailing padding.
func (cf *File) CaptureSectionSize() uint64 { return cf.captureSectionSize }

// FindSectionByType returns the index of the first section of type t.
func (cf *File) FindSectionByType(t uint64) (int, bool) {
	i := slices.IndexFunc(cf.sections, func(s Section) bool { return s.Type == t })
	return i, i >= 0
}

// FindAllSectionsByType returns the indices of all sections of type t.
func (cf *File) FindAllSectionsByType(t uint64) []int {
	var out []int
	for i, s := range cf.sections {
		if s.Type == t {
			out = append(out, i)
		}
	}
	return out
}

func (cf *File) readHeader() error {
	buf := make([]byte, headerSize)
	if n, err := cf.f.ReadAt(buf[:len(Signature)], 0); n < len(Signature) {
		return fmt.Errorf("%w: failed to read the file signature: %w", ErrFileTruncated, eofOr(err))
	}
	if string(buf[:len(Signature)]) != Signature {
		return ErrInvalidSignature
	}
	if n, err := cf.f.ReadAt(buf[len(Signature):], int64(len(Signature))); n < headerSize-len(Signature) {
		return fmt.Errorf("%w: failed to read the file header: %w", ErrFileTruncated, eofOr(err))
	}

	cf.header = header{
		version:              binary.LittleEndian.Uint32(buf[versionOffset:]),
		captureSectionOffset: binary.LittleEndian.Uint64(buf[captureSectionOffsetPos:]),
		sectionListOffset:    binary.LittleEndian.Uint64(buf[sectionListOffsetPos:]),
	}
	if cf.header.version != Version {
		return fmt.Errorf("%w %d, expected %d", ErrIncompatibleVersion, cf.header.version, Version)
	}
	return nil
}

func (cf *File) readSectionList() error {
	if cf.header.sectionListOffset == 0 {
		return nil
	}

	var countBuf [sectionListCountSize]byte
	if n, err := cf.f.ReadAt(countBuf[:], int64(cf.header.sectionListOffset)); n < len(countBuf) {
		return fmt.Errorf("%w: unexpected EOF while reading section list: %w", ErrFileTruncated, eofOr(err))
	}
	count := binary.LittleEndian.Uint64(countBuf[:])
	if count > maxSectionListEntryCount {
		return fmt.Errorf("%w: %d entries", ErrSectionListTooLarge, count)
	}

	buf := make([]byte, count*sectionDescriptorSize)
	if n, err := cf.f.ReadAt(buf, int64(cf.header.sectionListOffset+sectionListCountSize)); n < len(buf) {
		return fmt.Errorf("%w: unexpected EOF while reading section list: %w", ErrFileTruncated, eofOr(err))
	}

	cf.sections = make([]Section, count)
	for i := range cf.sections {
		entry := buf[i*sectionDescriptorSize:]
		cf.sections[i] = Section{
			Type:   binary.LittleEndian.Uint64(entry[0:]),
			Offset: binary.LittleEndian.Uint64(entry[8:]),
			Size:   binary.LittleEndian.Uint64(entry[16:]),
		}
	}
	return nil
}

// updateCaptureSectionSize bounds the capture section by the nearest section
// or section list after it, or by the end of the file.
func (cf *File) updateCaptureSectionSize() error {
	end, err := cf.fileSize()
	if err != nil {
		return err
	}
	start := cf.header.captureSectionOffset
	for _, s := range cf.sections {
		if s.Offset > start && s.Offset < end {
			end = s.Offset
		}
	}
	if lo := cf.header.sectionListOffset; lo > start && lo < end {
		end = lo
	}
	if end < start {
		return fmt.Errorf("%w: capture section starts beyond the end of the file", ErrFileTruncated)
	}
	cf.captureSectionSize = end - start
	return nil
}

func (cf *File) fileSize() (uint64, error) {
	info, err := cf.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat capture file: %w", err)
	}
	return uint64(info.Size()), nil
}

func (cf *File) section(index int) (Section, error) {
	if index < 0 || index >= len(cf.sections) {
		return Section{}, fmt.Errorf("%w: %d (have %d)", ErrInvalidSectionIndex, index, len(cf.sections))
	}
	return cf.sections[index], nil
}

// ReadFromSection fills buf with section bytes starting at offset.
func (cf *File) ReadFromSection(index int, offset uint64, buf []byte) error {
	s, err := cf.section(index)
	if err != nil {
		return err
	}
	if offset+uint64(len(buf)) > s.Size {
		return fmt.Errorf("%w: reading %d bytes at %d from section of size %d", ErrSectionOutOfBounds, len(buf), offset, s.Size)
	}
	if n, err := cf.f.ReadAt(buf, int64(s.Offset+offset)); n < len(buf) {
		return fmt.Errorf("%w: reading section %d: %w", ErrFileTruncated, index, eofOr(err))
	}
	return nil
}

// WriteToSection writes data into the section starting at offset.
func (cf *File) WriteToSection(index int, offset uint64, data []byte) error {
	s, err := cf.section(index)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > s.Size {
		return fmt.Errorf("%w: writing %d bytes at %d to section of size %d", ErrSectionOutOfBounds, len(data), offset, s.Size)
	}
	if _, err := cf.f.WriteAt(data, int64(s.Offset+offset)); err != nil {
		return fmt.Errorf("writing section %d: %w", index, err)
	}
	return nil
}

// ExtendSection grows the section at index to newSize. Only the section at
// the very end of the file can be extended, and never shrunk.
func (cf *File) ExtendSection(index int, newSize uint64) error {
	s, err := cf.section(index)
	if err != nil {
		return err
	}
	if newSize < s.Size {
		return fmt.Errorf("%w: cannot shrink section %d from %d to %d bytes", ErrSectionOutOfBounds, index, s.Size, newSize)
	}
	for i, other := range cf.sections {
		if i != index && other.Offset > s.Offset {
			return fmt.Errorf("%w: section %d lies after section %d", ErrSectionNotLast, i, index)
		}
	}
	if cf.header.sectionListOffset > s.Offset {
		return fmt.Errorf("%w: the section list lies after section %d", ErrSectionNotLast, index)
	}

	if err := cf.f.Truncate(int64(s.Offset + newSize)); err != nil {
		return fmt.Errorf("resizing capture file: %w", err)
	}
	cf.sections[index].Size = newSize
	return cf.writeSectionList(cf.header.sectionListOffset)
}

// AddUserDataSection appends the user data section right after the section
// list and returns its index.
func (cf *File) AddUserDataSection(size uint64) (int, error) {
	if _, ok := cf.FindSectionByType(SectionTypeUserData); ok {
		return 0, ErrUserDataSectionExists
	}
	if err := cf.checkRoomForSection(); err != nil {
		return 0, err
	}

	listOffset := cf.header.sectionListOffset
	if listOffset == 0 {
		end, err := cf.fileSize()
		if err != nil {
			return 0, err
		}
		listOffset = alignUp(end)
	} else if err := cf.checkNothingAfterSectionList(); err != nil {
		return 0, err
	}

	sections := append(slices.Clone(cf.sections), Section{Type: SectionTypeUserData, Size: size})
	last := len(sections) - 1
	sections[last].Offset = alignUp(listOffset + sectionListSize(len(sections)))

	if err := cf.f.Truncate(int64(sections[last].Offset + size)); err != nil {
		return 0, fmt.Errorf("growing capture file: %w", err)
	}
	cf.sections = sections
	if err := cf.writeSectionList(listOffset); err != nil {
		return 0, err
	}
	if err := cf.updateSectionListOffset(listOffset); err != nil {
		return 0, err
	}
	return last, cf.updateCaptureSectionSize()
}

// AddAdditionalSectionOfType adds a zero-filled section of type t where the
// section list currently is, and moves the section list and the user data
// section behind it. It returns the index of the new section.
func (cf *File) AddAdditionalSectionOfType(t, size uint64) (int, error) {
	if t == SectionTypeUserData {
		return 0, ErrCannotAddUserDataAsAdditional
	}
	if err := cf.checkRoomForSection(); err != nil {
		return 0, err
	}

	userData, hasUserData := cf.FindSectionByType(SectionTypeUserData)
	if hasUserData {
		for i, s := range cf.sections {
			if i != userData && s.Offset > cf.sections[userData].Offset {
				return 0, fmt.Errorf("%w: section %d follows it", ErrUserDataNotLast, i)
			}
		}
	}

	newOffset := cf.header.sectionListOffset
	if newOffset == 0 {
		end, err := cf.fileSize()
		if err != nil {
			return 0, err
		}
		newOffset = alignUp(end)
	} else {
		for i, s := range cf.sections {
			if i != userData && s.Offset > newOffset {
				return 0, fmt.Errorf("%w: section %d", ErrSectionAfterSectionList, i)
			}
		}
	}

	sections := append(slices.Clone(cf.sections), Section{Type: t, Offset: newOffset, Size: size})
	index := len(sections) - 1
	newListOffset := alignUp(newOffset + size)
	end := newListOffset + sectionListSize(len(sections))

	if hasUserData {
		// Keep the user data section last.
		sections[userData], sections[index] = sections[index], sections[userData]
		index, userData = userData, index

		old := sections[userData]
		moved := alignUp(end)
		end = moved + old.Size
		if err := cf.f.Truncate(int64(end)); err != nil {
			return 0, fmt.Errorf("growing capture file: %w", err)
		}
		if err := cf.moveBackward(old.Offset, moved, old.Size); err != nil {
			return 0, err
		}
		sections[userData].Offset = moved
	} else if err := cf.f.Truncate(int64(end)); err != nil {
		return 0, fmt.Errorf("growing capture file: %w", err)
	}

	if err := cf.zeroFill(newOffset, newListOffset-newOffset); err != nil {
		return 0, err
	}

	cf.sections = sections
	if err := cf.writeSectionList(newListOffset); err != nil {
		return 0, err
	}
	if err := cf.updateSectionListOffset(newListOffset); err != nil {
		return 0, err
	}
	return index, cf.updateCaptureSectionSize()
}

// checkRoomForSection fails if one more entry would make the section list
// unreadable.
func (cf *File) checkRoomForSection() error {
	if len(cf.sections)+1 > maxSectionListEntryCount {
		return fmt.Errorf("%w: already %d entries", ErrSectionListTooLarge, len(cf.sections))
	}
	return nil
}

func (cf *File) checkNothingAfterSectionList() error {
	for i, s := range cf.sections {
		if s.Offset > cf.header.sectionListOffset {
			return fmt.Errorf("%w: section %d", ErrSectionAfterSectionList, i)
		}
	}
	return nil
}

// moveBackward copies size bytes from src to dst (dst > src), starting at the
// end so overlapping ranges are safe.
func (cf *File) moveBackward(src, dst, size uint64) error {
	buf := make([]byte, min(size, copyChunkSize))
	remaining := size
	for remaining > 0 {
		n := min(remaining, copyChunkSize)
		remaining -= n
		chunk := buf[:n]
		if got, err := cf.f.ReadAt(chunk, int64(src+remaining)); uint64(got) < n {
			return fmt.Errorf("%w: moving section: %w", ErrFileTruncated, eofOr(err))
		}
		if _, err := cf.f.WriteAt(chunk, int64(dst+remaining)); err != nil {
			return fmt.Errorf("moving section: %w", err)
		}
	}
	return nil
}

func (cf *File) zeroFill(offset, size uint64) error {
	zeros := make([]byte, min(size, copyChunkSize))
	for size > 0 {
		n := min(size, copyChunkSize)
		if _, err := cf.f.WriteAt(zeros[:n], int64(offset)); err != nil {
			return fmt.Errorf("clearing section: %w", err)
		}
		offset += n
		size -= n
	}
	return nil
}

func (cf *File) writeSectionList(offset uint64) error {
	if _, err := cf.f.WriteAt(marshalSectionList(cf.sections), int64(offset)); err != nil {
		return fmt.Errorf("writing section list: %w", err)
	}
	return nil
}

// updateSectionListOffset always rewrites the header field; the cached copy
// only changes when the value does.
func (cf *File) updateSectionListOffset(offset uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], offset)
	if _, err := cf.f.WriteAt(buf[:], sectionListOffsetPos); err != nil {
		return fmt.Errorf("updating section list offset: %w", err)
	}
	if cf.header.sectionListOffset != offset {
		cf.header.sectionListOffset = offset
	}
	return nil
}

// CaptureSectionInputStream returns a reader over the capture section.
func (cf *File) CaptureSectionInputStream() *ProtoSectionInputStream {
	start := int64(cf.header.captureSectionOffset)
	return NewProtoSectionInputStream(NewFragmentInputStream(cf.f, start, start+int64(cf.captureSectionSize), DefaultBlockSize))
}

// ProtoSectionInputStream returns a reader over the messages of the section
// at index.
func (cf *File) ProtoSectionInputStream(index int) (*ProtoSectionInputStream, error) {
	s, err := cf.section(index)
	if err != nil {
		return nil, err
	}
	start := int64(s.Offset)
	return NewProtoSectionInputStream(NewFragmentInputStream(cf.f, start, start+int64(s.Size), DefaultBlockSize)), nil
}

func eofOr(err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

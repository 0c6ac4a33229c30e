package capturefile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// writeCapture creates a capture file holding msgs and returns its path.
func writeCapture(t *testing.T, msgs ...proto.Message) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.orbit")
	w, err := Create(path)
	require.NoError(t, err)
	for _, m := range msgs {
		require.NoError(t, w.WriteMessage(m))
	}
	require.NoError(t, w.Close())
	return path
}

func open(t *testing.T, path string) *File {
	t.Helper()
	cf, err := OpenForReadWrite(path)
	require.NoError(t, err)
	t.Cleanup(func() { cf.Close() })
	return cf
}

func pattern(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7 + 3)
	}
	return out
}

func requireAligned(t *testing.T, cf *File) {
	t.Helper()
	for i, s := range cf.Sections() {
		assert.Zero(t, s.Offset%sectionAlignment, "section %d offset %d", i, s.Offset)
	}
	assert.Zero(t, cf.header.sectionListOffset%sectionAlignment)
}

func TestWriter_Layout(t *testing.T) {
	path := writeCapture(t, wrapperspb.UInt64(42))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 40)
	assert.Equal(t, Signature, string(raw[:8]))
	assert.Equal(t, Version, binary.LittleEndian.Uint32(raw[8:]))
	assert.Equal(t, uint64(32), binary.LittleEndian.Uint64(raw[12:]))
	assert.Zero(t, binary.LittleEndian.Uint64(raw[20:]))
	assert.Equal(t, []byte{0x03, 0x08, 0x2a}, raw[32:35])
	assert.Equal(t, make([]byte, 5), raw[35:])
}

func TestCaptureSection_RoundTrip(t *testing.T) {
	cf := open(t, writeCapture(t, wrapperspb.UInt64(42)))
	assert.Empty(t, cf.Sections())
	assert.Equal(t, uint64(8), cf.CaptureSectionSize())

	in := cf.CaptureSectionInputStream()
	var msg wrapperspb.UInt64Value
	require.NoError(t, in.ReadMessage(&msg))
	assert.Equal(t, uint64(42), msg.GetValue())
}

func TestCaptureSection_PaddingReadsAsEmptyMessages(t *testing.T) {
	cf := open(t, writeCapture(t, wrapperspb.UInt64(42)))
	in := cf.CaptureSectionInputStream()

	var msg wrapperspb.UInt64Value
	require.NoError(t, in.ReadMessage(&msg))

	for i := 0; ; i++ {
		require.Less(t, i, 8, "padding never ended")
		err := in.ReadMessage(&msg)
		if err != nil {
			require.ErrorIs(t, err, ErrUnexpectedEndOfSection)
			break
		}
		assert.Zero(t, msg.GetValue())
	}
}

func TestCaptureSection_ManyMessagesAcrossBlocks(t *testing.T) {
	var msgs []proto.Message
	for i := range 20000 {
		msgs = append(msgs, wrapperspb.UInt64(uint64(i)*1_000_003))
	}
	cf := open(t, writeCapture(t, msgs...))

	in := cf.CaptureSectionInputStream()
	for i := range 20000 {
		var msg wrapperspb.UInt64Value
		require.NoError(t, in.ReadMessage(&msg))
		require.Equal(t, uint64(i)*1_000_003, msg.GetValue())
	}
}

func TestAddUserDataSection(t *testing.T) {
	cf := open(t, writeCapture(t, wrapperspb.UInt64(42)))

	index, err := cf.AddUserDataSection(1024)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	_, err = cf.AddUserDataSection(512)
	assert.ErrorIs(t, err, ErrUserDataSectionExists)

	sections := cf.Sections()
	require.Len(t, sections, 1)
	assert.Equal(t, SectionTypeUserData, sections[0].Type)
	assert.Equal(t, uint64(1024), sections[0].Size)
	requireAligned(t, cf)

	// The capture section still ends before the section list.
	assert.Equal(t, uint64(8), cf.CaptureSectionSize())
	var msg wrapperspb.UInt64Value
	require.NoError(t, cf.CaptureSectionInputStream().ReadMessage(&msg))
	assert.Equal(t, uint64(42), msg.GetValue())
}

func TestAddAdditionalSection_KeepsUserDataLast(t *testing.T) {
	path := writeCapture(t, wrapperspb.UInt64(42))
	cf := open(t, path)

	_, err := cf.AddUserDataSection(1024)
	require.NoError(t, err)
	userData := pattern(1024)
	require.NoError(t, cf.WriteToSection(0, 0, userData))

	index, err := cf.AddAdditionalSectionOfType(0x100, 256)
	require.NoError(t, err)
	assert.Equal(t, 0, index)

	sections := cf.Sections()
	require.Len(t, sections, 2)
	assert.Equal(t, uint64(0x100), sections[0].Type)
	assert.Equal(t, uint64(256), sections[0].Size)
	assert.Equal(t, SectionTypeUserData, sections[1].Type)
	assert.Equal(t, uint64(1024), sections[1].Size)
	requireAligned(t, cf)

	got := make([]byte, 1024)
	require.NoError(t, cf.ReadFromSection(1, 0, got))
	assert.Equal(t, userData, got)

	zeros := make([]byte, 256)
	require.NoError(t, cf.ReadFromSection(0, 0, zeros))
	assert.Equal(t, make([]byte, 256), zeros)

	// Everything survives a reopen.
	require.NoError(t, cf.Close())
	reopened := open(t, path)
	assert.Equal(t, sections, reopened.Sections())
	require.NoError(t, reopened.ReadFromSection(1, 0, got))
	assert.Equal(t, userData, got)
}

func TestAddAdditionalSection_WithoutUserData(t *testing.T) {
	cf := open(t, writeCapture(t, wrapperspb.UInt64(42)))

	first, err := cf.AddAdditionalSectionOfType(0x100, 13)
	require.NoError(t, err)
	second, err := cf.AddAdditionalSectionOfType(0x200, 40)
	require.NoError(t, err)
	assert.Equal(t, 0, first)
	assert.Equal(t, 1, second)

	ud, err := cf.AddUserDataSection(16)
	require.NoError(t, err)
	assert.Equal(t, 2, ud)

	third, err := cf.AddAdditionalSectionOfType(0x100, 8)
	require.NoError(t, err)
	assert.Equal(t, 2, third)
	assert.Equal(t, []int{0, 2}, cf.FindAllSectionsByType(0x100))

	i, ok := cf.FindSectionByType(SectionTypeUserData)
	require.True(t, ok)
	assert.Equal(t, 3, i)
	requireAligned(t, cf)
}

func TestAddAdditionalSection_RejectsUserDataType(t *testing.T) {
	cf := open(t, writeCapture(t))
	_, err := cf.AddAdditionalSectionOfType(SectionTypeUserData, 10)
	assert.ErrorIs(t, err, ErrCannotAddUserDataAsAdditional)
}

func TestExtendSection_OnlyLast(t *testing.T) {
	cf := open(t, writeCapture(t, wrapperspb.UInt64(42)))
	_, err := cf.AddUserDataSection(1024)
	require.NoError(t, err)
	_, err = cf.AddAdditionalSectionOfType(0x100, 256)
	require.NoError(t, err)

	require.NoError(t, cf.ExtendSection(1, 2048))
	assert.Equal(t, uint64(2048), cf.Sections()[1].Size)
	require.NoError(t, cf.WriteToSection(1, 2040, pattern(8)))

	err = cf.ExtendSection(0, 512)
	assert.ErrorIs(t, err, ErrSectionNotLast)

	assert.ErrorIs(t, cf.ExtendSection(5, 1), ErrInvalidSectionIndex)
}

func TestExtendSection_RejectsShrinking(t *testing.T) {
	cf := open(t, writeCapture(t))
	index, err := cf.AddUserDataSection(64)
	require.NoError(t, err)

	err = cf.ExtendSection(index, 32)
	assert.ErrorIs(t, err, ErrSectionOutOfBounds)
	assert.Equal(t, uint64(64), cf.Sections()[index].Size)
	require.NoError(t, cf.ExtendSection(index, 64))

	reopened := open(t, cf.Path())
	assert.Equal(t, uint64(64), reopened.Sections()[index].Size)
}

func TestAddSection_FullSectionList(t *testing.T) {
	h := header{version: Version, captureSectionOffset: 32, sectionListOffset: 48}.marshal()
	data := append(h, make([]byte, 48-len(h))...)
	full := make([]Section, maxSectionListEntryCount)
	for i := range full {
		full[i] = Section{Type: 7, Offset: 32}
	}
	data = append(data, marshalSectionList(full)...)
	path := writeRaw(t, data)

	cf, err := OpenForReadWrite(path)
	require.NoError(t, err)
	_, err = cf.AddUserDataSection(16)
	assert.ErrorIs(t, err, ErrSectionListTooLarge)
	_, err = cf.AddAdditionalSectionOfType(8, 16)
	assert.ErrorIs(t, err, ErrSectionListTooLarge)
	assert.Len(t, cf.Sections(), maxSectionListEntryCount)
	require.NoError(t, cf.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, raw)

	reopened := open(t, path)
	assert.Len(t, reopened.Sections(), maxSectionListEntryCount)
}

func TestSectionAccess_BoundsChecked(t *testing.T) {
	cf := open(t, writeCapture(t))
	_, err := cf.AddUserDataSection(16)
	require.NoError(t, err)

	assert.ErrorIs(t, cf.WriteToSection(0, 10, make([]byte, 7)), ErrSectionOutOfBounds)
	assert.ErrorIs(t, cf.ReadFromSection(0, 17, nil), ErrSectionOutOfBounds)
	assert.ErrorIs(t, cf.ReadFromSection(1, 0, nil), ErrInvalidSectionIndex)
	require.NoError(t, cf.WriteToSection(0, 9, make([]byte, 7)))
}

func TestProtoSectionInputStream(t *testing.T) {
	cf := open(t, writeCapture(t))

	var framed []byte
	for _, v := range []uint64{1, 300, 1 << 40} {
		data, err := proto.Marshal(wrapperspb.UInt64(v))
		require.NoError(t, err)
		framed = protowire.AppendVarint(framed, uint64(len(data)))
		framed = append(framed, data...)
	}
	index, err := cf.AddAdditionalSectionOfType(0x42, uint64(len(framed)))
	require.NoError(t, err)
	require.NoError(t, cf.WriteToSection(index, 0, framed))

	in, err := cf.ProtoSectionInputStream(index)
	require.NoError(t, err)
	for _, want := range []uint64{1, 300, 1 << 40} {
		var msg wrapperspb.UInt64Value
		require.NoError(t, in.ReadMessage(&msg))
		assert.Equal(t, want, msg.GetValue())
	}
	assert.Equal(t, int64(len(framed)), in.ByteCount())
	assert.ErrorIs(t, in.ReadMessage(&wrapperspb.UInt64Value{}), ErrUnexpectedEndOfSection)
}

func TestReadMessage_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want error
	}{
		{"too large", protowire.AppendVarint(nil, MaxMessageSize+1), ErrMessageTooLarge},
		{"size mismatch", []byte{10, 0x08, 0x01}, ErrMessageSizeMismatch},
		{"corrupt", []byte{2, 0xff, 0xff}, ErrCorruptMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "raw.orbit")
			w, err := Create(path)
			require.NoError(t, err)
			require.NoError(t, w.WriteRaw(tt.raw))
			require.NoError(t, w.Close())

			cf := open(t, path)
			err = cf.CaptureSectionInputStream().ReadMessage(&wrapperspb.UInt64Value{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func writeRaw(t *testing.T, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "broken.orbit")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestOpen_Errors(t *testing.T) {
	valid := header{version: Version, captureSectionOffset: 32}.marshal()

	withList := func(count uint64, entries int) []byte {
		h := header{version: Version, captureSectionOffset: 32, sectionListOffset: 32}.marshal()
		h = append(h, make([]byte, 4)...)
		h = binary.LittleEndian.AppendUint64(h, count)
		return append(h, make([]byte, entries*sectionDescriptorSize)...)
	}

	tests := []struct {
		name    string
		data    []byte
		want    error
		message string
	}{
		{"invalid signature", append([]byte("ORBTXXXX"), valid[8:]...), ErrInvalidSignature, "invalid file signature"},
		{"too small", []byte("ORB"), ErrFileTruncated, "failed to read the file signature"},
		{"short header", valid[:20], ErrFileTruncated, "failed to read the file header"},
		{"version zero", header{captureSectionOffset: 32}.marshal(), ErrIncompatibleVersion, "incompatible version 0, expected 1"},
		{"truncated section list", withList(10, 2), ErrFileTruncated, "unexpected EOF while reading section list"},
		{"section list too large", withList(65536, 0), ErrSectionListTooLarge, "the section list is too large"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := OpenForReadWrite(writeRaw(t, tt.data))
			require.ErrorIs(t, err, tt.want)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestOpen_ValidSectionList(t *testing.T) {
	h := header{version: Version, captureSectionOffset: 32, sectionListOffset: 48}.marshal()
	data := append(h, make([]byte, 20)...)
	data = append(data, marshalSectionList([]Section{{Type: 7, Offset: 80, Size: 8}})...)
	data = append(data, pattern(8)...)

	cf := open(t, writeRaw(t, data))
	assert.Equal(t, []Section{{Type: 7, Offset: 80, Size: 8}}, cf.Sections())
	assert.Equal(t, uint64(16), cf.CaptureSectionSize())

	got := make([]byte, 8)
	require.NoError(t, cf.ReadFromSection(0, 0, got))
	assert.Equal(t, pattern(8), got)
}

func TestFragmentInputStream(t *testing.T) {
	data := pattern(100)
	s := NewFragmentInputStream(bytes.NewReader(data), 10, 50, 16)

	block, ok := s.Next()
	require.True(t, ok)
	assert.Equal(t, data[10:26], block)

	s.BackUp(100)
	assert.Zero(t, s.ByteCount(), "backing up never passes the start")

	block, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, data[10:26], block)
	s.BackUp(6)
	assert.Equal(t, int64(10), s.ByteCount())

	block, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, data[20:26], block)

	assert.True(t, s.Skip(4))
	block, ok = s.Next()
	require.True(t, ok)
	assert.Equal(t, data[30:46], block)

	assert.False(t, s.Skip(10), "skipping past the end stops at the end")
	assert.Equal(t, int64(40), s.ByteCount())
	_, ok = s.Next()
	assert.False(t, ok)
	assert.NoError(t, s.Err())
}

func TestFragmentInputStream_ReadErrorIsLatched(t *testing.T) {
	s := NewFragmentInputStream(bytes.NewReader(pattern(20)), 0, 64, 16)

	_, ok := s.Next()
	require.True(t, ok)
	_, ok = s.Next()
	require.False(t, ok)
	require.ErrorIs(t, s.Err(), ErrFileTruncated)

	_, ok = s.Next()
	assert.False(t, ok)
	assert.False(t, s.Skip(1))
	assert.ErrorIs(t, s.Err(), ErrFileTruncated)
}

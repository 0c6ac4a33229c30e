package capturefile

import (
	"bufio"
	"fmt"
	"os"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// captureSectionStart is where a freshly written capture section begins.
var captureSectionStart = alignUp(headerSize)

// Writer creates a new capture file and appends framed messages to its
// capture section. Sections are added afterwards through OpenForReadWrite.
type Writer struct {
	f       *os.File
	w       *bufio.Writer
	written uint64
}

// Create truncates or creates path and writes an empty capture file.
func Create(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating capture file: %w", err)
	}
	w := &Writer{f: f, w: bufio.NewWriterSize(f, DefaultBlockSize)}

	h := header{version: Version, captureSectionOffset: captureSectionStart}
	if err := w.WriteRaw(h.marshal()); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.WriteRaw(make([]byte, captureSectionStart-headerSize)); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WriteMessage appends msg with a varint length prefix.
func (w *Writer) WriteMessage(msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(data))
	}
	buf := protowire.AppendVarint(make([]byte, 0, protowire.SizeVarint(uint64(len(data)))+len(data)), uint64(len(data)))
	return w.WriteRaw(append(buf, data...))
}

// WriteRaw appends bytes as they are.
func (w *Writer) WriteRaw(p []byte) error {
	n, err := w.w.Write(p)
	w.written += uint64(n)
	if err != nil {
		return fmt.Errorf("writing capture file: %w", err)
	}
	return nil
}

// Close pads the file to the section alignment and closes it.
func (w *Writer) Close() error {
	if pad := alignUp(w.written) - w.written; pad > 0 {
		if err := w.WriteRaw(make([]byte, pad)); err != nil {
			w.f.Close()
			return err
		}
	}
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return fmt.Errorf("flushing capture file: %w", err)
	}
	return w.f.Close()
}

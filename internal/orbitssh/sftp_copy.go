package orbitssh

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/pkg/sftp"
	"github.com/zeebo/blake3"
)

// SftpOpState is the progress of a file copy over SFTP.
type SftpOpState int

const (
	SftpOpInitial SftpOpState = iota
	SftpOpOpenRemote
	SftpOpOpenLocal
	SftpOpStarted
	SftpOpCloseAndDelete
	SftpOpCloseLocal
	SftpOpCloseRemote
	SftpOpCloseEventConnections
	SftpOpStopped
	SftpOpError
)

func (s SftpOpState) String() string {
	names := [...]string{
		"initial", "open-remote", "open-local", "started", "close-and-delete-partial",
		"close-local", "close-remote", "close-event-connections", "stopped", "error",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("SftpOpState(%d)", int(s))
}

// FileMode is the permission set of an uploaded file.
type FileMode int

const (
	UserWritable FileMode = iota
	UserWritableAllExecutable
)

func (m FileMode) perm() os.FileMode {
	if m == UserWritableAllExecutable {
		return 0o755
	}
	return 0o644
}

const (
	maxDownloadChunk = 1 << 20
	uploadRefillMark = 32 << 10
	uploadBufferSize = 56 << 10
)

// sftpOp is the part shared by both copy directions: the queue slot on the
// SFTP channel and the remote file handle.
type sftpOp struct {
	machine[SftpOpState]
	channel *SftpChannel

	remote     *sftp.File
	openRemote pendingCall[*sftp.File]
	closing    pendingCall[struct{}]
	local      *os.File
	holding    bool
}

// start waits for a free slot on the channel, then runs the operation.
func (o *sftpOp) start() {
	release := func() {
		if o.holding {
			o.holding = false
			o.channel.release()
		}
	}
	o.Stopped.Connect(release)
	o.Errored.Connect(func(error) { release() })
	o.channel.acquire(func() {
		if o.state != SftpOpInitial {
			// Stopped while queued.
			o.channel.release()
			return
		}
		o.holding = true
		if err := o.machine.Start(); err != nil {
			o.logger.Warn("starting sftp operation", "error", err)
		}
	})
}

func (o *sftpOp) notify() { o.session.notify() }

func (o *sftpOp) closeRemote() error {
	if o.remote == nil {
		o.openRemote.abandon(func(f *sftp.File) { f.Close() })
		return nil
	}
	f := o.remote
	_, err := o.closing.poll(o.notify, func() (struct{}, error) {
		return struct{}{}, f.Close()
	})
	if errors.Is(err, ErrTryAgain) {
		return err
	}
	o.remote = nil
	if err != nil {
		return ioError(err)
	}
	return nil
}

func (o *sftpOp) cleanup() {
	if o.local != nil {
		o.local.Close()
		o.local = nil
	}
	if o.remote != nil {
		go o.remote.Close()
		o.remote = nil
	}
}

// CopyToLocal downloads a remote file.
type CopyToLocal struct {
	sftpOp
	source, destination string
	stop                context.Context

	read   pendingCall[[]byte]
	copied int64
}

// NewCopyToLocal prepares a download of source to destination. ctx is the
// stop token: once it is done the partial local file is deleted and the
// operation stops.
func NewCopyToLocal(ctx context.Context, channel *SftpChannel, source, destination string) *CopyToLocal {
	c := &CopyToLocal{source: source, destination: destination, stop: ctx}
	c.channel = channel
	c.init("sftp-copy-to-local", channel.session, SftpOpStarted, SftpOpCloseAndDelete, SftpOpStopped, SftpOpError, hooks{
		startup:  c.startup,
		run:      c.run,
		shutdown: c.shutdownStep,
		cleanup:  c.sftpOp.cleanup,
	})
	c.logger = c.logger.With("source", source, "destination", destination)
	return c
}

// Start queues the download on the channel.
func (c *CopyToLocal) Start() {
	watch := context.AfterFunc(c.stop, func() {
		c.session.Executor().Post(func() {
			if c.state != SftpOpInitial {
				c.step()
			}
		})
	})
	c.Stopped.Connect(func() { watch() })
	c.Errored.Connect(func(error) { watch() })
	c.start()
}

// Copied returns the number of bytes written to the local file.
func (c *CopyToLocal) Copied() int64 { return c.copied }

func (c *CopyToLocal) startup() error {
	for {
		switch c.state {
		case SftpOpInitial:
			if c.channel.State() != SftpChannelStarted {
				return fmt.Errorf("%w: sftp channel is %v", ErrNotConnected, c.channel.State())
			}
			c.setState(SftpOpOpenRemote)

		case SftpOpOpenRemote:
			client := c.channel.Client()
			f, err := c.openRemote.poll(c.notify, func() (*sftp.File, error) {
				return client.Open(c.source)
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("%w: %s: %w", ErrCouldNotOpenFile, c.source, err)
			}
			c.remote = f
			c.setState(SftpOpOpenLocal)

		case SftpOpOpenLocal:
			f, err := os.OpenFile(c.destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCouldNotOpenFile, c.destination, err)
			}
			c.local = f
			return nil
		}
	}
}

func (c *CopyToLocal) run() error {
	if c.stop.Err() != nil {
		c.setState(SftpOpCloseAndDelete)
		return nil
	}

	remote := c.remote
	data, err := c.read.poll(c.notify, func() ([]byte, error) {
		buf := make([]byte, maxDownloadChunk)
		n, err := remote.Read(buf)
		if n > 0 && errors.Is(err, io.EOF) {
			err = nil
		}
		return buf[:n], err
	})
	switch {
	case errors.Is(err, ErrTryAgain):
		return err
	case errors.Is(err, io.EOF):
		c.setState(SftpOpCloseLocal)
		return nil
	case err != nil:
		return ioError(err)
	}

	if _, err := c.local.Write(data); err != nil {
		return ioError(err)
	}
	c.copied += int64(len(data))
	return nil
}

func (c *CopyToLocal) shutdownStep() error {
	for {
		switch c.state {
		case SftpOpCloseAndDelete:
			c.read.abandon(func([]byte) {})
			if c.local != nil {
				c.local.Close()
				c.local = nil
				if err := os.Remove(c.destination); err != nil && !errors.Is(err, os.ErrNotExist) {
					c.logger.Warn("removing partial download", "error", err)
				}
			}
			c.setState(SftpOpCloseRemote)

		case SftpOpCloseLocal:
			if err := c.local.Close(); err != nil {
				c.local = nil
				return ioError(err)
			}
			c.local = nil
			c.setState(SftpOpCloseRemote)

		case SftpOpCloseRemote:
			if err := c.closeRemote(); err != nil {
				return err
			}
			c.setState(SftpOpCloseEventConnections)

		case SftpOpCloseEventConnections:
			c.conns.DisconnectAll()
			return nil

		default:
			return nil
		}
	}
}

// CopyToRemote uploads a local file with the given permissions.
type CopyToRemote struct {
	sftpOp
	source, destination string
	mode                FileMode

	buf      []byte
	localEOF bool
	writing  bool
	write    pendingCall[int]
	hasher   *blake3.Hasher
	copied   int64
}

// NewCopyToRemote prepares an upload of source to destination.
func NewCopyToRemote(channel *SftpChannel, source, destination string, mode FileMode) *CopyToRemote {
	c := &CopyToRemote{source: source, destination: destination, mode: mode, hasher: blake3.New()}
	c.channel = channel
	c.init("sftp-copy-to-remote", channel.session, SftpOpStarted, SftpOpCloseLocal, SftpOpStopped, SftpOpError, hooks{
		startup:  c.startup,
		run:      c.run,
		shutdown: c.shutdownStep,
		cleanup:  c.sftpOp.cleanup,
	})
	c.logger = c.logger.With("source", source, "destination", destination)
	return c
}

// Start queues the upload on the channel.
func (c *CopyToRemote) Start() { c.start() }

// Copied returns the number of bytes acknowledged by the server.
func (c *CopyToRemote) Copied() int64 { return c.copied }

// Digest returns the hex BLAKE3 digest of everything read from the local file.
func (c *CopyToRemote) Digest() string { return hex.EncodeToString(c.hasher.Sum(nil)) }

func (c *CopyToRemote) startup() error {
	for {
		switch c.state {
		case SftpOpInitial:
			if c.channel.State() != SftpChannelStarted {
				return fmt.Errorf("%w: sftp channel is %v", ErrNotConnected, c.channel.State())
			}
			c.setState(SftpOpOpenLocal)

		case SftpOpOpenLocal:
			f, err := os.Open(c.source)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrCouldNotOpenFile, c.source, err)
			}
			c.local = f
			c.setState(SftpOpOpenRemote)

		case SftpOpOpenRemote:
			client := c.channel.Client()
			perm := c.mode.perm()
			f, err := c.openRemote.poll(c.notify, func() (*sftp.File, error) {
				f, err := client.OpenFile(c.destination, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
				if err != nil {
					return nil, err
				}
				if err := client.Chmod(c.destination, perm); err != nil {
					f.Close()
					return nil, err
				}
				return f, nil
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("%w: %s: %w", ErrCouldNotOpenFile, c.destination, err)
			}
			c.remote = f
			return nil
		}
	}
}

func (c *CopyToRemote) refill() error {
	if len(c.buf) >= uploadRefillMark || c.localEOF {
		return nil
	}
	start := len(c.buf)
	c.buf = append(c.buf, make([]byte, uploadBufferSize-start)...)
	n, err := c.local.Read(c.buf[start:])
	c.buf = c.buf[:start+n]
	c.hasher.Write(c.buf[start : start+n])
	switch {
	case errors.Is(err, io.EOF):
		c.localEOF = true
	case err != nil:
		return ioError(err)
	}
	return nil
}

func (c *CopyToRemote) run() error {
	if !c.writing {
		if err := c.refill(); err != nil {
			return err
		}
		if len(c.buf) == 0 {
			c.setState(SftpOpCloseLocal)
			return nil
		}
		c.writing = true
	}

	// The buffer is left alone while a write is in flight.
	remote, chunk := c.remote, c.buf
	n, err := c.write.poll(c.notify, func() (int, error) {
		return remote.Write(chunk)
	})
	if errors.Is(err, ErrTryAgain) {
		return err
	}
	c.writing = false
	if err != nil {
		return ioError(err)
	}
	c.buf = c.buf[n:]
	c.copied += int64(n)
	return nil
}

func (c *CopyToRemote) shutdownStep() error {
	for {
		switch c.state {
		case SftpOpCloseLocal:
			c.write.abandon(func(int) {})
			if c.local != nil {
				c.local.Close()
				c.local = nil
			}
			c.setState(SftpOpCloseRemote)

		case SftpOpCloseRemote:
			if err := c.closeRemote(); err != nil {
				return err
			}
			c.setState(SftpOpCloseEventConnections)

		case SftpOpCloseEventConnections:
			c.conns.DisconnectAll()
			return nil

		default:
			return nil
		}
	}
}

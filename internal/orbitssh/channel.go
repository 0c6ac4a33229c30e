package orbitssh

import (
	"errors"
	"io"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

const (
	// maxChannelWrite bounds a single write handed to the SSH channel.
	maxChannelWrite = 32 << 10
	// channelBufferLimit bounds how much unread channel data is buffered.
	channelBufferLimit = 1 << 20
)

// sshChannel is an open SSH channel with its streams drained in the
// background. Exit status and the remote close are captured from the channel
// request stream.
type sshChannel struct {
	raw    gossh.Channel
	stdout *bufferedReader
	stderr *bufferedReader
	writer *asyncWriter

	eof     pendingCall[struct{}]
	closing pendingCall[struct{}]

	mu           sync.Mutex
	exitCode     int
	remoteClosed bool
}

func openSSHChannel(client *gossh.Client, kind string, extra []byte, withStderr bool, notify func()) (*sshChannel, error) {
	raw, reqs, err := client.OpenChannel(kind, extra)
	if err != nil {
		return nil, err
	}
	c := &sshChannel{raw: raw, exitCode: -1}
	go c.serveRequests(reqs, notify)
	c.stdout = newBufferedReader(raw, channelBufferLimit, notify)
	if withStderr {
		c.stderr = newBufferedReader(raw.Stderr(), channelBufferLimit, notify)
	}
	c.writer = newAsyncWriter(raw, maxChannelWrite, notify)
	return c, nil
}

func (c *sshChannel) serveRequests(reqs <-chan *gossh.Request, notify func()) {
	for req := range reqs {
		switch req.Type {
		case protocol.RequestExitStatus:
			var status protocol.ExitStatusData
			if err := gossh.Unmarshal(req.Payload, &status); err == nil {
				c.mu.Lock()
				c.exitCode = int(status.Status)
				c.mu.Unlock()
			}
		}
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
	// The request stream is closed once both sides have sent close.
	c.mu.Lock()
	c.remoteClosed = true
	c.mu.Unlock()
	notify()
}

// exitStatus returns the remote exit code, or -1 if none was received.
func (c *sshChannel) exitStatus() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exitCode
}

func (c *sshChannel) closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteClosed
}

func (c *sshChannel) sendEOF(notify func()) error {
	_, err := c.eof.poll(notify, func() (struct{}, error) {
		if err := c.raw.CloseWrite(); err != nil && !errors.Is(err, io.EOF) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

func (c *sshChannel) sendClose(notify func()) error {
	_, err := c.closing.poll(notify, func() (struct{}, error) {
		// io.EOF means close was already sent in reply to the remote close.
		if err := c.raw.Close(); err != nil && !errors.Is(err, io.EOF) {
			return struct{}{}, err
		}
		return struct{}{}, nil
	})
	return err
}

// drain discards buffered output so the readers keep consuming.
func (c *sshChannel) drain() {
	for _, r := range []*bufferedReader{c.stdout, c.stderr} {
		if r == nil {
			continue
		}
		for {
			if _, err := r.take(channelBufferLimit); err != nil {
				break
			}
		}
	}
}

func (c *sshChannel) release() {
	c.stdout.stop()
	if c.stderr != nil {
		c.stderr.stop()
	}
	c.raw.Close()
}

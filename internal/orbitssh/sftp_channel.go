package orbitssh

import (
	"errors"
	"fmt"

	"github.com/pkg/sftp"
	gossh "golang.org/x/crypto/ssh"

	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

// SftpChannelState is the progress of an SFTP subsystem channel.
type SftpChannelState int

const (
	SftpChannelInitial SftpChannelState = iota
	SftpChannelOpening
	SftpChannelStarted
	SftpChannelShutdown
	SftpChannelStopped
	SftpChannelError
)

type sftpConn struct {
	session *gossh.Session
	client  *sftp.Client
}

// SftpChannel runs the SFTP subsystem on one session channel. Operations on
// it are serialized: only one is in flight, the rest wait in a queue.
type SftpChannel struct {
	machine[SftpChannelState]

	open    pendingCall[sftpConn]
	closing pendingCall[struct{}]
	conn    sftpConn

	busy  bool
	queue []func()
}

// NewSftpChannel prepares an SFTP channel on session. Start opens it.
func NewSftpChannel(session *Session) *SftpChannel {
	c := &SftpChannel{}
	c.init("sftp", session, SftpChannelStarted, SftpChannelShutdown, SftpChannelStopped, SftpChannelError, hooks{
		startup:  c.startup,
		run:      func() error { return ErrTryAgain },
		shutdown: c.shutdownStep,
		cleanup:  c.cleanup,
	})
	return c
}

// Client returns the SFTP client once the channel has started.
func (c *SftpChannel) Client() *sftp.Client { return c.conn.client }

func (c *SftpChannel) notify() { c.session.notify() }

func (c *SftpChannel) startup() error {
	for {
		switch c.state {
		case SftpChannelInitial:
			if err := c.waitSession(); err != nil {
				return err
			}
			c.setState(SftpChannelOpening)

		case SftpChannelOpening:
			client := c.session.Raw()
			conn, err := c.open.poll(c.notify, func() (sftpConn, error) {
				return openSftp(client)
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("starting sftp subsystem: %w", err)
			}
			c.conn = conn
			return nil
		}
	}
}

func openSftp(client *gossh.Client) (sftpConn, error) {
	sess, err := client.NewSession()
	if err != nil {
		return sftpConn{}, err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		return sftpConn{}, err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		return sftpConn{}, err
	}
	if err := sess.RequestSubsystem(protocol.SubsystemSFTP); err != nil {
		sess.Close()
		return sftpConn{}, err
	}
	sc, err := sftp.NewClientPipe(stdout, stdin)
	if err != nil {
		sess.Close()
		return sftpConn{}, err
	}
	return sftpConn{session: sess, client: sc}, nil
}

func (c *SftpChannel) shutdownStep() error {
	if c.conn.client == nil {
		c.open.abandon(func(conn sftpConn) { conn.close() })
		return nil
	}
	conn := c.conn
	if _, err := c.closing.poll(c.notify, func() (struct{}, error) {
		conn.close()
		return struct{}{}, nil
	}); err != nil {
		return err
	}
	c.conn = sftpConn{}
	return nil
}

func (c *SftpChannel) cleanup() {
	if c.conn.client != nil {
		go c.conn.close()
	}
	c.queue = nil
}

func (s sftpConn) close() {
	s.client.Close()
	s.session.Close()
}

// acquire runs fn now if the channel is idle, otherwise once every earlier
// operation has released it.
func (c *SftpChannel) acquire(fn func()) {
	if !c.busy {
		c.busy = true
		fn()
		return
	}
	c.queue = append(c.queue, fn)
}

// release hands the channel to the next queued operation.
func (c *SftpChannel) release() {
	if len(c.queue) == 0 {
		c.busy = false
		return
	}
	next := c.queue[0]
	c.queue = c.queue[1:]
	c.session.Executor().Post(next)
}

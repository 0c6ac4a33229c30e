package orbitssh

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
)

// SessionState is the connection progress of a Session.
type SessionState int

const (
	SessionInitial SessionState = iota
	SessionConnecting
	SessionHandshaking
	SessionMatchingKnownHosts
	SessionAuthenticating
	SessionStarted
	SessionDisconnecting
	SessionStopped
	SessionError
)

func (s SessionState) String() string {
	switch s {
	case SessionInitial:
		return "initial"
	case SessionConnecting:
		return "connecting"
	case SessionHandshaking:
		return "handshaking"
	case SessionMatchingKnownHosts:
		return "matching-known-hosts"
	case SessionAuthenticating:
		return "authenticating"
	case SessionStarted:
		return "started"
	case SessionDisconnecting:
		return "disconnecting"
	case SessionStopped:
		return "stopped"
	case SessionError:
		return "error"
	}
	return fmt.Sprintf("SessionState(%d)", int(s))
}

// Session is one authenticated SSH connection. Channels opened on it advance
// when the session reports a data event.
type Session struct {
	ctx    *Context
	exec   *eventloop.Executor
	logger *slog.Logger

	state  SessionState
	addr   string
	config *gossh.ClientConfig
	conn   net.Conn
	client *gossh.Client

	ready     readiness
	dial      pendingCall[net.Conn]
	handshake pendingCall[*gossh.Client]
	closing   pendingCall[struct{}]

	policyMu  sync.Mutex
	policyErr error

	// Started fires once the session is authenticated.
	Started eventloop.Event
	// Stopped fires after a clean Disconnect.
	Stopped eventloop.Event
	// Errored carries the first non-retryable failure.
	Errored eventloop.Signal[error]
	// DataEvent fires when the socket or a channel made progress.
	DataEvent eventloop.Event
	// AboutToShutdown fires before the session disconnects or fails.
	AboutToShutdown eventloop.Event
}

// NewSession creates a session bound to exec. Connect starts it.
func NewSession(ctx *Context, exec *eventloop.Executor) *Session {
	s := &Session{
		ctx:    ctx,
		exec:   exec,
		logger: ctx.logger.With("component", "ssh-session"),
	}
	s.ready.post = func() { exec.Post(s.dispatch) }
	return s
}

// State returns the current state. Worker only.
func (s *Session) State() SessionState { return s.state }

// Raw returns the underlying client once the session has started.
func (s *Session) Raw() *gossh.Client { return s.client }

// Executor returns the executor the session is bound to.
func (s *Session) Executor() *eventloop.Executor { return s.exec }

// Logger returns the session logger.
func (s *Session) Logger() *slog.Logger { return s.logger }

// Connect validates creds and starts connecting. Progress is reported through
// Started and Errored.
func (s *Session) Connect(creds Credentials) error {
	if s.state != SessionInitial {
		return ErrAlreadyStarted
	}

	lookup, signer, err := creds.load()
	if err != nil {
		return err
	}

	auth := gossh.PublicKeysCallback(func() ([]gossh.Signer, error) {
		s.exec.Post(func() { s.advanceTo(SessionAuthenticating) })
		return []gossh.Signer{signer}, nil
	})
	policy := exactMatchPolicy(lookup, func(err error) {
		s.policyMu.Lock()
		s.policyErr = err
		s.policyMu.Unlock()
	})
	hostKey := func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		s.exec.Post(func() { s.advanceTo(SessionMatchingKnownHosts) })
		return policy(hostname, remote, key)
	}

	s.addr = creds.AddrAndPort.String()
	s.config = s.ctx.clientConfig(creds.User, []gossh.AuthMethod{auth}, hostKey)
	s.logger = s.logger.With("addr", s.addr, "user", creds.User)
	s.setState(SessionConnecting)
	s.step()
	return nil
}

// HandleEagain asks for a data event as soon as the socket or a channel makes
// progress. Channels call it whenever they yield.
func (s *Session) HandleEagain() { s.ready.arm() }

// Disconnect shuts the session down. Stopped fires once the connection is
// closed; no error is reported afterwards.
func (s *Session) Disconnect() {
	switch s.state {
	case SessionStarted:
		s.setState(SessionDisconnecting)
		s.AboutToShutdown.Emit()
		s.step()
	case SessionConnecting, SessionHandshaking, SessionMatchingKnownHosts, SessionAuthenticating:
		s.dial.abandon(func(c net.Conn) { c.Close() })
		s.handshake.abandon(func(c *gossh.Client) { c.Close() })
		if s.conn != nil {
			s.conn.Close()
		}
		s.setState(SessionStopped)
		s.AboutToShutdown.Emit()
		s.Stopped.Emit()
	case SessionInitial:
		s.setState(SessionStopped)
		s.Stopped.Emit()
	}
}

func (s *Session) notify() { s.ready.notify() }

func (s *Session) dispatch() {
	s.ready.begin()
	s.step()
	if s.state == SessionStarted || s.state == SessionDisconnecting {
		s.DataEvent.Emit()
	}
}

func (s *Session) setState(st SessionState) {
	if s.state == st {
		return
	}
	s.logger.Debug("session state changed", "from", s.state, "to", st)
	s.state = st
}

// advanceTo records handshake sub-progress reported from x/crypto callbacks.
func (s *Session) advanceTo(st SessionState) {
	switch s.state {
	case SessionHandshaking, SessionMatchingKnownHosts:
		if st > s.state {
			s.setState(st)
		}
	}
}

func (s *Session) step() {
	for {
		var err error
		switch s.state {
		case SessionConnecting:
			var conn net.Conn
			conn, err = s.dial.poll(s.notify, func() (net.Conn, error) {
				d := net.Dialer{Timeout: s.ctx.dialTimeout}
				return d.Dial("tcp", s.addr)
			})
			if err == nil {
				s.conn = &notifyingConn{Conn: conn, notify: s.notify}
				s.setState(SessionHandshaking)
				continue
			}
			err = s.classify(err)

		case SessionHandshaking, SessionMatchingKnownHosts, SessionAuthenticating:
			var client *gossh.Client
			client, err = s.handshake.poll(s.notify, func() (*gossh.Client, error) {
				c, chans, reqs, err := gossh.NewClientConn(s.conn, s.addr, s.config)
				if err != nil {
					return nil, err
				}
				return gossh.NewClient(c, chans, reqs), nil
			})
			if err == nil {
				s.client = client
				s.setState(SessionStarted)
				go s.watch(client)
				s.logger.Info("ssh session established")
				s.Started.Emit()
				// Channels queued before the session was up can proceed now.
				s.DataEvent.Emit()
				return
			}
			err = s.classify(err)

		case SessionDisconnecting:
			_, err = s.closing.poll(s.notify, func() (struct{}, error) {
				s.client.Close()
				s.client.Wait()
				return struct{}{}, nil
			})
			if err == nil {
				s.setState(SessionStopped)
				s.logger.Debug("ssh session closed")
				s.Stopped.Emit()
				return
			}

		default:
			return
		}

		if errors.Is(err, ErrTryAgain) {
			s.HandleEagain()
			return
		}
		s.fail(err)
		return
	}
}

func (s *Session) classify(err error) error {
	s.policyMu.Lock()
	policyErr := s.policyErr
	s.policyMu.Unlock()

	switch {
	case errors.Is(err, ErrTryAgain):
		return err
	case policyErr != nil:
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, policyErr)
	case s.state == SessionAuthenticating:
		return fmt.Errorf("%w: %w: %w", ErrCouldNotConnect, ErrAuthenticationFailed, err)
	default:
		return fmt.Errorf("%w: %w", ErrCouldNotConnect, err)
	}
}

// watch reports the transport going away underneath a started session.
func (s *Session) watch(client *gossh.Client) {
	err := client.Wait()
	s.exec.Post(func() {
		if s.state != SessionStarted || s.client != client {
			return
		}
		if err == nil {
			err = ErrRemoteSocketClosed
		} else {
			err = fmt.Errorf("%w: %w", ErrRemoteSocketClosed, err)
		}
		s.fail(err)
	})
}

func (s *Session) fail(err error) {
	if s.state == SessionStopped || s.state == SessionError {
		return
	}
	s.logger.Debug("session failed", "state", s.state, "error", err)
	s.setState(SessionError)
	s.AboutToShutdown.Emit()
	if s.client != nil {
		s.client.Close()
	} else if s.conn != nil {
		s.conn.Close()
	}
	s.Errored.Emit(err)
}

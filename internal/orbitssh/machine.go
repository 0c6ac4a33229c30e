package orbitssh

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
)

// hooks are the variant-specific parts of a channel state machine. Each hook
// returns nil when it finished its phase (run: when it changed the state),
// ErrTryAgain when it has to wait, or a failure.
type hooks struct {
	startup  func() error
	run      func() error
	shutdown func() error
	// stopTo picks the first shutdown state when Stop is requested while
	// started. Optional.
	stopTo func() int
	// cleanup releases resources once the machine is stopped or failed.
	cleanup func()
}

// machine is the lifecycle shared by tasks, tunnels, SFTP channels and SFTP
// operations. States below started belong to startup, states between started
// and stopped to shutdown. Stopped and failed are terminal.
type machine[S ~int] struct {
	name    string
	session *Session
	logger  *slog.Logger
	hooks   hooks

	state    S
	started  S
	shutdown S
	stopped  S
	failed   S

	conns    eventloop.Connections
	stepping bool
	again    bool
	released bool

	Started eventloop.Event
	Stopped eventloop.Event
	Errored eventloop.Signal[error]
}

func (m *machine[S]) init(name string, session *Session, started, shutdown, stopped, failed S, h hooks) {
	m.name = name
	m.session = session
	m.logger = session.Logger().With("channel", name)
	m.started = started
	m.shutdown = shutdown
	m.stopped = stopped
	m.failed = failed
	m.hooks = h
}

// State returns the current state.
func (m *machine[S]) State() S { return m.state }

func (m *machine[S]) setState(s S) {
	if m.state == s {
		return
	}
	m.logger.Debug("state changed", "from", int(m.state), "to", int(s))
	m.state = s
}

func (m *machine[S]) terminal() bool { return m.state == m.stopped || m.state == m.failed }

// Start subscribes to the session and runs startup. A session that is not up
// yet makes the machine wait; one that is gone fails it.
func (m *machine[S]) Start() error {
	if m.state != 0 {
		return fmt.Errorf("%s: %w", m.name, ErrAlreadyStarted)
	}
	m.conns.Add(
		m.session.DataEvent.Connect(m.step),
		m.session.AboutToShutdown.Connect(m.onSessionShutdown),
	)
	m.step()
	return nil
}

// Stop starts the cooperative shutdown. Stopped fires once it completes.
// Stopping during shutdown or after stop is a no-op.
func (m *machine[S]) Stop() {
	switch {
	case m.terminal(), m.state > m.started:
		return
	case m.state == 0 && m.conns.Len() == 0:
		m.setState(m.stopped)
		m.release()
		m.Stopped.Emit()
		return
	case m.state == m.started && m.hooks.stopTo != nil:
		m.setState(S(m.hooks.stopTo()))
	default:
		m.setState(m.shutdown)
	}
	m.step()
}

// waitSession gates startup on the session being authenticated.
func (m *machine[S]) waitSession() error {
	switch m.session.State() {
	case SessionStarted:
		return nil
	case SessionConnecting, SessionHandshaking, SessionMatchingKnownHosts, SessionAuthenticating:
		return ErrTryAgain
	}
	return ErrNotConnected
}

func (m *machine[S]) onSessionShutdown() {
	if m.terminal() {
		return
	}
	m.fail(ErrUncleanSessionShutdown)
}

func (m *machine[S]) step() {
	if m.stepping {
		m.again = true
		return
	}
	m.stepping = true
	defer func() { m.stepping = false }()

	for !m.terminal() {
		m.again = false
		err := m.advance()
		switch {
		case err == nil:
		case errors.Is(err, ErrTryAgain):
			if m.again {
				continue
			}
			m.session.HandleEagain()
			return
		default:
			m.fail(err)
			return
		}
	}
}

func (m *machine[S]) advance() error {
	switch {
	case m.state < m.started:
		if err := m.hooks.startup(); err != nil {
			return err
		}
		m.setState(m.started)
		m.Started.Emit()
	case m.state == m.started:
		return m.hooks.run()
	default:
		if err := m.hooks.shutdown(); err != nil {
			return err
		}
		m.setState(m.stopped)
		m.release()
		m.Stopped.Emit()
	}
	return nil
}

func (m *machine[S]) fail(err error) {
	if m.terminal() {
		return
	}
	m.logger.Debug("channel failed", "state", int(m.state), "error", err)
	m.setState(m.failed)
	m.release()
	m.Errored.Emit(err)
}

func (m *machine[S]) release() {
	if m.released {
		return
	}
	m.released = true
	m.conns.DisconnectAll()
	if m.hooks.cleanup != nil {
		m.hooks.cleanup()
	}
}

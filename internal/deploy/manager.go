// Package deploy brings OrbitService up on a remote instance: it connects the
// SSH session, uploads and installs or starts the service, and forwards the
// service's gRPC port to a local one.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
	"github.com/orbitprofiler/orbitdeploy/internal/orbitssh"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

const (
	tunnelRetries       = 3
	tunnelRetryInterval = 500 * time.Millisecond

	// shutdownStepTimeout bounds each step of the ordered shutdown.
	shutdownStepTimeout = 5 * time.Second
)

// ErrShutDown is reported for downloads that were still queued when the
// manager shut down.
var ErrShutDown = errors.New("deploy manager shut down")

var errShutdownStepTimeout = errors.New("timed out")

// GrpcPort is a gRPC port: the service's port on the remote side, the
// forwarded one on the local side.
type GrpcPort struct {
	GrpcPort uint16
}

// Manager runs one deployment. All SSH objects it creates live on its own
// executor; the exported methods are safe to call from any goroutine.
type Manager struct {
	deployment Deployment
	sshCtx     *orbitssh.Context
	creds      orbitssh.Credentials
	grpcPort   GrpcPort
	appVersion string
	devMode    bool
	logger     *slog.Logger
	service    *slog.Logger
	id         uuid.UUID

	startupTimeout time.Duration
	statusFuncs    []func(string)

	exec     *eventloop.Executor
	canceled atomic.Bool
	closed   atomic.Bool

	// Owned by the executor.
	session     *orbitssh.Session
	sftp        *orbitssh.SftpChannel
	tunnel      *orbitssh.Tunnel
	task        *orbitssh.Task
	watchdog    *eventloop.Ticker
	copyToLocal *orbitssh.CopyToLocal
	waiting     []pendingCopy
	stopping    bool
	conns       eventloop.Connections

	// CancelRequested fires on the executor after Cancel.
	CancelRequested eventloop.Event
	// StatusMessage carries human readable progress.
	StatusMessage eventloop.Signal[string]
	// SocketError reports transport failures after a successful deployment.
	SocketError eventloop.Signal[error]
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithStatusFunc subscribes fn to status messages. fn runs on the manager's
// executor.
func WithStatusFunc(fn func(string)) Option {
	return func(m *Manager) { m.statusFuncs = append(m.statusFuncs, fn) }
}

// WithAppVersion sets the version the installed package has to match.
func WithAppVersion(v string) Option {
	return func(m *Manager) { m.appVersion = v }
}

// WithDevMode appends the developer mode flag to the service command line.
func WithDevMode(enabled bool) Option {
	return func(m *Manager) { m.devMode = enabled }
}

// NewManager prepares a deployment of d to the host described by creds. The
// service is expected to listen on grpcPort on the remote loopback interface.
func NewManager(d Deployment, sshCtx *orbitssh.Context, creds orbitssh.Credentials, grpcPort GrpcPort, opts ...Option) *Manager {
	if d == nil {
		d = NoDeployment{}
	}
	m := &Manager{
		deployment:     d,
		sshCtx:         sshCtx,
		creds:          creds,
		grpcPort:       grpcPort,
		logger:         slog.Default(),
		id:             uuid.New(),
		startupTimeout: protocol.ServiceStartupTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "deploy", "deployment", m.id.String())
	m.service = m.logger.With("source", "OrbitService")
	m.exec = eventloop.NewExecutor("deploy", m.logger)
	m.exec.Start()

	m.StatusMessage.Connect(func(msg string) { m.logger.Info("status", "message", msg) })
	for _, fn := range m.statusFuncs {
		m.StatusMessage.Connect(fn)
	}
	return m
}

// ID identifies this deployment in logs.
func (m *Manager) ID() uuid.UUID { return m.id }

// Exec runs the deployment and returns the local port that forwards to the
// service's gRPC port. Cancelling ctx has the same effect as Cancel. On
// failure everything started so far is shut down again.
func (m *Manager) Exec(ctx context.Context) (GrpcPort, error) {
	m.canceled.Store(false)
	stop := context.AfterFunc(ctx, m.Cancel)
	defer stop()

	var (
		port GrpcPort
		err  error
	)
	if callErr := m.exec.Call(func() { port, err = m.execOnWorker() }); callErr != nil {
		return GrpcPort{}, fmt.Errorf("running deployment: %w", callErr)
	}

	switch {
	case errors.Is(err, ErrUserCanceled):
		m.logger.Info("OrbitService deployment has been aborted by the user")
	case err != nil:
		m.logger.Error("OrbitService deployment failed", "error", err)
	default:
		m.logger.Info("deployment successful", "grpc_port", port.GrpcPort)
	}
	return port, err
}

// Cancel aborts the step Exec is currently waiting for. Exec then returns
// ErrUserCanceled.
func (m *Manager) Cancel() {
	m.canceled.Store(true)
	m.exec.Post(m.CancelRequested.Emit)
}

// Shutdown stops the download in flight, the SFTP channel, the tunnel, the
// watchdog, the service and the session, in that order, and releases the
// executor. It must not be called from a status or signal callback.
func (m *Manager) Shutdown() {
	if m.closed.Swap(true) {
		return
	}
	if err := m.exec.Call(m.shutdown); err != nil {
		m.logger.Debug("shutdown", "error", err)
	}
	m.exec.Close()
}

func (m *Manager) execOnWorker() (GrpcPort, error) {
	port, err := m.deploy()
	if err != nil {
		m.shutdown()
		return GrpcPort{}, err
	}
	return port, nil
}

func (m *Manager) deploy() (GrpcPort, error) {
	if err := m.connectToServer(); err != nil {
		return GrpcPort{}, err
	}
	if err := m.startSftpChannel(); err != nil {
		return GrpcPort{}, err
	}

	switch d := m.deployment.(type) {
	case SignedPackageDeployment:
		installed, err := m.checkIfInstalled()
		if err != nil {
			return GrpcPort{}, err
		}
		if !installed {
			if err := m.copyPackage(d); err != nil {
				return GrpcPort{}, err
			}
			if err := m.installPackage(); err != nil {
				return GrpcPort{}, err
			}
		}
		if err := m.startService(); err != nil {
			return GrpcPort{}, err
		}
		m.startWatchdog()

	case BareExecutableDeployment:
		if err := m.copyBareExecutable(d); err != nil {
			return GrpcPort{}, err
		}
		if err := m.startService(); err != nil {
			return GrpcPort{}, err
		}
		m.startWatchdog()

	default:
		m.status("Skipping deployment step. Expecting that OrbitService is already running...")
	}

	port, err := m.startTunnelWithRetries()
	if err != nil {
		return GrpcPort{}, err
	}
	m.status("Successfully set up port forwarding!")
	m.logger.Info("local port for gRPC", "port", port)
	return GrpcPort{GrpcPort: port}, nil
}

func (m *Manager) status(msg string) { m.StatusMessage.Emit(msg) }

func (m *Manager) handleSocketError(err error) {
	m.logger.Warn("socket error", "error", err)
	m.SocketError.Emit(err)
}

// await runs a nested loop on the executor until the subscriptions made by
// setup finish it. A cancel request finishes it with ErrUserCanceled.
func await[T any](m *Manager, setup func(l *eventloop.Loop[T], conns *eventloop.Connections) error) (T, error) {
	if m.canceled.Load() {
		var zero T
		return zero, ErrUserCanceled
	}
	return runLoop(m, setup)
}

func runLoop[T any](m *Manager, setup func(l *eventloop.Loop[T], conns *eventloop.Connections) error) (T, error) {
	l := eventloop.NewLoop[T](m.exec)
	var conns eventloop.Connections
	defer conns.DisconnectAll()

	conns.Add(eventloop.FailWithOn(l, &m.CancelRequested, ErrUserCanceled))
	if err := setup(l, &conns); err != nil {
		var zero T
		return zero, err
	}
	return l.Exec()
}

func (m *Manager) connectToServer() error {
	addr := m.creds.AddrAndPort.String()
	m.status(fmt.Sprintf("Connecting to %s...", addr))

	m.session = orbitssh.NewSession(m.sshCtx, m.exec)
	session := m.session
	_, err := await(m, func(l *eventloop.Loop[struct{}], conns *eventloop.Connections) error {
		conns.Add(
			eventloop.QuitOn(l, &session.Started, struct{}{}),
			eventloop.FailOn(l, &session.Errored),
		)
		return session.Connect(m.creds)
	})
	if err != nil {
		return mapError(err, orbitssh.ErrCouldNotConnect)
	}

	m.status(fmt.Sprintf("Successfully connected to %s.", addr))
	m.conns.Add(session.Errored.Connect(m.handleSocketError))
	return nil
}

func (m *Manager) startSftpChannel() error {
	m.sftp = orbitssh.NewSftpChannel(m.session)
	channel := m.sftp
	_, err := await(m, func(l *eventloop.Loop[struct{}], conns *eventloop.Connections) error {
		conns.Add(
			eventloop.QuitOn(l, &channel.Started, struct{}{}),
			eventloop.FailOn(l, &channel.Errored),
		)
		return channel.Start()
	})
	return err
}

func (m *Manager) startTunnelWithRetries() (uint16, error) {
	port, err := m.startTunnel()
	for retry := 0; retry < tunnelRetries && err != nil && !errors.Is(err, ErrUserCanceled); retry++ {
		m.logger.Error("failed to establish tunnel, trying again", "error", err, "delay", tunnelRetryInterval)
		var timer *eventloop.Timer
		_, waitErr := await(m, func(l *eventloop.Loop[struct{}], _ *eventloop.Connections) error {
			timer = m.exec.AfterFunc(tunnelRetryInterval, func() { l.Quit(struct{}{}) })
			return nil
		})
		timer.Stop()
		if waitErr != nil {
			return 0, waitErr
		}
		port, err = m.startTunnel()
	}
	return port, err
}

func (m *Manager) startTunnel() (uint16, error) {
	m.status("Setting up port forwarding...")
	m.logger.Info("setting up tunnel", "remote_port", m.grpcPort.GrpcPort)

	tunnel := orbitssh.NewTunnel(m.session, protocol.Localhost, m.grpcPort.GrpcPort)
	port, err := await(m, func(l *eventloop.Loop[uint16], conns *eventloop.Connections) error {
		conns.Add(
			tunnel.Opened.Connect(l.Quit),
			eventloop.FailOn(l, &tunnel.Errored),
		)
		return tunnel.Start()
	})
	if err != nil {
		tunnel.Stop()
		return 0, mapError(err, ErrCouldNotStartTunnel)
	}

	m.tunnel = tunnel
	m.conns.Add(tunnel.Errored.Connect(m.handleSocketError))
	return port, nil
}

// stopAndWait stops one component and waits for it to settle. Failures are
// logged; the shutdown carries on regardless.
func (m *Manager) stopAndWait(what string, done bool, stop func(), stopped *eventloop.Event, errored *eventloop.Signal[error]) {
	if done {
		return
	}
	start := time.Now()
	var timer *eventloop.Timer
	_, err := runLoop(m, func(l *eventloop.Loop[struct{}], conns *eventloop.Connections) error {
		timer = m.exec.AfterFunc(shutdownStepTimeout, func() { l.Error(errShutdownStepTimeout) })
		conns.Add(
			eventloop.QuitOn(l, stopped, struct{}{}),
			eventloop.FailOn(l, errored),
		)
		stop()
		return nil
	})
	timer.Stop()
	if err != nil {
		m.logger.Error("unable to shut down "+what, "error", err)
		return
	}
	m.logger.Debug("shut down "+what, "took", time.Since(start))
}

// shutdown runs on the executor. Every step clears what it stopped, so a
// second call is cheap.
func (m *Manager) shutdown() {
	m.stopping = true
	m.conns.DisconnectAll()

	if op := m.copyToLocal; op != nil {
		waiting := m.waiting
		m.waiting = nil
		for _, p := range waiting {
			p.abort(ErrShutDown)
		}
		m.stopAndWait("sftp operation", op.State() >= orbitssh.SftpOpStopped, op.Stop, &op.Stopped, &op.Errored)
		m.copyToLocal = nil
	}
	if c := m.sftp; c != nil {
		m.stopAndWait("sftp channel", c.State() >= orbitssh.SftpChannelStopped, c.Stop, &c.Stopped, &c.Errored)
		m.sftp = nil
	}
	if t := m.tunnel; t != nil {
		m.stopAndWait("tunnel", t.State() >= orbitssh.TunnelStopped, t.Stop, &t.Stopped, &t.Errored)
		m.tunnel = nil
	}
	m.watchdog.Stop()
	m.watchdog = nil
	if t := m.task; t != nil {
		m.stopAndWait("service task", t.State() >= orbitssh.TaskStopped, t.Stop, &t.Stopped, &t.Errored)
		m.task = nil
	}
	if s := m.session; s != nil {
		done := s.State() == orbitssh.SessionStopped || s.State() == orbitssh.SessionError
		m.stopAndWait("session", done, s.Disconnect, &s.Stopped, &s.Errored)
		m.session = nil
	}
	m.stopping = false
}

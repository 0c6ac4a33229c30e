package orbitssh

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	gossh "golang.org/x/crypto/ssh"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

// TunnelState is the progress of a port forward.
type TunnelState int

const (
	TunnelInitial TunnelState = iota
	TunnelNoChannel
	TunnelChannelInitialized
	TunnelServerListening
	TunnelStarted
	TunnelFlushing
	TunnelSendEOF
	TunnelWaitRemoteEOF
	TunnelClosingChannel
	TunnelWaitRemoteClosed
	TunnelStopped
	TunnelError
)

func (s TunnelState) String() string {
	names := [...]string{
		"initial", "no-channel", "channel-initialized", "server-listening", "started",
		"flushing", "send-eof", "wait-remote-eof", "closing-channel", "wait-remote-closed",
		"stopped", "error",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("TunnelState(%d)", int(s))
}

// maxTunnelRead caps how much is moved per direction in one step.
const maxTunnelRead = 1 << 20

// Tunnel forwards one local TCP connection on 127.0.0.1 to a port on the
// remote loopback interface, through a direct-tcpip channel.
type Tunnel struct {
	machine[TunnelState]
	remoteHost string
	remotePort uint16

	open pendingCall[*sshChannel]
	ch   *sshChannel

	listener  net.Listener
	localPort uint16

	acceptMu sync.Mutex
	accepted net.Conn

	local       net.Conn
	localReader *bufferedReader
	localWriter *asyncWriter

	// readBuf holds remote data not yet written to the local socket,
	// writeBuf local data not yet written to the channel.
	readBuf  []byte
	writeBuf []byte
	// remoteEOF is set once the remote end closed its side; readBuf is
	// still delivered before the tunnel fails.
	remoteEOF bool

	// Opened carries the local listening port once the tunnel is started.
	Opened eventloop.Signal[uint16]
}

// NewTunnel prepares a forward to remoteHost:remotePort as seen from the
// server. Start opens it.
func NewTunnel(session *Session, remoteHost string, remotePort uint16) *Tunnel {
	t := &Tunnel{remoteHost: remoteHost, remotePort: remotePort}
	t.init("tunnel", session, TunnelStarted, TunnelFlushing, TunnelStopped, TunnelError, hooks{
		startup:  t.startup,
		run:      t.run,
		shutdown: t.shutdownStep,
		cleanup:  t.cleanup,
	})
	t.logger = t.logger.With("remote", net.JoinHostPort(remoteHost, strconv.Itoa(int(remotePort))))
	t.Started.Connect(func() { t.Opened.Emit(t.localPort) })
	return t
}

// ListenPort returns the local port, valid once started.
func (t *Tunnel) ListenPort() uint16 { return t.localPort }

func (t *Tunnel) notify() { t.session.notify() }

func (t *Tunnel) startup() error {
	for {
		switch t.state {
		case TunnelInitial:
			if err := t.waitSession(); err != nil {
				return err
			}
			t.setState(TunnelNoChannel)

		case TunnelNoChannel:
			client := t.session.Raw()
			extra := gossh.Marshal(protocol.DirectTCPIPData{
				DestAddr:   t.remoteHost,
				DestPort:   uint32(t.remotePort),
				OriginAddr: protocol.Localhost,
				OriginPort: 0,
			})
			ch, err := t.open.poll(t.notify, func() (*sshChannel, error) {
				return openSSHChannel(client, protocol.ChannelDirectTCPIP, extra, false, t.notify)
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("opening direct-tcpip channel: %w", err)
			}
			t.ch = ch
			t.setState(TunnelChannelInitialized)

		case TunnelChannelInitialized:
			ln, err := net.Listen("tcp", net.JoinHostPort(protocol.Localhost, "0"))
			if err != nil {
				return fmt.Errorf("%w: %w", ErrCouldNotListen, err)
			}
			t.listener = ln
			t.localPort = uint16(ln.Addr().(*net.TCPAddr).Port)
			go t.acceptOne(ln)
			t.setState(TunnelServerListening)

		case TunnelServerListening:
			t.logger.Debug("tunnel listening", "port", t.localPort)
			return nil
		}
	}
}

// acceptOne waits for the single local client of this tunnel.
func (t *Tunnel) acceptOne(ln net.Listener) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	t.acceptMu.Lock()
	t.accepted = conn
	t.acceptMu.Unlock()
	t.notify()
}

func (t *Tunnel) takeAccepted() net.Conn {
	t.acceptMu.Lock()
	defer t.acceptMu.Unlock()
	conn := t.accepted
	t.accepted = nil
	return conn
}

func (t *Tunnel) run() error {
	progress := false

	if t.local == nil {
		if conn := t.takeAccepted(); conn != nil {
			t.local = conn
			t.localReader = newBufferedReader(conn, maxTunnelRead, t.notify)
			t.localWriter = newAsyncWriter(conn, maxTunnelRead, t.notify)
			t.listener.Close()
			t.logger.Debug("local client connected", "addr", conn.RemoteAddr())
			progress = true
		}
	}

	if !t.remoteEOF {
		data, err := t.ch.stdout.take(maxTunnelRead)
		switch {
		case err == nil:
			t.readBuf = append(t.readBuf, data...)
			progress = true
		case errors.Is(err, io.EOF):
			t.remoteEOF = true
			progress = true
		case !errors.Is(err, ErrTryAgain):
			return fmt.Errorf("%w: %w", ErrRemoteSocketClosed, err)
		}
	}

	if t.local == nil {
		if t.remoteEOF && len(t.readBuf) == 0 {
			return ErrRemoteSocketClosed
		}
		if progress {
			return nil
		}
		return ErrTryAgain
	}

	if len(t.readBuf) > 0 {
		n, err := t.localWriter.write(t.readBuf)
		switch {
		case err == nil:
			t.readBuf = t.readBuf[n:]
			progress = progress || n > 0
		case !errors.Is(err, ErrTryAgain):
			return fmt.Errorf("%w: %w", ErrLocalSocketClosed, err)
		}
	}

	if t.remoteEOF {
		if len(t.readBuf) > 0 {
			if progress {
				return nil
			}
			return ErrTryAgain
		}
		// Everything the remote end sent must reach the local client first.
		switch err := t.localWriter.flushed(); {
		case errors.Is(err, ErrTryAgain):
			return ErrTryAgain
		case err != nil:
			return fmt.Errorf("%w: %w", ErrLocalSocketClosed, err)
		}
		return ErrRemoteSocketClosed
	}

	data, err := t.localReader.take(maxTunnelRead)
	switch {
	case err == nil:
		t.writeBuf = append(t.writeBuf, data...)
		progress = true
	case errors.Is(err, ErrTryAgain):
	default:
		// The local client went away; shut down cooperatively.
		t.logger.Debug("local client disconnected", "error", err)
		t.setState(TunnelFlushing)
		return nil
	}

	if len(t.writeBuf) > 0 {
		n, err := t.ch.writer.write(t.writeBuf)
		switch {
		case err == nil:
			t.writeBuf = t.writeBuf[n:]
			progress = progress || n > 0
		case !errors.Is(err, ErrTryAgain):
			return fmt.Errorf("%w: %w", ErrRemoteSocketClosed, err)
		}
	}

	if progress {
		return nil
	}
	return ErrTryAgain
}

func (t *Tunnel) shutdownStep() error {
	if t.ch == nil {
		t.open.abandon(func(ch *sshChannel) { ch.release() })
		return nil
	}
	for {
		switch t.state {
		case TunnelFlushing:
			if len(t.writeBuf) > 0 {
				n, err := t.ch.writer.write(t.writeBuf)
				if err != nil {
					return err
				}
				t.writeBuf = t.writeBuf[n:]
				continue
			}
			if err := t.ch.writer.flushed(); err != nil {
				return err
			}
			t.setState(TunnelSendEOF)

		case TunnelSendEOF:
			if err := t.ch.sendEOF(t.notify); err != nil {
				return err
			}
			t.setState(TunnelWaitRemoteEOF)

		case TunnelWaitRemoteEOF:
			t.ch.drain()
			if !t.ch.stdout.atEOF() && !t.ch.closed() {
				return ErrTryAgain
			}
			t.setState(TunnelClosingChannel)

		case TunnelClosingChannel:
			if err := t.ch.sendClose(t.notify); err != nil {
				return err
			}
			t.setState(TunnelWaitRemoteClosed)

		case TunnelWaitRemoteClosed:
			if !t.ch.closed() {
				return ErrTryAgain
			}
			return nil

		default:
			return nil
		}
	}
}

// cleanup runs from the executor's release queue so the tunnel can be torn
// down from inside its own callbacks.
func (t *Tunnel) cleanup() {
	t.session.Executor().Release(func() {
		if t.listener != nil {
			t.listener.Close()
		}
		if conn := t.takeAccepted(); conn != nil {
			conn.Close()
		}
		if t.local != nil {
			t.localReader.stop()
			t.local.Close()
		}
		if t.ch != nil {
			t.ch.release()
		}
	})
}

package orbitssh

import (
	"errors"
	"fmt"
	"io"

	gossh "golang.org/x/crypto/ssh"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

// TaskState is the progress of a remote command.
type TaskState int

const (
	TaskInitial TaskState = iota
	TaskSessionReady
	TaskChannelOpened
	TaskCommandStarted
	TaskStarted
	TaskFlushing
	TaskSendEOF
	TaskWaitRemoteEOF
	TaskClosingChannel
	TaskWaitRemoteClosed
	TaskStopped
	TaskError
)

func (s TaskState) String() string {
	names := [...]string{
		"initial", "session-ready", "channel-opened", "command-started", "started",
		"flushing", "send-eof", "wait-remote-eof", "closing-channel", "wait-remote-closed",
		"stopped", "error",
	}
	if int(s) < len(names) {
		return names[s]
	}
	return fmt.Sprintf("TaskState(%d)", int(s))
}

// Task runs one command on the remote host over a session channel.
type Task struct {
	machine[TaskState]
	command string

	open    pendingCall[*sshChannel]
	request pendingCall[bool]
	ch      *sshChannel

	writeBuf  []byte
	stdoutBuf []byte
	stderrBuf []byte

	// Finished carries the exit code, or -1 if the server sent none.
	Finished eventloop.Signal[int]
	// ReadyReadStdout fires at most once per data event when stdout grew.
	ReadyReadStdout eventloop.Event
	// ReadyReadStderr fires at most once per data event when stderr grew.
	ReadyReadStderr eventloop.Event
}

// NewTask prepares command for execution on session. Start runs it.
func NewTask(session *Session, command string) *Task {
	t := &Task{command: command}
	t.init("task", session, TaskStarted, TaskFlushing, TaskStopped, TaskError, hooks{
		startup:  t.startup,
		run:      t.run,
		shutdown: t.shutdownStep,
		cleanup:  t.cleanup,
	})
	t.logger = t.logger.With("command", command)
	return t
}

// Write queues data for the command's stdin. Writes after Stop are dropped.
func (t *Task) Write(data []byte) {
	if t.state > TaskStarted {
		return
	}
	t.writeBuf = append(t.writeBuf, data...)
	if t.state == TaskStarted {
		t.step()
	}
}

// ReadStdout returns and clears everything read from stdout so far.
func (t *Task) ReadStdout() string {
	out := string(t.stdoutBuf)
	t.stdoutBuf = t.stdoutBuf[:0]
	return out
}

// ReadStderr returns and clears everything read from stderr so far.
func (t *Task) ReadStderr() string {
	out := string(t.stderrBuf)
	t.stderrBuf = t.stderrBuf[:0]
	return out
}

func (t *Task) notify() { t.session.notify() }

func (t *Task) startup() error {
	for {
		switch t.state {
		case TaskInitial:
			if err := t.waitSession(); err != nil {
				return err
			}
			t.setState(TaskSessionReady)

		case TaskSessionReady:
			client := t.session.Raw()
			ch, err := t.open.poll(t.notify, func() (*sshChannel, error) {
				return openSSHChannel(client, protocol.ChannelSession, nil, true, t.notify)
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("opening session channel: %w", err)
			}
			t.ch = ch
			t.setState(TaskChannelOpened)

		case TaskChannelOpened:
			payload := gossh.Marshal(protocol.ExecData{Command: t.command})
			ok, err := t.request.poll(t.notify, func() (bool, error) {
				return t.ch.raw.SendRequest(protocol.RequestExec, true, payload)
			})
			if err != nil {
				if errors.Is(err, ErrTryAgain) {
					return err
				}
				return fmt.Errorf("starting command: %w", err)
			}
			if !ok {
				return fmt.Errorf("starting command: %w: exec request rejected", ErrUncleanChannelShutdown)
			}
			t.setState(TaskCommandStarted)

		case TaskCommandStarted:
			return nil
		}
	}
}

// pump moves buffered output into the read buffers and stdin into the
// channel. It reports whether stdout reached EOF.
func (t *Task) pump() (bool, error) {
	gotStdout, gotStderr := false, false
	for {
		data, err := t.ch.stderr.take(channelBufferLimit)
		if err != nil {
			break
		}
		t.stderrBuf = append(t.stderrBuf, data...)
		gotStderr = true
	}

	eof := false
	for {
		data, err := t.ch.stdout.take(channelBufferLimit)
		if err == nil {
			t.stdoutBuf = append(t.stdoutBuf, data...)
			gotStdout = true
			continue
		}
		if errors.Is(err, ErrTryAgain) {
			break
		}
		if !errors.Is(err, io.EOF) {
			return false, ioError(err)
		}
		eof = true
		break
	}

	if len(t.writeBuf) > 0 {
		n, err := t.ch.writer.write(t.writeBuf)
		switch {
		case err == nil:
			t.writeBuf = t.writeBuf[n:]
		case !errors.Is(err, ErrTryAgain):
			return eof, ioError(err)
		}
	}

	if gotStdout {
		t.ReadyReadStdout.Emit()
	}
	if gotStderr {
		t.ReadyReadStderr.Emit()
	}
	return eof, nil
}

func (t *Task) run() error {
	eof, err := t.pump()
	if err != nil {
		return err
	}
	if t.state != TaskStarted {
		// A subscriber stopped the task.
		return nil
	}
	if eof {
		// The command exited; closing our side completes the exchange.
		t.writeBuf = nil
		t.setState(TaskSendEOF)
		return nil
	}
	return ErrTryAgain
}

func (t *Task) shutdownStep() error {
	if t.ch == nil {
		t.open.abandon(func(ch *sshChannel) { ch.release() })
		return nil
	}
	for {
		switch t.state {
		case TaskFlushing:
			if _, err := t.pump(); err != nil {
				return err
			}
			if len(t.writeBuf) > 0 {
				return ErrTryAgain
			}
			if err := t.ch.writer.flushed(); err != nil {
				return err
			}
			t.setState(TaskSendEOF)

		case TaskSendEOF:
			if err := t.ch.sendEOF(t.notify); err != nil {
				return err
			}
			t.setState(TaskWaitRemoteEOF)

		case TaskWaitRemoteEOF:
			eof, err := t.pump()
			if err != nil {
				return err
			}
			if !eof || !t.ch.stderr.atEOF() {
				return ErrTryAgain
			}
			t.setState(TaskClosingChannel)

		case TaskClosingChannel:
			if err := t.ch.sendClose(t.notify); err != nil {
				return err
			}
			t.setState(TaskWaitRemoteClosed)

		case TaskWaitRemoteClosed:
			if _, err := t.pump(); err != nil {
				return err
			}
			if !t.ch.closed() {
				return ErrTryAgain
			}
			t.Finished.Emit(t.ch.exitStatus())
			return nil

		default:
			return nil
		}
	}
}

func (t *Task) cleanup() {
	if t.ch != nil {
		t.ch.release()
	}
}

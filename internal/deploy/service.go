package deploy

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/orbitprofiler/orbitdeploy/internal/eventloop"
	"github.com/orbitprofiler/orbitdeploy/internal/orbitssh"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
)

const (
	// maxStdoutBuffer bounds the stdout kept while waiting for readiness.
	maxStdoutBuffer = 100 << 10
	// maxErrorMessageLength is measured in characters, not bytes.
	maxErrorMessageLength = 1000
)

func (m *Manager) checkIfInstalled() (bool, error) {
	m.status(fmt.Sprintf("Checking if OrbitService is already installed in version %s on the remote instance.", m.appVersion))

	task := orbitssh.NewTask(m.session, installedCheckCommand(m.appVersion))
	code, err := await(m, func(l *eventloop.Loop[int], conns *eventloop.Connections) error {
		conns.Add(
			task.ReadyReadStdout.Connect(func() { m.logger.Info("installed check stdout", "output", task.ReadStdout()) }),
			task.ReadyReadStderr.Connect(func() { m.logger.Info("installed check stderr", "output", task.ReadStderr()) }),
			task.Finished.Connect(l.Quit),
			eventloop.FailOn(l, &task.Errored),
		)
		return task.Start()
	})
	if err != nil {
		task.Stop()
		return false, err
	}

	m.logger.Info("installed check returned", "exit_code", code)
	if code == 0 {
		m.status("The correct version of OrbitService is already installed.")
		return true, nil
	}
	m.status("The correct version of OrbitService is not yet installed.")
	return false, nil
}

func (m *Manager) copyFileToRemote(source, destination string, mode orbitssh.FileMode) error {
	m.logger.Info("copying file to remote", "source", source, "destination", destination)

	op := orbitssh.NewCopyToRemote(m.sftp, source, destination, mode)
	_, err := await(m, func(l *eventloop.Loop[struct{}], conns *eventloop.Connections) error {
		conns.Add(
			eventloop.QuitOn(l, &op.Stopped, struct{}{}),
			eventloop.FailOn(l, &op.Errored),
		)
		op.Start()
		return nil
	})
	if err != nil {
		op.Stop()
		return err
	}

	m.logger.Info("copied file to remote",
		"destination", destination,
		"size", humanize.IBytes(uint64(op.Copied())),
		"blake3", op.Digest())
	return nil
}

func (m *Manager) copyPackage(d SignedPackageDeployment) error {
	m.status("Copying OrbitService package to the remote instance...")
	if err := m.copyFileToRemote(d.PackagePath, protocol.RemotePackagePath, orbitssh.UserWritable); err != nil {
		return mapError(err, ErrCouldNotUploadPackage)
	}
	if err := m.copyFileToRemote(d.SignaturePath, protocol.RemoteSignaturePath, orbitssh.UserWritable); err != nil {
		return mapError(err, ErrCouldNotUploadSignature)
	}
	m.status("Finished copying the OrbitService package to the remote instance.")
	return nil
}

func (m *Manager) copyBareExecutable(d BareExecutableDeployment) error {
	files := []struct {
		name, source, destination string
	}{
		{"OrbitService executable", d.ExecutablePath, protocol.RemoteExecutablePath},
		{"liborbit.so", d.APILibraryPath, protocol.RemoteAPILibraryPath},
		{"liborbituserspaceinstrumentation.so", d.UserspaceInstrumentationLibraryPath, protocol.RemoteUserspaceInstrLibraryPath},
	}
	for _, f := range files {
		m.status(fmt.Sprintf("Copying %s to the remote instance...", f.name))
		if err := m.copyFileToRemote(f.source, f.destination, orbitssh.UserWritableAllExecutable); err != nil {
			return err
		}
		m.status(fmt.Sprintf("Finished copying %s to the remote instance.", f.name))
	}
	return nil
}

func (m *Manager) installPackage() error {
	m.status("Installing the OrbitService package on the remote instance...")

	task := orbitssh.NewTask(m.session, installCommand())
	code, err := await(m, func(l *eventloop.Loop[int], conns *eventloop.Connections) error {
		conns.Add(
			task.ReadyReadStderr.Connect(func() { m.logger.Info("install stderr", "output", task.ReadStderr()) }),
			task.Finished.Connect(l.Quit),
			eventloop.FailOn(l, &task.Errored),
		)
		return task.Start()
	})
	if err != nil {
		task.Stop()
		return mapError(err, ErrCouldNotInstallPackage)
	}
	if code != 0 {
		m.logger.Error("unable to install OrbitService package", "exit_code", code)
		return fmt.Errorf("%w: exit code %d", ErrCouldNotInstallPackage, code)
	}
	return nil
}

// startService starts the service task and waits for the readiness banner.
// The task is kept even on failure so the shutdown stops it.
func (m *Manager) startService() error {
	m.status("Starting OrbitService on the remote instance...")

	task := orbitssh.NewTask(m.session, serviceCommand(m.deployment, m.devMode))
	m.task = task
	if d, ok := m.deployment.(BareExecutableDeployment); ok {
		task.Write([]byte(d.RootPassword + "\n"))
	}
	m.conns.Add(task.ReadyReadStderr.Connect(func() { m.logServiceOutput(task.ReadStderr()) }))

	var (
		stdout []byte
		timer  *eventloop.Timer
	)
	_, err := await(m, func(l *eventloop.Loop[struct{}], conns *eventloop.Connections) error {
		timer = m.exec.AfterFunc(m.startupTimeout, func() { l.Error(m.startupTimeoutError()) })
		conns.Add(
			eventloop.FailOn(l, &task.Errored),
			task.Finished.Connect(func(code int) { l.Error(serviceExited(code, stdout)) }),
			task.ReadyReadStdout.Connect(func() {
				// The banner may arrive split across reads.
				stdout = append(stdout, task.ReadStdout()...)
				if bytes.Contains(stdout, []byte(protocol.ReadyKeyword)) {
					m.logger.Info("the service reported to be ready to accept connections")
					l.Quit(struct{}{})
					return
				}
				if over := len(stdout) - maxStdoutBuffer; over > 0 {
					stdout = append(stdout[:0], stdout[over:]...)
				}
			}),
		)
		return task.Start()
	})
	timer.Stop()
	if err != nil {
		return err
	}

	m.conns.Add(
		task.ReadyReadStdout.Connect(func() { m.logServiceOutput(task.ReadStdout()) }),
		task.Errored.Connect(m.handleSocketError),
		task.Finished.Connect(func(code int) {
			m.logger.Info("the OrbitService task finished", "exit_code", code)
		}),
	)
	return nil
}

func (m *Manager) startupTimeoutError() error {
	msg := fmt.Sprintf("The service took more than %d seconds to start up.", int(m.startupTimeout.Seconds()))
	if _, ok := m.deployment.(BareExecutableDeployment); ok {
		msg += " (An outdated version of OrbitService could have caused this.)"
	}
	return fmt.Errorf("%w: %s", ErrServiceStartupTimeout, msg)
}

func serviceExited(code int, stdout []byte) error {
	e := &ServiceExitedError{ExitCode: code}
	if code == protocol.ExitCodeIndicatingErrorMessage {
		e.Tail = truncateRunes(strings.TrimSpace(string(stdout)), maxErrorMessageLength)
	}
	return e
}

func truncateRunes(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit-3]) + "..."
}

func (m *Manager) startWatchdog() {
	task := m.task
	task.Write([]byte(protocol.WatchdogPassphrase))
	m.watchdog = m.exec.Every(protocol.WatchdogInterval, func() {
		task.Write([]byte(protocol.WatchdogHeartbeat))
	})
}

func (m *Manager) logServiceOutput(out string) {
	for line := range strings.SplitSeq(out, "\n") {
		if line != "" {
			m.service.Info(line)
		}
	}
}

package deploy

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/orbitprofiler/orbitdeploy/internal/orbitssh"
)

// pendingCopy is a download waiting for the one in flight to finish.
type pendingCopy struct {
	run   func()
	abort func(error)
}

// CopyFileToLocal downloads source from the remote instance to destination
// over the deployment's SFTP channel. Downloads run one at a time in the
// order they were requested. The returned channel receives exactly one
// result. Cancelling ctx deletes the partial local file and yields
// ErrUserCanceled.
func (m *Manager) CopyFileToLocal(ctx context.Context, source, destination string) <-chan error {
	result := make(chan error, 1)
	if m.closed.Load() {
		result <- ErrShutDown
		return result
	}
	m.exec.Post(func() { m.copyFileToLocal(ctx, source, destination, result) })
	return result
}

func (m *Manager) copyFileToLocal(ctx context.Context, source, destination string, result chan<- error) {
	if m.sftp == nil || m.sftp.State() != orbitssh.SftpChannelStarted {
		result <- fmt.Errorf("copying remote %q to %q: %w", source, destination, orbitssh.ErrNotConnected)
		return
	}
	if m.copyToLocal != nil {
		m.waiting = append(m.waiting, pendingCopy{
			run:   func() { m.copyFileToLocal(ctx, source, destination, result) },
			abort: func(err error) { result <- err },
		})
		return
	}

	m.logger.Info("copying remote file to local", "source", source, "destination", destination)
	op := orbitssh.NewCopyToLocal(ctx, m.sftp, source, destination)
	m.copyToLocal = op

	finished := false
	finish := func(err error) {
		if finished {
			return
		}
		finished = true
		m.copyToLocal = nil
		if len(m.waiting) > 0 {
			next := m.waiting[0]
			m.waiting = m.waiting[1:]
			m.exec.Post(next.run)
		}

		switch {
		case ctx.Err() != nil:
			result <- ErrUserCanceled
		case err != nil:
			result <- fmt.Errorf("copying remote %q to %q: %w", source, destination, err)
		case m.stopping:
			result <- ErrShutDown
		default:
			m.logger.Info("copied remote file to local", "destination", destination, "size", humanize.IBytes(uint64(op.Copied())))
			result <- nil
		}
	}
	op.Stopped.Connect(func() { finish(nil) })
	op.Errored.Connect(finish)
	op.Start()
}

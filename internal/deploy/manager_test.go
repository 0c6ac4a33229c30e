package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/orbitprofiler/orbitdeploy/internal/orbitssh"
	"github.com/orbitprofiler/orbitdeploy/internal/protocol"
	"github.com/orbitprofiler/orbitdeploy/internal/sshtest"
)

type fixture struct {
	t      *testing.T
	host   *sshtest.Host
	sshCtx *orbitssh.Context

	mu       sync.Mutex
	statuses []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sshCtx, err := orbitssh.NewContext(orbitssh.WithDialTimeout(2 * time.Second))
	require.NoError(t, err)
	return &fixture{t: t, host: sshtest.Start(t), sshCtx: sshCtx}
}

func (f *fixture) credentials() orbitssh.Credentials {
	return orbitssh.Credentials{
		AddrAndPort:    orbitssh.AddrAndPort{Addr: f.host.Addr, Port: f.host.Port},
		User:           "orbit",
		KnownHostsPath: f.host.KnownHostsPath,
		KeyPath:        f.host.KeyPath,
	}
}

func (f *fixture) manager(d Deployment, grpcPort uint16, opts ...Option) *Manager {
	f.t.Helper()
	opts = append([]Option{
		WithAppVersion("v1.2.3"),
		WithStatusFunc(func(msg string) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.statuses = append(f.statuses, msg)
		}),
	}, opts...)
	m := NewManager(d, f.sshCtx, f.credentials(), GrpcPort{GrpcPort: grpcPort}, opts...)
	f.t.Cleanup(m.Shutdown)
	return m
}

func (f *fixture) status() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.statuses...)
}

func (f *fixture) exec(m *Manager) (GrpcPort, error) {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return m.Exec(ctx)
}

// lockedBuffer collects a service's stdin.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// fakeService prints the readiness banner and then consumes stdin until the
// client closes it.
func fakeService(stdin *lockedBuffer, stopped chan<- struct{}) sshtest.CommandFunc {
	return func(e *sshtest.Exec) int {
		fmt.Fprintln(e.Stdout, "OrbitService starting")
		fmt.Fprintln(e.Stderr, "loading configuration")
		fmt.Fprintln(e.Stdout, "READY")
		io.Copy(stdin, e.Stdin)
		if stopped != nil {
			close(stopped)
		}
		return 0
	}
}

func exitWith(code int) sshtest.CommandFunc {
	return func(*sshtest.Exec) int { return code }
}

func startEchoServer(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	ln.Close()
	return port
}

func writeFile(t *testing.T, path string, data []byte) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestExec_NoDeploymentForwardsToRemotePort(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, startEchoServer(t))

	port, err := f.exec(m)
	require.NoError(t, err)
	require.NotZero(t, port.GrpcPort)

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", fmt.Sprint(port.GrpcPort)))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("ping"))
	require.NoError(t, err)
	got := make([]byte, 4)
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(got))

	assert.Contains(t, f.status(), "Skipping deployment step. Expecting that OrbitService is already running...")
	assert.Contains(t, f.status(), "Successfully set up port forwarding!")
	assert.Empty(t, f.host.Executed())
}

func TestExec_TunnelReachesGRPCServer(t *testing.T) {
	f := newFixture(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	server := grpc.NewServer()
	go server.Serve(ln)
	t.Cleanup(server.Stop)

	m := f.manager(nil, uint16(ln.Addr().(*net.TCPAddr).Port))
	port, err := f.exec(m)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, ProbeGRPC(ctx, port.GrpcPort))
}

func TestExec_SignedPackageInstallsAndStartsService(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	pkg := writeFile(t, filepath.Join(dir, "orbitprofiler.deb"), bytes.Repeat([]byte("deb"), 100_000))
	sig := writeFile(t, filepath.Join(dir, "orbitprofiler.deb.asc"), []byte("signature"))

	var stdin lockedBuffer
	stopped := make(chan struct{})
	f.host.Handle("/usr/bin/dpkg-query", exitWith(1))
	f.host.Handle("sudo "+protocol.InstallScriptPath, exitWith(0))
	f.host.Handle(protocol.InstalledServicePath, fakeService(&stdin, stopped))

	m := f.manager(SignedPackageDeployment{PackagePath: pkg, SignaturePath: sig}, startEchoServer(t))
	_, err := f.exec(m)
	require.NoError(t, err)

	uploaded, err := os.ReadFile(f.host.Path(protocol.RemotePackagePath))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("deb"), 100_000), uploaded)
	info, err := os.Stat(f.host.Path(protocol.RemoteSignaturePath))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	executed := f.host.Executed()
	require.Len(t, executed, 3)
	assert.Contains(t, executed[0], "grep -xF '1.2.3'")
	assert.Equal(t, "sudo "+protocol.InstallScriptPath+" "+protocol.RemotePackagePath, executed[1])
	assert.Equal(t, protocol.InstalledServicePath, executed[2])

	// The watchdog keeps the service alive until the shutdown stops it.
	require.Eventually(t, func() bool {
		return strings.HasPrefix(stdin.String(), protocol.WatchdogPassphrase+protocol.WatchdogHeartbeat)
	}, 5*time.Second, 50*time.Millisecond)

	m.Shutdown()
	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("service was not stopped by the shutdown")
	}
	assert.Contains(t, f.status(), "The correct version of OrbitService is not yet installed.")
}

func TestExec_SignedPackageAlreadyInstalled(t *testing.T) {
	f := newFixture(t)
	var stdin lockedBuffer
	f.host.Handle("/usr/bin/dpkg-query", exitWith(0))
	f.host.Handle(protocol.InstalledServicePath, fakeService(&stdin, nil))

	m := f.manager(SignedPackageDeployment{PackagePath: "/does/not/exist.deb"}, startEchoServer(t),
		WithDevMode(true))
	_, err := f.exec(m)
	require.NoError(t, err)

	executed := f.host.Executed()
	require.Len(t, executed, 2)
	assert.Equal(t, protocol.InstalledServicePath+" --devmode", executed[1])
	assert.NoFileExists(t, f.host.Path(protocol.RemotePackagePath))
	assert.Contains(t, f.status(), "The correct version of OrbitService is already installed.")
}

func TestExec_BareExecutableUploadsAndStartsWithSudo(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.SetRootPassword("hunter2"))
	dir := t.TempDir()
	exe := writeFile(t, filepath.Join(dir, "bin", "OrbitService"), []byte("#!/bin/true"))
	writeFile(t, filepath.Join(dir, "lib", "liborbit.so"), []byte("api"))
	writeFile(t, filepath.Join(dir, "lib", "liborbituserspaceinstrumentation.so"), []byte("instr"))

	var stdin lockedBuffer
	f.host.Handle(protocol.RemoteExecutablePath, fakeService(&stdin, nil))

	m := f.manager(NewBareExecutableDeployment(exe, "hunter2"), startEchoServer(t))
	_, err := f.exec(m)
	require.NoError(t, err)

	for remote, want := range map[string]string{
		protocol.RemoteExecutablePath:            "#!/bin/true",
		protocol.RemoteAPILibraryPath:            "api",
		protocol.RemoteUserspaceInstrLibraryPath: "instr",
	} {
		got, err := os.ReadFile(f.host.Path(remote))
		require.NoError(t, err, remote)
		assert.Equal(t, want, string(got))
		info, err := os.Stat(f.host.Path(remote))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0o755), info.Mode().Perm(), remote)
	}
	assert.Equal(t, []string{"sudo --stdin " + protocol.RemoteExecutablePath}, f.host.Executed())
	assert.Contains(t, f.status(), "Finished copying liborbituserspaceinstrumentation.so to the remote instance.")
}

func TestExec_BareExecutableWrongPassword(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.host.SetRootPassword("hunter2"))
	dir := t.TempDir()
	exe := writeFile(t, filepath.Join(dir, "bin", "OrbitService"), []byte("x"))
	writeFile(t, filepath.Join(dir, "lib", "liborbit.so"), []byte("x"))
	writeFile(t, filepath.Join(dir, "lib", "liborbituserspaceinstrumentation.so"), []byte("x"))

	m := f.manager(NewBareExecutableDeployment(exe, "wrong"), startEchoServer(t))
	_, err := f.exec(m)

	var exited *ServiceExitedError
	require.ErrorAs(t, err, &exited)
	assert.Equal(t, 1, exited.ExitCode)
	assert.ErrorIs(t, err, ErrServiceExitedPrematurely)
}

func TestExec_ServiceStartupTimeoutStopsService(t *testing.T) {
	f := newFixture(t)
	stopped := make(chan struct{})
	f.host.Handle("/usr/bin/dpkg-query", exitWith(0))
	f.host.Handle(protocol.InstalledServicePath, func(e *sshtest.Exec) int {
		fmt.Fprintln(e.Stdout, "still warming up")
		io.Copy(io.Discard, e.Stdin)
		close(stopped)
		return 0
	})

	m := f.manager(SignedPackageDeployment{}, startEchoServer(t))
	m.startupTimeout = 300 * time.Millisecond
	_, err := f.exec(m)
	require.ErrorIs(t, err, ErrServiceStartupTimeout)

	select {
	case <-stopped:
	case <-time.After(10 * time.Second):
		t.Fatal("service task was not stopped after the timeout")
	}
}

func TestExec_ServiceExitsWithErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		output  string
		message string
	}{
		{"error message", protocol.ExitCodeIndicatingErrorMessage, "  port already in use\n", "port already in use"},
		{"long error message", protocol.ExitCodeIndicatingErrorMessage, strings.Repeat("é", 1500), strings.Repeat("é", 997) + "..."},
		{"other exit code", 3, "ignored", "The service exited prematurely with exit code 3."},
		{"error code with blank output", protocol.ExitCodeIndicatingErrorMessage, " \n\t\n", "The service exited prematurely with exit code 42."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.host.Handle("/usr/bin/dpkg-query", exitWith(0))
			f.host.Handle(protocol.InstalledServicePath, func(e *sshtest.Exec) int {
				io.WriteString(e.Stdout, tt.output)
				return tt.code
			})

			m := f.manager(SignedPackageDeployment{}, startEchoServer(t))
			_, err := f.exec(m)

			var exited *ServiceExitedError
			require.ErrorAs(t, err, &exited)
			assert.Equal(t, tt.code, exited.ExitCode)
			assert.Equal(t, tt.message, err.Error())
		})
	}
}

func TestExec_CancelDuringUpload(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	pkg := writeFile(t, filepath.Join(dir, "orbitprofiler.deb"), bytes.Repeat([]byte{0xab}, 64<<20))
	sig := writeFile(t, filepath.Join(dir, "orbitprofiler.deb.asc"), []byte("signature"))
	f.host.Handle("/usr/bin/dpkg-query", exitWith(1))
	f.host.Handle("sudo", exitWith(0))

	m := f.manager(SignedPackageDeployment{PackagePath: pkg, SignaturePath: sig}, startEchoServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		remote := f.host.Path(protocol.RemotePackagePath)
		for ctx.Err() == nil {
			if info, err := os.Stat(remote); err == nil && info.Size() > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	_, err := m.Exec(ctx)
	require.ErrorIs(t, err, ErrUserCanceled)
	assert.NoFileExists(t, f.host.Path(protocol.RemoteSignaturePath))
	assert.Len(t, f.host.Executed(), 1, "nothing runs after the check")
}

func TestExec_CanceledBeforeStart(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, startEchoServer(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Exec(ctx)
	assert.ErrorIs(t, err, ErrUserCanceled)
}

func TestExec_ConnectFailure(t *testing.T) {
	f := newFixture(t)
	empty, err := f.host.WriteEmptyKnownHosts("empty")
	require.NoError(t, err)

	creds := f.credentials()
	creds.KnownHostsPath = empty
	m := NewManager(NoDeployment{}, f.sshCtx, creds, GrpcPort{GrpcPort: 1})
	t.Cleanup(m.Shutdown)

	_, err = m.Exec(context.Background())
	assert.ErrorIs(t, err, orbitssh.ErrCouldNotConnect)
	assert.ErrorIs(t, err, orbitssh.ErrUnknownHost)
}

func TestExec_TunnelRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, freePort(t))

	start := time.Now()
	_, err := f.exec(m)
	require.ErrorIs(t, err, ErrCouldNotStartTunnel)
	assert.GreaterOrEqual(t, time.Since(start), tunnelRetries*tunnelRetryInterval)

	attempts := 0
	for _, s := range f.status() {
		if s == "Setting up port forwarding..." {
			attempts++
		}
	}
	assert.Equal(t, 1+tunnelRetries, attempts)
}

func TestCopyFileToLocal(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, startEchoServer(t))
	_, err := f.exec(m)
	require.NoError(t, err)

	first := bytes.Repeat([]byte("capture"), 500_000)
	writeFile(t, f.host.Path("/tmp/first.orbit"), first)
	writeFile(t, f.host.Path("/tmp/second.orbit"), []byte("second"))

	dir := t.TempDir()
	ctx := context.Background()
	r1 := m.CopyFileToLocal(ctx, "/tmp/first.orbit", filepath.Join(dir, "first.orbit"))
	r2 := m.CopyFileToLocal(ctx, "/tmp/second.orbit", filepath.Join(dir, "second.orbit"))
	r3 := m.CopyFileToLocal(ctx, "/tmp/missing.orbit", filepath.Join(dir, "missing.orbit"))

	require.NoError(t, <-r1)
	require.NoError(t, <-r2)
	assert.ErrorIs(t, <-r3, orbitssh.ErrCouldNotOpenFile)

	got, err := os.ReadFile(filepath.Join(dir, "first.orbit"))
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = os.ReadFile(filepath.Join(dir, "second.orbit"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	err = <-m.CopyFileToLocal(canceled, "/tmp/first.orbit", filepath.Join(dir, "partial.orbit"))
	assert.ErrorIs(t, err, ErrUserCanceled)
	assert.NoFileExists(t, filepath.Join(dir, "partial.orbit"))

	m.Shutdown()
	assert.ErrorIs(t, <-m.CopyFileToLocal(ctx, "/tmp/second.orbit", filepath.Join(dir, "late")), ErrShutDown)
}

func TestCopyFileToLocal_BeforeDeployment(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, 1)

	err := <-m.CopyFileToLocal(context.Background(), "/tmp/a", filepath.Join(t.TempDir(), "a"))
	assert.ErrorIs(t, err, orbitssh.ErrNotConnected)
}

func TestSocketErrorAfterDeployment(t *testing.T) {
	f := newFixture(t)
	m := f.manager(NoDeployment{}, startEchoServer(t))
	_, err := f.exec(m)
	require.NoError(t, err)

	errs := make(chan error, 4)
	m.SocketError.Connect(func(err error) { errs <- err })

	f.host.Close()
	select {
	case err := <-errs:
		assert.True(t, errors.Is(err, orbitssh.ErrRemoteSocketClosed) || errors.Is(err, orbitssh.ErrUncleanSessionShutdown), err.Error())
	case <-time.After(10 * time.Second):
		t.Fatal("no socket error after the host went away")
	}
}

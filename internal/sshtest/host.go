// Package sshtest runs an in-process SSH server for tests: scripted exec
// commands, an SFTP subsystem rooted in a temporary directory, and
// direct-tcpip forwarding to the local machine.
package sshtest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/gliderlabs/ssh"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
)

// Exec is one command invocation on the host.
type Exec struct {
	Command string
	Stdin   io.Reader
	Stdout  io.Writer
	Stderr  io.Writer
	// Context is done once the client connection goes away.
	Context context.Context
}

// CommandFunc handles an exec request and returns the exit status.
type CommandFunc func(e *Exec) int

// ExitCommandNotFound is returned for commands without a handler.
const ExitCommandNotFound = 127

// Host is a running test server.
type Host struct {
	Addr string
	Port uint16

	// Root is the directory remote paths resolve under.
	Root string
	// KnownHostsPath holds the host's key for Addr.
	KnownHostsPath string
	// KeyPath is the private key the host accepts.
	KeyPath string

	hostKey   gossh.Signer
	clientKey gossh.PublicKey
	dir       string

	fs     *rootedFS
	server *ssh.Server
	group  errgroup.Group

	mu       sync.Mutex
	handlers map[string]CommandFunc
	rootHash []byte
	executed []string
}

// Start launches a host on a random loopback port. It is shut down when the
// test finishes.
func Start(t testing.TB) *Host {
	t.Helper()
	dir := t.TempDir()

	h := &Host{
		Root:           filepath.Join(dir, "root"),
		KnownHostsPath: filepath.Join(dir, "known_hosts"),
		KeyPath:        filepath.Join(dir, "id_ed25519"),
		dir:            dir,
		handlers:       make(map[string]CommandFunc),
	}
	if err := os.MkdirAll(h.Root, 0o755); err != nil {
		t.Fatalf("creating sftp root: %v", err)
	}

	var err error
	h.hostKey, err = loadOrGenerateKey(filepath.Join(dir, "host_key"), "sshtest host key")
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	clientSigner, err := loadOrGenerateKey(h.KeyPath, "sshtest client key")
	if err != nil {
		t.Fatalf("client key: %v", err)
	}
	h.clientKey = clientSigner.PublicKey()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	h.Addr = "127.0.0.1"
	h.Port = uint16(ln.Addr().(*net.TCPAddr).Port)

	if err := writeKnownHosts(h.KnownHostsPath, ln.Addr().String(), h.hostKey.PublicKey()); err != nil {
		t.Fatalf("known hosts: %v", err)
	}

	fs := &rootedFS{root: h.Root, failClose: make(map[string]error)}
	h.fs = fs
	h.server = &ssh.Server{
		Handler: h.handleExec,
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ssh.KeysEqual(key, h.clientKey)
		},
		ChannelHandlers: map[string]ssh.ChannelHandler{
			"session":      ssh.DefaultSessionHandler,
			"direct-tcpip": ssh.DirectTCPIPHandler,
		},
		LocalPortForwardingCallback: func(ctx ssh.Context, host string, port uint32) bool {
			return true
		},
		SubsystemHandlers: map[string]ssh.SubsystemHandler{
			"sftp": func(sess ssh.Session) {
				srv := sftp.NewRequestServer(sess, fs.handlers())
				if err := srv.Serve(); err != nil && !errors.Is(err, io.EOF) {
					slog.Debug("sftp subsystem ended", "error", err)
				}
				srv.Close()
			},
		},
	}
	h.server.AddHostKey(h.hostKey)

	h.group.Go(func() error {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			return err
		}
		return nil
	})
	t.Cleanup(h.Close)
	return h
}

// Close stops the server and waits for the serve loop.
func (h *Host) Close() {
	h.server.Close()
	if err := h.group.Wait(); err != nil {
		slog.Debug("sshtest serve loop", "error", err)
	}
}

// Handle registers fn for commands starting with prefix. The longest
// matching prefix wins.
func (h *Host) Handle(prefix string, fn CommandFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[prefix] = fn
}

// SetRootPassword enables `sudo --stdin`, which reads the password from the
// first line of stdin.
func (h *Host) SetRootPassword(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.rootHash = hash
	h.mu.Unlock()
	return nil
}

// Executed returns every command received so far, in order.
func (h *Host) Executed() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.executed...)
}

// FailClose makes closing a handle written to remote return err. The data
// written so far is kept.
func (h *Host) FailClose(remote string, err error) {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	h.fs.failClose[path.Clean("/"+remote)] = err
}

// Path maps a remote absolute path to the local file backing it.
func (h *Host) Path(remote string) string {
	return h.fs.local(remote)
}

// WriteUnrelatedKey writes a fresh private key the host does not accept.
func (h *Host) WriteUnrelatedKey(name string) (string, error) {
	path := filepath.Join(h.dir, name)
	if _, err := loadOrGenerateKey(path, "sshtest unrelated key"); err != nil {
		return "", err
	}
	return path, nil
}

// WriteMismatchedKnownHosts writes a known hosts file that lists another key
// for the host's address.
func (h *Host) WriteMismatchedKnownHosts(name string) (string, error) {
	other, err := loadOrGenerateKey(filepath.Join(h.dir, name+".key"), "sshtest impostor key")
	if err != nil {
		return "", err
	}
	path := filepath.Join(h.dir, name)
	addr := net.JoinHostPort(h.Addr, fmt.Sprint(h.Port))
	if err := writeKnownHosts(path, addr, other.PublicKey()); err != nil {
		return "", err
	}
	return path, nil
}

// WriteEmptyKnownHosts writes a known hosts file without any entries.
func (h *Host) WriteEmptyKnownHosts(name string) (string, error) {
	path := filepath.Join(h.dir, name)
	return path, os.WriteFile(path, nil, 0o600)
}

func (h *Host) handleExec(sess ssh.Session) {
	command := sess.RawCommand()
	h.mu.Lock()
	h.executed = append(h.executed, command)
	h.mu.Unlock()

	e := &Exec{
		Command: command,
		Stdin:   sess,
		Stdout:  sess,
		Stderr:  sess.Stderr(),
		Context: sess.Context(),
	}

	if rest, ok := strings.CutPrefix(command, "sudo --stdin "); ok {
		stdin := bufio.NewReader(sess)
		if !h.checkRootPassword(stdin) {
			fmt.Fprintln(e.Stderr, "Sorry, try again.")
			sess.Exit(1)
			return
		}
		e.Command = rest
		e.Stdin = stdin
	}

	fn := h.lookup(e.Command)
	if fn == nil {
		fmt.Fprintf(e.Stderr, "%s: command not found\n", e.Command)
		sess.Exit(ExitCommandNotFound)
		return
	}
	sess.Exit(fn(e))
}

func (h *Host) checkRootPassword(r *bufio.Reader) bool {
	line, err := r.ReadString('\n')
	if err != nil {
		return false
	}
	h.mu.Lock()
	hash := h.rootHash
	h.mu.Unlock()
	if hash == nil {
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(strings.TrimSuffix(line, "\n"))) == nil
}

func (h *Host) lookup(command string) CommandFunc {
	h.mu.Lock()
	defer h.mu.Unlock()

	prefixes := make([]string, 0, len(h.handlers))
	for p := range h.handlers {
		prefixes = append(prefixes, p)
	}
	sort.Slice(prefixes, func(i, j int) bool { return len(prefixes[i]) > len(prefixes[j]) })
	for _, p := range prefixes {
		if strings.HasPrefix(command, p) {
			return h.handlers[p]
		}
	}
	return nil
}

// Package orbitssh is the client side of the SSH transport: sessions, task,
// tunnel and SFTP channels, and SFTP copy operations. Every object is bound to
// one eventloop.Executor and advances only on its worker goroutine, in
// response to readiness of the session's socket.
package orbitssh

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"time"

	gossh "golang.org/x/crypto/ssh"
)

// Context is the process-wide cryptographic setup. Create it once and pass it
// to every session.
type Context struct {
	rand          io.Reader
	config        gossh.Config
	dialTimeout   time.Duration
	clientVersion string
	logger        *slog.Logger
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithDialTimeout bounds the TCP connect of each session.
func WithDialTimeout(d time.Duration) ContextOption {
	return func(c *Context) { c.dialTimeout = d }
}

// WithLogger sets the logger inherited by sessions created with this context.
func WithLogger(l *slog.Logger) ContextOption {
	return func(c *Context) { c.logger = l }
}

// WithClientVersion sets the SSH identification string sent to servers.
func WithClientVersion(v string) ContextOption {
	return func(c *Context) { c.clientVersion = v }
}

// NewContext checks that the system random source works and returns the
// shared context.
func NewContext(opts ...ContextOption) (*Context, error) {
	c := &Context{
		rand:        rand.Reader,
		dialTimeout: 10 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var probe [1]byte
	if _, err := io.ReadFull(c.rand, probe[:]); err != nil {
		return nil, fmt.Errorf("initializing random source: %w", err)
	}

	c.config.Rand = c.rand
	c.config.SetDefaults()
	return c, nil
}

func (c *Context) clientConfig(user string, auth []gossh.AuthMethod, hostKey gossh.HostKeyCallback) *gossh.ClientConfig {
	return &gossh.ClientConfig{
		Config:          c.config,
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKey,
		ClientVersion:   c.clientVersion,
		Timeout:         c.dialTimeout,
	}
}

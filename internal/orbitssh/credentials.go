package orbitssh

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	gossh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AddrAndPort is a remote host address.
type AddrAndPort struct {
	Addr string
	Port uint16
}

func (a AddrAndPort) String() string {
	return net.JoinHostPort(a.Addr, strconv.Itoa(int(a.Port)))
}

// Credentials identify the remote host and the key used to log in.
type Credentials struct {
	AddrAndPort
	User           string
	KnownHostsPath string
	KeyPath        string
}

// load reads the known hosts database and the private key.
func (c Credentials) load() (gossh.HostKeyCallback, gossh.Signer, error) {
	if c.Addr == "" || c.User == "" {
		return nil, nil, fmt.Errorf("%w: host and user are required", ErrInvalidCredentials)
	}

	if _, err := os.Stat(c.KnownHostsPath); err != nil {
		return nil, nil, fmt.Errorf("%w: known hosts file: %w", ErrInvalidCredentials, err)
	}
	callback, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing known hosts file %s: %w", ErrInvalidCredentials, c.KnownHostsPath, err)
	}

	keyData, err := os.ReadFile(c.KeyPath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: private key: %w", ErrInvalidCredentials, err)
	}
	signer, err := gossh.ParsePrivateKey(keyData)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing private key %s: %w", ErrInvalidCredentials, c.KeyPath, err)
	}

	return callback, signer, nil
}

// exactMatchPolicy turns the known hosts lookup into a fail-closed policy:
// a different key is a mismatch, a missing entry is an unknown host. There
// is no interactive trust prompt.
func exactMatchPolicy(lookup gossh.HostKeyCallback, observed func(error)) gossh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key gossh.PublicKey) error {
		err := lookup(hostname, remote, key)
		if err == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) > 0 {
				err = fmt.Errorf("%w: %s presented %s", ErrHostKeyMismatch, hostname, gossh.FingerprintSHA256(key))
			} else {
				err = fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
			}
		}
		observed(err)
		return err
	}
}

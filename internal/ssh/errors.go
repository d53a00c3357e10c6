package ssh

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrUnknownDevice is returned by Runner.Run for names missing from the
// inventory.
var ErrUnknownDevice = errors.New("not found in inventory")

// ExitError is returned when the device CLI exits with a non-zero status.
type ExitError struct {
	Code   int
	Output string
}

func (e *ExitError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("command exited with status %d", e.Code)
	}
	return fmt.Sprintf("command exited with status %d: %s", e.Code, e.Output)
}

// ConnectError is a connection failure decorated with an operator hint.
type ConnectError struct {
	Host string
	Err  error
	Hint string
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%v (hint: %s)", e.Err, e.Hint)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// WrapConnectError attaches a hint to err when it looks like a common
// connection problem. Other errors are returned unchanged.
func WrapConnectError(host string, err error) error {
	if err == nil {
		return nil
	}
	if hint := connectHint(host, err); hint != "" {
		return &ConnectError{Host: host, Err: err, Hint: hint}
	}
	return err
}

func connectHint(host string, err error) string {
	msg := err.Error()

	var keyErr *knownhosts.KeyError
	var dnsErr *net.DNSError
	var authErr *ssh.ServerAuthError

	switch {
	case strings.Contains(msg, "permission denied") && strings.Contains(msg, "key"):
		return "check private key permissions (chmod 600)"
	case errors.As(err, &authErr),
		strings.Contains(msg, "unable to authenticate"),
		strings.Contains(msg, "no supported methods remain"):
		return "verify the device username, password or key in the inventory"
	case strings.Contains(msg, "connection refused"):
		return "verify SSH is enabled on the device and the port is right"
	case errors.As(err, &dnsErr), strings.Contains(msg, "no such host"):
		return "verify the device ip in the inventory"
	case errors.As(err, &keyErr) && len(keyErr.Want) > 0:
		return fmt.Sprintf("host key changed; remove the old key with: ssh-keygen -R %s", host)
	case errors.As(err, &keyErr),
		strings.Contains(msg, "no known_hosts"):
		return fmt.Sprintf("use --insecure or connect once with: ssh %s", host)
	case strings.Contains(msg, "handshake failed"):
		return fmt.Sprintf("the device rejected the SSH handshake; try: ssh -v %s", host)
	}
	return ""
}

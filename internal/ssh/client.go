// Package ssh is the device I/O layer: it opens an SSH session to a network
// device, runs one CLI command and returns what the device printed.
package ssh

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/agent462/devbatch/internal/pathutil"
)

// PasswordCallback supplies a password for host when the configured
// credentials are not enough.
type PasswordCallback func(host string) (string, error)

// ClientConfig holds options for dialing one device.
type ClientConfig struct {
	// User is the login name. Empty falls back to the current OS user.
	User string

	// Port defaults to 22.
	Port int

	// Password enables password and keyboard-interactive auth.
	Password string

	// IdentityFiles lists private keys to offer. When empty and no
	// Password is set, the SSH agent and the default key locations are
	// tried instead.
	IdentityFiles []string

	// PasswordCallback is tried after every other method.
	PasswordCallback PasswordCallback

	// AcceptUnknownHosts skips host key verification.
	AcceptUnknownHosts bool

	// KnownHostsFile overrides ~/.ssh/known_hosts.
	KnownHostsFile string

	// HostKeyCallback, when set, wins over KnownHostsFile and
	// AcceptUnknownHosts.
	HostKeyCallback ssh.HostKeyCallback

	// ProxyJump is a comma-separated chain of jump hosts
	// ("bastion", "user@jump1:2222,jump2"). "none" disables it.
	ProxyJump string
}

// Client is an SSH connection to a single device.
type Client struct {
	host  string
	conn  *ssh.Client
	jumps []*Client
}

// Dial connects to host, through the ProxyJump chain when one is set.
func Dial(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	if conf.ProxyJump != "" && conf.ProxyJump != "none" {
		return dialViaJumps(ctx, host, conf)
	}
	return dial(ctx, nil, host, conf)
}

// dial opens a connection to host, either directly or tunnelled through via.
func dial(ctx context.Context, via *Client, host string, conf ClientConfig) (*Client, error) {
	addr, sshConf, err := clientConfig(host, conf)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	if via == nil {
		var d net.Dialer
		conn, err = d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", addr, err)
		}
	} else {
		conn, err = via.conn.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("tunnel through %s to %s: %w", via.host, addr, err)
		}
	}

	c, chans, reqs, err := handshake(ctx, conn, addr, sshConf)
	if err != nil {
		conn.Close()
		if via != nil {
			return nil, fmt.Errorf("ssh handshake with %s (via %s): %w", addr, via.host, err)
		}
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	return &Client{host: host, conn: ssh.NewClient(c, chans, reqs)}, nil
}

func dialViaJumps(ctx context.Context, host string, conf ClientConfig) (*Client, error) {
	var jumps []*Client
	closeJumps := func() {
		for i := len(jumps) - 1; i >= 0; i-- {
			jumps[i].Close()
		}
	}

	var prev *Client
	for _, spec := range strings.Split(conf.ProxyJump, ",") {
		user, jumpHost, port := parseJumpHost(spec)
		jc := conf
		jc.User, jc.Port, jc.ProxyJump = user, port, ""
		if jc.User == "" {
			jc.User = conf.User
		}
		next, err := dial(ctx, prev, jumpHost, jc)
		if err != nil {
			closeJumps()
			return nil, fmt.Errorf("dial jump host %q: %w", strings.TrimSpace(spec), err)
		}
		jumps = append(jumps, next)
		prev = next
	}

	final := conf
	final.ProxyJump = ""
	c, err := dial(ctx, prev, host, final)
	if err != nil {
		closeJumps()
		return nil, fmt.Errorf("dial %s via jump hosts: %w", host, err)
	}
	c.jumps = jumps
	return c, nil
}

// parseJumpHost splits "user@host:port" into its parts; user and port are
// optional.
func parseJumpHost(spec string) (user, host string, port int) {
	spec = strings.TrimSpace(spec)
	if i := strings.Index(spec, "@"); i >= 0 {
		user, spec = spec[:i], spec[i+1:]
	}
	if h, p, err := net.SplitHostPort(spec); err == nil {
		port, _ = strconv.Atoi(p)
		return user, h, port
	}
	return user, spec, 0
}

// RunCommand runs command in a new session and returns its stdout, stderr
// and exit status. A non-zero exit is not an error. When ctx ends first the
// session is killed and ctx.Err() is returned.
func (c *Client) RunCommand(ctx context.Context, command string) (stdout, stderr []byte, exitCode int, err error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return nil, nil, -1, fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	var outBuf, errBuf safeBuffer
	session.Stdout = &outBuf
	session.Stderr = &errBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		return nil, nil, -1, ctx.Err()
	case err := <-done:
		if exitErr, ok := err.(*ssh.ExitError); ok {
			return outBuf.Bytes(), errBuf.Bytes(), exitErr.ExitStatus(), nil
		}
		if err != nil {
			return outBuf.Bytes(), errBuf.Bytes(), -1, err
		}
		return outBuf.Bytes(), errBuf.Bytes(), 0, nil
	}
}

// Close closes the device connection, then the jump hosts innermost first.
func (c *Client) Close() error {
	var firstErr error
	if c.conn != nil {
		firstErr = c.conn.Close()
	}
	for i := len(c.jumps) - 1; i >= 0; i-- {
		if err := c.jumps[i].Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Host returns the address this client dialed.
func (c *Client) Host() string {
	return c.host
}

func clientConfig(host string, conf ClientConfig) (string, *ssh.ClientConfig, error) {
	user := conf.User
	if user == "" {
		user = os.Getenv("USER")
	}
	if user == "" {
		user = "root"
	}
	port := conf.Port
	if port == 0 {
		port = 22
	}

	hostKeyCallback, err := resolveHostKeyCallback(conf)
	if err != nil {
		return "", nil, fmt.Errorf("host key callback: %w", err)
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), &ssh.ClientConfig{
		User:            user,
		Auth:            buildAuthMethods(host, conf),
		HostKeyCallback: hostKeyCallback,
	}, nil
}

// buildAuthMethods orders the auth chain: keys, password, prompt.
func buildAuthMethods(host string, conf ClientConfig) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	keyFiles := conf.IdentityFiles
	if len(keyFiles) == 0 && conf.Password == "" {
		if a := agentAuthMethod(); a != nil {
			methods = append(methods, a)
		}
		keyFiles = defaultKeyFiles()
	}
	var signers []ssh.Signer
	for _, f := range keyFiles {
		if s := loadKeySigner(f); s != nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}

	if conf.Password != "" {
		pw := conf.Password
		methods = append(methods,
			ssh.Password(pw),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = pw
				}
				return answers, nil
			}),
		)
	}

	if conf.PasswordCallback != nil {
		methods = append(methods, ssh.PasswordCallback(func() (string, error) {
			return conf.PasswordCallback(host)
		}))
	}
	return methods
}

// sharedAgent is a process-wide agent connection, redialled when it goes
// stale.
var sharedAgent struct {
	mu     sync.Mutex
	conn   net.Conn
	client agent.ExtendedAgent
}

// CloseAgent closes the shared SSH agent connection, if any.
func CloseAgent() {
	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()
	if sharedAgent.conn != nil {
		sharedAgent.conn.Close()
		sharedAgent.conn = nil
		sharedAgent.client = nil
	}
}

func agentAuthMethod() ssh.AuthMethod {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil
	}

	sharedAgent.mu.Lock()
	defer sharedAgent.mu.Unlock()

	if sharedAgent.client != nil {
		if keys, err := sharedAgent.client.List(); err == nil {
			if len(keys) == 0 {
				return nil
			}
			return ssh.PublicKeysCallback(sharedAgent.client.Signers)
		}
		sharedAgent.conn.Close()
		sharedAgent.conn = nil
		sharedAgent.client = nil
	}

	conn, err := net.Dial("unix", sock)
	if err != nil {
		return nil
	}
	sharedAgent.conn = conn
	sharedAgent.client = agent.NewClient(conn)

	keys, err := sharedAgent.client.List()
	if err != nil || len(keys) == 0 {
		return nil
	}
	return ssh.PublicKeysCallback(sharedAgent.client.Signers)
}

func defaultKeyFiles() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	var files []string
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		f := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

func loadKeySigner(path string) ssh.Signer {
	data, err := os.ReadFile(pathutil.ExpandHome(path))
	if err != nil {
		return nil
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil
	}
	return signer
}

func resolveHostKeyCallback(conf ClientConfig) (ssh.HostKeyCallback, error) {
	if conf.HostKeyCallback != nil {
		return conf.HostKeyCallback, nil
	}
	if conf.AcceptUnknownHosts {
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := pathutil.ExpandHome(conf.KnownHostsFile)
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("no known_hosts file found at %s; use --insecure to skip host key verification", path)
	}

	callback, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return callback, nil
}

// handshake runs the SSH handshake, giving up when ctx ends.
func handshake(ctx context.Context, conn net.Conn, addr string, conf *ssh.ClientConfig) (ssh.Conn, <-chan ssh.NewChannel, <-chan *ssh.Request, error) {
	type result struct {
		conn  ssh.Conn
		chans <-chan ssh.NewChannel
		reqs  <-chan *ssh.Request
		err   error
	}

	done := make(chan result, 1)
	go func() {
		c, chans, reqs, err := ssh.NewClientConn(conn, addr, conf)
		done <- result{c, chans, reqs, err}
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		return nil, nil, nil, ctx.Err()
	case r := <-done:
		return r.conn, r.chans, r.reqs, r.err
	}
}

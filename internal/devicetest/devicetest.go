// Package devicetest runs an in-process SSH server that behaves like a
// network device CLI: it answers exec requests, optionally after a delay,
// or never answers at all.
package devicetest

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

// Reply is what the device prints for a command.
type Reply struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Handler answers a command.
type Handler func(cmd string) Reply

type config struct {
	pubKey     ssh.PublicKey
	password   string
	forwardTCP bool
	handler    Handler
	latency    time.Duration
	hang       bool
}

// Option configures a Device.
type Option func(*config)

// WithPublicKey accepts the given client key.
func WithPublicKey(pub ssh.PublicKey) Option {
	return func(c *config) { c.pubKey = pub }
}

// WithPassword accepts the given password, both through the password and
// keyboard-interactive methods.
func WithPassword(pw string) Option {
	return func(c *config) { c.password = pw }
}

// WithHandler sets the command handler. Without one the device echoes the
// command back.
func WithHandler(h Handler) Option {
	return func(c *config) { c.handler = h }
}

// WithOutput answers every command with the same stdout.
func WithOutput(out string) Option {
	return WithHandler(func(string) Reply { return Reply{Stdout: out} })
}

// WithLatency delays every reply.
func WithLatency(d time.Duration) Option {
	return func(c *config) { c.latency = d }
}

// WithHang makes the device accept commands and never reply. The session
// ends only when the client closes it or the device stops.
func WithHang() Option {
	return func(c *config) { c.hang = true }
}

// WithForwardTCP lets the device act as a jump host.
func WithForwardTCP() Option {
	return func(c *config) { c.forwardTCP = true }
}

// Device is a running fake device.
type Device struct {
	cfg      config
	listener net.Listener
	stop     chan struct{}
	wg       sync.WaitGroup

	commands  atomic.Int64
	active    atomic.Int64
	maxActive atomic.Int64

	mu      sync.Mutex
	history []string
}

// Start launches a device on a loopback port and stops it when the test
// ends.
func Start(t testing.TB, opts ...Option) *Device {
	t.Helper()

	d := &Device{stop: make(chan struct{})}
	for _, opt := range opts {
		opt(&d.cfg)
	}

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	serverConf := &ssh.ServerConfig{
		NoClientAuth: d.cfg.pubKey == nil && d.cfg.password == "",
	}
	serverConf.AddHostKey(hostSigner)

	if d.cfg.pubKey != nil {
		want := string(d.cfg.pubKey.Marshal())
		serverConf.PublicKeyCallback = func(_ ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if string(key.Marshal()) == want {
				return nil, nil
			}
			return nil, fmt.Errorf("unknown key")
		}
	}
	if d.cfg.password != "" {
		serverConf.PasswordCallback = func(_ ssh.ConnMetadata, pw []byte) (*ssh.Permissions, error) {
			if string(pw) == d.cfg.password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
		serverConf.KeyboardInteractiveCallback = func(_ ssh.ConnMetadata, challenge ssh.KeyboardInteractiveChallenge) (*ssh.Permissions, error) {
			answers, err := challenge("", "", []string{"Password: "}, []bool{false})
			if err != nil {
				return nil, err
			}
			if len(answers) == 1 && answers[0] == d.cfg.password {
				return nil, nil
			}
			return nil, fmt.Errorf("wrong password")
		}
	}

	d.listener, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			conn, err := d.listener.Accept()
			if err != nil {
				return
			}
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.serveConn(conn, serverConf)
			}()
		}
	}()

	t.Cleanup(d.Close)
	return d
}

// Close stops the device and waits for its sessions to end.
func (d *Device) Close() {
	select {
	case <-d.stop:
		return
	default:
	}
	close(d.stop)
	d.listener.Close()
	d.wg.Wait()
}

// Addr returns host:port.
func (d *Device) Addr() string { return d.listener.Addr().String() }

// Host returns the listen IP.
func (d *Device) Host() string {
	host, _, _ := net.SplitHostPort(d.Addr())
	return host
}

// Port returns the listen port.
func (d *Device) Port() int {
	_, p, _ := net.SplitHostPort(d.Addr())
	port, _ := strconv.Atoi(p)
	return port
}

// Commands returns how many exec requests the device received.
func (d *Device) Commands() int { return int(d.commands.Load()) }

// MaxActive returns the highest number of commands that ran at once.
func (d *Device) MaxActive() int { return int(d.maxActive.Load()) }

// History returns the received commands in arrival order.
func (d *Device) History() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.history...)
}

func (d *Device) serveConn(conn net.Conn, conf *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, conf)
	if err != nil {
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	go func() {
		<-d.stop
		sshConn.Close()
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go d.serveSession(ch, requests)
		case "direct-tcpip":
			if !d.cfg.forwardTCP {
				newChan.Reject(ssh.Prohibited, "tcpip forwarding not enabled")
				continue
			}
			ch, reqs, err := newChan.Accept()
			if err != nil {
				continue
			}
			go ssh.DiscardRequests(reqs)
			go forward(ch, newChan.ExtraData())
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (d *Device) serveSession(ch ssh.Channel, reqs <-chan *ssh.Request) {
	closed := make(chan struct{})
	defer close(closed)

	for req := range reqs {
		if req.Type != "exec" {
			if req.WantReply {
				req.Reply(false, nil)
			}
			continue
		}
		cmd, ok := parseString(req.Payload)
		if !ok {
			req.Reply(false, nil)
			continue
		}
		req.Reply(true, nil)
		go d.exec(ch, cmd, closed)
	}
	ch.Close()
}

func (d *Device) exec(ch ssh.Channel, cmd string, closed <-chan struct{}) {
	defer ch.Close()

	d.commands.Add(1)
	d.mu.Lock()
	d.history = append(d.history, cmd)
	d.mu.Unlock()

	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		peak := d.maxActive.Load()
		if n <= peak || d.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}

	if d.cfg.hang {
		select {
		case <-closed:
		case <-d.stop:
		}
		return
	}
	if d.cfg.latency > 0 {
		select {
		case <-time.After(d.cfg.latency):
		case <-closed:
			return
		case <-d.stop:
			return
		}
	}

	reply := Reply{Stdout: cmd}
	if d.cfg.handler != nil {
		reply = d.cfg.handler(cmd)
	}
	if reply.Stdout != "" {
		io.WriteString(ch, reply.Stdout)
	}
	if reply.Stderr != "" {
		io.WriteString(ch.Stderr(), reply.Stderr)
	}
	status := make([]byte, 4)
	binary.BigEndian.PutUint32(status, uint32(reply.ExitCode))
	ch.SendRequest("exit-status", false, status)
}

// parseString decodes an SSH wire string (uint32 length + bytes).
func parseString(b []byte) (string, bool) {
	if len(b) < 4 {
		return "", false
	}
	n := binary.BigEndian.Uint32(b)
	if uint64(len(b)-4) < uint64(n) {
		return "", false
	}
	return string(b[4 : 4+n]), true
}

func forward(ch ssh.Channel, extra []byte) {
	defer ch.Close()

	host, ok := parseString(extra)
	if !ok || len(extra) < 4+len(host)+4 {
		return
	}
	port := binary.BigEndian.Uint32(extra[4+len(host):])

	conn, err := net.Dial("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return
	}
	defer conn.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(ch, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, ch); done <- struct{}{} }()
	<-done
}

// GenerateKey writes a fresh ed25519 private key to a temp file and returns
// its public half and the file path.
func GenerateKey(t testing.TB) (ssh.PublicKey, string) {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	block := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(keyPath, block, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return signer.PublicKey(), keyPath
}

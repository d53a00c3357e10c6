package ssh

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/agent462/devbatch/internal/logging"
)

// HostConfig holds the connection details of one inventory device.
type HostConfig struct {
	Hostname      string // address to dial
	User          string
	Port          int
	Password      string
	IdentityFile  string
	ProxyJump     string
	SSHConfigFile string // per-device ssh_config consulted for unset fields
}

// Runner runs commands on inventory devices over one-shot SSH connections.
// Each call dials, runs and disconnects, so concurrent calls never share a
// connection.
type Runner struct {
	base    ClientConfig
	hosts   map[string]HostConfig
	configs configFiles
	log     logrus.FieldLogger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the logger used for connection diagnostics.
func WithRunnerLogger(log logrus.FieldLogger) RunnerOption {
	return func(r *Runner) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRunner creates a Runner. base carries settings shared by every device
// (host key policy, password prompt); hosts maps device names to their
// connection details.
func NewRunner(base ClientConfig, hosts map[string]HostConfig, opts ...RunnerOption) *Runner {
	r := &Runner{base: base, hosts: hosts, log: logging.Discard()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes command on device and returns everything it printed, stdout
// first. A non-zero exit status is reported as *ExitError.
func (r *Runner) Run(ctx context.Context, device, command string) (string, error) {
	conf, addr, err := r.resolve(device)
	if err != nil {
		return "", err
	}
	log := r.log.WithFields(logrus.Fields{"device": device, "addr": addr})

	client, err := Dial(ctx, addr, conf)
	if err != nil {
		log.WithError(err).Debug("connect failed")
		return "", WrapConnectError(addr, fmt.Errorf("connect to %s: %w", device, err))
	}
	defer client.Close()

	stdout, stderr, code, err := client.RunCommand(ctx, command)
	if err != nil {
		return "", err
	}
	output := string(stdout) + string(stderr)
	log.WithField("exit_code", code).Debug("command finished")

	if code != 0 {
		return "", &ExitError{Code: code, Output: strings.TrimSpace(output)}
	}
	return output, nil
}

// resolve builds the dial settings for device.
func (r *Runner) resolve(device string) (ClientConfig, string, error) {
	hc, ok := r.hosts[device]
	if !ok {
		return ClientConfig{}, "", fmt.Errorf("device %q %w", device, ErrUnknownDevice)
	}
	if hc.Hostname == "" {
		hc.Hostname = device
	}
	if hc.SSHConfigFile != "" {
		cfg, err := r.configs.load(hc.SSHConfigFile)
		if err != nil {
			return ClientConfig{}, "", err
		}
		mergeSSHConfig(&hc, cfg)
	}

	conf := r.base
	if hc.User != "" {
		conf.User = hc.User
	}
	if hc.Port > 0 {
		conf.Port = hc.Port
	}
	if hc.Password != "" {
		conf.Password = hc.Password
	}
	if hc.IdentityFile != "" {
		conf.IdentityFiles = []string{hc.IdentityFile}
	}
	if hc.ProxyJump != "" {
		conf.ProxyJump = hc.ProxyJump
	}
	return conf, hc.Hostname, nil
}

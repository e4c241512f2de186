// Package gateway runs remediation commands on managed devices over SSH.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/HerbHall/netmedic/pkg/models"
)

// maxOutput caps the combined command output kept per remediation.
const maxOutput = 8 << 10

// ErrNoCommands is returned when a device has no remediation commands.
var ErrNoCommands = errors.New("no remediation commands configured")

// SSHExecutor runs a device's configured command list over one SSH
// connection. Commands run sequentially, each in its own session, and the
// first failing command aborts the rest.
type SSHExecutor struct {
	logger *zap.Logger

	// dial establishes the transport connection. Defaults to a net.Dialer;
	// overridden in tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewSSHExecutor creates an executor.
func NewSSHExecutor(logger *zap.Logger) *SSHExecutor {
	d := &net.Dialer{}
	return &SSHExecutor{logger: logger, dial: d.DialContext}
}

// Remediate connects to the device and runs its commands. The returned
// output holds everything the device printed, up to the first failure.
func (e *SSHExecutor) Remediate(ctx context.Context, device models.Device) (string, error) {
	r := device.Remediation
	if len(r.Commands) == 0 {
		return "", ErrNoCommands
	}

	cfg, err := e.clientConfig(device)
	if err != nil {
		return "", err
	}

	addr := net.JoinHostPort(device.Host, strconv.Itoa(r.Port))
	conn, err := e.dial(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("connect %s: %w", addr, err)
	}
	// Closing the transport unblocks the handshake and any running session.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	var out outputBuffer
	for _, cmd := range r.Commands {
		e.logger.Debug("running remediation command",
			zap.String("device_id", device.ID),
			zap.String("command", cmd),
		)
		if err := runCommand(client, cmd, &out); err != nil {
			if ctx.Err() != nil {
				return out.String(), ctx.Err()
			}
			return out.String(), fmt.Errorf("command %q: %w", cmd, err)
		}
	}
	return out.String(), nil
}

func runCommand(client *ssh.Client, cmd string, out *outputBuffer) error {
	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	b, err := session.CombinedOutput(cmd)
	out.add(b)
	return err
}

func (e *SSHExecutor) clientConfig(device models.Device) (*ssh.ClientConfig, error) {
	r := device.Remediation

	var auth []ssh.AuthMethod
	if r.PrivateKeyPath != "" {
		pem, err := os.ReadFile(r.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("parse private key %s: %w", r.PrivateKeyPath, err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if r.Password != "" {
		auth = append(auth,
			ssh.Password(r.Password),
			ssh.KeyboardInteractive(answerPassword(r.Password)),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("no ssh credentials configured")
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // G106: opt-in via known_hosts_path
	if r.KnownHostsPath != "" {
		cb, err := knownhosts.New(r.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts: %w", err)
		}
		hostKey = cb
	} else {
		e.logger.Debug("host key verification disabled", zap.String("device_id", device.ID))
	}

	return &ssh.ClientConfig{
		User:            r.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         10 * time.Second,
	}, nil
}

// answerPassword answers every keyboard-interactive prompt with the
// password. Many network operating systems only offer this method.
func answerPassword(password string) ssh.KeyboardInteractiveChallenge {
	return func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range answers {
			answers[i] = password
		}
		return answers, nil
	}
}

type outputBuffer struct {
	sb        strings.Builder
	truncated bool
}

func (b *outputBuffer) add(p []byte) {
	if room := maxOutput - b.sb.Len(); len(p) > room {
		p = p[:max(room, 0)]
		b.truncated = true
	}
	b.sb.Write(p)
}

func (b *outputBuffer) String() string {
	if b.truncated {
		return b.sb.String() + "\n[output truncated]"
	}
	return b.sb.String()
}

// Package sshexec runs the telemetry script on a remote host over SSH, the
// way `ssh host python3 - < script` does.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

// Config holds authentication and transport settings.
type Config struct {
	User                  string        `yaml:"user"`
	Password              string        `yaml:"password"`
	KeyFile               string        `yaml:"key_file"`
	KeyPassphrase         string        `yaml:"key_passphrase"`
	UseAgent              bool          `yaml:"use_agent"`
	KnownHosts            string        `yaml:"known_hosts"`
	InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
	DialTimeoutMs         int           `yaml:"dial_timeout_ms"`
	KeepAliveIntervalMs   int           `yaml:"keepalive_interval_ms"`
	DefaultPort           int           `yaml:"-"`

	dialTimeout time.Duration
}

func (c *Config) ApplyDefaults() {
	if c.DialTimeoutMs <= 0 {
		c.DialTimeoutMs = 10_000
	}
	if c.KeepAliveIntervalMs < 0 {
		c.KeepAliveIntervalMs = 0
	}
	if c.DefaultPort == 0 {
		c.DefaultPort = 22
	}
	if c.KnownHosts == "" && !c.InsecureIgnoreHostKey {
		if home, err := os.UserHomeDir(); err == nil {
			c.KnownHosts = filepath.Join(home, ".ssh", "known_hosts")
		}
	}
	c.KeyFile = expandHome(c.KeyFile)
	c.KnownHosts = expandHome(c.KnownHosts)
	c.dialTimeout = time.Duration(c.DialTimeoutMs) * time.Millisecond
}

func expandHome(p string) string {
	if !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[2:])
}

func (c *Config) Validate() error {
	if c.Password == "" && c.KeyFile == "" && !c.UseAgent {
		return errors.New("one of password, key_file or use_agent is required")
	}
	if c.KnownHosts == "" && !c.InsecureIgnoreHostKey {
		return errors.New("known_hosts is required unless insecure_ignore_host_key is set")
	}
	return nil
}

// Executor opens one SSH connection per Execute call.
type Executor struct {
	cfg       Config
	auth      []ssh.AuthMethod
	hostKeyCB ssh.HostKeyCallback
	agentConn net.Conn
}

// New validates the configuration and loads key material up front so a bad
// key file fails at startup rather than on every reconnect.
func New(cfg Config) (*Executor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	e := &Executor{cfg: cfg}

	if cfg.KeyFile != "" {
		pem, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		var signer ssh.Signer
		if cfg.KeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(cfg.KeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse key file: %w", err)
		}
		e.auth = append(e.auth, ssh.PublicKeys(signer))
	}
	if cfg.UseAgent {
		sock := os.Getenv("SSH_AUTH_SOCK")
		if sock == "" {
			return nil, errors.New("use_agent set but SSH_AUTH_SOCK is empty")
		}
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("ssh agent: %w", err)
		}
		e.agentConn = conn
		e.auth = append(e.auth, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}
	if cfg.Password != "" {
		e.auth = append(e.auth, ssh.Password(cfg.Password))
	}

	if cfg.InsecureIgnoreHostKey {
		e.hostKeyCB = ssh.InsecureIgnoreHostKey()
	} else {
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("known_hosts: %w", err)
		}
		e.hostKeyCB = cb
	}
	return e, nil
}

// Close releases the agent connection, if any.
func (e *Executor) Close() error {
	if e.agentConn != nil {
		return e.agentConn.Close()
	}
	return nil
}

func (e *Executor) Execute(ctx context.Context, ep ports.Endpoint, script []byte) (ports.RemoteProcess, error) {
	user := ep.User
	if user == "" {
		user = e.cfg.User
	}
	port := ep.Port
	if port == 0 {
		port = e.cfg.DefaultPort
	}
	addr := net.JoinHostPort(ep.Host, strconv.Itoa(port))

	dialer := net.Dialer{Timeout: e.cfg.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: err}
	}

	client, err := e.handshake(ctx, conn, addr, user)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: fmt.Errorf("new session: %w", err)}
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &domain.ConnectError{Reason: domain.ConnectNetwork, Err: err}
	}
	stderr := &tailBuffer{max: 4 << 10}
	session.Stderr = stderr
	session.Stdin = bytes.NewReader(script)

	command := ep.Command
	if command == "" {
		command = "python3 -"
	}
	if err := session.Start(command); err != nil {
		_ = session.Close()
		_ = client.Close()
		return nil, &domain.ConnectError{Reason: domain.ConnectRemoteExit, Err: fmt.Errorf("start %q: %w", command, err)}
	}

	p := &remoteProcess{
		client:  client,
		session: session,
		stdout:  stdout,
		stderr:  stderr,
		stop:    make(chan struct{}),
	}
	if e.cfg.KeepAliveIntervalMs > 0 {
		go p.keepAlive(time.Duration(e.cfg.KeepAliveIntervalMs) * time.Millisecond)
	}
	return p, nil
}

// handshake runs the SSH handshake bounded by the dial timeout and ctx.
func (e *Executor) handshake(ctx context.Context, conn net.Conn, addr, user string) (*ssh.Client, error) {
	clientCfg := &ssh.ClientConfig{
		User:            user,
		Auth:            e.auth,
		HostKeyCallback: e.hostKeyCB,
		Timeout:         e.cfg.dialTimeout,
	}

	if e.cfg.dialTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(e.cfg.dialTimeout))
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	c, chans, reqs, err := ssh.NewClientConn(conn, addr, clientCfg)
	if err != nil {
		return nil, &domain.ConnectError{Reason: classifyHandshake(err), Err: err}
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func classifyHandshake(err error) domain.ConnectReason {
	var keyErr *knownhosts.KeyError
	var revoked *knownhosts.RevokedError
	if errors.As(err, &keyErr) || errors.As(err, &revoked) {
		return domain.ConnectAuth
	}
	msg := err.Error()
	if strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "knownhosts:") {
		return domain.ConnectAuth
	}
	return domain.ConnectNetwork
}

type remoteProcess struct {
	client  *ssh.Client
	session *ssh.Session
	stdout  io.Reader
	stderr  *tailBuffer

	stop      chan struct{}
	closeOnce sync.Once
	waitOnce  sync.Once
	waitErr   error
}

func (p *remoteProcess) Stdout() io.Reader { return p.stdout }

func (p *remoteProcess) Wait() error {
	p.waitOnce.Do(func() {
		err := p.session.Wait()
		if err == nil {
			return
		}
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			if tail := p.stderr.String(); tail != "" {
				err = fmt.Errorf("%w: %s", err, tail)
			}
			p.waitErr = &domain.SourceError{Cause: domain.CauseRemoteExit, Err: err}
			return
		}
		p.waitErr = &domain.SourceError{Cause: domain.CauseNetwork, Err: err}
	})
	return p.waitErr
}

func (p *remoteProcess) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		_ = p.session.Signal(ssh.SIGKILL)
		if e := p.session.Close(); e != nil && !errors.Is(e, io.EOF) {
			err = errors.Join(err, e)
		}
		if e := p.client.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = errors.Join(err, e)
		}
	})
	return err
}

// keepAlive pings the server; a failed ping closes the client, which surfaces
// as a broken stdout on the reading side.
func (p *remoteProcess) keepAlive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if _, _, err := p.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				_ = p.client.Close()
				return
			}
		}
	}
}

type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}

var _ ports.Executor = (*Executor)(nil)

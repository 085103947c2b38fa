package sshexec_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ghalamif/Tether/internal/adapters/source"
	"github.com/ghalamif/Tether/internal/adapters/source/sshexec"
	"github.com/ghalamif/Tether/internal/domain"
	"github.com/ghalamif/Tether/internal/ports"
)

type execHandler func(command string, stdin []byte, stdout, stderr io.Writer) uint32

type testServer struct {
	t       *testing.T
	ln      net.Listener
	signer  ssh.Signer
	handler execHandler

	mu       sync.Mutex
	commands []string
}

func newTestServer(t *testing.T, handler execHandler) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{t: t, ln: ln, signer: signer, handler: handler}
	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "pi" && string(pass) == "secret" {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
	}
	cfg.AddHostKey(signer)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serve(conn, cfg)
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *testServer) serve(conn net.Conn, cfg *ssh.ServerConfig) {
	sconn, chans, reqs, err := ssh.NewServerConn(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for nc := range chans {
		if nc.ChannelType() != "session" {
			_ = nc.Reject(ssh.UnknownChannelType, "session only")
			continue
		}
		ch, requests, err := nc.Accept()
		if err != nil {
			return
		}
		go s.session(ch, requests)
	}
}

func (s *testServer) session(ch ssh.Channel, requests <-chan *ssh.Request) {
	for req := range requests {
		if req.Type != "exec" {
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
			continue
		}
		n := binary.BigEndian.Uint32(req.Payload[:4])
		command := string(req.Payload[4 : 4+n])
		_ = req.Reply(true, nil)

		s.mu.Lock()
		s.commands = append(s.commands, command)
		s.mu.Unlock()

		go func() {
			stdin, _ := io.ReadAll(ch)
			status := s.handler(command, stdin, ch, ch.Stderr())
			_, _ = ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
			_ = ch.Close()
		}()
	}
}

func (s *testServer) endpoint() ports.Endpoint {
	addr := s.ln.Addr().(*net.TCPAddr)
	return ports.Endpoint{Host: "127.0.0.1", Port: addr.Port, User: "pi"}
}

func (s *testServer) knownHosts(t *testing.T, key ssh.PublicKey) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(s.ln.Addr().String())}, key)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0o600))
	return path
}

func echoScript(command string, stdin []byte, stdout, _ io.Writer) uint32 {
	if command != "python3 -" || string(stdin) != "print()\n" {
		return 99
	}
	_, _ = io.WriteString(stdout, "{\"v\":1}\n{\"v\":2}\n")
	return 0
}

func TestExecutorStreamsRemoteScript(t *testing.T) {
	srv := newTestServer(t, echoScript)
	exec, err := sshexec.New(sshexec.Config{
		Password:   "secret",
		KnownHosts: srv.knownHosts(t, srv.signer.PublicKey()),
	})
	require.NoError(t, err)
	defer exec.Close()

	st := source.NewStream("ssh", exec, source.StreamConfig{
		Endpoint:    srv.endpoint(),
		Script:      []byte("print()\n"),
		IdleTimeout: 5 * time.Second,
	})
	h, err := st.Open(context.Background(), 1)
	require.NoError(t, err)
	defer h.Close()

	for want := 1.0; want <= 2; want++ {
		r, err := h.Next(context.Background())
		require.NoError(t, err)
		v, _ := r.Float("v")
		assert.Equal(t, want, v)
		assert.Equal(t, uint64(1), r.Epoch)
	}
	_, err = h.Next(context.Background())
	assert.ErrorIs(t, err, domain.ErrEndOfStream)
}

func TestExecutorNonZeroExitIsRemoteExit(t *testing.T) {
	srv := newTestServer(t, func(_ string, _ []byte, _, stderr io.Writer) uint32 {
		_, _ = io.WriteString(stderr, "Traceback: boom\n")
		return 2
	})
	exec, err := sshexec.New(sshexec.Config{Password: "secret", InsecureIgnoreHostKey: true})
	require.NoError(t, err)

	proc, err := exec.Execute(context.Background(), srv.endpoint(), []byte("x"))
	require.NoError(t, err)
	defer proc.Close()

	_, _ = io.Copy(io.Discard, proc.Stdout())
	err = proc.Wait()

	var se *domain.SourceError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.CauseRemoteExit, se.Cause)
	assert.Contains(t, err.Error(), "boom")
}

func TestExecutorWrongPasswordIsAuthError(t *testing.T) {
	srv := newTestServer(t, echoScript)
	exec, err := sshexec.New(sshexec.Config{Password: "nope", InsecureIgnoreHostKey: true})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), srv.endpoint(), nil)
	var ce *domain.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ConnectAuth, ce.Reason)
}

func TestExecutorUnknownHostKeyIsAuthError(t *testing.T) {
	srv := newTestServer(t, echoScript)

	_, other, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherSigner, err := ssh.NewSignerFromKey(other)
	require.NoError(t, err)

	exec, err := sshexec.New(sshexec.Config{
		Password:   "secret",
		KnownHosts: srv.knownHosts(t, otherSigner.PublicKey()),
	})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), srv.endpoint(), nil)
	var ce *domain.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ConnectAuth, ce.Reason)
}

func TestExecutorRefusedIsNetworkError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	exec, err := sshexec.New(sshexec.Config{Password: "secret", InsecureIgnoreHostKey: true, DialTimeoutMs: 500})
	require.NoError(t, err)

	_, err = exec.Execute(context.Background(), ports.Endpoint{Host: "127.0.0.1", Port: port, User: "pi"}, nil)
	var ce *domain.ConnectError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, domain.ConnectNetwork, ce.Reason)
}

func TestNewRejectsIncompleteConfig(t *testing.T) {
	_, err := sshexec.New(sshexec.Config{InsecureIgnoreHostKey: true})
	assert.Error(t, err)

	_, err = sshexec.New(sshexec.Config{Password: "x", KnownHosts: filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	_, err = sshexec.New(sshexec.Config{Password: "x", KeyFile: filepath.Join(t.TempDir(), "id_ed25519"), InsecureIgnoreHostKey: true})
	assert.Error(t, err)
}

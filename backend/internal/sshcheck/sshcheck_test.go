package sshcheck

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/skeema/knownhosts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"runicorn-client/backend/pkg/types"
)

const (
	testUser     = "alice"
	testPassword = "s3cret"
)

// testServer 是一个只接受 alice 登录、支持 sftp 子系统的 SSH 服务
type testServer struct {
	addr       string
	hostSigner ssh.Signer
	clientKey  ssh.PublicKey
}

func newSigner(t *testing.T) (ssh.Signer, ed25519.PrivateKey) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)
	return signer, priv
}

func startServer(t *testing.T, clientKey ssh.PublicKey) *testServer {
	t.Helper()
	hostSigner, _ := newSigner(t)
	srv := &testServer{hostSigner: hostSigner, clientKey: clientKey}

	cfg := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == testUser && string(pass) == testPassword {
				return nil, nil
			}
			return nil, errors.New("denied")
		},
		PublicKeyCallback: func(c ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if srv.clientKey != nil && c.User() == testUser && bytes.Equal(key.Marshal(), srv.clientKey.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	srv.addr = ln.Addr().String()

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg)
		}
	}()
	return srv
}

func serveConn(nc net.Conn, cfg *ssh.ServerConfig) {
	defer nc.Close()
	sconn, chans, reqs, err := ssh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	defer sconn.Close()
	go ssh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				ok := req.Type == "subsystem" && len(req.Payload) > 4 && string(req.Payload[4:]) == "sftp"
				_ = req.Reply(ok, nil)
				if !ok {
					continue
				}
				server, err := sftp.NewServer(ch)
				if err != nil {
					return
				}
				_ = server.Serve()
				server.Close()
				return
			}
		}()
	}
}

func (s *testServer) conn(t *testing.T) types.SavedConnection {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return types.SavedConnection{
		ID:         "conn_1",
		Host:       host,
		Port:       port,
		Username:   testUser,
		AuthMethod: types.AuthPassword,
	}
}

func newTestChecker(t *testing.T, opts ...Option) (*Checker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".ssh", "known_hosts")
	c, err := NewChecker(path, append([]Option{WithTimeout(5 * time.Second)}, opts...)...)
	require.NoError(t, err)
	return c, path
}

func trust(t *testing.T, c *Checker, conn types.SavedConnection) {
	t.Helper()
	_, err := c.TrustHost(context.Background(), conn)
	require.NoError(t, err)
}

type mapSecrets map[string]string

func (m mapSecrets) Get(id string) (string, error) {
	pw, ok := m[id]
	if !ok {
		return "", errors.New("not found")
	}
	return pw, nil
}

func TestVerify_NoCredentials(t *testing.T) {
	c, _ := newTestChecker(t)
	conn := types.SavedConnection{Host: "gpu01", Port: 22, Username: "bob"}

	res, err := c.Verify(context.Background(), conn, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.PasswordRequired)
	assert.Equal(t, "bob@gpu01", res.PasswordRequired.Alias)
}

func TestVerify_UnknownHostThenTrust(t *testing.T) {
	srv := startServer(t, nil)
	c, knownHostsPath := newTestChecker(t)
	conn := srv.conn(t)

	res, err := c.Verify(context.Background(), conn, testPassword)
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.HostKeyVerificationRequired)
	want := ssh.FingerprintSHA256(srv.hostSigner.PublicKey())
	assert.Equal(t, want, res.HostKeyVerificationRequired.Fingerprint)
	assert.Equal(t, conn.Address(), res.HostKeyVerificationRequired.HostAddress)

	fp, err := c.TrustHost(context.Background(), conn)
	require.NoError(t, err)
	assert.Equal(t, want, fp)

	data, err := os.ReadFile(knownHostsPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), knownhosts.Normalize(conn.Address()))

	res, err = c.Verify(context.Background(), conn, testPassword)
	require.NoError(t, err)
	assert.True(t, res.Success, res.ErrorMessage)
	assert.Contains(t, res.ServerVersion, "SSH-2.0")
}

func TestVerify_HostKeyChanged(t *testing.T) {
	srv := startServer(t, nil)
	c, knownHostsPath := newTestChecker(t)
	conn := srv.conn(t)

	other, _ := newSigner(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(knownHostsPath), 0o700))
	line := knownhosts.Line([]string{conn.Address()}, other.PublicKey())
	require.NoError(t, os.WriteFile(knownHostsPath, []byte(line+"\n"), 0o600))

	res, err := c.Verify(context.Background(), conn, testPassword)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Nil(t, res.HostKeyVerificationRequired)
	assert.Contains(t, res.ErrorMessage, "has changed")
}

func TestVerify_WrongPassword(t *testing.T) {
	srv := startServer(t, nil)
	c, _ := newTestChecker(t)
	conn := srv.conn(t)
	trust(t, c, conn)

	res, err := c.Verify(context.Background(), conn, "nope")
	require.NoError(t, err)
	assert.False(t, res.Success)
	require.NotNil(t, res.PasswordRequired)
	assert.Contains(t, res.ErrorMessage, "authentication failed")
}

func TestVerify_PasswordSources(t *testing.T) {
	srv := startServer(t, nil)

	t.Run("saved on record", func(t *testing.T) {
		c, _ := newTestChecker(t)
		conn := srv.conn(t)
		conn.Password = testPassword
		trust(t, c, conn)

		res, err := c.Verify(context.Background(), conn, "")
		require.NoError(t, err)
		assert.True(t, res.Success, res.ErrorMessage)
	})

	t.Run("keyring", func(t *testing.T) {
		c, _ := newTestChecker(t, WithPasswordSource(mapSecrets{"conn_1": testPassword}))
		conn := srv.conn(t)
		trust(t, c, conn)

		res, err := c.Verify(context.Background(), conn, "")
		require.NoError(t, err)
		assert.True(t, res.Success, res.ErrorMessage)
	})

	t.Run("stale record falls through to keyring", func(t *testing.T) {
		c, _ := newTestChecker(t, WithPasswordSource(mapSecrets{"conn_1": testPassword}))
		conn := srv.conn(t)
		conn.Password = "stale"
		trust(t, c, conn)

		res, err := c.Verify(context.Background(), conn, "")
		require.NoError(t, err)
		assert.True(t, res.Success, res.ErrorMessage)
	})

	t.Run("explicit wins over stale record", func(t *testing.T) {
		c, _ := newTestChecker(t)
		conn := srv.conn(t)
		conn.Password = "stale"
		trust(t, c, conn)

		res, err := c.Verify(context.Background(), conn, testPassword)
		require.NoError(t, err)
		assert.True(t, res.Success, res.ErrorMessage)
	})
}

func TestVerify_KeyFile(t *testing.T) {
	clientSigner, clientPriv := newSigner(t)
	srv := startServer(t, clientSigner.PublicKey())
	c, _ := newTestChecker(t)

	block, err := ssh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)
	keyPath := filepath.Join(t.TempDir(), "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600))

	conn := srv.conn(t)
	conn.AuthMethod = types.AuthKey
	conn.PrivateKeyPath = keyPath
	trust(t, c, conn)

	res, err := c.Verify(context.Background(), conn, "")
	require.NoError(t, err)
	assert.True(t, res.Success, res.ErrorMessage)
}

func TestVerify_MissingKeyFile(t *testing.T) {
	c, _ := newTestChecker(t)
	conn := types.SavedConnection{Host: "gpu01", Port: 22, Username: "bob", PrivateKeyPath: "/nonexistent/id_rsa"}

	res, err := c.Verify(context.Background(), conn, "")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "无法读取私钥文件")
}

func TestVerify_RemoteRoot(t *testing.T) {
	srv := startServer(t, nil)
	c, _ := newTestChecker(t)
	base := srv.conn(t)
	trust(t, c, base)

	dir := t.TempDir()
	file := filepath.Join(dir, "runs.txt")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))

	tests := []struct {
		name   string
		root   string
		exists bool
		isDir  bool
	}{
		{"directory", dir, true, true},
		{"file", file, true, false},
		{"missing", filepath.Join(dir, "nope"), false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := base
			conn.RemoteRoot = tt.root
			res, err := c.Verify(context.Background(), conn, testPassword)
			require.NoError(t, err)
			assert.True(t, res.Success)
			assert.Empty(t, res.ErrorMessage)
			assert.Equal(t, tt.exists, res.RemoteRootExists)
			assert.Equal(t, tt.isDir, res.RemoteRootIsDir)
		})
	}
}

func TestVerify_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	c, _ := newTestChecker(t)
	conn := types.SavedConnection{Host: "127.0.0.1", Port: addr.Port, Username: testUser}
	res, err := c.Verify(context.Background(), conn, testPassword)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.ErrorMessage)
}

func TestVerify_CancelledContext(t *testing.T) {
	srv := startServer(t, nil)
	c, _ := newTestChecker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Verify(ctx, srv.conn(t), testPassword)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReadKeyFile_ExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "key"), []byte("k"), 0o600))

	data, err := readKeyFile("~/key")
	require.NoError(t, err)
	assert.Equal(t, "k", string(data))
}

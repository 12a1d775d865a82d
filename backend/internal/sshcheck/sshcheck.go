// Package sshcheck 在保存连接之前做一次 SSH 预检：认证、主机指纹、远程根目录。
package sshcheck

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/skeema/knownhosts"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"runicorn-client/backend/pkg/types"
)

const defaultTimeout = 10 * time.Second

// PasswordSource 按连接 ID 查询已保存的密码，connstore.SecretStore 满足该接口
type PasswordSource interface {
	Get(id string) (string, error)
}

type Checker struct {
	knownHostsPath string
	secrets        PasswordSource
	logger         *zap.Logger
	timeout        time.Duration
}

type Option func(*Checker)

func WithPasswordSource(p PasswordSource) Option {
	return func(c *Checker) { c.secrets = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Checker) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Checker) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewChecker 创建预检器。knownHostsPath 为空时使用 ~/.ssh/known_hosts
func NewChecker(knownHostsPath string, opts ...Option) (*Checker, error) {
	if knownHostsPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		knownHostsPath = filepath.Join(home, ".ssh", "known_hosts")
	}
	c := &Checker{
		knownHostsPath: knownHostsPath,
		logger:         zap.NewNop(),
		timeout:        defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// hostKeyState 记录握手期间 known_hosts 校验的结果
type hostKeyState struct {
	unknown ssh.PublicKey
	changed bool
}

// Verify 尝试登录 conn 指向的主机。预期内的失败（需要密码、指纹未确认、认证失败等）
// 体现在返回的 VerifyResult 中；只有 known_hosts 无法读取或 ctx 被取消时才返回 error。
func (c *Checker) Verify(ctx context.Context, conn types.SavedConnection, password string) (*types.VerifyResult, error) {
	alias := aliasOf(conn)
	auth, err := c.authMethods(conn, password)
	if err != nil {
		var pwErr *types.PasswordRequiredError
		if errors.As(err, &pwErr) {
			c.logger.Info("password required", zap.String("host", alias))
			return &types.VerifyResult{PasswordRequired: pwErr}, nil
		}
		return &types.VerifyResult{ErrorMessage: err.Error()}, nil
	}

	hk, err := c.loadKnownHosts()
	if err != nil {
		return nil, err
	}
	state := &hostKeyState{}
	cfg := &ssh.ClientConfig{
		User:              conn.Username,
		Auth:              auth,
		HostKeyCallback:   checkingCallback(hk, state),
		HostKeyAlgorithms: hk.HostKeyAlgorithms(conn.Address()),
		Timeout:           c.timeout,
	}

	client, err := c.dial(ctx, conn.Address(), cfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return c.classify(conn, state, err), nil
	}
	defer client.Close()

	result := &types.VerifyResult{
		Success:       true,
		ServerVersion: string(client.ServerVersion()),
	}
	if conn.RemoteRoot != "" {
		c.statRemoteRoot(client, conn.RemoteRoot, result)
	}
	c.logger.Info("connection verified",
		zap.String("host", alias),
		zap.String("server", result.ServerVersion))
	return result, nil
}

// TrustHost 抓取远程主机公钥并追加到 known_hosts，返回其 SHA256 指纹
func (c *Checker) TrustHost(ctx context.Context, conn types.SavedConnection) (string, error) {
	var (
		captured   ssh.PublicKey
		remoteAddr net.Addr
	)
	errCaptured := errors.New("host key captured")
	cfg := &ssh.ClientConfig{
		User: conn.Username,
		HostKeyCallback: func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			captured, remoteAddr = key, remote
			return errCaptured
		},
		Timeout: c.timeout,
	}
	_, err := c.dial(ctx, conn.Address(), cfg)
	if captured == nil {
		if err == nil {
			err = errors.New("server presented no host key")
		}
		return "", fmt.Errorf("capture host key of %s: %w", conn.Address(), err)
	}

	if err := os.MkdirAll(filepath.Dir(c.knownHostsPath), 0o700); err != nil {
		return "", err
	}
	f, err := os.OpenFile(c.knownHostsPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := knownhosts.WriteKnownHost(f, conn.Address(), remoteAddr, captured); err != nil {
		return "", fmt.Errorf("write known_hosts: %w", err)
	}

	fp := ssh.FingerprintSHA256(captured)
	c.logger.Info("host key trusted", zap.String("host", conn.Address()), zap.String("fingerprint", fp))
	return fp, nil
}

// authMethods 按优先级收集认证方式：本次输入的密码、档案中的密码、钥匙串、密钥文件
func (c *Checker) authMethods(conn types.SavedConnection, password string) ([]ssh.AuthMethod, error) {
	var (
		methods    []ssh.AuthMethod
		candidates []string
	)
	addPassword := func(p string) {
		if p == "" {
			return
		}
		for _, existing := range candidates {
			if existing == p {
				return
			}
		}
		candidates = append(candidates, p)
	}

	addPassword(password)
	addPassword(conn.Password)
	if c.secrets != nil && conn.ID != "" {
		if saved, err := c.secrets.Get(conn.ID); err == nil {
			addPassword(saved)
		}
	}
	if len(candidates) > 0 {
		// 同一种认证方式 ssh 只会尝试一次，这里用可重试的回调依次提交候选密码
		next := 0
		methods = append(methods, ssh.RetryableAuthMethod(ssh.PasswordCallback(func() (string, error) {
			p := candidates[next]
			if next < len(candidates)-1 {
				next++
			}
			return p, nil
		}), len(candidates)))
	}
	if conn.PrivateKeyPath != "" {
		key, err := readKeyFile(conn.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("无法读取私钥文件: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("无法解析私钥: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if len(methods) == 0 {
		return nil, &types.PasswordRequiredError{Alias: aliasOf(conn)}
	}
	return methods, nil
}

func (c *Checker) loadKnownHosts() (knownhosts.HostKeyCallback, error) {
	// knownhosts.New 要求文件存在
	if err := os.MkdirAll(filepath.Dir(c.knownHostsPath), 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(c.knownHostsPath, os.O_CREATE|os.O_RDONLY, 0o600)
	if err != nil {
		return nil, err
	}
	f.Close()

	hk, err := knownhosts.New(c.knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("could not create known_hosts callback: %w", err)
	}
	return hk, nil
}

func checkingCallback(hk knownhosts.HostKeyCallback, state *hostKeyState) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := hk.HostKeyCallback()(hostname, remote, key)
		switch {
		case err == nil:
		case knownhosts.IsHostUnknown(err):
			state.unknown = key
		case knownhosts.IsHostKeyChanged(err):
			state.changed = true
		}
		return err
	}
}

// dial 建立 SSH 连接，ctx 取消时会中断握手
func (c *Checker) dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: c.timeout}
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { nc.Close() })
	defer stop()

	_ = nc.SetDeadline(time.Now().Add(c.timeout))
	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, err
	}
	_ = nc.SetDeadline(time.Time{})
	return ssh.NewClient(sc, chans, reqs), nil
}

// classify 将握手错误转换为前端可展示的结果
func (c *Checker) classify(conn types.SavedConnection, state *hostKeyState, err error) *types.VerifyResult {
	alias := aliasOf(conn)
	switch {
	case state.unknown != nil:
		c.logger.Info("host key verification required", zap.String("host", alias))
		return &types.VerifyResult{
			HostKeyVerificationRequired: &types.HostKeyVerificationRequiredError{
				Alias:       alias,
				Fingerprint: ssh.FingerprintSHA256(state.unknown),
				HostAddress: conn.Address(),
			},
		}
	case state.changed:
		c.logger.Warn("host key changed", zap.String("host", alias))
		return &types.VerifyResult{
			ErrorMessage: fmt.Sprintf("host key for %s has changed; remove the old entry from known_hosts", conn.Address()),
		}
	case strings.Contains(err.Error(), "unable to authenticate"):
		authErr := &types.AuthenticationFailedError{Alias: alias}
		c.logger.Info("authentication failed", zap.String("host", alias))
		return &types.VerifyResult{
			ErrorMessage:     authErr.Error(),
			PasswordRequired: &types.PasswordRequiredError{Alias: alias},
		}
	default:
		c.logger.Warn("connection pre-flight check failed", zap.String("host", alias), zap.Error(err))
		return &types.VerifyResult{ErrorMessage: err.Error()}
	}
}

func (c *Checker) statRemoteRoot(client *ssh.Client, root string, result *types.VerifyResult) {
	sc, err := sftp.NewClient(client)
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("SFTP客户端创建失败: %v", err)
		return
	}
	defer sc.Close()

	info, err := sc.Stat(root)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			result.ErrorMessage = fmt.Sprintf("stat %s: %v", root, err)
		}
		return
	}
	result.RemoteRootExists = true
	result.RemoteRootIsDir = info.IsDir()
}

// readKeyFile 读取密钥文件并展开'~'
func readKeyFile(path string) ([]byte, error) {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(homeDir, path[1:])
	}
	return os.ReadFile(path)
}

func aliasOf(conn types.SavedConnection) string {
	if conn.Name != "" {
		return conn.Name
	}
	return conn.Username + "@" + conn.Host
}

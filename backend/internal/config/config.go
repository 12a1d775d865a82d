package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBackendPort  = 23300
	DefaultListen       = "127.0.0.1:5173"
	DefaultFrontendDist = "frontend/dist"
	DefaultPollInterval = time.Second

	appDirName = "Runicorn"
	fileName   = "client.yaml"
)

// Config 是客户端配置，对应 client.yaml
type Config struct {
	APIURL         string        `yaml:"api_url,omitempty"`
	BackendPort    int           `yaml:"backend_port"`
	Listen         string        `yaml:"listen"`
	FrontendDist   string        `yaml:"frontend_dist"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"` // 0 表示不设超时
	UseKeyring     bool          `yaml:"use_keyring"`
	KnownHosts     string        `yaml:"known_hosts,omitempty"`
	Debug          bool          `yaml:"debug"`
}

func Default() Config {
	return Config{
		BackendPort:  DefaultBackendPort,
		Listen:       DefaultListen,
		FrontendDist: DefaultFrontendDist,
		PollInterval: DefaultPollInterval,
	}
}

// BaseURL 返回 viewer 后端地址；未显式配置时指向本机 backend_port
func (c Config) BaseURL() string {
	if c.APIURL != "" {
		return c.APIURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.BackendPort)
}

func (c Config) Validate() error {
	if c.BackendPort <= 0 || c.BackendPort > 65535 {
		return fmt.Errorf("backend_port out of range: %d", c.BackendPort)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	if c.APIURL != "" {
		u, err := url.Parse(c.APIURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid api_url %q", c.APIURL)
		}
	}
	return nil
}

// DefaultPath 返回 <UserConfigDir>/Runicorn/client.yaml
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, appDirName, fileName), nil
}

// --- 配置管理器 ---

type Manager struct {
	path   string
	getenv func(string) string
	config Config
	mu     sync.RWMutex
}

func NewManager(path string) *Manager {
	return &Manager{
		path:   path,
		getenv: os.Getenv,
		config: Default(),
	}
}

func (m *Manager) Path() string {
	return m.path
}

// Load 读取配置文件并叠加环境变量。文件不存在是正常情况，使用默认值。
func (m *Manager) Load() error {
	cfg := Default()
	data, err := os.ReadFile(m.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("parse %s: %w", m.path, err)
		}
	}
	if err := applyEnv(&cfg, m.getenv); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Save 原子地写回配置文件。环境变量覆盖的值也会被写入。
func (m *Manager) Save(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	// 确保目录存在
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	// 先写临时文件再 rename，watcher 不会读到截断了一半的文件
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.path)+"-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name()) // rename 成功后是空操作
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o640); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), m.path); err != nil {
		return err
	}

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// Keys 是 Set 支持的键，与 client.yaml 中的字段名一致
var Keys = []string{
	"api_url", "backend_port", "listen", "frontend_dist", "poll_interval",
	"request_timeout", "use_keyring", "known_hosts", "debug",
}

// Set 按 yaml 键名修改一个字段，不做整体校验
func (c *Config) Set(key, value string) error {
	var err error
	switch key {
	case "api_url":
		c.APIURL = value
	case "backend_port":
		c.BackendPort, err = strconv.Atoi(value)
	case "listen":
		c.Listen = value
	case "frontend_dist":
		c.FrontendDist = value
	case "poll_interval":
		c.PollInterval, err = time.ParseDuration(value)
	case "request_timeout":
		c.RequestTimeout, err = time.ParseDuration(value)
	case "use_keyring":
		c.UseKeyring, err = strconv.ParseBool(value)
	case "known_hosts":
		c.KnownHosts = value
	case "debug":
		c.Debug, err = strconv.ParseBool(value)
	default:
		return fmt.Errorf("unknown config key %q (known: %s)", key, strings.Join(Keys, ", "))
	}
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	return nil
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	if v := getenv("RUNICORN_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := getenv("RUNICORN_BACKEND_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RUNICORN_BACKEND_PORT: %w", err)
		}
		cfg.BackendPort = port
	}
	if v := getenv("RUNICORN_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("RUNICORN_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := getenv("RUNICORN_FRONTEND_DIST"); v != "" {
		cfg.FrontendDist = v
	}
	return nil
}

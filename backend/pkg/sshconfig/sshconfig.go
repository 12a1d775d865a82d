// Package sshconfig 读取 ~/.ssh/config，把其中的 Host 块转换成可保存的连接参数
package sshconfig

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"runicorn-client/backend/pkg/types"
)

const defaultPort = 22

// Host 是一个具体（非通配符）的主机条目
type Host struct {
	Alias        string
	HostName     string
	User         string
	Port         int
	IdentityFile string
	Line         int // Host 行在文件中的行号
}

// ConfigError 配置相关错误
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("ssh config %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// block 是一个 Host 块，patterns 可能包含通配符
type block struct {
	patterns []string
	params   map[string]string
	line     int
}

// Load 读取配置文件。文件不存在时返回空列表。
func Load(path string) ([]Host, error) {
	f, err := os.Open(expandHomeDir(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &ConfigError{"load", err}
	}
	defer f.Close()
	return Parse(f)
}

// Parse 解析配置内容，返回所有具体主机。通配符块（如 Host *）只用来补充参数，
// Match 块被跳过，Include 不展开。
func Parse(r io.Reader) ([]Host, error) {
	var (
		blocks   []*block
		defaults = &block{params: map[string]string{}}
		current  = defaults
		inMatch  bool
	)

	scanner := bufio.NewScanner(r)
	lineNumber := 0
	for scanner.Scan() {
		lineNumber++
		trimmed := strings.TrimSpace(scanner.Text())
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}

		key, value := parseParamLine(trimmed)
		switch strings.ToLower(key) {
		case "host":
			names := parseHostNames(value)
			if len(names) == 0 {
				return nil, &ConfigError{"parse", fmt.Errorf("line %d: Host requires at least one pattern", lineNumber)}
			}
			current = &block{patterns: names, params: map[string]string{}, line: lineNumber}
			blocks = append(blocks, current)
			inMatch = false
			continue
		case "match":
			inMatch = true
			continue
		case "include":
			continue
		}
		if inMatch {
			continue
		}
		if err := validateParam(key, value, lineNumber); err != nil {
			return nil, err
		}
		lower := strings.ToLower(key)
		if _, ok := current.params[lower]; !ok {
			current.params[lower] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, &ConfigError{"parse", err}
	}

	var hosts []Host
	seen := make(map[string]bool)
	for _, b := range blocks {
		for _, alias := range b.patterns {
			if isPattern(alias) || seen[alias] {
				continue
			}
			seen[alias] = true
			// 与 ssh 相同：按文件顺序，第一个匹配到的值生效
			lookup := func(key string) string {
				if v, ok := defaults.params[key]; ok {
					return v
				}
				for _, other := range blocks {
					if !other.matches(alias) {
						continue
					}
					if v, ok := other.params[key]; ok {
						return v
					}
				}
				return ""
			}
			h := Host{
				Alias:        alias,
				HostName:     lookup("hostname"),
				User:         lookup("user"),
				IdentityFile: lookup("identityfile"),
				Port:         defaultPort,
				Line:         b.line,
			}
			if h.HostName == "" {
				h.HostName = alias
			}
			if p := lookup("port"); p != "" {
				h.Port, _ = strconv.Atoi(p)
			}
			hosts = append(hosts, h)
		}
	}
	return hosts, nil
}

// Find 返回别名为 alias 的主机
func Find(hosts []Host, alias string) (Host, bool) {
	for _, h := range hosts {
		if h.Alias == alias {
			return h, true
		}
	}
	return Host{}, false
}

// ToConnectionConfig 转换为保存连接时使用的参数
func (h Host) ToConnectionConfig() types.ConnectionConfig {
	cfg := types.ConnectionConfig{
		Name:       h.Alias,
		Host:       h.HostName,
		Port:       h.Port,
		Username:   h.User,
		AuthMethod: types.AuthPassword,
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if h.IdentityFile != "" {
		cfg.AuthMethod = types.AuthKey
		cfg.PrivateKeyPath = h.IdentityFile
	}
	return cfg
}

func (b *block) matches(alias string) bool {
	matched := false
	for _, p := range b.patterns {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if matchHostName(neg, alias) {
				return false
			}
			continue
		}
		if matchHostName(p, alias) {
			matched = true
		}
	}
	return matched
}

func isPattern(name string) bool {
	return strings.ContainsAny(name, "*?!")
}

// expandHomeDir 展开家目录路径
func expandHomeDir(path string) string {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// parseHostNames 解析Host行中的主机名列表
func parseHostNames(hostLine string) []string {
	var names []string
	for _, field := range strings.Fields(hostLine) {
		// 移除首尾的引号
		trimmed := strings.Trim(field, "\"'")
		if trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// matchHostName 检查主机名是否匹配（支持 * 和 ? 通配符）
func matchHostName(pattern, hostname string) bool {
	ok, err := filepath.Match(pattern, hostname)
	return err == nil && ok
}

// parseParamLine 解析参数行，支持 key=value 和 key value 两种格式
func parseParamLine(line string) (key, value string) {
	line = strings.TrimSpace(line)

	if i := strings.IndexAny(line, " \t="); i >= 0 {
		key = line[:i]
		rest := strings.TrimLeft(line[i:], " \t")
		rest = strings.TrimPrefix(rest, "=")
		value = strings.Trim(strings.TrimSpace(rest), "\"")
		return key, value
	}
	return line, ""
}

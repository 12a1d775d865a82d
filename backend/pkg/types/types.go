package types

import "fmt"

type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"` // e.g., "SUCCESS", "ERROR", "INFO"
	Message   string `json:"message"`
}

// AuthMethod 认证方式
type AuthMethod string

const (
	AuthPassword AuthMethod = "password"
	AuthKey      AuthMethod = "key"
)

// ConnectionConfig 是发起一次远程连接时填写的参数，保存连接时也用它作为输入
type ConnectionConfig struct {
	Name           string     `json:"name,omitempty"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	AuthMethod     AuthMethod `json:"authMethod"`
	Password       string     `json:"password,omitempty"`
	PrivateKeyPath string     `json:"privateKeyPath,omitempty"`
	RemoteRoot     string     `json:"remoteRoot,omitempty"`
	LocalPort      int        `json:"localPort,omitempty"`
	RemotePort     int        `json:"remotePort,omitempty"`
}

// SavedConnection 是持久化到后端的连接档案。
// 可选字段为零值时视为“不存在”，序列化时直接省略该键（不会写成 null）。
type SavedConnection struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Host           string     `json:"host"`
	Port           int        `json:"port"`
	Username       string     `json:"username"`
	AuthMethod     AuthMethod `json:"authMethod"`
	Password       string     `json:"password,omitempty"` // 注意：启用钥匙串后不会上传
	PrivateKeyPath string     `json:"privateKeyPath,omitempty"`
	CondaEnv       string     `json:"condaEnv,omitempty"`
	RemoteRoot     string     `json:"remoteRoot,omitempty"`
	LocalPort      int        `json:"localPort,omitempty"`
	RemotePort     int        `json:"remotePort,omitempty"`
	CreatedAt      int64      `json:"createdAt"`
}

// Address returns host:port.
func (c SavedConnection) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectionPatch 描述一次部分更新。nil 表示不修改该字段；
// 指向零值的指针表示清除该字段。
type ConnectionPatch struct {
	Name           *string     `json:"name,omitempty"`
	Host           *string     `json:"host,omitempty"`
	Port           *int        `json:"port,omitempty"`
	Username       *string     `json:"username,omitempty"`
	AuthMethod     *AuthMethod `json:"authMethod,omitempty"`
	Password       *string     `json:"password,omitempty"`
	PrivateKeyPath *string     `json:"privateKeyPath,omitempty"`
	CondaEnv       *string     `json:"condaEnv,omitempty"`
	RemoteRoot     *string     `json:"remoteRoot,omitempty"`
	LocalPort      *int        `json:"localPort,omitempty"`
	RemotePort     *int        `json:"remotePort,omitempty"`
}

// Apply merges the set fields of p into c. Later fields win.
func (p ConnectionPatch) Apply(c SavedConnection) SavedConnection {
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Host != nil {
		c.Host = *p.Host
	}
	if p.Port != nil {
		c.Port = *p.Port
	}
	if p.Username != nil {
		c.Username = *p.Username
	}
	if p.AuthMethod != nil {
		c.AuthMethod = *p.AuthMethod
	}
	if p.Password != nil {
		c.Password = *p.Password
	}
	if p.PrivateKeyPath != nil {
		c.PrivateKeyPath = *p.PrivateKeyPath
	}
	if p.CondaEnv != nil {
		c.CondaEnv = *p.CondaEnv
	}
	if p.RemoteRoot != nil {
		c.RemoteRoot = *p.RemoteRoot
	}
	if p.LocalPort != nil {
		c.LocalPort = *p.LocalPort
	}
	if p.RemotePort != nil {
		c.RemotePort = *p.RemotePort
	}
	return c
}

// TaskStatus 下载任务状态，取值由后端决定
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal reports whether polling should stop on this status. Other
// values, including ones this client does not know, keep polling.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// DownloadTask 是后端下载任务的快照，本地只读不存
type DownloadTask struct {
	TaskID          string     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	ProgressPercent float64    `json:"progress_percent"`
	TargetDir       string     `json:"target_dir,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// StorageMode 后端存储模式
type StorageMode struct {
	Mode            string `json:"mode"`
	RemoteConnected bool   `json:"remote_connected"`
}

// IsRemote reports whether the viewer is running against a connected remote.
func (m StorageMode) IsRemote() bool {
	return m.Mode == "remote" && m.RemoteConnected
}

// ConnectionNotFoundError 未找到指定 ID 的连接
type ConnectionNotFoundError struct {
	ID string
}

func (e *ConnectionNotFoundError) Error() string {
	return fmt.Sprintf("saved connection '%s' not found", e.ID)
}

// PasswordRequiredError 表示连接因为需要密码而失败
type PasswordRequiredError struct {
	Alias string
}

func (e *PasswordRequiredError) Error() string {
	return fmt.Sprintf("password is required for host %s", e.Alias)
}

// HostKeyVerificationRequiredError 表示需要用户确认一个新的主机指纹
type HostKeyVerificationRequiredError struct {
	Alias       string `json:"alias"`
	Fingerprint string `json:"fingerprint"`
	HostAddress string `json:"hostAddress"`
}

func (e *HostKeyVerificationRequiredError) Error() string {
	return fmt.Sprintf("host key verification required for host %s (%s)", e.Alias, e.HostAddress)
}

// AuthenticationFailedError 表示尝试连接但因凭据错误而失败
type AuthenticationFailedError struct {
	Alias string
}

func (e *AuthenticationFailedError) Error() string {
	return fmt.Sprintf("authentication failed for host %s", e.Alias)
}

type VerifyResult struct {
	Success          bool   `json:"success"`
	ErrorMessage     string `json:"errorMessage,omitempty"`
	ServerVersion    string `json:"serverVersion,omitempty"`
	RemoteRootExists bool   `json:"remoteRootExists"`
	RemoteRootIsDir  bool   `json:"remoteRootIsDir"`

	PasswordRequired            *PasswordRequiredError            `json:"passwordRequired,omitempty"`
	HostKeyVerificationRequired *HostKeyVerificationRequiredError `json:"hostKeyVerificationRequired,omitempty"`
}

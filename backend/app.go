package backend

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"runicorn-client/backend/internal/config"
	"runicorn-client/backend/internal/connstore"
	"runicorn-client/backend/internal/download"
	"runicorn-client/backend/internal/remoteapi"
	"runicorn-client/backend/internal/sshcheck"
	"runicorn-client/backend/pkg/sshconfig"
	"runicorn-client/backend/pkg/types"
	"runicorn-client/backend/service/devserver"
)

// StartupOptions 覆盖默认路径，测试和命令行参数使用
type StartupOptions struct {
	ConfigPath string // 为空时使用 <UserConfigDir>/Runicorn/client.yaml
	LogDir     string // 为空时与配置文件同目录
	APIURL     string // 命令行 --api，优先级高于配置文件和环境变量
}

// DownloadHandlers 是 PollDownload 的回调
type DownloadHandlers = download.ProgressHandlers

// App struct
type App struct {
	ctx           context.Context
	configManager *config.Manager
	logger        *zap.Logger
	logFile       *os.File
	out           io.Writer
	apiOverride   string

	api     *remoteapi.Client
	secrets connstore.SecretStore
	checker *sshcheck.Checker

	connections *connstore.Store
	downloads   *download.Service

	isDebug bool
}

// NewApp creates a new App. Notifications are printed to out.
func NewApp(isDebug bool, out io.Writer) *App {
	if out == nil {
		out = os.Stdout
	}
	return &App{
		isDebug: isDebug,
		out:     out,
		logger:  zap.NewNop(),
	}
}

func (a *App) Ctx() context.Context {
	return a.ctx
}

func (a *App) IsDebug() bool {
	return a.isDebug
}

func (a *App) Logger() *zap.Logger {
	return a.logger
}

func (a *App) Config() config.Config {
	return a.configManager.Get()
}

func (a *App) ConfigManager() *config.Manager {
	return a.configManager
}

// Startup 加载配置、初始化日志并创建各个组件
func (a *App) Startup(ctx context.Context, opts StartupOptions) error {
	a.ctx = ctx

	configPath := opts.ConfigPath
	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return fmt.Errorf("无法获取用户配置目录: %w", err)
		}
		configPath = p
	}
	a.configManager = config.NewManager(configPath)
	configErr := a.configManager.Load()

	a.apiOverride = opts.APIURL
	cfg := a.configManager.Get()
	if cfg.Debug {
		a.isDebug = true
	}

	// --- 日志文件初始化 ---
	logDir := opts.LogDir
	if logDir == "" {
		logDir = filepath.Dir(configPath) // 日志和配置放同一个目录
	}
	a.initLogger(logDir)
	a.logger.Info("-------------------- App Starting --------------------",
		zap.Bool("debug", a.isDebug),
		zap.String("config", configPath))
	if configErr != nil {
		return fmt.Errorf("load config: %w", configErr)
	}

	var err error
	a.api, err = remoteapi.NewClient(a.baseURL(cfg),
		remoteapi.WithTimeout(cfg.RequestTimeout),
		remoteapi.WithLogger(a.logger.Named("api")))
	if err != nil {
		return err
	}

	storeOpts := []connstore.Option{connstore.WithLogger(a.logger.Named("connections"))}
	checkerOpts := []sshcheck.Option{sshcheck.WithLogger(a.logger.Named("sshcheck"))}
	if cfg.UseKeyring {
		a.secrets = connstore.NewKeyringSecrets()
		storeOpts = append(storeOpts, connstore.WithSecretStore(a.secrets))
		checkerOpts = append(checkerOpts, sshcheck.WithPasswordSource(a.secrets))
	}
	a.connections = connstore.NewStore(a.api, storeOpts...)
	a.downloads = download.NewService(a.api,
		download.WithNotifier(download.FuncNotifier(a.emitLog)),
		download.WithLogger(a.logger.Named("download")),
		download.WithPollInterval(cfg.PollInterval))

	a.checker, err = sshcheck.NewChecker(cfg.KnownHosts, checkerOpts...)
	if err != nil {
		// 预检不可用不影响其它功能
		a.logger.Warn("初始化 SSH 预检失败", zap.Error(err))
	}
	return nil
}

// SetConfig 修改一个配置项并写回配置文件，返回新的配置。
// 正在运行的 serve 会通过文件监控收到变化。
func (a *App) SetConfig(key, value string) (config.Config, error) {
	cfg := a.configManager.Get()
	if err := cfg.Set(key, value); err != nil {
		return cfg, err
	}
	if err := a.configManager.Save(cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	a.logger.Info("config updated", zap.String("key", key))
	return cfg, nil
}

// baseURL 返回后端地址，命令行 --api 优先
func (a *App) baseURL(cfg config.Config) string {
	if a.apiOverride != "" {
		return a.apiOverride
	}
	return cfg.BaseURL()
}

// initLogger 创建日志文件；调试模式下同时输出到终端
func (a *App) initLogger(logDir string) {
	level := zapcore.InfoLevel
	if a.isDebug {
		level = zapcore.DebugLevel
	}

	var cores []zapcore.Core
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		// 如果创建目录失败，也别让程序崩溃，只是打印出来
		fmt.Fprintf(os.Stderr, "警告: 创建日志目录失败: %v\n", err)
	} else {
		logFilePath := filepath.Join(logDir, "app.log")
		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o660)
		if err != nil {
			fmt.Fprintf(os.Stderr, "警告: 打开日志文件失败: %v\n", err)
		} else {
			a.logFile = logFile
			encCfg := zap.NewProductionEncoderConfig()
			encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(logFile), level))
		}
	}
	if a.isDebug {
		cores = append(cores, zapcore.NewCore(
			zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()),
			zapcore.Lock(os.Stderr),
			level))
	}
	if len(cores) == 0 {
		a.logger = zap.NewNop()
		return
	}
	a.logger = zap.New(zapcore.NewTee(cores...))
}

// Shutdown 刷新日志并关闭日志文件
func (a *App) Shutdown() {
	a.logger.Info("app shutdown")
	_ = a.logger.Sync()
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

// emitLog 把面向用户的通知打印出来，同时写入日志
func (a *App) emitLog(level, message string) {
	entry := types.LogEntry{
		Timestamp: time.Now().Format("15:04:05"),
		Level:     level,
		Message:   message,
	}
	fmt.Fprintf(a.out, "[%s] %-7s %s\n", entry.Timestamp, entry.Level, entry.Message)
	a.logger.Info("notify", zap.String("level", entry.Level), zap.String("message", entry.Message))
}

// StorageMode 查询后端当前的存储模式
func (a *App) StorageMode(ctx context.Context) (types.StorageMode, error) {
	return a.api.StorageMode(ctx)
}

// -----保存的连接-------------------------------------------------

// LoadConnections 从后端重新拉取连接列表。拉取失败时返回错误，
// 此时本地列表为空，后续的写操作都会被拒绝，避免用空列表覆盖后端。
func (a *App) LoadConnections(ctx context.Context) ([]types.SavedConnection, error) {
	a.connections.Load(ctx)
	if err := a.connections.LoadErr(); err != nil {
		return nil, fmt.Errorf("load saved connections: %w", err)
	}
	return a.connections.Connections(), nil
}

// writableConnections 写操作前调用：最近一次加载失败或从未加载时拒绝写入
func (a *App) writableConnections() error {
	if err := a.connections.LoadErr(); err != nil {
		return fmt.Errorf("refusing to write saved connections: %w", err)
	}
	return nil
}

// GetConnection 查本地已加载的列表
func (a *App) GetConnection(id string) (types.SavedConnection, error) {
	return a.savedConnection(id)
}

func (a *App) SaveConnection(ctx context.Context, cfg types.ConnectionConfig, condaEnv string) (string, error) {
	if err := a.writableConnections(); err != nil {
		return "", err
	}
	return a.connections.SaveConnection(ctx, cfg, condaEnv)
}

// UpdateConnection 只修改已存在的连接
func (a *App) UpdateConnection(ctx context.Context, id string, patch types.ConnectionPatch) error {
	if err := a.writableConnections(); err != nil {
		return err
	}
	if _, err := a.savedConnection(id); err != nil {
		return err
	}
	return a.connections.UpdateConnection(ctx, id, patch)
}

func (a *App) DeleteConnection(ctx context.Context, id string) error {
	if err := a.writableConnections(); err != nil {
		return err
	}
	return a.connections.DeleteConnection(ctx, id)
}

// -----下载-------------------------------------------------

func (a *App) IsRemoteMode(ctx context.Context) bool {
	return a.downloads.CheckIsRemoteMode(ctx)
}

// StartDownload 返回任务 ID；失败时已经通过通知告知用户
func (a *App) StartDownload(ctx context.Context, name, version, artifactType string) (string, bool) {
	return a.downloads.StartArtifactDownload(ctx, name, version, artifactType)
}

// PollDownload 阻塞轮询直到任务结束或 ctx 取消
func (a *App) PollDownload(ctx context.Context, taskID string, h DownloadHandlers) error {
	return a.downloads.PollDownloadProgress(ctx, taskID, h)
}

func (a *App) CancelDownload(ctx context.Context, taskID string) bool {
	return a.downloads.CancelArtifactDownload(ctx, taskID)
}

// -----ssh连接预检-------------------------------------------------

func (a *App) savedConnection(id string) (types.SavedConnection, error) {
	conn, ok := a.connections.GetConnection(id)
	if !ok {
		return types.SavedConnection{}, &types.ConnectionNotFoundError{ID: id}
	}
	return conn, nil
}

// VerifyConnection 对已保存的连接做一次 SSH 预检
func (a *App) VerifyConnection(ctx context.Context, id, password string) (*types.VerifyResult, error) {
	if a.checker == nil {
		return nil, fmt.Errorf("ssh pre-flight check is unavailable")
	}
	conn, err := a.savedConnection(id)
	if err != nil {
		return nil, err
	}
	a.logger.Info("verifying connection", zap.String("id", id), zap.String("host", conn.Address()))
	return a.checker.Verify(ctx, conn, password)
}

// TrustHost 用户确认后，接受主机指纹
func (a *App) TrustHost(ctx context.Context, id string) (string, error) {
	if a.checker == nil {
		return "", fmt.Errorf("ssh pre-flight check is unavailable")
	}
	conn, err := a.savedConnection(id)
	if err != nil {
		return "", err
	}
	return a.checker.TrustHost(ctx, conn)
}

// ImportSSHConfig 把 ~/.ssh/config 中的主机保存为连接。aliases 为空时导入全部。
// 导入前重新加载连接列表；已存在相同 host/port/username 的条目会被跳过。返回新保存的连接 ID。
func (a *App) ImportSSHConfig(ctx context.Context, path string, aliases []string) ([]string, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home dir: %w", err)
		}
		path = filepath.Join(home, ".ssh", "config")
	}
	hosts, err := sshconfig.Load(path)
	if err != nil {
		return nil, err
	}

	selected := hosts
	if len(aliases) > 0 {
		selected = selected[:0:0]
		for _, alias := range aliases {
			h, ok := sshconfig.Find(hosts, alias)
			if !ok {
				return nil, fmt.Errorf("host %q not found in %s", alias, path)
			}
			selected = append(selected, h)
		}
	}

	if _, err := a.LoadConnections(ctx); err != nil {
		return nil, err
	}

	var ids []string
	for _, h := range selected {
		cfg := h.ToConnectionConfig()
		if a.hasConnection(cfg) {
			a.logger.Info("skip existing connection", zap.String("alias", h.Alias))
			continue
		}
		id, err := a.connections.SaveConnection(ctx, cfg, "")
		if err != nil {
			return ids, fmt.Errorf("import %s: %w", h.Alias, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *App) hasConnection(cfg types.ConnectionConfig) bool {
	for _, c := range a.connections.Connections() {
		if c.Host == cfg.Host && c.Port == cfg.Port && c.Username == cfg.Username {
			return true
		}
	}
	return false
}

// -----开发服务器-------------------------------------------------

// NewDevServer 按当前配置创建开发服务器
func (a *App) NewDevServer(listen string) (*devserver.Server, error) {
	cfg := a.configManager.Get()
	if listen == "" {
		listen = cfg.Listen
	}
	return devserver.New(devserver.Config{
		Listen:       listen,
		BackendURL:   a.baseURL(cfg),
		FrontendDist: cfg.FrontendDist,
	}, a.downloads, a.logger.Named("devserver"))
}

// WatchConfig 监控配置文件，后端地址变化时切换代理目标。阻塞直到 ctx 取消。
func (a *App) WatchConfig(ctx context.Context, srv *devserver.Server) error {
	w := config.NewWatcher(a.configManager, a.logger.Named("config"))
	w.OnChange(func(cfg config.Config) {
		if err := srv.SetBackend(a.baseURL(cfg)); err != nil {
			a.logger.Warn("retarget proxy failed", zap.Error(err))
		}
	})
	return w.Run(ctx)
}

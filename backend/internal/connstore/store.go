package connstore

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"runicorn-client/backend/pkg/types"
)

// Remote 是保存连接所依赖的后端接口（只有整表读取和整表覆盖）
type Remote interface {
	ListSavedConnections(ctx context.Context) ([]types.SavedConnection, error)
	ReplaceSavedConnections(ctx context.Context, conns []types.SavedConnection) error
}

// --- 连接档案存储 ---

// Store 在本地缓存已保存的连接，每次修改都把完整列表写回后端。
// 同一个 Store 内的修改操作是串行的；跨进程的并发写入仍然是后写覆盖先写。
type Store struct {
	remote  Remote
	secrets SecretStore
	logger  *zap.Logger
	now     func() time.Time

	// writeMu 在整个往返期间持有，串行化修改操作
	writeMu sync.Mutex

	mu          sync.RWMutex
	connections []types.SavedConnection
	loading     bool
	loaded      bool
	loadErr     error
}

// ErrNotLoaded is returned by LoadErr before the first Load.
var ErrNotLoaded = errors.New("saved connections not loaded")

// Option configures a Store.
type Option func(*Store)

// WithSecretStore 启用钥匙串：密码不再上传到后端，而是按连接 ID 存入 SecretStore
func WithSecretStore(s SecretStore) Option {
	return func(st *Store) { st.secrets = s }
}

// WithLogger sets the store logger.
func WithLogger(l *zap.Logger) Option {
	return func(st *Store) {
		if l != nil {
			st.logger = l
		}
	}
}

// WithClock overrides time.Now, used for ids and createdAt.
func WithClock(now func() time.Time) Option {
	return func(st *Store) { st.now = now }
}

func NewStore(remote Remote, opts ...Option) *Store {
	s := &Store{
		remote:      remote,
		logger:      zap.NewNop(),
		now:         time.Now,
		connections: make([]types.SavedConnection, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load 从后端拉取一次完整列表。失败只记录日志，列表保持为空，不向调用方报错；
// 结果可以通过 LoadErr 查询。Load 与修改操作互斥，避免旧列表覆盖刚提交的修改。
func (s *Store) Load(ctx context.Context) {
	s.mu.Lock()
	s.loading = true
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	conns, err := s.remote.ListSavedConnections(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	s.loaded = true
	s.loadErr = err
	if err != nil {
		s.logger.Warn("failed to load saved connections", zap.Error(err))
		s.connections = make([]types.SavedConnection, 0)
		return
	}
	if s.secrets != nil {
		for i := range conns {
			conns[i] = s.hydrate(conns[i])
		}
	}
	s.connections = conns
	s.logger.Debug("saved connections loaded", zap.Int("count", len(conns)))
}

// LoadErr 返回最近一次 Load 的错误。还没有 Load 过时返回 ErrNotLoaded。
// 空列表加上非 nil 错误表示本地状态不可信，不应据此整表写回。
func (s *Store) LoadErr() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.loaded {
		return ErrNotLoaded
	}
	return s.loadErr
}

// Loading reports whether Load is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Connections 返回当前列表的副本
func (s *Store) Connections() []types.SavedConnection {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SavedConnection, len(s.connections))
	copy(out, s.connections)
	return out
}

// GetConnection 只查本地状态，不访问网络
func (s *Store) GetConnection(id string) (types.SavedConnection, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.connections {
		if c.ID == id {
			return c, true
		}
	}
	return types.SavedConnection{}, false
}

// SaveConnection 根据连接参数新建一条记录，追加后整表写回，成功后返回新 ID
func (s *Store) SaveConnection(ctx context.Context, cfg types.ConnectionConfig, condaEnv string) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.now()
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = fmt.Sprintf("%s@%s", cfg.Username, cfg.Host)
	}
	conn := types.SavedConnection{
		ID:             newConnectionID(now),
		Name:           name,
		Host:           cfg.Host,
		Port:           cfg.Port,
		Username:       cfg.Username,
		AuthMethod:     cfg.AuthMethod,
		Password:       cfg.Password,
		PrivateKeyPath: cfg.PrivateKeyPath,
		CondaEnv:       condaEnv,
		RemoteRoot:     cfg.RemoteRoot,
		LocalPort:      cfg.LocalPort,
		RemotePort:     cfg.RemotePort,
		CreatedAt:      now.UnixMilli(),
	}

	next := append(s.Connections(), conn)
	if err := s.commit(ctx, next, conn); err != nil {
		return "", err
	}
	s.logger.Info("saved connection", zap.String("id", conn.ID), zap.String("name", conn.Name))
	return conn.ID, nil
}

// UpdateConnection 浅合并字段后整表写回。ID 不存在时内容不变，但仍然写回一次。
func (s *Store) UpdateConnection(ctx context.Context, id string, patch types.ConnectionPatch) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Connections()
	var changed *types.SavedConnection
	for i, c := range next {
		if c.ID == id {
			next[i] = patch.Apply(c)
			next[i].ID = c.ID
			next[i].CreatedAt = c.CreatedAt
			changed = &next[i]
			break
		}
	}
	if changed == nil {
		s.logger.Debug("update of unknown connection", zap.String("id", id))
		return s.commit(ctx, next)
	}
	return s.commit(ctx, next, *changed)
}

// DeleteConnection 按 ID 过滤后整表写回。ID 不存在时同样写回一次。
func (s *Store) DeleteConnection(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current := s.Connections()
	next := make([]types.SavedConnection, 0, len(current))
	found := false
	for _, c := range current {
		if c.ID == id {
			found = true
			continue
		}
		next = append(next, c)
	}
	if err := s.commit(ctx, next); err != nil {
		return err
	}
	if found && s.secrets != nil {
		if err := s.secrets.Delete(id); err != nil {
			s.logger.Warn("failed to delete stored password", zap.String("id", id), zap.Error(err))
		}
	}
	return nil
}

// commit 先写后端，成功后才更新本地状态。touched 是本次新建或修改的记录。
// 启用钥匙串时，列表中所有带密码的记录都会先写入钥匙串再从上传内容中去掉，
// 这样开启钥匙串之前已经上传过的密码也会迁移过来，不会丢失。
func (s *Store) commit(ctx context.Context, next []types.SavedConnection, touched ...types.SavedConnection) error {
	wire := next
	if s.secrets != nil {
		for _, c := range touched {
			if c.Password == "" {
				s.clearSecret(c.ID)
			}
		}
		wire = make([]types.SavedConnection, len(next))
		for i, c := range next {
			if c.Password != "" {
				if err := s.secrets.Set(c.ID, c.Password); err != nil {
					return fmt.Errorf("store password for %s: %w", c.ID, err)
				}
			}
			c.Password = ""
			wire[i] = c
		}
	}

	if err := s.remote.ReplaceSavedConnections(ctx, wire); err != nil {
		return fmt.Errorf("write saved connections: %w", err)
	}

	s.mu.Lock()
	s.connections = next
	s.mu.Unlock()
	return nil
}

// clearSecret 密码被清空时删除钥匙串中的旧值
func (s *Store) clearSecret(id string) {
	if err := s.secrets.Delete(id); err != nil {
		s.logger.Warn("failed to clear stored password", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) hydrate(c types.SavedConnection) types.SavedConnection {
	if c.Password != "" {
		return c
	}
	pw, err := s.secrets.Get(c.ID)
	if err != nil {
		return c
	}
	c.Password = pw
	return c
}

// newConnectionID 生成 conn_<毫秒时间戳>_<9 位 base36 随机串>
func newConnectionID(now time.Time) string {
	return "conn_" + strconv.FormatInt(now.UnixMilli(), 10) + "_" + randomBase36(9)
}

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

func randomBase36(n int) string {
	var sb strings.Builder
	sb.Grow(n)
	max := big.NewInt(int64(len(base36)))
	for i := 0; i < n; i++ {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand 不可用时退化为时间种子
			sb.WriteByte(base36[time.Now().UnixNano()%int64(len(base36))])
			continue
		}
		sb.WriteByte(base36[v.Int64()])
	}
	return sb.String()
}

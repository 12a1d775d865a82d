package connstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"

	"runicorn-client/backend/internal/remoteapi"
	"runicorn-client/backend/pkg/remoteapitest"
	"runicorn-client/backend/pkg/types"
)

var fixedNow = time.UnixMilli(1_700_000_000_123)

func newTestStore(t *testing.T, opts ...Option) (*Store, *remoteapitest.Backend) {
	t.Helper()
	backend := remoteapitest.NewBackend()
	t.Cleanup(backend.Close)
	client, err := remoteapi.NewClient(backend.URL)
	require.NoError(t, err)
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewStore(client, opts...), backend
}

func lastWrite(t *testing.T, backend *remoteapitest.Backend) []map[string]any {
	t.Helper()
	writes := backend.Writes()
	require.NotEmpty(t, writes)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(writes[len(writes)-1], &out))
	return out
}

func seed() []types.SavedConnection {
	return []types.SavedConnection{
		{ID: "conn_1_aaaaaaaaa", Name: "alice@gpu01", Host: "gpu01", Port: 22, Username: "alice", AuthMethod: types.AuthKey, PrivateKeyPath: "~/.ssh/id_ed25519", CreatedAt: 1},
		{ID: "conn_2_bbbbbbbbb", Name: "bob@gpu02", Host: "gpu02", Port: 2222, Username: "bob", AuthMethod: types.AuthPassword, Password: "hunter2", CreatedAt: 2},
	}
}

// TestLoad_Success 测试挂载时加载
func TestLoad_Success(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())

	store.Load(context.Background())

	if diff := cmp.Diff(seed(), store.Connections()); diff != "" {
		t.Errorf("connections mismatch (-want +got):\n%s", diff)
	}
	assert.False(t, store.Loading())
}

// TestLoad_FailureLeavesEmpty 测试加载失败时列表为空且不报错
func TestLoad_FailureLeavesEmpty(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	backend.Configure(func(b *remoteapitest.Backend) { b.ListStatus = http.StatusInternalServerError })

	store.Load(context.Background())

	assert.Empty(t, store.Connections())
	assert.False(t, store.Loading())
	assert.Error(t, store.LoadErr())
}

func TestLoadErr(t *testing.T) {
	store, backend := newTestStore(t)
	assert.ErrorIs(t, store.LoadErr(), ErrNotLoaded)

	backend.SetConnections(seed())
	store.Load(context.Background())
	assert.NoError(t, store.LoadErr())

	backend.Configure(func(b *remoteapitest.Backend) { b.ListStatus = http.StatusInternalServerError })
	store.Load(context.Background())
	assert.True(t, remoteapi.IsStatus(store.LoadErr(), http.StatusInternalServerError))
}

// gatedRemote 在 List 中阻塞，返回调用前的旧列表
type gatedRemote struct {
	listCalled chan struct{}
	release    chan struct{}

	mu     sync.Mutex
	stored []types.SavedConnection
}

func (g *gatedRemote) ListSavedConnections(ctx context.Context) ([]types.SavedConnection, error) {
	g.mu.Lock()
	stale := append([]types.SavedConnection(nil), g.stored...)
	g.mu.Unlock()
	close(g.listCalled)
	<-g.release
	return stale, nil
}

func (g *gatedRemote) ReplaceSavedConnections(ctx context.Context, conns []types.SavedConnection) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stored = append([]types.SavedConnection(nil), conns...)
	return nil
}

// TestLoad_DoesNotClobberConcurrentSave 加载期间的保存不会被旧列表覆盖
func TestLoad_DoesNotClobberConcurrentSave(t *testing.T) {
	remote := &gatedRemote{listCalled: make(chan struct{}), release: make(chan struct{}), stored: seed()}
	store := NewStore(remote)

	loaded := make(chan struct{})
	go func() {
		store.Load(context.Background())
		close(loaded)
	}()
	<-remote.listCalled

	saved := make(chan error, 1)
	go func() {
		_, err := store.SaveConnection(context.Background(), types.ConnectionConfig{Host: "gpu03", Username: "carol", Port: 22}, "")
		saved <- err
	}()
	close(remote.release)
	<-loaded
	require.NoError(t, <-saved)

	assert.Len(t, store.Connections(), 3)
	remote.mu.Lock()
	defer remote.mu.Unlock()
	assert.Len(t, remote.stored, 3)
}

type blockingRemote struct {
	release chan struct{}
}

func (b *blockingRemote) ListSavedConnections(ctx context.Context) ([]types.SavedConnection, error) {
	<-b.release
	return nil, nil
}

func (b *blockingRemote) ReplaceSavedConnections(ctx context.Context, conns []types.SavedConnection) error {
	return nil
}

func TestLoading_TrueWhileInFlight(t *testing.T) {
	remote := &blockingRemote{release: make(chan struct{})}
	store := NewStore(remote)

	done := make(chan struct{})
	go func() {
		store.Load(context.Background())
		close(done)
	}()

	require.Eventually(t, store.Loading, time.Second, time.Millisecond)
	close(remote.release)
	<-done
	assert.False(t, store.Loading())
}

// TestSaveConnection_Scenario 新增连接后，后端收到 N+1 条记录
func TestSaveConnection_Scenario(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	id, err := store.SaveConnection(context.Background(), types.ConnectionConfig{
		Host: "a", Username: "u", Port: 22, AuthMethod: types.AuthPassword,
	}, "")
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^conn_1700000000123_[0-9a-z]{9}$`), id)

	got := lastWrite(t, backend)
	require.Len(t, got, len(seed())+1)
	last := got[len(got)-1]
	assert.Equal(t, "u@a", last["name"])
	assert.Equal(t, float64(fixedNow.UnixMilli()), last["createdAt"])
	assert.Equal(t, id, last["id"])
	for _, key := range []string{"password", "privateKeyPath", "condaEnv", "remoteRoot", "localPort", "remotePort"} {
		_, present := last[key]
		assert.False(t, present, "absent field %q must be omitted", key)
	}
	assert.Len(t, store.Connections(), len(seed())+1)
}

func TestSaveConnection_KeepsNameAndCondaEnv(t *testing.T) {
	store, backend := newTestStore(t)

	id, err := store.SaveConnection(context.Background(), types.ConnectionConfig{
		Name: "training box", Host: "gpu03", Username: "carol", Port: 22,
		AuthMethod: types.AuthKey, PrivateKeyPath: "/keys/id", RemoteRoot: "/data/runicorn",
	}, "torch2")
	require.NoError(t, err)

	got, ok := store.GetConnection(id)
	require.True(t, ok)
	want := types.SavedConnection{
		ID: id, Name: "training box", Host: "gpu03", Port: 22, Username: "carol",
		AuthMethod: types.AuthKey, PrivateKeyPath: "/keys/id", CondaEnv: "torch2",
		RemoteRoot: "/data/runicorn", CreatedAt: fixedNow.UnixMilli(),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "torch2", lastWrite(t, backend)[0]["condaEnv"])
}

// TestSaveConnection_FailureLeavesStateUnchanged 写入失败时本地状态不变并返回错误
func TestSaveConnection_FailureLeavesStateUnchanged(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())
	backend.Configure(func(b *remoteapitest.Backend) { b.SaveStatus = http.StatusInternalServerError })

	id, err := store.SaveConnection(context.Background(), types.ConnectionConfig{Host: "a", Username: "u", Port: 22}, "")
	require.Error(t, err)
	assert.Empty(t, id)

	var apiErr *remoteapi.APIError
	assert.True(t, errors.As(err, &apiErr))
	assert.Len(t, store.Connections(), len(seed()))
	assert.Len(t, backend.Connections(), len(seed()))
}

func TestGetConnection_NotFound(t *testing.T) {
	store, _ := newTestStore(t)
	_, ok := store.GetConnection("missing")
	assert.False(t, ok)
}

// TestUpdateConnection_Merge 测试浅合并
func TestUpdateConnection_Merge(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	name := "renamed"
	port := 2200
	require.NoError(t, store.UpdateConnection(context.Background(), "conn_1_aaaaaaaaa", types.ConnectionPatch{Name: &name, Port: &port}))

	got, ok := store.GetConnection("conn_1_aaaaaaaaa")
	require.True(t, ok)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, 2200, got.Port)
	assert.Equal(t, "gpu01", got.Host)
	assert.Equal(t, int64(1), got.CreatedAt)

	written := lastWrite(t, backend)
	require.Len(t, written, 2)
	assert.Equal(t, "renamed", written[0]["name"])
}

func TestUpdateConnection_ClearField(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	empty := ""
	require.NoError(t, store.UpdateConnection(context.Background(), "conn_2_bbbbbbbbb", types.ConnectionPatch{Password: &empty}))

	written := lastWrite(t, backend)
	_, present := written[1]["password"]
	assert.False(t, present)
}

func TestUpdateConnection_UnknownIDStillWrites(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	name := "x"
	require.NoError(t, store.UpdateConnection(context.Background(), "nope", types.ConnectionPatch{Name: &name}))

	require.Len(t, backend.Writes(), 1)
	if diff := cmp.Diff(seed(), backend.Connections()); diff != "" {
		t.Errorf("collection changed (-want +got):\n%s", diff)
	}
}

func TestUpdateConnection_FailureLeavesStateUnchanged(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())
	backend.Configure(func(b *remoteapitest.Backend) { b.SaveNotOK = true })

	name := "x"
	require.Error(t, store.UpdateConnection(context.Background(), "conn_1_aaaaaaaaa", types.ConnectionPatch{Name: &name}))
	got, _ := store.GetConnection("conn_1_aaaaaaaaa")
	assert.Equal(t, "alice@gpu01", got.Name)
}

// TestDeleteConnection 测试删除
func TestDeleteConnection(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	require.NoError(t, store.DeleteConnection(context.Background(), "conn_1_aaaaaaaaa"))

	conns := store.Connections()
	require.Len(t, conns, 1)
	assert.Equal(t, "conn_2_bbbbbbbbb", conns[0].ID)
	assert.Len(t, backend.Connections(), 1)
}

// TestDeleteConnection_UnknownID 删除不存在的 ID：内容不变，仍然写回一次
func TestDeleteConnection_UnknownID(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())

	require.NoError(t, store.DeleteConnection(context.Background(), "missing"))

	require.Len(t, backend.Writes(), 1)
	if diff := cmp.Diff(seed(), store.Connections()); diff != "" {
		t.Errorf("collection changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(seed(), backend.Connections()); diff != "" {
		t.Errorf("backend collection changed (-want +got):\n%s", diff)
	}
}

func TestDeleteConnection_Failure(t *testing.T) {
	store, backend := newTestStore(t)
	backend.SetConnections(seed())
	store.Load(context.Background())
	backend.Configure(func(b *remoteapitest.Backend) { b.SaveStatus = http.StatusServiceUnavailable })

	require.Error(t, store.DeleteConnection(context.Background(), "conn_1_aaaaaaaaa"))
	assert.Len(t, store.Connections(), 2)
}

// TestSaveConnection_ConcurrentWritersSerialized 同一个 Store 上的并发写入不会互相覆盖
func TestSaveConnection_ConcurrentWritersSerialized(t *testing.T) {
	store, backend := newTestStore(t, WithClock(time.Now))

	const n = 10
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.SaveConnection(context.Background(), types.ConnectionConfig{
				Host: fmt.Sprintf("h%d", i), Username: "u", Port: 22,
			}, "")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, store.Connections(), n)
	assert.Len(t, backend.Connections(), n)
}

func TestSaveConnection_UniqueIDs(t *testing.T) {
	store, _ := newTestStore(t)
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		id, err := store.SaveConnection(context.Background(), types.ConnectionConfig{Host: "h", Username: "u", Port: 22}, "")
		require.NoError(t, err)
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

// TestKeyring_PasswordNotUploaded 启用钥匙串后密码不上传，重新加载时从钥匙串恢复
func TestKeyring_PasswordNotUploaded(t *testing.T) {
	keyring.MockInit()
	secrets := NewKeyringSecrets()

	store, backend := newTestStore(t, WithSecretStore(secrets))
	id, err := store.SaveConnection(context.Background(), types.ConnectionConfig{
		Host: "gpu01", Username: "alice", Port: 22, AuthMethod: types.AuthPassword, Password: "s3cret",
	}, "")
	require.NoError(t, err)

	_, present := lastWrite(t, backend)[0]["password"]
	assert.False(t, present)

	got, _ := store.GetConnection(id)
	assert.Equal(t, "s3cret", got.Password)

	client, err := remoteapi.NewClient(backend.URL)
	require.NoError(t, err)
	reloaded := NewStore(client, WithSecretStore(secrets))
	reloaded.Load(context.Background())
	got, ok := reloaded.GetConnection(id)
	require.True(t, ok)
	assert.Equal(t, "s3cret", got.Password)

	require.NoError(t, reloaded.DeleteConnection(context.Background(), id))
	_, err = secrets.Get(id)
	assert.ErrorIs(t, err, keyring.ErrNotFound)
}

// TestKeyring_MigratesUploadedPasswords 开启钥匙串前已上传的密码，在下一次写入时迁移到钥匙串
func TestKeyring_MigratesUploadedPasswords(t *testing.T) {
	keyring.MockInit()
	secrets := NewKeyringSecrets()

	store, backend := newTestStore(t, WithSecretStore(secrets))
	backend.SetConnections(seed())
	store.Load(context.Background())

	_, err := store.SaveConnection(context.Background(), types.ConnectionConfig{
		Host: "gpu03", Username: "carol", Port: 22, AuthMethod: types.AuthKey,
	}, "")
	require.NoError(t, err)

	for _, c := range lastWrite(t, backend) {
		_, present := c["password"]
		assert.False(t, present, "password of %v uploaded", c["id"])
	}
	pw, err := secrets.Get("conn_2_bbbbbbbbb")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", pw)

	client, err := remoteapi.NewClient(backend.URL)
	require.NoError(t, err)
	reloaded := NewStore(client, WithSecretStore(secrets))
	reloaded.Load(context.Background())
	got, ok := reloaded.GetConnection("conn_2_bbbbbbbbb")
	require.True(t, ok)
	assert.Equal(t, "hunter2", got.Password)
}

func TestKeyringSecrets_DeleteMissingIsNoop(t *testing.T) {
	keyring.MockInit()
	assert.NoError(t, NewKeyringSecrets().Delete("never-stored"))
}

func TestNewConnectionID_Format(t *testing.T) {
	id := newConnectionID(time.UnixMilli(42))
	assert.Regexp(t, `^conn_42_[0-9a-z]{9}$`, id)
}

package connstore

import (
	"errors"

	"github.com/zalando/go-keyring"
)

// 定义钥匙串服务的名称
const keyringService = "Runicorn-Saved-Connections"

// SecretStore 保存连接密码的地方，按连接 ID 索引
type SecretStore interface {
	Get(id string) (string, error)
	Set(id, password string) error
	Delete(id string) error
}

// KeyringSecrets 将密码存入系统钥匙串
type KeyringSecrets struct {
	Service string
}

// NewKeyringSecrets returns a SecretStore backed by the OS keychain.
func NewKeyringSecrets() *KeyringSecrets {
	return &KeyringSecrets{Service: keyringService}
}

func (k *KeyringSecrets) Get(id string) (string, error) {
	return keyring.Get(k.Service, id)
}

func (k *KeyringSecrets) Set(id, password string) error {
	return keyring.Set(k.Service, id, password)
}

// Delete 删除密码，本来就不存在也算成功
func (k *KeyringSecrets) Delete(id string) error {
	err := keyring.Delete(k.Service, id)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return err
}

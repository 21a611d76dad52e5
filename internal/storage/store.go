// internal/storage/store.go
package storage

import (
	"encoding/json"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrNotFound 键不存在
var ErrNotFound = errors.New("key not found")

// Store 本地键值存储。值为原始 JSON 文本。
type Store interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
	Delete(key string) error
	// Keys 返回所有以 prefix 开头的键，按字典序排列
	Keys(prefix string) ([]string, error)
	Close() error
}

// Open 根据后端名称打开存储
func Open(backend, dataDir string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(filepath.Join(dataDir, "store"))
	case "sqlite":
		return NewSQLiteStore(filepath.Join(dataDir, "minichat.db"))
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown storage backend %q", backend)
	}
}

// GetJSON 读取并解析键对应的 JSON 值
func GetJSON(s Store, key string, v interface{}) error {
	data, err := s.Get(key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Wrapf(err, "decode %s", key)
	}
	return nil
}

// SetJSON 序列化 v 并写入键
func SetJSON(s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return s.Set(key, data)
}

// IsNotFound 判断错误是否为键不存在
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

package persistence

import (
	"grid-engine-go/internal/models"

	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v3"
	"github.com/pkg/errors"
)

const keyPrefix = "engine_state/"

var (
	ErrEmptySnapshot   = errors.New("snapshot value is empty in database")
	ErrSnapshotVersion = errors.New("unsupported snapshot version")
	ErrMissingSymbol   = errors.New("snapshot has no symbol")
)

// badgerRepository 基于 BadgerDB 的快照存储, 每个交易对一个键
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository 打开 dbPath 下的数据库; dbPath 为空时使用内存模式 (模拟盘、回测和测试)
func NewBadgerRepository(dbPath string) (StateRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger 自己的日志会淹没应用日志, 错误仍然通过返回值传递
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrapf(err, "open badger at %q", dbPath)
	}
	return &badgerRepository{db: db}, nil
}

func snapshotKey(symbol string) []byte { return []byte(keyPrefix + symbol) }

// SaveSnapshot 序列化快照并写入该交易对的键
func (r *badgerRepository) SaveSnapshot(snapshot *models.EngineSnapshot) error {
	if snapshot == nil || snapshot.Symbol == "" {
		return ErrMissingSymbol
	}
	data, err := sonic.Marshal(snapshot)
	if err != nil {
		return errors.Wrap(err, "marshal snapshot")
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(snapshot.Symbol), data)
	})
}

// LoadSnapshot 读取快照; 键不存在时返回 (nil, nil)
func (r *badgerRepository) LoadSnapshot(symbol string) (*models.EngineSnapshot, error) {
	var snapshot models.EngineSnapshot

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(symbol))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return ErrEmptySnapshot
			}
			return sonic.Unmarshal(val, &snapshot)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshot %s", symbol)
	}
	if snapshot.Version != models.SnapshotVersion {
		return nil, errors.Wrapf(ErrSnapshotVersion, "got %d, want %d", snapshot.Version, models.SnapshotVersion)
	}
	return &snapshot, nil
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// BadgerStore 以 BadgerDB 存放文件
//
// Badger 交易為樂觀併發：兩個交易讀寫同一個鍵時，後提交者得到 ErrConflict。
// 程序內仍先取 keyedLock，使同程序的寫入者排隊而非互相衝突；
// ErrConflict 只會在多程序共用資料目錄時出現，此時重試直到逾時。
type BadgerStore struct {
	db          *badger.DB
	lockTimeout time.Duration
	locks       *keyedLock
}

// OpenBadgerStore 開啟 Badger 資料庫。dir 為空字串時使用記憶體模式（測試用）。
func OpenBadgerStore(dir string, lockTimeout time.Duration) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &BadgerStore{
		db:          db,
		lockTimeout: lockTimeout,
		locks:       newKeyedLock(),
	}, nil
}

// Read 讀取文件
func (s *BadgerStore) Read(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Transact 在 Badger 交易內完成讀取與寫回
func (s *BadgerStore) Transact(ctx context.Context, key Key, fn Mutator) error {
	if key == "" {
		return ErrInvalidKey
	}
	release, err := s.locks.acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	deadline := time.Now().Add(s.lockTimeout)
	for {
		err := s.db.Update(func(txn *badger.Txn) error {
			var current []byte
			item, err := txn.Get([]byte(key))
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if current, err = item.ValueCopy(nil); err != nil {
					return err
				}
			}

			next, err := fn(current)
			if err != nil {
				return err
			}
			return txn.Set([]byte(key), next)
		})
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return ErrBusy
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// List 以前綴掃描列出文件鍵
func (s *BadgerStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	keys, err := s.scan(prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return keys, nil
}

func (s *BadgerStore) scan(prefix Key) ([]Key, error) {
	var keys []Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(string(prefix) + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, Key(it.Item().KeyCopy(nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// DeleteTree 刪除前綴下的所有鍵
func (s *BadgerStore) DeleteTree(ctx context.Context, prefix Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if prefix == "" {
		return ErrInvalidKey
	}
	keys, err := s.scan(prefix)
	if err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	if len(keys) == 0 {
		return nil
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete([]byte(k)); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// Close 關閉資料庫
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

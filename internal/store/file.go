package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// FileStore 以檔案系統目錄存放 JSON 文件
//
// 鎖分兩層：
//  1. 程序內 keyedLock：同一程序內的 goroutine 以 channel 排隊，可設定逾時
//  2. 檔案鎖（*.lock）：防止另一個程序同時改寫同一份文件
type FileStore struct {
	root        string
	lockTimeout time.Duration
	locks       *keyedLock
	logger      *slog.Logger
}

// NewFileStore 創建檔案儲存，root 不存在時自動建立
func NewFileStore(root string, lockTimeout time.Duration, logger *slog.Logger) (*FileStore, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{
		root:        abs,
		lockTimeout: lockTimeout,
		locks:       newKeyedLock(),
		logger:      logger,
	}, nil
}

// path 將鍵轉為檔案路徑，拒絕逃出 root 的鍵
func (s *FileStore) path(key Key) (string, error) {
	if key == "" {
		return "", ErrInvalidKey
	}
	p := filepath.Join(s.root, filepath.FromSlash(string(key)))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return p, nil
}

// Read 讀取文件
func (s *FileStore) Read(ctx context.Context, key Key) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p) // #nosec G304 - 路徑已限制在 root 之下
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Transact 讀取 → fn → 寫回，全程持有鍵鎖
func (s *FileStore) Transact(ctx context.Context, key Key, fn Mutator) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}

	release, err := s.locks.acquire(ctx, key, s.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("create dir for %s: %w", key, err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()

	fileLock := flock.New(lockPath(p))
	locked, err := fileLock.TryLockContext(lockCtx, 5*time.Millisecond)
	if err != nil {
		return busyOr(ctx, err)
	}
	if !locked {
		return ErrBusy
	}
	defer func() {
		if err := fileLock.Unlock(); err != nil {
			s.logger.Warn("釋放檔案鎖失敗", "key", key, "error", err)
		}
	}()

	current, err := os.ReadFile(p) // #nosec G304
	if errors.Is(err, fs.ErrNotExist) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}

	if err := writeAtomic(p, next); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// List 列出 prefix 目錄下所有 .json 文件
func (s *FileStore) List(ctx context.Context, prefix Key) ([]Key, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.path(prefix)
	if err != nil {
		return nil, err
	}

	var keys []Key
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return fs.SkipAll
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		keys = append(keys, Key(filepath.ToSlash(rel)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys, nil
}

// DeleteTree 刪除整個子目錄；不存在不視為錯誤
func (s *FileStore) DeleteTree(ctx context.Context, prefix Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.path(prefix)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete %s: %w", prefix, err)
	}
	return nil
}

// Close 檔案儲存沒有需要釋放的資源
func (s *FileStore) Close() error {
	return nil
}

// lockPath meta.json → meta.lock
func lockPath(p string) string {
	return strings.TrimSuffix(p, filepath.Ext(p)) + ".lock"
}

// writeAtomic 寫入同目錄暫存檔、fsync 後 rename 覆蓋目標
func writeAtomic(p string, data []byte) error {
	dir := filepath.Dir(p)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(p)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		// rename 成功後檔案已不存在，Remove 失敗可忽略
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, p)
}

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counterDoc struct {
	Value   int      `json:"value"`
	Writers []string `json:"writers,omitempty"`
}

// runStoreContract 所有 Store 實作都必須通過的行為測試
func runStoreContract(t *testing.T, s store.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("read missing document", func(t *testing.T) {
		_, err := s.Read(ctx, "missing/doc.json")
		assert.ErrorIs(t, err, store.ErrNotFound)

		doc, err := store.ReadJSON[counterDoc](ctx, s, "missing/doc.json")
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Nil(t, doc)
	})

	t.Run("transact creates document", func(t *testing.T) {
		key := store.Key("contract/create.json")
		got, err := store.TransactJSON(ctx, s, key, func(doc *counterDoc, exists bool) error {
			assert.False(t, exists)
			doc.Value = 7
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 7, got.Value)

		read, err := store.ReadJSON[counterDoc](ctx, s, key)
		require.NoError(t, err)
		assert.Equal(t, 7, read.Value)
	})

	t.Run("corrupt document is treated as absent", func(t *testing.T) {
		key := store.Key("contract/corrupt.json")
		require.NoError(t, s.Transact(ctx, key, func([]byte) ([]byte, error) {
			return []byte("{not json"), nil
		}))

		_, err := store.ReadJSON[counterDoc](ctx, s, key)
		assert.ErrorIs(t, err, store.ErrNotFound)

		got, err := store.TransactJSON(ctx, s, key, func(doc *counterDoc, exists bool) error {
			assert.False(t, exists)
			doc.Value++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 1, got.Value)
	})

	t.Run("mutator error aborts without writing", func(t *testing.T) {
		key := store.Key("contract/abort.json")
		require.NoError(t, store.WriteJSON(ctx, s, key, counterDoc{Value: 1}))

		errAbort := errors.New("abort")
		_, err := store.TransactJSON(ctx, s, key, func(doc *counterDoc, exists bool) error {
			doc.Value = 100
			return errAbort
		})
		assert.ErrorIs(t, err, errAbort)

		read, err := store.ReadJSON[counterDoc](ctx, s, key)
		require.NoError(t, err)
		assert.Equal(t, 1, read.Value)
	})

	t.Run("concurrent transactions lose no update", func(t *testing.T) {
		key := store.Key("contract/counter.json")
		const (
			workers   = 20
			perWorker = 5
		)

		var wg sync.WaitGroup
		errs := make(chan error, workers*perWorker)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < perWorker; j++ {
					err := store.Retry(ctx, 10, 0, func() error {
						_, err := store.TransactJSON(ctx, s, key, func(doc *counterDoc, _ bool) error {
							doc.Value++
							return nil
						})
						return err
					})
					if err != nil {
						errs <- err
					}
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			require.NoError(t, err)
		}

		read, err := store.ReadJSON[counterDoc](ctx, s, key)
		require.NoError(t, err)
		assert.Equal(t, workers*perWorker, read.Value)
	})

	t.Run("list and delete tree", func(t *testing.T) {
		for _, k := range []store.Key{"tree/a/meta.json", "tree/a/journal.json", "tree/b/meta.json"} {
			require.NoError(t, store.WriteJSON(ctx, s, k, counterDoc{Value: 1}))
		}

		keys, err := s.List(ctx, "tree")
		require.NoError(t, err)
		assert.Equal(t, []store.Key{"tree/a/journal.json", "tree/a/meta.json", "tree/b/meta.json"}, keys)

		require.NoError(t, s.DeleteTree(ctx, "tree/a"))

		keys, err = s.List(ctx, "tree")
		require.NoError(t, err)
		assert.Equal(t, []store.Key{"tree/b/meta.json"}, keys)

		_, err = s.Read(ctx, "tree/a/meta.json")
		assert.ErrorIs(t, err, store.ErrNotFound)

		// 刪除不存在的子樹不是錯誤
		assert.NoError(t, s.DeleteTree(ctx, "tree/nothing"))
	})

	t.Run("list empty prefix", func(t *testing.T) {
		keys, err := s.List(ctx, "nowhere")
		require.NoError(t, err)
		assert.Empty(t, keys)
	})
}

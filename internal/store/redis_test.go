package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/koopa0/system-design/14-session-coordinator/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// TestRedisStore_Contract 需要 Docker，short 模式下跳過
func TestRedisStore_Contract(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping redis container test in short mode")
	}
	tc.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := tc.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	s, err := store.OpenRedisStore(ctx, &redis.Options{
		Addr:         endpoint,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}, "sessiond-test", 5*time.Second)
	require.NoError(t, err)
	defer s.Close()

	runStoreContract(t, s)
}

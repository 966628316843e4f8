package state

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

var (
	testRedisURL string
	redContainer testcontainers.Container
)

func TestMain(m *testing.M) {
	flag.Parse()

	// Skip container setup if running in short mode
	if testing.Short() {
		os.Exit(m.Run())
	}

	ctx := context.Background()
	var err error
	redContainer, err = tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	endpoint, err := redContainer.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get redis endpoint: %v\n", err)
		os.Exit(1)
	}
	testRedisURL = "redis://" + endpoint

	code := m.Run()

	if err := redContainer.Terminate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to terminate redis container: %v\n", err)
	}
	os.Exit(code)
}

func setupRedisAdapter(t *testing.T) *Redis {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	opts, err := goredis.ParseURL(testRedisURL)
	require.NoError(t, err)
	rdb := goredis.NewClient(opts)
	t.Cleanup(func() { _ = rdb.Close() })

	adapter := NewRedis(rdb)
	require.NoError(t, adapter.Clear(context.Background()))
	return adapter
}

func TestRedis_AddCountRemove(t *testing.T) {
	adapter := setupRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c1"))
	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c2"))
	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c2")) // duplicate

	count, err := adapter.CountMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	require.NoError(t, adapter.RemoveMember(ctx, "/chat", "lobby", "c2"))
	count, err = adapter.CountMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	members, err := adapter.ListMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"c1"}, members)
}

func TestRedis_CountInNamespaceTracksDistinctConnections(t *testing.T) {
	adapter := setupRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c1"))
	require.NoError(t, adapter.AddMember(ctx, "/chat", "gaming", "c1"))
	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c2"))

	nsCount, err := adapter.CountInNamespace(ctx, "/chat")
	require.NoError(t, err)
	assert.Equal(t, int64(2), nsCount)

	require.NoError(t, adapter.RemoveMember(ctx, "/chat", "lobby", "c1"))
	nsCount, err = adapter.CountInNamespace(ctx, "/chat")
	require.NoError(t, err)
	assert.Equal(t, int64(2), nsCount)

	require.NoError(t, adapter.RemoveMember(ctx, "/chat", "gaming", "c1"))
	nsCount, err = adapter.CountInNamespace(ctx, "/chat")
	require.NoError(t, err)
	assert.Equal(t, int64(1), nsCount)
}

func TestRedis_TwoAdaptersShareState(t *testing.T) {
	adapter1 := setupRedisAdapter(t)
	adapter2 := setupRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter1.AddMember(ctx, "/chat", "lobby", "c1"))
	require.NoError(t, adapter2.AddMember(ctx, "/chat", "lobby", "c2"))

	count, err := adapter1.CountMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestRedis_Clear(t *testing.T) {
	adapter := setupRedisAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.AddMember(ctx, "/chat", "lobby", "c1"))
	require.NoError(t, adapter.Clear(ctx))

	count, err := adapter.CountMembers(ctx, "/chat", "lobby")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

package settings

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, store Store) string {
	t.Helper()
	ctx := context.Background()
	key := "http://fhir-Observation-" + uuid.NewString() + "-columns"

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, key, "code,value[x]"))
	value, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "code,value[x]", value)

	require.NoError(t, store.Set(ctx, key, ""))
	value, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", value)
	return key
}

func TestMemoryStore(t *testing.T) {
	store, err := Open(context.Background(), "memory://", zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	store, err := Open(context.Background(), "sqlite://"+path, zerolog.Nop())
	require.NoError(t, err)
	key := exerciseStore(t, store)
	require.NoError(t, store.Close())

	reopened, err := Open(context.Background(), "sqlite://"+path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()
	value, ok, err := reopened.Get(context.Background(), key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", value)
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("DATAFINDER_TEST_REDIS_URL")
	if url == "" {
		t.Skip("DATAFINDER_TEST_REDIS_URL not set")
	}
	store, err := Open(context.Background(), url, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DATAFINDER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DATAFINDER_TEST_POSTGRES_DSN not set")
	}
	store, err := Open(context.Background(), dsn, zerolog.Nop())
	require.NoError(t, err)
	defer store.Close()
	exerciseStore(t, store)
}

func TestOpenRejectsUnknownBackends(t *testing.T) {
	_, err := Open(context.Background(), "mongodb://localhost", zerolog.Nop())
	assert.Error(t, err)

	_, err = Open(context.Background(), "settings.db", zerolog.Nop())
	assert.Error(t, err)
}

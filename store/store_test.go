package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryStoreLoadMissing(t *testing.T) {
	memoryStore := NewMemoryStore()

	content, version, err := memoryStore.Load(context.Background(), "missing")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "")
	assert.Equal(t, version, int64(0))
	assert.Equal(t, memoryStore.Count(), 0)
}

func TestMemoryStorePersist(t *testing.T) {
	ctx := context.Background()
	memoryStore := NewMemoryStore()

	err := memoryStore.Persist(ctx, "doc-1", "hello", 3)
	assert.Equal(t, err, nil)
	err = memoryStore.Persist(ctx, "doc-2", "world", 1)
	assert.Equal(t, err, nil)

	content, version, err := memoryStore.Load(ctx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "hello")
	assert.Equal(t, version, int64(3))

	// the latest save point wins
	err = memoryStore.Persist(ctx, "doc-1", "hello again", 7)
	assert.Equal(t, err, nil)

	content, version, err = memoryStore.Load(ctx, "doc-1")
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "hello again")
	assert.Equal(t, version, int64(7))

	assert.Equal(t, memoryStore.Count(), 2)
	assert.Equal(t, len(memoryStore.DocumentIds()), 2)
}

func TestPostgresStore(t *testing.T) {
	databaseUrl := os.Getenv("COLLAB_TEST_POSTGRES_URL")
	if databaseUrl == "" {
		t.Skip("set COLLAB_TEST_POSTGRES_URL to run the postgres store test")
	}

	ctx := context.Background()
	postgresStore, err := NewPostgresStore(ctx, databaseUrl)
	if err != nil {
		t.Fatal(err)
	}
	defer postgresStore.Close()

	documentId := fmt.Sprintf("store-test-%d", time.Now().UnixNano())

	content, version, err := postgresStore.Load(ctx, documentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "")
	assert.Equal(t, version, int64(0))

	err = postgresStore.Persist(ctx, documentId, "snapshot one", 4)
	assert.Equal(t, err, nil)

	content, version, err = postgresStore.Load(ctx, documentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "snapshot one")
	assert.Equal(t, version, int64(4))

	// save points upsert the same row
	err = postgresStore.Persist(ctx, documentId, "snapshot two", 9)
	assert.Equal(t, err, nil)

	content, version, err = postgresStore.Load(ctx, documentId)
	assert.Equal(t, err, nil)
	assert.Equal(t, content, "snapshot two")
	assert.Equal(t, version, int64(9))
}

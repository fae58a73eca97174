package repo_test

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/dockhand-sync/reposync/adapter/memstorage"
	"github.com/dockhand-sync/reposync/engine/memcrdt"
	"github.com/dockhand-sync/reposync/repo"
)

func TestStorageRoundTripsIncrementally(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	adapter := memstorage.New("s1")
	storage := repo.NewStorageSubsystem(adapter, engine, 1000)

	id := repo.NewDocumentId()
	doc, err := engine.From(map[string]any{"a": 1})
	assert.Equal(t, err, nil)

	err = storage.SaveDoc(ctx, id, doc)
	assert.Equal(t, err, nil)

	err = doc.Change(func(v repo.CRDTValue) error {
		v.(*memcrdt.View).Set("b", 2)
		return nil
	})
	assert.Equal(t, err, nil)
	err = storage.SaveDoc(ctx, id, doc)
	assert.Equal(t, err, nil)

	loaded, found, err := storage.LoadDoc(ctx, id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)

	value := loaded.Value().(map[string]any)
	assert.Equal(t, value["a"], 1)
	assert.Equal(t, value["b"], 2)
	assert.Equal(t, loaded.Heads().Equal(doc.Heads()), true)
}

func TestStorageLoadDocCleanMiss(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	storage := repo.NewStorageSubsystem(memstorage.New("s1"), engine, 1000)

	_, found, err := storage.LoadDoc(ctx, repo.NewDocumentId())
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)
}

func TestStorageSaveIsIdempotentPerChangeHash(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	adapter := memstorage.New("s1")
	storage := repo.NewStorageSubsystem(adapter, engine, 1000)

	id := repo.NewDocumentId()
	doc, err := engine.From(map[string]any{"a": 1})
	assert.Equal(t, err, nil)

	assert.Equal(t, storage.SaveDoc(ctx, id, doc), nil)
	// saving again with no new changes must not error or duplicate writes
	assert.Equal(t, storage.SaveDoc(ctx, id, doc), nil)

	loaded, found, err := storage.LoadDoc(ctx, id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, loaded.Value().(map[string]any)["a"], 1)
}

func TestStorageCompactsPastThreshold(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	adapter := memstorage.New("s1")
	storage := repo.NewStorageSubsystem(adapter, engine, 2)

	id := repo.NewDocumentId()
	d := engine.New()

	for i := 0; i < 5; i += 1 {
		n := i
		err := d.Change(func(v repo.CRDTValue) error {
			v.(*memcrdt.View).Set("k", n)
			return nil
		})
		assert.Equal(t, err, nil)
		assert.Equal(t, storage.SaveDoc(ctx, id, d), nil)
	}

	snapshot, err := adapter.Load(ctx, []string{id.String(), "snapshot"})
	assert.Equal(t, err, nil)
	assert.NotEqual(t, snapshot, nil)

	incrementals, err := adapter.LoadRange(ctx, []string{id.String(), "incremental"})
	assert.Equal(t, err, nil)
	assert.Equal(t, len(incrementals), 0)

	loaded, found, err := storage.LoadDoc(ctx, id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, loaded.Value().(map[string]any)["k"], 4)
}

func TestStorageRemoveDocClearsEverything(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	adapter := memstorage.New("s1")
	storage := repo.NewStorageSubsystem(adapter, engine, 1000)

	id := repo.NewDocumentId()
	doc, err := engine.From(map[string]any{"a": 1})
	assert.Equal(t, err, nil)
	assert.Equal(t, storage.SaveDoc(ctx, id, doc), nil)
	assert.Equal(t, storage.SaveSyncState(ctx, id, "peer-storage", []byte("sync-bytes")), nil)

	assert.Equal(t, storage.RemoveDoc(ctx, id), nil)

	_, found, err := storage.LoadDoc(ctx, id)
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)

	data, found, err := storage.LoadSyncState(ctx, id, "peer-storage")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, false)
	assert.Equal(t, len(data), 0)
}

func TestStorageSyncStatePersistence(t *testing.T) {
	ctx := context.Background()
	engine := memcrdt.New()
	adapter := memstorage.New("s1")
	storage := repo.NewStorageSubsystem(adapter, engine, 1000)

	id := repo.NewDocumentId()
	err := storage.SaveSyncState(ctx, id, "peer-storage", []byte("state-bytes"))
	assert.Equal(t, err, nil)

	data, found, err := storage.LoadSyncState(ctx, id, "peer-storage")
	assert.Equal(t, err, nil)
	assert.Equal(t, found, true)
	assert.Equal(t, string(data), "state-bytes")
}

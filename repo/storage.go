package repo

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// StorageAdapter is a key-value store keyed by a path vector of strings
// (section 6). Concrete backends (adapter/memstorage, adapter/filestorage)
// are external collaborators; the core only depends on this interface.
type StorageAdapter interface {
	Load(ctx context.Context, key []string) ([]byte, error)
	Save(ctx context.Context, key []string, value []byte) error
	Remove(ctx context.Context, key []string) error
	LoadRange(ctx context.Context, prefix []string) (map[string][]byte, error)
	RemoveRange(ctx context.Context, prefix []string) error
	Id() StorageId
}

const (
	storageSegmentIncremental = "incremental"
	storageSegmentSnapshot    = "snapshot"
	storageSegmentSyncState   = "sync-state"
)

const DefaultCompactionThreshold = 32

// StorageSubsystem is a thin, content-addressed wrapper over a
// StorageAdapter (section 4.2): incremental writes of newly observed
// changes, keyed by (documentId, changeHash), with compaction into a
// snapshot once the set of change hashes it has recorded for a document
// reaches CompactionThreshold.
type StorageSubsystem struct {
	adapter             StorageAdapter
	engine              Engine
	compactionThreshold int

	mutex     sync.Mutex
	persisted map[DocumentId]map[string]bool
}

func NewStorageSubsystem(adapter StorageAdapter, engine Engine, compactionThreshold int) *StorageSubsystem {
	if compactionThreshold <= 0 {
		compactionThreshold = DefaultCompactionThreshold
	}
	return &StorageSubsystem{
		adapter:             adapter,
		engine:              engine,
		compactionThreshold: compactionThreshold,
		persisted:           map[DocumentId]map[string]bool{},
	}
}

func (self *StorageSubsystem) Id() StorageId {
	return self.adapter.Id()
}

func snapshotKey(id DocumentId) []string {
	return []string{id.String(), storageSegmentSnapshot}
}

func incrementalKey(id DocumentId, changeHash string) []string {
	return []string{id.String(), storageSegmentIncremental, changeHash}
}

func incrementalPrefix(id DocumentId) []string {
	return []string{id.String(), storageSegmentIncremental}
}

func syncStateKey(id DocumentId, storageId StorageId) []string {
	return []string{id.String(), storageSegmentSyncState, string(storageId)}
}

// LoadDoc reads the snapshot and all incrementals for id and applies them in
// any order (CRDT commutativity), returning (nil, false, nil) on a clean
// miss.
func (self *StorageSubsystem) LoadDoc(ctx context.Context, id DocumentId) (Doc, bool, error) {
	snapshot, err := self.adapter.Load(ctx, snapshotKey(id))
	if err != nil {
		return nil, false, fmt.Errorf("%w: load snapshot: %v", ErrStorageFailure, err)
	}

	incrementals, err := self.adapter.LoadRange(ctx, incrementalPrefix(id))
	if err != nil {
		return nil, false, fmt.Errorf("%w: load incrementals: %v", ErrStorageFailure, err)
	}

	if snapshot == nil && len(incrementals) == 0 {
		return nil, false, nil
	}

	var doc Doc
	if snapshot != nil {
		doc, err = self.engine.Load(snapshot)
		if err != nil {
			return nil, false, fmt.Errorf("%w: decode snapshot: %v", ErrStorageFailure, err)
		}
	} else {
		doc = self.engine.New()
	}

	known := make(map[string]bool, len(incrementals))
	changes := make([]Change, 0, len(incrementals))
	for hash, data := range incrementals {
		changes = append(changes, Change{Hash: hash, Data: data})
		known[hash] = true
	}
	if len(changes) > 0 {
		if err := doc.ApplyChanges(changes); err != nil {
			return nil, false, fmt.Errorf("%w: apply incrementals: %v", ErrStorageFailure, err)
		}
	}

	self.mutex.Lock()
	self.persisted[id] = known
	self.mutex.Unlock()

	return doc, true, nil
}

// SaveDoc writes as incrementals every change of doc whose hash is not yet
// recorded for id (keys are change hashes, so writing a stored change again
// only overwrites the same key), and compacts into a snapshot once the
// recorded set reaches the configured threshold. The record starts from the
// incrementals LoadDoc read and is cleared by compaction, so the first
// SaveDoc after either writes again every change outside it, including
// changes already held in the snapshot.
func (self *StorageSubsystem) SaveDoc(ctx context.Context, id DocumentId, doc Doc) error {
	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("%w: list changes: %v", ErrStorageFailure, err)
	}

	self.mutex.Lock()
	known, ok := self.persisted[id]
	if !ok {
		known = map[string]bool{}
		self.persisted[id] = known
	}
	self.mutex.Unlock()

	newCount := 0
	for _, c := range changes {
		self.mutex.Lock()
		already := known[c.Hash]
		self.mutex.Unlock()
		if already {
			continue
		}
		if err := self.adapter.Save(ctx, incrementalKey(id, c.Hash), c.Data); err != nil {
			return fmt.Errorf("%w: save incremental: %v", ErrStorageFailure, err)
		}
		self.mutex.Lock()
		known[c.Hash] = true
		self.mutex.Unlock()
		newCount++
	}

	if newCount == 0 {
		return nil
	}

	self.mutex.Lock()
	total := len(known)
	self.mutex.Unlock()
	if total < self.compactionThreshold {
		return nil
	}
	return self.compact(ctx, id, doc)
}

func (self *StorageSubsystem) compact(ctx context.Context, id DocumentId, doc Doc) error {
	if err := self.adapter.Save(ctx, snapshotKey(id), doc.Save()); err != nil {
		return fmt.Errorf("%w: save snapshot: %v", ErrStorageFailure, err)
	}
	if err := self.adapter.RemoveRange(ctx, incrementalPrefix(id)); err != nil {
		return fmt.Errorf("%w: clear incrementals after compaction: %v", ErrStorageFailure, err)
	}
	self.mutex.Lock()
	self.persisted[id] = map[string]bool{}
	self.mutex.Unlock()
	glog.V(1).Infof("reposync: storage: compacted %s", id)
	return nil
}

// SaveSnapshot forces a full snapshot write and clears incrementals,
// independent of the compaction threshold. Used by Repo.Flush.
func (self *StorageSubsystem) SaveSnapshot(ctx context.Context, id DocumentId, doc Doc) error {
	return self.compact(ctx, id, doc)
}

// RemoveDoc deletes every key under id's prefix: the snapshot, every
// incremental, and every peer's persisted sync state.
func (self *StorageSubsystem) RemoveDoc(ctx context.Context, id DocumentId) error {
	if err := self.adapter.RemoveRange(ctx, []string{id.String()}); err != nil {
		return fmt.Errorf("%w: remove doc: %v", ErrStorageFailure, err)
	}
	self.mutex.Lock()
	delete(self.persisted, id)
	self.mutex.Unlock()
	return nil
}

func (self *StorageSubsystem) LoadSyncState(ctx context.Context, id DocumentId, storageId StorageId) ([]byte, bool, error) {
	data, err := self.adapter.Load(ctx, syncStateKey(id, storageId))
	if err != nil {
		return nil, false, fmt.Errorf("%w: load sync state: %v", ErrStorageFailure, err)
	}
	return data, data != nil, nil
}

func (self *StorageSubsystem) SaveSyncState(ctx context.Context, id DocumentId, storageId StorageId, data []byte) error {
	if err := self.adapter.Save(ctx, syncStateKey(id, storageId), data); err != nil {
		return fmt.Errorf("%w: save sync state: %v", ErrStorageFailure, err)
	}
	return nil
}

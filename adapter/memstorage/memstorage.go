// Package memstorage is an in-process repo.StorageAdapter backed by a plain
// map, used for tests and single-process demos where nothing needs to
// survive a restart.
package memstorage

import (
	"context"
	"strings"
	"sync"

	"github.com/dockhand-sync/reposync/repo"
)

const keySep = "\x1f"

func joinKey(key []string) string {
	return strings.Join(key, keySep)
}

// Adapter implements repo.StorageAdapter over a guarded map[string][]byte.
type Adapter struct {
	id repo.StorageId

	mutex sync.RWMutex
	data  map[string][]byte
}

func New(id repo.StorageId) *Adapter {
	return &Adapter{id: id, data: map[string][]byte{}}
}

func (a *Adapter) Id() repo.StorageId { return a.id }

func (a *Adapter) Load(ctx context.Context, key []string) ([]byte, error) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	v, ok := a.data[joinKey(key)]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (a *Adapter) Save(ctx context.Context, key []string, value []byte) error {
	cp := make([]byte, len(value))
	copy(cp, value)
	a.mutex.Lock()
	a.data[joinKey(key)] = cp
	a.mutex.Unlock()
	return nil
}

func (a *Adapter) Remove(ctx context.Context, key []string) error {
	a.mutex.Lock()
	delete(a.data, joinKey(key))
	a.mutex.Unlock()
	return nil
}

func (a *Adapter) LoadRange(ctx context.Context, prefix []string) (map[string][]byte, error) {
	p := joinKey(prefix) + keySep
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	out := map[string][]byte{}
	for k, v := range a.data {
		if !strings.HasPrefix(k, p) {
			continue
		}
		suffix := k[len(p):]
		cp := make([]byte, len(v))
		copy(cp, v)
		out[suffix] = cp
	}
	return out, nil
}

func (a *Adapter) RemoveRange(ctx context.Context, prefix []string) error {
	p := joinKey(prefix)
	a.mutex.Lock()
	defer a.mutex.Unlock()
	for k := range a.data {
		if k == p || strings.HasPrefix(k, p+keySep) {
			delete(a.data, k)
		}
	}
	return nil
}

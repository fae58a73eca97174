// Package filestorage is a repo.StorageAdapter backed by the local
// filesystem: one file per key, written atomically via a temp-file-then-
// rename so a crash mid-write never leaves a half-written snapshot behind.
package filestorage

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/golang/glog"

	"github.com/dockhand-sync/reposync/repo"
)

// Adapter implements repo.StorageAdapter rooted at a base directory.
type Adapter struct {
	id      repo.StorageId
	baseDir string

	mutex sync.Mutex
}

func New(id repo.StorageId, baseDir string) (*Adapter, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("filestorage: create base dir: %w", err)
	}
	return &Adapter{id: id, baseDir: baseDir}, nil
}

func (a *Adapter) Id() repo.StorageId { return a.id }

// segmentToFilename hex-encodes a key segment so arbitrary document ids,
// change hashes, and storage ids are always safe path components.
func segmentToFilename(segment string) string {
	return hex.EncodeToString([]byte(segment))
}

func filenameToSegment(name string) (string, error) {
	b, err := hex.DecodeString(name)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (a *Adapter) pathFor(key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = segmentToFilename(k)
	}
	return filepath.Join(append([]string{a.baseDir}, parts...)...) + ".bin"
}

func (a *Adapter) dirFor(prefix []string) string {
	parts := make([]string, len(prefix))
	for i, k := range prefix {
		parts[i] = segmentToFilename(k)
	}
	return filepath.Join(append([]string{a.baseDir}, parts...)...)
}

func (a *Adapter) Load(ctx context.Context, key []string) ([]byte, error) {
	data, err := os.ReadFile(a.pathFor(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestorage: load: %w", err)
	}
	return data, nil
}

func (a *Adapter) Save(ctx context.Context, key []string, value []byte) error {
	path := a.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("filestorage: mkdir: %w", err)
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("filestorage: create temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("filestorage: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestorage: close temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("filestorage: rename: %w", err)
	}
	return nil
}

func (a *Adapter) Remove(ctx context.Context, key []string) error {
	err := os.Remove(a.pathFor(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestorage: remove: %w", err)
	}
	return nil
}

func (a *Adapter) LoadRange(ctx context.Context, prefix []string) (map[string][]byte, error) {
	dir := a.dirFor(prefix)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return map[string][]byte{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestorage: readdir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".bin") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := map[string][]byte{}
	for _, name := range names {
		trimmed := strings.TrimSuffix(name, ".bin")
		segment, err := filenameToSegment(trimmed)
		if err != nil {
			glog.Warningf("reposync: filestorage: skipping unreadable entry %s/%s: %v", dir, name, err)
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("filestorage: read %s: %w", name, err)
		}
		out[segment] = data
	}
	return out, nil
}

func (a *Adapter) RemoveRange(ctx context.Context, prefix []string) error {
	dir := a.dirFor(prefix)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("filestorage: remove range: %w", err)
	}
	// A key equal to prefix itself is stored as the sibling file dir+".bin"
	// (see pathFor), which RemoveAll above does not reach, so remove it too.
	if err := os.Remove(dir + ".bin"); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("filestorage: remove range file: %w", err)
	}
	return nil
}

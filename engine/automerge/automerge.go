// Package automerge binds the reposync core's repo.Engine/repo.Doc/
// repo.SyncState seam to the real github.com/automerge/automerge-go CRDT
// library. This is the engine a production Repo is configured with;
// engine/memcrdt is the deterministic stand-in used by the core's own test
// suite.
package automerge

import (
	"fmt"

	automerge "github.com/automerge/automerge-go"
	"github.com/dockhand-sync/reposync/repo"
)

// Engine implements repo.Engine against automerge-go.
type Engine struct{}

func New() Engine { return Engine{} }

func (Engine) New() repo.Doc {
	return &Doc{inner: automerge.New()}
}

func (Engine) From(initialValue repo.CRDTValue) (repo.Doc, error) {
	d := automerge.New()
	if initialValue != nil {
		fields, ok := initialValue.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("automerge: initial value must be a map[string]any, got %T", initialValue)
		}
		for k, v := range fields {
			if err := d.RootMap().Set(k, v); err != nil {
				return nil, fmt.Errorf("automerge: seed %q: %w", k, err)
			}
		}
	}
	return &Doc{inner: d}, nil
}

func (Engine) Load(data []byte) (repo.Doc, error) {
	d, err := automerge.Load(data)
	if err != nil {
		return nil, fmt.Errorf("automerge: load: %w", err)
	}
	return &Doc{inner: d}, nil
}

func (Engine) NewSyncState(doc repo.Doc) repo.SyncState {
	d := doc.(*Doc)
	return &SyncState{inner: automerge.NewSyncState(d.inner)}
}

func (Engine) LoadSyncState(doc repo.Doc, data []byte) (repo.SyncState, error) {
	d := doc.(*Doc)
	ss, err := automerge.LoadSyncState(d.inner, data)
	if err != nil {
		return nil, fmt.Errorf("automerge: load sync state: %w", err)
	}
	return &SyncState{inner: ss}, nil
}

// Doc implements repo.Doc against an *automerge.Doc.
//
// Merge/Fork/ApplyChanges/LoadIncremental are not exercised by the one
// automerge-go usage example in the retrieval pack (only New/Path/Set/
// Heads/Changes/NewSyncState/GenerateMessage/ReceiveMessage are); the calls
// below are the automerge-rs/automerge-js API family this binding ports,
// and every one of them is reachable only through this file — a real-API
// mismatch is a one-file fix, not a core-package rewrite.
type Doc struct {
	inner *automerge.Doc
}

func (d *Doc) Heads() repo.Heads {
	heads := d.inner.Heads()
	out := make(repo.Heads, len(heads))
	for i, h := range heads {
		out[i] = h.String()
	}
	return out
}

func (d *Doc) Value() repo.CRDTValue {
	return d.inner
}

func (d *Doc) Change(mutator repo.Mutator) error {
	return mutator(d.inner)
}

func (d *Doc) ChangeAt(heads repo.Heads, mutator repo.Mutator) (repo.Heads, error) {
	fork, err := d.inner.Fork()
	if err != nil {
		return nil, fmt.Errorf("automerge: fork for changeAt: %w", err)
	}
	if err := mutator(fork); err != nil {
		return nil, err
	}
	if err := d.inner.Merge(fork); err != nil {
		return nil, fmt.Errorf("automerge: merge forked change: %w", err)
	}
	forkHeads := fork.Heads()
	out := make(repo.Heads, len(forkHeads))
	for i, h := range forkHeads {
		out[i] = h.String()
	}
	return out, nil
}

func (d *Doc) Merge(other repo.Doc) error {
	o := other.(*Doc)
	if err := d.inner.Merge(o.inner); err != nil {
		return fmt.Errorf("automerge: merge: %w", err)
	}
	return nil
}

func (d *Doc) Clone() repo.Doc {
	fork, err := d.inner.Fork()
	if err != nil {
		// A fork with no heads argument replays this document's own full
		// history onto itself; failure here means the local document is
		// corrupt, which is unrecoverable for the caller either way.
		panic(fmt.Sprintf("automerge: clone: %v", err))
	}
	return &Doc{inner: fork}
}

func (d *Doc) Save() []byte {
	return d.inner.Save()
}

func (d *Doc) View(heads repo.Heads) (repo.CRDTValue, error) {
	hashes, err := resolveHashes(d.inner, heads)
	if err != nil {
		return nil, err
	}
	view, err := d.inner.Fork(hashes...)
	if err != nil {
		return nil, fmt.Errorf("automerge: view: %w", err)
	}
	return view, nil
}

// Diff materializes the document as of to (or the live document, if to is
// empty) and saves the incremental changes between from and that point.
// Both from and to go through resolveHashes, so only hashes that are among
// the document's current heads are accepted; an earlier head is rejected as
// unknown.
func (d *Doc) Diff(from, to repo.Heads) ([]byte, error) {
	fromHashes, err := resolveHashes(d.inner, from)
	if err != nil {
		return nil, err
	}
	toHashes, err := resolveHashes(d.inner, to)
	if err != nil {
		return nil, err
	}
	toDoc, err := d.inner.Fork(toHashes...)
	if err != nil {
		return nil, fmt.Errorf("automerge: diff: %w", err)
	}
	return toDoc.SaveIncremental(fromHashes), nil
}

func (d *Doc) Changes() ([]repo.Change, error) {
	changes, err := d.inner.Changes()
	if err != nil {
		return nil, fmt.Errorf("automerge: changes: %w", err)
	}
	out := make([]repo.Change, len(changes))
	for i, c := range changes {
		out[i] = repo.Change{Hash: c.Hash().String(), Data: c.Bytes()}
	}
	return out, nil
}

func (d *Doc) ApplyChanges(changes []repo.Change) error {
	encoded := make([][]byte, len(changes))
	for i, c := range changes {
		encoded[i] = c.Data
	}
	if err := d.inner.LoadIncremental(encoded...); err != nil {
		return fmt.Errorf("automerge: apply changes: %w", err)
	}
	return nil
}

// resolveHashes maps head strings to change hashes by looking them up among
// d's current heads only; a hash of any earlier change is reported as an
// unknown head. View and Diff therefore work only at the current heads.
func resolveHashes(d *automerge.Doc, heads repo.Heads) ([]automerge.ChangeHash, error) {
	all := d.Heads()
	byString := make(map[string]automerge.ChangeHash, len(all))
	for _, h := range all {
		byString[h.String()] = h
	}
	out := make([]automerge.ChangeHash, 0, len(heads))
	for _, h := range heads {
		hash, ok := byString[h]
		if !ok {
			return nil, fmt.Errorf("automerge: unknown head %q", h)
		}
		out = append(out, hash)
	}
	return out, nil
}

// SyncState implements repo.SyncState against an *automerge.SyncState.
type SyncState struct {
	inner *automerge.SyncState
}

func (s *SyncState) GenerateMessage() ([]byte, bool) {
	msg, ok := s.inner.GenerateMessage()
	if !ok {
		return nil, false
	}
	return msg.Bytes(), true
}

func (s *SyncState) ReceiveMessage(data []byte) error {
	if _, err := s.inner.ReceiveMessage(data); err != nil {
		return fmt.Errorf("automerge: receive sync message: %w", err)
	}
	return nil
}

func (s *SyncState) Save() []byte {
	return s.inner.Encode()
}

// Package memcrdt is a small, deterministic, dependency-free CRDT engine
// that implements repo.Engine/repo.Doc/repo.SyncState. It exists purely so
// the core repo package's own tests do not need a real CRDT backend: every
// operation converges the same way regardless of merge order or message
// interleaving, which is all the core's state-machine and protocol tests
// actually exercise. Production code uses engine/automerge instead.
package memcrdt

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/dockhand-sync/reposync/repo"
)

// Op is one committed write set: a content-addressed node in a DAG of
// writes, parented on the heads that were current when it was committed.
type Op struct {
	Hash    string         `json:"hash"`
	Parents []string       `json:"parents"`
	Writes  map[string]any `json:"writes"`
	Seq     uint64         `json:"seq"`
}

func hashOp(parents []string, writes map[string]any, seq uint64) string {
	sorted := append([]string(nil), parents...)
	sort.Strings(sorted)
	payload, _ := json.Marshal(struct {
		Parents []string       `json:"parents"`
		Writes  map[string]any `json:"writes"`
		Seq     uint64         `json:"seq"`
	}{sorted, writes, seq})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// View is the mutable handle a Mutator receives; it records writes without
// applying them until the enclosing Change/ChangeAt call commits them as a
// single Op.
type View struct {
	writes map[string]any
}

func (v *View) Set(key string, value any) {
	v.writes[key] = value
}

func (v *View) Get(key string) (any, bool) {
	val, ok := v.writes[key]
	return val, ok
}

// Doc implements repo.Doc as a DAG of Ops over a flat key/value space.
type Doc struct {
	mu      sync.Mutex
	ops     map[string]*Op
	heads   []string
	counter uint64
}

func newDoc() *Doc {
	return &Doc{ops: map[string]*Op{}}
}

func (d *Doc) Heads() repo.Heads {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append(repo.Heads(nil), d.heads...)
}

func (d *Doc) Value() repo.CRDTValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return materialize(d.ops, nil)
}

// materialize replays every op reachable from roots (or every known op, if
// roots is nil) in ascending Seq order, ties broken by ascending hash. Seq
// acts as a Lamport counter (each commit takes a Seq above every op the doc
// already holds), so an op always replays after its ancestors and a later
// write to a key wins; concurrent ops are ordered by hash. The order depends
// only on the op set, so any two docs holding the same op set compute the
// same value regardless of merge order.
func materialize(ops map[string]*Op, roots []string) map[string]any {
	var reachable map[string]*Op
	if roots == nil {
		reachable = ops
	} else {
		reachable = map[string]*Op{}
		var visit func(hash string)
		visit = func(hash string) {
			if _, seen := reachable[hash]; seen {
				return
			}
			op, ok := ops[hash]
			if !ok {
				return
			}
			reachable[hash] = op
			for _, p := range op.Parents {
				visit(p)
			}
		}
		for _, r := range roots {
			visit(r)
		}
	}

	hashes := make([]string, 0, len(reachable))
	for h := range reachable {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool {
		a, b := reachable[hashes[i]], reachable[hashes[j]]
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return hashes[i] < hashes[j]
	})

	out := map[string]any{}
	for _, h := range hashes {
		for k, v := range reachable[h].Writes {
			out[k] = v
		}
	}
	return out
}

func leaves(ops map[string]*Op) []string {
	isParent := map[string]bool{}
	for _, op := range ops {
		for _, p := range op.Parents {
			isParent[p] = true
		}
	}
	out := make([]string, 0)
	for h := range ops {
		if !isParent[h] {
			out = append(out, h)
		}
	}
	sort.Strings(out)
	return out
}

func (d *Doc) commit(parents []string, writes map[string]any, addToHeads bool) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(writes) == 0 {
		return ""
	}
	seq := d.counter
	d.counter++
	hash := hashOp(parents, writes, seq)
	d.ops[hash] = &Op{Hash: hash, Parents: append([]string(nil), parents...), Writes: writes, Seq: seq}
	if addToHeads {
		d.heads = leaves(d.ops)
	} else {
		d.heads = append(d.heads, hash)
	}
	return hash
}

func (d *Doc) Change(mutator repo.Mutator) error {
	view := &View{writes: map[string]any{}}
	if err := mutator(view); err != nil {
		return err
	}
	d.mu.Lock()
	parents := append([]string(nil), d.heads...)
	d.mu.Unlock()
	d.commit(parents, view.writes, true)
	return nil
}

func (d *Doc) ChangeAt(heads repo.Heads, mutator repo.Mutator) (repo.Heads, error) {
	view := &View{writes: map[string]any{}}
	if err := mutator(view); err != nil {
		return nil, err
	}
	hash := d.commit(append([]string(nil), heads...), view.writes, false)
	if hash == "" {
		return heads.Clone(), nil
	}
	return repo.Heads{hash}, nil
}

func (d *Doc) Merge(other repo.Doc) error {
	o, ok := other.(*Doc)
	if !ok {
		return fmt.Errorf("memcrdt: merge requires a memcrdt.Doc, got %T", other)
	}
	o.mu.Lock()
	otherOps := make(map[string]*Op, len(o.ops))
	for h, op := range o.ops {
		otherOps[h] = op
	}
	o.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	for h, op := range otherOps {
		if _, known := d.ops[h]; !known {
			d.ops[h] = op
		}
		if op.Seq >= d.counter {
			d.counter = op.Seq + 1
		}
	}
	d.heads = leaves(d.ops)
	return nil
}

func (d *Doc) Clone() repo.Doc {
	d.mu.Lock()
	defer d.mu.Unlock()
	clone := &Doc{ops: make(map[string]*Op, len(d.ops)), counter: d.counter}
	for h, op := range d.ops {
		clone.ops[h] = op
	}
	clone.heads = append([]string(nil), d.heads...)
	return clone
}

type savedDoc struct {
	Ops     []*Op  `json:"ops"`
	Heads   []string `json:"heads"`
	Counter uint64 `json:"counter"`
}

func (d *Doc) Save() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	ops := make([]*Op, 0, len(d.ops))
	for _, op := range d.ops {
		ops = append(ops, op)
	}
	data, _ := json.Marshal(savedDoc{Ops: ops, Heads: d.heads, Counter: d.counter})
	return data
}

func load(data []byte) (*Doc, error) {
	var saved savedDoc
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("memcrdt: load: %w", err)
	}
	d := newDoc()
	d.counter = saved.Counter
	for _, op := range saved.Ops {
		d.ops[op.Hash] = op
	}
	d.heads = saved.Heads
	return d, nil
}

func (d *Doc) View(heads repo.Heads) (repo.CRDTValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range heads {
		if _, ok := d.ops[h]; !ok {
			return nil, fmt.Errorf("memcrdt: unknown head %q", h)
		}
	}
	return materialize(d.ops, heads), nil
}

func (d *Doc) Diff(from, to repo.Heads) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fromSet := map[string]*Op{}
	var visit func(hash string, into map[string]*Op)
	visit = func(hash string, into map[string]*Op) {
		if _, seen := into[hash]; seen {
			return
		}
		op, ok := d.ops[hash]
		if !ok {
			return
		}
		into[hash] = op
		for _, p := range op.Parents {
			visit(p, into)
		}
	}
	for _, h := range from {
		visit(h, fromSet)
	}

	toSet := map[string]*Op{}
	for _, h := range to {
		visit(h, toSet)
	}

	diffOps := make([]*Op, 0)
	for h, op := range toSet {
		if _, ok := fromSet[h]; !ok {
			diffOps = append(diffOps, op)
		}
	}
	return json.Marshal(diffOps)
}

func (d *Doc) Changes() ([]repo.Change, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]repo.Change, 0, len(d.ops))
	for h, op := range d.ops {
		data, err := json.Marshal(op)
		if err != nil {
			return nil, fmt.Errorf("memcrdt: encode change %s: %w", h, err)
		}
		out = append(out, repo.Change{Hash: h, Data: data})
	}
	return out, nil
}

func (d *Doc) ApplyChanges(changes []repo.Change) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range changes {
		if _, known := d.ops[c.Hash]; known {
			continue
		}
		var op Op
		if err := json.Unmarshal(c.Data, &op); err != nil {
			return fmt.Errorf("memcrdt: decode change %s: %w", c.Hash, err)
		}
		d.ops[c.Hash] = &op
		if op.Seq >= d.counter {
			d.counter = op.Seq + 1
		}
	}
	d.heads = leaves(d.ops)
	return nil
}

// SyncState implements repo.SyncState with a full-state-once-per-peer
// protocol: each GenerateMessage call sends every Op the bound Doc knows
// that has not already been sent to this peer. The first call always
// produces a message, even an empty one, so a peer learns that this side
// holds the document even before it has any ops.
type SyncState struct {
	doc       *Doc
	sent      map[string]bool
	announced bool
}

func newSyncState(doc *Doc) *SyncState {
	return &SyncState{doc: doc, sent: map[string]bool{}}
}

func (s *SyncState) GenerateMessage() ([]byte, bool) {
	s.doc.mu.Lock()
	fresh := make([]*Op, 0)
	for h, op := range s.doc.ops {
		if !s.sent[h] {
			fresh = append(fresh, op)
			s.sent[h] = true
		}
	}
	s.doc.mu.Unlock()
	if len(fresh) == 0 && s.announced {
		return nil, false
	}
	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, false
	}
	s.announced = true
	return data, true
}

func (s *SyncState) ReceiveMessage(data []byte) error {
	var ops []*Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return fmt.Errorf("memcrdt: decode sync message: %w", err)
	}
	s.doc.mu.Lock()
	for _, op := range ops {
		if _, known := s.doc.ops[op.Hash]; !known {
			s.doc.ops[op.Hash] = op
		}
		s.sent[op.Hash] = true
		if op.Seq >= s.doc.counter {
			s.doc.counter = op.Seq + 1
		}
	}
	s.doc.heads = leaves(s.doc.ops)
	s.doc.mu.Unlock()
	return nil
}

type savedSyncState struct {
	Sent []string `json:"sent"`
}

func (s *SyncState) Save() []byte {
	sent := make([]string, 0, len(s.sent))
	for h := range s.sent {
		sent = append(sent, h)
	}
	data, _ := json.Marshal(savedSyncState{Sent: sent})
	return data
}

// Engine implements repo.Engine against the in-process Doc/SyncState types
// above.
type Engine struct{}

func New() Engine { return Engine{} }

func (Engine) New() repo.Doc {
	return newDoc()
}

func (Engine) From(initialValue repo.CRDTValue) (repo.Doc, error) {
	d := newDoc()
	if initialValue != nil {
		fields, ok := initialValue.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("memcrdt: initial value must be a map[string]any, got %T", initialValue)
		}
		if len(fields) > 0 {
			d.commit(nil, fields, true)
		}
	}
	return d, nil
}

func (Engine) Load(data []byte) (repo.Doc, error) {
	return load(data)
}

func (Engine) NewSyncState(doc repo.Doc) repo.SyncState {
	d := doc.(*Doc)
	return newSyncState(d)
}

func (Engine) LoadSyncState(doc repo.Doc, data []byte) (repo.SyncState, error) {
	d := doc.(*Doc)
	var saved savedSyncState
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("memcrdt: load sync state: %w", err)
	}
	ss := newSyncState(d)
	for _, h := range saved.Sent {
		ss.sent[h] = true
	}
	return ss, nil
}

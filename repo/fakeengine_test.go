package repo

import (
	"encoding/json"
	"fmt"
)

// fakeDoc/fakeEngine/fakeSyncState are a minimal in-package Engine binding
// used only by repo's own white-box tests (docsync_test.go,
// collectionsync_test.go) that need an unexported newDocHandle. Kept
// separate from engine/memcrdt so these tests never have to reach across
// the package boundary that newDocHandle can't cross.
type fakeDoc struct {
	fields map[string]any
	heads  Heads
	seq    int
}

func newFakeDoc() *fakeDoc {
	return &fakeDoc{fields: map[string]any{}}
}

func (d *fakeDoc) Heads() Heads       { return d.heads.Clone() }
func (d *fakeDoc) Value() CRDTValue   { return d.fields }
func (d *fakeDoc) Change(mutator Mutator) error {
	if err := mutator(d.fields); err != nil {
		return err
	}
	d.seq++
	d.heads = Heads{fmt.Sprintf("h%d", d.seq)}
	return nil
}
func (d *fakeDoc) ChangeAt(heads Heads, mutator Mutator) (Heads, error) {
	if err := mutator(d.fields); err != nil {
		return nil, err
	}
	d.seq++
	h := Heads{fmt.Sprintf("h%d-at", d.seq)}
	d.heads = append(d.heads, h...)
	return h, nil
}
func (d *fakeDoc) Merge(other Doc) error {
	o := other.(*fakeDoc)
	for k, v := range o.fields {
		d.fields[k] = v
	}
	d.seq++
	d.heads = Heads{fmt.Sprintf("merged%d", d.seq)}
	return nil
}
func (d *fakeDoc) Clone() Doc {
	clone := newFakeDoc()
	for k, v := range d.fields {
		clone.fields[k] = v
	}
	clone.heads = d.heads.Clone()
	clone.seq = d.seq
	return clone
}
func (d *fakeDoc) Save() []byte {
	data, _ := json.Marshal(struct {
		Fields map[string]any `json:"fields"`
		Heads  Heads          `json:"heads"`
	}{d.fields, d.heads})
	return data
}
func (d *fakeDoc) View(Heads) (CRDTValue, error)  { return d.fields, nil }
func (d *fakeDoc) Diff(Heads, Heads) ([]byte, error) { return nil, nil }
func (d *fakeDoc) Changes() ([]Change, error) {
	return []Change{{Hash: fmt.Sprintf("h%d", d.seq), Data: d.Save()}}, nil
}
func (d *fakeDoc) ApplyChanges(changes []Change) error {
	for _, c := range changes {
		var saved struct {
			Fields map[string]any `json:"fields"`
			Heads  Heads          `json:"heads"`
		}
		if err := json.Unmarshal(c.Data, &saved); err != nil {
			return err
		}
		for k, v := range saved.Fields {
			d.fields[k] = v
		}
		d.heads = saved.Heads
	}
	return nil
}

// fakeSyncState is a full-state-resend stand-in (it has no notion of "already
// sent"): every GenerateMessage call reports the doc's current snapshot, so
// tests can assert on how many times the synchronizer decided to send at
// all, independent of content diffing.
type fakeSyncState struct {
	doc *fakeDoc
}

func (s *fakeSyncState) GenerateMessage() ([]byte, bool) {
	return s.doc.Save(), true
}
func (s *fakeSyncState) ReceiveMessage(data []byte) error {
	return s.doc.ApplyChanges([]Change{{Hash: "remote", Data: data}})
}
func (s *fakeSyncState) Save() []byte { return nil }

type fakeEngine struct{}

func (fakeEngine) New() Doc { return newFakeDoc() }
func (fakeEngine) From(initialValue CRDTValue) (Doc, error) {
	d := newFakeDoc()
	if m, ok := initialValue.(map[string]any); ok {
		for k, v := range m {
			d.fields[k] = v
		}
		if len(m) > 0 {
			d.seq++
			d.heads = Heads{fmt.Sprintf("h%d", d.seq)}
		}
	}
	return d, nil
}
func (fakeEngine) Load(data []byte) (Doc, error) {
	d := newFakeDoc()
	if err := d.ApplyChanges([]Change{{Data: data}}); err != nil {
		return nil, err
	}
	return d, nil
}
func (fakeEngine) NewSyncState(doc Doc) SyncState {
	return &fakeSyncState{doc: doc.(*fakeDoc)}
}
func (fakeEngine) LoadSyncState(doc Doc, data []byte) (SyncState, error) {
	return &fakeSyncState{doc: doc.(*fakeDoc)}, nil
}

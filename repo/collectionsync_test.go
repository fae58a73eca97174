package repo

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// fakeHandleProvider implements HandleProvider directly over a map, so
// CollectionSynchronizer can be driven in isolation from Repo.
type fakeHandleProvider struct {
	engine  Engine
	handles map[DocumentId]*DocHandle
}

func newFakeHandleProvider(engine Engine) *fakeHandleProvider {
	return &fakeHandleProvider{engine: engine, handles: map[DocumentId]*DocHandle{}}
}

func (p *fakeHandleProvider) ResolveHandle(id DocumentId) *DocHandle {
	if h, ok := p.handles[id]; ok {
		return h
	}
	h := newDocHandle(id, p.engine, 0)
	_ = h.Create(nil)
	p.handles[id] = h
	return h
}

func TestCollectionSyncAddDocumentStartsSyncWithEveryKnownPeer(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)

	cs.AddPeer("peer-a")
	cs.AddPeer("peer-b")

	var sent []*RepoMessage
	cs.OnMessage(func(msg *RepoMessage) { sent = append(sent, msg) })

	id := NewDocumentId()
	cs.AddDocument(id)

	assert.Equal(t, len(sent), 2)
	ds, ok := cs.DocSync(id)
	assert.Equal(t, ok, true)
	assert.Equal(t, ds.HasPeer("peer-a"), true)
	assert.Equal(t, ds.HasPeer("peer-b"), true)
}

func TestCollectionSyncAddDocumentIsIdempotent(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)
	cs.AddPeer("peer-a")

	id := NewDocumentId()
	cs.AddDocument(id)
	ds1, _ := cs.DocSync(id)
	cs.AddDocument(id)
	ds2, _ := cs.DocSync(id)
	assert.Equal(t, ds1, ds2)
}

func TestCollectionSyncSharePolicyGatesBeginSync(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, func(peerId PeerId, _ DocumentId) bool {
		return peerId == "peer-a"
	})
	cs.AddPeer("peer-a")
	cs.AddPeer("peer-b")

	id := NewDocumentId()
	cs.AddDocument(id)

	ds, _ := cs.DocSync(id)
	assert.Equal(t, ds.HasPeer("peer-a"), true)
	assert.Equal(t, ds.HasPeer("peer-b"), false)
}

func TestCollectionSyncAddPeerSharesExistingDocuments(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)

	id := NewDocumentId()
	cs.AddDocument(id)
	ds, _ := cs.DocSync(id)
	assert.Equal(t, ds.HasPeer("peer-a"), false)

	cs.AddPeer("peer-a")
	assert.Equal(t, ds.HasPeer("peer-a"), true)
}

func TestCollectionSyncRemoveDocumentTearsDownRegardlessOfPeers(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)
	cs.AddPeer("peer-a")
	cs.AddPeer("peer-b")

	id := NewDocumentId()
	cs.AddDocument(id)

	cs.RemoveDocument(id)
	_, ok := cs.DocSync(id)
	assert.Equal(t, ok, false)

	// re-adding starts fresh
	cs.AddDocument(id)
	_, ok = cs.DocSync(id)
	assert.Equal(t, ok, true)
}

func TestCollectionSyncRemovePeerEndsAllItsDocuments(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)
	cs.AddPeer("peer-a")

	idA := NewDocumentId()
	idB := NewDocumentId()
	cs.AddDocument(idA)
	cs.AddDocument(idB)

	dsA, _ := cs.DocSync(idA)
	dsB, _ := cs.DocSync(idB)
	assert.Equal(t, dsA.HasPeer("peer-a"), true)
	assert.Equal(t, dsB.HasPeer("peer-a"), true)

	cs.RemovePeer("peer-a")

	assert.Equal(t, dsA.HasPeer("peer-a"), false)
	assert.Equal(t, dsB.HasPeer("peer-a"), false)
}

func TestCollectionSyncReceiveMessageCreatesDocOnFirstReference(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)

	id := NewDocumentId()
	cs.ReceiveMessage(&RepoMessage{Type: MessageTypeRequest, SenderId: "peer-a", DocumentId: &id})

	ds, ok := cs.DocSync(id)
	assert.Equal(t, ok, true)
	assert.Equal(t, ds.HasPeer("peer-a"), true)
}

func TestCollectionSyncReceiveMessageSharesWithLateSubscribers(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)
	cs.AddPeer("peer-a")

	id := NewDocumentId()
	cs.ReceiveMessage(&RepoMessage{Type: MessageTypeRequest, SenderId: "peer-b", DocumentId: &id})

	ds, _ := cs.DocSync(id)
	// peer-a was already known to the collection before this document existed;
	// a late subscriber still catches up.
	assert.Equal(t, ds.HasPeer("peer-a"), true)
	assert.Equal(t, ds.HasPeer("peer-b"), true)
}

func TestCollectionSyncPeersReflectsRegisteredSet(t *testing.T) {
	engine := fakeEngine{}
	provider := newFakeHandleProvider(engine)
	cs := NewCollectionSynchronizer(provider, engine, time.Millisecond, nil)

	cs.AddPeer("peer-a")
	cs.AddPeer("peer-b")
	assert.Equal(t, len(cs.Peers()), 2)

	cs.RemovePeer("peer-a")
	assert.Equal(t, cs.Peers(), []PeerId{"peer-b"})
}

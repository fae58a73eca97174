package repo

import (
	"sync"
	"time"

	"golang.org/x/exp/maps"
)

// HandleProvider resolves a DocumentId to its DocHandle, creating or loading
// one on first reference. Implemented by Repo; kept as an interface here so
// CollectionSynchronizer stays independently testable.
type HandleProvider interface {
	ResolveHandle(id DocumentId) *DocHandle
}

// SharePolicy is the arbitrary predicate deciding whether a given peer is
// "generous" for a given document (section 9: "arbitrary async predicate
// (peerId, documentId) -> bool"). The core calls it from multiple paths
// (new peer, new document, inbound message) and never caches its result, so
// a caller is free to change its answer for the same pair over time.
type SharePolicy func(peerId PeerId, documentId DocumentId) bool

// AlwaysShare is the default SharePolicy: every peer is generous for every
// document. Used when a Repo is configured with no explicit policy.
func AlwaysShare(PeerId, DocumentId) bool { return true }

// CollectionSynchronizer fans inbound/outbound sync traffic out across every
// document a peer set is known to share (section 4.5): one DocSynchronizer
// per DocumentId, wired lazily the first time AddDocument or an inbound
// message references that document, and torn down only by RemoveDocument
// (RemovePeer ends that peer's sync on every document but keeps the
// DocSynchronizers).
type CollectionSynchronizer struct {
	handles       HandleProvider
	engine        Engine
	debounceDelay time.Duration
	sharePolicy   SharePolicy

	mutex    sync.Mutex
	peers    map[PeerId]bool
	docSyncs map[DocumentId]*DocSynchronizer
	docSetUp map[DocumentId]bool

	messageBus   *EventBus[func(*RepoMessage)]
	syncStateBus *EventBus[func(DocumentId, PeerId, SyncState)]
	openDocBus   *EventBus[func(PeerId, DocumentId)]

	syncStateLoader CollectionSyncStateLoader
}

// CollectionSyncStateLoader looks up previously persisted SyncState bytes
// for a (document, peer) pair; see SyncStateLoader. SetSyncStateLoader
// curries it per document before handing it to each DocSynchronizer.
type CollectionSyncStateLoader func(id DocumentId, peerId PeerId) ([]byte, bool)

// SetSyncStateLoader installs the callback every DocSynchronizer this
// collection creates uses to seed a peer's SyncState from persisted storage
// instead of always starting empty (section 4.2/4.4 rule 2). Repo calls this
// immediately after construction, before any peer or document is added.
func (self *CollectionSynchronizer) SetSyncStateLoader(loader CollectionSyncStateLoader) {
	self.mutex.Lock()
	self.syncStateLoader = loader
	self.mutex.Unlock()
}

func NewCollectionSynchronizer(handles HandleProvider, engine Engine, debounceDelay time.Duration, sharePolicy SharePolicy) *CollectionSynchronizer {
	if sharePolicy == nil {
		sharePolicy = AlwaysShare
	}
	return &CollectionSynchronizer{
		handles:       handles,
		engine:        engine,
		debounceDelay: debounceDelay,
		sharePolicy:   sharePolicy,
		peers:         map[PeerId]bool{},
		docSyncs:      map[DocumentId]*DocSynchronizer{},
		docSetUp:      map[DocumentId]bool{},
		messageBus:    NewEventBus[func(*RepoMessage)](),
		syncStateBus:  NewEventBus[func(DocumentId, PeerId, SyncState)](),
		openDocBus:    NewEventBus[func(PeerId, DocumentId)](),
	}
}

func (self *CollectionSynchronizer) OnMessage(fn func(*RepoMessage)) Token {
	return self.messageBus.Subscribe(fn)
}
func (self *CollectionSynchronizer) OnSyncState(fn func(DocumentId, PeerId, SyncState)) Token {
	return self.syncStateBus.Subscribe(fn)
}
func (self *CollectionSynchronizer) OnOpenDoc(fn func(PeerId, DocumentId)) Token {
	return self.openDocBus.Subscribe(fn)
}

// AddPeer records peerId as interested in the collection. Idempotent. For
// every document already tracked, asks the share policy and begins sync
// with peerId where it answers true (section 4.5).
func (self *CollectionSynchronizer) AddPeer(peerId PeerId) {
	self.mutex.Lock()
	if self.peers[peerId] {
		self.mutex.Unlock()
		return
	}
	self.peers[peerId] = true
	docs := maps.Keys(self.docSyncs)
	self.mutex.Unlock()

	for _, id := range docs {
		if self.sharePolicy(peerId, id) {
			self.docSyncOf(id).BeginSync(peerId)
		}
	}
}

// RemovePeer ends sync for peerId on every document it was tracking.
func (self *CollectionSynchronizer) RemovePeer(peerId PeerId) {
	self.mutex.Lock()
	delete(self.peers, peerId)
	docs := maps.Values(self.docSyncs)
	self.mutex.Unlock()

	for _, ds := range docs {
		ds.EndSync(peerId)
	}
}

// AddDocument registers id with the collection, idempotent via docSetUp.
// Creates the DocSynchronizer (and resolves/creates the backing handle) on
// first reference, then begins sync with every peer the share policy
// currently admits for this document.
func (self *CollectionSynchronizer) AddDocument(id DocumentId) {
	self.mutex.Lock()
	if self.docSetUp[id] {
		self.mutex.Unlock()
		return
	}
	self.docSetUp[id] = true
	self.mutex.Unlock()

	ds := self.getOrCreateDocSync(id)

	self.mutex.Lock()
	peers := maps.Keys(self.peers)
	self.mutex.Unlock()

	for _, peerId := range peers {
		if self.sharePolicy(peerId, id) {
			ds.BeginSync(peerId)
		}
	}
}

// RemoveDocument tears the DocSynchronizer for id down entirely, discarding
// any pending outbound messages. Per DESIGN.md's resolution of spec.md
// section 9's open question (a), this does not notify remaining peers with
// an explicit tombstone; Repo.Delete is the user-facing delete path.
func (self *CollectionSynchronizer) RemoveDocument(id DocumentId) {
	self.mutex.Lock()
	ds, ok := self.docSyncs[id]
	if ok {
		delete(self.docSyncs, id)
		delete(self.docSetUp, id)
	}
	self.mutex.Unlock()
	if ok {
		ds.Close()
	}
}

func (self *CollectionSynchronizer) docSyncOf(id DocumentId) *DocSynchronizer {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.docSyncs[id]
}

func (self *CollectionSynchronizer) getOrCreateDocSync(id DocumentId) *DocSynchronizer {
	self.mutex.Lock()
	if ds, ok := self.docSyncs[id]; ok {
		self.mutex.Unlock()
		return ds
	}
	self.mutex.Unlock()

	handle := self.handles.ResolveHandle(id)
	ds := NewDocSynchronizer(handle, self.engine, self.debounceDelay)

	self.mutex.Lock()
	loader := self.syncStateLoader
	self.mutex.Unlock()
	if loader != nil {
		docId := id
		ds.SetSyncStateLoader(func(peerId PeerId) ([]byte, bool) {
			return loader(docId, peerId)
		})
	}

	ds.OnMessage(func(msg *RepoMessage) {
		for _, fn := range self.messageBus.Snapshot() {
			safeCall(func() { fn(msg) })
		}
	})
	ds.OnSyncState(func(peerId PeerId, ss SyncState) {
		for _, fn := range self.syncStateBus.Snapshot() {
			safeCall(func() { fn(id, peerId, ss) })
		}
	})
	ds.OnOpenDoc(func(peerId PeerId, docId DocumentId) {
		for _, fn := range self.openDocBus.Snapshot() {
			safeCall(func() { fn(peerId, docId) })
		}
	})

	self.mutex.Lock()
	if existing, ok := self.docSyncs[id]; ok {
		self.mutex.Unlock()
		ds.Close()
		return existing
	}
	self.docSyncs[id] = ds
	self.docSetUp[id] = true
	self.mutex.Unlock()
	return ds
}

// ReceiveMessage ensures a DocSynchronizer exists for msg.DocumentId,
// creating one (and its handle) if this is the collection's first reference
// to that document from any peer, feeds it the message, then begins sync
// with any peer the share policy admits that this DocSynchronizer doesn't
// already know about — so a peer that subscribes after the document was
// already in flight still catches up (section 4.5).
func (self *CollectionSynchronizer) ReceiveMessage(msg *RepoMessage) {
	if msg.DocumentId == nil {
		return
	}
	id := *msg.DocumentId
	ds := self.getOrCreateDocSync(id)

	self.mutex.Lock()
	self.peers[msg.SenderId] = true
	peers := maps.Keys(self.peers)
	self.mutex.Unlock()

	ds.ReceiveMessage(msg)

	for _, peerId := range peers {
		if !ds.HasPeer(peerId) && self.sharePolicy(peerId, id) {
			ds.BeginSync(peerId)
		}
	}
}

// HandleBecameReady flushes any sync messages buffered for id while its
// handle was LOADING. The owner (Repo) calls this once a DoneLoading call
// resolves the handle out of LOADING, whichever state it lands in.
func (self *CollectionSynchronizer) HandleBecameReady(id DocumentId) {
	self.mutex.Lock()
	ds, ok := self.docSyncs[id]
	self.mutex.Unlock()
	if ok {
		ds.FlushPending()
	}
}

// DocSync returns the DocSynchronizer for id, if one exists.
func (self *CollectionSynchronizer) DocSync(id DocumentId) (*DocSynchronizer, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	ds, ok := self.docSyncs[id]
	return ds, ok
}

// Peers lists every peer currently registered with the collection.
func (self *CollectionSynchronizer) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.peers)
}

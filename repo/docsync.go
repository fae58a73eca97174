package repo

import (
	"sync"
	"time"

	"github.com/golang/glog"
)

// PeerDocStatus is what a DocSynchronizer currently believes about one
// peer's relationship to its document.
type PeerDocStatus string

const (
	PeerDocUnknown     PeerDocStatus = "unknown"
	PeerDocHas         PeerDocStatus = "has"
	PeerDocUnavailable PeerDocStatus = "unavailable"
)

const DefaultSyncDebounceDelay = 50 * time.Millisecond

// DocSynchronizer drives the sync protocol for exactly one document against
// a set of peers (section 4.4): one SyncState per peer, buffering inbound
// sync/request messages while the bound DocHandle is LOADING, and debouncing outbound
// sync messages per peer so a burst of local changes collapses into one
// wire message.
type DocSynchronizer struct {
	id     DocumentId
	handle *DocHandle
	engine Engine

	debounce *Debouncer[PeerId]

	mutex      sync.Mutex
	syncStates map[PeerId]SyncState
	peerStatus map[PeerId]PeerDocStatus
	started    map[PeerId]bool
	opened     map[PeerId]bool
	pending    []*RepoMessage

	messageBus   *EventBus[func(*RepoMessage)]
	syncStateBus *EventBus[func(PeerId, SyncState)]
	openDocBus   *EventBus[func(PeerId, DocumentId)]

	changeToken Token

	syncStateLoader SyncStateLoader
}

// SyncStateLoader looks up previously persisted SyncState bytes for a peer
// (section 4.2/4.4 rule 2). A false second return means nothing is
// persisted for that peer, and the synchronizer falls back to a fresh
// SyncState. Repo.loadPeerSyncState is the production implementation,
// backed by StorageSubsystem.LoadSyncState; it is nil in tests that have no
// storage to consult.
type SyncStateLoader func(peerId PeerId) ([]byte, bool)

func NewDocSynchronizer(handle *DocHandle, engine Engine, debounceDelay time.Duration) *DocSynchronizer {
	if debounceDelay <= 0 {
		debounceDelay = DefaultSyncDebounceDelay
	}
	self := &DocSynchronizer{
		id:           handle.DocumentId(),
		handle:       handle,
		engine:       engine,
		debounce:     NewDebouncer[PeerId](debounceDelay),
		syncStates:   map[PeerId]SyncState{},
		peerStatus:   map[PeerId]PeerDocStatus{},
		started:      map[PeerId]bool{},
		opened:       map[PeerId]bool{},
		messageBus:   NewEventBus[func(*RepoMessage)](),
		syncStateBus: NewEventBus[func(PeerId, SyncState)](),
		openDocBus:   NewEventBus[func(PeerId, DocumentId)](),
	}
	self.changeToken = handle.OnHeadsChanged(func(Heads) {
		self.broadcastToActivePeers()
	})
	return self
}

func (self *DocSynchronizer) OnMessage(fn func(*RepoMessage)) Token {
	return self.messageBus.Subscribe(fn)
}
func (self *DocSynchronizer) OnSyncState(fn func(PeerId, SyncState)) Token {
	return self.syncStateBus.Subscribe(fn)
}

// OnOpenDoc fires once per peer, the first time a sync/request exchange with
// that peer actually succeeds (section 4.4 rule 5). The Repo uses this to
// subscribe to that peer's remote-heads gossip for this document.
func (self *DocSynchronizer) OnOpenDoc(fn func(PeerId, DocumentId)) Token {
	return self.openDocBus.Subscribe(fn)
}

func (self *DocSynchronizer) DocumentId() DocumentId { return self.id }

// SetSyncStateLoader installs the callback used to seed a peer's SyncState
// from persisted bytes the first time that peer is synced with, instead of
// always starting from an empty SyncState. Must be called before any sync
// exchange happens; CollectionSynchronizer calls it immediately after
// construction.
func (self *DocSynchronizer) SetSyncStateLoader(loader SyncStateLoader) {
	self.mutex.Lock()
	self.syncStateLoader = loader
	self.mutex.Unlock()
}

func (self *DocSynchronizer) Close() {
	self.handle.OffHeadsChanged(self.changeToken)
	self.debounce.FlushAll()
}

// HasPeer reports whether peerId has an active sync state.
func (self *DocSynchronizer) HasPeer(peerId PeerId) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.syncStates[peerId]
	return ok
}

// Peers lists every peer this synchronizer is actively tracking.
func (self *DocSynchronizer) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	peers := make([]PeerId, 0, len(self.started))
	for peerId := range self.started {
		peers = append(peers, peerId)
	}
	return peers
}

func (self *DocSynchronizer) PeerStatus(peerId PeerId) PeerDocStatus {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if s, ok := self.peerStatus[peerId]; ok {
		return s
	}
	return PeerDocUnknown
}

// BeginSync marks peerId as an active sync target and sends it an initial
// sync message if the handle already has a document.
func (self *DocSynchronizer) BeginSync(peerId PeerId) {
	self.mutex.Lock()
	self.started[peerId] = true
	self.mutex.Unlock()
	self.generateAndSend(peerId)
}

// EndSync stops tracking peerId; its SyncState is dropped, so a later
// BeginSync starts a fresh exchange from scratch.
func (self *DocSynchronizer) EndSync(peerId PeerId) {
	self.mutex.Lock()
	delete(self.started, peerId)
	delete(self.syncStates, peerId)
	delete(self.peerStatus, peerId)
	delete(self.opened, peerId)
	self.mutex.Unlock()
	self.debounce.Cancel(peerId)
}

func (self *DocSynchronizer) broadcastToActivePeers() {
	self.mutex.Lock()
	peers := make([]PeerId, 0, len(self.started))
	for p, active := range self.started {
		if active {
			peers = append(peers, p)
		}
	}
	self.mutex.Unlock()

	for _, peerId := range peers {
		p := peerId
		self.debounce.Schedule(p, func() { self.generateAndSend(p) })
	}
}

func (self *DocSynchronizer) getOrCreateSyncState(peerId PeerId, doc Doc) SyncState {
	self.mutex.Lock()
	if ss, ok := self.syncStates[peerId]; ok {
		self.mutex.Unlock()
		return ss
	}
	loader := self.syncStateLoader
	self.mutex.Unlock()

	ss := self.loadOrNewSyncState(peerId, doc, loader)

	self.mutex.Lock()
	if existing, ok := self.syncStates[peerId]; ok {
		self.mutex.Unlock()
		return existing
	}
	self.syncStates[peerId] = ss
	self.mutex.Unlock()
	return ss
}

// loadOrNewSyncState tries the injected loader (storage I/O, so it must run
// without self.mutex held) before falling back to a fresh SyncState.
func (self *DocSynchronizer) loadOrNewSyncState(peerId PeerId, doc Doc, loader SyncStateLoader) SyncState {
	if loader != nil {
		if data, ok := loader(peerId); ok {
			ss, err := self.engine.LoadSyncState(doc, data)
			if err == nil {
				return ss
			}
			glog.Warningf("reposync: docsync: load persisted sync state for %s on %s failed: %v", peerId, self.id, err)
		}
	}
	return self.engine.NewSyncState(doc)
}

func (self *DocSynchronizer) generateAndSend(peerId PeerId) {
	doc := self.handle.EngineDoc()
	if doc == nil || !self.handle.IsReady() {
		return
	}
	ss := self.getOrCreateSyncState(peerId, doc)

	data, ok := ss.GenerateMessage()
	if !ok {
		return
	}
	id := self.id
	self.emitMessage(&RepoMessage{Type: MessageTypeSync, TargetId: peerId, DocumentId: &id, Data: data})
	self.emitSyncState(peerId, ss)
}

func (self *DocSynchronizer) emitMessage(msg *RepoMessage) {
	for _, fn := range self.messageBus.Snapshot() {
		safeCall(func() { fn(msg) })
	}
}

func (self *DocSynchronizer) emitOpenDoc(peerId PeerId) {
	id := self.id
	for _, fn := range self.openDocBus.Snapshot() {
		safeCall(func() { fn(peerId, id) })
	}
}

func (self *DocSynchronizer) emitSyncState(peerId PeerId, ss SyncState) {
	for _, fn := range self.syncStateBus.Snapshot() {
		safeCall(func() { fn(peerId, ss) })
	}
}

// ReceiveMessage dispatches one inbound message addressed to this document.
// Sync/request messages arriving while the handle is still consulting local
// storage (LOADING) are buffered and replayed by FlushPending; REQUESTING
// and UNAVAILABLE are handled immediately, since an inbound sync message is
// exactly what resolves either of those states into READY.
func (self *DocSynchronizer) ReceiveMessage(msg *RepoMessage) {
	switch msg.Type {
	case MessageTypeSync, MessageTypeRequest:
		if self.handle.State() == StateLoading {
			self.mutex.Lock()
			self.pending = append(self.pending, msg)
			self.mutex.Unlock()
			return
		}
		self.receiveSyncOrRequest(msg)
	case MessageTypeDocUnavailable:
		self.mutex.Lock()
		self.peerStatus[msg.SenderId] = PeerDocUnavailable
		allUnavailable := len(self.started) > 0
		for peerId := range self.started {
			if self.peerStatus[peerId] != PeerDocUnavailable {
				allUnavailable = false
				break
			}
		}
		self.mutex.Unlock()
		// Section 4.4 rule 3: once every generous peer we're tracking has told
		// us it doesn't have the document, a REQUESTING handle has no further
		// path to READY and moves to UNAVAILABLE. Unavailable() is a no-op if
		// the handle isn't REQUESTING.
		if allUnavailable {
			self.handle.Unavailable()
		}
	case MessageTypeEphemeral:
		if self.handle.IsReady() {
			self.handle.DeliverEphemeral(msg.SenderId, msg.Data)
		}
	default:
		glog.Warningf("reposync: docsync: unhandled message type %q for %s", msg.Type, self.id)
	}
}

func (self *DocSynchronizer) receiveSyncOrRequest(msg *RepoMessage) {
	doc := self.handle.EngineDoc()
	if doc == nil {
		if msg.Type == MessageTypeRequest {
			id := self.id
			self.emitMessage(&RepoMessage{Type: MessageTypeDocUnavailable, TargetId: msg.SenderId, DocumentId: &id})
			return
		}
		// A sync message can seed a document we don't have yet: start from
		// an empty engine doc and let ReceiveMessage populate it. Nothing
		// else can reach this doc until PeerHas registers it with the
		// handle below, so applying the message directly is safe.
		doc = self.engine.New()
		ss := self.getOrCreateSyncState(msg.SenderId, doc)
		if err := ss.ReceiveMessage(msg.Data); err != nil {
			glog.Warningf("reposync: docsync: receive message from %s for %s failed: %v", msg.SenderId, self.id, err)
			return
		}
		self.handle.PeerHas(doc)
		self.afterPeerExchange(msg.SenderId, ss)
		return
	}

	// The handle already owns a live document: route the update through it
	// so the mutation is ordered against any concurrent local Change/Merge
	// on the same engine Doc, and so change/heads-changed still fire (and
	// with them, persistence and relay to other peers) for an update that
	// only ever arrived over the wire.
	ss := self.getOrCreateSyncState(msg.SenderId, doc)
	err := self.handle.ApplySyncUpdate(func(doc Doc) error {
		return ss.ReceiveMessage(msg.Data)
	})
	if err != nil {
		glog.Warningf("reposync: docsync: receive message from %s for %s failed: %v", msg.SenderId, self.id, err)
		return
	}
	self.afterPeerExchange(msg.SenderId, ss)
}

// afterPeerExchange records that peerId is a confirmed, actively-synced
// holder of this document and fires the bookkeeping every successful
// sync/request exchange triggers, regardless of whether the document was
// just created or already existed.
func (self *DocSynchronizer) afterPeerExchange(peerId PeerId, ss SyncState) {
	self.mutex.Lock()
	self.peerStatus[peerId] = PeerDocHas
	self.started[peerId] = true
	firstOpen := !self.opened[peerId]
	self.opened[peerId] = true
	self.mutex.Unlock()

	if firstOpen {
		self.emitOpenDoc(peerId)
	}
	self.emitSyncState(peerId, ss)
	self.generateAndSend(peerId)
}

// FlushPending replays any sync/request messages buffered while the handle
// was LOADING. CollectionSynchronizer.HandleBecameReady calls this once the
// handle has left LOADING, whichever state it landed in.
func (self *DocSynchronizer) FlushPending() {
	self.mutex.Lock()
	batch := self.pending
	self.pending = nil
	self.mutex.Unlock()

	for _, msg := range batch {
		self.receiveSyncOrRequest(msg)
	}
}

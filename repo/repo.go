package repo

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

const (
	DefaultSaveDebounceDelay          = 200 * time.Millisecond
	DefaultSyncStateSaveDebounceDelay = 500 * time.Millisecond
	DefaultHandleTimeout              = 5 * time.Second
)

// RepoConfig wires a Repo's collaborators together; every field but PeerId
// and Engine is optional, matching an ephemeral, storage-less,
// network-less repo as the minimal valid configuration (a pure in-process
// document workspace).
type RepoConfig struct {
	PeerId  PeerId
	Engine  Engine
	Storage StorageAdapter
	Network []NetworkAdapter

	// StorageId identifies this process's own storage to the remote-heads
	// gossip layer. Leave empty for an ephemeral (ephemeral-peer) repo.
	StorageId StorageId

	// SharePolicy gates which peers a document is shared with (section 4.5).
	// Defaults to AlwaysShare (every peer is generous for every document) if
	// left nil.
	SharePolicy SharePolicy

	SaveDebounceDelay          time.Duration
	SyncStateSaveDebounceDelay time.Duration
	SyncDebounceDelay          time.Duration
	HandleTimeout              time.Duration
	CompactionThreshold        int
}

// Repo is the single entry point for an application (section 4.7): it owns
// the DocHandle cache, and wires the storage, network, collection-sync and
// remote-heads subsystems together.
type Repo struct {
	selfId        PeerId
	selfStorageId StorageId
	engine        Engine
	storage       *StorageSubsystem
	network       *NetworkSubsystem
	collection    *CollectionSynchronizer
	remoteHeads   *RemoteHeadsSubscriptions

	saveDebounce          *Debouncer[DocumentId]
	syncStateSaveDebounce *Debouncer[syncStateSaveKey]
	handleTimeout         time.Duration

	mutex    sync.Mutex
	handles  map[DocumentId]*DocHandle
	peerMeta map[PeerId]PeerMetadata
	closed   bool

	docBus         *EventBus[func(*DocHandle)]
	deleteBus      *EventBus[func(DocumentId)]
	unavailableBus *EventBus[func(DocumentId)]
}

type syncStateSaveKey struct {
	doc     DocumentId
	storage StorageId
}

func NewRepo(cfg RepoConfig) *Repo {
	saveDelay := cfg.SaveDebounceDelay
	if saveDelay <= 0 {
		saveDelay = DefaultSaveDebounceDelay
	}
	syncSaveDelay := cfg.SyncStateSaveDebounceDelay
	if syncSaveDelay <= 0 {
		syncSaveDelay = DefaultSyncStateSaveDebounceDelay
	}
	handleTimeout := cfg.HandleTimeout
	if handleTimeout <= 0 {
		handleTimeout = DefaultHandleTimeout
	}
	sharePolicy := cfg.SharePolicy
	if sharePolicy == nil {
		sharePolicy = AlwaysShare
	}

	self := &Repo{
		selfId:                cfg.PeerId,
		selfStorageId:         cfg.StorageId,
		engine:                cfg.Engine,
		handleTimeout:         handleTimeout,
		saveDebounce:          NewDebouncer[DocumentId](saveDelay),
		syncStateSaveDebounce: NewDebouncer[syncStateSaveKey](syncSaveDelay),
		handles:               map[DocumentId]*DocHandle{},
		peerMeta:              map[PeerId]PeerMetadata{},
		docBus:                NewEventBus[func(*DocHandle)](),
		deleteBus:             NewEventBus[func(DocumentId)](),
		unavailableBus:        NewEventBus[func(DocumentId)](),
	}

	if cfg.Storage != nil {
		self.storage = NewStorageSubsystem(cfg.Storage, cfg.Engine, cfg.CompactionThreshold)
	}

	self.collection = NewCollectionSynchronizer(self, cfg.Engine, cfg.SyncDebounceDelay, sharePolicy)
	self.collection.SetSyncStateLoader(self.loadPeerSyncState)
	self.remoteHeads = NewRemoteHeadsSubscriptions()
	self.remoteHeads.SetSharePolicy(sharePolicy)

	self.collection.OnMessage(func(msg *RepoMessage) { self.dispatchOutbound(msg) })
	self.collection.OnSyncState(func(id DocumentId, peerId PeerId, ss SyncState) {
		self.onSyncStateChanged(id, peerId, ss)
	})
	self.collection.OnOpenDoc(func(peerId PeerId, id DocumentId) {
		self.onOpenDoc(peerId, id)
	})
	self.remoteHeads.OnMessage(func(msg *RepoMessage) { self.dispatchOutbound(msg) })
	self.remoteHeads.OnRemoteHeadsChanged(func(id DocumentId, storageId StorageId, heads Heads) {
		self.mutex.Lock()
		h, ok := self.handles[id]
		self.mutex.Unlock()
		if ok {
			h.SetRemoteHeads(storageId, heads)
		}
	})

	if len(cfg.Network) > 0 {
		self.network = NewNetworkSubsystem(cfg.PeerId, newSessionId(), cfg.Network...)
		self.network.OnMessage(func(msg *RepoMessage) { self.receiveInbound(msg) })
		self.network.OnPeerCandidate(func(peerId PeerId, metadata PeerMetadata) {
			self.onPeerConnected(peerId, metadata)
		})
		self.network.OnPeerDisconnected(func(peerId PeerId) {
			self.onPeerDisconnected(peerId)
		})
	}

	return self
}

func (self *Repo) PeerId() PeerId { return self.selfId }

// NetworkSubsystem exposes the underlying multi-adapter router for adapter
// authors and tooling that need to wire in a connection discovered after
// construction (e.g. a server accepting an inbound peer). Returns nil if the
// Repo was configured with no network adapters.
func (self *Repo) NetworkSubsystem() *NetworkSubsystem { return self.network }

// StorageSubsystem exposes the underlying content-addressed storage wrapper.
// Returns nil if the Repo was configured with no storage adapter.
func (self *Repo) StorageSubsystem() *StorageSubsystem { return self.storage }

// Peers lists every peer currently routable through the network subsystem.
func (self *Repo) Peers() []PeerId {
	if self.network == nil {
		return nil
	}
	return self.network.Peers()
}

// Handles lists the DocumentIds currently held in the handle cache.
func (self *Repo) Handles() []DocumentId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return maps.Keys(self.handles)
}

// SetPeerMetadata records metadata for a peer ahead of its first network
// event, e.g. after completing an out-of-band handshake. Ordinary adapter
// connections record it automatically via onPeerConnected.
func (self *Repo) SetPeerMetadata(peerId PeerId, metadata PeerMetadata) {
	self.mutex.Lock()
	self.peerMeta[peerId] = metadata
	self.mutex.Unlock()
}

// OnDocument fires once a new DocHandle is created or first referenced.
func (self *Repo) OnDocument(fn func(*DocHandle)) Token { return self.docBus.Subscribe(fn) }
func (self *Repo) OnDeleteDocument(fn func(DocumentId)) Token {
	return self.deleteBus.Subscribe(fn)
}
func (self *Repo) OnUnavailableDocument(fn func(DocumentId)) Token {
	return self.unavailableBus.Subscribe(fn)
}

// --- creation / lookup ---------------------------------------------------

// Create mints a fresh DocumentId, seeds a document with initialValue (or
// empty, if nil), persists it, and announces it to every connected peer.
func (self *Repo) Create(initialValue CRDTValue) (*DocHandle, error) {
	id := NewDocumentId()
	handle := newDocHandle(id, self.engine, self.handleTimeout)
	self.registerHandle(handle)

	if err := handle.Create(initialValue); err != nil {
		return nil, err
	}

	self.emitDocument(handle)
	self.scheduleSave(id)
	self.shareWithAllPeers(id)
	return handle, nil
}

// Find returns the DocHandle for id, creating and loading/requesting it
// on first reference. It does not block; await handle.Doc(ctx) for content.
func (self *Repo) Find(id DocumentId) *DocHandle {
	return self.ResolveHandle(id)
}

// ResolveHandle implements HandleProvider for the CollectionSynchronizer.
func (self *Repo) ResolveHandle(id DocumentId) *DocHandle {
	self.mutex.Lock()
	if h, ok := self.handles[id]; ok {
		self.mutex.Unlock()
		return h
	}
	h := newDocHandle(id, self.engine, self.handleTimeout)
	self.handles[id] = h
	self.mutex.Unlock()

	self.wireHandle(h)
	self.emitDocument(h)

	h.Load()
	go self.loadOrRequest(h)
	return h
}

func (self *Repo) registerHandle(h *DocHandle) {
	self.mutex.Lock()
	self.handles[h.DocumentId()] = h
	self.mutex.Unlock()
	self.wireHandle(h)
}

func (self *Repo) wireHandle(h *DocHandle) {
	id := h.DocumentId()
	h.OnHeadsChanged(func(heads Heads) {
		self.scheduleSave(id)
	})
	h.OnDelete(func() {
		self.onHandleDeleted(id)
	})
	h.OnBroadcast(func(payload []byte) {
		self.broadcastEphemeral(id, payload)
	})
}

// broadcastEphemeral fans an ephemeral payload out to every peer currently
// syncing this document (section 4.6); each gets its own message since
// ephemeral dedupe state is tracked per (sender, session) at the target.
func (self *Repo) broadcastEphemeral(id DocumentId, payload []byte) {
	ds, ok := self.collection.DocSync(id)
	if !ok {
		return
	}
	for _, peerId := range ds.Peers() {
		self.dispatchOutbound(&RepoMessage{
			Type:       MessageTypeEphemeral,
			TargetId:   peerId,
			DocumentId: &id,
			Data:       payload,
		})
	}
}

func (self *Repo) loadOrRequest(h *DocHandle) {
	id := h.DocumentId()
	if self.storage != nil {
		ctx := context.Background()
		doc, found, err := self.storage.LoadDoc(ctx, id)
		if err != nil {
			glog.Errorf("reposync: repo: load %s failed: %v", id, err)
		} else if found {
			h.DoneLoading(doc, true)
			self.collection.HandleBecameReady(id)
			self.shareWithAllPeers(id)
			return
		}
	}
	h.DoneLoading(nil, false)
	self.collection.HandleBecameReady(id)
	self.shareWithAllPeers(id)

	go self.awaitResolution(h)
}

// awaitResolution watches a REQUESTING handle until it leaves that state,
// then reacts: READY flushes any sync messages buffered meanwhile,
// UNAVAILABLE notifies subscribers. Runs once per ResolveHandle call that
// did not find the document in local storage.
func (self *Repo) awaitResolution(h *DocHandle) {
	id := h.DocumentId()
	for {
		notify := h.stateMonitor.NotifyChannel()
		state := h.State()
		if state != StateRequesting {
			if state == StateUnavailable {
				for _, fn := range self.unavailableBus.Snapshot() {
					safeCall(func() { fn(id) })
				}
			} else if state == StateReady {
				self.collection.HandleBecameReady(id)
			}
			return
		}
		<-notify
	}
}

func (self *Repo) shareWithAllPeers(id DocumentId) {
	self.collection.AddDocument(id)
}

// --- clone / delete / export / import ------------------------------------

// Clone creates a brand new document seeded from the full history of src.
// Requires src to be READY and non-empty (section 9: "requires source READY
// and non-empty"); an UNAVAILABLE source is rejected distinctly from a
// merely not-yet-ready one, matching Merge.
func (self *Repo) Clone(src *DocHandle) (*DocHandle, error) {
	if src.State() == StateUnavailable {
		return nil, ErrUnavailable
	}
	heads, err := src.Heads()
	if err != nil {
		return nil, err
	}
	if len(heads) == 0 {
		return nil, ErrEmptyDocument
	}
	srcDoc := src.EngineDoc()
	if srcDoc == nil {
		return nil, ErrNotReady
	}
	id := NewDocumentId()
	handle := newDocHandle(id, self.engine, self.handleTimeout)
	if err := handle.Create(nil); err != nil {
		return nil, err
	}
	if err := handle.MergeDoc(srcDoc); err != nil {
		return nil, err
	}
	self.registerHandle(handle)
	self.emitDocument(handle)
	self.scheduleSave(id)
	self.shareWithAllPeers(id)
	return handle, nil
}

// Delete tombstones id: the handle transitions to DELETED, storage is
// cleared, and its DocSynchronizer is torn down locally. No message is sent
// to peers that were syncing it.
func (self *Repo) Delete(id DocumentId) error {
	self.mutex.Lock()
	h, ok := self.handles[id]
	self.mutex.Unlock()
	if !ok {
		return nil
	}
	h.Delete()
	return nil
}

func (self *Repo) onHandleDeleted(id DocumentId) {
	self.saveDebounce.Cancel(id)
	if self.storage != nil {
		ctx := context.Background()
		if err := self.storage.RemoveDoc(ctx, id); err != nil {
			glog.Errorf("reposync: repo: remove %s failed: %v", id, err)
		}
	}
	self.collection.RemoveDocument(id)
	self.mutex.Lock()
	delete(self.handles, id)
	self.mutex.Unlock()

	for _, fn := range self.deleteBus.Snapshot() {
		safeCall(func() { fn(id) })
	}
}

// Export serializes a document to a full snapshot, suitable for Import
// elsewhere or out-of-band transport.
func (self *Repo) Export(h *DocHandle) ([]byte, error) {
	doc := h.EngineDoc()
	if doc == nil {
		return nil, ErrNotReady
	}
	return doc.Save(), nil
}

// Import loads a snapshot produced by Export as a brand new document.
func (self *Repo) Import(data []byte) (*DocHandle, error) {
	doc, err := self.engine.Load(data)
	if err != nil {
		return nil, err
	}
	id := NewDocumentId()
	handle := newDocHandle(id, self.engine, self.handleTimeout)
	handle.DoneLoading(doc, true)
	self.registerHandle(handle)
	self.emitDocument(handle)
	self.scheduleSave(id)
	self.shareWithAllPeers(id)
	return handle, nil
}

// RemoveFromCache evicts id's handle from the in-memory cache without
// deleting it from storage; a subsequent Find reloads it fresh.
func (self *Repo) RemoveFromCache(id DocumentId) {
	self.mutex.Lock()
	delete(self.handles, id)
	self.mutex.Unlock()
}

// --- save scheduling -------------------------------------------------------

func (self *Repo) scheduleSave(id DocumentId) {
	if self.storage == nil {
		self.notifyRemoteHeads(id)
		return
	}
	self.saveDebounce.Schedule(id, func() {
		self.mutex.Lock()
		h, ok := self.handles[id]
		self.mutex.Unlock()
		if !ok {
			return
		}
		doc := h.EngineDoc()
		if doc == nil {
			return
		}
		ctx := context.Background()
		if err := self.storage.SaveDoc(ctx, id, doc); err != nil {
			glog.Errorf("reposync: repo: save %s failed: %v", id, err)
			return
		}
		self.notifyRemoteHeads(id)
	})
}

func (self *Repo) notifyRemoteHeads(id DocumentId) {
	if self.selfStorageId == "" {
		return
	}
	self.mutex.Lock()
	h, ok := self.handles[id]
	self.mutex.Unlock()
	if !ok {
		return
	}
	heads, err := h.Heads()
	if err != nil {
		return
	}
	self.remoteHeads.NotifyLocalHeads(id, self.selfStorageId, heads, stampTimestamp())
}

// Flush forces an immediate, synchronous snapshot save for id, bypassing
// the save debounce. Useful before process shutdown.
func (self *Repo) Flush(id DocumentId) error {
	self.saveDebounce.Flush(id)
	if self.storage == nil {
		return nil
	}
	self.mutex.Lock()
	h, ok := self.handles[id]
	self.mutex.Unlock()
	if !ok {
		return nil
	}
	doc := h.EngineDoc()
	if doc == nil {
		return nil
	}
	return self.storage.SaveSnapshot(context.Background(), id, doc)
}

// FlushAll flushes every cached document.
func (self *Repo) FlushAll() {
	self.mutex.Lock()
	ids := maps.Keys(self.handles)
	self.mutex.Unlock()
	for _, id := range ids {
		if err := self.Flush(id); err != nil {
			glog.Errorf("reposync: repo: flush %s failed: %v", id, err)
		}
	}
}

// --- sync-state persistence -------------------------------------------------

func (self *Repo) onSyncStateChanged(id DocumentId, peerId PeerId, ss SyncState) {
	if self.storage == nil {
		return
	}
	self.mutex.Lock()
	meta, known := self.peerMeta[peerId]
	self.mutex.Unlock()
	if !known || meta.IsEphemeral || meta.StorageId == nil {
		// Ephemeral peers (and peers who never announced a StorageId) have
		// no stable identity to key persisted sync state on.
		return
	}
	storageId := *meta.StorageId
	key := syncStateSaveKey{doc: id, storage: storageId}
	self.syncStateSaveDebounce.Schedule(key, func() {
		if err := self.storage.SaveSyncState(context.Background(), id, storageId, ss.Save()); err != nil {
			glog.Errorf("reposync: repo: save sync state %s/%s failed: %v", id, storageId, err)
		}
	})
}

// loadPeerSyncState is the CollectionSyncStateLoader a Repo installs on its
// CollectionSynchronizer: section 4.4 rule 2's "on first interaction the
// synchronizer may request a persisted SyncState from storage". Only a peer
// with a known, non-ephemeral StorageId has anything to look up, since
// persisted sync state is keyed by StorageId, not by the (transient)
// PeerId of a given connection.
func (self *Repo) loadPeerSyncState(id DocumentId, peerId PeerId) ([]byte, bool) {
	if self.storage == nil {
		return nil, false
	}
	self.mutex.Lock()
	meta, known := self.peerMeta[peerId]
	self.mutex.Unlock()
	if !known || meta.IsEphemeral || meta.StorageId == nil {
		return nil, false
	}
	data, found, err := self.storage.LoadSyncState(context.Background(), id, *meta.StorageId)
	if err != nil {
		glog.Errorf("reposync: repo: load sync state %s/%s failed: %v", id, *meta.StorageId, err)
		return nil, false
	}
	return data, found
}

// onOpenDoc fires on the first successful sync exchange with a peer for a
// document (section 4.4 rule 5). If that peer announced its own StorageId,
// we ask it to gossip heads for this document on behalf of that storage —
// the per-(peer,document) half of section 4.6's subscription graph; a peer
// marked wholly generous (onPeerConnected) already gets everything and
// doesn't need this.
func (self *Repo) onOpenDoc(peerId PeerId, id DocumentId) {
	self.mutex.Lock()
	meta, known := self.peerMeta[peerId]
	self.mutex.Unlock()
	if !known || meta.StorageId == nil {
		return
	}
	self.remoteHeads.Subscribe(id, []StorageId{*meta.StorageId}, peerId)
}

// --- network wiring ---------------------------------------------------------

func (self *Repo) dispatchOutbound(msg *RepoMessage) {
	if self.network == nil {
		glog.Warningf("reposync: repo: dropping outbound message, no network configured")
		return
	}
	if err := self.network.Send(msg); err != nil {
		glog.V(1).Infof("reposync: repo: send failed: %v", err)
	}
}

func (self *Repo) receiveInbound(msg *RepoMessage) {
	switch msg.Type {
	case MessageTypeSync, MessageTypeRequest, MessageTypeDocUnavailable, MessageTypeEphemeral:
		self.collection.ReceiveMessage(msg)
	case MessageTypeRemoteSubscriptionChange:
		self.remoteHeads.ReceiveSubscriptionChange(msg)
	case MessageTypeRemoteHeadsChanged:
		self.remoteHeads.ReceiveRemoteHeadsChanged(msg)
	default:
		glog.Warningf("reposync: repo: unhandled inbound message type %q", msg.Type)
	}
}

func (self *Repo) onPeerConnected(peerId PeerId, metadata PeerMetadata) {
	self.mutex.Lock()
	self.peerMeta[peerId] = metadata
	self.mutex.Unlock()

	self.collection.AddPeer(peerId)
	if metadata.StorageId != nil && !metadata.IsEphemeral {
		self.remoteHeads.MarkGenerous(peerId)
	}
}

func (self *Repo) onPeerDisconnected(peerId PeerId) {
	self.collection.RemovePeer(peerId)
	self.remoteHeads.RemovePeer(peerId)
	self.mutex.Lock()
	delete(self.peerMeta, peerId)
	self.mutex.Unlock()
}

// Shutdown flushes every document, disconnects the network, and releases
// all subsystem resources. The Repo is not usable afterward.
func (self *Repo) Shutdown() {
	self.mutex.Lock()
	if self.closed {
		self.mutex.Unlock()
		return
	}
	self.closed = true
	self.mutex.Unlock()

	self.FlushAll()
	self.saveDebounce.FlushAll()
	self.syncStateSaveDebounce.FlushAll()
	if self.network != nil {
		self.network.Disconnect()
	}
}

func (self *Repo) emitDocument(h *DocHandle) {
	for _, fn := range self.docBus.Snapshot() {
		safeCall(func() { fn(h) })
	}
}

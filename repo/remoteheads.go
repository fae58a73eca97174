package repo

import (
	"sync"

	"golang.org/x/exp/maps"
)

// RemoteHeadsSubscriptions tracks, per document, which peers want to hear
// about a storage peer's heads for that document moving (section 4.6). It
// is the gossip layer that lets a storage peer's heads propagate to parties
// who never talk to that storage peer directly, as long as they share a
// mutual peer in between.
type RemoteHeadsSubscriptions struct {
	mutex sync.Mutex

	// ourSubscriptions[documentId] is the set of StorageIds this process
	// wants to be told about for that document.
	ourSubscriptions map[DocumentId]map[StorageId]bool

	// generousPeers subscribe to everything we have for every document,
	// without being asked per-(document,storage) (e.g. a storage server
	// serving many clients).
	generousPeers map[PeerId]bool

	// peerSubscriptions[peerId][documentId] is the explicit StorageId
	// subscription set a remote peer asked us for, for that document.
	peerSubscriptions map[PeerId]map[DocumentId]map[StorageId]bool

	// heads[documentId][storageId] is the newest (heads, timestamp) pair
	// observed, local or relayed; only a strictly newer timestamp replaces
	// it (newest-timestamp-wins, per I6).
	heads map[DocumentId]map[StorageId]StorageHeads

	// sharePolicy gates which documents a generous peer actually hears
	// about; nil means AlwaysShare. A peer's explicit per-(document,
	// storage) subscriptions (peerSubscriptions) don't need this gate
	// themselves, since they only exist because CollectionSynchronizer
	// already ran the same SharePolicy check before the sync exchange
	// that led to the subscription in the first place.
	sharePolicy SharePolicy

	messageBus *EventBus[func(*RepoMessage)]
	changeBus  *EventBus[func(DocumentId, StorageId, Heads)]
}

func NewRemoteHeadsSubscriptions() *RemoteHeadsSubscriptions {
	return &RemoteHeadsSubscriptions{
		ourSubscriptions:  map[DocumentId]map[StorageId]bool{},
		generousPeers:     map[PeerId]bool{},
		peerSubscriptions: map[PeerId]map[DocumentId]map[StorageId]bool{},
		heads:             map[DocumentId]map[StorageId]StorageHeads{},
		messageBus:        NewEventBus[func(*RepoMessage)](),
		changeBus:         NewEventBus[func(DocumentId, StorageId, Heads)](),
	}
}

// OnMessage fires with an outbound remote-subscription-change or
// remote-heads-changed message that must be relayed to one peer.
func (self *RemoteHeadsSubscriptions) OnMessage(fn func(*RepoMessage)) Token {
	return self.messageBus.Subscribe(fn)
}

// OnRemoteHeadsChanged fires whenever this process learns of a newer heads
// value for any (document, storage) pair, local or relayed; our own
// subscription set is not consulted.
func (self *RemoteHeadsSubscriptions) OnRemoteHeadsChanged(fn func(DocumentId, StorageId, Heads)) Token {
	return self.changeBus.Subscribe(fn)
}

// Subscribe adds storageIds to our subscription set for id and announces
// the change to peerId (generous peers included, since the change set
// itself is useful context even to a peer that already sends us
// everything).
func (self *RemoteHeadsSubscriptions) Subscribe(id DocumentId, storageIds []StorageId, peerId PeerId) {
	self.mutex.Lock()
	subs, ok := self.ourSubscriptions[id]
	if !ok {
		subs = map[StorageId]bool{}
		self.ourSubscriptions[id] = subs
	}
	added := make([]StorageId, 0, len(storageIds))
	for _, sid := range storageIds {
		if !subs[sid] {
			subs[sid] = true
			added = append(added, sid)
		}
	}
	self.mutex.Unlock()
	if len(added) == 0 {
		return
	}
	self.emitMessage(&RepoMessage{
		Type:       MessageTypeRemoteSubscriptionChange,
		TargetId:   peerId,
		DocumentId: &id,
		Add:        added,
	})
}

func (self *RemoteHeadsSubscriptions) Unsubscribe(id DocumentId, storageIds []StorageId, peerId PeerId) {
	self.mutex.Lock()
	subs, ok := self.ourSubscriptions[id]
	removed := make([]StorageId, 0, len(storageIds))
	if ok {
		for _, sid := range storageIds {
			if subs[sid] {
				delete(subs, sid)
				removed = append(removed, sid)
			}
		}
	}
	self.mutex.Unlock()
	if len(removed) == 0 {
		return
	}
	self.emitMessage(&RepoMessage{
		Type:       MessageTypeRemoteSubscriptionChange,
		TargetId:   peerId,
		DocumentId: &id,
		Remove:     removed,
	})
}

// MarkGenerous registers peerId as one that should receive every heads
// update we know about, independent of any explicit subscription — subject
// to SharePolicy still excluding individual documents (section 4.5/9: the
// same predicate CollectionSynchronizer gates sync with also gates this
// gossip, so a document's SharePolicy can't be bypassed by a generous peer
// connection).
func (self *RemoteHeadsSubscriptions) MarkGenerous(peerId PeerId) {
	self.mutex.Lock()
	self.generousPeers[peerId] = true
	self.mutex.Unlock()
}

// SetSharePolicy installs the predicate gating which documents a generous
// peer is actually told about. Repo calls this immediately after
// construction with the same SharePolicy its CollectionSynchronizer uses.
func (self *RemoteHeadsSubscriptions) SetSharePolicy(policy SharePolicy) {
	self.mutex.Lock()
	self.sharePolicy = policy
	self.mutex.Unlock()
}

func (self *RemoteHeadsSubscriptions) RemovePeer(peerId PeerId) {
	self.mutex.Lock()
	delete(self.generousPeers, peerId)
	delete(self.peerSubscriptions, peerId)
	self.mutex.Unlock()
}

// ReceiveSubscriptionChange applies a peer's add/remove request for one
// document to our record of what that peer wants to hear about.
func (self *RemoteHeadsSubscriptions) ReceiveSubscriptionChange(msg *RepoMessage) {
	if msg.DocumentId == nil {
		return
	}
	id := *msg.DocumentId
	self.mutex.Lock()
	byDoc, ok := self.peerSubscriptions[msg.SenderId]
	if !ok {
		byDoc = map[DocumentId]map[StorageId]bool{}
		self.peerSubscriptions[msg.SenderId] = byDoc
	}
	subs, ok := byDoc[id]
	if !ok {
		subs = map[StorageId]bool{}
		byDoc[id] = subs
	}
	for _, sid := range msg.Add {
		subs[sid] = true
	}
	for _, sid := range msg.Remove {
		delete(subs, sid)
	}
	self.mutex.Unlock()
}

// NotifyLocalHeads records a local observation of storageId's heads for id
// at timestamp and relays it to every interested peer, if it is newer than
// what was already known.
func (self *RemoteHeadsSubscriptions) NotifyLocalHeads(id DocumentId, storageId StorageId, heads Heads, timestamp int64) {
	self.applyAndRelay(id, storageId, StorageHeads{Heads: heads, Timestamp: timestamp}, "")
}

// ReceiveRemoteHeadsChanged applies and re-relays an inbound
// remote-heads-changed message, excluding the peer it arrived from.
func (self *RemoteHeadsSubscriptions) ReceiveRemoteHeadsChanged(msg *RepoMessage) {
	if msg.DocumentId == nil {
		return
	}
	id := *msg.DocumentId
	for storageId, sh := range msg.NewHeads {
		self.applyAndRelay(id, storageId, sh, msg.SenderId)
	}
}

func (self *RemoteHeadsSubscriptions) applyAndRelay(id DocumentId, storageId StorageId, sh StorageHeads, excludePeer PeerId) {
	self.mutex.Lock()
	byStorage, ok := self.heads[id]
	if !ok {
		byStorage = map[StorageId]StorageHeads{}
		self.heads[id] = byStorage
	}
	existing, known := byStorage[storageId]
	if known && existing.Timestamp >= sh.Timestamp {
		self.mutex.Unlock()
		return
	}
	byStorage[storageId] = sh
	interested := self.interestedPeersLocked(id, storageId, excludePeer)
	self.mutex.Unlock()

	for _, fn := range self.changeBus.Snapshot() {
		safeCall(func() { fn(id, storageId, sh.Heads) })
	}
	for _, peerId := range interested {
		self.emitMessage(&RepoMessage{
			Type:       MessageTypeRemoteHeadsChanged,
			TargetId:   peerId,
			DocumentId: &id,
			NewHeads:   map[StorageId]StorageHeads{storageId: sh},
		})
	}
}

func (self *RemoteHeadsSubscriptions) interestedPeersLocked(id DocumentId, storageId StorageId, excludePeer PeerId) []PeerId {
	sharePolicy := self.sharePolicy
	if sharePolicy == nil {
		sharePolicy = AlwaysShare
	}
	out := make([]PeerId, 0)
	for _, peerId := range maps.Keys(self.generousPeers) {
		if peerId != excludePeer && sharePolicy(peerId, id) {
			out = append(out, peerId)
		}
	}
	for peerId, byDoc := range self.peerSubscriptions {
		if peerId == excludePeer || self.generousPeers[peerId] {
			continue
		}
		if byDoc[id][storageId] {
			out = append(out, peerId)
		}
	}
	return out
}

// Heads returns the newest known heads for (id, storageId), if any.
func (self *RemoteHeadsSubscriptions) Heads(id DocumentId, storageId StorageId) (Heads, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	sh, ok := self.heads[id][storageId]
	if !ok {
		return nil, false
	}
	return sh.Heads.Clone(), true
}

func (self *RemoteHeadsSubscriptions) emitMessage(msg *RepoMessage) {
	for _, fn := range self.messageBus.Snapshot() {
		safeCall(func() { fn(msg) })
	}
}

package repo

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// NetworkAdapter emits peer-candidate/peer-disconnected/message/close/ready
// events and exposes connect/disconnect/send/isReady (section 6). Concrete
// transports (adapter/memnet, adapter/wsnet) are external collaborators; the
// core only depends on this interface.
type NetworkAdapter interface {
	Connect(peerId PeerId, metadata PeerMetadata) error
	Disconnect() error
	Send(msg *RepoMessage) error
	IsReady() bool
	WhenReady() <-chan struct{}

	OnPeerCandidate(fn func(peerId PeerId, metadata PeerMetadata)) Token
	OnPeerDisconnected(fn func(peerId PeerId)) Token
	OnMessage(fn func(msg *RepoMessage)) Token
	OnClose(fn func()) Token
}

// NetworkSubsystem multiplexes N NetworkAdapters (section 4.3): it tracks
// peer -> adapter routing (first adapter to claim a peer wins) and tags
// every outbound message with a sender id and, for ephemerals, a monotonic
// per-session count and session id.
type NetworkSubsystem struct {
	selfId    PeerId
	adapters  []NetworkAdapter
	sessionId string

	mutex      sync.Mutex
	routing    map[PeerId]NetworkAdapter
	sendCounts map[PeerId]uint32

	peerBus         *EventBus[func(PeerId, PeerMetadata)]
	peerGoneBus     *EventBus[func(PeerId)]
	messageBus      *EventBus[func(*RepoMessage)]
	ephemeralFilter *ephemeralDedupe
}

func NewNetworkSubsystem(selfId PeerId, sessionId string, adapters ...NetworkAdapter) *NetworkSubsystem {
	n := &NetworkSubsystem{
		selfId:          selfId,
		adapters:        adapters,
		sessionId:       sessionId,
		routing:         map[PeerId]NetworkAdapter{},
		sendCounts:      map[PeerId]uint32{},
		peerBus:         NewEventBus[func(PeerId, PeerMetadata)](),
		peerGoneBus:     NewEventBus[func(PeerId)](),
		messageBus:      NewEventBus[func(*RepoMessage)](),
		ephemeralFilter: newEphemeralDedupe(),
	}
	for _, adapter := range adapters {
		n.wire(adapter)
	}
	return n
}

// AddAdapter wires in an adapter discovered after construction (e.g. a
// server accepting a new inbound connection). It participates in routing,
// IsReady and WhenReady exactly as a constructor-supplied adapter would.
func (self *NetworkSubsystem) AddAdapter(adapter NetworkAdapter) {
	self.mutex.Lock()
	self.adapters = append(self.adapters, adapter)
	self.mutex.Unlock()
	self.wire(adapter)
}

func (self *NetworkSubsystem) wire(adapter NetworkAdapter) {
	adapter.OnPeerCandidate(func(peerId PeerId, metadata PeerMetadata) {
		self.mutex.Lock()
		_, known := self.routing[peerId]
		if !known {
			self.routing[peerId] = adapter
		}
		self.mutex.Unlock()
		if !known {
			for _, fn := range self.peerBus.Snapshot() {
				safeCall(func() { fn(peerId, metadata) })
			}
		}
	})
	adapter.OnPeerDisconnected(func(peerId PeerId) {
		self.mutex.Lock()
		owner, ok := self.routing[peerId]
		if ok && owner == adapter {
			delete(self.routing, peerId)
		}
		self.mutex.Unlock()
		if ok {
			for _, fn := range self.peerGoneBus.Snapshot() {
				safeCall(func() { fn(peerId) })
			}
		}
	})
	adapter.OnMessage(func(msg *RepoMessage) {
		if msg == nil || !msg.Valid() {
			glog.Warningf("reposync: network: dropping invalid message of type %q", msg.Type)
			return
		}
		if msg.Type == MessageTypeEphemeral {
			if !self.ephemeralFilter.accept(msg.SenderId, msg.SessionId, msg.Count) {
				return
			}
		}
		for _, fn := range self.messageBus.Snapshot() {
			safeCall(func() { fn(msg) })
		}
	})
}

func (self *NetworkSubsystem) OnPeerCandidate(fn func(PeerId, PeerMetadata)) Token {
	return self.peerBus.Subscribe(fn)
}
func (self *NetworkSubsystem) OnPeerDisconnected(fn func(PeerId)) Token {
	return self.peerGoneBus.Subscribe(fn)
}
func (self *NetworkSubsystem) OnMessage(fn func(*RepoMessage)) Token {
	return self.messageBus.Subscribe(fn)
}

// Peers returns the currently routable peers.
func (self *NetworkSubsystem) Peers() []PeerId {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]PeerId, 0, len(self.routing))
	for p := range self.routing {
		out = append(out, p)
	}
	return out
}

func (self *NetworkSubsystem) HasPeer(peerId PeerId) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	_, ok := self.routing[peerId]
	return ok
}

// Send tags and routes an outbound message. Sync/request/doc-unavailable/
// remote-* messages are tagged with senderId only; ephemeral messages
// additionally get a monotonically increasing per-peer-session count and
// this subsystem's sessionId.
func (self *NetworkSubsystem) Send(msg *RepoMessage) error {
	msg.SenderId = self.selfId

	self.mutex.Lock()
	adapter, ok := self.routing[msg.TargetId]
	if msg.Type == MessageTypeEphemeral {
		self.sendCounts[msg.TargetId]++
		msg.Count = self.sendCounts[msg.TargetId]
		msg.SessionId = self.sessionId
	}
	self.mutex.Unlock()

	if !ok {
		glog.Warningf("reposync: network: dropping message to unknown peer %s", msg.TargetId)
		return fmt.Errorf("%w: %s", ErrAdapterSendFailure, msg.TargetId)
	}
	if err := adapter.Send(msg); err != nil {
		glog.Warningf("reposync: network: send to %s failed: %v", msg.TargetId, err)
		return fmt.Errorf("%w: %v", ErrAdapterSendFailure, err)
	}
	return nil
}

func (self *NetworkSubsystem) snapshotAdapters() []NetworkAdapter {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return append([]NetworkAdapter(nil), self.adapters...)
}

// IsReady is the conjunction of every adapter's readiness.
func (self *NetworkSubsystem) IsReady() bool {
	for _, a := range self.snapshotAdapters() {
		if !a.IsReady() {
			return false
		}
	}
	return true
}

// WhenReady resolves once every adapter reports ready.
func (self *NetworkSubsystem) WhenReady() <-chan struct{} {
	adapters := self.snapshotAdapters()
	out := make(chan struct{})
	go func() {
		for _, a := range adapters {
			<-a.WhenReady()
		}
		close(out)
	}()
	return out
}

func (self *NetworkSubsystem) Disconnect() {
	for _, a := range self.snapshotAdapters() {
		if err := a.Disconnect(); err != nil {
			glog.Warningf("reposync: network: disconnect error: %v", err)
		}
	}
}

// --- ephemeral dedupe ------------------------------------------------------
//
// Inbound ephemerals from the same (senderId, sessionId) are dropped when
// count <= last-seen count for that source (at-most-once per count, with a
// monotone reordering filter) — section 4.3, testable property "Ephemeral
// monotone".
type ephemeralDedupe struct {
	mutex sync.Mutex
	seen  map[string]uint32
}

func newEphemeralDedupe() *ephemeralDedupe {
	return &ephemeralDedupe{seen: map[string]uint32{}}
}

func (self *ephemeralDedupe) accept(senderId PeerId, sessionId string, count uint32) bool {
	key := string(senderId) + "\x00" + sessionId
	self.mutex.Lock()
	defer self.mutex.Unlock()
	last, ok := self.seen[key]
	if ok && count <= last {
		return false
	}
	self.seen[key] = count
	return true
}

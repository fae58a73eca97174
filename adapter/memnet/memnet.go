// Package memnet is an in-process repo.NetworkAdapter pair connected by
// buffered channels, used for tests and single-process demos that want two
// (or more) simulated peers without a real transport.
package memnet

import (
	"fmt"
	"sync"

	"github.com/dockhand-sync/reposync/repo"
)

// Adapter implements repo.NetworkAdapter over a pair of Go channels wired up
// by Pair. Connect makes the adapter ready and Disconnect closes it for good
// (a closed adapter cannot be connected again); messages sent while
// disconnected are rejected rather than queued, matching a real transport
// that can't deliver over a torn-down connection.
type Adapter struct {
	selfId repo.PeerId
	peerId repo.PeerId

	outbound chan *repo.RepoMessage
	inbound  chan *repo.RepoMessage

	mutex     sync.Mutex
	ready     bool
	readyChan chan struct{}
	closed    bool

	peerBus     *repo.EventBus[func(repo.PeerId, repo.PeerMetadata)]
	peerGoneBus *repo.EventBus[func(repo.PeerId)]
	messageBus  *repo.EventBus[func(*repo.RepoMessage)]
	closeBus    *repo.EventBus[func()]
}

func newAdapter(selfId, peerId repo.PeerId, outbound chan *repo.RepoMessage) *Adapter {
	return &Adapter{
		selfId:      selfId,
		peerId:      peerId,
		outbound:    outbound,
		readyChan:   make(chan struct{}),
		peerBus:     repo.NewEventBus[func(repo.PeerId, repo.PeerMetadata)](),
		peerGoneBus: repo.NewEventBus[func(repo.PeerId)](),
		messageBus:  repo.NewEventBus[func(*repo.RepoMessage)](),
		closeBus:    repo.NewEventBus[func()](),
	}
}

// Pair constructs two connected Adapters: side A routes to peerId b, side B
// routes to peerId a. Each side's inbound channel is the other's outbound
// channel, forwarded by a pump goroutine started on Connect.
func Pair(a, b repo.PeerId) (*Adapter, *Adapter) {
	toA := make(chan *repo.RepoMessage, 64)
	toB := make(chan *repo.RepoMessage, 64)
	left := newAdapter(a, b, toB)
	right := newAdapter(b, a, toA)
	left.inbound = toA
	right.inbound = toB
	return left, right
}

func (a *Adapter) Connect(peerId repo.PeerId, metadata repo.PeerMetadata) error {
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return fmt.Errorf("memnet: adapter closed")
	}
	if a.ready {
		a.mutex.Unlock()
		return nil
	}
	a.ready = true
	close(a.readyChan)
	a.mutex.Unlock()

	go a.pump()

	for _, fn := range a.peerBus.Snapshot() {
		fn(a.peerId, metadata)
	}
	return nil
}

func (a *Adapter) pump() {
	for msg := range a.inbound {
		for _, fn := range a.messageBus.Snapshot() {
			fn(msg)
		}
	}
}

func (a *Adapter) Disconnect() error {
	a.mutex.Lock()
	if a.closed {
		a.mutex.Unlock()
		return nil
	}
	a.closed = true
	a.mutex.Unlock()

	close(a.outbound)
	for _, fn := range a.peerGoneBus.Snapshot() {
		fn(a.peerId)
	}
	for _, fn := range a.closeBus.Snapshot() {
		fn()
	}
	return nil
}

func (a *Adapter) Send(msg *repo.RepoMessage) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	if !a.ready || a.closed {
		return fmt.Errorf("memnet: adapter not connected")
	}
	// The channel send happens under the same lock Disconnect uses to flip
	// closed before it closes outbound, so the two can never race.
	select {
	case a.outbound <- msg:
		return nil
	default:
		return fmt.Errorf("memnet: outbound buffer full for peer %s", a.peerId)
	}
}

func (a *Adapter) IsReady() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.ready && !a.closed
}

func (a *Adapter) WhenReady() <-chan struct{} {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.readyChan
}

func (a *Adapter) OnPeerCandidate(fn func(repo.PeerId, repo.PeerMetadata)) repo.Token {
	return a.peerBus.Subscribe(fn)
}
func (a *Adapter) OnPeerDisconnected(fn func(repo.PeerId)) repo.Token {
	return a.peerGoneBus.Subscribe(fn)
}
func (a *Adapter) OnMessage(fn func(*repo.RepoMessage)) repo.Token {
	return a.messageBus.Subscribe(fn)
}
func (a *Adapter) OnClose(fn func()) repo.Token {
	return a.closeBus.Subscribe(fn)
}

// Package wsnet is a repo.NetworkAdapter over github.com/gorilla/websocket,
// in the same binary-frame style as the teacher's connect/transport.go
// websocket transport (websocket.BinaryMessage + a ReadMessage loop). Each
// frame here is one JSON-encoded repo.RepoMessage, plus a one-time hello
// frame exchanged on Connect to tell each side who it's talking to.
package wsnet

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/dockhand-sync/reposync/repo"
)

const helloTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type hello struct {
	PeerId   repo.PeerId       `json:"peerId"`
	Metadata repo.PeerMetadata `json:"metadata"`
}

// Adapter implements repo.NetworkAdapter over a single *websocket.Conn.
type Adapter struct {
	conn *websocket.Conn

	writeMutex sync.Mutex

	mutex        sync.Mutex
	remotePeerId repo.PeerId
	ready        bool
	readyChan    chan struct{}
	closed       bool

	peerBus     *repo.EventBus[func(repo.PeerId, repo.PeerMetadata)]
	peerGoneBus *repo.EventBus[func(repo.PeerId)]
	messageBus  *repo.EventBus[func(*repo.RepoMessage)]
	closeBus    *repo.EventBus[func()]
}

func wrap(conn *websocket.Conn) *Adapter {
	return &Adapter{
		conn:        conn,
		readyChan:   make(chan struct{}),
		peerBus:     repo.NewEventBus[func(repo.PeerId, repo.PeerMetadata)](),
		peerGoneBus: repo.NewEventBus[func(repo.PeerId)](),
		messageBus:  repo.NewEventBus[func(*repo.RepoMessage)](),
		closeBus:    repo.NewEventBus[func()](),
	}
}

// Dial opens a client-side connection. Call Connect afterward to run the
// hello handshake before sending any RepoMessage traffic.
func Dial(url string, header http.Header) (*Adapter, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("wsnet: dial: %w", err)
	}
	return wrap(conn), nil
}

// Accept upgrades an inbound HTTP request to a server-side connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Adapter, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("wsnet: upgrade: %w", err)
	}
	return wrap(conn), nil
}

// Connect runs the one-time hello exchange (our peer id/metadata out, the
// remote's in) and then starts the read pump that delivers RepoMessage
// frames until Disconnect or a read error.
func (a *Adapter) Connect(selfId repo.PeerId, metadata repo.PeerMetadata) error {
	outgoing, err := json.Marshal(hello{PeerId: selfId, Metadata: metadata})
	if err != nil {
		return fmt.Errorf("wsnet: encode hello: %w", err)
	}
	if err := a.conn.WriteMessage(websocket.BinaryMessage, outgoing); err != nil {
		return fmt.Errorf("wsnet: send hello: %w", err)
	}

	a.conn.SetReadDeadline(time.Now().Add(helloTimeout))
	kind, payload, err := a.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("wsnet: read hello: %w", err)
	}
	if kind != websocket.BinaryMessage {
		return fmt.Errorf("wsnet: expected binary hello frame, got type %d", kind)
	}
	var remote hello
	if err := json.Unmarshal(payload, &remote); err != nil {
		return fmt.Errorf("wsnet: decode hello: %w", err)
	}
	a.conn.SetReadDeadline(time.Time{})

	a.mutex.Lock()
	a.remotePeerId = remote.PeerId
	a.ready = true
	close(a.readyChan)
	a.mutex.Unlock()

	go a.readPump()

	for _, fn := range a.peerBus.Snapshot() {
		fn(remote.PeerId, remote.Metadata)
	}
	return nil
}

func (a *Adapter) readPump() {
	for {
		kind, payload, err := a.conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("reposync: wsnet: read pump ending for %s: %v", a.remotePeerId, err)
			a.Disconnect()
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		var msg repo.RepoMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			glog.Warningf("reposync: wsnet: dropping undecodable frame from %s: %v", a.remotePeerId, err)
			continue
		}
		for _, fn := range a.messageBus.Snapshot() {
			fn(&msg)
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
	remote := a.remotePeerId
	a.mutex.Unlock()

	err := a.conn.Close()

	for _, fn := range a.peerGoneBus.Snapshot() {
		fn(remote)
	}
	for _, fn := range a.closeBus.Snapshot() {
		fn()
	}
	if err != nil {
		return fmt.Errorf("wsnet: close: %w", err)
	}
	return nil
}

func (a *Adapter) Send(msg *repo.RepoMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("wsnet: encode message: %w", err)
	}
	a.writeMutex.Lock()
	defer a.writeMutex.Unlock()
	if err := a.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return fmt.Errorf("wsnet: send: %w", err)
	}
	return nil
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

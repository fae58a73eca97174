package repo

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestDocSyncBeginSyncSendsInitialMessage(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	err := handle.Create(map[string]any{"a": 1})
	assert.Equal(t, err, nil)

	ds := NewDocSynchronizer(handle, engine, time.Millisecond)
	defer ds.Close()

	var sent []*RepoMessage
	ds.OnMessage(func(msg *RepoMessage) { sent = append(sent, msg) })

	ds.BeginSync("peer-a")
	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].Type, MessageTypeSync)
	assert.Equal(t, sent[0].TargetId, PeerId("peer-a"))
	assert.Equal(t, ds.PeerStatus("peer-a"), PeerDocUnknown)
}

func TestDocSyncLocalChangeIsDebouncedAndBroadcastToActivePeers(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	assert.Equal(t, handle.Create(nil), nil)

	ds := NewDocSynchronizer(handle, engine, 10*time.Millisecond)
	defer ds.Close()

	var sent []*RepoMessage
	ds.OnMessage(func(msg *RepoMessage) { sent = append(sent, msg) })
	ds.BeginSync("peer-a")
	sent = nil // drop the BeginSync initial send

	for i := 0; i < 5; i += 1 {
		err := handle.Change(func(v CRDTValue) error {
			v.(map[string]any)["k"] = i
			return nil
		}, ChangeOptions{})
		assert.Equal(t, err, nil)
	}

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, len(sent), 1)
}

func TestDocSyncBuffersMessagesWhileLoading(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	handle.Load() // -> LOADING

	ds := NewDocSynchronizer(handle, engine, time.Millisecond)
	defer ds.Close()

	id := handle.DocumentId()
	ds.ReceiveMessage(&RepoMessage{Type: MessageTypeSync, SenderId: "peer-a", DocumentId: &id, Data: []byte(`{"fields":{"x":1},"heads":["r1"]}`)})

	// still buffered: handle has no document yet
	assert.Equal(t, ds.PeerStatus("peer-a"), PeerDocUnknown)

	handle.DoneLoading(nil, false) // -> REQUESTING
	ds.FlushPending()

	assert.Equal(t, ds.PeerStatus("peer-a"), PeerDocHas)
	assert.Equal(t, handle.State(), StateReady)
}

func TestDocSyncRequestForUnknownDocumentRepliesUnavailable(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	handle.Load()
	handle.DoneLoading(nil, false)

	ds := NewDocSynchronizer(handle, engine, time.Millisecond)
	defer ds.Close()

	var sent []*RepoMessage
	ds.OnMessage(func(msg *RepoMessage) { sent = append(sent, msg) })

	id := handle.DocumentId()
	ds.ReceiveMessage(&RepoMessage{Type: MessageTypeRequest, SenderId: "peer-a", DocumentId: &id})

	assert.Equal(t, len(sent), 1)
	assert.Equal(t, sent[0].Type, MessageTypeDocUnavailable)
}

func TestDocSyncEphemeralOnlyDeliveredWhenReady(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	handle.Load()

	ds := NewDocSynchronizer(handle, engine, time.Millisecond)
	defer ds.Close()

	var delivered bool
	handle.OnEphemeralMessage(func(PeerId, []byte) { delivered = true })

	id := handle.DocumentId()
	ds.ReceiveMessage(&RepoMessage{Type: MessageTypeEphemeral, SenderId: "peer-a", DocumentId: &id, Data: []byte("hi")})
	assert.Equal(t, delivered, false)

	handle.DoneLoading(newFakeDoc(), true)
	ds.ReceiveMessage(&RepoMessage{Type: MessageTypeEphemeral, SenderId: "peer-a", DocumentId: &id, Data: []byte("hi")})
	assert.Equal(t, delivered, true)
}

func TestDocSyncEndSyncDropsPeerState(t *testing.T) {
	engine := fakeEngine{}
	handle := newDocHandle(NewDocumentId(), engine, 0)
	assert.Equal(t, handle.Create(nil), nil)

	ds := NewDocSynchronizer(handle, engine, time.Millisecond)
	defer ds.Close()

	ds.BeginSync("peer-a")
	assert.Equal(t, ds.HasPeer("peer-a"), true)

	ds.EndSync("peer-a")
	assert.Equal(t, ds.HasPeer("peer-a"), false)
	assert.Equal(t, ds.PeerStatus("peer-a"), PeerDocUnknown)
}

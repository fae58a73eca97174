package repo

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestRemoteHeadsNewestTimestampWins(t *testing.T) {
	r := NewRemoteHeadsSubscriptions()
	id := NewDocumentId()

	var changes []Heads
	r.OnRemoteHeadsChanged(func(gotId DocumentId, storageId StorageId, heads Heads) {
		changes = append(changes, heads)
	})

	r.NotifyLocalHeads(id, "storage-a", Heads{"h1"}, 100)
	r.NotifyLocalHeads(id, "storage-a", Heads{"h0-stale"}, 50)
	r.NotifyLocalHeads(id, "storage-a", Heads{"h2"}, 200)

	heads, ok := r.Heads(id, "storage-a")
	assert.Equal(t, ok, true)
	assert.Equal(t, heads.Equal(Heads{"h2"}), true)
	assert.Equal(t, len(changes), 2)
}

func TestRemoteHeadsSubscribeRelaysOnlyNewAdditions(t *testing.T) {
	r := NewRemoteHeadsSubscriptions()
	id := NewDocumentId()

	var outbound []*RepoMessage
	r.OnMessage(func(msg *RepoMessage) { outbound = append(outbound, msg) })

	r.Subscribe(id, []StorageId{"s1", "s2"}, "peer-a")
	assert.Equal(t, len(outbound), 1)
	assert.Equal(t, outbound[0].Add, []StorageId{"s1", "s2"})

	// re-subscribing to an already-held storage id sends nothing
	r.Subscribe(id, []StorageId{"s1"}, "peer-a")
	assert.Equal(t, len(outbound), 1)

	r.Unsubscribe(id, []StorageId{"s1"}, "peer-a")
	assert.Equal(t, len(outbound), 2)
	assert.Equal(t, outbound[1].Remove, []StorageId{"s1"})
}

func TestRemoteHeadsGossipsToGenerousAndSubscribedPeers(t *testing.T) {
	r := NewRemoteHeadsSubscriptions()
	id := NewDocumentId()

	r.MarkGenerous("generous-peer")
	r.ReceiveSubscriptionChange(&RepoMessage{SenderId: "picky-peer", DocumentId: &id, Add: []StorageId{"s1"}})

	var targets []PeerId
	r.OnMessage(func(msg *RepoMessage) {
		if msg.Type == MessageTypeRemoteHeadsChanged {
			targets = append(targets, msg.TargetId)
		}
	})

	r.NotifyLocalHeads(id, "s1", Heads{"h1"}, 1)

	assert.Equal(t, len(targets), 2)
	hasGenerous, hasPicky := false, false
	for _, p := range targets {
		if p == "generous-peer" {
			hasGenerous = true
		}
		if p == "picky-peer" {
			hasPicky = true
		}
	}
	assert.Equal(t, hasGenerous, true)
	assert.Equal(t, hasPicky, true)
}

func TestRemoteHeadsGossipExcludesOriginatingPeer(t *testing.T) {
	r := NewRemoteHeadsSubscriptions()
	id := NewDocumentId()
	r.MarkGenerous("generous-peer")

	var targets []PeerId
	r.OnMessage(func(msg *RepoMessage) { targets = append(targets, msg.TargetId) })

	r.ReceiveRemoteHeadsChanged(&RepoMessage{
		SenderId:   "generous-peer",
		DocumentId: &id,
		NewHeads:   map[StorageId]StorageHeads{"s1": {Heads: Heads{"h1"}, Timestamp: 1}},
	})

	assert.Equal(t, len(targets), 0)
}

func TestRemoteHeadsRemovePeerDropsSubscriptionAndGenerousStatus(t *testing.T) {
	r := NewRemoteHeadsSubscriptions()
	id := NewDocumentId()
	r.MarkGenerous("peer-a")
	r.ReceiveSubscriptionChange(&RepoMessage{SenderId: "peer-a", DocumentId: &id, Add: []StorageId{"s1"}})

	r.RemovePeer("peer-a")

	var targets []PeerId
	r.OnMessage(func(msg *RepoMessage) { targets = append(targets, msg.TargetId) })
	r.NotifyLocalHeads(id, "s1", Heads{"h1"}, 1)

	assert.Equal(t, len(targets), 0)
}

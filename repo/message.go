package repo

// MessageType discriminates the RepoMessage wire union (section 6).
type MessageType string

const (
	MessageTypeSync                     MessageType = "sync"
	MessageTypeRequest                  MessageType = "request"
	MessageTypeDocUnavailable           MessageType = "doc-unavailable"
	MessageTypeEphemeral                MessageType = "ephemeral"
	MessageTypeRemoteSubscriptionChange MessageType = "remote-subscription-change"
	MessageTypeRemoteHeadsChanged       MessageType = "remote-heads-changed"
)

// StorageHeads pairs a remote storage's last-known heads with the timestamp
// at which they were observed, per the remote-heads-changed wire message.
type StorageHeads struct {
	Heads     Heads `json:"heads"`
	Timestamp int64 `json:"timestamp"`
}

// RepoMessage is the wire envelope for every message type the core sends or
// receives. Fields not used by a given Type are left zero. JSON encoding is
// used instead of the teacher's protobuf stack because the teacher's schema
// package (bringyour.com/protocol) is generated code outside the retrieval
// pack; see DESIGN.md.
type RepoMessage struct {
	Type       MessageType `json:"type"`
	SenderId   PeerId      `json:"senderId"`
	TargetId   PeerId      `json:"targetId"`
	DocumentId *DocumentId `json:"documentId,omitempty"`

	// sync / request
	Data []byte `json:"data,omitempty"`

	// ephemeral
	Count     uint32 `json:"count,omitempty"`
	SessionId string `json:"sessionId,omitempty"`

	// remote-subscription-change
	Add    []StorageId `json:"add,omitempty"`
	Remove []StorageId `json:"remove,omitempty"`

	// remote-heads-changed
	NewHeads map[StorageId]StorageHeads `json:"newHeads,omitempty"`
}

// Valid rejects messages missing the fields required for their Type, per
// section 6: "Messages lacking type, senderId, targetId, or documentId
// (where applicable) are rejected by the adapter layer."
func (m *RepoMessage) Valid() bool {
	if m.Type == "" || m.SenderId == "" || m.TargetId == "" {
		return false
	}
	switch m.Type {
	case MessageTypeSync, MessageTypeRequest:
		return m.DocumentId != nil && len(m.Data) > 0
	case MessageTypeDocUnavailable:
		return m.DocumentId != nil
	case MessageTypeEphemeral:
		return m.DocumentId != nil && m.SessionId != ""
	case MessageTypeRemoteSubscriptionChange:
		return true
	case MessageTypeRemoteHeadsChanged:
		return m.DocumentId != nil
	default:
		return false
	}
}

// PeerMetadata is exchanged once at connection setup (section 3).
type PeerMetadata struct {
	StorageId   *StorageId `json:"storageId,omitempty"`
	IsEphemeral bool       `json:"isEphemeral"`
}

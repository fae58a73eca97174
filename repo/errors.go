package repo

import "errors"

// Error kinds raised by the core. Callers compare with errors.Is; wrapped
// errors carry extra context via fmt.Errorf("%w: ...", ErrX).
var (
	// ErrInvalidDocumentId is returned when a URL or id string failed to parse.
	ErrInvalidDocumentId = errors.New("reposync: invalid document id")

	// ErrNotReady is returned when a mutator is called on a handle that is
	// not in the READY state.
	ErrNotReady = errors.New("reposync: handle not ready")

	// ErrHandleDeleted is returned for any operation on a DELETED handle
	// other than inspection.
	ErrHandleDeleted = errors.New("reposync: handle deleted")

	// ErrUnavailable is returned by merge/clone against an UNAVAILABLE source.
	ErrUnavailable = errors.New("reposync: document unavailable")

	// ErrStorageFailure wraps a persistence operation failure.
	ErrStorageFailure = errors.New("reposync: storage failure")

	// ErrAdapterSendFailure is returned when a target peer is unknown or the
	// adapter that owns it is closed.
	ErrAdapterSendFailure = errors.New("reposync: adapter send failure")

	// ErrUnknownPeer is returned when an operation references a peer that is
	// not in the network subsystem's routing table.
	ErrUnknownPeer = errors.New("reposync: unknown peer")

	// ErrEmptyDocument is returned by Clone against a handle with no history.
	ErrEmptyDocument = errors.New("reposync: document is empty")
)

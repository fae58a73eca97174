package repo

// Engine, Doc and SyncState are the core's only contact with the CRDT
// engine. Per the design, "the CRDT engine itself (load/save/merge/sync/
// patch operations)... is out of scope" for the core: these interfaces are
// the seam. Concrete bindings live in engine/automerge (the real engine,
// github.com/automerge/automerge-go) and engine/memcrdt (a deterministic
// reference engine used by this module's own tests).

// CRDTValue is the application-level value a mutator is handed; concrete
// engines define its real dynamic type (e.g. *automerge.Doc).
type CRDTValue = any

// Mutator is the function a caller passes to DocHandle.Change / ChangeAt.
// It mutates the document in place via whatever API the concrete engine's
// CRDTValue exposes, and returns an error to abort the change.
type Mutator func(CRDTValue) error

// Change is one committed change as the engine reports it: its content hash
// (the same form that shows up in Heads) and its encoded bytes, suitable for
// incremental persistence and for later replay via Doc.ApplyChanges.
// Modeled directly on automerge-go's doc.Changes() (see
// astromechza-automerge-experiments/main.go).
type Change struct {
	Hash string
	Data []byte
}

// Doc is one CRDT document value as tracked by an engine.
type Doc interface {
	// Heads returns the current set of change hashes for the document.
	Heads() Heads

	// Value returns the document's current application-level value, for
	// read-only access paths. It need not be the same type a Mutator is
	// given (engine/memcrdt returns a map here but hands mutators a *View).
	Value() CRDTValue

	// Change runs mutator against the live document and commits a single
	// change. Implementations must be synchronous: Heads() reflects the
	// mutation before Change returns.
	Change(mutator Mutator) error

	// ChangeAt commits mutator as if the document were at the given heads,
	// producing new concurrent heads without discarding any history.
	ChangeAt(heads Heads, mutator Mutator) (Heads, error)

	// Merge applies other's state into this document.
	Merge(other Doc) error

	// Clone returns an independent copy carrying full history.
	Clone() Doc

	// Save returns a full serialized snapshot of the document.
	Save() []byte

	// View returns a read-only value as of the given heads.
	View(heads Heads) (CRDTValue, error)

	// Diff returns an engine-opaque patch payload between two points.
	Diff(from, to Heads) ([]byte, error)

	// Changes lists every committed change the document currently knows
	// about, in the engine's own order. Used by StorageSubsystem to find
	// changes not yet persisted incrementally.
	Changes() ([]Change, error)

	// ApplyChanges replays previously-encoded changes into the document.
	// Order does not matter (CRDT commutativity); already-applied changes
	// are no-ops.
	ApplyChanges(changes []Change) error
}

// SyncState drives one side of the sync protocol for one document against
// one peer. It is bound to a Doc at creation and mutates that Doc as part of
// ReceiveMessage.
type SyncState interface {
	// GenerateMessage produces the next outbound sync message, if any.
	GenerateMessage() (data []byte, ok bool)

	// ReceiveMessage applies an inbound sync message, mutating the bound Doc.
	ReceiveMessage(data []byte) error

	// Save serializes the sync state for persistence (4.2/4.4 rule 2).
	Save() []byte
}

// Engine constructs and loads Docs and SyncStates.
type Engine interface {
	// New returns a fresh, empty document (IDLE -> create()).
	New() Doc

	// From seeds a fresh document from an application-level initial value.
	From(initialValue CRDTValue) (Doc, error)

	// Load deserializes a full document snapshot.
	Load(data []byte) (Doc, error)

	// NewSyncState starts a fresh sync state bound to doc.
	NewSyncState(doc Doc) SyncState

	// LoadSyncState restores a previously-saved sync state bound to doc.
	LoadSyncState(doc Doc, data []byte) (SyncState, error)
}

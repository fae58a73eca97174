package repo

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/golang/glog"
)

// HandleState is one node of the DocHandle state machine (section 4.1).
type HandleState string

const (
	StateIdle        HandleState = "idle"
	StateLoading     HandleState = "loading"
	StateRequesting  HandleState = "requesting"
	StateReady       HandleState = "ready"
	StateUnloaded    HandleState = "unloaded"
	StateDeleted     HandleState = "deleted"
	StateUnavailable HandleState = "unavailable"
)

type ChangeOptions struct {
	// Message is an optional free-form commit message, passed through to the
	// engine when it supports one; opaque to the core.
	Message string
}

// DocHandle mediates every access to one document: the only way to read or
// mutate it. Exactly one instance exists per DocumentId per Repo while
// cached (I4).
type DocHandle struct {
	id     DocumentId
	engine Engine

	mutex        sync.Mutex
	state        HandleState
	doc          Doc
	lastHeads    Heads
	remoteHeads  map[StorageId]Heads
	timeoutDelay time.Duration
	timeoutTimer *time.Timer

	stateMonitor *Monitor

	changeBus        *EventBus[func(Heads)]
	headsChangedBus  *EventBus[func(Heads)]
	deleteBus        *EventBus[func()]
	unavailableBus   *EventBus[func()]
	ephemeralBus     *EventBus[func(PeerId, []byte)]
	remoteHeadsBus   *EventBus[func(StorageId, Heads)]
	broadcastBus     *EventBus[func([]byte)]
}

func newDocHandle(id DocumentId, engine Engine, timeoutDelay time.Duration) *DocHandle {
	return &DocHandle{
		id:              id,
		engine:          engine,
		state:           StateIdle,
		remoteHeads:     map[StorageId]Heads{},
		timeoutDelay:    timeoutDelay,
		stateMonitor:    NewMonitor(),
		changeBus:       NewEventBus[func(Heads)](),
		headsChangedBus: NewEventBus[func(Heads)](),
		deleteBus:       NewEventBus[func()](),
		unavailableBus:  NewEventBus[func()](),
		ephemeralBus:    NewEventBus[func(PeerId, []byte)](),
		remoteHeadsBus:  NewEventBus[func(StorageId, Heads)](),
		broadcastBus:    NewEventBus[func([]byte)](),
	}
}

func (self *DocHandle) DocumentId() DocumentId {
	return self.id
}

func (self *DocHandle) State() HandleState {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.state
}

func (self *DocHandle) IsReady() bool {
	return self.State() == StateReady
}

func (self *DocHandle) IsDeleted() bool {
	return self.State() == StateDeleted
}

// --- subscriptions -----------------------------------------------------

func (self *DocHandle) OnChange(fn func(Heads)) Token        { return self.changeBus.Subscribe(fn) }
func (self *DocHandle) OffChange(t Token)                    { self.changeBus.Unsubscribe(t) }
func (self *DocHandle) OnHeadsChanged(fn func(Heads)) Token   { return self.headsChangedBus.Subscribe(fn) }
func (self *DocHandle) OffHeadsChanged(t Token)               { self.headsChangedBus.Unsubscribe(t) }
func (self *DocHandle) OnDelete(fn func()) Token              { return self.deleteBus.Subscribe(fn) }
func (self *DocHandle) OffDelete(t Token)                     { self.deleteBus.Unsubscribe(t) }
func (self *DocHandle) OnUnavailable(fn func()) Token         { return self.unavailableBus.Subscribe(fn) }
func (self *DocHandle) OffUnavailable(t Token)                { self.unavailableBus.Unsubscribe(t) }
func (self *DocHandle) OnEphemeralMessage(fn func(PeerId, []byte)) Token {
	return self.ephemeralBus.Subscribe(fn)
}
func (self *DocHandle) OffEphemeralMessage(t Token) { self.ephemeralBus.Unsubscribe(t) }
func (self *DocHandle) OnRemoteHeads(fn func(StorageId, Heads)) Token {
	return self.remoteHeadsBus.Subscribe(fn)
}
func (self *DocHandle) OffRemoteHeads(t Token) { self.remoteHeadsBus.Unsubscribe(t) }

// OnBroadcast is used internally by the Repo (wireHandle) to learn about
// locally-originated ephemeral messages queued via Broadcast.
func (self *DocHandle) OnBroadcast(fn func([]byte)) Token { return self.broadcastBus.Subscribe(fn) }
func (self *DocHandle) OffBroadcast(t Token)              { self.broadcastBus.Unsubscribe(t) }

// --- state transitions, driven by the Repo ------------------------------

func (self *DocHandle) setState(next HandleState) {
	self.mutex.Lock()
	self.state = next
	self.mutex.Unlock()
	self.stateMonitor.Notify()
}

// Create seeds a fresh document with initialValue (or an empty document if
// nil) and transitions IDLE -> READY.
func (self *DocHandle) Create(initialValue CRDTValue) error {
	self.mutex.Lock()
	if self.state != StateIdle {
		self.mutex.Unlock()
		return fmt.Errorf("%w: create requires idle, got %s", ErrNotReady, self.state)
	}
	var doc Doc
	var err error
	if initialValue != nil {
		doc, err = self.engine.From(initialValue)
	} else {
		doc = self.engine.New()
	}
	if err != nil {
		self.mutex.Unlock()
		return err
	}
	self.doc = doc
	self.lastHeads = doc.Heads().Clone()
	self.state = StateReady
	self.mutex.Unlock()
	self.stateMonitor.Notify()
	return nil
}

// Load transitions IDLE -> LOADING, ahead of a storage lookup by the Repo.
func (self *DocHandle) Load() {
	self.setState(StateLoading)
}

// DoneLoading completes a Load(): found transitions to READY with doc,
// missing transitions to REQUESTING.
func (self *DocHandle) DoneLoading(doc Doc, found bool) {
	self.mutex.Lock()
	if found {
		self.doc = doc
		self.lastHeads = doc.Heads().Clone()
		self.state = StateReady
	} else {
		self.state = StateRequesting
	}
	self.mutex.Unlock()
	self.stateMonitor.Notify()
	if !found {
		self.armTimeout()
	}
}

// Request explicitly transitions into REQUESTING (used when a handle is
// created directly against the network with no local storage attempt).
func (self *DocHandle) Request() {
	self.setState(StateRequesting)
	self.armTimeout()
}

func (self *DocHandle) armTimeout() {
	if self.timeoutDelay <= 0 {
		return
	}
	self.mutex.Lock()
	if self.timeoutTimer != nil {
		self.timeoutTimer.Stop()
	}
	self.timeoutTimer = time.AfterFunc(self.timeoutDelay, func() {
		self.mutex.Lock()
		stillRequesting := self.state == StateRequesting
		self.mutex.Unlock()
		if stillRequesting {
			self.Unavailable()
		}
	})
	self.mutex.Unlock()
}

// PeerHas is called when a peer's sync reply proves they have the document:
// REQUESTING -> READY, or UNAVAILABLE -> READY (peer-offers-doc).
func (self *DocHandle) PeerHas(doc Doc) {
	self.mutex.Lock()
	if self.state != StateRequesting && self.state != StateUnavailable {
		self.mutex.Unlock()
		return
	}
	if self.timeoutTimer != nil {
		self.timeoutTimer.Stop()
		self.timeoutTimer = nil
	}
	self.doc = doc
	self.lastHeads = doc.Heads().Clone()
	self.state = StateReady
	self.mutex.Unlock()
	self.stateMonitor.Notify()
}

// Unavailable transitions REQUESTING -> UNAVAILABLE. Per the ordering
// guarantee in section 5, the unavailable event fires on a later scheduling
// turn so a find() caller can attach listeners to the handle it was just
// given before observing it.
func (self *DocHandle) Unavailable() {
	self.mutex.Lock()
	if self.state != StateRequesting {
		self.mutex.Unlock()
		return
	}
	self.state = StateUnavailable
	self.mutex.Unlock()
	self.stateMonitor.Notify()

	go func() {
		for _, fn := range self.unavailableBus.Snapshot() {
			safeCall(func() { fn() })
		}
	}()
}

// Unload transitions READY or UNAVAILABLE -> UNLOADED, retaining the last
// known doc value for a later Reload.
func (self *DocHandle) Unload() error {
	self.mutex.Lock()
	if self.state != StateReady && self.state != StateUnavailable {
		s := self.state
		self.mutex.Unlock()
		return fmt.Errorf("%w: unload requires ready or unavailable, got %s", ErrNotReady, s)
	}
	self.state = StateUnloaded
	self.mutex.Unlock()
	self.stateMonitor.Notify()
	return nil
}

// Reload transitions UNLOADED -> READY if the doc value was retained, or
// UNLOADED -> LOADING otherwise (the caller, the Repo, is expected to follow
// up with a storage load and DoneLoading).
func (self *DocHandle) Reload() (needsLoad bool, err error) {
	self.mutex.Lock()
	if self.state != StateUnloaded {
		s := self.state
		self.mutex.Unlock()
		return false, fmt.Errorf("%w: reload requires unloaded, got %s", ErrNotReady, s)
	}
	if self.doc != nil {
		self.state = StateReady
		self.mutex.Unlock()
		self.stateMonitor.Notify()
		return false, nil
	}
	self.state = StateLoading
	self.mutex.Unlock()
	self.stateMonitor.Notify()
	return true, nil
}

// Delete transitions any state into the terminal DELETED state.
func (self *DocHandle) Delete() {
	self.mutex.Lock()
	if self.timeoutTimer != nil {
		self.timeoutTimer.Stop()
	}
	self.state = StateDeleted
	self.doc = nil
	self.mutex.Unlock()
	self.stateMonitor.Notify()

	for _, fn := range self.deleteBus.Snapshot() {
		safeCall(func() { fn() })
	}
}

// --- reads and mutations -------------------------------------------------

// Doc blocks until the handle enters one of awaitStates (default {READY}),
// returning the current CRDTValue. It never resolves if the handle never
// reaches such a state; pass a context with a deadline to bound the wait.
func (self *DocHandle) Doc(ctx context.Context, awaitStates ...HandleState) (CRDTValue, error) {
	if len(awaitStates) == 0 {
		awaitStates = []HandleState{StateReady}
	}
	for {
		self.mutex.Lock()
		state := self.state
		doc := self.doc
		self.mutex.Unlock()

		if slices.Contains(awaitStates, state) {
			if doc == nil {
				return nil, nil
			}
			return doc.Value(), nil
		}
		if isTerminalForWait(state, awaitStates) {
			return nil, fmt.Errorf("%w: handle reached terminal state %s", ErrNotReady, state)
		}

		notify := self.stateMonitor.NotifyChannel()
		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func isTerminalForWait(state HandleState, awaitStates []HandleState) bool {
	return state == StateDeleted && !slices.Contains(awaitStates, StateDeleted)
}

// requireReadyErr builds the error for an operation that requires READY but
// found state instead, distinguishing the terminal DELETED case (section 7:
// "HandleDeleted — any operation on a DELETED handle other than inspection")
// from an ordinary not-yet-ready state.
func requireReadyErr(op string, state HandleState) error {
	if state == StateDeleted {
		return fmt.Errorf("%w: %s on a deleted handle", ErrHandleDeleted, op)
	}
	return fmt.Errorf("%w: %s requires ready, got %s", ErrNotReady, op, state)
}

// DocSync returns the current value without blocking: (value, true) if
// READY, otherwise (nil, false).
func (self *DocHandle) DocSync() (CRDTValue, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != StateReady || self.doc == nil {
		return nil, false
	}
	return self.doc.Value(), true
}

func (self *DocHandle) Heads() (Heads, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	if self.state != StateReady || self.doc == nil {
		return nil, requireReadyErr("heads", self.state)
	}
	return self.doc.Heads(), nil
}

// Change requires READY. It runs mutator against the live document, commits
// a single change, and recomputes heads. If heads changed it emits `change`
// then `heads-changed`, synchronously and in that order, before Change
// returns (event-atomicity, section 4.1/5).
func (self *DocHandle) Change(mutator Mutator, opts ChangeOptions) error {
	self.mutex.Lock()
	if self.state != StateReady || self.doc == nil {
		s := self.state
		self.mutex.Unlock()
		return requireReadyErr("change", s)
	}
	doc := self.doc
	before := self.lastHeads

	if err := doc.Change(mutator); err != nil {
		self.mutex.Unlock()
		return err
	}
	after := doc.Heads()
	self.lastHeads = after.Clone()
	self.mutex.Unlock()

	if !before.Equal(after) {
		self.emitChangeAndHeads(after)
	}
	return nil
}

// ChangeAt commits mutator as if the document were at heads, returning the
// resulting concurrent heads, without discarding history.
func (self *DocHandle) ChangeAt(heads Heads, mutator Mutator) (Heads, error) {
	self.mutex.Lock()
	if self.state != StateReady || self.doc == nil {
		s := self.state
		self.mutex.Unlock()
		return nil, requireReadyErr("changeAt", s)
	}
	doc := self.doc
	before := self.lastHeads

	newHeads, err := doc.ChangeAt(heads, mutator)
	if err != nil {
		self.mutex.Unlock()
		return nil, err
	}
	after := doc.Heads()
	self.lastHeads = after.Clone()
	self.mutex.Unlock()

	if !before.Equal(after) {
		self.emitChangeAndHeads(after)
	}
	return newHeads, nil
}

func (self *DocHandle) emitChangeAndHeads(heads Heads) {
	for _, fn := range self.changeBus.Snapshot() {
		safeCall(func() { fn(heads) })
	}
	for _, fn := range self.headsChangedBus.Snapshot() {
		safeCall(func() { fn(heads) })
	}
}

// View returns a read-only value as of heads.
func (self *DocHandle) View(heads Heads) (CRDTValue, error) {
	self.mutex.Lock()
	doc := self.doc
	self.mutex.Unlock()
	if doc == nil {
		return nil, fmt.Errorf("%w: view requires a loaded document", ErrNotReady)
	}
	return doc.View(heads)
}

// Diff returns an engine-opaque patch between two points in history.
func (self *DocHandle) Diff(from, to Heads) ([]byte, error) {
	self.mutex.Lock()
	doc := self.doc
	self.mutex.Unlock()
	if doc == nil {
		return nil, fmt.Errorf("%w: diff requires a loaded document", ErrNotReady)
	}
	return doc.Diff(from, to)
}

// Merge applies other's document state into this one. Both handles must be
// READY; merging against an UNAVAILABLE source is rejected distinctly so
// callers can tell "try again later" from "not ready yet".
func (self *DocHandle) Merge(other *DocHandle) error {
	if other.State() == StateUnavailable {
		return ErrUnavailable
	}

	// other's readiness is read and fully released before self's mutation
	// lock is ever taken, so two handles merging into each other
	// concurrently can never hold both locks at once and lock-order
	// deadlock against one another.
	other.mutex.Lock()
	otherReady := other.state == StateReady && other.doc != nil
	otherDoc := other.doc
	other.mutex.Unlock()
	if !otherReady {
		return fmt.Errorf("%w: merge requires both handles ready, other is %s", ErrNotReady, other.State())
	}

	self.mutex.Lock()
	if self.state != StateReady || self.doc == nil {
		s := self.state
		self.mutex.Unlock()
		return requireReadyErr("merge", s)
	}
	doc := self.doc
	before := self.lastHeads

	if err := doc.Merge(otherDoc); err != nil {
		self.mutex.Unlock()
		return err
	}
	after := doc.Heads()
	self.lastHeads = after.Clone()
	self.mutex.Unlock()

	if !before.Equal(after) {
		self.emitChangeAndHeads(after)
	}
	return nil
}

// MergeDoc applies an arbitrary engine Doc (e.g. one reconstructed from an
// inbound sync patch) into this handle's document. Used by the
// DocSynchronizer, which only ever sees engine-level Docs, not handles.
func (self *DocHandle) MergeDoc(other Doc) error {
	self.mutex.Lock()
	if self.state != StateReady || self.doc == nil {
		s := self.state
		self.mutex.Unlock()
		return requireReadyErr("merge", s)
	}
	doc := self.doc
	before := self.lastHeads

	if err := doc.Merge(other); err != nil {
		self.mutex.Unlock()
		return err
	}
	after := doc.Heads()
	self.lastHeads = after.Clone()
	self.mutex.Unlock()

	if !before.Equal(after) {
		self.emitChangeAndHeads(after)
	}
	return nil
}

// ApplySyncUpdate is the handle-owned entry point for updates applied by the
// sync protocol rather than by local edits: fn runs against the live
// document with self.mutex held for the whole call, so a remotely-applied
// sync message can never interleave with a concurrent local Change/Merge on
// the same underlying engine Doc. Heads are captured before and after under
// the same lock, and change/heads-changed fire exactly as they do for
// Change/Merge, so a document that is only ever updated via peer sync still
// persists and still relays to other peers through the usual
// OnHeadsChanged subscriptions.
func (self *DocHandle) ApplySyncUpdate(fn func(doc Doc) error) error {
	self.mutex.Lock()
	if self.doc == nil {
		self.mutex.Unlock()
		return fmt.Errorf("%w: apply sync update requires a loaded document", ErrNotReady)
	}
	doc := self.doc
	before := self.lastHeads

	if err := fn(doc); err != nil {
		self.mutex.Unlock()
		return err
	}
	after := doc.Heads()
	self.lastHeads = after.Clone()
	self.mutex.Unlock()

	if !before.Equal(after) {
		self.emitChangeAndHeads(after)
	}
	return nil
}

// EngineDoc exposes the underlying engine Doc for components that need it
// directly (the DocSynchronizer, to bind a SyncState to it). Returns nil if
// no document has been loaded yet.
func (self *DocHandle) EngineDoc() Doc {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.doc
}

// Broadcast emits an outbound ephemeral payload; requires READY.
func (self *DocHandle) Broadcast(payload []byte) error {
	if state := self.State(); state != StateReady {
		return requireReadyErr("broadcast", state)
	}
	for _, fn := range self.broadcastBus.Snapshot() {
		safeCall(func() { fn(payload) })
	}
	return nil
}

// DeliverEphemeral forwards an inbound ephemeral message to subscribers.
// Called by the DocSynchronizer after it has applied dedupe.
func (self *DocHandle) DeliverEphemeral(senderId PeerId, payload []byte) {
	for _, fn := range self.ephemeralBus.Snapshot() {
		safeCall(func() { fn(senderId, payload) })
	}
}

// SetRemoteHeads records the last known heads reported by storageId and
// fires `remote-heads` exactly when the recorded value actually changes.
func (self *DocHandle) SetRemoteHeads(storageId StorageId, heads Heads) {
	self.mutex.Lock()
	existing, ok := self.remoteHeads[storageId]
	if ok && existing.Equal(heads) {
		self.mutex.Unlock()
		return
	}
	self.remoteHeads[storageId] = heads.Clone()
	self.mutex.Unlock()

	for _, fn := range self.remoteHeadsBus.Snapshot() {
		safeCall(func() { fn(storageId, heads) })
	}
}

func (self *DocHandle) RemoteHeads() map[StorageId]Heads {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make(map[StorageId]Heads, len(self.remoteHeads))
	for k, v := range self.remoteHeads {
		out[k] = v.Clone()
	}
	return out
}

// safeCall recovers from a panicking observer so one misbehaving callback
// cannot take down the emitting goroutine, per the teacher's own
// "wrapped to check for nil and recover from errors" convention around
// callbacks (connect/transfer.go).
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			glog.Errorf("reposync: recovered panic in event callback: %v", r)
		}
	}()
	fn()
}

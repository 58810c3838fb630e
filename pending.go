package collab

import (
	"sync"

	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

type PendingState string

const (
	// applied locally, not yet echoed by the server
	PendingStatePending PendingState = "pending"
	// echo received, merged into canonical state
	PendingStateAcknowledged PendingState = "acknowledged"
	// dropped by conflict resolution in favor of a remote operation
	PendingStateSuperseded PendingState = "superseded"
)

func (self PendingState) IsTerminal() bool {
	switch self {
	case PendingStateAcknowledged, PendingStateSuperseded:
		return true
	default:
		return false
	}
}

type pendingOperation struct {
	op    *protocol.Operation
	state PendingState
}

// PendingBuffer holds locally applied operations awaiting their
// server echo, in generation order. An operation leaves the buffer
// exactly once, through `Acknowledge` or `Supersede`.
type PendingBuffer struct {
	stateLock sync.Mutex
	ordered   []*pendingOperation
	// operation id -> pending operation
	idOperations map[protocol.Id]*pendingOperation
}

func NewPendingBuffer() *PendingBuffer {
	return &PendingBuffer{
		ordered:      []*pendingOperation{},
		idOperations: map[protocol.Id]*pendingOperation{},
	}
}

func (self *PendingBuffer) Add(op *protocol.Operation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.idOperations[op.Id]; ok {
		return
	}
	pending := &pendingOperation{
		op:    op.Clone(),
		state: PendingStatePending,
	}
	self.ordered = append(self.ordered, pending)
	self.idOperations[op.Id] = pending
}

func (self *PendingBuffer) Contains(opId protocol.Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	_, ok := self.idOperations[opId]
	return ok
}

func (self *PendingBuffer) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.ordered)
}

// Operations returns copies of the buffered operations in generation
// order.
func (self *PendingBuffer) Operations() []*protocol.Operation {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	ops := make([]*protocol.Operation, len(self.ordered))
	for i, pending := range self.ordered {
		ops[i] = pending.op.Clone()
	}
	return ops
}

// Acknowledge transitions pending -> acknowledged when the server
// echo arrives. Returns false if the operation was not buffered.
func (self *PendingBuffer) Acknowledge(opId protocol.Id) bool {
	return self.finish(opId, PendingStateAcknowledged)
}

// Supersede transitions pending -> superseded when conflict
// resolution drops the local operation. Returns false if the
// operation was not buffered.
func (self *PendingBuffer) Supersede(opId protocol.Id) bool {
	return self.finish(opId, PendingStateSuperseded)
}

func (self *PendingBuffer) finish(opId protocol.Id, state PendingState) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	pending, ok := self.idOperations[opId]
	if !ok {
		return false
	}
	pending.state = state
	delete(self.idOperations, opId)
	for i, p := range self.ordered {
		if p == pending {
			self.ordered = append(self.ordered[:i], self.ordered[i+1:]...)
			break
		}
	}
	glog.V(2).Infof("[pend]%s -> %s (%d buffered)\n", opId, state, len(self.ordered))
	return true
}

func (self *PendingBuffer) Clear() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.ordered = []*pendingOperation{}
	self.idOperations = map[protocol.Id]*pendingOperation{}
}

// Reconciliation is the outcome of merging one incoming remote
// operation with the local pending set.
type Reconciliation struct {
	// the incoming operation is the echo of a buffered local operation
	Echo bool
	// the incoming operation should be applied to the document
	Apply bool
	// the incoming operation transformed against the pending set
	Transformed *protocol.Operation
}

// Reconcile decides, purely from the pending snapshot and the
// incoming operation, whether the incoming operation is a local echo
// or a remote edit to transform and apply.
func Reconcile(pending []*protocol.Operation, incoming *protocol.Operation) *Reconciliation {
	for _, op := range pending {
		if op.Id == incoming.Id {
			return &Reconciliation{
				Echo: true,
			}
		}
	}
	return &Reconciliation{
		Apply:       true,
		Transformed: TransformAgainst(incoming, pending),
	}
}

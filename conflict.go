package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

type ConflictSettings struct {
	// two inserts this close collide
	InsertInsertThreshold int
	// an insert and a delete this close collide
	InsertDeleteThreshold int

	// when set, unresolved conflicts merge automatically after the
	// timeout
	AutoResolve        bool
	AutoResolveTimeout time.Duration
}

func DefaultConflictSettings() *ConflictSettings {
	return &ConflictSettings{
		InsertInsertThreshold: 10,
		InsertDeleteThreshold: 5,
		AutoResolve:           true,
		AutoResolveTimeout:    100 * time.Millisecond,
	}
}

// ActiveConflict pairs the wire conflict with what the session needs
// to apply a resolution: the incoming remote operation and the ids of
// the local pending operations it collided with.
type ActiveConflict struct {
	Conflict   *protocol.Conflict
	Incoming   *protocol.Operation
	PendingIds []protocol.Id

	cancelAutoResolve func()
}

// ConflictDetector flags remote operations that collide with local
// pending operations and owns the active conflict set. A conflict
// leaves the set exactly once, on first resolution.
type ConflictDetector struct {
	scheduler *Scheduler
	metrics   *Metrics
	settings  *ConflictSettings

	// invoked when an unresolved conflict times out
	autoResolve func(conflictId protocol.Id)

	stateLock sync.Mutex
	// conflict id -> active conflict
	activeConflicts map[protocol.Id]*ActiveConflict
}

func NewConflictDetector(
	scheduler *Scheduler,
	metrics *Metrics,
	settings *ConflictSettings,
	autoResolve func(conflictId protocol.Id),
) *ConflictDetector {
	return &ConflictDetector{
		scheduler:       scheduler,
		metrics:         metrics,
		settings:        settings,
		autoResolve:     autoResolve,
		activeConflicts: map[protocol.Id]*ActiveConflict{},
	}
}

func (self *ConflictDetector) conflictsWith(a *protocol.Operation, b *protocol.Operation) bool {
	abs := func(x int) int {
		if x < 0 {
			return -x
		}
		return x
	}
	switch {
	case a.Type == protocol.OpInsert && b.Type == protocol.OpInsert:
		return abs(a.Position-b.Position) <= self.settings.InsertInsertThreshold
	case a.Type == protocol.OpDelete && b.Type == protocol.OpDelete:
		return a.Position == b.Position
	case a.Type == protocol.OpInsert && b.Type == protocol.OpDelete,
		a.Type == protocol.OpDelete && b.Type == protocol.OpInsert:
		return abs(a.Position-b.Position) <= self.settings.InsertDeleteThreshold
	default:
		// retain and format never collide
		return false
	}
}

// Detect compares an incoming remote operation with the local pending
// snapshot. Returns nil when nothing collides.
func (self *ConflictDetector) Detect(incoming *protocol.Operation, pending []*protocol.Operation) *ActiveConflict {
	conflicting := []*protocol.Operation{}
	pendingIds := []protocol.Id{}
	for _, op := range pending {
		if self.conflictsWith(incoming, op) {
			conflicting = append(conflicting, op.Clone())
			pendingIds = append(pendingIds, op.Id)
		}
	}
	if len(conflicting) == 0 {
		return nil
	}

	operations := append(conflicting, incoming.Clone())
	return &ActiveConflict{
		Conflict: &protocol.Conflict{
			Id:         protocol.NewId(),
			Operations: operations,
			Timestamp:  protocol.NowMillis(),
		},
		Incoming:   incoming.Clone(),
		PendingIds: pendingIds,
	}
}

// Track adds a detected conflict to the active set and schedules
// automatic resolution.
func (self *ConflictDetector) Track(activeConflict *ActiveConflict) {
	conflictId := activeConflict.Conflict.Id

	self.stateLock.Lock()
	self.activeConflicts[conflictId] = activeConflict
	count := len(self.activeConflicts)
	self.stateLock.Unlock()

	self.metrics.ConflictsDetected.Inc()
	self.metrics.ActiveConflicts.Set(int64(count))
	glog.V(1).Infof("[conf]detected %s (%d operations, %d active)\n",
		conflictId, len(activeConflict.Conflict.Operations), count)

	if self.settings.AutoResolve && self.autoResolve != nil {
		activeConflict.cancelAutoResolve = self.scheduler.ScheduleAfter(
			self.settings.AutoResolveTimeout,
			func() {
				self.autoResolve(conflictId)
			},
		)
	}
}

// Resolve removes a conflict from the active set. The second call for
// the same id returns false, making resolution idempotent.
func (self *ConflictDetector) Resolve(conflictId protocol.Id) (*ActiveConflict, bool) {
	self.stateLock.Lock()
	activeConflict, ok := self.activeConflicts[conflictId]
	if ok {
		delete(self.activeConflicts, conflictId)
	}
	count := len(self.activeConflicts)
	self.stateLock.Unlock()

	if !ok {
		return nil, false
	}
	if activeConflict.cancelAutoResolve != nil {
		activeConflict.cancelAutoResolve()
	}
	self.metrics.ActiveConflicts.Set(int64(count))
	return activeConflict, true
}

// Active returns copies of the unresolved conflicts.
func (self *ConflictDetector) Active() []*protocol.Conflict {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	conflicts := []*protocol.Conflict{}
	for _, activeConflict := range self.activeConflicts {
		conflict := *activeConflict.Conflict
		conflicts = append(conflicts, &conflict)
	}
	return conflicts
}

func (self *ConflictDetector) ActiveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return len(self.activeConflicts)
}

// Close cancels pending auto resolutions.
func (self *ConflictDetector) Close() {
	self.stateLock.Lock()
	activeConflicts := self.activeConflicts
	self.activeConflicts = map[protocol.Id]*ActiveConflict{}
	self.stateLock.Unlock()

	for _, activeConflict := range activeConflicts {
		if activeConflict.cancelAutoResolve != nil {
			activeConflict.cancelAutoResolve()
		}
	}
	self.metrics.ActiveConflicts.Set(0)
}

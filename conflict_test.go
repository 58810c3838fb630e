package collab

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/coedit/collab/protocol"
)

func newTestDetector(t *testing.T, clock *testClock, autoResolve func(conflictId protocol.Id)) (*ConflictDetector, *Scheduler, *Metrics) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	scheduler := NewScheduler(ctx, &SchedulerSettings{Now: clock.Now})
	t.Cleanup(scheduler.Close)
	metrics := NewMetrics()
	detector := NewConflictDetector(scheduler, metrics, DefaultConflictSettings(), autoResolve)
	t.Cleanup(detector.Close)
	return detector, scheduler, metrics
}

func TestConflictDetect(t *testing.T) {
	detector, _, _ := newTestDetector(t, newTestClock(), nil)

	// two inserts within 10 characters collide
	pending := []*protocol.Operation{insertOp(10, "a")}
	assert.NotEqual(t, detector.Detect(insertOp(20, "b"), pending), nil)
	assert.Equal(t, detector.Detect(insertOp(21, "b"), pending), nil)
	assert.NotEqual(t, detector.Detect(insertOp(0, "b"), pending), nil)

	// deletes collide only at the identical position
	pending = []*protocol.Operation{deleteOp(10, 2)}
	assert.NotEqual(t, detector.Detect(deleteOp(10, 5), pending), nil)
	assert.Equal(t, detector.Detect(deleteOp(11, 5), pending), nil)

	// an insert and a delete within 5 characters collide
	pending = []*protocol.Operation{insertOp(10, "a")}
	assert.NotEqual(t, detector.Detect(deleteOp(15, 1), pending), nil)
	assert.Equal(t, detector.Detect(deleteOp(16, 1), pending), nil)
	assert.NotEqual(t, detector.Detect(deleteOp(5, 1), pending), nil)

	// retain and format never collide
	format := &protocol.Operation{
		Id:        protocol.NewId(),
		Type:      protocol.OpFormat,
		Position:  10,
		Length:    1,
		Timestamp: protocol.NowMillis(),
	}
	assert.Equal(t, detector.Detect(format, pending), nil)

	// no pending, no conflict
	assert.Equal(t, detector.Detect(insertOp(10, "b"), nil), nil)
}

func TestConflictOperandOrder(t *testing.T) {
	detector, _, _ := newTestDetector(t, newTestClock(), nil)

	a := insertOp(0, "a")
	b := insertOp(1, "b")
	far := insertOp(50, "far")
	incoming := insertOp(2, "x")

	activeConflict := detector.Detect(incoming, []*protocol.Operation{a, far, b})
	assert.NotEqual(t, activeConflict, nil)

	// the colliding pending operations in order, the incoming last
	operations := activeConflict.Conflict.Operations
	assert.Equal(t, len(operations), 3)
	assert.Equal(t, operations[0].Id, a.Id)
	assert.Equal(t, operations[1].Id, b.Id)
	assert.Equal(t, operations[2].Id, incoming.Id)

	assert.Equal(t, activeConflict.Incoming.Id, incoming.Id)
	assert.Equal(t, len(activeConflict.PendingIds), 2)
}

func TestConflictResolveOnce(t *testing.T) {
	detector, _, metrics := newTestDetector(t, newTestClock(), nil)

	activeConflict := detector.Detect(insertOp(1, "x"), []*protocol.Operation{insertOp(0, "a")})
	assert.NotEqual(t, activeConflict, nil)
	// detection alone does not track
	assert.Equal(t, detector.ActiveCount(), 0)

	detector.Track(activeConflict)
	assert.Equal(t, detector.ActiveCount(), 1)
	assert.Equal(t, metrics.ConflictsDetected.Value(), uint64(1))
	assert.Equal(t, metrics.ActiveConflicts.Value(), int64(1))

	conflictId := activeConflict.Conflict.Id
	resolved, ok := detector.Resolve(conflictId)
	assert.Equal(t, ok, true)
	assert.Equal(t, resolved.Conflict.Id, conflictId)
	assert.Equal(t, detector.ActiveCount(), 0)
	assert.Equal(t, metrics.ActiveConflicts.Value(), int64(0))

	// the second resolution is a no-op
	_, ok = detector.Resolve(conflictId)
	assert.Equal(t, ok, false)
}

func TestConflictAutoResolve(t *testing.T) {
	clock := newTestClock()
	resolvedIds := []protocol.Id{}
	detector, scheduler, _ := newTestDetector(t, clock, func(conflictId protocol.Id) {
		resolvedIds = append(resolvedIds, conflictId)
	})

	activeConflict := detector.Detect(insertOp(1, "x"), []*protocol.Operation{insertOp(0, "a")})
	detector.Track(activeConflict)

	// nothing fires before the timeout
	fired := scheduler.RunDue(clock.Now().Add(50 * time.Millisecond))
	assert.Equal(t, fired, 0)
	assert.Equal(t, len(resolvedIds), 0)

	fired = scheduler.RunDue(clock.Now().Add(150 * time.Millisecond))
	assert.Equal(t, fired, 1)
	assert.Equal(t, len(resolvedIds), 1)
	assert.Equal(t, resolvedIds[0], activeConflict.Conflict.Id)
}

func TestConflictResolveCancelsAutoResolve(t *testing.T) {
	clock := newTestClock()
	resolvedIds := []protocol.Id{}
	detector, scheduler, _ := newTestDetector(t, clock, func(conflictId protocol.Id) {
		resolvedIds = append(resolvedIds, conflictId)
	})

	activeConflict := detector.Detect(insertOp(1, "x"), []*protocol.Operation{insertOp(0, "a")})
	detector.Track(activeConflict)

	_, ok := detector.Resolve(activeConflict.Conflict.Id)
	assert.Equal(t, ok, true)

	// the scheduled auto resolution was canceled
	fired := scheduler.RunDue(clock.Now().Add(time.Second))
	assert.Equal(t, fired, 0)
	assert.Equal(t, len(resolvedIds), 0)
}

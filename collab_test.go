package collab

import (
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"

	"github.com/coedit/collab/protocol"
)

func init() {
	initGlog()
}

func initGlog() {
	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "INFO")
	flag.Set("v", "0")
}

// testClock is a frozen clock for the scheduler. The background
// scheduler loop sees the frozen time and never fires on its own, so
// tests drive `RunDue` directly.
type testClock struct {
	stateLock sync.Mutex
	now       time.Time
}

func newTestClock() *testClock {
	return &testClock{
		now: time.Now(),
	}
}

func (self *testClock) Now() time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.now
}

func (self *testClock) Advance(d time.Duration) time.Time {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.now = self.now.Add(d)
	return self.now
}

func testUser(name string) *protocol.User {
	return &protocol.User{
		Id:   protocol.NewId(),
		Name: name,
	}
}

func insertOp(position int, content string) *protocol.Operation {
	return &protocol.Operation{
		Id:        protocol.NewId(),
		Type:      protocol.OpInsert,
		Position:  position,
		Content:   content,
		UserId:    protocol.NewId(),
		Timestamp: protocol.NowMillis(),
	}
}

func deleteOp(position int, length int) *protocol.Operation {
	return &protocol.Operation{
		Id:        protocol.NewId(),
		Type:      protocol.OpDelete,
		Position:  position,
		Length:    length,
		UserId:    protocol.NewId(),
		Timestamp: protocol.NowMillis(),
	}
}

func TestErrorTaxonomy(t *testing.T) {
	connectionErr := &ConnectionError{Op: "connect", Err: errTest}
	assert.Equal(t, connectionErr.Unwrap(), errTest)
	assert.Equal(t, connectionErr.Error(), "connection connect failed: test error")

	transformErr := &TransformError{OperationId: protocol.Id{}, Reason: "bad type"}
	assert.NotEqual(t, transformErr.Error(), "")

	resolutionErr := &ConflictResolutionError{
		ConflictId: protocol.Id{},
		Strategy:   protocol.ResolutionMerge,
		Err:        errTest,
	}
	assert.Equal(t, resolutionErr.Unwrap(), errTest)

	serializationErr := &SerializationError{MessageType: "operation", Err: errTest}
	assert.Equal(t, serializationErr.Unwrap(), errTest)
}

var errTest = &testError{}

type testError struct{}

func (self *testError) Error() string {
	return "test error"
}

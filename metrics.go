package collab

import (
	"fmt"
	"io"
	"sync/atomic"
)

type Counter struct {
	value atomic.Uint64
}

func (self *Counter) Inc() {
	self.value.Add(1)
}

func (self *Counter) Add(v uint64) {
	self.value.Add(v)
}

func (self *Counter) Value() uint64 {
	return self.value.Load()
}

type Gauge struct {
	value atomic.Int64
}

func (self *Gauge) Set(v int64) {
	self.value.Store(v)
}

func (self *Gauge) Inc() {
	self.value.Add(1)
}

func (self *Gauge) Dec() {
	self.value.Add(-1)
}

func (self *Gauge) Value() int64 {
	return self.value.Load()
}

// Metrics are the per-session counters and gauges surfaced via
// `Session.Metrics()` and scraped by the collabd /metrics endpoint.
type Metrics struct {
	OperationsApplied          Counter
	TransformsSkipped          Counter
	MessagesDropped            Counter
	FramesInvalid              Counter
	Reconnects                 Counter
	ConflictsDetected          Counter
	ConflictResolutionFailures Counter
	CommentsDeduped            Counter

	ActiveConflicts   Gauge
	PendingOperations Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (self *Metrics) each(emit func(name string, kind string, value int64)) {
	emit("operations_applied_total", "counter", int64(self.OperationsApplied.Value()))
	emit("transforms_skipped_total", "counter", int64(self.TransformsSkipped.Value()))
	emit("messages_dropped_total", "counter", int64(self.MessagesDropped.Value()))
	emit("frames_invalid_total", "counter", int64(self.FramesInvalid.Value()))
	emit("reconnects_total", "counter", int64(self.Reconnects.Value()))
	emit("conflicts_detected_total", "counter", int64(self.ConflictsDetected.Value()))
	emit("conflict_resolution_failures_total", "counter", int64(self.ConflictResolutionFailures.Value()))
	emit("comments_deduped_total", "counter", int64(self.CommentsDeduped.Value()))
	emit("active_conflicts", "gauge", self.ActiveConflicts.Value())
	emit("pending_operations", "gauge", self.PendingOperations.Value())
}

func (self *Metrics) Snapshot() map[string]int64 {
	snapshot := map[string]int64{}
	self.each(func(name string, kind string, value int64) {
		snapshot[name] = value
	})
	return snapshot
}

// WritePrometheus writes the metrics in prometheus text format,
// prefixing each name with `namespace_`.
func (self *Metrics) WritePrometheus(w io.Writer, namespace string) error {
	var writeErr error
	self.each(func(name string, kind string, value int64) {
		if writeErr != nil {
			return
		}
		fullName := name
		if namespace != "" {
			fullName = namespace + "_" + name
		}
		_, writeErr = fmt.Fprintf(w, "# TYPE %s %s\n%s %d\n", fullName, kind, fullName, value)
	})
	return writeErr
}

package collab

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

type latencyWindowItem struct {
	sendTime    time.Time
	receiveTime time.Time
	latency     time.Duration

	heapIndex int
}

func newLatencyWindowItem(sendTime time.Time, receiveTime time.Time) *latencyWindowItem {
	return &latencyWindowItem{
		sendTime:    sendTime,
		receiveTime: receiveTime,
		latency:     receiveTime.Sub(sendTime),
	}
}

// LatencyWindow keeps a rolling estimate of round trip latency from
// ping/pong pairs. Samples older than the window timeout are dropped.
type LatencyWindow struct {
	windowTimeout time.Duration

	stateLock       sync.Mutex
	window          []*latencyWindowItem
	windowTailIndex int
	windowHeadIndex int

	latencies *latencyHeap
}

func NewLatencyWindow(windowSize int, windowTimeout time.Duration) *LatencyWindow {
	if windowSize == 0 {
		panic(fmt.Errorf("Window size must non-zero: %d", windowSize))
	}
	window := make([]*latencyWindowItem, windowSize)

	return &LatencyWindow{
		windowTimeout:   windowTimeout,
		window:          window,
		windowTailIndex: 0,
		windowHeadIndex: 0,
		latencies:       newLatencyHeap(),
	}
}

// must be called inside the state lock
func (self *LatencyWindow) coalesce(windowTime time.Time) {
	windowStartTime := windowTime.Add(-self.windowTimeout)
	for self.windowTailIndex != self.windowHeadIndex {
		item := self.window[self.windowTailIndex]
		if !item.receiveTime.Before(windowStartTime) {
			break
		}
		self.latencies.Remove(item)
		self.window[self.windowTailIndex] = nil
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
	}
}

func (self *LatencyWindow) OpenPing() *protocol.Ping {
	return self.openPing(time.Now())
}

func (self *LatencyWindow) openPing(sendTime time.Time) *protocol.Ping {
	return &protocol.Ping{
		SentAt: sendTime.UnixMilli(),
	}
}

func (self *LatencyWindow) ClosePong(pong *protocol.Pong) {
	self.closePong(pong, time.Now())
}

func (self *LatencyWindow) closePong(pong *protocol.Pong, receiveTime time.Time) {
	sendTime := time.UnixMilli(pong.SentAt)
	if receiveTime.Before(sendTime) {
		// ignore
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(receiveTime)

	item := newLatencyWindowItem(
		sendTime,
		receiveTime,
	)
	self.latencies.Add(item)

	if replaceItem := self.window[self.windowHeadIndex]; replaceItem != nil {
		self.latencies.Remove(replaceItem)
	}
	self.window[self.windowHeadIndex] = item
	self.windowHeadIndex = (self.windowHeadIndex + 1) % len(self.window)
	if self.windowTailIndex == self.windowHeadIndex {
		self.windowTailIndex = (self.windowTailIndex + 1) % len(self.window)
	}
}

// mean over the samples still in the window
func (self *LatencyWindow) Latency() time.Duration {
	return self.latency(time.Now())
}

func (self *LatencyWindow) latency(windowTime time.Time) time.Duration {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.coalesce(windowTime)

	meanLatency := self.latencies.MeanLatency()
	glog.V(2).Infof("[lat]mean=%dms\n", meanLatency/time.Millisecond)
	return meanLatency
}

type latencyHeap struct {
	items      []*latencyWindowItem
	netLatency time.Duration
}

// `heap` is a min heap
func newLatencyHeap() *latencyHeap {
	h := &latencyHeap{
		items:      []*latencyWindowItem{},
		netLatency: time.Duration(0),
	}
	heap.Init(h)
	return h
}

func (self *latencyHeap) Add(item *latencyWindowItem) {
	heap.Push(self, item)
	self.netLatency += item.latency
}

func (self *latencyHeap) Remove(item *latencyWindowItem) {
	heap.Remove(self, item.heapIndex)
	self.netLatency -= item.latency
}

func (self *latencyHeap) MeanLatency() time.Duration {
	n := len(self.items)
	if n == 0 {
		return 0
	}
	return self.netLatency / time.Duration(n)
}

// `heap.Interface`

func (self *latencyHeap) Len() int {
	return len(self.items)
}

func (self *latencyHeap) Less(i, j int) bool {
	return self.items[i].latency < self.items[j].latency
}

func (self *latencyHeap) Swap(i, j int) {
	a := self.items[i]
	b := self.items[j]
	b.heapIndex = i
	self.items[i] = b
	a.heapIndex = j
	self.items[j] = a
}

func (self *latencyHeap) Push(x any) {
	item := x.(*latencyWindowItem)
	item.heapIndex = len(self.items)
	self.items = append(self.items, item)
}

func (self *latencyHeap) Pop() any {
	n := len(self.items)
	item := self.items[n-1]
	self.items[n-1] = nil
	self.items = self.items[0 : n-1]
	return item
}

package collab

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// All session timers (presence sweep, delayed conflict resolution)
// run through one scheduler: a clock plus a priority queue of due
// tasks. Tests drive `RunDue` with a synthetic clock instead of
// sleeping.

type SchedulerSettings struct {
	// clock override for deterministic tests
	Now func() time.Time
}

func DefaultSchedulerSettings() *SchedulerSettings {
	return &SchedulerSettings{
		Now: time.Now,
	}
}

type scheduledTask struct {
	taskId int64
	at     time.Time
	run    func()

	// the index of the task in the heap
	heapIndex int
}

type Scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *SchedulerSettings

	stateLock  sync.Mutex
	queue      *taskQueue
	nextTaskId int64

	update chan struct{}
}

func NewSchedulerWithDefaults(ctx context.Context) *Scheduler {
	return NewScheduler(ctx, DefaultSchedulerSettings())
}

func NewScheduler(ctx context.Context, settings *SchedulerSettings) *Scheduler {
	cancelCtx, cancel := context.WithCancel(ctx)
	scheduler := &Scheduler{
		ctx:      cancelCtx,
		cancel:   cancel,
		settings: settings,
		queue:    newTaskQueue(),
		update:   make(chan struct{}, 1),
	}
	go scheduler.run()
	return scheduler
}

func (self *Scheduler) Now() time.Time {
	return self.settings.Now()
}

// ScheduleAfter registers `run` to fire once after `timeout`.
// The returned function cancels the task if it has not fired yet.
func (self *Scheduler) ScheduleAfter(timeout time.Duration, run func()) func() {
	return self.ScheduleAt(self.settings.Now().Add(timeout), run)
}

func (self *Scheduler) ScheduleAt(at time.Time, run func()) func() {
	self.stateLock.Lock()
	taskId := self.nextTaskId
	self.nextTaskId += 1
	task := &scheduledTask{
		taskId: taskId,
		at:     at,
		run:    run,
	}
	self.queue.Add(task)
	self.stateLock.Unlock()

	self.poke()

	return func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.queue.RemoveByTaskId(taskId)
	}
}

func (self *Scheduler) TaskCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.queue.Len()
}

// RunDue fires every task due at `now`, in due order.
// The background loop calls this with the wall clock; tests call it
// directly with a synthetic clock.
func (self *Scheduler) RunDue(now time.Time) int {
	count := 0
	for {
		self.stateLock.Lock()
		task := self.queue.PeekFirst()
		if task == nil || now.Before(task.at) {
			self.stateLock.Unlock()
			return count
		}
		self.queue.RemoveByTaskId(task.taskId)
		self.stateLock.Unlock()

		HandleError(task.run)
		count += 1
	}
}

func (self *Scheduler) run() {
	defer self.cancel()

	for {
		self.RunDue(self.settings.Now())

		self.stateLock.Lock()
		task := self.queue.PeekFirst()
		self.stateLock.Unlock()

		if task == nil {
			select {
			case <-self.ctx.Done():
				return
			case <-self.update:
			}
		} else {
			timeout := task.at.Sub(self.settings.Now())
			if timeout <= 0 {
				continue
			}
			select {
			case <-self.ctx.Done():
				return
			case <-self.update:
			case <-time.After(timeout):
			}
		}
	}
}

func (self *Scheduler) poke() {
	select {
	case self.update <- struct{}{}:
	default:
	}
}

func (self *Scheduler) Close() {
	self.cancel()
}

// ordered by due time
type taskQueue struct {
	orderedTasks []*scheduledTask
	// task_id -> task
	taskIdTasks map[int64]*scheduledTask
}

func newTaskQueue() *taskQueue {
	taskQueue := &taskQueue{
		orderedTasks: []*scheduledTask{},
		taskIdTasks:  map[int64]*scheduledTask{},
	}
	heap.Init(taskQueue)
	return taskQueue
}

func (self *taskQueue) Add(task *scheduledTask) {
	self.taskIdTasks[task.taskId] = task
	heap.Push(self, task)
}

func (self *taskQueue) RemoveByTaskId(taskId int64) *scheduledTask {
	task, ok := self.taskIdTasks[taskId]
	if !ok {
		return nil
	}
	delete(self.taskIdTasks, taskId)
	task_ := heap.Remove(self, task.heapIndex)
	if any(task) != task_ {
		panic("Heap invariant broken.")
	}
	return task
}

func (self *taskQueue) PeekFirst() *scheduledTask {
	if len(self.orderedTasks) == 0 {
		return nil
	}
	return self.orderedTasks[0]
}

// heap.Interface

func (self *taskQueue) Push(x any) {
	task := x.(*scheduledTask)
	task.heapIndex = len(self.orderedTasks)
	self.orderedTasks = append(self.orderedTasks, task)
}

func (self *taskQueue) Pop() any {
	n := len(self.orderedTasks)
	i := n - 1
	task := self.orderedTasks[i]
	self.orderedTasks[i] = nil
	self.orderedTasks = self.orderedTasks[:n-1]
	return task
}

// sort.Interface

func (self *taskQueue) Len() int {
	return len(self.orderedTasks)
}

func (self *taskQueue) Less(i int, j int) bool {
	a := self.orderedTasks[i]
	b := self.orderedTasks[j]
	if a.at.Equal(b.at) {
		return a.taskId < b.taskId
	}
	return a.at.Before(b.at)
}

func (self *taskQueue) Swap(i int, j int) {
	a := self.orderedTasks[i]
	b := self.orderedTasks[j]
	b.heapIndex = i
	self.orderedTasks[i] = b
	a.heapIndex = j
	self.orderedTasks[j] = a
}

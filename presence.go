package collab

import (
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/coedit/collab/protocol"
)

type PresenceSettings struct {
	SweepInterval time.Duration
	// cursors and selections idle longer than this are evicted
	CursorTtl time.Duration

	// status thresholds on last activity age
	ActiveThreshold time.Duration
	IdleThreshold   time.Duration
}

func DefaultPresenceSettings() *PresenceSettings {
	return &PresenceSettings{
		SweepInterval:   60 * time.Second,
		CursorTtl:       5 * time.Minute,
		ActiveThreshold: 1 * time.Minute,
		IdleThreshold:   5 * time.Minute,
	}
}

type CursorPosition struct {
	UserId       protocol.Id
	Position     int
	Timestamp    protocol.Millis
	LastActivity time.Time
}

type SelectionRange struct {
	UserId       protocol.Id
	Start        int
	End          int
	Timestamp    protocol.Millis
	LastActivity time.Time
}

// PresenceChange describes what a sweep or a visibility update changed.
type PresenceChange struct {
	Evicted       []protocol.Id
	StatusChanged []*protocol.User
	// set when the change is a viewing toggle from a peer
	Viewing *protocol.Presence
}

var userColors = []string{
	"#e6194b",
	"#3cb44b",
	"#ffe119",
	"#4363d8",
	"#f58231",
	"#911eb4",
	"#46f0f0",
	"#f032e6",
}

// UserColor derives a stable display color from the user id.
func UserColor(userId protocol.Id) string {
	sum := 0
	for _, b := range userId {
		sum += int(b)
	}
	return userColors[sum%len(userColors)]
}

// PresenceTracker owns the roster and the per user cursor and
// selection maps. Cursor and selection writes are last write wins by
// timestamp, so duplicates and reordering are safe. Status is derived
// from activity age on sweep, never set directly by peers except via
// an explicit leave. The owning session schedules the sweep.
type PresenceTracker struct {
	scheduler *Scheduler
	settings  *PresenceSettings

	stateLock sync.Mutex
	// user id -> user
	users map[protocol.Id]*protocol.User
	// user id -> last activity
	lastActivity map[protocol.Id]time.Time
	// user id -> cursor
	cursors map[protocol.Id]*CursorPosition
	// user id -> selection
	selections map[protocol.Id]*SelectionRange
	// user id -> viewing
	viewing map[protocol.Id]bool
}

func NewPresenceTrackerWithDefaults(scheduler *Scheduler) *PresenceTracker {
	return NewPresenceTracker(scheduler, DefaultPresenceSettings())
}

func NewPresenceTracker(scheduler *Scheduler, settings *PresenceSettings) *PresenceTracker {
	return &PresenceTracker{
		scheduler:    scheduler,
		settings:     settings,
		users:        map[protocol.Id]*protocol.User{},
		lastActivity: map[protocol.Id]time.Time{},
		cursors:      map[protocol.Id]*CursorPosition{},
		selections:   map[protocol.Id]*SelectionRange{},
		viewing:      map[protocol.Id]bool{},
	}
}

// Join adds or refreshes a roster entry. A missing color is derived
// from the user id.
func (self *PresenceTracker) Join(user *protocol.User) *protocol.User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	joined := *user
	if joined.Color == "" {
		joined.Color = UserColor(joined.Id)
	}
	joined.Status = protocol.UserStatusActive
	self.users[joined.Id] = &joined
	self.lastActivity[joined.Id] = self.scheduler.Now()
	self.viewing[joined.Id] = true
	return &joined
}

// Leave removes the user and their ephemeral state. This is the one
// path where a peer sets status directly: an explicit offline signal.
func (self *PresenceTracker) Leave(userId protocol.Id) *protocol.User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return nil
	}
	delete(self.users, userId)
	delete(self.lastActivity, userId)
	delete(self.cursors, userId)
	delete(self.selections, userId)
	delete(self.viewing, userId)

	left := *user
	left.Status = protocol.UserStatusOffline
	return &left
}

// UpdateCursor overwrites the entry for the user unless a newer
// timestamp is already present. Returns whether the write won.
func (self *PresenceTracker) UpdateCursor(userId protocol.Id, position int, timestamp protocol.Millis) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if cursor, ok := self.cursors[userId]; ok && timestamp < cursor.Timestamp {
		glog.V(2).Infof("[pres]stale cursor for %s (%d < %d)\n", userId, timestamp, cursor.Timestamp)
		return false
	}
	self.cursors[userId] = &CursorPosition{
		UserId:       userId,
		Position:     position,
		Timestamp:    timestamp,
		LastActivity: self.scheduler.Now(),
	}
	self.lastActivity[userId] = self.scheduler.Now()
	return true
}

// UpdateSelection overwrites the entry for the user unless a newer
// timestamp is already present. Returns whether the write won.
func (self *PresenceTracker) UpdateSelection(userId protocol.Id, start int, end int, timestamp protocol.Millis) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if selection, ok := self.selections[userId]; ok && timestamp < selection.Timestamp {
		glog.V(2).Infof("[pres]stale selection for %s (%d < %d)\n", userId, timestamp, selection.Timestamp)
		return false
	}
	self.selections[userId] = &SelectionRange{
		UserId:       userId,
		Start:        start,
		End:          end,
		Timestamp:    timestamp,
		LastActivity: self.scheduler.Now(),
	}
	self.lastActivity[userId] = self.scheduler.Now()
	return true
}

// SetViewing records tab visibility. Returns whether it changed.
func (self *PresenceTracker) SetViewing(userId protocol.Id, isViewing bool) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; !ok {
		return false
	}
	if self.viewing[userId] == isViewing {
		return false
	}
	self.viewing[userId] = isViewing
	if isViewing {
		self.lastActivity[userId] = self.scheduler.Now()
	}
	return true
}

func (self *PresenceTracker) IsViewing(userId protocol.Id) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return self.viewing[userId]
}

// Touch stamps activity for the user, for edits and comments.
func (self *PresenceTracker) Touch(userId protocol.Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if _, ok := self.users[userId]; ok {
		self.lastActivity[userId] = self.scheduler.Now()
	}
}

// ShiftForOperation adjusts tracked cursors and selections for an
// applied operation so they keep pointing at the same text.
func (self *PresenceTracker) ShiftForOperation(op *protocol.Operation) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for _, cursor := range self.cursors {
		cursor.Position = TransformPosition(cursor.Position, op)
	}
	for _, selection := range self.selections {
		selection.Start = TransformPosition(selection.Start, op)
		selection.End = TransformPosition(selection.End, op)
	}
}

// Sweep evicts cursors and selections older than the ttl and
// recomputes each user's status from activity age. Returns the users
// whose cursors were evicted and the users whose status changed.
func (self *PresenceTracker) Sweep(now time.Time) (evicted []protocol.Id, statusChanged []*protocol.User) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	for userId, cursor := range self.cursors {
		if self.settings.CursorTtl < now.Sub(cursor.LastActivity) {
			delete(self.cursors, userId)
			evicted = append(evicted, userId)
		}
	}
	for userId, selection := range self.selections {
		if self.settings.CursorTtl < now.Sub(selection.LastActivity) {
			delete(self.selections, userId)
		}
	}

	for userId, user := range self.users {
		age := now.Sub(self.lastActivity[userId])
		var status protocol.UserStatus
		switch {
		case age < self.settings.ActiveThreshold:
			status = protocol.UserStatusActive
		case age < self.settings.IdleThreshold:
			status = protocol.UserStatusIdle
		default:
			status = protocol.UserStatusAway
		}
		if user.Status != status {
			user.Status = status
			changed := *user
			statusChanged = append(statusChanged, &changed)
		}
	}

	if 0 < len(evicted) || 0 < len(statusChanged) {
		glog.V(1).Infof("[pres]sweep evicted=%d status=%d\n", len(evicted), len(statusChanged))
	}
	return evicted, statusChanged
}

// Users returns roster copies ordered by id.
func (self *PresenceTracker) Users() []*protocol.User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	userIds := maps.Keys(self.users)
	slices.SortFunc(userIds, func(a protocol.Id, b protocol.Id) int {
		if a == b {
			return 0
		}
		if a.LessThan(b) {
			return -1
		}
		return 1
	})
	users := make([]*protocol.User, len(userIds))
	for i, userId := range userIds {
		user := *self.users[userId]
		users[i] = &user
	}
	return users
}

func (self *PresenceTracker) User(userId protocol.Id) *protocol.User {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	user, ok := self.users[userId]
	if !ok {
		return nil
	}
	out := *user
	return &out
}

// Cursors returns copies keyed by user id.
func (self *PresenceTracker) Cursors() map[protocol.Id]*CursorPosition {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	cursors := map[protocol.Id]*CursorPosition{}
	for userId, cursor := range self.cursors {
		out := *cursor
		cursors[userId] = &out
	}
	return cursors
}

// Selections returns copies keyed by user id.
func (self *PresenceTracker) Selections() map[protocol.Id]*SelectionRange {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	selections := map[protocol.Id]*SelectionRange{}
	for userId, selection := range self.selections {
		out := *selection
		selections[userId] = &out
	}
	return selections
}


package collab

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"

	"github.com/coedit/collab/protocol"
)

// DocumentStore loads and persists document snapshots at explicit
// save points. A missing document loads as empty content at version 0.
type DocumentStore interface {
	Load(ctx context.Context, documentId string) (content string, version int64, err error)
	Persist(ctx context.Context, documentId string, content string, version int64) error
}

type SessionSettings struct {
	Connection *ConnectionSettings
	Document   *DocumentSettings
	Conflict   *ConflictSettings
	Presence   *PresenceSettings
	Scheduler  *SchedulerSettings

	// optional durable journal for pending operations.
	// the caller owns the journal and closes it.
	Journal *Journal
	// optional snapshot store for `LoadDocument`/`SaveDocument`
	Store DocumentStore
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		Connection: DefaultConnectionSettings(),
		Document:   DefaultDocumentSettings(),
		Conflict:   DefaultConflictSettings(),
		Presence:   DefaultPresenceSettings(),
		Scheduler:  DefaultSchedulerSettings(),
	}
}

// ConnectionChange is the payload of `EventConnectionChanged`.
type ConnectionChange struct {
	State  ConnectionState
	Reason error
}

// CollaborationState is a point in time copy of everything a view
// needs to render the session.
type CollaborationState struct {
	Document        *DocumentState
	Users           []*protocol.User
	Cursors         map[protocol.Id]*CursorPosition
	Selections      map[protocol.Id]*SelectionRange
	Comments        []*protocol.Comment
	Conflicts       []*protocol.Conflict
	PendingCount    int
	ConnectionState ConnectionState
	Latency         time.Duration
}

// Session is one user editing one document. It owns the document
// state, the pending buffer, presence, comments and the conflict set,
// and coordinates them with the server over the connection manager.
//
// Local edits apply optimistically and buffer until the server echo.
// Remote operations are reconciled against the pending buffer,
// transformed and applied. All state changes fan out through the
// dispatcher.
//
// With a nil identity or an empty connection url the session runs
// local only: edits apply to the document and nothing goes on the
// wire.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	identity   Identity
	settings   *SessionSettings

	metrics    *Metrics
	scheduler  *Scheduler
	dispatcher *Dispatcher
	connection *ConnectionManager
	document   *Document
	pending    *PendingBuffer
	detector   *ConflictDetector
	presence   *PresenceTracker
	comments   *CommentTree

	stateLock   sync.Mutex
	closed      bool
	cancelSweep func()
}

func NewSessionWithDefaults(
	ctx context.Context,
	connectionUrl string,
	documentId string,
	identity Identity,
) *Session {
	return NewSession(ctx, connectionUrl, documentId, identity, DefaultSessionSettings())
}

func NewSession(
	ctx context.Context,
	connectionUrl string,
	documentId string,
	identity Identity,
	settings *SessionSettings,
) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)

	self := &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		identity:   identity,
		settings:   settings,
		metrics:    NewMetrics(),
		dispatcher: NewDispatcher(),
		document:   NewDocument(documentId, "", 0, settings.Document),
		pending:    NewPendingBuffer(),
		comments:   NewCommentTree(),
	}
	self.scheduler = NewScheduler(cancelCtx, settings.Scheduler)
	self.detector = NewConflictDetector(self.scheduler, self.metrics, settings.Conflict, self.autoResolveConflict)
	self.presence = NewPresenceTracker(self.scheduler, settings.Presence)

	if identity != nil && connectionUrl != "" {
		connection := NewConnectionManager(cancelCtx, connectionUrl, self.metrics, settings.Connection)
		connection.SetHelloFrames(self.helloFrames)
		connection.SetGoodbyeFrames(self.goodbyeFrames)
		connection.SetReceiveCallback(self.receive)
		connection.AddStateChangeCallback(self.connectionChanged)
		connection.AddLatencyCallback(func(latency time.Duration) {
			self.dispatcher.Emit(EventLatencyUpdated, latency)
		})
		self.connection = connection
	}

	if identity != nil {
		self.presence.Join(identity.CurrentUser())
	}

	self.replayJournal()
	self.scheduleSweep()

	return self
}

// replayJournal restores pending operations that were journaled but
// never acknowledged before a restart.
func (self *Session) replayJournal() {
	if self.settings.Journal == nil {
		return
	}
	ops, err := self.settings.Journal.Pending(self.documentId)
	if err != nil {
		glog.Warningf("[s]journal replay failed = %s\n", err)
		return
	}
	for _, op := range ops {
		if applied, err := self.document.Apply(op); err == nil && applied {
			self.pending.Add(op)
		}
	}
	if 0 < len(ops) {
		self.metrics.PendingOperations.Set(int64(self.pending.Count()))
		glog.Infof("[s]%s restored %d journaled operations\n", self.documentId, len(ops))
	}
}

func (self *Session) scheduleSweep() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.closed {
		return
	}
	self.cancelSweep = self.scheduler.ScheduleAfter(self.settings.Presence.SweepInterval, func() {
		self.sweepPresence()
		self.scheduleSweep()
	})
}

func (self *Session) sweepPresence() {
	evicted, statusChanged := self.presence.Sweep(self.scheduler.Now())
	if 0 < len(evicted) || 0 < len(statusChanged) {
		self.dispatcher.Emit(EventPresenceChanged, &PresenceChange{
			Evicted:       evicted,
			StatusChanged: statusChanged,
		})
	}
}

func (self *Session) userId() protocol.Id {
	if self.identity == nil {
		return protocol.Id{}
	}
	return self.identity.CurrentUserId()
}

func (self *Session) isSelf(userId protocol.Id) bool {
	return self.identity != nil && self.identity.CurrentUserId() == userId
}

func (self *Session) isClosed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

func (self *Session) helloFrames() [][]byte {
	user := self.identity.CurrentUser()
	user.Status = protocol.UserStatusActive
	frame, err := protocol.Encode(&protocol.Presence{
		Action:     protocol.PresenceJoin,
		DocumentId: self.documentId,
		User:       *user,
	})
	if err != nil {
		glog.Warningf("[s]%s\n", &SerializationError{MessageType: protocol.TypePresence, Err: err})
		return nil
	}
	return [][]byte{frame}
}

func (self *Session) goodbyeFrames() [][]byte {
	user := self.identity.CurrentUser()
	user.Status = protocol.UserStatusOffline
	frame, err := protocol.Encode(&protocol.Presence{
		Action:     protocol.PresenceLeave,
		DocumentId: self.documentId,
		User:       *user,
	})
	if err != nil {
		glog.Warningf("[s]%s\n", &SerializationError{MessageType: protocol.TypePresence, Err: err})
		return nil
	}
	return [][]byte{frame}
}

func (self *Session) connectionChanged(state ConnectionState, reason error) {
	self.dispatcher.Emit(EventConnectionChanged, &ConnectionChange{
		State:  state,
		Reason: reason,
	})
}

// Connect starts the connection manager. Local only sessions treat
// this as a no-op.
func (self *Session) Connect() error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if self.connection == nil {
		glog.Infof("[s]%s local only, connect is a no-op\n", self.documentId)
		return nil
	}
	return self.connection.Connect()
}

func (self *Session) Disconnect() {
	if self.connection != nil {
		self.connection.Disconnect()
	}
}

func (self *Session) sendPayload(payload any) bool {
	if self.connection == nil {
		return false
	}
	frame, err := protocol.Encode(payload)
	if err != nil {
		glog.Warningf("[s]%s\n", &SerializationError{MessageType: fmt.Sprintf("%T", payload), Err: err})
		return false
	}
	return self.connection.Send(frame)
}

// ApplyOperation applies a local edit optimistically, buffers it until
// the server echo, and sends it. Out of range positions clamp. The
// operation id, user and timestamps are filled in when missing.
func (self *Session) ApplyOperation(op *protocol.Operation) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if op == nil {
		return fmt.Errorf("nil operation")
	}

	op = op.Clone()
	if op.Id == (protocol.Id{}) {
		op.Id = protocol.NewId()
	}
	if self.identity != nil {
		op.UserId = self.identity.CurrentUserId()
	}
	if op.Timestamp == 0 {
		op.Timestamp = protocol.NowMillis()
	}
	// the version this operation was generated against
	op.Version = self.document.Version()

	applied, err := self.document.Apply(op)
	if err != nil {
		return err
	}
	if !applied {
		// duplicate id
		return nil
	}

	self.metrics.OperationsApplied.Inc()
	self.presence.ShiftForOperation(op)
	self.presence.Touch(op.UserId)

	if self.connection != nil {
		self.pending.Add(op)
		self.journalAppend(op)
		self.metrics.PendingOperations.Set(int64(self.pending.Count()))
		self.sendPayload(op)
	}

	self.dispatcher.Emit(EventDocumentUpdated, op.Clone())
	return nil
}

func (self *Session) Insert(position int, content string) error {
	return self.ApplyOperation(&protocol.Operation{
		Type:     protocol.OpInsert,
		Position: position,
		Content:  content,
	})
}

func (self *Session) Delete(position int, length int) error {
	return self.ApplyOperation(&protocol.Operation{
		Type:     protocol.OpDelete,
		Position: position,
		Length:   length,
	})
}

func (self *Session) Format(position int, length int, attributes map[string]string) error {
	return self.ApplyOperation(&protocol.Operation{
		Type:       protocol.OpFormat,
		Position:   position,
		Length:     length,
		Attributes: attributes,
	})
}

// UpdateCursor moves the local cursor and broadcasts it immediately.
func (self *Session) UpdateCursor(position int) {
	if self.identity == nil {
		return
	}
	userId := self.identity.CurrentUserId()
	timestamp := protocol.NowMillis()
	if self.presence.UpdateCursor(userId, position, timestamp) {
		update := &protocol.CursorUpdate{
			DocumentId: self.documentId,
			UserId:     userId,
			Position:   position,
			Timestamp:  timestamp,
		}
		self.sendPayload(update)
		self.dispatcher.Emit(EventCursorUpdated, update)
	}
}

// UpdateSelection replaces the local selection and broadcasts it
// immediately.
func (self *Session) UpdateSelection(start int, end int) {
	if self.identity == nil {
		return
	}
	userId := self.identity.CurrentUserId()
	timestamp := protocol.NowMillis()
	if self.presence.UpdateSelection(userId, start, end, timestamp) {
		update := &protocol.SelectionUpdate{
			DocumentId: self.documentId,
			UserId:     userId,
			Start:      start,
			End:        end,
			Timestamp:  timestamp,
		}
		self.sendPayload(update)
		self.dispatcher.Emit(EventSelectionUpdated, update)
	}
}

// SetViewing records local tab visibility and broadcasts the change.
func (self *Session) SetViewing(isViewing bool) {
	if self.identity == nil {
		return
	}
	userId := self.identity.CurrentUserId()
	if self.presence.SetViewing(userId, isViewing) {
		user := self.identity.CurrentUser()
		if tracked := self.presence.User(userId); tracked != nil {
			user.Status = tracked.Status
		}
		self.sendPayload(&protocol.Presence{
			Action:     protocol.PresenceJoin,
			DocumentId: self.documentId,
			User:       *user,
			IsViewing:  &isViewing,
		})
		self.dispatcher.Emit(EventPresenceChanged, &PresenceChange{})
	}
}

// AddComment creates a top level comment, applies it optimistically
// and broadcasts it. Mentions in the content notify the named users.
func (self *Session) AddComment(content string) (*protocol.Comment, error) {
	if self.isClosed() {
		return nil, fmt.Errorf("session closed")
	}
	comment := &protocol.Comment{
		Id:        protocol.NewId(),
		AuthorId:  self.userId(),
		Content:   content,
		CreatedAt: protocol.NowMillis(),
	}
	if !self.comments.Add(comment) {
		self.metrics.CommentsDeduped.Inc()
		return nil, fmt.Errorf("duplicate comment %s", comment.Id)
	}
	self.presence.Touch(self.userId())
	self.sendPayload(&protocol.CommentAdd{
		DocumentId: self.documentId,
		Comment:    comment,
	})
	self.dispatcher.Emit(EventCommentsChanged, comment.Clone())
	self.sendMentions(comment)
	return comment.Clone(), nil
}

// UpdateComment replaces the stored comment wholesale, last write
// wins.
func (self *Session) UpdateComment(comment *protocol.Comment) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if comment == nil {
		return fmt.Errorf("nil comment")
	}
	comment = comment.Clone()
	comment.UpdatedAt = protocol.NowMillis()
	self.comments.Update(comment)
	self.sendPayload(&protocol.CommentUpdate{
		DocumentId: self.documentId,
		Comment:    comment,
	})
	self.dispatcher.Emit(EventCommentsChanged, comment.Clone())
	return nil
}

// DeleteComment removes a comment or reply. Deleting an unknown id is
// a no-op.
func (self *Session) DeleteComment(commentId protocol.Id) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if !self.comments.Delete(commentId) {
		glog.V(2).Infof("[s]delete unknown comment %s\n", commentId)
		return nil
	}
	self.sendPayload(&protocol.CommentDelete{
		DocumentId: self.documentId,
		CommentId:  commentId,
		UserId:     self.userId(),
	})
	self.dispatcher.Emit(EventCommentsChanged, commentId)
	return nil
}

// ReplyToComment adds a reply to a top level comment.
func (self *Session) ReplyToComment(parentId protocol.Id, content string) (*protocol.Comment, error) {
	if self.isClosed() {
		return nil, fmt.Errorf("session closed")
	}
	reply := &protocol.Comment{
		Id:        protocol.NewId(),
		AuthorId:  self.userId(),
		Content:   content,
		CreatedAt: protocol.NowMillis(),
	}
	if !self.comments.Reply(parentId, reply) {
		return nil, fmt.Errorf("unknown comment %s", parentId)
	}
	self.presence.Touch(self.userId())
	self.sendPayload(&protocol.CommentReply{
		DocumentId: self.documentId,
		ParentId:   parentId,
		Comment:    reply,
	})
	self.dispatcher.Emit(EventCommentsChanged, reply.Clone())
	self.sendMentions(reply)
	return reply.Clone(), nil
}

// AddReaction adds the local user's reaction to a comment. A repeat
// reaction of the same type replaces the previous one.
func (self *Session) AddReaction(commentId protocol.Id, reactionType string) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	reaction := protocol.Reaction{
		UserId:    self.userId(),
		Type:      reactionType,
		Timestamp: protocol.NowMillis(),
	}
	if !self.comments.AddReaction(commentId, reaction) {
		return fmt.Errorf("unknown comment %s", commentId)
	}
	self.sendPayload(&protocol.ReactionAdd{
		DocumentId: self.documentId,
		CommentId:  commentId,
		Reaction:   reaction,
	})
	self.dispatcher.Emit(EventCommentsChanged, commentId)
	return nil
}

func (self *Session) RemoveReaction(commentId protocol.Id, reactionType string) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if !self.comments.RemoveReaction(commentId, self.userId(), reactionType) {
		return nil
	}
	self.sendPayload(&protocol.ReactionRemove{
		DocumentId: self.documentId,
		CommentId:  commentId,
		UserId:     self.userId(),
		Type:       reactionType,
	})
	self.dispatcher.Emit(EventCommentsChanged, commentId)
	return nil
}

// sendMentions notifies every roster user whose @name appears in the
// comment content.
func (self *Session) sendMentions(comment *protocol.Comment) {
	for _, user := range self.presence.Users() {
		if user.Name == "" || self.isSelf(user.Id) {
			continue
		}
		if !strings.Contains(comment.Content, "@"+user.Name) {
			continue
		}
		self.sendPayload(&protocol.Mention{
			DocumentId: self.documentId,
			CommentId:  comment.Id,
			FromUserId: self.userId(),
			ToUserId:   user.Id,
			Excerpt:    commentExcerpt(comment.Content),
		})
	}
}

func commentExcerpt(content string) string {
	runes := []rune(content)
	if len(runes) <= 80 {
		return content
	}
	return string(runes[:80])
}

// ResolveConflict applies one resolution strategy to an active
// conflict and broadcasts it. Resolving the same conflict twice is a
// no-op.
func (self *Session) ResolveConflict(conflictId protocol.Id, strategy protocol.ResolutionStrategy) error {
	if self.isClosed() {
		return fmt.Errorf("session closed")
	}
	if !strategy.IsValid() {
		return &ConflictResolutionError{
			ConflictId: conflictId,
			Strategy:   strategy,
			Err:        fmt.Errorf("unknown strategy"),
		}
	}
	self.resolveConflict(conflictId, strategy, self.userId(), true)
	return nil
}

func (self *Session) autoResolveConflict(conflictId protocol.Id) {
	glog.V(1).Infof("[conf]auto resolving %s\n", conflictId)
	self.resolveConflict(conflictId, protocol.ResolutionMerge, self.userId(), true)
}

func (self *Session) resolveConflict(
	conflictId protocol.Id,
	strategy protocol.ResolutionStrategy,
	resolvedBy protocol.Id,
	broadcast bool,
) bool {
	activeConflict, ok := self.detector.Resolve(conflictId)
	if !ok {
		glog.V(1).Infof("[conf]%s already resolved\n", conflictId)
		return false
	}

	applied := strategy
	if err := self.applyStrategy(activeConflict, strategy); err != nil {
		self.metrics.ConflictResolutionFailures.Inc()
		glog.Warningf("[conf]%s\n", &ConflictResolutionError{
			ConflictId: conflictId,
			Strategy:   strategy,
			Err:        err,
		})
		// fall back to accepting the remote operation
		applied = protocol.ResolutionAcceptRemote
		if err := self.applyStrategy(activeConflict, applied); err != nil {
			glog.Warningf("[conf]%s fallback failed = %s\n", conflictId, err)
		}
	}
	activeConflict.Conflict.Resolution = applied

	resolution := &protocol.ConflictResolution{
		DocumentId: self.documentId,
		ConflictId: conflictId,
		Strategy:   applied,
		ResolvedBy: resolvedBy,
		Timestamp:  protocol.NowMillis(),
	}
	if broadcast {
		self.sendPayload(resolution)
	}
	self.dispatcher.Emit(EventConflictResolved, resolution)
	glog.Infof("[conf]%s resolved with %s\n", conflictId, applied)
	return true
}

func (self *Session) applyStrategy(activeConflict *ActiveConflict, strategy protocol.ResolutionStrategy) (returnErr error) {
	HandleError(func() {
		returnErr = self.runStrategy(activeConflict, strategy)
	}, func(err error) {
		returnErr = err
	})
	return
}

func (self *Session) runStrategy(activeConflict *ActiveConflict, strategy protocol.ResolutionStrategy) error {
	switch strategy {
	case protocol.ResolutionAcceptLocal:
		// the held remote operation is discarded, local pending stand
		return nil
	case protocol.ResolutionAcceptRemote:
		for _, pendingId := range activeConflict.PendingIds {
			if self.pending.Supersede(pendingId) {
				self.journalRemove(pendingId)
			}
		}
		self.metrics.PendingOperations.Set(int64(self.pending.Count()))
		transformed := TransformAgainst(activeConflict.Incoming, self.pending.Operations())
		self.applyRemote(transformed)
		return nil
	case protocol.ResolutionMerge:
		// local pending were applied at generation, so merging means
		// transforming the held remote operation in next to them
		transformed := TransformAgainst(activeConflict.Incoming, self.pending.Operations())
		applied, err := self.document.Apply(transformed)
		if err != nil {
			return err
		}
		if applied {
			self.metrics.OperationsApplied.Inc()
			self.presence.ShiftForOperation(transformed)
			self.dispatcher.Emit(EventDocumentUpdated, transformed.Clone())
		}
		return nil
	default:
		return fmt.Errorf("unknown strategy: %s", strategy)
	}
}

// receive handles one decoded frame off the socket. Ping and pong
// never reach here, the connection manager answers those.
func (self *Session) receive(frame []byte) {
	payload, err := protocol.Decode(frame)
	if err != nil {
		self.metrics.FramesInvalid.Inc()
		glog.V(1).Infof("[s]drop frame = %s\n", err)
		return
	}
	self.dispatchPayload(payload)
}

func (self *Session) forThisDocument(documentId string) bool {
	if documentId != "" && documentId != self.documentId {
		glog.V(2).Infof("[s]%s drop frame for %s\n", self.documentId, documentId)
		return false
	}
	return true
}

func (self *Session) dispatchPayload(payload any) {
	switch v := payload.(type) {
	case *protocol.Operation:
		self.receiveOperation(v)
	case *protocol.BatchOperations:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		for _, op := range v.Operations {
			self.receiveOperation(op)
		}
	case *protocol.CursorUpdate:
		if !self.forThisDocument(v.DocumentId) || self.isSelf(v.UserId) {
			return
		}
		if self.presence.UpdateCursor(v.UserId, v.Position, v.Timestamp) {
			self.dispatcher.Emit(EventCursorUpdated, v)
		}
	case *protocol.SelectionUpdate:
		if !self.forThisDocument(v.DocumentId) || self.isSelf(v.UserId) {
			return
		}
		if self.presence.UpdateSelection(v.UserId, v.Start, v.End, v.Timestamp) {
			self.dispatcher.Emit(EventSelectionUpdated, v)
		}
	case *protocol.Presence:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		self.receivePresence(v)
	case *protocol.CommentAdd:
		if !self.forThisDocument(v.DocumentId) || v.Comment == nil {
			return
		}
		if self.comments.Add(v.Comment) {
			self.dispatcher.Emit(EventCommentsChanged, v.Comment.Clone())
		} else {
			self.metrics.CommentsDeduped.Inc()
		}
	case *protocol.CommentUpdate:
		if !self.forThisDocument(v.DocumentId) || v.Comment == nil {
			return
		}
		self.comments.Update(v.Comment)
		self.dispatcher.Emit(EventCommentsChanged, v.Comment.Clone())
	case *protocol.CommentDelete:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		if self.comments.Delete(v.CommentId) {
			self.dispatcher.Emit(EventCommentsChanged, v.CommentId)
		}
	case *protocol.CommentReply:
		if !self.forThisDocument(v.DocumentId) || v.Comment == nil {
			return
		}
		if self.comments.Reply(v.ParentId, v.Comment) {
			self.dispatcher.Emit(EventCommentsChanged, v.Comment.Clone())
		} else {
			self.metrics.CommentsDeduped.Inc()
		}
	case *protocol.ReactionAdd:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		if self.comments.AddReaction(v.CommentId, v.Reaction) {
			self.dispatcher.Emit(EventCommentsChanged, v.CommentId)
		}
	case *protocol.ReactionRemove:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		if self.comments.RemoveReaction(v.CommentId, v.UserId, v.Type) {
			self.dispatcher.Emit(EventCommentsChanged, v.CommentId)
		}
	case *protocol.Mention:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		if self.isSelf(v.ToUserId) {
			self.dispatcher.Emit(EventMention, v)
		}
	case *protocol.ConflictDetected:
		if !self.forThisDocument(v.DocumentId) || v.Conflict == nil {
			return
		}
		// a peer's local conflict, surfaced for visibility only
		self.dispatcher.Emit(EventConflictDetected, v.Conflict)
	case *protocol.ConflictResolution:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		self.resolveConflict(v.ConflictId, v.Strategy, v.ResolvedBy, false)
		self.dispatcher.Emit(EventConflictResolved, v)
	case *protocol.DocumentSync:
		if !self.forThisDocument(v.DocumentId) {
			return
		}
		self.receiveSync(v)
	default:
		glog.V(1).Infof("[s]drop unhandled payload %T\n", payload)
	}
}

func (self *Session) receivePresence(presence *protocol.Presence) {
	if self.isSelf(presence.User.Id) {
		return
	}
	switch presence.Action {
	case protocol.PresenceJoin:
		known := self.presence.User(presence.User.Id) != nil
		user := self.presence.Join(&presence.User)
		viewingChanged := false
		if presence.IsViewing != nil {
			viewingChanged = self.presence.SetViewing(user.Id, *presence.IsViewing)
		}
		if !known {
			self.dispatcher.Emit(EventUserJoined, user)
		} else if viewingChanged {
			self.dispatcher.Emit(EventPresenceChanged, &PresenceChange{Viewing: presence})
		}
	case protocol.PresenceLeave:
		if user := self.presence.Leave(presence.User.Id); user != nil {
			self.dispatcher.Emit(EventUserLeft, user)
		}
	default:
		glog.V(1).Infof("[s]unknown presence action %s\n", presence.Action)
	}
}

// receiveOperation reconciles one remote operation with the pending
// buffer: an echo acknowledges the matching pending operation, a
// colliding edit opens a conflict and is held until resolution, and
// everything else is transformed and applied.
func (self *Session) receiveOperation(op *protocol.Operation) {
	pendingOps := self.pending.Operations()

	reconciliation := Reconcile(pendingOps, op)
	if reconciliation.Echo {
		self.acknowledge(op.Id)
		return
	}

	if activeConflict := self.detector.Detect(op, pendingOps); activeConflict != nil {
		self.detector.Track(activeConflict)
		self.sendPayload(&protocol.ConflictDetected{
			DocumentId: self.documentId,
			Conflict:   activeConflict.Conflict,
		})
		self.dispatcher.Emit(EventConflictDetected, activeConflict.Conflict)
		return
	}

	if op.Version < self.document.BaseVersion() {
		// the history needed to rebase this operation fell out of
		// the retained window
		self.metrics.TransformsSkipped.Inc()
		glog.Infof("[s]%s predates history base (v%d < v%d), transform skipped\n",
			op.Id, op.Version, self.document.BaseVersion())
	}
	self.applyRemote(reconciliation.Transformed)
}

func (self *Session) acknowledge(opId protocol.Id) {
	if self.pending.Acknowledge(opId) {
		self.journalRemove(opId)
		self.metrics.PendingOperations.Set(int64(self.pending.Count()))
	}
}

func (self *Session) applyRemote(op *protocol.Operation) {
	applied, err := self.document.Apply(op)
	if err != nil {
		// invalid operation data is dropped with a log line
		glog.Infof("[s]drop remote operation = %s\n", err)
		return
	}
	if !applied {
		return
	}
	self.metrics.OperationsApplied.Inc()
	self.presence.ShiftForOperation(op)
	self.presence.Touch(op.UserId)
	self.dispatcher.Emit(EventDocumentUpdated, op.Clone())
}

// receiveSync replaces local state with the server snapshot, then
// replays and resends any still pending local operations on top.
func (self *Session) receiveSync(sync *protocol.DocumentSync) {
	glog.Infof("[s]%s sync to v%d\n", self.documentId, sync.Version)

	self.document.Reset(sync.Content, sync.Version)
	if sync.Comments != nil {
		self.comments.Reset(sync.Comments)
	}
	for _, user := range sync.Users {
		if user != nil && !self.isSelf(user.Id) {
			self.presence.Join(user)
		}
	}

	pendingOps := self.pending.Operations()
	for _, op := range pendingOps {
		op.Version = self.document.Version()
		if _, err := self.document.Apply(op); err != nil {
			glog.Infof("[s]drop pending operation on sync = %s\n", err)
		}
	}
	if 0 < len(pendingOps) {
		self.sendPayload(&protocol.BatchOperations{
			DocumentId: self.documentId,
			Operations: pendingOps,
		})
	}

	self.dispatcher.Emit(EventDocumentUpdated, self.document.Snapshot())
}

func (self *Session) journalAppend(op *protocol.Operation) {
	if self.settings.Journal == nil {
		return
	}
	if err := self.settings.Journal.Append(self.documentId, op); err != nil {
		glog.Warningf("[s]journal append = %s\n", err)
	}
}

func (self *Session) journalRemove(opId protocol.Id) {
	if self.settings.Journal == nil {
		return
	}
	if err := self.settings.Journal.Remove(self.documentId, opId); err != nil {
		glog.Warningf("[s]journal remove = %s\n", err)
	}
}

// LoadDocument seeds the document from the snapshot store.
func (self *Session) LoadDocument(ctx context.Context) error {
	if self.settings.Store == nil {
		return nil
	}
	content, version, err := self.settings.Store.Load(ctx, self.documentId)
	if err != nil {
		return err
	}
	self.document.Reset(content, version)
	self.dispatcher.Emit(EventDocumentUpdated, self.document.Snapshot())
	return nil
}

// SaveDocument persists the current snapshot. This is the explicit
// save point, nothing saves automatically.
func (self *Session) SaveDocument(ctx context.Context) error {
	if self.settings.Store == nil {
		return nil
	}
	snapshot := self.document.Snapshot()
	return self.settings.Store.Persist(ctx, snapshot.DocumentId, snapshot.Content, snapshot.Version)
}

// Subscribe registers a callback for one event. The returned function
// unsubscribes it.
func (self *Session) Subscribe(event Event, callback EventCallback) func() {
	return self.dispatcher.Subscribe(event, callback)
}

// AddStateChangeCallback invokes the callback with a fresh state
// snapshot after every session state change.
func (self *Session) AddStateChangeCallback(callback func(state *CollaborationState)) func() {
	events := []Event{
		EventDocumentUpdated,
		EventCursorUpdated,
		EventSelectionUpdated,
		EventUserJoined,
		EventUserLeft,
		EventPresenceChanged,
		EventCommentsChanged,
		EventConflictDetected,
		EventConflictResolved,
	}
	unsubs := make([]func(), 0, len(events))
	for _, event := range events {
		unsubs = append(unsubs, self.dispatcher.Subscribe(event, func(Event, any) {
			callback(self.CollaborationState())
		}))
	}
	return func() {
		for _, unsub := range unsubs {
			unsub()
		}
	}
}

func (self *Session) AddConnectionChangeCallback(callback ConnectionStateCallback) func() {
	if self.connection == nil {
		return func() {}
	}
	return self.connection.AddStateChangeCallback(callback)
}

func (self *Session) AddConflictCallback(callback func(conflict *protocol.Conflict)) func() {
	return self.dispatcher.Subscribe(EventConflictDetected, func(event Event, payload any) {
		if conflict, ok := payload.(*protocol.Conflict); ok {
			callback(conflict)
		}
	})
}

func (self *Session) DocumentId() string {
	return self.documentId
}

func (self *Session) Content() string {
	return self.document.Content()
}

func (self *Session) Version() int64 {
	return self.document.Version()
}

func (self *Session) Users() []*protocol.User {
	return self.presence.Users()
}

func (self *Session) Comments() []*protocol.Comment {
	return self.comments.Comments()
}

func (self *Session) ActiveConflicts() []*protocol.Conflict {
	return self.detector.Active()
}

func (self *Session) PendingOperations() []*protocol.Operation {
	return self.pending.Operations()
}

func (self *Session) ConnectionState() ConnectionState {
	if self.connection == nil {
		return ConnectionStateDisconnected
	}
	return self.connection.State()
}

func (self *Session) Latency() time.Duration {
	if self.connection == nil {
		return 0
	}
	return self.connection.Latency()
}

func (self *Session) Metrics() *Metrics {
	return self.metrics
}

func (self *Session) CollaborationState() *CollaborationState {
	return &CollaborationState{
		Document:        self.document.Snapshot(),
		Users:           self.presence.Users(),
		Cursors:         self.presence.Cursors(),
		Selections:      self.presence.Selections(),
		Comments:        self.comments.Comments(),
		Conflicts:       self.detector.Active(),
		PendingCount:    self.pending.Count(),
		ConnectionState: self.ConnectionState(),
		Latency:         self.Latency(),
	}
}

func (self *Session) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	cancelSweep := self.cancelSweep
	self.cancelSweep = nil
	self.stateLock.Unlock()

	if cancelSweep != nil {
		cancelSweep()
	}
	if self.connection != nil {
		self.connection.Disconnect()
	}
	self.detector.Close()
	self.scheduler.Close()
	self.cancel()
}

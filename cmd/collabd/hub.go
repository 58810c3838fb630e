package main

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/slices"

	"github.com/coedit/collab"
	"github.com/coedit/collab/protocol"
)

const StreamSendBufferSize = 32
const SaveTimeout = 10 * time.Second

// Stream is one connected websocket. Frames for the client are queued
// on `send` and drained by the connection's write pump; a full queue
// drops the frame rather than blocking the hub.
type Stream struct {
	streamId uuid.UUID
	send     chan []byte

	stateLock sync.Mutex
	userId    protocol.Id
}

func NewStream() *Stream {
	return &Stream{
		streamId: uuid.New(),
		send:     make(chan []byte, StreamSendBufferSize),
	}
}

func (self *Stream) StreamId() uuid.UUID {
	return self.streamId
}

func (self *Stream) UserId() protocol.Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.userId
}

func (self *Stream) setUser(userId protocol.Id) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.userId = userId
}

func (self *Stream) deliver(frame []byte) bool {
	select {
	case self.send <- frame:
		return true
	default:
		return false
	}
}

type HubSettings struct {
	Document *collab.DocumentSettings
	// snapshot persistence cadence. snapshots are also written when the
	// last stream detaches and on close.
	SaveInterval time.Duration
	// redis channel is ChannelPrefix + documentId
	ChannelPrefix string
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		Document:      collab.DefaultDocumentSettings(),
		SaveInterval:  30 * time.Second,
		ChannelPrefix: "collab.doc.",
	}
}

// Hub is the per-document fan-out point and the canonical sequencer.
// Operations from any stream are applied to the hub's document, get the
// canonical version stamped, and are then broadcast to every stream
// including the sender, whose copy doubles as the acknowledgement.
//
// With a redis client the broadcast goes through the document's pub/sub
// channel instead, so hubs for the same document on other server nodes
// relay it to their streams. Replayed operations dedup by id, which
// also filters this hub's own publishes.
type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	documentId string
	settings   *HubSettings

	store   collab.DocumentStore
	redis   *redis.Client
	metrics *collab.Metrics

	document *collab.Document
	comments *collab.CommentTree

	stateLock sync.Mutex
	users     map[protocol.Id]*protocol.User
	streams   map[*Stream]bool
	dirty     bool
}

func NewHub(
	ctx context.Context,
	documentId string,
	store collab.DocumentStore,
	redisClient *redis.Client,
	metrics *collab.Metrics,
	settings *HubSettings,
) (*Hub, error) {
	loadCtx, loadCancel := context.WithTimeout(ctx, SaveTimeout)
	defer loadCancel()
	content, version, err := store.Load(loadCtx, documentId)
	if err != nil {
		return nil, err
	}

	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Hub{
		ctx:        cancelCtx,
		cancel:     cancel,
		documentId: documentId,
		settings:   settings,
		store:      store,
		redis:      redisClient,
		metrics:    metrics,
		document:   collab.NewDocument(documentId, content, version, settings.Document),
		comments:   collab.NewCommentTree(),
		users:      map[protocol.Id]*protocol.User{},
		streams:    map[*Stream]bool{},
	}
	glog.Infof("[hub]%s open at v%d", documentId, version)
	go self.run()
	return self, nil
}

func (self *Hub) run() {
	if self.redis != nil {
		go self.runBridge()
	}
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SaveInterval):
			self.saveSnapshot(self.ctx)
		}
	}
}

// runBridge relays the document's redis channel into this hub. The
// hub's own publishes come back here too and fan out to local streams.
func (self *Hub) runBridge() {
	channel := self.settings.ChannelPrefix + self.documentId
	pubsub := self.redis.Subscribe(self.ctx, channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	for {
		select {
		case <-self.ctx.Done():
			return
		case message, ok := <-messages:
			if !ok {
				return
			}
			self.replay([]byte(message.Payload))
		}
	}
}

// Attach registers a stream and queues the snapshot sync as its first
// frame, so a late joiner starts from the canonical state.
func (self *Hub) Attach(stream *Stream) {
	self.stateLock.Lock()
	self.streams[stream] = true
	streamCount := len(self.streams)
	sync := self.syncLocked()
	self.stateLock.Unlock()

	if !stream.deliver(protocol.RequireEncode(sync)) {
		self.metrics.MessagesDropped.Inc()
	}
	glog.V(1).Infof("[hub]%s attach %s (%d streams)", self.documentId, stream.StreamId(), streamCount)
}

// Detach unregisters a stream. If it was the last stream carrying its
// user, a leave is broadcast on the user's behalf, covering clients
// that drop without a goodbye frame.
func (self *Hub) Detach(stream *Stream) {
	self.stateLock.Lock()
	if _, ok := self.streams[stream]; !ok {
		self.stateLock.Unlock()
		return
	}
	delete(self.streams, stream)
	streamCount := len(self.streams)

	var goodbye []byte
	userId := stream.UserId()
	if !userId.IsZero() {
		remains := false
		for other := range self.streams {
			if other.UserId() == userId {
				remains = true
				break
			}
		}
		if user, ok := self.users[userId]; ok && !remains {
			delete(self.users, userId)
			left := *user
			left.Status = protocol.UserStatusOffline
			goodbye = protocol.RequireEncode(&protocol.Presence{
				Action:     protocol.PresenceLeave,
				DocumentId: self.documentId,
				User:       left,
			})
		}
	}
	self.stateLock.Unlock()

	if goodbye != nil {
		self.publish(goodbye)
	}
	glog.V(1).Infof("[hub]%s detach %s (%d streams)", self.documentId, stream.StreamId(), streamCount)
	if streamCount == 0 {
		self.saveSnapshot(self.ctx)
	}
}

// Ingest handles one validated frame from a stream. Pings are answered
// to the sender only; everything else is sequenced into the canonical
// state and broadcast.
func (self *Hub) Ingest(stream *Stream, frame []byte) {
	payload, err := protocol.Decode(frame)
	if err != nil {
		self.metrics.FramesInvalid.Inc()
		glog.V(1).Infof("[hub]%s drop frame = %s", self.documentId, err)
		return
	}

	switch v := payload.(type) {
	case *protocol.Ping:
		pong := &protocol.Pong{
			SentAt:     v.SentAt,
			ServerTime: protocol.NowMillis(),
		}
		if !stream.deliver(protocol.RequireEncode(pong)) {
			self.metrics.MessagesDropped.Inc()
		}
		return
	case *protocol.Pong:
		return
	case *protocol.DocumentSync:
		// server generated only
		glog.V(1).Infof("[hub]%s drop client sync", self.documentId)
		return
	}

	outbound, ok := self.sequence(stream, payload)
	if !ok {
		return
	}
	self.publish(outbound)
}

// sequence applies a payload to the hub state and re-encodes it for
// broadcast. Returns false for frames that should not propagate.
func (self *Hub) sequence(stream *Stream, payload any) ([]byte, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch v := payload.(type) {
	case *protocol.Operation:
		if !self.sequenceOperation(v) {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.BatchOperations:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		sequenced := []*protocol.Operation{}
		for _, op := range v.Operations {
			if op != nil && self.sequenceOperation(op) {
				sequenced = append(sequenced, op)
			}
		}
		if len(sequenced) == 0 {
			return nil, false
		}
		v.Operations = sequenced
		return protocol.RequireEncode(v), true
	case *protocol.Presence:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		switch v.Action {
		case protocol.PresenceJoin:
			if v.User.Id.IsZero() {
				return nil, false
			}
			user := v.User
			if user.Status == "" {
				user.Status = protocol.UserStatusActive
			}
			self.users[user.Id] = &user
			stream.setUser(user.Id)
		case protocol.PresenceLeave:
			delete(self.users, v.User.Id)
		default:
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.CursorUpdate:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.SelectionUpdate:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.CommentAdd:
		if v.DocumentId != self.documentId || v.Comment == nil {
			return nil, false
		}
		if !self.comments.Add(v.Comment) {
			// a client resend. relay it again, clients dedup by id
			self.metrics.CommentsDeduped.Inc()
		}
		return protocol.RequireEncode(v), true
	case *protocol.CommentUpdate:
		if v.DocumentId != self.documentId || v.Comment == nil {
			return nil, false
		}
		self.comments.Update(v.Comment)
		return protocol.RequireEncode(v), true
	case *protocol.CommentDelete:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		self.comments.Delete(v.CommentId)
		return protocol.RequireEncode(v), true
	case *protocol.CommentReply:
		if v.DocumentId != self.documentId || v.Comment == nil {
			return nil, false
		}
		if !self.comments.Reply(v.ParentId, v.Comment) {
			self.metrics.CommentsDeduped.Inc()
		}
		return protocol.RequireEncode(v), true
	case *protocol.ReactionAdd:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		self.comments.AddReaction(v.CommentId, v.Reaction)
		return protocol.RequireEncode(v), true
	case *protocol.ReactionRemove:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		self.comments.RemoveReaction(v.CommentId, v.UserId, v.Type)
		return protocol.RequireEncode(v), true
	case *protocol.Mention:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.ConflictDetected:
		if v.DocumentId != self.documentId || v.Conflict == nil {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	case *protocol.ConflictResolution:
		if v.DocumentId != self.documentId {
			return nil, false
		}
		return protocol.RequireEncode(v), true
	default:
		glog.V(1).Infof("[hub]%s drop %T", self.documentId, v)
		return nil, false
	}
}

// sequenceOperation stamps the canonical version onto an operation and
// applies it. A resent operation whose id is already in the history is
// relayed unapplied so the sender still gets its acknowledgement.
func (self *Hub) sequenceOperation(op *protocol.Operation) bool {
	op.Version = self.document.Version()
	applied, err := self.document.Apply(op)
	if err != nil {
		glog.Warningf("[hub]%s drop operation %s = %s", self.documentId, op.Id, err)
		return false
	}
	if !applied {
		glog.V(2).Infof("[hub]%s re-echo %s", self.documentId, op.Id)
		return true
	}
	op.Version = self.document.Version()
	self.metrics.OperationsApplied.Inc()
	self.dirty = true
	return true
}

// replay ingests a frame from the redis channel: apply it to the local
// canonical state (id dedup absorbs this hub's own publishes) and fan
// it out to local streams as-is.
func (self *Hub) replay(frame []byte) {
	payload, err := protocol.Decode(frame)
	if err != nil {
		self.metrics.FramesInvalid.Inc()
		glog.V(1).Infof("[hub]%s drop bridge frame = %s", self.documentId, err)
		return
	}

	self.stateLock.Lock()
	switch v := payload.(type) {
	case *protocol.Operation:
		self.replayOperation(v)
	case *protocol.BatchOperations:
		for _, op := range v.Operations {
			if op != nil {
				self.replayOperation(op)
			}
		}
	case *protocol.Presence:
		switch v.Action {
		case protocol.PresenceJoin:
			if !v.User.Id.IsZero() {
				user := v.User
				self.users[user.Id] = &user
			}
		case protocol.PresenceLeave:
			delete(self.users, v.User.Id)
		}
	case *protocol.CommentAdd:
		if v.Comment != nil {
			self.comments.Add(v.Comment)
		}
	case *protocol.CommentUpdate:
		if v.Comment != nil {
			self.comments.Update(v.Comment)
		}
	case *protocol.CommentDelete:
		self.comments.Delete(v.CommentId)
	case *protocol.CommentReply:
		if v.Comment != nil {
			self.comments.Reply(v.ParentId, v.Comment)
		}
	case *protocol.ReactionAdd:
		self.comments.AddReaction(v.CommentId, v.Reaction)
	case *protocol.ReactionRemove:
		self.comments.RemoveReaction(v.CommentId, v.UserId, v.Type)
	}
	self.stateLock.Unlock()

	self.fanOut(frame)
}

func (self *Hub) replayOperation(op *protocol.Operation) {
	applied, err := self.document.Apply(op)
	if err != nil {
		glog.Warningf("[hub]%s drop bridge operation %s = %s", self.documentId, op.Id, err)
		return
	}
	if applied {
		self.metrics.OperationsApplied.Inc()
		self.dirty = true
	}
}

// publish routes a broadcast frame. With redis the frame goes out on
// the document channel and comes back in through the bridge for local
// delivery; without redis it fans out directly.
func (self *Hub) publish(frame []byte) {
	if self.redis != nil {
		channel := self.settings.ChannelPrefix + self.documentId
		err := self.redis.Publish(self.ctx, channel, frame).Err()
		if err == nil {
			return
		}
		glog.Warningf("[hub]%s publish = %s", self.documentId, err)
		// degrade to local delivery so this node keeps converging
	}
	self.fanOut(frame)
}

func (self *Hub) fanOut(frame []byte) {
	self.stateLock.Lock()
	streams := make([]*Stream, 0, len(self.streams))
	for stream := range self.streams {
		streams = append(streams, stream)
	}
	self.stateLock.Unlock()

	for _, stream := range streams {
		if !stream.deliver(frame) {
			self.metrics.MessagesDropped.Inc()
		}
	}
}

func (self *Hub) saveSnapshot(ctx context.Context) {
	self.stateLock.Lock()
	if !self.dirty {
		self.stateLock.Unlock()
		return
	}
	self.dirty = false
	self.stateLock.Unlock()

	snapshot := self.document.Snapshot()
	saveCtx, saveCancel := context.WithTimeout(ctx, SaveTimeout)
	defer saveCancel()
	err := self.store.Persist(saveCtx, self.documentId, snapshot.Content, snapshot.Version)
	if err != nil {
		glog.Warningf("[hub]%s save v%d = %s", self.documentId, snapshot.Version, err)
		self.stateLock.Lock()
		self.dirty = true
		self.stateLock.Unlock()
		return
	}
	glog.V(1).Infof("[hub]%s saved v%d", self.documentId, snapshot.Version)
}

// Sync builds the snapshot frame a joining stream receives.
func (self *Hub) Sync() *protocol.DocumentSync {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.syncLocked()
}

func (self *Hub) syncLocked() *protocol.DocumentSync {
	users := make([]*protocol.User, 0, len(self.users))
	for _, user := range self.users {
		out := *user
		users = append(users, &out)
	}
	slices.SortFunc(users, func(a *protocol.User, b *protocol.User) int {
		if a.Id.LessThan(b.Id) {
			return -1
		} else if b.Id.LessThan(a.Id) {
			return 1
		}
		return 0
	})
	return &protocol.DocumentSync{
		DocumentId: self.documentId,
		Content:    self.document.Content(),
		Version:    self.document.Version(),
		Users:      users,
		Comments:   self.comments.Comments(),
	}
}

func (self *Hub) StreamCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.streams)
}

func (self *Hub) Close() {
	self.cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), SaveTimeout)
	defer closeCancel()
	self.saveSnapshot(closeCtx)
	glog.Infof("[hub]%s closed at v%d", self.documentId, self.document.Version())
}

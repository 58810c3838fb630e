package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/collab"
	"github.com/coedit/collab/protocol"
	"github.com/coedit/collab/store"
)

func newTestHub(t *testing.T, memory *store.MemoryStore) *Hub {
	if memory == nil {
		memory = store.NewMemoryStore()
	}
	ctx, cancel := context.WithCancel(context.Background())
	hub, err := NewHub(ctx, "doc-1", memory, nil, collab.NewMetrics(), DefaultHubSettings())
	require.NoError(t, err)
	t.Cleanup(func() {
		hub.Close()
		cancel()
	})
	return hub
}

func attachStream(t *testing.T, hub *Hub) (*Stream, *protocol.DocumentSync) {
	stream := NewStream()
	hub.Attach(stream)
	sync, ok := nextPayload(t, stream).(*protocol.DocumentSync)
	require.True(t, ok, "first frame is the document sync")
	return stream, sync
}

// with no redis bridge, `Ingest` fans out synchronously,
// so frames are already queued when it returns
func nextPayload(t *testing.T, stream *Stream) any {
	select {
	case frame := <-stream.send:
		payload, err := protocol.Decode(frame)
		require.NoError(t, err)
		return payload
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func assertNoFrame(t *testing.T, stream *Stream) {
	select {
	case frame := <-stream.send:
		t.Fatalf("unexpected frame: %s", frame)
	default:
	}
}

func clientInsert(position int, content string) *protocol.Operation {
	return &protocol.Operation{
		Id:        protocol.NewId(),
		Type:      protocol.OpInsert,
		Position:  position,
		Content:   content,
		UserId:    protocol.NewId(),
		Timestamp: protocol.NowMillis(),
	}
}

func TestHubAttachSync(t *testing.T) {
	memory := store.NewMemoryStore()
	require.NoError(t, memory.Persist(context.Background(), "doc-1", "stored", 4))

	hub := newTestHub(t, memory)
	_, sync := attachStream(t, hub)
	assert.Equal(t, "doc-1", sync.DocumentId)
	assert.Equal(t, "stored", sync.Content)
	assert.Equal(t, int64(4), sync.Version)
	assert.Equal(t, 0, len(sync.Users))
	assert.Equal(t, 0, len(sync.Comments))
	assert.Equal(t, 1, hub.StreamCount())
}

func TestHubSequencing(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)
	b, _ := attachStream(t, hub)

	op := clientInsert(0, "hello")
	hub.Ingest(a, protocol.RequireEncode(op))

	// every stream receives the operation stamped with the assigned version
	for _, stream := range []*Stream{a, b} {
		echo, ok := nextPayload(t, stream).(*protocol.Operation)
		require.True(t, ok)
		assert.Equal(t, op.Id, echo.Id)
		assert.Equal(t, int64(1), echo.Version)
		assert.True(t, echo.Applied)
		assert.Equal(t, "hello", echo.Content)
	}

	// an operation from the other stream continues the sequence
	hub.Ingest(b, protocol.RequireEncode(clientInsert(5, "!")))
	for _, stream := range []*Stream{a, b} {
		echo, ok := nextPayload(t, stream).(*protocol.Operation)
		require.True(t, ok)
		assert.Equal(t, int64(2), echo.Version)
	}

	sync := hub.Sync()
	assert.Equal(t, "hello!", sync.Content)
	assert.Equal(t, int64(2), sync.Version)
	assert.Equal(t, uint64(2), hub.metrics.OperationsApplied.Value())
}

func TestHubResendEcho(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	op := clientInsert(0, "once")
	hub.Ingest(a, protocol.RequireEncode(op))
	first, ok := nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)
	assert.Equal(t, int64(1), first.Version)

	// a resend of the same operation relays again without reapplying
	hub.Ingest(a, protocol.RequireEncode(op))
	second, ok := nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)
	assert.Equal(t, op.Id, second.Id)
	assert.Equal(t, int64(1), second.Version)

	assert.Equal(t, "once", hub.Sync().Content)
	assert.Equal(t, uint64(1), hub.metrics.OperationsApplied.Value())
}

func TestHubBatch(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	batch := &protocol.BatchOperations{
		DocumentId: "doc-1",
		Operations: []*protocol.Operation{
			clientInsert(0, "ab"),
			clientInsert(2, "cd"),
		},
	}
	hub.Ingest(a, protocol.RequireEncode(batch))

	echo, ok := nextPayload(t, a).(*protocol.BatchOperations)
	require.True(t, ok)
	require.Equal(t, 2, len(echo.Operations))
	assert.Equal(t, int64(1), echo.Operations[0].Version)
	assert.Equal(t, int64(2), echo.Operations[1].Version)
	assert.Equal(t, "abcd", hub.Sync().Content)

	// a batch for another document is dropped whole
	hub.Ingest(a, protocol.RequireEncode(&protocol.BatchOperations{
		DocumentId: "doc-9",
		Operations: []*protocol.Operation{clientInsert(0, "x")},
	}))
	assertNoFrame(t, a)
	assert.Equal(t, "abcd", hub.Sync().Content)
}

func TestHubDropsBadFrames(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	// a structurally valid frame carrying an unusable operation
	bad := clientInsert(0, "x")
	bad.Type = protocol.OpType("explode")
	hub.Ingest(a, protocol.RequireEncode(bad))
	assertNoFrame(t, a)

	// a frame with an unknown envelope type
	hub.Ingest(a, []byte(`{"type":"mystery","data":{}}`))
	assertNoFrame(t, a)
	assert.Equal(t, uint64(1), hub.metrics.FramesInvalid.Value())
	assert.Equal(t, "", hub.Sync().Content)
}

func TestHubDocumentGuard(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	hub.Ingest(a, protocol.RequireEncode(&protocol.CursorUpdate{
		DocumentId: "doc-9",
		UserId:     protocol.NewId(),
		Position:   3,
		Timestamp:  protocol.NowMillis(),
	}))
	assertNoFrame(t, a)

	cursor := &protocol.CursorUpdate{
		DocumentId: "doc-1",
		UserId:     protocol.NewId(),
		Position:   3,
		Timestamp:  protocol.NowMillis(),
	}
	hub.Ingest(a, protocol.RequireEncode(cursor))
	relayed, ok := nextPayload(t, a).(*protocol.CursorUpdate)
	require.True(t, ok)
	assert.Equal(t, cursor.UserId, relayed.UserId)
	assert.Equal(t, 3, relayed.Position)
}

func TestHubPresenceRoster(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)
	b, _ := attachStream(t, hub)

	bob := &protocol.User{Id: protocol.NewId(), Name: "bob"}
	hub.Ingest(a, protocol.RequireEncode(&protocol.Presence{
		Action:     protocol.PresenceJoin,
		DocumentId: "doc-1",
		User:       *bob,
	}))

	for _, stream := range []*Stream{a, b} {
		presence, ok := nextPayload(t, stream).(*protocol.Presence)
		require.True(t, ok)
		assert.Equal(t, protocol.PresenceJoin, presence.Action)
		assert.Equal(t, bob.Id, presence.User.Id)
	}
	assert.Equal(t, bob.Id, a.UserId())

	// a late joiner sees bob on the roster
	_, sync := attachStream(t, hub)
	require.Equal(t, 1, len(sync.Users))
	assert.Equal(t, "bob", sync.Users[0].Name)
	assert.Equal(t, protocol.UserStatusActive, sync.Users[0].Status)

	// dropping bob's stream broadcasts the leave
	hub.Detach(a)
	leave, ok := nextPayload(t, b).(*protocol.Presence)
	require.True(t, ok)
	assert.Equal(t, protocol.PresenceLeave, leave.Action)
	assert.Equal(t, bob.Id, leave.User.Id)
	assert.Equal(t, protocol.UserStatusOffline, leave.User.Status)
	assert.Equal(t, 0, len(hub.Sync().Users))
}

func TestHubComments(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	comment := &protocol.Comment{
		Id:        protocol.NewId(),
		AuthorId:  protocol.NewId(),
		Content:   "first",
		CreatedAt: protocol.NowMillis(),
	}
	add := &protocol.CommentAdd{DocumentId: "doc-1", Comment: comment}
	hub.Ingest(a, protocol.RequireEncode(add))
	_, ok := nextPayload(t, a).(*protocol.CommentAdd)
	require.True(t, ok)

	// a resend is applied once but still relayed for client dedup
	hub.Ingest(a, protocol.RequireEncode(add))
	_, ok = nextPayload(t, a).(*protocol.CommentAdd)
	require.True(t, ok)
	assert.Equal(t, uint64(1), hub.metrics.CommentsDeduped.Value())

	_, sync := attachStream(t, hub)
	require.Equal(t, 1, len(sync.Comments))
	assert.Equal(t, "first", sync.Comments[0].Content)

	hub.Ingest(a, protocol.RequireEncode(&protocol.CommentDelete{
		DocumentId: "doc-1",
		CommentId:  comment.Id,
		UserId:     comment.AuthorId,
	}))
	_, ok = nextPayload(t, a).(*protocol.CommentDelete)
	require.True(t, ok)
	assert.Equal(t, 0, len(hub.Sync().Comments))
}

func TestHubPing(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)
	b, _ := attachStream(t, hub)

	hub.Ingest(a, protocol.RequireEncode(&protocol.Ping{SentAt: 12345}))

	// the pong goes to the sender only
	pong, ok := nextPayload(t, a).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(12345), pong.SentAt)
	assert.NotEqual(t, int64(0), pong.ServerTime)
	assertNoFrame(t, b)
}

func TestHubReplayDedup(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	op := clientInsert(0, "mirror")
	hub.Ingest(a, protocol.RequireEncode(op))
	echo, ok := nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)

	// the bridge replaying this hub's own publish is absorbed by id
	hub.replay(protocol.RequireEncode(echo))
	relayed, ok := nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)
	assert.Equal(t, op.Id, relayed.Id)
	assert.Equal(t, "mirror", hub.Sync().Content)
	assert.Equal(t, uint64(1), hub.metrics.OperationsApplied.Value())

	// an operation first seen from the bridge applies normally
	remote := clientInsert(6, "!")
	remote.Version = 1
	hub.replay(protocol.RequireEncode(remote))
	_, ok = nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)
	assert.Equal(t, "mirror!", hub.Sync().Content)
	assert.Equal(t, int64(2), hub.Sync().Version)
	assert.Equal(t, uint64(2), hub.metrics.OperationsApplied.Value())
}

func TestHubSavesOnLastDetach(t *testing.T) {
	memory := store.NewMemoryStore()
	hub := newTestHub(t, memory)
	a, _ := attachStream(t, hub)

	hub.Ingest(a, protocol.RequireEncode(clientInsert(0, "persist me")))
	_, ok := nextPayload(t, a).(*protocol.Operation)
	require.True(t, ok)
	hub.Detach(a)

	content, version, err := memory.Load(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Equal(t, "persist me", content)
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 0, hub.StreamCount())
}

func TestHubStreamOverflowDrops(t *testing.T) {
	hub := newTestHub(t, nil)
	a, _ := attachStream(t, hub)

	// fill the send buffer without draining
	for i := 0; i < StreamSendBufferSize+5; i += 1 {
		hub.Ingest(a, protocol.RequireEncode(clientInsert(0, "x")))
	}
	assert.Equal(t, uint64(5), hub.metrics.MessagesDropped.Value())

	// the document still advanced past the stalled stream
	assert.Equal(t, int64(StreamSendBufferSize+5), hub.Sync().Version)
}

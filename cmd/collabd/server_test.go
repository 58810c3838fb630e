package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coedit/collab"
	"github.com/coedit/collab/protocol"
)

func newTestServer(t *testing.T, config *Config) (*Server, *httptest.Server) {
	if config == nil {
		config = DefaultConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	server, err := NewServer(ctx, config)
	require.NoError(t, err)
	httpServer := httptest.NewServer(server.Router())
	t.Cleanup(func() {
		httpServer.Close()
		server.Close()
		cancel()
	})
	return server, httpServer
}

func wsEndpoint(httpServer *httptest.Server, documentId string) string {
	return "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws/" + documentId
}

func dialWs(t *testing.T, httpServer *httptest.Server, documentId string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(wsEndpoint(httpServer, documentId), nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})
	return conn
}

func readPayload(t *testing.T, conn *websocket.Conn) any {
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	payload, err := protocol.Decode(frame)
	require.NoError(t, err)
	return payload
}

func TestServerEndToEnd(t *testing.T) {
	_, httpServer := newTestServer(t, nil)

	a := dialWs(t, httpServer, "doc-1")
	b := dialWs(t, httpServer, "doc-1")

	syncA, ok := readPayload(t, a).(*protocol.DocumentSync)
	require.True(t, ok, "first frame is the document sync")
	assert.Equal(t, "doc-1", syncA.DocumentId)
	assert.Equal(t, int64(0), syncA.Version)
	_, ok = readPayload(t, b).(*protocol.DocumentSync)
	require.True(t, ok)

	op := &protocol.Operation{
		Id:        protocol.NewId(),
		Type:      protocol.OpInsert,
		Position:  0,
		Content:   "hi",
		UserId:    protocol.NewId(),
		Timestamp: protocol.NowMillis(),
	}
	require.NoError(t, a.WriteMessage(websocket.TextMessage, protocol.RequireEncode(op)))

	// both clients receive the operation with its assigned version
	for _, conn := range []*websocket.Conn{a, b} {
		echo, ok := readPayload(t, conn).(*protocol.Operation)
		require.True(t, ok)
		assert.Equal(t, op.Id, echo.Id)
		assert.Equal(t, int64(1), echo.Version)
		assert.True(t, echo.Applied)
	}

	// the snapshot route serves the live hub state
	resp, err := http.Get(httpServer.URL + "/documents/doc-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	sync := &protocol.DocumentSync{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(sync))
	assert.Equal(t, "hi", sync.Content)
	assert.Equal(t, int64(1), sync.Version)
}

func TestServerColdDocument(t *testing.T) {
	server, httpServer := newTestServer(t, nil)
	require.NoError(t, server.store.Persist(context.Background(), "doc-cold", "archived", 7))

	// no hub is open for the document, so the route reads the store
	resp, err := http.Get(httpServer.URL + "/documents/doc-cold")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sync := &protocol.DocumentSync{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(sync))
	assert.Equal(t, "archived", sync.Content)
	assert.Equal(t, int64(7), sync.Version)

	// an unknown document reads as empty at version 0
	missing, err := http.Get(httpServer.URL + "/documents/doc-unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusOK, missing.StatusCode)
	empty := &protocol.DocumentSync{}
	require.NoError(t, json.NewDecoder(missing.Body).Decode(empty))
	assert.Equal(t, "", empty.Content)
	assert.Equal(t, int64(0), empty.Version)
}

func TestServerInvalidFramesKeepConnection(t *testing.T) {
	server, httpServer := newTestServer(t, nil)
	a := dialWs(t, httpServer, "doc-1")
	_, ok := readPayload(t, a).(*protocol.DocumentSync)
	require.True(t, ok)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"no":"type"}`)))

	// the connection stays open and well formed frames still work
	require.NoError(t, a.WriteMessage(websocket.TextMessage, protocol.RequireEncode(&protocol.Ping{SentAt: 7})))
	pong, ok := readPayload(t, a).(*protocol.Pong)
	require.True(t, ok)
	assert.Equal(t, int64(7), pong.SentAt)
	assert.True(t, 2 <= server.Metrics().FramesInvalid.Value())
}

func TestServerHealthzAndMetrics(t *testing.T) {
	_, httpServer := newTestServer(t, nil)

	a := dialWs(t, httpServer, "doc-1")
	_, ok := readPayload(t, a).(*protocol.DocumentSync)
	require.True(t, ok)

	resp, err := http.Get(httpServer.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	health := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, CollabdVersion, health["version"])
	assert.Equal(t, float64(1), health["documents"])

	metricsResp, err := http.Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer metricsResp.Body.Close()
	assert.Equal(t, http.StatusOK, metricsResp.StatusCode)
	body, err := io.ReadAll(metricsResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "collab_operations_applied_total")
	assert.Contains(t, string(body), "collab_frames_invalid_total")
}

func TestServerAuth(t *testing.T) {
	config := DefaultConfig()
	config.AuthSecret = "hub-secret"
	_, httpServer := newTestServer(t, config)
	endpoint := wsEndpoint(httpServer, "doc-1")

	// no token is rejected
	_, resp, err := websocket.DefaultDialer.Dial(endpoint, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()

	// a signed token in the query connects
	alice := &protocol.User{Id: protocol.NewId(), Name: "alice"}
	token, err := collab.NewIdentityToken(alice, []byte("hub-secret"), time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(endpoint+"?token="+token, nil)
	require.NoError(t, err)
	defer conn.Close()
	_, ok := readPayload(t, conn).(*protocol.DocumentSync)
	require.True(t, ok)

	// the same token in the authorization header connects
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	headerConn, _, err := websocket.DefaultDialer.Dial(endpoint, header)
	require.NoError(t, err)
	defer headerConn.Close()
	_, ok = readPayload(t, headerConn).(*protocol.DocumentSync)
	require.True(t, ok)

	// a token signed with another secret is rejected
	forged, err := collab.NewIdentityToken(alice, []byte("other-secret"), time.Hour)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(endpoint+"?token="+forged, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestServerHubReuse(t *testing.T) {
	server, httpServer := newTestServer(t, nil)

	a := dialWs(t, httpServer, "doc-1")
	_, ok := readPayload(t, a).(*protocol.DocumentSync)
	require.True(t, ok)
	b := dialWs(t, httpServer, "doc-2")
	_, ok = readPayload(t, b).(*protocol.DocumentSync)
	require.True(t, ok)
	c := dialWs(t, httpServer, "doc-1")
	_, ok = readPayload(t, c).(*protocol.DocumentSync)
	require.True(t, ok)

	server.stateLock.Lock()
	hubCount := len(server.hubs)
	server.stateLock.Unlock()
	assert.Equal(t, 2, hubCount)
}

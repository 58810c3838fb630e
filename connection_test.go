package collab

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"

	"github.com/coedit/collab/protocol"
)

func testConnectionSettings() *ConnectionSettings {
	settings := DefaultConnectionSettings()
	settings.HeartbeatInterval = 50 * time.Millisecond
	settings.PongTimeout = time.Second
	settings.ReconnectBackoffBase = time.Millisecond
	settings.ReconnectBackoffMax = 10 * time.Millisecond
	settings.LatencyWindowSize = 16
	return settings
}

type connectionStateEvent struct {
	state  ConnectionState
	reason error
}

func collectState(t *testing.T, events chan connectionStateEvent, state ConnectionState) error {
	for {
		select {
		case event := <-events:
			if event.state == state {
				return event.reason
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timeout waiting for state %s", state)
			return nil
		}
	}
}

func nextFrame(t *testing.T, frames chan []byte) []byte {
	select {
	case frame := <-frames:
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

// newWsTestServer answers pings with pongs, pushes one cursor update
// to each new connection, and forwards every other frame.
func newWsTestServer(t *testing.T, serverPush []byte, closeFirst bool) (*httptest.Server, chan []byte) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
	frames := make(chan []byte, 16)
	connCount := &atomic.Int64{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		if closeFirst && connCount.Add(1) == 1 {
			return
		}

		if serverPush != nil {
			ws.WriteMessage(websocket.TextMessage, serverPush)
		}

		for {
			_, frame, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if message, err := protocol.DecodeMessage(frame); err == nil && message.Type == protocol.TypePing {
				payload, err := protocol.FromMessage(message)
				if err != nil {
					continue
				}
				ping := payload.(*protocol.Ping)
				pongFrame := protocol.RequireEncode(&protocol.Pong{
					SentAt:     ping.SentAt,
					ServerTime: protocol.NowMillis(),
				})
				ws.WriteMessage(websocket.TextMessage, pongFrame)
				continue
			}
			frames <- frame
		}
	}))
	t.Cleanup(server.Close)

	return server, frames
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestConnectionBackoffSchedule(t *testing.T) {
	settings := DefaultConnectionSettings()
	manager := NewConnectionManager(context.Background(), "ws://localhost", NewMetrics(), settings)

	reconnectBackoff := manager.newReconnectBackoff()
	schedule := []time.Duration{}
	for i := 0; i < 7; i++ {
		schedule = append(schedule, reconnectBackoff.NextBackOff())
	}
	assert.Equal(t, schedule, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	})
}

func TestConnectionConnectBadUrl(t *testing.T) {
	manager := NewConnectionManager(context.Background(), "://bad", NewMetrics(), testConnectionSettings())

	err := manager.Connect()
	assert.NotEqual(t, err, nil)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.Equal(t, connectionErr.Op, "connect")
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
}

func TestConnectionSendWhileDisconnected(t *testing.T) {
	metrics := NewMetrics()
	manager := NewConnectionManager(context.Background(), "ws://localhost", metrics, testConnectionSettings())

	assert.Equal(t, manager.Send([]byte("frame")), false)
	assert.Equal(t, metrics.MessagesDropped.Value(), uint64(1))

	// disconnecting a manager that never connected is a safe no-op
	manager.Disconnect()
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
}

func TestConnectionRetryExhaustion(t *testing.T) {
	dialCount := &atomic.Int64{}
	settings := testConnectionSettings()
	settings.MaxReconnectAttempts = 3
	settings.DialContext = func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error) {
		dialCount.Add(1)
		return nil, nil, errTest
	}

	metrics := NewMetrics()
	manager := NewConnectionManager(context.Background(), "ws://localhost", metrics, settings)

	events := make(chan connectionStateEvent, 16)
	manager.AddStateChangeCallback(func(state ConnectionState, reason error) {
		events <- connectionStateEvent{state: state, reason: reason}
	})

	assert.Equal(t, manager.Connect(), nil)
	collectState(t, events, ConnectionStateConnecting)
	collectState(t, events, ConnectionStateReconnecting)
	reason := collectState(t, events, ConnectionStateDisconnected)

	// the terminal disconnect after exhausting retries carries the reason
	assert.NotEqual(t, reason, nil)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(reason, &connectionErr), true)
	assert.Equal(t, connectionErr.Op, "connect")

	assert.Equal(t, dialCount.Load(), int64(3))
	assert.Equal(t, metrics.Reconnects.Value(), uint64(2))
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
	assert.Equal(t, manager.State().IsConnected(), false)
}

func TestConnectionHappyPath(t *testing.T) {
	serverPush := protocol.RequireEncode(&protocol.CursorUpdate{
		UserId:    protocol.NewId(),
		Position:  7,
		Timestamp: protocol.NowMillis(),
	})
	server, frames := newWsTestServer(t, serverPush, false)

	metrics := NewMetrics()
	manager := NewConnectionManager(context.Background(), wsUrl(server), metrics, testConnectionSettings())

	manager.SetHelloFrames(func() [][]byte {
		return [][]byte{[]byte("hello-frame")}
	})
	manager.SetGoodbyeFrames(func() [][]byte {
		return [][]byte{[]byte("goodbye-frame")}
	})

	received := make(chan []byte, 16)
	manager.SetReceiveCallback(func(frame []byte) {
		received <- frame
	})
	latencies := make(chan time.Duration, 16)
	manager.AddLatencyCallback(func(latency time.Duration) {
		latencies <- latency
	})
	events := make(chan connectionStateEvent, 16)
	manager.AddStateChangeCallback(func(state ConnectionState, reason error) {
		events <- connectionStateEvent{state: state, reason: reason}
	})

	assert.Equal(t, manager.Connect(), nil)
	collectState(t, events, ConnectionStateConnected)
	assert.Equal(t, manager.State().IsConnected(), true)

	// connect while connected is a no-op
	assert.Equal(t, manager.Connect(), nil)

	// the hello frame is written before anything else
	assert.Equal(t, nextFrame(t, frames), []byte("hello-frame"))

	// outbound frames pass through unchanged
	outbound := protocol.RequireEncode(&protocol.SelectionUpdate{
		UserId:    protocol.NewId(),
		Start:     1,
		End:       4,
		Timestamp: protocol.NowMillis(),
	})
	assert.Equal(t, manager.Send(outbound), true)
	assert.Equal(t, nextFrame(t, frames), outbound)

	// the server push lands on the receive callback untouched
	assert.Equal(t, nextFrame(t, received), serverPush)

	// heartbeat pings come back as pongs and update the latency estimate
	select {
	case latency := <-latencies:
		assert.Equal(t, 0 <= latency, true)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for latency sample")
	}

	manager.Disconnect()
	assert.Equal(t, nextFrame(t, frames), []byte("goodbye-frame"))
	collectState(t, events, ConnectionStateDisconnected)
	assert.Equal(t, metrics.MessagesDropped.Value(), uint64(0))
}

func TestConnectionReconnectAfterDrop(t *testing.T) {
	server, _ := newWsTestServer(t, nil, true)

	metrics := NewMetrics()
	manager := NewConnectionManager(context.Background(), wsUrl(server), metrics, testConnectionSettings())

	events := make(chan connectionStateEvent, 16)
	manager.AddStateChangeCallback(func(state ConnectionState, reason error) {
		events <- connectionStateEvent{state: state, reason: reason}
	})

	assert.Equal(t, manager.Connect(), nil)

	// the server drops the first connection, the manager dials again
	collectState(t, events, ConnectionStateReconnecting)
	collectState(t, events, ConnectionStateConnected)
	assert.Equal(t, 1 <= metrics.Reconnects.Value(), true)

	manager.Disconnect()
	collectState(t, events, ConnectionStateDisconnected)
}

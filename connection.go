package collab

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/coedit/collab/protocol"
)

const SendBufferSize = 32

type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
)

func (self ConnectionState) IsConnected() bool {
	return self == ConnectionStateConnected
}

type ConnectionStateCallback func(state ConnectionState, reason error)

type LatencyCallback func(latency time.Duration)

// (ctx, url)
type WsDialContextFunc func(ctx context.Context, url string) (*websocket.Conn, *http.Response, error)

type ConnectionSettings struct {
	WsHandshakeTimeout time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration

	// ping cadence and how long to wait for the matching pong
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// retry delay is ReconnectBackoffBase * 2^attempt, capped
	ReconnectBackoffBase time.Duration
	ReconnectBackoffMax  time.Duration
	MaxReconnectAttempts int

	LatencyWindowSize    int
	LatencyWindowTimeout time.Duration

	// dial override for tests
	DialContext WsDialContextFunc
}

func DefaultConnectionSettings() *ConnectionSettings {
	return &ConnectionSettings{
		WsHandshakeTimeout:   2 * time.Second,
		WriteTimeout:         5 * time.Second,
		ReadTimeout:          45 * time.Second,
		HeartbeatInterval:    30 * time.Second,
		PongTimeout:          10 * time.Second,
		ReconnectBackoffBase: 1 * time.Second,
		ReconnectBackoffMax:  30 * time.Second,
		MaxReconnectAttempts: 10,
		LatencyWindowSize:    64,
		LatencyWindowTimeout: 2 * time.Minute,
	}
}

// ConnectionManager owns the socket lifecycle for one session:
// dialing, the hello frames, heartbeat pings, reconnection with
// exponential backoff, and teardown. Outbound frames are dropped,
// never blocked on, when the socket is not connected.
type ConnectionManager struct {
	ctx context.Context

	connectionUrl string
	metrics       *Metrics
	settings      *ConnectionSettings

	latencyWindow *LatencyWindow

	// frames written immediately after the socket opens
	helloFrames func() [][]byte
	// frames written best effort before an explicit disconnect
	goodbyeFrames func() [][]byte
	// inbound frames that are not heartbeat traffic
	receive func(frame []byte)

	stateCallbacks   *CallbackList[ConnectionStateCallback]
	latencyCallbacks *CallbackList[LatencyCallback]

	stateLock sync.Mutex
	state     ConnectionState
	runCancel context.CancelFunc
	send      chan []byte
	lastPong  time.Time
}

func NewConnectionManagerWithDefaults(ctx context.Context, connectionUrl string, metrics *Metrics) *ConnectionManager {
	return NewConnectionManager(ctx, connectionUrl, metrics, DefaultConnectionSettings())
}

func NewConnectionManager(
	ctx context.Context,
	connectionUrl string,
	metrics *Metrics,
	settings *ConnectionSettings,
) *ConnectionManager {
	return &ConnectionManager{
		ctx:              ctx,
		connectionUrl:    connectionUrl,
		metrics:          metrics,
		settings:         settings,
		latencyWindow:    NewLatencyWindow(settings.LatencyWindowSize, settings.LatencyWindowTimeout),
		stateCallbacks:   NewCallbackList[ConnectionStateCallback](),
		latencyCallbacks: NewCallbackList[LatencyCallback](),
		state:            ConnectionStateDisconnected,
	}
}

func (self *ConnectionManager) SetHelloFrames(helloFrames func() [][]byte) {
	self.helloFrames = helloFrames
}

func (self *ConnectionManager) SetGoodbyeFrames(goodbyeFrames func() [][]byte) {
	self.goodbyeFrames = goodbyeFrames
}

func (self *ConnectionManager) SetReceiveCallback(receive func(frame []byte)) {
	self.receive = receive
}

func (self *ConnectionManager) AddStateChangeCallback(stateCallback ConnectionStateCallback) func() {
	callbackId := self.stateCallbacks.Add(stateCallback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddLatencyCallback(latencyCallback LatencyCallback) func() {
	callbackId := self.latencyCallbacks.Add(latencyCallback)
	return func() {
		self.latencyCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) Latency() time.Duration {
	return self.latencyWindow.Latency()
}

func (self *ConnectionManager) emitState(state ConnectionState, reason error) {
	for _, stateCallback := range self.stateCallbacks.Get() {
		func(stateCallback ConnectionStateCallback) {
			HandleError(func() {
				stateCallback(state, reason)
			})
		}(stateCallback)
	}
}

func (self *ConnectionManager) setState(state ConnectionState, reason error) {
	self.stateLock.Lock()
	if self.state == state {
		self.stateLock.Unlock()
		return
	}
	self.state = state
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]state %s (%v)\n", state, reason)
	self.emitState(state, reason)
}

// Connect opens the socket and starts the heartbeat and reconnect
// loop. Calling it while already connecting or connected is a no-op.
func (self *ConnectionManager) Connect() error {
	if _, err := url.Parse(self.connectionUrl); err != nil {
		return &ConnectionError{Op: "connect", Err: err}
	}

	self.stateLock.Lock()
	if self.state != ConnectionStateDisconnected {
		self.stateLock.Unlock()
		glog.V(2).Infof("[c]connect is a no-op in state %s\n", self.state)
		return nil
	}
	runCtx, runCancel := context.WithCancel(self.ctx)
	self.runCancel = runCancel
	self.state = ConnectionStateConnecting
	self.stateLock.Unlock()

	self.emitState(ConnectionStateConnecting, nil)

	go self.run(runCtx)
	return nil
}

// Disconnect sends the goodbye frames best effort, closes the socket
// and cancels the heartbeat and any scheduled reconnect. It always
// succeeds locally.
func (self *ConnectionManager) Disconnect() {
	self.stateLock.Lock()
	runCancel := self.runCancel
	self.runCancel = nil
	send := self.send
	alreadyDisconnected := self.state == ConnectionStateDisconnected
	self.state = ConnectionStateDisconnected
	self.stateLock.Unlock()

	if send != nil && self.goodbyeFrames != nil {
		for _, frame := range self.goodbyeFrames() {
			select {
			case send <- frame:
			default:
			}
		}
	}
	if runCancel != nil {
		runCancel()
	}
	if !alreadyDisconnected {
		glog.V(1).Infof("[c]state %s (explicit)\n", ConnectionStateDisconnected)
		self.emitState(ConnectionStateDisconnected, nil)
	}
}

// Send queues one frame for delivery. Frames are dropped, with a log
// line and a counter bump, when the socket is not connected or the
// queue is full. Callers never block.
func (self *ConnectionManager) Send(frame []byte) bool {
	self.stateLock.Lock()
	state := self.state
	send := self.send
	self.stateLock.Unlock()

	if state != ConnectionStateConnected || send == nil {
		glog.V(1).Infof("[c]drop send in state %s\n", state)
		self.metrics.MessagesDropped.Inc()
		return false
	}
	select {
	case send <- frame:
		return true
	default:
		glog.Infof("[c]drop send, queue full\n")
		self.metrics.MessagesDropped.Inc()
		return false
	}
}

func (self *ConnectionManager) dial(ctx context.Context) (*websocket.Conn, error) {
	if self.settings.DialContext != nil {
		ws, _, err := self.settings.DialContext(ctx, self.connectionUrl)
		return ws, err
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}
	ws, _, err := dialer.DialContext(ctx, self.connectionUrl, nil)
	return ws, err
}

// the nth retry waits ReconnectBackoffBase * 2^(n-1), capped at
// ReconnectBackoffMax
func (self *ConnectionManager) newReconnectBackoff() *backoff.ExponentialBackOff {
	reconnectBackoff := backoff.NewExponentialBackOff()
	reconnectBackoff.InitialInterval = self.settings.ReconnectBackoffBase
	reconnectBackoff.Multiplier = 2
	reconnectBackoff.RandomizationFactor = 0
	reconnectBackoff.MaxInterval = self.settings.ReconnectBackoffMax
	reconnectBackoff.MaxElapsedTime = 0
	reconnectBackoff.Reset()
	return reconnectBackoff
}

func (self *ConnectionManager) run(runCtx context.Context) {
	reconnectBackoff := self.newReconnectBackoff()

	attempt := 0

	retry := func(reason error) bool {
		if runCtx.Err() != nil {
			self.finish(nil)
			return false
		}
		attempt += 1
		if self.settings.MaxReconnectAttempts <= attempt {
			self.finish(reason)
			return false
		}
		self.setState(ConnectionStateReconnecting, reason)
		self.metrics.Reconnects.Inc()
		select {
		case <-runCtx.Done():
			self.finish(nil)
			return false
		case <-time.After(reconnectBackoff.NextBackOff()):
			return true
		}
	}

	for {
		connect := func() (*websocket.Conn, error) {
			ws, err := self.dial(runCtx)
			if err != nil {
				return nil, err
			}

			success := false
			defer func() {
				if !success {
					ws.Close()
				}
			}()

			if self.helloFrames != nil {
				for _, frame := range self.helloFrames() {
					ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
					if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
						return nil, err
					}
				}
			}

			success = true
			return ws, nil
		}

		var ws *websocket.Conn
		var err error
		if glog.V(2) {
			ws, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", self.connectionUrl), connect)
		} else {
			ws, err = connect()
		}
		if err != nil {
			glog.Infof("[c]connect error = %s\n", err)
			if !retry(&ConnectionError{Op: "connect", Err: err}) {
				return
			}
			continue
		}

		attempt = 0
		reconnectBackoff.Reset()

		self.runConnection(runCtx, ws)

		if !retry(&ConnectionError{Op: "read", Err: fmt.Errorf("connection closed")}) {
			return
		}
	}
}

// finish transitions to the terminal disconnected state. `reason` is
// non nil when reconnect attempts were exhausted.
func (self *ConnectionManager) finish(reason error) {
	self.stateLock.Lock()
	self.runCancel = nil
	self.send = nil
	self.stateLock.Unlock()

	if reason != nil {
		glog.Infof("[c]giving up = %s\n", reason)
	}
	self.setState(ConnectionStateDisconnected, reason)
}

// runConnection pumps one established socket until it closes.
func (self *ConnectionManager) runConnection(runCtx context.Context, ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(runCtx)
	defer handleCancel()

	send := make(chan []byte, SendBufferSize)

	self.stateLock.Lock()
	self.send = send
	self.lastPong = time.Now()
	self.stateLock.Unlock()

	defer func() {
		self.stateLock.Lock()
		if self.send == send {
			self.send = nil
		}
		self.stateLock.Unlock()
		// note `send` is not closed. This channel is left open.
	}()

	self.setState(ConnectionStateConnected, nil)

	sendDone := make(chan struct{})
	go func() {
		defer func() {
			handleCancel()
			close(sendDone)
		}()

		nextPing := time.Now().Add(self.settings.HeartbeatInterval)
		var pingSentTime time.Time
		awaitingPong := false

		for {
			var pongCheck <-chan time.Time
			if awaitingPong {
				pongCheck = time.After(time.Until(pingSentTime.Add(self.settings.PongTimeout)))
			}

			select {
			case <-handleCtx.Done():
				// flush queued goodbye frames before the socket closes
				for {
					select {
					case frame := <-send:
						ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
						if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
							return
						}
					default:
						return
					}
				}
			case frame, ok := <-send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					// note that for websocket a deadline timeout cannot be recovered
					glog.Infof("[cs]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[cs]->\n")
			case <-time.After(time.Until(nextPing)):
				ping := self.latencyWindow.OpenPing()
				frame, err := protocol.Encode(ping)
				if err != nil {
					glog.Infof("[cs]ping encode error = %s\n", err)
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
				pingSentTime = time.Now()
				awaitingPong = true
				nextPing = time.Now().Add(self.settings.HeartbeatInterval)
				glog.V(2).Infof("[cs]ping->\n")
			case <-pongCheck:
				self.stateLock.Lock()
				lastPong := self.lastPong
				self.stateLock.Unlock()
				if lastPong.Before(pingSentTime) {
					glog.Infof("[cs]stale, no pong within %s\n", self.settings.PongTimeout)
					return
				}
				awaitingPong = false
			}
		}
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			default:
			}

			ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
			messageType, frame, err := ws.ReadMessage()
			if err != nil {
				glog.Infof("[cr]<- error = %s\n", err)
				return
			}

			switch messageType {
			case websocket.TextMessage, websocket.BinaryMessage:
				self.handleFrame(send, frame)
			default:
				glog.V(2).Infof("[cr]other=%d<-\n", messageType)
			}
		}
	}()

	<-handleCtx.Done()
	// let the send pump flush goodbye frames before the deferred close
	select {
	case <-sendDone:
	case <-time.After(self.settings.WriteTimeout):
	}
}

func (self *ConnectionManager) handleFrame(send chan []byte, frame []byte) {
	message, err := protocol.DecodeMessage(frame)
	if err != nil {
		// drop the frame, leave the connection open
		glog.Infof("[cr]drop invalid frame = %s\n", &SerializationError{Err: err})
		self.metrics.FramesInvalid.Inc()
		return
	}

	switch message.Type {
	case protocol.TypePong:
		payload, err := protocol.FromMessage(message)
		if err != nil {
			glog.Infof("[cr]drop invalid pong = %s\n", &SerializationError{MessageType: message.Type, Err: err})
			self.metrics.FramesInvalid.Inc()
			return
		}
		pong := payload.(*protocol.Pong)
		self.latencyWindow.ClosePong(pong)
		self.stateLock.Lock()
		self.lastPong = time.Now()
		self.stateLock.Unlock()

		latency := self.latencyWindow.Latency()
		for _, latencyCallback := range self.latencyCallbacks.Get() {
			func(latencyCallback LatencyCallback) {
				HandleError(func() {
					latencyCallback(latency)
				})
			}(latencyCallback)
		}
		glog.V(2).Infof("[cr]pong<- latency=%dms\n", latency/time.Millisecond)
	case protocol.TypePing:
		payload, err := protocol.FromMessage(message)
		if err != nil {
			glog.Infof("[cr]drop invalid ping = %s\n", &SerializationError{MessageType: message.Type, Err: err})
			self.metrics.FramesInvalid.Inc()
			return
		}
		ping := payload.(*protocol.Ping)
		pongFrame, err := protocol.Encode(&protocol.Pong{
			SentAt:     ping.SentAt,
			ServerTime: protocol.NowMillis(),
		})
		if err == nil {
			select {
			case send <- pongFrame:
			default:
			}
		}
		glog.V(2).Infof("[cr]ping<-\n")
	default:
		if self.receive != nil {
			receive := self.receive
			HandleError(func() {
				receive(frame)
			})
		}
	}
}

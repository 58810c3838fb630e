package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"golang.org/x/exp/maps"

	"github.com/coedit/collab"
	"github.com/coedit/collab/protocol"
	"github.com/coedit/collab/store"
)

// Server owns one hub per active document and the http surface around
// them. Hubs are created when the first stream for a document arrives
// and live until the server closes.
type Server struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      collab.DocumentStore
	storeClose func()
	redis      *redis.Client
	metrics    *collab.Metrics
	upgrader   websocket.Upgrader
	startTime  time.Time

	stateLock sync.Mutex
	config    *Config
	hubs      map[string]*Hub
}

func NewServer(ctx context.Context, config *Config) (*Server, error) {
	cancelCtx, cancel := context.WithCancel(ctx)
	self := &Server{
		ctx:     cancelCtx,
		cancel:  cancel,
		metrics: collab.NewMetrics(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		startTime: time.Now(),
		config:    config,
		hubs:      map[string]*Hub{},
	}

	if config.Postgres.Url != "" {
		postgres, err := store.NewPostgresStore(cancelCtx, config.Postgres.Url)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("postgres: %w", err)
		}
		self.store = postgres
		self.storeClose = postgres.Close
		glog.Infof("[d]documents persist to postgres")
	} else {
		self.store = store.NewMemoryStore()
		glog.Infof("[d]documents persist in memory only")
	}

	if config.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.Db,
		})
		if err := client.Ping(cancelCtx).Err(); err != nil {
			client.Close()
			if self.storeClose != nil {
				self.storeClose()
			}
			cancel()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		self.redis = client
		glog.Infof("[d]bridging documents over redis at %s", config.Redis.Addr)
	}

	return self, nil
}

func (self *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{documentId}", self.handleWs)
	router.HandleFunc("/healthz", self.handleHealthz)
	router.HandleFunc("/metrics", self.handleMetrics)
	router.HandleFunc("/documents/{documentId}", self.handleDocument)
	return router
}

func (self *Server) Metrics() *collab.Metrics {
	return self.metrics
}

// ApplyConfig swaps in a reloaded config. Only settings read per
// request or per hub creation take effect; the rest were pinned by
// `Reloadable`.
func (self *Server) ApplyConfig(config *Config) {
	self.stateLock.Lock()
	self.config = config
	self.stateLock.Unlock()
	glog.V(1).Infof("[d]config applied")
}

func (self *Server) currentConfig() *Config {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.config
}

// hub returns the hub for a document, creating it on first use.
func (self *Server) hub(documentId string) (*Hub, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if hub, ok := self.hubs[documentId]; ok {
		return hub, nil
	}

	settings := DefaultHubSettings()
	settings.Document = &collab.DocumentSettings{
		HistorySize: self.config.Document.HistorySize,
	}
	settings.SaveInterval = time.Duration(self.config.Document.SaveIntervalSeconds) * time.Second

	hub, err := NewHub(self.ctx, documentId, self.store, self.redis, self.metrics, settings)
	if err != nil {
		return nil, err
	}
	self.hubs[documentId] = hub
	return hub, nil
}

// authenticate resolves the connecting user from a `token` query
// parameter or bearer header. With an auth secret configured the token
// signature is required; otherwise the claims are trusted as sent.
// No token at all connects as an anonymous viewer.
func (self *Server) authenticate(r *http.Request) (*protocol.User, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if after, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
			token = after
		}
	}

	config := self.currentConfig()
	if token == "" {
		if config.AuthSecret == "" {
			return nil, nil
		}
		return nil, fmt.Errorf("missing token")
	}
	if config.AuthSecret != "" {
		return collab.VerifyIdentityToken(token, []byte(config.AuthSecret))
	}
	identity, err := collab.NewTokenIdentity(token)
	if err != nil {
		return nil, err
	}
	return identity.CurrentUser(), nil
}

func (self *Server) handleWs(w http.ResponseWriter, r *http.Request) {
	documentId := mux.Vars(r)["documentId"]

	user, err := self.authenticate(r)
	if err != nil {
		glog.V(1).Infof("[d]%s unauthorized = %s", documentId, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hub, err := self.hub(documentId)
	if err != nil {
		glog.Warningf("[d]%s open = %s", documentId, err)
		http.Error(w, "document unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Warningf("[d]%s upgrade = %s", documentId, err)
		return
	}

	stream := NewStream()
	if user != nil {
		stream.setUser(user.Id)
	}
	hub.Attach(stream)

	streamCtx, streamCancel := context.WithCancel(self.ctx)
	go func() {
		defer streamCancel()
		self.writePump(streamCtx, conn, stream)
	}()

	self.readPump(conn, hub, stream)

	streamCancel()
	hub.Detach(stream)
	conn.Close()
}

func (self *Server) readPump(conn *websocket.Conn, hub *Hub, stream *Stream) {
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			glog.V(1).Infof("[d]%s read closed = %s", stream.StreamId(), err)
			return
		}
		// frames arrive from arbitrary clients, check the envelope
		// shape before handing them to the hub
		if err := protocol.ValidateEnvelope(frame); err != nil {
			self.metrics.FramesInvalid.Inc()
			glog.V(1).Infof("[d]%s drop frame = %s", stream.StreamId(), err)
			continue
		}
		hub.Ingest(stream, frame)
	}
}

func (self *Server) writePump(ctx context.Context, conn *websocket.Conn, stream *Stream) {
	for {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		case frame := <-stream.send:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				glog.V(1).Infof("[d]%s write closed = %s", stream.StreamId(), err)
				return
			}
		}
	}
}

func (self *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type HealthResult struct {
		Status        string `json:"status"`
		Version       string `json:"version"`
		Documents     int    `json:"documents"`
		UptimeSeconds int64  `json:"uptimeSeconds"`
	}

	self.stateLock.Lock()
	documents := len(self.hubs)
	self.stateLock.Unlock()

	result := &HealthResult{
		Status:        "ok",
		Version:       CollabdVersion,
		Documents:     documents,
		UptimeSeconds: int64(time.Since(self.startTime).Seconds()),
	}
	writeJson(w, result)
}

func (self *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	if err := self.metrics.WritePrometheus(w, "collab"); err != nil {
		glog.V(1).Infof("[d]metrics = %s", err)
	}
}

// handleDocument serves the canonical snapshot: the live hub state for
// open documents, the stored snapshot otherwise.
func (self *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	documentId := mux.Vars(r)["documentId"]

	self.stateLock.Lock()
	hub, ok := self.hubs[documentId]
	self.stateLock.Unlock()

	var sync *protocol.DocumentSync
	if ok {
		sync = hub.Sync()
	} else {
		content, version, err := self.store.Load(r.Context(), documentId)
		if err != nil {
			glog.Warningf("[d]%s load = %s", documentId, err)
			http.Error(w, "load failed", http.StatusInternalServerError)
			return
		}
		sync = &protocol.DocumentSync{
			DocumentId: documentId,
			Content:    content,
			Version:    version,
		}
	}
	writeJson(w, sync)
}

func writeJson(w http.ResponseWriter, result any) {
	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func (self *Server) Close() {
	self.cancel()

	self.stateLock.Lock()
	hubs := maps.Values(self.hubs)
	self.hubs = map[string]*Hub{}
	self.stateLock.Unlock()

	for _, hub := range hubs {
		hub.Close()
	}
	if self.redis != nil {
		self.redis.Close()
	}
	if self.storeClose != nil {
		self.storeClose()
	}
	glog.Infof("[d]server closed")
}

package server

import (
	"context"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaunagostinho/envnode/internal/delivery"
	"github.com/shaunagostinho/envnode/internal/store"
)

// ConfigSource provides the persisted configuration record for display.
type ConfigSource interface {
	Snapshot() store.View
}

// Indicator reports the two status LEDs.
type Indicator interface {
	LEDs() (ok, fail bool)
}

// LogSwitch turns the CSV delivery log on and off.
type LogSwitch interface {
	SetEnabled(on bool) error
	IsEnabled() bool
}

// Deployment serialises the node's deployment configuration.
type Deployment interface {
	ToJSON() ([]byte, error)
}

// Server publishes node status over HTTP and to WebSocket clients. It
// implements delivery.Observer.
type Server struct {
	addr   string
	cfg    ConfigSource
	leds   Indicator
	logs   LogSwitch
	deploy Deployment
	webFS  fs.FS
	gather prometheus.Gatherer

	statusMu sync.Mutex
	status   Status
	dirty    bool

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Status is the live delivery status of the node.
type Status struct {
	Variant     string `json:"variant"`
	State       string `json:"state"`
	Failures    int    `json:"failures"`
	LastKind    string `json:"lastKind,omitempty"`
	LastSeq     uint32 `json:"lastSeq"`
	LastOutcome string `json:"lastOutcome,omitempty"`
	Attempts    uint64 `json:"attempts"`
	Acked       uint64 `json:"acked"`
	Resets      uint64 `json:"resets"`
	LastReset   string `json:"lastReset,omitempty"`
	LEDOK       bool   `json:"ledOk"`
	LEDFail     bool   `json:"ledFail"`
	Started     int64  `json:"started"` // Unix ms
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Status *Status     `json:"status,omitempty"`
	Config *store.View `json:"config,omitempty"`
	Stamp  int64       `json:"stamp"` // Unix ms
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Variant    string
	LEDs       Indicator
	Logging    LogSwitch
	Deployment Deployment
	WebFS      fs.FS
	Gatherer   prometheus.Gatherer
}

// New creates a new Server listening on addr once Run is called.
func New(addr string, cfg ConfigSource, opts Options) *Server {
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		addr:   addr,
		cfg:    cfg,
		leds:   opts.LEDs,
		logs:   opts.Logging,
		deploy: opts.Deployment,
		webFS:  opts.WebFS,
		gather: opts.Gatherer,
		status: Status{
			Variant: opts.Variant,
			State:   delivery.StateInit.String(),
			Started: time.Now().UnixMilli(),
		},
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/config", s.handleConfig)
	if s.logs != nil {
		mux.HandleFunc("/api/logging", s.handleLogging)
	}
	if s.deploy != nil {
		mux.HandleFunc("/api/deployment", s.handleDeployment)
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))
	return mux
}

// Run starts the HTTP server and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", s.addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Snapshot returns the current status.
func (s *Server) Snapshot() Status {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st := s.status
	if s.leds != nil {
		st.LEDOK, st.LEDFail = s.leds.LEDs()
	}
	return st
}

func (s *Server) update(fn func(st *Status)) {
	s.statusMu.Lock()
	fn(&s.status)
	s.dirty = true
	s.statusMu.Unlock()
}

func (s *Server) StateChanged(st delivery.State) {
	s.update(func(status *Status) { status.State = st.String() })
}

func (s *Server) Sent(kind string, seq uint32) {
	s.update(func(status *Status) {
		status.LastKind = kind
		status.LastSeq = seq
		status.Attempts++
	})
}

func (s *Server) Completed(kind string, seq uint32, o delivery.Outcome) {
	s.update(func(status *Status) {
		status.LastOutcome = o.String()
		if o == delivery.Success {
			status.Acked++
		}
	})
}

func (s *Server) Ack(delivery.Verdict) {}

func (s *Server) Failures(n int) {
	s.update(func(status *Status) { status.Failures = n })
}

func (s *Server) Reset(reason string) {
	s.update(func(status *Status) {
		status.Resets++
		status.LastReset = reason
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Send initial status + config record
	st := s.Snapshot()
	view := s.cfg.Snapshot()
	if data, err := json.Marshal(Frame{Status: &st, Config: &view, Stamp: time.Now().UnixMilli()}); err == nil {
		client.send <- data
	}

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.Snapshot())
}

// handleConfig serves the persisted record read-only; it is changed
// through remote commands only.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, s.cfg.Snapshot())
}

// loggingState is the body of /api/logging.
type loggingState struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleLogging(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, loggingState{Enabled: s.logs.IsEnabled()})

	case http.MethodPost:
		var req loggingState
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.logs.SetEnabled(req.Enabled); err != nil {
			log.Printf("[server] logging toggle not saved: %v", err)
		}
		log.Printf("[server] delivery log enabled=%v", req.Enabled)
		writeJSON(w, loggingState{Enabled: s.logs.IsEnabled()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDeployment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data, err := s.deploy.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func writeJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// broadcastLoop pushes the status to clients whenever it changed, at most
// a few times per second.
func (s *Server) broadcastLoop(ctx context.Context) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.statusMu.Lock()
			dirty := s.dirty
			s.dirty = false
			s.statusMu.Unlock()
			if dirty {
				st := s.Snapshot()
				s.broadcast(Frame{Status: &st, Stamp: time.Now().UnixMilli()})
			}
		}
	}
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}

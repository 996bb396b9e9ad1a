// Package dashboard serves live sync activity over WebSocket.
//
// Connected clients receive a JSON message for every recording change made
// through the observed store, every completed sync pass and every scheduler
// status change. New clients get the latest status immediately.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// MessageType names the payload carried by a Message.
type MessageType string

const (
	MessageTypeRecordingUpdate  MessageType = "recording_update"
	MessageTypeRecordingAdded   MessageType = "recording_added"
	MessageTypeRecordingDeleted MessageType = "recording_deleted"
	MessageTypeSyncComplete     MessageType = "sync_complete"
	MessageTypeStatus           MessageType = "status"
)

// Message is one frame sent to every client.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

const (
	queueSize    = 100
	writeTimeout = 5 * time.Second
	stopTimeout  = 5 * time.Second
)

// Server fans broadcasts out to WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	http     *http.Server
	logger   *log.Logger

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}

	queue chan Message

	statusMu sync.Mutex
	status   *Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Server.
type Config struct {
	Host   string // default 127.0.0.1
	Port   int    // 0 picks a free port
	Logger *log.Logger
}

// NewServer returns a stopped server; call Start to listen.
func NewServer(cfg *Config) *Server {
	c := Config{}
	if cfg != nil {
		c = *cfg
	}
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Logger == nil {
		c.Logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		logger: c.Logger,
		conns:  make(map[*websocket.Conn]struct{}),
		queue:  make(chan Message, queueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start listens and serves /ws, /health and / in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWebSocket)
	mux.HandleFunc("/health", s.serveHealth)
	mux.HandleFunc("/", s.serveIndex)
	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(2)
	go s.run()
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Dashboard listening on %s", ln.Addr())
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("ERROR: server: %v", err)
		}
	}()
	return nil
}

// Stop disconnects every client and shuts the listener down. It is safe on
// a server that was never started.
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close(websocket.StatusGoingAway, "dashboard stopping")
	}
	clear(s.conns)
	s.mu.Unlock()

	if s.http == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop dashboard: %w", err)
	}
	s.wg.Wait()
	s.logger.Println("Dashboard stopped")
	return nil
}

// Broadcast queues msg for every client without blocking. When the queue
// is full the message is dropped. Status messages are also kept for
// clients that connect later.
func (s *Server) Broadcast(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Type == MessageTypeStatus {
		kept := msg
		s.statusMu.Lock()
		s.status = &kept
		s.statusMu.Unlock()
	}

	select {
	case s.queue <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Printf("WARNING: dashboard queue full, dropped %s message", msg.Type)
	}
}

func (s *Server) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.queue:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("WARNING: failed to encode %s message: %v", msg.Type, err)
				continue
			}
			s.fanOut(data)
		}
	}
}

// fanOut writes data to a snapshot of the clients; a client whose write
// fails is dropped.
func (s *Server) fanOut(data []byte) {
	s.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		targets = append(targets, conn)
	}
	s.mu.RUnlock()

	for _, conn := range targets {
		if err := s.send(conn, data); err != nil {
			s.logger.Printf("WARNING: dropping dashboard client: %v", err)
			s.drop(conn)
		}
	}
}

func (s *Server) send(conn *websocket.Conn, data []byte) error {
	ctx, cancel := context.WithTimeout(s.ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Printf("WARNING: websocket upgrade failed: %v", err)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	n := len(s.conns)
	s.mu.Unlock()
	s.logger.Printf("Client connected (%d connected)", n)

	if data, err := json.Marshal(s.currentStatus()); err == nil {
		_ = s.send(conn, data)
	}

	// Reads only detect the close; clients have nothing to say.
	go func() {
		defer s.drop(conn)
		for {
			if _, _, err := conn.Read(s.ctx); err != nil {
				return
			}
		}
	}()
}

// currentStatus is the last broadcast status, or an empty one before the
// scheduler has reported.
func (s *Server) currentStatus() Message {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if s.status != nil {
		return *s.status
	}
	return Message{Type: MessageTypeStatus, Timestamp: time.Now()}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	_, known := s.conns[conn]
	delete(s.conns, conn)
	n := len(s.conns)
	s.mu.Unlock()

	if !known {
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (%d connected)", n)
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"status": "ok", "clients": s.ClientCount()})
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{
		"service":   "sound-recorder sync",
		"websocket": "ws://" + r.Host + "/ws",
		"health":    "/health",
		"status":    s.currentStatus(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Addr is the bound address once started, the configured one before.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount reports how many clients are connected.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

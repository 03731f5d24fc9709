// Package dashboard exposes the sync core's observable state over a
// local WebSocket endpoint.
//
// The core itself only offers plain read accessors (queue count, last
// sync result); this server is the reactive layer around them. It
// broadcasts queue-depth changes, pass results, and connectivity
// transitions to any attached UI, so a status widget can update without
// polling.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/aperturehq/aperture-sync/internal/engine"
	"github.com/coder/websocket"
)

// MessageType defines the type of status message.
type MessageType string

const (
	// MessageTypeQueueDepth reports the current number of pending
	// mutations.
	MessageTypeQueueDepth MessageType = "queue_depth"

	// MessageTypeSyncResult reports a completed drain pass.
	MessageTypeSyncResult MessageType = "sync_result"

	// MessageTypeConnectivity reports an online/offline transition.
	MessageTypeConnectivity MessageType = "connectivity"

	// MessageTypeSnapshot is the welcome state sent on connect.
	MessageTypeSnapshot MessageType = "snapshot"
)

// Message is one status broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// QueueDepthData carries the pending-mutation count.
type QueueDepthData struct {
	Pending int `json:"pending"`
}

// ConnectivityData carries the online state.
type ConnectivityData struct {
	Online bool `json:"online"`
}

// Snapshot is the state sent to a client on connect, so a freshly
// attached UI renders without waiting for the next change.
type Snapshot struct {
	Pending    int            `json:"pending"`
	Online     bool           `json:"online"`
	LastResult *engine.Result `json:"last_result,omitempty"`
}

// SnapshotFunc supplies the current state for client welcomes.
type SnapshotFunc func() Snapshot

// Config holds server configuration.
type Config struct {
	// Addr to listen on, e.g. "127.0.0.1:8787".
	Addr string

	// Snapshot supplies the welcome state for new clients.
	Snapshot SnapshotFunc

	// Logger for server activity.
	Logger *log.Logger
}

// Server manages WebSocket connections and broadcasts status messages.
type Server struct {
	addr     string
	snapshot SnapshotFunc
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a status server. It does not listen until Start.
func NewServer(config Config) *Server {
	if config.Addr == "" {
		config.Addr = "127.0.0.1:8787"
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:      config.Addr,
		snapshot:  config.Snapshot,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins listening and serving WebSocket clients.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Status server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// PublishQueueDepth broadcasts the current pending count.
func (s *Server) PublishQueueDepth(pending int) {
	s.publish(MessageTypeQueueDepth, QueueDepthData{Pending: pending})
}

// PublishSyncResult broadcasts a completed pass summary.
func (s *Server) PublishSyncResult(result engine.Result) {
	s.publish(MessageTypeSyncResult, result)
}

// PublishConnectivity broadcasts an online-state change.
func (s *Server) PublishConnectivity(online bool) {
	s.publish(MessageTypeConnectivity, ConnectivityData{Online: online})
}

func (s *Server) publish(typ MessageType, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Printf("Failed to marshal %s message: %v", typ, err)
		return
	}
	msg := Message{Type: typ, Timestamp: time.Now().UTC(), Data: raw}
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping message")
	}
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			conns := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				conns = append(conns, conn)
			}
			s.clientsMu.RUnlock()

			// Writes happen outside the lock so a slow client can't
			// stall client registration.
			for _, conn := range conns {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	if s.snapshot != nil {
		if raw, err := json.Marshal(s.snapshot()); err == nil {
			welcome, _ := json.Marshal(Message{
				Type:      MessageTypeSnapshot,
				Timestamp: time.Now().UTC(),
				Data:      raw,
			})
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = conn.Write(ctx, websocket.MessageText, welcome)
			cancel()
		}
	}

	go s.readLoop(conn)
}

// readLoop drains client frames so pings are answered and disconnects
// are noticed.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)
	for {
		if _, _, err := conn.Read(s.ctx); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	s.logger.Printf("Client disconnected (total: %d)", count)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": s.ClientCount(),
	})
}

// Addr returns the listening address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

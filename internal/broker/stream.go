package broker

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/codebroker/internal/observability"
)

// clientBufferSize is the per-client send buffer. A client that cannot keep
// up has events dropped rather than slowing the execution down.
const clientBufferSize = 64

// OutputEvent is one event pushed to stream clients: a line of sandbox
// output, or the final completion marker.
type OutputEvent struct {
	Type        string    `json:"type"` // output | complete
	ExecutionID string    `json:"execution_id"`
	Stream      string    `json:"stream,omitempty"` // stdout | stderr
	Line        string    `json:"line,omitempty"`
	ExitCode    *int      `json:"exit_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// streamClient is one connected websocket consumer.
type streamClient struct {
	conn *websocket.Conn
	send chan OutputEvent
	once sync.Once
	done chan struct{}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// StreamServer fans sandbox output out to websocket clients. Delivery is
// best effort: the execution never blocks on a slow consumer.
type StreamServer struct {
	session *Session
	metrics *observability.Metrics
	logger  *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*streamClient]bool
	closed  bool

	httpServer *http.Server
	listener   net.Listener
}

// NewStreamServer creates an output stream server bound to one session.
func NewStreamServer(session *Session, metrics *observability.Metrics, logger *slog.Logger) *StreamServer {
	if logger == nil {
		logger = slog.Default()
	}

	return &StreamServer{
		session: session,
		metrics: metrics,
		logger:  logger.With("component", "streamserver", "execution_id", session.ExecutionID),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Loopback only; the listener never leaves 127.0.0.1.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*streamClient]bool),
	}
}

// Start binds the loopback listener on an ephemeral port.
func (s *StreamServer) Start() error {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("GET /stream", s.handleStream)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("stream server error", "error", err)
		}
	}()

	s.logger.Debug("stream server listening", "addr", s.Addr())
	return nil
}

// Addr returns the listener address (host:port).
func (s *StreamServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown disconnects all clients and stops the server.
func (s *StreamServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clients = make(map[*streamClient]bool)
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	s.gaugeClients(0)

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Publish delivers an event to all connected clients. Events to clients with
// full buffers are dropped and counted.
func (s *StreamServer) Publish(event OutputEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.Type == "" {
		event.Type = "output"
	}
	event.ExecutionID = s.session.ExecutionID

	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- event:
		default:
			if s.metrics != nil {
				s.metrics.StreamDropped.Inc()
			}
		}
	}
}

// handleStream upgrades a consumer connection. Websocket clients cannot set
// arbitrary headers, so the token may also arrive as a query parameter.
func (s *StreamServer) handleStream(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, NewError(KindForbidden, "invalid or missing bearer token"))
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &streamClient{
		conn: conn,
		send: make(chan OutputEvent, clientBufferSize),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		client.close()
		return
	}
	s.clients[client] = true
	count := len(s.clients)
	s.mu.Unlock()
	s.gaugeClients(count)

	go s.writePump(client)
	go s.readPump(client)
}

// authorized checks the bearer token in the header or the token query param.
func (s *StreamServer) authorized(r *http.Request) bool {
	if checkBearer(r, s.session.Token) {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" || s.session.Token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.session.Token)) == 1
}

// writePump sends queued events to one client until it disconnects.
func (s *StreamServer) writePump(c *streamClient) {
	defer s.drop(c)

	for {
		select {
		case event := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteJSON(event); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames and detects disconnects.
func (s *StreamServer) readPump(c *streamClient) {
	defer s.drop(c)

	c.conn.SetReadLimit(1024)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// drop removes a client from the fanout set.
func (s *StreamServer) drop(c *streamClient) {
	c.close()

	s.mu.Lock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
	}
	count := len(s.clients)
	s.mu.Unlock()
	s.gaugeClients(count)
}

func (s *StreamServer) gaugeClients(n int) {
	if s.metrics != nil {
		s.metrics.StreamClients.Set(float64(n))
	}
}

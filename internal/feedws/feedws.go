package feedws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/InsulaLabs/projfs/internal/events"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 512                 // Maximum message size allowed from peer.
	sendBufferSize = 256                 // Buffer size for the send channel.

	DefaultMaxConnections = 64
)

type Config struct {
	Logger *slog.Logger
	Feed   events.PubSub
	// MaxConnections caps concurrent subscribers; 0 means DefaultMaxConnections.
	MaxConnections int
	// Context ends every session when done. Defaults to context.Background().
	Context context.Context
}

// Handler streams project notifications to WebSocket clients as JSON. A
// client may narrow the stream with ?topic=<name>.
type Handler struct {
	logger   *slog.Logger
	feed     events.PubSub
	upgrader websocket.Upgrader
	maxConns int
	appCtx   context.Context

	mu       sync.Mutex
	active   int // connection slots taken, including upgrades in flight
	sessions int
}

// A client connected to the feed.
type session struct {
	conn  *websocket.Conn
	topic string // empty for every topic
	// Buffered channel of outbound messages.
	send chan []byte
	done chan struct{}
	once sync.Once

	handler *Handler
	unsub   events.Unsubscriber
}

func New(config Config) *Handler {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	if config.Context == nil {
		config.Context = context.Background()
	}
	return &Handler{
		logger:   config.Logger.WithGroup("feedws"),
		feed:     config.Feed,
		maxConns: config.MaxConnections,
		appCtx:   config.Context,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// ActiveConnections is the number of subscribed sessions.
func (h *Handler) ActiveConnections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic != "" {
		permitted, _ := h.feed.GetPermittedTopics()
		if !slices.Contains(permitted, topic) {
			http.Error(w, "Unknown topic", http.StatusBadRequest)
			return
		}
	}

	h.mu.Lock()
	if h.active >= h.maxConns {
		h.mu.Unlock()
		h.logger.Warn("Max WebSocket connections reached, rejecting new connection", "current", h.active, "max", h.maxConns)
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}
	// counted now so concurrent upgrades cannot overshoot the cap
	h.active++
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", "error", err)
		h.release()
		return
	}
	h.logger.Info("WebSocket connection upgraded", "remote_addr", conn.RemoteAddr().String(), "topic", topic)

	s := &session{
		conn:    conn,
		topic:   topic,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		handler: h,
	}

	if topic == "" {
		s.unsub, err = h.feed.SubscribeAll(s)
	} else {
		s.unsub, err = h.feed.Subscribe(topic, s)
	}
	if err != nil {
		h.logger.Error("Failed to subscribe WebSocket session", "error", err)
		conn.Close()
		h.release()
		return
	}

	h.mu.Lock()
	h.sessions++
	h.mu.Unlock()

	go s.writePump()
	go s.readPump()
}

func (h *Handler) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active--
}

// OnMessage queues event for the client, dropping it when the client has
// fallen too far behind.
func (s *session) OnMessage(ctx context.Context, event events.Event) {
	message, err := json.Marshal(event)
	if err != nil {
		s.handler.logger.Error("Failed to encode event", "topic", event.Topic, "error", err)
		return
	}
	select {
	case <-s.done:
	case s.send <- message:
	default:
		s.handler.logger.Warn("Subscriber send channel full, message dropped", "topic", event.Topic, "remote_addr", s.conn.RemoteAddr())
	}
}

func (s *session) close() {
	s.once.Do(func() {
		s.unsub()
		close(s.done)
		s.conn.Close()
		s.handler.mu.Lock()
		s.handler.active--
		s.handler.sessions--
		s.handler.mu.Unlock()
	})
}

// readPump only drains control frames; clients have nothing to say.
func (s *session) readPump() {
	defer func() {
		s.close()
		s.handler.logger.Info("WebSocket readPump finished", "remote_addr", s.conn.RemoteAddr(), "topic", s.topic)
	}()
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				s.handler.logger.Error("WebSocket read error", "remote_addr", s.conn.RemoteAddr(), "error", err)
			}
			return
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.handler.logger.Error("WebSocket message write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.handler.logger.Error("WebSocket ping write error", "remote_addr", s.conn.RemoteAddr(), "error", err)
				return
			}
		case <-s.done:
			return
		case <-s.handler.appCtx.Done():
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
			return
		}
	}
}

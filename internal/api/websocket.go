package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mev-engine/arb-economics/pkg/circuit"
	"github.com/mev-engine/arb-economics/pkg/interfaces"
)

// EventType identifies a streamed event
type EventType string

const (
	EventTypeStatus     EventType = "status"
	EventTypeTransition EventType = "breaker_transition"
	EventTypeAlert      EventType = "alert"
)

const (
	clientBufferSize = 64
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 54 * time.Second
)

// Event is one message pushed to stream subscribers
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventStream pushes breaker transitions and alerts to websocket clients
type EventStream struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}

	broadcast  chan *Event
	register   chan *streamClient
	unregister chan *streamClient
	shutdown   chan struct{}
	done       chan struct{}
	once       sync.Once
	running    bool
}

type streamClient struct {
	conn *websocket.Conn
	send chan *Event
}

// NewEventStream creates a new event stream
func NewEventStream(logger *zap.Logger) *EventStream {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventStream{
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		logger:     logger,
		clients:    make(map[*streamClient]struct{}),
		broadcast:  make(chan *Event, 100),
		register:   make(chan *streamClient),
		unregister: make(chan *streamClient),
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the hub loop until ctx is done or Stop is called
func (s *EventStream) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("event stream already running")
	}
	s.running = true
	go s.run(ctx)
	return nil
}

// Stop disconnects every client and ends the hub loop
func (s *EventStream) Stop(ctx context.Context) error {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return nil
	}

	s.once.Do(func() { close(s.shutdown) })
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleWebSocket upgrades the request and subscribes the client
func (s *EventStream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &streamClient{conn: conn, send: make(chan *Event, clientBufferSize)}
	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go s.writePump(client)
	go s.readPump(client)
}

// OnBreakerTransition is a circuit.TransitionListener
func (s *EventStream) OnBreakerTransition(t circuit.Transition) {
	s.publish(&Event{Type: EventTypeTransition, Data: t, Timestamp: t.At})
}

// PublishAlert streams an alert to subscribers
func (s *EventStream) PublishAlert(alert *interfaces.Alert) {
	s.publish(&Event{Type: EventTypeAlert, Data: alert, Timestamp: alert.Timestamp})
}

func (s *EventStream) publish(event *Event) {
	select {
	case s.broadcast <- event:
	default:
		s.logger.Warn("event stream backlog full, dropping event", zap.String("type", string(event.Type)))
	}
}

// ConnectedClients returns the number of subscribers
func (s *EventStream) ConnectedClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// run owns the client set; only it closes send channels
func (s *EventStream) run(ctx context.Context) {
	defer func() {
		s.mu.Lock()
		for client := range s.clients {
			close(client.send)
			delete(s.clients, client)
		}
		s.mu.Unlock()
		close(s.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = struct{}{}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("stream client connected", zap.Int("clients", total))
			s.deliver(client, &Event{
				Type:      EventTypeStatus,
				Data:      map[string]string{"message": "subscribed to engine events"},
				Timestamp: time.Now(),
			})
		case client := <-s.unregister:
			s.drop(client)
		case event := <-s.broadcast:
			s.mu.RLock()
			clients := make([]*streamClient, 0, len(s.clients))
			for client := range s.clients {
				clients = append(clients, client)
			}
			s.mu.RUnlock()
			for _, client := range clients {
				s.deliver(client, event)
			}
		}
	}
}

// deliver drops clients that cannot keep up
func (s *EventStream) deliver(client *streamClient, event *Event) {
	select {
	case client.send <- event:
	default:
		s.drop(client)
	}
}

func (s *EventStream) drop(client *streamClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(client.send)
	}
}

// readPump discards client messages and detects disconnects
func (s *EventStream) readPump(client *streamClient) {
	defer func() {
		select {
		case s.unregister <- client:
		case <-s.done:
		}
		client.conn.Close()
	}()

	client.conn.SetReadLimit(512)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("stream client read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump sends queued events and keepalive pings
func (s *EventStream) writePump(client *streamClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case event, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteJSON(event); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

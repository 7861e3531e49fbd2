package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"iotawatt2mqtt/internal/config"
	ha "iotawatt2mqtt/internal/homeassistant"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

const (
	sendBuffer   = 64
	writeTimeout = 10 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server streams sensor states to websocket clients and serves the latest
// state of every sensor over HTTP.
type Server struct {
	server   *http.Server
	upgrader websocket.Upgrader
	config   *config.Config
	logger   *logrus.Logger

	mutex   sync.RWMutex
	states  map[string]ha.StateEvent
	clients map[*client]struct{}
}

func NewServer(cfg *config.Config, logger *logrus.Logger) *Server {
	return &Server{
		config:  cfg,
		logger:  logger,
		states:  make(map[string]ha.StateEvent),
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	router.HandleFunc("/api/states", s.handleStates).Methods(http.MethodGet)
	return router
}

func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port)
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
	}

	s.logger.Infof("Starting state stream server on %s", addr)

	go func() {
		<-ctx.Done()
		s.logger.Info("Shutting down state stream server...")
		s.server.Close()
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

func (s *Server) Stop() {
	if s.server != nil {
		s.logger.Info("Stopping state stream server")
		s.server.Close()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for c := range s.clients {
		s.dropLocked(c)
	}
}

// Broadcast records event as the latest state of its sensor and forwards it
// to every connected client. A client that cannot keep up is disconnected.
func (s *Server) Broadcast(event ha.StateEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Errorf("Failed to encode state of %s: %v", event.ObjectID, err)
		return
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if event.Removed {
		delete(s.states, event.ObjectID)
	} else {
		s.states[event.ObjectID] = event
	}

	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			s.logger.Warnf("Stream client %s is too slow, disconnecting", c.conn.RemoteAddr())
			s.dropLocked(c)
		}
	}
}

// States returns the latest state of every live sensor ordered by object id.
func (s *Server) States() []ha.StateEvent {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	objectIDs := maps.Keys(s.states)
	slices.Sort(objectIDs)

	states := make([]ha.StateEvent, 0, len(objectIDs))
	for _, objectID := range objectIDs {
		states = append(states, s.states[objectID])
	}
	return states
}

func (s *Server) handleStates(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.States()); err != nil {
		s.logger.Errorf("Failed to write states: %v", err)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorf("WebSocket upgrade failed: %v", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	s.register(c)
	s.logger.Infof("Stream client %s connected", conn.RemoteAddr())

	go s.writeLoop(c)

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mutex.Lock()
	s.dropLocked(c)
	s.mutex.Unlock()
	s.logger.Infof("Stream client %s disconnected", conn.RemoteAddr())
}

// register adds c and queues the current states so the client starts from
// a full picture.
func (s *Server) register(c *client) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	objectIDs := maps.Keys(s.states)
	slices.Sort(objectIDs)
	for _, objectID := range objectIDs {
		payload, err := json.Marshal(s.states[objectID])
		if err != nil {
			continue
		}
		select {
		case c.send <- payload:
		default:
		}
	}
	s.clients[c] = struct{}{}
}

func (s *Server) dropLocked(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)
	close(c.send)
}

func (s *Server) writeLoop(c *client) {
	defer c.conn.Close()

	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.logger.Errorf("Write message error for %s: %v", c.conn.RemoteAddr(), err)
			s.mutex.Lock()
			s.dropLocked(c)
			s.mutex.Unlock()
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

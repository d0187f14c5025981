// Package server exposes the match engine over websockets.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"strikeclash/internal/engine"
	"strikeclash/internal/wallet"
)

// Server represents the WebSocket gateway in front of the engine
type Server struct {
	addr           string
	upgrader       websocket.Upgrader
	connections    map[*Connection]bool
	register       chan *Connection
	unregister     chan *Connection
	logger         *log.Logger
	mu             sync.RWMutex
	ctx            context.Context
	cancel         context.CancelFunc
	engine         *engine.Engine
	ledger         *wallet.Ledger
	openingBalance int64
}

// NewServer creates a new WebSocket gateway. New wallets are opened with
// openingBalance on first authentication.
func NewServer(addr string, eng *engine.Engine, ledger *wallet.Ledger, openingBalance int64, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		addr: addr,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// For development, allow all origins
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		connections:    make(map[*Connection]bool),
		register:       make(chan *Connection),
		unregister:     make(chan *Connection),
		logger:         logger.WithPrefix("server"),
		ctx:            ctx,
		cancel:         cancel,
		engine:         eng,
		ledger:         ledger,
		openingBalance: openingBalance,
	}
	eng.Subscribe(s)
	return s
}

// Handler returns the HTTP handler serving the websocket endpoint and
// the health check.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the WebSocket server
func (s *Server) Start() error {
	go s.run()
	s.logger.Info("Starting WebSocket server", "addr", s.addr)
	return http.ListenAndServe(s.addr, s.Handler())
}

// Run starts the connection lifecycle loop without listening; used when
// the handler is mounted on an external HTTP server.
func (s *Server) Run() {
	go s.run()
}

// Stop stops the WebSocket server
func (s *Server) Stop() error {
	s.cancel()

	s.mu.Lock()
	for conn := range s.connections {
		_ = conn.Close()
	}
	s.mu.Unlock()

	return nil
}

// run handles connection lifecycle
func (s *Server) run() {
	for {
		select {
		case conn := <-s.register:
			s.mu.Lock()
			s.connections[conn] = true
			total := len(s.connections)
			s.mu.Unlock()
			s.logger.Info("Client connected", "total", total)

		case conn := <-s.unregister:
			s.mu.Lock()
			_, ok := s.connections[conn]
			if ok {
				delete(s.connections, conn)
			}
			total := len(s.connections)
			s.mu.Unlock()
			if !ok {
				continue
			}

			// A drop mid-match concedes it, unless another connection for
			// the same player is still up.
			playerID := conn.GetPlayer()
			matchID := conn.GetMatch()
			if playerID != "" && matchID != "" && !s.playerConnected(playerID) {
				s.logger.Info("Player disconnected mid-match, forfeiting", "player", playerID, "match", matchID)
				if _, err := s.engine.Forfeit(context.Background(), matchID, playerID, "disconnect"); err != nil {
					s.logger.Debug("Disconnect forfeit not applied", "player", playerID, "error", err)
				}
			}
			_ = conn.Close()
			s.logger.Info("Client disconnected", "total", total)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) playerConnected(playerID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for conn := range s.connections {
		if conn.GetPlayer() == playerID {
			return true
		}
	}
	return false
}

// handleWebSocket handles WebSocket upgrade requests
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection", "error", err)
		return
	}

	client := NewConnection(conn, s.logger, s)
	s.register <- client
	client.Start()

	go func() {
		<-client.ctx.Done()
		s.unregister <- client
	}()
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "OK")
}

// BroadcastToMatch sends a message to every connection in a match
func (s *Server) BroadcastToMatch(matchID string, msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for conn := range s.connections {
		if conn.GetMatch() == matchID {
			if err := conn.SendMessage(msg); err != nil {
				s.logger.Error("Failed to send message to client", "error", err, "player", conn.GetPlayer())
			} else {
				count++
			}
		}
	}

	s.logger.Debug("Broadcasted message to match", "match", matchID, "type", msg.Type, "recipients", count)
}

// SendToPlayer sends a message to a specific player
func (s *Server) SendToPlayer(playerID string, msg *Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for conn := range s.connections {
		if conn.GetPlayer() == playerID {
			return conn.SendMessage(msg)
		}
	}

	return fmt.Errorf("player not found: %s", playerID)
}

// OnEvent translates engine events into match broadcasts.
func (s *Server) OnEvent(event engine.Event) {
	data, ok := eventBroadcast(event)
	if !ok {
		return
	}
	msg, err := NewMessage(MessageTypeMatchEvent, data)
	if err != nil {
		s.logger.Error("Failed to encode event", "type", event.EventType(), "error", err)
		return
	}
	s.BroadcastToMatch(data.MatchID, msg)
}

func eventBroadcast(event engine.Event) (MatchEventData, bool) {
	switch ev := event.(type) {
	case engine.PlayerJoinedEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			UserID:  ev.UserID,
			Detail:  map[string]any{"role": string(ev.Role), "locked": ev.Locked},
		}, true
	case engine.MatchStartedEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			Detail:  map[string]any{"prizePool": ev.PrizePool, "firstTurn": ev.FirstTurn},
		}, true
	case engine.MovePlayedEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			UserID:  ev.UserID,
			Detail: map[string]any{
				"sequence": ev.Sequence,
				"result":   string(ev.Result),
				"points":   ev.Points,
				"nextTurn": ev.NextTurn,
			},
		}, true
	case engine.TurnTimeoutEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			UserID:  ev.UserID,
			Detail:  map[string]any{"sequence": ev.Sequence, "count": ev.Count},
		}, true
	case engine.MatchFinishedEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			UserID:  ev.WinnerID,
			Detail:  map[string]any{"winner": ev.WinnerID},
		}, true
	case engine.MatchForfeitedEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			UserID:  ev.ForfeitedID,
			Detail:  map[string]any{"winner": ev.WinnerID, "reason": ev.Reason},
		}, true
	case engine.MatchCancelledEvent:
		return MatchEventData{
			MatchID: ev.MatchID,
			Event:   ev.EventType().String(),
			Detail:  map[string]any{"reason": ev.Reason, "needsReview": ev.NeedsReview},
		}, true
	default:
		// Fraud alerts and creation events are not broadcast to players.
		return MatchEventData{}, false
	}
}

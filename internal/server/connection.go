package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"strikeclash/internal/engine"
	"strikeclash/internal/wallet"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 8192
)

var ErrConnectionClosed = websocket.ErrCloseSent

// Connection represents a WebSocket connection to a client
type Connection struct {
	conn      *websocket.Conn
	send      chan *Message
	playerID  string
	matchID   string
	logger    *log.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.RWMutex
	closeOnce sync.Once
	server    *Server
}

// NewConnection creates a new connection wrapper
func NewConnection(conn *websocket.Conn, logger *log.Logger, server *Server) *Connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &Connection{
		conn:   conn,
		send:   make(chan *Message, 256),
		logger: logger.WithPrefix("conn"),
		ctx:    ctx,
		cancel: cancel,
		server: server,
	}
}

// Start begins handling the connection
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

// Close closes the connection
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		close(c.send)
		err = c.conn.Close()
	})
	return err
}

// SendMessage sends a message to the client
func (c *Connection) SendMessage(msg *Message) error {
	defer func() {
		if r := recover(); r != nil {
			// Channel was closed, this is expected during shutdown
			c.logger.Debug("Attempted to send message on closed connection", "error", r)
		}
	}()

	select {
	case c.send <- msg:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	default:
		c.logger.Warn("Connection send buffer full, closing connection")
		_ = c.Close()
		return ErrConnectionClosed
	}
}

// SetPlayer associates this connection with a player
func (c *Connection) SetPlayer(playerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.playerID = playerID
}

// GetPlayer returns the associated player ID
func (c *Connection) GetPlayer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.playerID
}

// SetMatch associates this connection with a match
func (c *Connection) SetMatch(matchID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.matchID = matchID
}

// GetMatch returns the associated match ID
func (c *Connection) GetMatch() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matchID
}

// readPump handles incoming messages from the client
func (c *Connection) readPump() {
	defer func() { _ = c.Close() }()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		var msg Message
		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket error", "error", err)
			}
			break
		}

		c.handleMessage(&msg)
	}
}

// writePump handles outgoing messages to the client
func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				c.logger.Error("Failed to write message", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Connection) handleMessage(msg *Message) {
	c.logger.Debug("Received message", "type", msg.Type, "player", c.GetPlayer())

	switch msg.Type {
	case MessageTypeAuth:
		var data AuthData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse auth data")
			return
		}
		c.handleAuth(msg.RequestID, data)

	case MessageTypeCreateMatch:
		var data CreateMatchData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse create match data")
			return
		}
		c.handleCreateMatch(msg.RequestID, data)

	case MessageTypeJoinMatch:
		var data JoinMatchData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse join match data")
			return
		}
		c.handleJoinMatch(msg.RequestID, data)

	case MessageTypeSubmitMove:
		var data SubmitMoveData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse move data")
			return
		}
		c.handleSubmitMove(msg.RequestID, data)

	case MessageTypeForfeit:
		var data ForfeitData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse forfeit data")
			return
		}
		c.handleForfeit(msg.RequestID, data)

	case MessageTypeListMatches:
		c.handleListMatches(msg.RequestID)

	case MessageTypeGetBalance:
		c.handleGetBalance(msg.RequestID)

	case MessageTypeGetMatch:
		var data GetMatchData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			c.sendError(msg.RequestID, "invalid_message", "Failed to parse match query")
			return
		}
		c.handleGetMatch(msg.RequestID, data)

	default:
		c.sendError(msg.RequestID, "unknown_message", "Unknown message type: "+string(msg.Type))
	}
}

func (c *Connection) handleAuth(requestID string, data AuthData) {
	if data.PlayerName == "" {
		c.reply(requestID, MessageTypeAuthResponse, AuthResponseData{
			Success: false,
			Error:   "player name is required",
		})
		return
	}

	if err := c.server.ledger.Open(data.PlayerName, c.server.openingBalance); err != nil {
		c.reply(requestID, MessageTypeAuthResponse, AuthResponseData{
			Success: false,
			Error:   "failed to open wallet",
		})
		return
	}

	c.SetPlayer(data.PlayerName)
	c.logger.Info("Player authenticated", "player", data.PlayerName)
	c.reply(requestID, MessageTypeAuthResponse, AuthResponseData{
		Success:  true,
		PlayerID: data.PlayerName,
	})
}

func (c *Connection) requirePlayer(requestID string) (string, bool) {
	playerID := c.GetPlayer()
	if playerID == "" {
		c.sendError(requestID, "not_authenticated", "Authenticate first")
		return "", false
	}
	return playerID, true
}

func (c *Connection) handleCreateMatch(requestID string, data CreateMatchData) {
	playerID, ok := c.requirePlayer(requestID)
	if !ok {
		return
	}

	snap, err := c.server.engine.CreateMatch(c.ctx, data.Mode, data.Stake)
	if err != nil {
		c.sendEngineError(requestID, err)
		return
	}

	if data.Join {
		snap, err = c.server.engine.Join(c.ctx, snap.ID, playerID)
		if err != nil {
			c.sendEngineError(requestID, err)
			return
		}
		c.SetMatch(snap.ID)
	}
	c.reply(requestID, MessageTypeMatchState, matchState(snap))
}

func (c *Connection) handleJoinMatch(requestID string, data JoinMatchData) {
	playerID, ok := c.requirePlayer(requestID)
	if !ok {
		return
	}

	snap, err := c.server.engine.Join(c.ctx, data.MatchID, playerID)
	if err != nil {
		c.sendEngineError(requestID, err)
		return
	}
	c.SetMatch(snap.ID)
	c.reply(requestID, MessageTypeMatchState, matchState(snap))
}

func (c *Connection) handleSubmitMove(requestID string, data SubmitMoveData) {
	playerID, ok := c.requirePlayer(requestID)
	if !ok {
		return
	}

	out, err := c.server.engine.SubmitMove(c.ctx, data.MatchID, playerID, data.Sequence, data.Shot)
	if err != nil {
		c.sendEngineError(requestID, err)
		return
	}

	result := MoveResultData{
		MatchID:    data.MatchID,
		Accepted:   out.Accepted,
		TimedOut:   out.TimedOut,
		Forfeited:  out.Forfeited,
		FraudScore: out.FraudScore,
		State:      matchState(out.Snapshot),
	}
	if out.Accepted {
		result.Sequence = out.Move.Sequence
		result.Result = string(out.Move.Result)
		result.Points = out.Move.PointsAwarded
	}
	c.reply(requestID, MessageTypeMoveResult, result)
}

func (c *Connection) handleForfeit(requestID string, data ForfeitData) {
	playerID, ok := c.requirePlayer(requestID)
	if !ok {
		return
	}

	snap, err := c.server.engine.Forfeit(c.ctx, data.MatchID, playerID, "player_forfeit")
	if err != nil {
		c.sendEngineError(requestID, err)
		return
	}
	c.reply(requestID, MessageTypeMatchState, matchState(snap))
}

func (c *Connection) handleListMatches(requestID string) {
	snaps := c.server.engine.Matches(c.ctx)
	list := MatchListData{Matches: make([]MatchInfo, 0, len(snaps))}
	for _, snap := range snaps {
		list.Matches = append(list.Matches, MatchInfo{
			ID:           snap.ID,
			Mode:         snap.Mode,
			Status:       string(snap.Status),
			Stake:        snap.Stake,
			PrizePool:    snap.PrizePool,
			Participants: len(snap.Participants),
		})
	}
	c.reply(requestID, MessageTypeMatchList, list)
}

func (c *Connection) handleGetBalance(requestID string) {
	playerID, ok := c.requirePlayer(requestID)
	if !ok {
		return
	}

	bal, err := c.server.ledger.BalanceOf(playerID)
	if err != nil {
		if errors.Is(err, wallet.ErrUnknownWallet) {
			c.sendError(requestID, "unknown_wallet", "No wallet for player")
			return
		}
		c.sendError(requestID, "internal", "Failed to read balance")
		return
	}
	c.reply(requestID, MessageTypeBalance, BalanceData{
		UserID:    playerID,
		Available: bal.Available,
		Locked:    bal.Locked,
	})
}

func (c *Connection) handleGetMatch(requestID string, data GetMatchData) {
	snap, err := c.server.engine.Snapshot(c.ctx, data.MatchID)
	if err != nil && engine.CodeOf(err) == engine.CodeMatchNotFound {
		// Not in the live registry; the match may predate this process.
		snap, err = c.server.engine.Recover(c.ctx, data.MatchID)
	}
	if err != nil {
		c.sendEngineError(requestID, err)
		return
	}
	c.reply(requestID, MessageTypeMatchState, matchState(snap))
}

func (c *Connection) reply(requestID string, messageType MessageType, data interface{}) {
	msg, err := NewMessage(messageType, data)
	if err != nil {
		c.logger.Error("Failed to encode message", "type", messageType, "error", err)
		return
	}
	msg.RequestID = requestID
	_ = c.SendMessage(msg)
}

func (c *Connection) sendError(requestID, code, message string) {
	c.reply(requestID, MessageTypeError, ErrorData{Code: code, Message: message})
}

// sendEngineError maps an engine error onto the wire format, keeping
// the stable code and kind for client-side policy.
func (c *Connection) sendEngineError(requestID string, err error) {
	c.reply(requestID, MessageTypeError, ErrorData{
		Code:    engine.CodeOf(err),
		Kind:    engine.KindOf(err).String(),
		Message: err.Error(),
	})
}

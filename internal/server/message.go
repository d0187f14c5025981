package server

import (
	"encoding/json"
	"time"

	"strikeclash/internal/engine"
)

// MessageType identifies a websocket message
type MessageType string

// Client → Server
const (
	MessageTypeAuth        MessageType = "auth"
	MessageTypeCreateMatch MessageType = "create_match"
	MessageTypeJoinMatch   MessageType = "join_match"
	MessageTypeSubmitMove  MessageType = "submit_move"
	MessageTypeForfeit     MessageType = "forfeit"
	MessageTypeListMatches MessageType = "list_matches"
	MessageTypeGetBalance  MessageType = "get_balance"
	MessageTypeGetMatch    MessageType = "get_match"
)

// Server → Client
const (
	MessageTypeAuthResponse MessageType = "auth_response"
	MessageTypeError        MessageType = "error"
	MessageTypeMatchList    MessageType = "match_list"
	MessageTypeMatchState   MessageType = "match_state"
	MessageTypeMoveResult   MessageType = "move_result"
	MessageTypeBalance      MessageType = "balance"
	MessageTypeMatchEvent   MessageType = "match_event"
)

// Message represents the base WebSocket message structure
type Message struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
	RequestID string          `json:"requestId,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(messageType MessageType, data interface{}) (*Message, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:      messageType,
		Data:      dataBytes,
		Timestamp: time.Now(),
	}, nil
}

// Client → Server Messages

type AuthData struct {
	PlayerName string `json:"playerName"`
	Token      string `json:"token,omitempty"`
}

type CreateMatchData struct {
	Mode  string `json:"mode"`
	Stake int64  `json:"stake"`
	// Join controls whether the creator is admitted immediately.
	Join bool `json:"join"`
}

type JoinMatchData struct {
	MatchID string `json:"matchId"`
}

type SubmitMoveData struct {
	MatchID  string      `json:"matchId"`
	Sequence int64       `json:"sequence"`
	Shot     engine.Shot `json:"shot"`
}

type ForfeitData struct {
	MatchID string `json:"matchId"`
}

type GetMatchData struct {
	MatchID string `json:"matchId"`
}

// Server → Client Messages

type AuthResponseData struct {
	Success  bool   `json:"success"`
	PlayerID string `json:"playerId,omitempty"`
	Error    string `json:"error,omitempty"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

type MatchInfo struct {
	ID           string `json:"id"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	Stake        int64  `json:"stake"`
	PrizePool    int64  `json:"prizePool"`
	Participants int    `json:"participants"`
}

type MatchListData struct {
	Matches []MatchInfo `json:"matches"`
}

type ParticipantState struct {
	UserID         string `json:"userId"`
	Role           string `json:"role"`
	Score          int    `json:"score"`
	CoinsRemaining int    `json:"coinsRemaining"`
	Active         bool   `json:"isActive"`
	Timeouts       int    `json:"timeouts"`
}

type MatchStateData struct {
	MatchID       string             `json:"matchId"`
	Mode          string             `json:"mode"`
	Status        string             `json:"status"`
	Stake         int64              `json:"stake"`
	PrizePool     int64              `json:"prizePool"`
	Participants  []ParticipantState `json:"players"`
	TurnHolder    string             `json:"turnHolder,omitempty"`
	Sequence      int64              `json:"sequence"`
	TurnRemaining int64              `json:"turnRemainingMs"`
	WinnerID      string             `json:"winnerId,omitempty"`
}

type MoveResultData struct {
	MatchID    string         `json:"matchId"`
	Accepted   bool           `json:"accepted"`
	TimedOut   bool           `json:"timedOut"`
	Forfeited  bool           `json:"forfeited"`
	Sequence   int64          `json:"sequence"`
	Result     string         `json:"result,omitempty"`
	Points     int            `json:"points"`
	FraudScore int            `json:"fraudScore"`
	State      MatchStateData `json:"state"`
}

type BalanceData struct {
	UserID    string `json:"userId"`
	Available int64  `json:"available"`
	Locked    int64  `json:"locked"`
}

// MatchEventData is the broadcast envelope for engine events.
type MatchEventData struct {
	MatchID string         `json:"matchId"`
	Event   string         `json:"event"`
	UserID  string         `json:"userId,omitempty"`
	Detail  map[string]any `json:"detail,omitempty"`
}

func matchState(snap engine.MatchSnapshot) MatchStateData {
	state := MatchStateData{
		MatchID:       snap.ID,
		Mode:          snap.Mode,
		Status:        string(snap.Status),
		Stake:         snap.Stake,
		PrizePool:     snap.PrizePool,
		TurnHolder:    snap.TurnHolder,
		Sequence:      snap.Sequence,
		TurnRemaining: snap.TurnRemaining.Milliseconds(),
		WinnerID:      snap.WinnerID,
	}
	for _, p := range snap.Participants {
		state.Participants = append(state.Participants, ParticipantState{
			UserID:         p.UserID,
			Role:           string(p.Role),
			Score:          p.Score,
			CoinsRemaining: p.CoinsRemaining,
			Active:         p.Active,
			Timeouts:       p.Timeouts,
		})
	}
	return state
}

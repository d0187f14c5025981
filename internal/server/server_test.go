package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/quartz"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"strikeclash/internal/engine"
	"strikeclash/internal/journal"
	"strikeclash/internal/settle"
	"strikeclash/internal/wallet"
)

type gatewayEnv struct {
	server *Server
	engine *engine.Engine
	ledger *wallet.Ledger
	http   *httptest.Server
}

func newGateway(t *testing.T) *gatewayEnv {
	t.Helper()
	logger := log.New(io.Discard)
	logger.SetLevel(log.FatalLevel)

	rules := engine.DefaultRules()
	rules.Countdown = 0
	rules.MinMoveInterval = 0

	ledger := wallet.NewLedger()
	jnl := journal.NewMemory()
	settler := settle.New(ledger, jnl, quartz.NewReal(), logger, time.Second)
	eng := engine.New(ledger, jnl, settler, logger,
		engine.WithModes(map[string]engine.Rules{"classic": rules}))
	t.Cleanup(eng.Close)

	s := NewServer("", eng, ledger, 1000, logger)
	s.Run()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Stop()
		ts.Close()
	})

	return &gatewayEnv{server: s, engine: eng, ledger: ledger, http: ts}
}

// wsClient wraps one websocket session, separating direct replies from
// match broadcasts.
type wsClient struct {
	t      *testing.T
	conn   *websocket.Conn
	events chan *Message
	reqID  int
}

func (env *gatewayEnv) dial(t *testing.T) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	c := &wsClient{t: t, conn: conn, events: make(chan *Message, 64)}
	t.Cleanup(func() { _ = conn.Close() })
	return c
}

// request sends one message and reads until its reply arrives, parking
// interleaved broadcasts on the events channel.
func (c *wsClient) request(messageType MessageType, data interface{}) *Message {
	c.t.Helper()
	c.reqID++
	requestID := fmt.Sprintf("req-%d", c.reqID)

	msg, err := NewMessage(messageType, data)
	require.NoError(c.t, err)
	msg.RequestID = requestID
	require.NoError(c.t, c.conn.WriteJSON(msg))

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var in Message
		require.NoError(c.t, c.conn.ReadJSON(&in))
		if in.RequestID == requestID {
			return &in
		}
		select {
		case c.events <- &in:
		default:
		}
	}
	c.t.Fatalf("no reply for %s", messageType)
	return nil
}

func (c *wsClient) auth(name string) {
	c.t.Helper()
	reply := c.request(MessageTypeAuth, AuthData{PlayerName: name})
	require.Equal(c.t, MessageTypeAuthResponse, reply.Type)
	var resp AuthResponseData
	require.NoError(c.t, json.Unmarshal(reply.Data, &resp))
	require.True(c.t, resp.Success, "auth failed: %s", resp.Error)
}

func (c *wsClient) matchStateReply(reply *Message) MatchStateData {
	c.t.Helper()
	require.Equal(c.t, MessageTypeMatchState, reply.Type, "unexpected reply: %s", reply.Data)
	var state MatchStateData
	require.NoError(c.t, json.Unmarshal(reply.Data, &state))
	return state
}

// waitEvent reads broadcasts until one matches the wanted event type.
func (c *wsClient) waitEvent(event string) MatchEventData {
	c.t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case msg := <-c.events:
			if msg.Type != MessageTypeMatchEvent {
				continue
			}
			var data MatchEventData
			require.NoError(c.t, json.Unmarshal(msg.Data, &data))
			if data.Event == event {
				return data
			}
		case <-deadline:
			c.t.Fatalf("event %s never arrived", event)
		}
	}
}

// pumpEvents keeps draining the socket into the events channel in the
// background once request/reply traffic is done.
func (c *wsClient) pumpEvents() {
	go func() {
		for {
			_ = c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
			var in Message
			if err := c.conn.ReadJSON(&in); err != nil {
				return
			}
			select {
			case c.events <- &in:
			default:
			}
		}
	}()
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	env := newGateway(t)
	c := env.dial(t)

	reply := c.request(MessageTypeCreateMatch, CreateMatchData{Mode: "classic", Stake: 100})
	require.Equal(t, MessageTypeError, reply.Type)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(reply.Data, &errData))
	assert.Equal(t, "not_authenticated", errData.Code)
}

func TestAuthOpensWallet(t *testing.T) {
	env := newGateway(t)
	c := env.dial(t)
	c.auth("alice")

	reply := c.request(MessageTypeGetBalance, struct{}{})
	require.Equal(t, MessageTypeBalance, reply.Type)
	var bal BalanceData
	require.NoError(t, json.Unmarshal(reply.Data, &bal))
	assert.Equal(t, int64(1000), bal.Available)
	assert.Zero(t, bal.Locked)
}

func TestMatchOverWebsocket(t *testing.T) {
	env := newGateway(t)
	alice := env.dial(t)
	bob := env.dial(t)
	alice.auth("alice")
	bob.auth("bob")

	created := alice.matchStateReply(alice.request(MessageTypeCreateMatch, CreateMatchData{
		Mode: "classic", Stake: 100, Join: true,
	}))
	assert.Equal(t, "waiting", created.Status)
	require.NotEmpty(t, created.MatchID)

	running := bob.matchStateReply(bob.request(MessageTypeJoinMatch, JoinMatchData{MatchID: created.MatchID}))
	assert.Equal(t, "running", running.Status)
	assert.Equal(t, int64(180), running.PrizePool)
	assert.Equal(t, "alice", running.TurnHolder, "the host strikes first")

	// The stake is escrowed for both sides.
	balReply := alice.request(MessageTypeGetBalance, struct{}{})
	var bal BalanceData
	require.NoError(t, json.Unmarshal(balReply.Data, &bal))
	assert.Equal(t, int64(900), bal.Available)
	assert.Equal(t, int64(100), bal.Locked)

	moveReply := alice.request(MessageTypeSubmitMove, SubmitMoveData{
		MatchID:  created.MatchID,
		Sequence: 0,
		Shot:     engine.Shot{X: 10, Y: 20, Angle: 45, Force: 30},
	})
	require.Equal(t, MessageTypeMoveResult, moveReply.Type)
	var result MoveResultData
	require.NoError(t, json.Unmarshal(moveReply.Data, &result))
	assert.True(t, result.Accepted)
	assert.Equal(t, "success", result.Result)
	assert.Equal(t, int64(0), result.Sequence)

	// A move out of turn comes back as a protocol error.
	badReply := bob.request(MessageTypeSubmitMove, SubmitMoveData{
		MatchID:  created.MatchID,
		Sequence: 1,
		Shot:     engine.Shot{Force: 30},
	})
	require.Equal(t, MessageTypeError, badReply.Type)
	var errData ErrorData
	require.NoError(t, json.Unmarshal(badReply.Data, &errData))
	assert.Equal(t, engine.CodeNotYourTurn, errData.Code)
	assert.Equal(t, "protocol", errData.Kind)

	// Bob sees the move as a broadcast.
	bob.pumpEvents()
	ev := bob.waitEvent("move_played")
	assert.Equal(t, "alice", ev.UserID)
}

func TestForfeitOverWebsocket(t *testing.T) {
	env := newGateway(t)
	alice := env.dial(t)
	bob := env.dial(t)
	alice.auth("alice")
	bob.auth("bob")

	created := alice.matchStateReply(alice.request(MessageTypeCreateMatch, CreateMatchData{
		Mode: "classic", Stake: 100, Join: true,
	}))
	bob.matchStateReply(bob.request(MessageTypeJoinMatch, JoinMatchData{MatchID: created.MatchID}))

	final := bob.matchStateReply(bob.request(MessageTypeForfeit, ForfeitData{MatchID: created.MatchID}))
	assert.Equal(t, "forfeited", final.Status)
	assert.Equal(t, "alice", final.WinnerID)

	balReply := alice.request(MessageTypeGetBalance, struct{}{})
	var bal BalanceData
	require.NoError(t, json.Unmarshal(balReply.Data, &bal))
	assert.Equal(t, int64(1162), bal.Available)
	assert.Zero(t, bal.Locked)
}

func TestDisconnectForfeitsMatch(t *testing.T) {
	env := newGateway(t)
	alice := env.dial(t)
	bob := env.dial(t)
	alice.auth("alice")
	bob.auth("bob")

	created := alice.matchStateReply(alice.request(MessageTypeCreateMatch, CreateMatchData{
		Mode: "classic", Stake: 100, Join: true,
	}))
	bob.matchStateReply(bob.request(MessageTypeJoinMatch, JoinMatchData{MatchID: created.MatchID}))

	require.NoError(t, bob.conn.Close())

	assert.Eventually(t, func() bool {
		snap, err := env.engine.Snapshot(context.Background(), created.MatchID)
		return err == nil && snap.Status == engine.StatusForfeited && snap.WinnerID == "alice"
	}, 5*time.Second, 20*time.Millisecond, "the drop concedes the match to alice")
}

func TestListMatches(t *testing.T) {
	env := newGateway(t)
	c := env.dial(t)
	c.auth("alice")

	c.matchStateReply(c.request(MessageTypeCreateMatch, CreateMatchData{Mode: "classic", Stake: 50, Join: true}))
	c.matchStateReply(c.request(MessageTypeCreateMatch, CreateMatchData{Mode: "classic", Stake: 200}))

	reply := c.request(MessageTypeListMatches, struct{}{})
	require.Equal(t, MessageTypeMatchList, reply.Type)
	var list MatchListData
	require.NoError(t, json.Unmarshal(reply.Data, &list))
	require.Len(t, list.Matches, 2)
}

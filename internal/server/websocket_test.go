package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/goevery/realtime/internal/auth"
	"github.com/goevery/realtime/internal/backplane"
	"github.com/goevery/realtime/internal/broadcaster"
	"github.com/goevery/realtime/internal/gateway"
	"github.com/goevery/realtime/internal/handler"
	"github.com/goevery/realtime/internal/ierr"
	"github.com/goevery/realtime/internal/presence"
	"github.com/goevery/realtime/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// frame is the union of everything the server writes.
type frame struct {
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params"`
	RequestId int             `json:"requestId"`
	Result    json.RawMessage `json:"result"`
	Error     *ierr.Error     `json:"error"`
}

type wsFixture struct {
	url      string
	registry *broadcaster.InMemoryRegistry
	store    *storage.MockStore
	messages *storage.MockMessages
}

func newWSFixture(t *testing.T) wsFixture {
	logger, _ := zap.NewDevelopment()

	store := storage.NewMockStore(t)
	messages := storage.NewMockMessages(t)
	authenticator := auth.NewAuthenticator("test-secret", "realtime", []string{"test-api-key"})

	registry := broadcaster.NewInMemoryRegistry(logger, nil)
	hub := gateway.NewHub(logger, registry, backplane.NewLocal(), store, clock.New())

	router := NewRouter(
		logger,
		handler.NewHeartbeatHandler(nil),
		handler.NewTypingHandler(hub),
		handler.NewReactionHandler(messages, hub),
		handler.NewReadHandler(messages, hub),
	)

	wsServer := NewWebSocketServer(
		logger,
		&websocket.Upgrader{},
		authenticator,
		hub,
		router,
		ClientConfig{SendBufferSize: 16, InboundBufferSize: 8},
	)

	mainRouter := mux.NewRouter()
	wsServer.Register(mainRouter)

	server := httptest.NewServer(mainRouter)
	t.Cleanup(server.Close)

	u, _ := url.Parse(server.URL)
	u.Scheme = "ws"
	u.Path = "/websocket"

	store.On("SetOnlineStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()

	return wsFixture{
		url:      u.String(),
		registry: registry,
		store:    store,
		messages: messages,
	}
}

func sign(t *testing.T, userId string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": userId,
		"exp": time.Now().Add(time.Hour).Unix(),
		"iat": time.Now().Unix(),
		"aud": "realtime",
	})

	tokenString, err := token.SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return tokenString
}

func (f wsFixture) dial(t *testing.T, userId string, followedIds ...string) *websocket.Conn {
	f.store.On("ListFollowedIds", mock.Anything, userId).Return(followedIds, nil).Maybe()
	if len(followedIds) > 0 {
		f.store.On("ListOnlineIds", mock.Anything, followedIds).Return(nil, nil).Maybe()
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+sign(t, userId))

	conn, _, err := websocket.DefaultDialer.Dial(f.url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return f.registry.ConnectionCount(userId) > 0
	}, time.Second, 5*time.Millisecond)

	return conn
}

// readUntil skips frames until match accepts one.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

		var f frame
		err := conn.ReadJSON(&f)
		require.NoError(t, err)

		if match(f) {
			return f
		}
	}
}

func isEvent(event string) func(frame) bool {
	return func(f frame) bool {
		return f.Method == event
	}
}

func isResponse(requestId int) func(frame) bool {
	return func(f frame) bool {
		return f.Method == "" && f.RequestId == requestId
	}
}

func TestWebSocketServer_Authentication(t *testing.T) {
	f := newWSFixture(t)

	t.Run("missing token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.url, nil)

		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid token", func(t *testing.T) {
		_, resp, err := websocket.DefaultDialer.Dial(f.url+"?token=not-a-jwt", nil)

		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Empty(t, f.registry.ConnectionIds())
	})

	t.Run("token in query", func(t *testing.T) {
		f.store.On("ListFollowedIds", mock.Anything, "U1").Return(nil, nil).Maybe()

		conn, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+sign(t, "U1"), nil)
		require.NoError(t, err)
		defer conn.Close()

		assert.Eventually(t, func() bool {
			return f.registry.ConnectionCount("U1") == 1
		}, time.Second, 5*time.Millisecond)
	})
}

func TestWebSocketServer_Heartbeat(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "U1")

	err := conn.WriteJSON(json.RawMessage(`{"id":1,"method":"heartbeat"}`))
	require.NoError(t, err)

	response := readUntil(t, conn, isResponse(1))
	require.Nil(t, response.Error)

	var heartbeat handler.HeartbeatResponse
	require.NoError(t, json.Unmarshal(response.Result, &heartbeat))
	assert.False(t, heartbeat.Timestamp.IsZero())
}

func TestWebSocketServer_Presence(t *testing.T) {
	f := newWSFixture(t)

	follower := f.dial(t, "U2", "U1")
	followed := f.dial(t, "U1")

	isStatusOfU1 := func(fr frame) bool {
		return fr.Method == presence.EventUserStatus && strings.Contains(string(fr.Params), `"userId":"U1"`)
	}

	online := readUntil(t, follower, isStatusOfU1)

	var status presence.Status
	require.NoError(t, json.Unmarshal(online.Params, &status))
	assert.Equal(t, presence.Status{UserId: "U1", IsOnline: true}, status)

	followed.Close()

	offline := readUntil(t, follower, isStatusOfU1)
	require.NoError(t, json.Unmarshal(offline.Params, &status))
	assert.Equal(t, "U1", status.UserId)
	assert.False(t, status.IsOnline)
	assert.NotNil(t, status.LastSeenAt)

	assert.Eventually(t, func() bool {
		return f.registry.ConnectionCount("U1") == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWebSocketServer_PresenceSnapshot(t *testing.T) {
	f := newWSFixture(t)

	// Four times the send buffer of the fixture.
	followedIds := make([]string, 64)
	for i := range followedIds {
		followedIds[i] = fmt.Sprintf("F%d", i)
	}
	f.store.On("ListOnlineIds", mock.Anything, followedIds).Return(followedIds, nil).Once()

	conn := f.dial(t, "U1", followedIds...)

	online := make(map[string]bool)
	for len(online) < len(followedIds) {
		event := readUntil(t, conn, isEvent(presence.EventUserStatus))

		var status presence.Status
		require.NoError(t, json.Unmarshal(event.Params, &status))

		if status.UserId != "U1" {
			online[status.UserId] = status.IsOnline
		}
	}

	for _, followedId := range followedIds {
		assert.True(t, online[followedId], followedId)
	}

	err := conn.WriteJSON(json.RawMessage(`{"id":1,"method":"heartbeat"}`))
	require.NoError(t, err)

	response := readUntil(t, conn, isResponse(1))
	assert.Nil(t, response.Error)
	assert.Equal(t, 1, f.registry.ConnectionCount("U1"))
}

func TestWebSocketServer_Reaction(t *testing.T) {
	t.Run("persisted reaction reaches both sides", func(t *testing.T) {
		f := newWSFixture(t)
		sender := f.dial(t, "U1")
		recipient := f.dial(t, "U2")

		f.messages.On("UpsertReaction", mock.Anything, storage.ReactionRequest{
			MessageId: "m1",
			UserId:    "U1",
			Reaction:  "👍",
		}).Return(storage.Reaction{Id: "r1", MessageId: "m1", UserId: "U1", Reaction: "👍"}, nil).Once()

		err := sender.WriteJSON(json.RawMessage(
			`{"id":7,"method":"send_reaction","params":{"recipientId":"U2","messageId":"m1","reaction":"👍"}}`))
		require.NoError(t, err)

		expected := handler.MessageReaction{MessageId: "m1", UserId: "U1", Reaction: "👍", Id: "r1"}

		for _, conn := range []*websocket.Conn{recipient, sender} {
			event := readUntil(t, conn, isEvent(handler.EventMessageReaction))

			var reaction handler.MessageReaction
			require.NoError(t, json.Unmarshal(event.Params, &reaction))
			assert.Equal(t, expected, reaction)
		}
	})

	t.Run("failed persistence reports to sender only", func(t *testing.T) {
		f := newWSFixture(t)
		sender := f.dial(t, "U1")
		recipient := f.dial(t, "U2")

		f.messages.On("UpsertReaction", mock.Anything, mock.Anything).
			Return(storage.Reaction{}, ierr.New(ierr.ErrorCodeUnavailable, errors.New("db down"))).Once()

		err := sender.WriteJSON(json.RawMessage(
			`{"id":8,"method":"send_reaction","params":{"recipientId":"U2","messageId":"m1","reaction":"👍"}}`))
		require.NoError(t, err)

		response := readUntil(t, sender, isResponse(8))
		require.NotNil(t, response.Error)
		assert.Equal(t, ierr.ErrorCodeUnavailable, response.Error.Code)

		_ = recipient.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		for {
			var fr frame
			err := recipient.ReadJSON(&fr)
			if err != nil {
				break
			}

			assert.NotEqual(t, handler.EventMessageReaction, fr.Method)
		}
	})
}

func TestWebSocketServer_Typing(t *testing.T) {
	f := newWSFixture(t)
	sender := f.dial(t, "U1")
	recipient := f.dial(t, "U2")

	err := sender.WriteJSON(json.RawMessage(
		`{"method":"typing_start","params":{"recipientId":"U2","conversationId":"conv1"}}`))
	require.NoError(t, err)

	event := readUntil(t, recipient, isEvent(handler.EventUserTyping))

	var typing handler.UserTyping
	require.NoError(t, json.Unmarshal(event.Params, &typing))
	assert.Equal(t, handler.UserTyping{UserId: "U1", ConversationId: "conv1"}, typing)
}

func TestWebSocketServer_UnknownMethod(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "U1")

	err := conn.WriteJSON(json.RawMessage(`{"id":3,"method":"join","params":{"channelId":"x"}}`))
	require.NoError(t, err)

	response := readUntil(t, conn, isResponse(3))
	require.NotNil(t, response.Error)
	assert.Equal(t, ierr.ErrorCodeNotFound, response.Error.Code)

	err = conn.WriteJSON(json.RawMessage(`{"id":4,"method":"heartbeat"}`))
	require.NoError(t, err)

	response = readUntil(t, conn, isResponse(4))
	assert.Nil(t, response.Error)
}

func TestWebSocketServer_InvalidMessage(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "U1")

	err := conn.WriteMessage(websocket.TextMessage, []byte("invalid-json"))
	require.NoError(t, err)

	// The server should close the connection and unregister it.
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err = conn.ReadMessage(); err != nil {
			break
		}
	}

	assert.Error(t, err)
	assert.Eventually(t, func() bool {
		return f.registry.ConnectionCount("U1") == 0
	}, time.Second, 5*time.Millisecond)
}

package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/todosync/internal/auth"
	"github.com/kimhsiao/todosync/internal/config"
	"github.com/kimhsiao/todosync/internal/db"
	"github.com/kimhsiao/todosync/internal/models"
	"github.com/kimhsiao/todosync/internal/sync/remote"
)

func testApp(t *testing.T, userID, jwtSecret string) (*app, *WSHub, *httptest.Server) {
	t.Helper()
	c := &config.Config{
		DataDir:       t.TempDir(),
		UserID:        userID,
		JWTSecret:     jwtSecret,
		SyncInterval:  time.Hour,
		ProbeInterval: time.Hour,
		RemoteTimeout: time.Second,
		LogLevel:      "error",
	}
	a, err := newApp(context.Background(), c)
	require.NoError(t, err)
	t.Cleanup(a.close)

	hub := NewWSHub()
	t.Cleanup(hub.Close)
	t.Cleanup(a.svc.Subscribe(hub.OnChange))

	srv := httptest.NewServer(newRouter(a, hub))
	t.Cleanup(srv.Close)
	return a, hub, srv
}

func request(t *testing.T, method, url, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_health(t *testing.T) {
	_, _, srv := testApp(t, "u1", "")

	resp := request(t, http.MethodGet, srv.URL+"/api/health", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok","reachability":"unknown"}`, string(body))
	assert.NotEmpty(t, resp.Header.Get("Content-Type"))
}

func TestRouter_todosForConfiguredUser(t *testing.T) {
	a, _, srv := testApp(t, "u1", "")

	resp := request(t, http.MethodPost, srv.URL+"/api/todos", "", `{"title":"Buy milk"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	todos, err := a.repo.ListTodos(context.Background(), "u1", db.TodoFilter{})
	require.NoError(t, err)
	require.Len(t, todos, 1)
	assert.Equal(t, "Buy milk", todos[0].Title)
}

func TestRouter_bearerTokenSelectsUser(t *testing.T) {
	_, _, srv := testApp(t, "u1", "secret")
	token, err := auth.NewVerifier("secret").Sign("u2", time.Minute)
	require.NoError(t, err)

	resp := request(t, http.MethodPost, srv.URL+"/api/todos", token, `{"title":"Walk dog"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var mine []models.Todo
	resp = request(t, http.MethodGet, srv.URL+"/api/todos", token, "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&mine))
	assert.Len(t, mine, 1)

	var fallback []models.Todo
	resp = request(t, http.MethodGet, srv.URL+"/api/todos", "", "")
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&fallback))
	assert.Empty(t, fallback)

	resp = request(t, http.MethodGet, srv.URL+"/api/todos", "not-a-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

// without a configured user, writes by a token user still reach the backend
// through the scheduler
func TestRouter_tokenUserSyncedInBackground(t *testing.T) {
	a, _, srv := testApp(t, "", "secret")
	a.scheduler.Start(context.Background())
	token, err := auth.NewVerifier("secret").Sign("u2", time.Minute)
	require.NoError(t, err)

	resp := request(t, http.MethodPost, srv.URL+"/api/todos", token, `{"title":"Walk dog"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := a.repo.PendingCount(ctx, "u2")
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)

	mem, ok := a.remote.(*remote.Memory)
	require.True(t, ok)
	assert.Equal(t, 1, mem.Len(models.TableTodos))
	assert.Equal(t, 1, mem.Len(models.TableGroups))
}

func TestWebSocket_receivesChanges(t *testing.T) {
	_, hub, srv := testApp(t, "u1", "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"action": "subscribe", "events": []string{"todos.changed"}}))
	var ack map[string]interface{}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	resp := request(t, http.MethodPost, srv.URL+"/api/todos", "", `{"title":"Buy milk"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var env WSEnvelope
	require.NoError(t, conn.ReadJSON(&env))
	assert.Equal(t, "todos.changed", env.Type)
}

func TestSameHostOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.test", true},
		{"http://evil.test", false},
		{"://bad", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://example.test/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, sameHostOrigin(r), tt.origin)
	}
}

func TestWSHub_BroadcastDoesNotBlock(t *testing.T) {
	// no run loop drains this hub
	hub := &WSHub{
		clients:   make(map[string]*WSClient),
		broadcast: make(chan wsMessage, 1),
		done:      make(chan struct{}),
	}

	returned := make(chan []bool, 1)
	go func() {
		returned <- []bool{
			hub.Broadcast("todos.changed", "u1", nil),
			hub.Broadcast("todos.changed", "u1", nil),
		}
	}()

	select {
	case got := <-returned:
		assert.Equal(t, []bool{true, false}, got)
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a full queue")
	}

	close(hub.done)
	<-hub.broadcast
	assert.False(t, hub.Broadcast("todos.changed", "u1", nil))
}

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"iptracker/internal/models"
	"iptracker/internal/repository"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_BroadcastEventWithoutClients(t *testing.T) {
	h := NewHub(nil)
	// Nobody drains the channel; the call must not block once it is full.
	for i := 0; i < 100; i++ {
		h.BroadcastEvent("test", map[string]string{"foo": "bar"})
	}
	assert.Equal(t, 0, h.ClientCount())
}

func TestHub_StopIsIdempotent(t *testing.T) {
	h := NewHub(nil)
	done := make(chan struct{})
	go func() {
		h.Run()
		close(done)
	}()

	h.Stop()
	h.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not stop")
	}
}

func TestHub_RelaysPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	repo := repository.NewRedisRepositoryFromClient(rdb)

	hub := NewHub(repo)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run()
	go hub.Relay(ctx)
	t.Cleanup(hub.Stop)

	h, _, auth, _ := setupTest()
	h.hub = hub
	asAdmin(auth, "alice")
	srv := httptest.NewServer(newTestRouter(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": []string{"Bearer " + testToken}})
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return mr.PubSubNumSub(repository.EventsChannel)[repository.EventsChannel] == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, repo.Publish(ctx, models.Event{Action: "block", Data: map[string]string{"ip": "203.0.113.9"}}))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev struct {
		Action string            `json:"action"`
		Data   map[string]string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	assert.Equal(t, "block", ev.Action)
	assert.Equal(t, "203.0.113.9", ev.Data["ip"])
}

func TestHub_WebsocketRequiresAuth(t *testing.T) {
	h, _, _, _ := setupTest()
	h.hub = NewHub(nil)
	srv := httptest.NewServer(newTestRouter(h))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

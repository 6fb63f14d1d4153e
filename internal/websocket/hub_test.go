package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/raaihank/ngram-embed/internal/dataset"
)

func startHub(t *testing.T, config *HubConfig) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(config, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return hub, srv
}

func dial(t *testing.T, hub *Hub, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	before := hub.GetStats().TotalConnections
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return hub.GetStats().TotalConnections > before
	}, time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	return event
}

func TestHub(t *testing.T) {
	t.Run("JobEvents", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{BroadcastJobs: true})
		conn := dial(t, hub, srv, nil)

		hub.ReportProgress(dataset.ProgressEvent{JobID: "job-1", Processed: 10})
		event := readEvent(t, conn)
		assert.Equal(t, string(EventTypeJobProgress), event["type"])
		assert.Equal(t, "job-1", event["job_id"])
		data := event["data"].(map[string]any)
		assert.Equal(t, float64(10), data["processed"])

		hub.ReportProgress(dataset.ProgressEvent{JobID: "job-1", Done: true})
		assert.Equal(t, string(EventTypeJobCompleted), readEvent(t, conn)["type"])

		hub.ReportProgress(dataset.ProgressEvent{JobID: "job-2", Done: true, Error: "boom"})
		assert.Equal(t, string(EventTypeJobFailed), readEvent(t, conn)["type"])
	})

	t.Run("ConnectionEvents", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{BroadcastConnections: true})
		first := dial(t, hub, srv, nil)
		second := dial(t, hub, srv, nil)

		event := readEvent(t, first)
		assert.Equal(t, string(EventTypeConnection), event["type"])
		assert.Equal(t, "connected", event["data"].(map[string]any)["action"])

		second.Close()
		event = readEvent(t, first)
		assert.Equal(t, "disconnected", event["data"].(map[string]any)["action"])
	})

	t.Run("SubscriptionFiltersJobs", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{BroadcastJobs: true})
		conn := dial(t, hub, srv, nil)

		require.NoError(t, conn.WriteJSON(ClientMessage{
			Type: "subscribe",
			Data: map[string]any{"events": []string{"job_completed"}, "job_id": "wanted"},
		}))
		require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
		assert.Equal(t, string(EventTypePong), readEvent(t, conn)["type"])

		hub.ReportProgress(dataset.ProgressEvent{JobID: "wanted", Processed: 1})
		hub.ReportProgress(dataset.ProgressEvent{JobID: "other", Done: true})
		hub.ReportProgress(dataset.ProgressEvent{JobID: "wanted", Done: true})

		event := readEvent(t, conn)
		assert.Equal(t, string(EventTypeJobCompleted), event["type"])
		assert.Equal(t, "wanted", event["job_id"])
	})

	t.Run("DisabledJobsAreDropped", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{})
		conn := dial(t, hub, srv, nil)

		hub.ReportProgress(dataset.ProgressEvent{JobID: "job-1"})
		require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
		assert.Equal(t, string(EventTypePong), readEvent(t, conn)["type"])
	})

	t.Run("BasicAuth", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{Username: "admin", Password: "secret"})
		url := "ws" + strings.TrimPrefix(srv.URL, "http")

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		bad := http.Header{}
		bad.Set("Authorization", basicAuth("admin", "wrong"))
		_, resp, err = websocket.DefaultDialer.Dial(url, bad)
		require.Error(t, err)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		good := http.Header{}
		good.Set("Authorization", basicAuth("admin", "secret"))
		dial(t, hub, srv, good)
	})

	t.Run("OriginCheck", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{AllowedOrigins: []string{"http://allowed.example"}})
		url := "ws" + strings.TrimPrefix(srv.URL, "http")

		header := http.Header{}
		header.Set("Origin", "http://evil.example")
		_, resp, err := websocket.DefaultDialer.Dial(url, header)
		require.Error(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		header.Set("Origin", "http://allowed.example")
		dial(t, hub, srv, header)
	})

	t.Run("MaxConnections", func(t *testing.T) {
		hub, srv := startHub(t, &HubConfig{MaxConnections: 1})
		dial(t, hub, srv, nil)

		url := "ws" + strings.TrimPrefix(srv.URL, "http")
		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})
}

func TestGetClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1:1234", getClientIP(r))

	r.Header.Set("X-Real-IP", "10.0.0.2")
	assert.Equal(t, "10.0.0.2", getClientIP(r))

	r.Header.Set("X-Forwarded-For", "10.0.0.3, 10.0.0.4")
	assert.Equal(t, "10.0.0.3", getClientIP(r))
}

func basicAuth(user, pass string) string {
	r, _ := http.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth(user, pass)
	return r.Header.Get("Authorization")
}

package ws

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/your-org/snapflow/internal/models"
	"github.com/your-org/snapflow/pkg/dto"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func read(t *testing.T, conn *websocket.Conn) dto.WSEvent {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev dto.WSEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return ev
}

func TestHubFiltersByEvent(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	all := dial(t, srv, "")
	only := dial(t, srv, "?event_id=2")
	waitClients(t, hub, 2)

	score := 71.0
	hub.BroadcastEvent(models.AnalysisEvent{Type: models.AnalysisCompleted, EventID: 1, PhotoID: 11, QualityScore: &score, Timestamp: time.Now()})
	hub.BroadcastEvent(models.AnalysisEvent{Type: models.DuplicatesRebuilt, EventID: 2, Groups: 3, Timestamp: time.Now()})

	first := read(t, all)
	if first.Type != "analysis_completed" || first.PhotoID != 11 || first.QualityScore == nil || *first.QualityScore != 71 {
		t.Fatalf("unexpected first event %+v", first)
	}
	if second := read(t, all); second.EventID != 2 {
		t.Fatalf("unexpected second event %+v", second)
	}

	// The filtered client only sees event 2.
	got := read(t, only)
	if got.EventID != 2 || got.Type != "duplicates_rebuilt" || got.Groups != 3 {
		t.Fatalf("filtered client got %+v", got)
	}
}

func TestHubUnregistersClosedClients(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()
	go hub.Run()
	defer hub.Stop()

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	conn := dial(t, srv, "")
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}

func TestHubRejectsBadFilter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hub := NewHub()

	r := gin.New()
	r.GET("/ws", hub.HandleWS)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest("GET", "/ws?event_id=x", nil))
	if rec.Code != 400 {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/githukelvin/AI-CCTV-Surveillance/internal/alert"
	"github.com/githukelvin/AI-CCTV-Surveillance/internal/classify"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Stats().Clients != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Stats().Clients, n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	return ev
}

func TestBroadcast(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()
	defer h.Close()

	a, b := dial(t, srv), dial(t, srv)
	waitClients(t, h, 2)

	h.PublishPrediction("lobby", classify.Prediction{Label: "Robbery", Confidence: 95, FrameNumber: 16})
	h.AlertRaised(context.Background(), alert.Alert{ID: 4, ThreatType: "Robbery"})

	for _, conn := range []*websocket.Conn{a, b} {
		ev := readEvent(t, conn)
		if ev.Type != "prediction" || ev.Source != "lobby" || ev.Prediction.FrameNumber != 16 {
			t.Errorf("first event = %+v", ev)
		}
		ev = readEvent(t, conn)
		if ev.Type != "alert" || ev.Alert.ID != 4 {
			t.Errorf("second event = %+v", ev)
		}
	}
	if st := h.Stats(); st.Published != 2 {
		t.Errorf("stats = %+v", st)
	}
	t.Log("✅ both clients received prediction and alert events")
}

func TestClientDisconnectUnregisters(t *testing.T) {
	h := New()
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn := dial(t, srv)
	waitClients(t, h, 1)
	conn.Close()
	waitClients(t, h, 0)
}

func TestSlowClientDropped(t *testing.T) {
	h := New()
	c := &client{send: make(chan []byte, 1)}
	h.clients[c] = struct{}{}
	c.send <- []byte("backlog")

	// the send buffer is full, so this publish drops the client
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("Publish panicked: %v", r)
		}
	}()
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	h.Publish(Event{Type: "prediction"})
	if st := h.Stats(); st.Clients != 0 {
		t.Errorf("stats = %+v", st)
	}
}

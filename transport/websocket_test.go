package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketConfig_Defaults(t *testing.T) {
	cfg := DefaultWebSocketConfig()
	if cfg.MaxMessageSize != 4<<20 {
		t.Errorf("MaxMessageSize = %d, want 4 MiB", cfg.MaxMessageSize)
	}
	if cfg.WriteTimeout != 10*time.Second {
		t.Errorf("WriteTimeout = %v, want 10s", cfg.WriteTimeout)
	}
}

// dialTransport spins up a server-side transport and returns the
// client connection talking to it.
func dialTransport(t *testing.T, sessionID string) (*WebSocketTransport, *websocket.Conn) {
	t.Helper()

	ready := make(chan *WebSocketTransport, 1)
	upgrader := NewWebSocketUpgrader()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade error: %v", err)
			return
		}
		tr := NewWebSocketTransport(conn, sessionID, DefaultWebSocketConfig())
		ready <- tr
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { clientConn.Close() })

	tr := <-ready
	t.Cleanup(func() { tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Run(ctx)

	return tr, clientConn
}

func TestWebSocketTransport_SessionHandshake(t *testing.T) {
	_, client := dialTransport(t, "s-ws-1")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("read error: %v", err)
	}

	var handshake struct {
		JSONRPC string `json:"jsonrpc"`
		Method  string `json:"method"`
		Params  struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &handshake); err != nil {
		t.Fatalf("handshake is not JSON: %v", err)
	}

	if handshake.Method != MethodSession {
		t.Errorf("method = %q, want %q", handshake.Method, MethodSession)
	}
	if handshake.Params.SessionID != "s-ws-1" {
		t.Errorf("sessionId = %q, want s-ws-1", handshake.Params.SessionID)
	}
}

func TestWebSocketTransport_RoundTrip(t *testing.T) {
	tr, client := dialTransport(t, "s-ws-2")

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	client.ReadMessage() // discard handshake

	// Client → server.
	req := `{"jsonrpc":"2.0","method":"echo","id":"1","params":{"v":42}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(req)); err != nil {
		t.Fatalf("client write error: %v", err)
	}

	select {
	case msg := <-tr.Recv():
		if msg.Request == nil || msg.Request.Method != "echo" {
			t.Errorf("got %+v, want echo request", msg)
		}
		if string(msg.Raw) != req {
			t.Errorf("Raw = %s, want original bytes", msg.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbound message")
	}

	// Server → client.
	if err := tr.Send(&Message{
		Response: &Response{JSONRPC: "2.0", ID: "1", Result: "ok"},
	}); err != nil {
		t.Fatalf("send error: %v", err)
	}

	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read error: %v", err)
	}
	if !strings.Contains(string(data), `"result":"ok"`) {
		t.Errorf("client received %s", data)
	}
}

func TestWebSocketTransport_MalformedFrameDoesNotKillConn(t *testing.T) {
	tr, client := dialTransport(t, "s-ws-3")

	var errCount atomic.Int32
	tr.ErrorFunc = func(err error) { errCount.Add(1) }

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	client.ReadMessage() // discard handshake

	if err := client.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatalf("client write error: %v", err)
	}

	// The malformed frame comes back as a parse-error response.
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read error: %v", err)
	}
	if !strings.Contains(string(data), "-32700") {
		t.Errorf("expected parse error response, got %s", data)
	}

	// The connection survives: a valid frame still gets through.
	valid := `{"jsonrpc":"2.0","method":"still-alive"}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(valid)); err != nil {
		t.Fatalf("client write error: %v", err)
	}

	select {
	case msg := <-tr.Recv():
		if msg.Notification == nil || msg.Notification.Method != "still-alive" {
			t.Errorf("got %+v, want still-alive notification", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("connection did not survive the malformed frame")
	}

	if errCount.Load() == 0 {
		t.Error("ErrorFunc was not called for the malformed frame")
	}
}

func TestWebSocketTransport_CloseIsIdempotent(t *testing.T) {
	tr, _ := dialTransport(t, "s-ws-4")

	var closeCount atomic.Int32
	tr.CloseFunc = func() { closeCount.Add(1) }

	tr.Close()
	tr.CloseWithStatus(websocket.CloseGoingAway, "again")

	if closeCount.Load() != 1 {
		t.Errorf("CloseFunc calls = %d, want 1", closeCount.Load())
	}

	if err := tr.Send(&Message{Notification: &Notification{JSONRPC: "2.0", Method: "late"}}); err != ErrClosed {
		t.Errorf("send after close: err = %v, want ErrClosed", err)
	}
}

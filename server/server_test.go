package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vinayprograms/relaykit/config"
	"github.com/vinayprograms/relaykit/relay"
	"github.com/vinayprograms/relaykit/session"
	"github.com/vinayprograms/relaykit/state"
)

// newTestServer stands up a full relay behind an httptest listener.
func newTestServer(t *testing.T) (*Server, *httptest.Server, state.Store) {
	t.Helper()

	gw := relay.NewGateway(relay.Config{})
	ctx, cancel := context.WithCancel(context.Background())
	go gw.Run(ctx)
	t.Cleanup(cancel)

	registry := session.NewRegistry(session.Config{})
	t.Cleanup(registry.Shutdown)

	store := state.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	srv := New(cfg, Deps{Gateway: gw, Registry: registry, Store: store})
	srv.rpc.Connect(ctx, gw.RPCIngress())

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts, store
}

func wsURL(ts *httptest.Server, path string) string {
	u, _ := url.Parse(ts.URL)
	u.Scheme = "ws"
	u.Path = path
	return u.String()
}

func dialWS(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts, path), nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readAdmin(t *testing.T, conn *websocket.Conn) relay.AdminMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m relay.AdminMessage
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return m
}

func TestClientSeesUpstreamAttach(t *testing.T) {
	_, ts, _ := newTestServer(t)

	client := dialWS(t, ts, "/client")

	// First frames on attach while disconnected: status then empty list.
	first := readAdmin(t, client)
	if first.Verb != relay.VerbStatus {
		t.Fatalf("first verb = %q, want status", first.Verb)
	}
	second := readAdmin(t, client)
	if second.Verb != relay.VerbList || second.Count == nil || *second.Count != 0 {
		t.Fatalf("second frame = %+v, want empty list", second)
	}

	dialWS(t, ts, "/upstream")

	status := readAdmin(t, client)
	if status.Verb != relay.VerbStatus {
		t.Fatalf("verb = %q, want status", status.Verb)
	}
	var d struct {
		Connected bool `json:"connected"`
	}
	if err := json.Unmarshal(status.Data, &d); err != nil {
		t.Fatalf("unmarshal status data: %v", err)
	}
	if !d.Connected {
		t.Error("expected connected status after worker attach")
	}
}

func TestAdminTrafficRelayedBothWays(t *testing.T) {
	_, ts, _ := newTestServer(t)

	worker := dialWS(t, ts, "/upstream")
	client := dialWS(t, ts, "/client")

	// Drain the attach-time status frame.
	readAdmin(t, client)

	// The gateway refreshes its inventory for every new client.
	worker.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := worker.ReadMessage()
	if err != nil {
		t.Fatalf("worker read: %v", err)
	}
	var listReq relay.AdminMessage
	if err := json.Unmarshal(data, &listReq); err != nil {
		t.Fatalf("unmarshal list request: %v", err)
	}
	if listReq.Verb != relay.VerbList {
		t.Fatalf("worker received %q, want list request", listReq.Verb)
	}

	// Worker answers; the client sees the broadcast.
	ack := `{"verb":"list","data":[{"name":"fs"}],"success":true,"count":1}`
	if err := worker.WriteMessage(websocket.TextMessage, []byte(ack)); err != nil {
		t.Fatalf("worker write: %v", err)
	}
	got := readAdmin(t, client)
	if got.Verb != relay.VerbList || got.Count == nil || *got.Count != 1 {
		t.Fatalf("client received %+v, want relayed list", got)
	}

	// Client requests flow the other way.
	if err := client.WriteMessage(websocket.TextMessage, []byte(`{"verb":"status"}`)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	forwarded := readAdmin(t, worker)
	if forwarded.Verb != relay.VerbStatus {
		t.Fatalf("worker received %q, want forwarded status request", forwarded.Verb)
	}
}

func TestWorkerDisconnectNotifiesClients(t *testing.T) {
	_, ts, _ := newTestServer(t)

	worker := dialWS(t, ts, "/upstream")
	client := dialWS(t, ts, "/client")
	readAdmin(t, client) // attach status

	worker.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	worker.Close()

	status := readAdmin(t, client)
	if status.Verb != relay.VerbStatus {
		t.Fatalf("verb = %q, want status", status.Verb)
	}
	var d struct {
		Connected bool   `json:"connected"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal(status.Data, &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if d.Connected {
		t.Error("expected disconnected status")
	}
	if d.Reason != relay.ReasonShutdown {
		t.Errorf("reason = %q, want %q", d.Reason, relay.ReasonShutdown)
	}
}

func TestMessagesEndpointErrors(t *testing.T) {
	_, ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/messages", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing session: status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/messages?sessionId=nope", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	var body struct {
		Code string `json:"code"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown session: status = %d, want 404", resp.StatusCode)
	}
	if body.Code != "UNKNOWN_SESSION" {
		t.Errorf("error code = %q, want UNKNOWN_SESSION", body.Code)
	}
}

func TestSSESessionRoundTrip(t *testing.T) {
	_, ts, _ := newTestServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sse", nil)
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	endpoint := readSSEEvent(t, reader, "endpoint")
	if !strings.HasPrefix(endpoint, "/messages?sessionId=") {
		t.Fatalf("endpoint handshake = %q", endpoint)
	}

	post, err := http.Post(ts.URL+endpoint, "application/json",
		bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	post.Body.Close()
	if post.StatusCode != http.StatusAccepted {
		t.Fatalf("post status = %d, want 202", post.StatusCode)
	}

	reply := readSSEEvent(t, reader, "message")
	var rpcResp struct {
		ID     json.RawMessage `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal([]byte(reply), &rpcResp); err != nil {
		t.Fatalf("unmarshal reply %q: %v", reply, err)
	}
	if string(rpcResp.ID) != "1" {
		t.Errorf("reply id = %s, want 1", rpcResp.ID)
	}
	if rpcResp.Error != nil {
		t.Errorf("unexpected rpc error: %s", rpcResp.Error)
	}
}

func TestSocketSessionHandshakeAndPing(t *testing.T) {
	_, ts, _ := newTestServer(t)

	conn := dialWS(t, ts, "/session")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read handshake: %v", err)
	}
	var handshake struct {
		Method string `json:"method"`
		Params struct {
			SessionID string `json:"sessionId"`
		} `json:"params"`
	}
	if err := json.Unmarshal(data, &handshake); err != nil {
		t.Fatalf("unmarshal handshake %s: %v", data, err)
	}
	if handshake.Method != "session" || handshake.Params.SessionID == "" {
		t.Fatalf("handshake = %s, want session notification with id", data)
	}

	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"jsonrpc":"2.0","id":9,"method":"ping"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err = conn.ReadMessage()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	var reply struct {
		ID    json.RawMessage `json:"id"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		t.Fatalf("unmarshal reply %s: %v", data, err)
	}
	if string(reply.ID) != "9" || reply.Error != nil {
		t.Errorf("reply = %s, want result for id 9", data)
	}
}

func TestRoleRecordsFollowConnections(t *testing.T) {
	_, ts, store := newTestServer(t)

	worker := dialWS(t, ts, "/upstream")

	deadline := time.Now().Add(2 * time.Second)
	for {
		keys, _ := store.Keys("conn.*")
		if len(keys) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("role record never persisted, store has %d", len(keys))
		}
		time.Sleep(10 * time.Millisecond)
	}

	worker.Close()
	deadline = time.Now().Add(2 * time.Second)
	for {
		keys, _ := store.Keys("conn.*")
		if len(keys) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("role record never removed after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// readSSEEvent scans the stream until an event with the given name and
// returns its data line. Heartbeat comments are skipped.
func readSSEEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("stream read: %v", err)
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if event == name {
				return data
			}
			event, data = "", ""
		}
	}
}

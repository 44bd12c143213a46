package transport

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

// connectServer wires a Server to an in-proc transport and returns a
// channel carrying everything the server sends back.
func connectServer(t *testing.T, srv *Server) (*InProcTransport, chan *Message) {
	t.Helper()

	out := make(chan *Message, 10)
	tr := NewInProcTransport("test", DefaultConfig())
	tr.SendFunc = func(msg *Message) error {
		out <- msg
		return nil
	}
	t.Cleanup(func() { tr.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.Connect(ctx, tr)

	return tr, out
}

func TestServer_EchoRequest(t *testing.T) {
	srv := NewServer()
	srv.Register("echo", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		var v map[string]interface{}
		json.Unmarshal(params, &v)
		return v, nil
	})

	tr, out := connectServer(t, srv)

	if err := tr.Deliver([]byte(`{"jsonrpc":"2.0","method":"echo","id":"1","params":{"v":42}}`)); err != nil {
		t.Fatalf("deliver error: %v", err)
	}

	select {
	case msg := <-out:
		if msg.Response == nil {
			t.Fatal("expected a response")
		}
		if msg.Response.ID != "1" {
			t.Errorf("id = %v, want \"1\"", msg.Response.ID)
		}
		result, ok := msg.Response.Result.(map[string]interface{})
		if !ok || result["v"] != float64(42) {
			t.Errorf("result = %v, want {v:42}", msg.Response.Result)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for response")
	}
}

func TestServer_MethodNotFound(t *testing.T) {
	srv := NewServer()
	tr, out := connectServer(t, srv)

	tr.Deliver([]byte(`{"jsonrpc":"2.0","method":"missing","id":3}`))

	select {
	case msg := <-out:
		if msg.Response == nil || msg.Response.Error == nil {
			t.Fatal("expected an error response")
		}
		if msg.Response.Error.Code != MethodNotFound {
			t.Errorf("code = %d, want %d", msg.Response.Error.Code, MethodNotFound)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error response")
	}
}

func TestServer_HandlerError(t *testing.T) {
	srv := NewServer()
	srv.Register("fail", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		return nil, &Error{Code: InvalidParams, Message: "Invalid params"}
	})

	tr, out := connectServer(t, srv)
	tr.Deliver([]byte(`{"jsonrpc":"2.0","method":"fail","id":9}`))

	select {
	case msg := <-out:
		if msg.Response == nil || msg.Response.Error == nil {
			t.Fatal("expected an error response")
		}
		if msg.Response.Error.Code != InvalidParams {
			t.Errorf("code = %d, want %d", msg.Response.Error.Code, InvalidParams)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for error response")
	}
}

func TestServer_NotificationNoReply(t *testing.T) {
	called := make(chan struct{}, 1)
	srv := NewServer()
	srv.Register("ping", func(ctx context.Context, params json.RawMessage) (interface{}, error) {
		called <- struct{}{}
		return "ignored", nil
	})

	tr, out := connectServer(t, srv)
	tr.Deliver([]byte(`{"jsonrpc":"2.0","method":"ping"}`))

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}

	select {
	case msg := <-out:
		t.Fatalf("notification should not produce a reply, got %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestServer_Notify(t *testing.T) {
	srv := NewServer()
	tr, out := connectServer(t, srv)

	if err := srv.Notify(tr, "status", map[string]bool{"connected": true}); err != nil {
		t.Fatalf("notify error: %v", err)
	}

	select {
	case msg := <-out:
		if msg.Notification == nil || msg.Notification.Method != "status" {
			t.Errorf("got %+v, want a status notification", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notification")
	}
}

package broker

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func startStreamServer(t *testing.T) (*StreamServer, *Session) {
	t.Helper()

	session := newTestSession(t)
	srv := NewStreamServer(session, nil, nil)
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, session
}

func dialStream(t *testing.T, srv *StreamServer, query string, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	url := "ws://" + srv.Addr() + "/stream"
	if query != "" {
		url += "?" + query
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func readEvent(t *testing.T, conn *websocket.Conn) OutputEvent {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event OutputEvent
	if err := conn.ReadJSON(&event); err != nil {
		t.Fatalf("reading stream event: %v", err)
	}
	return event
}

func TestStreamServer_AuthViaQueryParam(t *testing.T) {
	srv, session := startStreamServer(t)

	conn, _, err := dialStream(t, srv, "token="+session.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForStreamClients(t, srv, 1)

	srv.Publish(OutputEvent{Stream: "stdout", Line: "hello"})

	event := readEvent(t, conn)
	if event.Type != "output" || event.Stream != "stdout" || event.Line != "hello" {
		t.Errorf("unexpected event %+v", event)
	}
	if event.ExecutionID != session.ExecutionID {
		t.Errorf("expected execution ID stamped, got %q", event.ExecutionID)
	}
	if event.Timestamp.IsZero() {
		t.Error("expected timestamp stamped")
	}
}

func TestStreamServer_AuthViaHeader(t *testing.T) {
	srv, session := startStreamServer(t)

	header := http.Header{"Authorization": []string{"Bearer " + session.Token}}
	conn, _, err := dialStream(t, srv, "", header)
	if err != nil {
		t.Fatal(err)
	}
	conn.Close()
}

func TestStreamServer_RejectsBadToken(t *testing.T) {
	srv, _ := startStreamServer(t)

	_, resp, err := dialStream(t, srv, "token=wrong", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 handshake response, got %+v", resp)
	}

	_, resp, err = dialStream(t, srv, "", nil)
	if err == nil {
		t.Fatal("expected dial without token to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 handshake response, got %+v", resp)
	}
}

func TestStreamServer_FanOut(t *testing.T) {
	srv, session := startStreamServer(t)

	conns := make([]*websocket.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, _, err := dialStream(t, srv, "token="+session.Token, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conns = append(conns, conn)
	}

	// All connections must be registered before the publish.
	waitForStreamClients(t, srv, 3)

	srv.Publish(OutputEvent{Stream: "stderr", Line: "warning"})

	for i, conn := range conns {
		event := readEvent(t, conn)
		if event.Line != "warning" || event.Stream != "stderr" {
			t.Errorf("client %d: unexpected event %+v", i, event)
		}
	}
}

func TestStreamServer_CompleteEvent(t *testing.T) {
	srv, session := startStreamServer(t)

	conn, _, err := dialStream(t, srv, "token="+session.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForStreamClients(t, srv, 1)

	exitCode := 3
	srv.Publish(OutputEvent{Type: "complete", ExitCode: &exitCode})

	event := readEvent(t, conn)
	if event.Type != "complete" {
		t.Fatalf("expected complete event, got %+v", event)
	}
	if event.ExitCode == nil || *event.ExitCode != 3 {
		t.Errorf("unexpected exit code %v", event.ExitCode)
	}
}

func TestStreamServer_ShutdownDisconnects(t *testing.T) {
	srv, session := startStreamServer(t)

	conn, _, err := dialStream(t, srv, "token="+session.Token, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	waitForStreamClients(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("expected read to fail after shutdown")
	}

	// Publishing after shutdown must not panic.
	srv.Publish(OutputEvent{Line: "late"})
}

// waitForStreamClients polls until n clients are registered.
func waitForStreamClients(t *testing.T, srv *StreamServer, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		srv.mu.Lock()
		count := len(srv.clients)
		srv.mu.Unlock()
		if count == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d stream clients", n)
}

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func startTestServer(t *testing.T, handler Handler) string {
	t.Helper()
	socket := filepath.Join(t.TempDir(), "test.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan error, 1)
	go func() { done <- NewServer(socket, handler).Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("server did not stop")
		}
	})

	// Wait for the socket to appear.
	for i := 0; i < 100; i++ {
		if c, err := Connect(socket); err == nil {
			c.Close()
			return socket
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never came up")
	return ""
}

func TestRequestResponseRoundTrip(t *testing.T) {
	socket := startTestServer(t, func(ctx context.Context, req Request) Response {
		if req.Cmd != CmdGetSessionDetail {
			return Fail(fmt.Errorf("unexpected command %q", req.Cmd))
		}
		return OK(map[string]int64{"session_id": req.SessionID})
	})

	client, err := Connect(socket)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.Send(Request{Cmd: CmdGetSessionDetail, SessionID: 42})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.OK {
		t.Fatalf("response failed: %s", resp.Error)
	}
	var payload map[string]int64
	if err := json.Unmarshal(resp.Result, &payload); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if payload["session_id"] != 42 {
		t.Errorf("session_id = %d, want 42", payload["session_id"])
	}
}

func TestErrorResponse(t *testing.T) {
	socket := startTestServer(t, func(ctx context.Context, req Request) Response {
		return Fail(errors.New("something broke"))
	})

	client, err := Connect(socket)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	resp, err := client.Send(Request{Cmd: CmdStatus})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.OK {
		t.Fatal("expected failed response")
	}
	if resp.Error != "something broke" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestMultipleRequestsOnOneConnection(t *testing.T) {
	socket := startTestServer(t, func(ctx context.Context, req Request) Response {
		return OK(req.Cmd)
	})

	client, err := Connect(socket)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	for _, cmd := range []string{CmdStatus, CmdPause, CmdResume} {
		resp, err := client.Send(Request{Cmd: cmd})
		if err != nil {
			t.Fatalf("send %s: %v", cmd, err)
		}
		var echoed string
		if err := json.Unmarshal(resp.Result, &echoed); err != nil || echoed != cmd {
			t.Errorf("echo = %q, want %q", echoed, cmd)
		}
	}
}

func TestOKNilPayload(t *testing.T) {
	resp := OK(nil)
	if !resp.OK || resp.Result != nil {
		t.Errorf("OK(nil) = %+v", resp)
	}
}

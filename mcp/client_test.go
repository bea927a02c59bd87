package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	clubchat "github.com/aadya75/clubchat"
)

// fakePeer runs a scripted tool server over in-process pipes.
type fakePeer struct {
	client   *Client
	requests chan request
	// respond writes a frame to the client's read side.
	respond  func(v any)
	writeRaw func(line string)
	closeIn  func()
}

// startPeer wires a client to a goroutine that decodes its requests and
// routes them to handle. A nil handle leaves requests unanswered.
func startPeer(t *testing.T, handle func(req request, respond func(v any)), opts ...Option) *fakePeer {
	t.Helper()

	clientIn, peerOut := io.Pipe()  // peer -> client
	peerIn, clientOut := io.Pipe()  // client -> peer

	client := newClient("testpeer", clientOut, clientIn, opts...)
	t.Cleanup(func() {
		clientOut.Close()
		peerOut.Close()
	})

	p := &fakePeer{
		client:   client,
		requests: make(chan request, 16),
		respond: func(v any) {
			data, err := json.Marshal(v)
			if err != nil {
				t.Errorf("peer marshal: %v", err)
				return
			}
			peerOut.Write(append(data, '\n'))
		},
		writeRaw: func(line string) { peerOut.Write([]byte(line + "\n")) },
		closeIn:  func() { peerOut.Close() },
	}

	go func() {
		scanner := bufio.NewScanner(peerIn)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			p.requests <- req
			if handle != nil {
				handle(req, p.respond)
			}
		}
	}()
	return p
}

func TestClientListTools(t *testing.T) {
	peer := startPeer(t, func(req request, respond func(v any)) {
		if req.Method != "list_tools" {
			t.Errorf("method = %q", req.Method)
		}
		respond(map[string]any{
			"id": req.ID,
			"result": []map[string]any{
				{"name": "web_search", "description": "search the web", "input_schema": map[string]any{"type": "object"}},
			},
		})
	})

	defs, err := peer.client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("list_tools: %v", err)
	}
	if len(defs) != 1 || defs[0].Name != "web_search" {
		t.Fatalf("defs = %+v", defs)
	}
}

func TestClientCallTool(t *testing.T) {
	peer := startPeer(t, func(req request, respond func(v any)) {
		var params callToolParams
		json.Unmarshal(req.Params, &params)
		if params.Name != "web_search" {
			t.Errorf("tool = %q", params.Name)
		}
		respond(map[string]any{"id": req.ID, "result": "PID is a controller"})
	})

	raw, err := peer.client.CallTool(context.Background(), "web_search", json.RawMessage(`{"query":"pid"}`))
	if err != nil {
		t.Fatalf("call_tool: %v", err)
	}
	var s string
	if json.Unmarshal(raw, &s) != nil || s != "PID is a controller" {
		t.Errorf("result = %s", raw)
	}
}

func TestClientConcurrentCallsDemuxedByID(t *testing.T) {
	peer := startPeer(t, func(req request, respond func(v any)) {
		var params callToolParams
		json.Unmarshal(req.Params, &params)
		var args struct {
			Query string `json:"query"`
		}
		json.Unmarshal(params.Arguments, &args)
		respond(map[string]any{"id": req.ID, "result": "echo:" + args.Query})
	})

	const n = 4
	results := make([]string, n)
	errs := make([]error, n)
	done := make(chan int, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			arg, _ := json.Marshal(map[string]string{"query": string(rune('a' + i))})
			raw, err := peer.client.CallTool(context.Background(), "echo", arg)
			errs[i] = err
			if err == nil {
				json.Unmarshal(raw, &results[i])
			}
			done <- i
		}(i)
	}
	for i := 0; i < n; i++ {
		<-done
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		want := "echo:" + string(rune('a'+i))
		if results[i] != want {
			t.Errorf("call %d = %q, want %q", i, results[i], want)
		}
	}
}

func TestClientDeadlineReleasesWaiter(t *testing.T) {
	peer := startPeer(t, nil) // never answers

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := peer.client.CallTool(ctx, "slow", nil)

	var terr *clubchat.TransportError
	if !errors.As(err, &terr) || terr.Kind != clubchat.KindTimeout {
		t.Fatalf("expected TransportError{timeout}, got %v", err)
	}
	if peer.client.Degraded() {
		t.Error("timeout degraded the client")
	}

	// The peer stays usable for the next call.
	go func() {
		req := <-peer.requests // the timed-out request
		_ = req
		req = <-peer.requests
		peer.respond(map[string]any{"id": req.ID, "result": "late but fine"})
	}()
	raw, err := peer.client.CallTool(context.Background(), "ok", nil)
	if err != nil {
		t.Fatalf("follow-up call: %v", err)
	}
	var s string
	json.Unmarshal(raw, &s)
	if s != "late but fine" {
		t.Errorf("follow-up = %q", s)
	}
}

func TestClientPeerGoneFailsPendingAndDegrades(t *testing.T) {
	peer := startPeer(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := peer.client.CallTool(context.Background(), "never", nil)
		errCh <- err
	}()
	<-peer.requests // wait until the call is in flight
	peer.closeIn()  // peer exits

	err := <-errCh
	var terr *clubchat.TransportError
	if !errors.As(err, &terr) || terr.Kind != clubchat.KindPeerGone {
		t.Fatalf("expected TransportError{peer_gone}, got %v", err)
	}
	if !peer.client.Degraded() {
		t.Error("client not degraded after peer exit")
	}

	// Subsequent calls fail fast with peer_gone.
	_, err = peer.client.CallTool(context.Background(), "again", nil)
	if !errors.As(err, &terr) || terr.Kind != clubchat.KindPeerGone {
		t.Fatalf("post-exit call: %v", err)
	}
}

func TestClientMalformedFrameSkipped(t *testing.T) {
	peer := startPeer(t, nil)
	go func() {
		req := <-peer.requests
		// Garbage first, then the real response.
		peer.writeRaw(`{{{not json`)
		peer.respond(map[string]any{"id": req.ID, "result": "survived"})
	}()

	raw, err := peer.client.CallTool(context.Background(), "x", nil)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	var s string
	json.Unmarshal(raw, &s)
	if s != "survived" {
		t.Errorf("result = %q", s)
	}
}

func TestClientRemoteErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		response func(id int64) any
		wantKind string
	}{
		{
			"rpc error object",
			func(id int64) any {
				return map[string]any{"id": id, "error": map[string]any{"code": -32000, "message": "boom"}}
			},
			clubchat.KindRemoteFailure,
		},
		{
			"in-band error field",
			func(id int64) any {
				return map[string]any{"id": id, "result": map[string]any{"error": "tool blew up"}}
			},
			clubchat.KindRemoteFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := startPeer(t, func(req request, respond func(v any)) {
				respond(tt.response(req.ID))
			})
			_, err := peer.client.CallTool(context.Background(), "x", nil)
			var terr *clubchat.ToolError
			if !errors.As(err, &terr) || terr.Kind != tt.wantKind {
				t.Fatalf("err = %v", err)
			}
		})
	}
}

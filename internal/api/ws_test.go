package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zoravur/pipeline-bridge/internal/pipeline"
	"github.com/zoravur/pipeline-bridge/internal/protocol"
	"github.com/zoravur/pipeline-bridge/internal/testutil"
)

func TestSubmitThenRequestRoundTrip(t *testing.T) {
	h := newHarness(t)
	a := h.dial(t)
	b := h.dial(t)

	send(t, a, `{"path":"/etc/send_pipeline","data":{"file_path":"a.json","pipeline":[{"id":1},{"id":2}]}}`)
	ack := read(t, a)
	if ack.Path != protocol.PathSubmitAck {
		t.Fatalf("ack path = %q", ack.Path)
	}
	var got SubmitAck
	if err := json.Unmarshal(ack.Data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Status != protocol.StatusOK || got.FilePath != "a.json" {
		t.Fatalf("ack = %+v", got)
	}
	if e, ok := h.store.Get("a.json"); !ok || e.NodeCount != 2 {
		t.Fatalf("stored entry = %+v, %v", e, ok)
	}

	send(t, b, `{"path":"/api/request_pipeline","data":{"file_path":"a.json"}}`)
	resp := read(t, b)
	if resp.Path != protocol.PathResponsePipeline {
		t.Fatalf("response path = %q", resp.Path)
	}
	var doc pipeline.Document
	if err := json.Unmarshal(resp.Data, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.FilePath != "a.json" || compactJSON(t, doc.Pipeline) != `[{"id":1},{"id":2}]` {
		t.Fatalf("response = %s", resp.Data)
	}
}

func TestLastWriteWins(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	for _, p := range []string{`[{"v":1}]`, `[{"v":2},{"v":3}]`} {
		send(t, c, fmt.Sprintf(`{"path":"/etc/send_pipeline","data":{"file_path":"k.json","pipeline":%s}}`, p))
		if env := read(t, c); env.Path != protocol.PathSubmitAck {
			t.Fatalf("path = %q", env.Path)
		}
	}
	send(t, c, `{"path":"/api/request_pipeline","data":{"file_path":"k.json"}}`)
	var doc pipeline.Document
	_ = json.Unmarshal(read(t, c).Data, &doc)
	if compactJSON(t, doc.Pipeline) != `[{"v":2},{"v":3}]` {
		t.Fatalf("pipeline = %s", doc.Pipeline)
	}
}

func TestSubmitEmptyPipeline(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	frames := []string{
		`{"path":"/etc/send_pipeline","data":{"file_path":"a.json"}}`,
		`{"path":"/etc/send_pipeline","data":{"file_path":"a.json","pipeline":[]}}`,
		`{"path":"/etc/send_pipeline","data":{"file_path":"a.json","pipeline":null}}`,
		`{"path":"/etc/send_pipeline","data":{"file_path":"a.json","pipeline":{}}}`,
		`{"path":"/etc/send_pipeline","data":"not an object"}`,
	}
	for _, f := range frames {
		send(t, c, f)
		if got := readError(t, c); got.Message != "pipeline data is empty" {
			t.Fatalf("%s: message = %q", f, got.Message)
		}
	}
	if h.store.Len() != 0 {
		t.Fatalf("store mutated: %v", h.store.Keys())
	}
}

func TestSubmitWithoutFilePathUsesUnknown(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, `{"path":"/etc/send_pipeline","data":{"pipeline":[1]}}`)
	var ack SubmitAck
	_ = json.Unmarshal(read(t, c).Data, &ack)
	if ack.FilePath != "unknown" {
		t.Fatalf("file_path = %q", ack.FilePath)
	}
	if _, ok := h.store.Get("unknown"); !ok {
		t.Fatal("entry not stored under unknown")
	}
}

func TestRequestMissingPipeline(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, `{"path":"/api/request_pipeline","data":{"file_path":"missing.json"}}`)
	if got := readError(t, c); got.Message != "pipeline not found: missing.json" {
		t.Fatalf("message = %q", got.Message)
	}
	if h.store.Len() != 0 {
		t.Fatal("request created an entry")
	}
}

func TestRequestWithoutFilePathIsIgnored(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, `{"path":"/api/request_pipeline","data":{}}`)
	send(t, c, `{"path":"/api/request_pipeline","data":{"file_path":7}}`)
	// The next reply must belong to the handshake.
	send(t, c, `{"path":"/system/handshake","data":{}}`)
	if env := read(t, c); env.Path != protocol.PathHandshakeResponse {
		t.Fatalf("got %q (%s), want handshake response", env.Path, env.Data)
	}
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	cases := map[string]string{
		`{"path":"/nope","data":{}}`:      "route not found: /nope",
		`{"data":{"file_path":"a.json"}}`: "route not found: null",
		`[1,2,3]`:                         "route not found: null",
		`{"path":42,"data":null}`:         "route not found: 42",
	}
	for frame, want := range cases {
		send(t, c, frame)
		if got := readError(t, c); got.Message != want {
			t.Fatalf("%s: message = %q, want %q", frame, got.Message, want)
		}
	}
	if h.store.Len() != 0 {
		t.Fatal("unknown route mutated the store")
	}
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	send(t, c, `not-json`)
	if got := readError(t, c); got.Message != "invalid message format" {
		t.Fatalf("message = %q", got.Message)
	}

	send(t, c, `{"path":"/etc/send_pipeline","data":{"file_path":"after.json","pipeline":[{"id":1}]}}`)
	if env := read(t, c); env.Path != protocol.PathSubmitAck {
		t.Fatalf("connection unusable after malformed frame: %q", env.Path)
	}
}

func TestHandshake(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	cases := []struct {
		version    string
		compatible bool
	}{
		{"1.4.2", true},
		{"v1", true},
		{"", true},
		{"2.0.0", false},
	}
	for _, tc := range cases {
		send(t, c, fmt.Sprintf(`{"path":"/system/handshake","data":{"protocol_version":%q}}`, tc.version))
		var resp HandshakeResponse
		_ = json.Unmarshal(read(t, c).Data, &resp)
		if resp.Compatible != tc.compatible {
			t.Fatalf("%q: compatible = %v", tc.version, resp.Compatible)
		}
		if resp.ProtocolVersion != ProtocolVersion || resp.ServerVersion != "test" || resp.ConnectionID == "" {
			t.Fatalf("%q: response = %+v", tc.version, resp)
		}
	}
}

func TestSubmitPersistFailureLeavesStoreUntouched(t *testing.T) {
	root := t.TempDir()
	h := newHarness(t, withPersister(pipeline.FileMirror{Root: root}))
	c := h.dial(t)

	send(t, c, `{"path":"/etc/send_pipeline","data":{"file_path":"absent.json","pipeline":[1,2]}}`)
	if got := readError(t, c); got.Message != "local file not found: absent.json" {
		t.Fatalf("message = %q", got.Message)
	}
	if h.store.Len() != 0 {
		t.Fatal("store written despite persist failure")
	}

	target := filepath.Join(root, "present.json")
	if err := os.WriteFile(target, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}
	send(t, c, `{"path":"/etc/send_pipeline","data":{"file_path":"present.json","pipeline":[1,2]}}`)
	if env := read(t, c); env.Path != protocol.PathSubmitAck {
		t.Fatalf("path = %q", env.Path)
	}
	written, _ := os.ReadFile(target)
	if compactJSON(t, written) != `[1,2]` {
		t.Fatalf("mirrored file = %s", written)
	}
}

func TestSubmitPersisterError(t *testing.T) {
	boom := pipeline.PersisterFunc(func(ctx context.Context, doc pipeline.Document) error {
		return &pipeline.PersistError{FilePath: doc.FilePath, Err: errors.New("disk full")}
	})
	h := newHarness(t, withPersister(boom))
	c := h.dial(t)

	send(t, c, `{"path":"/etc/send_pipeline","data":{"file_path":"a.json","pipeline":[1]}}`)
	if got := readError(t, c); got.Message != "persist pipeline failed: disk full" {
		t.Fatalf("message = %q", got.Message)
	}
	if h.store.Len() != 0 {
		t.Fatal("store written despite persist failure")
	}
}

func TestConcurrentSubmitsDistinctKeys(t *testing.T) {
	h := newHarness(t)
	const clients, perClient = 4, 10

	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = h.dial(t)
	}

	want := make(map[string]string)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, c := range conns {
		wg.Add(1)
		go func(i int, c *websocket.Conn) {
			defer wg.Done()
			for j := 0; j < perClient; j++ {
				key := fmt.Sprintf("c%d/p%d.json", i, j)
				body := fmt.Sprintf(`[{"client":%d,"seq":%d}]`, i, j)
				frame := fmt.Sprintf(`{"path":"/etc/send_pipeline","data":{"file_path":%q,"pipeline":%s}}`, key, body)
				if err := c.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
					t.Errorf("write: %v", err)
					return
				}
				var env envelope
				_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
				if err := c.ReadJSON(&env); err != nil || env.Path != protocol.PathSubmitAck {
					t.Errorf("ack %s: %v %q", key, err, env.Path)
					return
				}
				mu.Lock()
				want[key] = body
				mu.Unlock()
			}
		}(i, c)
	}
	wg.Wait()

	if h.store.Len() != clients*perClient {
		t.Fatalf("stored %d entries, want %d", h.store.Len(), clients*perClient)
	}
	for key, body := range want {
		e, ok := h.store.Get(key)
		if !ok || compactJSON(t, e.Pipeline) != body {
			t.Fatalf("%s: got %s", key, e.Pipeline)
		}
	}
}

func TestPushBroadcastsToAllClients(t *testing.T) {
	h := newHarness(t)

	n, err := h.handlers.Push(pipeline.Document{FilePath: "x.json", Pipeline: json.RawMessage(`[1]`)})
	if err != nil || n != 0 {
		t.Fatalf("push with no clients = %d, %v", n, err)
	}

	a, b := h.dial(t), h.dial(t)
	doc := pipeline.Document{FilePath: "x.json", Pipeline: testutil.Pipeline(t, 3)}
	n, err = h.handlers.Push(doc)
	if err != nil || n != 2 {
		t.Fatalf("push = %d, %v", n, err)
	}
	for _, c := range []*websocket.Conn{a, b} {
		env := read(t, c)
		if env.Path != protocol.PathPushPipeline {
			t.Fatalf("path = %q", env.Path)
		}
		var got pipeline.Document
		_ = json.Unmarshal(env.Data, &got)
		if got.FilePath != "x.json" || compactJSON(t, got.Pipeline) != compactJSON(t, doc.Pipeline) {
			t.Fatalf("pushed = %s", env.Data)
		}
	}
}

func TestDisconnectDeregisters(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)
	if h.registry.Len() != 1 {
		t.Fatalf("registry len = %d", h.registry.Len())
	}
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.Close()
	waitFor(t, func() bool { return h.registry.Len() == 0 })
}

func TestShutdownClosesConnections(t *testing.T) {
	h := newHarness(t)
	c := h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- h.ws.Shutdown(ctx) }()

	// The client sees the going-away frame; gorilla echoes the close.
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := c.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("read err = %v, want going away", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("registry len after shutdown = %d", h.registry.Len())
	}

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL("/ws"), nil)
	if err == nil {
		t.Fatal("dial after shutdown succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("dial after shutdown: %v", err)
	}
}

func TestShutdownForcesStragglers(t *testing.T) {
	h := newHarness(t)
	// A client that never reads cannot answer the close handshake.
	_ = h.dial(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := h.ws.Shutdown(ctx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Shutdown: %v", err)
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("Shutdown did not respect its deadline")
	}
	waitFor(t, func() bool { return h.registry.Len() == 0 })
}

func TestConcurrentSubmitsSameKeyKeepFileAndStoreInSync(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "shared.json")
	if err := os.WriteFile(target, []byte("[]"), 0o644); err != nil {
		t.Fatal(err)
	}

	mirror := pipeline.FileMirror{Root: root}
	firstWritten := make(chan struct{})
	slow := pipeline.PersisterFunc(func(ctx context.Context, doc pipeline.Document) error {
		if err := mirror.Persist(ctx, doc); err != nil {
			return err
		}
		if strings.Contains(string(doc.Pipeline), `"A"`) {
			close(firstWritten)
			// Hold the first submission between its file write and its
			// store write while the second one arrives.
			time.Sleep(150 * time.Millisecond)
		}
		return nil
	})
	h := newHarness(t, withPersister(slow))
	a, b := h.dial(t), h.dial(t)

	send(t, a, `{"path":"/etc/send_pipeline","data":{"file_path":"shared.json","pipeline":[{"v":"A"}]}}`)
	select {
	case <-firstWritten:
	case <-time.After(3 * time.Second):
		t.Fatal("first submission never reached the persister")
	}
	send(t, b, `{"path":"/etc/send_pipeline","data":{"file_path":"shared.json","pipeline":[{"v":"B"}]}}`)

	for _, c := range []*websocket.Conn{a, b} {
		if env := read(t, c); env.Path != protocol.PathSubmitAck {
			t.Fatalf("path = %q (%s)", env.Path, env.Data)
		}
	}

	written, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := h.store.Get("shared.json")
	if !ok {
		t.Fatal("nothing stored")
	}
	file, stored := compactJSON(t, written), compactJSON(t, e.Pipeline)
	if file != stored {
		t.Fatalf("file=%s store=%s: store and mirrored file diverged", file, stored)
	}
	if stored != `[{"v":"B"}]` {
		t.Fatalf("store = %s, want the later submission", stored)
	}
}

func TestFailedPersisterLeavesMirroredFileUntouched(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "flow.json")
	before := []byte(`[{"old":1}]`)
	if err := os.WriteFile(target, before, 0o644); err != nil {
		t.Fatal(err)
	}

	journalDown := pipeline.PersisterFunc(func(ctx context.Context, doc pipeline.Document) error {
		return &pipeline.PersistError{FilePath: doc.FilePath, Err: errors.New("journal insert: connection refused")}
	})
	h := newHarness(t, withPersister(pipeline.NewChain(pipeline.FileMirror{Root: root}, journalDown)))
	c := h.dial(t)

	send(t, c, `{"path":"/etc/send_pipeline","data":{"file_path":"flow.json","pipeline":[{"new":1}]}}`)
	if got := readError(t, c); !strings.HasPrefix(got.Message, "persist pipeline failed:") {
		t.Fatalf("message = %q", got.Message)
	}
	if h.store.Len() != 0 {
		t.Fatal("store written despite persist failure")
	}
	after, _ := os.ReadFile(target)
	if !bytes.Equal(before, after) {
		t.Fatalf("file rewritten despite failure: %s", after)
	}
}

func TestShutdownRefusesConnectionUpgradedLate(t *testing.T) {
	h := newHarness(t)

	// A handler past enter() but not yet tracked, as during an upgrade.
	if !h.ws.enter() {
		t.Fatal("enter refused before shutdown")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- h.ws.Shutdown(ctx) }()

	waitFor(t, func() bool {
		h.ws.mu.Lock()
		defer h.ws.mu.Unlock()
		return h.ws.closing
	})

	late := &wsConn{id: "late"}
	if h.ws.track(late) {
		t.Fatal("track accepted a connection after shutdown began")
	}
	h.ws.mu.Lock()
	_, tracked := h.ws.conns[late]
	h.ws.mu.Unlock()
	if tracked {
		t.Fatal("refused connection left in the tracked set")
	}

	h.ws.wg.Done()
	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Shutdown waited on a refused connection")
	}
}

package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoravur/pipeline-bridge/internal/logbus"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
	"github.com/zoravur/pipeline-bridge/internal/protocol"
)

type harness struct {
	srv      *httptest.Server
	store    *pipeline.Store
	registry *protocol.Registry
	handlers *PipelineHandlers
	ws       *WSHandler
	bus      *logbus.Bus
	history  HistorySource
	done     chan struct{}
}

type harnessOption func(*harness)

func withPersister(p pipeline.Persister) harnessOption {
	return func(h *harness) { h.handlers.Persister = p }
}

func withHistory(src HistorySource) harnessOption {
	return func(h *harness) { h.history = src }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	bus := logbus.New()
	log := zap.New(bus.Core(zapcore.DebugLevel))

	h := &harness{
		store:    pipeline.NewStore(),
		registry: protocol.NewRegistry(),
		bus:      bus,
		done:     make(chan struct{}),
	}
	h.handlers = &PipelineHandlers{
		Store:    h.store,
		Registry: h.registry,
		Log:      log,
		Version:  "test",
	}
	for _, o := range opts {
		o(h)
	}

	router := protocol.NewRouter(log)
	h.handlers.Register(router)
	h.ws = &WSHandler{
		Registry:     h.registry,
		Router:       router,
		Log:          log,
		WriteTimeout: time.Second,
	}
	panel := &Panel{
		Store:     h.store,
		Pipelines: h.handlers,
		Logs:      bus,
		Done:      h.done,
	}
	if h.history != nil {
		panel.History = h.history
	}

	h.srv = httptest.NewServer(SetupRoutes(Deps{
		WS:    h.ws,
		Panel: panel,
		Status: func() Status {
			return Status{State: "running", Clients: h.registry.Len(), Pipelines: h.store.Len(), Routes: router.Routes()}
		},
		Log: log,
	}))
	t.Cleanup(func() {
		close(h.done)
		h.srv.Close()
	})
	return h
}

func (h *harness) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
}

// dial connects an editor client and waits until it is registered.
func (h *harness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	before := h.registry.Len()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL("/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	waitFor(t, func() bool { return h.registry.Len() > before })
	return conn
}

type envelope struct {
	Path string          `json:"path"`
	Data json.RawMessage `json:"data"`
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func read(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func readError(t *testing.T, conn *websocket.Conn) protocol.ErrorData {
	t.Helper()
	env := read(t, conn)
	if env.Path != protocol.PathError {
		t.Fatalf("path = %q, want %q (data %s)", env.Path, protocol.PathError, env.Data)
	}
	var data protocol.ErrorData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data.Status != protocol.StatusError {
		t.Fatalf("status = %q", data.Status)
	}
	return data
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func compactJSON(t *testing.T, raw []byte) string {
	t.Helper()
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("invalid JSON %q: %v", raw, err)
	}
	out, _ := json.Marshal(v)
	return string(out)
}

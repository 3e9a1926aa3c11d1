package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/journal"
	"github.com/zoravur/pipeline-bridge/internal/logbus"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
)

const (
	maxPanelBody   = 8 << 20
	logStreamBuf   = 256
	defaultHistory = 20
)

// HistorySource lists journaled submissions for a file path.
type HistorySource interface {
	History(ctx context.Context, filePath string, limit int) ([]journal.Record, error)
}

// Panel serves the control-panel API: inspecting and editing the store,
// pushing to editors and streaming logs.
type Panel struct {
	Store     *pipeline.Store
	Pipelines *PipelineHandlers
	History   HistorySource // nil when no journal is configured
	Logs      *logbus.Bus
	// Done closes when the server stops; open log streams end with it.
	Done <-chan struct{}
}

type loadRequest struct {
	Path string `json:"path"`
}

type pushRequest struct {
	FilePath string `json:"file_path"`
}

func (p *Panel) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.Store.Snapshot(false))
}

func (p *Panel) handleGet(w http.ResponseWriter, r *http.Request) {
	fp, ok := filePathParam(w, r)
	if !ok {
		return
	}
	entry, found := p.Store.Get(fp)
	if !found {
		http.Error(w, "pipeline not found: "+fp, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handlePut stores the request body (JSON or JSONC) under file_path.
// Persisters are not run; this only edits the in-memory store.
func (p *Panel) handlePut(w http.ResponseWriter, r *http.Request) {
	fp, ok := filePathParam(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPanelBody))
	if err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	raw, err := pipeline.ParseJSONC(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	doc, err := pipeline.NewDocument(fp, raw)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entry := p.Store.Put(doc)
	LoggerFrom(r.Context()).Info("pipeline stored from panel",
		zap.String("file_path", fp), zap.Int("nodes", entry.NodeCount))
	entry.Pipeline = nil
	writeJSON(w, http.StatusOK, entry)
}

func (p *Panel) handleDelete(w http.ResponseWriter, r *http.Request) {
	fp, ok := filePathParam(w, r)
	if !ok {
		return
	}
	if !p.Store.Delete(fp) {
		http.Error(w, "pipeline not found: "+fp, http.StatusNotFound)
		return
	}
	LoggerFrom(r.Context()).Info("pipeline deleted", zap.String("file_path", fp))
	w.WriteHeader(http.StatusNoContent)
}

func (p *Panel) handleClear(w http.ResponseWriter, r *http.Request) {
	n := p.Store.Clear()
	LoggerFrom(r.Context()).Info("pipelines cleared", zap.Int("count", n))
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handleLoad reads a pipeline file from the server's filesystem into the
// store, keyed by its path.
func (p *Panel) handleLoad(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPanelBody)).Decode(&req); err != nil || req.Path == "" {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	doc, err := pipeline.LoadFile(req.Path)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, fs.ErrNotExist) {
			code = http.StatusNotFound
		}
		http.Error(w, err.Error(), code)
		return
	}
	entry := p.Store.Put(doc)
	LoggerFrom(r.Context()).Info("pipeline loaded",
		zap.String("file_path", entry.FilePath), zap.Int("nodes", entry.NodeCount))
	entry.Pipeline = nil
	writeJSON(w, http.StatusOK, entry)
}

func (p *Panel) handlePush(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPanelBody)).Decode(&req); err != nil || req.FilePath == "" {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	entry, found := p.Store.Get(req.FilePath)
	if !found {
		http.Error(w, "pipeline not found: "+req.FilePath, http.StatusNotFound)
		return
	}
	n, err := p.Pipelines.Push(entry.Document)
	if err != nil {
		http.Error(w, "push failed: "+err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": n})
}

func (p *Panel) handleHistory(w http.ResponseWriter, r *http.Request) {
	if p.History == nil {
		http.Error(w, "journal not configured", http.StatusNotImplemented)
		return
	}
	fp, ok := filePathParam(w, r)
	if !ok {
		return
	}
	limit := defaultHistory
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	records, err := p.History.History(r.Context(), fp, limit)
	if err != nil {
		LoggerFrom(r.Context()).Error("history query failed", zap.Error(err))
		http.Error(w, "history query failed", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []journal.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// handleLogStream upgrades to a websocket and forwards log events until the
// peer goes away or the server stops. Events are dropped rather than
// blocking the logger when the peer is slow.
func (p *Panel) handleLogStream(w http.ResponseWriter, r *http.Request) {
	if p.Logs == nil {
		http.Error(w, "log stream not available", http.StatusNotImplemented)
		return
	}
	log := LoggerFrom(r.Context())
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("upgrade error", zap.Error(err))
		return
	}
	defer conn.Close()

	stream := p.Logs.Stream(logStreamBuf)
	defer stream.Close()

	// Reads only to notice the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-stream.C:
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-gone:
			return
		case <-p.Done:
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
			return
		}
	}
}

func filePathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	fp := r.URL.Query().Get("file_path")
	if fp == "" {
		http.Error(w, "missing file_path", http.StatusBadRequest)
		return "", false
	}
	return fp, true
}

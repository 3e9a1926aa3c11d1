package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/zoravur/pipeline-bridge/internal/logutil"
	"github.com/zoravur/pipeline-bridge/internal/metrics"
	"github.com/zoravur/pipeline-bridge/internal/pipeline"
	"github.com/zoravur/pipeline-bridge/internal/protocol"
)

// ProtocolVersion is the envelope protocol spoken on the editor socket.
// Clients sharing its major version are compatible.
const ProtocolVersion = "1.0.0"

// unknownFilePath keys submissions that arrive without a usable file_path.
const unknownFilePath = "unknown"

// SubmitAck is the reply to an accepted submission.
type SubmitAck struct {
	Status   string `json:"status"`
	FilePath string `json:"file_path"`
	Message  string `json:"message"`
}

// HandshakeResponse is the reply to PathHandshake.
type HandshakeResponse struct {
	ProtocolVersion string `json:"protocol_version"`
	ServerVersion   string `json:"server_version"`
	ConnectionID    string `json:"connection_id"`
	Compatible      bool   `json:"compatible"`
	Message         string `json:"message"`
}

// PipelineHandlers implements the editor-facing routes and the push
// operation on top of a shared Store and Registry.
type PipelineHandlers struct {
	Store     *pipeline.Store
	Registry  *protocol.Registry
	Persister pipeline.Persister // nil disables side-effects
	Metrics   *metrics.Collector
	Log       *zap.Logger
	Version   string
}

func (h *PipelineHandlers) Register(r *protocol.Router) {
	r.Handle(protocol.PathSubmitPipeline, h.handleSubmit)
	r.Handle(protocol.PathRequestPipeline, h.handleRequest)
	r.Handle(protocol.PathHandshake, h.handleHandshake)
}

func (h *PipelineHandlers) logger() *zap.Logger {
	return logutil.OrGlobal(h.Log)
}

// handleSubmit persists the pipeline and only then stores it, so the store
// never holds a document whose side-effects failed. Both steps run under
// the store's per-key lock.
func (h *PipelineHandlers) handleSubmit(ctx context.Context, conn protocol.Conn, data json.RawMessage) *protocol.Message {
	log := h.logger().With(zap.String("conn_id", conn.ID()))
	fields := protocol.Fields(data)

	filePath, ok := protocol.StringField(fields, "file_path")
	if !ok || filePath == "" {
		filePath = unknownFilePath
	}

	doc, err := pipeline.NewDocument(filePath, fields["pipeline"])
	if err != nil {
		log.Warn("submission rejected", zap.String("file_path", filePath), zap.Error(err))
		return protocol.Errorf("%s", err.Error())
	}

	entry, err := h.Store.PutWith(doc, func() error {
		if h.Persister == nil {
			return nil
		}
		return h.Persister.Persist(ctx, doc)
	})
	if err != nil {
		log.Error("persist pipeline failed", zap.String("file_path", filePath), zap.Error(err))
		return persistFailure(filePath, err)
	}

	log.Info("pipeline stored", logutil.Values(
		zap.String("file_path", entry.FilePath),
		zap.Int("nodes", entry.NodeCount),
	))
	return &protocol.Message{
		Path: protocol.PathSubmitAck,
		Data: SubmitAck{
			Status:   protocol.StatusOK,
			FilePath: filePath,
			Message:  fmt.Sprintf("pipeline received (%d nodes)", entry.NodeCount),
		},
	}
}

func persistFailure(filePath string, err error) *protocol.Message {
	if errors.Is(err, pipeline.ErrLocalFileMissing) {
		return protocol.Errorf("local file not found: %s", filePath)
	}
	cause := err
	var pe *pipeline.PersistError
	if errors.As(err, &pe) {
		cause = pe.Err
	}
	return protocol.Errorf("persist pipeline failed: %v", cause)
}

// handleRequest answers with the stored document. Requests without a
// string file_path get no reply at all.
func (h *PipelineHandlers) handleRequest(_ context.Context, conn protocol.Conn, data json.RawMessage) *protocol.Message {
	log := h.logger().With(zap.String("conn_id", conn.ID()))

	filePath, ok := protocol.StringField(protocol.Fields(data), "file_path")
	if !ok || filePath == "" {
		log.Warn("pipeline request without file_path ignored")
		return nil
	}

	entry, found := h.Store.Get(filePath)
	if !found {
		log.Warn("requested pipeline not found", zap.String("file_path", filePath))
		return protocol.Errorf("pipeline not found: %s", filePath)
	}

	log.Info("pipeline sent", zap.String("file_path", filePath), zap.Int("nodes", entry.NodeCount))
	return &protocol.Message{Path: protocol.PathResponsePipeline, Data: entry.Document}
}

func (h *PipelineHandlers) handleHandshake(_ context.Context, conn protocol.Conn, data json.RawMessage) *protocol.Message {
	clientVersion, _ := protocol.StringField(protocol.Fields(data), "protocol_version")
	compatible := clientVersion == "" || majorVersion(clientVersion) == majorVersion(ProtocolVersion)

	resp := HandshakeResponse{
		ProtocolVersion: ProtocolVersion,
		ServerVersion:   h.Version,
		ConnectionID:    conn.ID(),
		Compatible:      compatible,
		Message:         "ok",
	}
	if !compatible {
		resp.Message = fmt.Sprintf("client protocol %s is not compatible with %s", clientVersion, ProtocolVersion)
		h.logger().Warn("incompatible client protocol",
			zap.String("conn_id", conn.ID()),
			zap.String("client_version", clientVersion),
		)
	}
	return &protocol.Message{Path: protocol.PathHandshakeResponse, Data: resp}
}

func majorVersion(v string) string {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	major, _, _ := strings.Cut(v, ".")
	return major
}

// Push sends doc to every connected editor and returns how many
// connections the send was attempted on. Zero connections is logged and
// is not an error.
func (h *PipelineHandlers) Push(doc pipeline.Document) (int, error) {
	log := h.logger()
	res, err := h.Registry.Broadcast(protocol.Message{Path: protocol.PathPushPipeline, Data: doc})
	if err != nil {
		return 0, err
	}
	h.Metrics.ObserveBroadcast(res.Attempted, res.Delivered)

	if res.Attempted == 0 {
		log.Warn("push skipped: no connected clients", zap.String("file_path", doc.FilePath))
		return 0, nil
	}
	if res.Err != nil {
		log.Warn("push partially failed",
			zap.String("file_path", doc.FilePath),
			zap.Int("delivered", res.Delivered),
			zap.Int("attempted", res.Attempted),
			zap.Error(res.Err),
		)
	} else {
		log.Info("pipeline pushed", zap.String("file_path", doc.FilePath), zap.Int("clients", res.Attempted))
	}
	return res.Attempted, nil
}

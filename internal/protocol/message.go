package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Routes. Client-bound paths are replies or pushes; the rest are accepted
// from clients.
const (
	PathSubmitPipeline    = "/etc/send_pipeline"
	PathSubmitAck         = "/etc/send_pipeline/ack"
	PathRequestPipeline   = "/api/request_pipeline"
	PathResponsePipeline  = "/api/response_pipeline"
	PathPushPipeline      = "/cte/send_pipeline"
	PathHandshake         = "/system/handshake"
	PathHandshakeResponse = "/system/handshake/response"
	PathError             = "/error"
)

const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Message is an outbound envelope.
type Message struct {
	Path string `json:"path"`
	Data any    `json:"data"`
}

// ErrorData is the payload of every PathError message.
type ErrorData struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Errorf builds a PathError message.
func Errorf(format string, args ...any) *Message {
	return &Message{
		Path: PathError,
		Data: ErrorData{Status: StatusError, Message: fmt.Sprintf(format, args...)},
	}
}

// Envelope is a decoded inbound frame.
type Envelope struct {
	// Path is valid only when HasPath is true.
	Path    string
	HasPath bool
	Data    json.RawMessage

	rawPath json.RawMessage
}

// RouteLabel renders the path for logs and "route not found" replies.
// Frames without a string path render as their raw JSON, or "null".
func (e Envelope) RouteLabel() string {
	if e.HasPath {
		return e.Path
	}
	if len(e.rawPath) == 0 {
		return "null"
	}
	return string(e.rawPath)
}

// Encode serializes one outbound frame.
func Encode(path string, data any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(Message{Path: path, Data: data}); err != nil {
		return nil, &SerializationError{Path: path, Err: err}
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// DecodeMessage parses one inbound frame. Text that is not JSON yields a
// *ParseError. Well-formed JSON that is not an object, or that carries no
// string "path", decodes with HasPath == false so it can be answered as an
// unknown route.
func DecodeMessage(raw []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Envelope{}, nil
		}
		return Envelope{}, &ParseError{Err: err}
	}

	env := Envelope{Data: fields["data"]}
	if p, ok := fields["path"]; ok {
		env.rawPath = p
		if err := json.Unmarshal(p, &env.Path); err == nil && len(p) > 0 && p[0] == '"' {
			env.HasPath = true
		}
	}
	return env, nil
}

// Fields returns data as an object, or nil when data is absent or is not
// a JSON object.
func Fields(data json.RawMessage) map[string]json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

// StringField extracts a string member from an object.
func StringField(fields map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}

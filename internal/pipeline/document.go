// Package pipeline holds pipeline documents received from editor clients:
// the in-memory store, the persistence side-effects applied before a
// submission is accepted, and loading documents from disk.
package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrEmptyPipeline = errors.New("pipeline data is empty")
	ErrNotContainer  = errors.New("pipeline must be a JSON array or object")
)

// Document is a pipeline keyed by the file path it belongs to. Pipeline
// holds the nodes verbatim; their content is never inspected.
type Document struct {
	FilePath string          `json:"file_path"`
	Pipeline json.RawMessage `json:"pipeline"`
}

// NewDocument validates raw and returns a Document owning a copy of it.
// Absent, null, false, zero, empty-string, empty-array and empty-object
// pipelines are all empty.
func NewDocument(filePath string, raw json.RawMessage) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if isEmpty(trimmed) {
		return Document{}, ErrEmptyPipeline
	}
	if !json.Valid(trimmed) {
		return Document{}, fmt.Errorf("pipeline is not valid JSON")
	}
	switch trimmed[0] {
	case '[', '{':
	default:
		return Document{}, ErrNotContainer
	}
	return Document{FilePath: filePath, Pipeline: bytes.Clone(trimmed)}, nil
}

// NodeCount returns the number of nodes: array length or object key count.
func (d Document) NodeCount() int {
	return NodeCount(d.Pipeline)
}

// NodeCount counts the top-level members of an array or object.
func NodeCount(raw json.RawMessage) int {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return 0
	}
	switch trimmed[0] {
	case '[':
		var nodes []json.RawMessage
		if err := json.Unmarshal(trimmed, &nodes); err != nil {
			return 0
		}
		return len(nodes)
	case '{':
		var nodes map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &nodes); err != nil {
			return 0
		}
		return len(nodes)
	}
	return 0
}

func isEmpty(trimmed []byte) bool {
	switch string(trimmed) {
	case "", "null", "false", `""`:
		return true
	}
	switch trimmed[0] {
	case '[', '{':
		return NodeCount(trimmed) == 0 && json.Valid(trimmed)
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		var f float64
		return json.Unmarshal(trimmed, &f) == nil && f == 0
	}
	return false
}

package pipeline

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"
)

// ParseJSONC strips comments and trailing commas and returns the pipeline
// as plain JSON.
func ParseJSONC(data []byte) (json.RawMessage, error) {
	stripped := jsonc.ToJSON(data)
	if !json.Valid(stripped) {
		return nil, fmt.Errorf("parsing pipeline: invalid JSON")
	}
	return json.RawMessage(stripped), nil
}

// LoadFile reads a pipeline file from disk. The file path becomes the
// document key.
func LoadFile(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("reading %s: %w", path, err)
	}
	raw, err := ParseJSONC(data)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	doc, err := NewDocument(path, raw)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Package testutil provides fixtures shared by package tests: generated
// pipeline documents and a disposable Postgres instance.
package testutil

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"testing"

	faker "github.com/go-faker/faker/v4"
)

// Node is the shape of generated pipeline nodes. Real nodes are opaque to
// the bridge; this one only needs to look plausible.
type Node struct {
	Recognition string   `json:"recognition" faker:"oneof: DirectHit, TemplateMatch, OCR, ColorMatch"`
	Action      string   `json:"action" faker:"oneof: Click, Swipe, DoNothing, StartApp"`
	Next        []string `json:"next" faker:"slice_len=2"`
	Timeout     int      `json:"timeout"`
	Enabled     bool     `json:"enabled"`
}

// seededReader is a deterministic io.Reader over a math/rand source.
type seededReader struct {
	r *rand.Rand
}

// NewReader returns a reproducible byte stream for the given seed.
func NewReader(seed int64) io.Reader {
	return &seededReader{r: rand.New(rand.NewSource(seed))}
}

func (s *seededReader) Read(p []byte) (int, error) {
	var word [8]byte
	for i := 0; i < len(p); i += 8 {
		binary.LittleEndian.PutUint64(word[:], s.r.Uint64())
		copy(p[i:], word[:])
	}
	return len(p), nil
}

// Seed makes faker's crypto-backed generators (UUIDs) reproducible.
func Seed(seed int64) {
	faker.SetCryptoSource(NewReader(seed))
}

// FakeNode generates one node.
func FakeNode(t testing.TB) Node {
	t.Helper()
	var n Node
	if err := faker.FakeData(&n); err != nil {
		t.Fatalf("faker.FakeData: %v", err)
	}
	return n
}

// Pipeline returns an array pipeline of n generated nodes.
func Pipeline(t testing.TB, n int) json.RawMessage {
	t.Helper()
	nodes := make([]Node, n)
	for i := range nodes {
		nodes[i] = FakeNode(t)
	}
	return mustMarshal(t, nodes)
}

// PipelineObject returns an object pipeline of n generated nodes keyed by
// node name, the layout editors save to disk.
func PipelineObject(t testing.TB, n int) json.RawMessage {
	t.Helper()
	nodes := make(map[string]Node, n)
	for i := 0; i < n; i++ {
		nodes[fmt.Sprintf("%s_%d", faker.Word(), i)] = FakeNode(t)
	}
	return mustMarshal(t, nodes)
}

// FilePath returns a unique pipeline file key.
func FilePath() string {
	return fmt.Sprintf("resource/pipeline/%s-%s.json", faker.Word(), faker.UUIDHyphenated())
}

func mustMarshal(t testing.TB, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}

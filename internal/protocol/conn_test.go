package protocol

import (
	"encoding/json"
	"sync"
	"testing"
)

type fakeConn struct {
	id  string
	err error

	mu     sync.Mutex
	frames [][]byte
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "fake:" + c.id }

func (c *fakeConn) Send(frame []byte) error {
	if c.err != nil {
		return c.err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, append([]byte(nil), frame...))
	return nil
}

func (c *fakeConn) sent(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.frames))
	for _, f := range c.frames {
		var m map[string]any
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("sent frame is not JSON: %q", f)
		}
		out = append(out, m)
	}
	return out
}

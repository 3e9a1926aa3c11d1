package pipeline

import (
	"bytes"
	"sort"
	"sync"
	"time"
)

// Entry is a stored document plus the metadata shown to operators.
type Entry struct {
	Document
	NodeCount  int       `json:"node_count"`
	ReceivedAt time.Time `json:"received_at"`
}

// Store maps file paths to the last document written for them. Writes
// replace the previous entry whole. It is safe for concurrent use; readers
// never observe a partially written entry because entries are immutable
// once inserted.
type Store struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time

	keyMu sync.Mutex
	keys  map[string]*keyLock
}

// keyLock serializes PutWith calls for one file path. refs counts holders
// and waiters so idle locks can be dropped.
type keyLock struct {
	mu   sync.Mutex
	refs int
}

type StoreOption func(*Store)

// WithClock overrides the timestamp source for ReceivedAt.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[string]Entry),
		keys:    make(map[string]*keyLock),
		now:     time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Put stores doc under doc.FilePath, replacing any earlier entry.
func (s *Store) Put(doc Document) Entry {
	e := Entry{
		Document: Document{
			FilePath: doc.FilePath,
			Pipeline: bytes.Clone(doc.Pipeline),
		},
		NodeCount:  doc.NodeCount(),
		ReceivedAt: s.now(),
	}

	s.mu.Lock()
	s.entries[doc.FilePath] = e
	s.mu.Unlock()
	return e
}

// PutWith runs apply and, only if it succeeds, stores doc. Calls for the
// same file path are serialized, so the side-effects of apply land in the
// same order as the store writes.
func (s *Store) PutWith(doc Document, apply func() error) (Entry, error) {
	unlock := s.lockKey(doc.FilePath)
	defer unlock()

	if apply != nil {
		if err := apply(); err != nil {
			return Entry{}, err
		}
	}
	return s.Put(doc), nil
}

func (s *Store) lockKey(filePath string) (unlock func()) {
	s.keyMu.Lock()
	kl, ok := s.keys[filePath]
	if !ok {
		kl = &keyLock{}
		s.keys[filePath] = kl
	}
	kl.refs++
	s.keyMu.Unlock()

	kl.mu.Lock()
	return func() {
		kl.mu.Unlock()
		s.keyMu.Lock()
		kl.refs--
		if kl.refs == 0 {
			delete(s.keys, filePath)
		}
		s.keyMu.Unlock()
	}
}

// Get returns a copy of the entry for filePath.
func (s *Store) Get(filePath string) (Entry, bool) {
	s.mu.RLock()
	e, ok := s.entries[filePath]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	e.Pipeline = bytes.Clone(e.Pipeline)
	return e, true
}

// Delete removes filePath and reports whether it was present.
func (s *Store) Delete(filePath string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[filePath]
	delete(s.entries, filePath)
	return ok
}

// Clear removes every entry and returns how many there were.
func (s *Store) Clear() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.entries)
	s.entries = make(map[string]Entry)
	return n
}

// Keys returns the stored file paths in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Snapshot lists every entry ordered by file path. Pipelines are omitted
// when withPipelines is false.
func (s *Store) Snapshot(withPipelines bool) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		if withPipelines {
			e.Pipeline = bytes.Clone(e.Pipeline)
		} else {
			e.Pipeline = nil
		}
		out = append(out, e)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}

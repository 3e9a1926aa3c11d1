package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrLocalFileMissing is returned by FileMirror when the target file does
// not already exist.
var ErrLocalFileMissing = errors.New("local file not found")

// Persister applies a side-effect that must succeed before a submitted
// document is accepted into the Store.
type Persister interface {
	Persist(ctx context.Context, doc Document) error
}

type PersisterFunc func(ctx context.Context, doc Document) error

func (f PersisterFunc) Persist(ctx context.Context, doc Document) error { return f(ctx, doc) }

// Chain runs persisters in order and stops at the first failure.
type Chain []Persister

// NewChain builds a Chain that runs every FileMirror after the other
// persisters, keeping their relative order. A failure anywhere before the
// mirror then leaves the local file untouched.
func NewChain(persisters ...Persister) Chain {
	var head, mirrors Chain
	for _, p := range persisters {
		switch p.(type) {
		case nil:
		case FileMirror, *FileMirror:
			mirrors = append(mirrors, p)
		default:
			head = append(head, p)
		}
	}
	return append(head, mirrors...)
}

func (c Chain) Persist(ctx context.Context, doc Document) error {
	for _, p := range c {
		if err := p.Persist(ctx, doc); err != nil {
			return err
		}
	}
	return nil
}

// PersistError wraps a persister failure with the file path it concerned.
type PersistError struct {
	FilePath string
	Err      error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.FilePath, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

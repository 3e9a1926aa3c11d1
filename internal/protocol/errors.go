package protocol

import "fmt"

// ParseError reports an inbound frame that is not well-formed JSON.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse frame: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// SerializationError reports an outbound payload that cannot be encoded.
type SerializationError struct {
	Path string
	Err  error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}
func (e *SerializationError) Unwrap() error { return e.Err }

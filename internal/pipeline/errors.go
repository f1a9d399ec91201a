package pipeline

import (
	"errors"
	"fmt"
)

// ErrProtocolDesync is reported when more consecutive frames were rejected
// than the configured bound allows.
var ErrProtocolDesync = errors.New("protocol desync")

// ProtocolDesyncError carries the context of a desync: where in the stream
// it was declared, how many frames in a row had failed, and the last
// rejection.
type ProtocolDesyncError struct {
	Offset              int64
	ConsecutiveFailures int
	Last                error
}

func (e *ProtocolDesyncError) Error() string {
	return fmt.Sprintf("protocol desync at byte %d after %d consecutive frame failures: %v",
		e.Offset, e.ConsecutiveFailures, e.Last)
}

func (e *ProtocolDesyncError) Unwrap() []error {
	return []error{ErrProtocolDesync, e.Last}
}

// Kind names the error for thinkgear.Kind.
func (e *ProtocolDesyncError) Kind() string { return "ProtocolDesync" }

package docmirror

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotReady           = errors.New("docmirror: not ready")
	ErrClosed             = errors.New("docmirror: closed")
	ErrCollectionRequired = errors.New("docmirror: collection is required")
	ErrNoConnection       = errors.New("docmirror: connection or URL is required")
	ErrFeedRunning        = errors.New("docmirror: change feed is already running")
)

// ConnectionError reports a failed initialization step.
// Stage ∈ {"dial", "ttl_index", "subscribe", "bootstrap"}
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("docmirror: init failed at %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// WriteError reports a remote write the store did not acknowledge.
// Op ∈ {"set", "delete"}
type WriteError struct {
	Op  string
	Key string
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("docmirror: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// FetchError reports a failed remote lookup. Keys is empty for full scans.
type FetchError struct {
	Op   string
	Keys []string
	Err  error
}

func (e *FetchError) Error() string {
	switch len(e.Keys) {
	case 0:
		return fmt.Sprintf("docmirror: %s: %v", e.Op, e.Err)
	case 1:
		return fmt.Sprintf("docmirror: %s %q: %v", e.Op, e.Keys[0], e.Err)
	default:
		keys := e.Keys
		suffix := ""
		if len(keys) > 5 {
			keys, suffix = keys[:5], fmt.Sprintf(" (+%d more)", len(e.Keys)-5)
		}
		return fmt.Sprintf("docmirror: %s [%s]%s: %v", e.Op, strings.Join(keys, ", "), suffix, e.Err)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

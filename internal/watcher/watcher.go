// Package watcher implements the Change Watcher (C7): a per-directory
// filesystem subscription that reacts to image creation, deletion,
// modification, and moves by updating the catalog and re-enqueueing work.
package watcher

import (
	"time"
)

// Operation identifies the kind of filesystem change observed for an image.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is a single observed change to an image file.
type FileEvent struct {
	Path      string    // absolute path to the image
	OldPath   string    // previous absolute path, only set for OpRename
	Operation Operation
	Timestamp time.Time
}

// Options configures a Reactor.
type Options struct {
	// DebounceWindow coalesces rapid repeat events per path (e.g. editors
	// that write a file in multiple passes) before they are reacted to.
	DebounceWindow time.Duration

	// EventBufferSize is defaulted but not read: the Reactor sizes none of
	// its channels from it.
	EventBufferSize int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  200 * time.Millisecond,
		EventBufferSize: 256,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	return o
}

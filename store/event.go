package store

// Op is the kind of mutation a change event reports.
type Op uint8

const (
	OpInsert Op = iota + 1
	OpReplace
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpReplace:
		return "replace"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Event is one mutation observed on a change feed.
//
//   - OpInsert, OpReplace: Value holds the full document.
//   - OpUpdate: Updated maps dotted field paths (relative to the document) to their
//     new values; Removed lists paths that were unset. The update is a diff and needs
//     the prior document to be applied.
//   - OpDelete: only Key is set.
type Event struct {
	Op      Op
	Key     string
	Value   Document
	Updated map[string]any
	Removed []string
	// Token is the feed position just after this event, if the store provides one.
	Token ResumeToken
}

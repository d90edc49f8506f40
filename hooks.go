package docmirror

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The change feed and the write workers call them inline.
type Hooks interface {
	// A change feed event was applied to the local copy.
	// op ∈ {"insert", "replace", "update", "delete"}
	EventApplied(collection, op string)

	// An update event could not be merged into the local copy.
	// reason ∈ {"no_base", "path_conflict"}
	MergeDropped(collection, key, reason string)

	// The remote store rejected a write. op ∈ {"set", "delete"}
	RemoteWriteFailed(collection, op, key string, err error)

	// The change feed stopped on an error.
	FeedStopped(collection string, err error)

	// The change feed is streaming again; attempts counts subscription tries.
	FeedResubscribed(collection string, attempts int)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) EventApplied(string, string)                     {}
func (NopHooks) MergeDropped(string, string, string)             {}
func (NopHooks) RemoteWriteFailed(string, string, string, error) {}
func (NopHooks) FeedStopped(string, error)                       {}
func (NopHooks) FeedResubscribed(string, int)                    {}

// MultiHooks fans every callback out to hs, in order. Nil entries are skipped.
func MultiHooks(hs ...Hooks) Hooks {
	out := make(multiHooks, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

type multiHooks []Hooks

func (m multiHooks) EventApplied(c, op string) {
	for _, h := range m {
		h.EventApplied(c, op)
	}
}

func (m multiHooks) MergeDropped(c, k, r string) {
	for _, h := range m {
		h.MergeDropped(c, k, r)
	}
}

func (m multiHooks) RemoteWriteFailed(c, op, k string, err error) {
	for _, h := range m {
		h.RemoteWriteFailed(c, op, k, err)
	}
}

func (m multiHooks) FeedStopped(c string, err error) {
	for _, h := range m {
		h.FeedStopped(c, err)
	}
}

func (m multiHooks) FeedResubscribed(c string, n int) {
	for _, h := range m {
		h.FeedResubscribed(c, n)
	}
}

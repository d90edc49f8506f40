package docmirror

import "time"

const (
	defaultDatabase               = "docmirror"
	defaultWriteWorkers           = 4
	defaultWriteQueue             = 1024
	defaultWriteTimeout           = 10 * time.Second
	defaultResubscribeMaxInterval = 30 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}

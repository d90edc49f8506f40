package docmirror

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// NewMulti creates one independently initialized Mirror per collection name, all
// sharing opts. Duplicate names are collapsed. If any name fails validation the
// mirrors created so far are closed. opts.Local must be nil when names holds more
// than one distinct collection: each mirror needs its own local store.
func NewMulti(names []string, opts Options) (map[string]Mirror, error) {
	names = dedupe(names)
	if opts.Local != nil && len(names) > 1 {
		return nil, errors.New("docmirror: NewMulti cannot share one local store across collections")
	}
	out := make(map[string]Mirror, len(names))
	for _, name := range names {
		o := opts
		o.Collection = name
		m, err := New(o)
		if err != nil {
			_ = CloseAll(context.Background(), out)
			return nil, fmt.Errorf("docmirror: collection %q: %w", name, err)
		}
		out[name] = m
	}
	return out, nil
}

// WaitAll waits until every mirror is ready. It returns the first initialization
// error, annotated with the collection name.
func WaitAll(ctx context.Context, mirrors map[string]Mirror) error {
	g, gctx := errgroup.WithContext(ctx)
	for name, m := range mirrors {
		g.Go(func() error {
			if err := m.Wait(gctx); err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// CloseAll closes every mirror and joins their errors.
func CloseAll(ctx context.Context, mirrors map[string]Mirror) error {
	var errs []error
	for name, m := range mirrors {
		if err := m.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

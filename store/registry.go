package store

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Dialer establishes a Conn from a connection URL.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

var (
	registryMu sync.RWMutex
	dialers    = map[string]Dialer{}
)

// Register makes a Dialer available for URLs with the given scheme.
// Adapters call it from init(); registering a scheme twice panics.
func Register(scheme string, d Dialer) {
	scheme = strings.ToLower(scheme)
	registryMu.Lock()
	defer registryMu.Unlock()
	if d == nil {
		panic("store: Register dialer is nil")
	}
	if _, dup := dialers[scheme]; dup {
		panic("store: Register called twice for scheme " + scheme)
	}
	dialers[scheme] = d
}

// Schemes lists the registered URL schemes, sorted.
func Schemes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(dialers))
	for s := range dialers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Dial opens a Conn using the Dialer registered for the URL's scheme.
// The adapter package must be imported (usually blank) for its scheme to resolve.
func Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("store: parse url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	registryMu.RLock()
	d, ok := dialers[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: no adapter registered for scheme %q (known: %s)",
			scheme, strings.Join(Schemes(), ", "))
	}
	return d(ctx, rawURL)
}

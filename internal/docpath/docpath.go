// Package docpath applies dotted field-path diffs to documents.
//
// Paths are dot separated. Segments address map keys; a numeric segment addresses
// an array element. Missing intermediate documents are created, arrays are padded
// with nil when a write lands past their end. Crossing a scalar is a conflict.
package docpath

import (
	"errors"
	"sort"
	"strconv"
	"strings"
)

// ErrConflict is returned when a path crosses a value that is not a document or
// array, or when a segment is not a valid array index.
var ErrConflict = errors.New("docpath: path conflicts with document shape")

// Clone deep-copies maps and slices. Other values are shared.
func Clone(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	return cloneValue(doc).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// Apply returns a copy of base with every updated path assigned and every removed
// path unset. base itself is never modified. On error the copy is discarded.
func Apply(base map[string]any, updated map[string]any, removed []string) (map[string]any, error) {
	out := Clone(base)
	if out == nil {
		out = map[string]any{}
	}

	// parents before children, so "a" then "a.b" composes
	paths := make([]string, 0, len(updated))
	for p := range updated {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		segs, err := split(p)
		if err != nil {
			return nil, err
		}
		nv, err := set(out, segs, cloneValue(updated[p]))
		if err != nil {
			return nil, err
		}
		out = nv.(map[string]any)
	}
	for _, p := range removed {
		segs, err := split(p)
		if err != nil {
			return nil, err
		}
		if err := unset(out, segs); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func split(p string) ([]string, error) {
	if p == "" {
		return nil, ErrConflict
	}
	segs := strings.Split(p, ".")
	for _, s := range segs {
		if s == "" {
			return nil, ErrConflict
		}
	}
	return segs, nil
}

func set(node any, segs []string, v any) (any, error) {
	if len(segs) == 0 {
		return v, nil
	}
	head, rest := segs[0], segs[1:]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[head]
		if !ok && len(rest) > 0 {
			child = map[string]any{}
		}
		nv, err := set(child, rest, v)
		if err != nil {
			return nil, err
		}
		n[head] = nv
		return n, nil
	case []any:
		i, err := strconv.Atoi(head)
		if err != nil || i < 0 {
			return nil, ErrConflict
		}
		for len(n) <= i {
			n = append(n, nil)
		}
		child := n[i]
		if child == nil && len(rest) > 0 {
			child = map[string]any{}
		}
		nv, err := set(child, rest, v)
		if err != nil {
			return nil, err
		}
		n[i] = nv
		return n, nil
	default:
		return nil, ErrConflict
	}
}

func unset(node any, segs []string) error {
	head, rest := segs[0], segs[1:]
	switch n := node.(type) {
	case map[string]any:
		child, ok := n[head]
		if !ok {
			return nil
		}
		if len(rest) == 0 {
			delete(n, head)
			return nil
		}
		return unset(child, rest)
	case []any:
		i, err := strconv.Atoi(head)
		if err != nil || i < 0 {
			return ErrConflict
		}
		if i >= len(n) {
			return nil
		}
		if len(rest) == 0 {
			// unsetting an element leaves a hole, the array keeps its length
			n[i] = nil
			return nil
		}
		return unset(n[i], rest)
	case nil:
		return nil
	default:
		return ErrConflict
	}
}

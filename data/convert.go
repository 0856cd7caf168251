package data

import (
	"fmt"
	"net/netip"
	"reflect"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// FieldSet is a set of dotted wire-form field paths, e.g.
// "recordingSettings.mode".
type FieldSet map[string]struct{}

func NewFieldSet(paths ...string) FieldSet {
	fs := make(FieldSet, len(paths))
	for _, p := range paths {
		fs[p] = struct{}{}
	}
	return fs
}

func (fs FieldSet) Add(path string)      { fs[path] = struct{}{} }
func (fs FieldSet) Has(path string) bool { _, ok := fs[path]; return ok }
func (fs FieldSet) Empty() bool          { return len(fs) == 0 }

// Sorted returns the paths in lexical order, for stable logs and tests.
func (fs FieldSet) Sorted() []string {
	out := make([]string, 0, len(fs))
	for p := range fs {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// HasPrefix reports whether any path in the set equals prefix or starts
// with prefix followed by a dot.
func (fs FieldSet) HasPrefix(prefix string) bool {
	for p := range fs {
		if p == prefix || strings.HasPrefix(p, prefix+".") {
			return true
		}
	}
	return false
}

// Caches sit on the hot decode path. The same epoch-millis timestamp and the
// same MAC string repeat across thousands of packets in a session.
type parseCaches struct {
	ts  *lru.Cache[int64, time.Time]
	mac *lru.Cache[string, string]
}

func newParseCaches() *parseCaches {
	ts, _ := lru.New[int64, time.Time](4096)
	mac, _ := lru.New[string, string](512)
	return &parseCaches{ts: ts, mac: mac}
}

var caches = newParseCaches()

// ParseTimestamp converts an epoch-milliseconds wire value (number or
// numeric string) to a time.Time. The zero time and false are returned for
// nil or malformed input.
func ParseTimestamp(v any) (time.Time, bool) {
	var ms int64
	switch n := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		ms = int64(n)
	case int64:
		ms = n
	case int:
		ms = int64(n)
	case string:
		var err error
		_, err = fmt.Sscan(n, &ms)
		if err != nil {
			return time.Time{}, false
		}
	default:
		return time.Time{}, false
	}
	if t, ok := caches.ts.Get(ms); ok {
		return t, true
	}
	t := time.UnixMilli(ms).UTC()
	caches.ts.Add(ms, t)
	return t, true
}

// TimestampMillis is the inverse of ParseTimestamp.
func TimestampMillis(t time.Time) int64 { return t.UnixMilli() }

// NormalizeMAC lowercases a MAC and strips ":", "-" and "." separators. The
// result must be exactly 12 hex chars; anything else is rejected.
func NormalizeMAC(mac string) (string, error) {
	if norm, ok := caches.mac.Get(mac); ok {
		return norm, nil
	}
	var b strings.Builder
	b.Grow(12)
	for _, r := range mac {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
			b.WriteRune(r)
		case r >= 'A' && r <= 'F':
			b.WriteRune(r + ('a' - 'A'))
		case r == ':' || r == '-' || r == '.':
		default:
			return "", fmt.Errorf("invalid MAC %q", mac)
		}
	}
	norm := b.String()
	if len(norm) != 12 {
		return "", fmt.Errorf("invalid MAC %q", mac)
	}
	caches.mac.Add(mac, norm)
	return norm, nil
}

// ParseIP accepts either IPv4 or IPv6 textual form. Fields typed v4 on older
// firmware started carrying v6 values; both must pass.
func ParseIP(s string) (netip.Addr, error) {
	return netip.ParseAddr(s)
}

// snakeToCamel converts snake_case to camelCase. Keys already camelCase pass
// through unchanged.
func snakeToCamel(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}
	parts := strings.Split(s, "_")
	var b strings.Builder
	b.Grow(len(s))
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 || b.Len() == 0 {
			b.WriteString(p)
			continue
		}
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	return b.String()
}

// NormalizeWireKeys canonicalizes a decoded JSON object to camelCase keys,
// recursively. Controllers in transition ship the same field in both
// camelCase and snake_case; the snake_case form wins and the camelCase
// duplicate is discarded.
func NormalizeWireKeys(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	fromSnake := make(map[string]bool, 4)
	for k, v := range m {
		canon := snakeToCamel(k)
		isSnake := canon != k
		if _, exists := out[canon]; exists {
			if !isSnake && fromSnake[canon] {
				continue // camelCase duplicate loses
			}
		}
		out[canon] = normalizeWireValue(v)
		if isSnake {
			fromSnake[canon] = true
		}
	}
	return out
}

func normalizeWireValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return NormalizeWireKeys(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalizeWireValue(e)
		}
		return out
	default:
		return v
	}
}

// MergeWire deep-merges the sparse partial src into dst and returns the set
// of dotted paths whose values actually changed. Nested objects merge key by
// key; arrays and scalars replace wholesale. dst is mutated.
func MergeWire(dst, src map[string]any) FieldSet {
	changed := make(FieldSet)
	mergeWireInto(dst, src, "", changed)
	return changed
}

func mergeWireInto(dst, src map[string]any, prefix string, changed FieldSet) {
	for k, sv := range src {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		dv, exists := dst[k]
		sm, sIsMap := sv.(map[string]any)
		dm, dIsMap := dv.(map[string]any)
		if sIsMap && dIsMap {
			mergeWireInto(dm, sm, path, changed)
			continue
		}
		if !exists || !wireEqual(dv, sv) {
			markLeafPaths(sv, path, changed)
			dst[k] = sv
		}
	}
}

// markLeafPaths records the changed path; for object values every leaf is
// recorded so echo suppression can match at leaf granularity.
func markLeafPaths(v any, path string, changed FieldSet) {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		for k, mv := range m {
			markLeafPaths(mv, path+"."+k, changed)
		}
		return
	}
	changed.Add(path)
}

// wireEqual compares wire values with numeric coercion: a locally queued
// int must equal the float64 the JSON decoder produced for the same number.
func wireEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, av := range ta {
			bv, ok := tb[k]
			if !ok || !wireEqual(av, bv) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !wireEqual(ta[i], tb[i]) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

// DiffWire computes the minimal sparse partial that transforms before into
// after. Only leaves present in after are considered; removed keys are not
// emitted (the controller treats PATCH bodies as merge-sets).
func DiffWire(before, after map[string]any) map[string]any {
	out := make(map[string]any)
	for k, av := range after {
		bv, exists := before[k]
		am, aIsMap := av.(map[string]any)
		bm, bIsMap := bv.(map[string]any)
		if aIsMap && bIsMap {
			if sub := DiffWire(bm, am); len(sub) > 0 {
				out[k] = sub
			}
			continue
		}
		if !exists || !wireEqual(bv, av) {
			out[k] = av
		}
	}
	return out
}

// SelectFields copies only the named dotted paths from src into a new sparse
// map. Unknown paths are skipped.
func SelectFields(src map[string]any, fields []string) map[string]any {
	out := make(map[string]any)
	for _, f := range fields {
		v, ok := ValueAtPath(src, f)
		if !ok {
			continue
		}
		setAtPath(out, f, v)
	}
	return out
}

// ValueAtPath resolves a dotted path against nested wire maps.
func ValueAtPath(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		mm, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mm[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setAtPath(m map[string]any, path string, v any) {
	parts := strings.Split(path, ".")
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = v
}

// CopyWire deep-copies a wire map. Used for the server-confirmed snapshot
// kept next to the dirty buffer.
func CopyWire(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyWireValue(v)
	}
	return out
}

func copyWireValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CopyWire(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyWireValue(e)
		}
		return out
	default:
		return v
	}
}

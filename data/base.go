package data

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"
)

// API is the slice of the client that the data layer calls back into for the
// mutation path. It is implemented by uiprotect.ProtectClient.
type API interface {
	// PatchDevice sends a minimal PATCH body for one device.
	PatchDevice(ctx context.Context, model ModelType, id string, body []byte) error
	// RegisterEchoIgnore arms echo suppression for fields this client just
	// wrote, so the websocket reflection of its own PATCH stays silent.
	RegisterEchoIgnore(id string, fields FieldSet)
}

// Timestamp is a wire timestamp: epoch milliseconds as JSON number, a native
// instant in memory.
type Timestamp struct {
	time.Time
}

func NewTimestamp(t time.Time) *Timestamp { return &Timestamp{Time: t.UTC()} }

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, _ := ParseTimestamp(ms)
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return strconv.AppendInt(nil, t.UnixMilli(), 10), nil
}

// protectBase is the state every wire-backed object carries: the
// server-confirmed wire map (canonical camelCase keys, the source of truth
// for serialization and diffing), the sparse dirty buffer of local edits not
// yet saved, and the owning bootstrap.
type protectBase struct {
	mu    sync.Mutex
	raw   map[string]any
	dirty map[string]any
	boot  *Bootstrap
}

func (b *protectBase) base() *protectBase { return b }

func (b *protectBase) attach(boot *Bootstrap) { b.boot = boot }

// Bootstrap returns the graph that owns this object, or nil before adoption.
func (b *protectBase) Bootstrap() *Bootstrap { return b.boot }

// queueChange records one local edit in the dirty buffer. Multiple edits
// before a Save coalesce; the last write to a path wins.
func (b *protectBase) queueChange(path string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirty == nil {
		b.dirty = make(map[string]any)
	}
	setAtPath(b.dirty, path, v)
}

// ProtectObject is satisfied by every typed object backed by a wire map.
type ProtectObject interface {
	base() *protectBase
}

// decodeInto refreshes the typed view of obj from its wire map.
func decodeInto(obj ProtectObject) error {
	b := obj.base()
	buf, err := json.Marshal(b.raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(buf, obj)
}

// initObject seeds an object's wire state and decodes the typed view. The
// wire map must already be key-normalized. MACs are canonicalized here so
// that lookups and round-trips agree.
func initObject(obj ProtectObject, wire map[string]any) error {
	if rawMac, ok := wire["mac"].(string); ok && rawMac != "" {
		norm, err := NormalizeMAC(rawMac)
		if err != nil {
			return err
		}
		wire["mac"] = norm
	}
	obj.base().raw = wire
	return decodeInto(obj)
}

// ApplyPartial merges a sparse wire partial into obj, refreshes the typed
// view, and reports which leaf paths changed. It is the single write path
// used by both the websocket diff engine and derived-event updates.
func ApplyPartial(obj ProtectObject, partial map[string]any) (FieldSet, error) {
	b := obj.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	changed := MergeWire(b.raw, partial)
	if changed.Empty() {
		return changed, nil
	}
	if err := decodeInto(obj); err != nil {
		return changed, err
	}
	return changed, nil
}

// UnifiDict serializes the object back to wire form. With no field list the
// full wire map (extras included) is emitted; with fields, a sparse map of
// just those dotted paths.
func UnifiDict(obj ProtectObject, fields ...string) ([]byte, error) {
	b := obj.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(fields) == 0 {
		return json.Marshal(b.raw)
	}
	return json.Marshal(SelectFields(b.raw, fields))
}

// WireSnapshot returns a deep copy of the server-confirmed wire state.
func WireSnapshot(obj ProtectObject) map[string]any {
	b := obj.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	return CopyWire(b.raw)
}

// Extras returns the wire keys the typed model does not claim. Unknown keys
// ride along unmodified and survive serialization.
func Extras(obj ProtectObject) map[string]any {
	known := knownWireKeys(reflect.TypeOf(obj).Elem())
	b := obj.base()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]any)
	for k, v := range b.raw {
		if !known[k] {
			out[k] = copyWireValue(v)
		}
	}
	return out
}

var wireKeyCache sync.Map // reflect.Type -> map[string]bool

func knownWireKeys(t reflect.Type) map[string]bool {
	if cached, ok := wireKeyCache.Load(t); ok {
		return cached.(map[string]bool)
	}
	keys := make(map[string]bool)
	collectWireKeys(t, keys)
	wireKeyCache.Store(t, keys)
	return keys
}

func collectWireKeys(t reflect.Type, keys map[string]bool) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Anonymous {
			ft := f.Type
			if ft.Kind() == reflect.Ptr {
				ft = ft.Elem()
			}
			if ft.Kind() == reflect.Struct {
				collectWireKeys(ft, keys)
			}
			continue
		}
		tag := f.Tag.Get("json")
		if tag == "" || tag == "-" {
			continue
		}
		if idx := strings.Index(tag, ","); idx >= 0 {
			tag = tag[:idx]
		}
		keys[tag] = true
	}
}

// SaveOptions tunes a device save.
type SaveOptions struct {
	// Force sends the full wire state instead of a minimal diff.
	Force bool
}

// saveObject flushes the dirty buffer: compute the minimal PATCH, arm echo
// suppression, send, then commit or roll back. Concurrency contract: Save is
// caller-side and may race the reader goroutine only through ApplyPartial,
// which takes the same per-object lock.
func saveObject(ctx context.Context, obj ProtectObject, model ModelType, id string, opts SaveOptions) error {
	b := obj.base()

	b.mu.Lock()
	if b.boot == nil || b.boot.api == nil {
		b.mu.Unlock()
		return fmt.Errorf("device %s is not attached to a client", id)
	}
	api := b.boot.api
	if len(b.dirty) == 0 && !opts.Force {
		b.mu.Unlock()
		return nil
	}
	staged := CopyWire(b.raw)
	changed := MergeWire(staged, b.dirty)
	var patch map[string]any
	if opts.Force {
		patch = staged
	} else {
		patch = SelectFields(staged, changed.Sorted())
	}
	b.mu.Unlock()

	if len(patch) == 0 {
		b.mu.Lock()
		b.dirty = nil
		b.mu.Unlock()
		return nil
	}

	body, err := json.Marshal(patch)
	if err != nil {
		return err
	}

	api.RegisterEchoIgnore(id, changed)
	if err := api.PatchDevice(ctx, model, id, body); err != nil {
		// Roll back: the local edit never happened. The caller may retry.
		b.mu.Lock()
		b.dirty = nil
		b.mu.Unlock()
		return err
	}

	b.mu.Lock()
	MergeWire(b.raw, patch)
	b.dirty = nil
	err = decodeInto(obj)
	b.mu.Unlock()
	return err
}

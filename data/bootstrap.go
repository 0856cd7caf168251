package data

import (
	"encoding/json"
	"fmt"
	"log"
	"time"
)

const (
	// maxEventHistory bounds the in-memory events map; oldest entries fall
	// out on insert.
	maxEventHistory = 512

	// seenUpdateIDWindow bounds the replay-dedup set. The controller resends
	// at most a handful of packets after a resume; 512 is generous.
	seenUpdateIDWindow = 512
)

// WSSubscriptionMessage is what subscribers receive after each applied
// packet: the touched object, the fields that actually changed, and the raw
// packet for callers that want the wire form.
type WSSubscriptionMessage struct {
	Action      WSAction
	ModelKey    ModelType
	ID          string
	NewUpdateID string
	Obj         ProtectObject // nil after remove
	Changed     FieldSet
	Packet      *WSPacket
	// IsReset marks the synthetic notification emitted before a replacement
	// graph becomes visible after a full re-bootstrap.
	IsReset bool
}

// ApplyOptions parameterizes one ApplyPacket call.
type ApplyOptions struct {
	// ShouldIgnore consults the echo-suppression table. A true return drops
	// the change for this single packet.
	ShouldIgnore func(id, fieldPath string) bool
}

// ApplyResult is the outcome of applying one packet.
type ApplyResult struct {
	Messages []*WSSubscriptionMessage
	// NeedsRefresh is set when accumulated inconsistencies exceed the
	// divergence threshold and the session should re-bootstrap.
	NeedsRefresh bool
}

// divergenceTracker counts protocol inconsistencies (removes of unknown ids)
// inside a sliding window. Crossing the threshold means the local graph no
// longer matches the controller's. Undecodable packets are dropped before
// they reach the bootstrap and are not counted here.
type divergenceTracker struct {
	window    time.Duration
	threshold int
	marks     []time.Time
}

func newDivergenceTracker(threshold int, window time.Duration) *divergenceTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = time.Minute
	}
	return &divergenceTracker{window: window, threshold: threshold}
}

func (d *divergenceTracker) mark(now time.Time) bool {
	cutoff := now.Add(-d.window)
	kept := d.marks[:0]
	for _, m := range d.marks {
		if m.After(cutoff) {
			kept = append(kept, m)
		}
	}
	d.marks = append(kept, now)
	return len(d.marks) >= d.threshold
}

func (d *divergenceTracker) reset() { d.marks = d.marks[:0] }

// Bootstrap owns the whole in-memory device graph. It is a snapshot of the
// controller at an instant, kept current by ApplyPacket. Bootstrap does no
// locking of its own; see the client for the locking contract.
type Bootstrap struct {
	protectBase

	AuthUserID   string `json:"authUserId"`
	AccessKey    string `json:"accessKey"`
	LastUpdateID string `json:"lastUpdateId"`

	Nvr *NVR `json:"-"`

	Cameras   map[string]*Camera   `json:"-"`
	Lights    map[string]*Light    `json:"-"`
	Sensors   map[string]*Sensor   `json:"-"`
	Viewers   map[string]*Viewer   `json:"-"`
	Bridges   map[string]*Bridge   `json:"-"`
	Chimes    map[string]*Chime    `json:"-"`
	Doorlocks map[string]*Doorlock `json:"-"`
	Liveviews map[string]*Liveview `json:"-"`
	Keyrings  map[string]*Keyring  `json:"-"`
	UlpUsers  map[string]*UlpUser  `json:"-"`
	Users     map[string]*User     `json:"-"`
	Events    map[string]*Event    `json:"-"`

	eventOrder []string

	api            API
	logger         *log.Logger
	connectionHost string

	seenUpdateIDs map[string]struct{}
	seenOrder     []string
	diverge       *divergenceTracker
}

// deviceListKeys maps a bootstrap JSON list key to its model type.
var deviceListKeys = map[string]ModelType{
	"cameras":   ModelCamera,
	"lights":    ModelLight,
	"sensors":   ModelSensor,
	"viewers":   ModelViewport,
	"bridges":   ModelBridge,
	"chimes":    ModelChime,
	"doorlocks": ModelDoorlock,
}

// ParseBootstrap decodes a GET /api/bootstrap body into a fresh graph.
// Validation is deliberately loose: the NVR is required, device lists may be
// absent on older controllers, and unknown keys ride along as extras.
func ParseBootstrap(raw []byte) (*Bootstrap, error) {
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	doc = NormalizeWireKeys(doc)

	b := &Bootstrap{
		Cameras:       map[string]*Camera{},
		Lights:        map[string]*Light{},
		Sensors:       map[string]*Sensor{},
		Viewers:       map[string]*Viewer{},
		Bridges:       map[string]*Bridge{},
		Chimes:        map[string]*Chime{},
		Doorlocks:     map[string]*Doorlock{},
		Liveviews:     map[string]*Liveview{},
		Keyrings:      map[string]*Keyring{},
		UlpUsers:      map[string]*UlpUser{},
		Users:         map[string]*User{},
		Events:        map[string]*Event{},
		seenUpdateIDs: map[string]struct{}{},
		diverge:       newDivergenceTracker(0, 0),
	}

	nvrWire, ok := doc["nvr"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("bootstrap: missing nvr record")
	}
	delete(doc, "nvr")
	b.Nvr = &NVR{}
	if err := initObject(b.Nvr, nvrWire); err != nil {
		return nil, fmt.Errorf("bootstrap: nvr: %w", err)
	}
	b.Nvr.attach(b)

	for listKey, model := range deviceListKeys {
		items, _ := doc[listKey].([]any)
		delete(doc, listKey)
		for _, item := range items {
			wire, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if _, err := b.insertDevice(model, wire); err != nil {
				return nil, fmt.Errorf("bootstrap: %s: %w", listKey, err)
			}
		}
	}

	for _, group := range []struct {
		key  string
		load func(map[string]any) error
	}{
		{"liveviews", func(w map[string]any) error { return insertKeyed(b, b.Liveviews, &Liveview{}, w) }},
		{"keyrings", func(w map[string]any) error { return insertKeyed(b, b.Keyrings, &Keyring{}, w) }},
		{"ulpUsers", func(w map[string]any) error { return insertKeyed(b, b.UlpUsers, &UlpUser{}, w) }},
		{"users", func(w map[string]any) error { return insertKeyed(b, b.Users, &User{}, w) }},
	} {
		items, _ := doc[group.key].([]any)
		delete(doc, group.key)
		for _, item := range items {
			wire, ok := item.(map[string]any)
			if !ok {
				continue
			}
			if err := group.load(wire); err != nil {
				return nil, fmt.Errorf("bootstrap: %s: %w", group.key, err)
			}
		}
	}

	// Remaining top-level keys (scalars + unknown extras) back the typed
	// view and round-trip on serialization.
	if err := initObject(b, doc); err != nil {
		return nil, err
	}
	b.attach(b)
	return b, nil
}

func insertKeyed[T ProtectObject](b *Bootstrap, m map[string]T, obj T, wire map[string]any) error {
	if err := initObject(obj, wire); err != nil {
		return err
	}
	id, _ := wire["id"].(string)
	if id == "" {
		return fmt.Errorf("object missing id")
	}
	obj.base().attach(b)
	m[id] = obj
	return nil
}

// Attach wires the graph to its owning client. connectionHost feeds RTSP URL
// accessors when the NVR record does not carry a host.
func (b *Bootstrap) Attach(api API, logger *log.Logger, connectionHost string) {
	b.api = api
	b.logger = logger
	b.connectionHost = connectionHost
}

// SetDivergencePolicy tunes how many protocol inconsistencies inside the
// window trigger a full re-bootstrap.
func (b *Bootstrap) SetDivergencePolicy(threshold int, window time.Duration) {
	b.diverge = newDivergenceTracker(threshold, window)
}

func (b *Bootstrap) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// UnifiDict serializes the graph back to the bootstrap wire document,
// regenerating device lists from the live maps so extras survive.
func (b *Bootstrap) UnifiDict() ([]byte, error) {
	doc := WireSnapshot(b)
	doc["lastUpdateId"] = b.LastUpdateID
	doc["nvr"] = WireSnapshot(b.Nvr)
	put := func(key string, wires []map[string]any) {
		items := make([]any, len(wires))
		for i, w := range wires {
			items[i] = w
		}
		doc[key] = items
	}
	put("cameras", snapshots(b.Cameras))
	put("lights", snapshots(b.Lights))
	put("sensors", snapshots(b.Sensors))
	put("viewers", snapshots(b.Viewers))
	put("bridges", snapshots(b.Bridges))
	put("chimes", snapshots(b.Chimes))
	put("doorlocks", snapshots(b.Doorlocks))
	put("liveviews", snapshots(b.Liveviews))
	if len(b.Keyrings) > 0 {
		put("keyrings", snapshots(b.Keyrings))
	}
	if len(b.UlpUsers) > 0 {
		put("ulpUsers", snapshots(b.UlpUsers))
	}
	if len(b.Users) > 0 {
		put("users", snapshots(b.Users))
	}
	return json.Marshal(doc)
}

func snapshots[T ProtectObject](m map[string]T) []map[string]any {
	out := make([]map[string]any, 0, len(m))
	for _, obj := range m {
		out = append(out, WireSnapshot(obj))
	}
	return out
}

// GetDeviceByID searches every adoptable map for the id.
func (b *Bootstrap) GetDeviceByID(id string) Adoptable {
	if d, ok := b.Cameras[id]; ok {
		return d
	}
	if d, ok := b.Lights[id]; ok {
		return d
	}
	if d, ok := b.Sensors[id]; ok {
		return d
	}
	if d, ok := b.Viewers[id]; ok {
		return d
	}
	if d, ok := b.Bridges[id]; ok {
		return d
	}
	if d, ok := b.Chimes[id]; ok {
		return d
	}
	if d, ok := b.Doorlocks[id]; ok {
		return d
	}
	return nil
}

// GetDeviceByMac looks a device up by MAC in any accepted notation.
func (b *Bootstrap) GetDeviceByMac(mac string) Adoptable {
	norm, err := NormalizeMAC(mac)
	if err != nil {
		return nil
	}
	for _, d := range b.allAdoptable() {
		if d.Meta().Mac == norm {
			return d
		}
	}
	return nil
}

func (b *Bootstrap) allAdoptable() []Adoptable {
	out := make([]Adoptable, 0,
		len(b.Cameras)+len(b.Lights)+len(b.Sensors)+len(b.Viewers)+
			len(b.Bridges)+len(b.Chimes)+len(b.Doorlocks))
	for _, d := range b.Cameras {
		out = append(out, d)
	}
	for _, d := range b.Lights {
		out = append(out, d)
	}
	for _, d := range b.Sensors {
		out = append(out, d)
	}
	for _, d := range b.Viewers {
		out = append(out, d)
	}
	for _, d := range b.Bridges {
		out = append(out, d)
	}
	for _, d := range b.Chimes {
		out = append(out, d)
	}
	for _, d := range b.Doorlocks {
		out = append(out, d)
	}
	return out
}

// AuthUser returns the authenticated account record when the bootstrap
// carried a users list.
func (b *Bootstrap) AuthUser() *User { return b.Users[b.AuthUserID] }

// insertDevice constructs and inserts a device of the given model. A
// duplicate id overwrites the existing record; the controller occasionally
// re-adds devices after firmware updates.
func (b *Bootstrap) insertDevice(model ModelType, wire map[string]any) (Adoptable, error) {
	id, _ := wire["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("%s record missing id", model)
	}
	var dev Adoptable
	switch model {
	case ModelCamera:
		c := &Camera{}
		if err := initObject(c, wire); err != nil {
			return nil, err
		}
		b.Cameras[id] = c
		dev = c
	case ModelLight:
		l := &Light{}
		if err := initObject(l, wire); err != nil {
			return nil, err
		}
		b.Lights[id] = l
		dev = l
	case ModelSensor:
		s := &Sensor{}
		if err := initObject(s, wire); err != nil {
			return nil, err
		}
		b.Sensors[id] = s
		dev = s
	case ModelViewport:
		v := &Viewer{}
		if err := initObject(v, wire); err != nil {
			return nil, err
		}
		b.Viewers[id] = v
		dev = v
	case ModelBridge:
		br := &Bridge{}
		if err := initObject(br, wire); err != nil {
			return nil, err
		}
		b.Bridges[id] = br
		dev = br
	case ModelChime:
		ch := &Chime{}
		if err := initObject(ch, wire); err != nil {
			return nil, err
		}
		b.Chimes[id] = ch
		dev = ch
	case ModelDoorlock:
		d := &Doorlock{}
		if err := initObject(d, wire); err != nil {
			return nil, err
		}
		b.Doorlocks[id] = d
		dev = d
	default:
		return nil, fmt.Errorf("unsupported device model %q", model)
	}
	dev.base().attach(b)
	return dev, nil
}

func (b *Bootstrap) removeDevice(model ModelType, id string) bool {
	maps := map[ModelType]func() bool{
		ModelCamera:   func() bool { _, ok := b.Cameras[id]; delete(b.Cameras, id); return ok },
		ModelLight:    func() bool { _, ok := b.Lights[id]; delete(b.Lights, id); return ok },
		ModelSensor:   func() bool { _, ok := b.Sensors[id]; delete(b.Sensors, id); return ok },
		ModelViewport: func() bool { _, ok := b.Viewers[id]; delete(b.Viewers, id); return ok },
		ModelBridge:   func() bool { _, ok := b.Bridges[id]; delete(b.Bridges, id); return ok },
		ModelChime:    func() bool { _, ok := b.Chimes[id]; delete(b.Chimes, id); return ok },
		ModelDoorlock: func() bool { _, ok := b.Doorlocks[id]; delete(b.Doorlocks, id); return ok },
		ModelLiveview: func() bool { _, ok := b.Liveviews[id]; delete(b.Liveviews, id); return ok },
		ModelKeyring:  func() bool { _, ok := b.Keyrings[id]; delete(b.Keyrings, id); return ok },
		ModelUlpUser:  func() bool { _, ok := b.UlpUsers[id]; delete(b.UlpUsers, id); return ok },
		ModelEvent:    func() bool { _, ok := b.Events[id]; delete(b.Events, id); return ok },
	}
	fn, ok := maps[model]
	if !ok {
		return false
	}
	return fn()
}

// markSeen records an update id for replay dedup and reports whether it was
// already seen (duplicate).
func (b *Bootstrap) markSeen(updateID string) bool {
	if updateID == "" {
		return false
	}
	if updateID == b.LastUpdateID {
		return true
	}
	if _, dup := b.seenUpdateIDs[updateID]; dup {
		return true
	}
	b.seenUpdateIDs[updateID] = struct{}{}
	b.seenOrder = append(b.seenOrder, updateID)
	if len(b.seenOrder) > seenUpdateIDWindow {
		evict := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seenUpdateIDs, evict)
	}
	return false
}

// ApplyPacket runs the per-packet apply algorithm: dedup by update id,
// dispatch on model key, merge, derive event side effects, advance the
// stream position. It never panics across the reader boundary; undecodable
// payloads are logged and dropped.
func (b *Bootstrap) ApplyPacket(pkt *WSPacket, opts ApplyOptions) ApplyResult {
	var res ApplyResult

	// Idempotency across reconnect replay: a packet at or behind the
	// current stream position is a no-op.
	if b.markSeen(pkt.Action.NewUpdateID) {
		return res
	}

	switch pkt.Action.ModelKey {
	case ModelEvent:
		res.Messages = b.processEventPacket(pkt, opts)
	case ModelNVR:
		res.Messages = b.processNvrPacket(pkt, opts)
	default:
		res.Messages = b.processObjectPacket(pkt, opts, &res)
	}

	if pkt.Action.NewUpdateID != "" {
		b.LastUpdateID = pkt.Action.NewUpdateID
	}
	for _, m := range res.Messages {
		m.NewUpdateID = pkt.Action.NewUpdateID
	}
	return res
}

// ResetDivergence clears inconsistency accounting, e.g. after a full
// re-bootstrap replaced the graph.
func (b *Bootstrap) ResetDivergence() { b.diverge.reset() }

func (b *Bootstrap) markDivergence(reason string) bool {
	b.logf("[WARN] bootstrap: %s", reason)
	return b.diverge.mark(time.Now())
}

func (b *Bootstrap) processNvrPacket(pkt *WSPacket, opts ApplyOptions) []*WSSubscriptionMessage {
	if pkt.Action.Action != WSActionUpdate || pkt.Payload == nil {
		b.logf("[WARN] bootstrap: unexpected nvr %s packet", pkt.Action.Action)
		return nil
	}
	partial := filterIgnored(pkt.Payload, b.Nvr.ID, opts)
	if len(partial) == 0 {
		return nil
	}
	changed, err := ApplyPartial(b.Nvr, partial)
	if err != nil {
		b.logf("[ERROR] bootstrap: nvr update: %v", err)
		return nil
	}
	if changed.Empty() {
		return nil
	}
	return []*WSSubscriptionMessage{{
		Action: WSActionUpdate, ModelKey: ModelNVR, ID: b.Nvr.ID,
		Obj: b.Nvr, Changed: changed, Packet: pkt,
	}}
}

func (b *Bootstrap) processObjectPacket(pkt *WSPacket, opts ApplyOptions, res *ApplyResult) []*WSSubscriptionMessage {
	model := pkt.Action.ModelKey
	id := pkt.Action.ID

	switch pkt.Action.Action {
	case WSActionAdd:
		if pkt.Payload == nil {
			b.logf("[WARN] bootstrap: add packet for %s %s with no payload", model, id)
			return nil
		}
		obj, err := b.addObject(model, pkt.Payload)
		if err != nil {
			b.logf("[WARN] bootstrap: add %s %s: %v", model, id, err)
			return nil
		}
		return []*WSSubscriptionMessage{{
			Action: WSActionAdd, ModelKey: model, ID: id, Obj: obj,
			Changed: NewFieldSet(), Packet: pkt,
		}}

	case WSActionUpdate:
		obj := b.lookupObject(model, id)
		if obj == nil {
			b.logf("[WARN] bootstrap: update for unknown %s %s", model, id)
			return nil
		}
		partial := filterIgnored(pkt.Payload, id, opts)
		if len(partial) == 0 {
			return nil
		}
		changed, err := ApplyPartial(obj, partial)
		if err != nil {
			b.logf("[ERROR] bootstrap: update %s %s: %v", model, id, err)
			return nil
		}
		if changed.Empty() {
			return nil
		}
		msgs := []*WSSubscriptionMessage{{
			Action: WSActionUpdate, ModelKey: model, ID: id, Obj: obj,
			Changed: changed, Packet: pkt,
		}}
		b.checkReferences(model, obj)
		if dev, ok := obj.(Adoptable); ok && changed.Has("state") &&
			dev.Meta().State == StateDisconnected {
			if extra := b.clearVolatile(dev, pkt); extra != nil {
				msgs = append(msgs, extra)
			}
		}
		return msgs

	case WSActionRemove:
		if !b.removeDevice(model, id) {
			if b.markDivergence(fmt.Sprintf("remove for unknown %s %s", model, id)) {
				res.NeedsRefresh = true
			}
			return nil
		}
		return []*WSSubscriptionMessage{{
			Action: WSActionRemove, ModelKey: model, ID: id,
			Changed: NewFieldSet(), Packet: pkt,
		}}
	}
	b.logf("[WARN] bootstrap: unknown action %q", pkt.Action.Action)
	return nil
}

func (b *Bootstrap) addObject(model ModelType, wire map[string]any) (ProtectObject, error) {
	id, _ := wire["id"].(string)
	switch model {
	case ModelLiveview:
		lv := &Liveview{}
		if err := insertKeyed(b, b.Liveviews, lv, wire); err != nil {
			return nil, err
		}
		return lv, nil
	case ModelKeyring:
		k := &Keyring{}
		if err := insertKeyed(b, b.Keyrings, k, wire); err != nil {
			return nil, err
		}
		return k, nil
	case ModelUlpUser:
		u := &UlpUser{}
		if err := insertKeyed(b, b.UlpUsers, u, wire); err != nil {
			return nil, err
		}
		return u, nil
	case ModelUser:
		u := &User{}
		if err := insertKeyed(b, b.Users, u, wire); err != nil {
			return nil, err
		}
		return u, nil
	}
	if existing := b.GetDeviceByID(id); existing != nil {
		b.logf("[WARN] bootstrap: duplicate add for %s %s, overwriting", model, id)
	}
	return b.insertDevice(model, wire)
}

func (b *Bootstrap) lookupObject(model ModelType, id string) ProtectObject {
	switch model {
	case ModelLiveview:
		if lv, ok := b.Liveviews[id]; ok {
			return lv
		}
		return nil
	case ModelKeyring:
		if k, ok := b.Keyrings[id]; ok {
			return k
		}
		return nil
	case ModelUlpUser:
		if u, ok := b.UlpUsers[id]; ok {
			return u
		}
		return nil
	case ModelUser:
		if u, ok := b.Users[id]; ok {
			return u
		}
		return nil
	}
	if dev := b.GetDeviceByID(id); dev != nil {
		return dev
	}
	return nil
}

// checkReferences enforces referential hygiene after chime pairings and
// light/sensor bindings change. Unresolved ids are kept, not dropped: a
// subsequent camera add repairs the reference.
func (b *Bootstrap) checkReferences(model ModelType, obj ProtectObject) {
	switch model {
	case ModelChime:
		ch := obj.(*Chime)
		for _, cid := range ch.CameraIds {
			if _, ok := b.Cameras[cid]; !ok {
				b.logf("[WARN] bootstrap: chime %s references unknown camera %s", ch.ID, cid)
			}
		}
	case ModelLight:
		l := obj.(*Light)
		if l.Camera != "" {
			if _, ok := b.Cameras[l.Camera]; !ok {
				b.logf("[WARN] bootstrap: light %s bound to unknown camera %s", l.ID, l.Camera)
			}
		}
	case ModelSensor:
		s := obj.(*Sensor)
		if s.Camera != "" {
			if _, ok := b.Cameras[s.Camera]; !ok {
				b.logf("[WARN] bootstrap: sensor %s paired to unknown camera %s", s.ID, s.Camera)
			}
		}
	}
}

// clearVolatile drops telemetry that a disconnect invalidates while keeping
// configuration intact.
func (b *Bootstrap) clearVolatile(dev Adoptable, pkt *WSPacket) *WSSubscriptionMessage {
	partial := make(map[string]any, len(volatileKeys))
	snap := WireSnapshot(dev)
	for _, k := range volatileKeys {
		v, ok := snap[k]
		if !ok || v == nil {
			continue
		}
		// JSON null does not zero a string on re-decode; strings clear to
		// the empty value instead.
		if str, isStr := v.(string); isStr {
			if str != "" {
				partial[k] = ""
			}
			continue
		}
		partial[k] = nil
	}
	if len(partial) == 0 {
		return nil
	}
	changed, err := ApplyPartial(dev, partial)
	if err != nil || changed.Empty() {
		return nil
	}
	meta := dev.Meta()
	return &WSSubscriptionMessage{
		Action: WSActionUpdate, ModelKey: meta.ModelKey, ID: meta.ID,
		Obj: dev, Changed: changed, Packet: pkt,
	}
}

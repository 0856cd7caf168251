package data

import (
	"strings"
	"time"
)

// eventRetention is how long completed events stay in the in-memory map
// before falling out; the cap in maxEventHistory bounds the active set too.
const eventRetention = 24 * time.Hour

// processEventPacket handles event add/update/remove. Events are first-class
// objects and also imply state changes on their target device. An add emits
// the event message followed by a device-update message; an update folds the
// derived device change into the single event message.
func (b *Bootstrap) processEventPacket(pkt *WSPacket, opts ApplyOptions) []*WSSubscriptionMessage {
	id := pkt.Action.ID

	switch pkt.Action.Action {
	case WSActionAdd:
		if pkt.Payload == nil {
			b.logf("[WARN] bootstrap: event add %s with no payload", id)
			return nil
		}
		clampEventTimes(pkt.Payload)
		ev := &Event{}
		if err := initObject(ev, pkt.Payload); err != nil {
			b.logf("[ERROR] bootstrap: event add %s: %v", id, err)
			return nil
		}
		if ev.ID == "" {
			ev.ID = id
		}
		ev.attach(b)
		b.insertEvent(ev)

		msgs := []*WSSubscriptionMessage{{
			Action: WSActionAdd, ModelKey: ModelEvent, ID: ev.ID, Obj: ev,
			Changed: NewFieldSet(), Packet: pkt,
		}}
		if m := b.deriveEventStart(ev, pkt, opts); m != nil {
			msgs = append(msgs, m)
		}
		return msgs

	case WSActionUpdate:
		ev, ok := b.Events[id]
		if !ok {
			// Updates routinely arrive for events that already aged out of
			// the retention window; not a divergence.
			return nil
		}
		partial := pkt.Payload
		if partial == nil {
			return nil
		}
		// Lifecycle: a completed event is never un-completed.
		if !ev.IsActive() {
			delete(partial, "end")
		}
		wasActive := ev.IsActive()
		// Clamp against the effective start, whether it arrives in this
		// partial or is already on the event.
		if _, hasStart := partial["start"]; !hasStart && ev.Start != nil {
			if end, ok := ParseTimestamp(partial["end"]); ok && end.Before(ev.Start.Time) {
				partial["start"] = TimestampMillis(end)
			}
		}
		clampEventTimes(partial)
		changed, err := ApplyPartial(ev, partial)
		if err != nil {
			b.logf("[ERROR] bootstrap: event update %s: %v", id, err)
			return nil
		}
		if changed.Empty() {
			return nil
		}
		if wasActive && !ev.IsActive() {
			b.deriveEventEnd(ev)
		}
		return []*WSSubscriptionMessage{{
			Action: WSActionUpdate, ModelKey: ModelEvent, ID: id, Obj: ev,
			Changed: changed, Packet: pkt,
		}}

	case WSActionRemove:
		if !b.removeDevice(ModelEvent, id) {
			return nil
		}
		b.dropEventOrder(id)
		return []*WSSubscriptionMessage{{
			Action: WSActionRemove, ModelKey: ModelEvent, ID: id,
			Changed: NewFieldSet(), Packet: pkt,
		}}
	}
	return nil
}

// clampEventTimes repairs clock skew: an end before start clamps start down
// to end so that end >= start always holds after apply.
func clampEventTimes(wire map[string]any) {
	start, okS := ParseTimestamp(wire["start"])
	end, okE := ParseTimestamp(wire["end"])
	if okS && okE && end.Before(start) {
		wire["start"] = TimestampMillis(end)
	}
}

func (b *Bootstrap) insertEvent(ev *Event) {
	if _, exists := b.Events[ev.ID]; !exists {
		b.eventOrder = append(b.eventOrder, ev.ID)
	}
	b.Events[ev.ID] = ev
	b.pruneEvents()
}

func (b *Bootstrap) dropEventOrder(id string) {
	for i, eid := range b.eventOrder {
		if eid == id {
			b.eventOrder = append(b.eventOrder[:i], b.eventOrder[i+1:]...)
			return
		}
	}
}

func (b *Bootstrap) pruneEvents() {
	for len(b.eventOrder) > maxEventHistory {
		evict := b.eventOrder[0]
		b.eventOrder = b.eventOrder[1:]
		delete(b.Events, evict)
	}
	cutoff := time.Now().Add(-eventRetention)
	kept := b.eventOrder[:0]
	for _, id := range b.eventOrder {
		ev := b.Events[id]
		if ev != nil && !ev.IsActive() && ev.End.Time.Before(cutoff) {
			delete(b.Events, id)
			continue
		}
		kept = append(kept, id)
	}
	b.eventOrder = kept
}

// deriveEventStart maps a freshly added event onto its target device and
// returns the device-update message, if any field moved.
func (b *Bootstrap) deriveEventStart(ev *Event, pkt *WSPacket, opts ApplyOptions) *WSSubscriptionMessage {
	var (
		dev     Adoptable
		partial map[string]any
	)
	startMs := any(nil)
	if ev.Start != nil {
		startMs = TimestampMillis(ev.Start.Time)
	}

	switch ev.Type {
	case EventMotion:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{
			"isMotionDetected": true, "lastMotion": startMs,
			"lastMotionEventId": ev.ID,
		}
	case EventSmartDetect, EventSmartDetectLine:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{
			"isSmartDetected": true, "lastSmartDetect": startMs,
			"lastSmartDetectEventId": ev.ID,
		}
		perType := map[string]any{}
		perTypeIDs := map[string]any{}
		for _, t := range ev.SmartDetectTypes {
			perType[string(t)] = startMs
			perTypeIDs[string(t)] = ev.ID
		}
		if len(perType) > 0 {
			partial["lastSmartDetects"] = perType
			partial["lastSmartDetectEventIds"] = perTypeIDs
		}
	case EventSmartAudioDetect:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{
			"lastSmartAudioDetect":        startMs,
			"lastSmartAudioDetectEventId": ev.ID,
		}
	case EventRing:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{
			"isRinging": true, "lastRing": startMs, "lastRingEventId": ev.ID,
		}
	case EventNFCCardScanned:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{"lastNfcCardScanned": startMs}
	case EventFingerprintID:
		cam := b.eventCamera(ev)
		if cam == nil {
			return nil
		}
		dev = cam
		partial = map[string]any{"lastFingerprintIdentified": startMs}
	case EventMotionSensor:
		sensor := b.eventSensor(ev)
		if sensor == nil {
			return nil
		}
		dev = sensor
		partial = map[string]any{
			"isMotionDetected": true, "motionDetectedAt": startMs,
			"lastMotionEventId": ev.ID,
		}
	case EventSensorOpened, EventSensorClosed:
		sensor := b.eventSensor(ev)
		if sensor == nil {
			return nil
		}
		dev = sensor
		partial = map[string]any{
			"isOpened":            ev.Type == EventSensorOpened,
			"openStatusChangedAt": startMs,
			"lastContactEventId":  ev.ID,
		}
	case EventSensorAlarm:
		sensor := b.eventSensor(ev)
		if sensor == nil {
			return nil
		}
		dev = sensor
		partial = map[string]any{
			"alarmTriggeredAt": startMs, "lastValueEventId": ev.ID,
		}
	case EventSensorWaterLeak:
		sensor := b.eventSensor(ev)
		if sensor == nil {
			return nil
		}
		dev = sensor
		partial = map[string]any{
			"leakDetectedAt": startMs, "lastValueEventId": ev.ID,
		}
	case EventMotionLight:
		light := b.eventLight(ev)
		if light == nil {
			return nil
		}
		dev = light
		partial = map[string]any{
			"isPirMotionDetected": true, "lastMotion": startMs,
			"lastMotionEventId": ev.ID,
		}
	default:
		return nil
	}

	partial = filterIgnored(partial, dev.Meta().ID, opts)
	if len(partial) == 0 {
		return nil
	}
	changed, err := ApplyPartial(dev, partial)
	if err != nil {
		b.logf("[ERROR] bootstrap: derive %s for %s: %v", ev.Type, dev.Meta().ID, err)
		return nil
	}
	if changed.Empty() {
		return nil
	}
	meta := dev.Meta()
	return &WSSubscriptionMessage{
		Action: WSActionUpdate, ModelKey: meta.ModelKey, ID: meta.ID,
		Obj: dev, Changed: changed, Packet: pkt,
	}
}

// deriveEventEnd clears the derived flags when an event completes. The
// change rides inside the event-update notification; no extra message fires.
func (b *Bootstrap) deriveEventEnd(ev *Event) {
	endMs := any(nil)
	if ev.End != nil {
		endMs = TimestampMillis(ev.End.Time)
	}
	apply := func(obj ProtectObject, partial map[string]any) {
		if _, err := ApplyPartial(obj, partial); err != nil {
			b.logf("[ERROR] bootstrap: derive end of %s: %v", ev.ID, err)
		}
	}
	switch ev.Type {
	case EventMotion:
		if cam := b.eventCamera(ev); cam != nil && cam.LastMotionEventID == ev.ID {
			apply(cam, map[string]any{"isMotionDetected": false, "lastMotionEnd": endMs})
		}
	case EventSmartDetect, EventSmartDetectLine:
		if cam := b.eventCamera(ev); cam != nil && cam.LastSmartDetectEventID == ev.ID {
			apply(cam, map[string]any{"isSmartDetected": false})
		}
	case EventRing:
		if cam := b.eventCamera(ev); cam != nil && cam.LastRingEventID == ev.ID {
			apply(cam, map[string]any{"isRinging": false})
		}
	case EventMotionSensor:
		if sensor := b.eventSensor(ev); sensor != nil && sensor.LastMotionEventID == ev.ID {
			apply(sensor, map[string]any{"isMotionDetected": false})
		}
	case EventMotionLight:
		if light := b.eventLight(ev); light != nil && light.LastMotionEventID == ev.ID {
			apply(light, map[string]any{"isPirMotionDetected": false})
		}
	}
}

// ResetRing clears a camera's ringing flag. The controller does not always
// send the ring end packet; the client arms a timer that lands here.
func (b *Bootstrap) ResetRing(cameraID string) *WSSubscriptionMessage {
	cam, ok := b.Cameras[cameraID]
	if !ok || !cam.IsRinging {
		return nil
	}
	changed, err := ApplyPartial(cam, map[string]any{"isRinging": false})
	if err != nil || changed.Empty() {
		return nil
	}
	return &WSSubscriptionMessage{
		Action: WSActionUpdate, ModelKey: ModelCamera, ID: cameraID,
		Obj: cam, Changed: changed,
	}
}

func (b *Bootstrap) eventCamera(ev *Event) *Camera {
	id := ev.Camera
	if id == "" {
		id = ev.DeviceID()
	}
	cam, ok := b.Cameras[id]
	if !ok {
		b.logf("[WARN] bootstrap: %s event %s for unknown camera %q", ev.Type, ev.ID, id)
		return nil
	}
	return cam
}

func (b *Bootstrap) eventSensor(ev *Event) *Sensor {
	id := ev.Sensor
	if id == "" {
		id = ev.DeviceID()
	}
	s, ok := b.Sensors[id]
	if !ok {
		b.logf("[WARN] bootstrap: %s event %s for unknown sensor %q", ev.Type, ev.ID, id)
		return nil
	}
	return s
}

func (b *Bootstrap) eventLight(ev *Event) *Light {
	id := ev.Light
	if id == "" {
		id = ev.DeviceID()
	}
	l, ok := b.Lights[id]
	if !ok {
		b.logf("[WARN] bootstrap: %s event %s for unknown light %q", ev.Type, ev.ID, id)
		return nil
	}
	return l
}

// filterIgnored strips leaves matching the echo-suppression table. Fields on
// the server-derived allow-list are never suppressed.
func filterIgnored(partial map[string]any, id string, opts ApplyOptions) map[string]any {
	if opts.ShouldIgnore == nil || partial == nil {
		return partial
	}
	out := make(map[string]any, len(partial))
	filterIgnoredInto(out, partial, "", id, opts.ShouldIgnore)
	return out
}

func filterIgnoredInto(dst, src map[string]any, prefix, id string, ignore func(string, string) bool) {
	for k, v := range src {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok {
			sub := make(map[string]any, len(m))
			filterIgnoredInto(sub, m, path, id, ignore)
			if len(sub) > 0 {
				dst[k] = sub
			}
			continue
		}
		if neverSuppressed(path) || !ignore(id, path) {
			dst[k] = v
		}
	}
}

// serverDerivedKeys must never be suppressed even when they appear in an
// echo of a self-initiated write: the controller, not the client, owns them.
var serverDerivedKeys = map[string]bool{
	"lastSeen": true, "upSince": true, "uptime": true, "state": true,
	"stats": true, "storageStats": true, "systemInfo": true,
	"phyRate": true, "wifiConnectionState": true, "lastMotion": true,
	"lastRing": true, "currentResolution": true,
}

func neverSuppressed(path string) bool {
	root := path
	if i := strings.IndexByte(path, '.'); i >= 0 {
		root = path[:i]
	}
	return serverDerivedKeys[root]
}

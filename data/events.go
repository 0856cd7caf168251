package data

// Event is a first-class object on the wire and also implies state changes
// on its target device; see Bootstrap.processEventPacket.
type Event struct {
	protectBase

	ID        string    `json:"id"`
	ModelKey  ModelType `json:"modelKey"`
	Type      EventType `json:"type"`
	Start     *Timestamp `json:"start,omitempty"`
	End       *Timestamp `json:"end,omitempty"`
	Score     int        `json:"score"`
	Partition string     `json:"partition,omitempty"`

	Camera   string `json:"camera,omitempty"`
	Light    string `json:"light,omitempty"`
	Sensor   string `json:"sensor,omitempty"`
	User     string `json:"user,omitempty"`

	SmartDetectTypes    []SmartDetectType `json:"smartDetectTypes,omitempty"`
	SmartDetectEventIds []string          `json:"smartDetectEvents,omitempty"`

	// Metadata's shape depends on Type; it stays loosely typed. Well-known
	// members get accessors below.
	Metadata map[string]any `json:"metadata,omitempty"`

	Thumbnail string `json:"thumbnail,omitempty"`
	Heatmap   string `json:"heatmap,omitempty"`
}

// NewEventFromWire decodes a detached event, e.g. one returned by the event
// history endpoint. The wire map must already be key-normalized.
func NewEventFromWire(wire map[string]any) (*Event, error) {
	ev := &Event{}
	if err := initObject(ev, wire); err != nil {
		return nil, err
	}
	return ev, nil
}

// IsActive reports whether the event has not ended yet.
func (e *Event) IsActive() bool { return e.End == nil || e.End.IsZero() }

// DeviceID returns whichever device reference the event carries.
func (e *Event) DeviceID() string {
	switch {
	case e.Camera != "":
		return e.Camera
	case e.Light != "":
		return e.Light
	case e.Sensor != "":
		return e.Sensor
	}
	if id, ok := e.Metadata["deviceId"].(map[string]any); ok {
		if text, ok := id["text"].(string); ok {
			return text
		}
	}
	return ""
}

// LicensePlate returns the detected plate text for license-plate smart
// detections, or "".
func (e *Event) LicensePlate() string {
	plate, ok := e.Metadata["licensePlate"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := plate["name"].(string)
	return name
}

// NfcCardID returns the scanned card id for nfcCardScanned events, or "".
func (e *Event) NfcCardID() string {
	nfc, ok := e.Metadata["nfc"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := nfc["nfcId"].(string)
	return id
}

// FingerprintUlpID returns the identified user for fingerprintIdentified
// events, or "".
func (e *Event) FingerprintUlpID() string {
	fp, ok := e.Metadata["fingerprint"].(map[string]any)
	if !ok {
		return ""
	}
	id, _ := fp["ulpId"].(string)
	return id
}

package data

import (
	"context"
	"fmt"
)

// ProtectDevice is the common header shared by every adopted device. Typed
// fields mirror the wire form; everything else stays in the extras of the
// underlying wire map.
type ProtectDevice struct {
	protectBase

	ID               string     `json:"id"`
	Mac              string     `json:"mac"`
	ModelKey         ModelType  `json:"modelKey"`
	Name             string     `json:"name"`
	Type             string     `json:"type"`
	State            StateType  `json:"state"`
	FirmwareVersion  string     `json:"firmwareVersion"`
	HardwareRevision string     `json:"hardwareRevision"`
	UpSince          *Timestamp `json:"upSince"`
	LastSeen         *Timestamp `json:"lastSeen"`
	ConnectionHost   string     `json:"connectionHost"`
	IsAdopted        bool       `json:"isAdopted"`
	Permissions      uint64     `json:"permissions"`
}

// Meta gives map-level code uniform access to the common header.
func (d *ProtectDevice) Meta() *ProtectDevice { return d }

// Adoptable is any device that lives in one of the bootstrap's keyed maps.
type Adoptable interface {
	ProtectObject
	Meta() *ProtectDevice
}

// volatileKeys are telemetry that a disconnect invalidates. They are cleared
// on a transition to DISCONNECTED while configuration is retained.
var volatileKeys = []string{
	"stats", "wifiConnectionState", "phyRate", "currentResolution",
}

// CameraChannel is one encoder stream: resolution plus bitrate bounds.
type CameraChannel struct {
	ID            int    `json:"id"`
	VideoID       string `json:"videoId"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	IsRtspEnabled bool   `json:"isRtspEnabled"`
	RtspAlias     string `json:"rtspAlias"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	Fps           int    `json:"fps"`
	Bitrate       int    `json:"bitrate"`
	MinBitrate    int    `json:"minBitrate"`
	MaxBitrate    int    `json:"maxBitrate"`
}

type RecordingSettings struct {
	Mode                  RecordingMode `json:"mode"`
	PrePaddingSecs        int           `json:"prePaddingSecs"`
	PostPaddingSecs       int           `json:"postPaddingSecs"`
	MinMotionEventTrigger int           `json:"minMotionEventTrigger"`
	EndMotionEventDelay   int           `json:"endMotionEventDelay"`
	SuppressIlluminationSurge bool      `json:"suppressIlluminationSurge"`
	EnableMotionDetection *bool         `json:"enableMotionDetection,omitempty"`
	UseNewMotionAlgorithm bool          `json:"useNewMotionAlgorithm"`
}

type ISPSettings struct {
	AeMode          string `json:"aeMode"`
	IrLedMode       string `json:"irLedMode"`
	IrLedLevel      int    `json:"irLedLevel"`
	Wdr             int    `json:"wdr"`
	IcrSensitivity  int    `json:"icrSensitivity"`
	Brightness      int    `json:"brightness"`
	Contrast        int    `json:"contrast"`
	Hue             int    `json:"hue"`
	Saturation      int    `json:"saturation"`
	Sharpness       int    `json:"sharpness"`
	Denoise         int    `json:"denoise"`
	IsFlippedVertical   bool `json:"isFlippedVertical"`
	IsFlippedHorizontal bool `json:"isFlippedHorizontal"`
	ZoomPosition    int    `json:"zoomPosition"`
}

type SmartDetectSettings struct {
	ObjectTypes []SmartDetectType `json:"objectTypes"`
	AudioTypes  []SmartDetectType `json:"audioTypes"`
}

type TalkbackSettings struct {
	TypeFmt       string `json:"typeFmt"`
	TypeIn        string `json:"typeIn"`
	BindAddr      string `json:"bindAddr"`
	BindPort      int    `json:"bindPort"`
	FilterAddr    string `json:"filterAddr"`
	FilterPort    int    `json:"filterPort"`
	Channels      int    `json:"channels"`
	SamplingRate  int    `json:"samplingRate"`
	BitsPerSample int    `json:"bitsPerSample"`
	Quality       int    `json:"quality"`
}

type LCDMessage struct {
	Type    string     `json:"type"`
	Text    string     `json:"text"`
	ResetAt *Timestamp `json:"resetAt,omitempty"`
}

type LEDSettings struct {
	IsEnabled bool `json:"isEnabled"`
	BlinkRate int  `json:"blinkRate"`
}

type CameraFeatureFlags struct {
	CanAdjustIrLedLevel bool `json:"canAdjustIrLedLevel"`
	HasLedStatus        bool `json:"hasLedStatus"`
	HasLedIr            bool `json:"hasLedIr"`
	HasSpeaker          bool `json:"hasSpeaker"`
	HasMic              bool `json:"hasMic"`
	HasLcdScreen        bool `json:"hasLcdScreen"`
	HasHdr              bool `json:"hasHdr"`
	HasChime            bool `json:"hasChime"`
	HasSmartDetect      bool `json:"hasSmartDetect"`
	HasPackageCamera    bool `json:"hasPackageCamera"`
	HasFingerprintSensor bool `json:"hasFingerprintSensor"`
	HasNfcCardReader    bool `json:"hasNfcCardReader"`
	IsDoorbell          bool `json:"isDoorbell"`
	SmartDetectTypes    []SmartDetectType `json:"smartDetectTypes"`
	SmartDetectAudioTypes []SmartDetectType `json:"smartDetectAudioTypes"`
}

// Camera is the richest device variant.
type Camera struct {
	ProtectDevice

	IsMotionDetected bool       `json:"isMotionDetected"`
	IsSmartDetected  bool       `json:"isSmartDetected"`
	IsRinging        bool       `json:"isRinging"`
	IsMicEnabled     bool       `json:"isMicEnabled"`
	IsRecording      bool       `json:"isRecording"`
	MicVolume        int        `json:"micVolume"`
	ChimeDuration    ChimeType  `json:"chimeDuration"`
	VideoMode        VideoMode  `json:"videoMode"`
	HdrMode          bool       `json:"hdrMode"`
	Bridge           string     `json:"bridge,omitempty"`
	CurrentResolution string    `json:"currentResolution,omitempty"`

	LastMotion    *Timestamp `json:"lastMotion,omitempty"`
	LastMotionEnd *Timestamp `json:"lastMotionEnd,omitempty"`
	LastRing      *Timestamp `json:"lastRing,omitempty"`

	Channels            []CameraChannel     `json:"channels"`
	RecordingSettings   RecordingSettings   `json:"recordingSettings"`
	IspSettings         ISPSettings         `json:"ispSettings"`
	SmartDetectSettings SmartDetectSettings `json:"smartDetectSettings"`
	TalkbackSettings    TalkbackSettings    `json:"talkbackSettings"`
	LcdMessage          *LCDMessage         `json:"lcdMessage,omitempty"`
	LedSettings         LEDSettings         `json:"ledSettings"`
	FeatureFlags        CameraFeatureFlags  `json:"featureFlags"`

	// Event bookkeeping maintained by the diff engine.
	LastMotionEventID          string                        `json:"lastMotionEventId,omitempty"`
	LastRingEventID            string                        `json:"lastRingEventId,omitempty"`
	LastSmartDetect            *Timestamp                    `json:"lastSmartDetect,omitempty"`
	LastSmartDetectEventID     string                        `json:"lastSmartDetectEventId,omitempty"`
	LastSmartDetects           map[SmartDetectType]*Timestamp `json:"lastSmartDetects,omitempty"`
	LastSmartDetectEventIDs    map[SmartDetectType]string     `json:"lastSmartDetectEventIds,omitempty"`
	LastSmartAudioDetect       *Timestamp                    `json:"lastSmartAudioDetect,omitempty"`
	LastSmartAudioDetectEventID string                       `json:"lastSmartAudioDetectEventId,omitempty"`
	LastNfcCardScanned         *Timestamp                    `json:"lastNfcCardScanned,omitempty"`
	LastFingerprintIdentified  *Timestamp                    `json:"lastFingerprintIdentified,omitempty"`

	// Volatile telemetry; cleared when the camera disconnects.
	Stats map[string]any `json:"stats,omitempty"`
}

// RtspURL returns the rtsp:// URL for a channel, or "" when RTSP is off for
// that channel or the camera is detached from a bootstrap.
func (c *Camera) RtspURL(ch CameraChannel) string {
	if !ch.IsRtspEnabled || c.boot == nil || c.boot.Nvr == nil {
		return ""
	}
	n := c.boot.Nvr
	return fmt.Sprintf("rtsp://%s:%d/%s", n.ConnectionHost(), n.Ports.Rtsp, ch.RtspAlias)
}

// RtspsURL is the TLS variant of RtspURL.
func (c *Camera) RtspsURL(ch CameraChannel) string {
	if !ch.IsRtspEnabled || c.boot == nil || c.boot.Nvr == nil {
		return ""
	}
	n := c.boot.Nvr
	return fmt.Sprintf("rtsps://%s:%d/%s?enableSrtp", n.ConnectionHost(), n.Ports.Rtsps, ch.RtspAlias)
}

func (c *Camera) SetRecordingMode(mode RecordingMode) {
	c.queueChange("recordingSettings.mode", string(mode))
}

func (c *Camera) SetVideoMode(mode VideoMode) {
	c.queueChange("videoMode", string(mode))
}

func (c *Camera) SetHdr(enabled bool) {
	c.queueChange("hdrMode", enabled)
}

func (c *Camera) SetMicVolume(level int) {
	c.queueChange("micVolume", clampPercent(level))
}

func (c *Camera) SetStatusLight(enabled bool) {
	c.queueChange("ledSettings.isEnabled", enabled)
}

func (c *Camera) SetSmartDetectTypes(types []SmartDetectType) {
	vals := make([]any, len(types))
	for i, t := range types {
		vals[i] = string(t)
	}
	c.queueChange("smartDetectSettings.objectTypes", vals)
}

func (c *Camera) SetLcdText(msgType, text string, resetAt *Timestamp) {
	c.queueChange("lcdMessage.type", msgType)
	c.queueChange("lcdMessage.text", text)
	if resetAt != nil {
		c.queueChange("lcdMessage.resetAt", resetAt.UnixMilli())
	}
}

func (c *Camera) Save(ctx context.Context) error {
	return saveObject(ctx, c, ModelCamera, c.ID, SaveOptions{})
}

// LightDeviceSettings is the PIR hardware configuration.
type LightDeviceSettings struct {
	IsIndicatorEnabled bool `json:"isIndicatorEnabled"`
	LedLevel           int  `json:"ledLevel"`
	PirDuration        int  `json:"pirDuration"`
	PirSensitivity     int  `json:"pirSensitivity"`
}

type LightModeSettings struct {
	Mode     LightModeType `json:"mode"`
	EnableAt string        `json:"enableAt"`
}

type Light struct {
	ProtectDevice

	IsPirMotionDetected bool       `json:"isPirMotionDetected"`
	IsLightOn           bool       `json:"isLightOn"`
	IsLocating          bool       `json:"isLocating"`
	LastMotion          *Timestamp `json:"lastMotion,omitempty"`
	LastMotionEventID   string     `json:"lastMotionEventId,omitempty"`
	Camera              string     `json:"camera,omitempty"`

	LightDeviceSettings LightDeviceSettings `json:"lightDeviceSettings"`
	LightModeSettings   LightModeSettings   `json:"lightModeSettings"`
}

func (l *Light) SetLight(on bool) {
	l.queueChange("lightOnSettings.isLedForceOn", on)
}

func (l *Light) SetLedLevel(level int) {
	if level < 1 {
		level = 1
	} else if level > 6 {
		level = 6
	}
	l.queueChange("lightDeviceSettings.ledLevel", level)
}

func (l *Light) SetPirSensitivity(sensitivity int) {
	l.queueChange("lightDeviceSettings.pirSensitivity", clampPercent(sensitivity))
}

func (l *Light) SetMode(mode LightModeType) {
	l.queueChange("lightModeSettings.mode", string(mode))
}

// SetPairedCamera binds the light to a camera; empty unbinds.
func (l *Light) SetPairedCamera(cameraID string) {
	l.queueChange("camera", cameraID)
}

func (l *Light) Save(ctx context.Context) error {
	return saveObject(ctx, l, ModelLight, l.ID, SaveOptions{})
}

// SensorReading is one telemetry sample with its validity status.
type SensorReading struct {
	Value  *float64 `json:"value,omitempty"`
	Status string   `json:"status,omitempty"`
}

type SensorSettings struct {
	IsEnabled     bool     `json:"isEnabled"`
	LowThreshold  *float64 `json:"lowThreshold,omitempty"`
	HighThreshold *float64 `json:"highThreshold,omitempty"`
	Margin        float64  `json:"margin"`
	Sensitivity   int      `json:"sensitivity"`
}

type BatteryStatus struct {
	Percentage *int `json:"percentage,omitempty"`
	IsLow      bool `json:"isLow"`
}

type Sensor struct {
	ProtectDevice

	IsOpened              bool       `json:"isOpened"`
	IsMotionDetected      bool       `json:"isMotionDetected"`
	LeakDetectedAt        *Timestamp `json:"leakDetectedAt,omitempty"`
	MotionDetectedAt      *Timestamp `json:"motionDetectedAt,omitempty"`
	OpenStatusChangedAt   *Timestamp `json:"openStatusChangedAt,omitempty"`
	AlarmTriggeredAt      *Timestamp `json:"alarmTriggeredAt,omitempty"`
	ExtremeValueDetectedAt *Timestamp `json:"extremeValueDetectedAt,omitempty"`
	TamperingDetectedAt   *Timestamp `json:"tamperingDetectedAt,omitempty"`
	MountType             MountType  `json:"mountType,omitempty"`
	Camera                string     `json:"camera,omitempty"`

	BatteryStatus BatteryStatus `json:"batteryStatus"`
	Stats         struct {
		Light       SensorReading `json:"light"`
		Humidity    SensorReading `json:"humidity"`
		Temperature SensorReading `json:"temperature"`
	} `json:"stats"`

	MotionSettings      SensorSettings `json:"motionSettings"`
	LightSettings       SensorSettings `json:"lightSettings"`
	HumiditySettings    SensorSettings `json:"humiditySettings"`
	TemperatureSettings SensorSettings `json:"temperatureSettings"`
	AlarmSettings       SensorSettings `json:"alarmSettings"`

	LastMotionEventID  string `json:"lastMotionEventId,omitempty"`
	LastContactEventID string `json:"lastContactEventId,omitempty"`
	LastValueEventID   string `json:"lastValueEventId,omitempty"`
}

func (s *Sensor) SetMountType(mount MountType) {
	s.queueChange("mountType", string(mount))
}

func (s *Sensor) SetMotionEnabled(enabled bool) {
	s.queueChange("motionSettings.isEnabled", enabled)
}

func (s *Sensor) SetPairedCamera(cameraID string) {
	s.queueChange("camera", cameraID)
}

func (s *Sensor) Save(ctx context.Context) error {
	return saveObject(ctx, s, ModelSensor, s.ID, SaveOptions{})
}

// Viewer is a Viewport display device showing one liveview.
type Viewer struct {
	ProtectDevice

	Liveview        string `json:"liveview"`
	SoftwareVersion string `json:"softwareVersion"`
	StreamLimit     int    `json:"streamLimit"`
}

// SetLiveview points the viewer at a saved liveview layout.
func (v *Viewer) SetLiveview(liveviewID string) {
	v.queueChange("liveview", liveviewID)
}

func (v *Viewer) Save(ctx context.Context) error {
	return saveObject(ctx, v, ModelViewport, v.ID, SaveOptions{})
}

// ChimeRingSetting is the per-camera tone and volume pairing on a chime.
type ChimeRingSetting struct {
	Camera      string `json:"camera"`
	RepeatTimes int    `json:"repeatTimes"`
	TrackNo     int    `json:"trackNo"`
	Volume      int    `json:"volume"`
}

type Chime struct {
	ProtectDevice

	Volume       int                `json:"volume"`
	RepeatTimes  int                `json:"repeatTimes"`
	CameraIds    []string           `json:"cameraIds"`
	RingSettings []ChimeRingSetting `json:"ringSettings"`
	LastRing     *Timestamp         `json:"lastRing,omitempty"`
}

func (ch *Chime) SetVolume(level int) {
	ch.queueChange("volume", clampPercent(level))
}

func (ch *Chime) SetRepeatTimes(count int) {
	ch.queueChange("repeatTimes", count)
}

// SetCameraIds replaces the set of doorbells this chime rings for.
func (ch *Chime) SetCameraIds(ids []string) {
	vals := make([]any, len(ids))
	for i, id := range ids {
		vals[i] = id
	}
	ch.queueChange("cameraIds", vals)
}

func (ch *Chime) Save(ctx context.Context) error {
	return saveObject(ctx, ch, ModelChime, ch.ID, SaveOptions{})
}

type Doorlock struct {
	ProtectDevice

	LockStatus      LockStatusType `json:"lockStatus"`
	Camera          string         `json:"camera,omitempty"`
	AutoCloseTimeMs int            `json:"autoCloseTimeMs"`
	BatteryStatus   BatteryStatus  `json:"batteryStatus"`
	LedSettings     LEDSettings    `json:"ledSettings"`
}

func (d *Doorlock) SetStatusLight(enabled bool) {
	d.queueChange("ledSettings.isEnabled", enabled)
}

// SetAutoCloseTime sets the relock delay in milliseconds; 0 disables.
func (d *Doorlock) SetAutoCloseTime(ms int) {
	d.queueChange("autoCloseTimeMs", ms)
}

func (d *Doorlock) Save(ctx context.Context) error {
	return saveObject(ctx, d, ModelDoorlock, d.ID, SaveOptions{})
}

// Bridge relays sensors and locks onto the network. Header only.
type Bridge struct {
	ProtectDevice
}

func clampPercent(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

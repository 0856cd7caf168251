package data

import "strings"

// ModelType is the wire discriminator for every object kind the controller
// emits. The set grows between firmware releases; values outside the known
// constants are carried through verbatim.
type ModelType string

const (
	ModelCamera        ModelType = "camera"
	ModelCloudIdentity ModelType = "cloudIdentity"
	ModelEvent         ModelType = "event"
	ModelGroup         ModelType = "group"
	ModelLight         ModelType = "light"
	ModelLiveview      ModelType = "liveview"
	ModelNVR           ModelType = "nvr"
	ModelUser          ModelType = "user"
	ModelUserLocation  ModelType = "userLocation"
	ModelViewport      ModelType = "viewer"
	ModelBridge        ModelType = "bridge"
	ModelSensor        ModelType = "sensor"
	ModelDoorlock      ModelType = "doorlock"
	ModelSchedule      ModelType = "schedule"
	ModelChime         ModelType = "chime"
	ModelKeyring       ModelType = "keyring"
	ModelUlpUser       ModelType = "ulpUser"
	ModelUnknown       ModelType = "unknown"
)

var knownModelTypes = map[ModelType]bool{
	ModelCamera: true, ModelCloudIdentity: true, ModelEvent: true,
	ModelGroup: true, ModelLight: true, ModelLiveview: true, ModelNVR: true,
	ModelUser: true, ModelUserLocation: true, ModelViewport: true,
	ModelBridge: true, ModelSensor: true, ModelDoorlock: true,
	ModelSchedule: true, ModelChime: true, ModelKeyring: true,
	ModelUlpUser: true,
}

// IsKnown reports whether the value is one this library was built against.
func (m ModelType) IsKnown() bool { return knownModelTypes[m] }

// DevicesKey returns the bootstrap JSON key that holds the list for this
// model ("camera" -> "cameras").
func (m ModelType) DevicesKey() string { return string(m) + "s" }

// adoptableModelTypes are the device kinds that live in the bootstrap's
// keyed device maps.
var adoptableModelTypes = []ModelType{
	ModelCamera, ModelLight, ModelSensor, ModelViewport,
	ModelBridge, ModelChime, ModelDoorlock,
}

// StateType is the connectivity lattice for an adopted device.
type StateType string

const (
	StateConnected    StateType = "CONNECTED"
	StateConnecting   StateType = "CONNECTING"
	StateDisconnected StateType = "DISCONNECTED"
)

// EventType tags an event object. Open set; unknown values round-trip.
type EventType string

const (
	EventMotion             EventType = "motion"
	EventRing               EventType = "ring"
	EventSmartDetect        EventType = "smartDetectZone"
	EventSmartDetectLine    EventType = "smartDetectLine"
	EventSmartAudioDetect   EventType = "smartAudioDetect"
	EventNFCCardScanned     EventType = "nfcCardScanned"
	EventFingerprintID      EventType = "fingerprintIdentified"
	EventDisconnect         EventType = "disconnect"
	EventProvision          EventType = "provision"
	EventAccess             EventType = "access"
	EventOffline            EventType = "offline"
	EventOff                EventType = "off"
	EventReboot             EventType = "reboot"
	EventFirmwareUpdate     EventType = "fwUpdate"
	EventCameraConnected    EventType = "cameraConnected"
	EventCameraDisconnected EventType = "cameraDisconnected"
	EventDeviceAdopted      EventType = "deviceAdopted"
	EventDeviceUnadopted    EventType = "deviceUnadopted"
	EventMotionSensor       EventType = "sensorMotion"
	EventSensorOpened       EventType = "sensorOpened"
	EventSensorClosed       EventType = "sensorClosed"
	EventSensorAlarm        EventType = "sensorAlarm"
	EventSensorExtremeValue EventType = "sensorExtremeValues"
	EventSensorWaterLeak    EventType = "sensorWaterLeak"
	EventSensorBatteryLow   EventType = "sensorBatteryLow"
	EventMotionLight        EventType = "lightMotion"
	EventDoorlockOpen       EventType = "doorlockOpened"
	EventDoorlockClose      EventType = "doorlockClosed"
	EventRecordingDeleted   EventType = "recordingDeleted"
)

// SmartDetectType is the server-side motion classification.
type SmartDetectType string

const (
	SmartDetectPerson       SmartDetectType = "person"
	SmartDetectVehicle      SmartDetectType = "vehicle"
	SmartDetectAnimal       SmartDetectType = "animal"
	SmartDetectPackage      SmartDetectType = "package"
	SmartDetectLicensePlate SmartDetectType = "licensePlate"
	SmartDetectFace         SmartDetectType = "face"
	SmartDetectSmoke        SmartDetectType = "alrmSmoke"
	SmartDetectCmonx        SmartDetectType = "alrmCmonx"
	SmartDetectSiren        SmartDetectType = "alrmSiren"
	SmartDetectBabyCry      SmartDetectType = "alrmBabyCry"
	SmartDetectSpeak        SmartDetectType = "alrmSpeak"
	SmartDetectBark         SmartDetectType = "alrmBark"
	SmartDetectGlassBreak   SmartDetectType = "alrmBurglar"
)

// AudioType maps an audio smart-detect alarm to its audio classification,
// or "" when the detect type is not an audio alarm.
func (s SmartDetectType) AudioType() SmartDetectType {
	if strings.HasPrefix(string(s), "alrm") {
		return s
	}
	return ""
}

// RecordingMode controls when a camera records.
type RecordingMode string

const (
	RecordingModeAlways    RecordingMode = "always"
	RecordingModeNever     RecordingMode = "never"
	RecordingModeSchedule  RecordingMode = "schedule"
	RecordingModeDetections RecordingMode = "detections"
)

// VideoMode selects the camera sensor mode.
type VideoMode string

const (
	VideoModeDefault   VideoMode = "default"
	VideoModeHighFPS   VideoMode = "highFps"
	VideoModeHomekit   VideoMode = "homekit"
	VideoModeSportMode VideoMode = "sport"
)

// MountType describes how a sensor is mounted.
type MountType string

const (
	MountNone    MountType = "none"
	MountDoor    MountType = "door"
	MountWindow  MountType = "window"
	MountGarage  MountType = "garage"
	MountLeak    MountType = "leak"
)

// LockStatusType is the doorlock bolt state.
type LockStatusType string

const (
	LockStatusClosed       LockStatusType = "CLOSED"
	LockStatusOpen         LockStatusType = "OPEN"
	LockStatusClosing      LockStatusType = "CLOSING"
	LockStatusOpening      LockStatusType = "OPENING"
	LockStatusJammedClosed LockStatusType = "JAMMED_WHILE_CLOSING"
	LockStatusJammedOpen   LockStatusType = "JAMMED_WHILE_OPENING"
	LockStatusFailedClosed LockStatusType = "FAILED_WHILE_CLOSING"
	LockStatusFailedOpen   LockStatusType = "FAILED_WHILE_OPENING"
	LockStatusNotCalibrated LockStatusType = "NOT_CALIBRATED"
)

// LightModeType is the light's activation mode.
type LightModeType string

const (
	LightModeMotion   LightModeType = "motion"
	LightModeAlways   LightModeType = "always"
	LightModeManual   LightModeType = "off"
	LightModeSchedule LightModeType = "schedule"
)

// ChimeType is the doorbell chime kind configured on a camera.
type ChimeType int

const (
	ChimeTypeNone       ChimeType = 0
	ChimeTypeMechanical ChimeType = 300
	ChimeTypeDigital    ChimeType = 1000
)

// PayloadFormat is the websocket frame payload format discriminator.
type PayloadFormat uint8

const (
	PayloadJSON       PayloadFormat = 1
	PayloadUTF8       PayloadFormat = 2
	PayloadNodeBuffer PayloadFormat = 3
)

// WSAction is the action field of a websocket action frame.
type WSAction string

const (
	WSActionAdd    WSAction = "add"
	WSActionUpdate WSAction = "update"
	WSActionRemove WSAction = "remove"
)

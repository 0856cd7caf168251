package data

import (
	"context"
	"strconv"
	"strings"
)

// NvrPorts is the controller's service port map.
type NvrPorts struct {
	Ump            int `json:"ump"`
	Http           int `json:"http"`
	Https          int `json:"https"`
	Rtsp           int `json:"rtsp"`
	Rtsps          int `json:"rtsps"`
	Rtmp           int `json:"rtmp"`
	DevicesWss     int `json:"devicesWss"`
	CameraHttps    int `json:"cameraHttps"`
	LiveWs         int `json:"liveWs"`
	LiveWss        int `json:"liveWss"`
	TcpStreams     int `json:"tcpStreams"`
	TcpBridge      int `json:"tcpBridge"`
	Playback       int `json:"playback"`
	EmsCLI         int `json:"emsCLI"`
	EmsLiveFLV     int `json:"emsLiveFLV"`
	CameraEvents   int `json:"cameraEvents"`
	Discovery      int `json:"discoveryClient"`
}

type DoorbellSettings struct {
	DefaultMessageText          string   `json:"defaultMessageText"`
	DefaultMessageResetTimeoutMs int     `json:"defaultMessageResetTimeoutMs"`
	AllMessages                 []LCDMessage `json:"allMessages"`
	CustomMessages              []string `json:"customMessages"`
}

type StorageInfo struct {
	TotalSize      int64   `json:"totalSize"`
	Used           int64   `json:"used"`
	Available      int64   `json:"available"`
	IsRecycling    bool    `json:"isRecycling"`
	UtilizationPct float64 `json:"utilization"`
}

// NVR is the controller record. There is exactly one per bootstrap.
type NVR struct {
	protectBase

	ID               string     `json:"id"`
	Mac              string     `json:"mac"`
	ModelKey         ModelType  `json:"modelKey"`
	Name             string     `json:"name"`
	Host             string     `json:"host"`
	Version          string     `json:"version"`
	FirmwareVersion  string     `json:"firmwareVersion"`
	HardwareRevision string     `json:"hardwareRevision,omitempty"`
	Timezone         string     `json:"timezone"`
	UpSince          *Timestamp `json:"upSince,omitempty"`
	LastSeen         *Timestamp `json:"lastSeen,omitempty"`
	Uptime           int64      `json:"uptime"`
	IsHardware       bool       `json:"isHardware"`
	RecordingRetentionDurationMs int64 `json:"recordingRetentionDurationMs"`
	EnableAutomaticBackups       bool  `json:"enableAutomaticBackups"`
	IsStatsGatheringEnabled      bool  `json:"isStatsGatheringEnabled"`

	Ports            NvrPorts         `json:"ports"`
	DoorbellSettings DoorbellSettings `json:"doorbellSettings"`
	StorageInfo      StorageInfo      `json:"storageInfo"`
}

// ConnectionHost prefers the configured host and falls back to the
// bootstrap's connection address.
func (n *NVR) ConnectionHost() string {
	if n.Host != "" {
		return n.Host
	}
	if n.boot != nil {
		return n.boot.connectionHost
	}
	return ""
}

// Version parsing for firmware gates. Controllers report semver-ish strings
// like "4.0.21"; suffixes past the patch digit are ignored.
type Version struct {
	Major, Minor, Patch int
}

func ParseVersion(s string) (Version, bool) {
	var v Version
	parts := strings.SplitN(s, ".", 3)
	if len(parts) < 3 {
		return v, false
	}
	nums := [3]*int{&v.Major, &v.Minor, &v.Patch}
	for i, p := range parts {
		if i == 2 {
			if idx := strings.IndexFunc(p, func(r rune) bool { return r < '0' || r > '9' }); idx >= 0 {
				p = p[:idx]
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return v, false
		}
		*nums[i] = n
	}
	return v, true
}

// AtLeast reports whether v >= other.
func (v Version) AtLeast(other Version) bool {
	if v.Major != other.Major {
		return v.Major > other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor > other.Minor
	}
	return v.Patch >= other.Patch
}

// SetDefaultDoorbellText changes the controller-wide doorbell LCD default.
func (n *NVR) SetDefaultDoorbellText(text string) {
	n.queueChange("doorbellSettings.defaultMessageText", text)
}

func (n *NVR) SetStatsGathering(enabled bool) {
	n.queueChange("isStatsGatheringEnabled", enabled)
}

func (n *NVR) Save(ctx context.Context) error {
	return saveObject(ctx, n, ModelNVR, n.ID, SaveOptions{})
}

// LiveviewSlot is one pane of a saved multi-camera layout.
type LiveviewSlot struct {
	Cameras       []string `json:"cameras"`
	CycleMode     string   `json:"cycleMode"`
	CycleInterval int      `json:"cycleInterval"`
}

// Liveview is a saved multi-camera layout on the controller.
type Liveview struct {
	protectBase

	ID        string         `json:"id"`
	ModelKey  ModelType      `json:"modelKey"`
	Name      string         `json:"name"`
	IsDefault bool           `json:"isDefault"`
	IsGlobal  bool           `json:"isGlobal"`
	Layout    int            `json:"layout"`
	Slots     []LiveviewSlot `json:"slots"`
	Owner     string         `json:"owner"`
}

// Keyring is an NFC card or fingerprint enrolled against a ULP user.
// Present only on newer controller versions.
type Keyring struct {
	protectBase

	ID           string     `json:"id"`
	ModelKey     ModelType  `json:"modelKey"`
	DeviceType   string     `json:"deviceType"`
	DeviceID     string     `json:"deviceId"`
	RegistryType string     `json:"registryType"`
	RegistryID   string     `json:"registryId"`
	LastActivity *Timestamp `json:"lastActivity,omitempty"`
	UlpUser      string     `json:"ulpUser"`
}

// UlpUser is a UniFi identity known to the access subsystem.
type UlpUser struct {
	protectBase

	ID       string    `json:"id"`
	ModelKey ModelType `json:"modelKey"`
	UlpID    string    `json:"ulpId"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	FullName  string   `json:"fullName"`
	Avatar    string   `json:"avatar"`
	Status    string   `json:"status"`
}

// User is the authenticated controller account.
type User struct {
	protectBase

	ID             string    `json:"id"`
	ModelKey       ModelType `json:"modelKey"`
	Name           string    `json:"name"`
	FirstName      string    `json:"firstName"`
	LastName       string    `json:"lastName"`
	Email          string    `json:"email"`
	LocalUsername  string    `json:"localUsername"`
	AllPermissions []string  `json:"allPermissions"`
	Groups         []string  `json:"groups"`
}

// CanAdminDevices is a convenience permission probe used by callers before
// attempting writes.
func (u *User) CanAdminDevices() bool {
	for _, p := range u.AllPermissions {
		if strings.HasPrefix(p, "camera:") && strings.Contains(p, "write") {
			return true
		}
		if p == "nvr:*" || strings.HasPrefix(p, "admin") {
			return true
		}
	}
	return false
}

package data

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockAPI records patches and ignore registrations, optionally failing.
type mockAPI struct {
	patches  []mockPatch
	ignored  map[string][]string
	failWith error
}

type mockPatch struct {
	model ModelType
	id    string
	body  map[string]any
}

func newMockAPI() *mockAPI {
	return &mockAPI{ignored: map[string][]string{}}
}

func (m *mockAPI) PatchDevice(ctx context.Context, model ModelType, id string, body []byte) error {
	if m.failWith != nil {
		return m.failWith
	}
	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return err
	}
	m.patches = append(m.patches, mockPatch{model: model, id: id, body: decoded})
	return nil
}

func (m *mockAPI) RegisterEchoIgnore(id string, fields FieldSet) {
	m.ignored[id] = append(m.ignored[id], fields.Sorted()...)
}

func attachMock(t *testing.T) (*Bootstrap, *mockAPI) {
	t.Helper()
	b := loadBootstrap(t)
	api := newMockAPI()
	b.Attach(api, nil, "192.168.1.1")
	return b, api
}

func TestSaveSendsMinimalPatch(t *testing.T) {
	b, api := attachMock(t)
	cam := b.Cameras[fixtureCameraID]

	cam.SetRecordingMode(RecordingModeAlways)
	cam.SetMicVolume(70)
	require.NoError(t, cam.Save(context.Background()))

	require.Len(t, api.patches, 1)
	p := api.patches[0]
	assert.Equal(t, ModelCamera, p.model)
	assert.Equal(t, fixtureCameraID, p.id)
	// Only the changed leaves go over the wire, never whole records.
	assert.Equal(t, map[string]any{
		"micVolume":         float64(70),
		"recordingSettings": map[string]any{"mode": "always"},
	}, p.body)

	// Local state advanced to the post-change values.
	assert.Equal(t, RecordingModeAlways, cam.RecordingSettings.Mode)
	assert.Equal(t, 70, cam.MicVolume)

	// Echo suppression armed for exactly the changed paths.
	assert.ElementsMatch(t,
		[]string{"micVolume", "recordingSettings.mode"},
		api.ignored[fixtureCameraID])
}

func TestSaveNoopWithoutChanges(t *testing.T) {
	b, api := attachMock(t)
	cam := b.Cameras[fixtureCameraID]
	require.NoError(t, cam.Save(context.Background()))
	assert.Empty(t, api.patches)
	assert.Empty(t, api.ignored)
}

func TestSaveSkipsValuesAlreadyConfirmed(t *testing.T) {
	b, api := attachMock(t)
	cam := b.Cameras[fixtureCameraID]
	// Setter writes the value the server already has.
	cam.SetMicVolume(cam.MicVolume)
	require.NoError(t, cam.Save(context.Background()))
	assert.Empty(t, api.patches)
}

func TestSaveRollsBackOnFailure(t *testing.T) {
	b, api := attachMock(t)
	api.failWith = errors.New("controller said no")
	cam := b.Cameras[fixtureCameraID]
	before := cam.RecordingSettings.Mode

	cam.SetRecordingMode(RecordingModeNever)
	err := cam.Save(context.Background())
	require.Error(t, err)

	// The dirty buffer is gone and the confirmed state is untouched; the
	// caller may retry safely.
	assert.Equal(t, before, cam.RecordingSettings.Mode)
	api.failWith = nil
	require.NoError(t, cam.Save(context.Background()))
	assert.Empty(t, api.patches, "rolled-back edit must not resurface")
}

func TestSaveCoalescesQueuedEdits(t *testing.T) {
	b, api := attachMock(t)
	cam := b.Cameras[fixtureCameraID]
	cam.SetMicVolume(10)
	cam.SetMicVolume(20)
	cam.SetMicVolume(30)
	require.NoError(t, cam.Save(context.Background()))

	require.Len(t, api.patches, 1)
	assert.Equal(t, float64(30), api.patches[0].body["micVolume"])
}

func TestSaveDetachedDeviceFails(t *testing.T) {
	cam := &Camera{}
	require.NoError(t, initObject(cam, map[string]any{"id": "lonely"}))
	cam.SetMicVolume(10)
	assert.Error(t, cam.Save(context.Background()))
}

func TestChimeAndLightSetters(t *testing.T) {
	b, api := attachMock(t)

	chime := b.Chimes[fixtureChimeID]
	chime.SetVolume(150) // clamped
	chime.SetCameraIds([]string{fixtureCameraID})
	require.NoError(t, chime.Save(context.Background()))
	require.Len(t, api.patches, 1)
	assert.Equal(t, float64(100), api.patches[0].body["volume"])

	light := b.Lights["61ddb66b018e2703e7008d01"]
	light.SetLedLevel(9) // clamped to 6
	light.SetMode(LightModeAlways)
	require.NoError(t, light.Save(context.Background()))
	require.Len(t, api.patches, 2)
	p := api.patches[1]
	assert.Equal(t, ModelLight, p.model)
	assert.Equal(t, float64(6),
		p.body["lightDeviceSettings"].(map[string]any)["ledLevel"])
}

func TestExtrasPreservedOnDevice(t *testing.T) {
	b, _ := loadBootstrapWithLog(t)
	b.ApplyPacket(pkt(WSActionUpdate, ModelCamera, fixtureCameraID, "u2", map[string]any{
		"someFutureKey": map[string]any{"nested": true},
	}), ApplyOptions{})

	cam := b.Cameras[fixtureCameraID]
	extras := Extras(cam)
	assert.Contains(t, extras, "someFutureKey")

	out, err := UnifiDict(cam)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, map[string]any{"nested": true}, decoded["someFutureKey"])
}

func TestTimestampJSON(t *testing.T) {
	var ts Timestamp
	require.NoError(t, json.Unmarshal([]byte("1700000000000"), &ts))
	assert.Equal(t, int64(1700000000000), ts.UnixMilli())

	out, err := json.Marshal(ts)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000", string(out))

	var null Timestamp
	require.NoError(t, json.Unmarshal([]byte("null"), &null))
	assert.True(t, null.IsZero())
	out, err = json.Marshal(null)
	require.NoError(t, err)
	assert.Equal(t, "null", string(out))

	assert.Error(t, json.Unmarshal([]byte(`"not a number"`), &ts))
}

func TestVersionCompare(t *testing.T) {
	v, ok := ParseVersion("4.0.21")
	require.True(t, ok)
	assert.True(t, v.AtLeast(Version{4, 0, 21}))
	assert.True(t, v.AtLeast(Version{3, 9, 99}))
	assert.False(t, v.AtLeast(Version{4, 1, 0}))

	suffixed, ok := ParseVersion("4.0.21-beta2")
	require.True(t, ok)
	assert.Equal(t, Version{4, 0, 21}, suffixed)

	_, ok = ParseVersion("4.0")
	assert.False(t, ok)
}

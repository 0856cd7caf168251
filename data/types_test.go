package data

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestModelTypeDevicesKey(t *testing.T) {
	assert.Equal(t, "cameras", ModelCamera.DevicesKey())
	assert.Equal(t, "doorlocks", ModelDoorlock.DevicesKey())
	assert.Equal(t, "liveviews", ModelLiveview.DevicesKey())
}

func TestModelTypeIsKnown(t *testing.T) {
	assert.True(t, ModelCamera.IsKnown())
	assert.True(t, ModelUlpUser.IsKnown())
	// Future model keys pass through without being known.
	assert.False(t, ModelType("hoverDrone").IsKnown())
}

func TestSmartDetectAudioType(t *testing.T) {
	assert.Equal(t, SmartDetectSmoke, SmartDetectSmoke.AudioType())
	assert.Equal(t, SmartDetectType(""), SmartDetectPerson.AudioType())
}

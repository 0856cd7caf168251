package data

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeMAC(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"already normalized", "fcecdaaa1101", "fcecdaaa1101", false},
		{"uppercase with colons", "FC:EC:DA:AA:11:01", "fcecdaaa1101", false},
		{"dashes", "fc-ec-da-aa-11-01", "fcecdaaa1101", false},
		{"dots", "fcec.daaa.1101", "fcecdaaa1101", false},
		{"too short", "fcecdaaa11", "", true},
		{"too long", "fcecdaaa110100", "", true},
		{"not hex", "zzecdaaa1101", "", true},
		{"empty", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeMAC(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeMACCached(t *testing.T) {
	first, err := NormalizeMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	second, err := NormalizeMAC("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestParseTimestamp(t *testing.T) {
	ts, ok := ParseTimestamp(float64(1700000000000))
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), ts)

	// Same value again hits the cache and must agree.
	again, ok := ParseTimestamp(int64(1700000000000))
	require.True(t, ok)
	assert.Equal(t, ts, again)

	_, ok = ParseTimestamp(nil)
	assert.False(t, ok)
	_, ok = ParseTimestamp("not-a-number")
	assert.False(t, ok)
}

func TestParseIPAcceptsBothFamilies(t *testing.T) {
	v4, err := ParseIP("192.168.1.10")
	require.NoError(t, err)
	assert.True(t, v4.Is4())

	v6, err := ParseIP("fe80::1ff:fe23:4567:890a")
	require.NoError(t, err)
	assert.True(t, v6.Is6())

	_, err = ParseIP("not-an-ip")
	assert.Error(t, err)
}

func TestNormalizeWireKeysSnakeWins(t *testing.T) {
	in := map[string]any{
		"isMotionDetected": false,
		"is_motion_detected": true,
		"recordingSettings": map[string]any{
			"pre_padding_secs": float64(5),
			"mode":             "always",
		},
	}
	out := NormalizeWireKeys(in)
	assert.Equal(t, true, out["isMotionDetected"])
	nested := out["recordingSettings"].(map[string]any)
	assert.Equal(t, float64(5), nested["prePaddingSecs"])
	assert.Equal(t, "always", nested["mode"])
}

func TestMergeWireChangedPaths(t *testing.T) {
	dst := map[string]any{
		"micVolume": float64(100),
		"recordingSettings": map[string]any{
			"mode":           "never",
			"prePaddingSecs": float64(3),
		},
	}
	changed := MergeWire(dst, map[string]any{
		"micVolume": float64(100), // unchanged
		"recordingSettings": map[string]any{
			"mode": "always",
		},
		"hdrMode": true, // new leaf
	})

	assert.ElementsMatch(t, []string{"recordingSettings.mode", "hdrMode"}, changed.Sorted())
	assert.Equal(t, "always", dst["recordingSettings"].(map[string]any)["mode"])
	// Sibling keys in the nested object survive the merge.
	assert.Equal(t, float64(3), dst["recordingSettings"].(map[string]any)["prePaddingSecs"])
}

func TestDiffWireMinimal(t *testing.T) {
	before := map[string]any{
		"micVolume": float64(80),
		"ledSettings": map[string]any{
			"isEnabled": true,
			"blinkRate": float64(0),
		},
	}
	after := CopyWire(before)
	after["ledSettings"].(map[string]any)["isEnabled"] = false

	diff := DiffWire(before, after)
	assert.Equal(t, map[string]any{
		"ledSettings": map[string]any{"isEnabled": false},
	}, diff)
}

func TestSelectFields(t *testing.T) {
	src := map[string]any{
		"a": float64(1),
		"b": map[string]any{"c": "x", "d": "y"},
	}
	out := SelectFields(src, []string{"b.c", "a", "missing.path"})
	assert.Equal(t, map[string]any{
		"a": float64(1),
		"b": map[string]any{"c": "x"},
	}, out)
}

func TestFieldSetHasPrefix(t *testing.T) {
	fs := NewFieldSet("recordingSettings.mode", "hdrMode")
	assert.True(t, fs.HasPrefix("recordingSettings"))
	assert.True(t, fs.HasPrefix("hdrMode"))
	assert.False(t, fs.HasPrefix("recording"))
}

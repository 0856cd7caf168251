package data

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFrame(t *testing.T, packetType uint8, format PayloadFormat, deflated bool, payload []byte) []byte {
	t.Helper()
	out, err := EncodeWSFrame(packetType, format, deflated, payload)
	require.NoError(t, err)
	return out
}

func TestWSPacketRoundTrip(t *testing.T) {
	action := WSActionFrame{
		Action:      WSActionUpdate,
		ID:          "61ddb66b018e2703e7008c19",
		ModelKey:    ModelCamera,
		NewUpdateID: "e5f1d8b2-0002-4b2a-9e71-222222222222",
	}
	payload := map[string]any{"isMotionDetected": true, "micVolume": float64(90)}

	raw, err := EncodeWSPacket(action, payload)
	require.NoError(t, err)

	pkt, err := DecodeWSPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, action, pkt.Action)
	assert.Equal(t, payload, pkt.Payload)
}

func TestWSPacketZeroLengthPayloadIsValidRemove(t *testing.T) {
	action := WSActionFrame{
		Action:   WSActionRemove,
		ID:       "61ddb66b018e2703e7008c19",
		ModelKey: ModelCamera,
	}
	raw, err := EncodeWSPacket(action, nil)
	require.NoError(t, err)

	pkt, err := DecodeWSPacket(raw)
	require.NoError(t, err)
	assert.Equal(t, WSActionRemove, pkt.Action.Action)
	assert.Nil(t, pkt.Payload)
}

func TestWSPacketLargePayloadDeflates(t *testing.T) {
	big := map[string]any{}
	for i := 0; i < 26; i++ {
		big[string(rune('a'+i))+"padpadpadpad"] = "value value value value value value value value value value"
	}
	raw, err := EncodeWSPacket(WSActionFrame{
		Action: WSActionAdd, ID: "x", ModelKey: ModelCamera,
	}, big)
	require.NoError(t, err)

	// Second frame starts after the action frame; it must be marked
	// deflated on both signals.
	actionLen := binary.BigEndian.Uint32(raw[4:8])
	second := raw[wsHeaderSize+int(actionLen):]
	assert.Equal(t, uint8(framePacketPayload), second[0])
	assert.Equal(t, uint8(PayloadNodeBuffer), second[1])
	assert.Equal(t, uint8(1), second[2])

	pkt, err := DecodeWSPacket(raw)
	require.NoError(t, err)
	assert.Len(t, pkt.Payload, len(big))
}

func TestWSFrameFormatWinsOverStaleFlag(t *testing.T) {
	// Deflate flag zeroed but format says compressed JSON: format wins.
	body, err := json.Marshal(map[string]any{"k": "v"})
	require.NoError(t, err)
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(body)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	frame := make([]byte, wsHeaderSize+buf.Len())
	frame[0] = framePacketPayload
	frame[1] = uint8(PayloadNodeBuffer)
	frame[2] = 0
	binary.BigEndian.PutUint32(frame[4:8], uint32(buf.Len()))
	copy(frame[wsHeaderSize:], buf.Bytes())

	decoded, _, err := DecodeWSFrame(frame, 0)
	require.NoError(t, err)
	assert.JSONEq(t, string(body), string(decoded.Payload))
}

func TestWSFrameReservedByteIgnored(t *testing.T) {
	payload := []byte(`{"a":1}`)
	frame := buildFrame(t, framePacketAction, PayloadJSON, false, payload)
	frame[3] = 0x7f // garbage in the reserved byte must not matter

	decoded, next, err := DecodeWSFrame(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, payload, decoded.Payload)
	assert.Equal(t, len(frame), next)
}

func TestWSFrameOversizedRejected(t *testing.T) {
	frame := make([]byte, wsHeaderSize)
	frame[0] = framePacketAction
	frame[1] = uint8(PayloadJSON)
	binary.BigEndian.PutUint32(frame[4:8], maxFramePayload+1)

	_, _, err := DecodeWSFrame(frame, 0)
	assert.ErrorContains(t, err, "exceeds limit")
}

func TestWSFrameTruncated(t *testing.T) {
	frame := buildFrame(t, framePacketAction, PayloadJSON, false, []byte(`{"a":1}`))
	_, _, err := DecodeWSFrame(frame[:len(frame)-2], 0)
	assert.ErrorContains(t, err, "truncated")

	_, _, err = DecodeWSFrame(frame[:4], 0)
	assert.ErrorContains(t, err, "short header")
}

func TestWSPacketRejectsUnknownAction(t *testing.T) {
	actionBody, err := json.Marshal(map[string]string{
		"action": "replace", "id": "x", "modelKey": "camera", "newUpdateId": "y",
	})
	require.NoError(t, err)
	raw := buildFrame(t, framePacketAction, PayloadJSON, false, actionBody)
	raw = append(raw, buildFrame(t, framePacketPayload, PayloadJSON, false, nil)...)

	_, err = DecodeWSPacket(raw)
	assert.ErrorContains(t, err, "unknown action")
}

func TestWSPacketFrameOrderEnforced(t *testing.T) {
	actionBody, _ := json.Marshal(map[string]string{"action": "add"})
	payloadFirst := buildFrame(t, framePacketPayload, PayloadJSON, false, []byte(`{}`))
	payloadFirst = append(payloadFirst, buildFrame(t, framePacketAction, PayloadJSON, false, actionBody)...)

	_, err := DecodeWSPacket(payloadFirst)
	assert.ErrorContains(t, err, "want action")
}

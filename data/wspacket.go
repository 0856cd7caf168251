package data

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Binary framing for the /api/ws/updates stream. Every application packet is
// two frames back to back: an action frame (packet type 1) describing what
// changed, then a data frame (packet type 2) carrying the sparse payload.
//
// Frame layout, 8-byte header then payload:
//
//	offset 0  uint8  packet type (1=action, 2=payload)
//	offset 1  uint8  payload format (1=JSON, 2=UTF-8 string, 3=deflated JSON)
//	offset 2  uint8  deflate flag
//	offset 3  uint8  reserved, zero on write, ignored on read
//	offset 4  uint32 payload length, big-endian

const (
	wsHeaderSize = 8

	framePacketAction  = 1
	framePacketPayload = 2

	// maxFramePayload rejects frames that would balloon memory. The
	// controller never legitimately sends anything close to this.
	maxFramePayload = 16 << 20
)

// WSFrameHeader is the decoded fixed-size frame header.
type WSFrameHeader struct {
	PacketType    uint8
	PayloadFormat PayloadFormat
	Deflated      bool
	PayloadSize   uint32
}

// WSFrame is one decoded frame: header plus inflated payload bytes.
type WSFrame struct {
	Header  WSFrameHeader
	Payload []byte
}

// WSActionFrame is the JSON body of the action frame.
type WSActionFrame struct {
	Action      WSAction  `json:"action"`
	ID          string    `json:"id"`
	ModelKey    ModelType `json:"modelKey"`
	NewUpdateID string    `json:"newUpdateId"`
}

// WSPacket is a fully decoded application packet.
type WSPacket struct {
	Action  WSActionFrame
	Payload map[string]any // nil for remove
	Raw     []byte         // original binary message
}

// DecodeWSFrame decodes one frame starting at data[pos]. It returns the
// frame and the offset just past it.
func DecodeWSFrame(data []byte, pos int) (*WSFrame, int, error) {
	if len(data)-pos < wsHeaderSize {
		return nil, 0, fmt.Errorf("ws frame: short header (%d bytes)", len(data)-pos)
	}
	h := WSFrameHeader{
		PacketType:    data[pos],
		PayloadFormat: PayloadFormat(data[pos+1]),
		Deflated:      data[pos+2] != 0,
		PayloadSize:   binary.BigEndian.Uint32(data[pos+4 : pos+8]),
	}
	if h.PayloadSize > maxFramePayload {
		return nil, 0, fmt.Errorf("ws frame: payload size %d exceeds limit", h.PayloadSize)
	}
	start := pos + wsHeaderSize
	end := start + int(h.PayloadSize)
	if end > len(data) {
		return nil, 0, fmt.Errorf("ws frame: truncated payload, want %d have %d", h.PayloadSize, len(data)-start)
	}
	payload := data[start:end]
	// Format 3 means deflated JSON even when the redundant flag is stale;
	// either signal triggers inflation.
	if h.Deflated || h.PayloadFormat == PayloadNodeBuffer {
		inflated, err := inflate(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("ws frame: inflate: %w", err)
		}
		payload = inflated
	}
	return &WSFrame{Header: h, Payload: payload}, end, nil
}

// EncodeWSFrame packs a frame. When deflated is requested the payload is
// compressed with raw deflate, matching what the controller speaks.
func EncodeWSFrame(packetType uint8, format PayloadFormat, deflated bool, payload []byte) ([]byte, error) {
	body := payload
	if deflated {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(payload); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		body = buf.Bytes()
	}
	if len(body) > maxFramePayload {
		return nil, fmt.Errorf("ws frame: payload size %d exceeds limit", len(body))
	}
	out := make([]byte, wsHeaderSize+len(body))
	out[0] = packetType
	out[1] = uint8(format)
	if deflated {
		out[2] = 1
	}
	binary.BigEndian.PutUint32(out[4:8], uint32(len(body)))
	copy(out[wsHeaderSize:], body)
	return out, nil
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()
	return io.ReadAll(io.LimitReader(r, maxFramePayload+1))
}

// DecodeWSPacket decodes one binary websocket message into an application
// packet: action frame followed by payload frame.
func DecodeWSPacket(raw []byte) (*WSPacket, error) {
	actionFrame, next, err := DecodeWSFrame(raw, 0)
	if err != nil {
		return nil, err
	}
	if actionFrame.Header.PacketType != framePacketAction {
		return nil, fmt.Errorf("ws packet: first frame type %d, want action", actionFrame.Header.PacketType)
	}
	payloadFrame, _, err := DecodeWSFrame(raw, next)
	if err != nil {
		return nil, err
	}
	if payloadFrame.Header.PacketType != framePacketPayload {
		return nil, fmt.Errorf("ws packet: second frame type %d, want payload", payloadFrame.Header.PacketType)
	}

	pkt := &WSPacket{Raw: raw}
	if err := json.Unmarshal(actionFrame.Payload, &pkt.Action); err != nil {
		return nil, fmt.Errorf("ws packet: action frame: %w", err)
	}
	switch pkt.Action.Action {
	case WSActionAdd, WSActionUpdate, WSActionRemove:
	default:
		return nil, fmt.Errorf("ws packet: unknown action %q", pkt.Action.Action)
	}

	// Remove packets legitimately carry a zero-length payload frame.
	if len(payloadFrame.Payload) > 0 {
		var body map[string]any
		if err := json.Unmarshal(payloadFrame.Payload, &body); err != nil {
			return nil, fmt.Errorf("ws packet: payload frame: %w", err)
		}
		pkt.Payload = NormalizeWireKeys(body)
	}
	return pkt, nil
}

// EncodeWSPacket is the inverse of DecodeWSPacket. Used by tests and by
// capture tooling; payloads of deflateThreshold bytes or more are compressed.
func EncodeWSPacket(action WSActionFrame, payload map[string]any) ([]byte, error) {
	actionBody, err := json.Marshal(action)
	if err != nil {
		return nil, err
	}
	actionFrame, err := EncodeWSFrame(framePacketAction, PayloadJSON, false, actionBody)
	if err != nil {
		return nil, err
	}

	var payloadBody []byte
	if payload != nil {
		if payloadBody, err = json.Marshal(payload); err != nil {
			return nil, err
		}
	}
	const deflateThreshold = 1024
	deflated := len(payloadBody) >= deflateThreshold
	format := PayloadJSON
	if deflated {
		format = PayloadNodeBuffer
	}
	payloadFrame, err := EncodeWSFrame(framePacketPayload, format, deflated, payloadBody)
	if err != nil {
		return nil, err
	}
	return append(actionFrame, payloadFrame...), nil
}

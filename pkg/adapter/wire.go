// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package adapter

import (
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// Bridge message types. Every WebSocket binary message is one CBOR array:
// [msg_type, payload_map] with small integer keys.
const (
	MsgFrame uint8 = 0x01 // a CAN frame, either direction
	MsgInfo  uint8 = 0x02 // bridge to client, sent once on connect
)

// Frame payload keys
const (
	keyFrameID        = 0
	keyFrameData      = 1
	keyFrameTimestamp = 2 // unix microseconds
	keyFrameEcho      = 3
)

// Info payload keys
const (
	keyInfoBitrate = 0
	keyInfoAddress = 1
	keyInfoName    = 2
)

// BridgeInfo describes the bus behind a bridge
type BridgeInfo struct {
	Bitrate int
	Address uint8
	Name    string
}

func encodeMessage(msgType uint8, payload map[int]interface{}) ([]byte, error) {
	var msg interface{}
	if len(payload) == 0 {
		msg = []interface{}{uint64(msgType), nil}
	} else {
		msg = []interface{}{uint64(msgType), payload}
	}
	data, err := cbor.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode CBOR")
	}
	return data, nil
}

// EncodeFrameMessage encodes a frame as a bridge message
func EncodeFrameMessage(f Frame) ([]byte, error) {
	payload := map[int]interface{}{
		keyFrameID:   uint64(f.ID & extendedIDMask),
		keyFrameData: f.Data,
	}
	if !f.Timestamp.IsZero() {
		payload[keyFrameTimestamp] = f.Timestamp.UnixMicro()
	}
	if f.Echo {
		payload[keyFrameEcho] = true
	}
	return encodeMessage(MsgFrame, payload)
}

// EncodeInfoMessage encodes the bridge description
func EncodeInfoMessage(info BridgeInfo) ([]byte, error) {
	return encodeMessage(MsgInfo, map[int]interface{}{
		keyInfoBitrate: uint64(info.Bitrate),
		keyInfoAddress: uint64(info.Address),
		keyInfoName:    info.Name,
	})
}

// ParseMessage parses a bridge message: [msg_type, payload_map].
// Returns the message type and decoded payload map (nil for empty payloads).
func ParseMessage(data []byte) (msgType uint8, payload map[int]interface{}, err error) {
	if len(data) == 0 {
		return 0, nil, errors.New("empty CBOR payload")
	}

	var msg []interface{}
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return 0, nil, errors.Wrap(err, "failed to decode CBOR")
	}
	if len(msg) != 2 {
		return 0, nil, errors.Errorf("expected 2-element array, got %d elements", len(msg))
	}

	switch v := msg[0].(type) {
	case uint64:
		if v > 255 {
			return 0, nil, errors.Errorf("message type out of range: %d", v)
		}
		msgType = uint8(v)
	default:
		return 0, nil, errors.Errorf("expected uint for message type, got %T", msg[0])
	}

	if msg[1] == nil {
		return msgType, nil, nil
	}

	switch v := msg[1].(type) {
	case map[interface{}]interface{}:
		payload = make(map[int]interface{}, len(v))
		for key, val := range v {
			switch k := key.(type) {
			case uint64:
				payload[int(k)] = val
			case int64:
				payload[int(k)] = val
			default:
				return 0, nil, errors.Errorf("expected integer map key, got %T", key)
			}
		}
	default:
		return 0, nil, errors.Errorf("expected map or nil for payload, got %T", msg[1])
	}

	return msgType, payload, nil
}

// DecodeFrameMessage extracts a frame from a MsgFrame payload
func DecodeFrameMessage(payload map[int]interface{}) (Frame, error) {
	id, ok := getMapUint(payload, keyFrameID)
	if !ok || id > extendedIDMask {
		return Frame{}, errors.New("frame message without valid identifier")
	}
	data, _ := getMapBytes(payload, keyFrameData)
	if len(data) > 8 {
		return Frame{}, errors.Errorf("frame payload too long: %d bytes", len(data))
	}

	f := Frame{ID: uint32(id), Data: data, Timestamp: time.Now()}
	if us, ok := getMapInt(payload, keyFrameTimestamp); ok {
		f.Timestamp = time.UnixMicro(us)
	}
	f.Echo, _ = getMapBool(payload, keyFrameEcho)
	return f, nil
}

// DecodeInfoMessage extracts the bridge description from a MsgInfo payload
func DecodeInfoMessage(payload map[int]interface{}) BridgeInfo {
	var info BridgeInfo
	if v, ok := getMapUint(payload, keyInfoBitrate); ok {
		info.Bitrate = int(v)
	}
	if v, ok := getMapUint(payload, keyInfoAddress); ok {
		info.Address = uint8(v)
	}
	if v, ok := payload[keyInfoName].(string); ok {
		info.Name = v
	}
	return info
}

// Map value extraction helpers

func getMapUint(m map[int]interface{}, key int) (uint64, bool) {
	switch val := m[key].(type) {
	case uint64:
		return val, true
	case int64:
		if val >= 0 {
			return uint64(val), true
		}
	}
	return 0, false
}

func getMapInt(m map[int]interface{}, key int) (int64, bool) {
	switch val := m[key].(type) {
	case int64:
		return val, true
	case uint64:
		return int64(val), true
	}
	return 0, false
}

func getMapBool(m map[int]interface{}, key int) (bool, bool) {
	val, ok := m[key].(bool)
	return val, ok
}

func getMapBytes(m map[int]interface{}, key int) ([]byte, bool) {
	val, ok := m[key].([]byte)
	return val, ok
}

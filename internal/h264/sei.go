package h264

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

// SEI NAL unit construction constants
const (
	seiPayloadTypeUserData = 0x05 // user_data_unregistered
	seiPayloadTermination  = 0x80
)

// StreamID identifies this application's SEI units inside the stream.
var StreamID = uuid.MustParse("3f8a2b1c-4d5e-6f70-8192-a3b4c5d6e7f8")

// encodeSizeChain appends the SEI variable-length size encoding: a run of
// 0xFF bytes, one per full 255, followed by the remainder byte.
func encodeSizeChain(dst []byte, size int) []byte {
	for size >= 255 {
		dst = append(dst, 0xFF)
		size -= 255
	}
	return append(dst, byte(size))
}

// EncodeSEIUnit builds a complete, emulation-prevented SEI NAL unit of
// payload type user_data_unregistered:
//
//	00 00 00 01 06 05 <size chain> <16-byte id> <payload> 80
//
// The declared size covers the identifier plus the payload. maxPayload
// bounds the payload; larger inputs are rejected rather than truncated.
func EncodeSEIUnit(id uuid.UUID, payload []byte, maxPayload int) ([]byte, error) {
	if len(payload) > maxPayload {
		return nil, fmt.Errorf("sei payload too large: %d bytes (max %d)", len(payload), maxPayload)
	}

	raw := make([]byte, 0, len(payload)+32)
	raw = append(raw, startCode4...)
	raw = append(raw, types.NALTypeSEI, seiPayloadTypeUserData)
	raw = encodeSizeChain(raw, len(payload)+16)
	raw = append(raw, id[:]...)
	raw = append(raw, payload...)
	raw = append(raw, seiPayloadTermination)

	return ApplyEmulationPrevention(raw), nil
}

// ApplyEmulationPrevention copies the buffer, inserting an 0x03 escape byte
// wherever two emitted zero bytes would otherwise be followed by 0x00-0x03.
// The leading 4-byte start code is copied verbatim; it must remain a real
// start code.
func ApplyEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data)+len(data)/16)

	n := len(data)
	if n > 4 {
		n = 4
	}
	out = append(out, data[:n]...)

	for _, b := range data[n:] {
		if len(out) >= 2 && out[len(out)-1] == 0x00 && out[len(out)-2] == 0x00 && b <= 0x03 {
			out = append(out, 0x03)
		}
		out = append(out, b)
	}

	return out
}

// removeEmulationPrevention reverses ApplyEmulationPrevention over a NAL
// unit body (start code already stripped).
func removeEmulationPrevention(data []byte) []byte {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		if data[i] == 0x03 && i >= 2 && data[i-1] == 0x00 && data[i-2] == 0x00 {
			continue
		}
		out = append(out, data[i])
	}
	return out
}

// DecodeSEIUnit parses a user_data_unregistered SEI NAL unit produced by
// EncodeSEIUnit and returns its identifier and payload. data must start at
// the unit's start code and extend to the end of the unit.
func DecodeSEIUnit(data []byte) (uuid.UUID, []byte, error) {
	var id uuid.UUID

	switch {
	case len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1:
		data = data[4:]
	case len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1:
		data = data[3:]
	default:
		return id, nil, fmt.Errorf("missing start code")
	}

	body := removeEmulationPrevention(data)
	if len(body) < 2 {
		return id, nil, fmt.Errorf("sei unit too short")
	}
	if body[0]&0x1F != types.NALTypeSEI {
		return id, nil, fmt.Errorf("not an SEI NAL unit (type %d)", body[0]&0x1F)
	}

	i := 1
	payloadType := 0
	for i < len(body) && body[i] == 0xFF {
		payloadType += 255
		i++
	}
	if i >= len(body) {
		return id, nil, fmt.Errorf("truncated payload type")
	}
	payloadType += int(body[i])
	i++
	if payloadType != seiPayloadTypeUserData {
		return id, nil, fmt.Errorf("unexpected SEI payload type %d", payloadType)
	}

	payloadSize := 0
	for i < len(body) && body[i] == 0xFF {
		payloadSize += 255
		i++
	}
	if i >= len(body) {
		return id, nil, fmt.Errorf("truncated payload size")
	}
	payloadSize += int(body[i])
	i++

	if payloadSize < 16 || len(body) < i+payloadSize {
		return id, nil, fmt.Errorf("declared payload size %d exceeds unit body", payloadSize)
	}

	copy(id[:], body[i:i+16])
	payload := append([]byte(nil), body[i+16:i+payloadSize]...)

	return id, payload, nil
}

package h264

import (
	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

// NAL unit start codes
var (
	startCode3 = []byte{0x00, 0x00, 0x01}
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
)

// visitNALUnits walks the NAL units in data in ascending offset order,
// scanning for 3- and 4-byte start codes in a single pass. visit is called
// with each (offset, type) pair until it returns false. No per-unit state is
// allocated, so the per-frame callers can stop at their first match.
func visitNALUnits(data []byte, visit func(types.NALUnit) bool) {
	offset := 0
	for offset < len(data) {
		startCodeLen := 0
		if offset+4 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 0 && data[offset+3] == 1 {
			startCodeLen = 4
		} else if offset+3 <= len(data) && data[offset] == 0 && data[offset+1] == 0 && data[offset+2] == 1 {
			startCodeLen = 3
		} else {
			offset++
			continue
		}

		headerOffset := offset + startCodeLen
		if headerOffset >= len(data) {
			return
		}

		if !visit(types.NALUnit{Offset: offset, Type: data[headerOffset] & 0x1F}) {
			return
		}

		offset = headerOffset + 1
	}
}

// FindNALUnits returns all NAL units in data in ascending offset order.
// Callers that only need the first match use visitNALUnits directly.
func FindNALUnits(data []byte) []types.NALUnit {
	units := make([]types.NALUnit, 0, 8)
	visitNALUnits(data, func(nal types.NALUnit) bool {
		units = append(units, nal)
		return true
	})
	return units
}

// ExtractNALType returns the type of the NAL unit at the head of data, or
// zero when data does not begin with a start code.
func ExtractNALType(data []byte) uint8 {
	if len(data) >= 5 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return data[4] & 0x1F
	}
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return data[3] & 0x1F
	}
	return 0
}

// IsKeyframe reports whether the frame contains an SPS, PPS or IDR slice
// NAL unit. SEI injection is restricted to such frames so a client joining
// mid-stream still receives the metadata.
func IsKeyframe(data []byte) bool {
	found := false
	visitNALUnits(data, func(nal types.NALUnit) bool {
		switch nal.Type {
		case types.NALTypeIDR, types.NALTypeSPS, types.NALTypePPS:
			found = true
			return false
		}
		return true
	})
	return found
}

// FindInsertionOffset returns the offset of the first coded-slice NAL unit
// (types 1-5). SEI units are spliced immediately ahead of it. Returns
// (0, false) when the frame holds no slice, in which case the caller
// prepends at the start of the buffer.
func FindInsertionOffset(data []byte) (int, bool) {
	offset, found := 0, false
	visitNALUnits(data, func(nal types.NALUnit) bool {
		if nal.Type >= types.NALTypeSliceNonIDR && nal.Type <= types.NALTypeIDR {
			offset, found = nal.Offset, true
			return false
		}
		return true
	})
	return offset, found
}

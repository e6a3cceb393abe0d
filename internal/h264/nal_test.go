package h264

import (
	"testing"

	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

// nalUnit builds a single Annex-B NAL unit with the given start code length
// and header byte, padded with filler payload bytes.
func nalUnit(startCodeLen int, nalType uint8, payload ...byte) []byte {
	var out []byte
	if startCodeLen == 4 {
		out = append(out, 0x00, 0x00, 0x00, 0x01)
	} else {
		out = append(out, 0x00, 0x00, 0x01)
	}
	out = append(out, nalType)
	out = append(out, payload...)
	return out
}

// keyframe builds a synthetic SPS+PPS+IDR access unit.
func keyframe() []byte {
	frame := nalUnit(4, types.NALTypeSPS, 0x42, 0x80, 0x1F)
	frame = append(frame, nalUnit(4, types.NALTypePPS, 0xCE, 0x38)...)
	frame = append(frame, nalUnit(4, types.NALTypeIDR, 0x88, 0x84, 0x21)...)
	return frame
}

func TestFindNALUnits(t *testing.T) {
	frame := nalUnit(4, types.NALTypeSPS, 0x42)
	ppsOffset := len(frame)
	frame = append(frame, nalUnit(3, types.NALTypePPS, 0xCE)...)
	idrOffset := len(frame)
	frame = append(frame, nalUnit(4, types.NALTypeIDR, 0x88, 0x84)...)

	units := FindNALUnits(frame)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}

	want := []types.NALUnit{
		{Offset: 0, Type: types.NALTypeSPS},
		{Offset: ppsOffset, Type: types.NALTypePPS},
		{Offset: idrOffset, Type: types.NALTypeIDR},
	}
	for i, u := range units {
		if u != want[i] {
			t.Errorf("unit %d = %+v, want %+v", i, u, want[i])
		}
	}
}

func TestVisitNALUnitsStopsWhenVisitReturnsFalse(t *testing.T) {
	frame := keyframe() // SPS, PPS, IDR

	var visited []uint8
	visitNALUnits(frame, func(nal types.NALUnit) bool {
		visited = append(visited, nal.Type)
		return nal.Type != types.NALTypePPS
	})

	if len(visited) != 2 || visited[0] != types.NALTypeSPS || visited[1] != types.NALTypePPS {
		t.Fatalf("visited types = %v, want [SPS PPS]", visited)
	}
}

func TestFindNALUnitsIgnoresGarbage(t *testing.T) {
	data := []byte{0x99, 0x00, 0x00, 0x99, 0x01, 0x00}
	if units := FindNALUnits(data); len(units) != 0 {
		t.Fatalf("got %d units in garbage, want 0", len(units))
	}
}

func TestFindNALUnitsTruncatedStartCode(t *testing.T) {
	// A start code at the very end with no header byte is not a unit.
	data := []byte{0x00, 0x00, 0x00, 0x01}
	if units := FindNALUnits(data); len(units) != 0 {
		t.Fatalf("got %d units, want 0", len(units))
	}
}

func TestIsKeyframe(t *testing.T) {
	if !IsKeyframe(keyframe()) {
		t.Error("SPS+PPS+IDR frame not detected as keyframe")
	}
	if !IsKeyframe(nalUnit(3, types.NALTypeSPS, 0x42)) {
		t.Error("lone SPS not detected as keyframe")
	}
	if IsKeyframe(nalUnit(4, types.NALTypeSliceNonIDR, 0x9A)) {
		t.Error("non-IDR slice detected as keyframe")
	}
	if IsKeyframe(nil) {
		t.Error("empty frame detected as keyframe")
	}
}

func TestFindInsertionOffset(t *testing.T) {
	frame := nalUnit(4, types.NALTypeSPS, 0x42)
	frame = append(frame, nalUnit(4, types.NALTypePPS, 0xCE)...)
	idrOffset := len(frame)
	frame = append(frame, nalUnit(4, types.NALTypeIDR, 0x88)...)

	offset, found := FindInsertionOffset(frame)
	if !found {
		t.Fatal("no insertion offset found in frame with IDR slice")
	}
	if offset != idrOffset {
		t.Errorf("insertion offset = %d, want %d", offset, idrOffset)
	}
}

func TestFindInsertionOffsetNoSlice(t *testing.T) {
	frame := nalUnit(4, types.NALTypeSPS, 0x42)
	frame = append(frame, nalUnit(4, types.NALTypePPS, 0xCE)...)

	offset, found := FindInsertionOffset(frame)
	if found {
		t.Fatal("found insertion offset in sliceless frame")
	}
	if offset != 0 {
		t.Errorf("fallback offset = %d, want 0", offset)
	}
}

func TestProcessorCachesHeaders(t *testing.T) {
	p := NewProcessor()

	frame := &types.H264Frame{Data: keyframe()}
	if err := p.Process(frame); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if !frame.IsIDR {
		t.Error("IDR frame not flagged")
	}
	if !p.HasHeaders() {
		t.Fatal("headers not cached after SPS+PPS")
	}
	if got := ExtractNALType(p.GetSPS()); got != types.NALTypeSPS {
		t.Errorf("cached SPS type = %d", got)
	}
	if got := ExtractNALType(p.GetPPS()); got != types.NALTypePPS {
		t.Errorf("cached PPS type = %d", got)
	}
}

func TestProcessorNonIDRFrame(t *testing.T) {
	p := NewProcessor()

	frame := &types.H264Frame{Data: nalUnit(4, types.NALTypeSliceNonIDR, 0x9A)}
	if err := p.Process(frame); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if frame.IsIDR {
		t.Error("P-frame flagged as IDR")
	}
	if p.HasHeaders() {
		t.Error("headers cached without SPS/PPS")
	}
}

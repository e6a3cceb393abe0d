package h264

import (
	"bytes"
	"testing"

	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

const testMaxPayload = 400

func TestEncodeSEIUnitLayout(t *testing.T) {
	payload := []byte(`{"type":"text_content"}`)

	unit, err := EncodeSEIUnit(StreamID, payload, testMaxPayload)
	if err != nil {
		t.Fatalf("EncodeSEIUnit: %v", err)
	}

	want := []byte{0x00, 0x00, 0x00, 0x01, 0x06, 0x05, byte(len(payload) + 16)}
	want = append(want, StreamID[:]...)
	want = append(want, payload...)
	want = append(want, 0x80)

	// This payload contains no 00 00 runs, so emulation prevention is a no-op.
	if !bytes.Equal(unit, want) {
		t.Fatalf("unit layout mismatch:\n got %x\nwant %x", unit, want)
	}
}

func TestEncodeSEIUnitRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte("hello"),
		[]byte(`{"status":"battery","value":87}`),
		{0x00, 0x00, 0x00, 0x01},             // embedded start code
		{0x00, 0x00, 0x02, 0x00, 0x00, 0x03}, // escape-worthy runs
		bytes.Repeat([]byte{0x00}, 64),
		{},
	}

	for _, payload := range payloads {
		unit, err := EncodeSEIUnit(StreamID, payload, testMaxPayload)
		if err != nil {
			t.Fatalf("EncodeSEIUnit(%x): %v", payload, err)
		}

		id, got, err := DecodeSEIUnit(unit)
		if err != nil {
			t.Fatalf("DecodeSEIUnit(%x): %v", payload, err)
		}
		if id != StreamID {
			t.Errorf("identifier = %s, want %s", id, StreamID)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("payload round-trip mismatch:\n got %x\nwant %x", got, payload)
		}
	}
}

func TestEncodeSEIUnitSizeChain(t *testing.T) {
	// payload 240 + identifier 16 = 256, which needs an 0xFF chain byte.
	payload := bytes.Repeat([]byte{0xAA}, 240)

	unit, err := EncodeSEIUnit(StreamID, payload, testMaxPayload)
	if err != nil {
		t.Fatalf("EncodeSEIUnit: %v", err)
	}

	if unit[6] != 0xFF || unit[7] != 0x01 {
		t.Fatalf("size chain = %02x %02x, want ff 01", unit[6], unit[7])
	}

	id, got, err := DecodeSEIUnit(unit)
	if err != nil {
		t.Fatalf("DecodeSEIUnit: %v", err)
	}
	if id != StreamID || !bytes.Equal(got, payload) {
		t.Fatal("size-chain round-trip mismatch")
	}
}

func TestEncodeSEIUnitRejectsOversized(t *testing.T) {
	payload := bytes.Repeat([]byte{0x55}, testMaxPayload+1)
	if _, err := EncodeSEIUnit(StreamID, payload, testMaxPayload); err == nil {
		t.Fatal("oversized payload accepted")
	}
}

func TestEmulationPreventionNoAccidentalStartCodes(t *testing.T) {
	raw := []byte{0x00, 0x00, 0x00, 0x01, 0x06, 0x05, 0x14}
	raw = append(raw, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x02)
	raw = append(raw, 0x80)

	out := ApplyEmulationPrevention(raw)

	if !bytes.Equal(out[:4], startCode4) {
		t.Fatalf("start code not preserved: %x", out[:4])
	}
	for i := 4; i+2 < len(out); i++ {
		if out[i] == 0x00 && out[i+1] == 0x00 && out[i+2] <= 0x01 {
			t.Fatalf("start code pattern at offset %d: %x", i, out[i:i+3])
		}
	}
}

func TestEmulationPreventionShortBuffer(t *testing.T) {
	// Buffers no longer than the start code pass through untouched.
	raw := []byte{0x00, 0x00, 0x00}
	if out := ApplyEmulationPrevention(raw); !bytes.Equal(out, raw) {
		t.Fatalf("short buffer modified: %x", out)
	}
}

func TestEncodedUnitScansAsSingleSEI(t *testing.T) {
	payload := []byte{0x00, 0x00, 0x01, 0xFF, 0x00, 0x00, 0x00}

	unit, err := EncodeSEIUnit(StreamID, payload, testMaxPayload)
	if err != nil {
		t.Fatalf("EncodeSEIUnit: %v", err)
	}

	units := FindNALUnits(unit)
	if len(units) != 1 {
		t.Fatalf("encoded unit scans as %d NAL units, want 1", len(units))
	}
	if units[0].Type != types.NALTypeSEI || units[0].Offset != 0 {
		t.Fatalf("scanned unit = %+v", units[0])
	}
}

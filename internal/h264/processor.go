package h264

import (
	"github.com/dj-oyu/whip-sei-publisher/pkg/types"
)

// Processor caches H.264 parameter sets seen on the stream and flags IDR
// frames. The recorder uses the cached SPS/PPS to make mid-stream
// recordings playable.
type Processor struct {
	spsCache   []byte
	ppsCache   []byte
	hasHeaders bool
}

// NewProcessor creates a new H.264 processor
func NewProcessor() *Processor {
	return &Processor{}
}

// Process scans a frame, caches SPS/PPS NAL units and marks IDR frames.
// Only SPS/PPS are copied (rare, typically once per GOP); slice data is
// never duplicated.
func (p *Processor) Process(frame *types.H264Frame) error {
	data := frame.Data
	if len(data) == 0 {
		return nil
	}

	units := FindNALUnits(data)
	for i, nal := range units {
		end := len(data)
		if i+1 < len(units) {
			end = units[i+1].Offset
		}

		switch nal.Type {
		case types.NALTypeSPS:
			p.spsCache = append([]byte(nil), data[nal.Offset:end]...)
		case types.NALTypePPS:
			p.ppsCache = append([]byte(nil), data[nal.Offset:end]...)
			if len(p.spsCache) > 0 {
				p.hasHeaders = true
			}
		case types.NALTypeIDR:
			frame.IsIDR = true
		}
	}

	return nil
}

// HasHeaders returns true if SPS/PPS headers are cached
func (p *Processor) HasHeaders() bool {
	return p.hasHeaders
}

// GetSPS returns the cached SPS NAL unit
func (p *Processor) GetSPS() []byte {
	return p.spsCache
}

// GetPPS returns the cached PPS NAL unit
func (p *Processor) GetPPS() []byte {
	return p.ppsCache
}

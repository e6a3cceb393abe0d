package types

import "time"

// H264Frame represents one encoded access unit with metadata
type H264Frame struct {
	Data      []byte    // Raw Annex-B data (one or more NAL units)
	Timestamp time.Time // Frame capture timestamp
	FrameNum  uint64    // Sequential frame number
	IsIDR     bool      // True if this frame contains an IDR slice
	Width     int       // Frame width
	Height    int       // Frame height
}

// NALUnit locates a single NAL unit inside a frame buffer
type NALUnit struct {
	Offset int   // Byte offset of the start code within the frame
	Type   uint8 // NAL unit type (lower 5 bits of the header byte)
}

// NALUnitType constants
const (
	NALTypeSliceNonIDR uint8 = 1
	NALTypeSliceA      uint8 = 2
	NALTypeSliceB      uint8 = 3
	NALTypeSliceC      uint8 = 4
	NALTypeIDR         uint8 = 5
	NALTypeSEI         uint8 = 6
	NALTypeSPS         uint8 = 7
	NALTypePPS         uint8 = 8
	NALTypeAUD         uint8 = 9
)

// Config holds configuration for the SEI streaming server
type Config struct {
	ShmName       string   // Shared memory name (e.g., "/whip_video_stream")
	HTTPAddr      string   // Control/signaling HTTP address (e.g., ":8081")
	MetricsAddr   string   // Prometheus metrics address (e.g., ":9090")
	ProfileAddr   string   // pprof profiling address (e.g., ":6060")
	RecordPath    string   // Base path for recordings
	MaxClients    int      // Maximum WebRTC clients
	StunServers   []string // STUN server URLs
	MaxPayload    int      // Maximum SEI payload size per message
	QueueDepth    int      // Maximum queued SEI messages
	DefaultRepeat int      // Default SEI repeat count per keyframe
}

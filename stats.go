package rtctrack

import (
	"sync"
	"time"
)

// rateMeter measures events and bytes per second over one second windows.
type rateMeter struct {
	mu          sync.Mutex
	windowStart time.Time
	count       int
	bytes       int
	rate        int // events per second in the last window
	bitrate     int // bits per second in the last window
	last        time.Time
}

func (m *rateMeter) add(now time.Time, size int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.windowStart.IsZero() {
		m.windowStart = now
	}
	m.count++
	m.bytes += size
	m.last = now
	if elapsed := now.Sub(m.windowStart); elapsed >= time.Second {
		m.rate = int(float64(m.count)/elapsed.Seconds() + 0.5)
		m.bitrate = int(float64(m.bytes*8) / elapsed.Seconds())
		m.windowStart = now
		m.count = 0
		m.bytes = 0
	}
}

// read returns the last window rates. A meter idle for more than two
// windows reports zero.
func (m *rateMeter) read(now time.Time) (rate, bitrate int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last.IsZero() || now.Sub(m.last) > 2*time.Second {
		return 0, 0
	}
	return m.rate, m.bitrate
}

func (m *rateMeter) lastEvent() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// SubstreamStats are the encoder metrics of one substream.
type SubstreamStats struct {
	Type              StreamType
	SSRC              uint32
	Width             int
	Height            int
	FramesEncoded     uint64
	KeyFramesEncoded  uint64
	BytesEncoded      uint64
	PacketsSent       uint64
	EncodeErrors      uint64
	EncodeFrameRate   int
	SentBitrateKbps   int
	TargetBitrateKbps int
	FractionLost      uint8 // last reported by the receiver, 1/256 units
}

// EncoderStats are the encoder stage metrics, major stream first.
type EncoderStats struct {
	Streams []SubstreamStats
}

// LocalVideoStats is returned by LocalVideoTrack.Statistics.
type LocalVideoStats struct {
	State             LocalVideoState
	CaptureWidth      int
	CaptureHeight     int
	EncodedWidth      int
	EncodedHeight     int
	FramesEncoded     uint64
	KeyFramesEncoded  uint64
	EncodeFrameRate   int
	SentBitrateKbps   int
	TargetBitrateKbps int
	RenderFrameRate   int
	FramesRendered    uint64
	Substreams        []SubstreamStats
}

// RemoteVideoStats is returned by RemoteVideoTrack.Statistics.
type RemoteVideoStats struct {
	UID                 string
	SSRC                uint32
	State               RemoteVideoState
	Width               int
	Height              int
	Rotation            Rotation
	ReceivedBitrateKbps int
	DecodeFrameRate     int
	RenderFrameRate     int
	FramesDecoded       uint64
	FramesRendered      uint64
	PacketsReceived     uint64
	PacketsLost         uint64
	FramesDiscarded     uint64
	DelayMs             int
	FrozenTimeMs        int64
}

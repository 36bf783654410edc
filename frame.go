// Core frame types carried through track graphs.
package rtctrack

import "time"

// PixelFormat represents video pixel formats.
type PixelFormat int

const (
	PixelFormatI420 PixelFormat = iota // YUV 4:2:0 planar (Y + U + V)
	PixelFormatNV12                    // YUV 4:2:0 semi-planar (Y + interleaved UV)
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatI420:
		return "I420"
	case PixelFormatNV12:
		return "NV12"
	default:
		return "Unknown"
	}
}

// Rotation is a clockwise frame rotation in degrees.
type Rotation int

const (
	Rotation0   Rotation = 0
	Rotation90  Rotation = 90
	Rotation180 Rotation = 180
	Rotation270 Rotation = 270
)

// Valid reports whether r is one of the four right-angle rotations.
func (r Rotation) Valid() bool {
	switch r {
	case Rotation0, Rotation90, Rotation180, Rotation270:
		return true
	}
	return false
}

// SwapsDimensions reports whether applying r exchanges width and height.
func (r Rotation) SwapsDimensions() bool {
	return r == Rotation90 || r == Rotation270
}

// VideoFrame represents a raw video frame.
// Once a frame has been handed downstream it is treated as immutable; stages
// that change pixels return a new frame.
type VideoFrame struct {
	Data      [][]byte    // Plane data (3 planes for I420)
	Stride    []int       // Stride for each plane in bytes
	Width     int         // Frame width in pixels
	Height    int         // Frame height in pixels
	Format    PixelFormat // Pixel format
	Rotation  Rotation    // Rotation still to be applied for display
	Timestamp int64       // Capture timestamp in nanoseconds
}

// NewI420Frame allocates a black I420 frame.
func NewI420Frame(width, height int, timestamp int64) *VideoFrame {
	cw, ch := (width+1)/2, (height+1)/2
	y := make([]byte, width*height)
	u := make([]byte, cw*ch)
	v := make([]byte, cw*ch)
	for i := range u {
		u[i] = 128
		v[i] = 128
	}
	return &VideoFrame{
		Data:      [][]byte{y, u, v},
		Stride:    []int{width, cw, cw},
		Width:     width,
		Height:    height,
		Format:    PixelFormatI420,
		Timestamp: timestamp,
	}
}

// Clone creates a deep copy of the video frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Data:      make([][]byte, len(f.Data)),
		Stride:    make([]int, len(f.Stride)),
		Width:     f.Width,
		Height:    f.Height,
		Format:    f.Format,
		Rotation:  f.Rotation,
		Timestamp: f.Timestamp,
	}
	copy(clone.Stride, f.Stride)
	for i, plane := range f.Data {
		if plane != nil {
			clone.Data[i] = make([]byte, len(plane))
			copy(clone.Data[i], plane)
		}
	}
	return clone
}

// CaptureTime returns the capture timestamp as a time.Time.
func (f *VideoFrame) CaptureTime() time.Time {
	return time.Unix(0, f.Timestamp)
}

// I420Size returns the total buffer size needed for an I420 frame.
func I420Size(width, height int) int {
	cw, ch := (width+1)/2, (height+1)/2
	return width*height + cw*ch*2
}

// FrameType indicates whether a frame is a keyframe or delta frame.
type FrameType int

const (
	FrameTypeUnknown FrameType = iota
	FrameTypeKey               // I-frame, can be decoded independently
	FrameTypeDelta             // P/B-frame, requires previous frames
)

func (f FrameType) String() string {
	switch f {
	case FrameTypeKey:
		return "Key"
	case FrameTypeDelta:
		return "Delta"
	default:
		return "Unknown"
	}
}

// EncodedFrame holds encoded video data for one substream.
type EncodedFrame struct {
	Data      []byte    // Encoded bitstream data
	FrameType FrameType // Key or delta frame
	Timestamp uint32    // RTP timestamp (90kHz clock)
	Width     int       // Coded width
	Height    int       // Coded height
	Rotation  Rotation  // Rotation signalled to the receiver (CVO)

	// CaptureTime is the capture time of the source frame in nanoseconds.
	CaptureTime int64
}

// IsKeyframe returns true if this is a keyframe.
func (f *EncodedFrame) IsKeyframe() bool {
	return f.FrameType == FrameTypeKey
}

// Clone creates a deep copy of the encoded frame.
func (f *EncodedFrame) Clone() *EncodedFrame {
	clone := *f
	if f.Data != nil {
		clone.Data = make([]byte, len(f.Data))
		copy(clone.Data, f.Data)
	}
	return &clone
}

// rtpTimestamp converts a capture time in nanoseconds to a 90kHz RTP timestamp.
func rtpTimestamp(ns int64) uint32 {
	return uint32(ns / int64(time.Second/videoClockRate))
}

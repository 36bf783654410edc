package rtctrack

import (
	"fmt"
	"io"
	"strings"
)

// All video codecs use a 90kHz RTP clock.
const videoClockRate = 90000

// VideoCodec identifies the video codec type.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecVP8
	VideoCodecVP9
	VideoCodecH264
	VideoCodecAV1
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecVP8:
		return "VP8"
	case VideoCodecVP9:
		return "VP9"
	case VideoCodecH264:
		return "H264"
	case VideoCodecAV1:
		return "AV1"
	default:
		return "Unknown"
	}
}

// ParseVideoCodec maps a codec name such as "vp8" to a VideoCodec.
func ParseVideoCodec(name string) (VideoCodec, error) {
	switch strings.ToLower(name) {
	case "vp8":
		return VideoCodecVP8, nil
	case "vp9":
		return VideoCodecVP9, nil
	case "h264":
		return VideoCodecH264, nil
	case "av1":
		return VideoCodecAV1, nil
	}
	return VideoCodecUnknown, fmt.Errorf("%w: unknown codec %q", ErrInvalidArgument, name)
}

// MimeType returns the MIME type for this codec.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecVP8:
		return "video/VP8"
	case VideoCodecVP9:
		return "video/VP9"
	case VideoCodecH264:
		return "video/H264"
	case VideoCodecAV1:
		return "video/AV1"
	default:
		return ""
	}
}

// DefaultPayloadType returns a typical payload type for this codec.
// The actual payload type is negotiated by the signalling layer.
func (c VideoCodec) DefaultPayloadType() uint8 {
	switch c {
	case VideoCodecVP8:
		return 96
	case VideoCodecVP9:
		return 98
	case VideoCodecH264:
		return 102
	case VideoCodecAV1:
		return 35
	default:
		return 96
	}
}

// VideoEncoder encodes raw frames of one substream.
type VideoEncoder interface {
	io.Closer

	// Encode encodes a video frame. It returns nil when the encoder is
	// buffering and has no output for this frame.
	Encode(frame *VideoFrame) (*EncodedFrame, error)

	// RequestKeyframe forces the next frame to be a keyframe.
	RequestKeyframe()

	// SetBitrate updates the target bitrate dynamically.
	SetBitrate(bitrateBps int) error
}

// VideoDecoder decodes encoded frames of one remote stream.
type VideoDecoder interface {
	io.Closer

	// Decode decodes an encoded frame. It returns nil when no picture is
	// ready yet.
	Decode(frame *EncodedFrame) (*VideoFrame, error)
}

// ContentHint tells the encoder what the frames contain.
type ContentHint int

const (
	ContentHintNone    ContentHint = iota
	ContentHintMotion              // camera-like content, favour frame rate
	ContentHintDetails             // screen-like content, favour sharpness
)

func (h ContentHint) String() string {
	switch h {
	case ContentHintMotion:
		return "motion"
	case ContentHintDetails:
		return "details"
	default:
		return "none"
	}
}

// EncoderParams configures one encoder instance.
type EncoderParams struct {
	Codec       VideoCodec
	Width       int
	Height      int
	FrameRate   int
	BitrateBps  int
	ContentHint ContentHint
}

// VideoEncoderFactory creates encoders for the encoder stage.
type VideoEncoderFactory func(params EncoderParams) (VideoEncoder, error)

// VideoDecoderFactory creates decoders for remote tracks.
type VideoDecoderFactory func(codec VideoCodec) (VideoDecoder, error)

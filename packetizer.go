package rtctrack

import (
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
)

// DefaultMTU is the default maximum RTP packet size.
const DefaultMTU = 1200

// RTP header extension IDs used on video streams.
const (
	ExtensionIDVideoOrientation = 4 // urn:3gpp:video-orientation
	ExtensionIDTransportWideCC  = 5 // transport-wide-cc sequence number
)

// Header extension URIs negotiated for the IDs above.
const (
	VideoOrientationURI = "urn:3gpp:video-orientation"
	TransportCCURI      = "http://www.ietf.org/id/draft-holmer-rmcat-transport-wide-cc-extensions-01"
)

// rtpOverhead is the fixed header plus room for the one-byte extension
// block carrying CVO and transport-wide-cc.
const rtpOverhead = 12 + 12

// VideoOrientation is the CVO (Coordination of Video Orientation) extension.
// pion/rtp does not provide it.
type VideoOrientation struct {
	CameraBackFacing bool     // true = back camera, false = front camera
	FlipHorizontal   bool     // Flip horizontally
	Rotation         Rotation // Clockwise rotation to apply for display
}

// Marshal returns the extension payload bytes.
func (v VideoOrientation) Marshal() []byte {
	var val uint8
	if v.CameraBackFacing {
		val |= 0x08
	}
	if v.FlipHorizontal {
		val |= 0x04
	}
	switch v.Rotation {
	case Rotation90:
		val |= 0x01
	case Rotation180:
		val |= 0x02
	case Rotation270:
		val |= 0x03
	}
	return []byte{val}
}

// Unmarshal parses a video orientation extension.
func (v *VideoOrientation) Unmarshal(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty video orientation data", ErrInvalidArgument)
	}
	b := data[0]
	v.CameraBackFacing = b&0x08 != 0
	v.FlipHorizontal = b&0x04 != 0
	v.Rotation = Rotation(int(b&0x03) * 90)
	return nil
}

func newPayloader(codec VideoCodec) (rtp.Payloader, error) {
	switch codec {
	case VideoCodecVP8:
		return &codecs.VP8Payloader{EnablePictureID: true}, nil
	case VideoCodecVP9:
		return &codecs.VP9Payloader{FlexibleMode: true}, nil
	case VideoCodecH264:
		return &codecs.H264Payloader{}, nil
	case VideoCodecAV1:
		return &codecs.AV1Payloader{}, nil
	}
	return nil, fmt.Errorf("%w: no payloader for %v", ErrNotSupported, codec)
}

func newDepacketizer(codec VideoCodec) (rtp.Depacketizer, error) {
	switch codec {
	case VideoCodecVP8:
		return &codecs.VP8Packet{}, nil
	case VideoCodecVP9:
		return &codecs.VP9Packet{}, nil
	case VideoCodecH264:
		return &codecs.H264Packet{}, nil
	}
	return nil, fmt.Errorf("%w: no depacketizer for %v", ErrNotSupported, codec)
}

// Packetizer splits encoded frames of one stream into RTP packets.
// It is not safe for concurrent use.
type Packetizer struct {
	ssrc        uint32
	payloadType uint8
	mtu         int
	cvoID       uint8
	sequencer   rtp.Sequencer
	payloader   rtp.Payloader
}

// NewPacketizer creates a packetizer. A non-zero cvoID adds the video
// orientation extension to the last packet of every frame.
func NewPacketizer(codec VideoCodec, ssrc uint32, pt uint8, mtu int, cvoID uint8) (*Packetizer, error) {
	payloader, err := newPayloader(codec)
	if err != nil {
		return nil, err
	}
	if mtu <= rtpOverhead {
		mtu = DefaultMTU
	}
	return &Packetizer{
		ssrc:        ssrc,
		payloadType: pt,
		mtu:         mtu,
		cvoID:       cvoID,
		sequencer:   rtp.NewRandomSequencer(),
		payloader:   payloader,
	}, nil
}

// SSRC returns the stream ssrc.
func (p *Packetizer) SSRC() uint32 { return p.ssrc }

// Packetize converts an encoded frame to RTP packets.
func (p *Packetizer) Packetize(frame *EncodedFrame) ([]*rtp.Packet, error) {
	if len(frame.Data) == 0 {
		return nil, nil
	}
	payloads := p.payloader.Payload(uint16(p.mtu-rtpOverhead), frame.Data)
	if len(payloads) == 0 {
		return nil, fmt.Errorf("%w: payloader produced no packets for %d bytes", ErrFailed, len(frame.Data))
	}

	packets := make([]*rtp.Packet, len(payloads))
	for i, payload := range payloads {
		last := i == len(payloads)-1
		pkt := &rtp.Packet{
			Header: rtp.Header{
				Version:        2,
				Marker:         last,
				PayloadType:    p.payloadType,
				SequenceNumber: p.sequencer.NextSequenceNumber(),
				Timestamp:      frame.Timestamp,
				SSRC:           p.ssrc,
			},
			Payload: payload,
		}
		if last && p.cvoID != 0 {
			cvo := VideoOrientation{Rotation: frame.Rotation}
			if err := pkt.Header.SetExtension(p.cvoID, cvo.Marshal()); err != nil {
				return nil, fmt.Errorf("%w: set cvo extension: %v", ErrFailed, err)
			}
		}
		packets[i] = pkt
	}
	return packets, nil
}

// Depacketizer reassembles RTP packets of one stream into encoded frames.
// A frame with a sequence gap is discarded. It is not safe for concurrent
// use.
type Depacketizer struct {
	codec VideoCodec
	cvoID uint8
	depkt rtp.Depacketizer

	buf      []byte
	ts       uint32
	lastSeq  uint16
	started  bool
	inFrame  bool
	broken   bool
	rotation Rotation

	discarded uint64
}

// NewDepacketizer creates a depacketizer reading the orientation extension
// from cvoID when non-zero.
func NewDepacketizer(codec VideoCodec, cvoID uint8) (*Depacketizer, error) {
	depkt, err := newDepacketizer(codec)
	if err != nil {
		return nil, err
	}
	return &Depacketizer{codec: codec, cvoID: cvoID, depkt: depkt}, nil
}

// Push adds a packet and returns the frame it completes, if any.
func (d *Depacketizer) Push(pkt *rtp.Packet) (*EncodedFrame, error) {
	gap := d.started && pkt.SequenceNumber != d.lastSeq+1
	d.started = true
	d.lastSeq = pkt.SequenceNumber

	if !d.inFrame || pkt.Timestamp != d.ts {
		if d.inFrame {
			// The marker packet of the previous frame never arrived.
			d.discarded++
			d.resetFrame()
		}
		d.inFrame = true
		d.ts = pkt.Timestamp
		// A gap before the head of a new frame only cost the previous one.
		if gap && !d.depkt.IsPartitionHead(pkt.Payload) {
			d.broken = true
		}
	} else if gap {
		d.broken = true
	}

	payload, err := d.depkt.Unmarshal(pkt.Payload)
	if err != nil {
		d.broken = true
	} else {
		d.buf = append(d.buf, payload...)
	}
	if d.cvoID != 0 {
		if ext := pkt.GetExtension(d.cvoID); len(ext) > 0 {
			var cvo VideoOrientation
			if cvo.Unmarshal(ext) == nil {
				d.rotation = cvo.Rotation
			}
		}
	}

	if !pkt.Marker {
		return nil, nil
	}
	defer d.resetFrame()
	if d.broken || len(d.buf) == 0 {
		d.discarded++
		if err != nil {
			return nil, fmt.Errorf("%w: %v payload: %v", ErrInvalidArgument, d.codec, err)
		}
		return nil, nil
	}
	data := make([]byte, len(d.buf))
	copy(data, d.buf)
	return &EncodedFrame{
		Data:      data,
		FrameType: FrameTypeUnknown,
		Timestamp: d.ts,
		Rotation:  d.rotation,
	}, nil
}

// Discarded returns the number of frames dropped as incomplete.
func (d *Depacketizer) Discarded() uint64 { return d.discarded }

func (d *Depacketizer) resetFrame() {
	d.buf = d.buf[:0]
	d.inFrame = false
	d.broken = false
}

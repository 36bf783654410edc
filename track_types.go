package rtctrack

import "fmt"

// LocalVideoState is the state of a local video track.
type LocalVideoState int

const (
	LocalVideoStopped LocalVideoState = iota
	LocalVideoCapturing
	LocalVideoEncoding
	LocalVideoFailed
)

func (s LocalVideoState) String() string {
	switch s {
	case LocalVideoStopped:
		return "STOPPED"
	case LocalVideoCapturing:
		return "CAPTURING"
	case LocalVideoEncoding:
		return "ENCODING"
	case LocalVideoFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("LocalVideoState(%d)", int(s))
	}
}

// LocalVideoError is the error code carried by local state notifications.
type LocalVideoError int

const (
	LocalVideoErrorOK LocalVideoError = iota
	LocalVideoErrorFailure
	LocalVideoErrorDeviceFailure
	LocalVideoErrorEncodeFailure
)

func (e LocalVideoError) String() string {
	switch e {
	case LocalVideoErrorOK:
		return "OK"
	case LocalVideoErrorFailure:
		return "FAILURE"
	case LocalVideoErrorDeviceFailure:
		return "DEVICE_FAILURE"
	case LocalVideoErrorEncodeFailure:
		return "ENCODE_FAILURE"
	default:
		return fmt.Sprintf("LocalVideoError(%d)", int(e))
	}
}

// RemoteVideoState is the state of a remote video track.
type RemoteVideoState int

const (
	RemoteVideoStopped RemoteVideoState = iota
	RemoteVideoStarting
	RemoteVideoDecoding
	RemoteVideoFrozen
	RemoteVideoFailed
)

func (s RemoteVideoState) String() string {
	switch s {
	case RemoteVideoStopped:
		return "STOPPED"
	case RemoteVideoStarting:
		return "STARTING"
	case RemoteVideoDecoding:
		return "DECODING"
	case RemoteVideoFrozen:
		return "FROZEN"
	case RemoteVideoFailed:
		return "FAILED"
	default:
		return fmt.Sprintf("RemoteVideoState(%d)", int(s))
	}
}

// Reason explains a state transition or a detach.
type Reason int

const (
	ReasonInternal Reason = iota
	ReasonManual
	ReasonNetworkDestroyed
	ReasonTrackDestroyed
	ReasonNetworkCongestion
	ReasonNetworkRecovery
	ReasonDecoderFailure
)

func (r Reason) String() string {
	switch r {
	case ReasonInternal:
		return "internal"
	case ReasonManual:
		return "manual"
	case ReasonNetworkDestroyed:
		return "network-destroyed"
	case ReasonTrackDestroyed:
		return "track-destroyed"
	case ReasonNetworkCongestion:
		return "network-congestion"
	case ReasonNetworkRecovery:
		return "network-recovery"
	case ReasonDecoderFailure:
		return "decoder-failure"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// StreamType selects the major (full quality) or minor (simulcast) stream.
type StreamType int

const (
	StreamMajor StreamType = iota
	StreamMinor
)

func (t StreamType) String() string {
	if t == StreamMinor {
		return "minor"
	}
	return "major"
}

// LocalAttachInfo binds a local track to a network.
type LocalAttachInfo struct {
	Sink         RTPSink
	UID          string
	ConnectionID string
}

// LocalDetachInfo unbinds a local track from a network.
type LocalDetachInfo struct {
	Sink   RTPSink
	Reason Reason
}

// RemoteAttachInfo binds a remote track to a network. Detach takes the
// same handles.
type RemoteAttachInfo struct {
	Source       RTPSource
	RTCPSender   RTCPSender
	UID          string
	ConnectionID string
}

// RemoteTrackInfo identifies the remote stream a track renders.
type RemoteTrackInfo struct {
	UID        string
	TrackID    string
	StreamType StreamType
}

// RemoteStreamConfig configures the receive side of a remote track.
type RemoteStreamConfig struct {
	PayloadType uint8
	Codec       VideoCodec
	SSRC        uint32
	RTXSSRC     uint32
	SyncGroup   string
}

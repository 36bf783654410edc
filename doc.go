// Package rtctrack provides local and remote video tracks for real-time
// communication engines: capture, filtering, encoding and RTP transport on
// the sending side, and RTP reception, decoding and rendering on the
// receiving side.
//
// Key pieces include:
//   - Engine, the owner of workers, observers, codec factories and metrics
//   - LocalVideoTrack and RemoteVideoTrack with their state machines
//   - Worker, a single-goroutine task queue with deadlock-checked sync calls
//   - EventBus, a typed publish/subscribe bus holding weak handler targets
//   - Graph, the processing-node graph each track builds its pipeline in
//   - LoopbackNetwork and the pion-backed PeerSink/PeerSource transports
//
// # Architecture
//
//	Send:    VideoSource -> [Rotator] -> Filters -> Tee -> Encoder -> Packetizer -> RTPSink
//	                                          \-> Scaler -> minor Encoder
//	                                          \-> Renderers
//	Receive: RTPSource -> Depacketizer -> Decoder -> Filters -> Tee -> Renderers
//
// # Threading
//
// Public track methods run on the engine's major worker. Each track owns a
// control worker that changes its graph and a data worker that moves
// frames. Observer callbacks and bus handlers run on the callback worker.
// A control worker never waits on the major worker.
//
// # Codecs
//
// The package ships loopback codecs that carry raw frames in RTP payloads,
// which is enough to drive every state transition in tests. Real encoders
// and decoders are plugged in with WithEncoderFactory and
// WithDecoderFactory.
package rtctrack

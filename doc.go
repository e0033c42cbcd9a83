// Package m2m drives stateful memory-to-memory hardware codecs, the
// two-queue devices V4L2 exposes for decoders, encoders and converters.
//
// Key pieces include:
//   - Pump: open, negotiate, submit, collect in presentation order,
//     drain, flush, renegotiate on source change
//   - BufferPool and QueuePair around the device's input and output queues
//   - Device backends: V4L2 (kernel ioctls, optionally libv4l2) and
//     SimDevice for tests and dry runs
//   - Sources (MPEG-TS files, RTMP publish, V4L2 cameras) and sinks
//     (elementary stream files, MPEG-TS, RTP, WebRTC tracks, JPEG snapshots)
//   - Pipeline and YAML configuration to wire them together
//
// # Architecture
//
//	Decode: Source -> Pump(H.264/HEVC -> NV12) -> Sink
//	Encode: Source -> Pump(YUYV/NV12 -> H.264) -> RTP/WebRTC/TS sink
//
// One caller goroutine submits access units; one worker goroutine per pump
// dequeues completions, matches them to submitted frames by timestamp and
// returns the frames oldest first. Every device buffer is owned by exactly
// one of its pool, the caller or the device at any time.
//
// # Devices
//
// On Linux the V4L2 provider is registered at init and serves /dev/video*
// nodes with the M2M_MPLANE capability. Set M2M_LIB_PATH to load
// libv4l2 from a custom directory when V4L2Config.UseLibV4L2 is set.
// Other platforms have no device provider; use SimProvider or pass
// PumpConfig.OpenDevice.
package m2m

// Package audio defines the audio data model and the hot-path buffers of
// the gateway pipeline.
//
// The primary pieces are:
//
//   - [AudioFrame] — the atomic unit of audio transport, tagged with its
//     format and an ingress-assigned sequence number.
//   - [Ring] — a bounded lock-free single-producer single-consumer ring
//     with drop-oldest overflow, used on the PCM hot path.
//   - [ControlQueue] — a bounded MPSC queue for control events that
//     rejects producers with backpressure instead of dropping.
//   - [FormatConverter] — transcoding between PCM16, μ-law, and Opus plus
//     resampling and channel conversion.
//
// This package lives under pkg/ because provider implementations and
// client transport adapters exchange these types across module boundaries.
package audio

import "time"

// Encoding identifies the codec of an [AudioFrame]'s payload.
type Encoding int

const (
	// PCM16 is 16-bit signed little-endian linear PCM. The native format of
	// the pipeline; everything else is transcoded at the edges.
	PCM16 Encoding = iota

	// MuLaw is 8-bit G.711 μ-law, common on SIP/telephony ingress.
	MuLaw

	// Opus is an Opus-encoded packet (one frame per packet).
	Opus

	// MP3 is an MP3 chunk as emitted by synthesis providers. Pass-through
	// only; the converter does not transcode MP3.
	MP3
)

// String returns the lowercase encoding name used in config and logs.
func (e Encoding) String() string {
	switch e {
	case PCM16:
		return "pcm16"
	case MuLaw:
		return "mulaw"
	case Opus:
		return "opus"
	case MP3:
		return "mp3"
	default:
		return "unknown"
	}
}

// AudioFrame represents a single frame of audio flowing through the
// pipeline. Frames are the atomic unit of audio transport — received from
// clients, processed by VAD, transcoded by the converter, and forwarded to
// providers. A frame is immutable once constructed; stages that change the
// payload build a new frame.
type AudioFrame struct {
	// Data is the encoded audio payload.
	Data []byte

	// SampleRate in Hz (e.g. 16000 for STT input, 24000 for realtime).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Encoding is the codec of Data.
	Encoding Encoding

	// Seq is the monotonically increasing sequence number assigned at
	// ingress. Zero for frames synthesized mid-pipeline.
	Seq uint64

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback duration of the frame's payload, or zero
// when it cannot be derived (compressed encodings, missing format fields).
func (f AudioFrame) Duration() time.Duration {
	if f.Encoding != PCM16 && f.Encoding != MuLaw {
		return 0
	}
	bytesPerSample := 2
	if f.Encoding == MuLaw {
		bytesPerSample = 1
	}
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / (bytesPerSample * f.Channels)
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

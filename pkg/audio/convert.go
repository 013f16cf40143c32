package audio

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/zaf/g711"
	"layeh.com/gopus"
)

// opusFrameMs is the Opus packet duration the converter encodes. 20 ms is
// the interoperable default across voice stacks.
const opusFrameMs = 20

// Format describes the encoding, sample rate, and channel count of an
// audio stream.
type Format struct {
	SampleRate int
	Channels   int
	Encoding   Encoding
}

// String returns a human-readable form, e.g. "pcm16 16000Hz mono".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%s %dHz %s", f.Encoding, f.SampleRate, ch)
}

// FormatConverter converts AudioFrames to a target format: decode to
// linear PCM first, then resample, then channel-convert, then re-encode.
// It logs a warning on the first format mismatch and validates PCM
// alignment. Create one per stream; not designed for shared use across
// goroutines — the Opus codec state is per-stream.
type FormatConverter struct {
	Target Format

	opusDec *gopus.Decoder
	opusEnc *gopus.Encoder

	warnedMismatch sync.Once
	warnedCorrupt  sync.Once
}

// Convert converts a frame to the target format. If the source already
// matches the target the frame is returned unchanged (zero allocation).
// MP3 frames are never transcoded; converting from or to MP3 with a
// differing counterpart format is an error.
func (c *FormatConverter) Convert(frame AudioFrame) (AudioFrame, error) {
	src := Format{SampleRate: frame.SampleRate, Channels: frame.Channels, Encoding: frame.Encoding}
	if src == c.Target {
		return frame, nil
	}
	if src.Encoding == MP3 || c.Target.Encoding == MP3 {
		return AudioFrame{}, fmt.Errorf("audio: cannot transcode %s to %s", src, c.Target)
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting", "from", src.String(), "to", c.Target.String())
	})

	// Step 1: decode to linear PCM.
	pcm := frame.Data
	switch src.Encoding {
	case PCM16:
		if len(pcm)%2 != 0 {
			c.warnedCorrupt.Do(func() {
				slog.Warn("audio format converter: odd byte count in PCM data, dropping frame",
					"bytes", len(pcm), "format", src.String())
			})
			return AudioFrame{}, fmt.Errorf("audio: odd PCM byte count %d", len(pcm))
		}
	case MuLaw:
		pcm = g711.DecodeUlaw(pcm)
	case Opus:
		var err error
		pcm, err = c.decodeOpus(pcm, src)
		if err != nil {
			return AudioFrame{}, err
		}
	}
	rate := src.SampleRate
	channels := src.Channels

	// Step 2: resample first (avoids resampling stereo when target is mono).
	if rate != c.Target.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, rate, c.Target.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, rate, c.Target.SampleRate)
		}
		rate = c.Target.SampleRate
	}

	// Step 3: channel conversion.
	if channels != c.Target.Channels {
		if channels == 1 && c.Target.Channels == 2 {
			pcm = MonoToStereo(pcm)
		} else if channels == 2 && c.Target.Channels == 1 {
			pcm = StereoToMono(pcm)
		}
		channels = c.Target.Channels
	}

	// Step 4: re-encode when the target is not linear PCM.
	switch c.Target.Encoding {
	case MuLaw:
		pcm = g711.EncodeUlaw(pcm)
	case Opus:
		var err error
		pcm, err = c.encodeOpus(pcm)
		if err != nil {
			return AudioFrame{}, err
		}
	}

	return AudioFrame{
		Data:       pcm,
		SampleRate: rate,
		Channels:   channels,
		Encoding:   c.Target.Encoding,
		Seq:        frame.Seq,
		Timestamp:  frame.Timestamp,
	}, nil
}

func (c *FormatConverter) decodeOpus(packet []byte, src Format) ([]byte, error) {
	if c.opusDec == nil {
		dec, err := gopus.NewDecoder(src.SampleRate, src.Channels)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus decoder: %w", err)
		}
		c.opusDec = dec
	}
	frameSize := src.SampleRate * opusFrameMs / 1000
	samples, err := c.opusDec.Decode(packet, frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audio: opus decode: %w", err)
	}
	return int16sToBytes(samples), nil
}

func (c *FormatConverter) encodeOpus(pcm []byte) ([]byte, error) {
	if c.opusEnc == nil {
		enc, err := gopus.NewEncoder(c.Target.SampleRate, c.Target.Channels, gopus.Voip)
		if err != nil {
			return nil, fmt.Errorf("audio: create opus encoder: %w", err)
		}
		c.opusEnc = enc
	}
	frameSize := c.Target.SampleRate * opusFrameMs / 1000
	packet, err := c.opusEnc.Encode(bytesToInt16s(pcm), frameSize, len(pcm))
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// ConvertStream wraps an input channel with a conversion goroutine. It
// closes the returned channel when in closes. Uses cap(in) for the output
// channel buffer. Frames that fail conversion are dropped with a warning
// logged once.
func ConvertStream(in <-chan AudioFrame, target Format) <-chan AudioFrame {
	out := make(chan AudioFrame, cap(in))
	go func() {
		defer close(out)
		conv := FormatConverter{Target: target}
		var warned sync.Once
		for frame := range in {
			converted, err := conv.Convert(frame)
			if err != nil {
				warned.Do(func() {
					slog.Warn("audio stream conversion failed, dropping frames", "err", err)
				})
				continue
			}
			out <- converted
		}
	}()
	return out
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j] = lo
		out[j+1] = hi
		out[j+2] = lo
		out[j+3] = hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16
// range.
func StereoToMono(pcm []byte) []byte {
	// Each stereo frame is 4 bytes (2 bytes L + 2 bytes R).
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		// Clamp to int16 range.
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate
// using linear interpolation. Each stereo frame is 4 bytes (L+R
// interleaved). If srcRate == dstRate, the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1 = l0
			r1 = r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

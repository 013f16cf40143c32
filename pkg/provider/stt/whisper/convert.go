package whisper

import "encoding/binary"

// floatMono converts 16-bit signed little-endian PCM to mono float32
// samples normalised to [-1.0, 1.0], averaging all channels per frame when
// the input is multi-channel. A trailing partial frame is ignored.
func floatMono(pcm []byte, channels int) []float32 {
	if channels < 1 {
		channels = 1
	}
	frames := len(pcm) / (2 * channels)
	mono := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range channels {
			off := (i*channels + ch) * 2
			sum += float32(int16(binary.LittleEndian.Uint16(pcm[off:off+2]))) / 32768.0
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

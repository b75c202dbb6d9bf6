package tools

import (
	"encoding/base64"
	"encoding/binary"
	"time"
)

// FrameSamples returns the interleaved sample count for one frame.
func FrameSamples(duration time.Duration, rate, channels int) int {
	return int(duration.Seconds() * float64(channels) * float64(rate))
}

// PCM16LEBytes packs interleaved 16-bit samples little-endian.
func PCM16LEBytes(pcm []int16) []byte {
	out := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// PCMChunkBase64 encodes a PCM chunk for an input_audio_buffer.append event.
func PCMChunkBase64(pcm []int16) string {
	return base64.StdEncoding.EncodeToString(PCM16LEBytes(pcm))
}

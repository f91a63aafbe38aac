package audio

import (
	"encoding/binary"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// EncodeWAV writes samples as a 16-bit mono PCM WAV file. Samples outside
// [-1, 1] are clamped.
func EncodeWAV(ws io.WriteSeeker, samples []float32, sampleRate int) error {
	enc := wav.NewEncoder(ws, sampleRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           pcm16From(samples),
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("failed to write WAV data: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("failed to finalize WAV file: %w", err)
	}
	return nil
}

// DecodeWAV reads an entire PCM WAV stream into normalized mono float32
// samples and reports the source sample rate. Multi-channel input is
// downmixed by averaging.
func DecodeWAV(rs io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(rs)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to decode WAV data: %w", err)
	}
	if err := dec.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to decode WAV data: %w", err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, fmt.Errorf("WAV stream has no channel layout")
	}
	if dec.BitDepth < 16 {
		return nil, 0, fmt.Errorf("unsupported WAV bit depth %d", dec.BitDepth)
	}

	scale := float32(int(1) << (dec.BitDepth - 1))
	ch := buf.Format.NumChannels
	frames := len(buf.Data) / ch
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < ch; c++ {
			sum += float32(buf.Data[i*ch+c]) / scale
		}
		out[i] = sum / float32(ch)
	}
	return out, buf.Format.SampleRate, nil
}

// Float32FromPCM16 decodes little-endian 16-bit PCM bytes into normalized
// float32 samples. A trailing odd byte is ignored.
func Float32FromPCM16(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768.0
	}
	return out
}

// PCM16FromFloat32 encodes normalized samples as little-endian 16-bit PCM
// bytes. Samples outside [-1, 1] are clamped.
func PCM16FromFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(s*32767)))
	}
	return out
}

func pcm16From(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = int(s * 32767)
	}
	return out
}

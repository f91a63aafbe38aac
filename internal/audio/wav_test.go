package audio

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestEncodeWAVRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	samples := []float32{0, 0.5, -0.5, 1.5, -2}
	if err := EncodeWAV(f, samples, 16000); err != nil {
		t.Fatalf("EncodeWAV returned error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen file: %v", err)
	}
	defer in.Close()
	dec := wav.NewDecoder(in)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("failed to decode WAV: %v", err)
	}
	if buf.Format.SampleRate != 16000 || buf.Format.NumChannels != 1 {
		t.Fatalf("unexpected format: %+v", buf.Format)
	}
	want := []int{0, 16383, -16383, 32767, -32767}
	if len(buf.Data) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(buf.Data))
	}
	for i, w := range want {
		if math.Abs(float64(buf.Data[i]-w)) > 1 {
			t.Errorf("sample %d: expected %d, got %d", i, w, buf.Data[i])
		}
	}
}

func TestDecodeWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mono.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	samples := []float32{0, 0.25, -0.25, 0.5}
	if err := EncodeWAV(f, samples, 16000); err != nil {
		t.Fatalf("EncodeWAV returned error: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen file: %v", err)
	}
	defer in.Close()
	got, rate, err := DecodeWAV(in)
	if err != nil {
		t.Fatalf("DecodeWAV returned error: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("expected rate 16000, got %d", rate)
	}
	if len(got) != len(samples) {
		t.Fatalf("expected %d samples, got %d", len(samples), len(got))
	}
	for i, want := range samples {
		if math.Abs(float64(got[i]-want)) > 1e-3 {
			t.Errorf("sample %d: expected %v, got %v", i, want, got[i])
		}
	}
}

func TestDecodeWAVDownmixesStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create file: %v", err)
	}
	enc := wav.NewEncoder(f, 16000, 16, 2, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: 16000},
		Data:           []int{16000, -16000, 8000, 8000},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("failed to write stereo WAV: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("failed to finalize stereo WAV: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("failed to close file: %v", err)
	}

	in, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to reopen file: %v", err)
	}
	defer in.Close()
	got, rate, err := DecodeWAV(in)
	if err != nil {
		t.Fatalf("DecodeWAV returned error: %v", err)
	}
	if rate != 16000 || len(got) != 2 {
		t.Fatalf("unexpected shape: rate %d, %d samples", rate, len(got))
	}
	if math.Abs(float64(got[0])) > 1e-3 {
		t.Errorf("expected opposing channels to cancel, got %v", got[0])
	}
	want := float64(8000) / 32768
	if math.Abs(float64(got[1])-want) > 1e-3 {
		t.Errorf("expected %v, got %v", want, got[1])
	}
}

func TestPCM16FromFloat32(t *testing.T) {
	in := []float32{0, 0.5, -1, 2}
	got := Float32FromPCM16(PCM16FromFloat32(in))
	want := []float32{0, 0.5, -1, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if math.Abs(float64(got[i]-want[i])) > 1e-3 {
			t.Errorf("sample %d: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestFloat32FromPCM16(t *testing.T) {
	pcm := make([]byte, 6)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(0))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(16384))
	minSample := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[4:], uint16(minSample))

	got := Float32FromPCM16(pcm)
	if len(got) != 3 {
		t.Fatalf("expected 3 samples, got %d", len(got))
	}
	if got[0] != 0 {
		t.Errorf("expected 0, got %v", got[0])
	}
	if math.Abs(float64(got[1])-0.5) > 1e-6 {
		t.Errorf("expected 0.5, got %v", got[1])
	}
	if got[2] != -1 {
		t.Errorf("expected -1, got %v", got[2])
	}

	// Odd trailing byte is ignored.
	if got := Float32FromPCM16([]byte{1, 0, 7}); len(got) != 1 {
		t.Errorf("expected 1 sample from 3 bytes, got %d", len(got))
	}
}

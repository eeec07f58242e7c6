// Package wavfile encodes recordings as RIFF/WAVE for upload to transcription
// services and replays WAV files as an [audio.Source].
//
// Encoding goes through an in-memory afero file system so the go-audio
// encoder, which needs an io.WriteSeeker to patch the RIFF header on Close,
// never touches disk.
package wavfile

import (
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/spf13/afero"

	"github.com/MrWong99/earshot/pkg/audio"
)

const (
	bitDepth    = 16
	formatPCM   = 1
	scratchName = "clip.wav"
)

// Encode returns a complete 16-bit PCM WAV file holding samples.
func Encode(samples []int16, sampleRate, channels int) ([]byte, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("wavfile: invalid sample rate %d", sampleRate)
	}
	if channels <= 0 {
		channels = 1
	}

	fs := afero.NewMemMapFs()
	f, err := fs.Create(scratchName)
	if err != nil {
		return nil, fmt.Errorf("wavfile: create scratch file: %w", err)
	}
	defer f.Close()

	if err := write(f, samples, sampleRate, channels); err != nil {
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("wavfile: rewind: %w", err)
	}
	out, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("wavfile: read back: %w", err)
	}
	return out, nil
}

// EncodeFrame is [Encode] for a single frame.
func EncodeFrame(frame audio.AudioFrame) ([]byte, error) {
	return Encode(frame.Samples, frame.SampleRate, frame.Channels)
}

// WriteFile writes samples as a WAV file at path on fs.
func WriteFile(fs afero.Fs, path string, samples []int16, sampleRate, channels int) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", path, err)
	}
	if err := write(f, samples, sampleRate, channels); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func write(w io.WriteSeeker, samples []int16, sampleRate, channels int) error {
	enc := wav.NewEncoder(w, sampleRate, bitDepth, channels, formatPCM)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("wavfile: encode: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("wavfile: finalize: %w", err)
	}
	return nil
}

// Decode reads a 16-bit PCM WAV stream and returns its samples and format.
func Decode(r io.ReadSeeker) ([]int16, audio.Format, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, audio.Format{}, fmt.Errorf("wavfile: not a valid WAV stream")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, audio.Format{}, fmt.Errorf("wavfile: decode: %w", err)
	}
	if dec.BitDepth != bitDepth {
		return nil, audio.Format{}, fmt.Errorf("wavfile: unsupported bit depth %d", dec.BitDepth)
	}
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		samples[i] = int16(v)
	}
	return samples, audio.Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

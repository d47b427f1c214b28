// Package audio loads waveforms for the raw-audio input path.
package audio

import (
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pkg/errors"
)

// Waveform is interleaved PCM scaled to [-1, 1].
type Waveform struct {
	Samples    []float32
	SampleRate int
	Channels   int
}

// Frames is the number of samples per channel.
func (w *Waveform) Frames() int {
	if w.Channels == 0 {
		return 0
	}
	return len(w.Samples) / w.Channels
}

// LoadWav decodes a PCM WAV file.
func LoadWav(path string) (*Waveform, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open audio file")
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, errors.Errorf("invalid WAV file %s", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s", path)
	}
	return fromIntBuffer(buf, int(dec.BitDepth)), nil
}

func fromIntBuffer(buf *audio.IntBuffer, bitDepth int) *Waveform {
	if bitDepth <= 0 {
		bitDepth = 16
	}
	scale := float32(int64(1) << uint(bitDepth-1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	w := &Waveform{Samples: out, Channels: 1}
	if buf.Format != nil {
		w.SampleRate = buf.Format.SampleRate
		if buf.Format.NumChannels > 0 {
			w.Channels = buf.Format.NumChannels
		}
	}
	return w
}

// SaveWav writes w as 16-bit PCM.
func SaveWav(path string, w *Waveform) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "failed to create audio file")
	}
	enc := wav.NewEncoder(f, w.SampleRate, 16, w.Channels, 1)
	data := make([]int, len(w.Samples))
	for i, v := range w.Samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		data[i] = int(v * 32767)
	}
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: w.Channels, SampleRate: w.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to encode audio")
	}
	if err := enc.Close(); err != nil {
		f.Close()
		return errors.Wrap(err, "failed to finalize audio")
	}
	return errors.Wrap(f.Close(), "failed to close audio file")
}

package audio

import (
	"fmt"
	"io"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/wav"
)

// WriteWAV encodes samples as a 16-bit mono WAV file.
func WriteWAV(w io.WriteSeeker, samples []float64, sampleRate int) error {
	if sampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	buf := Buffer(samples, sampleRate)
	if err := wav.Encode(w, buf.Streamer(0, buf.Len()), buf.Format()); err != nil {
		return fmt.Errorf("encode wav: %w", err)
	}
	return nil
}

// Buffer collects samples into a beep buffer so they can be replayed
// from any offset.
func Buffer(samples []float64, sampleRate int) *beep.Buffer {
	buf := beep.NewBuffer(beep.Format{
		SampleRate:  beep.SampleRate(sampleRate),
		NumChannels: 1,
		Precision:   2,
	})
	buf.Append(NewStreamer(samples))
	return buf
}

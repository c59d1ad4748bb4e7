package reactions

import (
	"context"
	"math"
	"time"
)

// Waveform selects the oscillator shape for a tone.
type Waveform string

const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveSawtooth Waveform = "sawtooth"
)

// ToneSpec describes the synthesized cue for one emoji: a short sequence of
// frequencies played back to back with a shared waveform and per-note
// duration.
type ToneSpec struct {
	Frequencies []float64
	Waveform    Waveform
	NoteLength  time.Duration
	Volume      float64
}

// Player outputs a rendered tone. Implementations must be safe to call from
// any goroutine; a failing or absent player is skipped silently.
type Player interface {
	Play(ctx context.Context, samples []float32, sampleRate int) error
}

// SampleRate is the render rate for reaction cues.
const SampleRate = 44100

// toneSpecs maps each reaction emoji to a distinct cue. Rising intervals for
// positive reactions, a short trill for laughter, a low swell for surprise.
var toneSpecs = map[string]ToneSpec{
	"👍":  {Frequencies: []float64{523.25, 659.25}, Waveform: WaveSine, NoteLength: 120 * time.Millisecond, Volume: 0.4},
	"❤️": {Frequencies: []float64{440.00, 554.37, 659.25}, Waveform: WaveSine, NoteLength: 110 * time.Millisecond, Volume: 0.4},
	"😂":  {Frequencies: []float64{784.00, 659.25, 784.00, 659.25}, Waveform: WaveTriangle, NoteLength: 70 * time.Millisecond, Volume: 0.35},
	"😮":  {Frequencies: []float64{196.00, 246.94}, Waveform: WaveSine, NoteLength: 180 * time.Millisecond, Volume: 0.45},
	"👏":  {Frequencies: []float64{880.00, 880.00}, Waveform: WaveSquare, NoteLength: 60 * time.Millisecond, Volume: 0.3},
	"🎉":  {Frequencies: []float64{523.25, 659.25, 783.99, 1046.50}, Waveform: WaveSawtooth, NoteLength: 90 * time.Millisecond, Volume: 0.35},
}

// ToneForEmoji returns the cue spec for an emoji in the reaction set.
func ToneForEmoji(emoji string) (ToneSpec, bool) {
	spec, ok := toneSpecs[emoji]
	return spec, ok
}

// Render synthesizes the PCM samples for a tone at the given sample rate.
// A short linear fade at each note boundary avoids clicks.
func Render(spec ToneSpec, sampleRate int) []float32 {
	if sampleRate <= 0 || spec.NoteLength <= 0 || len(spec.Frequencies) == 0 {
		return nil
	}
	perNote := int(float64(sampleRate) * spec.NoteLength.Seconds())
	fade := perNote / 10
	out := make([]float32, 0, perNote*len(spec.Frequencies))

	for _, freq := range spec.Frequencies {
		for i := 0; i < perNote; i++ {
			phase := float64(i) * freq / float64(sampleRate)
			v := oscillate(spec.Waveform, phase) * spec.Volume
			if fade > 0 {
				if i < fade {
					v *= float64(i) / float64(fade)
				} else if i >= perNote-fade {
					v *= float64(perNote-i) / float64(fade)
				}
			}
			out = append(out, float32(v))
		}
	}
	return out
}

// oscillate evaluates one waveform sample. phase is in cycles, not radians.
func oscillate(w Waveform, phase float64) float64 {
	p := phase - math.Floor(phase)
	switch w {
	case WaveSquare:
		if p < 0.5 {
			return 1
		}
		return -1
	case WaveTriangle:
		if p < 0.5 {
			return 4*p - 1
		}
		return 3 - 4*p
	case WaveSawtooth:
		return 2*p - 1
	default:
		return math.Sin(2 * math.Pi * p)
	}
}

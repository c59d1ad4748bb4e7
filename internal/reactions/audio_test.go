package reactions

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meetingpro/agent/internal/models"
)

func TestEveryEmojiHasTone(t *testing.T) {
	for _, emoji := range models.Emojis {
		_, ok := ToneForEmoji(emoji)
		assert.True(t, ok, "no tone for %s", emoji)
	}
}

func TestToneForUnknownEmoji(t *testing.T) {
	_, ok := ToneForEmoji("🚀")
	assert.False(t, ok)
}

func TestRenderLengthAndBounds(t *testing.T) {
	spec := ToneSpec{
		Frequencies: []float64{440, 880},
		Waveform:    WaveSine,
		NoteLength:  100 * time.Millisecond,
		Volume:      0.5,
	}
	samples := Render(spec, SampleRate)
	require.Len(t, samples, 2*SampleRate/10)

	for i, s := range samples {
		if s > 0.5 || s < -0.5 {
			t.Fatalf("sample %d out of range: %f", i, s)
		}
	}
}

func TestRenderFadesToSilenceAtBoundaries(t *testing.T) {
	spec := ToneSpec{
		Frequencies: []float64{440},
		Waveform:    WaveSquare,
		NoteLength:  100 * time.Millisecond,
		Volume:      1,
	}
	samples := Render(spec, SampleRate)
	require.NotEmpty(t, samples)
	assert.Zero(t, samples[0])
	assert.InDelta(t, 0, samples[len(samples)-1], 0.01)
}

func TestRenderInvalidSpec(t *testing.T) {
	assert.Nil(t, Render(ToneSpec{}, SampleRate))
	assert.Nil(t, Render(ToneSpec{Frequencies: []float64{440}, NoteLength: time.Second}, 0))
}

func TestOscillatorShapes(t *testing.T) {
	assert.InDelta(t, 0, oscillate(WaveSine, 0), 1e-9)
	assert.InDelta(t, 1, oscillate(WaveSine, 0.25), 1e-9)
	assert.Equal(t, float64(1), oscillate(WaveSquare, 0.25))
	assert.Equal(t, float64(-1), oscillate(WaveSquare, 0.75))
	assert.InDelta(t, 1, oscillate(WaveTriangle, 0.5), 1e-9)
	assert.InDelta(t, -1, oscillate(WaveSawtooth, 0), 1e-9)
	// Phase wraps by whole cycles.
	assert.InDelta(t, oscillate(WaveSine, 0.3), oscillate(WaveSine, 2.3), 1e-9)
}

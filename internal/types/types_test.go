package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFindControl(t *testing.T) {
	controls := []Control{
		{Name: "freq", Value: 440},
		{Name: "amp", Value: 0.5},
	}

	v, ok := FindControl(controls, "amp")
	assert.True(t, ok)
	assert.Equal(t, float32(0.5), v)

	_, ok = FindControl(controls, "cutoff")
	assert.False(t, ok)

	_, ok = FindControl(nil, "amp")
	assert.False(t, ok)
}

func TestClipID(t *testing.T) {
	tests := []struct {
		name string
		clip Clip
		want string
	}{
		{"pattern clip", Clip{Source: SourcePattern, Name: "k"}, "pattern:k"},
		{"melody clip", Clip{Source: SourceMelody, Name: "m"}, "melody:m"},
		{"fade clip", Clip{Source: SourceFade, Name: "f"}, "fade:f"},
		{"nested sequence", Clip{Source: SourceSequence, Name: "s"}, "sequence:s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.clip.ID())
		})
	}
}

func TestIsFade(t *testing.T) {
	synth := BeatEvent{SynthDef: "trigger"}
	fade := BeatEvent{Fade: &FadeClip{Name: "f"}}
	assert.False(t, synth.IsFade())
	assert.True(t, fade.IsFade())
}

func TestStringers(t *testing.T) {
	assert.Equal(t, "stopped", LoopStopped.String())
	assert.Equal(t, "playing", LoopPlaying.String())
	assert.Equal(t, "pattern", KindPattern.String())
	assert.Equal(t, "sequence", KindSequence.String())
	assert.Equal(t, "voice", FadeVoice.String())
	assert.Equal(t, "effect", FadeEffect.String())
}

package sampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoVelocityLayers() *Instrument {
	return &Instrument{
		ID: "piano",
		Regions: []Region{
			{LoKey: 0, HiKey: 127, LoVel: 0, HiVel: 63, PitchKeycenter: 60, SamplePath: "soft.wav", BufferID: 10, Channels: 2},
			{LoKey: 0, HiKey: 127, LoVel: 64, HiVel: 127, PitchKeycenter: 60, SamplePath: "hard.wav", BufferID: 11, Channels: 2},
		},
	}
}

func TestVelocityLayerMatch(t *testing.T) {
	inst := twoVelocityLayers()
	rr := NewRoundRobin()

	soft := inst.Match(60, 30, rr)
	require.NotNil(t, soft)
	assert.Equal(t, int32(10), soft.BufferID)

	hard := inst.Match(60, 100, rr)
	require.NotNil(t, hard)
	assert.Equal(t, int32(11), hard.BufferID)
}

func TestKeyRangeMismatch(t *testing.T) {
	inst := &Instrument{Regions: []Region{
		{LoKey: 40, HiKey: 50, LoVel: 0, HiVel: 127, PitchKeycenter: 45},
	}}
	assert.Nil(t, inst.Match(60, 100, NewRoundRobin()))
	assert.NotNil(t, inst.Match(45, 100, NewRoundRobin()))
}

// Round-robin state persists across triggers: successive notes walk the
// sequence positions instead of always picking position 1.
func TestRoundRobinAdvances(t *testing.T) {
	inst := &Instrument{
		ID: "snare",
		Regions: []Region{
			{LoKey: 38, HiKey: 38, LoVel: 0, HiVel: 127, SeqLength: 3, SeqPosition: 1, BufferID: 20},
			{LoKey: 38, HiKey: 38, LoVel: 0, HiVel: 127, SeqLength: 3, SeqPosition: 2, BufferID: 21},
			{LoKey: 38, HiKey: 38, LoVel: 0, HiVel: 127, SeqLength: 3, SeqPosition: 3, BufferID: 22},
		},
	}
	rr := NewRoundRobin()

	var got []int32
	for i := 0; i < 6; i++ {
		r := inst.Match(38, 100, rr)
		require.NotNil(t, r)
		got = append(got, r.BufferID)
	}
	assert.Equal(t, []int32{20, 21, 22, 20, 21, 22}, got)
}

func TestRoundRobinIndependentPerVoice(t *testing.T) {
	inst := &Instrument{
		Regions: []Region{
			{LoKey: 38, HiKey: 38, LoVel: 0, HiVel: 127, SeqLength: 2, SeqPosition: 1, BufferID: 20},
			{LoKey: 38, HiKey: 38, LoVel: 0, HiVel: 127, SeqLength: 2, SeqPosition: 2, BufferID: 21},
		},
	}
	rrA := NewRoundRobin()
	rrB := NewRoundRobin()

	assert.Equal(t, int32(20), inst.Match(38, 100, rrA).BufferID)
	assert.Equal(t, int32(21), inst.Match(38, 100, rrA).BufferID)
	// A fresh voice starts at the beginning of the rotation
	assert.Equal(t, int32(20), inst.Match(38, 100, rrB).BufferID)
}

func TestPlaybackRate(t *testing.T) {
	r := Region{PitchKeycenter: 60}
	assert.InDelta(t, 1.0, float64(r.PlaybackRate(60)), 1e-6)
	assert.InDelta(t, 2.0, float64(r.PlaybackRate(72)), 1e-6)
	assert.InDelta(t, 0.5, float64(r.PlaybackRate(48)), 1e-6)
}

func TestSynthDefVariantFollowsChannels(t *testing.T) {
	mono := Region{Channels: 1}
	stereo := Region{Channels: 2}
	assert.Equal(t, "sampler_voice_mono", mono.SynthDefFor())
	assert.Equal(t, "sampler_voice_stereo", stereo.SynthDefFor())
}

// Package sampler holds sampler-instrument regions and the key/velocity/
// round-robin matching used when a voice is backed by an instrument. Parsing
// instrument file formats is not done here; a host installs a Loader and the
// runtime only consumes the resulting regions.
package sampler

import (
	"fmt"
	"math"
)

// Region maps a key/velocity window to a sample buffer. Regions with
// SeqLength > 1 participate in round-robin rotation: a trigger matches the
// region only when the voice's rotation position equals SeqPosition.
type Region struct {
	LoKey          uint8  `json:"lokey"`
	HiKey          uint8  `json:"hikey"`
	LoVel          uint8  `json:"lovel"`
	HiVel          uint8  `json:"hivel"`
	PitchKeycenter uint8  `json:"pitch_keycenter"`
	SeqLength      int    `json:"seq_length"`
	SeqPosition    int    `json:"seq_position"` // 1-based, as in SFZ
	SamplePath     string `json:"sample_path"`
	BufferID       int32  `json:"buffer_id"`
	Channels       int    `json:"channels"`
}

// Instrument is a loaded set of regions.
type Instrument struct {
	ID      string   `json:"id"`
	Path    string   `json:"path"`
	Regions []Region `json:"regions"`
}

// NumRegions returns the region count.
func (in *Instrument) NumRegions() int { return len(in.Regions) }

// Loader produces an instrument's regions from an instrument file. BufferID
// and Channels on the returned regions may be zero; the runtime fills them
// while allocating buffers.
type Loader func(id, path string) (*Instrument, error)

// RoundRobin is the per-voice rotation state: one counter per key/velocity
// window, advanced on every trigger whose matched region has a sequence
// length above 1.
type RoundRobin struct {
	counters map[string]int
}

// NewRoundRobin returns empty rotation state.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[string]int)}
}

func rrKey(r *Region) string {
	return fmt.Sprintf("%d-%d:%d-%d", r.LoKey, r.HiKey, r.LoVel, r.HiVel)
}

// Match finds the region for a note/velocity pair, honoring round-robin
// sequences. When the first candidate has SeqLength above 1 and rr is
// non-nil, the rotation counter advances exactly once per call, so
// successive triggers walk the sequence; otherwise no counter changes.
// Returns nil when nothing matches.
func (in *Instrument) Match(note, velocity uint8, rr *RoundRobin) *Region {
	var candidates []*Region
	for i := range in.Regions {
		r := &in.Regions[i]
		if note < r.LoKey || note > r.HiKey {
			continue
		}
		if velocity < r.LoVel || velocity > r.HiVel {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil
	}

	first := candidates[0]
	seqLen := first.SeqLength
	if seqLen <= 1 {
		return first
	}

	key := rrKey(first)
	pos := 0
	if rr != nil {
		pos = rr.counters[key]
		rr.counters[key] = (pos + 1) % seqLen
	}
	want := pos + 1 // SeqPosition is 1-based
	for _, r := range candidates {
		if r.SeqPosition == want {
			return r
		}
	}
	return first
}

// PlaybackRate returns the rate that pitches the region's sample from its
// keycenter to the requested note.
func (r *Region) PlaybackRate(note uint8) float32 {
	target := 440.0 * math.Pow(2, (float64(note)-69.0)/12.0)
	root := 440.0 * math.Pow(2, (float64(r.PitchKeycenter)-69.0)/12.0)
	return float32(target / root)
}

// SynthDefFor picks the mono or stereo playback patch for a region.
func (r *Region) SynthDefFor() string {
	if r.Channels == 1 {
		return "sampler_voice_mono"
	}
	return "sampler_voice_stereo"
}

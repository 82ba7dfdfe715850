// Package sequence expands sequence definitions into flat, beat-stamped loop
// bodies. Materialization is pure: the same definition, state and fired-once
// set always produce the same body, and the state store is never mutated.
package sequence

import (
	"log"
	"math"
	"sort"
	"strings"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/types"
)

const epsilon = 1e-4

// Materialize expands def into a single loop body in sequence-local beats.
// firedOnce is the active sequence's set of already-fired "once" clip ids;
// ids newly consumed this pass are appended to newlyFired (the caller writes
// them back under the write lock). Returns nil when def is already on stack
// (a cycle) or its loop length is not positive; a top-level definition that
// references itself still yields a body, with the self-reference skipped.
func Materialize(def *types.SequenceDefinition, st *state.State, stack []string, firedOnce map[string]uint64, newlyFired *[]string) *types.LoopBody {
	for _, name := range stack {
		if name == def.Name {
			log.Printf("[SEQUENCE] cycle detected: %s -> %s, skipping", strings.Join(stack, " -> "), def.Name)
			return nil
		}
	}
	if def.LoopBeats <= epsilon {
		return nil
	}

	stack = append(stack, def.Name)
	var events []types.BeatEvent

	for i := range def.Clips {
		clip := &def.Clips[i]
		clipStart := math.Max(clip.Start, 0)
		clipEnd := math.Min(clip.End, def.LoopBeats)
		if clipEnd-clipStart <= epsilon {
			continue
		}

		// Fade clips are never marked fired: the scheduler's last-scheduled
		// bookkeeping is what prevents duplicates, and a fade dropped from
		// materialization before its beat arrives would simply never fire.
		if clip.Mode == types.ClipOnce && clip.Source != types.SourceFade {
			if _, done := firedOnce[clip.ID()]; done {
				continue
			}
		}

		switch clip.Source {
		case types.SourcePattern:
			p, ok := st.Patterns[clip.Name]
			if !ok || p.Body == nil {
				log.Printf("[SEQUENCE] pattern %q not found for clip in %q", clip.Name, def.Name)
				continue
			}
			appendLooping(&events, p.Body, clipStart, clipEnd, clip, ownerMeta{
				pattern: clip.Name, group: p.GroupPath, voice: p.VoiceName,
			})
			markOnce(clip, newlyFired)
		case types.SourceMelody:
			m, ok := st.Melodies[clip.Name]
			if !ok || m.Body == nil {
				log.Printf("[SEQUENCE] melody %q not found for clip in %q", clip.Name, def.Name)
				continue
			}
			appendLooping(&events, m.Body, clipStart, clipEnd, clip, ownerMeta{
				melody: clip.Name, group: m.GroupPath, voice: m.VoiceName,
			})
			markOnce(clip, newlyFired)
		case types.SourceSequence:
			nested, ok := st.Sequences[clip.Name]
			if !ok {
				log.Printf("[SEQUENCE] nested sequence %q not found", clip.Name)
				continue
			}
			body := Materialize(nested, st, stack, firedOnce, newlyFired)
			if body == nil {
				continue
			}
			appendLooping(&events, body, clipStart, clipEnd, clip, ownerMeta{})
			markOnce(clip, newlyFired)
		case types.SourceFade:
			fd, ok := st.FadeDefs[clip.Name]
			if !ok {
				log.Printf("[SEQUENCE] fade %q not found for clip in %q", clip.Name, def.Name)
				continue
			}
			appendFades(&events, fd, clipStart, clipEnd, clip, def.Name)
		}
	}

	sortEvents(events)

	return &types.LoopBody{
		Name:      def.Name,
		Events:    events,
		LoopBeats: def.LoopBeats,
	}
}

type ownerMeta struct {
	pattern, melody, group, voice string
}

func markOnce(clip *types.Clip, newlyFired *[]string) {
	if clip.Mode == types.ClipOnce {
		*newlyFired = append(*newlyFired, clip.ID())
	}
}

func iterationCap(clip *types.Clip) int {
	switch clip.Mode {
	case types.ClipOnce:
		return 1
	case types.ClipLoopN:
		if clip.Count > 0 {
			return clip.Count
		}
		return 0
	}
	return -1 // unbounded
}

// appendLooping lays repeated instances of a source body into the clip
// window, shifting each instance by the body's phase offset and stamping
// owner metadata onto events that do not carry their own.
func appendLooping(dest *[]types.BeatEvent, body *types.LoopBody, clipStart, clipEnd float64, clip *types.Clip, meta ownerMeta) {
	if body.LoopBeats <= epsilon {
		return
	}
	capN := iterationCap(clip)
	for n := 0; capN < 0 || n < capN; n++ {
		iterStart := clipStart + float64(n)*body.LoopBeats
		if iterStart >= clipEnd-epsilon {
			break
		}
		for _, ev := range body.Events {
			beat := iterStart + body.PhaseOffset + ev.Beat
			if beat+epsilon >= clipEnd {
				continue
			}
			if ev.PatternName == "" {
				ev.PatternName = meta.pattern
			}
			if ev.MelodyName == "" {
				ev.MelodyName = meta.melody
			}
			if ev.GroupPath == "" {
				ev.GroupPath = meta.group
			}
			if ev.VoiceName == "" {
				ev.VoiceName = meta.voice
			}
			ev.Beat = beat
			ev.Controls = append([]types.Control(nil), ev.Controls...)
			*dest = append(*dest, ev)
		}
	}
}

// appendFades emits one fade-start pseudo-event per iteration of the fade's
// duration inside the clip window.
func appendFades(dest *[]types.BeatEvent, fd *types.FadeDefinition, clipStart, clipEnd float64, clip *types.Clip, seqName string) {
	if fd.DurationBeats <= epsilon {
		return
	}
	capN := iterationCap(clip)
	for n := 0; capN < 0 || n < capN; n++ {
		start := clipStart + float64(n)*fd.DurationBeats
		if start >= clipEnd-epsilon {
			break
		}
		*dest = append(*dest, types.BeatEvent{
			Beat: start,
			Fade: &types.FadeClip{
				Name:          fd.Name,
				SequenceName:  seqName,
				Target:        fd.Target,
				TargetName:    fd.TargetName,
				ParamName:     fd.ParamName,
				From:          fd.From,
				To:            fd.To,
				DurationBeats: fd.DurationBeats,
			},
		})
	}
}

// sortEvents orders by beat with fades strictly before synth events at equal
// beats, so parameter updates land before the synths that must observe them.
func sortEvents(events []types.BeatEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := &events[i], &events[j]
		if math.Abs(a.Beat-b.Beat) > epsilon {
			return a.Beat < b.Beat
		}
		af, bf := a.IsFade(), b.IsFade()
		if af != bf {
			return af
		}
		return false
	})
}

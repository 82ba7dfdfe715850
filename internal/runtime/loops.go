package runtime

import (
	"log"
	"math"
	"time"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/supercollider"
	"github.com/schollz/colliderloop/internal/types"
)

func (t *thread) upsertLoop(kind types.LoopKind, name, groupPath, voiceName string, body types.LoopBody) {
	t.store.Write(func(s *state.State) {
		loops := s.Loops(kind)
		l, ok := loops[name]
		if !ok {
			l = state.NewLoop(name, groupPath, voiceName)
			loops[name] = l
		}
		b := body
		l.Body = &b
		l.GroupPath = groupPath
		l.VoiceName = voiceName
		l.Generation = s.ReloadGeneration
	})
}

func (t *thread) setLoopParam(kind types.LoopKind, name, param string, value float32) {
	t.store.Write(func(s *state.State) {
		if l, ok := s.Loops(kind)[name]; ok {
			l.Params[param] = value
		}
	})
}

// queueLoopStart quantizes the start to the next multiple of the
// quantization grid and marks the loop playing from that beat.
func (t *thread) queueLoopStart(kind types.LoopKind, name string) {
	quantization := 1.0
	t.store.Read(func(s *state.State) { quantization = s.QuantizationBeats })
	currentBeat := t.clock.BeatAt(time.Now())
	nextBeat := math.Max(math.Ceil(currentBeat/quantization)*quantization, 0)

	t.store.Write(func(s *state.State) {
		l, ok := s.Loops(kind)[name]
		if !ok {
			log.Printf("%s %q not found", kind, name)
			return
		}
		log.Printf("starting %s %q at beat %v", kind, name, nextBeat)
		l.Status = types.LoopStatus{State: types.LoopPlaying, Beat: nextBeat}
	})
}

func (t *thread) stopLoop(kind types.LoopKind, name string) {
	t.store.Write(func(s *state.State) {
		if l, ok := s.Loops(kind)[name]; ok {
			l.Status = types.LoopStatus{State: types.LoopStopped}
		}
	})
}

// handleStartSequence is idempotent: a running sequence keeps its anchor and
// fired-once set, otherwise a fresh entry starts at the next quantized beat.
func (t *thread) handleStartSequence(name string) {
	running := false
	quantization := 1.0
	t.store.Read(func(s *state.State) {
		_, running = s.ActiveSequences[name]
		quantization = s.QuantizationBeats
	})
	if running {
		log.Printf("[SEQUENCE] %q already running, preserving anchor", name)
		return
	}

	currentBeat := t.clock.BeatAt(time.Now())
	anchorBeat := math.Max(math.Ceil(currentBeat/quantization)*quantization, 0)
	log.Printf("[SEQUENCE] starting %q at anchor beat %.2f", name, anchorBeat)

	t.store.Write(func(s *state.State) {
		s.ActiveSequences[name] = &state.ActiveSequence{
			AnchorBeat: anchorBeat,
			FiredOnce:  make(map[string]uint64),
		}
	})
}

// handleCreateSequence upserts the definition at the current generation. On
// replacement, synths originated by clips no longer present are released
// (gate=0) so edits cannot leave hanging notes, and pending fades authored
// by dropped fade clips are discarded.
func (t *thread) handleCreateSequence(def types.SequenceDefinition) {
	log.Printf("creating sequence %q with %d clips", def.Name, len(def.Clips))

	removedPatterns := map[string]bool{}
	removedMelodies := map[string]bool{}
	var oldFades []string
	t.store.Read(func(s *state.State) {
		old, ok := s.Sequences[def.Name]
		if !ok {
			return
		}
		newPatterns := map[string]bool{}
		newMelodies := map[string]bool{}
		newFades := map[string]bool{}
		for i := range def.Clips {
			switch def.Clips[i].Source {
			case types.SourcePattern:
				newPatterns[def.Clips[i].Name] = true
			case types.SourceMelody:
				newMelodies[def.Clips[i].Name] = true
			case types.SourceFade:
				newFades[def.Clips[i].Name] = true
			}
		}
		for i := range old.Clips {
			clip := &old.Clips[i]
			switch clip.Source {
			case types.SourcePattern:
				if !newPatterns[clip.Name] {
					removedPatterns[clip.Name] = true
				}
			case types.SourceMelody:
				if !newMelodies[clip.Name] {
					removedMelodies[clip.Name] = true
				}
			case types.SourceFade:
				if !newFades[clip.Name] {
					oldFades = append(oldFades, clip.Name)
				}
			}
		}
	})

	// Release live synths originated by removed clips before the gate goes
	// out, so fade automation cannot touch them afterwards.
	if len(removedPatterns) > 0 || len(removedMelodies) > 0 {
		var toRelease []int32
		t.store.Write(func(s *state.State) {
			for id, synth := range s.ActiveSynths {
				hit := false
				for p := range synth.PatternNames {
					if removedPatterns[p] {
						hit = true
					}
				}
				for m := range synth.MelodyNames {
					if removedMelodies[m] {
						hit = true
					}
				}
				if hit {
					toRelease = append(toRelease, id)
				}
			}
			released := make(map[int32]bool, len(toRelease))
			for _, id := range toRelease {
				delete(s.ActiveSynths, id)
				delete(s.PendingNodes, id)
				released[id] = true
			}
			for _, v := range s.Voices {
				for note, ids := range v.ActiveNotes {
					kept := ids[:0]
					for _, id := range ids {
						if !released[id] {
							kept = append(kept, id)
						}
					}
					if len(kept) == 0 {
						delete(v.ActiveNotes, note)
					} else {
						v.ActiveNotes[note] = kept
					}
				}
			}
		})
		if len(toRelease) > 0 {
			log.Printf("[SEQUENCE] releasing %d synths from removed clips", len(toRelease))
			for _, id := range toRelease {
				t.conn.NSet(id, supercollider.Control{Name: "gate", Value: 0})
			}
		}
	}

	t.store.Write(func(s *state.State) {
		if len(oldFades) > 0 {
			kept := s.Fades[:0]
			for _, fade := range s.Fades {
				stale := false
				for _, fadeName := range oldFades {
					fd, ok := s.FadeDefs[fadeName]
					if ok && fd.TargetName == fade.TargetName &&
						fd.ParamName == fade.ParamName && fd.Target == fade.Target {
						stale = true
						break
					}
				}
				if !stale {
					kept = append(kept, fade)
				}
			}
			if removed := len(s.Fades) - len(kept); removed > 0 {
				log.Printf("[SEQUENCE] removed %d stale fades from old %q", removed, def.Name)
			}
			s.Fades = kept
		}

		d := def
		d.Generation = s.ReloadGeneration
		s.Sequences[d.Name] = &d
	})
}

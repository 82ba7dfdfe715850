package runtime

import (
	"log"
	"time"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/types"
)

// startFadeClip begins a parameter ramp. The target's parameter map is set
// to the fade's start value right away so synths created at the same beat
// observe it; existing nodes are driven by updateFades on subsequent ticks
// (the s_new for same-bundle synths has not gone live on the server yet, so
// no n_set is sent here).
func (t *thread) startFadeClip(clip types.FadeClip, now time.Time) {
	log.Printf("[FADE] starting %q on %s %s:%s from %v to %v over %v beats",
		clip.Name, clip.Target, clip.TargetName, clip.ParamName, clip.From, clip.To, clip.DurationBeats)

	tempo := 120.0
	t.store.Read(func(s *state.State) { tempo = s.Tempo })
	durationSecs := clip.DurationBeats * 60.0 / tempo

	t.store.Write(func(s *state.State) {
		setTargetParam(s, clip.Target, clip.TargetName, clip.ParamName, clip.From)
		s.Fades = append(s.Fades, &state.ActiveFade{
			Target:       clip.Target,
			TargetName:   clip.TargetName,
			ParamName:    clip.ParamName,
			From:         clip.From,
			To:           clip.To,
			StartTime:    now,
			DurationSecs: durationSecs,
		})
	})
}

func setTargetParam(s *state.State, target types.FadeTarget, name, param string, value float32) {
	switch target {
	case types.FadeGroup:
		if g, ok := s.Groups[name]; ok {
			g.Params[param] = value
		}
	case types.FadeVoice:
		if v, ok := s.Voices[name]; ok {
			v.Params[param] = value
		}
	case types.FadePattern:
		if p, ok := s.Patterns[name]; ok {
			p.Params[param] = value
		}
	case types.FadeMelody:
		if m, ok := s.Melodies[name]; ok {
			m.Params[param] = value
		}
	case types.FadeEffect:
		if e, ok := s.Effects[name]; ok {
			e.Params[param] = value
		}
	}
}

// updateFades advances every active fade by linear interpolation over
// elapsed wall seconds, applying only values that changed since the last
// tick. Completed fades are dropped.
func (t *thread) updateFades(now time.Time) {
	type update struct {
		target types.FadeTarget
		name   string
		param  string
		value  float32
	}
	var updates []update

	t.store.Write(func(s *state.State) {
		kept := s.Fades[:0]
		for _, fade := range s.Fades {
			if fade.Completed {
				continue
			}
			elapsed := now.Sub(fade.StartTime).Seconds()
			if elapsed < fade.DelaySeconds {
				kept = append(kept, fade)
				continue
			}
			progress := 1.0
			if fade.DurationSecs > 0 {
				progress = (elapsed - fade.DelaySeconds) / fade.DurationSecs
				if progress > 1 {
					progress = 1
				}
			}
			value := fade.From + (fade.To-fade.From)*float32(progress)
			if !fade.HasLast || fade.LastValue != value {
				fade.LastValue = value
				fade.HasLast = true
				updates = append(updates, update{fade.Target, fade.TargetName, fade.ParamName, value})
			}
			if progress >= 1 {
				fade.Completed = true
				continue
			}
			kept = append(kept, fade)
		}
		s.Fades = kept
	})

	for _, u := range updates {
		t.applyFadeValue(u.target, u.name, u.param, u.value)
	}
}

// applyFadeValue writes the interpolated value into the target's parameter
// map. Voice fades push n_set to every node in the voice's active notes and
// effect fades push n_set to the effect's node; group, pattern and melody
// fades only update the stored parameter and send no n_set to running
// synths. n_set may hit a node that is pending or already gone on the
// server; the resulting /fail is logged and ignored.
func (t *thread) applyFadeValue(target types.FadeTarget, name, param string, value float32) {
	switch target {
	case types.FadeGroup:
		t.handleSetGroupParam(name, param, value)
	case types.FadeVoice:
		var nodeIDs []int32
		t.store.Write(func(s *state.State) {
			if v, ok := s.Voices[name]; ok {
				v.Params[param] = value
				for _, ids := range v.ActiveNotes {
					nodeIDs = append(nodeIDs, ids...)
				}
			}
		})
		for _, id := range nodeIDs {
			t.conn.NSet(id, scControl(param, value))
		}
	case types.FadePattern, types.FadeMelody:
		t.store.Write(func(s *state.State) {
			setTargetParam(s, target, name, param, value)
		})
	case types.FadeEffect:
		var nodeID int32
		t.store.Write(func(s *state.State) {
			if e, ok := s.Effects[name]; ok {
				e.Params[param] = value
				nodeID = e.NodeID
			}
		})
		if nodeID != 0 {
			t.conn.NSet(nodeID, scControl(param, value))
		}
	}
}

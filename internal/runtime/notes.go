package runtime

import (
	"log"
	"math"
	"sort"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/supercollider"
	"github.com/schollz/colliderloop/internal/types"
)

// Placeholder synthdef names that resolve through the event's voice.
func isVoicePlaceholder(synthDef string) bool {
	return synthDef == "" || synthDef == "trigger" || synthDef == "melody_note"
}

func noteFromFreq(freq float64) uint8 {
	if freq <= 0 {
		return 69
	}
	n := math.Round(69 + 12*math.Log2(freq/440.0))
	if n < 0 {
		n = 0
	}
	if n > 127 {
		n = 127
	}
	return uint8(n)
}

func sortedParams(params map[string]float32) []types.Control {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]types.Control, 0, len(names))
	for _, k := range names {
		out = append(out, types.Control{Name: k, Value: params[k]})
	}
	return out
}

// buildSynthMessage composes the final parameter set for one DSP-start
// event and allocates + tracks its node. The amp layers multiply:
// final_amp = event_amp x voice_gain x voice_params[amp] x group_params[amp]
// with missing layers treated as 1.0. A gate value > 0 is a duration in
// beats on our side but goes over the wire as gate=1.
func (t *thread) buildSynthMessage(ev *types.BeatEvent, liveTime time.Time) (*osc.Message, *noteOffInfo) {
	freq := 440.0
	if f, ok := types.FindControl(ev.Controls, "freq"); ok {
		freq = float64(f)
	}
	note := noteFromFreq(freq)
	velocity := uint8(100)
	if a, ok := types.FindControl(ev.Controls, "amp"); ok {
		v := a * 127
		if v < 0 {
			v = 0
		}
		if v > 127 {
			v = 127
		}
		velocity = uint8(v)
	}

	synthDef := ev.SynthDef
	var merged []supercollider.Control
	var nodeID int32
	var off *noteOffInfo
	var builtMsg *osc.Message

	t.store.Write(func(s *state.State) {
		voiceParams := map[string]float32{}
		voiceGain := 1.0
		voiceOut := int32(-1)
		var voice *state.Voice
		if ev.VoiceName != "" {
			if v, ok := s.Voices[ev.VoiceName]; ok {
				voice = v
				voiceParams = v.Params
				voiceGain = v.Gain
				voiceOut = v.OutputBus
				if isVoicePlaceholder(synthDef) && v.SynthName != "" {
					synthDef = v.SynthName
				}
			}
		}
		if synthDef == "" {
			synthDef = "default"
		}

		groupID := int32(1)
		audioBus := int32(0)
		groupParams := map[string]float32{}
		if ev.GroupPath != "" {
			if g, ok := s.Groups[ev.GroupPath]; ok {
				groupID = g.NodeID
				audioBus = g.AudioBus
				groupParams = g.Params
			}
		}

		for _, c := range sortedParams(voiceParams) {
			if c.Name != "amp" {
				merged = append(merged, supercollider.Control{Name: c.Name, Value: c.Value})
			}
		}
		for _, c := range sortedParams(groupParams) {
			if c.Name != "amp" {
				merged = append(merged, supercollider.Control{Name: c.Name, Value: c.Value})
			}
		}

		outBus := audioBus
		if voiceOut >= 0 {
			outBus = voiceOut
		}
		merged = append(merged, supercollider.Control{Name: "out", Value: float32(outBus)})

		eventAmp := float32(1.0)
		if a, ok := types.FindControl(ev.Controls, "amp"); ok {
			eventAmp = a
		}
		voiceAmp := float32(1.0)
		if a, ok := voiceParams["amp"]; ok {
			voiceAmp = a
		}
		groupAmp := float32(1.0)
		if a, ok := groupParams["amp"]; ok {
			groupAmp = a
		}
		finalAmp := eventAmp * float32(voiceGain) * voiceAmp * groupAmp
		merged = append(merged, supercollider.Control{Name: "amp", Value: finalAmp})

		gateDuration := 0.0
		for _, c := range ev.Controls {
			switch c.Name {
			case "amp":
				continue
			case "gate":
				if c.Value > 0 {
					gateDuration = float64(c.Value)
					merged = append(merged, supercollider.Control{Name: "gate", Value: 1})
					continue
				}
				merged = append(merged, supercollider.Control{Name: c.Name, Value: c.Value})
			default:
				merged = append(merged, supercollider.Control{Name: c.Name, Value: c.Value})
			}
		}

		// Sampler voices additionally get a buffer and playback rate, and the
		// patch variant follows the buffer's channel count.
		if voice != nil && voice.Instrument != "" {
			if inst, ok := s.Instruments[voice.Instrument]; ok {
				region := inst.Match(note, velocity, voice.RoundRobin)
				if region == nil {
					log.Printf("[SAMPLER] no matching region for note %d velocity %d in %q", note, velocity, voice.Instrument)
				} else {
					merged = append(merged, supercollider.Control{Name: "bufnum", Value: float32(region.BufferID)})
					merged = append(merged, supercollider.Control{Name: "rate", Value: region.PlaybackRate(note)})
					synthDef = region.SynthDefFor()
				}
			}
		}

		nodeID = s.AllocateSynthNode()

		active := &state.ActiveSynth{
			NodeID:       nodeID,
			GroupPaths:   map[string]struct{}{},
			VoiceNames:   map[string]struct{}{},
			PatternNames: map[string]struct{}{},
			MelodyNames:  map[string]struct{}{},
		}
		if ev.GroupPath != "" {
			active.GroupPaths[ev.GroupPath] = struct{}{}
		}
		if ev.VoiceName != "" {
			active.VoiceNames[ev.VoiceName] = struct{}{}
		}
		if ev.PatternName != "" {
			active.PatternNames[ev.PatternName] = struct{}{}
		}
		if ev.MelodyName != "" {
			active.MelodyNames[ev.MelodyName] = struct{}{}
		}
		s.ActiveSynths[nodeID] = active
		s.PendingNodes[nodeID] = liveTime

		if voice != nil {
			voice.ActiveNotes[note] = append(voice.ActiveNotes[note], nodeID)
		}

		if gateDuration > 0 && ev.VoiceName != "" {
			off = &noteOffInfo{voiceName: ev.VoiceName, note: note, nodeID: nodeID, duration: gateDuration}
		}

		groupTarget := groupID
		// AddToHead so voices execute before the group's effects
		msg := supercollider.SNewMessage(synthDef, nodeID, supercollider.AddToHead, groupTarget, merged)
		builtMsg = msg
	})

	return builtMsg, off
}

// handleTriggerVoice fires a voice once, immediately, outside the bundle
// path: defaults merged with overrides, node targeted at the head of the
// voice's group.
func (t *thread) handleTriggerVoice(msg TriggerVoice) {
	var (
		found     bool
		synthName string
		groupPath string
		gain      float64
		params    map[string]float32
	)
	t.store.Read(func(s *state.State) {
		v, ok := s.Voices[msg.Name]
		if !ok {
			return
		}
		found = true
		synthName = v.SynthName
		groupPath = v.GroupPath
		gain = v.Gain
		params = make(map[string]float32, len(v.Params))
		for k, val := range v.Params {
			params[k] = val
		}
	})
	if !found {
		log.Printf("voice %q not found", msg.Name)
		return
	}

	synthDef := msg.SynthName
	if synthDef == "" {
		synthDef = synthName
	}
	if synthDef == "" {
		synthDef = "default"
	}
	group := msg.GroupPath
	if group == "" {
		group = groupPath
	}

	groupID := int32(1)
	audioBus := int32(0)
	t.store.Read(func(s *state.State) {
		if g, ok := s.Groups[group]; ok {
			groupID = g.NodeID
			audioBus = g.AudioBus
		}
	})

	var controls []supercollider.Control
	for _, c := range sortedParams(params) {
		controls = append(controls, supercollider.Control{Name: c.Name, Value: c.Value})
	}
	controls = append(controls, supercollider.Control{Name: "amp", Value: float32(gain)})
	controls = append(controls, supercollider.Control{Name: "out", Value: float32(audioBus)})
	for _, c := range msg.Params {
		controls = append(controls, supercollider.Control{Name: c.Name, Value: c.Value})
	}

	var nodeID int32
	t.store.Write(func(s *state.State) {
		nodeID = s.AllocateSynthNode()
		s.ActiveSynths[nodeID] = &state.ActiveSynth{
			NodeID:       nodeID,
			GroupPaths:   map[string]struct{}{group: {}},
			VoiceNames:   map[string]struct{}{msg.Name: {}},
			PatternNames: map[string]struct{}{},
			MelodyNames:  map[string]struct{}{},
		}
	})

	if err := t.conn.SNew(synthDef, nodeID, supercollider.AddToHead, groupID, controls...); err != nil {
		log.Printf("trigger voice %q: %v", msg.Name, err)
	}
}

func (t *thread) handleNoteOn(msg NoteOn) {
	freq := 440.0 * math.Pow(2, (float64(msg.Note)-69.0)/12.0)
	params := []types.Control{
		{Name: "note", Value: float32(msg.Note)},
		{Name: "freq", Value: float32(freq)},
		{Name: "velocity", Value: float32(msg.Velocity) / 127.0},
		{Name: "gate", Value: 1},
	}
	t.handleTriggerVoice(TriggerVoice{Name: msg.VoiceName, Params: params})

	if msg.Duration > 0 {
		currentBeat := t.clock.BeatAt(time.Now())
		t.store.Write(func(s *state.State) {
			s.ScheduledNoteOffs = append(s.ScheduledNoteOffs, state.ScheduledNoteOff{
				Beat:      currentBeat + msg.Duration,
				VoiceName: msg.VoiceName,
				Note:      msg.Note,
			})
		})
	}
}

// handleNoteOff releases either one specific node or every live synth
// labelled with the voice. Bookkeeping is removed before gate=0 goes out so
// fade automation cannot touch a node that is on its way down.
func (t *thread) handleNoteOff(voiceName string, note uint8, nodeID int32) {
	if nodeID != 0 {
		t.store.Write(func(s *state.State) {
			delete(s.ActiveSynths, nodeID)
			delete(s.PendingNodes, nodeID)
			if v, ok := s.Voices[voiceName]; ok {
				ids := v.ActiveNotes[note]
				kept := ids[:0]
				for _, id := range ids {
					if id != nodeID {
						kept = append(kept, id)
					}
				}
				if len(kept) == 0 {
					delete(v.ActiveNotes, note)
				} else {
					v.ActiveNotes[note] = kept
				}
			}
		})
		t.conn.NSet(nodeID, supercollider.Control{Name: "gate", Value: 0})
		return
	}

	var toRelease []int32
	t.store.Write(func(s *state.State) {
		for id, synth := range s.ActiveSynths {
			if _, ok := synth.VoiceNames[voiceName]; ok {
				toRelease = append(toRelease, id)
			}
		}
		for _, id := range toRelease {
			delete(s.ActiveSynths, id)
			delete(s.PendingNodes, id)
		}
		if v, ok := s.Voices[voiceName]; ok {
			v.ActiveNotes = make(map[uint8][]int32)
		}
	})

	for _, id := range toRelease {
		t.conn.NSet(id, supercollider.Control{Name: "gate", Value: 0})
	}
}

func (t *thread) processScheduledNoteOffs(currentBeat float64) {
	var due []state.ScheduledNoteOff
	t.store.Write(func(s *state.State) {
		kept := s.ScheduledNoteOffs[:0]
		for _, off := range s.ScheduledNoteOffs {
			if off.Beat <= currentBeat {
				due = append(due, off)
			} else {
				kept = append(kept, off)
			}
		}
		s.ScheduledNoteOffs = kept
	})

	for _, off := range due {
		t.handleNoteOff(off.VoiceName, off.Note, off.NodeID)
	}
}

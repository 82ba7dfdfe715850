package runtime

import (
	"log"
	"time"

	"github.com/schollz/colliderloop/internal/midiconnector"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/synthdef"
	"github.com/schollz/colliderloop/internal/types"
)

// maxSequenceRuns bounds the sequence-start journal.
const maxSequenceRuns = 128

func (t *thread) handleMessage(msg Message) {
	switch m := msg.(type) {

	// === Transport ===
	case SetBpm:
		now := time.Now()
		t.clock.SetBPM(m.BPM, now)
		t.store.Write(func(s *state.State) { s.Tempo = m.BPM })
	case SetQuantization:
		t.store.Write(func(s *state.State) {
			if m.Beats > epsilon {
				s.QuantizationBeats = m.Beats
			}
		})
	case SetTimeSignature:
		now := time.Now()
		t.clock.SetTimeSignature(m.Num, m.Den, now)
		t.store.Write(func(s *state.State) {
			s.TimeSigNum = m.Num
			s.TimeSigDen = m.Den
		})
	case StartScheduler:
		now := time.Now()
		t.clock.Start(now)
		t.sched.Reset()
		beat := t.clock.BeatAt(now)
		t.store.Write(func(s *state.State) {
			s.TransportRunning = true
			s.CurrentBeat = beat
		})
	case StopScheduler:
		t.clock.Stop(time.Now())
		t.store.Write(func(s *state.State) { s.TransportRunning = false })
	case SeekTransport:
		now := time.Now()
		beat := m.Beat
		if beat < 0 {
			beat = 0
		}
		t.clock.Seek(beat, now)
		t.sched.Reset()
		t.store.Write(func(s *state.State) { s.CurrentBeat = beat })
	case BeginReload:
		t.store.Write(func(s *state.State) { s.ReloadGeneration++ })
	case SetScrubMute:
		t.store.Write(func(s *state.State) { s.ScrubMuted = m.Muted })

	// === SynthDefs ===
	case LoadSynthDef:
		if name, err := synthdef.ParseName(m.Bytes); err != nil {
			log.Printf("synthdef %q has an unreadable header: %v", m.Name, err)
		} else if name != m.Name {
			log.Printf("synthdef blob is named %q, registered as %q", name, m.Name)
		}
		if err := t.conn.DRecv(m.Bytes); err != nil {
			log.Printf("failed to load synthdef %q: %v", m.Name, err)
			return
		}
		t.store.Write(func(s *state.State) {
			s.SynthDefs[m.Name] = s.ReloadGeneration
		})

	// === Groups ===
	case RegisterGroup:
		t.handleRegisterGroup(m)
	case UnregisterGroup:
		t.store.Write(func(s *state.State) { delete(s.Groups, m.Path) })
	case SetGroupParam:
		t.handleSetGroupParam(m.Path, m.Param, m.Value)
	case MuteGroup:
		t.setGroupRunState(m.Path, false)
	case UnmuteGroup:
		t.setGroupRunState(m.Path, true)
	case SoloGroup:
		t.store.Write(func(s *state.State) {
			if g, ok := s.Groups[m.Path]; ok {
				g.Soloed = m.Solo
			}
		})
	case FinalizeGroups:
		t.finalizeGroups()

	// === Voices ===
	case UpsertVoice:
		t.store.Write(func(s *state.State) {
			v, ok := s.Voices[m.Name]
			if !ok {
				v = state.NewVoice(m.Name, m.GroupPath)
				s.Voices[m.Name] = v
			}
			v.GroupPath = m.GroupPath
			v.SynthName = m.SynthName
			v.Polyphony = m.Polyphony
			v.Gain = m.Gain
			v.Muted = m.Muted
			v.Soloed = m.Soloed
			v.OutputBus = m.OutputBus
			if m.Params != nil {
				v.Params = m.Params
			}
			v.Instrument = m.Instrument
		})
	case DeleteVoice:
		t.store.Write(func(s *state.State) { delete(s.Voices, m.Name) })
	case SetVoiceParam:
		t.store.Write(func(s *state.State) {
			if v, ok := s.Voices[m.Name]; ok {
				v.Params[m.Param] = m.Value
			}
		})
	case TriggerVoice:
		t.handleTriggerVoice(m)
	case NoteOn:
		t.handleNoteOn(m)
	case NoteOff:
		t.handleNoteOff(m.VoiceName, m.Note, m.NodeID)

	// === Patterns ===
	case CreatePattern:
		t.upsertLoop(types.KindPattern, m.Name, m.GroupPath, m.VoiceName, m.Body)
	case DeletePattern:
		t.store.Write(func(s *state.State) { delete(s.Patterns, m.Name) })
	case SetPatternParam:
		t.setLoopParam(types.KindPattern, m.Name, m.Param, m.Value)
	case StartPattern:
		t.queueLoopStart(types.KindPattern, m.Name)
	case StopPattern:
		t.stopLoop(types.KindPattern, m.Name)

	// === Melodies ===
	case CreateMelody:
		t.upsertLoop(types.KindMelody, m.Name, m.GroupPath, m.VoiceName, m.Body)
	case DeleteMelody:
		t.store.Write(func(s *state.State) { delete(s.Melodies, m.Name) })
	case SetMelodyParam:
		t.setLoopParam(types.KindMelody, m.Name, m.Param, m.Value)
	case StartMelody:
		t.queueLoopStart(types.KindMelody, m.Name)
	case StopMelody:
		t.stopLoop(types.KindMelody, m.Name)

	// === Sequences ===
	case CreateSequence:
		t.handleCreateSequence(m.Definition)
	case StartSequence:
		t.handleStartSequence(m.Name)
	case StopSequence:
		t.store.Write(func(s *state.State) { delete(s.ActiveSequences, m.Name) })
	case DeleteSequence:
		t.store.Write(func(s *state.State) {
			delete(s.Sequences, m.Name)
			delete(s.ActiveSequences, m.Name)
		})

	// === Fades ===
	case CreateFadeDefinition:
		t.store.Write(func(s *state.State) {
			def := m.Definition
			s.FadeDefs[def.Name] = &def
		})
	case FadeParam:
		t.startFadeClip(types.FadeClip{
			Target:        m.Target,
			TargetName:    m.TargetName,
			ParamName:     m.Param,
			From:          m.From,
			To:            m.To,
			DurationBeats: m.DurationBeats,
		}, time.Now())

	// === Effects ===
	case AddEffect:
		t.handleAddEffect(m)
	case RemoveEffect:
		var nodeID int32
		t.store.Write(func(s *state.State) {
			if e, ok := s.Effects[m.ID]; ok {
				nodeID = e.NodeID
				delete(s.Effects, m.ID)
			}
		})
		if nodeID != 0 {
			t.conn.NFree(nodeID)
		}
	case SetEffectParam:
		var nodeID int32
		t.store.Write(func(s *state.State) {
			if e, ok := s.Effects[m.ID]; ok {
				e.Params[m.Param] = m.Value
				nodeID = e.NodeID
			}
		})
		if nodeID != 0 {
			t.conn.NSet(nodeID, scControl(m.Param, m.Value))
		}

	// === Samples ===
	case LoadSample:
		path := m.ResolvedPath
		if path == "" {
			path = m.Path
		}
		t.handleLoadSample(m.ID, path)
	case FreeSample:
		var bufferID int32 = -1
		t.store.Write(func(s *state.State) {
			if smp, ok := s.Samples[m.ID]; ok {
				bufferID = smp.BufferID
				delete(s.Samples, m.ID)
			}
		})
		if bufferID >= 0 {
			t.conn.BFree(bufferID)
		}
	case LoadSfzInstrument:
		t.handleLoadInstrument(m.ID, m.Path)

	// === MIDI devices ===
	case RegisterMidiDevice:
		dev, err := midiconnector.New(m.Name)
		if err != nil {
			log.Printf("[MIDI] device %q not found: %v", m.Name, err)
			return
		}
		if err := dev.Open(); err != nil {
			log.Printf("[MIDI] open %q: %v", m.Name, err)
			return
		}
		if old, ok := t.midiDevices[m.ID]; ok {
			old.CloseDevice()
		}
		t.midiDevices[m.ID] = dev
		t.bridge.RegisterDevice(m.ID, dev)
		log.Printf("[MIDI] registered device %d -> %s", m.ID, dev.Name())
	case UnregisterMidiDevice:
		if dev, ok := t.midiDevices[m.ID]; ok {
			dev.CloseDevice()
			delete(t.midiDevices, m.ID)
		}
		t.bridge.UnregisterDevice(m.ID)

	// === Events ===
	case ScheduleEvent:
		t.store.Write(func(s *state.State) {
			s.ScheduledEvents = append(s.ScheduledEvents, types.ScheduledEvent{
				Beat:  m.StartBeat,
				Event: m.Event,
			})
		})
	case RegisterSequenceRun:
		t.store.Write(func(s *state.State) {
			s.SequenceRuns = append(s.SequenceRuns, state.SequenceRun{
				Name:       m.Name,
				AnchorBeat: m.AnchorBeat,
				StartedAt:  time.Now(),
			})
			if len(s.SequenceRuns) > maxSequenceRuns {
				s.SequenceRuns = s.SequenceRuns[len(s.SequenceRuns)-maxSequenceRuns:]
			}
		})

	// === DSP-server feedback ===
	case NodeCreated:
		// Advisory only; node ids are authoritative on our side
	case NodeDestroyed:
		t.store.Write(func(s *state.State) {
			delete(s.ActiveSynths, m.NodeID)
			delete(s.PendingNodes, m.NodeID)
			for _, v := range s.Voices {
				for note, ids := range v.ActiveNotes {
					kept := ids[:0]
					for _, id := range ids {
						if id != m.NodeID {
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
	case BufferLoaded:
		t.store.Write(func(s *state.State) {
			for _, smp := range s.Samples {
				if smp.BufferID == m.BufferID {
					smp.Loaded = true
				}
			}
		})
	}
}

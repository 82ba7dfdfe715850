package runtime

import (
	"testing"
	"time"

	"github.com/hypebeast/go-osc/osc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schollz/colliderloop/internal/midibridge"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/supercollider"
	"github.com/schollz/colliderloop/internal/types"
)

// fakeCall is one recorded server command.
type fakeCall struct {
	op       string
	synthDef string
	node     int32
	action   int32
	target   int32
	controls map[string]float32
}

// fakeConn records everything the runtime sends instead of talking UDP.
type fakeConn struct {
	calls   []fakeCall
	bundles [][]fakeCall
	times   []time.Time
}

func (f *fakeConn) Notify(on bool) error        { return nil }
func (f *fakeConn) DRecv(bytes []byte) error    { f.calls = append(f.calls, fakeCall{op: "d_recv"}); return nil }
func (f *fakeConn) GFreeAll(groupID int32) error { return nil }
func (f *fakeConn) Close() error                { return nil }
func (f *fakeConn) TryRecv() osc.Packet         { return nil }

func (f *fakeConn) GNew(nodeID, addAction, target int32) error {
	f.calls = append(f.calls, fakeCall{op: "g_new", node: nodeID, action: addAction, target: target})
	return nil
}

func controlMap(controls []supercollider.Control) map[string]float32 {
	m := make(map[string]float32, len(controls))
	for _, c := range controls {
		m[c.Name] = c.Value
	}
	return m
}

func (f *fakeConn) SNew(synthDef string, nodeID, addAction, target int32, controls ...supercollider.Control) error {
	f.calls = append(f.calls, fakeCall{
		op: "s_new", synthDef: synthDef, node: nodeID, action: addAction, target: target,
		controls: controlMap(controls),
	})
	return nil
}

func (f *fakeConn) NSet(nodeID int32, controls ...supercollider.Control) error {
	f.calls = append(f.calls, fakeCall{op: "n_set", node: nodeID, controls: controlMap(controls)})
	return nil
}

func (f *fakeConn) NRun(nodeID int32, running bool) error {
	v := float32(0)
	if running {
		v = 1
	}
	f.calls = append(f.calls, fakeCall{op: "n_run", node: nodeID, controls: map[string]float32{"run": v}})
	return nil
}

func (f *fakeConn) NFree(nodeID int32) error {
	f.calls = append(f.calls, fakeCall{op: "n_free", node: nodeID})
	return nil
}

func (f *fakeConn) BAllocRead(bufNum int32, path string) error {
	f.calls = append(f.calls, fakeCall{op: "b_allocRead", node: bufNum, synthDef: path})
	return nil
}

func (f *fakeConn) BFree(bufNum int32) error {
	f.calls = append(f.calls, fakeCall{op: "b_free", node: bufNum})
	return nil
}

// SendBundle decodes the bundled /s_new messages back into fakeCalls.
func (f *fakeConn) SendBundle(t time.Time, msgs []*osc.Message) error {
	var decoded []fakeCall
	for _, m := range msgs {
		c := fakeCall{op: m.Address}
		if m.Address == "/s_new" && len(m.Arguments) >= 4 {
			c.synthDef = m.Arguments[0].(string)
			c.node = m.Arguments[1].(int32)
			c.action = m.Arguments[2].(int32)
			c.target = m.Arguments[3].(int32)
			c.controls = make(map[string]float32)
			for i := 4; i+1 < len(m.Arguments); i += 2 {
				name := m.Arguments[i].(string)
				value := m.Arguments[i+1].(float32)
				c.controls[name] = value
			}
		}
		decoded = append(decoded, c)
	}
	f.bundles = append(f.bundles, decoded)
	f.times = append(f.times, t)
	return nil
}

func (f *fakeConn) callsOf(op string) []fakeCall {
	var out []fakeCall
	for _, c := range f.calls {
		if c.op == op {
			out = append(out, c)
		}
	}
	return out
}

func newTestThread() (*thread, *fakeConn) {
	fc := &fakeConn{}
	th := newThread(fc, state.NewStore(), newQueue(), midibridge.New(), nil)
	return th, fc
}

func kickBody(gate float64) types.LoopBody {
	controls := []types.Control{{Name: "amp", Value: 1}}
	if gate > 0 {
		controls = append(controls, types.Control{Name: "gate", Value: float32(gate)})
	}
	return types.LoopBody{
		Name:      "p",
		Events:    []types.BeatEvent{{Beat: 0, SynthDef: "trigger", Controls: controls}},
		LoopBeats: 4,
	}
}

func TestRegisterGroupAllocates(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(RegisterGroup{Name: "main", Path: "main"})

	gnew := fc.callsOf("g_new")
	require.Len(t, gnew, 1)
	assert.Equal(t, int32(state.GroupNodeBase), gnew[0].node)
	assert.Equal(t, int32(supercollider.AddToTail), gnew[0].action)
	assert.Equal(t, int32(0), gnew[0].target)

	th.store.Read(func(s *state.State) {
		g := s.Groups["main"]
		require.NotNil(t, g)
		assert.Equal(t, int32(state.AudioBusBase), g.AudioBus)
	})

	// Re-registering the same path is a no-op
	th.handleMessage(RegisterGroup{Name: "main", Path: "main"})
	assert.Len(t, fc.callsOf("g_new"), 1)
}

func TestChildGroupTargetsParent(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(RegisterGroup{Name: "main", Path: "main"})
	th.handleMessage(RegisterGroup{Name: "drums", Path: "main.drums", ParentPath: "main"})

	gnew := fc.callsOf("g_new")
	require.Len(t, gnew, 2)
	assert.Equal(t, gnew[0].node, gnew[1].target)
}

// P4: final_amp is the full multiplication chain with missing layers at 1.0.
func TestAmpComposition(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 0.5, OutputBus: -1,
		Params: map[string]float32{"amp": 0.25, "cutoff": 800}})
	th.handleMessage(SetGroupParam{Path: "g", Param: "amp", Value: 0.5})

	ev := types.BeatEvent{
		SynthDef:  "trigger",
		VoiceName: "v",
		GroupPath: "g",
		Controls:  []types.Control{{Name: "amp", Value: 0.8}},
	}
	msg, off := th.buildSynthMessage(&ev, time.Now())
	require.NotNil(t, msg)
	assert.Nil(t, off)

	controls := decodeSNew(t, msg)
	expected := float32(0.8) * float32(0.5) * float32(0.25) * float32(0.5)
	assert.Equal(t, expected, controls["amp"])
	assert.Equal(t, float32(state.AudioBusBase), controls["out"])
	assert.Equal(t, float32(800), controls["cutoff"])
	assert.Equal(t, "beep", msg.Arguments[0].(string))
	assert.Equal(t, int32(supercollider.AddToHead), msg.Arguments[2].(int32))
}

func TestAmpCompositionMissingLayersDefaultToOne(t *testing.T) {
	th, _ := newTestThread()
	ev := types.BeatEvent{
		SynthDef: "ping",
		Controls: []types.Control{{Name: "amp", Value: 0.7}},
	}
	msg, _ := th.buildSynthMessage(&ev, time.Now())
	require.NotNil(t, msg)
	controls := decodeSNew(t, msg)
	assert.Equal(t, float32(0.7), controls["amp"])
}

func decodeSNew(t *testing.T, msg *osc.Message) map[string]float32 {
	t.Helper()
	require.Equal(t, "/s_new", msg.Address)
	controls := make(map[string]float32)
	for i := 4; i+1 < len(msg.Arguments); i += 2 {
		controls[msg.Arguments[i].(string)] = msg.Arguments[i+1].(float32)
	}
	return controls
}

// P6: a gate duration becomes gate=1 on the wire plus a note-off record.
func TestGateDurationSchedulesNoteOff(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})

	ev := types.BeatEvent{
		SynthDef:  "trigger",
		VoiceName: "v",
		Controls:  []types.Control{{Name: "gate", Value: 2.5}},
	}
	msg, off := th.buildSynthMessage(&ev, time.Now())
	require.NotNil(t, msg)
	controls := decodeSNew(t, msg)
	assert.Equal(t, float32(1), controls["gate"], "wire payload carries gate=1, not the duration")

	require.NotNil(t, off)
	assert.Equal(t, "v", off.voiceName)
	assert.InDelta(t, 2.5, off.duration, 1e-9)

	th.store.Read(func(s *state.State) {
		assert.Contains(t, s.ActiveSynths, off.nodeID)
		assert.Contains(t, s.PendingNodes, off.nodeID)
	})
}

func TestVoiceOutputBusOverride(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: 90})

	ev := types.BeatEvent{SynthDef: "trigger", VoiceName: "v", GroupPath: "g"}
	msg, _ := th.buildSynthMessage(&ev, time.Now())
	controls := decodeSNew(t, msg)
	assert.Equal(t, float32(90), controls["out"])
}

// E2: within one tick, a fade at the same beat applies before the synth
// event is packed, so the first bundle already carries the faded amp.
func TestFadeAppliesBeforeSynthInSameTick(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(SetQuantization{Beats: 0.001})
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1,
		Params: map[string]float32{"amp": 1}})
	th.handleMessage(CreatePattern{Name: "p", GroupPath: "g", VoiceName: "v", Body: kickBody(0)})
	th.handleMessage(CreateFadeDefinition{Definition: types.FadeDefinition{
		Name: "f", Target: types.FadeVoice, TargetName: "v", ParamName: "amp",
		From: 0, To: 1, DurationBeats: 4,
	}})
	th.handleMessage(CreateSequence{Definition: types.SequenceDefinition{
		Name:      "s",
		LoopBeats: 4,
		Clips: []types.Clip{
			{Start: 0, End: 4, Source: types.SourcePattern, Name: "p"},
			{Start: 0, End: 4, Source: types.SourceFade, Name: "f"},
		},
	}})
	th.handleMessage(StartScheduler{})
	th.handleMessage(StartSequence{Name: "s"})

	th.tick(time.Now())

	require.NotEmpty(t, fc.bundles, "the beat-0 events must have been bundled")
	first := fc.bundles[0]
	require.NotEmpty(t, first)
	assert.Equal(t, "/s_new", first[0].op)
	assert.Equal(t, "beep", first[0].synthDef)
	assert.Equal(t, float32(0), first[0].controls["amp"],
		"fade start value must be observed by same-beat synth events")

	th.store.Read(func(s *state.State) {
		require.Len(t, s.Fades, 1)
		assert.Equal(t, float32(0), s.Voices["v"].Params["amp"])
	})
}

// P7/E4: replacing a sequence with a definition that drops a clip releases
// every live synth that clip originated, bookkeeping first.
func TestCreateSequenceReleasesRemovedClips(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(SetQuantization{Beats: 0.001})
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})
	th.handleMessage(CreatePattern{Name: "noisy", GroupPath: "g", VoiceName: "v", Body: types.LoopBody{
		Name:      "noisy",
		Events:    []types.BeatEvent{{Beat: 0, SynthDef: "trigger", Controls: []types.Control{{Name: "amp", Value: 1}}}},
		LoopBeats: 4,
	}})
	th.handleMessage(CreateSequence{Definition: types.SequenceDefinition{
		Name:      "s",
		LoopBeats: 4,
		Clips:     []types.Clip{{Start: 0, End: 4, Source: types.SourcePattern, Name: "noisy"}},
	}})
	th.handleMessage(StartScheduler{})
	th.handleMessage(StartSequence{Name: "s"})
	th.tick(time.Now())

	var liveNodes []int32
	th.store.Read(func(s *state.State) {
		for id, synth := range s.ActiveSynths {
			if _, ok := synth.PatternNames["noisy"]; ok {
				liveNodes = append(liveNodes, id)
			}
		}
	})
	require.NotEmpty(t, liveNodes, "tick must have started a synth for the noisy clip")

	// New definition without the noisy clip
	th.handleMessage(CreateSequence{Definition: types.SequenceDefinition{
		Name:      "s",
		LoopBeats: 4,
		Clips:     []types.Clip{},
	}})

	released := map[int32]bool{}
	for _, c := range fc.callsOf("n_set") {
		if c.controls["gate"] == 0 {
			released[c.node] = true
		}
	}
	th.store.Read(func(s *state.State) {
		for _, id := range liveNodes {
			assert.True(t, released[id], "node %d must receive gate=0", id)
			assert.NotContains(t, s.ActiveSynths, id, "bookkeeping removed before the gate went out")
			assert.NotContains(t, s.PendingNodes, id)
		}
	})
}

func TestStartSequenceIsIdempotent(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(StartScheduler{})
	th.handleMessage(CreateSequence{Definition: types.SequenceDefinition{Name: "s", LoopBeats: 4}})
	th.handleMessage(StartSequence{Name: "s"})

	var anchor float64
	th.store.Write(func(s *state.State) {
		s.ActiveSequences["s"].FiredOnce["pattern:x"] = 3
		anchor = s.ActiveSequences["s"].AnchorBeat
	})

	th.handleMessage(StartSequence{Name: "s"})
	th.store.Read(func(s *state.State) {
		active := s.ActiveSequences["s"]
		assert.Equal(t, anchor, active.AnchorBeat)
		assert.Contains(t, active.FiredOnce, "pattern:x")
	})
}

func TestAddEffectIdempotent(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(AddEffect{ID: "e", SynthDef: "reverb", GroupPath: "g",
		Params: map[string]float32{"mix": 0.5}})

	snew := fc.callsOf("s_new")
	require.Len(t, snew, 1)
	assert.Equal(t, "reverb", snew[0].synthDef)
	assert.Equal(t, int32(supercollider.AddToTail), snew[0].action)
	assert.Equal(t, float32(state.AudioBusBase), snew[0].controls["__fx_bus_in"])

	// Identical add: no free, no recreate, only the changed param goes out
	th.handleMessage(AddEffect{ID: "e", SynthDef: "reverb", GroupPath: "g",
		Params: map[string]float32{"mix": 0.7}})
	assert.Len(t, fc.callsOf("s_new"), 1)
	assert.Empty(t, fc.callsOf("n_free"))
	nset := fc.callsOf("n_set")
	require.NotEmpty(t, nset)
	assert.Equal(t, float32(0.7), nset[len(nset)-1].controls["mix"])

	// Changed patch: old node freed, new one created
	th.handleMessage(AddEffect{ID: "e", SynthDef: "delay", GroupPath: "g", Params: nil})
	assert.Len(t, fc.callsOf("n_free"), 1)
	assert.Len(t, fc.callsOf("s_new"), 2)
}

func TestEffectChainOrder(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(RegisterGroup{Name: "g", Path: "g"})
	th.handleMessage(AddEffect{ID: "e1", SynthDef: "reverb", GroupPath: "g"})
	th.handleMessage(AddEffect{ID: "e2", SynthDef: "delay", GroupPath: "g"})

	snew := fc.callsOf("s_new")
	require.Len(t, snew, 2)
	// Second effect goes after the first, not at the group tail
	assert.Equal(t, int32(supercollider.AddAfter), snew[1].action)
	assert.Equal(t, snew[0].node, snew[1].target)
}

// P8: link synths land after every effect of their group, children before
// parents, child linking into the parent's bus.
func TestFinalizeGroups(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(RegisterGroup{Name: "main", Path: "main"})
	th.handleMessage(RegisterGroup{Name: "drums", Path: "main.drums", ParentPath: "main"})
	th.handleMessage(AddEffect{ID: "verb", SynthDef: "reverb", GroupPath: "main"})
	effectNode := fc.callsOf("s_new")[0].node

	var mainBus, drumsBus int32
	th.store.Read(func(s *state.State) {
		mainBus = s.Groups["main"].AudioBus
		drumsBus = s.Groups["main.drums"].AudioBus
	})

	th.handleMessage(FinalizeGroups{})

	var links []fakeCall
	for _, c := range fc.callsOf("s_new") {
		if c.synthDef == "system_link_audio" {
			links = append(links, c)
		}
	}
	require.Len(t, links, 2)

	// Child first: deeper path
	child, parent := links[0], links[1]
	assert.Equal(t, float32(drumsBus), child.controls["inbus"])
	assert.Equal(t, float32(mainBus), child.controls["outbus"])
	assert.Equal(t, int32(supercollider.AddToTail), child.action)

	assert.Equal(t, float32(mainBus), parent.controls["inbus"])
	assert.Equal(t, float32(0), parent.controls["outbus"])
	assert.Equal(t, int32(supercollider.AddAfter), parent.action)
	assert.Equal(t, effectNode, parent.target)

	// Finalize is one-shot per group
	th.handleMessage(FinalizeGroups{})
	count := 0
	for _, c := range fc.callsOf("s_new") {
		if c.synthDef == "system_link_audio" {
			count++
		}
	}
	assert.Equal(t, 2, count)
}

func TestNoteOffReleasesAllVoiceNodes(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})
	th.handleMessage(TriggerVoice{Name: "v"})
	th.handleMessage(TriggerVoice{Name: "v"})

	var nodes []int32
	th.store.Read(func(s *state.State) {
		for id := range s.ActiveSynths {
			nodes = append(nodes, id)
		}
	})
	require.Len(t, nodes, 2)

	th.handleMessage(NoteOff{VoiceName: "v", Note: 60})

	released := map[int32]bool{}
	for _, c := range fc.callsOf("n_set") {
		if c.controls["gate"] == 0 {
			released[c.node] = true
		}
	}
	th.store.Read(func(s *state.State) {
		assert.Empty(t, s.ActiveSynths)
	})
	for _, id := range nodes {
		assert.True(t, released[id])
	}
}

func TestNodeDestroyedCleansBookkeeping(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})

	ev := types.BeatEvent{SynthDef: "trigger", VoiceName: "v"}
	msg, _ := th.buildSynthMessage(&ev, time.Now())
	require.NotNil(t, msg)
	nodeID := msg.Arguments[1].(int32)

	th.handleMessage(NodeDestroyed{NodeID: nodeID})
	th.store.Read(func(s *state.State) {
		assert.NotContains(t, s.ActiveSynths, nodeID)
		assert.NotContains(t, s.PendingNodes, nodeID)
		for _, ids := range s.Voices["v"].ActiveNotes {
			assert.NotContains(t, ids, nodeID)
		}
	})
}

func TestScheduledEventFiresOnce(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(StartScheduler{})
	th.handleMessage(ScheduleEvent{
		Event:     types.BeatEvent{SynthDef: "ping", Controls: []types.Control{{Name: "amp", Value: 1}}},
		StartBeat: 0.1,
	})

	now := time.Now()
	th.tick(now)
	require.Len(t, fc.bundles, 1)
	assert.Equal(t, "ping", fc.bundles[0][0].synthDef)

	th.tick(now)
	assert.Len(t, fc.bundles, 1, "repeated ticks at the same instant emit nothing new")
}

func TestScrubMuteDropsBundles(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(StartScheduler{})
	th.handleMessage(SetScrubMute{Muted: true})
	th.handleMessage(ScheduleEvent{
		Event:     types.BeatEvent{SynthDef: "ping"},
		StartBeat: 0.1,
	})
	th.tick(time.Now())
	assert.Empty(t, fc.bundles)
}

func TestSeekResetsSchedulerBookkeeping(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(SetQuantization{Beats: 0.001})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})
	th.handleMessage(CreatePattern{Name: "p", GroupPath: "", VoiceName: "v", Body: kickBody(0)})
	th.handleMessage(StartScheduler{})
	th.handleMessage(StartPattern{Name: "p"})

	th.tick(time.Now())
	require.Len(t, fc.bundles, 1)

	th.handleMessage(SeekTransport{Beat: 0})
	th.tick(time.Now())
	assert.Len(t, fc.bundles, 2, "after a seek to 0 the beat-0 events are emitted again")
}

func TestBeginReloadBumpsGeneration(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(BeginReload{})
	th.handleMessage(CreatePattern{Name: "p", VoiceName: "v", Body: kickBody(0)})
	th.handleMessage(BeginReload{})
	th.handleMessage(CreatePattern{Name: "q", VoiceName: "v", Body: kickBody(0)})

	th.store.Read(func(s *state.State) {
		assert.Equal(t, uint64(2), s.ReloadGeneration)
		assert.Equal(t, uint64(1), s.Patterns["p"].Generation)
		assert.Equal(t, uint64(2), s.Patterns["q"].Generation)
	})
}

func TestUpdateFadesInterpolatesAndPushesNSet(t *testing.T) {
	th, fc := newTestThread()
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})

	// A live node for the voice so the fade has something to drive
	ev := types.BeatEvent{SynthDef: "trigger", VoiceName: "v"}
	msg, _ := th.buildSynthMessage(&ev, time.Now())
	nodeID := msg.Arguments[1].(int32)

	start := time.Now()
	th.handleMessage(SetBpm{BPM: 120})
	clip := types.FadeClip{Name: "f", Target: types.FadeVoice, TargetName: "v", ParamName: "amp",
		From: 0, To: 1, DurationBeats: 4} // 2 seconds at 120 BPM
	th.startFadeClip(clip, start)

	th.store.Read(func(s *state.State) {
		assert.Equal(t, float32(0), s.Voices["v"].Params["amp"])
	})

	th.updateFades(start.Add(time.Second)) // halfway
	nset := fc.callsOf("n_set")
	require.NotEmpty(t, nset)
	last := nset[len(nset)-1]
	assert.Equal(t, nodeID, last.node)
	assert.InDelta(t, 0.5, float64(last.controls["amp"]), 1e-3)

	th.updateFades(start.Add(3 * time.Second)) // past the end
	th.store.Read(func(s *state.State) {
		assert.Empty(t, s.Fades, "completed fades are dropped")
		assert.Equal(t, float32(1), s.Voices["v"].Params["amp"])
	})
}

func TestPendingNodesPrunedAfterLiveInstant(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(StartScheduler{})
	th.handleMessage(UpsertVoice{Name: "v", GroupPath: "g", SynthName: "beep", Gain: 1, OutputBus: -1})

	past := time.Now().Add(-time.Second)
	ev := types.BeatEvent{SynthDef: "trigger", VoiceName: "v"}
	msg, _ := th.buildSynthMessage(&ev, past)
	nodeID := msg.Arguments[1].(int32)

	th.store.Read(func(s *state.State) {
		assert.Contains(t, s.PendingNodes, nodeID)
	})
	th.tick(time.Now())
	th.store.Read(func(s *state.State) {
		assert.NotContains(t, s.PendingNodes, nodeID)
		assert.Contains(t, s.ActiveSynths, nodeID, "pruning pending does not end the node")
	})
}

// P3: crossing an iteration boundary clears the fired-once set.
func TestIterationBoundaryClearsFiredOnce(t *testing.T) {
	th, _ := newTestThread()
	th.handleMessage(CreateSequence{Definition: types.SequenceDefinition{Name: "s", LoopBeats: 4}})
	th.handleMessage(StartScheduler{})
	th.handleMessage(StartSequence{Name: "s"})

	th.store.Write(func(s *state.State) {
		active := s.ActiveSequences["s"]
		active.AnchorBeat = 0
		active.FiredOnce["pattern:intro"] = 0
	})

	// Still inside iteration 0: the set is untouched
	th.collectActiveLoops(3.9)
	th.store.Read(func(s *state.State) {
		assert.Contains(t, s.ActiveSequences["s"].FiredOnce, "pattern:intro")
	})

	// Past the boundary: cleared, iteration advanced
	th.collectActiveLoops(4.1)
	th.store.Read(func(s *state.State) {
		active := s.ActiveSequences["s"]
		assert.Empty(t, active.FiredOnce)
		assert.Equal(t, uint64(1), active.LastIteration)
	})
}

func TestLoadSynthDefRecordsName(t *testing.T) {
	th, fc := newTestThread()
	blob := append([]byte("SCgf\x00\x00\x00\x02\x00\x01"), 4, 'p', 'i', 'n', 'g')
	th.handleMessage(LoadSynthDef{Name: "ping", Bytes: blob})

	assert.Len(t, fc.callsOf("d_recv"), 1)
	th.store.Read(func(s *state.State) {
		assert.Contains(t, s.SynthDefs, "ping")
	})
}

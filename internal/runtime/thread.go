package runtime

import (
	"log"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hypebeast/go-osc/osc"

	"github.com/schollz/colliderloop/internal/midibridge"
	"github.com/schollz/colliderloop/internal/midiconnector"
	"github.com/schollz/colliderloop/internal/sampler"
	"github.com/schollz/colliderloop/internal/scheduler"
	"github.com/schollz/colliderloop/internal/sequence"
	"github.com/schollz/colliderloop/internal/state"
	"github.com/schollz/colliderloop/internal/transport"
	"github.com/schollz/colliderloop/internal/types"
)

const epsilon = 1e-6

// thread is the single owner of all authoritative mutation. One iteration:
// drain commands, poll server replies, tick (schedule, bundle, note-offs,
// fades), sleep ~1ms.
type thread struct {
	conn          ServerConn
	store         *state.Store
	queue         *queue
	sched         *scheduler.Scheduler
	clock         *transport.Clock
	bridge        *midibridge.Bridge
	samplerLoader sampler.Loader
	midiDevices   map[int]*midiconnector.Device
	lastTick      time.Time
}

func newThread(conn ServerConn, store *state.Store, q *queue, bridge *midibridge.Bridge, loader sampler.Loader) *thread {
	return &thread{
		conn:          conn,
		store:         store,
		queue:         q,
		sched:         scheduler.New(),
		clock:         transport.New(),
		bridge:        bridge,
		samplerLoader: loader,
		midiDevices:   make(map[int]*midiconnector.Device),
		lastTick:      time.Now(),
	}
}

func (t *thread) run(shutdown *atomic.Bool) {
	const interval = time.Millisecond

	for !shutdown.Load() {
		t.drainMessages()
		t.pollReplies()
		t.tick(time.Now())
		time.Sleep(interval)
	}

	for _, d := range t.midiDevices {
		d.CloseDevice()
	}
}

func (t *thread) drainMessages() {
	for _, msg := range t.queue.drain() {
		t.handleMessage(msg)
	}
}

// pollReplies consumes every pending reply from the DSP server.
func (t *thread) pollReplies() {
	for {
		packet := t.conn.TryRecv()
		if packet == nil {
			return
		}
		t.handleReply(packet)
	}
}

func (t *thread) handleReply(packet osc.Packet) {
	msg, ok := packet.(*osc.Message)
	if !ok {
		return // scsynth does not send bundles back
	}
	switch msg.Address {
	case "/n_go":
		// /n_go node_id group_id prev_node next_node is_group
		if len(msg.Arguments) >= 5 {
			node, ok1 := asInt32(msg.Arguments[0])
			group, ok2 := asInt32(msg.Arguments[1])
			isGroup, ok3 := asInt32(msg.Arguments[4])
			if ok1 && ok2 && ok3 {
				t.handleMessage(NodeCreated{NodeID: node, GroupID: group, IsGroup: isGroup != 0})
			}
		}
	case "/n_end":
		if len(msg.Arguments) >= 1 {
			if node, ok := asInt32(msg.Arguments[0]); ok {
				t.handleMessage(NodeDestroyed{NodeID: node})
			}
		}
	case "/done":
		// /done /b_allocRead bufnum
		if len(msg.Arguments) >= 2 {
			cmd, ok1 := msg.Arguments[0].(string)
			buf, ok2 := asInt32(msg.Arguments[1])
			if ok1 && ok2 && cmd == "/b_allocRead" {
				t.handleMessage(BufferLoaded{BufferID: buf})
			}
		}
	case "/tr":
		// /tr node_id trigger_id value
		if len(msg.Arguments) >= 3 {
			node, ok1 := asInt32(msg.Arguments[0])
			trig, ok2 := asInt32(msg.Arguments[1])
			value, ok3 := asFloat32(msg.Arguments[2])
			if ok1 && ok2 && ok3 {
				t.bridge.HandleTrigger(node, trig, value)
			}
		}
	case "/fail":
		// "node not found" is expected when fades touch a just-ended synth
		log.Printf("[OSC] scsynth failure: %v", msg.Arguments)
	}
}

func asInt32(v interface{}) (int32, bool) {
	switch n := v.(type) {
	case int32:
		return n, true
	case int64:
		return int32(n), true
	case float32:
		return int32(n), true
	}
	return 0, false
}

func asFloat32(v interface{}) (float32, bool) {
	switch n := v.(type) {
	case float32:
		return n, true
	case int32:
		return float32(n), true
	}
	return 0, false
}

func (t *thread) tick(now time.Time) {
	running := false
	t.store.Read(func(s *state.State) { running = s.TransportRunning })
	if !running {
		t.lastTick = now
		return
	}

	currentBeat := t.clock.BeatAt(now)
	t.store.Write(func(s *state.State) {
		for id, live := range s.PendingNodes {
			if !live.After(now) {
				delete(s.PendingNodes, id)
			}
		}
		s.CurrentBeat = currentBeat
	})

	loops := t.collectActiveLoops(currentBeat)

	var oneShots []types.ScheduledEvent
	t.store.Read(func(s *state.State) {
		oneShots = append(oneShots, s.ScheduledEvents...)
	})

	due := t.sched.CollectDueEvents(t.clock, now, loops, oneShots, scheduler.Lookahead)
	for _, db := range due {
		var synthEvents []types.BeatEvent
		for _, ev := range db.Events {
			if ev.IsFade() {
				// Fades apply immediately so synth events in the same bundle
				// observe the updated parameter maps.
				t.startFadeClip(*ev.Fade, now)
			} else {
				synthEvents = append(synthEvents, ev)
			}
		}
		if len(synthEvents) > 0 {
			t.fireEventsBundled(db.Beat, synthEvents, now)
		}
	}

	t.processScheduledNoteOffs(currentBeat)
	t.updateFades(now)
	t.lastTick = now
}

// collectActiveLoops snapshots every directly-playing pattern/melody and
// every non-paused active sequence, advancing sequence iteration tracking
// and recording newly-fired once-clips on the way.
func (t *thread) collectActiveLoops(currentBeat float64) []types.LoopSnapshot {
	var loops []types.LoopSnapshot

	type firedMark struct {
		seq  string
		clip string
		iter uint64
	}
	var marks []firedMark

	// Iteration tracking first: crossing into a new iteration clears the
	// fired-once set before materialization reads it.
	t.store.Write(func(s *state.State) {
		for name, active := range s.ActiveSequences {
			if active.Paused {
				continue
			}
			def, ok := s.Sequences[name]
			if !ok || def.LoopBeats <= epsilon {
				continue
			}
			elapsed := math.Max(currentBeat-active.AnchorBeat, 0)
			iter := uint64(elapsed / def.LoopBeats)
			if iter > active.LastIteration {
				active.FiredOnce = make(map[string]uint64)
				active.LastIteration = iter
			}
		}
	})

	t.store.Read(func(s *state.State) {
		for name, p := range s.Patterns {
			if p.Status.State == types.LoopPlaying && p.Body != nil {
				loops = append(loops, types.LoopSnapshot{
					Kind:       types.KindPattern,
					Name:       name,
					Body:       *p.Body,
					StartBeat:  p.Status.Beat,
					Generation: p.Generation,
					VoiceName:  p.VoiceName,
					GroupPath:  p.GroupPath,
				})
			}
		}
		for name, m := range s.Melodies {
			if m.Status.State == types.LoopPlaying && m.Body != nil {
				loops = append(loops, types.LoopSnapshot{
					Kind:       types.KindMelody,
					Name:       name,
					Body:       *m.Body,
					StartBeat:  m.Status.Beat,
					Generation: m.Generation,
					VoiceName:  m.VoiceName,
					GroupPath:  m.GroupPath,
				})
			}
		}
		for name, active := range s.ActiveSequences {
			if active.Paused {
				continue
			}
			def, ok := s.Sequences[name]
			if !ok {
				continue
			}
			var newlyFired []string
			body := sequence.Materialize(def, s, nil, active.FiredOnce, &newlyFired)
			if body == nil {
				continue
			}
			loops = append(loops, types.LoopSnapshot{
				Kind:       types.KindSequence,
				Name:       name,
				Body:       *body,
				StartBeat:  active.AnchorBeat,
				Generation: def.Generation,
			})
			for _, clipID := range newlyFired {
				marks = append(marks, firedMark{seq: name, clip: clipID, iter: active.LastIteration})
			}
		}
	})

	if len(marks) > 0 {
		t.store.Write(func(s *state.State) {
			for _, m := range marks {
				if active, ok := s.ActiveSequences[m.seq]; ok {
					active.FiredOnce[m.clip] = m.iter
				}
			}
		})
	}

	// Deterministic snapshot order regardless of map iteration
	sort.Slice(loops, func(i, j int) bool {
		if loops[i].Kind != loops[j].Kind {
			return loops[i].Kind < loops[j].Kind
		}
		return loops[i].Name < loops[j].Name
	})
	return loops
}

type noteOffInfo struct {
	voiceName string
	note      uint8
	nodeID    int32
	duration  float64
}

// fireEventsBundled packs every synth event at one beat into a single timed
// bundle so they go live atomically on the DSP server.
func (t *thread) fireEventsBundled(beat float64, events []types.BeatEvent, now time.Time) {
	muted := false
	t.store.Read(func(s *state.State) { muted = s.ScrubMuted })
	if muted {
		return
	}

	liveTime := t.clock.BeatToTime(beat, now)

	var msgs []*osc.Message
	var offs []noteOffInfo
	for i := range events {
		msg, off := t.buildSynthMessage(&events[i], liveTime)
		if msg == nil {
			continue
		}
		msgs = append(msgs, msg)
		if off != nil {
			offs = append(offs, *off)
		}
	}

	if len(msgs) > 0 {
		if err := t.conn.SendBundle(liveTime, msgs); err != nil {
			log.Printf("[BUNDLE] send failed at beat %.3f: %v", beat, err)
		}
	}

	// Note-offs are anchored at the scheduled beat, not the send time.
	if len(offs) > 0 {
		t.store.Write(func(s *state.State) {
			for _, off := range offs {
				s.ScheduledNoteOffs = append(s.ScheduledNoteOffs, state.ScheduledNoteOff{
					Beat:      beat + off.duration,
					VoiceName: off.voiceName,
					Note:      off.note,
					NodeID:    off.nodeID,
				})
			}
		})
	}
}

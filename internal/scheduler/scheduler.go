// Package scheduler turns playing loops and one-shot events into due beats
// within a fixed lookahead window, emitting every occurrence exactly once.
package scheduler

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/schollz/colliderloop/internal/transport"
	"github.com/schollz/colliderloop/internal/types"
)

const (
	// Lookahead is how far ahead of now events are emitted. Bundles are
	// timetagged, so the DSP server absorbs the early delivery.
	Lookahead = 250 * time.Millisecond

	epsilon = 1e-6
)

// DueBeat is every event falling on one beat, fades first.
type DueBeat struct {
	Beat   float64
	Events []types.BeatEvent
}

// Scheduler tracks, per loop and per generation, the horizon beat already
// covered, so repeated collection with the same now is idempotent.
type Scheduler struct {
	loopLast    map[string]float64
	oneShotLast float64
	hasOneShot  bool
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{loopLast: make(map[string]float64)}
}

// Reset discards all per-loop bookkeeping. Called on seek and on transport
// restart.
func (s *Scheduler) Reset() {
	s.loopLast = make(map[string]float64)
	s.oneShotLast = 0
	s.hasOneShot = false
}

type emitted struct {
	beat  float64
	event types.BeatEvent
	seq   int
}

// CollectDueEvents emits every loop occurrence and one-shot event with beat
// in (covered, horizon], where horizon is the beat at now+lookahead. Events
// at equal beats are ordered fades-first, then insertion order.
func (s *Scheduler) CollectDueEvents(clock *transport.Clock, now time.Time, loops []types.LoopSnapshot, oneShots []types.ScheduledEvent, lookahead time.Duration) []DueBeat {
	horizon := clock.BeatAt(now.Add(lookahead))

	var out []emitted
	seq := 0

	for i := range loops {
		snap := &loops[i]
		if snap.Body.LoopBeats <= epsilon || len(snap.Body.Events) == 0 {
			continue
		}
		key := loopKey(snap)
		last, seen := s.loopLast[key]
		if !seen {
			last = math.Inf(-1)
		}
		if horizon <= last {
			continue
		}

		loopLen := snap.Body.LoopBeats
		phase := snap.Body.PhaseOffset

		n := 0
		if !math.IsInf(last, -1) {
			n = int(math.Floor((last - snap.StartBeat - phase) / loopLen))
			if n < 0 {
				n = 0
			}
		}
		for {
			iterStart := snap.StartBeat + float64(n)*loopLen + phase
			if iterStart > horizon+epsilon {
				break
			}
			for _, ev := range snap.Body.Events {
				abs := iterStart + ev.Beat
				if abs <= last+epsilon || abs > horizon+epsilon {
					continue
				}
				if abs < snap.StartBeat-epsilon {
					continue
				}
				out = append(out, emitted{beat: abs, event: stamp(ev, snap), seq: seq})
				seq++
			}
			n++
		}
		s.loopLast[key] = horizon
	}

	if horizon > s.oneShotLast || !s.hasOneShot {
		last := s.oneShotLast
		if !s.hasOneShot {
			last = math.Inf(-1)
		}
		for _, se := range oneShots {
			if se.Beat <= last+epsilon || se.Beat > horizon+epsilon {
				continue
			}
			out = append(out, emitted{beat: se.Beat, event: se.Event, seq: seq})
			seq++
		}
		s.oneShotLast = horizon
		s.hasOneShot = true
	}

	if len(out) == 0 {
		return nil
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := &out[i], &out[j]
		if math.Abs(a.beat-b.beat) > epsilon {
			return a.beat < b.beat
		}
		af, bf := a.event.IsFade(), b.event.IsFade()
		if af != bf {
			return af
		}
		return a.seq < b.seq
	})

	var due []DueBeat
	for _, e := range out {
		if len(due) == 0 || math.Abs(due[len(due)-1].Beat-e.beat) > epsilon {
			due = append(due, DueBeat{Beat: e.beat})
		}
		cur := &due[len(due)-1]
		cur.Events = append(cur.Events, e.event)
	}
	return due
}

func loopKey(snap *types.LoopSnapshot) string {
	return fmt.Sprintf("%s:%s:%d", snap.Kind, snap.Name, snap.Generation)
}

// stamp fills owner metadata the event does not already carry.
func stamp(ev types.BeatEvent, snap *types.LoopSnapshot) types.BeatEvent {
	switch snap.Kind {
	case types.KindPattern:
		if ev.PatternName == "" {
			ev.PatternName = snap.Name
		}
	case types.KindMelody:
		if ev.MelodyName == "" {
			ev.MelodyName = snap.Name
		}
	}
	if ev.VoiceName == "" {
		ev.VoiceName = snap.VoiceName
	}
	if ev.GroupPath == "" {
		ev.GroupPath = snap.GroupPath
	}
	return ev
}

package transport

import (
	"time"
)

// Clock maps monotonic wall time onto musical beats under a mutable tempo.
// A beat is always a quarter note; the time signature only affects bar/beat
// reporting, never the beat definition. The clock is owned by the runtime
// thread and is not safe for concurrent mutation.
type Clock struct {
	bpm        float64
	sigNum     int
	sigDen     int
	running    bool
	anchorTime time.Time
	anchorBeat float64
}

// New returns a stopped clock at beat 0, 120 BPM, 4/4.
func New() *Clock {
	return &Clock{
		bpm:    120,
		sigNum: 4,
		sigDen: 4,
	}
}

// BPM returns the current tempo.
func (c *Clock) BPM() float64 { return c.bpm }

// Running reports whether the transport is advancing.
func (c *Clock) Running() bool { return c.running }

// TimeSignature returns the current numerator and denominator.
func (c *Clock) TimeSignature() (int, int) { return c.sigNum, c.sigDen }

// Start anchors the clock at (now, current beat) and begins advancing.
func (c *Clock) Start(now time.Time) {
	c.anchorTime = now
	// anchorBeat keeps whatever beat the clock was frozen at
	c.running = true
}

// Stop freezes the current beat.
func (c *Clock) Stop(now time.Time) {
	c.anchorBeat = c.BeatAt(now)
	c.anchorTime = now
	c.running = false
}

// Seek re-anchors at (now, beat), clamping to beat >= 0. Scheduler
// bookkeeping must be reset by the caller.
func (c *Clock) Seek(beat float64, now time.Time) {
	if beat < 0 {
		beat = 0
	}
	c.anchorTime = now
	c.anchorBeat = beat
}

// SetBPM re-anchors at (now, BeatAt(now)) before changing tempo so the past
// mapping is preserved.
func (c *Clock) SetBPM(bpm float64, now time.Time) {
	if bpm <= 0 {
		return
	}
	c.anchorBeat = c.BeatAt(now)
	c.anchorTime = now
	c.bpm = bpm
}

// SetTimeSignature updates the signature. Beats stay quarter notes, so no
// re-anchoring happens.
func (c *Clock) SetTimeSignature(num, den int, now time.Time) {
	if num > 0 {
		c.sigNum = num
	}
	if den > 0 {
		c.sigDen = den
	}
	_ = now
}

// BeatAt returns the beat at the given instant: monotone non-decreasing
// between Start/Seek/SetBPM calls while running, frozen otherwise.
func (c *Clock) BeatAt(now time.Time) float64 {
	if !c.running {
		return c.anchorBeat
	}
	elapsed := now.Sub(c.anchorTime).Seconds()
	beat := c.anchorBeat + elapsed*c.bpm/60.0
	if beat < c.anchorBeat {
		// now predates the anchor (caller raced a re-anchor); never go back
		return c.anchorBeat
	}
	return beat
}

// BeatToTime inverts the mapping, returning the wall instant at which the
// given beat occurs relative to the current anchor and tempo. Valid for
// beats past and future; tempo changes after the call do not retroactively
// move instants already computed.
func (c *Clock) BeatToTime(beat float64, now time.Time) time.Time {
	ref := c.anchorTime
	refBeat := c.anchorBeat
	if !c.running {
		ref = now
	}
	deltaBeats := beat - refBeat
	deltaSec := deltaBeats * 60.0 / c.bpm
	return ref.Add(time.Duration(deltaSec * float64(time.Second)))
}

// ntpEpochOffset is the number of seconds between the NTP epoch
// (1900-01-01) and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// NTPTimetag converts a wall instant to a 64-bit fixed-point OSC timetag:
// seconds since 1900-01-01 UTC in the high 32 bits, fractional seconds in
// the low 32 bits.
func NTPTimetag(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(t.Nanosecond()) << 32 / 1e9
	return secs<<32 | frac
}

// BarBeat reports the current bar number and the beat within the bar, both
// zero-based, under the current time signature. A signature beat is
// 4/denominator quarter notes.
func (c *Clock) BarBeat(now time.Time) (bar int, beatInBar float64) {
	beat := c.BeatAt(now)
	sigBeat := beat * float64(c.sigDen) / 4.0
	barLen := float64(c.sigNum)
	bar = int(sigBeat / barLen)
	beatInBar = sigBeat - float64(bar)*barLen
	return bar, beatInBar
}

package midibridge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedEvent struct {
	kind     string
	channel  uint8
	a, b     uint8
	bendWide uint16
}

type fakeOutput struct {
	events []recordedEvent
}

func (f *fakeOutput) NoteOn(channel, note, velocity uint8) error {
	f.events = append(f.events, recordedEvent{kind: "noteOn", channel: channel, a: note, b: velocity})
	return nil
}

func (f *fakeOutput) NoteOff(channel, note uint8) error {
	f.events = append(f.events, recordedEvent{kind: "noteOff", channel: channel, a: note})
	return nil
}

func (f *fakeOutput) ControlChange(channel, controller, value uint8) error {
	f.events = append(f.events, recordedEvent{kind: "cc", channel: channel, a: controller, b: value})
	return nil
}

func (f *fakeOutput) PitchBend(channel uint8, value uint16) error {
	f.events = append(f.events, recordedEvent{kind: "bend", channel: channel, bendWide: value})
	return nil
}

func (f *fakeOutput) Clock() error {
	f.events = append(f.events, recordedEvent{kind: "clock"})
	return nil
}

func (f *fakeOutput) Start() error {
	f.events = append(f.events, recordedEvent{kind: "start"})
	return nil
}

func (f *fakeOutput) Stop() error {
	f.events = append(f.events, recordedEvent{kind: "stop"})
	return nil
}

func (f *fakeOutput) Continue() error {
	f.events = append(f.events, recordedEvent{kind: "continue"})
	return nil
}

func TestDecodeNoteOnBitExact(t *testing.T) {
	// The E5 payload: device 5, channel 3, note 60, velocity 100
	packed := int32(5<<21 | 3<<14 | 60<<7 | 100)
	device, channel, note, velocity := DecodeNoteOn(packed)
	assert.Equal(t, 5, device)
	assert.Equal(t, uint8(3), channel)
	assert.Equal(t, uint8(60), note)
	assert.Equal(t, uint8(100), velocity)
}

func TestDecodeNoteOffBitExact(t *testing.T) {
	packed := int32(7<<14 | 9<<7 | 64)
	device, channel, note := DecodeNoteOff(packed)
	assert.Equal(t, 7, device)
	assert.Equal(t, uint8(9), channel)
	assert.Equal(t, uint8(64), note)
}

func TestPackedNoteOnDispatch(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(5, out)

	packed := float32(5<<21 | 3<<14 | 60<<7 | 100)
	b.HandleTrigger(1001, TrigNoteOnPacked, packed)

	require.Len(t, out.events, 1)
	assert.Equal(t, recordedEvent{kind: "noteOn", channel: 3, a: 60, b: 100}, out.events[0])
}

func TestPackedNoteOffDispatch(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(2, out)

	packed := float32(2<<14 | 1<<7 | 48)
	b.HandleTrigger(1001, TrigNoteOffPacked, packed)

	require.Len(t, out.events, 1)
	assert.Equal(t, recordedEvent{kind: "noteOff", channel: 1, a: 48}, out.events[0])
}

func TestCCAccumulation(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(1, out)

	// Pieces arrive one SendTrig at a time for the same node
	b.HandleTrigger(2000, TrigCCDeviceID, 1)
	b.HandleTrigger(2000, TrigCCChannel, 4)
	b.HandleTrigger(2000, TrigCCNum, 74)
	assert.Empty(t, out.events, "incomplete accumulation must not dispatch")

	b.HandleTrigger(2000, TrigCCValue, 99)
	require.Len(t, out.events, 1)
	assert.Equal(t, recordedEvent{kind: "cc", channel: 4, a: 74, b: 99}, out.events[0])

	// The accumulator entry is consumed; a fresh value alone does nothing
	b.HandleTrigger(2000, TrigCCValue, 12)
	assert.Len(t, out.events, 1)
}

func TestCCAccumulationIsPerNode(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(1, out)

	b.HandleTrigger(2000, TrigCCDeviceID, 1)
	b.HandleTrigger(2001, TrigCCDeviceID, 1)
	b.HandleTrigger(2000, TrigCCChannel, 0)
	b.HandleTrigger(2001, TrigCCChannel, 1)
	b.HandleTrigger(2000, TrigCCNum, 10)
	b.HandleTrigger(2001, TrigCCNum, 11)
	b.HandleTrigger(2001, TrigCCValue, 101)
	b.HandleTrigger(2000, TrigCCValue, 100)

	require.Len(t, out.events, 2)
	assert.Equal(t, recordedEvent{kind: "cc", channel: 1, a: 11, b: 101}, out.events[0])
	assert.Equal(t, recordedEvent{kind: "cc", channel: 0, a: 10, b: 100}, out.events[1])
}

func TestPitchBendAccumulation(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(3, out)

	b.HandleTrigger(3000, TrigPitchBendDeviceID, 3)
	b.HandleTrigger(3000, TrigPitchBendChannel, 2)
	b.HandleTrigger(3000, TrigPitchBendValue, 8192)

	require.Len(t, out.events, 1)
	assert.Equal(t, recordedEvent{kind: "bend", channel: 2, bendWide: 8192}, out.events[0])
}

func TestClockAndTransportTriggers(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(4, out)

	b.HandleTrigger(1, TrigClock, 4)
	b.HandleTrigger(1, TrigStart, 4)
	b.HandleTrigger(1, TrigStop, 4)
	b.HandleTrigger(1, TrigContinue, 4)

	require.Len(t, out.events, 4)
	assert.Equal(t, "clock", out.events[0].kind)
	assert.Equal(t, "start", out.events[1].kind)
	assert.Equal(t, "stop", out.events[2].kind)
	assert.Equal(t, "continue", out.events[3].kind)
}

func TestUnknownDeviceCountsError(t *testing.T) {
	b := New()
	packed := float32(9<<21 | 0<<14 | 60<<7 | 100)
	b.HandleTrigger(1, TrigNoteOnPacked, packed)
	b.HandleTrigger(1, TrigNoteOnPacked, packed)
	assert.Equal(t, uint64(2), b.ErrorCount())
}

func TestUnregisterDevice(t *testing.T) {
	b := New()
	out := &fakeOutput{}
	b.RegisterDevice(5, out)
	b.UnregisterDevice(5)

	packed := float32(5<<21 | 3<<14 | 60<<7 | 100)
	b.HandleTrigger(1, TrigNoteOnPacked, packed)
	assert.Empty(t, out.events)
	assert.Equal(t, uint64(1), b.ErrorCount())
}
